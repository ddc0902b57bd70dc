package web

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/deemkeen/fedicore/activitypub"
	"github.com/gin-gonic/gin"
)

const itemsPerPage = 20

// handleOutbox returns the collection metadata, or with ?page=N one page of
// the actor's public activities exactly as they were sent.
func (s *Server) handleOutbox(c *gin.Context) {
	acc, ok := s.account(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	actorURI := s.links.Actor(acc.Username)
	outboxURL := s.links.Outbox(acc.Username)

	page := ParsePageParam(c.Query("page"))
	if page == 0 {
		total, err := s.svc.Activities.CountOutboxActivities(ctx, actorURI)
		if err != nil {
			s.log.Errorf("GetOutbox: Failed to count activities for %s: %v", acc.Username, err)
			renderError(c, err)
			return
		}
		renderActivity(c, 200, collection(outboxURL, total))
		return
	}

	activities, err := s.svc.Activities.ReadOutboxActivities(ctx, actorURI, itemsPerPage+1, (page-1)*itemsPerPage)
	if err != nil {
		s.log.Errorf("GetOutbox: Failed to fetch page %d for %s: %v", page, acc.Username, err)
		renderError(c, err)
		return
	}
	hasMore := len(activities) > itemsPerPage
	if hasMore {
		activities = activities[:itemsPerPage]
	}
	items := make([]json.RawMessage, 0, len(activities))
	for _, a := range activities {
		items = append(items, json.RawMessage(a.RawJSON))
	}
	renderActivity(c, 200, collectionPage(outboxURL, page, hasMore, items))
}

func (s *Server) handleFollowers(c *gin.Context) {
	s.handleActorList(c, s.svc.Follows.Followers, s.links.Followers)
}

func (s *Server) handleFollowing(c *gin.Context) {
	s.handleActorList(c, s.svc.Follows.Following, s.links.Following)
}

func (s *Server) handleActorList(c *gin.Context, list func(ctx context.Context, actor string) ([]string, error), collectionURL func(string) string) {
	acc, ok := s.account(c)
	if !ok {
		return
	}
	actors, err := list(c.Request.Context(), s.links.Actor(acc.Username))
	if err != nil {
		renderError(c, err)
		return
	}
	id := collectionURL(acc.Username)

	page := ParsePageParam(c.Query("page"))
	if page == 0 {
		renderActivity(c, 200, collection(id, len(actors)))
		return
	}
	start := (page - 1) * itemsPerPage
	if start > len(actors) {
		start = len(actors)
	}
	end := min(start+itemsPerPage, len(actors))
	items := append([]string{}, actors[start:end]...)
	renderActivity(c, 200, collectionPage(id, page, end < len(actors), items))
}

func collection(id string, total int) activitypub.OrderedCollection {
	return activitypub.OrderedCollection{
		Context:    activitypub.ActivityStreamsContext,
		ID:         id,
		Type:       "OrderedCollection",
		TotalItems: total,
		First:      fmt.Sprintf("%s?page=1", id),
	}
}

func collectionPage(id string, page int, hasMore bool, items any) activitypub.OrderedCollectionPage {
	p := activitypub.OrderedCollectionPage{
		Context:      activitypub.ActivityStreamsContext,
		ID:           fmt.Sprintf("%s?page=%d", id, page),
		Type:         "OrderedCollectionPage",
		PartOf:       id,
		OrderedItems: items,
	}
	if hasMore {
		p.Next = fmt.Sprintf("%s?page=%d", id, page+1)
	}
	return p
}

// ParsePageParam extracts the page parameter from a query string
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}
