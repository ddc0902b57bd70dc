package web

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/fedicore/activitypub"
	"github.com/deemkeen/fedicore/domain"
	"github.com/deemkeen/fedicore/objects"
	"github.com/deemkeen/fedicore/util"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
)

const rssTitleFormat = "2006-01-02 15:04"

func (s *Server) handleFeed(c *gin.Context) {
	rss, err := s.GetRSS(c.Request.Context(), c.Query("username"))
	if err != nil {
		c.Data(statusFor(err), "application/xml; charset=utf-8", nil)
		return
	}
	c.Data(200, "application/xml; charset=utf-8", []byte(rss))
}

func (s *Server) handleFeedItem(c *gin.Context) {
	rss, err := s.GetRSSItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Data(statusFor(err), "application/xml; charset=utf-8", nil)
		return
	}
	c.Data(200, "application/xml; charset=utf-8", []byte(rss))
}

func (s *Server) feedLink() string {
	return fmt.Sprintf("https://%s/feed", s.links.Domain)
}

// GetRSS renders the latest public posts of this node, or of one local user.
func (s *Server) GetRSS(ctx context.Context, username string) (string, error) {
	title := fmt.Sprintf("All %s posts", s.links.Domain)
	link := s.feedLink()
	author := &feeds.Author{Name: "everyone"}

	var (
		page *objects.Page
		err  error
	)
	if username == "" {
		page, err = s.svc.Timeline.Public(ctx, true, "")
	} else {
		acc, accErr := s.svc.Accounts.ReadAccByUsername(ctx, username)
		if accErr != nil {
			s.log.Debugf("RSS: Could not get account %s: %v", username, accErr)
			return "", accErr
		}
		actor := s.links.Actor(acc.Username)
		title = fmt.Sprintf("%s posts - %s", s.links.Domain, acc.Username)
		link = fmt.Sprintf("%s?username=%s", link, acc.Username)
		author = s.feedAuthor(actor)
		page, err = s.svc.Objects.Timeline(ctx, domain.ObjectFilter{
			Actors:       []string{actor},
			Visibilities: []domain.Visibility{domain.VisibilityPublic},
		}, "")
	}
	if err != nil {
		s.log.Warnf("RSS: Could not get posts: %v", err)
		return "", err
	}

	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: link},
		Description: fmt.Sprintf("public posts on %s", s.links.Domain),
		Author:      author,
		Created:     time.Now(),
	}
	for i := range page.Items {
		feed.Items = append(feed.Items, s.feedItem(&page.Items[i]))
	}
	return feed.ToRss()
}

// GetRSSItem renders a single public post.
func (s *Server) GetRSSItem(ctx context.Context, localID string) (string, error) {
	obj, err := s.svc.Objects.GetByLocalID(ctx, localID)
	if err != nil {
		return "", err
	}
	if obj.Visibility != domain.VisibilityPublic {
		return "", domain.ErrNotFound
	}

	item := s.feedItem(obj)
	feed := &feeds.Feed{
		Title:       "Single post",
		Link:        item.Link,
		Description: fmt.Sprintf("public posts on %s", s.links.Domain),
		Author:      item.Author,
		Created:     time.Now(),
		Items:       []*feeds.Item{item},
	}
	return feed.ToRss()
}

func (s *Server) feedAuthor(actorURI string) *feeds.Author {
	name := activitypub.ExtractUsername(actorURI)
	return &feeds.Author{Name: name, Email: fmt.Sprintf("%s@%s", name, s.links.Domain)}
}

func (s *Server) feedItem(obj *domain.Object) *feeds.Item {
	title := util.NormalizeInput(obj.Summary)
	if title == "" {
		title = obj.Published.Format(rssTitleFormat)
	}
	return &feeds.Item{
		Id:      obj.LocalID,
		Title:   title,
		Link:    &feeds.Link{Href: fmt.Sprintf("%s/%s", s.feedLink(), obj.LocalID)},
		Content: util.MarkdownLinksToHTML(obj.Content),
		Author:  s.feedAuthor(obj.Actor),
		Created: obj.Published,
		Updated: obj.Updated,
	}
}
