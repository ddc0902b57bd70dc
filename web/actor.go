package web

import (
	"github.com/deemkeen/fedicore/activitypub"
	"github.com/deemkeen/fedicore/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) handleActor(c *gin.Context) {
	acc, ok := s.account(c)
	if !ok {
		return
	}
	renderActivity(c, 200, activitypub.ActorDocument(s.links, acc))
}

// handleObject serves a public or unlisted object by its local id. Everything
// else needs an authenticated fetch, which this surface does not offer.
func (s *Server) handleObject(c *gin.Context) {
	obj, err := s.svc.Objects.GetByLocalID(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	if !publiclyReadable(obj) {
		renderError(c, domain.ErrNotFound)
		return
	}
	renderActivity(c, 200, activitypub.ToDocument(obj))
}

// handleContext lists the readable members of a thread, oldest first.
func (s *Server) handleContext(c *gin.Context) {
	contextID := s.links.Context(c.Param("id"))
	thread, err := s.svc.Objects.GetThread(c.Request.Context(), contextID)
	if err != nil {
		renderError(c, err)
		return
	}

	items := make([]activitypub.ObjectDoc, 0, len(thread))
	for i := range thread {
		if publiclyReadable(&thread[i]) {
			doc := activitypub.ToDocument(&thread[i])
			doc.Context = nil
			items = append(items, doc)
		}
	}
	if len(items) == 0 {
		renderError(c, domain.ErrNotFound)
		return
	}
	renderActivity(c, 200, activitypub.OrderedCollection{
		Context:      activitypub.ActivityStreamsContext,
		ID:           contextID,
		Type:         "OrderedCollection",
		TotalItems:   len(items),
		OrderedItems: items,
	})
}
