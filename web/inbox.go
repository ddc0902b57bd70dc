package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/fedicore/domain"
	"github.com/gin-gonic/gin"
)

// handleSharedInbox accepts activities for any local actor. Routing to the
// addressed accounts happens while the activity is processed.
func (s *Server) handleSharedInbox(c *gin.Context) {
	s.receive(c, "shared inbox")
}

func (s *Server) handleUserInbox(c *gin.Context) {
	acc, ok := s.account(c)
	if !ok {
		return
	}
	s.receive(c, acc.Username)
}

func (s *Server) receive(c *gin.Context, inbox string) {
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		s.log.Warnf("Inbox: Failed to read body for %s: %v", inbox, err)
		c.Status(http.StatusBadRequest)
		return
	}

	ctx := c.Request.Context()
	signer, err := s.svc.Inbox.Authenticate(ctx, c.Request, body)
	if err != nil {
		s.log.Infof("Inbox: Rejected unsigned or badly signed request to %s: %v", inbox, err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	if err := s.svc.Inbox.Process(ctx, signer, body); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.log.Errorf("Inbox: Failed to process activity from %s: %v", signer, err)
		} else {
			s.log.Infof("Inbox: Refused activity from %s: %v", signer, err)
		}
		if errors.Is(err, domain.ErrNotFound) {
			// nothing here the activity could apply to
			c.Status(http.StatusAccepted)
			return
		}
		c.JSON(status, gin.H{"error": http.StatusText(status)})
		return
	}
	c.Status(http.StatusAccepted)
}
