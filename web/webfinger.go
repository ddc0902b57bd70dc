package web

import (
	"strings"

	"github.com/deemkeen/fedicore/activitypub"
	"github.com/gin-gonic/gin"
)

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}

// webfingerUser extracts the local username from an acct: resource. Handles
// of other domains are not ours to answer.
func webfingerUser(resource, domainName string) (string, bool) {
	if !strings.HasPrefix(resource, "acct:") {
		return "", false
	}
	handle := strings.TrimPrefix(resource, "acct:")
	username, host, found := strings.Cut(handle, "@")
	if username == "" || (found && !strings.EqualFold(host, domainName)) {
		return "", false
	}
	return username, true
}

func (s *Server) handleWebfinger(c *gin.Context) {
	username, ok := webfingerUser(c.Query("resource"), s.links.Domain)
	if !ok {
		c.Data(404, "application/json; charset=utf-8", []byte(GetWebFingerNotFound()))
		return
	}
	acc, err := s.svc.Accounts.ReadAccByUsername(c.Request.Context(), username)
	if err != nil {
		s.log.Debugf("Webfinger: %s not found: %v", username, err)
		c.Data(404, "application/json; charset=utf-8", []byte(GetWebFingerNotFound()))
		return
	}
	c.Header("Access-Control-Allow-Origin", "*")
	c.JSON(200, activitypub.WebFingerDocument(s.links, acc.Username))
}
