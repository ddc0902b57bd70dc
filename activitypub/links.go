package activitypub

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	ContentType            = "application/activity+json"
	LDContentType          = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// Links builds the URIs this node hands out for actors, objects and activities.
type Links struct {
	Domain string
	Scheme string
}

func NewLinks(domain string) Links {
	return Links{Domain: domain, Scheme: "https"}
}

func (l Links) base() string {
	scheme := l.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, l.Domain)
}

func (l Links) Actor(username string) string     { return l.base() + "/users/" + username }
func (l Links) Inbox(username string) string     { return l.Actor(username) + "/inbox" }
func (l Links) Outbox(username string) string    { return l.Actor(username) + "/outbox" }
func (l Links) Followers(username string) string { return l.Actor(username) + "/followers" }
func (l Links) Following(username string) string { return l.Actor(username) + "/following" }
func (l Links) KeyID(username string) string     { return l.Actor(username) + "#main-key" }
func (l Links) SharedInbox() string              { return l.base() + "/inbox" }
func (l Links) Object(localID string) string     { return l.base() + "/objects/" + localID }
func (l Links) Activity(id string) string        { return l.base() + "/activities/" + id }
func (l Links) Context(id string) string         { return l.base() + "/contexts/" + id }

// IsLocal reports whether uri is hosted on this node.
func (l Links) IsLocal(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, l.Domain)
}

// Username extracts the account name from a local actor URI or any URI nested under it.
func (l Links) Username(uri string) (string, bool) {
	if !l.IsLocal(uri) {
		return "", false
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "users" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// ExtractDomain extracts the host from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func ExtractDomain(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid actor URI: %s", uri)
	}
	return parsed.Host, nil
}

// ExtractUsername extracts username from various URI formats
// Examples:
// - "https://example.com/users/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
func ExtractUsername(uri string) string {
	uri = strings.TrimSuffix(uri, "/")
	parts := strings.Split(uri, "/")
	if len(parts) > 0 {
		return strings.TrimPrefix(parts[len(parts)-1], "@")
	}
	return ""
}
