package activitypub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/fedicore/domain"
)

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context                   any        `json:"@context,omitempty"`
	ID                        string     `json:"id"`
	Type                      string     `json:"type"`
	PreferredUsername         string     `json:"preferredUsername"`
	Name                      string     `json:"name,omitempty"`
	Summary                   string     `json:"summary,omitempty"`
	Inbox                     string     `json:"inbox"`
	Outbox                    string     `json:"outbox,omitempty"`
	Followers                 string     `json:"followers,omitempty"`
	Following                 string     `json:"following,omitempty"`
	ManuallyApprovesFollowers bool       `json:"manuallyApprovesFollowers"`
	Endpoints                 *Endpoints `json:"endpoints,omitempty"`
	Icon                      *Image     `json:"icon,omitempty"`
	PublicKey                 PublicKey  `json:"publicKey"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type Image struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// ParseActor decodes an actor document into a remote actor profile.
func ParseActor(body []byte, fetchedAt time.Time) (*domain.Actor, error) {
	var actor ActorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}

	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}

	domainName, err := ExtractDomain(actor.ID)
	if err != nil {
		return nil, err
	}

	username := actor.PreferredUsername
	if username == "" {
		username = ExtractUsername(actor.ID)
	}

	profile := &domain.Actor{
		URI:           actor.ID,
		Username:      username,
		Domain:        domainName,
		DisplayName:   actor.Name,
		Summary:       actor.Summary,
		InboxURI:      actor.Inbox,
		OutboxURI:     actor.Outbox,
		FollowersURI:  actor.Followers,
		PublicKeyPem:  actor.PublicKey.PublicKeyPem,
		LastFetchedAt: fetchedAt,
	}
	if actor.Endpoints != nil {
		profile.SharedInbox = actor.Endpoints.SharedInbox
	}
	if actor.Icon != nil {
		profile.AvatarURL = actor.Icon.URL
	}
	return profile, nil
}

// ActorDocument renders a local account as an actor document.
func ActorDocument(links Links, acc *domain.Account) ActorResponse {
	doc := ActorResponse{
		Context:                   []string{ActivityStreamsContext, SecurityContext},
		ID:                        links.Actor(acc.Username),
		Type:                      "Person",
		PreferredUsername:         acc.Username,
		Name:                      acc.DisplayName,
		Summary:                   acc.Summary,
		Inbox:                     links.Inbox(acc.Username),
		Outbox:                    links.Outbox(acc.Username),
		Followers:                 links.Followers(acc.Username),
		Following:                 links.Following(acc.Username),
		ManuallyApprovesFollowers: acc.ManuallyApprovesFollowers,
	}
	doc.Endpoints = &Endpoints{SharedInbox: links.SharedInbox()}
	if acc.AvatarURL != "" {
		doc.Icon = &Image{Type: "Image", URL: acc.AvatarURL}
	}
	doc.PublicKey = PublicKey{
		ID:           links.KeyID(acc.Username),
		Owner:        doc.ID,
		PublicKeyPem: acc.WebPublicKey,
	}
	return doc
}

// LocalActor is the profile of a local account as other components see it.
func LocalActor(links Links, acc *domain.Account) *domain.Actor {
	return &domain.Actor{
		URI:           links.Actor(acc.Username),
		Username:      acc.Username,
		Domain:        links.Domain,
		DisplayName:   acc.DisplayName,
		Summary:       acc.Summary,
		InboxURI:      links.Inbox(acc.Username),
		SharedInbox:   links.SharedInbox(),
		OutboxURI:     links.Outbox(acc.Username),
		FollowersURI:  links.Followers(acc.Username),
		PublicKeyPem:  acc.WebPublicKey,
		AvatarURL:     acc.AvatarURL,
		IsLocal:       true,
		LastFetchedAt: time.Now(),
	}
}

// WebFingerLink is one entry of a JRD links array.
type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// WebFingerResponse is the JRD returned by /.well-known/webfinger.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

// SelfLink returns the href of the rel=self ActivityPub link.
func (w *WebFingerResponse) SelfLink() (string, bool) {
	for _, l := range w.Links {
		if l.Rel == "self" && (l.Type == ContentType || l.Type == LDContentType) && l.Href != "" {
			return l.Href, true
		}
	}
	return "", false
}

// WebFingerDocument describes a local account for webfinger discovery.
func WebFingerDocument(links Links, username string) WebFingerResponse {
	return WebFingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", username, links.Domain),
		Aliases: []string{links.Actor(username)},
		Links: []WebFingerLink{
			{Rel: "self", Type: ContentType, Href: links.Actor(username)},
		},
	}
}
