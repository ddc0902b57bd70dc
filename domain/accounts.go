package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is an actor hosted on this node.
type Account struct {
	Id                        uuid.UUID
	Username                  string
	DisplayName               string
	Summary                   string
	AvatarURL                 string
	WebPublicKey              string
	WebPrivateKey             string
	ManuallyApprovesFollowers bool
	CreatedAt                 time.Time
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tDisplayName: %s \n\tCREATED_AT: %s)", acc.Id, acc.Username, acc.DisplayName, acc.CreatedAt)
}

// Actor is the canonical profile of a local or remote actor.
type Actor struct {
	URI          string
	Username     string
	Domain       string
	DisplayName  string
	Summary      string
	InboxURI     string
	SharedInbox  string
	OutboxURI    string
	FollowersURI string
	PublicKeyPem string
	AvatarURL    string
	IsLocal      bool
	// Placeholder is set when the profile could not be resolved and only the URI is known.
	Placeholder   bool
	LastFetchedAt time.Time
}

// Handle returns user@domain.
func (a *Actor) Handle() string {
	return a.Username + "@" + a.Domain
}

// DeliveryInbox prefers the shared inbox when the remote server advertises one.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInbox != "" {
		return a.SharedInbox
	}
	return a.InboxURI
}
