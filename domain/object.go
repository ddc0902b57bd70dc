package domain

import (
	"fmt"
	"time"
)

type ObjectType string

const (
	TypeNote     ObjectType = "Note"
	TypeArticle  ObjectType = "Article"
	TypeQuestion ObjectType = "Question"
	TypeLike     ObjectType = "Like"
	TypeAnnounce ObjectType = "Announce"
)

// ContentTypes are the types shown on timelines unless a query asks for others.
var ContentTypes = []ObjectType{TypeNote, TypeArticle, TypeQuestion}

// Known reports whether t is one of the built-in object types.
func (t ObjectType) Known() bool {
	switch t {
	case TypeNote, TypeArticle, TypeQuestion, TypeLike, TypeAnnounce:
		return true
	}
	return false
}

// StoryLifetime applies to stories created without an explicit expiry.
const StoryLifetime = 24 * time.Hour

// Object is the single representation shared by posts, direct messages, stories,
// comments and reactions. Poll and Story are the variant payloads.
type Object struct {
	ID          string
	LocalID     string
	Type        ObjectType
	Actor       string
	To          []string
	Cc          []string
	Bto         []string
	Bcc         []string
	Visibility  Visibility
	Context     string
	InReplyTo   string
	Content     string
	Summary     string
	Attachments []Attachment
	Tags        []Tag
	Poll        *Poll
	Story       *Story
	Published   time.Time
	Updated     time.Time
	DeletedAt   *time.Time
	IsLocal     bool
	// Raw keeps the original document of remote objects whose type is not Known.
	Raw string
}

type Attachment struct {
	URL       string `json:"url" validate:"required,url"`
	MediaType string `json:"mediaType,omitempty"`
	Name      string `json:"name,omitempty"`
}

type Tag struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	Href string `json:"href,omitempty"`
}

type PollOption struct {
	Name  string `json:"name"`
	Votes int    `json:"votes"`
}

type Poll struct {
	Options  []PollOption `json:"options"`
	Multiple bool         `json:"multiple"`
	EndTime  *time.Time   `json:"endTime,omitempty"`
}

// Closed reports whether the poll stopped accepting votes at now.
func (p *Poll) Closed(now time.Time) bool {
	return p.EndTime != nil && !now.Before(*p.EndTime)
}

type StoryItem struct {
	MediaURL   string `json:"mediaUrl"`
	MediaType  string `json:"mediaType,omitempty"`
	Caption    string `json:"caption,omitempty"`
	DurationMs int    `json:"durationMs,omitempty"`
}

type Story struct {
	Items     []StoryItem `json:"items"`
	ExpiresAt *time.Time  `json:"expiresAt,omitempty"`
}

// Expired reports whether the object is a story past its expiry at now.
func (o *Object) Expired(now time.Time) bool {
	if o.Story == nil {
		return false
	}
	expiresAt := o.Published.Add(StoryLifetime)
	if o.Story.ExpiresAt != nil {
		expiresAt = *o.Story.ExpiresAt
	}
	return !now.Before(expiresAt)
}

// Deleted reports whether the object is a tombstone.
func (o *Object) Deleted() bool {
	return o.DeletedAt != nil
}

// AttachmentURLs lists attachment URLs in order.
func (o *Object) AttachmentURLs() []string {
	urls := make([]string, 0, len(o.Attachments))
	for _, a := range o.Attachments {
		urls = append(urls, a.URL)
	}
	return urls
}

// Recipients returns to, cc, bto and bcc concatenated without duplicates.
func (o *Object) Recipients() []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{o.To, o.Cc, o.Bto, o.Bcc} {
		for _, r := range list {
			if r == "" || seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func (o *Object) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tType: %s \n\tActor: %s \n\tVisibility: %s \n\tPublished: %s)", o.ID, o.Type, o.Actor, o.Visibility, o.Published)
}

// ObjectInput is what an authenticated actor submits to create an object.
// Either Visibility or explicit recipients address the object.
type ObjectInput struct {
	Type        ObjectType   `validate:"required"`
	Visibility  Visibility   `validate:"omitempty,oneof=public unlisted followers direct community"`
	To          []string     `validate:"dive,required"`
	Cc          []string     `validate:"dive,required"`
	Bto         []string     `validate:"dive,required"`
	Bcc         []string     `validate:"dive,required"`
	Context     string
	InReplyTo   string
	Content     string       `validate:"max=65536"`
	Summary     string       `validate:"max=1024"`
	Attachments []Attachment `validate:"dive"`
	Tags        []Tag
	Poll        *PollInput
	Story       *StoryInput
}

type PollInput struct {
	Options  []string `validate:"min=2,max=20,unique,dive,required"`
	Multiple bool
	EndTime  *time.Time
}

type StoryInput struct {
	Items     []StoryItem `validate:"min=1,dive"`
	ExpiresAt *time.Time
}

// ObjectPatch carries the author-editable fields; nil means unchanged.
type ObjectPatch struct {
	Content     *string
	Summary     *string
	Attachments *[]Attachment
	Tags        *[]Tag
	To          *[]string
	Cc          *[]string
}

// ObjectFilter selects objects for queries and timelines. Soft-deleted objects
// and expired stories never match.
type ObjectFilter struct {
	Types        []ObjectType
	Actors       []string
	Context      string
	Visibilities []Visibility
	InReplyTo    *string
	IsLocal      *bool
	// AddressedTo widens the Actors/Visibilities match to objects that name
	// this actor among their recipients.
	AddressedTo string
	Ascending   bool
	Offset      int
	Limit       int
}
