package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/fedicore/domain"
)

// IRI decodes a reference that may arrive as a plain string, an embedded
// object with an id, or an array of either (the first entry wins).
type IRI string

func (i *IRI) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*i = ""
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*i = IRI(s)
	case '{':
		var ref struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(b, &ref); err != nil {
			return err
		}
		*i = IRI(ref.ID)
	case '[':
		var list []IRI
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*i = ""
		if len(list) > 0 {
			*i = list[0]
		}
	default:
		return fmt.Errorf("unexpected IRI value %s", b)
	}
	return nil
}

// StringList decodes addressing fields that may be a single string or an array.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*l = nil
		return nil
	}
	if b[0] == '[' {
		var refs []IRI
		if err := json.Unmarshal(b, &refs); err != nil {
			return err
		}
		out := make([]string, 0, len(refs))
		for _, r := range refs {
			if r != "" {
				out = append(out, string(r))
			}
		}
		*l = out
		return nil
	}
	var one IRI
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*l = StringList{string(one)}
	return nil
}

type AttachmentDoc struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	URL       IRI    `json:"url"`
	Name      string `json:"name,omitempty"`
}

type TagDoc struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	Href string `json:"href,omitempty"`
}

type RepliesDoc struct {
	Type       string `json:"type"`
	TotalItems int    `json:"totalItems"`
}

// OptionDoc is one answer of a Question.
type OptionDoc struct {
	Type    string     `json:"type"`
	Name    string     `json:"name"`
	Replies RepliesDoc `json:"replies"`
}

// StoryDoc carries the ordered presentation items of a story.
type StoryDoc struct {
	Items     []domain.StoryItem `json:"items"`
	ExpiresAt string             `json:"expiresAt,omitempty"`
}

// ObjectDoc is the wire form of a content object. Blind recipients have no
// field here and are never serialized.
type ObjectDoc struct {
	Context      any             `json:"@context,omitempty"`
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	AttributedTo IRI             `json:"attributedTo,omitempty"`
	Actor        IRI             `json:"actor,omitempty"`
	Object       IRI             `json:"object,omitempty"`
	To           StringList      `json:"to,omitempty"`
	Cc           StringList      `json:"cc,omitempty"`
	InReplyTo    IRI             `json:"inReplyTo,omitempty"`
	Conversation string          `json:"context,omitempty"`
	Name         string          `json:"name,omitempty"`
	Content      string          `json:"content,omitempty"`
	Summary      string          `json:"summary,omitempty"`
	Sensitive    bool            `json:"sensitive,omitempty"`
	Attachment   []AttachmentDoc `json:"attachment,omitempty"`
	Tag          []TagDoc        `json:"tag,omitempty"`
	OneOf        []OptionDoc     `json:"oneOf,omitempty"`
	AnyOf        []OptionDoc     `json:"anyOf,omitempty"`
	EndTime      string          `json:"endTime,omitempty"`
	Story        *StoryDoc       `json:"story,omitempty"`
	Published    string          `json:"published,omitempty"`
	Updated      string          `json:"updated,omitempty"`
	Deleted      string          `json:"deleted,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// ToDocument renders an object for the wire. Tombstones render as Tombstone;
// Like and Announce render in their activity form.
func ToDocument(obj *domain.Object) ObjectDoc {
	doc := ObjectDoc{
		Context: ActivityStreamsContext,
		ID:      obj.ID,
		Type:    string(obj.Type),
	}
	if obj.Deleted() {
		doc.Type = "Tombstone"
		doc.Deleted = formatTime(*obj.DeletedAt)
		return doc
	}

	doc.To = obj.To
	doc.Cc = obj.Cc
	doc.Published = formatTime(obj.Published)
	if obj.Updated.After(obj.Published) {
		doc.Updated = formatTime(obj.Updated)
	}

	if obj.Type == domain.TypeLike || obj.Type == domain.TypeAnnounce {
		doc.Actor = IRI(obj.Actor)
		doc.Object = IRI(obj.InReplyTo)
		return doc
	}

	doc.AttributedTo = IRI(obj.Actor)
	doc.InReplyTo = IRI(obj.InReplyTo)
	doc.Conversation = obj.Context
	doc.Content = obj.Content
	doc.Summary = obj.Summary
	doc.Sensitive = obj.Summary != ""
	for _, a := range obj.Attachments {
		doc.Attachment = append(doc.Attachment, AttachmentDoc{
			Type:      "Document",
			MediaType: a.MediaType,
			URL:       IRI(a.URL),
			Name:      a.Name,
		})
	}
	for _, t := range obj.Tags {
		doc.Tag = append(doc.Tag, TagDoc{Type: t.Type, Name: t.Name, Href: t.Href})
	}
	if obj.Poll != nil {
		options := make([]OptionDoc, 0, len(obj.Poll.Options))
		for _, o := range obj.Poll.Options {
			options = append(options, OptionDoc{
				Type:    "Note",
				Name:    o.Name,
				Replies: RepliesDoc{Type: "Collection", TotalItems: o.Votes},
			})
		}
		if obj.Poll.Multiple {
			doc.AnyOf = options
		} else {
			doc.OneOf = options
		}
		if obj.Poll.EndTime != nil {
			doc.EndTime = formatTime(*obj.Poll.EndTime)
		}
	}
	if obj.Story != nil {
		doc.Story = &StoryDoc{Items: obj.Story.Items}
		if obj.Story.ExpiresAt != nil {
			doc.Story.ExpiresAt = formatTime(*obj.Story.ExpiresAt)
		}
	}
	return doc
}

// FromDocument maps a remote document onto the object model. Unknown types
// keep raw as their opaque payload. Visibility is inferred from to/cc.
func FromDocument(doc *ObjectDoc, raw []byte, now time.Time) (*domain.Object, error) {
	if doc.ID == "" || doc.Type == "" {
		return nil, fmt.Errorf("%w: document without id or type", domain.ErrInvalidInput)
	}

	obj := &domain.Object{
		ID:         doc.ID,
		Type:       domain.ObjectType(doc.Type),
		Actor:      string(doc.AttributedTo),
		To:         []string(doc.To),
		Cc:         []string(doc.Cc),
		InReplyTo:  string(doc.InReplyTo),
		Context:    doc.Conversation,
		Content:    doc.Content,
		Summary:    doc.Summary,
		Visibility: domain.RecipientsToVisibility(doc.To, doc.Cc),
		Published:  now,
		Updated:    now,
	}
	if obj.Actor == "" {
		obj.Actor = string(doc.Actor)
	}
	if obj.Actor == "" {
		return nil, fmt.Errorf("%w: document %s has no author", domain.ErrInvalidInput, doc.ID)
	}
	if t, ok := parseTime(doc.Published); ok {
		obj.Published = t
		obj.Updated = t
	}
	if t, ok := parseTime(doc.Updated); ok {
		obj.Updated = t
	}

	if !obj.Type.Known() {
		obj.Raw = string(raw)
		return obj, nil
	}

	if obj.Type == domain.TypeLike || obj.Type == domain.TypeAnnounce {
		obj.InReplyTo = string(doc.Object)
		if obj.InReplyTo == "" {
			return nil, fmt.Errorf("%w: %s without object", domain.ErrInvalidInput, doc.Type)
		}
		return obj, nil
	}

	for _, a := range doc.Attachment {
		if a.URL == "" {
			continue
		}
		obj.Attachments = append(obj.Attachments, domain.Attachment{
			URL:       string(a.URL),
			MediaType: a.MediaType,
			Name:      a.Name,
		})
	}
	for _, t := range doc.Tag {
		obj.Tags = append(obj.Tags, domain.Tag{Type: t.Type, Name: t.Name, Href: t.Href})
	}

	if obj.Type == domain.TypeQuestion {
		poll := &domain.Poll{}
		options := doc.OneOf
		if len(doc.AnyOf) > 0 {
			options = doc.AnyOf
			poll.Multiple = true
		}
		for _, o := range options {
			poll.Options = append(poll.Options, domain.PollOption{Name: o.Name, Votes: o.Replies.TotalItems})
		}
		if t, ok := parseTime(doc.EndTime); ok {
			poll.EndTime = &t
		}
		obj.Poll = poll
	}

	if doc.Story != nil && len(doc.Story.Items) > 0 {
		obj.Story = &domain.Story{Items: doc.Story.Items}
		if t, ok := parseTime(doc.Story.ExpiresAt); ok {
			obj.Story.ExpiresAt = &t
		}
	}
	return obj, nil
}

// ParseObject decodes a document body and maps it with FromDocument.
func ParseObject(raw []byte, now time.Time) (*domain.Object, error) {
	var doc ObjectDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return FromDocument(&doc, raw, now)
}
