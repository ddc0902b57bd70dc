package activitypub

import (
	"encoding/json"
	"time"

	"github.com/deemkeen/fedicore/domain"
)

// Envelope carries the fields every built activity shares.
type Envelope struct {
	ID        string
	Actor     string
	To        []string
	Cc        []string
	Published time.Time
}

// ActivityRef identifies an earlier activity, embedded as the object of
// Accept, Reject and Undo so receivers can match it regardless of arrival order.
type ActivityRef struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Actor  string `json:"actor,omitempty"`
	Object string `json:"object,omitempty"`
}

type Tombstone struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Activity is an outgoing activity document. Builders return it by value.
type Activity struct {
	Context   any      `json:"@context,omitempty"`
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Actor     string   `json:"actor"`
	Object    any      `json:"object"`
	To        []string `json:"to,omitempty"`
	Cc        []string `json:"cc,omitempty"`
	Published string   `json:"published,omitempty"`
}

// ObjectID returns the id of the activity's object.
func (a Activity) ObjectID() string {
	switch o := a.Object.(type) {
	case string:
		return o
	case ObjectDoc:
		return o.ID
	case ActivityRef:
		return o.ID
	case Tombstone:
		return o.ID
	}
	return ""
}

func (a Activity) JSON() (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Emit serializes a locally produced activity into its log entry and the
// event that delivers it to recipients.
func (a Activity) Emit(recipients []string, at time.Time) (*domain.Activity, domain.Event, error) {
	payload, err := a.JSON()
	if err != nil {
		return nil, domain.Event{}, err
	}
	entry := &domain.Activity{
		ActivityURI:  a.ID,
		ActivityType: a.Type,
		ActorURI:     a.Actor,
		ObjectURI:    a.ObjectID(),
		RawJSON:      payload,
		Processed:    true,
		CreatedAt:    at,
		Local:        true,
	}
	event := domain.Event{
		Kind:         domain.EventDeliver,
		ActivityID:   a.ID,
		ActivityType: a.Type,
		Actor:        a.Actor,
		ActivityJSON: payload,
		Recipients:   append([]string(nil), recipients...),
	}
	return entry, event, nil
}

func newActivity(kind string, env Envelope, object any) Activity {
	a := Activity{
		Context: ActivityStreamsContext,
		ID:      env.ID,
		Type:    kind,
		Actor:   env.Actor,
		Object:  object,
		To:      append([]string(nil), env.To...),
		Cc:      append([]string(nil), env.Cc...),
	}
	if !env.Published.IsZero() {
		a.Published = formatTime(env.Published)
	}
	return a
}

func embed(doc ObjectDoc) ObjectDoc {
	doc.Context = nil
	return doc
}

func NewCreate(env Envelope, doc ObjectDoc) Activity {
	return newActivity("Create", env, embed(doc))
}

func NewUpdate(env Envelope, doc ObjectDoc) Activity {
	return newActivity("Update", env, embed(doc))
}

func NewDelete(env Envelope, objectID string) Activity {
	return newActivity("Delete", env, Tombstone{ID: objectID, Type: "Tombstone"})
}

// NewFollow addresses the followed actor unless env names recipients.
func NewFollow(env Envelope, target string) Activity {
	if len(env.To) == 0 {
		env.To = []string{target}
	}
	return newActivity("Follow", env, target)
}

// FollowRef is the embedded form of a Follow from requester to target.
func FollowRef(followID, requester, target string) ActivityRef {
	return ActivityRef{ID: followID, Type: "Follow", Actor: requester, Object: target}
}

func NewAccept(env Envelope, follow ActivityRef) Activity {
	if len(env.To) == 0 {
		env.To = []string{follow.Actor}
	}
	return newActivity("Accept", env, follow)
}

func NewReject(env Envelope, follow ActivityRef) Activity {
	if len(env.To) == 0 {
		env.To = []string{follow.Actor}
	}
	return newActivity("Reject", env, follow)
}

// NewUndo wraps the activity being retracted.
func NewUndo(env Envelope, inner ActivityRef) Activity {
	return newActivity("Undo", env, inner)
}

func NewLike(env Envelope, objectID string) Activity {
	return newActivity("Like", env, objectID)
}

func NewAnnounce(env Envelope, objectID string) Activity {
	return newActivity("Announce", env, objectID)
}

// OrderedCollection is used for outbox, followers and following.
type OrderedCollection struct {
	Context      any    `json:"@context,omitempty"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	TotalItems   int    `json:"totalItems"`
	First        string `json:"first,omitempty"`
	OrderedItems any    `json:"orderedItems,omitempty"`
}

// OrderedCollectionPage is one page of an OrderedCollection.
type OrderedCollectionPage struct {
	Context      any    `json:"@context,omitempty"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	PartOf       string `json:"partOf"`
	Next         string `json:"next,omitempty"`
	OrderedItems any    `json:"orderedItems"`
}
