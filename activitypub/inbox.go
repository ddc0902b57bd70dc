package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/fedicore/domain"
	"go.uber.org/zap"
)

// IncomingActivity is an activity received on an inbox. Object stays raw
// until the handler for Type knows what shape to expect.
type IncomingActivity struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  IRI             `json:"actor"`
	Object json.RawMessage `json:"object"`
	To     StringList      `json:"to,omitempty"`
	Cc     StringList      `json:"cc,omitempty"`
}

// ParseActivity decodes an activity and checks the fields every handler relies on.
func ParseActivity(body []byte) (*IncomingActivity, error) {
	var a IncomingActivity
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if a.ID == "" || a.Type == "" || a.Actor == "" {
		return nil, fmt.Errorf("%w: activity missing id, type or actor", domain.ErrInvalidInput)
	}
	return &a, nil
}

// ObjectID returns the id of the object, whether it is inlined or referenced.
func (a *IncomingActivity) ObjectID() string {
	var ref IRI
	if len(a.Object) == 0 || json.Unmarshal(a.Object, &ref) != nil {
		return ""
	}
	return string(ref)
}

// ObjectRef decodes the object as a reference to an earlier activity.
func (a *IncomingActivity) ObjectRef() ActivityRef {
	trimmed := bytes.TrimSpace(a.Object)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var inner struct {
			ID     string `json:"id"`
			Type   string `json:"type"`
			Actor  IRI    `json:"actor"`
			Object IRI    `json:"object"`
		}
		if json.Unmarshal(trimmed, &inner) == nil {
			return ActivityRef{ID: inner.ID, Type: inner.Type, Actor: string(inner.Actor), Object: string(inner.Object)}
		}
	}
	return ActivityRef{ID: a.ObjectID()}
}

// ObjectDocument decodes an inlined object.
func (a *IncomingActivity) ObjectDocument() (*ObjectDoc, error) {
	trimmed := bytes.TrimSpace(a.Object)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: %s without inlined object", domain.ErrInvalidInput, a.Type)
	}
	var doc ObjectDoc
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return &doc, nil
}

// FollowHandler receives follow lifecycle activities from remote actors.
type FollowHandler interface {
	ReceiveFollow(ctx context.Context, followID, follower, target string) ([]domain.Event, error)
	ReceiveAccept(ctx context.Context, followID, owner, requester string) ([]domain.Event, error)
	ReceiveReject(ctx context.Context, followID, owner, requester string) ([]domain.Event, error)
	ReceiveUndo(ctx context.Context, followID, follower, target string) ([]domain.Event, error)
}

// ObjectHandler merges remote content into the object store.
type ObjectHandler interface {
	ReceiveRemote(ctx context.Context, obj *domain.Object) (*domain.Object, error)
	DeleteRemote(ctx context.Context, id, actor string) error
	Vote(ctx context.Context, voter, pollID string, choices []string) (*domain.Object, []domain.Event, error)
}

// ActorSource resolves signers and refreshes profiles announced by Update.
type ActorSource interface {
	ResolveURI(ctx context.Context, uri string) (*domain.Actor, error)
	Refresh(ctx context.Context, uri string) (*domain.Actor, error)
}

// ActivityLog records received activities and reports replays.
type ActivityLog interface {
	CreateActivity(ctx context.Context, activity *domain.Activity) (bool, error)
	ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error)
	MarkActivityProcessed(ctx context.Context, uri string) error
}

// EventSink takes the side effects produced while processing.
type EventSink interface {
	Dispatch(ctx context.Context, events []domain.Event)
}

type InboxProcessor struct {
	follows FollowHandler
	objects ObjectHandler
	actors  ActorSource
	log     ActivityLog
	events  EventSink
	logger  *zap.SugaredLogger
	now     func() time.Time
}

func NewInboxProcessor(follows FollowHandler, objects ObjectHandler, actors ActorSource, activityLog ActivityLog, events EventSink, logger *zap.SugaredLogger) *InboxProcessor {
	return &InboxProcessor{
		follows: follows,
		objects: objects,
		actors:  actors,
		log:     activityLog,
		events:  events,
		logger:  logger,
		now:     time.Now,
	}
}

// Authenticate verifies the request signature against the signer's published
// key and returns the signing actor's URI.
func (p *InboxProcessor) Authenticate(ctx context.Context, r *http.Request, body []byte) (string, error) {
	if r.Header.Get("Signature") == "" {
		return "", fmt.Errorf("%w: missing signature", domain.ErrForbidden)
	}
	if err := VerifyDigest(r, body); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrForbidden, err)
	}
	keyID, err := SignatureKeyID(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrForbidden, err)
	}
	actorURI := strings.Split(keyID, "#")[0]
	actor, err := p.actors.ResolveURI(ctx, actorURI)
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve signer %s", domain.ErrForbidden, actorURI)
	}
	signer, err := VerifyRequest(r, actor.PublicKeyPem)
	if err != nil {
		// the key may have rotated
		if actor, err = p.actors.Refresh(ctx, actorURI); err != nil {
			return "", fmt.Errorf("%w: cannot refresh signer %s", domain.ErrForbidden, actorURI)
		}
		if signer, err = VerifyRequest(r, actor.PublicKeyPem); err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrForbidden, err)
		}
	}
	return signer, nil
}

// Process applies an authenticated activity. Replays of an activity that was
// applied are accepted without effect; one whose earlier application failed is
// applied again.
func (p *InboxProcessor) Process(ctx context.Context, signer string, body []byte) error {
	activity, err := ParseActivity(body)
	if err != nil {
		return err
	}
	actor := string(activity.Actor)
	if signer != "" && signer != actor {
		return fmt.Errorf("%w: %s signed an activity of %s", domain.ErrForbidden, signer, actor)
	}

	p.logger.Infof("Inbox: Received %s from %s", activity.Type, actor)

	created, err := p.log.CreateActivity(ctx, &domain.Activity{
		ActivityURI:  activity.ID,
		ActivityType: activity.Type,
		ActorURI:     actor,
		ObjectURI:    activity.ObjectID(),
		RawJSON:      string(body),
		CreatedAt:    p.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to store activity: %w", err)
	}
	if !created {
		logged, err := p.log.ReadActivityByURI(ctx, activity.ID)
		if err != nil {
			return fmt.Errorf("failed to read activity: %w", err)
		}
		if logged.Processed {
			p.logger.Debugf("Inbox: Ignoring replayed activity %s", activity.ID)
			return nil
		}
		p.logger.Infof("Inbox: Retrying unprocessed activity %s", activity.ID)
	}

	events, err := p.route(ctx, activity, actor)
	if err != nil {
		return err
	}
	p.events.Dispatch(ctx, events)

	if err := p.log.MarkActivityProcessed(ctx, activity.ID); err != nil {
		p.logger.Warnf("Inbox: Failed to mark %s processed: %v", activity.ID, err)
	}
	return nil
}

func (p *InboxProcessor) route(ctx context.Context, activity *IncomingActivity, actor string) ([]domain.Event, error) {
	switch activity.Type {
	case "Follow":
		return p.follows.ReceiveFollow(ctx, activity.ID, actor, activity.ObjectID())

	case "Accept", "Reject":
		ref := activity.ObjectRef()
		requester := ref.Actor
		if ref.Type != "" && ref.Type != "Follow" {
			p.logger.Infof("Inbox: Ignoring %s of %s", activity.Type, ref.Type)
			return nil, nil
		}
		if activity.Type == "Accept" {
			return p.follows.ReceiveAccept(ctx, ref.ID, actor, requester)
		}
		return p.follows.ReceiveReject(ctx, ref.ID, actor, requester)

	case "Undo":
		ref := activity.ObjectRef()
		switch ref.Type {
		case "Follow", "":
			target := ref.Object
			return p.follows.ReceiveUndo(ctx, ref.ID, actor, target)
		case "Like", "Announce":
			return nil, ignoreMissing(p.objects.DeleteRemote(ctx, ref.ID, actor))
		default:
			p.logger.Infof("Inbox: Ignoring Undo of %s", ref.Type)
			return nil, nil
		}

	case "Create", "Update":
		doc, err := activity.ObjectDocument()
		if err != nil {
			return nil, err
		}
		if isActorType(doc.Type) {
			if _, err := p.actors.Refresh(ctx, doc.ID); err != nil {
				p.logger.Warnf("Inbox: Failed to refresh actor %s: %v", doc.ID, err)
			}
			return nil, nil
		}
		if doc.Name != "" && doc.Content == "" && doc.InReplyTo != "" && activity.Type == "Create" {
			// poll answers arrive as named replies to the Question
			_, events, err := p.objects.Vote(ctx, actor, string(doc.InReplyTo), []string{doc.Name})
			return events, ignoreMissing(err)
		}
		obj, err := FromDocument(doc, activity.Object, p.now())
		if err != nil {
			return nil, err
		}
		if obj.Actor != actor {
			return nil, fmt.Errorf("%w: %s cannot author %s", domain.ErrForbidden, actor, obj.ID)
		}
		_, err = p.objects.ReceiveRemote(ctx, obj)
		return nil, err

	case "Delete":
		id := activity.ObjectID()
		if id == actor {
			p.logger.Infof("Inbox: Actor %s deleted", actor)
			return nil, nil
		}
		return nil, ignoreMissing(p.objects.DeleteRemote(ctx, id, actor))

	case "Like", "Announce":
		target := activity.ObjectID()
		if target == "" {
			return nil, fmt.Errorf("%w: %s without object", domain.ErrInvalidInput, activity.Type)
		}
		obj := &domain.Object{
			ID:         activity.ID,
			Type:       domain.ObjectType(activity.Type),
			Actor:      actor,
			To:         []string(activity.To),
			Cc:         []string(activity.Cc),
			InReplyTo:  target,
			Visibility: domain.RecipientsToVisibility(activity.To, activity.Cc),
			Published:  p.now(),
			Updated:    p.now(),
		}
		_, err := p.objects.ReceiveRemote(ctx, obj)
		return nil, err

	default:
		p.logger.Infof("Inbox: Unsupported activity type: %s", activity.Type)
		return nil, nil
	}
}

func isActorType(t string) bool {
	switch t {
	case "Person", "Service", "Application", "Group", "Organization":
		return true
	}
	return false
}

// ignoreMissing treats references to content we never stored as handled.
func ignoreMissing(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}
