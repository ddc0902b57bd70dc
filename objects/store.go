package objects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/fedicore/activitypub"
	"github.com/deemkeen/fedicore/domain"
	"github.com/deemkeen/fedicore/util"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Repository is the persistence the store runs on.
type Repository interface {
	InsertObject(ctx context.Context, obj *domain.Object) error
	UpdateObject(ctx context.Context, obj *domain.Object) error
	SoftDeleteObject(ctx context.Context, id string, at time.Time) error
	ReadObjectById(ctx context.Context, id string) (*domain.Object, error)
	ReadObjectByLocalId(ctx context.Context, localId string) (*domain.Object, error)
	ReadObjects(ctx context.Context, f domain.ObjectFilter, now time.Time) ([]domain.Object, error)
	CountObjects(ctx context.Context, f domain.ObjectFilter, now time.Time) (int, error)
	DeleteExpiredStories(ctx context.Context, now time.Time, limit int) ([]domain.Object, error)
	IncrementMediaRefs(ctx context.Context, urls []string) error
	DecrementMediaRefs(ctx context.Context, urls []string) error
	InsertPollVotes(ctx context.Context, objectId, voter string, choices []string, multiple bool, at time.Time) (bool, error)
	CountPollVotes(ctx context.Context, objectId string) (map[string]int, error)
	CreateActivity(ctx context.Context, activity *domain.Activity) (bool, error)
}

// ActorDirectory resolves mentioned handles.
type ActorDirectory interface {
	ResolveRemote(ctx context.Context, handle string) (*domain.Actor, error)
}

const storyCleanupBatch = 500

// Store owns the content object lifecycle. Mutations return the events the
// dispatcher turns into deliveries and notifications.
type Store struct {
	repo     Repository
	actors   ActorDirectory
	links    activitypub.Links
	validate *validator.Validate
	log      *zap.SugaredLogger
	now      func() time.Time
}

func NewStore(repo Repository, actors ActorDirectory, links activitypub.Links, log *zap.SugaredLogger) *Store {
	return &Store{
		repo:     repo,
		actors:   actors,
		links:    links,
		validate: validator.New(),
		log:      log,
		now:      time.Now,
	}
}

// Create persists a new object authored by a local actor.
func (s *Store) Create(ctx context.Context, actor string, in *domain.ObjectInput) (*domain.Object, []domain.Event, error) {
	username, ok := s.links.Username(actor)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s is not a local actor", domain.ErrForbidden, actor)
	}
	if err := s.validateInput(in); err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	localID := uuid.NewString()
	obj := &domain.Object{
		ID:          s.links.Object(localID),
		LocalID:     localID,
		Type:        in.Type,
		Actor:       actor,
		Bto:         dedupe(in.Bto),
		Bcc:         dedupe(in.Bcc),
		InReplyTo:   in.InReplyTo,
		Content:     in.Content,
		Summary:     in.Summary,
		Attachments: in.Attachments,
		Tags:        in.Tags,
		Published:   now,
		Updated:     now,
		IsLocal:     true,
	}

	s.addMentions(ctx, obj)
	if err := address(obj, in, actor, s.links.Followers(username)); err != nil {
		return nil, nil, err
	}
	parent, err := s.thread(ctx, obj, in.Context)
	if err != nil {
		return nil, nil, err
	}

	if in.Poll != nil {
		if in.Poll.EndTime != nil && !in.Poll.EndTime.After(now) {
			return nil, nil, fmt.Errorf("%w: poll ends in the past", domain.ErrInvalidInput)
		}
		poll := &domain.Poll{Multiple: in.Poll.Multiple, EndTime: in.Poll.EndTime}
		for _, name := range in.Poll.Options {
			poll.Options = append(poll.Options, domain.PollOption{Name: name})
		}
		obj.Poll = poll
	}
	if in.Story != nil {
		expiresAt := now.Add(domain.StoryLifetime)
		if in.Story.ExpiresAt != nil {
			expiresAt = in.Story.ExpiresAt.UTC()
		}
		obj.Story = &domain.Story{Items: in.Story.Items, ExpiresAt: &expiresAt}
	}

	if err := s.repo.InsertObject(ctx, obj); err != nil {
		return nil, nil, fmt.Errorf("failed to store object: %w", err)
	}
	s.adjustMedia(ctx, mediaURLs(obj), nil)

	events, err := s.createdEvents(ctx, obj, parent)
	if err != nil {
		return nil, nil, err
	}
	s.log.Infof("ObjectStore: Created %s %s by %s", obj.Type, obj.ID, actor)
	return hideBlind(obj), events, nil
}

// React likes or announces a readable object. Repeating a reaction returns the
// existing one without new events.
func (s *Store) React(ctx context.Context, actor string, kind domain.ObjectType, targetID string) (*domain.Object, []domain.Event, error) {
	if kind != domain.TypeLike && kind != domain.TypeAnnounce {
		return nil, nil, fmt.Errorf("%w: %s is not a reaction", domain.ErrInvalidInput, kind)
	}
	target, err := s.Get(ctx, targetID)
	if err != nil {
		return nil, nil, err
	}

	replyTo := target.ID
	existing, err := s.repo.ReadObjects(ctx, domain.ObjectFilter{
		Types:     []domain.ObjectType{kind},
		Actors:    []string{actor},
		InReplyTo: &replyTo,
		Limit:     1,
	}, s.now())
	if err != nil {
		return nil, nil, err
	}
	if len(existing) > 0 {
		return &existing[0], nil, nil
	}

	in := &domain.ObjectInput{Type: kind, InReplyTo: target.ID}
	if kind == domain.TypeLike {
		in.Visibility = domain.VisibilityDirect
		in.To = []string{target.Actor}
	} else {
		in.Visibility = domain.VisibilityPublic
		in.Cc = []string{target.Actor}
	}
	return s.Create(ctx, actor, in)
}

// Update applies an author's patch.
func (s *Store) Update(ctx context.Context, actor, id string, patch *domain.ObjectPatch) (*domain.Object, []domain.Event, error) {
	obj, err := s.repo.ReadObjectById(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update %s: %w", id, err)
	}
	if obj.Deleted() {
		return nil, nil, fmt.Errorf("failed to update %s: %w", id, domain.ErrNotFound)
	}
	if obj.Actor != actor {
		return nil, nil, fmt.Errorf("%w: %s cannot update %s", domain.ErrForbidden, actor, id)
	}
	if err := s.validatePatch(patch); err != nil {
		return nil, nil, err
	}

	before := mediaURLs(obj)
	if patch.Content != nil {
		obj.Content = *patch.Content
	}
	if patch.Summary != nil {
		obj.Summary = *patch.Summary
	}
	if patch.Attachments != nil {
		obj.Attachments = *patch.Attachments
	}
	if patch.Tags != nil {
		obj.Tags = *patch.Tags
	}
	if patch.To != nil || patch.Cc != nil {
		if patch.To != nil {
			obj.To = dedupe(*patch.To)
		}
		if patch.Cc != nil {
			obj.Cc = dedupe(*patch.Cc)
		}
		derived := domain.RecipientsToVisibility(obj.To, obj.Cc)
		// community objects look direct on the wire
		if !(derived == domain.VisibilityDirect && obj.Visibility == domain.VisibilityCommunity) {
			obj.Visibility = derived
		}
	}
	obj.Updated = s.now().UTC()

	if err := s.repo.UpdateObject(ctx, obj); err != nil {
		return nil, nil, fmt.Errorf("failed to update %s: %w", id, err)
	}
	added, removed := diff(before, mediaURLs(obj))
	s.adjustMedia(ctx, added, removed)

	var events []domain.Event
	if obj.IsLocal {
		env := s.envelope(obj)
		ev, err := s.emit(ctx, activitypub.NewUpdate(env, activitypub.ToDocument(obj)), obj.Recipients())
		if err != nil {
			return nil, nil, err
		}
		events = append(events, ev)
	}
	return obj, events, nil
}

// Delete tombstones an object. Reactions are retracted with an Undo.
func (s *Store) Delete(ctx context.Context, actor, id string) ([]domain.Event, error) {
	obj, err := s.repo.ReadObjectById(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to delete %s: %w", id, err)
	}
	if obj.Deleted() {
		return nil, fmt.Errorf("failed to delete %s: %w", id, domain.ErrNotFound)
	}
	if obj.Actor != actor {
		return nil, fmt.Errorf("%w: %s cannot delete %s", domain.ErrForbidden, actor, id)
	}

	now := s.now().UTC()
	if err := s.repo.SoftDeleteObject(ctx, id, now); err != nil {
		return nil, fmt.Errorf("failed to delete %s: %w", id, err)
	}
	s.adjustMedia(ctx, nil, mediaURLs(obj))
	s.log.Infof("ObjectStore: Deleted %s", id)

	if !obj.IsLocal {
		return nil, nil
	}
	env := s.envelope(obj)
	var activity activitypub.Activity
	switch obj.Type {
	case domain.TypeLike, domain.TypeAnnounce:
		activity = activitypub.NewUndo(env, activitypub.ActivityRef{
			ID:     obj.ID,
			Type:   string(obj.Type),
			Actor:  obj.Actor,
			Object: obj.InReplyTo,
		})
	default:
		activity = activitypub.NewDelete(env, obj.ID)
	}
	ev, err := s.emit(ctx, activity, obj.Recipients())
	if err != nil {
		return nil, err
	}
	return []domain.Event{ev}, nil
}

// Get returns a readable object. Tombstones and expired stories are NotFound.
func (s *Store) Get(ctx context.Context, id string) (*domain.Object, error) {
	obj, err := s.repo.ReadObjectById(ctx, id)
	return s.readable(obj, err)
}

func (s *Store) GetByLocalID(ctx context.Context, localID string) (*domain.Object, error) {
	obj, err := s.repo.ReadObjectByLocalId(ctx, localID)
	return s.readable(obj, err)
}

func (s *Store) readable(obj *domain.Object, err error) (*domain.Object, error) {
	if err != nil {
		return nil, err
	}
	if obj.Deleted() || obj.Expired(s.now()) {
		return nil, domain.ErrNotFound
	}
	return obj, nil
}

// Query pages through readable objects matching f.
func (s *Store) Query(ctx context.Context, f domain.ObjectFilter, cursor string) (*Page, error) {
	offset, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit := pageSize(f.Limit)
	f.Offset = offset
	f.Limit = limit + 1

	items, err := s.repo.ReadObjects(ctx, f, s.now())
	if err != nil {
		return nil, err
	}
	page := &Page{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.Next = EncodeCursor(offset + limit)
	}
	return page, nil
}

// Timeline is Query restricted to content-bearing types unless f names others.
func (s *Store) Timeline(ctx context.Context, f domain.ObjectFilter, cursor string) (*Page, error) {
	if len(f.Types) == 0 {
		f.Types = domain.ContentTypes
	}
	return s.Query(ctx, f, cursor)
}

// Count counts readable objects matching f.
func (s *Store) Count(ctx context.Context, f domain.ObjectFilter) (int, error) {
	return s.repo.CountObjects(ctx, f, s.now())
}

// GetThread returns every readable object of a context, oldest first.
func (s *Store) GetThread(ctx context.Context, contextID string) ([]domain.Object, error) {
	if contextID == "" {
		return nil, fmt.Errorf("%w: empty context", domain.ErrInvalidInput)
	}
	return s.repo.ReadObjects(ctx, domain.ObjectFilter{Context: contextID, Ascending: true}, s.now())
}

// ReceiveRemote inserts or updates an object from another server. It never
// produces events.
func (s *Store) ReceiveRemote(ctx context.Context, obj *domain.Object) (*domain.Object, error) {
	if obj.ID == "" || obj.Actor == "" {
		return nil, fmt.Errorf("%w: remote object without id or actor", domain.ErrInvalidInput)
	}
	if s.links.IsLocal(obj.ID) || s.links.IsLocal(obj.Actor) {
		return nil, fmt.Errorf("%w: %s claims a local identity", domain.ErrForbidden, obj.ID)
	}
	obj.IsLocal = false
	obj.Bto, obj.Bcc = nil, nil
	if obj.Visibility == "" {
		obj.Visibility = domain.RecipientsToVisibility(obj.To, obj.Cc)
	}

	existing, err := s.repo.ReadObjectById(ctx, obj.ID)
	if errors.Is(err, domain.ErrNotFound) {
		if obj.Context == "" && obj.Type != domain.TypeLike && obj.Type != domain.TypeAnnounce {
			obj.Context = s.remoteContext(ctx, obj)
		}
		obj.LocalID = uuid.NewString()
		if err := s.repo.InsertObject(ctx, obj); err != nil {
			return nil, fmt.Errorf("failed to store remote object: %w", err)
		}
		s.adjustMedia(ctx, mediaURLs(obj), nil)
		s.log.Debugf("ObjectStore: Stored remote %s %s", obj.Type, obj.ID)
		return obj, nil
	}
	if err != nil {
		return nil, err
	}

	if existing.Actor != obj.Actor {
		return nil, fmt.Errorf("%w: %s cannot update %s", domain.ErrForbidden, obj.Actor, obj.ID)
	}
	if existing.Deleted() {
		// a Delete that overtook its Create wins
		return existing, nil
	}
	if obj.Updated.Before(existing.Updated) {
		return existing, nil
	}
	if obj.Updated.Equal(existing.Updated) {
		// many servers omit updated on edits
		if sameRemoteState(existing, obj) {
			return existing, nil
		}
		obj.Updated = s.now().UTC()
	}

	obj.LocalID = existing.LocalID
	obj.Published = existing.Published
	if obj.Context == "" {
		obj.Context = existing.Context
	}
	if err := s.repo.UpdateObject(ctx, obj); err != nil {
		return nil, fmt.Errorf("failed to update remote object: %w", err)
	}
	added, removed := diff(mediaURLs(existing), mediaURLs(obj))
	s.adjustMedia(ctx, added, removed)
	s.log.Debugf("ObjectStore: Updated remote %s", obj.ID)
	return obj, nil
}

// DeleteRemote tombstones a remote object on its author's request.
func (s *Store) DeleteRemote(ctx context.Context, id, actor string) error {
	obj, err := s.repo.ReadObjectById(ctx, id)
	if err != nil {
		return err
	}
	if obj.Actor != actor {
		return fmt.Errorf("%w: %s cannot delete %s", domain.ErrForbidden, actor, id)
	}
	if obj.Deleted() {
		return nil
	}
	if err := s.repo.SoftDeleteObject(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	s.adjustMedia(ctx, nil, mediaURLs(obj))
	s.log.Debugf("ObjectStore: Remote %s deleted %s", actor, id)
	return nil
}

// Vote records choices on an open poll. Repeated votes are accepted without effect.
func (s *Store) Vote(ctx context.Context, voter, pollID string, choices []string) (*domain.Object, []domain.Event, error) {
	poll, err := s.Get(ctx, pollID)
	if err != nil {
		return nil, nil, err
	}
	if poll.Poll == nil {
		return nil, nil, fmt.Errorf("%w: %s is not a poll", domain.ErrInvalidInput, pollID)
	}
	now := s.now().UTC()
	if poll.Poll.Closed(now) {
		return nil, nil, fmt.Errorf("%w: poll %s is closed", domain.ErrForbidden, pollID)
	}
	choices = dedupe(choices)
	if len(choices) == 0 || (!poll.Poll.Multiple && len(choices) > 1) {
		return nil, nil, fmt.Errorf("%w: poll %s takes %s", domain.ErrInvalidInput, pollID, choiceRule(poll.Poll))
	}
	for _, c := range choices {
		if !hasOption(poll.Poll, c) {
			return nil, nil, fmt.Errorf("%w: %q is not an option of %s", domain.ErrInvalidInput, c, pollID)
		}
	}

	created, err := s.repo.InsertPollVotes(ctx, poll.ID, voter, choices, poll.Poll.Multiple, now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to record vote: %w", err)
	}
	if !created {
		return poll, nil, nil
	}

	var events []domain.Event
	if poll.IsLocal {
		tally, err := s.repo.CountPollVotes(ctx, poll.ID)
		if err != nil {
			return nil, nil, err
		}
		for i := range poll.Poll.Options {
			poll.Poll.Options[i].Votes = tally[poll.Poll.Options[i].Name]
		}
		if err := s.repo.UpdateObject(ctx, poll); err != nil {
			return nil, nil, fmt.Errorf("failed to update tally: %w", err)
		}
		if voter != poll.Actor {
			events = append(events, domain.NotifyEvent(poll.Actor, domain.NotifyPollVote, voter,
				string(poll.Type), poll.ID, "voted on your poll"))
		}
		return poll, events, nil
	}

	// answers to a remote poll go to its author as named replies
	if _, ok := s.links.Username(voter); ok {
		for _, choice := range choices {
			answerID := s.links.Object(uuid.NewString())
			answer := activitypub.ObjectDoc{
				ID:           answerID,
				Type:         string(domain.TypeNote),
				AttributedTo: activitypub.IRI(voter),
				To:           activitypub.StringList{poll.Actor},
				Name:         choice,
				InReplyTo:    activitypub.IRI(poll.ID),
			}
			env := activitypub.Envelope{
				ID:        s.links.Activity(uuid.NewString()),
				Actor:     voter,
				To:        []string{poll.Actor},
				Published: now,
			}
			ev, err := s.emit(ctx, activitypub.NewCreate(env, answer), []string{poll.Actor})
			if err != nil {
				return nil, nil, err
			}
			events = append(events, ev)
		}
	}
	return poll, events, nil
}

// CleanupExpiredStories removes expired stories that nothing replies to and
// releases their media.
func (s *Store) CleanupExpiredStories(ctx context.Context) (int, error) {
	removed, err := s.repo.DeleteExpiredStories(ctx, s.now(), storyCleanupBatch)
	for _, obj := range removed {
		s.adjustMedia(ctx, nil, mediaURLs(&obj))
	}
	if err != nil {
		return len(removed), fmt.Errorf("failed to reclaim stories: %w", err)
	}
	if len(removed) > 0 {
		s.log.Infof("ObjectStore: Reclaimed %d expired stories", len(removed))
	}
	return len(removed), nil
}

func (s *Store) validateInput(in *domain.ObjectInput) error {
	if in == nil {
		return fmt.Errorf("%w: empty input", domain.ErrInvalidInput)
	}
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if !in.Type.Known() {
		return fmt.Errorf("%w: cannot author objects of type %s", domain.ErrInvalidInput, in.Type)
	}
	if (in.Type == domain.TypeQuestion) != (in.Poll != nil) {
		return fmt.Errorf("%w: polls are exactly the Question objects", domain.ErrInvalidInput)
	}
	switch in.Type {
	case domain.TypeLike, domain.TypeAnnounce:
		if in.InReplyTo == "" {
			return fmt.Errorf("%w: %s needs a target", domain.ErrInvalidInput, in.Type)
		}
	default:
		if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 && in.Story == nil && in.Poll == nil {
			return fmt.Errorf("%w: object has no content", domain.ErrInvalidInput)
		}
	}
	return nil
}

func (s *Store) validatePatch(patch *domain.ObjectPatch) error {
	if patch == nil {
		return fmt.Errorf("%w: empty patch", domain.ErrInvalidInput)
	}
	if patch.Attachments != nil {
		for _, a := range *patch.Attachments {
			if err := s.validate.Struct(a); err != nil {
				return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
			}
		}
	}
	if patch.Content != nil {
		if err := s.validate.Var(*patch.Content, "max=65536"); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
	}
	return nil
}

// addMentions tags @user@domain handles found in the content.
func (s *Store) addMentions(ctx context.Context, obj *domain.Object) {
	if s.actors == nil {
		return
	}
	tagged := make(map[string]bool)
	for _, t := range obj.Tags {
		if t.Type == "Mention" {
			tagged[strings.ToLower(strings.TrimPrefix(t.Name, "@"))] = true
		}
	}
	for _, handle := range util.ExtractMentions(obj.Content) {
		if tagged[handle] {
			continue
		}
		actor, err := s.actors.ResolveRemote(ctx, handle)
		if err != nil {
			s.log.Debugf("ObjectStore: Skipping unresolvable mention @%s", handle)
			continue
		}
		obj.Tags = append(obj.Tags, domain.Tag{Type: "Mention", Name: "@" + handle, Href: actor.URI})
		tagged[handle] = true
	}
}

// address fills to/cc and visibility. Explicit recipients must agree with the
// requested visibility.
func address(obj *domain.Object, in *domain.ObjectInput, actor, followersURI string) error {
	to := dedupe(in.To)
	cc := dedupe(in.Cc)
	mentions := mentionHrefs(obj.Tags)

	switch in.Visibility {
	case "":
		if len(to)+len(cc)+len(obj.Bto)+len(obj.Bcc) == 0 {
			return fmt.Errorf("%w: object has neither visibility nor recipients", domain.ErrInvalidInput)
		}
		obj.To = to
		obj.Cc = dedupe(append(cc, mentions...))
		obj.Visibility = domain.RecipientsToVisibility(obj.To, obj.Cc)
		return nil

	case domain.VisibilityPublic, domain.VisibilityUnlisted, domain.VisibilityFollowers:
		vt, vc := domain.VisibilityToRecipients(in.Visibility, actor, followersURI)
		obj.To = dedupe(append(vt, to...))
		obj.Cc = dedupe(append(append(vc, cc...), mentions...))

	default:
		obj.To = dedupe(append(to, mentions...))
		obj.Cc = cc
		if in.Visibility == domain.VisibilityDirect && len(obj.To)+len(obj.Cc)+len(obj.Bto)+len(obj.Bcc) == 0 {
			return fmt.Errorf("%w: direct object without recipients", domain.ErrInvalidInput)
		}
		if in.Visibility == domain.VisibilityCommunity && in.Context == "" {
			return fmt.Errorf("%w: community object without context", domain.ErrInvalidInput)
		}
	}

	derived := domain.RecipientsToVisibility(obj.To, obj.Cc)
	expected := in.Visibility
	if expected == domain.VisibilityCommunity {
		expected = domain.VisibilityDirect
	}
	if derived != expected {
		return fmt.Errorf("%w: recipients make a %s object %s", domain.ErrInvalidInput, in.Visibility, derived)
	}
	obj.Visibility = in.Visibility
	return nil
}

// thread sets the context of obj and returns the parent it replies to, if known.
// Replies join their parent's context; reactions stay outside threads.
func (s *Store) thread(ctx context.Context, obj *domain.Object, explicit string) (*domain.Object, error) {
	if obj.InReplyTo == "" {
		obj.Context = explicit
		if obj.Context == "" {
			obj.Context = s.links.Context(obj.LocalID)
		}
		return nil, nil
	}

	parent, err := s.repo.ReadObjectById(ctx, obj.InReplyTo)
	switch {
	case err == nil && !parent.Deleted():
	case err == nil || errors.Is(err, domain.ErrNotFound):
		if s.links.IsLocal(obj.InReplyTo) || obj.Type == domain.TypeLike || obj.Type == domain.TypeAnnounce {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, obj.InReplyTo)
		}
		parent = nil
	default:
		return nil, err
	}

	switch {
	case obj.Type == domain.TypeLike || obj.Type == domain.TypeAnnounce:
		obj.Context = ""
	case parent != nil && parent.Context != "":
		obj.Context = parent.Context
	case parent != nil:
		obj.Context = parent.ID
	case explicit != "":
		obj.Context = explicit
	default:
		obj.Context = obj.InReplyTo
	}
	return parent, nil
}

// remoteContext threads a remote reply under its parent when the document has no context.
func (s *Store) remoteContext(ctx context.Context, obj *domain.Object) string {
	if obj.InReplyTo == "" {
		return obj.ID
	}
	parent, err := s.repo.ReadObjectById(ctx, obj.InReplyTo)
	if err != nil || parent.Context == "" {
		return obj.InReplyTo
	}
	return parent.Context
}

func (s *Store) envelope(obj *domain.Object) activitypub.Envelope {
	return activitypub.Envelope{
		ID:        s.links.Activity(uuid.NewString()),
		Actor:     obj.Actor,
		To:        obj.To,
		Cc:        obj.Cc,
		Published: s.now().UTC(),
	}
}

func (s *Store) createdEvents(ctx context.Context, obj *domain.Object, parent *domain.Object) ([]domain.Event, error) {
	env := s.envelope(obj)
	env.Published = obj.Published

	var activity activitypub.Activity
	switch obj.Type {
	case domain.TypeLike:
		env.ID = obj.ID
		activity = activitypub.NewLike(env, obj.InReplyTo)
	case domain.TypeAnnounce:
		env.ID = obj.ID
		activity = activitypub.NewAnnounce(env, obj.InReplyTo)
	default:
		activity = activitypub.NewCreate(env, activitypub.ToDocument(obj))
	}
	ev, err := s.emit(ctx, activity, obj.Recipients())
	if err != nil {
		return nil, err
	}
	events := []domain.Event{ev}

	notified := map[string]bool{obj.Actor: true}
	notify := func(recipient string, kind domain.NotificationType, message string) {
		if notified[recipient] {
			return
		}
		if _, ok := s.links.Username(recipient); !ok || domain.IsFollowersCollection(recipient) {
			return
		}
		notified[recipient] = true
		events = append(events, domain.NotifyEvent(recipient, kind, obj.Actor, string(obj.Type), obj.ID, message))
	}

	if parent != nil {
		switch obj.Type {
		case domain.TypeLike:
			notify(parent.Actor, domain.NotifyLike, "liked your post")
		case domain.TypeAnnounce:
			notify(parent.Actor, domain.NotifyAnnounce, "boosted your post")
		default:
			notify(parent.Actor, domain.NotifyReply, "replied to your post")
		}
	}
	if obj.Visibility == domain.VisibilityDirect {
		for _, r := range obj.Recipients() {
			notify(r, domain.NotifyDirect, "sent you a message")
		}
	}
	for _, m := range mentionHrefs(obj.Tags) {
		notify(m, domain.NotifyMention, "mentioned you")
	}
	return events, nil
}

// emit logs a local activity and wraps it for delivery.
func (s *Store) emit(ctx context.Context, activity activitypub.Activity, recipients []string) (domain.Event, error) {
	entry, ev, err := activity.Emit(withoutActor(recipients, activity.Actor), s.now().UTC())
	if err != nil {
		return domain.Event{}, fmt.Errorf("failed to serialize %s: %w", activity.Type, err)
	}
	if _, err := s.repo.CreateActivity(ctx, entry); err != nil {
		return domain.Event{}, fmt.Errorf("failed to log %s: %w", activity.Type, err)
	}
	return ev, nil
}

// adjustMedia is advisory bookkeeping; failures never fail the object operation.
func (s *Store) adjustMedia(ctx context.Context, added, removed []string) {
	if err := s.repo.IncrementMediaRefs(ctx, added); err != nil {
		s.log.Warnf("ObjectStore: Failed to increment media refs: %v", err)
	}
	if err := s.repo.DecrementMediaRefs(ctx, removed); err != nil {
		s.log.Warnf("ObjectStore: Failed to decrement media refs: %v", err)
	}
}

func choiceRule(p *domain.Poll) string {
	if p.Multiple {
		return "one or more choices"
	}
	return "exactly one choice"
}

func hasOption(p *domain.Poll, name string) bool {
	for _, o := range p.Options {
		if o.Name == name {
			return true
		}
	}
	return false
}

func hideBlind(obj *domain.Object) *domain.Object {
	out := *obj
	out.Bto, out.Bcc = nil, nil
	return &out
}
