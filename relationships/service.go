package relationships

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/fedicore/activitypub"
	"github.com/deemkeen/fedicore/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Repository is the persistence the state machine runs on.
type Repository interface {
	CreateRelationship(ctx context.Context, rel *domain.Relationship) (bool, error)
	ReplaceRelationship(ctx context.Context, rel *domain.Relationship) error
	ReadRelationship(ctx context.Context, dir domain.Direction, subject, object string) (*domain.Relationship, error)
	ReadRelationshipByActivity(ctx context.Context, dir domain.Direction, activityId string) (*domain.Relationship, error)
	UpdateRelationshipStatus(ctx context.Context, dir domain.Direction, subject, object string, status domain.FollowStatus, at time.Time) error
	DeleteRelationship(ctx context.Context, dir domain.Direction, subject, object string) (bool, error)
	ReadRelationshipsByObject(ctx context.Context, dir domain.Direction, object string, status domain.FollowStatus) ([]domain.Relationship, error)
	ReadRelationshipsBySubject(ctx context.Context, dir domain.Direction, subject string, status domain.FollowStatus) ([]domain.Relationship, error)
	CountRelationships(ctx context.Context, dir domain.Direction, column string, actor string, status domain.FollowStatus) (int, error)
	ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error)
	CreateActivity(ctx context.Context, activity *domain.Activity) (bool, error)
}

// ActorDirectory confirms that remote follow targets exist.
type ActorDirectory interface {
	ResolveURI(ctx context.Context, uri string) (*domain.Actor, error)
}

// Service runs the follow state machine. Every edge touching a local actor is
// kept twice: the outbound record belongs to the follower, the inbound record
// to the followee. Steps are idempotent so a retried call converges.
type Service struct {
	repo   Repository
	actors ActorDirectory
	links  activitypub.Links
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewService(repo Repository, actors ActorDirectory, links activitypub.Links, log *zap.SugaredLogger) *Service {
	return &Service{
		repo:   repo,
		actors: actors,
		links:  links,
		log:    log,
		now:    time.Now,
	}
}

// Follow asks target to accept requester as a follower. An edge that is
// already pending or accepted is returned unchanged.
func (s *Service) Follow(ctx context.Context, requester, target string) (*domain.Relationship, []domain.Event, error) {
	if _, ok := s.links.Username(requester); !ok {
		return nil, nil, fmt.Errorf("%w: %s is not a local actor", domain.ErrForbidden, requester)
	}
	if requester == target || target == "" {
		return nil, nil, fmt.Errorf("%w: cannot follow %q", domain.ErrInvalidInput, target)
	}

	existing, err := s.repo.ReadRelationship(ctx, domain.Outbound, requester, target)
	switch {
	case err == nil && existing.Status != domain.FollowRejected:
		return existing, nil, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, nil, err
	}

	targetAccount, err := s.target(ctx, target)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	rel := &domain.Relationship{
		Direction:    domain.Outbound,
		SubjectActor: requester,
		ObjectActor:  target,
		ActivityID:   s.links.Activity(uuid.NewString()),
		Status:       domain.FollowPending,
		CreatedAt:    now,
	}
	if existing != nil {
		// a new Follow is the only way out of rejected
		err = s.repo.ReplaceRelationship(ctx, rel)
	} else {
		_, err = s.repo.CreateRelationship(ctx, rel)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to store follow: %w", err)
	}

	env := activitypub.Envelope{ID: rel.ActivityID, Actor: requester, Published: now}
	ev, err := s.emit(ctx, activitypub.NewFollow(env, target), []string{target})
	if err != nil {
		return nil, nil, err
	}
	events := []domain.Event{ev}
	s.log.Infof("Relationships: %s requested to follow %s", requester, target)

	if targetAccount != nil {
		more, err := s.inboundFollow(ctx, rel.ActivityID, requester, target, targetAccount)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, more...)
	}

	current, err := s.repo.ReadRelationship(ctx, domain.Outbound, requester, target)
	if err != nil {
		return nil, nil, err
	}
	return current, events, nil
}

// Accept approves a pending follow request from requester. Accepting an
// already accepted edge returns it without side effects.
func (s *Service) Accept(ctx context.Context, owner, requester string) (*domain.Relationship, []domain.Event, error) {
	if _, ok := s.links.Username(owner); !ok {
		return nil, nil, fmt.Errorf("%w: %s is not a local actor", domain.ErrForbidden, owner)
	}
	inbound, err := s.repo.ReadRelationship(ctx, domain.Inbound, requester, owner)
	if err != nil {
		return nil, nil, fmt.Errorf("no follow request from %s: %w", requester, err)
	}
	switch inbound.Status {
	case domain.FollowAccepted:
		return inbound, nil, nil
	case domain.FollowRejected:
		return nil, nil, fmt.Errorf("no pending follow request from %s: %w", requester, domain.ErrNotFound)
	}
	return s.accept(ctx, inbound)
}

func (s *Service) accept(ctx context.Context, inbound *domain.Relationship) (*domain.Relationship, []domain.Event, error) {
	owner, requester := inbound.ObjectActor, inbound.SubjectActor
	now := s.now().UTC()
	if err := s.repo.UpdateRelationshipStatus(ctx, domain.Inbound, requester, owner, domain.FollowAccepted, now); err != nil {
		return nil, nil, fmt.Errorf("failed to accept %s: %w", inbound.ActivityID, err)
	}
	if err := s.mirror(ctx, domain.Outbound, inbound, now); err != nil {
		return nil, nil, err
	}

	env := activitypub.Envelope{ID: s.links.Activity(uuid.NewString()), Actor: owner, Published: now}
	if err := s.mutual(ctx, owner, requester, env.ID, now); err != nil {
		return nil, nil, err
	}
	ev, err := s.emit(ctx, activitypub.NewAccept(env, activitypub.FollowRef(inbound.ActivityID, requester, owner)), []string{requester})
	if err != nil {
		return nil, nil, err
	}
	events := []domain.Event{ev}
	if s.links.IsLocal(requester) {
		events = append(events, domain.NotifyEvent(requester, domain.NotifyFollowAccept, owner, "Follow", inbound.ActivityID, "accepted your follow request"))
	}
	s.log.Infof("Relationships: %s accepted %s", owner, requester)

	accepted := *inbound
	accepted.Status = domain.FollowAccepted
	accepted.AcceptedAt = &now
	return &accepted, events, nil
}

// Reject declines a pending follow request. An accepted follower cannot be rejected.
func (s *Service) Reject(ctx context.Context, owner, requester string) (*domain.Relationship, []domain.Event, error) {
	if _, ok := s.links.Username(owner); !ok {
		return nil, nil, fmt.Errorf("%w: %s is not a local actor", domain.ErrForbidden, owner)
	}
	inbound, err := s.repo.ReadRelationship(ctx, domain.Inbound, requester, owner)
	if err != nil {
		return nil, nil, fmt.Errorf("no follow request from %s: %w", requester, err)
	}
	switch inbound.Status {
	case domain.FollowRejected:
		return inbound, nil, nil
	case domain.FollowAccepted:
		return nil, nil, fmt.Errorf("%w: %s already follows %s", domain.ErrConflict, requester, owner)
	}

	now := s.now().UTC()
	if err := s.repo.UpdateRelationshipStatus(ctx, domain.Inbound, requester, owner, domain.FollowRejected, now); err != nil {
		return nil, nil, fmt.Errorf("failed to reject %s: %w", inbound.ActivityID, err)
	}
	if s.links.IsLocal(requester) {
		s.setStatus(ctx, domain.Outbound, requester, owner, domain.FollowRejected, now)
	}

	env := activitypub.Envelope{ID: s.links.Activity(uuid.NewString()), Actor: owner, Published: now}
	ev, err := s.emit(ctx, activitypub.NewReject(env, activitypub.FollowRef(inbound.ActivityID, requester, owner)), []string{requester})
	if err != nil {
		return nil, nil, err
	}
	s.log.Infof("Relationships: %s rejected %s", owner, requester)

	rejected := *inbound
	rejected.Status = domain.FollowRejected
	return &rejected, []domain.Event{ev}, nil
}

// Undo withdraws actor's follow of target in any state. A missing edge is
// already undone.
func (s *Service) Undo(ctx context.Context, actor, target string) ([]domain.Event, error) {
	if _, ok := s.links.Username(actor); !ok {
		return nil, fmt.Errorf("%w: %s is not a local actor", domain.ErrForbidden, actor)
	}
	outbound, err := s.repo.ReadRelationship(ctx, domain.Outbound, actor, target)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.DeleteRelationship(ctx, domain.Outbound, actor, target); err != nil {
		return nil, fmt.Errorf("failed to remove follow: %w", err)
	}
	if _, err := s.repo.DeleteRelationship(ctx, domain.Inbound, actor, target); err != nil {
		return nil, fmt.Errorf("failed to remove follow: %w", err)
	}

	env := activitypub.Envelope{
		ID:        s.links.Activity(uuid.NewString()),
		Actor:     actor,
		To:        []string{target},
		Published: s.now().UTC(),
	}
	ev, err := s.emit(ctx, activitypub.NewUndo(env, activitypub.FollowRef(outbound.ActivityID, actor, target)), []string{target})
	if err != nil {
		return nil, err
	}
	s.log.Infof("Relationships: %s unfollowed %s", actor, target)
	return []domain.Event{ev}, nil
}

// ReceiveFollow applies a remote Follow addressed to a local actor.
func (s *Service) ReceiveFollow(ctx context.Context, followID, follower, target string) ([]domain.Event, error) {
	username, ok := s.links.Username(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not hosted here", domain.ErrNotFound, target)
	}
	account, err := s.repo.ReadAccByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("follow target %s: %w", target, err)
	}
	return s.inboundFollow(ctx, followID, follower, target, account)
}

// inboundFollow records follower's request on the followee's side and accepts
// it right away unless the account approves followers manually.
func (s *Service) inboundFollow(ctx context.Context, followID, follower, target string, account *domain.Account) ([]domain.Event, error) {
	now := s.now().UTC()
	rel := &domain.Relationship{
		Direction:    domain.Inbound,
		SubjectActor: follower,
		ObjectActor:  target,
		ActivityID:   followID,
		Status:       domain.FollowPending,
		CreatedAt:    now,
	}

	existing, err := s.repo.ReadRelationship(ctx, domain.Inbound, follower, target)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if _, err := s.repo.CreateRelationship(ctx, rel); err != nil {
			return nil, fmt.Errorf("failed to store follow request: %w", err)
		}
	case err != nil:
		return nil, err
	case existing.Status == domain.FollowRejected:
		if err := s.repo.ReplaceRelationship(ctx, rel); err != nil {
			return nil, fmt.Errorf("failed to store follow request: %w", err)
		}
	case existing.Status == domain.FollowAccepted:
		// the follower lost our Accept; answer the new request again and
		// remember its id, later Undos refer to it
		if existing.ActivityID != followID {
			renewed := *existing
			renewed.ActivityID = followID
			if err := s.repo.ReplaceRelationship(ctx, &renewed); err != nil {
				return nil, fmt.Errorf("failed to renew follow %s: %w", followID, err)
			}
		}
		env := activitypub.Envelope{ID: s.links.Activity(uuid.NewString()), Actor: target, Published: now}
		ev, err := s.emit(ctx, activitypub.NewAccept(env, activitypub.FollowRef(followID, follower, target)), []string{follower})
		if err != nil {
			return nil, err
		}
		return []domain.Event{ev}, nil
	default:
		return nil, nil
	}

	if !account.ManuallyApprovesFollowers {
		_, events, err := s.accept(ctx, rel)
		if err != nil {
			return nil, err
		}
		events = append(events, domain.NotifyEvent(target, domain.NotifyFollow, follower, "Follow", followID, "started following you"))
		return events, nil
	}
	s.log.Infof("Relationships: %s asked to follow %s", follower, target)
	return []domain.Event{
		domain.NotifyEvent(target, domain.NotifyFollowRequest, follower, "Follow", followID, "requested to follow you"),
	}, nil
}

// ReceiveAccept marks a local actor's outbound follow as accepted by owner.
func (s *Service) ReceiveAccept(ctx context.Context, followID, owner, requester string) ([]domain.Event, error) {
	outbound, err := s.findOutbound(ctx, followID, owner, requester)
	if err != nil || outbound == nil {
		return nil, err
	}
	if outbound.Status != domain.FollowPending {
		return nil, nil
	}

	now := s.now().UTC()
	if err := s.repo.UpdateRelationshipStatus(ctx, domain.Outbound, outbound.SubjectActor, owner, domain.FollowAccepted, now); err != nil {
		return nil, err
	}
	if err := s.mirror(ctx, domain.Inbound, outbound, now); err != nil {
		return nil, err
	}
	s.log.Infof("Relationships: %s accepted follow %s", owner, outbound.ActivityID)
	return []domain.Event{
		domain.NotifyEvent(outbound.SubjectActor, domain.NotifyFollowAccept, owner, "Follow", outbound.ActivityID, "accepted your follow request"),
	}, nil
}

// ReceiveReject ends a local actor's outbound follow. A rejection after
// acceptance removes the follower.
func (s *Service) ReceiveReject(ctx context.Context, followID, owner, requester string) ([]domain.Event, error) {
	outbound, err := s.findOutbound(ctx, followID, owner, requester)
	if err != nil || outbound == nil {
		return nil, err
	}

	switch outbound.Status {
	case domain.FollowPending:
		if err := s.repo.UpdateRelationshipStatus(ctx, domain.Outbound, outbound.SubjectActor, owner, domain.FollowRejected, s.now().UTC()); err != nil {
			return nil, err
		}
	case domain.FollowAccepted:
		if err := s.remove(ctx, outbound.SubjectActor, owner); err != nil {
			return nil, err
		}
	}
	s.log.Infof("Relationships: %s rejected follow %s", owner, outbound.ActivityID)
	return nil, nil
}

// ReceiveUndo removes a remote follower. Unknown follows are already undone.
func (s *Service) ReceiveUndo(ctx context.Context, followID, follower, target string) ([]domain.Event, error) {
	inbound, err := s.repo.ReadRelationshipByActivity(ctx, domain.Inbound, followID)
	if errors.Is(err, domain.ErrNotFound) && target != "" {
		inbound, err = s.repo.ReadRelationship(ctx, domain.Inbound, follower, target)
	}
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Debugf("Relationships: Undo of unknown follow %s", followID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if inbound.SubjectActor != follower {
		return nil, fmt.Errorf("%w: %s cannot undo %s", domain.ErrForbidden, follower, followID)
	}
	if err := s.remove(ctx, follower, inbound.ObjectActor); err != nil {
		return nil, err
	}
	s.log.Infof("Relationships: %s unfollowed %s", follower, inbound.ObjectActor)
	return nil, nil
}

// Followers lists the accepted followers of actor.
func (s *Service) Followers(ctx context.Context, actor string) ([]string, error) {
	rels, err := s.repo.ReadRelationshipsByObject(ctx, domain.Inbound, actor, domain.FollowAccepted)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rels))
	for _, r := range rels {
		out = append(out, r.SubjectActor)
	}
	return out, nil
}

// Following lists the actors actor follows with an accepted edge.
func (s *Service) Following(ctx context.Context, actor string) ([]string, error) {
	rels, err := s.repo.ReadRelationshipsBySubject(ctx, domain.Outbound, actor, domain.FollowAccepted)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rels))
	for _, r := range rels {
		out = append(out, r.ObjectActor)
	}
	return out, nil
}

// PendingRequests lists follow requests waiting for owner's decision.
func (s *Service) PendingRequests(ctx context.Context, owner string) ([]domain.Relationship, error) {
	return s.repo.ReadRelationshipsByObject(ctx, domain.Inbound, owner, domain.FollowPending)
}

func (s *Service) FollowerCount(ctx context.Context, actor string) (int, error) {
	return s.repo.CountRelationships(ctx, domain.Inbound, "object_actor", actor, domain.FollowAccepted)
}

func (s *Service) FollowingCount(ctx context.Context, actor string) (int, error) {
	return s.repo.CountRelationships(ctx, domain.Outbound, "subject_actor", actor, domain.FollowAccepted)
}

// target returns the local account behind a follow target, or nil for a
// remote actor that resolves.
func (s *Service) target(ctx context.Context, target string) (*domain.Account, error) {
	if username, ok := s.links.Username(target); ok {
		account, err := s.repo.ReadAccByUsername(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("follow target %s: %w", target, err)
		}
		return account, nil
	}
	if s.actors != nil {
		if _, err := s.actors.ResolveURI(ctx, target); err != nil {
			return nil, fmt.Errorf("follow target %s: %w", target, err)
		}
	}
	return nil, nil
}

// findOutbound locates the outbound edge an Accept or Reject refers to. It
// returns nil without error when no such follow exists.
func (s *Service) findOutbound(ctx context.Context, followID, owner, requester string) (*domain.Relationship, error) {
	rel, err := s.repo.ReadRelationshipByActivity(ctx, domain.Outbound, followID)
	if errors.Is(err, domain.ErrNotFound) && requester != "" {
		rel, err = s.repo.ReadRelationship(ctx, domain.Outbound, requester, owner)
	}
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Debugf("Relationships: Answer from %s to unknown follow %s", owner, followID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rel.ObjectActor != owner {
		return nil, fmt.Errorf("%w: %s cannot answer %s", domain.ErrForbidden, owner, followID)
	}
	return rel, nil
}

// mirror creates or confirms the accepted counterpart of rel in direction dir.
func (s *Service) mirror(ctx context.Context, dir domain.Direction, rel *domain.Relationship, at time.Time) error {
	counterpart := &domain.Relationship{
		Direction:    dir,
		SubjectActor: rel.SubjectActor,
		ObjectActor:  rel.ObjectActor,
		ActivityID:   rel.ActivityID,
		Status:       domain.FollowAccepted,
		CreatedAt:    rel.CreatedAt,
		AcceptedAt:   &at,
	}
	created, err := s.repo.CreateRelationship(ctx, counterpart)
	if err != nil {
		return fmt.Errorf("failed to mirror follow: %w", err)
	}
	if !created {
		return s.repo.UpdateRelationshipStatus(ctx, dir, rel.SubjectActor, rel.ObjectActor, domain.FollowAccepted, at)
	}
	return nil
}

// mutual creates or confirms owner's accepted outbound edge toward requester.
// The edge is keyed on the Accept activity that established it.
func (s *Service) mutual(ctx context.Context, owner, requester, acceptID string, at time.Time) error {
	created, err := s.repo.CreateRelationship(ctx, &domain.Relationship{
		Direction:    domain.Outbound,
		SubjectActor: owner,
		ObjectActor:  requester,
		ActivityID:   acceptID,
		Status:       domain.FollowAccepted,
		CreatedAt:    at,
		AcceptedAt:   &at,
	})
	if err != nil {
		return fmt.Errorf("failed to store mutual follow: %w", err)
	}
	if created {
		return nil
	}
	if err := s.repo.UpdateRelationshipStatus(ctx, domain.Outbound, owner, requester, domain.FollowAccepted, at); err != nil {
		return fmt.Errorf("failed to confirm mutual follow: %w", err)
	}
	if s.links.IsLocal(requester) {
		s.setStatus(ctx, domain.Inbound, owner, requester, domain.FollowAccepted, at)
	}
	return nil
}

func (s *Service) remove(ctx context.Context, follower, followee string) error {
	for _, dir := range []domain.Direction{domain.Inbound, domain.Outbound} {
		if _, err := s.repo.DeleteRelationship(ctx, dir, follower, followee); err != nil {
			return fmt.Errorf("failed to remove follow: %w", err)
		}
	}
	return nil
}

// setStatus is best effort; the counterpart record may not exist.
func (s *Service) setStatus(ctx context.Context, dir domain.Direction, subject, object string, status domain.FollowStatus, at time.Time) {
	err := s.repo.UpdateRelationshipStatus(ctx, dir, subject, object, status, at)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.log.Warnf("Relationships: Failed to update %s edge %s -> %s: %v", dir, subject, object, err)
	}
}

// emit logs a local activity and wraps it for delivery.
func (s *Service) emit(ctx context.Context, activity activitypub.Activity, recipients []string) (domain.Event, error) {
	entry, ev, err := activity.Emit(recipients, s.now().UTC())
	if err != nil {
		return domain.Event{}, fmt.Errorf("failed to serialize %s: %w", activity.Type, err)
	}
	if _, err := s.repo.CreateActivity(ctx, entry); err != nil {
		return domain.Event{}, fmt.Errorf("failed to log %s: %w", activity.Type, err)
	}
	return ev, nil
}
