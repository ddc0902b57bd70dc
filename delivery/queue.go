package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/deemkeen/fedicore/activitypub"
	"github.com/deemkeen/fedicore/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Repository is the durable queue storage.
type Repository interface {
	EnqueueDelivery(ctx context.Context, item *domain.DeliveryQueueItem) (bool, error)
	ReadDelivery(ctx context.Context, activityId, inboxURL string) (*domain.DeliveryQueueItem, error)
	ReadPendingDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryQueueItem, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordDeliveryFailure(ctx context.Context, item *domain.DeliveryQueueItem) error
	DeleteFinishedDeliveries(ctx context.Context, before time.Time) (int64, error)
	CountDeliveries(ctx context.Context) (map[domain.DeliveryStatus]int, error)
}

// Sender performs one delivery attempt.
type Sender interface {
	Send(ctx context.Context, item *domain.DeliveryQueueItem) error
}

// ActorRefresher refetches an actor whose inbox answered 404 or 410.
type ActorRefresher interface {
	Refresh(ctx context.Context, actorURI string) (*domain.Actor, error)
}

// DefaultBackoff is the wait before each retry; the last step repeats.
var DefaultBackoff = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	4 * time.Hour,
	24 * time.Hour,
}

const DefaultMaxAttempts = 8

// Queue owns delivery items from enqueue until they are delivered or failed.
type Queue struct {
	repo        Repository
	sender      Sender
	actors      ActorRefresher
	limiter     *HostLimiter
	maxAttempts int
	backoff     []time.Duration
	log         *zap.SugaredLogger
	now         func() time.Time

	// items currently being attempted in this process
	inflight sync.Map
}

type Option func(*Queue)

func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithBackoff(steps []time.Duration) Option {
	return func(q *Queue) {
		if len(steps) > 0 {
			q.backoff = steps
		}
	}
}

func WithHostLimiter(l *HostLimiter) Option {
	return func(q *Queue) { q.limiter = l }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func NewQueue(repo Repository, sender Sender, actors ActorRefresher, log *zap.SugaredLogger, opts ...Option) *Queue {
	q := &Queue{
		repo:        repo,
		sender:      sender,
		actors:      actors,
		limiter:     NewHostLimiter(0, 1),
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		log:         log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a pending delivery of activityID to inboxURL and returns the
// queued item. Enqueuing the same pair again returns the existing item.
func (q *Queue) Enqueue(ctx context.Context, activityID, inboxURL, targetActor, senderActor string) (*domain.DeliveryQueueItem, error) {
	if activityID == "" {
		return nil, fmt.Errorf("%w: empty activity id", domain.ErrInvalidInput)
	}
	if u, err := url.Parse(inboxURL); err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, fmt.Errorf("%w: bad inbox url %q", domain.ErrInvalidInput, inboxURL)
	}

	now := q.now().UTC()
	item := &domain.DeliveryQueueItem{
		ActivityID:     activityID,
		TargetInboxURL: inboxURL,
		TargetActor:    targetActor,
		SenderActor:    senderActor,
		Status:         domain.DeliveryPending,
		NextRetryAt:    now,
		CreatedAt:      now,
	}
	created, err := q.repo.EnqueueDelivery(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue delivery: %w", err)
	}
	if created {
		q.log.Debugf("DeliveryQueue: Enqueued %s to %s", activityID, inboxURL)
	}
	return q.repo.ReadDelivery(ctx, activityID, inboxURL)
}

// AttemptImmediate tries a pending item once right away. Failures stay on the
// item for the worker; it reports whether the item was delivered.
func (q *Queue) AttemptImmediate(ctx context.Context, item *domain.DeliveryQueueItem) bool {
	if item.Status != domain.DeliveryPending {
		return item.Status == domain.DeliveryDelivered
	}
	return q.attempt(ctx, item) == nil
}

// Stats reports the queue depth per status.
func (q *Queue) Stats(ctx context.Context) (map[domain.DeliveryStatus]int, error) {
	return q.repo.CountDeliveries(ctx)
}

// Purge drops delivered and failed items created before the cutoff.
func (q *Queue) Purge(ctx context.Context, before time.Time) (int64, error) {
	return q.repo.DeleteFinishedDeliveries(ctx, before)
}

var errInFlight = errors.New("delivery already in flight")

// attempt delivers item once and records the outcome.
func (q *Queue) attempt(ctx context.Context, item *domain.DeliveryQueueItem) error {
	if _, busy := q.inflight.LoadOrStore(item.Id, struct{}{}); busy {
		return errInFlight
	}
	defer q.inflight.Delete(item.Id)

	if err := q.limiter.Wait(ctx, item.TargetInboxURL); err != nil {
		return err
	}

	sendErr := q.sender.Send(ctx, item)
	now := q.now().UTC()
	if sendErr == nil {
		if err := q.repo.MarkDelivered(ctx, item.Id, now); err != nil {
			q.log.Errorf("DeliveryQueue: Failed to mark %s delivered: %v", item.Id, err)
		}
		item.Status = domain.DeliveryDelivered
		item.Attempts++
		item.LastAttemptAt = &now
		q.log.Infof("DeliveryQueue: Delivered %s to %s", item.ActivityID, item.TargetInboxURL)
		return nil
	}
	if ctx.Err() != nil {
		// shutdown interrupted the attempt; it does not count
		return sendErr
	}

	item.Attempts++
	item.LastAttemptAt = &now
	item.LastError = sendErr.Error()

	var status *activitypub.StatusError
	switch {
	case errors.As(sendErr, &status) && status.Gone():
		if q.relocate(ctx, item) {
			item.Status = domain.DeliveryFailed
			item.LastError = fmt.Sprintf("%s; inbox moved", item.LastError)
			break
		}
		q.scheduleRetry(item, now)
	case errors.As(sendErr, &status) && status.Permanent():
		item.Status = domain.DeliveryFailed
	default:
		q.scheduleRetry(item, now)
	}

	if err := q.repo.RecordDeliveryFailure(ctx, item); err != nil {
		q.log.Errorf("DeliveryQueue: Failed to record failure of %s: %v", item.Id, err)
	}
	if item.Status == domain.DeliveryFailed {
		q.log.Warnf("DeliveryQueue: Giving up on %s to %s after %d attempts: %v",
			item.ActivityID, item.TargetInboxURL, item.Attempts, sendErr)
	} else {
		q.log.Infof("DeliveryQueue: Delivery of %s to %s failed (attempt %d), retry at %s: %v",
			item.ActivityID, item.TargetInboxURL, item.Attempts, item.NextRetryAt.Format(time.RFC3339), sendErr)
	}
	return sendErr
}

func (q *Queue) scheduleRetry(item *domain.DeliveryQueueItem, now time.Time) {
	if item.Attempts >= q.maxAttempts {
		item.Status = domain.DeliveryFailed
		return
	}
	step := item.Attempts - 1
	if step >= len(q.backoff) {
		step = len(q.backoff) - 1
	}
	item.Status = domain.DeliveryPending
	item.NextRetryAt = now.Add(q.backoff[step])
}

// relocate refreshes the target actor after a 404/410 and re-enqueues the
// activity when the actor now advertises a different inbox.
func (q *Queue) relocate(ctx context.Context, item *domain.DeliveryQueueItem) bool {
	if q.actors == nil || item.TargetActor == "" {
		return false
	}
	actor, err := q.actors.Refresh(ctx, item.TargetActor)
	if err != nil {
		q.log.Debugf("DeliveryQueue: Could not refresh %s: %v", item.TargetActor, err)
		return false
	}
	inbox := actor.DeliveryInbox()
	if inbox == "" || inbox == item.TargetInboxURL {
		return false
	}
	if _, err := q.Enqueue(ctx, item.ActivityID, inbox, item.TargetActor, item.SenderActor); err != nil {
		q.log.Warnf("DeliveryQueue: Failed to re-enqueue %s to %s: %v", item.ActivityID, inbox, err)
		return false
	}
	q.log.Infof("DeliveryQueue: %s moved its inbox to %s", item.TargetActor, inbox)
	return true
}
