package delivery

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedicore/activitypub"
	"github.com/deemkeen/fedicore/db"
	"github.com/deemkeen/fedicore/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	sender     = "https://fedi.example/users/carol"
	aliceInbox = "https://remote.example/users/alice/inbox"
	bobInbox   = "https://other.example/users/bob/inbox"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(":memory:", zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(context.Background()))
	t.Cleanup(func() { database.Close() })
	return database
}

func logActivity(t *testing.T, database *db.DB, id string) {
	t.Helper()
	_, err := database.CreateActivity(context.Background(), &domain.Activity{
		ActivityURI:  id,
		ActivityType: "Create",
		ActorURI:     sender,
		RawJSON:      `{"id":"` + id + `","type":"Create"}`,
		Processed:    true,
		CreatedAt:    time.Now(),
		Local:        true,
	})
	require.NoError(t, err)
}

type call struct {
	activity string
	inbox    string
}

// fakeSender answers with respond and records every attempt.
type fakeSender struct {
	mu      sync.Mutex
	calls   []call
	respond func(item *domain.DeliveryQueueItem) error
}

func (s *fakeSender) Send(_ context.Context, item *domain.DeliveryQueueItem) error {
	s.mu.Lock()
	s.calls = append(s.calls, call{item.ActivityID, item.TargetInboxURL})
	s.mu.Unlock()
	if s.respond == nil {
		return nil
	}
	return s.respond(item)
}

func (s *fakeSender) callsTo(inbox string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		if c.inbox == inbox {
			out = append(out, c.activity)
		}
	}
	return out
}

type fakeRefresher map[string]string

func (f fakeRefresher) Refresh(_ context.Context, uri string) (*domain.Actor, error) {
	inbox, ok := f[uri]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &domain.Actor{URI: uri, InboxURI: inbox}, nil
}

type fixture struct {
	db     *db.DB
	sender *fakeSender
	queue  *Queue
	clock  time.Time
}

func newFixture(t *testing.T, refresher ActorRefresher) *fixture {
	t.Helper()
	f := &fixture{
		db:     setupTestDB(t),
		sender: &fakeSender{},
		clock:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.queue = NewQueue(f.db, f.sender, refresher, zap.NewNop().Sugar(),
		WithClock(func() time.Time { return f.clock }))
	return f
}

func TestEnqueueCollapsesDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	logActivity(t, f.db, "https://fedi.example/activities/1")

	first, err := f.queue.Enqueue(ctx, "https://fedi.example/activities/1", aliceInbox, "", sender)
	require.NoError(t, err)
	second, err := f.queue.Enqueue(ctx, "https://fedi.example/activities/1", aliceInbox, "", sender)
	require.NoError(t, err)
	assert.Equal(t, first.Id, second.Id)
	assert.Equal(t, domain.DeliveryPending, first.Status)
	assert.Contains(t, first.ActivityJSON, `"type":"Create"`)

	items, err := f.db.ReadDeliveriesByActivity(ctx, "https://fedi.example/activities/1")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = f.queue.Enqueue(ctx, "https://fedi.example/activities/1", bobInbox, "", sender)
	require.NoError(t, err)
	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[domain.DeliveryPending])

	for _, inbox := range []string{"", "not a url", "ftp://remote.example/inbox"} {
		_, err := f.queue.Enqueue(ctx, "https://fedi.example/activities/1", inbox, "", sender)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, inbox)
	}
}

func TestAttemptImmediate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	logActivity(t, f.db, "https://fedi.example/activities/1")

	item, err := f.queue.Enqueue(ctx, "https://fedi.example/activities/1", aliceInbox, "", sender)
	require.NoError(t, err)
	assert.True(t, f.queue.AttemptImmediate(ctx, item))

	stored, err := f.db.ReadDelivery(ctx, item.ActivityID, aliceInbox)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, stored.Status)
	assert.Equal(t, 1, stored.Attempts)

	assert.True(t, f.queue.AttemptImmediate(ctx, stored))
	assert.Len(t, f.sender.callsTo(aliceInbox), 1, "delivered items are not sent again")
}

func TestAttemptImmediateFailureStaysPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.sender.respond = func(*domain.DeliveryQueueItem) error { return errors.New("connection refused") }
	logActivity(t, f.db, "https://fedi.example/activities/1")

	item, err := f.queue.Enqueue(ctx, "https://fedi.example/activities/1", aliceInbox, "", sender)
	require.NoError(t, err)
	assert.False(t, f.queue.AttemptImmediate(ctx, item))

	stored, err := f.db.ReadDelivery(ctx, item.ActivityID, aliceInbox)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "connection refused", stored.LastError)
	assert.Equal(t, f.clock.Add(time.Minute), stored.NextRetryAt)
}

func TestRetriesFollowBackoffUntilFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.sender.respond = func(*domain.DeliveryQueueItem) error {
		return &activitypub.StatusError{URL: aliceInbox, Code: http.StatusBadGateway}
	}
	logActivity(t, f.db, "https://fedi.example/activities/1")
	_, err := f.queue.Enqueue(ctx, "https://fedi.example/activities/1", aliceInbox, "", sender)
	require.NoError(t, err)

	w := NewWorker(f.queue, time.Second, 10, 2, zap.NewNop().Sugar())
	var waits []time.Duration
	for i := 0; i < 20; i++ {
		n, err := w.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		item, err := f.db.ReadDelivery(ctx, "https://fedi.example/activities/1", aliceInbox)
		require.NoError(t, err)
		if item.Status == domain.DeliveryFailed {
			assert.Equal(t, DefaultMaxAttempts, item.Attempts)
			break
		}
		waits = append(waits, item.NextRetryAt.Sub(f.clock))

		// nothing is due before the retry time
		f.clock = item.NextRetryAt.Add(-time.Second)
		_, err = w.ProcessBatch(ctx)
		require.NoError(t, err)
		f.clock = item.NextRetryAt
	}

	assert.Equal(t, []time.Duration{
		time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 4 * time.Hour, 24 * time.Hour, 24 * time.Hour,
	}, waits)
	assert.Len(t, f.sender.callsTo(aliceInbox), DefaultMaxAttempts)

	// failed items are never retried
	f.clock = f.clock.Add(48 * time.Hour)
	_, err = w.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Len(t, f.sender.callsTo(aliceInbox), DefaultMaxAttempts)
}

func TestPermanentErrorFailsAtOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.sender.respond = func(*domain.DeliveryQueueItem) error {
		return &activitypub.StatusError{URL: aliceInbox, Code: http.StatusForbidden}
	}
	logActivity(t, f.db, "https://fedi.example/activities/1")

	item, err := f.queue.Enqueue(ctx, "https://fedi.example/activities/1", aliceInbox, "", sender)
	require.NoError(t, err)
	assert.False(t, f.queue.AttemptImmediate(ctx, item))

	stored, err := f.db.ReadDelivery(ctx, item.ActivityID, aliceInbox)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, stored.Status)
}

func TestGoneInboxIsRelocated(t *testing.T) {
	ctx := context.Background()
	alice := "https://remote.example/users/alice"
	movedInbox := "https://remote.example/inbox"
	f := newFixture(t, fakeRefresher{alice: movedInbox})
	f.sender.respond = func(item *domain.DeliveryQueueItem) error {
		if item.TargetInboxURL == aliceInbox {
			return &activitypub.StatusError{URL: aliceInbox, Code: http.StatusGone}
		}
		return nil
	}
	logActivity(t, f.db, "https://fedi.example/activities/1")

	item, err := f.queue.Enqueue(ctx, "https://fedi.example/activities/1", aliceInbox, alice, sender)
	require.NoError(t, err)
	assert.False(t, f.queue.AttemptImmediate(ctx, item))

	old, err := f.db.ReadDelivery(ctx, item.ActivityID, aliceInbox)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, old.Status)
	assert.Contains(t, old.LastError, "inbox moved")

	moved, err := f.db.ReadDelivery(ctx, item.ActivityID, movedInbox)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPending, moved.Status)
	assert.Equal(t, alice, moved.TargetActor)

	n, err := NewWorker(f.queue, time.Second, 10, 1, zap.NewNop().Sugar()).ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGoneInboxWithoutNewAddressIsRetried(t *testing.T) {
	ctx := context.Background()
	alice := "https://remote.example/users/alice"
	f := newFixture(t, fakeRefresher{alice: aliceInbox})
	f.sender.respond = func(*domain.DeliveryQueueItem) error {
		return &activitypub.StatusError{URL: aliceInbox, Code: http.StatusNotFound}
	}
	logActivity(t, f.db, "https://fedi.example/activities/1")

	item, err := f.queue.Enqueue(ctx, "https://fedi.example/activities/1", aliceInbox, alice, sender)
	require.NoError(t, err)
	f.queue.AttemptImmediate(ctx, item)

	stored, err := f.db.ReadDelivery(ctx, item.ActivityID, aliceInbox)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestWorkerKeepsPerInboxOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	failFirst := true
	var mu sync.Mutex
	f.sender.respond = func(item *domain.DeliveryQueueItem) error {
		mu.Lock()
		defer mu.Unlock()
		if item.TargetInboxURL == aliceInbox && failFirst {
			failFirst = false
			return errors.New("timeout")
		}
		return nil
	}

	ids := []string{"https://fedi.example/activities/1", "https://fedi.example/activities/2", "https://fedi.example/activities/3"}
	for i, id := range ids {
		logActivity(t, f.db, id)
		f.clock = f.clock.Add(time.Second)
		_, err := f.queue.Enqueue(ctx, id, aliceInbox, "", sender)
		require.NoError(t, err)
		if i == 0 {
			_, err = f.queue.Enqueue(ctx, id, bobInbox, "", sender)
			require.NoError(t, err)
		}
	}

	w := NewWorker(f.queue, time.Second, 10, 4, zap.NewNop().Sugar())
	n, err := w.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, ids[:1], f.sender.callsTo(aliceInbox), "later items wait behind the failed one")
	assert.Equal(t, ids[:1], f.sender.callsTo(bobInbox))

	f.clock = f.clock.Add(2 * time.Minute)
	n, err = w.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{ids[0], ids[0], ids[1], ids[2]}, f.sender.callsTo(aliceInbox))
}

func TestPurgeKeepsPendingItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	logActivity(t, f.db, "https://fedi.example/activities/1")

	done, err := f.queue.Enqueue(ctx, "https://fedi.example/activities/1", aliceInbox, "", sender)
	require.NoError(t, err)
	require.True(t, f.queue.AttemptImmediate(ctx, done))
	_, err = f.queue.Enqueue(ctx, "https://fedi.example/activities/1", bobInbox, "", sender)
	require.NoError(t, err)

	n, err := f.queue.Purge(ctx, f.clock.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.DeliveryStatus]int{domain.DeliveryPending: 1}, stats)
}
