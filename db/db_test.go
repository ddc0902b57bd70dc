package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deemkeen/fedicore/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// setupTestDB creates a migrated in-memory SQLite database for testing
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:", zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	if err := db.RunMigrations(context.Background()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testObject(id, actor string, published time.Time) *domain.Object {
	return &domain.Object{
		ID:         id,
		LocalID:    uuid.NewString(),
		Type:       domain.TypeNote,
		Actor:      actor,
		To:         []string{domain.PublicCollection},
		Cc:         []string{actor + "/followers"},
		Visibility: domain.VisibilityPublic,
		Context:    id,
		Content:    "hello",
		Published:  published,
		Updated:    published,
		IsLocal:    true,
	}
}

func TestRunMigrationsTwice(t *testing.T) {
	db := setupTestDB(t)
	if err := db.RunMigrations(context.Background()); err != nil {
		t.Fatalf("Second migration run failed: %v", err)
	}
}

func TestCreateAndReadAccount(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	acc := &domain.Account{
		Id:                        uuid.New(),
		Username:                  "alice",
		DisplayName:               "Alice",
		WebPublicKey:              "pub",
		WebPrivateKey:             "priv",
		ManuallyApprovesFollowers: true,
		CreatedAt:                 testEpoch,
	}
	if err := db.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	got, err := db.ReadAccByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("ReadAccByUsername failed: %v", err)
	}
	if got.Id != acc.Id {
		t.Errorf("Expected id %s, got %s", acc.Id, got.Id)
	}
	if !got.ManuallyApprovesFollowers {
		t.Error("Expected ManuallyApprovesFollowers to round trip")
	}
	if !got.CreatedAt.Equal(testEpoch) {
		t.Errorf("Expected CreatedAt %v, got %v", testEpoch, got.CreatedAt)
	}

	byId, err := db.ReadAccById(ctx, acc.Id)
	if err != nil {
		t.Fatalf("ReadAccById failed: %v", err)
	}
	if byId.Username != "alice" {
		t.Errorf("Expected username alice, got %s", byId.Username)
	}
}

func TestReadAccByUsernameNotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.ReadAccByUsername(context.Background(), "nobody")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpsertRemoteAccount(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	actor := &domain.Actor{
		URI:           "https://remote.example/users/bob",
		Username:      "bob",
		Domain:        "remote.example",
		InboxURI:      "https://remote.example/users/bob/inbox",
		LastFetchedAt: testEpoch,
	}
	if err := db.UpsertRemoteAccount(ctx, actor); err != nil {
		t.Fatalf("UpsertRemoteAccount failed: %v", err)
	}

	actor.InboxURI = "https://remote.example/inbox/bob"
	actor.LastFetchedAt = testEpoch.Add(time.Hour)
	if err := db.UpsertRemoteAccount(ctx, actor); err != nil {
		t.Fatalf("Second UpsertRemoteAccount failed: %v", err)
	}

	got, err := db.ReadRemoteAccountByHandle(ctx, "bob", "remote.example")
	if err != nil {
		t.Fatalf("ReadRemoteAccountByHandle failed: %v", err)
	}
	if got.InboxURI != "https://remote.example/inbox/bob" {
		t.Errorf("Expected last write to win, got inbox %s", got.InboxURI)
	}

	n, err := db.DeleteStaleRemoteAccounts(ctx, testEpoch.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("DeleteStaleRemoteAccounts failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 stale account removed, got %d", n)
	}
}

func TestInsertObjectHidesBlindRecipients(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	obj := testObject("https://local.example/objects/1", "https://local.example/users/alice", testEpoch)
	obj.Bto = []string{"https://remote.example/users/secret"}
	obj.Bcc = []string{"https://remote.example/users/hidden"}
	if err := db.InsertObject(ctx, obj); err != nil {
		t.Fatalf("InsertObject failed: %v", err)
	}

	got, err := db.ReadObjectById(ctx, obj.ID)
	if err != nil {
		t.Fatalf("ReadObjectById failed: %v", err)
	}
	if len(got.Bto) != 0 || len(got.Bcc) != 0 {
		t.Errorf("Expected blind recipients to stay hidden, got bto=%v bcc=%v", got.Bto, got.Bcc)
	}
	if got.Content != "hello" || got.Visibility != domain.VisibilityPublic {
		t.Errorf("Unexpected object read back: %s", got.ToString())
	}

	// blind recipients still address the object
	addressed, err := db.ReadObjects(ctx, domain.ObjectFilter{AddressedTo: "https://remote.example/users/secret"}, testEpoch)
	if err != nil {
		t.Fatalf("ReadObjects failed: %v", err)
	}
	if len(addressed) != 1 {
		t.Errorf("Expected 1 object addressed to bto recipient, got %d", len(addressed))
	}
}

func TestUpdateObjectNotFound(t *testing.T) {
	db := setupTestDB(t)
	obj := testObject("https://local.example/objects/missing", "https://local.example/users/alice", testEpoch)
	if err := db.UpdateObject(context.Background(), obj); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSoftDeleteObject(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	obj := testObject("https://local.example/objects/2", "https://local.example/users/alice", testEpoch)
	if err := db.InsertObject(ctx, obj); err != nil {
		t.Fatalf("InsertObject failed: %v", err)
	}
	if err := db.SoftDeleteObject(ctx, obj.ID, testEpoch.Add(time.Minute)); err != nil {
		t.Fatalf("SoftDeleteObject failed: %v", err)
	}
	if err := db.SoftDeleteObject(ctx, obj.ID, testEpoch.Add(time.Minute)); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected second delete to report ErrNotFound, got %v", err)
	}

	// the tombstone stays addressable by id
	got, err := db.ReadObjectById(ctx, obj.ID)
	if err != nil {
		t.Fatalf("ReadObjectById failed: %v", err)
	}
	if !got.Deleted() {
		t.Error("Expected object to be a tombstone")
	}

	objects, err := db.ReadObjects(ctx, domain.ObjectFilter{}, testEpoch.Add(time.Hour))
	if err != nil {
		t.Fatalf("ReadObjects failed: %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("Expected tombstone to be excluded, got %d objects", len(objects))
	}
}

func TestReadObjectsFilters(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := "https://local.example/users/alice"
	bob := "https://remote.example/users/bob"

	root := testObject("https://local.example/objects/root", alice, testEpoch)
	reply := testObject("https://remote.example/objects/reply", bob, testEpoch.Add(time.Minute))
	reply.InReplyTo = root.ID
	reply.Context = root.Context
	reply.IsLocal = false
	like := testObject("https://remote.example/likes/1", bob, testEpoch.Add(2*time.Minute))
	like.Type = domain.TypeLike
	like.InReplyTo = root.ID
	for _, o := range []*domain.Object{root, reply, like} {
		if err := db.InsertObject(ctx, o); err != nil {
			t.Fatalf("InsertObject failed: %v", err)
		}
	}
	now := testEpoch.Add(time.Hour)

	thread, err := db.ReadObjects(ctx, domain.ObjectFilter{Context: root.Context, Types: domain.ContentTypes, Ascending: true}, now)
	if err != nil {
		t.Fatalf("ReadObjects failed: %v", err)
	}
	if len(thread) != 2 || thread[0].ID != root.ID || thread[1].ID != reply.ID {
		t.Errorf("Expected [root, reply] in publish order, got %v", thread)
	}

	local := true
	locals, err := db.ReadObjects(ctx, domain.ObjectFilter{IsLocal: &local}, now)
	if err != nil {
		t.Fatalf("ReadObjects failed: %v", err)
	}
	if len(locals) != 2 {
		t.Errorf("Expected 2 local objects, got %d", len(locals))
	}

	empty := ""
	roots, err := db.ReadObjects(ctx, domain.ObjectFilter{InReplyTo: &empty}, now)
	if err != nil {
		t.Fatalf("ReadObjects failed: %v", err)
	}
	if len(roots) != 1 || roots[0].ID != root.ID {
		t.Errorf("Expected only the root post, got %d objects", len(roots))
	}

	page, err := db.ReadObjects(ctx, domain.ObjectFilter{Limit: 1, Offset: 1}, now)
	if err != nil {
		t.Fatalf("ReadObjects failed: %v", err)
	}
	if len(page) != 1 || page[0].ID != reply.ID {
		t.Errorf("Expected second newest object on page 2, got %v", page)
	}

	n, err := db.CountObjects(ctx, domain.ObjectFilter{Actors: []string{bob}}, now)
	if err != nil {
		t.Fatalf("CountObjects failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 objects by bob, got %d", n)
	}
}

func TestStoryExpiryExcludedFromReads(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	story := testObject("https://local.example/objects/story", "https://local.example/users/alice", testEpoch)
	story.Story = &domain.Story{Items: []domain.StoryItem{{MediaURL: "https://cdn.example/a.jpg"}}}
	if err := db.InsertObject(ctx, story); err != nil {
		t.Fatalf("InsertObject failed: %v", err)
	}

	before, _ := db.ReadObjects(ctx, domain.ObjectFilter{}, testEpoch.Add(23*time.Hour+59*time.Minute))
	if len(before) != 1 {
		t.Errorf("Expected story visible before expiry, got %d", len(before))
	}
	after, _ := db.ReadObjects(ctx, domain.ObjectFilter{}, testEpoch.Add(24*time.Hour+time.Second))
	if len(after) != 0 {
		t.Errorf("Expected story hidden after expiry, got %d", len(after))
	}
}

func TestDeleteExpiredStoriesKeepsReferenced(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := "https://local.example/users/alice"

	lonely := testObject("https://local.example/objects/s1", alice, testEpoch)
	lonely.Story = &domain.Story{Items: []domain.StoryItem{{MediaURL: "https://cdn.example/1.jpg"}}}
	answered := testObject("https://local.example/objects/s2", alice, testEpoch)
	answered.Story = &domain.Story{Items: []domain.StoryItem{{MediaURL: "https://cdn.example/2.jpg"}}}
	reply := testObject("https://local.example/objects/r", alice, testEpoch.Add(time.Hour))
	reply.InReplyTo = answered.ID
	for _, o := range []*domain.Object{lonely, answered, reply} {
		if err := db.InsertObject(ctx, o); err != nil {
			t.Fatalf("InsertObject failed: %v", err)
		}
	}

	removed, err := db.DeleteExpiredStories(ctx, testEpoch.Add(48*time.Hour), 100)
	if err != nil {
		t.Fatalf("DeleteExpiredStories failed: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != lonely.ID {
		t.Errorf("Expected only the unreferenced story reclaimed, got %d", len(removed))
	}
	if _, err := db.ReadObjectById(ctx, lonely.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected unreferenced story to be gone, got %v", err)
	}
	if _, err := db.ReadObjectById(ctx, answered.ID); err != nil {
		t.Errorf("Expected referenced story to remain, got %v", err)
	}
}

func TestMediaRefCountFloorsAtZero(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	url := "https://cdn.example/pic.png"

	if err := db.IncrementMediaRefs(ctx, []string{url, url}); err != nil {
		t.Fatalf("IncrementMediaRefs failed: %v", err)
	}
	if n, _ := db.ReadMediaRefCount(ctx, url); n != 2 {
		t.Errorf("Expected ref count 2, got %d", n)
	}
	if err := db.DecrementMediaRefs(ctx, []string{url, url, url}); err != nil {
		t.Fatalf("DecrementMediaRefs failed: %v", err)
	}
	if n, _ := db.ReadMediaRefCount(ctx, url); n != 0 {
		t.Errorf("Expected ref count floored at 0, got %d", n)
	}
}

func TestPollVotesSingleChoice(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	poll := "https://local.example/objects/poll"

	created, err := db.InsertPollVotes(ctx, poll, "https://remote.example/users/bob", []string{"yes"}, false, testEpoch)
	if err != nil || !created {
		t.Fatalf("Expected first vote to be recorded, created=%v err=%v", created, err)
	}
	created, err = db.InsertPollVotes(ctx, poll, "https://remote.example/users/bob", []string{"no"}, false, testEpoch)
	if err != nil {
		t.Fatalf("InsertPollVotes failed: %v", err)
	}
	if created {
		t.Error("Expected second single-choice vote to be ignored")
	}

	tally, err := db.CountPollVotes(ctx, poll)
	if err != nil {
		t.Fatalf("CountPollVotes failed: %v", err)
	}
	if tally["yes"] != 1 || tally["no"] != 0 {
		t.Errorf("Unexpected tally %v", tally)
	}
}

func TestCreateRelationshipIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rel := &domain.Relationship{
		Direction:    domain.Outbound,
		SubjectActor: "https://local.example/users/alice",
		ObjectActor:  "https://remote.example/users/bob",
		ActivityID:   "https://local.example/activities/follow-1",
		Status:       domain.FollowPending,
		CreatedAt:    testEpoch,
	}
	created, err := db.CreateRelationship(ctx, rel)
	if err != nil || !created {
		t.Fatalf("Expected edge to be created, created=%v err=%v", created, err)
	}
	dup := *rel
	dup.Id = uuid.Nil
	dup.ActivityID = "https://local.example/activities/follow-2"
	created, err = db.CreateRelationship(ctx, &dup)
	if err != nil {
		t.Fatalf("CreateRelationship failed: %v", err)
	}
	if created {
		t.Error("Expected duplicate edge to be ignored")
	}

	if err := db.UpdateRelationshipStatus(ctx, domain.Outbound, rel.SubjectActor, rel.ObjectActor, domain.FollowAccepted, testEpoch); err != nil {
		t.Fatalf("UpdateRelationshipStatus failed: %v", err)
	}
	got, err := db.ReadRelationshipByActivity(ctx, domain.Outbound, rel.ActivityID)
	if err != nil {
		t.Fatalf("ReadRelationshipByActivity failed: %v", err)
	}
	if got.Status != domain.FollowAccepted || got.AcceptedAt == nil {
		t.Errorf("Expected accepted edge with acceptedAt, got %s %v", got.Status, got.AcceptedAt)
	}

	following, err := db.ReadRelationshipsBySubject(ctx, domain.Outbound, rel.SubjectActor, domain.FollowAccepted)
	if err != nil {
		t.Fatalf("ReadRelationshipsBySubject failed: %v", err)
	}
	if len(following) != 1 {
		t.Errorf("Expected 1 accepted edge, got %d", len(following))
	}

	deleted, err := db.DeleteRelationship(ctx, domain.Outbound, rel.SubjectActor, rel.ObjectActor)
	if err != nil || !deleted {
		t.Errorf("Expected edge to be deleted, deleted=%v err=%v", deleted, err)
	}
	deleted, _ = db.DeleteRelationship(ctx, domain.Outbound, rel.SubjectActor, rel.ObjectActor)
	if deleted {
		t.Error("Expected second delete to find nothing")
	}
}

func TestCreateActivityDeduplicates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	activity := &domain.Activity{
		ActivityURI:  "https://remote.example/activities/1",
		ActivityType: "Follow",
		ActorURI:     "https://remote.example/users/bob",
		ObjectURI:    "https://local.example/users/alice",
		RawJSON:      `{"type":"Follow"}`,
		CreatedAt:    testEpoch,
	}
	created, err := db.CreateActivity(ctx, activity)
	if err != nil || !created {
		t.Fatalf("Expected activity to be logged, created=%v err=%v", created, err)
	}
	replay := *activity
	replay.Id = uuid.Nil
	created, err = db.CreateActivity(ctx, &replay)
	if err != nil {
		t.Fatalf("CreateActivity failed: %v", err)
	}
	if created {
		t.Error("Expected replayed activity to be ignored")
	}

	got, err := db.ReadActivityByURI(ctx, activity.ActivityURI)
	if err != nil {
		t.Fatalf("ReadActivityByURI failed: %v", err)
	}
	if got.ObjectURI != activity.ObjectURI {
		t.Errorf("Expected object uri %s, got %s", activity.ObjectURI, got.ObjectURI)
	}
}

func TestEnqueueDeliveryDeduplicates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	activity := &domain.Activity{
		ActivityURI:  "https://local.example/activities/create-1",
		ActivityType: "Create",
		ActorURI:     "https://local.example/users/alice",
		RawJSON:      `{"type":"Create"}`,
		CreatedAt:    testEpoch,
		Local:        true,
	}
	if _, err := db.CreateActivity(ctx, activity); err != nil {
		t.Fatalf("CreateActivity failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		_, err := db.EnqueueDelivery(ctx, &domain.DeliveryQueueItem{
			ActivityID:     activity.ActivityURI,
			TargetInboxURL: "https://remote.example/inbox",
			SenderActor:    activity.ActorURI,
			NextRetryAt:    testEpoch,
			CreatedAt:      testEpoch,
		})
		if err != nil {
			t.Fatalf("EnqueueDelivery failed: %v", err)
		}
	}

	items, err := db.ReadDeliveriesByActivity(ctx, activity.ActivityURI)
	if err != nil {
		t.Fatalf("ReadDeliveriesByActivity failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected exactly 1 queue item, got %d", len(items))
	}
	if items[0].ActivityJSON != activity.RawJSON {
		t.Errorf("Expected activity json to be joined, got %q", items[0].ActivityJSON)
	}
}

func TestRecordDeliveryFailureDoesNotReviveRetired(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item := &domain.DeliveryQueueItem{
		ActivityID:     "https://local.example/activities/a",
		TargetInboxURL: "https://remote.example/inbox",
		SenderActor:    "https://local.example/users/alice",
		NextRetryAt:    testEpoch,
		CreatedAt:      testEpoch,
	}
	if _, err := db.EnqueueDelivery(ctx, item); err != nil {
		t.Fatalf("EnqueueDelivery failed: %v", err)
	}
	if err := db.MarkDelivered(ctx, item.Id, testEpoch); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	item.Attempts = 1
	item.LastError = "late failure"
	if err := db.RecordDeliveryFailure(ctx, item); err != nil {
		t.Fatalf("RecordDeliveryFailure failed: %v", err)
	}

	got, err := db.ReadDelivery(ctx, item.ActivityID, item.TargetInboxURL)
	if err != nil {
		t.Fatalf("ReadDelivery failed: %v", err)
	}
	if got.Status != domain.DeliveryDelivered {
		t.Errorf("Expected delivered item to stay delivered, got %s", got.Status)
	}

	pending, err := db.ReadPendingDeliveries(ctx, testEpoch.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending items, got %d", len(pending))
	}
}
