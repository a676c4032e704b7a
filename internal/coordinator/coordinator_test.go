package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/bus"
	"github.com/MarcoPoloResearchLab/forumsync/internal/cache"
	"github.com/MarcoPoloResearchLab/forumsync/internal/coordinator"
	"github.com/MarcoPoloResearchLab/forumsync/internal/database"
	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"go.uber.org/zap"
)

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("id-%03d", s.next), nil
}

type recordingBus struct {
	mu            sync.Mutex
	notifications []bus.Notification
}

func (b *recordingBus) Publish(notification bus.Notification) {
	b.mu.Lock()
	b.notifications = append(b.notifications, notification)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(bus.Handler) func() { return func() {} }

func (b *recordingBus) published() []bus.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bus.Notification(nil), b.notifications...)
}

type recordingQueue struct {
	mu      sync.Mutex
	changes []forum.Change
}

func (q *recordingQueue) Enqueue(change forum.Change) bool {
	q.mu.Lock()
	q.changes = append(q.changes, change)
	q.mu.Unlock()
	return true
}

func (q *recordingQueue) enqueued() []forum.Change {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]forum.Change(nil), q.changes...)
}

type failingStore struct {
	*cache.Store
	fail bool
}

func (s *failingStore) Apply(ctx context.Context, ops []cache.Op) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Apply(ctx, ops)
}

type fixture struct {
	store       *cache.Store
	bus         *recordingBus
	queue       *recordingQueue
	coordinator *coordinator.Coordinator
}

func newCacheStore(t *testing.T) *cache.Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store, err := cache.NewStore(context.Background(), cache.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := newCacheStore(t)
	return newFixtureWithStore(t, store, store)
}

func newFixtureWithStore(t *testing.T, store *cache.Store, committer coordinator.Store) fixture {
	t.Helper()
	events := &recordingBus{}
	queue := &recordingQueue{}
	instance, err := coordinator.New(coordinator.Config{
		Store:  committer,
		Bus:    events,
		Pushes: queue,
		IDs:    &sequentialIDs{},
		Origin: "tab-a",
		Clock:  func() time.Time { return time.UnixMilli(1700000000000) },
	})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return fixture{store: store, bus: events, queue: queue, coordinator: instance}
}

func seedUser(t *testing.T, f fixture, id string, points int64) {
	t.Helper()
	if _, err := f.coordinator.Apply(context.Background(), forum.NewCreate(forum.CollectionUsers, forum.Document{"id": id, "username": id, "points": points})); err != nil {
		t.Fatalf("seed user %s failed: %v", id, err)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := coordinator.New(coordinator.Config{})
	var serviceErr *forum.ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "coordinator.new.missing_cache" {
		t.Fatalf("expected missing cache error, got %v", err)
	}
}

func TestApplyCreateIsReadableAndAnnounced(t *testing.T) {
	f := newFixture(t)
	applied, err := f.coordinator.Apply(context.Background(), forum.NewCreate(forum.CollectionPosts, forum.Document{
		"board_id": "free", "author_id": "alice", "title": "hello",
	}))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if applied.Entity.ID() != "id-001" {
		t.Fatalf("expected generated id, got %q", applied.Entity.ID())
	}
	if applied.Entity.CreatedAt() != 1700000000000 {
		t.Fatalf("expected created_at from clock, got %d", applied.Entity.CreatedAt())
	}
	if applied.Entity.Int("comment_count") != 0 {
		t.Fatalf("expected normalized counters")
	}

	stored, ok := f.store.Get(forum.CollectionPosts, "id-001")
	if !ok || stored.String("title") != "hello" {
		t.Fatalf("expected read-your-writes, got %v", stored)
	}
	published := f.bus.published()
	if len(published) != 1 || published[0].Kind != bus.KindCreated || published[0].Origin != "tab-a" {
		t.Fatalf("unexpected notifications %+v", published)
	}
	enqueued := f.queue.enqueued()
	if len(enqueued) != 1 || enqueued[0].Entity.String("title") != "hello" {
		t.Fatalf("expected full entity pushed, got %+v", enqueued)
	}
}

func TestApplyValidationFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator.Apply(context.Background(), forum.NewCreate(forum.CollectionPosts, forum.Document{"board_id": "free", "author_id": "alice"}))
	var validationErr *forum.ValidationError
	if !errors.As(err, &validationErr) || validationErr.Field != "title" {
		t.Fatalf("expected title validation error, got %v", err)
	}
	if f.store.Read(forum.CollectionPosts).Len() != 0 || len(f.bus.published()) != 0 || len(f.queue.enqueued()) != 0 {
		t.Fatalf("validation failure leaked state")
	}
}

func TestApplyDuplicateCreateIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	create := forum.NewCreate(forum.CollectionComments, forum.Document{"id": "c1", "post_id": "p1", "author_id": "bob", "content": "first"})
	if _, err := f.coordinator.Apply(ctx, create); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	again := forum.NewCreate(forum.CollectionComments, forum.Document{"id": "c1", "post_id": "p1", "author_id": "bob", "content": "second"})
	applied, err := f.coordinator.Apply(ctx, again)
	if err != nil {
		t.Fatalf("duplicate create failed: %v", err)
	}
	if !applied.Duplicate || applied.Entity.String("content") != "first" {
		t.Fatalf("expected duplicate returning stored entity, got %+v", applied)
	}
	if len(f.queue.enqueued()) != 1 {
		t.Fatalf("duplicate must not push")
	}
}

func TestApplyUpdateMergesFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f, "alice", 0)

	applied, err := f.coordinator.Apply(ctx, forum.NewUpdate(forum.CollectionUsers, "alice", forum.Document{"avatar_url": "a.png"}))
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if applied.Entity.String("username") != "alice" || applied.Entity.String("avatar_url") != "a.png" {
		t.Fatalf("expected merged entity, got %v", applied.Entity)
	}
	if applied.Previous.String("avatar_url") != "" {
		t.Fatalf("expected previous state, got %v", applied.Previous)
	}

	_, err = f.coordinator.Apply(ctx, forum.NewUpdate(forum.CollectionUsers, "alice", forum.Document{"points": int64(999)}))
	var validationErr *forum.ValidationError
	if !errors.As(err, &validationErr) || validationErr.Reason != "protected" {
		t.Fatalf("expected protected field rejection, got %v", err)
	}

	_, err = f.coordinator.Apply(ctx, forum.NewUpdate(forum.CollectionUsers, "ghost", forum.Document{"avatar_url": "x"}))
	if !errors.Is(err, forum.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestApplyIncrement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f, "alice", 10)

	applied, err := f.coordinator.Apply(ctx, forum.NewIncrement(forum.CollectionUsers, "alice", map[string]int64{
		"exp": 120, "quests.post_count": 1,
	}))
	if err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if applied.Entity.Int("exp") != 120 || applied.Entity.Int("quests.post_count") != 1 {
		t.Fatalf("unexpected entity %v", applied.Entity)
	}
	if applied.Entity.Int("level") != 2 {
		t.Fatalf("expected level recomputed to 2, got %d", applied.Entity.Int("level"))
	}

	_, err = f.coordinator.Apply(ctx, forum.NewIncrement(forum.CollectionUsers, "alice", map[string]int64{"points": -11}))
	var quotaErr *forum.QuotaError
	if !errors.As(err, &quotaErr) || quotaErr.Available != 10 {
		t.Fatalf("expected quota error, got %v", err)
	}
	stored, _ := f.store.Get(forum.CollectionUsers, "alice")
	if stored.Int("points") != 10 {
		t.Fatalf("failed increment changed points to %d", stored.Int("points"))
	}

	_, err = f.coordinator.Apply(ctx, forum.NewIncrement(forum.CollectionUsers, "alice", map[string]int64{"username": 1}))
	var validationErr *forum.ValidationError
	if !errors.As(err, &validationErr) || validationErr.Reason != "not_numeric" {
		t.Fatalf("expected not numeric rejection, got %v", err)
	}
}

func TestApplyDeleteCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mustApply := func(m forum.Mutation) {
		t.Helper()
		if _, err := f.coordinator.Apply(ctx, m); err != nil {
			t.Fatalf("apply %s failed: %v", m.Ref(), err)
		}
	}
	mustApply(forum.NewCreate(forum.CollectionPosts, forum.Document{"id": "p1", "board_id": "free", "author_id": "alice", "title": "t"}))
	mustApply(forum.NewCreate(forum.CollectionPosts, forum.Document{"id": "p2", "board_id": "free", "author_id": "alice", "title": "t"}))
	mustApply(forum.NewCreate(forum.CollectionComments, forum.Document{"id": "c1", "post_id": "p1", "author_id": "bob", "content": "x"}))
	mustApply(forum.NewCreate(forum.CollectionComments, forum.Document{"id": "c2", "post_id": "p1", "parent_id": "c1", "author_id": "carol", "content": "y"}))
	mustApply(forum.NewCreate(forum.CollectionComments, forum.Document{"id": "c3", "post_id": "p2", "author_id": "bob", "content": "z"}))

	applied, err := f.coordinator.Apply(ctx, forum.NewDelete(forum.CollectionPosts, "p1"))
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !applied.Removed || len(applied.Cascaded) != 2 {
		t.Fatalf("expected two cascaded comments, got %+v", applied.Cascaded)
	}
	if _, ok := f.store.Get(forum.CollectionPosts, "p1"); ok {
		t.Fatalf("post still readable")
	}
	remaining := f.store.Read(forum.CollectionComments).IDs()
	if len(remaining) != 1 || remaining[0] != "c3" {
		t.Fatalf("expected only c3 to remain, got %v", remaining)
	}

	removedRemotely := 0
	for _, change := range f.queue.enqueued() {
		if change.Removed() {
			removedRemotely++
		}
	}
	if removedRemotely != 3 {
		t.Fatalf("expected three remote deletes, got %d", removedRemotely)
	}

	again, err := f.coordinator.Apply(ctx, forum.NewDelete(forum.CollectionPosts, "p1"))
	if err != nil || again.Removed {
		t.Fatalf("expected delete of missing id to be a no-op, got %+v %v", again, err)
	}
}

func TestApplyDeleteFailureIsCascadeError(t *testing.T) {
	store := newCacheStore(t)
	committer := &failingStore{Store: store}
	f := newFixtureWithStore(t, store, committer)
	ctx := context.Background()
	if _, err := f.coordinator.Apply(ctx, forum.NewCreate(forum.CollectionPosts, forum.Document{"id": "p1", "board_id": "free", "author_id": "alice", "title": "t"})); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := f.coordinator.Apply(ctx, forum.NewCreate(forum.CollectionComments, forum.Document{"id": "c1", "post_id": "p1", "author_id": "bob", "content": "x"})); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	committer.fail = true
	_, err := f.coordinator.Apply(ctx, forum.NewDelete(forum.CollectionPosts, "p1"))
	var cascadeErr *forum.CascadeError
	if !errors.As(err, &cascadeErr) || cascadeErr.Ref.ID != "p1" {
		t.Fatalf("expected cascade error, got %v", err)
	}
	if _, ok := store.Get(forum.CollectionPosts, "p1"); !ok {
		t.Fatalf("post removed despite failure")
	}
	if _, ok := store.Get(forum.CollectionComments, "c1"); !ok {
		t.Fatalf("comment removed despite failure")
	}
}

func TestApplyChatCapacityEvictsOldest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	total := forum.ChatCapacity + 2
	for index := 0; index < total; index++ {
		_, err := f.coordinator.Apply(ctx, forum.NewCreate(forum.CollectionChat, forum.Document{
			"id": fmt.Sprintf("m%02d", index), "user_id": "alice", "text": "hi",
		}))
		if err != nil {
			t.Fatalf("chat %d failed: %v", index, err)
		}
	}
	ids := f.store.Read(forum.CollectionChat).IDs()
	if len(ids) != forum.ChatCapacity {
		t.Fatalf("expected %d messages, got %d", forum.ChatCapacity, len(ids))
	}
	if ids[0] != "m02" || ids[len(ids)-1] != fmt.Sprintf("m%02d", total-1) {
		t.Fatalf("expected oldest evicted, got first=%s last=%s", ids[0], ids[len(ids)-1])
	}
}

func TestApplyWikiUsesSlugAsID(t *testing.T) {
	f := newFixture(t)
	applied, err := f.coordinator.Apply(context.Background(), forum.NewCreate(forum.CollectionWiki, forum.Document{"slug": "rules", "title": "Rules"}))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if applied.Entity.ID() != "rules" {
		t.Fatalf("expected slug id, got %q", applied.Entity.ID())
	}
}

func TestApplySerializesSameKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.coordinator.Apply(ctx, forum.NewCreate(forum.CollectionPosts, forum.Document{"id": "p1", "board_id": "free", "author_id": "alice", "title": "t"})); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	const workers = 40
	var wait sync.WaitGroup
	for range workers {
		wait.Add(1)
		go func() {
			defer wait.Done()
			if _, err := f.coordinator.Apply(ctx, forum.NewIncrement(forum.CollectionPosts, "p1", map[string]int64{"view_count": 1})); err != nil {
				t.Errorf("increment failed: %v", err)
			}
		}()
	}
	wait.Wait()

	stored, _ := f.store.Get(forum.CollectionPosts, "p1")
	if stored.Int("view_count") != workers {
		t.Fatalf("expected %d views, got %d", workers, stored.Int("view_count"))
	}
}

type echoDeriver struct {
	coordinator *coordinator.Coordinator
	mu          sync.Mutex
	seen        []forum.Ref
}

func (d *echoDeriver) Derive(ctx context.Context, applied forum.Applied) []forum.Effect {
	d.mu.Lock()
	d.seen = append(d.seen, applied.Mutation.Ref())
	d.mu.Unlock()
	authorID := applied.Entity.String("author_id")
	if authorID == "" {
		return nil
	}
	_, err := d.coordinator.Apply(ctx, forum.NewIncrement(forum.CollectionUsers, authorID, map[string]int64{"exp": 10}).Derived())
	return []forum.Effect{{Name: "reward", Err: err}}
}

func TestDeriverRunsOneHop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f, "alice", 0)
	deriver := &echoDeriver{coordinator: f.coordinator}
	f.coordinator.SetDeriver(deriver)

	applied, err := f.coordinator.Apply(ctx, forum.NewCreate(forum.CollectionPosts, forum.Document{"id": "p1", "board_id": "free", "author_id": "alice", "title": "t"}))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(applied.Effects) != 1 || applied.Effects[0].Err != nil {
		t.Fatalf("expected one successful effect, got %+v", applied.Effects)
	}
	if len(deriver.seen) != 1 {
		t.Fatalf("derived mutation reached the deriver: %v", deriver.seen)
	}
	user, _ := f.store.Get(forum.CollectionUsers, "alice")
	if user.Int("exp") != 10 {
		t.Fatalf("expected derived exp, got %d", user.Int("exp"))
	}

	_, err = f.coordinator.Apply(ctx, forum.NewCreate(forum.CollectionPosts, forum.Document{"id": "p2", "board_id": "free", "author_id": "ghost", "title": "t"}))
	if err != nil {
		t.Fatalf("primary mutation must survive a failed effect: %v", err)
	}
	if _, ok := f.store.Get(forum.CollectionPosts, "p2"); !ok {
		t.Fatalf("primary mutation rolled back")
	}
}

func TestTransactCommitsAtomically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f, "alice", 50)
	anchor := forum.Ref{Collection: forum.CollectionUsers, ID: "alice"}
	errRefused := errors.New("refused")

	_, err := f.coordinator.Transact(ctx, anchor, func(current forum.Document, exists bool) ([]forum.Mutation, error) {
		if !exists {
			t.Fatalf("anchor should exist")
		}
		return nil, errRefused
	})
	if !errors.Is(err, errRefused) {
		t.Fatalf("expected fn error, got %v", err)
	}

	_, err = f.coordinator.Transact(ctx, anchor, func(forum.Document, bool) ([]forum.Mutation, error) {
		return []forum.Mutation{
			forum.NewIncrement(forum.CollectionUsers, "alice", map[string]int64{"points": -20}),
			forum.NewIncrement(forum.CollectionUsers, "alice", map[string]int64{"points": -40}),
		}, nil
	})
	var quotaErr *forum.QuotaError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected quota error, got %v", err)
	}
	stored, _ := f.store.Get(forum.CollectionUsers, "alice")
	if stored.Int("points") != 50 {
		t.Fatalf("partial batch committed: points=%d", stored.Int("points"))
	}

	results, err := f.coordinator.Transact(ctx, anchor, func(forum.Document, bool) ([]forum.Mutation, error) {
		return []forum.Mutation{
			forum.NewIncrement(forum.CollectionUsers, "alice", map[string]int64{"points": -20}),
			forum.NewUpdate(forum.CollectionUsers, "alice", forum.Document{"inventory": []any{"gold"}}),
		}, nil
	})
	if err != nil || len(results) != 2 {
		t.Fatalf("transaction failed: %v", err)
	}
	stored, _ = f.store.Get(forum.CollectionUsers, "alice")
	if stored.Int("points") != 30 || !stored.HasString("inventory", "gold") {
		t.Fatalf("unexpected user %v", stored)
	}
}

func TestExclusiveHoldsOffCommits(t *testing.T) {
	f := newFixture(t)
	committed := make(chan error, 1)
	f.coordinator.Exclusive(func() {
		go func() {
			_, err := f.coordinator.Apply(context.Background(), forum.NewCreate(forum.CollectionUsers, forum.Document{"id": "late"}))
			committed <- err
		}()
		select {
		case <-committed:
			t.Fatalf("apply committed while exclusive section was running")
		case <-time.After(50 * time.Millisecond):
		}
		if _, ok := f.store.Get(forum.CollectionUsers, "late"); ok {
			t.Fatalf("user visible before the exclusive section ended")
		}
	})
	if err := <-committed; err != nil {
		t.Fatalf("apply failed after exclusive section: %v", err)
	}
	if _, ok := f.store.Get(forum.CollectionUsers, "late"); !ok {
		t.Fatalf("expected user after exclusive section")
	}
}
