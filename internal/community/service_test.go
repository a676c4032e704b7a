package community_test

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
	"github.com/MarcoPoloResearchLab/forumsync/internal/community"
	"github.com/MarcoPoloResearchLab/forumsync/internal/coordinator"
	"github.com/MarcoPoloResearchLab/forumsync/internal/database"
	"github.com/MarcoPoloResearchLab/forumsync/internal/derived"
	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"go.uber.org/zap"
)

type sequence struct{ next int }

func (s *sequence) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("e%04d", s.next), nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newService(t *testing.T) (*community.Service, *cache.Store) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store, err := cache.NewStore(context.Background(), cache.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	dispatcher := bus.NewDispatcher(bus.DispatcherConfig{})
	t.Cleanup(dispatcher.Close)
	clock := &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}

	instance, err := coordinator.New(coordinator.Config{Store: store, Bus: dispatcher, IDs: &sequence{}, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	catalog, err := derived.DefaultCatalog()
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	engine, err := derived.New(derived.Config{Coordinator: instance, Store: store, Catalog: catalog, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	instance.SetDeriver(engine)

	service, err := community.NewService(community.ServiceConfig{Coordinator: instance, Store: store, Catalog: catalog, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	for _, id := range []string{"alice", "bob", "carol"} {
		if _, err := instance.Apply(context.Background(), forum.NewCreate(forum.CollectionUsers, forum.Document{"id": id, "username": id})); err != nil {
			t.Fatalf("seed user failed: %v", err)
		}
	}
	return service, store
}

func mustPost(t *testing.T, service *community.Service, authorID, title string) string {
	t.Helper()
	applied, err := service.CreatePost(context.Background(), community.PostInput{BoardID: "free", AuthorID: authorID, Title: title, Content: "body"})
	if err != nil {
		t.Fatalf("create post failed: %v", err)
	}
	return applied.Entity.ID()
}

func TestCreatePostValidatesBoard(t *testing.T) {
	service, _ := newService(t)
	_, err := service.CreatePost(context.Background(), community.PostInput{BoardID: "nope", AuthorID: "alice", Title: "t"})
	var validationErr *forum.ValidationError
	if !errors.As(err, &validationErr) || validationErr.Reason != "unknown_board" {
		t.Fatalf("expected unknown board, got %v", err)
	}
	if len(service.Boards()) != 4 {
		t.Fatalf("expected seeded boards")
	}
}

func TestCreateRejectsUnknownAuthor(t *testing.T) {
	service, store := newService(t)
	ctx := context.Background()

	_, err := service.CreatePost(ctx, community.PostInput{BoardID: "free", AuthorID: "ghost", Title: "orphan"})
	var validationErr *forum.ValidationError
	if !errors.As(err, &validationErr) || validationErr.Field != "author_id" {
		t.Fatalf("expected unknown author, got %v", err)
	}
	if store.Read(forum.CollectionPosts).Len() != 0 {
		t.Fatalf("rejected post must not be stored")
	}

	postID := mustPost(t, service, "alice", "hello")
	if _, err := service.CreateComment(ctx, community.CommentInput{PostID: postID, AuthorID: "ghost", Content: "x"}); !errors.As(err, &validationErr) {
		t.Fatalf("expected unknown comment author, got %v", err)
	}
	if store.Read(forum.CollectionComments).Len() != 0 {
		t.Fatalf("rejected comment must not be stored")
	}
}

func TestPostsNewestFirstWithoutBlockedAuthors(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()
	mustPost(t, service, "alice", "first")
	mustPost(t, service, "bob", "second")
	mustPost(t, service, "alice", "third")

	posts := service.Posts("free", "carol")
	if len(posts) != 3 || posts[0].Title != "third" || posts[2].Title != "first" {
		t.Fatalf("unexpected order %+v", posts)
	}

	if err := service.BlockUser(ctx, "carol", "alice"); err != nil {
		t.Fatalf("block failed: %v", err)
	}
	if err := service.BlockUser(ctx, "carol", "alice"); err != nil {
		t.Fatalf("repeated block failed: %v", err)
	}
	if err := service.BlockUser(ctx, "carol", "carol"); err == nil {
		t.Fatalf("expected self block to be rejected")
	}
	posts = service.Posts("", "carol")
	if len(posts) != 1 || posts[0].AuthorID != "bob" {
		t.Fatalf("blocked author still visible: %+v", posts)
	}
}

func TestCommentsRepliesAndCascade(t *testing.T) {
	service, store := newService(t)
	ctx := context.Background()
	postID := mustPost(t, service, "alice", "thread")

	top, err := service.CreateComment(ctx, community.CommentInput{PostID: postID, AuthorID: "bob", Content: "top"})
	if err != nil {
		t.Fatalf("comment failed: %v", err)
	}
	reply, err := service.CreateComment(ctx, community.CommentInput{PostID: postID, AuthorID: "carol", ParentID: top.Entity.ID(), Content: "reply"})
	if err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if reply.Entity.Int("depth") != 1 {
		t.Fatalf("expected depth 1, got %d", reply.Entity.Int("depth"))
	}
	if _, err := service.CreateComment(ctx, community.CommentInput{PostID: postID, AuthorID: "carol", ParentID: "ghost", Content: "x"}); err == nil {
		t.Fatalf("expected unknown parent rejection")
	}
	if _, err := service.CreateComment(ctx, community.CommentInput{PostID: "ghost", AuthorID: "carol", Content: "x"}); !errors.Is(err, forum.ErrNotFound) {
		t.Fatalf("expected missing post, got %v", err)
	}
	if got := len(service.Comments(postID)); got != 2 {
		t.Fatalf("expected two comments, got %d", got)
	}

	if _, err := service.DeletePost(ctx, postID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if got := len(service.Comments(postID)); got != 0 {
		t.Fatalf("comments of deleted post still reachable: %d", got)
	}
	if store.Read(forum.CollectionComments).Len() != 0 {
		t.Fatalf("expected comments removed from cache")
	}
}

func TestVotePostOncePerUserAndHot(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()
	postID := mustPost(t, service, "alice", "vote me")

	post, err := service.VotePost(ctx, postID, "bob", true)
	if err != nil || post.Int("upvotes") != 1 {
		t.Fatalf("vote failed: %v %v", post, err)
	}
	_, err = service.VotePost(ctx, postID, "bob", false)
	var quotaErr *forum.QuotaError
	if !errors.As(err, &quotaErr) || quotaErr.Reason != "already_voted" {
		t.Fatalf("expected already voted, got %v", err)
	}

	for index := range 9 {
		post, err = service.VotePost(ctx, postID, fmt.Sprintf("voter-%d", index), true)
		if err != nil {
			t.Fatalf("vote %d failed: %v", index, err)
		}
	}
	if post.Int("upvotes") != 10 || !post.Bool("is_hot") {
		t.Fatalf("expected hot post, got %v", post)
	}
}

func TestScrapPost(t *testing.T) {
	service, store := newService(t)
	ctx := context.Background()
	postID := mustPost(t, service, "alice", "keep")

	if err := service.ScrapPost(ctx, "bob", postID); err != nil {
		t.Fatalf("scrap failed: %v", err)
	}
	if err := service.ScrapPost(ctx, "bob", "ghost"); !errors.Is(err, forum.ErrNotFound) {
		t.Fatalf("expected missing post, got %v", err)
	}
	bob, _ := store.Get(forum.CollectionUsers, "bob")
	if !bob.HasString("scrapped_posts", postID) {
		t.Fatalf("post not scrapped: %v", bob)
	}
}

func TestSaveWikiPageUpserts(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()

	created, err := service.SaveWikiPage(ctx, community.WikiInput{Slug: "rules", Title: "Rules", Content: "v1", EditorID: "alice"})
	if err != nil {
		t.Fatalf("create wiki failed: %v", err)
	}
	updated, err := service.SaveWikiPage(ctx, community.WikiInput{Slug: "rules", Title: "Rules", Content: "v2", EditorID: "bob"})
	if err != nil {
		t.Fatalf("update wiki failed: %v", err)
	}
	if updated.CreatedAt() != created.CreatedAt() || updated.Int("last_updated") <= created.Int("last_updated") {
		t.Fatalf("unexpected timestamps created=%v updated=%v", created, updated)
	}
	page, ok := service.WikiPage("rules")
	if !ok || page.Content != "v2" || page.LastEditor != "bob" || page.ID != "rules" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestSendChatKeepsNewestLines(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()
	for index := range forum.ChatCapacity + 5 {
		if _, err := service.SendChat(ctx, "alice", fmt.Sprintf("line %d", index)); err != nil {
			t.Fatalf("chat %d failed: %v", index, err)
		}
	}
	lines := service.Chat()
	if len(lines) != forum.ChatCapacity {
		t.Fatalf("expected %d lines, got %d", forum.ChatCapacity, len(lines))
	}
	if lines[0].Text != "line 5" || lines[0].Username != "alice" || lines[0].UserLevel != 1 {
		t.Fatalf("unexpected oldest line %+v", lines[0])
	}
	if _, err := service.SendChat(ctx, "ghost", "hi"); !errors.Is(err, forum.ErrNotFound) {
		t.Fatalf("expected unknown sender, got %v", err)
	}
}

func TestNotificationsNewestFirstAndMarkRead(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()
	postID := mustPost(t, service, "alice", "hello")
	if _, err := service.CreateComment(ctx, community.CommentInput{PostID: postID, AuthorID: "bob", Content: "hey"}); err != nil {
		t.Fatalf("comment failed: %v", err)
	}

	notifications := service.Notifications("alice")
	if len(notifications) < 2 {
		t.Fatalf("expected several notifications, got %d", len(notifications))
	}
	if notifications[0].Type != forum.NotificationComment {
		t.Fatalf("expected newest notification first, got %+v", notifications[0])
	}

	marked, err := service.MarkNotificationsRead(ctx, "alice")
	if err != nil || marked != len(notifications) {
		t.Fatalf("mark read failed: marked=%d err=%v", marked, err)
	}
	for _, notification := range service.Notifications("alice") {
		if !notification.IsRead {
			t.Fatalf("notification %s still unread", notification.ID)
		}
	}
	if again, _ := service.MarkNotificationsRead(ctx, "alice"); again != 0 {
		t.Fatalf("expected nothing left to mark, got %d", again)
	}
}
