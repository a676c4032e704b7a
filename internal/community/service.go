// Package community implements the forum actions on top of the mutation coordinator.
package community

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/derived"
	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"go.uber.org/zap"
)

const (
	opServiceNew = "community.service.new"
	hotThreshold = 10
	maxChatRunes = 500
)

var (
	errMissingCoordinator = errors.New("coordinator is required")
	errMissingStore       = errors.New("cache store is required")
	errMissingCatalog     = errors.New("catalog is required")
)

// Applier is the write path.
type Applier interface {
	Apply(ctx context.Context, mutation forum.Mutation) (forum.Applied, error)
	Transact(ctx context.Context, anchor forum.Ref, fn func(current forum.Document, exists bool) ([]forum.Mutation, error)) ([]forum.Applied, error)
}

// Reader is the read path.
type Reader interface {
	Get(collection forum.CollectionName, id string) (forum.Document, bool)
	Read(collection forum.CollectionName) forum.Snapshot
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Coordinator Applier
	Store       Reader
	Catalog     *derived.Catalog
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service exposes the forum actions. Reads come from the local cache; every write goes
// through the coordinator.
type Service struct {
	coordinator Applier
	store       Reader
	catalog     *derived.Catalog
	clock       func() time.Time
	logger      *zap.Logger
}

// NewService builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Coordinator == nil {
		return nil, forum.NewServiceError(opServiceNew, "missing_coordinator", errMissingCoordinator)
	}
	if cfg.Store == nil {
		return nil, forum.NewServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Catalog == nil {
		return nil, forum.NewServiceError(opServiceNew, "missing_catalog", errMissingCatalog)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		coordinator: cfg.Coordinator,
		store:       cfg.Store,
		catalog:     cfg.Catalog,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Boards returns the static boards.
func (s *Service) Boards() []forum.Board {
	return s.catalog.Boards()
}

// PostInput is what an author submits.
type PostInput struct {
	BoardID  string
	AuthorID string
	Category string
	Title    string
	Content  string
	Images   []string
	Poll     *forum.Poll
}

// CreatePost publishes a post on a known board.
func (s *Service) CreatePost(ctx context.Context, input PostInput) (forum.Applied, error) {
	if !s.boardExists(input.BoardID) {
		return forum.Applied{}, &forum.ValidationError{Collection: forum.CollectionPosts, Field: "board_id", Reason: "unknown_board"}
	}
	if !s.userExists(input.AuthorID) {
		return forum.Applied{}, &forum.ValidationError{Collection: forum.CollectionPosts, Field: "author_id", Reason: "unknown_author"}
	}
	doc, err := forum.EncodeDocument(forum.Post{
		BoardID:  strings.TrimSpace(input.BoardID),
		AuthorID: strings.TrimSpace(input.AuthorID),
		Category: strings.TrimSpace(input.Category),
		Title:    strings.TrimSpace(input.Title),
		Content:  input.Content,
		Images:   input.Images,
		Poll:     input.Poll,
	})
	if err != nil {
		return forum.Applied{}, err
	}
	for key, value := range doc {
		if value == nil {
			delete(doc, key)
		}
	}
	delete(doc, forum.FieldID)
	delete(doc, forum.FieldCreatedAt)
	return s.coordinator.Apply(ctx, forum.NewCreate(forum.CollectionPosts, doc))
}

func (s *Service) userExists(userID string) bool {
	_, ok := s.store.Get(forum.CollectionUsers, strings.TrimSpace(userID))
	return ok
}

// CommentInput is what a commenter submits.
type CommentInput struct {
	PostID   string
	AuthorID string
	ParentID string
	Content  string
}

// CreateComment adds a comment, or a reply when ParentID names a comment of the same post.
func (s *Service) CreateComment(ctx context.Context, input CommentInput) (forum.Applied, error) {
	if _, ok := s.store.Get(forum.CollectionPosts, input.PostID); !ok {
		return forum.Applied{}, fmt.Errorf("%w: %s", forum.ErrNotFound, forum.Ref{Collection: forum.CollectionPosts, ID: input.PostID})
	}
	if !s.userExists(input.AuthorID) {
		return forum.Applied{}, &forum.ValidationError{Collection: forum.CollectionComments, Field: "author_id", Reason: "unknown_author"}
	}
	doc := forum.Document{
		"post_id":   strings.TrimSpace(input.PostID),
		"author_id": strings.TrimSpace(input.AuthorID),
		"content":   input.Content,
		"depth":     int64(0),
	}
	if parentID := strings.TrimSpace(input.ParentID); parentID != "" {
		parent, ok := s.store.Get(forum.CollectionComments, parentID)
		if !ok || parent.String("post_id") != input.PostID {
			return forum.Applied{}, &forum.ValidationError{Collection: forum.CollectionComments, Field: "parent_id", Reason: "unknown_parent"}
		}
		doc["parent_id"] = parentID
		doc["depth"] = parent.Int("depth") + 1
	}
	return s.coordinator.Apply(ctx, forum.NewCreate(forum.CollectionComments, doc))
}

// DeletePost removes a post together with its comments.
func (s *Service) DeletePost(ctx context.Context, postID string) (forum.Applied, error) {
	return s.coordinator.Apply(ctx, forum.NewDelete(forum.CollectionPosts, postID))
}

// ViewPost counts one view.
func (s *Service) ViewPost(ctx context.Context, postID string) (forum.Applied, error) {
	return s.coordinator.Apply(ctx, forum.NewIncrement(forum.CollectionPosts, postID, map[string]int64{"view_count": 1}))
}

// VotePost records one vote per user. A post becomes hot once it has enough upvotes.
func (s *Service) VotePost(ctx context.Context, postID, userID string, up bool) (forum.Document, error) {
	ref := forum.Ref{Collection: forum.CollectionPosts, ID: postID}
	results, err := s.coordinator.Transact(ctx, ref, func(current forum.Document, exists bool) ([]forum.Mutation, error) {
		if !exists {
			return nil, fmt.Errorf("%w: %s", forum.ErrNotFound, ref)
		}
		if current.HasString("liked_users", userID) {
			return nil, &forum.QuotaError{Action: "vote", Reason: "already_voted"}
		}
		field := "downvotes"
		if up {
			field = "upvotes"
		}
		patch := forum.Document{"liked_users": append(current.Strings("liked_users"), userID)}
		if up && current.Int("upvotes")+1 >= hotThreshold {
			patch["is_hot"] = true
		}
		return []forum.Mutation{
			forum.NewIncrement(forum.CollectionPosts, postID, map[string]int64{field: 1}),
			forum.NewUpdate(forum.CollectionPosts, postID, patch),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return results[len(results)-1].Entity, nil
}

// BlockUser adds target to the blocker's block list. Blocking twice is a no-op.
func (s *Service) BlockUser(ctx context.Context, blockerID, targetID string) error {
	if strings.TrimSpace(targetID) == "" || blockerID == targetID {
		return &forum.ValidationError{Collection: forum.CollectionUsers, Field: "blocked_users", Reason: "invalid_target"}
	}
	return s.addToUserSet(ctx, blockerID, "blocked_users", targetID)
}

// ScrapPost bookmarks a post for the user.
func (s *Service) ScrapPost(ctx context.Context, userID, postID string) error {
	if _, ok := s.store.Get(forum.CollectionPosts, postID); !ok {
		return fmt.Errorf("%w: %s", forum.ErrNotFound, forum.Ref{Collection: forum.CollectionPosts, ID: postID})
	}
	return s.addToUserSet(ctx, userID, "scrapped_posts", postID)
}

func (s *Service) addToUserSet(ctx context.Context, userID, field, value string) error {
	ref := forum.Ref{Collection: forum.CollectionUsers, ID: userID}
	_, err := s.coordinator.Transact(ctx, ref, func(current forum.Document, exists bool) ([]forum.Mutation, error) {
		if !exists {
			return nil, fmt.Errorf("%w: %s", forum.ErrNotFound, ref)
		}
		if current.HasString(field, value) {
			return nil, nil
		}
		return []forum.Mutation{
			forum.NewUpdate(forum.CollectionUsers, userID, forum.Document{field: append(current.Strings(field), value)}),
		}, nil
	})
	return err
}

// WikiInput is one edit of a wiki page.
type WikiInput struct {
	Slug     string
	Title    string
	Content  string
	EditorID string
}

// SaveWikiPage creates or replaces the page stored under the slug.
func (s *Service) SaveWikiPage(ctx context.Context, input WikiInput) (forum.Document, error) {
	slug := strings.TrimSpace(input.Slug)
	ref := forum.Ref{Collection: forum.CollectionWiki, ID: slug}
	now := s.clock().UTC().UnixMilli()
	results, err := s.coordinator.Transact(ctx, ref, func(_ forum.Document, exists bool) ([]forum.Mutation, error) {
		fields := forum.Document{
			"title":        strings.TrimSpace(input.Title),
			"content":      input.Content,
			"last_updated": now,
			"last_editor":  input.EditorID,
		}
		if exists {
			return []forum.Mutation{forum.NewUpdate(forum.CollectionWiki, slug, fields)}, nil
		}
		fields["slug"] = slug
		return []forum.Mutation{forum.NewCreate(forum.CollectionWiki, fields)}, nil
	})
	if err != nil {
		return nil, err
	}
	return results[0].Entity, nil
}

// WikiPage looks a page up by slug.
func (s *Service) WikiPage(slug string) (forum.WikiPage, bool) {
	doc, ok := s.store.Get(forum.CollectionWiki, strings.TrimSpace(slug))
	if !ok {
		return forum.WikiPage{}, false
	}
	page, err := forum.DecodeDocument[forum.WikiPage](doc)
	return page, err == nil
}

// SendChat appends a chat line stamped with the sender's name and level. The chat keeps
// only the newest lines.
func (s *Service) SendChat(ctx context.Context, userID, text string) (forum.Applied, error) {
	trimmed := strings.TrimSpace(text)
	if runes := []rune(trimmed); len(runes) > maxChatRunes {
		trimmed = string(runes[:maxChatRunes])
	}
	user, ok := s.store.Get(forum.CollectionUsers, userID)
	if !ok {
		return forum.Applied{}, fmt.Errorf("%w: %s", forum.ErrNotFound, forum.Ref{Collection: forum.CollectionUsers, ID: userID})
	}
	return s.coordinator.Apply(ctx, forum.NewCreate(forum.CollectionChat, forum.Document{
		"user_id":    userID,
		"username":   user.String("username"),
		"user_level": user.Int("level"),
		"text":       trimmed,
	}))
}

// Chat returns the chat lines oldest first.
func (s *Service) Chat() []forum.ChatMessage {
	return decodeAll[forum.ChatMessage](s.logger, s.store.Read(forum.CollectionChat).Documents)
}

// MarkNotificationsRead marks every unread notification of the user and returns how many
// changed.
func (s *Service) MarkNotificationsRead(ctx context.Context, userID string) (int, error) {
	marked := 0
	for _, doc := range s.store.Read(forum.CollectionNotifications).Documents {
		if doc.String("user_id") != userID || doc.Bool("is_read") {
			continue
		}
		if _, err := s.coordinator.Apply(ctx, forum.NewUpdate(forum.CollectionNotifications, doc.ID(), forum.Document{"is_read": true})); err != nil {
			if errors.Is(err, forum.ErrNotFound) {
				continue
			}
			return marked, err
		}
		marked++
	}
	return marked, nil
}

// Notifications lists the user's notifications, newest first.
func (s *Service) Notifications(userID string) []forum.Notification {
	var owned []forum.Document
	for _, doc := range s.store.Read(forum.CollectionNotifications).Documents {
		if doc.String("user_id") == userID {
			owned = append(owned, doc)
		}
	}
	reverse(owned)
	sort.SliceStable(owned, func(i, j int) bool { return owned[i].CreatedAt() > owned[j].CreatedAt() })
	return decodeAll[forum.Notification](s.logger, owned)
}

// Posts lists a board newest first, hiding authors the viewer blocked. An empty boardID
// lists every board.
func (s *Service) Posts(boardID, viewerID string) []forum.Post {
	var blocked []string
	if viewer, ok := s.store.Get(forum.CollectionUsers, viewerID); ok {
		blocked = viewer.Strings("blocked_users")
	}
	var visible []forum.Document
	for _, doc := range s.store.Read(forum.CollectionPosts).Documents {
		if boardID != "" && doc.String("board_id") != boardID {
			continue
		}
		if slices.Contains(blocked, doc.String("author_id")) {
			continue
		}
		visible = append(visible, doc)
	}
	reverse(visible)
	sort.SliceStable(visible, func(i, j int) bool { return visible[i].CreatedAt() > visible[j].CreatedAt() })
	return decodeAll[forum.Post](s.logger, visible)
}

// Comments lists the comments of a post in the order they were written.
func (s *Service) Comments(postID string) []forum.Comment {
	var matching []forum.Document
	for _, doc := range s.store.Read(forum.CollectionComments).Documents {
		if doc.String("post_id") == postID {
			matching = append(matching, doc)
		}
	}
	return decodeAll[forum.Comment](s.logger, matching)
}

func (s *Service) boardExists(boardID string) bool {
	for _, board := range s.catalog.Boards() {
		if board.Slug == boardID || board.ID == boardID {
			return true
		}
	}
	return false
}

func decodeAll[T any](logger *zap.Logger, docs []forum.Document) []T {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		value, err := forum.DecodeDocument[T](doc)
		if err != nil {
			logger.Warn("skipping malformed entity", zap.String("id", doc.ID()), zap.Error(err))
			continue
		}
		out = append(out, value)
	}
	return out
}

func reverse(docs []forum.Document) {
	for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
		docs[i], docs[j] = docs[j], docs[i]
	}
}
