// Package derived turns committed primary mutations into their secondary effects:
// rewards, counters, quests, achievements, level-ups and notifications.
package derived

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"go.uber.org/zap"
)

const opEngineNew = "derived.engine.new"

var (
	errMissingCoordinator = errors.New("coordinator is required")
	errMissingReader      = errors.New("cache reader is required")
)

// Applier is the write path of the engine.
type Applier interface {
	Apply(ctx context.Context, mutation forum.Mutation) (forum.Applied, error)
	Transact(ctx context.Context, anchor forum.Ref, fn func(current forum.Document, exists bool) ([]forum.Mutation, error)) ([]forum.Applied, error)
}

// Reader reads single entities from the local cache.
type Reader interface {
	Get(collection forum.CollectionName, id string) (forum.Document, bool)
}

// Config wires an Engine.
type Config struct {
	Coordinator Applier
	Store       Reader
	Catalog     *Catalog
	// Location decides where a calendar day starts for daily rules. Defaults to UTC.
	Location *time.Location
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Engine applies the derived-state rules. Every mutation it issues is marked derived,
// so it never feeds back into the engine.
type Engine struct {
	coordinator Applier
	store       Reader
	catalog     *Catalog
	location    *time.Location
	clock       func() time.Time
	logger      *zap.Logger
}

// New builds an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Coordinator == nil {
		return nil, forum.NewServiceError(opEngineNew, "missing_coordinator", errMissingCoordinator)
	}
	if cfg.Store == nil {
		return nil, forum.NewServiceError(opEngineNew, "missing_store", errMissingReader)
	}
	catalog := cfg.Catalog
	if catalog == nil {
		loaded, err := DefaultCatalog()
		if err != nil {
			return nil, forum.NewServiceError(opEngineNew, "catalog", err)
		}
		catalog = loaded
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		coordinator: cfg.Coordinator,
		store:       cfg.Store,
		catalog:     catalog,
		location:    location,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Catalog exposes the rules the engine runs on.
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// Derive runs the rules for one committed primary mutation.
func (e *Engine) Derive(ctx context.Context, applied forum.Applied) []forum.Effect {
	if applied.Mutation.Kind != forum.MutationCreate {
		return nil
	}
	switch applied.Mutation.Collection {
	case forum.CollectionPosts:
		return e.derivePost(ctx, applied.Entity)
	case forum.CollectionComments:
		return e.deriveComment(ctx, applied.Entity)
	default:
		return nil
	}
}

func (e *Engine) derivePost(ctx context.Context, post forum.Document) []forum.Effect {
	authorID := post.String("author_id")
	reward := e.catalog.Rewards.Post

	effects := e.reward(ctx, "post_reward", authorID, map[string]int64{
		"points":            reward.Points,
		"exp":               reward.Exp,
		"quests.post_count": 1,
	})
	if effects[0].Err != nil {
		return effects
	}
	effects = append(effects, e.dailyPost(ctx, authorID, post))
	return append(effects, e.EvaluateProgress(ctx, authorID)...)
}

func (e *Engine) deriveComment(ctx context.Context, comment forum.Document) []forum.Effect {
	authorID := comment.String("author_id")
	postID := comment.String("post_id")
	var effects []forum.Effect

	_, err := e.coordinator.Apply(ctx, forum.NewIncrement(forum.CollectionPosts, postID, map[string]int64{"comment_count": 1}).Derived())
	effects = append(effects, forum.Effect{Name: "post_comment_count", Err: err})

	reward := e.catalog.Rewards.Comment
	deltas := map[string]int64{"exp": reward.Exp, "quests.comment_count": 1}
	if reward.Points != 0 {
		deltas["points"] = reward.Points
	}
	effects = append(effects, e.reward(ctx, "comment_reward", authorID, deltas)...)

	post, ok := e.store.Get(forum.CollectionPosts, postID)
	if ok {
		postAuthor := post.String("author_id")
		link := fmt.Sprintf("/board/%s/%s", post.String("board_id"), postID)
		if postAuthor != "" && postAuthor != authorID {
			effects = append(effects, e.notify(ctx, "comment_notification", postAuthor, forum.NotificationComment,
				"Someone commented on your post.", link))
		}
		if parentID := comment.String("parent_id"); parentID != "" {
			if parent, found := e.store.Get(forum.CollectionComments, parentID); found {
				parentAuthor := parent.String("author_id")
				if parentAuthor != "" && parentAuthor != authorID && parentAuthor != postAuthor {
					effects = append(effects, e.notify(ctx, "reply_notification", parentAuthor, forum.NotificationReply,
						"Someone replied to your comment.", link))
				}
			}
		}
	}

	return append(effects, e.EvaluateProgress(ctx, authorID)...)
}

// reward increments the user's counters and reports a level-up when the increment
// crossed into a new level. The first effect is always the increment itself.
func (e *Engine) reward(ctx context.Context, name, userID string, deltas map[string]int64) []forum.Effect {
	applied, err := e.coordinator.Apply(ctx, forum.NewIncrement(forum.CollectionUsers, userID, deltas).Derived())
	effects := []forum.Effect{{Name: name, Err: err}}
	if err != nil {
		return effects
	}
	if effect, ok := e.levelUp(ctx, applied); ok {
		effects = append(effects, effect)
	}
	return effects
}

// levelUp compares the level before and after one committed user write. Writes to the
// same user are serialized, so each crossing is observed by exactly one write.
func (e *Engine) levelUp(ctx context.Context, applied forum.Applied) (forum.Effect, bool) {
	before := applied.Previous.Int("level")
	after := applied.Entity.Int("level")
	if applied.Previous == nil || after <= before {
		return forum.Effect{}, false
	}
	return e.notify(ctx, "level_up", applied.Entity.ID(), forum.NotificationLevelUp,
		fmt.Sprintf("Level up! You reached level %d.", after), "/mypage"), true
}

func (e *Engine) dailyPost(ctx context.Context, userID string, post forum.Document) forum.Effect {
	today := e.today()
	link := fmt.Sprintf("/board/%s/%s", post.String("board_id"), post.ID())
	_, err := e.coordinator.Transact(ctx, userRef(userID), func(current forum.Document, exists bool) ([]forum.Mutation, error) {
		if !exists {
			return nil, fmt.Errorf("%w: %s", forum.ErrNotFound, userRef(userID))
		}
		if current.String("last_post_day") == today {
			return nil, nil
		}
		return []forum.Mutation{
			forum.NewUpdate(forum.CollectionUsers, userID, forum.Document{"last_post_day": today}).Derived(),
			notification(userID, forum.NotificationDailyPost, "First post of the day!", link),
		}, nil
	})
	return forum.Effect{Name: "daily_post", Err: err}
}

func (e *Engine) notify(ctx context.Context, name, userID, kind, message, link string) forum.Effect {
	_, err := e.coordinator.Apply(ctx, notification(userID, kind, message, link))
	return forum.Effect{Name: name, Err: err}
}

func notification(userID, kind, message, link string) forum.Mutation {
	return forum.NewCreate(forum.CollectionNotifications, forum.Document{
		"user_id": userID,
		"type":    kind,
		"message": message,
		"link":    link,
		"is_read": false,
	}).Derived()
}

func (e *Engine) today() string {
	return e.clock().In(e.location).Format(time.DateOnly)
}

func userRef(userID string) forum.Ref {
	return forum.Ref{Collection: forum.CollectionUsers, ID: userID}
}
