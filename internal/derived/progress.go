package derived

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
)

// EvaluateProgress completes every quest and unlocks every achievement the user's
// current counters qualify for. It runs under the user's lock and consults the
// completion lists, so repeating it never pays twice.
func (e *Engine) EvaluateProgress(ctx context.Context, userID string) []forum.Effect {
	var effects []forum.Effect
	_, err := e.coordinator.Transact(ctx, userRef(userID), func(current forum.Document, exists bool) ([]forum.Mutation, error) {
		if !exists {
			return nil, fmt.Errorf("%w: %s", forum.ErrNotFound, userRef(userID))
		}
		var mutations []forum.Mutation
		var bonus int64

		completed := current.Strings("completed_quests")
		for _, quest := range e.catalog.Quests {
			if current.HasString("completed_quests", quest.ID) || current.Int("quests."+quest.Counter) < quest.Target {
				continue
			}
			completed = append(completed, quest.ID)
			bonus += quest.Reward
			mutations = append(mutations, notification(userID, forum.NotificationQuest,
				fmt.Sprintf("Quest complete: %s (+%d points)", quest.Name, quest.Reward), "/mypage"))
			effects = append(effects, forum.Effect{Name: "quest:" + quest.ID})
		}

		unlocked := current.Strings("achievements")
		for _, achievement := range e.catalog.Achievements {
			if current.HasString("achievements", achievement.ID) || metric(current, achievement.Metric) < achievement.Threshold {
				continue
			}
			unlocked = append(unlocked, achievement.ID)
			mutations = append(mutations, notification(userID, forum.NotificationAchievement,
				fmt.Sprintf("Achievement unlocked: %s", achievement.Name), "/mypage"))
			effects = append(effects, forum.Effect{Name: "achievement:" + achievement.ID})
		}

		if len(mutations) == 0 {
			return nil, nil
		}
		patch := forum.Document{}
		if len(completed) != len(current.Strings("completed_quests")) {
			patch["completed_quests"] = completed
		}
		if len(unlocked) != len(current.Strings("achievements")) {
			patch["achievements"] = unlocked
		}
		head := []forum.Mutation{forum.NewUpdate(forum.CollectionUsers, userID, patch).Derived()}
		if bonus > 0 {
			head = append(head, forum.NewIncrement(forum.CollectionUsers, userID, map[string]int64{"points": bonus}).Derived())
		}
		return append(head, mutations...), nil
	})
	if err != nil {
		return []forum.Effect{{Name: "progress", Err: err}}
	}
	return effects
}

func metric(user forum.Document, name string) int64 {
	switch name {
	case "level":
		return user.Int("level")
	case "inventory":
		return int64(len(user.Strings("inventory")))
	default:
		return user.Int("quests." + name)
	}
}

// PurchaseResult is the outcome of a successful purchase.
type PurchaseResult struct {
	Item    forum.ShopItem
	User    forum.Document
	Effects []forum.Effect
}

// Purchase buys and equips an item. The ownership and balance checks and the writes
// happen under the user's lock in one batch, so two rapid purchases cannot double-spend.
// Unmet preconditions return a QuotaError and leave the cache untouched.
func (e *Engine) Purchase(ctx context.Context, userID, itemID string) (PurchaseResult, error) {
	item, ok := e.catalog.Item(itemID)
	if !ok {
		return PurchaseResult{}, &forum.QuotaError{Action: "purchase", Reason: "unknown_item"}
	}
	results, err := e.coordinator.Transact(ctx, userRef(userID), func(current forum.Document, exists bool) ([]forum.Mutation, error) {
		if !exists {
			return nil, fmt.Errorf("%w: %s", forum.ErrNotFound, userRef(userID))
		}
		if current.HasString("inventory", item.ID) {
			return nil, &forum.QuotaError{Action: "purchase", Reason: "already_owned"}
		}
		if points := current.Int("points"); points < item.Price {
			return nil, &forum.QuotaError{Action: "purchase", Reason: "insufficient_points", Required: item.Price, Available: points}
		}

		active := forum.Document{}
		if existing, ok := current["active_items"].(map[string]any); ok {
			active = forum.Document(existing).Clone()
		}
		switch item.Type {
		case "color":
			active["name_color"] = item.Value
		case "style":
			active["name_style"] = item.Value
		case "badge":
			active["badge"] = item.Value
		}
		return []forum.Mutation{
			forum.NewIncrement(forum.CollectionUsers, userID, map[string]int64{"points": -item.Price}),
			forum.NewUpdate(forum.CollectionUsers, userID, forum.Document{
				"inventory":    append(current.Strings("inventory"), item.ID),
				"active_items": map[string]any(active),
			}),
		}, nil
	})
	if err != nil {
		return PurchaseResult{}, err
	}
	result := PurchaseResult{Item: item, User: results[len(results)-1].Entity}
	result.Effects = e.EvaluateProgress(ctx, userID)
	return result, nil
}

// CheckInResult is the outcome of a daily check-in.
type CheckInResult struct {
	User    forum.Document
	Effects []forum.Effect
}

// CheckIn records attendance once per calendar day.
func (e *Engine) CheckIn(ctx context.Context, userID string) (CheckInResult, error) {
	today := e.today()
	reward := e.catalog.Rewards.CheckIn
	results, err := e.coordinator.Transact(ctx, userRef(userID), func(current forum.Document, exists bool) ([]forum.Mutation, error) {
		if !exists {
			return nil, fmt.Errorf("%w: %s", forum.ErrNotFound, userRef(userID))
		}
		if current.String("last_check_in") == today {
			return nil, &forum.QuotaError{Action: "check_in", Reason: "already_checked_in"}
		}
		return []forum.Mutation{
			forum.NewIncrement(forum.CollectionUsers, userID, map[string]int64{
				"exp":                     reward.Exp,
				"points":                  reward.Points,
				"quests.attendance_count": 1,
			}),
			forum.NewUpdate(forum.CollectionUsers, userID, forum.Document{"last_check_in": today}),
		}, nil
	})
	if err != nil {
		return CheckInResult{}, err
	}

	result := CheckInResult{User: results[len(results)-1].Entity}
	if effect, ok := e.levelUp(ctx, results[0]); ok {
		result.Effects = append(result.Effects, effect)
	}
	result.Effects = append(result.Effects, e.EvaluateProgress(ctx, userID)...)
	return result, nil
}
