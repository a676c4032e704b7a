package forum

import (
	"fmt"
	"strings"
)

const (
	maxIdentifierLength = 190
	expPerLevel         = 100
	// ChatCapacity bounds the chat collection; older lines are evicted.
	ChatCapacity = 50
)

// LevelForExp maps experience to a level: one level per 100 exp, starting at 1.
func LevelForExp(exp int64) int64 {
	if exp < 0 {
		return 1
	}
	return exp/expPerLevel + 1
}

// CascadeRule prunes children whose ForeignKey equals the deleted parent's id.
type CascadeRule struct {
	Child      CollectionName
	ForeignKey string
}

// Schema describes the shape rules of one collection.
type Schema struct {
	Collection CollectionName
	Required   []string
	Protected  []string
	Capacity   int
	Cascade    []CascadeRule
	// Normalize fixes up derived fields of the next state. previous is nil on create.
	Normalize func(next, previous Document)
}

// Registry holds the schema for each collection.
type Registry struct {
	schemas map[CollectionName]Schema
}

// NewRegistry builds a registry from explicit schemas.
func NewRegistry(schemas ...Schema) *Registry {
	registry := &Registry{schemas: make(map[CollectionName]Schema, len(schemas))}
	for _, schema := range schemas {
		registry.schemas[schema.Collection] = schema
	}
	return registry
}

// DefaultRegistry returns the forum schemas.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Schema{
			Collection: CollectionPosts,
			Required:   []string{"board_id", "author_id", "title"},
			Protected:  []string{"author_id"},
			Cascade:    []CascadeRule{{Child: CollectionComments, ForeignKey: "post_id"}},
			Normalize:  normalizePost,
		},
		Schema{
			Collection: CollectionComments,
			Required:   []string{"post_id", "author_id", "content"},
			Protected:  []string{"post_id", "author_id"},
			Cascade:    []CascadeRule{{Child: CollectionComments, ForeignKey: "parent_id"}},
		},
		Schema{
			Collection: CollectionUsers,
			Required:   []string{"username"},
			Protected:  []string{"points", "exp", "level"},
			Normalize:  normalizeUser,
		},
		Schema{
			Collection: CollectionWiki,
			Required:   []string{"slug", "title"},
			Protected:  []string{"slug"},
			Normalize:  normalizeWiki,
		},
		Schema{
			Collection: CollectionNotifications,
			Required:   []string{"user_id", "type", "message"},
			Protected:  []string{"user_id"},
		},
		Schema{
			Collection: CollectionChat,
			Required:   []string{"user_id", "text"},
			Capacity:   ChatCapacity,
		},
	)
}

// Schema returns the rules for a collection.
func (r *Registry) Schema(collection CollectionName) (Schema, error) {
	schema, ok := r.schemas[collection]
	if !ok {
		return Schema{}, &ValidationError{Collection: collection, Field: "collection", Reason: "unknown_collection", Err: ErrUnknownCollection}
	}
	return schema, nil
}

// Validate checks the shape of a mutation without looking at stored state.
func (r *Registry) Validate(m Mutation) error {
	schema, err := r.Schema(m.Collection)
	if err != nil {
		return err
	}

	switch m.Kind {
	case MutationCreate:
		if m.ID != "" {
			if err := validateIdentifier(m.Collection, m.ID); err != nil {
				return err
			}
		}
		if m.Document == nil {
			return validationFailure(m.Collection, "", "missing_document")
		}
		if docID := strings.TrimSpace(m.Document.ID()); docID != "" && m.ID != "" && docID != m.ID {
			return validationFailure(m.Collection, FieldID, "id_mismatch")
		}
		for _, field := range schema.Required {
			if !present(m.Document, field) {
				return validationFailure(m.Collection, field, "required")
			}
		}
		return nil
	case MutationUpdate:
		if err := validateIdentifier(m.Collection, m.ID); err != nil {
			return err
		}
		if len(m.Document) == 0 {
			return validationFailure(m.Collection, "", "empty_patch")
		}
		if value, ok := m.Document[FieldID]; ok {
			if text, _ := value.(string); text != m.ID {
				return validationFailure(m.Collection, FieldID, "immutable")
			}
		}
		if _, ok := m.Document[FieldCreatedAt]; ok {
			return validationFailure(m.Collection, FieldCreatedAt, "immutable")
		}
		for _, field := range schema.Protected {
			if _, ok := m.Document[field]; ok {
				return validationFailure(m.Collection, field, "protected")
			}
		}
		for _, field := range schema.Required {
			if value, ok := m.Document[field]; ok && !nonEmpty(value) {
				return validationFailure(m.Collection, field, "required")
			}
		}
		return nil
	case MutationIncrement:
		if err := validateIdentifier(m.Collection, m.ID); err != nil {
			return err
		}
		if len(m.Deltas) == 0 {
			return validationFailure(m.Collection, "", "empty_increment")
		}
		for field := range m.Deltas {
			trimmed := strings.TrimSpace(field)
			if trimmed == "" || strings.HasPrefix(trimmed, ".") || strings.HasSuffix(trimmed, ".") {
				return validationFailure(m.Collection, field, "invalid_field")
			}
			if trimmed == FieldID || trimmed == FieldCreatedAt {
				return validationFailure(m.Collection, field, "immutable")
			}
			if m.Collection == CollectionUsers && trimmed == "level" {
				return validationFailure(m.Collection, field, "derived")
			}
		}
		return nil
	case MutationDelete:
		return validateIdentifier(m.Collection, m.ID)
	default:
		return validationFailure(m.Collection, "kind", fmt.Sprintf("unknown_kind_%s", m.Kind))
	}
}

func validateIdentifier(collection CollectionName, id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return validationFailure(collection, FieldID, "required")
	}
	if len(trimmed) > maxIdentifierLength {
		return validationFailure(collection, FieldID, fmt.Sprintf("exceeds_%d_characters", maxIdentifierLength))
	}
	return nil
}

func present(doc Document, field string) bool {
	value, ok := doc.Get(field)
	return ok && nonEmpty(value)
}

func nonEmpty(value any) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(typed) != ""
	default:
		return true
	}
}

func normalizePost(next, _ Document) {
	for _, field := range []string{"view_count", "upvotes", "downvotes", "comment_count"} {
		if _, ok := next[field]; !ok {
			next[field] = int64(0)
		}
	}
	if _, ok := next["liked_users"]; !ok {
		next["liked_users"] = []any{}
	}
	if _, ok := next["is_hot"]; !ok {
		next["is_hot"] = false
	}
}

func normalizeUser(next, previous Document) {
	for _, field := range []string{"points", "exp"} {
		if _, ok := next[field]; !ok {
			next[field] = int64(0)
		}
	}
	for _, field := range []string{"inventory", "blocked_users", "scrapped_posts", "achievements", "completed_quests"} {
		if _, ok := normalizeValue(next[field]).([]any); !ok {
			next[field] = []any{}
			continue
		}
		next[field] = normalizeValue(next[field])
	}
	if _, ok := next["active_items"].(map[string]any); !ok {
		next["active_items"] = map[string]any{}
	}
	if _, ok := next["quests"].(map[string]any); !ok {
		next["quests"] = map[string]any{}
	}

	level := LevelForExp(next.Int("exp"))
	if previous != nil && previous.Int("level") > level {
		level = previous.Int("level")
	}
	next["level"] = level
}

func normalizeWiki(next, _ Document) {
	slug := strings.TrimSpace(next.String("slug"))
	if slug != "" {
		next[FieldID] = slug
	}
}
