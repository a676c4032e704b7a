package coordinator

import (
	"fmt"
	"slices"
	"sort"

	"github.com/MarcoPoloResearchLab/forumsync/internal/bus"
	"github.com/MarcoPoloResearchLab/forumsync/internal/cache"
	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
)

type touch struct {
	collection forum.CollectionName
	kind       bus.Kind
}

// stage computes the writes of one batch against the current cache contents plus the
// writes staged so far, without touching the cache.
type stage struct {
	store    Store
	registry *forum.Registry
	now      int64

	overlay   map[forum.Ref]forum.Document
	created   map[forum.CollectionName][]string
	ops       []cache.Op
	changes   []forum.Change
	touched   []touch
	cascading *forum.Ref
}

func newStage(store Store, registry *forum.Registry, now int64) *stage {
	return &stage{
		store:    store,
		registry: registry,
		now:      now,
		overlay:  make(map[forum.Ref]forum.Document),
		created:  make(map[forum.CollectionName][]string),
	}
}

func (s *stage) lookup(ref forum.Ref) (forum.Document, bool) {
	if doc, ok := s.overlay[ref]; ok {
		return doc, doc != nil
	}
	return s.store.Get(ref.Collection, ref.ID)
}

// ids lists a collection in insertion order as it will look once the batch commits.
func (s *stage) ids(collection forum.CollectionName) []string {
	base := s.store.Read(collection).IDs()
	out := make([]string, 0, len(base)+len(s.created[collection]))
	seen := make(map[string]struct{}, len(base))
	for _, id := range base {
		seen[id] = struct{}{}
		if doc, ok := s.overlay[forum.Ref{Collection: collection, ID: id}]; ok && doc == nil {
			continue
		}
		out = append(out, id)
	}
	for _, id := range s.created[collection] {
		if _, ok := seen[id]; ok {
			continue
		}
		if doc := s.overlay[forum.Ref{Collection: collection, ID: id}]; doc != nil {
			out = append(out, id)
		}
	}
	return out
}

func (s *stage) put(m forum.Mutation, doc forum.Document, isNew bool) {
	ref := m.Ref()
	s.overlay[ref] = doc
	if isNew && !slices.Contains(s.created[ref.Collection], ref.ID) {
		s.created[ref.Collection] = append(s.created[ref.Collection], ref.ID)
	}
	s.ops = append(s.ops, cache.Put(ref.Collection, ref.ID, doc.Clone()))
	s.changes = append(s.changes, forum.Change{Mutation: m, Entity: doc.Clone()})
	s.touch(ref.Collection, bus.KindForMutation(m.Kind))
}

func (s *stage) remove(m forum.Mutation) {
	ref := m.Ref()
	s.overlay[ref] = nil
	s.ops = append(s.ops, cache.Remove(ref.Collection, ref.ID))
	s.changes = append(s.changes, forum.Change{Mutation: m})
	s.touch(ref.Collection, bus.KindDeleted)
}

func (s *stage) touch(collection forum.CollectionName, kind bus.Kind) {
	for _, seen := range s.touched {
		if seen.collection == collection {
			return
		}
	}
	s.touched = append(s.touched, touch{collection: collection, kind: kind})
}

func (s *stage) apply(m forum.Mutation) (forum.Applied, error) {
	schema, err := s.registry.Schema(m.Collection)
	if err != nil {
		return forum.Applied{}, err
	}
	ref := m.Ref()
	current, exists := s.lookup(ref)

	switch m.Kind {
	case forum.MutationCreate:
		if exists {
			return forum.Applied{Mutation: m, Entity: current.Clone(), Duplicate: true}, nil
		}
		doc := m.Document.Clone()
		doc[forum.FieldID] = m.ID
		if doc.CreatedAt() == 0 {
			doc[forum.FieldCreatedAt] = s.now
		}
		normalize(schema, doc, nil)
		s.put(m, doc, true)
		applied := forum.Applied{Mutation: m, Entity: doc.Clone()}
		if schema.Capacity > 0 {
			applied.Evicted = s.enforceCapacity(schema)
		}
		return applied, nil

	case forum.MutationUpdate:
		if !exists {
			return forum.Applied{}, fmt.Errorf("%w: %s", forum.ErrNotFound, ref)
		}
		next := current.Merge(m.Document)
		next[forum.FieldID] = m.ID
		normalize(schema, next, current)
		s.put(m, next, false)
		return forum.Applied{Mutation: m, Entity: next.Clone(), Previous: current.Clone()}, nil

	case forum.MutationIncrement:
		if !exists {
			return forum.Applied{}, fmt.Errorf("%w: %s", forum.ErrNotFound, ref)
		}
		next := current.Clone()
		fields := make([]string, 0, len(m.Deltas))
		for field := range m.Deltas {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			if value, ok := next.Get(field); ok && !numeric(value) {
				return forum.Applied{}, &forum.ValidationError{Collection: m.Collection, Field: field, Reason: "not_numeric"}
			}
			updated := next.Int(field) + m.Deltas[field]
			if m.Collection == forum.CollectionUsers && field == "points" && updated < 0 {
				return forum.Applied{}, &forum.QuotaError{
					Action:    "increment",
					Reason:    "insufficient_points",
					Required:  -m.Deltas[field],
					Available: next.Int(field),
				}
			}
			next.Set(field, updated)
		}
		normalize(schema, next, current)
		s.put(m, next, false)
		return forum.Applied{Mutation: m, Entity: next.Clone(), Previous: current.Clone()}, nil

	case forum.MutationDelete:
		if !exists {
			return forum.Applied{Mutation: m}, nil
		}
		if len(schema.Cascade) > 0 && s.cascading == nil {
			s.cascading = &ref
		}
		visited := map[forum.Ref]struct{}{ref: {}}
		cascaded, err := s.cascade(ref, schema, visited)
		if err != nil {
			return forum.Applied{}, &forum.CascadeError{Ref: ref, Err: err}
		}
		s.remove(m)
		return forum.Applied{Mutation: m, Previous: current.Clone(), Removed: true, Cascaded: cascaded}, nil

	default:
		return forum.Applied{}, &forum.ValidationError{Collection: m.Collection, Field: "kind", Reason: "unknown_kind"}
	}
}

// cascade removes every dependent of parent, depth first, and returns what it removed.
func (s *stage) cascade(parent forum.Ref, schema forum.Schema, visited map[forum.Ref]struct{}) ([]forum.Ref, error) {
	var removed []forum.Ref
	for _, rule := range schema.Cascade {
		childSchema, err := s.registry.Schema(rule.Child)
		if err != nil {
			return nil, err
		}
		for _, id := range s.ids(rule.Child) {
			childRef := forum.Ref{Collection: rule.Child, ID: id}
			if _, done := visited[childRef]; done {
				continue
			}
			child, ok := s.lookup(childRef)
			if !ok || child.String(rule.ForeignKey) != parent.ID {
				continue
			}
			visited[childRef] = struct{}{}
			nested, err := s.cascade(childRef, childSchema, visited)
			if err != nil {
				return nil, err
			}
			removed = append(removed, nested...)
			s.remove(forum.NewDelete(rule.Child, id).Derived())
			removed = append(removed, childRef)
		}
	}
	return removed, nil
}

// enforceCapacity evicts the oldest entries once a capped collection overflows.
func (s *stage) enforceCapacity(schema forum.Schema) []forum.Ref {
	ids := s.ids(schema.Collection)
	overflow := len(ids) - schema.Capacity
	if overflow <= 0 {
		return nil
	}
	evicted := make([]forum.Ref, 0, overflow)
	for _, id := range ids[:overflow] {
		s.remove(forum.NewDelete(schema.Collection, id).Derived())
		evicted = append(evicted, forum.Ref{Collection: schema.Collection, ID: id})
	}
	return evicted
}

func normalize(schema forum.Schema, next, previous forum.Document) {
	if schema.Normalize != nil {
		schema.Normalize(next, previous)
	}
}

func numeric(value any) bool {
	switch value.(type) {
	case int64, int, int32, float64:
		return true
	default:
		return false
	}
}
