package forum

import "strings"

// MutationKind enumerates the supported write intents.
type MutationKind string

const (
	// MutationCreate inserts a new entity; repeating it for the same id is a no-op.
	MutationCreate MutationKind = "create"
	// MutationUpdate merges top-level fields into an existing entity.
	MutationUpdate MutationKind = "update"
	// MutationDelete removes an entity and its dependents.
	MutationDelete MutationKind = "delete"
	// MutationIncrement adds integer deltas to numeric fields. Not idempotent.
	MutationIncrement MutationKind = "increment"
)

// Origin distinguishes user-initiated writes from derived ones.
type Origin int

const (
	OriginPrimary Origin = iota
	OriginDerived
)

// Mutation is a typed write intent scoped to (collection, id).
type Mutation struct {
	Kind       MutationKind
	Collection CollectionName
	ID         string
	Document   Document
	Deltas     map[string]int64
	Origin     Origin
}

// NewCreate builds a create mutation; the id is taken from the document when present.
func NewCreate(collection CollectionName, doc Document) Mutation {
	return Mutation{
		Kind:       MutationCreate,
		Collection: collection,
		ID:         strings.TrimSpace(doc.ID()),
		Document:   doc,
	}
}

// NewUpdate builds an update mutation carrying a partial document.
func NewUpdate(collection CollectionName, id string, patch Document) Mutation {
	return Mutation{
		Kind:       MutationUpdate,
		Collection: collection,
		ID:         strings.TrimSpace(id),
		Document:   patch,
	}
}

// NewDelete builds a delete mutation.
func NewDelete(collection CollectionName, id string) Mutation {
	return Mutation{
		Kind:       MutationDelete,
		Collection: collection,
		ID:         strings.TrimSpace(id),
	}
}

// NewIncrement builds an increment mutation over one or more fields.
func NewIncrement(collection CollectionName, id string, deltas map[string]int64) Mutation {
	return Mutation{
		Kind:       MutationIncrement,
		Collection: collection,
		ID:         strings.TrimSpace(id),
		Deltas:     deltas,
	}
}

// Ref returns the address of the targeted entity.
func (m Mutation) Ref() Ref {
	return Ref{Collection: m.Collection, ID: m.ID}
}

// Derived marks the mutation as a secondary effect.
func (m Mutation) Derived() Mutation {
	m.Origin = OriginDerived
	return m
}

// Effect is the outcome of one secondary effect of a committed mutation.
type Effect struct {
	Name string
	Err  error
}

// Applied describes the committed result of one mutation.
type Applied struct {
	Mutation  Mutation
	Entity    Document
	Previous  Document
	Duplicate bool
	Removed   bool
	Cascaded  []Ref
	Evicted   []Ref
	Effects   []Effect
}

// Failed returns the effects that did not complete.
func (a Applied) Failed() []Effect {
	var failed []Effect
	for _, effect := range a.Effects {
		if effect.Err != nil {
			failed = append(failed, effect)
		}
	}
	return failed
}

// Change is what gets pushed to the remote: the mutation plus the full entity after
// it was applied locally (nil when the entity was removed).
type Change struct {
	Mutation Mutation
	Entity   Document
}

// Ref returns the address of the changed entity.
func (c Change) Ref() Ref {
	return c.Mutation.Ref()
}

// Removed reports whether the change deletes the entity remotely.
func (c Change) Removed() bool {
	return c.Entity == nil
}

// Snapshot is the full content of one collection at a point of observation.
// Confirmed is true when the source explicitly reported the collection, so an empty
// confirmed snapshot means "really empty" rather than "nothing was fetched".
type Snapshot struct {
	Collection CollectionName
	Documents  []Document
	Confirmed  bool
}

// Len returns the number of documents.
func (s Snapshot) Len() int {
	return len(s.Documents)
}

// Find returns the document with the given id.
func (s Snapshot) Find(id string) (Document, bool) {
	for _, doc := range s.Documents {
		if doc.ID() == id {
			return doc, true
		}
	}
	return nil, false
}

// IDs lists document ids in order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.Documents))
	for _, doc := range s.Documents {
		ids = append(ids, doc.ID())
	}
	return ids
}
