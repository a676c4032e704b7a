package forum

import (
	"fmt"
	"strings"
)

// CollectionName identifies one keyed set of entities of a single kind.
type CollectionName string

const (
	CollectionPosts         CollectionName = "posts"
	CollectionComments      CollectionName = "comments"
	CollectionUsers         CollectionName = "users"
	CollectionWiki          CollectionName = "wiki"
	CollectionNotifications CollectionName = "notifications"
	CollectionChat          CollectionName = "chat"
)

var allCollections = []CollectionName{
	CollectionPosts,
	CollectionComments,
	CollectionUsers,
	CollectionWiki,
	CollectionNotifications,
	CollectionChat,
}

// AllCollections returns every collection in a stable order.
func AllCollections() []CollectionName {
	out := make([]CollectionName, len(allCollections))
	copy(out, allCollections)
	return out
}

// ParseCollection validates raw input and returns a CollectionName.
func ParseCollection(rawInput string) (CollectionName, error) {
	trimmed := CollectionName(strings.ToLower(strings.TrimSpace(rawInput)))
	for _, name := range allCollections {
		if name == trimmed {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCollection, rawInput)
}

// Valid reports whether the collection is one of the known collections.
func (c CollectionName) Valid() bool {
	for _, name := range allCollections {
		if name == c {
			return true
		}
	}
	return false
}

// String returns the underlying collection name.
func (c CollectionName) String() string {
	return string(c)
}

// Ref addresses one entity.
type Ref struct {
	Collection CollectionName
	ID         string
}

func (r Ref) String() string {
	return string(r.Collection) + "/" + r.ID
}
