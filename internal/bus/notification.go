// Package bus carries payload-free change notifications between the components of one
// process and across sibling processes on the same device.
package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
)

// Kind is the closed set of change notification kinds.
type Kind int

const (
	KindCreated Kind = iota + 1
	KindUpdated
	KindDeleted
	KindIncremented
	KindOverwritten
	KindSessionChanged
)

var kindNames = map[Kind]string{
	KindCreated:        "created",
	KindUpdated:        "updated",
	KindDeleted:        "deleted",
	KindIncremented:    "incremented",
	KindOverwritten:    "overwritten",
	KindSessionChanged: "session_changed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind converts a wire name back into a Kind.
func ParseKind(raw string) (Kind, error) {
	trimmed := strings.TrimSpace(raw)
	for kind, name := range kindNames {
		if name == trimmed {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("bus: unknown notification kind %q", raw)
}

// KindForMutation maps a committed mutation to the notification it raises.
func KindForMutation(kind forum.MutationKind) Kind {
	switch kind {
	case forum.MutationCreate:
		return KindCreated
	case forum.MutationUpdate:
		return KindUpdated
	case forum.MutationDelete:
		return KindDeleted
	case forum.MutationIncrement:
		return KindIncremented
	default:
		return KindUpdated
	}
}

// Notification announces that a collection changed. It carries no payload; receivers
// re-read the local cache. Collection is empty for KindSessionChanged.
type Notification struct {
	Collection forum.CollectionName
	Kind       Kind
	Timestamp  time.Time
	Origin     string
}

// Handler receives notifications.
type Handler func(Notification)

// Bus is a live publish/subscribe signal. Publish never blocks and tolerates zero
// subscribers.
type Bus interface {
	Publish(Notification)
	Subscribe(Handler) (unsubscribe func())
}
