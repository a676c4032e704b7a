package coordinator

import (
	"sync"

	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"github.com/cespare/xxhash/v2"
)

const lockStripes = 256

// stripedLocks serializes work per entity key. Distinct keys usually land on distinct
// stripes; a collision only costs some parallelism.
type stripedLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *stripedLocks) stripe(ref forum.Ref) *sync.Mutex {
	digest := xxhash.New()
	_, _ = digest.WriteString(ref.Collection.String())
	_, _ = digest.WriteString("/")
	_, _ = digest.WriteString(ref.ID)
	return &l.stripes[digest.Sum64()%lockStripes]
}

// lock acquires the stripe of ref and returns its release function.
func (l *stripedLocks) lock(ref forum.Ref) func() {
	mu := l.stripe(ref)
	mu.Lock()
	return mu.Unlock
}
