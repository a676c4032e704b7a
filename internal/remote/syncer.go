package remote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/bus"
	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"github.com/MarcoPoloResearchLab/forumsync/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSyncInterval = 4 * time.Second
	defaultPullTimeout  = 3 * time.Second
)

var (
	errMissingSnapshotStore = errors.New("snapshot store is required")
	errMissingBus           = errors.New("bus is required")
)

// SnapshotStore is the part of the local cache the syncer writes through.
type SnapshotStore interface {
	Read(collection forum.CollectionName) forum.Snapshot
	Overwrite(ctx context.Context, snapshot forum.Snapshot) (bool, error)
}

// SyncerConfig configures a Syncer.
type SyncerConfig struct {
	Adapter      Adapter
	Store        SnapshotStore
	Bus          bus.Bus
	Pusher       *Pusher
	Connectivity *Connectivity
	Collections  []forum.CollectionName
	Interval     time.Duration
	PullTimeout  time.Duration
	// AfterCycle runs once per cycle after every pull finished.
	AfterCycle func(context.Context)
	// Guard serializes snapshot application with local commits. Nil runs it directly.
	Guard      func(func())
	Origin     string
	Metrics    *metrics.Collectors
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Syncer runs the pull loop. Pull failures never touch the cache; they are logged,
// flip the connectivity flag and skip the collection until the next cycle.
type Syncer struct {
	adapter      Adapter
	store        SnapshotStore
	bus          bus.Bus
	pusher       *Pusher
	connectivity *Connectivity
	collections  []forum.CollectionName
	interval     time.Duration
	pullTimeout  time.Duration
	afterCycle   func(context.Context)
	guard        func(func())
	origin       string
	metrics      *metrics.Collectors
	clock        func() time.Time
	logger       *zap.Logger

	seedMu sync.Mutex
	seeded bool
}

// NewSyncer builds a Syncer.
func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if cfg.Adapter == nil {
		return nil, forum.NewServiceError("remote.syncer.new", "missing_adapter", errMissingAdapter)
	}
	if cfg.Store == nil {
		return nil, forum.NewServiceError("remote.syncer.new", "missing_store", errMissingSnapshotStore)
	}
	if cfg.Bus == nil {
		return nil, forum.NewServiceError("remote.syncer.new", "missing_bus", errMissingBus)
	}
	collections := cfg.Collections
	if len(collections) == 0 {
		collections = forum.AllCollections()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	pullTimeout := cfg.PullTimeout
	if pullTimeout <= 0 {
		pullTimeout = defaultPullTimeout
	}
	connectivity := cfg.Connectivity
	if connectivity == nil {
		connectivity = NewConnectivity(true)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	guard := cfg.Guard
	if guard == nil {
		guard = func(fn func()) { fn() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		adapter:      cfg.Adapter,
		store:        cfg.Store,
		bus:          cfg.Bus,
		pusher:       cfg.Pusher,
		connectivity: connectivity,
		collections:  collections,
		interval:     interval,
		pullTimeout:  pullTimeout,
		afterCycle:   cfg.AfterCycle,
		guard:        guard,
		origin:       cfg.Origin,
		metrics:      cfg.Metrics,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Run pulls once immediately and then on every tick until ctx is done. When the adapter
// is a Watcher its live snapshots take the same overwrite path.
func (s *Syncer) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	if watcher, ok := s.adapter.(Watcher); ok {
		group.Go(func() error {
			return watcher.Watch(groupCtx, s.collections, func(snapshot forum.Snapshot) {
				s.connectivity.Set(true)
				s.apply(groupCtx, snapshot, "live")
			})
		})
	}
	group.Go(func() error {
		s.loop(groupCtx)
		return nil
	})
	err := group.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Syncer) loop(ctx context.Context) {
	s.SyncOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce runs one cycle: retry pending pushes once, pull every collection
// concurrently, seed an absent remote, then run AfterCycle.
func (s *Syncer) SyncOnce(ctx context.Context) {
	if s.pusher != nil {
		if retried := s.pusher.RetryPending(ctx); retried > 0 {
			s.logger.Debug("retried pending pushes", zap.Int("count", retried))
		}
	}

	var remoteMissing atomic.Bool
	var group errgroup.Group
	for _, collection := range s.collections {
		group.Go(func() error {
			if errors.Is(s.pullOne(ctx, collection), ErrBlobNotFound) {
				remoteMissing.Store(true)
			}
			return nil
		})
	}
	_ = group.Wait()

	if remoteMissing.Load() {
		s.seed(ctx)
	}
	if s.afterCycle != nil && ctx.Err() == nil {
		s.afterCycle(ctx)
	}
}

func (s *Syncer) pullOne(ctx context.Context, collection forum.CollectionName) error {
	pullCtx, cancel := context.WithTimeout(ctx, s.pullTimeout)
	defer cancel()

	started := s.clock()
	snapshot, err := s.adapter.Pull(pullCtx, collection)
	elapsed := s.clock().Sub(started).Seconds()
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if errors.Is(err, ErrBlobNotFound) {
			s.connectivity.Set(true)
			s.metrics.Pull(collection.String(), "not_found", elapsed)
			return err
		}
		s.connectivity.Set(false)
		s.metrics.Pull(collection.String(), "failed", elapsed)
		var syncErr *forum.SyncError
		if !errors.As(err, &syncErr) {
			err = syncFailure("pull", collection, err)
		}
		s.logger.Warn("remote pull failed", zap.String("collection", collection.String()), zap.Error(err))
		return err
	}

	s.connectivity.Set(true)
	result := s.apply(ctx, snapshot, "pull")
	s.metrics.Pull(collection.String(), result, elapsed)
	return nil
}

func (s *Syncer) apply(ctx context.Context, snapshot forum.Snapshot, source string) string {
	var (
		applied bool
		err     error
	)
	s.guard(func() {
		applied, err = s.store.Overwrite(ctx, s.reassert(snapshot))
	})
	if err != nil {
		s.logger.Warn("snapshot overwrite failed",
			zap.String("collection", snapshot.Collection.String()),
			zap.String("source", source),
			zap.Error(err))
		return "store_failed"
	}
	if !applied {
		s.logger.Debug("unconfirmed empty snapshot ignored",
			zap.String("collection", snapshot.Collection.String()),
			zap.String("source", source))
		return "skipped"
	}
	s.bus.Publish(bus.Notification{
		Collection: snapshot.Collection,
		Kind:       bus.KindOverwritten,
		Timestamp:  s.clock(),
		Origin:     s.origin,
	})
	return "applied"
}

// reassert lays the unsettled local changes of the collection over a remote snapshot,
// so a pull never erases a write the remote has not accepted yet.
func (s *Syncer) reassert(snapshot forum.Snapshot) forum.Snapshot {
	if s.pusher == nil || (snapshot.Len() == 0 && !snapshot.Confirmed) {
		return snapshot
	}
	changes := s.pusher.Unsettled(snapshot.Collection)
	if len(changes) == 0 {
		return snapshot
	}

	documents := make([]forum.Document, 0, snapshot.Len()+len(changes))
	positions := make(map[string]int, snapshot.Len())
	for _, doc := range snapshot.Documents {
		positions[doc.ID()] = len(documents)
		documents = append(documents, doc)
	}
	removed := make(map[string]bool)
	for _, change := range changes {
		id := change.Ref().ID
		if change.Removed() {
			removed[id] = true
			continue
		}
		delete(removed, id)
		if position, ok := positions[id]; ok {
			documents[position] = change.Entity
			continue
		}
		positions[id] = len(documents)
		documents = append(documents, change.Entity)
	}

	merged := snapshot
	merged.Documents = make([]forum.Document, 0, len(documents))
	for _, doc := range documents {
		if !removed[doc.ID()] {
			merged.Documents = append(merged.Documents, doc)
		}
	}
	return merged
}

func (s *Syncer) seed(ctx context.Context) {
	seeder, ok := s.adapter.(Seeder)
	if !ok {
		return
	}
	s.seedMu.Lock()
	defer s.seedMu.Unlock()
	if s.seeded {
		return
	}
	snapshots := make([]forum.Snapshot, 0, len(s.collections))
	for _, collection := range s.collections {
		snapshots = append(snapshots, s.store.Read(collection))
	}
	if err := seeder.Seed(ctx, snapshots); err != nil {
		s.logger.Warn("remote seed failed", zap.Error(err))
		return
	}
	s.seeded = true
}
