// Package coordinator is the only write path into the local cache. Every mutation is
// validated, committed atomically, announced on the bus, queued for the remote, and
// finally handed to the derived-state engine.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/bus"
	"github.com/MarcoPoloResearchLab/forumsync/internal/cache"
	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"github.com/MarcoPoloResearchLab/forumsync/internal/metrics"
	"go.uber.org/zap"
)

const (
	opCoordinatorNew = "coordinator.new"
	opApply          = "coordinator.apply"
)

var (
	errMissingStore      = errors.New("cache store is required")
	errMissingBus        = errors.New("bus is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// Store is the part of the local cache the coordinator reads and commits through.
type Store interface {
	Get(collection forum.CollectionName, id string) (forum.Document, bool)
	Read(collection forum.CollectionName) forum.Snapshot
	Apply(ctx context.Context, ops []cache.Op) error
}

// ChangeQueue accepts committed changes for the remote. Enqueue must not block.
type ChangeQueue interface {
	Enqueue(change forum.Change) bool
}

// Deriver turns a committed primary mutation into secondary effects.
type Deriver interface {
	Derive(ctx context.Context, applied forum.Applied) []forum.Effect
}

// Config wires a Coordinator.
type Config struct {
	Store    Store
	Bus      bus.Bus
	Pushes   ChangeQueue
	Registry *forum.Registry
	IDs      forum.IDProvider
	Origin   string
	Metrics  *metrics.Collectors
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Coordinator applies mutations in a fixed order: validate, commit, publish, push,
// derive. Work on one (collection, id) is serialized; other keys proceed independently.
type Coordinator struct {
	store    Store
	bus      bus.Bus
	pushes   ChangeQueue
	registry *forum.Registry
	ids      forum.IDProvider
	origin   string
	metrics  *metrics.Collectors
	clock    func() time.Time
	logger   *zap.Logger

	locks    stripedLocks
	commitMu sync.Mutex

	deriverMu sync.RWMutex
	deriver   Deriver
}

// New builds a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, forum.NewServiceError(opCoordinatorNew, "missing_cache", errMissingStore)
	}
	if cfg.Bus == nil {
		return nil, forum.NewServiceError(opCoordinatorNew, "missing_bus", errMissingBus)
	}
	if cfg.IDs == nil {
		return nil, forum.NewServiceError(opCoordinatorNew, "missing_id_provider", errMissingIDProvider)
	}
	registry := cfg.Registry
	if registry == nil {
		registry = forum.DefaultRegistry()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:    cfg.Store,
		bus:      cfg.Bus,
		pushes:   cfg.Pushes,
		registry: registry,
		ids:      cfg.IDs,
		origin:   cfg.Origin,
		metrics:  cfg.Metrics,
		clock:    clock,
		logger:   logger,
	}, nil
}

// SetDeriver installs the derived-state engine. It is separate from New because the
// engine applies its own mutations through this coordinator.
func (c *Coordinator) SetDeriver(deriver Deriver) {
	c.deriverMu.Lock()
	c.deriver = deriver
	c.deriverMu.Unlock()
}

// Apply commits one mutation. The returned entity is readable from the cache by the
// time Apply returns. Remote failures never surface here.
func (c *Coordinator) Apply(ctx context.Context, mutation forum.Mutation) (forum.Applied, error) {
	prepared, err := c.prepare(mutation)
	if err != nil {
		return forum.Applied{}, err
	}

	unlock := c.locks.lock(prepared.Ref())
	results, err := c.commit(ctx, []forum.Mutation{prepared})
	unlock()
	if err != nil {
		return forum.Applied{}, err
	}

	c.derive(ctx, results)
	return results[0], nil
}

// Transact reads the anchor entity under its lock, lets fn decide on a batch of
// mutations, and commits them atomically before the lock is released. An error from
// fn leaves the cache untouched and is returned as is.
func (c *Coordinator) Transact(ctx context.Context, anchor forum.Ref, fn func(current forum.Document, exists bool) ([]forum.Mutation, error)) ([]forum.Applied, error) {
	unlock := c.locks.lock(anchor)
	current, exists := c.store.Get(anchor.Collection, anchor.ID)
	mutations, err := fn(current, exists)
	if err != nil {
		unlock()
		return nil, err
	}
	prepared := make([]forum.Mutation, 0, len(mutations))
	for _, mutation := range mutations {
		next, err := c.prepare(mutation)
		if err != nil {
			unlock()
			return nil, err
		}
		prepared = append(prepared, next)
	}
	results, err := c.commit(ctx, prepared)
	unlock()
	if err != nil {
		return nil, err
	}

	c.derive(ctx, results)
	return results, nil
}

// Exclusive runs fn while no mutation commits. Remote snapshots are applied through it
// so they cannot interleave with a local commit and its enqueued push.
func (c *Coordinator) Exclusive(fn func()) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	fn()
}

// prepare validates the mutation and assigns an id to creates that lack one.
func (c *Coordinator) prepare(mutation forum.Mutation) (forum.Mutation, error) {
	if err := c.registry.Validate(mutation); err != nil {
		c.reject(mutation.Collection, err)
		return forum.Mutation{}, err
	}
	if mutation.Kind != forum.MutationCreate || mutation.ID != "" {
		return mutation, nil
	}

	if mutation.Collection == forum.CollectionWiki {
		mutation.ID = strings.TrimSpace(mutation.Document.String("slug"))
		return mutation, nil
	}
	id, err := c.ids.NewID()
	if err != nil {
		c.logError(opApply, "id_generation", err, zap.String("collection", mutation.Collection.String()))
		return forum.Mutation{}, forum.NewServiceError(opApply, "id_generation", err)
	}
	mutation.ID = id
	return mutation, nil
}

func (c *Coordinator) commit(ctx context.Context, mutations []forum.Mutation) ([]forum.Applied, error) {
	c.commitMu.Lock()
	staged := newStage(c.store, c.registry, c.clock().UTC().UnixMilli())
	results := make([]forum.Applied, 0, len(mutations))
	for _, mutation := range mutations {
		applied, err := staged.apply(mutation)
		if err != nil {
			c.commitMu.Unlock()
			c.reject(mutation.Collection, err)
			return nil, err
		}
		results = append(results, applied)
	}
	if len(staged.ops) > 0 {
		if err := c.store.Apply(ctx, staged.ops); err != nil {
			c.commitMu.Unlock()
			c.logError(opApply, "cache_write", err, zap.Int("ops", len(staged.ops)))
			if staged.cascading != nil {
				return nil, &forum.CascadeError{Ref: *staged.cascading, Err: err}
			}
			return nil, forum.NewServiceError(opApply, "cache_write", err)
		}
	}
	if c.pushes != nil {
		for _, change := range staged.changes {
			if !c.pushes.Enqueue(change) {
				c.logger.Debug("push queue full, change kept for retry", zap.String("ref", change.Ref().String()))
			}
		}
	}
	c.commitMu.Unlock()

	now := c.clock()
	for _, touched := range staged.touched {
		c.bus.Publish(bus.Notification{
			Collection: touched.collection,
			Kind:       touched.kind,
			Timestamp:  now,
			Origin:     c.origin,
		})
	}
	for _, applied := range results {
		if applied.Duplicate {
			continue
		}
		c.metrics.MutationApplied(applied.Mutation.Collection.String(), string(applied.Mutation.Kind), originLabel(applied.Mutation.Origin))
	}
	return results, nil
}

// derive runs the derived-state engine for primary results. Derived mutations are
// applied with OriginDerived and never reach the engine again.
func (c *Coordinator) derive(ctx context.Context, results []forum.Applied) {
	c.deriverMu.RLock()
	deriver := c.deriver
	c.deriverMu.RUnlock()
	if deriver == nil {
		return
	}
	for index := range results {
		applied := results[index]
		if applied.Mutation.Origin != forum.OriginPrimary || applied.Duplicate {
			continue
		}
		if applied.Mutation.Kind == forum.MutationDelete && !applied.Removed {
			continue
		}
		effects := deriver.Derive(ctx, applied)
		for _, effect := range effects {
			c.metrics.DerivedEffect(effect.Name, effect.Err != nil)
			if effect.Err != nil {
				c.logger.Warn("derived effect failed",
					zap.String("effect", effect.Name),
					zap.String("ref", applied.Mutation.Ref().String()),
					zap.Error(effect.Err))
			}
		}
		results[index].Effects = effects
	}
}

func (c *Coordinator) reject(collection forum.CollectionName, err error) {
	reason := "error"
	var validationErr *forum.ValidationError
	var quotaErr *forum.QuotaError
	var cascadeErr *forum.CascadeError
	switch {
	case errors.As(err, &validationErr):
		reason = validationErr.Reason
	case errors.As(err, &quotaErr):
		reason = quotaErr.Reason
	case errors.As(err, &cascadeErr):
		reason = "cascade"
	case errors.Is(err, forum.ErrNotFound):
		reason = "not_found"
	}
	c.metrics.MutationRejected(collection.String(), reason)
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	if c.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	c.logger.Error("coordinator operation failed", allFields...)
}

func originLabel(origin forum.Origin) string {
	if origin == forum.OriginDerived {
		return "derived"
	}
	return "primary"
}
