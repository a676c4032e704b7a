package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultReuseWindow = time.Second

var errMissingBlobStore = errors.New("blob store is required")

// PollingConfig configures a PollingAdapter.
type PollingConfig struct {
	Store BlobStore
	// ReuseWindow lets every per-collection pull of one cycle share a single fetch.
	ReuseWindow time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// PollingAdapter is the polling variant: all collections live in one shared document.
type PollingAdapter struct {
	store  BlobStore
	reuse  time.Duration
	clock  func() time.Time
	logger *zap.Logger

	fetches singleflight.Group

	mu       sync.Mutex
	cached   *blobDocument
	cachedAt time.Time

	writeMu sync.Mutex
}

// NewPollingAdapter builds a PollingAdapter.
func NewPollingAdapter(cfg PollingConfig) (*PollingAdapter, error) {
	if cfg.Store == nil {
		return nil, forum.NewServiceError("remote.polling.new", "missing_store", errMissingBlobStore)
	}
	reuse := cfg.ReuseWindow
	if reuse <= 0 {
		reuse = defaultReuseWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollingAdapter{store: cfg.Store, reuse: reuse, clock: clock, logger: logger}, nil
}

// Pull returns one collection of the shared document. A collection the document does
// not carry comes back empty and unconfirmed.
func (a *PollingAdapter) Pull(ctx context.Context, collection forum.CollectionName) (forum.Snapshot, error) {
	doc, err := a.fetch(ctx)
	if err != nil {
		return forum.Snapshot{}, syncFailure("pull", collection, err)
	}
	return doc.snapshot(collection), nil
}

// Push writes the full entity into the shared document, or removes it. A missing
// document fails with ErrBlobNotFound; Seed creates it from the whole local cache.
func (a *PollingAdapter) Push(ctx context.Context, change forum.Change) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	doc, err := a.loadFresh(ctx)
	if err != nil {
		return syncFailure("push", change.Mutation.Collection, err)
	}

	if change.Removed() {
		doc.remove(change.Mutation.Collection, change.Mutation.ID)
	} else {
		doc.upsert(change.Mutation.Collection, change.Entity)
	}
	if err := a.save(ctx, doc); err != nil {
		return syncFailure("push", change.Mutation.Collection, err)
	}
	return nil
}

// Seed initializes the shared document from local snapshots. An existing document is
// left alone.
func (a *PollingAdapter) Seed(ctx context.Context, snapshots []forum.Snapshot) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	_, err := a.loadFresh(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrBlobNotFound) {
		return syncFailure("seed", "", err)
	}

	doc := newBlobDocument()
	for _, snapshot := range snapshots {
		documents := make([]forum.Document, 0, snapshot.Len())
		for _, item := range snapshot.Documents {
			documents = append(documents, item.Clone())
		}
		doc.collections[snapshot.Collection] = documents
	}
	if err := a.save(ctx, doc); err != nil {
		return syncFailure("seed", "", err)
	}
	a.logger.Info("remote document seeded from local cache", zap.Strings("collections", doc.collectionNames()))
	return nil
}

func (a *PollingAdapter) fetch(ctx context.Context) (*blobDocument, error) {
	a.mu.Lock()
	if a.cached != nil && a.clock().Sub(a.cachedAt) < a.reuse {
		doc := a.cached
		a.mu.Unlock()
		return doc, nil
	}
	a.mu.Unlock()

	value, err, _ := a.fetches.Do("blob", func() (any, error) {
		doc, err := a.loadFresh(ctx)
		if err != nil {
			return nil, err
		}
		a.remember(doc)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*blobDocument), nil
}

// loadFresh bypasses the reuse window. The returned document is private to the caller.
func (a *PollingAdapter) loadFresh(ctx context.Context) (*blobDocument, error) {
	raw, err := a.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return decodeBlobDocument(raw)
}

func (a *PollingAdapter) save(ctx context.Context, doc *blobDocument) error {
	doc.lastUpdated = a.clock().UTC().UnixMilli()
	raw, err := doc.encode()
	if err != nil {
		return err
	}
	if err := a.store.Save(ctx, raw); err != nil {
		a.forget()
		return err
	}
	a.remember(doc)
	return nil
}

func (a *PollingAdapter) remember(doc *blobDocument) {
	a.mu.Lock()
	a.cached = doc
	a.cachedAt = a.clock()
	a.mu.Unlock()
}

func (a *PollingAdapter) forget() {
	a.mu.Lock()
	a.cached = nil
	a.mu.Unlock()
}
