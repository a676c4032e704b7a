// Package remote synchronizes the local cache with the remote source of truth: pulling
// snapshots on an interval or over a live subscription, and pushing local writes.
package remote

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
)

var (
	// ErrBlobNotFound indicates that the shared remote document does not exist yet.
	ErrBlobNotFound = errors.New("remote: blob not found")
	// ErrMalformedPayload indicates a response that is not a well-formed snapshot.
	ErrMalformedPayload = errors.New("remote: malformed payload")
)

// Adapter pulls authoritative snapshots and pushes local changes.
type Adapter interface {
	Pull(ctx context.Context, collection forum.CollectionName) (forum.Snapshot, error)
	Push(ctx context.Context, change forum.Change) error
}

// Watcher is implemented by adapters that can hold a live subscription. Watch blocks
// until ctx is done and calls deliver with every snapshot the server reports.
type Watcher interface {
	Watch(ctx context.Context, collections []forum.CollectionName, deliver func(forum.Snapshot)) error
}

// Seeder is implemented by adapters that can initialize an absent remote from local data.
type Seeder interface {
	Seed(ctx context.Context, snapshots []forum.Snapshot) error
}

// BlobStore holds the single shared document of the polling variant.
type BlobStore interface {
	// Load returns ErrBlobNotFound when nothing has been saved yet.
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, payload []byte) error
}

// WireSnapshot is the JSON form of one collection exchanged with the relay.
type WireSnapshot struct {
	Collection string           `json:"collection"`
	Documents  []forum.Document `json:"documents"`
}

func syncFailure(operation string, collection forum.CollectionName, err error) error {
	return &forum.SyncError{Operation: operation, Collection: collection, Err: err}
}
