package remote

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
)

type memoryBlobStore struct {
	mu      sync.Mutex
	payload []byte
	loads   int
	saves   int
	loadErr error
	saveErr error
}

func (s *memoryBlobStore) Load(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.payload == nil {
		return nil, ErrBlobNotFound
	}
	return append([]byte(nil), s.payload...), nil
}

func (s *memoryBlobStore) Save(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.payload = append([]byte(nil), payload...)
	return nil
}

func (s *memoryBlobStore) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

type scriptedAdapter struct {
	mu        sync.Mutex
	snapshots map[forum.CollectionName]forum.Snapshot
	pullErr   map[forum.CollectionName]error
	pushErr   error
	pushed    []forum.Change
	pulls     int
}

func newScriptedAdapter() *scriptedAdapter {
	return &scriptedAdapter{
		snapshots: make(map[forum.CollectionName]forum.Snapshot),
		pullErr:   make(map[forum.CollectionName]error),
	}
}

func (a *scriptedAdapter) Pull(_ context.Context, collection forum.CollectionName) (forum.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pulls++
	if err := a.pullErr[collection]; err != nil {
		return forum.Snapshot{}, err
	}
	snapshot, ok := a.snapshots[collection]
	if !ok {
		return forum.Snapshot{Collection: collection}, nil
	}
	return snapshot, nil
}

func (a *scriptedAdapter) Push(_ context.Context, change forum.Change) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pushErr != nil {
		return a.pushErr
	}
	a.pushed = append(a.pushed, change)
	return nil
}

func (a *scriptedAdapter) setPushErr(err error) {
	a.mu.Lock()
	a.pushErr = err
	a.mu.Unlock()
}

func (a *scriptedAdapter) pushedChanges() []forum.Change {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]forum.Change(nil), a.pushed...)
}

type memorySnapshotStore struct {
	mu          sync.Mutex
	collections map[forum.CollectionName]forum.Snapshot
	overwrites  int
}

func newMemorySnapshotStore() *memorySnapshotStore {
	return &memorySnapshotStore{collections: make(map[forum.CollectionName]forum.Snapshot)}
}

func (s *memorySnapshotStore) Read(collection forum.CollectionName) forum.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.collections[collection]
	if !ok {
		return forum.Snapshot{Collection: collection}
	}
	return snapshot
}

func (s *memorySnapshotStore) Overwrite(_ context.Context, snapshot forum.Snapshot) (bool, error) {
	if snapshot.Len() == 0 && !snapshot.Confirmed {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overwrites++
	s.collections[snapshot.Collection] = snapshot
	return true, nil
}

var errOffline = errors.New("connection refused")

func change(collection forum.CollectionName, id string, entity forum.Document) forum.Change {
	if entity != nil {
		entity[forum.FieldID] = id
	}
	return forum.Change{
		Mutation: forum.Mutation{Kind: forum.MutationUpdate, Collection: collection, ID: id},
		Entity:   entity,
	}
}
