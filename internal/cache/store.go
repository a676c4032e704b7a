package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew  = "cache.store.new"
	opApply     = "cache.apply"
	opOverwrite = "cache.overwrite"
	opReload    = "cache.reload"
	opSession   = "cache.session"

	sessionSlotCurrent = "current"
	insertBatchSize    = 200
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingEntityID = errors.New("entity identifier is required")
	errUnknownOpKind   = errors.New("unknown op kind")
)

// OpKind enumerates the primitive writes a batch is made of.
type OpKind int

const (
	OpPut OpKind = iota + 1
	OpRemove
)

// Op is one primitive write inside an atomic batch.
type Op struct {
	Kind       OpKind
	Collection forum.CollectionName
	ID         string
	Document   forum.Document
}

// Put stores the full document under id, keeping its insertion position if it exists.
func Put(collection forum.CollectionName, id string, doc forum.Document) Op {
	return Op{Kind: OpPut, Collection: collection, ID: id, Document: doc}
}

// Remove deletes id from the collection. Removing a missing id is a no-op.
func Remove(collection forum.CollectionName, id string) Op {
	return Op{Kind: OpRemove, Collection: collection, ID: id}
}

// StoreConfig wires the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the local cache: a durable SQLite medium with an in-memory mirror.
// Reads are served from memory; writes commit to the medium first and then swap the
// mirror, so a failed transaction leaves both untouched.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	mu          sync.RWMutex
	collections map[forum.CollectionName]*collectionData
}

// NewStore opens a store and hydrates every collection from the medium before
// returning.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, forum.NewServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &Store{
		db:          cfg.Database,
		clock:       clock,
		logger:      logger,
		collections: make(map[forum.CollectionName]*collectionData),
	}
	for _, collection := range forum.AllCollections() {
		data, err := store.load(ctx, collection)
		if err != nil {
			store.logError(opStoreNew, "hydrate_failed", err, zap.String("collection", collection.String()))
			return nil, forum.NewServiceError(opStoreNew, "hydrate_failed", err)
		}
		store.collections[collection] = data
	}
	return store, nil
}

// Read returns the collection in insertion order. The documents are copies.
func (s *Store) Read(collection forum.CollectionName) forum.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.collections[collection]
	if !ok {
		return forum.Snapshot{Collection: collection}
	}
	documents := make([]forum.Document, 0, len(data.order))
	for _, id := range data.order {
		documents = append(documents, data.docs[id].Clone())
	}
	return forum.Snapshot{Collection: collection, Documents: documents, Confirmed: data.populated}
}

// Get returns a copy of one entity.
func (s *Store) Get(collection forum.CollectionName, id string) (forum.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.collections[collection]
	if !ok {
		return nil, false
	}
	doc, ok := data.docs[id]
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// Populated reports whether the collection has been filled from a snapshot at least once.
func (s *Store) Populated(collection forum.CollectionName) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.collections[collection]
	return ok && data.populated
}

// Write stores one entity.
func (s *Store) Write(ctx context.Context, collection forum.CollectionName, id string, doc forum.Document) error {
	return s.Apply(ctx, []Op{Put(collection, id, doc)})
}

// Delete removes one entity and reports whether it existed.
func (s *Store) Delete(ctx context.Context, collection forum.CollectionName, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.collections[collection]
	if !ok {
		return false, forum.NewServiceError(opApply, "unknown_collection", forum.ErrUnknownCollection)
	}
	if _, exists := data.docs[id]; !exists {
		return false, nil
	}
	if err := s.commitLocked(ctx, []Op{Remove(collection, id)}); err != nil {
		return false, err
	}
	return true, nil
}

// Apply commits every op in one transaction. Either all of them become visible or none.
func (s *Store) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(ctx, ops)
}

type stagedWrite struct {
	record *Record
	remove *forum.Ref
}

func (s *Store) commitLocked(ctx context.Context, ops []Op) error {
	now := s.clock().UTC().UnixMilli()
	staged := make(map[forum.CollectionName]*collectionData)
	writes := make([]stagedWrite, 0, len(ops))

	for _, op := range ops {
		current, ok := s.collections[op.Collection]
		if !ok {
			return forum.NewServiceError(opApply, "unknown_collection", fmt.Errorf("%w: %q", forum.ErrUnknownCollection, op.Collection))
		}
		id := strings.TrimSpace(op.ID)
		if id == "" {
			return forum.NewServiceError(opApply, "missing_entity_id", errMissingEntityID)
		}
		data, ok := staged[op.Collection]
		if !ok {
			data = current.clone()
			staged[op.Collection] = data
		}

		switch op.Kind {
		case OpPut:
			doc := op.Document.Clone()
			if doc == nil {
				doc = forum.Document{}
			}
			doc[forum.FieldID] = id
			raw, err := doc.Marshal()
			if err != nil {
				return forum.NewServiceError(opApply, "encode_failed", err)
			}
			position := data.put(id, doc)
			writes = append(writes, stagedWrite{record: &Record{
				Collection:      op.Collection.String(),
				EntityID:        id,
				Position:        position,
				DocumentJSON:    string(raw),
				UpdatedAtMillis: now,
			}})
		case OpRemove:
			data.remove(id)
			writes = append(writes, stagedWrite{remove: &forum.Ref{Collection: op.Collection, ID: id}})
		default:
			return forum.NewServiceError(opApply, "unknown_op", fmt.Errorf("%w: %d", errUnknownOpKind, op.Kind))
		}
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, write := range writes {
			if write.record != nil {
				if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(write.record).Error; err != nil {
					return err
				}
				continue
			}
			if err := tx.Where("collection = ? AND entity_id = ?", write.remove.Collection.String(), write.remove.ID).
				Delete(&Record{}).Error; err != nil {
				return err
			}
		}
		for collection, data := range staged {
			if err := saveState(tx, collection, data, now); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opApply, "commit_failed", txErr, zap.Int("ops", len(ops)))
		return forum.NewServiceError(opApply, "commit_failed", txErr)
	}

	for collection, data := range staged {
		s.collections[collection] = data
	}
	return nil
}

// Overwrite replaces a whole collection with the snapshot. An empty snapshot that is not
// Confirmed is refused and reported as not applied, so a failed or partial fetch never
// erases local state.
func (s *Store) Overwrite(ctx context.Context, snapshot forum.Snapshot) (bool, error) {
	if !snapshot.Collection.Valid() {
		return false, forum.NewServiceError(opOverwrite, "unknown_collection", fmt.Errorf("%w: %q", forum.ErrUnknownCollection, snapshot.Collection))
	}
	if snapshot.Len() == 0 && !snapshot.Confirmed {
		return false, nil
	}

	now := s.clock().UTC().UnixMilli()
	data := newCollectionData()
	data.populated = true
	for _, doc := range snapshot.Documents {
		id := strings.TrimSpace(doc.ID())
		if id == "" {
			s.logger.Warn("skipping snapshot document without id", zap.String("collection", snapshot.Collection.String()))
			continue
		}
		clone := doc.Clone()
		clone[forum.FieldID] = id
		data.put(id, clone)
	}

	records := make([]Record, 0, len(data.order))
	for _, id := range data.order {
		raw, err := data.docs[id].Marshal()
		if err != nil {
			return false, forum.NewServiceError(opOverwrite, "encode_failed", err)
		}
		records = append(records, Record{
			Collection:      snapshot.Collection.String(),
			EntityID:        id,
			Position:        data.positions[id],
			DocumentJSON:    string(raw),
			UpdatedAtMillis: now,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("collection = ?", snapshot.Collection.String()).Delete(&Record{}).Error; err != nil {
			return err
		}
		if len(records) > 0 {
			if err := tx.CreateInBatches(records, insertBatchSize).Error; err != nil {
				return err
			}
		}
		return saveState(tx, snapshot.Collection, data, now)
	})
	if txErr != nil {
		s.logError(opOverwrite, "commit_failed", txErr, zap.String("collection", snapshot.Collection.String()))
		return false, forum.NewServiceError(opOverwrite, "commit_failed", txErr)
	}

	s.collections[snapshot.Collection] = data
	return true, nil
}

// Reload re-reads one collection from the medium, picking up writes made by sibling
// processes sharing the same database file.
func (s *Store) Reload(ctx context.Context, collection forum.CollectionName) error {
	if !collection.Valid() {
		return forum.NewServiceError(opReload, "unknown_collection", fmt.Errorf("%w: %q", forum.ErrUnknownCollection, collection))
	}
	data, err := s.load(ctx, collection)
	if err != nil {
		s.logError(opReload, "load_failed", err, zap.String("collection", collection.String()))
		return forum.NewServiceError(opReload, "load_failed", err)
	}
	s.mu.Lock()
	s.collections[collection] = data
	s.mu.Unlock()
	return nil
}

// LoadSession returns the user id held in the session slot.
func (s *Store) LoadSession(ctx context.Context) (string, bool, error) {
	var slot SessionSlot
	err := s.db.WithContext(ctx).Where("slot = ?", sessionSlotCurrent).Take(&slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logError(opSession, "load_failed", err)
		return "", false, forum.NewServiceError(opSession, "load_failed", err)
	}
	return slot.UserID, slot.UserID != "", nil
}

// SaveSession points the session slot at userID.
func (s *Store) SaveSession(ctx context.Context, userID string) error {
	slot := SessionSlot{
		Slot:            sessionSlotCurrent,
		UserID:          userID,
		UpdatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&slot).Error; err != nil {
		s.logError(opSession, "save_failed", err, zap.String("user_id", userID))
		return forum.NewServiceError(opSession, "save_failed", err)
	}
	return nil
}

// ClearSession empties the session slot.
func (s *Store) ClearSession(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("slot = ?", sessionSlotCurrent).Delete(&SessionSlot{}).Error; err != nil {
		s.logError(opSession, "clear_failed", err)
		return forum.NewServiceError(opSession, "clear_failed", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, collection forum.CollectionName) (*collectionData, error) {
	var records []Record
	if err := s.db.WithContext(ctx).
		Where("collection = ?", collection.String()).
		Order("position ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}

	var state CollectionState
	err := s.db.WithContext(ctx).Where("collection = ?", collection.String()).Take(&state).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	data := newCollectionData()
	data.populated = state.Populated
	for _, record := range records {
		doc, parseErr := forum.ParseDocument([]byte(record.DocumentJSON))
		if parseErr != nil {
			s.logger.Warn("skipping unreadable cache record",
				zap.String("collection", record.Collection),
				zap.String("entity_id", record.EntityID),
				zap.Error(parseErr))
			continue
		}
		data.order = append(data.order, record.EntityID)
		data.docs[record.EntityID] = doc
		data.positions[record.EntityID] = record.Position
		if record.Position >= data.next {
			data.next = record.Position + 1
		}
	}
	if state.NextPosition > data.next {
		data.next = state.NextPosition
	}
	return data, nil
}

func saveState(tx *gorm.DB, collection forum.CollectionName, data *collectionData, now int64) error {
	state := CollectionState{
		Collection:      collection.String(),
		Populated:       data.populated,
		NextPosition:    data.next,
		UpdatedAtMillis: now,
	}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&state).Error
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("cache error", attrs...)
}
