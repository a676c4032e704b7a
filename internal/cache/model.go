package cache

// Record is one persisted entity of a collection.
type Record struct {
	Collection      string `gorm:"column:collection;primaryKey;size:64"`
	EntityID        string `gorm:"column:entity_id;primaryKey;size:190"`
	Position        int64  `gorm:"column:position;not null;index:idx_cache_records_order"`
	DocumentJSON    string `gorm:"column:document_json;type:text;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

func (Record) TableName() string {
	return "cache_records"
}

// CollectionState tracks whether a collection has been populated at least once and
// the next insertion position.
type CollectionState struct {
	Collection      string `gorm:"column:collection;primaryKey;size:64"`
	Populated       bool   `gorm:"column:populated;not null"`
	NextPosition    int64  `gorm:"column:next_position;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

func (CollectionState) TableName() string {
	return "cache_collections"
}

// SessionSlot is the single-record slot holding the current session pointer.
type SessionSlot struct {
	Slot            string `gorm:"column:slot;primaryKey;size:32"`
	UserID          string `gorm:"column:user_id;size:190;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

func (SessionSlot) TableName() string {
	return "cache_session"
}

// Models lists the tables the cache needs migrated.
func Models() []any {
	return []any{&Record{}, &CollectionState{}, &SessionSlot{}}
}
