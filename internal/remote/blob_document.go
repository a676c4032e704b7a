package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
)

const lastUpdatedKey = "last_updated"

// blobDocument is the shared remote document: every collection embedded under its name.
// Keys this version does not know are carried through untouched.
type blobDocument struct {
	collections map[forum.CollectionName][]forum.Document
	extra       map[string]json.RawMessage
	lastUpdated int64
}

func newBlobDocument() *blobDocument {
	return &blobDocument{
		collections: make(map[forum.CollectionName][]forum.Document),
		extra:       make(map[string]json.RawMessage),
	}
}

func decodeBlobDocument(raw []byte) (*blobDocument, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}

	doc := newBlobDocument()
	for key, value := range fields {
		if key == lastUpdatedKey {
			if err := json.Unmarshal(value, &doc.lastUpdated); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, key, err)
			}
			continue
		}
		collection, err := forum.ParseCollection(key)
		if err != nil {
			doc.extra[key] = value
			continue
		}
		if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			continue
		}
		var documents []forum.Document
		if err := json.Unmarshal(value, &documents); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, key, err)
		}
		kept := documents[:0]
		for _, item := range documents {
			if item != nil && item.ID() != "" {
				kept = append(kept, item)
			}
		}
		doc.collections[collection] = kept
	}
	return doc, nil
}

func (d *blobDocument) encode() ([]byte, error) {
	fields := make(map[string]any, len(d.collections)+len(d.extra)+1)
	for key, value := range d.extra {
		fields[key] = value
	}
	for collection, documents := range d.collections {
		if documents == nil {
			documents = []forum.Document{}
		}
		fields[collection.String()] = documents
	}
	fields[lastUpdatedKey] = d.lastUpdated
	return json.Marshal(fields)
}

// snapshot reports the collection as confirmed only when the document carries it.
func (d *blobDocument) snapshot(collection forum.CollectionName) forum.Snapshot {
	documents, ok := d.collections[collection]
	clones := make([]forum.Document, 0, len(documents))
	for _, item := range documents {
		clones = append(clones, item.Clone())
	}
	return forum.Snapshot{Collection: collection, Documents: clones, Confirmed: ok}
}

// upsert replaces the entity in place or appends it.
func (d *blobDocument) upsert(collection forum.CollectionName, entity forum.Document) {
	documents := d.collections[collection]
	id := entity.ID()
	for index, item := range documents {
		if item.ID() == id {
			documents[index] = entity.Clone()
			d.collections[collection] = documents
			return
		}
	}
	d.collections[collection] = append(documents, entity.Clone())
}

func (d *blobDocument) remove(collection forum.CollectionName, id string) {
	documents, ok := d.collections[collection]
	if !ok {
		return
	}
	kept := make([]forum.Document, 0, len(documents))
	for _, item := range documents {
		if item.ID() != id {
			kept = append(kept, item)
		}
	}
	d.collections[collection] = kept
}

func (d *blobDocument) collectionNames() []string {
	names := make([]string, 0, len(d.collections))
	for collection := range d.collections {
		names = append(names, collection.String())
	}
	sort.Strings(names)
	return names
}
