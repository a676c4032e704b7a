package cache

import "github.com/MarcoPoloResearchLab/forumsync/internal/forum"

// collectionData is the in-memory mirror of one collection. Stored documents are never
// mutated in place, so clones may share them.
type collectionData struct {
	order     []string
	docs      map[string]forum.Document
	positions map[string]int64
	next      int64
	populated bool
}

func newCollectionData() *collectionData {
	return &collectionData{
		docs:      make(map[string]forum.Document),
		positions: make(map[string]int64),
	}
}

func (c *collectionData) clone() *collectionData {
	out := &collectionData{
		order:     append([]string(nil), c.order...),
		docs:      make(map[string]forum.Document, len(c.docs)),
		positions: make(map[string]int64, len(c.positions)),
		next:      c.next,
		populated: c.populated,
	}
	for id, doc := range c.docs {
		out.docs[id] = doc
	}
	for id, position := range c.positions {
		out.positions[id] = position
	}
	return out
}

func (c *collectionData) put(id string, doc forum.Document) int64 {
	if position, ok := c.positions[id]; ok {
		c.docs[id] = doc
		return position
	}
	position := c.next
	c.next++
	c.order = append(c.order, id)
	c.docs[id] = doc
	c.positions[id] = position
	return position
}

func (c *collectionData) remove(id string) bool {
	if _, ok := c.docs[id]; !ok {
		return false
	}
	delete(c.docs, id)
	delete(c.positions, id)
	for index, candidate := range c.order {
		if candidate == id {
			c.order = append(c.order[:index:index], c.order[index+1:]...)
			break
		}
	}
	return true
}
