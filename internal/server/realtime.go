package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
)

const defaultRealtimeBuffer = 16

// RealtimeMessage announces that a collection changed on the relay. Subscribers re-read
// the collection; the message carries no documents.
type RealtimeMessage struct {
	Collection forum.CollectionName
	Timestamp  time.Time
}

// RealtimeDispatcher fans change messages out to live subscribers of one collection.
// A subscriber whose buffer is full misses the message; the next one still makes it
// re-read the whole collection.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[forum.CollectionName]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[forum.CollectionName]map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBuffer,
	}
}

// Subscribe registers interest in a collection until ctx is done or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, collection forum.CollectionName) (<-chan RealtimeMessage, func()) {
	if !collection.Valid() {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(collection, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(collection, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if !message.Collection.Valid() {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Collection]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the live subscribers of a collection.
func (d *RealtimeDispatcher) SubscriberCount(collection forum.CollectionName) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[collection])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(collection forum.CollectionName, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[collection]; !ok {
		d.subscribers[collection] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[collection][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(collection forum.CollectionName, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[collection]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, collection)
		}
	}
	d.mu.Unlock()
}
