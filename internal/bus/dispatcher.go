package bus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const defaultQueueSize = 16

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	QueueSize int
	Logger    *zap.Logger
	// OnDrop is called whenever a notification is dropped for a full subscriber.
	OnDrop func(Notification)
}

// Dispatcher fans notifications out to in-process subscribers. Each subscriber owns a
// bounded queue drained by its own goroutine, so delivery is ordered per publisher and
// a slow subscriber only loses its own notifications.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	queueSize   int
	closed      bool
	logger      *zap.Logger
	onDrop      func(Notification)
	dropped     atomic.Uint64
	workers     sync.WaitGroup
}

type subscriber struct {
	id      int64
	handler Handler
	queue   chan Notification
	done    chan struct{}
	stop    sync.Once
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		queueSize:   queueSize,
		logger:      logger,
		onDrop:      cfg.OnDrop,
	}
}

// Subscribe registers handler and returns its cancel function. Subscribing to a closed
// dispatcher returns a no-op cancel.
func (d *Dispatcher) Subscribe(handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return func() {}
	}
	d.nextID++
	sub := &subscriber{
		id:      d.nextID,
		handler: handler,
		queue:   make(chan Notification, d.queueSize),
		done:    make(chan struct{}),
	}
	d.subscribers[sub.id] = sub
	d.workers.Add(1)
	d.mu.Unlock()

	go d.deliver(sub)

	return func() {
		d.mu.Lock()
		delete(d.subscribers, sub.id)
		d.mu.Unlock()
		sub.stop.Do(func() { close(sub.done) })
	}
}

// Publish enqueues the notification for every current subscriber without blocking.
func (d *Dispatcher) Publish(notification Notification) {
	if !notification.Kind.Valid() {
		d.logger.Warn("dropping notification with unknown kind", zap.Int("kind", int(notification.Kind)))
		return
	}
	d.mu.RLock()
	if d.closed || len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()

	for _, sub := range copies {
		select {
		case sub.queue <- notification:
		default:
			d.dropped.Add(1)
			if d.onDrop != nil {
				d.onDrop(notification)
			}
			d.logger.Debug("subscriber queue full, notification dropped",
				zap.String("collection", notification.Collection.String()),
				zap.Stringer("kind", notification.Kind))
		}
	}
}

// Dropped returns how many notifications were lost to full queues.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops every delivery goroutine and waits for them. Queued notifications that
// were not delivered yet are discarded.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subscribers := d.subscribers
	d.subscribers = make(map[int64]*subscriber)
	d.mu.Unlock()

	for _, sub := range subscribers {
		sub.stop.Do(func() { close(sub.done) })
	}
	d.workers.Wait()
}

func (d *Dispatcher) deliver(sub *subscriber) {
	defer d.workers.Done()
	for {
		select {
		case <-sub.done:
			return
		case notification := <-sub.queue:
			select {
			case <-sub.done:
				return
			default:
			}
			d.invoke(sub, notification)
		}
	}
}

func (d *Dispatcher) invoke(sub *subscriber, notification Notification) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("bus subscriber panicked",
				zap.Int64("subscriber", sub.id),
				zap.Any("panic", recovered))
		}
	}()
	sub.handler(notification)
}
