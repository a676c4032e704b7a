package remote

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"github.com/MarcoPoloResearchLab/forumsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/forumsync/internal/ringbuffer"
	"go.uber.org/zap"
)

const (
	defaultPushQueue       = 256
	defaultPendingCapacity = 512
)

var errMissingAdapter = errors.New("remote adapter is required")

// PusherConfig configures a Pusher.
type PusherConfig struct {
	Adapter      Adapter
	Connectivity *Connectivity
	QueueSize    int
	// PendingCapacity bounds how many distinct entities wait for a retry.
	PendingCapacity int
	// Resolve returns the current local state of an entity, so a retry sends the latest
	// version rather than the one that failed.
	Resolve func(forum.Ref) (forum.Document, bool)
	Metrics *metrics.Collectors
	Logger  *zap.Logger
}

// outboxEntry is one change with its enqueue sequence. A success settles the entity
// only when no newer change for it arrived in the meantime.
type outboxEntry struct {
	change forum.Change
	seq    uint64
}

// Pusher sends local changes to the remote from a single worker, preserving their
// order. Enqueue never blocks; failed changes wait in a bounded pending set and are
// retried once per pull cycle. Until the remote accepts a change it is unsettled and
// Unsettled reports it, so pulls can reassert it over remote snapshots.
type Pusher struct {
	adapter      Adapter
	connectivity *Connectivity
	resolve      func(forum.Ref) (forum.Document, bool)
	metrics      *metrics.Collectors
	logger       *zap.Logger
	queue        chan outboxEntry

	pendingMu    sync.Mutex
	seq          uint64
	pendingOrder *ringbuffer.Buffer[forum.Ref]
	pending      map[forum.Ref]outboxEntry
	unsettled    map[forum.Ref]outboxEntry

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewPusher builds a Pusher. Start launches its worker.
func NewPusher(cfg PusherConfig) (*Pusher, error) {
	if cfg.Adapter == nil {
		return nil, forum.NewServiceError("remote.pusher.new", "missing_adapter", errMissingAdapter)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultPushQueue
	}
	pendingCapacity := cfg.PendingCapacity
	if pendingCapacity <= 0 {
		pendingCapacity = defaultPendingCapacity
	}
	order, err := ringbuffer.New[forum.Ref](pendingCapacity)
	if err != nil {
		return nil, forum.NewServiceError("remote.pusher.new", "invalid_pending_capacity", err)
	}
	connectivity := cfg.Connectivity
	if connectivity == nil {
		connectivity = NewConnectivity(true)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pusher{
		adapter:      cfg.Adapter,
		connectivity: connectivity,
		resolve:      cfg.Resolve,
		metrics:      cfg.Metrics,
		logger:       logger,
		queue:        make(chan outboxEntry, queueSize),
		pendingOrder: order,
		pending:      make(map[forum.Ref]outboxEntry),
		unsettled:    make(map[forum.Ref]outboxEntry),
	}, nil
}

// Start launches the worker. Calling it twice is a no-op.
func (p *Pusher) Start(ctx context.Context) {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.cancel != nil {
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(workerCtx, p.done)
}

// Close stops the worker without waiting for an in-flight push.
func (p *Pusher) Close() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// Done is closed when the worker has exited.
func (p *Pusher) Done() <-chan struct{} {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return p.done
}

// Enqueue hands a change to the worker. When the queue is full the change goes
// straight to the pending set and false is returned.
func (p *Pusher) Enqueue(change forum.Change) bool {
	entry := p.track(change)
	select {
	case p.queue <- entry:
		return true
	default:
		p.metrics.Push("queue_full")
		p.addPending(entry)
		return false
	}
}

// Pending returns how many entities wait for a retry.
func (p *Pusher) Pending() int {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return len(p.pending)
}

// Unsettled returns the latest change of every entity of collection that the remote
// has not accepted yet, oldest first.
func (p *Pusher) Unsettled(collection forum.CollectionName) []forum.Change {
	p.pendingMu.Lock()
	entries := make([]outboxEntry, 0, len(p.unsettled))
	for ref, entry := range p.unsettled {
		if ref.Collection == collection {
			entries = append(entries, entry)
		}
	}
	p.pendingMu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	changes := make([]forum.Change, 0, len(entries))
	for _, entry := range entries {
		changes = append(changes, entry.change)
	}
	return changes
}

// RetryPending pushes every pending entity once and returns how many were attempted.
// Entities that fail again stay pending for the next cycle.
func (p *Pusher) RetryPending(ctx context.Context) int {
	p.pendingMu.Lock()
	refs := p.pendingOrder.Drain()
	batch := make([]outboxEntry, 0, len(p.pending))
	for _, ref := range refs {
		entry, ok := p.pending[ref]
		if !ok {
			continue
		}
		delete(p.pending, ref)
		batch = append(batch, entry)
	}
	p.pendingMu.Unlock()

	for _, entry := range batch {
		if ctx.Err() != nil {
			p.addPending(entry)
			continue
		}
		entry.change = p.latest(entry.change)
		p.metrics.Push("retried")
		p.send(ctx, entry)
	}
	return len(batch)
}

// latest refreshes the entity of a recorded change from local state. A recorded
// removal is sent as is, and an entity missing locally keeps its recorded version.
func (p *Pusher) latest(change forum.Change) forum.Change {
	if p.resolve == nil || change.Removed() {
		return change
	}
	if current, ok := p.resolve(change.Ref()); ok {
		change.Entity = current
	}
	return change
}

func (p *Pusher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-p.queue:
			p.send(ctx, entry)
		}
	}
}

func (p *Pusher) track(change forum.Change) outboxEntry {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	p.seq++
	entry := outboxEntry{change: change, seq: p.seq}
	p.unsettled[change.Ref()] = entry
	return entry
}

func (p *Pusher) push(ctx context.Context, change forum.Change) {
	p.send(ctx, p.track(change))
}

func (p *Pusher) send(ctx context.Context, entry outboxEntry) {
	change := entry.change
	if err := p.adapter.Push(ctx, change); err != nil {
		if ctx.Err() == nil && !errors.Is(err, ErrBlobNotFound) {
			p.connectivity.Set(false)
		}
		p.metrics.Push("failed")
		p.logger.Warn("remote push failed",
			zap.String("ref", change.Ref().String()),
			zap.String("kind", string(change.Mutation.Kind)),
			zap.Error(err))
		p.addPending(entry)
		return
	}
	p.metrics.Push("ok")
	p.connectivity.Set(true)
	p.settle(entry)
}

func (p *Pusher) settle(entry outboxEntry) {
	ref := entry.change.Ref()
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if pending, ok := p.pending[ref]; ok && pending.seq <= entry.seq {
		delete(p.pending, ref)
	}
	if unsettled, ok := p.unsettled[ref]; ok && unsettled.seq <= entry.seq {
		delete(p.unsettled, ref)
	}
}

func (p *Pusher) addPending(entry outboxEntry) {
	ref := entry.change.Ref()
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if existing, ok := p.pending[ref]; ok {
		if existing.seq < entry.seq {
			p.pending[ref] = entry
		}
		return
	}
	p.pending[ref] = entry
	evicted, ok := p.pendingOrder.Push(ref)
	if !ok || evicted == ref {
		return
	}
	// A ref may sit in the order buffer more than once after a success and a new failure.
	for _, queued := range p.pendingOrder.Items() {
		if queued == evicted {
			return
		}
	}
	if dropped, live := p.pending[evicted]; live {
		delete(p.pending, evicted)
		if unsettled, ok := p.unsettled[evicted]; ok && unsettled.seq <= dropped.seq {
			delete(p.unsettled, evicted)
		}
		p.metrics.Push("dropped")
		p.logger.Warn("pending push dropped", zap.String("ref", evicted.String()))
	}
}
