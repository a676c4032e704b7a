package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	signalSuffix     = ".signal"
	sessionSignalKey = "session"
)

var (
	errMissingDirectory = errors.New("signal directory is required")
	errInvalidOrigin    = errors.New("origin must be a non-empty name without separators")
)

// DeviceBusConfig configures a DeviceBus.
type DeviceBusConfig struct {
	// Directory is shared by every process on the device.
	Directory string
	// Origin names this process; it must be unique among the siblings.
	Origin string
	// OnRemote runs before local delivery of a sibling's notification, typically to
	// reload the collection from the shared medium.
	OnRemote   func(context.Context, Notification)
	Dispatcher *Dispatcher
	Clock      func() time.Time
	Logger     *zap.Logger
}

// DeviceBus extends a Dispatcher across processes sharing a directory. Each process
// owns one signal file per collection holding its latest notification; an fsnotify
// watcher turns sibling writes into local deliveries. Only the latest signal is kept,
// so a reader that misses an intermediate one still sees the newest.
type DeviceBus struct {
	local     *Dispatcher
	directory string
	origin    string
	onRemote  func(context.Context, Notification)
	clock     func() time.Time
	logger    *zap.Logger

	sequence atomic.Uint64
	writeMu  sync.Mutex

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	lastSeen map[string]uint64
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type signalPayload struct {
	Origin      string `json:"origin"`
	Sequence    uint64 `json:"seq"`
	Collection  string `json:"collection,omitempty"`
	Kind        string `json:"kind"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// NewDeviceBus validates the configuration and prepares the signal directory.
func NewDeviceBus(cfg DeviceBusConfig) (*DeviceBus, error) {
	directory := strings.TrimSpace(cfg.Directory)
	if directory == "" {
		return nil, forum.NewServiceError("bus.device.new", "missing_directory", errMissingDirectory)
	}
	origin := strings.TrimSpace(cfg.Origin)
	if origin == "" || strings.ContainsAny(origin, `/\.`) {
		return nil, forum.NewServiceError("bus.device.new", "invalid_origin", errInvalidOrigin)
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, forum.NewServiceError("bus.device.new", "mkdir_failed", err)
	}
	local := cfg.Dispatcher
	if local == nil {
		local = NewDispatcher(DispatcherConfig{Logger: cfg.Logger})
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	deviceBus := &DeviceBus{
		local:     local,
		directory: directory,
		origin:    origin,
		onRemote:  cfg.OnRemote,
		clock:     clock,
		logger:    logger,
		lastSeen:  make(map[string]uint64),
	}
	// Sequences start from the boot time so a restarted sibling is not mistaken for a stale one.
	deviceBus.sequence.Store(uint64(time.Now().UnixNano()))
	return deviceBus, nil
}

// Origin returns the name of this process on the bus.
func (b *DeviceBus) Origin() string {
	return b.origin
}

// Subscribe registers a local handler.
func (b *DeviceBus) Subscribe(handler Handler) func() {
	return b.local.Subscribe(handler)
}

// Publish delivers locally and signals sibling processes. Signalling failures are logged.
func (b *DeviceBus) Publish(notification Notification) {
	if notification.Origin == "" {
		notification.Origin = b.origin
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = b.clock()
	}
	b.local.Publish(notification)
	if notification.Origin != b.origin {
		return
	}
	if err := b.writeSignal(notification); err != nil {
		b.logger.Warn("device bus signal write failed",
			zap.String("collection", notification.Collection.String()),
			zap.Stringer("kind", notification.Kind),
			zap.Error(err))
	}
}

// Start begins watching the shared directory. It is non-blocking.
func (b *DeviceBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return forum.NewServiceError("bus.device.start", "watcher_failed", err)
	}
	if err := watcher.Add(b.directory); err != nil {
		_ = watcher.Close()
		return forum.NewServiceError("bus.device.start", "watch_failed", err)
	}
	b.watcher = watcher
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	b.running = true
	go b.run(ctx, watcher, b.stopCh, b.doneCh)
	b.logger.Debug("device bus watching", zap.String("directory", b.directory), zap.String("origin", b.origin))
	return nil
}

// Close stops the watcher and the local dispatcher.
func (b *DeviceBus) Close() {
	b.mu.Lock()
	running := b.running
	b.running = false
	watcher, stopCh, doneCh := b.watcher, b.stopCh, b.doneCh
	b.watcher = nil
	b.mu.Unlock()

	if running {
		close(stopCh)
		<-doneCh
		if err := watcher.Close(); err != nil {
			b.logger.Warn("device bus watcher close failed", zap.Error(err))
		}
	}
	b.local.Close()
}

func (b *DeviceBus) run(ctx context.Context, watcher *fsnotify.Watcher, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			b.handleEvent(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("device bus watcher error", zap.Error(err))
		}
	}
}

func (b *DeviceBus) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, signalSuffix) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if strings.HasPrefix(filepath.Base(event.Name), b.origin+".") {
		return
	}

	raw, err := os.ReadFile(event.Name)
	if err != nil {
		b.logger.Debug("device bus signal vanished", zap.String("path", event.Name), zap.Error(err))
		return
	}
	var payload signalPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		b.logger.Debug("device bus signal unreadable", zap.String("path", event.Name), zap.Error(err))
		return
	}
	if payload.Origin == b.origin {
		return
	}

	b.mu.Lock()
	key := filepath.Base(event.Name)
	if payload.Sequence <= b.lastSeen[key] {
		b.mu.Unlock()
		return
	}
	b.lastSeen[key] = payload.Sequence
	b.mu.Unlock()

	notification, err := payload.notification()
	if err != nil {
		b.logger.Debug("device bus signal invalid", zap.String("path", event.Name), zap.Error(err))
		return
	}
	if b.onRemote != nil {
		b.onRemote(ctx, notification)
	}
	b.local.Publish(notification)
}

func (b *DeviceBus) writeSignal(notification Notification) error {
	payload := signalPayload{
		Origin:      b.origin,
		Sequence:    b.sequence.Add(1),
		Collection:  notification.Collection.String(),
		Kind:        notification.Kind.String(),
		TimestampMs: notification.Timestamp.UnixMilli(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	key := payload.Collection
	if key == "" {
		key = sessionSignalKey
	}
	target := filepath.Join(b.directory, fmt.Sprintf("%s.%s%s", b.origin, key, signalSuffix))

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	temp, err := os.CreateTemp(b.directory, "."+b.origin+"-*.tmp")
	if err != nil {
		return err
	}
	if _, err := temp.Write(raw); err != nil {
		_ = temp.Close()
		_ = os.Remove(temp.Name())
		return err
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(temp.Name())
		return err
	}
	return os.Rename(temp.Name(), target)
}

func (p signalPayload) notification() (Notification, error) {
	kind, err := ParseKind(p.Kind)
	if err != nil {
		return Notification{}, err
	}
	var collection forum.CollectionName
	if p.Collection != "" {
		collection, err = forum.ParseCollection(p.Collection)
		if err != nil {
			return Notification{}, err
		}
	}
	return Notification{
		Collection: collection,
		Kind:       kind,
		Timestamp:  time.UnixMilli(p.TimestampMs),
		Origin:     p.Origin,
	}, nil
}
