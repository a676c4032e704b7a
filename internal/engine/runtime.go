// Package engine assembles one client runtime: the local cache, the cross-client bus, the
// remote adapter with its push and pull loops, the mutation coordinator, the derived-state
// engine, the session and the forum actions. Nothing is global; several runtimes can live
// in one process.
package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/bus"
	"github.com/MarcoPoloResearchLab/forumsync/internal/cache"
	"github.com/MarcoPoloResearchLab/forumsync/internal/community"
	"github.com/MarcoPoloResearchLab/forumsync/internal/config"
	"github.com/MarcoPoloResearchLab/forumsync/internal/coordinator"
	"github.com/MarcoPoloResearchLab/forumsync/internal/database"
	"github.com/MarcoPoloResearchLab/forumsync/internal/derived"
	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"github.com/MarcoPoloResearchLab/forumsync/internal/logging"
	"github.com/MarcoPoloResearchLab/forumsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/forumsync/internal/remote"
	"github.com/MarcoPoloResearchLab/forumsync/internal/ringbuffer"
	"github.com/MarcoPoloResearchLab/forumsync/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opRuntimeNew   = "engine.runtime.new"
	opRuntimeStart = "engine.runtime.start"

	activityCapacity = 100
)

var errClosed = errors.New("runtime is closed")

// Config wires a Runtime. Settings carries the declarative part; the remaining fields
// inject collaborators that tests and embedding programs may want to replace.
type Config struct {
	Settings config.EngineConfig
	// Adapter overrides the adapter selected by Settings.SyncMode.
	Adapter    remote.Adapter
	Tokens     session.TokenValidator
	IDs        forum.IDProvider
	Registerer prometheus.Registerer
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Runtime is the explicit context object holding every component of one client.
type Runtime struct {
	settings config.EngineConfig
	logger   *zap.Logger

	db           *gorm.DB
	cache        *cache.Store
	dispatcher   *bus.Dispatcher
	device       *bus.DeviceBus
	bus          bus.Bus
	connectivity *remote.Connectivity
	pusher       *remote.Pusher
	syncer       *remote.Syncer
	coordinator  *coordinator.Coordinator
	derived      *derived.Engine
	session      *session.Manager
	community    *community.Service
	metrics      *metrics.Collectors

	activity     *ringbuffer.Buffer[bus.Notification]
	unsubscribes []func()

	lifecycleMu sync.Mutex
	started     bool
	closed      bool
	cancel      context.CancelFunc
	loops       sync.WaitGroup
}

// New builds every component in dependency order. Nothing runs until Start.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	settings := cfg.Settings
	if err := settings.Validate(); err != nil {
		return nil, forum.NewServiceError(opRuntimeNew, "invalid_config", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("origin", settings.BusOrigin))
	ids := cfg.IDs
	if ids == nil {
		ids = forum.NewUUIDProvider()
	}
	location := time.UTC
	if settings.Timezone != "" {
		loaded, err := time.LoadLocation(settings.Timezone)
		if err != nil {
			return nil, forum.NewServiceError(opRuntimeNew, "invalid_timezone", err)
		}
		location = loaded
	}

	runtime := &Runtime{
		settings: settings,
		logger:   logger,
		metrics:  metrics.New(cfg.Registerer),
	}
	activity, err := ringbuffer.New[bus.Notification](activityCapacity)
	if err != nil {
		return nil, forum.NewServiceError(opRuntimeNew, "activity_log", err)
	}
	runtime.activity = activity

	built := false
	defer func() {
		if !built {
			runtime.release()
		}
	}()

	runtime.db, err = database.OpenSQLite(settings.CachePath, logging.Named(logger, "database", ""))
	if err != nil {
		return nil, forum.NewServiceError(opRuntimeNew, "open_cache", err)
	}
	runtime.cache, err = cache.NewStore(ctx, cache.StoreConfig{
		Database: runtime.db,
		Clock:    clock,
		Logger:   logging.Named(logger, "cache", ""),
	})
	if err != nil {
		return nil, err
	}

	runtime.dispatcher = bus.NewDispatcher(bus.DispatcherConfig{
		Logger: logging.Named(logger, "bus", ""),
		OnDrop: func(bus.Notification) { runtime.metrics.BusDropped() },
	})
	runtime.bus = runtime.dispatcher
	if settings.BusDirectory != "" {
		runtime.device, err = bus.NewDeviceBus(bus.DeviceBusConfig{
			Directory:  settings.BusDirectory,
			Origin:     settings.BusOrigin,
			OnRemote:   runtime.onSiblingChange,
			Dispatcher: runtime.dispatcher,
			Clock:      clock,
			Logger:     logging.Named(logger, "bus", ""),
		})
		if err != nil {
			return nil, err
		}
		runtime.bus = runtime.device
	}

	runtime.connectivity = remote.NewConnectivity(true)
	runtime.metrics.SetOnline(true)
	runtime.connectivity.OnChange(runtime.metrics.SetOnline)

	adapter := cfg.Adapter
	if adapter == nil {
		adapter, err = newAdapter(ctx, settings, cfg.HTTPClient, clock, logging.Named(logger, "remote", ""))
		if err != nil {
			return nil, forum.NewServiceError(opRuntimeNew, "remote_adapter", err)
		}
	}

	var pushes coordinator.ChangeQueue
	if adapter != nil {
		runtime.pusher, err = remote.NewPusher(remote.PusherConfig{
			Adapter:      adapter,
			Connectivity: runtime.connectivity,
			QueueSize:    settings.PushQueue,
			Resolve:      runtime.resolve,
			Metrics:      runtime.metrics,
			Logger:       logging.Named(logger, "pusher", ""),
		})
		if err != nil {
			return nil, err
		}
		pushes = runtime.pusher
		runtime.syncer, err = remote.NewSyncer(remote.SyncerConfig{
			Adapter:      adapter,
			Store:        runtime.cache,
			Bus:          runtime.bus,
			Pusher:       runtime.pusher,
			Connectivity: runtime.connectivity,
			Interval:     settings.SyncInterval,
			PullTimeout:  settings.PullTimeout,
			AfterCycle:   runtime.afterCycle,
			Guard:        runtime.exclusive,
			Origin:       settings.BusOrigin,
			Metrics:      runtime.metrics,
			Clock:        clock,
			Logger:       logging.Named(logger, "syncer", ""),
		})
		if err != nil {
			return nil, err
		}
	}

	runtime.coordinator, err = coordinator.New(coordinator.Config{
		Store:   runtime.cache,
		Bus:     runtime.bus,
		Pushes:  pushes,
		IDs:     ids,
		Origin:  settings.BusOrigin,
		Metrics: runtime.metrics,
		Clock:   clock,
		Logger:  logging.Named(logger, "coordinator", ""),
	})
	if err != nil {
		return nil, err
	}

	catalog, err := loadCatalog(settings.CatalogPath)
	if err != nil {
		return nil, forum.NewServiceError(opRuntimeNew, "catalog", err)
	}
	runtime.derived, err = derived.New(derived.Config{
		Coordinator: runtime.coordinator,
		Store:       runtime.cache,
		Catalog:     catalog,
		Location:    location,
		Clock:       clock,
		Logger:      logging.Named(logger, "derived", ""),
	})
	if err != nil {
		return nil, err
	}
	runtime.coordinator.SetDeriver(runtime.derived)

	runtime.session, err = session.New(ctx, session.Config{
		Store:  runtime.cache,
		Bus:    runtime.bus,
		Tokens: cfg.Tokens,
		Origin: settings.BusOrigin,
		Clock:  clock,
		Logger: logging.Named(logger, "session", ""),
	})
	if err != nil {
		return nil, err
	}

	runtime.community, err = community.NewService(community.ServiceConfig{
		Coordinator: runtime.coordinator,
		Store:       runtime.cache,
		Catalog:     catalog,
		Clock:       clock,
		Logger:      logging.Named(logger, "community", ""),
	})
	if err != nil {
		return nil, err
	}

	runtime.unsubscribes = append(runtime.unsubscribes, runtime.bus.Subscribe(func(notification bus.Notification) {
		runtime.activity.Push(notification)
	}))

	built = true
	return runtime, nil
}

func newAdapter(ctx context.Context, settings config.EngineConfig, client *http.Client, clock func() time.Time, logger *zap.Logger) (remote.Adapter, error) {
	switch settings.SyncMode {
	case config.SyncModeBlobHTTP:
		store, err := remote.NewHTTPBlobStore(remote.HTTPBlobStoreConfig{URL: settings.BlobURL, Token: settings.SyncToken, Client: client})
		if err != nil {
			return nil, err
		}
		return remote.NewPollingAdapter(remote.PollingConfig{Store: store, Clock: clock, Logger: logger})
	case config.SyncModeBlobS3:
		store, err := remote.NewS3BlobStore(ctx, remote.S3Config{
			Region:     settings.S3.Region,
			Bucket:     settings.S3.Bucket,
			Key:        settings.S3.Key,
			Endpoint:   settings.S3.Endpoint,
			PathStyle:  settings.S3.PathStyle,
			HTTPClient: client,
		})
		if err != nil {
			return nil, err
		}
		return remote.NewPollingAdapter(remote.PollingConfig{Store: store, Clock: clock, Logger: logger})
	case config.SyncModeLive:
		return remote.NewLiveAdapter(remote.LiveConfig{BaseURL: settings.RelayURL, Token: settings.SyncToken, Client: client, Logger: logger})
	default:
		return nil, nil
	}
}

func loadCatalog(path string) (*derived.Catalog, error) {
	if path == "" {
		return derived.DefaultCatalog()
	}
	return derived.LoadCatalog(path)
}

// Start launches the sibling watcher, the push worker and the pull loop. The loops stop
// when ctx is done or Close is called.
func (r *Runtime) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.closed {
		return forum.NewServiceError(opRuntimeStart, "closed", errClosed)
	}
	if r.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	if r.device != nil {
		if err := r.device.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}
	if r.pusher != nil {
		r.pusher.Start(runCtx)
	}
	if r.syncer != nil {
		r.loops.Add(1)
		go func() {
			defer r.loops.Done()
			if err := r.syncer.Run(runCtx); err != nil {
				r.logger.Warn("pull loop stopped", zap.Error(err))
			}
		}()
	}
	r.cancel = cancel
	r.started = true
	r.logger.Info("runtime started", zap.String("sync_mode", string(r.settings.SyncMode)))
	return nil
}

// Close stops the loops and the bus and releases the cache. In-flight pushes are
// abandoned; their entities are pushed again on a later run only if changed again.
func (r *Runtime) Close() {
	r.lifecycleMu.Lock()
	if r.closed {
		r.lifecycleMu.Unlock()
		return
	}
	r.closed = true
	cancel := r.cancel
	r.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.loops.Wait()
	r.release()
}

func (r *Runtime) release() {
	for _, unsubscribe := range r.unsubscribes {
		unsubscribe()
	}
	r.unsubscribes = nil
	if r.pusher != nil {
		r.pusher.Close()
	}
	if r.device != nil {
		r.device.Close()
	} else if r.dispatcher != nil {
		r.dispatcher.Close()
	}
	if r.db != nil {
		if sqlDB, err := r.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				r.logger.Warn("cache close failed", zap.Error(err))
			}
		}
	}
}

// SyncOnce runs a single pull cycle outside the loop. It is a no-op when sync is off.
func (r *Runtime) SyncOnce(ctx context.Context) {
	if r.syncer != nil {
		r.syncer.SyncOnce(ctx)
	}
}

// Cache returns the local cache.
func (r *Runtime) Cache() *cache.Store { return r.cache }

// Bus returns the cross-client bus.
func (r *Runtime) Bus() bus.Bus { return r.bus }

// Coordinator returns the mutation coordinator.
func (r *Runtime) Coordinator() *coordinator.Coordinator { return r.coordinator }

// Derived returns the derived-state engine.
func (r *Runtime) Derived() *derived.Engine { return r.derived }

// Session returns the session manager.
func (r *Runtime) Session() *session.Manager { return r.session }

// Community returns the forum actions.
func (r *Runtime) Community() *community.Service { return r.community }

// Online reports the connectivity flag.
func (r *Runtime) Online() bool { return r.connectivity.Online() }

// OnConnectivityChange registers a listener for the connectivity flag.
func (r *Runtime) OnConnectivityChange(listener func(bool)) func() {
	return r.connectivity.OnChange(listener)
}

// PendingPushes reports how many changes wait for a retry.
func (r *Runtime) PendingPushes() int {
	if r.pusher == nil {
		return 0
	}
	return r.pusher.Pending()
}

// Activity returns the most recent notifications, oldest first.
func (r *Runtime) Activity() []bus.Notification {
	return r.activity.Items()
}

func (r *Runtime) onSiblingChange(ctx context.Context, notification bus.Notification) {
	if notification.Kind == bus.KindSessionChanged {
		if err := r.session.Reload(ctx); err != nil {
			r.logger.Warn("session reload failed", zap.Error(err))
		}
		return
	}
	if !notification.Collection.Valid() {
		return
	}
	if err := r.cache.Reload(ctx, notification.Collection); err != nil {
		r.logger.Warn("cache reload failed", zap.String("collection", notification.Collection.String()), zap.Error(err))
	}
}

func (r *Runtime) afterCycle(ctx context.Context) {
	if err := r.session.Revalidate(ctx); err != nil {
		r.logger.Warn("session revalidation failed", zap.Error(err))
	}
}

func (r *Runtime) resolve(ref forum.Ref) (forum.Document, bool) {
	return r.cache.Get(ref.Collection, ref.ID)
}

func (r *Runtime) exclusive(fn func()) {
	if r.coordinator == nil {
		fn()
		return
	}
	r.coordinator.Exclusive(fn)
}
