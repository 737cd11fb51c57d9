package modhost

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/GoCodeAlone/modhost/cache"
	"github.com/GoCodeAlone/modhost/configstore"
	"github.com/GoCodeAlone/modhost/database"
	"github.com/GoCodeAlone/modhost/eventbus"
	"github.com/GoCodeAlone/modhost/logging"
	"github.com/GoCodeAlone/modhost/registry"
)

// Core is the composition root. It owns the event bus, cache, configuration
// store and database handle, hands shared references to every module, runs
// the monitoring jobs and drives shutdown.
type Core struct {
	config     Config
	logger     Logger
	bus        *eventbus.Bus
	store      *configstore.Store
	discoverer Discoverer
	factories  *Factories
	manager    *Manager
	monitor    *Monitor
	startTime  time.Time

	// initMu serializes Initialize; mu guards the fields below it.
	initMu      sync.Mutex
	mu          sync.RWMutex
	cache       *cache.Service
	db          *sql.DB
	ownsCache   bool
	ownsDB      bool
	watcher     *Watcher
	subs        []eventbus.Subscription
	observers   map[string]*observerRegistration
	initialized bool
	ready       bool
	stopped     bool

	shutdownOnce sync.Once
	done         chan struct{}
}

// Option configures a Core.
type Option func(*Core) error

// WithLogger sets the host logger. Modules receive it scoped with their name.
func WithLogger(logger Logger) Option {
	return func(c *Core) error {
		if logger == nil {
			return ErrLoggerNil
		}
		c.logger = logger
		return nil
	}
}

// WithCache uses an existing cache service instead of opening one from the
// configuration. The core clears it on shutdown but does not close it.
func WithCache(svc *cache.Service) Option {
	return func(c *Core) error {
		c.cache = svc
		return nil
	}
}

// WithDatabase uses an existing database handle. The core never closes it.
func WithDatabase(db *sql.DB) Option {
	return func(c *Core) error {
		c.db = db
		return nil
	}
}

// WithFactories sets the factory registry used to construct modules.
// Defaults to the process-wide registry filled by Register.
func WithFactories(factories *Factories) Option {
	return func(c *Core) error {
		c.factories = factories
		return nil
	}
}

// WithDiscoverer replaces the directory resolver built from ModulesDir.
func WithDiscoverer(discoverer Discoverer) Option {
	return func(c *Core) error {
		c.discoverer = discoverer
		return nil
	}
}

// New builds a core from cfg. External resources (redis, database) are
// opened by Initialize.
func New(cfg Config, opts ...Option) (*Core, error) {
	c := &Core{
		config:    cfg,
		logger:    logging.Nop(),
		startTime: time.Now(),
		observers: make(map[string]*observerRegistration),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.factories == nil {
		c.factories = DefaultFactories()
	}
	if c.discoverer == nil {
		c.discoverer = registry.NewResolver(cfg.ModulesDir, registry.WithLogger(c.logger))
	}

	c.bus = eventbus.New(cfg.EventBus, eventbus.WithLogger(c.logger))
	c.store = configstore.New(c.bus, configstore.WithLogger(c.logger))
	c.monitor = NewMonitor(cfg.Monitoring, c.bus, c.startTime, c.logger)
	c.manager = NewManager(ManagerConfig{
		Discoverer:   c.discoverer,
		Factories:    c.factories,
		Bus:          c.bus,
		Logger:       c.logger,
		HookTimeout:  cfg.HookTimeout,
		Dependencies: c.dependencies,
	})
	return c, nil
}

func (c *Core) dependencies() Dependencies {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Dependencies{
		Logger:   c.logger,
		EventBus: c.bus,
		Cache:    c.cache,
		Config:   c.store,
		Database: c.db,
		Core:     c,
	}
}

// Initialize opens the cache and database, loads the default configuration,
// wires the core's own event handlers and starts monitoring. It publishes
// core:initialized. Calling it again is a no-op.
func (c *Core) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.RLock()
	initialized, stopped := c.initialized, c.stopped
	c.mu.RUnlock()
	if stopped {
		return ErrCoreShutdown
	}
	if initialized {
		return nil
	}

	c.logger.Info("Initializing core", "name", c.config.Name, "environment", c.config.Environment)

	if err := c.openResources(ctx); err != nil {
		return err
	}

	c.store.Load(ctx, c.config.storeDefaults())

	if err := c.subscribeCoreEvents(); err != nil {
		return err
	}

	if c.config.Monitoring.Enabled {
		if err := c.monitor.Start(ctx); err != nil {
			return fmt.Errorf("start monitoring: %w", err)
		}
	}

	if c.config.Watch {
		watcher, err := NewWatcher(c.config.ModulesDir, c.discoverer, c.manager.LoadOrder, c.bus, c.logger)
		if err != nil {
			c.logger.Warn("Module directory watcher disabled", "dir", c.config.ModulesDir, "error", err)
		} else {
			watcher.Start()
			c.mu.Lock()
			c.watcher = watcher
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.publish(ctx, TopicCoreInitialized, nil)
	c.logger.Info("Core initialized")
	return nil
}

func (c *Core) openResources(ctx context.Context) error {
	c.mu.RLock()
	haveCache, haveDB := c.cache != nil, c.db != nil
	c.mu.RUnlock()

	var svc *cache.Service
	if !haveCache {
		var err error
		svc, err = cache.Open(ctx, c.config.Cache, c.logger)
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
	}

	var db *sql.DB
	if !haveDB && c.config.Database.Path != "" {
		var err error
		db, err = database.Open(ctx, c.config.Database)
		if err != nil {
			if svc != nil {
				_ = svc.Close(ctx)
			}
			return fmt.Errorf("open database: %w", err)
		}
		c.logger.Info("Database opened", "path", c.config.Database.Path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if svc != nil {
		c.cache, c.ownsCache = svc, true
	}
	if db != nil {
		c.db, c.ownsDB = db, true
	}
	return nil
}

func (c *Core) subscribeCoreEvents() error {
	handlers := map[string]eventbus.EventHandler{
		TopicSystemShutdown: func(context.Context, eventbus.Event) error {
			c.logger.Info("Shutdown requested via event bus")
			// the publisher may be a module hook; shutting down inline would
			// wait on the lifecycle operation that published
			go c.Shutdown(context.Background())
			return nil
		},
		TopicModulesActivated: func(ctx context.Context, e eventbus.Event) error {
			if activated, ok := e.Payload.(ActivatedEvent); ok {
				c.logger.Info("All modules activated", "modules", activated.Modules)
			}
			c.mu.Lock()
			c.ready = true
			c.mu.Unlock()
			return c.bus.Publish(ctx, TopicSystemReady, nil)
		},
		TopicModuleInitialized: func(ctx context.Context, e eventbus.Event) error {
			return c.bus.Publish(ctx, TopicModuleReady, e.Payload)
		},
	}

	topics := []string{TopicSystemShutdown, TopicModulesActivated, TopicModuleInitialized}
	subs := make([]eventbus.Subscription, 0, len(topics))
	for _, topic := range topics {
		sub, err := c.bus.Subscribe(topic, handlers[topic])
		if err != nil {
			cancelAll(subs)
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	c.mu.Lock()
	c.subs = subs
	c.mu.Unlock()
	return nil
}

// ActivateModules initializes the core when needed, then discovers, loads
// and initializes every module. It returns the active module names in load
// order.
func (c *Core) ActivateModules(ctx context.Context) ([]string, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	c.logger.Info("Activating modules", "dir", c.config.ModulesDir)
	return c.manager.ActivateAll(ctx)
}

// RestartModule restarts a single module. Errors are returned, not isolated.
func (c *Core) RestartModule(ctx context.Context, name string) error {
	if c.isStopped() {
		return ErrCoreShutdown
	}
	_, err := c.manager.Restart(ctx, name)
	return err
}

// DeactivateModule deactivates a single module.
func (c *Core) DeactivateModule(ctx context.Context, name string) error {
	return c.manager.Deactivate(ctx, name)
}

// SystemStatus assembles the status snapshot. It has no side effects and is
// safe to call concurrently with lifecycle operations.
func (c *Core) SystemStatus(ctx context.Context) SystemStatus {
	c.mu.RLock()
	initialized, ready, stopped := c.initialized, c.ready, c.stopped
	svc, db, ownsDB := c.cache, c.db, c.ownsDB
	c.mu.RUnlock()

	uptime := c.monitor.Uptime()
	status := SystemStatus{
		System: SystemInfo{
			Name:            c.store.GetString("system.name", c.config.Name),
			Version:         c.store.GetString("system.version", c.config.Version),
			Environment:     c.store.GetString("system.environment", c.config.Environment),
			Initialized:     initialized,
			Ready:           ready && !stopped,
			StartTime:       c.startTime,
			Uptime:          uptime.Milliseconds(),
			UptimeFormatted: FormatUptime(uptime),
		},
		Resources: Resources{
			Memory:    ReadMemoryStats(),
			CacheKeys: []string{},
		},
		Modules:  c.manager.Status(),
		Database: DatabaseStatus{Connected: db != nil && !(stopped && ownsDB)},
	}
	if svc != nil && !stopped {
		status.Resources.CacheKeys = svc.Keys(ctx)
		status.Resources.CacheSize = len(status.Resources.CacheKeys)
	}
	return status
}

// ModuleStats returns the StatsProvider output of every active module.
func (c *Core) ModuleStats() map[string]map[string]any {
	return c.manager.Stats()
}

// Shutdown publishes system:stopping, stops monitoring and the watcher,
// deactivates every active module in reverse load order, clears the cache
// and closes the resources the core opened. Failures are logged; Shutdown
// never fails. Only the first call does any work.
func (c *Core) Shutdown(ctx context.Context) {
	c.shutdownOnce.Do(func() {
		c.shutdown(ctx)
	})
}

func (c *Core) shutdown(ctx context.Context) {
	c.logger.Info("Shutting down core")
	c.publish(ctx, TopicSystemStopping, nil)

	if err := c.monitor.Stop(ctx); err != nil {
		c.logger.Error("Failed to stop monitoring", "error", err)
	}

	c.mu.Lock()
	watcher := c.watcher
	subs := c.subs
	c.watcher, c.subs = nil, nil
	c.mu.Unlock()

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			c.logger.Error("Failed to stop module watcher", "error", err)
		}
	}
	cancelAll(subs)

	active := c.manager.ActiveModules()
	slices.Reverse(active)
	for _, name := range active {
		if err := c.manager.Deactivate(ctx, name); err != nil && !errors.Is(err, ErrNotActive) {
			c.logger.Error("Failed to deactivate module", "module", name, "phase", "shutdown", "error", err)
		}
	}
	if err := c.manager.WaitAbandoned(ctx); err != nil {
		c.logger.Warn("Abandoned module hooks still running at shutdown", "error", err)
	}

	c.mu.Lock()
	c.stopped = true
	c.ready = false
	svc, ownsCache := c.cache, c.ownsCache
	db, ownsDB := c.db, c.ownsDB
	c.mu.Unlock()

	if svc != nil {
		if err := svc.Clear(ctx); err != nil {
			c.logger.Error("Failed to clear cache", "error", err)
		}
		if ownsCache {
			if err := svc.Close(ctx); err != nil {
				c.logger.Error("Failed to close cache", "error", err)
			}
		}
	}
	if db != nil && ownsDB {
		if err := db.Close(); err != nil {
			c.logger.Error("Failed to close database", "error", err)
		}
	}

	if err := c.bus.Close(); err != nil {
		c.logger.Error("Failed to close event bus", "error", err)
	}
	c.logger.Info("Core shut down", "deactivated", len(active))
	close(c.done)
}

// Done is closed once Shutdown has finished.
func (c *Core) Done() <-chan struct{} {
	return c.done
}

func (c *Core) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

func (c *Core) publish(ctx context.Context, topic string, payload any) {
	if err := c.bus.Publish(ctx, topic, payload); err != nil {
		c.logger.Warn("Core event handler failed", "topic", topic, "error", err)
	}
}

// Bus returns the shared event bus.
func (c *Core) Bus() *eventbus.Bus { return c.bus }

// Cache returns the shared cache. It is nil until Initialize has run.
func (c *Core) Cache() *cache.Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache
}

// Config returns the shared configuration store.
func (c *Core) Config() *configstore.Store { return c.store }

// Database returns the shared database handle, nil when none is configured.
func (c *Core) Database() *sql.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

// Logger returns the host logger.
func (c *Core) Logger() Logger { return c.logger }

// Manager returns the lifecycle manager.
func (c *Core) Manager() *Manager { return c.manager }

// HostConfig returns the configuration the core was built with.
func (c *Core) HostConfig() Config { return c.config }
