// Package modhost is a plugin host core: it discovers module directories,
// constructs the modules linked into the binary, drives them through
// load → initialize → active → deactivated, and wires them together through
// a shared event bus, cache, configuration store and database handle.
//
// Modules register a factory under their manifest name from an init
// function, the way database/sql drivers do:
//
//	func init() {
//		modhost.Register("audit", func(deps modhost.Dependencies) (modhost.Module, error) {
//			return &Audit{db: deps.Database, log: deps.Logger}, nil
//		})
//	}
//
// and the host binary links them with a blank import. Basic usage:
//
//	core, err := modhost.New(cfg, modhost.WithLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := core.Initialize(ctx); err != nil {
//		log.Fatal(err)
//	}
//	active, err := core.ActivateModules(ctx)
//	...
//	core.Shutdown(ctx)
package modhost

import (
	"context"
	"database/sql"

	"github.com/GoCodeAlone/modhost/cache"
	"github.com/GoCodeAlone/modhost/configstore"
	"github.com/GoCodeAlone/modhost/eventbus"
)

// Module is the value a factory constructs. The host never inspects it
// except through the optional capability interfaces below.
type Module any

// Factory constructs a module from the shared dependency bag. It must not
// initialize the module; that happens in Initializer.Initialize.
type Factory func(deps Dependencies) (Module, error)

// Dependencies is the closed set of shared services handed to every module.
// All members are shared references owned by the Core.
type Dependencies struct {
	// Logger is scoped with module=<name>.
	Logger Logger

	EventBus *eventbus.Bus
	Cache    *cache.Service
	Config   *configstore.Store

	// Database is nil when the host runs without a database.
	Database *sql.DB

	Core *Core
}

// Initializer is implemented by modules that need setup after every module
// of the pass has been constructed, e.g. creating their tables.
type Initializer interface {
	Initialize(ctx context.Context, deps Dependencies) error
}

// Cleaner is implemented by modules that release resources when they are
// deactivated or replaced.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Shutdowner is an alternative to Cleaner. When a module implements both,
// only Cleanup is called.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// EventHandler receives the bus events whose topics the module lists under
// events.listen in its manifest.
type EventHandler interface {
	HandleEvent(ctx context.Context, topic string, payload any) error
}

// StatsProvider reports module-specific figures for status output. It is
// never used for control flow.
type StatsProvider interface {
	Stats() map[string]any
}

// Capabilities records which optional interfaces a module implements. It is
// computed once, when the module is loaded, and the lifecycle manager
// dispatches every hook through it.
type Capabilities struct {
	Initializer  bool `json:"initializer"`
	Cleaner      bool `json:"cleaner"`
	EventHandler bool `json:"eventHandler"`
	Stats        bool `json:"stats"`

	initialize func(context.Context, Dependencies) error
	cleanup    func(context.Context) error
	handle     func(context.Context, string, any) error
	stats      func() map[string]any
}

func detectCapabilities(m Module) Capabilities {
	var c Capabilities
	if i, ok := m.(Initializer); ok {
		c.Initializer, c.initialize = true, i.Initialize
	}
	switch hook := m.(type) {
	case Cleaner:
		c.Cleaner, c.cleanup = true, hook.Cleanup
	case Shutdowner:
		c.Cleaner, c.cleanup = true, hook.Shutdown
	}
	if h, ok := m.(EventHandler); ok {
		c.EventHandler, c.handle = true, h.HandleEvent
	}
	if p, ok := m.(StatsProvider); ok {
		c.Stats, c.stats = true, p.Stats
	}
	return c
}
