package modhost

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/modhost/eventbus"
	"github.com/GoCodeAlone/modhost/logging"
	"github.com/GoCodeAlone/modhost/registry"
)

// DefaultHookTimeout bounds every factory, Initialize and Cleanup call.
const DefaultHookTimeout = 30 * time.Second

// State is the lifecycle state of one module.
type State string

const (
	StateDiscovered  State = "discovered"
	StateLoaded      State = "loaded"
	StateActive      State = "active"
	StateDeactivated State = "deactivated"
	StateFailed      State = "failed"
)

// Discoverer produces the ordered descriptor list. *registry.Resolver is the
// production implementation.
type Discoverer interface {
	Discover(ctx context.Context) ([]registry.Descriptor, error)
}

// Instance is a live module constructed from a descriptor.
type Instance struct {
	descriptor   registry.Descriptor
	module       Module
	capabilities Capabilities
	loadedAt     time.Time
	initialized  atomic.Bool

	// guarded by Manager.mu
	subscriptions []eventbus.Subscription
}

// Descriptor returns the descriptor the instance was loaded from.
func (i *Instance) Descriptor() registry.Descriptor { return i.descriptor }

// Module returns the value built by the module's factory.
func (i *Instance) Module() Module { return i.module }

// Capabilities returns the optional interfaces detected at load time.
func (i *Instance) Capabilities() Capabilities { return i.capabilities }

// Initialized reports whether Initialize completed for this instance.
func (i *Instance) Initialized() bool { return i.initialized.Load() }

// LoadedAt returns when the instance was constructed.
func (i *Instance) LoadedAt() time.Time { return i.loadedAt }

// ManagerConfig holds the collaborators of a Manager.
type ManagerConfig struct {
	Discoverer Discoverer
	Factories  *Factories
	Bus        *eventbus.Bus
	Logger     Logger

	// HookTimeout bounds each hook call. Zero disables the bound.
	HookTimeout time.Duration

	// Dependencies returns the shared dependency bag. The manager scopes its
	// Logger per module before handing it over.
	Dependencies func() Dependencies
}

// Manager drives modules through their lifecycle. Lifecycle operations are
// serialized; read accessors never wait for a running hook.
//
// Lifecycle operations must not be called synchronously from a module hook or
// from a bus handler fired by a lifecycle operation: they would wait on the
// operation that is calling them.
type Manager struct {
	discoverer  Discoverer
	factories   *Factories
	bus         *eventbus.Bus
	logger      Logger
	hookTimeout time.Duration
	deps        func() Dependencies

	// opMu serializes Load, Initialize, ActivateAll, Deactivate and Restart.
	opMu sync.Mutex

	// mu guards the maps below. It is never held while a hook runs.
	mu          sync.RWMutex
	descriptors map[string]registry.Descriptor
	loadOrder   []string
	instances   map[string]*Instance
	states      map[string]State
	failures    map[string]error

	// abandoned tracks cleanups deferred behind timed-out hooks.
	abandoned sync.WaitGroup
}

// NewManager creates a lifecycle manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		discoverer:  cfg.Discoverer,
		factories:   cfg.Factories,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		hookTimeout: cfg.HookTimeout,
		deps:        cfg.Dependencies,
		descriptors: make(map[string]registry.Descriptor),
		instances:   make(map[string]*Instance),
		states:      make(map[string]State),
		failures:    make(map[string]error),
	}
	if m.factories == nil {
		m.factories = DefaultFactories()
	}
	if m.bus == nil {
		m.bus = eventbus.New(eventbus.DefaultConfig())
	}
	if m.logger == nil {
		m.logger = logging.Nop()
	}
	if m.deps == nil {
		m.deps = func() Dependencies { return Dependencies{EventBus: m.bus} }
	}
	return m
}

// SetDescriptors replaces the descriptor set and load order without
// discovering. The order of descriptors is the load order.
func (m *Manager) SetDescriptors(descriptors []registry.Descriptor) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.setDescriptors(descriptors)
}

func (m *Manager) setDescriptors(descriptors []registry.Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.descriptors = make(map[string]registry.Descriptor, len(descriptors))
	m.loadOrder = make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		m.descriptors[d.Name] = d
		m.loadOrder = append(m.loadOrder, d.Name)
		if _, ok := m.states[d.Name]; !ok {
			m.states[d.Name] = StateDiscovered
		}
	}
	for name := range m.states {
		if _, known := m.descriptors[name]; !known && m.instances[name] == nil {
			delete(m.states, name)
			delete(m.failures, name)
		}
	}
}

func (m *Manager) dependencies(name string) Dependencies {
	deps := m.deps()
	deps.Logger = logging.With(deps.Logger, "module", name)
	if deps.EventBus == nil {
		deps.EventBus = m.bus
	}
	return deps
}

// Load constructs the module registered under name. It never initializes.
// An existing instance under the same name is replaced once the new one has
// been constructed: its subscriptions are cancelled and its cleanup hook runs
// first.
func (m *Manager) Load(ctx context.Context, name string) (*Instance, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.load(ctx, name)
}

func (m *Manager) load(ctx context.Context, name string) (*Instance, error) {
	m.mu.RLock()
	desc, known := m.descriptors[name]
	previous := m.instances[name]
	m.mu.RUnlock()

	if !known {
		return nil, fmt.Errorf("%w: %s", ErrManifestMissing, name)
	}
	factory, ok := m.factories.Lookup(name)
	if !ok {
		err := fmt.Errorf("%w: module %s: no factory registered for %s", ErrEntryPoint, name, desc.EntryPoint)
		m.failLoad(name, previous != nil, err)
		return nil, err
	}

	deps := m.dependencies(name)
	module, late, err := startHook(ctx, m.hookTimeout, func(context.Context) (Module, error) {
		return factory(deps)
	})
	if late != nil {
		m.abandon(ctx, name, func(ctx context.Context) {
			if r := <-late; r.err == nil && r.value != nil {
				m.cleanup(ctx, name, detectCapabilities(r.value))
			}
		})
	}
	if err == nil && module == nil {
		err = ErrNilModule
	}
	if err != nil {
		err = fmt.Errorf("%w: module %s: %w", ErrConstruction, name, err)
		m.failLoad(name, previous != nil, err)
		return nil, err
	}

	if previous != nil {
		m.logger.Info("Replacing loaded module", "module", name)
		m.retire(ctx, previous)
	}

	inst := &Instance{
		descriptor:   desc,
		module:       module,
		capabilities: detectCapabilities(module),
		loadedAt:     time.Now(),
	}

	m.mu.Lock()
	m.instances[name] = inst
	m.states[name] = StateLoaded
	delete(m.failures, name)
	m.mu.Unlock()

	m.logger.Info("Module loaded", "module", name, "version", desc.Version)
	m.publish(ctx, TopicModuleLoaded, ModuleEvent{Name: name, Version: desc.Version})
	return inst, nil
}

// Initialize runs the module's Initialize hook and subscribes it to the
// topics declared under events.listen. On failure the instance is discarded
// but its descriptor is kept, so Restart can retry. Initializing an already
// initialized instance is a no-op.
func (m *Manager) Initialize(ctx context.Context, name string) (*Instance, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.initialize(ctx, name)
}

func (m *Manager) initialize(ctx context.Context, name string) (*Instance, error) {
	m.mu.RLock()
	inst := m.instances[name]
	m.mu.RUnlock()

	if inst == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	if inst.Initialized() {
		return inst, nil
	}

	if initialize := inst.capabilities.initialize; initialize != nil {
		deps := m.dependencies(name)
		late, err := startVoidHook(ctx, m.hookTimeout, func(ctx context.Context) error {
			return initialize(ctx, deps)
		})
		if err != nil {
			return nil, m.abortInitialize(ctx, inst, err, late)
		}
	}

	subs, err := m.subscribe(inst)
	if err != nil {
		return nil, m.abortInitialize(ctx, inst, err, nil)
	}

	m.mu.Lock()
	inst.subscriptions = subs
	inst.initialized.Store(true)
	m.states[name] = StateActive
	delete(m.failures, name)
	m.mu.Unlock()

	m.logger.Info("Module initialized", "module", name, "listen", inst.descriptor.Listen)
	m.publish(ctx, TopicModuleInitialized, ModuleEvent{Name: name, Version: inst.descriptor.Version})
	return inst, nil
}

// abortInitialize discards inst after a failed Initialize. When the hook
// timed out and is still running, cleanup waits for it to return.
func (m *Manager) abortInitialize(ctx context.Context, inst *Instance, cause error, late <-chan hookResult[struct{}]) error {
	name := inst.descriptor.Name
	err := fmt.Errorf("%w: module %s: %w", ErrInitialization, name, cause)

	m.mu.Lock()
	if m.instances[name] == inst {
		delete(m.instances, name)
	}
	m.mu.Unlock()

	if late != nil {
		m.abandon(ctx, name, func(ctx context.Context) {
			<-late
			m.retire(ctx, inst)
		})
	} else {
		m.retire(ctx, inst)
	}
	m.fail(name, err)
	return err
}

// abandon runs reap in the background once a timed-out hook of name has
// been given up on. WaitAbandoned waits for every pending reap.
func (m *Manager) abandon(ctx context.Context, name string, reap func(context.Context)) {
	m.logger.Warn("Module hook abandoned after timeout, cleanup deferred until it returns", "module", name)
	ctx = context.WithoutCancel(ctx)
	m.abandoned.Add(1)
	go func() {
		defer m.abandoned.Done()
		reap(ctx)
		m.logger.Debug("Abandoned module hook returned", "module", name)
	}()
}

// WaitAbandoned blocks until every cleanup deferred behind a timed-out hook
// has run, or ctx is done.
func (m *Manager) WaitAbandoned(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.abandoned.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) subscribe(inst *Instance) ([]eventbus.Subscription, error) {
	topics := inst.descriptor.Listen
	if len(topics) == 0 {
		return nil, nil
	}
	handle := inst.capabilities.handle
	if handle == nil {
		m.logger.Warn("Module declares events but does not handle them",
			"module", inst.descriptor.Name, "listen", topics)
		return nil, nil
	}

	subs := make([]eventbus.Subscription, 0, len(topics))
	for _, topic := range topics {
		sub, err := m.bus.Subscribe(topic, func(ctx context.Context, e eventbus.Event) error {
			return handle(ctx, e.Topic, e.Payload)
		})
		if err != nil {
			cancelAll(subs)
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// ActivateAll discovers modules, loads every descriptor in load order, then
// initializes every loaded instance. A failing module is logged and skipped;
// it never stops the pass. Only a discovery failure is returned.
func (m *Manager) ActivateAll(ctx context.Context) ([]string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	descriptors, err := m.discoverer.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover modules: %w", err)
	}
	m.setDescriptors(descriptors)
	m.logger.Info("Modules discovered", "count", len(descriptors))

	m.dropUndiscovered(ctx)

	order := m.LoadOrder()
	for _, name := range order {
		if _, err := m.load(ctx, name); err != nil {
			m.logger.Error("Failed to load module", "module", name, "phase", "load", "error", err)
		}
	}

	for _, name := range order {
		if !m.has(name) {
			continue
		}
		if _, err := m.initialize(ctx, name); err != nil {
			m.logger.Error("Failed to initialize module", "module", name, "phase", "initialize", "error", err)
		}
	}

	active := m.ActiveModules()
	m.logger.Info("Module activation complete", "active", len(active), "modules", active)
	m.publish(ctx, TopicModulesActivated, ActivatedEvent{Modules: active})
	return active, nil
}

// dropUndiscovered deactivates instances whose descriptor disappeared.
func (m *Manager) dropUndiscovered(ctx context.Context) {
	m.mu.RLock()
	var gone []string
	for name := range m.instances {
		if _, ok := m.descriptors[name]; !ok {
			gone = append(gone, name)
		}
	}
	m.mu.RUnlock()

	slices.Sort(gone)
	for _, name := range gone {
		m.logger.Warn("Module no longer discovered", "module", name)
		_ = m.deactivate(ctx, name)
	}
}

// Deactivate cancels the module's subscriptions, runs its cleanup hook and
// removes it. Cleanup failures are logged, never returned.
func (m *Manager) Deactivate(ctx context.Context, name string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.deactivate(ctx, name)
}

func (m *Manager) deactivate(ctx context.Context, name string) error {
	m.mu.Lock()
	inst := m.instances[name]
	if inst == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, name)
	}
	delete(m.instances, name)
	if _, known := m.descriptors[name]; known {
		m.states[name] = StateDeactivated
	} else {
		delete(m.states, name)
	}
	m.mu.Unlock()

	m.retire(ctx, inst)

	m.logger.Info("Module deactivated", "module", name)
	m.publish(ctx, TopicModuleDeactivated, ModuleEvent{Name: name, Version: inst.descriptor.Version})
	return nil
}

// Restart deactivates, loads and initializes name, stopping at the first
// failure. A module that is not active but still has a descriptor, e.g.
// after a failed initialize, skips the deactivate step.
func (m *Manager) Restart(ctx context.Context, name string) (*Instance, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.logger.Info("Restarting module", "module", name)
	if err := m.deactivate(ctx, name); err != nil {
		if !errors.Is(err, ErrNotActive) || !m.known(name) {
			return nil, err
		}
		m.logger.Debug("Module not active, loading fresh", "module", name)
	}
	if _, err := m.load(ctx, name); err != nil {
		return nil, err
	}
	inst, err := m.initialize(ctx, name)
	if err != nil {
		return nil, err
	}

	m.publish(ctx, TopicModuleRestarted, ModuleEvent{Name: name, Version: inst.descriptor.Version})
	return inst, nil
}

// retire cancels subscriptions and runs the cleanup hook of an instance
// that is leaving the active set.
func (m *Manager) retire(ctx context.Context, inst *Instance) {
	m.mu.Lock()
	subs := inst.subscriptions
	inst.subscriptions = nil
	m.mu.Unlock()
	cancelAll(subs)

	m.cleanup(ctx, inst.descriptor.Name, inst.capabilities)
}

func (m *Manager) cleanup(ctx context.Context, name string, caps Capabilities) {
	if caps.cleanup == nil {
		return
	}
	if err := runVoidHook(ctx, m.hookTimeout, caps.cleanup); err != nil {
		m.logger.Error("Module cleanup failed", "module", name, "phase", "cleanup", "error", err)
	}
}

func (m *Manager) fail(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, known := m.descriptors[name]; !known {
		return
	}
	m.states[name] = StateFailed
	m.failures[name] = err
}

// failLoad records a load failure. A previous instance that survives the
// failed reload keeps its state; only the error is reported.
func (m *Manager) failLoad(name string, survived bool, err error) {
	if !survived {
		m.fail(name, err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[name] = err
}

func (m *Manager) publish(ctx context.Context, topic string, payload any) {
	if err := m.bus.Publish(ctx, topic, payload); err != nil {
		m.logger.Warn("Lifecycle event handler failed", "topic", topic, "error", err)
	}
}

func (m *Manager) has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instances[name] != nil
}

func (m *Manager) known(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.descriptors[name]
	return ok
}

// Instance returns the live instance for name.
func (m *Manager) Instance(name string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[name]
	return inst, ok
}

// Module returns the module value for name. Modules use it from their
// Initialize hook to reach peers loaded in the same pass.
func (m *Manager) Module(name string) (Module, bool) {
	inst, ok := m.Instance(name)
	if !ok {
		return nil, false
	}
	return inst.module, true
}

// Descriptor returns the descriptor discovered for name.
func (m *Manager) Descriptor(name string) (registry.Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.descriptors[name]
	return d, ok
}

// LoadOrder returns the canonical load order of the last discovery.
func (m *Manager) LoadOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.loadOrder)
}

// ActiveModules returns the names of the instances currently held, in load
// order.
func (m *Manager) ActiveModules() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := make([]string, 0, len(m.instances))
	for _, name := range m.loadOrder {
		if m.instances[name] != nil {
			active = append(active, name)
		}
	}
	return active
}

// Status returns the module table in load order. It is a pure read.
func (m *Manager) Status() ModulesStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := ModulesStatus{
		Total:   len(m.descriptors),
		Active:  len(m.instances),
		Modules: make([]ModuleStatus, 0, len(m.loadOrder)),
	}
	for _, name := range m.loadOrder {
		d := m.descriptors[name]
		inst := m.instances[name]
		row := ModuleStatus{
			Name:        d.Name,
			Version:     d.Version,
			Description: d.Description,
			Enabled:     d.Enabled,
			Active:      inst != nil,
			Initialized: inst != nil && inst.Initialized(),
			Priority:    d.Priority,
			State:       m.states[name],
		}
		if err := m.failures[name]; err != nil {
			row.Error = err.Error()
		}
		status.Modules = append(status.Modules, row)
	}
	return status
}

// Stats collects StatsProvider output from active modules, keyed by module
// name. A panicking provider is reported under the "error" key.
func (m *Manager) Stats() map[string]map[string]any {
	m.mu.RLock()
	providers := make(map[string]func() map[string]any)
	for name, inst := range m.instances {
		if inst.capabilities.stats != nil {
			providers[name] = inst.capabilities.stats
		}
	}
	m.mu.RUnlock()

	stats := make(map[string]map[string]any, len(providers))
	for name, p := range providers {
		stats[name] = safeStats(p)
	}
	return stats
}

func safeStats(p func() map[string]any) (stats map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			stats = map[string]any{"error": fmt.Sprintf("%v: %v", ErrHookPanic, r)}
		}
	}()
	return p()
}

func cancelAll(subs []eventbus.Subscription) {
	for _, sub := range subs {
		_ = sub.Cancel()
	}
}
