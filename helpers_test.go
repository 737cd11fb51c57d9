package modhost

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modhost/eventbus"
	"github.com/GoCodeAlone/modhost/logging"
	"github.com/GoCodeAlone/modhost/registry"
)

var errBoom = errors.New("boom")

// recorder collects lifecycle calls across modules in call order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type testModule struct {
	name string
	rec  *recorder
	deps Dependencies

	initErr    error
	initPanic  bool
	initSleep  time.Duration
	cleanupErr error
	statsPanic bool

	initCalls    atomic.Int32
	cleanupCalls atomic.Int32

	// inInit is set while Initialize runs; overlapped records a Cleanup
	// that started during it.
	inInit     atomic.Bool
	overlapped atomic.Bool

	mu     sync.Mutex
	events []string
}

func (m *testModule) Initialize(ctx context.Context, deps Dependencies) error {
	m.initCalls.Add(1)
	m.inInit.Store(true)
	defer m.inInit.Store(false)
	m.rec.add("init:" + m.name)
	if m.initPanic {
		panic("initialize exploded")
	}
	if m.initSleep > 0 {
		time.Sleep(m.initSleep)
	}
	return m.initErr
}

func (m *testModule) Cleanup(ctx context.Context) error {
	if m.inInit.Load() {
		m.overlapped.Store(true)
	}
	m.cleanupCalls.Add(1)
	m.rec.add("cleanup:" + m.name)
	return m.cleanupErr
}

func (m *testModule) HandleEvent(ctx context.Context, topic string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, topic)
	return nil
}

func (m *testModule) Stats() map[string]any {
	if m.statsPanic {
		panic("stats exploded")
	}
	return map[string]any{"initCalls": int(m.initCalls.Load())}
}

func (m *testModule) received() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

// fixture owns a modules directory and a private factory registry.
type fixture struct {
	root      string
	factories *Factories
	rec       *recorder

	mu        sync.Mutex
	instances map[string][]*testModule
	failNext  map[string]error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		root:      t.TempDir(),
		factories: NewFactories(),
		rec:       &recorder{},
		instances: make(map[string][]*testModule),
		failNext:  make(map[string]error),
	}
}

// add writes a module directory and registers a factory for it. configure
// runs on every constructed instance.
func (f *fixture) add(t *testing.T, name string, priority int, configure func(*testModule), listen ...string) {
	t.Helper()
	f.writeDir(t, name, priority, listen...)
	f.factories.MustRegister(name, func(deps Dependencies) (Module, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if err := f.failNext[name]; err != nil {
			delete(f.failNext, name)
			return nil, err
		}
		m := &testModule{name: name, rec: f.rec, deps: deps}
		if configure != nil {
			configure(m)
		}
		f.rec.add("load:" + name)
		f.instances[name] = append(f.instances[name], m)
		return m, nil
	})
}

func (f *fixture) writeDir(t *testing.T, name string, priority int, listen ...string) {
	t.Helper()
	dir := filepath.Join(f.root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := map[string]any{
		"name":     name,
		"version":  "1.0.0",
		"priority": priority,
		"events":   map[string]any{"listen": listen},
	}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "module.json"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, registry.DefaultEntryPoint), []byte("package "+name+"\n"), 0o644))
}

func (f *fixture) failConstruction(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[name] = err
}

func (f *fixture) built(name string) []*testModule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*testModule(nil), f.instances[name]...)
}

func (f *fixture) latest(t *testing.T, name string) *testModule {
	t.Helper()
	built := f.built(name)
	require.NotEmpty(t, built, "no instance of %s was constructed", name)
	return built[len(built)-1]
}

func (f *fixture) manager(bus *eventbus.Bus, hookTimeout time.Duration) *Manager {
	return NewManager(ManagerConfig{
		Discoverer:  registry.NewResolver(f.root),
		Factories:   f.factories,
		Bus:         bus,
		Logger:      logging.Nop(),
		HookTimeout: hookTimeout,
	})
}

// coreConfig returns a config for f with background jobs disabled.
func (f *fixture) coreConfig() Config {
	cfg := DefaultConfig()
	cfg.ModulesDir = f.root
	cfg.Monitoring.Enabled = false
	cfg.HookTimeout = time.Second
	return cfg
}

func (f *fixture) core(t *testing.T, opts ...Option) *Core {
	t.Helper()
	return f.coreWith(t, f.coreConfig(), opts...)
}

func (f *fixture) coreWith(t *testing.T, cfg Config, opts ...Option) *Core {
	t.Helper()
	opts = append([]Option{WithFactories(f.factories)}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

// topicLog records the topics published on a bus.
type topicLog struct {
	mu     sync.Mutex
	topics []string
}

func watchTopics(t *testing.T, bus *eventbus.Bus, topics ...string) *topicLog {
	t.Helper()
	log := &topicLog{}
	for _, topic := range topics {
		_, err := bus.Subscribe(topic, func(_ context.Context, e eventbus.Event) error {
			log.mu.Lock()
			defer log.mu.Unlock()
			log.topics = append(log.topics, e.Topic)
			return nil
		})
		require.NoError(t, err)
	}
	return log
}

func (l *topicLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.topics...)
}

func mustDiscover(t *testing.T, f *fixture) []registry.Descriptor {
	t.Helper()
	descriptors, err := registry.NewResolver(f.root).Discover(context.Background())
	require.NoError(t, err)
	return descriptors
}

func removeDir(t *testing.T, f *fixture, name string) {
	t.Helper()
	require.NoError(t, os.RemoveAll(filepath.Join(f.root, name)))
}
