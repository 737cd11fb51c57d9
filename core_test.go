package modhost

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modhost/cache"
	"github.com/GoCodeAlone/modhost/eventbus"
)

func TestNewRejectsNilLogger(t *testing.T) {
	_, err := New(DefaultConfig(), WithLogger(nil))
	require.ErrorIs(t, err, ErrLoggerNil)
}

func TestCoreInitialize(t *testing.T) {
	f := newFixture(t)
	c := f.core(t)
	events := watchTopics(t, c.Bus(), TopicCoreInitialized, "config:loaded")

	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Initialize(context.Background()))

	assert.Equal(t, []string{"config:loaded", TopicCoreInitialized}, events.list())
	assert.NotNil(t, c.Cache())
	assert.Nil(t, c.Database())
	assert.Equal(t, "Fusione Core System", c.Config().GetString("system.name", ""))
	assert.Equal(t, 3, c.Config().GetInt("modules.maxRetries", 0))
	// duration defaults share the millisecond unit GetDuration reads
	assert.Equal(t, time.Hour, c.Config().GetDuration("cache.defaultTtl", 0))
	assert.Equal(t, 30*time.Second, c.Config().GetDuration("monitoring.interval", 0))
	assert.True(t, c.SystemStatus(context.Background()).System.Initialized)
}

func TestCoreActivationPublishesReadiness(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", 1, nil)
	f.add(t, "b", 2, nil)

	c := f.core(t)
	events := watchTopics(t, c.Bus(), TopicModuleReady, TopicModulesActivated, TopicSystemReady)

	active, err := c.ActivateModules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, active)

	assert.Equal(t, []string{TopicModuleReady, TopicModuleReady, TopicModulesActivated, TopicSystemReady}, events.list())

	status := c.SystemStatus(context.Background())
	assert.True(t, status.System.Ready)
	assert.Equal(t, 2, status.Modules.Active)

	// modules receive the shared services
	deps := f.latest(t, "a").deps
	assert.Same(t, c.Bus(), deps.EventBus)
	assert.Same(t, c.Cache(), deps.Cache)
	assert.Same(t, c.Config(), deps.Config)
	assert.Same(t, c, deps.Core)
}

func TestCoreShutdown(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", 1, nil)
	f.add(t, "b", 2, func(m *testModule) { m.cleanupErr = errBoom })
	f.add(t, "c", 3, nil)

	svc := cache.New(cache.NewMemoryEngine())
	c := f.core(t, WithCache(svc))
	_, err := c.ActivateModules(context.Background())
	require.NoError(t, err)
	require.NoError(t, svc.Put(context.Background(), "k", "v"))

	stopping := watchTopics(t, c.Bus(), TopicSystemStopping)
	c.Shutdown(context.Background())
	c.Shutdown(context.Background())

	var cleanups []string
	for _, call := range f.rec.list() {
		if strings.HasPrefix(call, "cleanup:") {
			cleanups = append(cleanups, call)
		}
	}
	assert.Equal(t, []string{"cleanup:c", "cleanup:b", "cleanup:a"}, cleanups)
	assert.Equal(t, []string{TopicSystemStopping}, stopping.list())
	assert.Empty(t, c.Manager().ActiveModules())

	// the injected cache is cleared but left open
	assert.Equal(t, 0, svc.Size(context.Background()))
	require.NoError(t, svc.Put(context.Background(), "after", 1))

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}

	status := c.SystemStatus(context.Background())
	assert.False(t, status.System.Ready)
	require.ErrorIs(t, c.Initialize(context.Background()), ErrCoreShutdown)
	require.ErrorIs(t, c.RestartModule(context.Background(), "a"), ErrCoreShutdown)
}

func TestCoreShutdownViaEvent(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", 1, nil)

	c := f.core(t)
	_, err := c.ActivateModules(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Bus().Publish(context.Background(), TopicSystemShutdown, nil))

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("core did not shut down after system:shutdown")
	}
	assert.Equal(t, int32(1), f.latest(t, "a").cleanupCalls.Load())
}

func TestCoreSystemStatus(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", 1, nil)
	f.add(t, "broken", 2, func(m *testModule) { m.initErr = errBoom })

	cfg := f.coreConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "host.db")
	c := f.coreWith(t, cfg)

	_, err := c.ActivateModules(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Cache().Put(context.Background(), "greeting", "hello"))

	status := c.SystemStatus(context.Background())
	assert.Equal(t, "Fusione Core System", status.System.Name)
	assert.Equal(t, "development", status.System.Environment)
	assert.NotEmpty(t, status.System.UptimeFormatted)
	assert.True(t, status.Database.Connected)
	assert.Equal(t, []string{"greeting"}, status.Resources.CacheKeys)
	assert.Equal(t, 1, status.Resources.CacheSize)
	assert.NotEmpty(t, status.Resources.Memory.HeapUsed)
	assert.Equal(t, 2, status.Modules.Total)
	assert.Equal(t, 1, status.Modules.Active)

	// the store overrides the identity shown in status
	c.Config().Set(context.Background(), "system.environment", "staging")
	assert.Equal(t, "staging", c.SystemStatus(context.Background()).System.Environment)

	c.Shutdown(context.Background())
	assert.False(t, c.SystemStatus(context.Background()).Database.Connected)
}

func TestCoreModuleStats(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", 1, nil)

	c := f.core(t)
	_, err := c.ActivateModules(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.RestartModule(context.Background(), "a"))
	stats := c.ModuleStats()
	assert.Equal(t, map[string]any{"initCalls": 1}, stats["a"])

	require.NoError(t, c.DeactivateModule(context.Background(), "a"))
	assert.Empty(t, c.ModuleStats())
}

type recordingObserver struct {
	mu     sync.Mutex
	events []cloudevents.Event
}

func (o *recordingObserver) ObserverID() string { return "recorder" }

func (o *recordingObserver) OnEvent(_ context.Context, event cloudevents.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return nil
}

func (o *recordingObserver) types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	types := make([]string, 0, len(o.events))
	for _, e := range o.events {
		types = append(types, e.Type())
	}
	return types
}

func TestCoreObservers(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", 1, nil)

	c := f.core(t)
	observer := &recordingObserver{}
	require.NoError(t, c.RegisterObserver(observer))
	require.ErrorIs(t, c.RegisterObserver(nil), ErrObserverNil)
	require.ErrorIs(t, c.RegisterObserver(ObserverFunc{}), ErrObserverIDNil)

	_, err := c.ActivateModules(context.Background())
	require.NoError(t, err)

	types := observer.types()
	assert.Contains(t, types, TopicModuleLoaded)
	assert.Contains(t, types, TopicSystemReady)

	observer.mu.Lock()
	first := observer.events[0]
	observer.mu.Unlock()
	assert.Equal(t, TopicCoreInitialized, first.Type())
	assert.Equal(t, eventbus.DefaultSource, first.Source())
	require.NoError(t, first.Validate())

	var loaded ModuleEvent
	for _, e := range observer.events {
		if e.Type() == TopicModuleLoaded {
			require.NoError(t, e.DataAs(&loaded))
			break
		}
	}
	assert.Equal(t, ModuleEvent{Name: "a", Version: "1.0.0"}, loaded)

	infos := c.Observers()
	require.Len(t, infos, 1)
	assert.Equal(t, LifecycleTopics, infos[0].Topics)

	require.NoError(t, c.UnregisterObserver(observer))
	assert.Empty(t, c.Observers())
	count := len(observer.types())
	require.NoError(t, c.RestartModule(context.Background(), "a"))
	assert.Len(t, observer.types(), count)
}

func TestCoreObserverTopicFilter(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", 1, nil)

	c := f.core(t)
	var got []string
	observer := ObserverFunc{ID: "ready-only", Handler: func(_ context.Context, e cloudevents.Event) error {
		got = append(got, e.Type())
		return nil
	}}
	require.NoError(t, c.RegisterObserver(observer, TopicSystemReady))
	// registering the same ID again replaces the subscriptions
	require.NoError(t, c.RegisterObserver(observer, TopicSystemReady))

	_, err := c.ActivateModules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{TopicSystemReady}, got)
}
