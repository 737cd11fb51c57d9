package modhost

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modhost/eventbus"
)

func TestActivateAllLoadsEverythingBeforeInitializing(t *testing.T) {
	f := newFixture(t)
	f.add(t, "b", 2, nil)
	f.add(t, "a", 1, nil)

	m := f.manager(eventbus.New(eventbus.DefaultConfig()), time.Second)
	active, err := m.ActivateAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, active)
	assert.Equal(t, []string{"load:a", "load:b", "init:a", "init:b"}, f.rec.list())
}

func TestActivateAllIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.add(t, "ok-first", 1, nil)
	f.add(t, "init-fails", 2, func(m *testModule) { m.initErr = errBoom })
	f.writeDir(t, "no-factory", 3)
	f.add(t, "construct-fails", 4, nil)
	f.failConstruction("construct-fails", errBoom)
	f.add(t, "ok-last", 5, nil)

	bus := eventbus.New(eventbus.DefaultConfig())
	var activated ActivatedEvent
	_, err := bus.Subscribe(TopicModulesActivated, func(_ context.Context, e eventbus.Event) error {
		activated = e.Payload.(ActivatedEvent)
		return nil
	})
	require.NoError(t, err)

	m := f.manager(bus, time.Second)
	active, err := m.ActivateAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"ok-first", "ok-last"}, active)
	assert.Equal(t, active, activated.Modules)

	status := m.Status()
	assert.Equal(t, 5, status.Total)
	assert.Equal(t, 2, status.Active)
	states := make(map[string]ModuleStatus)
	for _, row := range status.Modules {
		states[row.Name] = row
	}
	for _, name := range []string{"init-fails", "no-factory", "construct-fails"} {
		assert.Equal(t, StateFailed, states[name].State, name)
		assert.NotEmpty(t, states[name].Error, name)
		assert.False(t, states[name].Active, name)
	}
	assert.Equal(t, StateActive, states["ok-last"].State)

	// the failed initialize discarded its instance and ran its cleanup
	assert.Equal(t, int32(1), f.latest(t, "init-fails").cleanupCalls.Load())
}

func TestLoadErrors(t *testing.T) {
	f := newFixture(t)
	f.writeDir(t, "orphan", 1)
	f.writeDir(t, "nil-module", 2)
	f.factories.MustRegister("nil-module", func(Dependencies) (Module, error) { return nil, nil })

	m := f.manager(eventbus.New(eventbus.DefaultConfig()), time.Second)
	_, err := m.ActivateAll(context.Background())
	require.NoError(t, err)

	_, err = m.Load(context.Background(), "missing")
	require.ErrorIs(t, err, ErrManifestMissing)

	_, err = m.Load(context.Background(), "orphan")
	require.ErrorIs(t, err, ErrEntryPoint)

	_, err = m.Load(context.Background(), "nil-module")
	require.ErrorIs(t, err, ErrConstruction)
	require.ErrorIs(t, err, ErrNilModule)

	_, err = m.Initialize(context.Background(), "orphan")
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestInitializeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", 1, nil)

	m := f.manager(eventbus.New(eventbus.DefaultConfig()), time.Second)
	_, err := m.ActivateAll(context.Background())
	require.NoError(t, err)

	inst, err := m.Initialize(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, inst.Initialized())
	assert.Equal(t, int32(1), f.latest(t, "a").initCalls.Load())
}

func TestHooksAreBounded(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, "slow", 1, func(m *testModule) { m.initSleep = time.Second })

		m := f.manager(eventbus.New(eventbus.DefaultConfig()), 50*time.Millisecond)
		m.SetDescriptors(mustDiscover(t, f))
		_, err := m.Load(context.Background(), "slow")
		require.NoError(t, err)

		start := time.Now()
		_, err = m.Initialize(context.Background(), "slow")
		require.ErrorIs(t, err, ErrInitialization)
		require.ErrorIs(t, err, ErrHookTimeout)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
		assert.NotContains(t, m.ActiveModules(), "slow")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.WaitAbandoned(ctx))
	})

	t.Run("cleanup waits for a timed out initialize", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, "slow", 1, func(m *testModule) { m.initSleep = 300 * time.Millisecond })
		f.add(t, "fine", 2, nil)

		m := f.manager(eventbus.New(eventbus.DefaultConfig()), 50*time.Millisecond)
		active, err := m.ActivateAll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"fine"}, active)

		slow := f.latest(t, "slow")
		assert.Zero(t, slow.cleanupCalls.Load())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.WaitAbandoned(ctx))
		assert.Equal(t, int32(1), slow.cleanupCalls.Load())
		assert.False(t, slow.overlapped.Load(), "Cleanup started while Initialize was running")
		assert.Equal(t, StateFailed, m.Status().Modules[0].State)
	})

	t.Run("module from a timed out factory is cleaned up", func(t *testing.T) {
		f := newFixture(t)
		f.writeDir(t, "sluggish", 1)
		late := &testModule{name: "sluggish", rec: f.rec}
		f.factories.MustRegister("sluggish", func(Dependencies) (Module, error) {
			time.Sleep(200 * time.Millisecond)
			return late, nil
		})

		m := f.manager(eventbus.New(eventbus.DefaultConfig()), 50*time.Millisecond)
		m.SetDescriptors(mustDiscover(t, f))
		_, err := m.Load(context.Background(), "sluggish")
		require.ErrorIs(t, err, ErrConstruction)
		require.ErrorIs(t, err, ErrHookTimeout)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.WaitAbandoned(ctx))
		assert.Equal(t, int32(1), late.cleanupCalls.Load())
		assert.Zero(t, late.initCalls.Load())
		assert.Empty(t, m.ActiveModules())
	})

	t.Run("panic", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, "panics", 1, func(m *testModule) { m.initPanic = true })
		f.add(t, "fine", 2, nil)

		m := f.manager(eventbus.New(eventbus.DefaultConfig()), time.Second)
		active, err := m.ActivateAll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"fine"}, active)

		_, err = m.Restart(context.Background(), "panics")
		require.ErrorIs(t, err, ErrHookPanic)
	})
}

func TestDeactivate(t *testing.T) {
	f := newFixture(t)
	f.add(t, "listener", 1, nil, "config:changed")

	bus := eventbus.New(eventbus.DefaultConfig())
	m := f.manager(bus, time.Second)
	_, err := m.ActivateAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, bus.SubscriberCount("config:changed"))

	require.NoError(t, m.Deactivate(context.Background(), "listener"))
	assert.Equal(t, 0, bus.SubscriberCount("config:changed"))
	assert.Equal(t, int32(1), f.latest(t, "listener").cleanupCalls.Load())
	assert.Empty(t, m.ActiveModules())

	err = m.Deactivate(context.Background(), "listener")
	require.ErrorIs(t, err, ErrNotActive)

	d, ok := m.Descriptor("listener")
	require.True(t, ok)
	assert.Equal(t, "listener", d.Name)
	assert.Equal(t, StateDeactivated, m.Status().Modules[0].State)
}

func TestDeactivateLogsCleanupFailure(t *testing.T) {
	f := newFixture(t)
	f.add(t, "dirty", 1, func(m *testModule) { m.cleanupErr = errBoom })

	m := f.manager(eventbus.New(eventbus.DefaultConfig()), time.Second)
	_, err := m.ActivateAll(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Deactivate(context.Background(), "dirty"))
	assert.Empty(t, m.ActiveModules())
}

func TestRestart(t *testing.T) {
	t.Run("replaces the instance and cleans the old one once", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, "a", 1, nil, "config:changed")

		bus := eventbus.New(eventbus.DefaultConfig())
		restarted := watchTopics(t, bus, TopicModuleRestarted)
		m := f.manager(bus, time.Second)
		_, err := m.ActivateAll(context.Background())
		require.NoError(t, err)

		before, _ := m.Module("a")
		_, err = m.Restart(context.Background(), "a")
		require.NoError(t, err)
		after, _ := m.Module("a")

		assert.NotSame(t, before, after)
		built := f.built("a")
		require.Len(t, built, 2)
		assert.Equal(t, int32(1), built[0].cleanupCalls.Load())
		assert.Equal(t, int32(0), built[1].cleanupCalls.Load())
		assert.Equal(t, []string{TopicModuleRestarted}, restarted.list())

		require.NoError(t, bus.Publish(context.Background(), "config:changed", nil))
		assert.Empty(t, built[0].received())
		assert.Equal(t, []string{"config:changed"}, built[1].received())
		assert.Equal(t, 1, bus.SubscriberCount("config:changed"))
	})

	t.Run("retries a failed initialize", func(t *testing.T) {
		f := newFixture(t)
		attempts := 0
		f.add(t, "flaky", 1, func(m *testModule) {
			attempts++
			if attempts == 1 {
				m.initErr = errBoom
			}
		})

		m := f.manager(eventbus.New(eventbus.DefaultConfig()), time.Second)
		active, err := m.ActivateAll(context.Background())
		require.NoError(t, err)
		assert.Empty(t, active)

		inst, err := m.Restart(context.Background(), "flaky")
		require.NoError(t, err)
		assert.True(t, inst.Initialized())
		assert.Equal(t, []string{"flaky"}, m.ActiveModules())
		assert.Empty(t, m.Status().Modules[0].Error)
	})

	t.Run("unknown module", func(t *testing.T) {
		f := newFixture(t)
		m := f.manager(eventbus.New(eventbus.DefaultConfig()), time.Second)
		_, err := m.Restart(context.Background(), "ghost")
		require.ErrorIs(t, err, ErrNotActive)
	})

	t.Run("stops at a failing load", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, "a", 1, nil)

		m := f.manager(eventbus.New(eventbus.DefaultConfig()), time.Second)
		_, err := m.ActivateAll(context.Background())
		require.NoError(t, err)

		f.failConstruction("a", errBoom)
		_, err = m.Restart(context.Background(), "a")
		require.ErrorIs(t, err, ErrConstruction)
		assert.Empty(t, m.ActiveModules())
	})
}

func TestActivateAllDeactivatesRemovedModules(t *testing.T) {
	f := newFixture(t)
	f.add(t, "stays", 1, nil)
	f.add(t, "goes", 2, nil)

	m := f.manager(eventbus.New(eventbus.DefaultConfig()), time.Second)
	_, err := m.ActivateAll(context.Background())
	require.NoError(t, err)

	removeDir(t, f, "goes")
	active, err := m.ActivateAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"stays"}, active)
	assert.Equal(t, 1, m.Status().Total)
	// first instance of "goes" was cleaned exactly once
	assert.Equal(t, int32(1), f.built("goes")[0].cleanupCalls.Load())
}

func TestStatusIsPure(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", 1, nil)
	f.add(t, "b", 2, func(m *testModule) { m.initErr = errBoom })

	bus := eventbus.New(eventbus.DefaultConfig())
	m := f.manager(bus, time.Second)
	_, err := m.ActivateAll(context.Background())
	require.NoError(t, err)

	published := bus.Published()
	first := m.Status()
	second := m.Status()
	assert.Equal(t, first, second)
	assert.Equal(t, published, bus.Published())
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.add(t, "counts", 1, nil)
	f.add(t, "panics", 2, func(m *testModule) { m.statsPanic = true })

	m := f.manager(eventbus.New(eventbus.DefaultConfig()), time.Second)
	_, err := m.ActivateAll(context.Background())
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, map[string]any{"initCalls": 1}, stats["counts"])
	assert.Contains(t, stats["panics"], "error")
}

type shutdownOnly struct{ stopped bool }

func (s *shutdownOnly) Shutdown(context.Context) error {
	s.stopped = true
	return nil
}

func TestShutdownerUsedWithoutCleaner(t *testing.T) {
	f := newFixture(t)
	f.writeDir(t, "legacy", 1)
	mod := &shutdownOnly{}
	f.factories.MustRegister("legacy", func(Dependencies) (Module, error) { return mod, nil })

	m := f.manager(eventbus.New(eventbus.DefaultConfig()), time.Second)
	_, err := m.ActivateAll(context.Background())
	require.NoError(t, err)

	inst, ok := m.Instance("legacy")
	require.True(t, ok)
	caps := inst.Capabilities()
	assert.True(t, caps.Cleaner)
	assert.False(t, caps.Initializer)
	assert.False(t, caps.EventHandler)
	assert.False(t, caps.Stats)
	assert.NotContains(t, m.Stats(), "legacy")

	require.NoError(t, m.Deactivate(context.Background(), "legacy"))
	assert.True(t, mod.stopped)
}

func TestCapabilitiesRecordedAtLoad(t *testing.T) {
	f := newFixture(t)
	f.add(t, "full", 1, nil, "config:changed")

	bus := eventbus.New(eventbus.DefaultConfig())
	m := f.manager(bus, time.Second)
	m.SetDescriptors(mustDiscover(t, f))
	inst, err := m.Load(context.Background(), "full")
	require.NoError(t, err)
	caps := inst.Capabilities()
	assert.True(t, caps.Initializer)
	assert.True(t, caps.Cleaner)
	assert.True(t, caps.EventHandler)
	assert.True(t, caps.Stats)

	_, err = m.Initialize(context.Background(), "full")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), "config:changed", nil))

	mod := f.latest(t, "full")
	assert.Equal(t, []string{"config:changed"}, mod.received())
	assert.Equal(t, map[string]any{"initCalls": 1}, m.Stats()["full"])
}

func TestFailedReloadKeepsLiveInstance(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", 1, nil)

	m := f.manager(eventbus.New(eventbus.DefaultConfig()), time.Second)
	_, err := m.ActivateAll(context.Background())
	require.NoError(t, err)
	live := f.latest(t, "a")

	f.failConstruction("a", errBoom)
	_, err = m.Load(context.Background(), "a")
	require.ErrorIs(t, err, ErrConstruction)

	inst, ok := m.Instance("a")
	require.True(t, ok)
	assert.Same(t, live, inst.Module())
	assert.Zero(t, live.cleanupCalls.Load())

	row := m.Status().Modules[0]
	assert.True(t, row.Active)
	assert.True(t, row.Initialized)
	assert.Equal(t, StateActive, row.State)
	assert.Contains(t, row.Error, "boom")
}
