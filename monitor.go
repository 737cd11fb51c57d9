package modhost

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/modhost/eventbus"
	"github.com/GoCodeAlone/modhost/logging"
)

// MonitoringConfig controls the background resource sampling.
type MonitoringConfig struct {
	Enabled        bool          `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	MemoryInterval time.Duration `yaml:"memoryInterval" toml:"memory_interval" env:"MEMORY_INTERVAL"`
	UptimeInterval time.Duration `yaml:"uptimeInterval" toml:"uptime_interval" env:"UPTIME_INTERVAL"`
}

// MemoryStats is the payload of system:memory and the memory section of the
// status snapshot.
type MemoryStats struct {
	Sys        string `json:"sys"`
	HeapTotal  string `json:"heapTotal"`
	HeapUsed   string `json:"heapUsed"`
	Stack      string `json:"stack"`
	Goroutines int    `json:"goroutines"`
	NumGC      uint32 `json:"numGC"`
}

// UptimeSample is the payload of system:uptime.
type UptimeSample struct {
	Uptime          int64  `json:"uptime"`
	UptimeFormatted string `json:"uptimeFormatted"`
}

// ReadMemoryStats samples the Go runtime's memory counters.
func ReadMemoryStats() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryStats{
		Sys:        humanize.IBytes(ms.Sys),
		HeapTotal:  humanize.IBytes(ms.HeapSys),
		HeapUsed:   humanize.IBytes(ms.HeapAlloc),
		Stack:      humanize.IBytes(ms.StackInuse),
		Goroutines: runtime.NumGoroutine(),
		NumGC:      ms.NumGC,
	}
}

// FormatUptime renders d as "Xd Yh Zm", "Xh Ym Zs", "Xm Ys" or "Xs",
// using the two or three most significant units.
func FormatUptime(d time.Duration) string {
	seconds := int64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours%24, minutes%60)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes%60, seconds%60)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds%60)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// Monitor runs the memory and uptime sampling jobs on a cron scheduler.
// Each job publishes its sample on the bus.
type Monitor struct {
	config    MonitoringConfig
	publisher eventbus.Publisher
	logger    Logger
	startTime time.Time
	now       func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewMonitor creates a stopped monitor. Uptime is measured from startTime.
func NewMonitor(config MonitoringConfig, publisher eventbus.Publisher, startTime time.Time, logger Logger) *Monitor {
	if config.MemoryInterval <= 0 {
		config.MemoryInterval = 30 * time.Second
	}
	if config.UptimeInterval <= 0 {
		config.UptimeInterval = time.Minute
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Monitor{
		config:    config,
		publisher: publisher,
		logger:    logger,
		startTime: startTime,
		now:       time.Now,
	}
}

// Start schedules both jobs. Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return nil
	}

	c := cron.New()
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.entries = make(map[string]cron.EntryID)

	jobs := []struct {
		topic    string
		interval time.Duration
		run      func()
	}{
		{TopicSystemMemory, m.config.MemoryInterval, m.publishMemory},
		{TopicSystemUptime, m.config.UptimeInterval, m.publishUptime},
	}
	for _, job := range jobs {
		id, err := c.AddFunc(fmt.Sprintf("@every %s", job.interval), job.run)
		if err != nil {
			m.cancel()
			return fmt.Errorf("schedule %s sampling: %w", job.topic, err)
		}
		m.entries[job.topic] = id
	}

	c.Start()
	m.cron = c
	m.logger.Info("Monitoring started", "memoryInterval", m.config.MemoryInterval, "uptimeInterval", m.config.UptimeInterval)
	return nil
}

// Stop cancels both jobs and waits for a running job to finish or ctx to
// expire.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	c := m.cron
	cancel := m.cancel
	m.cron = nil
	m.mu.Unlock()

	if c == nil {
		return nil
	}
	cancel()
	stopped := c.Stop()

	select {
	case <-stopped.Done():
		m.logger.Info("Monitoring stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping monitor: %w", ctx.Err())
	}
}

// Running reports whether the jobs are scheduled.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cron != nil
}

// Uptime returns the time since startTime.
func (m *Monitor) Uptime() time.Duration {
	return m.now().Sub(m.startTime)
}

// UptimeSample builds the system:uptime payload.
func (m *Monitor) UptimeSample() UptimeSample {
	uptime := m.Uptime()
	return UptimeSample{
		Uptime:          uptime.Milliseconds(),
		UptimeFormatted: FormatUptime(uptime),
	}
}

func (m *Monitor) publishMemory() {
	m.publish(TopicSystemMemory, ReadMemoryStats())
}

func (m *Monitor) publishUptime() {
	m.publish(TopicSystemUptime, m.UptimeSample())
}

func (m *Monitor) publish(topic string, payload any) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := m.publisher.Publish(ctx, topic, payload); err != nil {
		m.logger.Warn("Monitoring event handler failed", "topic", topic, "error", err)
	}
}
