package modhost

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/modhost/cache"
	"github.com/GoCodeAlone/modhost/database"
	"github.com/GoCodeAlone/modhost/eventbus"
	"github.com/GoCodeAlone/modhost/logging"
)

// EnvPrefix prefixes every environment override, e.g. MODHOST_CACHE_ENGINE.
const EnvPrefix = "MODHOST_"

// Config is the host configuration. It is read once at startup; runtime
// settings shared with modules live in the configuration store.
//
// Example YAML:
//
//	name: Fusione Core System
//	environment: production
//	modulesDir: ./modules
//	hookTimeout: 10s
//	log:
//	  level: debug
//	  format: json
//	cache:
//	  engine: redis
//	  redisURL: redis://localhost:6379/0
//	database:
//	  path: ./data/host.db
//	admin:
//	  addr: 127.0.0.1:8080
//	defaults:
//	  modules.maxRetries: 5
type Config struct {
	Name        string `yaml:"name" toml:"name" env:"NAME"`
	Version     string `yaml:"version" toml:"version" env:"VERSION"`
	Environment string `yaml:"environment" toml:"environment" env:"ENVIRONMENT"`

	// ModulesDir is scanned for module directories.
	ModulesDir string `yaml:"modulesDir" toml:"modules_dir" env:"MODULES_DIR"`

	// HookTimeout bounds factory, Initialize and Cleanup calls. Zero disables it.
	HookTimeout time.Duration `yaml:"hookTimeout" toml:"hook_timeout" env:"HOOK_TIMEOUT"`

	// Watch publishes modules:changed when ModulesDir changes on disk.
	Watch bool `yaml:"watch" toml:"watch" env:"WATCH"`

	Log        logging.Config   `yaml:"log" toml:"log" envPrefix:"LOG_"`
	Monitoring MonitoringConfig `yaml:"monitoring" toml:"monitoring" envPrefix:"MONITORING_"`
	Cache      cache.Config     `yaml:"cache" toml:"cache" envPrefix:"CACHE_"`
	EventBus   eventbus.Config  `yaml:"eventBus" toml:"event_bus" envPrefix:"EVENTBUS_"`
	Database   database.Config  `yaml:"database" toml:"database" envPrefix:"DATABASE_"`
	Admin      AdminConfig      `yaml:"admin" toml:"admin" envPrefix:"ADMIN_"`

	// Defaults are merged over the built-in configuration store defaults.
	Defaults map[string]any `yaml:"defaults" toml:"defaults"`
}

// AdminConfig controls the admin HTTP listener and the periodic status log
// of the run command.
type AdminConfig struct {
	// Addr enables the admin listener when set, e.g. "127.0.0.1:8080".
	Addr string `yaml:"addr" toml:"addr" env:"ADDR"`

	// StatusInterval is how often the run command logs a status line.
	// Zero disables it.
	StatusInterval time.Duration `yaml:"statusInterval" toml:"status_interval" env:"STATUS_INTERVAL"`
}

// DefaultConfig returns the host defaults.
func DefaultConfig() Config {
	return Config{
		Name:        "Fusione Core System",
		Version:     "1.0.0",
		Environment: "development",
		ModulesDir:  "modules",
		HookTimeout: DefaultHookTimeout,
		Monitoring: MonitoringConfig{
			Enabled:        true,
			MemoryInterval: 30 * time.Second,
			UptimeInterval: time.Minute,
		},
		Cache:    cache.DefaultConfig(),
		EventBus: eventbus.DefaultConfig(),
		Database: database.DefaultConfig(),
		Admin: AdminConfig{
			StatusInterval: 5 * time.Minute,
		},
	}
}

// LoadConfig builds the host configuration: defaults, then the file at path
// (YAML or TOML by extension, skipped when path is empty), then MODHOST_*
// environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &cfg)
		case ".toml":
			_, err = toml.Decode(string(data), &cfg)
		default:
			return cfg, fmt.Errorf("%w: %s", ErrUnsupportedConfigFormat, path)
		}
		if err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// storeDefaults returns the configuration store seed, with the host
// identity and the Defaults section applied.
func (c Config) storeDefaults() map[string]any {
	values := map[string]any{
		"system.name":                c.Name,
		"system.version":             c.Version,
		"system.environment":         c.Environment,
		"modules.autoStart":          true,
		"modules.maxRetries":         3,
		"monitoring.enabled":         c.Monitoring.Enabled,
		"monitoring.interval":        c.Monitoring.MemoryInterval.Milliseconds(),
		"cache.defaultTtl":           c.Cache.DefaultTTL.Milliseconds(),
		"database.connectionTimeout": c.Database.ConnectionTimeout.Milliseconds(),
	}
	for k, v := range c.Defaults {
		values[k] = v
	}
	return values
}
