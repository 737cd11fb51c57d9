// Package database opens the persistence handle passed to modules.
// The host treats it as an opaque *sql.DB; modules own their schemas.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNoPath is returned by Open when no database path is configured.
var ErrNoPath = errors.New("database path not configured")

// Config defines the database settings.
type Config struct {
	// Path is the SQLite file. Empty disables the database.
	Path string `yaml:"path" toml:"path" env:"PATH"`

	// ConnectionTimeout bounds the initial ping.
	ConnectionTimeout time.Duration `yaml:"connectionTimeout" toml:"connection_timeout" env:"CONNECTION_TIMEOUT"`

	// MaxOpenConns limits concurrent connections. Zero keeps the driver default.
	MaxOpenConns int `yaml:"maxOpenConns" toml:"max_open_conns" env:"MAX_OPEN_CONNS"`
}

// DefaultConfig returns the database defaults.
func DefaultConfig() Config {
	return Config{ConnectionTimeout: 30 * time.Second}
}

// Open opens the SQLite database at cfg.Path in WAL mode and verifies it
// answers within cfg.ConnectionTimeout.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, ErrNoPath
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectionTimeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return db, nil
}

// Connected reports whether db is non-nil and answers a ping.
func Connected(ctx context.Context, db *sql.DB) bool {
	if db == nil {
		return false
	}
	return db.PingContext(ctx) == nil
}
