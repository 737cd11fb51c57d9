package cache

import (
	"errors"
)

// Error definitions
var (
	// ErrCacheFull is returned when the memory engine reached MaxItems and the
	// key is not already present.
	ErrCacheFull = errors.New("cache is full")

	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrInvalidValue is returned when a value cannot be encoded by the engine.
	ErrInvalidValue = errors.New("invalid cache value")

	// ErrUnknownEngine is returned by Open for an unsupported engine name.
	ErrUnknownEngine = errors.New("unknown cache engine")

	// ErrClosed is returned by engines used after Close.
	ErrClosed = errors.New("cache closed")
)
