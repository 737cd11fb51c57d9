package modhost

import (
	"errors"
)

// Lifecycle errors. Single-module operations wrap them with the module name
// and the underlying cause, so callers match with errors.Is.
var (
	// Load errors
	ErrManifestMissing = errors.New("module descriptor not found")
	ErrEntryPoint      = errors.New("module entry point cannot be resolved")
	ErrConstruction    = errors.New("module construction failed")

	// Initialize errors
	ErrNotLoaded      = errors.New("module not loaded")
	ErrInitialization = errors.New("module initialization failed")

	// Deactivate errors
	ErrNotActive = errors.New("module not active")

	// Hook errors
	ErrHookTimeout = errors.New("module hook timed out")
	ErrHookPanic   = errors.New("module hook panicked")

	// Factory registry errors
	ErrFactoryExists = errors.New("module factory already registered")
	ErrFactoryNil    = errors.New("module factory is nil")
	ErrNilModule     = errors.New("module factory returned nil")

	// Core errors
	ErrCoreShutdown = errors.New("core is shut down")
	ErrLoggerNil    = errors.New("logger cannot be nil")

	// Observer errors
	ErrObserverNil   = errors.New("observer cannot be nil")
	ErrObserverIDNil = errors.New("observer ID cannot be empty")

	// Config errors
	ErrUnsupportedConfigFormat = errors.New("unsupported config file format")
)
