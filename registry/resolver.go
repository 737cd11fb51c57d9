// Package registry discovers module descriptors on disk.
//
// Every subdirectory of the modules root that carries a manifest
// (module.json, module.yaml, module.yml or module.toml) and an entry-point
// file becomes a Descriptor. Discovery is tolerant: a broken directory is
// skipped with a warning and never aborts the scan.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/GoCodeAlone/modhost/logging"
)

// Descriptor is the immutable, manifest-derived record of one module.
type Descriptor struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Enabled     bool     `json:"enabled"`
	Priority    int      `json:"priority"`
	Listen      []string `json:"listen"`

	Dir          string `json:"dir"`
	ManifestPath string `json:"manifestPath"`
	EntryPoint   string `json:"entryPoint"`
}

// Skipped records a module directory that discovery ignored.
type Skipped struct {
	Dir    string
	Reason error
}

// Report is the full outcome of a discovery run.
type Report struct {
	// Descriptors are the enabled, valid modules in load order.
	Descriptors []Descriptor

	// Skipped lists ignored directories in scan order.
	Skipped []Skipped
}

// Resolver scans a modules root for descriptors.
type Resolver struct {
	root   string
	logger logging.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger that receives skip warnings.
func WithLogger(logger logging.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver creates a resolver for the modules root directory.
func NewResolver(root string, opts ...Option) *Resolver {
	r := &Resolver{root: root, logger: logging.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Root returns the modules root directory.
func (r *Resolver) Root() string {
	return r.root
}

// Discover returns the enabled descriptors sorted by ascending priority.
// Ties keep directory scan order.
func (r *Resolver) Discover(ctx context.Context) ([]Descriptor, error) {
	report, err := r.Scan(ctx)
	if err != nil {
		return nil, err
	}
	return report.Descriptors, nil
}

// Scan is Discover that also reports skipped directories.
func (r *Resolver) Scan(ctx context.Context) (Report, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return Report{}, fmt.Errorf("read modules directory %s: %w", r.root, err)
	}

	var report Report
	seen := make(map[string]string)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, entry.Name())

		desc, err := ReadDescriptor(dir)
		if err == nil {
			if first, dup := seen[desc.Name]; dup {
				err = fmt.Errorf("%w: %s already provided by %s", ErrDuplicateModule, desc.Name, first)
			}
		}
		if err != nil {
			r.skip(&report, dir, err)
			continue
		}
		seen[desc.Name] = dir
		report.Descriptors = append(report.Descriptors, desc)
	}

	slices.SortStableFunc(report.Descriptors, func(a, b Descriptor) int {
		return cmp.Compare(a.Priority, b.Priority)
	})
	return report, nil
}

func (r *Resolver) skip(report *Report, dir string, reason error) {
	report.Skipped = append(report.Skipped, Skipped{Dir: dir, Reason: reason})
	if errors.Is(reason, ErrModuleDisabled) {
		r.logger.Info("Skipping disabled module", "dir", dir)
		return
	}
	r.logger.Warn("Skipping module directory", "dir", dir, "error", reason)
}

// ReadDescriptor builds the descriptor for a single module directory.
func ReadDescriptor(dir string) (Descriptor, error) {
	manifestPath, err := findManifest(dir)
	if err != nil {
		return Descriptor{}, err
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(manifestPath, data)
	if err != nil {
		return Descriptor{}, err
	}
	if err := m.Validate(); err != nil {
		return Descriptor{}, err
	}

	entryPoint := filepath.Join(dir, m.EntryPoint())
	if info, err := os.Stat(entryPoint); err != nil || info.IsDir() {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrEntryPointNotFound, entryPoint)
	}
	if !m.IsEnabled() {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrModuleDisabled, m.Name)
	}

	return Descriptor{
		Name:         m.Name,
		Version:      m.Version,
		Description:  m.Description,
		Enabled:      true,
		Priority:     m.EffectivePriority(),
		Listen:       slices.Clone(m.Events.Listen),
		Dir:          dir,
		ManifestPath: manifestPath,
		EntryPoint:   entryPoint,
	}, nil
}

func findManifest(dir string) (string, error) {
	for _, name := range ManifestNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrManifestNotFound, dir)
}
