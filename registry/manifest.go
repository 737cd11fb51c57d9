package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// DefaultPriority is used when a manifest does not set priority.
const DefaultPriority = 10

// DefaultEntryPoint is the entry-point file name used when a manifest does
// not set main.
const DefaultEntryPoint = "module.go"

// ManifestNames lists the accepted manifest file names. The first one found
// in a module directory wins.
var ManifestNames = []string{"module.json", "module.yaml", "module.yml", "module.toml"}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Manifest is the on-disk description of a module.
//
// Example module.json:
//
//	{
//	  "name": "audit",
//	  "version": "1.0.0",
//	  "description": "Records lifecycle events",
//	  "priority": 5,
//	  "events": { "listen": ["config:changed"] }
//	}
type Manifest struct {
	Name        string `json:"name" yaml:"name" toml:"name"`
	Version     string `json:"version" yaml:"version" toml:"version"`
	Description string `json:"description" yaml:"description" toml:"description"`

	// Enabled defaults to true; only an explicit false disables the module.
	Enabled *bool `json:"enabled" yaml:"enabled" toml:"enabled"`

	// Priority orders loading, lower first. Defaults to DefaultPriority.
	Priority *int `json:"priority" yaml:"priority" toml:"priority"`

	Events Events `json:"events" yaml:"events" toml:"events"`

	// Main names the entry-point file inside the module directory.
	Main string `json:"main" yaml:"main" toml:"main"`
}

// Events declares the bus topics a module wants delivered to HandleEvent.
type Events struct {
	Listen []string `json:"listen" yaml:"listen" toml:"listen"`
}

// IsEnabled reports whether the manifest enables the module.
func (m Manifest) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// EffectivePriority returns the priority with the default applied.
func (m Manifest) EffectivePriority() int {
	if m.Priority == nil {
		return DefaultPriority
	}
	return *m.Priority
}

// EntryPoint returns the entry-point file name with the default applied.
func (m Manifest) EntryPoint() string {
	if m.Main == "" {
		return DefaultEntryPoint
	}
	return m.Main
}

// Validate checks the manifest schema.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidManifest)
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidManifest, m.Name, namePattern)
	}
	if m.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidManifest)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("%w: version %q: %w", ErrInvalidManifest, m.Version, err)
	}
	if m.Priority != nil && *m.Priority < 0 {
		return fmt.Errorf("%w: priority %d must not be negative", ErrInvalidManifest, *m.Priority)
	}
	if filepath.Base(m.EntryPoint()) != m.EntryPoint() {
		return fmt.Errorf("%w: main %q must be a file name", ErrInvalidManifest, m.Main)
	}
	for _, topic := range m.Events.Listen {
		if topic == "" {
			return fmt.Errorf("%w: events.listen contains an empty topic", ErrInvalidManifest)
		}
	}
	return nil
}

// ParseManifest decodes data according to the extension of path.
func ParseManifest(path string, data []byte) (Manifest, error) {
	var m Manifest
	var err error
	switch filepath.Ext(path) {
	case ".json":
		err = json.Unmarshal(data, &m)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	case ".toml":
		_, err = toml.Decode(string(data), &m)
	default:
		return m, fmt.Errorf("%w: unsupported manifest format %q", ErrInvalidManifest, filepath.Ext(path))
	}
	if err != nil {
		return m, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, filepath.Base(path), err)
	}
	return m, nil
}
