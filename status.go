package modhost

import "time"

// SystemStatus is the on-demand snapshot returned by Core.SystemStatus.
type SystemStatus struct {
	System    SystemInfo     `json:"system"`
	Resources Resources      `json:"resources"`
	Modules   ModulesStatus  `json:"modules"`
	Database  DatabaseStatus `json:"database"`
}

// SystemInfo identifies the host process.
type SystemInfo struct {
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	Environment     string    `json:"environment"`
	Initialized     bool      `json:"initialized"`
	Ready           bool      `json:"ready"`
	StartTime       time.Time `json:"startTime"`
	Uptime          int64     `json:"uptime"`
	UptimeFormatted string    `json:"uptimeFormatted"`
}

// Resources reports process and cache counters.
type Resources struct {
	Memory    MemoryStats `json:"memory"`
	CacheSize int         `json:"cacheSize"`
	CacheKeys []string    `json:"cacheKeys"`
}

// ModulesStatus is the module table joined from descriptors and instances.
type ModulesStatus struct {
	Total   int            `json:"total"`
	Active  int            `json:"active"`
	Modules []ModuleStatus `json:"modules"`
}

// ModuleStatus is one row of the module table.
type ModuleStatus struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	Active      bool   `json:"active"`
	Initialized bool   `json:"initialized"`
	Priority    int    `json:"priority"`
	State       State  `json:"state"`
	Error       string `json:"error,omitempty"`
}

// DatabaseStatus reports whether the core holds an open database handle.
type DatabaseStatus struct {
	Connected bool `json:"connected"`
}
