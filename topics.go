package modhost

// Topics published by the host on the event bus.
const (
	TopicCoreInitialized   = "core:initialized"
	TopicModuleLoaded      = "module:loaded"
	TopicModuleInitialized = "module:initialized"
	TopicModuleReady       = "module:ready"
	TopicModuleDeactivated = "module:deactivated"
	TopicModuleRestarted   = "module:restarted"
	TopicModulesActivated  = "modules:activated"
	TopicModulesChanged    = "modules:changed"
	TopicSystemReady       = "system:ready"
	TopicSystemMemory      = "system:memory"
	TopicSystemUptime      = "system:uptime"
	TopicSystemShutdown    = "system:shutdown"
	TopicSystemStopping    = "system:stopping"
)

// LifecycleTopics lists every topic the host publishes about itself and its
// modules, in the order they typically occur.
var LifecycleTopics = []string{
	TopicCoreInitialized,
	TopicModuleLoaded,
	TopicModuleInitialized,
	TopicModuleReady,
	TopicModulesActivated,
	TopicSystemReady,
	TopicSystemMemory,
	TopicSystemUptime,
	TopicModulesChanged,
	TopicModuleRestarted,
	TopicModuleDeactivated,
	TopicSystemStopping,
}

// ModuleEvent is the payload of the per-module lifecycle topics.
type ModuleEvent struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ActivatedEvent is the payload of modules:activated.
type ActivatedEvent struct {
	Modules []string `json:"modules"`
}
