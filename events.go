package kernel

// Event types published by the registry onto the event bus. Third-party
// modules may publish their own under any other prefix, conventionally
// "custom.*".
const (
	EventTypeModuleRegistered = "module.registered"
	EventTypeModuleLoading    = "module.loading"
	EventTypeModuleLoaded     = "module.loaded"
	EventTypeModuleFailed     = "module.failed"
	EventTypeModuleStopping   = "module.stopping"
	EventTypeModuleStopped    = "module.stopped"
	EventTypeModuleDegraded   = "module.degraded"
	EventTypeModuleReloaded   = "module.reloaded"
	EventTypeModuleUnloaded   = "module.unloaded"
)

// EventSourceRegistry is the source name the registry publishes under.
const EventSourceRegistry = "registry"
