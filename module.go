// Package kernel provides the single-process core for a module-based
// platform: manifest parsing and validation, dependency resolution,
// a lifecycle-managed module registry, and a central event bus the
// registry publishes every lifecycle transition onto.
//
// A module is described by a ModuleManifest and implemented behind the
// Module interface. The host registers manifests, the Registry computes a
// dependency-respecting load order and drives every module through its
// lifecycle; the webhook dispatcher and any third-party module observe
// transitions as ordinary bus subscribers.
//
// Basic usage:
//
//	bus := eventbus.New(nil, nil, logger)
//	reg := kernel.NewRegistry(bus, logger, nil)
//	reg.RegisterFactory("billing", func() kernel.Module { return &BillingModule{} })
//	if err := reg.Register(manifest); err != nil {
//		log.Fatal(err)
//	}
//	if err := reg.StartAll(ctx); err != nil {
//		log.Fatal(err)
//	}
package kernel

import (
	"context"

	"github.com/GoCodeAlone/kernel/eventbus"
)

// Module is the fixed capability contract every loaded module implements.
// Implementations are produced by a ModuleFactory resolved from the
// manifest's entry point; the host never injects arbitrary code at
// runtime.
type Module interface {
	// Init prepares the module for Start. It is called in dependency
	// order, after every dependency has reached Running. The host handle
	// gives the module access to logging and the event bus; subscriptions
	// taken through it are revoked automatically when the module unloads.
	Init(ctx context.Context, host Host) error

	// Start begins the module's runtime operations. It may block briefly;
	// the registry bounds Init+Start with a configurable timeout.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. It is called in reverse dependency
	// order: every dependent has already stopped.
	Stop(ctx context.Context) error
}

// ModuleFactory constructs a fresh module instance for an entry point.
// A factory is invoked once per load (and again on hot reload), so it
// must not return a shared instance that carries state across loads.
type ModuleFactory func() Module

// Host is the handle a module receives during Init. It scopes event bus
// access to the owning module so the registry can revoke subscriptions on
// unload, and records the module's events with its name as the source.
type Host interface {
	// Logger returns the structured logger shared by the kernel.
	Logger() Logger

	// Publish appends an event to the bus log and dispatches it. The
	// source is fixed to the owning module's name.
	Publish(ctx context.Context, eventType string, payload map[string]any) (uint64, error)

	// Subscribe registers a handler for events matching pattern. Patterns
	// are exact types or trailing-wildcard prefixes such as "module.*".
	Subscribe(pattern string, handler eventbus.Handler, mode eventbus.DeliveryMode) (string, error)

	// ReportFailure flags the owning module as failed at runtime, after a
	// successful start. Dependents that are already Running stay up and
	// are marked degraded.
	ReportFailure(cause error) error
}

// moduleHost is the Registry's Host implementation, bound to one module.
type moduleHost struct {
	name     string
	registry *Registry
	bus      *eventbus.Bus
	logger   Logger
}

func (h *moduleHost) Logger() Logger { return h.logger }

func (h *moduleHost) Publish(ctx context.Context, eventType string, payload map[string]any) (uint64, error) {
	return h.bus.Publish(ctx, eventType, h.name, payload)
}

func (h *moduleHost) Subscribe(pattern string, handler eventbus.Handler, mode eventbus.DeliveryMode) (string, error) {
	return h.bus.Subscribe(pattern, h.name, handler, mode)
}

func (h *moduleHost) ReportFailure(cause error) error {
	return h.registry.ReportFailure(h.name, cause)
}
