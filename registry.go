package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/kernel/eventbus"
)

// RegistryConfig tunes lifecycle timeouts and the capability conflict
// policy. Zero values fall back to defaults.
type RegistryConfig struct {
	// InitTimeout bounds a single module's Init+Start. On expiry the
	// module transitions to Failed with ErrInitTimeout.
	InitTimeout time.Duration `json:"initTimeout,omitempty" yaml:"initTimeout,omitempty" env:"INIT_TIMEOUT" default:"30s"`

	// StopTimeout bounds a single module's Stop.
	StopTimeout time.Duration `json:"stopTimeout,omitempty" yaml:"stopTimeout,omitempty" env:"STOP_TIMEOUT" default:"30s"`

	// CapabilityPolicy validates declared capabilities across the
	// registered manifest set. Nil accepts everything.
	CapabilityPolicy CapabilityConflictPolicy `json:"-" yaml:"-"`
}

func (c *RegistryConfig) normalize() {
	if c.InitTimeout <= 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
}

// Registry tracks every known module and drives lifecycle transitions in
// dependency order. It is the sole mutator of module state (single
// writer); readers receive ModuleView copies. Every transition and every
// failure is published onto the event bus, so the log is a complete audit
// record.
type Registry struct {
	bus    *eventbus.Bus
	logger Logger
	config *RegistryConfig

	mu        sync.Mutex
	instances map[string]*moduleInstance
	factories map[string]ModuleFactory
	order     []string // last successful load order
	graph     *DependencyGraph
}

// NewRegistry creates a registry publishing onto bus. A nil config uses
// defaults.
func NewRegistry(bus *eventbus.Bus, logger Logger, config *RegistryConfig) *Registry {
	if config == nil {
		config = &RegistryConfig{}
	}
	config.normalize()
	return &Registry{
		bus:       bus,
		logger:    logger,
		config:    config,
		instances: make(map[string]*moduleInstance),
		factories: make(map[string]ModuleFactory),
		graph:     NewDependencyGraph(nil),
	}
}

// RegisterFactory binds an entry point name to a module factory. Manifests
// reference factories through their entry_point field; registering a
// manifest with an unbound entry point fails.
func (r *Registry) RegisterFactory(entryPoint string, factory ModuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[entryPoint] = factory
}

// Register adds a manifest in Discovered state and re-resolves the whole
// graph. On a clean resolution the module (and any previously Discovered
// modules the addition unblocked) moves to Resolved. Resolution errors
// are returned to the caller and published as module.failed audit events,
// but never disturb modules already resolved or running.
func (r *Registry) Register(manifest *ModuleManifest) error {
	if manifest == nil {
		return &ManifestInvalidError{Reason: "manifest is nil"}
	}
	if err := manifest.Validate(); err != nil {
		r.audit(EventTypeModuleFailed, map[string]any{
			"module": manifest.Name, "error": err.Error(), "phase": "register",
		})
		return err
	}

	r.mu.Lock()
	if existing, ok := r.instances[manifest.Name]; ok && existing.state != StateUnloaded {
		r.mu.Unlock()
		err := fmt.Errorf("%w: %s@%s", ErrModuleAlreadyLoaded, manifest.Name, existing.manifest.Version)
		r.audit(EventTypeModuleFailed, map[string]any{
			"module": manifest.Name, "error": err.Error(), "phase": "register",
		})
		return err
	}

	if err := r.checkCapabilitiesLocked(manifest); err != nil {
		r.mu.Unlock()
		r.audit(EventTypeModuleFailed, map[string]any{
			"module": manifest.Name, "error": err.Error(), "phase": "register",
		})
		return err
	}

	if _, ok := r.factories[manifest.EntryPoint]; !ok {
		r.mu.Unlock()
		err := fmt.Errorf("%w: %q (module %s)", ErrUnknownEntryPoint, manifest.EntryPoint, manifest.Name)
		r.audit(EventTypeModuleFailed, map[string]any{
			"module": manifest.Name, "error": err.Error(), "phase": "register",
		})
		return err
	}

	r.instances[manifest.Name] = &moduleInstance{
		manifest: manifest,
		state:    StateDiscovered,
	}
	resolveErr := r.resolveLocked()
	r.mu.Unlock()

	r.audit(EventTypeModuleRegistered, map[string]any{
		"module":  manifest.Name,
		"version": manifest.Version,
	})
	if resolveErr != nil {
		// The manifest stays Discovered; a later registration may satisfy
		// it. Only the affected module is held back.
		r.audit(EventTypeModuleFailed, map[string]any{
			"module": manifest.Name, "error": resolveErr.Error(), "phase": "resolve",
		})
		return resolveErr
	}
	return nil
}

// checkCapabilitiesLocked validates the capability set that would result
// from adding manifest. Caller holds r.mu.
func (r *Registry) checkCapabilitiesLocked(manifest *ModuleManifest) error {
	manifests := make([]*ModuleManifest, 0, len(r.instances)+1)
	for _, inst := range r.instances {
		if inst.state != StateUnloaded && inst.manifest.Name != manifest.Name {
			manifests = append(manifests, inst.manifest)
		}
	}
	manifests = append(manifests, manifest)
	return ValidateCapabilities(manifests, r.config.CapabilityPolicy)
}

// resolveLocked recomputes the load order from the live manifest set and
// promotes Discovered instances to Resolved, constructing their entry
// points. Caller holds r.mu.
func (r *Registry) resolveLocked() error {
	manifests := make([]*ModuleManifest, 0, len(r.instances))
	for _, inst := range r.instances {
		if inst.state != StateUnloaded {
			manifests = append(manifests, inst.manifest)
		}
	}

	order, err := Resolve(manifests)
	if err != nil {
		return err
	}
	r.order = order
	r.graph = NewDependencyGraph(manifests)

	for _, name := range order {
		inst := r.instances[name]
		if inst.state != StateDiscovered {
			continue
		}
		factory := r.factories[inst.manifest.EntryPoint]
		if factory == nil {
			return fmt.Errorf("%w: %q (module %s)", ErrUnknownEntryPoint, inst.manifest.EntryPoint, name)
		}
		inst.module = factory()
		inst.state = StateResolved
	}
	return nil
}

// startSignal broadcasts one module's start outcome to its dependents.
type startSignal struct {
	done chan struct{}
	ok   bool
}

// StartAll drives every startable module to Running in dependency order.
// Modules without unsatisfied mutual dependencies initialize concurrently;
// a module begins strictly after all of its dependencies reach Running.
// Failures are isolated: the failed module and its not-yet-started
// transitive dependents become Failed, everything else proceeds. The
// returned error joins every individual failure.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	order := slices.Clone(r.order)
	signals := make(map[string]*startSignal, len(order))
	pending := make([]string, 0, len(order))
	for _, name := range order {
		inst := r.instances[name]
		if inst == nil {
			continue
		}
		sig := &startSignal{done: make(chan struct{})}
		signals[name] = sig
		switch inst.state {
		case StateResolved:
			pending = append(pending, name)
		case StateStopped:
			// Restart after a StopAll.
			inst.state = StateResolved
			pending = append(pending, name)
		case StateRunning:
			sig.ok = true
			close(sig.done)
		default:
			close(sig.done) // not startable; dependents fail fast
		}
	}
	r.mu.Unlock()

	var (
		wg       sync.WaitGroup
		failMu   sync.Mutex
		failures []error
	)
	for _, name := range pending {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			sig := signals[name]
			defer close(sig.done)

			deps := r.graph.DependenciesOf(name)
			for _, dep := range deps {
				depSig := signals[dep]
				if depSig == nil {
					continue
				}
				select {
				case <-depSig.done:
				case <-ctx.Done():
					err := r.markFailed(name, fmt.Errorf("start cancelled: %w", ctx.Err()))
					failMu.Lock()
					failures = append(failures, err)
					failMu.Unlock()
					return
				}
				if !depSig.ok {
					err := r.markFailed(name, &DependencyFailedError{Name: dep})
					failMu.Lock()
					failures = append(failures, err)
					failMu.Unlock()
					return
				}
			}

			if err := r.startModule(ctx, name); err != nil {
				failMu.Lock()
				failures = append(failures, err)
				failMu.Unlock()
				return
			}
			sig.ok = true
		}(name)
	}
	wg.Wait()

	return errors.Join(failures...)
}

// startModule runs one module's Init and Start under the configured
// timeout, transitioning Resolved -> Initializing -> Running. The registry
// does not hold its lock while the module's code runs.
func (r *Registry) startModule(ctx context.Context, name string) error {
	r.mu.Lock()
	inst := r.instances[name]
	if inst == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	if !canTransition(inst.state, StateInitializing) {
		state := inst.state
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot start %s from %s", ErrInvalidStateTransition, name, state)
	}
	inst.state = StateInitializing
	module := inst.module
	version := inst.manifest.Version
	r.mu.Unlock()

	r.audit(EventTypeModuleLoading, map[string]any{"module": name, "version": version})
	if r.logger != nil {
		r.logger.Info("Starting module", "module", name, "version", version)
	}

	host := &moduleHost{name: name, registry: r, bus: r.bus, logger: r.logger}
	err := r.runBounded(ctx, r.config.InitTimeout, func(ctx context.Context) error {
		if err := module.Init(ctx, host); err != nil {
			return fmt.Errorf("init: %w", err)
		}
		if err := module.Start(ctx); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		return nil
	})
	if err != nil {
		return r.markFailed(name, err)
	}

	r.mu.Lock()
	inst.state = StateRunning
	inst.loadTime = time.Now().UTC()
	r.mu.Unlock()

	r.audit(EventTypeModuleLoaded, map[string]any{"module": name, "version": version})
	return nil
}

// runBounded executes fn with a deadline, mapping expiry to
// ErrInitTimeout. fn keeps running in its goroutine after a timeout; the
// module is considered Failed regardless of what it does afterwards.
func (r *Registry) runBounded(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- fn(bctx) }()

	select {
	case err := <-errCh:
		return err
	case <-bctx.Done():
		if errors.Is(bctx.Err(), context.DeadlineExceeded) {
			return ErrInitTimeout
		}
		return fmt.Errorf("start aborted: %w", bctx.Err())
	}
}

// markFailed transitions a module to Failed, flags already-running
// dependents degraded, and publishes the audit events. Returns the error
// annotated with the module name for the caller to surface.
func (r *Registry) markFailed(name string, cause error) error {
	r.mu.Lock()
	inst := r.instances[name]
	if inst == nil {
		r.mu.Unlock()
		return fmt.Errorf("module %s: %w", name, cause)
	}
	degraded := r.failLocked(inst, name, cause)
	r.mu.Unlock()

	r.announceFailure(name, cause, degraded)
	return fmt.Errorf("module %s: %w", name, cause)
}

// failLocked records the Failed state and flags dependents that are
// already Running as degraded. Not-yet-started dependents are handled by
// the start machinery. Caller holds r.mu; the returned names are for the
// caller to announce after unlocking.
func (r *Registry) failLocked(inst *moduleInstance, name string, cause error) []string {
	inst.state = StateFailed
	inst.failure = cause

	var degraded []string
	for _, dependent := range r.graph.TransitiveDependentsOf(name) {
		dep := r.instances[dependent]
		if dep != nil && dep.state == StateRunning && !dep.degraded {
			dep.degraded = true
			degraded = append(degraded, dependent)
		}
	}
	return degraded
}

// announceFailure logs and publishes the module.failed and
// module.degraded events for a recorded failure.
func (r *Registry) announceFailure(name string, cause error, degraded []string) {
	if r.logger != nil {
		r.logger.Error("Module failed", "module", name, "error", cause)
	}
	r.audit(EventTypeModuleFailed, map[string]any{
		"module": name, "error": cause.Error(),
	})
	for _, dependent := range degraded {
		r.audit(EventTypeModuleDegraded, map[string]any{
			"module": dependent, "failed_dependency": name,
		})
	}
}

// ReportFailure records a runtime failure of a Running module, observed
// or self-reported after a successful start. The module transitions to
// Failed and dependents that are already Running stay up flagged
// degraded.
func (r *Registry) ReportFailure(name string, cause error) error {
	if cause == nil {
		cause = errors.New("unspecified failure")
	}
	r.mu.Lock()
	inst := r.instances[name]
	if inst == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	if inst.state != StateRunning {
		state := inst.state
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot fail %s from %s", ErrInvalidStateTransition, name, state)
	}
	cause = fmt.Errorf("runtime: %w", cause)
	degraded := r.failLocked(inst, name, cause)
	r.mu.Unlock()

	r.announceFailure(name, cause, degraded)
	return nil
}

// Stop gracefully stops one module. A module may only enter Stopping once
// every module depending on it has reached Stopped, Failed, or Unloaded;
// otherwise Stop fails with a *DependentsStillLoadedError.
func (r *Registry) Stop(ctx context.Context, name string) error {
	r.mu.Lock()
	inst := r.instances[name]
	if inst == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	if inst.state != StateRunning {
		state := inst.state
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot stop %s from %s", ErrInvalidStateTransition, name, state)
	}
	if blockers := r.liveDependentsLocked(name); len(blockers) > 0 {
		r.mu.Unlock()
		err := &DependentsStillLoadedError{Name: name, Dependents: blockers}
		r.audit(EventTypeModuleFailed, map[string]any{
			"module": name, "error": err.Error(), "phase": "stop",
		})
		return err
	}
	inst.state = StateStopping
	module := inst.module
	r.mu.Unlock()

	r.audit(EventTypeModuleStopping, map[string]any{"module": name})
	if r.logger != nil {
		r.logger.Info("Stopping module", "module", name)
	}

	sctx, cancel := context.WithTimeout(ctx, r.config.StopTimeout)
	err := module.Stop(sctx)
	cancel()
	if err != nil {
		return r.markFailed(name, fmt.Errorf("stop: %w", err))
	}

	r.mu.Lock()
	inst.state = StateStopped
	r.mu.Unlock()

	r.audit(EventTypeModuleStopped, map[string]any{"module": name})
	return nil
}

// liveDependentsLocked lists dependents of name that are neither stopped,
// failed, nor unloaded. Caller holds r.mu.
func (r *Registry) liveDependentsLocked(name string) []string {
	var live []string
	for _, dependent := range r.graph.DependentsOf(name) {
		inst := r.instances[dependent]
		if inst == nil {
			continue
		}
		switch inst.state {
		case StateRunning, StateInitializing, StateStopping:
			live = append(live, dependent)
		}
	}
	sort.Strings(live)
	return live
}

// StopAll stops every running module in reverse dependency order.
// Individual stop failures are joined and returned; the shutdown keeps
// going so dependencies of a failed module still get their Stop call.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	order := slices.Clone(r.order)
	r.mu.Unlock()
	slices.Reverse(order)

	var failures []error
	for _, name := range order {
		r.mu.Lock()
		inst := r.instances[name]
		running := inst != nil && inst.state == StateRunning
		r.mu.Unlock()
		if !running {
			continue
		}
		if err := r.Stop(ctx, name); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// HotReload replaces a module's manifest and restarts it, together with
// any modules that previously failed because of it. Only permitted when
// the registered manifest declares hot_reloadable; fails with
// ErrNotHotReloadable otherwise. The stop half inherits Stop's dependents
// constraint.
func (r *Registry) HotReload(ctx context.Context, name string, newManifest *ModuleManifest) error {
	if newManifest == nil {
		return &ManifestInvalidError{Name: name, Reason: "replacement manifest is nil"}
	}
	if err := newManifest.Validate(); err != nil {
		return err
	}
	if newManifest.Name != name {
		return &ManifestInvalidError{Name: newManifest.Name, Reason: fmt.Sprintf("manifest name does not match reload target %q", name)}
	}

	r.mu.Lock()
	inst := r.instances[name]
	if inst == nil || inst.state == StateUnloaded {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	if !inst.manifest.HotReloadable {
		r.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrNotHotReloadable, name)
		r.audit(EventTypeModuleFailed, map[string]any{
			"module": name, "error": err.Error(), "phase": "hot_reload",
		})
		return err
	}
	wasRunning := inst.state == StateRunning
	r.mu.Unlock()

	if wasRunning {
		if err := r.Stop(ctx, name); err != nil {
			return err
		}
	}

	r.mu.Lock()
	oldManifest := inst.manifest
	if err := r.checkCapabilitiesLocked(newManifest); err != nil {
		r.mu.Unlock()
		return err
	}
	if _, ok := r.factories[newManifest.EntryPoint]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q (module %s)", ErrUnknownEntryPoint, newManifest.EntryPoint, name)
	}
	inst.manifest = newManifest
	inst.state = StateDiscovered
	inst.module = nil
	inst.degraded = false
	inst.failure = nil

	// Restart set: the target plus modules that failed because of it.
	restart := map[string]bool{name: true}
	for other, otherInst := range r.instances {
		var depErr *DependencyFailedError
		if otherInst.state == StateFailed && errors.As(otherInst.failure, &depErr) && depErr.Name == name {
			restart[other] = true
		}
	}

	if err := r.resolveLocked(); err != nil {
		// Roll back so the previously working manifest stays loadable.
		inst.manifest = oldManifest
		inst.state = StateDiscovered
		rollbackErr := r.resolveLocked()
		r.mu.Unlock()
		if rollbackErr != nil && r.logger != nil {
			r.logger.Error("Rollback resolution failed after hot reload", "module", name, "error", rollbackErr)
		}
		r.audit(EventTypeModuleFailed, map[string]any{
			"module": name, "error": err.Error(), "phase": "hot_reload",
		})
		return err
	}

	for other := range restart {
		if other == name {
			continue
		}
		otherInst := r.instances[other]
		if otherInst != nil && otherInst.state == StateFailed {
			otherInst.state = StateResolved
			otherInst.failure = nil
			if otherInst.module == nil {
				otherInst.module = r.factories[otherInst.manifest.EntryPoint]()
			}
		}
	}
	order := slices.Clone(r.order)
	r.mu.Unlock()

	var failures []error
	for _, candidate := range order {
		if !restart[candidate] {
			continue
		}
		if err := r.startModule(ctx, candidate); err != nil {
			failures = append(failures, err)
		}
	}
	if err := errors.Join(failures...); err != nil {
		return err
	}

	r.audit(EventTypeModuleReloaded, map[string]any{
		"module":      name,
		"old_version": oldManifest.Version,
		"new_version": newManifest.Version,
	})
	return nil
}

// Unload removes a Stopped or Failed module and revokes its event bus
// subscriptions. Fails with a *DependentsStillLoadedError while any
// non-unloaded module still depends on it.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	inst := r.instances[name]
	if inst == nil || inst.state == StateUnloaded {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	// Dependents take precedence over the state check: unloading a module
	// still depended on is refused as DependentsStillLoaded regardless of
	// the module's own state.
	var loadedDependents []string
	for _, dependent := range r.graph.DependentsOf(name) {
		if dep := r.instances[dependent]; dep != nil && dep.state != StateUnloaded {
			loadedDependents = append(loadedDependents, dependent)
		}
	}
	if len(loadedDependents) > 0 {
		r.mu.Unlock()
		sort.Strings(loadedDependents)
		err := &DependentsStillLoadedError{Name: name, Dependents: loadedDependents}
		r.audit(EventTypeModuleFailed, map[string]any{
			"module": name, "error": err.Error(), "phase": "unload",
		})
		return err
	}
	if !canTransition(inst.state, StateUnloaded) {
		state := inst.state
		r.mu.Unlock()
		err := fmt.Errorf("%w: cannot unload %s from %s", ErrInvalidStateTransition, name, state)
		r.audit(EventTypeModuleFailed, map[string]any{
			"module": name, "error": err.Error(), "phase": "unload",
		})
		return err
	}
	inst.state = StateUnloaded
	inst.module = nil
	resolveErr := r.resolveLocked()
	r.mu.Unlock()

	r.bus.RevokeOwner(name)
	r.audit(EventTypeModuleUnloaded, map[string]any{"module": name})
	if resolveErr != nil && r.logger != nil {
		// Unloading can only remove edges, but surface it if it happens.
		r.logger.Error("Re-resolution after unload failed", "module", name, "error", resolveErr)
	}
	return nil
}

// Modules returns read-only views of every known module, sorted by name.
func (r *Registry) Modules() []ModuleView {
	r.mu.Lock()
	defer r.mu.Unlock()
	views := make([]ModuleView, 0, len(r.instances))
	for _, inst := range r.instances {
		views = append(views, inst.view())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views
}

// Module returns the read-only view of one module.
func (r *Registry) Module(name string) (ModuleView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[name]
	if !ok {
		return ModuleView{}, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return inst.view(), nil
}

// LoadOrder returns the most recently computed load order.
func (r *Registry) LoadOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.order)
}

// Bus exposes the registry's event bus for host-level publish, subscribe,
// and replay.
func (r *Registry) Bus() *eventbus.Bus {
	return r.bus
}

// audit publishes a registry event, logging (never propagating) publish
// failures so lifecycle operations cannot be broken by the bus.
func (r *Registry) audit(eventType string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	if _, err := r.bus.Publish(context.Background(), eventType, EventSourceRegistry, payload); err != nil {
		if r.logger != nil {
			r.logger.Debug("Failed to publish audit event", "type", eventType, "error", err)
		}
	}
}
