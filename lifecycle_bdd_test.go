package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/cucumber/godog"

	"github.com/GoCodeAlone/kernel/eventbus"
)

var (
	errNoFailureRecorded  = errors.New("no failure recorded")
	errUnexpectedState    = errors.New("unexpected module state")
	errUnexpectedOrder    = errors.New("unexpected start order")
	errUnexpectedVersion  = errors.New("unexpected module version")
	errUnexpectedEventLog = errors.New("unexpected event log contents")
)

// lifecycleTestContext carries state between BDD steps.
type lifecycleTestContext struct {
	bus      *eventbus.Bus
	registry *Registry
	recorder *startRecorder
	modules  map[string]*mockModule
	lastErr  error
}

func (c *lifecycleTestContext) reset() {
	if c.bus != nil {
		_ = c.bus.Shutdown(context.Background())
	}
	c.bus = nil
	c.registry = nil
	c.recorder = &startRecorder{}
	c.modules = make(map[string]*mockModule)
	c.lastErr = nil
}

func (c *lifecycleTestContext) aKernelWithAnEventBus() error {
	c.bus = eventbus.New(nil, nil, nil)
	c.registry = NewRegistry(c.bus, nil, nil)
	return nil
}

func (c *lifecycleTestContext) registerModule(name string, hotReloadable bool, failing bool, deps ...string) error {
	mock := &mockModule{name: name, recorder: c.recorder}
	if failing {
		mock.startErr = fmt.Errorf("%s refused to start", name)
	}
	c.modules[name] = mock
	c.registry.RegisterFactory("builtin/"+name, func() Module { return mock })

	manifest := &ModuleManifest{
		Name:          name,
		Version:       "1.0.0",
		EntryPoint:    "builtin/" + name,
		HotReloadable: hotReloadable,
	}
	for _, dep := range deps {
		manifest.Dependencies = append(manifest.Dependencies, Dependency{Name: dep})
	}
	return c.registry.Register(manifest)
}

func (c *lifecycleTestContext) aModuleWithNoDependencies(name string) error {
	return c.registerModule(name, false, false)
}

func (c *lifecycleTestContext) aModuleDependingOn(name, dep string) error {
	return c.registerModule(name, false, false, dep)
}

func (c *lifecycleTestContext) aFailingModule(name string) error {
	return c.registerModule(name, false, true)
}

func (c *lifecycleTestContext) aHotReloadableModule(name string) error {
	return c.registerModule(name, true, false)
}

func (c *lifecycleTestContext) iStartAllModules() error {
	c.lastErr = c.registry.StartAll(context.Background())
	return nil
}

func (c *lifecycleTestContext) iStopModule(name string) error {
	c.lastErr = c.registry.Stop(context.Background(), name)
	return nil
}

func (c *lifecycleTestContext) iUnloadModule(name string) error {
	c.lastErr = c.registry.Unload(name)
	return nil
}

func (c *lifecycleTestContext) iHotReloadModuleToVersion(name, version string) error {
	c.lastErr = c.registry.HotReload(context.Background(), name, &ModuleManifest{
		Name:          name,
		Version:       version,
		EntryPoint:    "builtin/" + name,
		HotReloadable: true,
	})
	return c.lastErr
}

func (c *lifecycleTestContext) theStartOrderShouldBe(expected string) error {
	got := strings.Join(c.recorder.snapshot(), ",")
	if got != expected {
		return fmt.Errorf("%w: want %s, got %s", errUnexpectedOrder, expected, got)
	}
	return nil
}

func (c *lifecycleTestContext) moduleShouldBeInState(name string, state ModuleState) error {
	view, err := c.registry.Module(name)
	if err != nil {
		return err
	}
	if view.State != state {
		return fmt.Errorf("%w: %s is %s, want %s", errUnexpectedState, name, view.StateName, state)
	}
	return nil
}

func (c *lifecycleTestContext) everyModuleShouldBeRunning() error {
	for name := range c.modules {
		if err := c.moduleShouldBeInState(name, StateRunning); err != nil {
			return err
		}
	}
	return nil
}

func (c *lifecycleTestContext) moduleShouldBeRunning(name string) error {
	return c.moduleShouldBeInState(name, StateRunning)
}

func (c *lifecycleTestContext) moduleShouldBeFailed(name string) error {
	return c.moduleShouldBeInState(name, StateFailed)
}

func (c *lifecycleTestContext) moduleShouldBeUnloaded(name string) error {
	return c.moduleShouldBeInState(name, StateUnloaded)
}

func (c *lifecycleTestContext) startingShouldFail() error {
	if c.lastErr == nil {
		return errNoFailureRecorded
	}
	return nil
}

func (c *lifecycleTestContext) stoppingShouldFailWithDependentsStillLoaded() error {
	if !errors.Is(c.lastErr, ErrDependentsStillLoaded) {
		return fmt.Errorf("expected dependents-still-loaded, got %v", c.lastErr)
	}
	return nil
}

func (c *lifecycleTestContext) unloadingShouldFailWithAnInvalidTransition() error {
	if !errors.Is(c.lastErr, ErrInvalidStateTransition) {
		return fmt.Errorf("expected invalid state transition, got %v", c.lastErr)
	}
	return nil
}

func (c *lifecycleTestContext) theFailureOfShouldName(name, dep string) error {
	view, err := c.registry.Module(name)
	if err != nil {
		return err
	}
	if !strings.Contains(view.Failure, dep) {
		return fmt.Errorf("%w: failure %q does not name %q", errNoFailureRecorded, view.Failure, dep)
	}
	return nil
}

func (c *lifecycleTestContext) moduleShouldHaveVersion(name, version string) error {
	view, err := c.registry.Module(name)
	if err != nil {
		return err
	}
	if view.Version != version {
		return fmt.Errorf("%w: %s at %s, want %s", errUnexpectedVersion, name, view.Version, version)
	}
	return nil
}

func (c *lifecycleTestContext) theEventLogShouldContain(expected string) error {
	var types []string
	err := c.bus.Replay(context.Background(), 1, 0, func(_ context.Context, event eventbus.Event) error {
		types = append(types, event.Type)
		return nil
	})
	if err != nil {
		return err
	}
	got := strings.Join(types, ",")
	if got != expected {
		return fmt.Errorf("%w: want %s, got %s", errUnexpectedEventLog, expected, got)
	}
	return nil
}

// InitializeLifecycleScenario wires the lifecycle BDD steps.
func InitializeLifecycleScenario(ctx *godog.ScenarioContext) {
	testCtx := &lifecycleTestContext{}

	ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		testCtx.reset()
		return ctx, nil
	})
	ctx.After(func(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
		if testCtx.bus != nil {
			_ = testCtx.bus.Shutdown(context.Background())
			testCtx.bus = nil
		}
		return ctx, nil
	})

	ctx.Step(`^a kernel with an event bus$`, testCtx.aKernelWithAnEventBus)
	ctx.Step(`^a module "([^"]*)" with no dependencies$`, testCtx.aModuleWithNoDependencies)
	ctx.Step(`^a module "([^"]*)" depending on "([^"]*)"$`, testCtx.aModuleDependingOn)
	ctx.Step(`^a module "([^"]*)" with no dependencies that fails to start$`, testCtx.aFailingModule)
	ctx.Step(`^a hot-reloadable module "([^"]*)" with no dependencies$`, testCtx.aHotReloadableModule)

	ctx.Step(`^I start all modules$`, testCtx.iStartAllModules)
	ctx.Step(`^I stop module "([^"]*)"$`, testCtx.iStopModule)
	ctx.Step(`^I unload module "([^"]*)"$`, testCtx.iUnloadModule)
	ctx.Step(`^I hot reload module "([^"]*)" to version "([^"]*)"$`, testCtx.iHotReloadModuleToVersion)

	ctx.Step(`^the start order should be "([^"]*)"$`, testCtx.theStartOrderShouldBe)
	ctx.Step(`^every module should be running$`, testCtx.everyModuleShouldBeRunning)
	ctx.Step(`^module "([^"]*)" should be running$`, testCtx.moduleShouldBeRunning)
	ctx.Step(`^module "([^"]*)" should be failed$`, testCtx.moduleShouldBeFailed)
	ctx.Step(`^module "([^"]*)" should be unloaded$`, testCtx.moduleShouldBeUnloaded)
	ctx.Step(`^module "([^"]*)" should have version "([^"]*)"$`, testCtx.moduleShouldHaveVersion)
	ctx.Step(`^starting should fail$`, testCtx.startingShouldFail)
	ctx.Step(`^stopping should fail with dependents still loaded$`, testCtx.stoppingShouldFailWithDependentsStillLoaded)
	ctx.Step(`^unloading should fail with an invalid transition$`, testCtx.unloadingShouldFailWithAnInvalidTransition)
	ctx.Step(`^the failure of "([^"]*)" should name "([^"]*)"$`, testCtx.theFailureOfShouldName)
	ctx.Step(`^the event log should contain "([^"]*)"$`, testCtx.theEventLogShouldContain)
}

// TestModuleLifecycle runs the BDD tests for the module lifecycle
func TestModuleLifecycle(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeLifecycleScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/module_lifecycle.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
