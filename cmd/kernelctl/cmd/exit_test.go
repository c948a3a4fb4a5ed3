package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/kernel"
	"github.com/GoCodeAlone/kernel/webhook"
)

func TestExitCodePerErrorClass(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no error", nil, ExitOK},
		{"outside the taxonomy", errors.New("read failed"), ExitGenericError},
		{"manifest invalid", &kernel.ManifestInvalidError{Reason: "missing name"}, ExitManifestInvalid},
		{"capability conflict", &kernel.CapabilityConflictError{Capability: "scheduler"}, ExitCapabilityConflict},
		{"cyclic dependency", &kernel.CyclicDependencyError{Cycle: []string{"a", "b", "a"}}, ExitCyclicDependency},
		{"missing dependency", &kernel.MissingDependencyError{Name: "ghost", RequiredBy: "app"}, ExitMissingDependency},
		{"version conflict", &kernel.VersionConflictError{Name: "core"}, ExitVersionConflict},
		{"dependency failed", &kernel.DependencyFailedError{Name: "base"}, ExitDependencyFailed},
		{"init timeout", kernel.ErrInitTimeout, ExitInitTimeout},
		{"not hot-reloadable", kernel.ErrNotHotReloadable, ExitNotHotReloadable},
		{"dependents still loaded", &kernel.DependentsStillLoadedError{Name: "core"}, ExitDependentsStillLoaded},
		{"webhook delivery failed", webhook.ErrMaxRetriesReached, ExitWebhookDeliveryFailed},
		{"module not found", kernel.ErrModuleNotFound, ExitModuleNotFound},
		{"invalid state transition", kernel.ErrInvalidStateTransition, ExitInvalidStateTransition},
		{"wrapped", fmt.Errorf("validate: %w", kernel.ErrManifestInvalid), ExitManifestInvalid},
		{"joined", errors.Join(errors.New("read failed"), kernel.ErrCyclicDependency), ExitCyclicDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitCodeFromCommandErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", `
name: a
version: 1.0.0
entry_point: builtin/a
dependencies:
  - name: b
`)
	writeFile(t, dir, "b.yaml", `
name: b
version: 1.0.0
entry_point: builtin/b
dependencies:
  - name: a
`)
	_, err := runCommand(t, "resolve", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCyclicDependency, ExitCode(err))

	_, err = runCommand(t, "resolve", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitGenericError, ExitCode(err))
}
