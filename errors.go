package kernel

import (
	"errors"
	"fmt"
	"strings"
)

// Kernel errors. Structured errors below wrap these sentinels so callers
// can branch with errors.Is while still extracting detail with errors.As.
var (
	// Manifest errors
	ErrManifestInvalid    = errors.New("manifest invalid")
	ErrCapabilityConflict = errors.New("capability conflict")
	ErrUnknownEntryPoint  = errors.New("no factory registered for entry point")

	// Dependency resolution errors
	ErrCyclicDependency  = errors.New("cyclic dependency detected")
	ErrMissingDependency = errors.New("dependency not registered")
	ErrVersionConflict   = errors.New("no version satisfies all constraints")

	// Lifecycle errors
	ErrModuleNotFound         = errors.New("module not registered")
	ErrModuleAlreadyLoaded    = errors.New("module already registered")
	ErrDependencyFailed       = errors.New("dependency failed")
	ErrInitTimeout            = errors.New("module initialization timed out")
	ErrNotHotReloadable       = errors.New("module is not hot-reloadable")
	ErrDependentsStillLoaded  = errors.New("dependent modules still loaded")
	ErrInvalidStateTransition = errors.New("invalid lifecycle state transition")
)

// ManifestInvalidError reports why a raw manifest was rejected.
type ManifestInvalidError struct {
	Name   string // module name when known, empty otherwise
	Reason string
}

func (e *ManifestInvalidError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("manifest invalid: %s", e.Reason)
	}
	return fmt.Sprintf("manifest %q invalid: %s", e.Name, e.Reason)
}

func (e *ManifestInvalidError) Unwrap() error { return ErrManifestInvalid }

// CapabilityConflictError reports an exclusive capability declared by more
// than one module.
type CapabilityConflictError struct {
	Capability string
	Holders    []string
}

func (e *CapabilityConflictError) Error() string {
	return fmt.Sprintf("capability conflict: %q declared by %s",
		e.Capability, strings.Join(e.Holders, ", "))
}

func (e *CapabilityConflictError) Unwrap() error { return ErrCapabilityConflict }

// CyclicDependencyError carries the full closed cycle path, first node
// repeated at the end, e.g. [A B A].
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency detected: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCyclicDependency }

// MissingDependencyError names the absent module and who required it.
type MissingDependencyError struct {
	Name       string
	RequiredBy string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("dependency %q required by %q is not registered", e.Name, e.RequiredBy)
}

func (e *MissingDependencyError) Unwrap() error { return ErrMissingDependency }

// VersionConflictError lists every requirer whose constraint the available
// version(s) of a module cannot jointly satisfy.
type VersionConflictError struct {
	Name        string
	Available   []string          // versions on offer for Name
	Constraints map[string]string // requirer -> constraint expression
}

func (e *VersionConflictError) Error() string {
	parts := make([]string, 0, len(e.Constraints))
	for requirer, constraint := range e.Constraints {
		parts = append(parts, fmt.Sprintf("%s requires %q", requirer, constraint))
	}
	return fmt.Sprintf("version conflict on %q (available: %s): %s",
		e.Name, strings.Join(e.Available, ", "), strings.Join(parts, "; "))
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// DependencyFailedError marks a module failed because a dependency failed
// before it could start.
type DependencyFailedError struct {
	Name string // the failed dependency
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("dependency %q failed", e.Name)
}

func (e *DependencyFailedError) Unwrap() error { return ErrDependencyFailed }

// DependentsStillLoadedError blocks stop/unload while live dependents
// remain.
type DependentsStillLoadedError struct {
	Name       string
	Dependents []string
}

func (e *DependentsStillLoadedError) Error() string {
	return fmt.Sprintf("cannot remove %q: dependents still loaded: %s",
		e.Name, strings.Join(e.Dependents, ", "))
}

func (e *DependentsStillLoadedError) Unwrap() error { return ErrDependentsStillLoaded }
