package kernel

import (
	"fmt"
	"time"
)

// ModuleState is one of the discrete lifecycle stages a module instance
// passes through between registration and unload.
type ModuleState int

const (
	// StateDiscovered: manifest registered, not yet part of a valid order.
	StateDiscovered ModuleState = iota
	// StateResolved: part of a computed load order, entry point resolved.
	StateResolved
	// StateInitializing: Init/Start in flight.
	StateInitializing
	// StateRunning: started successfully.
	StateRunning
	// StateStopping: Stop in flight.
	StateStopping
	// StateStopped: stopped cleanly, still registered.
	StateStopped
	// StateFailed: Init, Start, or Stop returned an error, timed out, or a
	// dependency failed before this module started.
	StateFailed
	// StateUnloaded: terminal; the instance is gone and its bus
	// subscriptions revoked.
	StateUnloaded
)

var stateNames = map[ModuleState]string{
	StateDiscovered:   "discovered",
	StateResolved:     "resolved",
	StateInitializing: "initializing",
	StateRunning:      "running",
	StateStopping:     "stopping",
	StateStopped:      "stopped",
	StateFailed:       "failed",
	StateUnloaded:     "unloaded",
}

func (s ModuleState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ModuleState(%d)", int(s))
}

// validTransitions encodes the lifecycle state machine. Failed is
// reachable from Initializing, Running, and Stopping; Unloaded only from
// Stopped or Failed.
var validTransitions = map[ModuleState][]ModuleState{
	StateDiscovered:   {StateResolved},
	StateResolved:     {StateInitializing, StateFailed},
	StateInitializing: {StateRunning, StateFailed},
	StateRunning:      {StateStopping, StateFailed},
	StateStopping:     {StateStopped, StateFailed},
	StateStopped:      {StateResolved, StateUnloaded},
	StateFailed:       {StateResolved, StateUnloaded},
	StateUnloaded:     nil,
}

// canTransition reports whether the state machine permits from -> to.
func canTransition(from, to ModuleState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// moduleInstance wraps a loaded manifest with its runtime state. Owned
// exclusively by the Registry; nothing outside the package holds a
// reference, external consumers get ModuleView copies.
type moduleInstance struct {
	manifest *ModuleManifest
	module   Module // constructed entry point, nil until Resolved
	state    ModuleState
	degraded bool // running with a failed dependency; observable, not a state
	loadTime time.Time
	failure  error // reason for StateFailed
}

// view snapshots the instance for external consumers.
func (inst *moduleInstance) view() ModuleView {
	v := ModuleView{
		Name:          inst.manifest.Name,
		Version:       inst.manifest.Version,
		State:         inst.state,
		StateName:     inst.state.String(),
		Capabilities:  append([]string(nil), inst.manifest.Capabilities...),
		HotReloadable: inst.manifest.HotReloadable,
		Degraded:      inst.degraded,
		LoadTime:      inst.loadTime,
	}
	if inst.failure != nil {
		v.Failure = inst.failure.Error()
	}
	return v
}

// ModuleView is the read-only projection of a module instance handed to
// external consumers.
type ModuleView struct {
	Name          string      `json:"name"`
	Version       string      `json:"version"`
	State         ModuleState `json:"-"`
	StateName     string      `json:"state"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	HotReloadable bool        `json:"hot_reloadable,omitempty"`
	Degraded      bool        `json:"degraded,omitempty"`
	LoadTime      time.Time   `json:"load_time,omitzero"`
	Failure       string      `json:"failure,omitempty"`
}
