package cmd

import (
	"errors"

	"github.com/GoCodeAlone/kernel"
	"github.com/GoCodeAlone/kernel/webhook"
)

// Exit codes, one per error class. 1 stays the catch-all for errors
// outside the kernel's taxonomy (I/O, flag parsing).
const (
	ExitOK                     = 0
	ExitGenericError           = 1
	ExitManifestInvalid        = 2
	ExitCapabilityConflict     = 3
	ExitCyclicDependency       = 4
	ExitMissingDependency      = 5
	ExitVersionConflict        = 6
	ExitDependencyFailed       = 7
	ExitInitTimeout            = 8
	ExitNotHotReloadable       = 9
	ExitDependentsStillLoaded  = 10
	ExitWebhookDeliveryFailed  = 11
	ExitModuleNotFound         = 12
	ExitInvalidStateTransition = 13
)

var exitCodes = []struct {
	sentinel error
	code     int
}{
	{kernel.ErrManifestInvalid, ExitManifestInvalid},
	{kernel.ErrCapabilityConflict, ExitCapabilityConflict},
	{kernel.ErrCyclicDependency, ExitCyclicDependency},
	{kernel.ErrMissingDependency, ExitMissingDependency},
	{kernel.ErrVersionConflict, ExitVersionConflict},
	{kernel.ErrDependencyFailed, ExitDependencyFailed},
	{kernel.ErrInitTimeout, ExitInitTimeout},
	{kernel.ErrNotHotReloadable, ExitNotHotReloadable},
	{kernel.ErrDependentsStillLoaded, ExitDependentsStillLoaded},
	{webhook.ErrMaxRetriesReached, ExitWebhookDeliveryFailed},
	{kernel.ErrModuleNotFound, ExitModuleNotFound},
	{kernel.ErrInvalidStateTransition, ExitInvalidStateTransition},
}

// ExitCode maps an error to its process exit code. Joined errors take the
// code of the first matching class in taxonomy order.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	for _, entry := range exitCodes {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return ExitGenericError
}
