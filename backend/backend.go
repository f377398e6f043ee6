// Package backend defines what the orchestrator needs from a hypervisor.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lcpu-dev/labsched/models"
)

var (
	// ErrUnsupportedState is returned for desired states a machine type
	// cannot reach, such as an ACPI power button press on a container.
	ErrUnsupportedState = errors.New("unsupported machine state")
	// ErrUnknownType is returned when no adapter is registered for a type.
	ErrUnknownType = errors.New("unknown machine type")
	ErrNotFound    = errors.New("machine not found")
)

// Backend is a hypervisor adapter. Errors are returned, never logged here;
// the orchestrator decides which failures are fatal.
type Backend interface {
	// CreateMachine creates inst.Machines[machineID] from inst.Lab.Machines[machineID].
	CreateMachine(ctx context.Context, inst *models.Instance, machineID string) error
	// DeleteMachine stops and removes a machine. A machine that is already
	// stopped or gone is not an error.
	DeleteMachine(ctx context.Context, name string) error
	MachineInfo(ctx context.Context, name string) (*models.MachineInfo, error)
	UpdateMachineState(ctx context.Context, name string, state models.MachineState) (*models.MachineInfo, error)
}

// Registry maps machine types to their adapters.
type Registry map[models.MachineType]Backend

func (r Registry) For(t models.MachineType) (Backend, error) {
	b, ok := r[t]
	if !ok || b == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, t)
	}
	return b, nil
}

// ValidateDesiredState rejects states t cannot be asked to reach.
func ValidateDesiredState(t models.MachineType, state models.MachineState) error {
	switch state {
	case models.StateStarting, models.StateRunning, models.StateStopping, models.StatePoweroff:
		return nil
	case models.StateACPIPowerButton:
		if t == models.MachineVirtualBox {
			return nil
		}
		return fmt.Errorf("%w: %s machines do not receive ACPI signals", ErrUnsupportedState, t)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedState, state)
}

// IsGone reports whether err means the resource does not exist anymore.
func IsGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found")
}

// IsAlreadyStopped reports whether err is a stop request on a stopped machine.
func IsAlreadyStopped(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already stopped") || strings.Contains(msg, "not running")
}

// IsAlreadyExists reports whether a create failed because the name is taken.
// The machine under that name belongs to someone else.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
