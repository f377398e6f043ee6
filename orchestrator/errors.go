package orchestrator

import (
	"errors"

	"github.com/lcpu-dev/labsched/connector"
	"github.com/lcpu-dev/labsched/store"
)

// Failure is a business outcome of the workflow. Its text is shown to the
// caller as is.
type Failure string

func (f Failure) Error() string {
	return string(f)
}

const (
	ErrInstanceExists Failure = "Instance already exists"
	ErrCreateNetworks Failure = "Failed to create networks"
	ErrCreateMachines Failure = "Failed to create machines"
	ErrCreateGitlab   Failure = "Failed to create GitLab context"
)

// failureOf turns a connector error into the message it carries.
func failureOf(err error, fallback Failure) Failure {
	var ce *connector.Error
	if errors.As(err, &ce) && ce.Message != "" {
		return Failure(ce.Message)
	}
	return fallback
}

// IsFailure reports whether err is a business outcome rather than an
// operational error.
func IsFailure(err error) bool {
	var f Failure
	return errors.As(err, &f)
}

// IsConflict reports a stale revision or a duplicate id.
func IsConflict(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, ErrInstanceExists)
}

func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
