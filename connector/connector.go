// Package connector talks to the services an instance is registered with
// besides its hypervisors: GitLab, the lab proxy and the assistant.
package connector

import (
	"errors"
	"fmt"
)

var errMissingKey = errors.New("response carries no user key")

// Error pairs the message shown to the user with the cause, which is only
// logged.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(message string, err error) error {
	return &Error{Message: message, Err: err}
}
