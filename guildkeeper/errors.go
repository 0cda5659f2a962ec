package guildkeeper

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned when the invoking actor lacks the
	// permission a command requires.
	ErrPermissionDenied = errors.New("missing permission")

	// ErrInvalidArgument is returned when a command argument is missing,
	// malformed or out of range.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPlatformActionFailed is returned when Discord rejects an action.
	ErrPlatformActionFailed = errors.New("platform action failed")

	// ErrNotFound is returned when a record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrUnrecognized is returned for input that isn't a known command.
	ErrUnrecognized = errors.New("unrecognized command")

	ErrAlreadyRunning = errors.New("bot is already running")
	ErrNotRunning     = errors.New("bot is not running")
)

// ArgumentError describes a command argument that couldn't be used
type ArgumentError struct {
	Name    string
	Missing bool

	// Reason, if set, is used as the message in place of the
	// generic missing/invalid wording
	Reason string
}

func (e *ArgumentError) Error() string {
	switch {
	case e.Reason != "":
		return e.Reason
	case e.Missing:
		return "missing argument: " + e.Name
	default:
		return "invalid argument: " + e.Name
	}
}

func (e *ArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}

func missingArgument(name string) *ArgumentError {
	return &ArgumentError{Name: name, Missing: true}
}

func invalidArgument(name string) *ArgumentError {
	return &ArgumentError{Name: name}
}

// PlatformError wraps an error returned by Discord for a given action
type PlatformError struct {
	Action string
	Err    error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("failed to %s: %s", e.Action, e.Err.Error())
}

func (e *PlatformError) Unwrap() []error {
	return []error{ErrPlatformActionFailed, e.Err}
}

func platformFailure(action string, err error) error {
	if err == nil {
		return nil
	}
	return &PlatformError{Action: action, Err: err}
}
