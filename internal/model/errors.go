package model

import "errors"

var (
	// ErrUnsupportedOperation is returned when a phase variant is asked for an operation it does not have.
	ErrUnsupportedOperation = errors.New("unsupported operation")
	// ErrInvalidState is returned when a transition is requested from a state that forbids it.
	ErrInvalidState = errors.New("invalid state")
	// ErrMalformedStatus is returned when a tool status document cannot be parsed.
	ErrMalformedStatus = errors.New("malformed status")
	// ErrProcessControl is returned when starting, stopping or resuming an external tool did not complete in time.
	ErrProcessControl = errors.New("process control failure")
	// ErrIO wraps heartbeat and log file access errors.
	ErrIO = errors.New("io failure")
)
