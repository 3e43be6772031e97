package store

import "errors"

var (
	// ErrNotFound is returned when a run or local record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when a run-state change is attempted
	// against a run already in a terminal state.
	ErrInvalidState = errors.New("run already in a terminal state")
)
