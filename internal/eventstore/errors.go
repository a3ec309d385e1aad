package eventstore

import "errors"

var (
	// ErrWrite means the backing directory is unwritable or full.
	ErrWrite = errors.New("event store write failed")

	ErrNotFound = errors.New("event not found")

	// ErrInvalidTransition is returned when an update would move status backward,
	// leave a terminal status, or rewrite immutable fields.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCorrupt means the store root itself cannot be read.
	ErrCorrupt = errors.New("event store unreadable")

	ErrInvalidID = errors.New("invalid event id")
)
