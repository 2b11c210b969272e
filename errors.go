package replaykit

import "errors"

var (
	// ErrTableNotFound is returned when a registry lookup misses.
	ErrTableNotFound = errors.New("replaykit: table not found")

	// ErrTableExists is returned when registering a duplicate table name.
	ErrTableExists = errors.New("replaykit: table already registered")

	// ErrRegistryClosed is returned by operations on a closed registry.
	ErrRegistryClosed = errors.New("replaykit: registry closed")
)
