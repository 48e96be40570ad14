package util

import "errors"

// Sentinel errors for common failure modes
var (
	// ErrEngineUnavailable indicates the embedded database engine could not be loaded.
	// Callers degrade to their documented fallback instead of propagating it.
	ErrEngineUnavailable = errors.New("embedded database engine unavailable")

	// ErrSnapshotCorrupt indicates a downloaded or bundled snapshot failed to
	// decompress or failed the file format check
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")

	// ErrNetwork indicates a remote call failed or timed out
	ErrNetwork = errors.New("network failure")

	// ErrNotModified indicates a conditional fetch matched the current version
	ErrNotModified = errors.New("not modified")

	// ErrNotFound indicates a required resource was not found
	ErrNotFound = errors.New("not found")

	// ErrNoPrincipal indicates no personal database is open
	ErrNoPrincipal = errors.New("no principal signed in")

	// ErrInvalidInput indicates a caller passed an entity that cannot be stored
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)
