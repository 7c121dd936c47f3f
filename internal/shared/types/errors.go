package types

import "errors"

// Service error taxonomy. Handlers map these onto HTTP statuses; everything
// else surfaces as an internal error with a detail string.
var (
	// ErrCapacityExceeded means admission control rejected the allocation
	// before any backend resource was created. Safe to retry later.
	ErrCapacityExceeded = errors.New("sandbox capacity exceeded")

	// ErrCreationTimeout means the backend resource never became ready. The
	// half-created resource has already been cleaned up when this is returned.
	ErrCreationTimeout = errors.New("sandbox creation timed out")

	// ErrBackendUnavailable is a transport-level failure reaching the runtime
	// backend. Not retried here; retry policy belongs to the caller.
	ErrBackendUnavailable = errors.New("runtime backend unavailable")

	// ErrNotFound covers both unknown ids and failed access predicates, which
	// are intentionally indistinguishable to callers.
	ErrNotFound = errors.New("sandbox not found")

	// ErrArtifactInstall is non-fatal to the record: the sandbox stays
	// Running, the install detail goes back to the caller.
	ErrArtifactInstall = errors.New("artifact install failed")
)
