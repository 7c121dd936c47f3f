// Package runtime defines the capability set a sandbox runtime backend
// implements. There are two implementations, selected once at process start:
// a local container engine (runtime/docker) and a cluster orchestrator
// (runtime/kubernetes). Nothing outside the backend boundary branches on
// the deployment target.
package runtime

import (
	"context"
	"time"

	"github.com/cometa-rocks/sandboxd/internal/shared/types"
)

// OpResult reports the outcome of an idempotent backend operation. Calling
// stop or delete on a resource the infrastructure already reaped returns
// OK with a detail string, not an error.
type OpResult struct {
	OK     bool
	Detail string
}

// CreateResult is what a successful create returns: the backend's native
// identity for the resource plus its inspection payload.
type CreateResult struct {
	ServiceID string
	Info      types.BackendInfo
}

// Backend is the runtime capability set, implemented per infrastructure
// target. Error policy: expected infrastructure races (resource already
// absent) are absorbed into an OK OpResult; unexpected failures are returned
// as errors for the caller to log. Retry policy belongs to the caller.
type Backend interface {
	// Create starts a sandbox from the declarative spec. It must not leave
	// behind a partially created resource that Delete cannot see.
	Create(ctx context.Context, spec *SandboxSpec) (CreateResult, error)

	// WaitUntilRunning polls until the sandbox is reachable or the timeout
	// elapses. On timeout the caller must Delete to avoid orphaning.
	WaitUntilRunning(ctx context.Context, serviceID string, timeout time.Duration) error

	Restart(ctx context.Context, serviceID string) (OpResult, error)
	Stop(ctx context.Context, serviceID string) (OpResult, error)
	Delete(ctx context.Context, serviceID string) (OpResult, error)

	// UploadFile copies a local file into the sandbox filesystem and returns
	// the remote path.
	UploadFile(ctx context.Context, serviceID, localPath string) (string, error)

	// InstallPackage runs the install command for a previously uploaded
	// package inside the sandbox.
	InstallPackage(ctx context.Context, serviceID, remoteName string) (OpResult, error)

	// ResolveInternalAddress returns the address the control-protocol proxy
	// dials. Never exposed to callers directly.
	ResolveInternalAddress(ctx context.Context, serviceID string) (string, error)

	Close() error
}
