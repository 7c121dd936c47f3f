package types

import "time"

// Kind distinguishes the two sandbox flavors.
type Kind string

const (
	KindBrowser  Kind = "browser"
	KindEmulator Kind = "emulator"
)

// State represents sandbox lifecycle states.
//
// Transitions: Creating -> Running -> {Stopped, Deleting, Error};
// Running -> Running on restart; Stopped -> Running on explicit restart;
// any state -> Deleting. Deleting is terminal-pending: once set, only the
// deletion path mutates the record further.
type State string

const (
	StateCreating State = "creating"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateDeleting State = "deleting"
	StateError    State = "error"
)

// ImageRef identifies what runs inside a sandbox. Browsers carry a
// (name, version) pair; emulators reference an image-catalog entry.
type ImageRef struct {
	Browser string `json:"browser,omitempty"`
	Version string `json:"version,omitempty"`
	Catalog string `json:"catalog,omitempty"`
}

// Key returns a stable identity used for standby matching.
func (r ImageRef) Key() string {
	if r.Catalog != "" {
		return r.Catalog
	}
	return r.Browser + ":" + r.Version
}

// BackendInfo is the inspection payload the runtime backend reports for a
// running sandbox. It is consumed by the proxy and lifecycle operations and
// never returned verbatim to untrusted callers.
type BackendInfo struct {
	Address  string `json:"address"`
	Hostname string `json:"hostname"`
}

// SandboxRecord is one row in the sandbox record store.
type SandboxRecord struct {
	ID               string            `json:"id"`
	BackendServiceID string            `json:"service_id"`
	Kind             Kind              `json:"kind"`
	ImageRef         ImageRef          `json:"image_ref"`
	OwnerID          string            `json:"owner_id"`
	DepartmentID     string            `json:"department_id"`
	Shared           bool              `json:"shared"`
	InUse            bool              `json:"in_use"`
	State            State             `json:"state"`
	Labels           map[string]string `json:"labels,omitempty"`
	InstalledApps    []string          `json:"installed_apps,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	LastClaimedAt    time.Time         `json:"last_claimed_at"`

	// Backend holds internal network details; omitted from API responses.
	Backend BackendInfo `json:"-"`
}

// HasInstalled reports whether an artifact was already installed in this
// sandbox, for idempotent install avoidance.
func (r *SandboxRecord) HasInstalled(artifact string) bool {
	for _, a := range r.InstalledApps {
		if a == artifact {
			return true
		}
	}
	return false
}

// Caller identifies the principal driving a request.
type Caller struct {
	UserID       string
	DepartmentID string
	Elevated     bool
}

// CanAccess is the proxy access predicate: the caller owns the record, holds
// an elevated role, or the record is shared within the caller's department.
func (c Caller) CanAccess(rec *SandboxRecord) bool {
	if c.Elevated {
		return true
	}
	if c.UserID == rec.OwnerID {
		return true
	}
	return rec.Shared && c.DepartmentID == rec.DepartmentID
}
