package types

// CreateSandboxRequest is the body of POST /sandboxes.
type CreateSandboxRequest struct {
	Kind     Kind              `json:"kind" binding:"required"`
	ImageRef ImageRef          `json:"image_ref" binding:"required"`
	Labels   map[string]string `json:"labels"`
	InUse    bool              `json:"in_use"`
	Shared   bool              `json:"shared"`
}

// ClaimSandboxRequest is the body of POST /sandboxes:claim.
type ClaimSandboxRequest struct {
	ImageRef ImageRef          `json:"image_ref" binding:"required"`
	Labels   map[string]string `json:"labels"`
}

// PatchSandboxRequest is the body of PATCH /sandboxes/{id}. Exactly one of
// the fields is expected; Action is one of "restart" or "stop".
type PatchSandboxRequest struct {
	Action          string  `json:"action,omitempty"`
	Shared          *bool   `json:"shared,omitempty"`
	InstallArtifact *string `json:"install_artifact,omitempty"`
}

// ErrorResponse is the uniform error body for the HTTP surface.
type ErrorResponse struct {
	Error string `json:"error"`
}
