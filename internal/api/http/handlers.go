// Package http exposes the sandbox lifecycle API and the control-protocol
// proxy over gin.
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cometa-rocks/sandboxd/internal/allocator"
	"github.com/cometa-rocks/sandboxd/internal/api/middleware"
	"github.com/cometa-rocks/sandboxd/internal/infrastructure/logging"
	"github.com/cometa-rocks/sandboxd/internal/shared/types"
)

// Handlers serves the sandbox lifecycle endpoints.
type Handlers struct {
	service *allocator.Service
	log     *logging.Logger
}

// NewHandlers creates the lifecycle handlers.
func NewHandlers(service *allocator.Service, log *logging.Logger) *Handlers {
	return &Handlers{service: service, log: log}
}

// statusFor maps the service error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrCapacityExceeded):
		return http.StatusConflict
	case errors.Is(err, types.ErrCreationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, types.ErrBackendUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrArtifactInstall):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}
	c.JSON(status, types.ErrorResponse{Error: err.Error()})
}

// visible applies the access predicate. Failing it is indistinguishable
// from the record not existing.
func (h *Handlers) visible(c *gin.Context, rec *types.SandboxRecord) bool {
	caller := middleware.CallerFrom(c)
	if caller.CanAccess(rec) {
		return true
	}
	c.JSON(http.StatusNotFound, types.ErrorResponse{Error: types.ErrNotFound.Error() + ": sandbox " + rec.ID})
	return false
}

// CreateSandbox handles POST /sandboxes.
func (h *Handlers) CreateSandbox(c *gin.Context) {
	var req types.CreateSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}
	if err := validateImageRef(req.Kind, req.ImageRef); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	caller := middleware.CallerFrom(c)
	rec, err := h.service.AllocateNew(c.Request.Context(), allocator.AllocationRequest{
		Kind:         req.Kind,
		ImageRef:     req.ImageRef,
		OwnerID:      caller.UserID,
		DepartmentID: caller.DepartmentID,
		Labels:       req.Labels,
		InUse:        req.InUse,
		Shared:       req.Shared,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ClaimSandbox handles POST /sandboxes:claim, the warm-pool fast path.
func (h *Handlers) ClaimSandbox(c *gin.Context) {
	var req types.ClaimSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}
	if err := validateImageRef(types.KindBrowser, req.ImageRef); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	caller := middleware.CallerFrom(c)
	rec, err := h.service.ClaimOrCreate(c.Request.Context(), allocator.ClaimRequest{
		ImageRef:     req.ImageRef,
		OwnerID:      caller.UserID,
		DepartmentID: caller.DepartmentID,
		Labels:       req.Labels,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListSandboxes handles GET /sandboxes. Elevated callers see everything;
// others see only records the access predicate admits.
func (h *Handlers) ListSandboxes(c *gin.Context) {
	recs, err := h.service.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	caller := middleware.CallerFrom(c)
	visible := make([]*types.SandboxRecord, 0, len(recs))
	for _, rec := range recs {
		if caller.CanAccess(rec) {
			visible = append(visible, rec)
		}
	}
	c.JSON(http.StatusOK, gin.H{"sandboxes": visible, "count": len(visible)})
}

// GetSandbox handles GET /sandboxes/:id.
func (h *Handlers) GetSandbox(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !h.visible(c, rec) {
		return
	}
	c.JSON(http.StatusOK, rec)
}

// PatchSandbox handles PATCH /sandboxes/:id. Exactly one mutation per
// request: a lifecycle action, the shared flag, or an artifact install.
func (h *Handlers) PatchSandbox(c *gin.Context) {
	var req types.PatchSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	rec, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !h.visible(c, rec) {
		return
	}

	switch {
	case req.Action == "restart":
		rec, err = h.service.Restart(ctx, rec.ID)
	case req.Action == "stop":
		rec, err = h.service.Stop(ctx, rec.ID)
	case req.Action != "":
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "unknown action: " + req.Action})
		return
	case req.Shared != nil:
		rec, err = h.service.SetShared(ctx, rec.ID, *req.Shared)
	case req.InstallArtifact != nil:
		rec, err = h.service.InstallArtifact(ctx, rec.ID, *req.InstallArtifact)
	default:
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "empty patch"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ReleaseSandbox handles POST /sandboxes/:id/release, returning a claimed
// browser sandbox to the standby pool.
func (h *Handlers) ReleaseSandbox(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !h.visible(c, rec) {
		return
	}

	rec, err = h.service.Release(ctx, rec.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// DeleteSandbox handles DELETE /sandboxes/:id. The record is marked
// Deleting before the response; backend teardown runs asynchronously.
func (h *Handlers) DeleteSandbox(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !h.visible(c, rec) {
		return
	}

	if err := h.service.Delete(ctx, rec.ID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": rec.ID, "state": types.StateDeleting})
}

func validateImageRef(kind types.Kind, ref types.ImageRef) error {
	switch kind {
	case types.KindBrowser:
		if ref.Browser == "" || ref.Version == "" {
			return errors.New("browser sandboxes require image_ref.browser and image_ref.version")
		}
	case types.KindEmulator:
		if ref.Catalog == "" {
			return errors.New("emulator sandboxes require image_ref.catalog")
		}
	default:
		return errors.New("kind must be browser or emulator")
	}
	return nil
}
