// Package allocator implements admission control and the standby-pool
// protocol. It is the only component that creates or claims sandbox records
// under policy limits.
//
// The pool-size check is deliberately not transactional: the admission
// check, backend creation, and a post-creation re-check form a
// check-then-act-then-recheck sequence. A narrow race window can transiently
// overshoot the cap by the number of creators in flight; the re-check rolls
// the surplus back with a compensating delete instead of serializing all
// allocations behind a lock.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cometa-rocks/sandboxd/internal/events"
	"github.com/cometa-rocks/sandboxd/internal/infrastructure/config"
	"github.com/cometa-rocks/sandboxd/internal/infrastructure/logging"
	"github.com/cometa-rocks/sandboxd/internal/infrastructure/monitoring"
	"github.com/cometa-rocks/sandboxd/internal/runtime"
	"github.com/cometa-rocks/sandboxd/internal/shared/id"
	"github.com/cometa-rocks/sandboxd/internal/shared/types"
	"github.com/cometa-rocks/sandboxd/internal/store"
)

const teardownTimeout = 5 * time.Minute

// ImageResolver resolves an emulator catalog reference to a runnable image.
type ImageResolver interface {
	Resolve(ctx context.Context, catalogRef string) (string, error)
}

// ArtifactResolver maps a file reference onto a local package path.
type ArtifactResolver interface {
	Resolve(fileRef string) (string, error)
}

// EventSink receives fire-and-forget lifecycle events.
type EventSink interface {
	Publish(eventType string, rec *types.SandboxRecord)
}

// AllocationRequest describes one allocateNew call.
type AllocationRequest struct {
	Kind         types.Kind
	ImageRef     types.ImageRef
	OwnerID      string
	DepartmentID string
	Labels       map[string]string
	InUse        bool
	Shared       bool
}

// ClaimRequest describes one claimOrCreate call.
type ClaimRequest struct {
	ImageRef     types.ImageRef
	OwnerID      string
	DepartmentID string
	Labels       map[string]string
}

// Service is the allocation service.
type Service struct {
	store     *store.Store
	backend   runtime.Backend
	specs     *runtime.SpecBuilder
	catalog   ImageResolver
	artifacts ArtifactResolver
	events    EventSink
	metrics   *monitoring.Metrics
	log       *logging.Logger

	pool         config.PoolConfig
	readyTimeout time.Duration

	wg sync.WaitGroup
}

// New creates the allocation service.
func New(
	st *store.Store,
	backend runtime.Backend,
	specs *runtime.SpecBuilder,
	catalog ImageResolver,
	artifacts ArtifactResolver,
	sink EventSink,
	metrics *monitoring.Metrics,
	log *logging.Logger,
	cfg *config.Config,
) *Service {
	return &Service{
		store:        st,
		backend:      backend,
		specs:        specs,
		catalog:      catalog,
		artifacts:    artifacts,
		events:       sink,
		metrics:      metrics,
		log:          log,
		pool:         cfg.Pool,
		readyTimeout: cfg.Runtime.ReadyTimeout,
	}
}

// async dispatches a fire-and-forget task with no return channel to the
// caller. Wait drains them at shutdown.
func (s *Service) async(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Wait blocks until all dispatched background tasks finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// AllocateNew performs admission control and creates a sandbox.
//
// For browsers: stale leases are reclaimed, the standby pool is trimmed,
// the running count is checked against the cap before creation and
// re-checked after it. For emulators: an existing private record for the
// (image, owner) pair is reused instead of creating a duplicate.
func (s *Service) AllocateNew(ctx context.Context, req AllocationRequest) (*types.SandboxRecord, error) {
	start := time.Now()
	rec, err := s.allocate(ctx, req)
	outcome := "ok"
	if err != nil {
		switch {
		case errors.Is(err, types.ErrCapacityExceeded):
			outcome = "capacity"
		case errors.Is(err, types.ErrCreationTimeout):
			outcome = "timeout"
		default:
			outcome = "error"
		}
	}
	s.metrics.RecordAllocation(string(req.Kind), outcome, time.Since(start))
	s.updatePoolGauges(ctx)
	return rec, err
}

func (s *Service) allocate(ctx context.Context, req AllocationRequest) (*types.SandboxRecord, error) {
	if req.Kind == types.KindEmulator {
		if existing, err := s.store.FindPrivateEmulator(ctx, req.ImageRef.Key(), req.OwnerID); err == nil {
			err := s.store.SetInUse(ctx, existing.ID, true, req.Labels)
			if err == nil {
				return s.store.Get(ctx, existing.ID)
			}
			// A teardown can swallow the record between lookup and claim;
			// fall through to a fresh creation then.
			if !errors.Is(err, types.ErrNotFound) {
				return nil, err
			}
		}
		return s.create(ctx, req)
	}

	if err := s.ReclaimStaleLeases(ctx); err != nil {
		s.log.Warn("stale lease reclamation failed", zap.Error(err))
	}
	if err := s.trimStandby(ctx, req.ImageRef.Key()); err != nil {
		s.log.Warn("standby trim failed", zap.Error(err))
	}

	running, err := s.store.CountRunning(ctx, types.KindBrowser)
	if err != nil {
		return nil, err
	}
	if running >= s.pool.MaxRunningTotal {
		s.metrics.CapacityRejections.Inc()
		return nil, fmt.Errorf("%w: %d browser sandboxes running, cap is %d",
			types.ErrCapacityExceeded, running, s.pool.MaxRunningTotal)
	}

	rec, err := s.create(ctx, req)
	if err != nil {
		return nil, err
	}

	// Post-creation re-check. A concurrent allocator may have raced the
	// admission check above; the overshoot is bounded by compensating
	// deletion. Every surplus record is rolled back, not only our own: a
	// creator that re-checked early may have kept a record that a later
	// insert sorts ahead of, and that creator never looks again.
	survivor, err := s.rollbackOverCap(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if !survivor {
		s.metrics.CapacityRejections.Inc()
		return nil, fmt.Errorf("%w: cap exceeded by concurrent allocation", types.ErrCapacityExceeded)
	}

	return rec, nil
}

// rollbackOverCap deletes every running record beyond the cap in
// (created_at, id) order and reports whether recID is among the survivors.
// Concurrent re-checks may pick the same victims; Delete is single-shot, so
// overlapping deletions collapse into one teardown.
func (s *Service) rollbackOverCap(ctx context.Context, recID string) (bool, error) {
	running, err := s.store.RunningByAge(ctx, types.KindBrowser)
	if err != nil {
		return false, err
	}
	survivor := false
	for i, r := range running {
		if i < s.pool.MaxRunningTotal {
			if r.ID == recID {
				survivor = true
			}
			continue
		}
		s.metrics.Rollbacks.Inc()
		s.log.Info("rolling back allocation over cap", zap.String("sandbox_id", r.ID))
		if err := s.Delete(ctx, r.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
			s.log.Error("rollback deletion failed", zap.String("sandbox_id", r.ID), zap.Error(err))
		}
	}
	return survivor, nil
}

// create builds the spec, starts the backend resource, waits for readiness,
// and persists the record. The record is persisted only after the sandbox is
// running, so it can never precede its backend resource observably.
func (s *Service) create(ctx context.Context, req AllocationRequest) (*types.SandboxRecord, error) {
	recordID := id.NewSandboxID().String()

	var resolvedImage string
	if req.Kind == types.KindEmulator {
		image, err := s.catalog.Resolve(ctx, req.ImageRef.Catalog)
		if err != nil {
			return nil, err
		}
		resolvedImage = image
	}

	spec := s.specs.Build(recordID, req.Kind, req.ImageRef, resolvedImage, req.Labels)

	timer := monitoring.NewTimer(s.metrics, "create")
	result, err := s.backend.Create(ctx, spec)
	if err != nil {
		timer.Stop("error")
		return nil, err
	}
	timer.Stop("ok")

	if err := s.backend.WaitUntilRunning(ctx, result.ServiceID, s.readyTimeout); err != nil {
		// A half-created resource must be cleaned up before erroring out.
		if _, delErr := s.backend.Delete(ctx, result.ServiceID); delErr != nil {
			s.log.Error("cleanup of unready sandbox failed",
				zap.String("service_id", result.ServiceID),
				zap.Error(delErr))
		}
		return nil, err
	}

	info := result.Info
	if addr, err := s.backend.ResolveInternalAddress(ctx, result.ServiceID); err == nil {
		info.Address = addr
	}

	rec := &types.SandboxRecord{
		ID:               recordID,
		BackendServiceID: result.ServiceID,
		Kind:             req.Kind,
		ImageRef:         req.ImageRef,
		OwnerID:          req.OwnerID,
		DepartmentID:     req.DepartmentID,
		Shared:           req.Shared,
		InUse:            req.InUse,
		State:            types.StateRunning,
		Labels:           req.Labels,
		Backend:          info,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		if _, delErr := s.backend.Delete(ctx, result.ServiceID); delErr != nil {
			s.log.Error("cleanup after persist failure failed",
				zap.String("service_id", result.ServiceID),
				zap.Error(delErr))
		}
		return nil, err
	}

	s.events.Publish(events.TypeCreated, rec)
	s.log.Info("sandbox allocated",
		zap.String("sandbox_id", rec.ID),
		zap.String("service_id", rec.BackendServiceID),
		zap.String("kind", string(rec.Kind)),
		zap.Bool("in_use", rec.InUse))
	return rec, nil
}

// ClaimOrCreate is the warm-pool fast path: claim a standby record if one
// matches, otherwise fall back to cold-path creation. A consumed standby
// slot is refilled asynchronously; refill failures are logged, never
// propagated to the caller who already has their sandbox.
func (s *Service) ClaimOrCreate(ctx context.Context, req ClaimRequest) (*types.SandboxRecord, error) {
	rec, err := s.store.ClaimStandby(ctx, types.KindBrowser, req.ImageRef.Key(), req.Labels, req.OwnerID, req.DepartmentID)
	if err == nil {
		s.metrics.WarmClaims.Inc()
		s.updatePoolGauges(ctx)
		s.events.Publish(events.TypeStatusChanged, rec)

		refill := AllocationRequest{
			Kind:         types.KindBrowser,
			ImageRef:     req.ImageRef,
			OwnerID:      req.OwnerID,
			DepartmentID: req.DepartmentID,
			InUse:        false,
		}
		s.async(func() {
			refillCtx, cancel := context.WithTimeout(context.Background(), s.readyTimeout+time.Minute)
			defer cancel()
			if _, err := s.AllocateNew(refillCtx, refill); err != nil {
				s.log.Warn("standby refill failed",
					zap.String("image", req.ImageRef.Key()),
					zap.Error(err))
			}
		})
		return rec, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	s.metrics.ColdClaims.Inc()
	return s.AllocateNew(ctx, AllocationRequest{
		Kind:         types.KindBrowser,
		ImageRef:     req.ImageRef,
		OwnerID:      req.OwnerID,
		DepartmentID: req.DepartmentID,
		Labels:       req.Labels,
		InUse:        true,
	})
}

// live returns the record unless a teardown already owns it. Deleting is
// terminal: only the deletion path may mutate the record from there, so a
// deleting record answers the same not-found as a removed one.
func (s *Service) live(ctx context.Context, id string) (*types.SandboxRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State == types.StateDeleting {
		return nil, fmt.Errorf("%w: sandbox %s", types.ErrNotFound, id)
	}
	return rec, nil
}

// Release returns a claimed sandbox to the standby pool.
func (s *Service) Release(ctx context.Context, id string) (*types.SandboxRecord, error) {
	rec, err := s.live(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetInUse(ctx, rec.ID, false, nil); err != nil {
		return nil, err
	}

	rec, err = s.store.Get(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	s.updatePoolGauges(ctx)
	s.events.Publish(events.TypeStatusChanged, rec)
	return rec, nil
}

// Delete marks the record Deleting synchronously so no concurrent claimer
// can see it, then tears the backend resource down off the request path.
// Both the durable id and the backend service id are accepted.
func (s *Service) Delete(ctx context.Context, id string) error {
	rec, err := s.store.GetByAnyID(ctx, id)
	if err != nil {
		return err
	}

	marked, err := s.store.MarkDeleting(ctx, rec.ID)
	if err != nil {
		return err
	}
	if !marked {
		// Another path already owns the teardown.
		return nil
	}

	s.async(func() { s.teardown(rec) })
	return nil
}

// teardown stops and deletes the backend resource, then removes the record.
// Failures are logged and leave the record in Deleting; there is no
// automatic resurrection from that state.
func (s *Service) teardown(rec *types.SandboxRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if rec.BackendServiceID != "" {
		timer := monitoring.NewTimer(s.metrics, "delete")
		if _, err := s.backend.Stop(ctx, rec.BackendServiceID); err != nil {
			s.log.Warn("stop before delete failed",
				zap.String("sandbox_id", rec.ID),
				zap.Error(err))
		}
		if _, err := s.backend.Delete(ctx, rec.BackendServiceID); err != nil {
			timer.Stop("error")
			s.log.Error("backend teardown failed, record stays deleting",
				zap.String("sandbox_id", rec.ID),
				zap.String("service_id", rec.BackendServiceID),
				zap.Error(err))
			return
		}
		timer.Stop("ok")
	}

	if err := s.store.Remove(ctx, rec.ID); err != nil {
		s.log.Error("record removal failed",
			zap.String("sandbox_id", rec.ID),
			zap.Error(err))
		return
	}

	rec.State = types.StateDeleting
	s.events.Publish(events.TypeTerminated, rec)
	s.updatePoolGauges(ctx)
	s.log.Info("sandbox deleted", zap.String("sandbox_id", rec.ID))
}

// Restart restarts the sandbox and re-verifies readiness.
func (s *Service) Restart(ctx context.Context, id string) (*types.SandboxRecord, error) {
	rec, err := s.live(ctx, id)
	if err != nil {
		return nil, err
	}

	timer := monitoring.NewTimer(s.metrics, "restart")
	res, err := s.backend.Restart(ctx, rec.BackendServiceID)
	if err != nil {
		timer.Stop("error")
		return nil, fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
	}
	timer.Stop("ok")
	if !res.OK {
		return nil, fmt.Errorf("%w: %s", types.ErrBackendUnavailable, res.Detail)
	}

	// A restart is only complete once the sandbox answers ready again.
	if err := s.backend.WaitUntilRunning(ctx, rec.BackendServiceID, s.readyTimeout); err != nil {
		return nil, err
	}

	if err := s.store.SetState(ctx, rec.ID, types.StateRunning); err != nil {
		return nil, err
	}
	rec, err = s.store.Get(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	s.events.Publish(events.TypeStatusChanged, rec)
	return rec, nil
}

// Stop stops the sandbox. Stopped sandboxes leave the running cap but keep
// their record.
func (s *Service) Stop(ctx context.Context, id string) (*types.SandboxRecord, error) {
	rec, err := s.live(ctx, id)
	if err != nil {
		return nil, err
	}

	timer := monitoring.NewTimer(s.metrics, "stop")
	res, err := s.backend.Stop(ctx, rec.BackendServiceID)
	if err != nil {
		timer.Stop("error")
		return nil, fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
	}
	timer.Stop("ok")
	if !res.OK {
		return nil, fmt.Errorf("%w: %s", types.ErrBackendUnavailable, res.Detail)
	}

	if err := s.store.SetState(ctx, rec.ID, types.StateStopped); err != nil {
		return nil, err
	}
	rec, err = s.store.Get(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	s.updatePoolGauges(ctx)
	s.events.Publish(events.TypeStatusChanged, rec)
	return rec, nil
}

// SetShared flips the department-sharing flag.
func (s *Service) SetShared(ctx context.Context, id string, shared bool) (*types.SandboxRecord, error) {
	rec, err := s.live(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetShared(ctx, rec.ID, shared); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, rec.ID)
}

// InstallArtifact uploads and installs an application package into an
// emulator sandbox. Install failure is non-fatal to the record: it stays
// Running and the failure detail goes back to the caller.
func (s *Service) InstallArtifact(ctx context.Context, id, fileRef string) (*types.SandboxRecord, error) {
	rec, err := s.live(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Kind != types.KindEmulator {
		return nil, fmt.Errorf("%w: sandbox %s is not an emulator", types.ErrArtifactInstall, id)
	}
	if rec.HasInstalled(fileRef) {
		return rec, nil
	}

	localPath, err := s.artifacts.Resolve(fileRef)
	if err != nil {
		return nil, err
	}

	remoteName, err := s.backend.UploadFile(ctx, rec.BackendServiceID, localPath)
	if err != nil {
		return nil, fmt.Errorf("%w: upload failed: %v", types.ErrArtifactInstall, err)
	}

	res, err := s.backend.InstallPackage(ctx, rec.BackendServiceID, remoteName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrArtifactInstall, err)
	}
	if !res.OK {
		return nil, fmt.Errorf("%w: %s", types.ErrArtifactInstall, res.Detail)
	}

	if err := s.store.AddInstalledApp(ctx, rec.ID, fileRef); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, rec.ID)
}

// Get returns one record, resolving either id form.
func (s *Service) Get(ctx context.Context, id string) (*types.SandboxRecord, error) {
	return s.store.GetByAnyID(ctx, id)
}

// List returns all records.
func (s *Service) List(ctx context.Context) ([]*types.SandboxRecord, error) {
	return s.store.List(ctx)
}

// ReclaimStaleLeases deletes browser sandboxes whose claim outlived the
// lease TTL. Crashed callers never release, so the pool reclaims for them.
func (s *Service) ReclaimStaleLeases(ctx context.Context) error {
	stale, err := s.store.StaleLeases(ctx, types.KindBrowser, s.pool.StaleLeaseTTL)
	if err != nil {
		return err
	}
	for _, rec := range stale {
		s.log.Info("reclaiming stale lease",
			zap.String("sandbox_id", rec.ID),
			zap.Time("last_claimed_at", rec.LastClaimedAt))
		if err := s.Delete(ctx, rec.ID); err != nil {
			s.log.Warn("stale lease deletion failed",
				zap.String("sandbox_id", rec.ID),
				zap.Error(err))
			continue
		}
		s.metrics.LeasesReclaimed.Inc()
	}
	return nil
}

// trimStandby deletes the oldest surplus idle records for an image until
// the standby pool is back at the limit.
func (s *Service) trimStandby(ctx context.Context, imageKey string) error {
	idle, err := s.store.IdleByAge(ctx, types.KindBrowser, imageKey)
	if err != nil {
		return err
	}
	surplus := len(idle) - s.pool.MaxStandbyPerImage
	for i := 0; i < surplus; i++ {
		s.log.Info("trimming standby sandbox",
			zap.String("sandbox_id", idle[i].ID),
			zap.Time("created_at", idle[i].CreatedAt))
		if err := s.Delete(ctx, idle[i].ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) updatePoolGauges(ctx context.Context) {
	for _, kind := range []types.Kind{types.KindBrowser, types.KindEmulator} {
		idle, err := s.store.CountIdle(ctx, kind)
		if err != nil {
			return
		}
		inUse, err := s.store.CountInUse(ctx, kind)
		if err != nil {
			return
		}
		s.metrics.SetPoolGauges(string(kind), idle+inUse, idle)
	}
}
