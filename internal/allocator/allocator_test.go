package allocator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometa-rocks/sandboxd/internal/infrastructure/config"
	"github.com/cometa-rocks/sandboxd/internal/infrastructure/logging"
	"github.com/cometa-rocks/sandboxd/internal/infrastructure/monitoring"
	rt "github.com/cometa-rocks/sandboxd/internal/runtime"
	"github.com/cometa-rocks/sandboxd/internal/shared/types"
	"github.com/cometa-rocks/sandboxd/internal/store"
)

// fakeBackend is an in-memory runtime backend for exercising the allocation
// protocol without real infrastructure. The hooks, when set before use, let
// tests pin down creation interleavings.
type fakeBackend struct {
	mu          sync.Mutex
	seq         atomic.Int64
	created     map[string]*rt.SandboxSpec
	deleted     []string
	restarted   []string
	failWait    bool
	failInstall bool
	createHook  func()
	waitHook    func(serviceID string)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{created: make(map[string]*rt.SandboxSpec)}
}

func (f *fakeBackend) Create(ctx context.Context, spec *rt.SandboxSpec) (rt.CreateResult, error) {
	if f.createHook != nil {
		f.createHook()
	}
	id := fmt.Sprintf("svc-%d", f.seq.Add(1))
	f.mu.Lock()
	f.created[id] = spec
	f.mu.Unlock()
	return rt.CreateResult{
		ServiceID: id,
		Info:      types.BackendInfo{Address: "10.0.0.1", Hostname: spec.Name},
	}, nil
}

func (f *fakeBackend) WaitUntilRunning(ctx context.Context, serviceID string, timeout time.Duration) error {
	if f.waitHook != nil {
		f.waitHook(serviceID)
	}
	if f.failWait {
		return fmt.Errorf("%w: %s not ready", types.ErrCreationTimeout, serviceID)
	}
	return nil
}

func (f *fakeBackend) Restart(ctx context.Context, serviceID string) (rt.OpResult, error) {
	f.mu.Lock()
	f.restarted = append(f.restarted, serviceID)
	f.mu.Unlock()
	return rt.OpResult{OK: true}, nil
}

func (f *fakeBackend) Stop(ctx context.Context, serviceID string) (rt.OpResult, error) {
	return rt.OpResult{OK: true}, nil
}

func (f *fakeBackend) Delete(ctx context.Context, serviceID string) (rt.OpResult, error) {
	f.mu.Lock()
	f.deleted = append(f.deleted, serviceID)
	delete(f.created, serviceID)
	f.mu.Unlock()
	return rt.OpResult{OK: true}, nil
}

func (f *fakeBackend) UploadFile(ctx context.Context, serviceID, localPath string) (string, error) {
	return "/tmp/" + filepath.Base(localPath), nil
}

func (f *fakeBackend) InstallPackage(ctx context.Context, serviceID, remoteName string) (rt.OpResult, error) {
	if f.failInstall {
		return rt.OpResult{OK: false, Detail: "install exited 1"}, nil
	}
	return rt.OpResult{OK: true}, nil
}

func (f *fakeBackend) ResolveInternalAddress(ctx context.Context, serviceID string) (string, error) {
	return "10.0.0.1", nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) deletedServiceIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeBackend) createCount() int {
	return int(f.seq.Load())
}

func (f *fakeBackend) restartedServiceIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.restarted...)
}

type fakeCatalog struct{}

func (fakeCatalog) Resolve(ctx context.Context, ref string) (string, error) {
	return "registry.local/" + ref, nil
}

type fakeArtifacts struct{ dir string }

func (f fakeArtifacts) Resolve(fileRef string) (string, error) {
	path := filepath.Join(f.dir, fileRef)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: artifact %s", types.ErrNotFound, fileRef)
	}
	return path, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) Publish(eventType string, rec *types.SandboxRecord) {
	r.mu.Lock()
	r.events = append(r.events, eventType+":"+rec.ID)
	r.mu.Unlock()
}

type testEnv struct {
	service *Service
	backend *fakeBackend
	store   *store.Store
	sink    *recordingSink
	cfg     *config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Runtime.ReadyTimeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	backend := newFakeBackend()
	sink := &recordingSink{}
	artifactDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(artifactDir, "app.apk"), []byte("pkg"), 0o644))

	service := New(
		st,
		backend,
		rt.NewSpecBuilder(cfg),
		fakeCatalog{},
		fakeArtifacts{dir: artifactDir},
		sink,
		monitoring.NewMetricsWith(prometheus.NewRegistry()),
		logging.NewNop(),
		cfg,
	)
	return &testEnv{service: service, backend: backend, store: st, sink: sink, cfg: cfg}
}

func chromeRef() types.ImageRef {
	return types.ImageRef{Browser: "chrome", Version: "120.0"}
}

func browserRequest(inUse bool) AllocationRequest {
	return AllocationRequest{
		Kind:         types.KindBrowser,
		ImageRef:     chromeRef(),
		OwnerID:      "user-1",
		DepartmentID: "dept-1",
		InUse:        inUse,
	}
}

func insertStandby(t *testing.T, env *testEnv, id string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, env.store.Insert(context.Background(), &types.SandboxRecord{
		ID:               id,
		BackendServiceID: "svc-pre-" + id,
		Kind:             types.KindBrowser,
		ImageRef:         chromeRef(),
		State:            types.StateRunning,
		CreatedAt:        createdAt,
	}))
}

func TestAllocateNewPersistsRunningRecord(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, err := env.service.AllocateNew(context.Background(), browserRequest(true))
	require.NoError(t, err)

	assert.Equal(t, types.StateRunning, rec.State)
	assert.True(t, rec.InUse)
	assert.Equal(t, "svc-1", rec.BackendServiceID)
	assert.Equal(t, "10.0.0.1", rec.Backend.Address)

	stored, err := env.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.BackendServiceID, stored.BackendServiceID)
}

func TestAllocateNewCapacityRejection(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Pool.MaxRunningTotal = 1 })
	insertStandby(t, env, "existing", time.Now().Add(-time.Hour))

	_, err := env.service.AllocateNew(context.Background(), browserRequest(true))
	assert.ErrorIs(t, err, types.ErrCapacityExceeded)
	assert.Equal(t, 0, env.backend.createCount())
}

func TestConcurrentAllocationsRespectCap(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Pool.MaxRunningTotal = 1 })

	const n = 4
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.service.AllocateNew(context.Background(), browserRequest(true))
			results <- err
		}()
	}
	wg.Wait()
	env.service.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else {
			require.ErrorIs(t, err, types.ErrCapacityExceeded)
		}
	}
	// A creator's success can still be revoked by a later creator's
	// re-check; the binding invariant is the final pool size below.
	require.GreaterOrEqual(t, successes, 1)

	running, err := env.store.RunningByAge(context.Background(), types.KindBrowser)
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestRecheckRollsBackEarlierSurvivor(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Pool.MaxRunningTotal = 1 })
	ctx := context.Background()

	// One creator finishes first; its own re-check sees only itself and
	// keeps the record.
	first, err := env.service.AllocateNew(ctx, browserRequest(true))
	require.NoError(t, err)

	// A second creator passed admission before that insert and sorts ahead
	// of it, so the second re-check finds itself inside the cap and the
	// first record beyond it.
	second := &types.SandboxRecord{
		ID:               "racer",
		BackendServiceID: "svc-racer",
		Kind:             types.KindBrowser,
		ImageRef:         chromeRef(),
		InUse:            true,
		State:            types.StateRunning,
		CreatedAt:        first.CreatedAt.Add(-time.Second),
	}
	require.NoError(t, env.store.Insert(ctx, second))

	survivor, err := env.service.rollbackOverCap(ctx, "racer")
	require.NoError(t, err)
	assert.True(t, survivor)
	env.service.Wait()

	running, err := env.store.RunningByAge(ctx, types.KindBrowser)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "racer", running[0].ID)

	_, err = env.store.Get(ctx, first.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStaggeredCreatorsConvergeToCap(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Pool.MaxRunningTotal = 1 })

	// Both creators pass admission before either record exists, then finish
	// far apart: the first completes its whole allocation, re-check
	// included, before the second even inserts. Whichever record sorts
	// first, the pool must come back to the cap once both re-checks ran.
	var entered sync.WaitGroup
	entered.Add(2)
	env.backend.createHook = func() {
		entered.Done()
		entered.Wait()
	}

	firstDone := make(chan struct{})
	var stalled atomic.Bool
	env.backend.waitHook = func(serviceID string) {
		if stalled.CompareAndSwap(false, true) {
			return
		}
		<-firstDone
	}

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := env.service.AllocateNew(context.Background(), browserRequest(true))
			results <- err
		}()
	}

	err1 := <-results
	close(firstDone)
	err2 := <-results
	env.service.Wait()

	for _, err := range []error{err1, err2} {
		if err != nil {
			require.ErrorIs(t, err, types.ErrCapacityExceeded)
		}
	}

	running, err := env.store.RunningByAge(context.Background(), types.KindBrowser)
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestCreationTimeoutCleansUpBackendResource(t *testing.T) {
	env := newTestEnv(t, nil)
	env.backend.failWait = true

	_, err := env.service.AllocateNew(context.Background(), browserRequest(true))
	require.ErrorIs(t, err, types.ErrCreationTimeout)

	// The half-created resource was actively cleaned up and no record leaked.
	assert.Equal(t, []string{"svc-1"}, env.backend.deletedServiceIDs())
	recs, err := env.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestClaimOrCreateWarmPath(t *testing.T) {
	env := newTestEnv(t, nil)
	insertStandby(t, env, "standby", time.Now().Add(-time.Hour))

	rec, err := env.service.ClaimOrCreate(context.Background(), ClaimRequest{
		ImageRef: chromeRef(),
		OwnerID:  "user-2",
		Labels:   map[string]string{"run": "7"},
	})
	require.NoError(t, err)
	assert.Equal(t, "standby", rec.ID)
	assert.True(t, rec.InUse)
	assert.Equal(t, "user-2", rec.OwnerID)

	// The consumed slot is refilled asynchronously.
	env.service.Wait()
	idle, err := env.store.IdleByAge(context.Background(), types.KindBrowser, "chrome:120.0")
	require.NoError(t, err)
	assert.Len(t, idle, 1)
}

func TestClaimOrCreateColdPath(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, err := env.service.ClaimOrCreate(context.Background(), ClaimRequest{
		ImageRef: chromeRef(),
		OwnerID:  "user-1",
	})
	require.NoError(t, err)
	assert.True(t, rec.InUse)
	assert.Equal(t, 1, env.backend.createCount())
}

func TestClaimExclusivity(t *testing.T) {
	env := newTestEnv(t, nil)
	insertStandby(t, env, "only", time.Now().Add(-time.Hour))

	const n = 5
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := env.service.ClaimOrCreate(context.Background(), ClaimRequest{
				ImageRef: chromeRef(),
				OwnerID:  "user-1",
			})
			if err == nil {
				ids <- rec.ID
			}
		}()
	}
	wg.Wait()
	env.service.Wait()
	close(ids)

	warm := 0
	seen := make(map[string]bool)
	for id := range ids {
		require.False(t, seen[id], "record %s claimed twice", id)
		seen[id] = true
		if id == "only" {
			warm++
		}
	}
	assert.Equal(t, 1, warm, "exactly one caller wins the standby record")
	assert.Len(t, seen, n, "losers fall back to cold-path creation")
}

func TestStandbyTrimRemovesOldestSurplus(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Pool.MaxStandbyPerImage = 2 })

	base := time.Now().Add(-6 * time.Hour)
	for i := 0; i < 5; i++ {
		insertStandby(t, env, fmt.Sprintf("idle-%d", i), base.Add(time.Duration(i)*time.Hour))
	}

	_, err := env.service.AllocateNew(context.Background(), browserRequest(true))
	require.NoError(t, err)
	env.service.Wait()

	ctx := context.Background()
	for _, id := range []string{"idle-0", "idle-1", "idle-2"} {
		_, err := env.store.Get(ctx, id)
		assert.ErrorIs(t, err, types.ErrNotFound, "oldest surplus %s should be trimmed", id)
	}
	for _, id := range []string{"idle-3", "idle-4"} {
		_, err := env.store.Get(ctx, id)
		assert.NoError(t, err, "%s should survive the trim", id)
	}
}

func TestStaleLeaseReclamation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	stale := &types.SandboxRecord{
		ID:               "stale",
		BackendServiceID: "svc-stale",
		Kind:             types.KindBrowser,
		ImageRef:         chromeRef(),
		InUse:            true,
		State:            types.StateRunning,
		CreatedAt:        time.Now().Add(-5 * time.Hour),
		LastClaimedAt:    time.Now().Add(-4 * time.Hour),
	}
	require.NoError(t, env.store.Insert(ctx, stale))

	require.NoError(t, env.service.ReclaimStaleLeases(ctx))
	env.service.Wait()

	_, err := env.store.Get(ctx, "stale")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Contains(t, env.backend.deletedServiceIDs(), "svc-stale")
}

func TestDeleteRemovesRecordAfterTeardown(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec, err := env.service.AllocateNew(ctx, browserRequest(true))
	require.NoError(t, err)

	require.NoError(t, env.service.Delete(ctx, rec.ID))
	env.service.Wait()

	assert.Equal(t, []string{rec.BackendServiceID}, env.backend.deletedServiceIDs())
	err = env.service.Delete(ctx, rec.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDeleteWhileDeletingIsANoop(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	insertStandby(t, env, "doomed", time.Now())

	marked, err := env.store.MarkDeleting(ctx, "doomed")
	require.NoError(t, err)
	require.True(t, marked)

	// The record is already owned by another teardown; no second one starts.
	require.NoError(t, env.service.Delete(ctx, "doomed"))
	env.service.Wait()
	assert.Empty(t, env.backend.deletedServiceIDs())

	rec, err := env.store.Get(ctx, "doomed")
	require.NoError(t, err)
	assert.Equal(t, types.StateDeleting, rec.State)
}

func TestDeleteAcceptsServiceID(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec, err := env.service.AllocateNew(ctx, browserRequest(true))
	require.NoError(t, err)

	require.NoError(t, env.service.Delete(ctx, rec.BackendServiceID))
	env.service.Wait()

	_, err = env.store.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDeletingRecordInvisibleToClaim(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	insertStandby(t, env, "doomed", time.Now().Add(-time.Hour))

	marked, err := env.store.MarkDeleting(ctx, "doomed")
	require.NoError(t, err)
	require.True(t, marked)

	_, err = env.store.ClaimStandby(ctx, types.KindBrowser, "chrome:120.0", nil, "user", "dept")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDeletingRecordRejectsLifecycleCalls(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	insertStandby(t, env, "doomed", time.Now())

	marked, err := env.store.MarkDeleting(ctx, "doomed")
	require.NoError(t, err)
	require.True(t, marked)

	// The teardown owns the record now; no caller path may pull it back.
	_, err = env.service.Restart(ctx, "doomed")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = env.service.Stop(ctx, "doomed")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = env.service.Release(ctx, "doomed")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = env.service.SetShared(ctx, "doomed", true)
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.Empty(t, env.backend.restartedServiceIDs())
	rec, err := env.store.Get(ctx, "doomed")
	require.NoError(t, err)
	assert.Equal(t, types.StateDeleting, rec.State)
}

func TestReleaseRecyclesIntoStandby(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	req := browserRequest(true)
	req.Labels = map[string]string{"run": "42"}
	rec, err := env.service.AllocateNew(ctx, req)
	require.NoError(t, err)

	released, err := env.service.Release(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, released.InUse)
	assert.Nil(t, released.Labels)
	assert.Equal(t, types.StateRunning, released.State)
}

func TestRestartAndStopTransitions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec, err := env.service.AllocateNew(ctx, browserRequest(true))
	require.NoError(t, err)

	stopped, err := env.service.Stop(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateStopped, stopped.State)

	restarted, err := env.service.Restart(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, restarted.State)
}

func TestStoppedSandboxLeavesRunningCap(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Pool.MaxRunningTotal = 1 })
	ctx := context.Background()

	rec, err := env.service.AllocateNew(ctx, browserRequest(true))
	require.NoError(t, err)
	_, err = env.service.Stop(ctx, rec.ID)
	require.NoError(t, err)

	_, err = env.service.AllocateNew(ctx, browserRequest(true))
	assert.NoError(t, err)
}

func TestEmulatorReusesPrivateRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	req := AllocationRequest{
		Kind:         types.KindEmulator,
		ImageRef:     types.ImageRef{Catalog: "android-33"},
		OwnerID:      "user-1",
		DepartmentID: "dept-1",
		InUse:        true,
	}
	first, err := env.service.AllocateNew(ctx, req)
	require.NoError(t, err)

	second, err := env.service.AllocateNew(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, env.backend.createCount())
}

func TestInstallArtifact(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec, err := env.service.AllocateNew(ctx, AllocationRequest{
		Kind:     types.KindEmulator,
		ImageRef: types.ImageRef{Catalog: "android-33"},
		OwnerID:  "user-1",
		InUse:    true,
	})
	require.NoError(t, err)

	updated, err := env.service.InstallArtifact(ctx, rec.ID, "app.apk")
	require.NoError(t, err)
	assert.Equal(t, []string{"app.apk"}, updated.InstalledApps)

	// A second install of the same artifact is skipped.
	_, err = env.service.InstallArtifact(ctx, rec.ID, "app.apk")
	require.NoError(t, err)
}

func TestInstallArtifactFailureKeepsRecordRunning(t *testing.T) {
	env := newTestEnv(t, nil)
	env.backend.failInstall = true
	ctx := context.Background()

	rec, err := env.service.AllocateNew(ctx, AllocationRequest{
		Kind:     types.KindEmulator,
		ImageRef: types.ImageRef{Catalog: "android-33"},
		OwnerID:  "user-1",
		InUse:    true,
	})
	require.NoError(t, err)

	_, err = env.service.InstallArtifact(ctx, rec.ID, "app.apk")
	require.ErrorIs(t, err, types.ErrArtifactInstall)

	stored, err := env.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, stored.State)
	assert.Empty(t, stored.InstalledApps)
}

func TestInstallArtifactRejectsBrowser(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec, err := env.service.AllocateNew(ctx, browserRequest(true))
	require.NoError(t, err)

	_, err = env.service.InstallArtifact(ctx, rec.ID, "app.apk")
	assert.ErrorIs(t, err, types.ErrArtifactInstall)
}

func TestLifecycleEventsPublished(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec, err := env.service.AllocateNew(ctx, browserRequest(true))
	require.NoError(t, err)
	require.NoError(t, env.service.Delete(ctx, rec.ID))
	env.service.Wait()

	env.sink.mu.Lock()
	defer env.sink.mu.Unlock()
	assert.Contains(t, env.sink.events, "created:"+rec.ID)
	assert.Contains(t, env.sink.events, "terminated:"+rec.ID)
}

func TestSweeperReclaimsOnTick(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	stale := &types.SandboxRecord{
		ID:               "stale",
		BackendServiceID: "svc-stale",
		Kind:             types.KindBrowser,
		ImageRef:         chromeRef(),
		InUse:            true,
		State:            types.StateRunning,
		CreatedAt:        time.Now().Add(-5 * time.Hour),
		LastClaimedAt:    time.Now().Add(-4 * time.Hour),
	}
	require.NoError(t, env.store.Insert(ctx, stale))

	sweepCtx, cancel := context.WithCancel(ctx)
	sweeper := NewSweeper(env.service, 20*time.Millisecond, logging.NewNop())
	done := make(chan struct{})
	go func() {
		sweeper.Run(sweepCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := env.store.Get(ctx, "stale")
		return errors.Is(err, types.ErrNotFound)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
