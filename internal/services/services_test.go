package services

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubot-paas/orchestrator/internal/lock"
	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/provisioner"
	"github.com/hubot-paas/orchestrator/internal/provisioner/compiler"
	"github.com/hubot-paas/orchestrator/internal/repository/repotest"
	"github.com/hubot-paas/orchestrator/internal/scheduler/schedulertest"
	"github.com/hubot-paas/orchestrator/internal/storage"
	"github.com/hubot-paas/orchestrator/pkg/logger"
)

func TestMain(m *testing.M) {
	// Initialize logger for tests (required by services)
	_, err := logger.Init("info", "json")
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

// recorder stands in for the work queue. It records what was dispatched
// and which follow-up checks were scheduled.
type recorder struct {
	mu       sync.Mutex
	calls    []string
	statuses []string
	suspends []uuid.UUID
}

func (r *recorder) record(op string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op+fmt.Sprint(args...))
	return nil
}

func (r *recorder) has(op string, args ...any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := op + fmt.Sprint(args...)
	for _, c := range r.calls {
		if c == want {
			return true
		}
	}
	return false
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) ProvisionAddon(ctx context.Context, id uuid.UUID) error {
	return r.record("provision", id)
}

func (r *recorder) ResetAddon(ctx context.Context, id uuid.UUID) error {
	return r.record("reset", id)
}

func (r *recorder) RestoreAddon(ctx context.Context, id uuid.UUID, shortID int) error {
	return r.record("restore", id, shortID)
}

func (r *recorder) CreateSnapshot(ctx context.Context, id uuid.UUID, description string) error {
	return r.record("snapshot", id, description)
}

func (r *recorder) DestroySnapshot(ctx context.Context, id uuid.UUID, shortID int) error {
	return r.record("destroy_snapshot", id, shortID)
}

func (r *recorder) ReclaimVolumes(ctx context.Context, id uuid.UUID) error {
	return r.record("reclaim", id)
}

func (r *recorder) DeployRelease(ctx context.Context, id uuid.UUID, force bool) error {
	return r.record("deploy", id, force)
}

func (r *recorder) Rollback(ctx context.Context, releaseID uuid.UUID) error {
	return r.record("rollback", releaseID)
}

func (r *recorder) ScheduleStatusCheck(ctx context.Context, kind models.ResourceKind, deploymentID string, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, deploymentID)
	return nil
}

func (r *recorder) ScheduleSuspendCheck(ctx context.Context, kind models.ResourceKind, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspends = append(r.suspends, id)
	return nil
}

func (r *recorder) statusChecks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

var (
	_ Dispatcher            = (*recorder)(nil)
	_ provisioner.Followups = (*recorder)(nil)
)

type fixture struct {
	store    *repotest.Store
	backend  *storage.Memory
	client   *schedulertest.Fake
	queue    *recorder
	addons   *addonService
	releases *releaseService
	projects ProjectService
	opts     Options
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   repotest.NewStore(),
		backend: storage.NewMemory(),
		client:  schedulertest.New(),
		queue:   &recorder{},
		now:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		opts: Options{
			StatusTimeout:  time.Minute,
			VolumeTimeout:  time.Minute,
			SuspendTimeout: time.Minute,
			PollInterval:   time.Millisecond,
			DeployRetries:  2,
			RestoreRetries: 2,
		},
	}
	comp := compiler.NewCompiler(compiler.Options{Domain: "hubot.local", MinHealthCapacity: 0.6})
	reconciler := provisioner.NewReconciler(f.client, comp, f.store.Addons(), f.store.Releases(), f.queue, provisioner.Options{
		StatusTimeout:  time.Minute,
		SuspendTimeout: time.Second,
		PollInterval:   time.Millisecond,
	})
	volumes := provisioner.NewVolumeManager(f.backend, time.Millisecond)
	managers := Managers{
		Reconciler: reconciler,
		Volumes:    volumes,
		Snapshots:  provisioner.NewSnapshotManager(volumes, f.store.Snapshots()),
	}
	locker := lock.NewLocal(time.Minute)
	clock := func() time.Time { return f.now }

	f.addons = NewAddonService(f.store.Addons(), f.store.Projects(), f.store.Snapshots(), managers, locker, f.queue, f.opts).(*addonService)
	f.addons.now = clock
	f.releases = NewReleaseService(f.store.Releases(), f.store.Projects(), reconciler, locker, f.queue, f.opts).(*releaseService)
	f.releases.now = clock
	f.projects = NewProjectService(f.store.Projects(), f.store.Addons(), f.store.Releases(), f.queue, f.opts)
	return f
}

func (f *fixture) addon(t *testing.T, id uuid.UUID) *models.Addon {
	t.Helper()
	var a models.Addon
	require.NoError(t, f.store.Addons().GetByID(context.Background(), id, &a))
	return &a
}

func (f *fixture) release(t *testing.T, id uuid.UUID) *models.Release {
	t.Helper()
	rel, err := f.store.Releases().GetWithProject(context.Background(), id)
	require.NoError(t, err)
	return rel
}

// runningAddon creates and provisions an addon, then lets its deployment
// finish so it ends up Running.
func (f *fixture) runningAddon(t *testing.T, kind, name string, size int) *models.Addon {
	t.Helper()
	ctx := context.Background()
	a, err := f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Name: name, Kind: kind, VolumeSize: size})
	require.NoError(t, err)
	next, err := f.addons.RunProvision(ctx, a.ID, Progress{})
	require.NoError(t, err)
	require.Nil(t, next)

	a = f.addon(t, a.ID)
	f.client.Complete(a.DeploymentID)
	require.NoError(t, f.addons.CheckStatus(ctx, a.DeploymentID))
	a = f.addon(t, a.ID)
	require.Equal(t, models.StatusRunning, a.Status)
	return a
}

func TestProgress(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	assert.Zero(t, Progress{}.Elapsed(now))
	p := Progress{}.started(now)
	assert.Equal(t, now, p.StartedAt)
	assert.Equal(t, 30*time.Second, p.Elapsed(now.Add(30*time.Second)))
	assert.Equal(t, now, p.started(now.Add(time.Hour)).StartedAt, "start time is kept once set")

	c := again(Progress{Attempt: 2, Retries: 1, Phase: "restore"}, time.Second)
	assert.Equal(t, time.Second, c.Delay)
	assert.Equal(t, 3, c.Progress.Attempt)
	assert.Equal(t, 1, c.Progress.Retries)

	n := Progress{StartedAt: now, Attempt: 5, Retries: 2, Phase: phaseDetach}.next(phaseRestore, now.Add(time.Minute))
	assert.Equal(t, Progress{StartedAt: now.Add(time.Minute), Phase: phaseRestore}, n)
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 900*time.Second, o.StatusTimeout)
	assert.Equal(t, 300*time.Second, o.VolumeTimeout)
	assert.Equal(t, 500*time.Second, o.SuspendTimeout)
	assert.Equal(t, 5, o.DeployRetries)
	assert.Equal(t, time.UTC, o.Location)
	assert.Equal(t, 8.0, o.Limits.MaxCPUs)
}

func TestExclusiveStep(t *testing.T) {
	ctx := context.Background()
	locker := lock.NewLocal(time.Minute)
	unlock, err := locker.TryAcquire(ctx, "addon:x")
	require.NoError(t, err)

	p := Progress{Attempt: 4, Phase: phaseRestore}
	next, err := exclusiveStep(ctx, locker, "addon:x", p, time.Second, func() (*Continue, error) {
		t.Fatal("step ran while the key was held")
		return nil, nil
	})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Second, next.Delay)
	assert.Equal(t, p, next.Progress, "a held lock keeps the progress")

	unlock()
	ran := false
	next, err = exclusiveStep(ctx, locker, "addon:x", p, time.Second, func() (*Continue, error) {
		ran = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.True(t, ran)
}
