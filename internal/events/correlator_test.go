package events

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/repository/repotest"
	"github.com/hubot-paas/orchestrator/internal/scheduler"
	"github.com/hubot-paas/orchestrator/internal/scheduler/schedulertest"
)

type mockActions struct {
	mock.Mock
}

func (m *mockActions) Rollback(ctx context.Context, releaseID uuid.UUID) error {
	return m.Called(releaseID).Error(0)
}

func (m *mockActions) ReclaimVolumes(ctx context.Context, addonID uuid.UUID) error {
	return m.Called(addonID).Error(0)
}

type correlatorFixture struct {
	store   *repotest.Store
	apps    *schedulertest.Fake
	actions *mockActions
	c       *Correlator
}

func newCorrelatorFixture(t *testing.T) *correlatorFixture {
	t.Helper()
	store := repotest.NewStore()
	apps := schedulertest.New()
	actions := &mockActions{}
	t.Cleanup(func() { actions.AssertExpectations(t) })
	c := NewCorrelator(apps, store.Addons(), store.Releases(), NewMemoryQuorum(), actions, Options{
		MinHealthCapacity: 0.6,
		StatusTimeout:     15 * time.Minute,
	})
	return &correlatorFixture{store: store, apps: apps, actions: actions, c: c}
}

// deployedAddon creates an addon app with instances and a matching record.
func (f *correlatorFixture) deployedAddon(t *testing.T, instances int, status models.Status) (*models.Addon, *scheduler.DeploymentResult) {
	t.Helper()
	ctx := context.Background()
	a := &models.Addon{Name: "db", Namespace: "ns", Kind: "mysql", Status: status, Instances: instances}
	res, err := f.apps.CreateApp(ctx, &scheduler.App{ID: "/" + a.Slug(), Instances: instances, Labels: map[string]string{labelAddon: "mysql"}})
	require.NoError(t, err)
	a.DeploymentState = models.DeploymentState{SchedulerVersion: res.Version, DeploymentID: res.DeploymentID}
	require.NoError(t, f.store.Addons().Create(ctx, a))
	return a, res
}

func (f *correlatorFixture) addonStatus(t *testing.T, id uuid.UUID) models.Status {
	t.Helper()
	var a models.Addon
	require.NoError(t, f.store.Addons().GetByID(context.Background(), id, &a))
	return a.Status
}

func (f *correlatorFixture) releaseStatus(t *testing.T, id uuid.UUID) models.Status {
	t.Helper()
	var r models.Release
	require.NoError(t, f.store.Releases().GetByID(context.Background(), id, &r))
	return r.Status
}

func (f *correlatorFixture) project(t *testing.T) *models.Project {
	t.Helper()
	p := &models.Project{Name: "web", Namespace: "ns", Instances: 1, UseLB: true}
	require.NoError(t, f.store.Projects().Create(context.Background(), p))
	_, err := f.apps.CreateApp(context.Background(), &scheduler.App{ID: "/" + p.Slug(), Instances: 1, Labels: map[string]string{labelLB: "external"}})
	require.NoError(t, err)
	return p
}

func (f *correlatorFixture) release(t *testing.T, p *models.Project, status models.Status, version, deploymentID string) *models.Release {
	t.Helper()
	r := &models.Release{ProjectID: p.ID, Tag: "v1", Status: status}
	r.DeploymentState = models.DeploymentState{SchedulerVersion: version, DeploymentID: deploymentID}
	require.NoError(t, f.store.Releases().Create(context.Background(), r))
	return r
}

func statusEvent(appID, version, timestamp, taskStatus string) Event {
	return Event{EventType: TypeStatusUpdate, AppID: "/" + appID, Version: version, Timestamp: timestamp, TaskStatus: taskStatus}
}

func TestCorrelatorTaskStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("single instance moves at once", func(t *testing.T) {
		f := newCorrelatorFixture(t)
		a, res := f.deployedAddon(t, 1, models.StatusStaging)

		require.NoError(t, f.c.Handle(ctx, statusEvent(a.Slug(), res.Version, "t1", "TASK_RUNNING")))
		assert.Equal(t, models.StatusRunning, f.addonStatus(t, a.ID))
	})

	t.Run("multi instance waits for quorum", func(t *testing.T) {
		f := newCorrelatorFixture(t)
		a, res := f.deployedAddon(t, 3, models.StatusStaging)

		require.NoError(t, f.c.Handle(ctx, statusEvent(a.Slug(), res.Version, "t1", "TASK_RUNNING")))
		require.NoError(t, f.c.Handle(ctx, statusEvent(a.Slug(), res.Version, "t1", "TASK_RUNNING")))
		assert.Equal(t, models.StatusStaging, f.addonStatus(t, a.ID))

		require.NoError(t, f.c.Handle(ctx, statusEvent(a.Slug(), res.Version, "t2", "TASK_RUNNING")))
		assert.Equal(t, models.StatusRunning, f.addonStatus(t, a.ID))
	})

	t.Run("ignored task states", func(t *testing.T) {
		f := newCorrelatorFixture(t)
		a, res := f.deployedAddon(t, 1, models.StatusRunning)

		for _, st := range []string{"TASK_STARTING", "TASK_LOST", "TASK_KILLED"} {
			require.NoError(t, f.c.Handle(ctx, statusEvent(a.Slug(), res.Version, "t1", st)))
		}
		assert.Equal(t, models.StatusRunning, f.addonStatus(t, a.ID))
	})

	t.Run("old version is stale", func(t *testing.T) {
		f := newCorrelatorFixture(t)
		a, _ := f.deployedAddon(t, 1, models.StatusStaging)

		require.NoError(t, f.c.Handle(ctx, statusEvent(a.Slug(), "1999-01-01T00:00:00.000Z", "t1", "TASK_FAILED")))
		assert.Equal(t, models.StatusStaging, f.addonStatus(t, a.ID))
	})

	t.Run("unknown app", func(t *testing.T) {
		f := newCorrelatorFixture(t)
		require.NoError(t, f.c.Handle(ctx, statusEvent("nope", "v", "t", "TASK_RUNNING")))
	})
}

func TestCorrelatorReleaseFinished(t *testing.T) {
	ctx := context.Background()
	version := "2016-01-01T00:00:00.000Z"

	t.Run("soon after rollout rolls back", func(t *testing.T) {
		f := newCorrelatorFixture(t)
		p := f.project(t)
		rel := f.release(t, p, models.StatusRunning, version, "dep-x")
		f.actions.On("Rollback", rel.ID).Return(nil).Once()

		require.NoError(t, f.c.Handle(ctx, statusEvent(p.Slug(), version, "2016-01-01T00:05:00.000Z", "TASK_FINISHED")))
		assert.Equal(t, models.StatusFailed, f.releaseStatus(t, rel.ID))
	})

	t.Run("long after rollout finishes", func(t *testing.T) {
		f := newCorrelatorFixture(t)
		p := f.project(t)
		rel := f.release(t, p, models.StatusRunning, version, "dep-x")

		require.NoError(t, f.c.Handle(ctx, statusEvent(p.Slug(), version, "2016-01-02T00:00:00.000Z", "TASK_FINISHED")))
		assert.Equal(t, models.StatusFinished, f.releaseStatus(t, rel.ID))
	})

	t.Run("running tasks leave releases alone", func(t *testing.T) {
		f := newCorrelatorFixture(t)
		p := f.project(t)
		rel := f.release(t, p, models.StatusStaging, version, "dep-x")

		require.NoError(t, f.c.Handle(ctx, statusEvent(p.Slug(), version, "2016-01-01T00:00:01.000Z", "TASK_RUNNING")))
		assert.Equal(t, models.StatusStaging, f.releaseStatus(t, rel.ID))
	})
}

func TestCorrelatorDeploymentSuccess(t *testing.T) {
	ctx := context.Background()

	t.Run("addon by deployment id", func(t *testing.T) {
		f := newCorrelatorFixture(t)
		a, res := f.deployedAddon(t, 1, models.StatusStaging)

		require.NoError(t, f.c.Handle(ctx, Event{EventType: TypeDeploymentSuccess, ID: "other"}))
		assert.Equal(t, models.StatusStaging, f.addonStatus(t, a.ID))

		require.NoError(t, f.c.Handle(ctx, Event{EventType: TypeDeploymentSuccess, ID: res.DeploymentID}))
		assert.Equal(t, models.StatusRunning, f.addonStatus(t, a.ID))
	})

	t.Run("suspended addon stays suspended", func(t *testing.T) {
		f := newCorrelatorFixture(t)
		a, res := f.deployedAddon(t, 1, models.StatusSuspend)

		require.NoError(t, f.c.Handle(ctx, Event{EventType: TypeDeploymentSuccess, ID: res.DeploymentID}))
		assert.Equal(t, models.StatusSuspend, f.addonStatus(t, a.ID))
	})

	t.Run("restoring addon completes", func(t *testing.T) {
		f := newCorrelatorFixture(t)
		a, res := f.deployedAddon(t, 1, models.StatusRestoring)

		require.NoError(t, f.c.Handle(ctx, Event{EventType: TypeDeploymentSuccess, ID: res.DeploymentID}))
		assert.Equal(t, models.StatusRunning, f.addonStatus(t, a.ID))
	})

	t.Run("one running release per project under any order", func(t *testing.T) {
		for round := range 20 {
			f := newCorrelatorFixture(t)
			p := f.project(t)
			old := f.release(t, p, models.StatusRunning, "v0", "dep-0")
			var ids []uuid.UUID
			var evs []Event
			for i := 1; i <= 4; i++ {
				dep := fmt.Sprintf("dep-%d", i)
				r := f.release(t, p, models.StatusStaging, fmt.Sprintf("v%d", i), dep)
				ids = append(ids, r.ID)
				evs = append(evs, Event{EventType: TypeDeploymentSuccess, ID: dep})
			}
			rng := rand.New(rand.NewSource(int64(round)))
			rng.Shuffle(len(evs), func(i, j int) { evs[i], evs[j] = evs[j], evs[i] })

			var wg sync.WaitGroup
			for _, ev := range evs {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = f.c.Handle(ctx, ev)
				}()
			}
			wg.Wait()

			running := 0
			for _, id := range append(ids, old.ID) {
				if f.releaseStatus(t, id) == models.StatusRunning {
					running++
				}
			}
			assert.Equal(t, 1, running, "round %d", round)
			assert.Equal(t, models.StatusFinished, f.releaseStatus(t, old.ID))
		}
	})
}

func TestCorrelatorDeploymentFailed(t *testing.T) {
	ctx := context.Background()

	t.Run("release fails and rolls back", func(t *testing.T) {
		f := newCorrelatorFixture(t)
		p := f.project(t)
		rel := f.release(t, p, models.StatusStaging, "v1", "dep-1")
		f.actions.On("Rollback", rel.ID).Return(nil).Once()

		require.NoError(t, f.c.Handle(ctx, Event{EventType: TypeDeploymentFailed, ID: "dep-1"}))
		assert.Equal(t, models.StatusFailed, f.releaseStatus(t, rel.ID))
	})

	t.Run("addon fails", func(t *testing.T) {
		f := newCorrelatorFixture(t)
		a, res := f.deployedAddon(t, 1, models.StatusStaging)

		require.NoError(t, f.c.Handle(ctx, Event{EventType: TypeDeploymentFailed, ID: res.DeploymentID}))
		assert.Equal(t, models.StatusFailed, f.addonStatus(t, a.ID))
	})
}

func TestCorrelatorAppTerminated(t *testing.T) {
	ctx := context.Background()
	f := newCorrelatorFixture(t)
	a, _ := f.deployedAddon(t, 1, models.StatusRunning)

	// live addons keep their volumes
	require.NoError(t, f.c.Handle(ctx, Event{EventType: TypeAppTerminated, AppID: "/" + a.Slug()}))

	require.NoError(t, f.store.Addons().Delete(ctx, a.ID))
	f.actions.On("ReclaimVolumes", a.ID).Return(nil).Once()
	require.NoError(t, f.c.Handle(ctx, Event{EventType: TypeAppTerminated, AppID: "/" + a.Slug()}))
}
