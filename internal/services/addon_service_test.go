package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubot-paas/orchestrator/internal/addons"
	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/provisioner"
	"github.com/hubot-paas/orchestrator/internal/scheduler"
	"github.com/hubot-paas/orchestrator/internal/storage"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

func intPtr(v int) *int { return &v }

func TestCreateAddon(t *testing.T) {
	ctx := context.Background()

	t.Run("fills defaults and dispatches provisioning", func(t *testing.T) {
		f := newFixture(t)
		a, err := f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Kind: addons.MySQL})
		require.NoError(t, err)

		assert.NotEmpty(t, a.Name)
		assert.Equal(t, "5.6", a.Version)
		assert.Equal(t, float64(defaultCPUs), a.CPUs)
		assert.Equal(t, float64(defaultMem), a.Mem)
		assert.Equal(t, defaultVolumeSize, a.VolumeSize)
		assert.Equal(t, defaultBackupKeep, a.BackupKeep)
		assert.Equal(t, models.StatusStaging, a.Status)
		assert.NotEmpty(t, a.Secret(addons.CredPassword))
		assert.True(t, f.queue.has("provision", a.ID))
	})

	t.Run("down is stored suspended and not provisioned", func(t *testing.T) {
		f := newFixture(t)
		a, err := f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Name: "cache", Kind: addons.Redis, Down: true})
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuspend, f.addon(t, a.ID).Status)
		assert.Equal(t, 0, f.queue.count())
	})

	t.Run("rejects bad input", func(t *testing.T) {
		f := newFixture(t)
		cases := []struct {
			name string
			in   CreateAddonInput
			code appErr.Code
		}{
			{"bad name", CreateAddonInput{Namespace: "ns", Name: "Bad_Name", Kind: addons.MySQL}, appErr.CodeInvalid},
			{"unknown kind", CreateAddonInput{Namespace: "ns", Kind: "oracle"}, appErr.CodeInvalid},
			{"too many cpus", CreateAddonInput{Namespace: "ns", Kind: addons.MySQL, CPUs: 64}, appErr.CodeInvalid},
			{"volume too large", CreateAddonInput{Namespace: "ns", Kind: addons.MySQL, VolumeSize: 5000}, appErr.CodeInvalid},
			{"backup hour out of range", CreateAddonInput{Namespace: "ns", Kind: addons.MySQL, BackupHour: intPtr(24)}, appErr.CodeInvalid},
			{"missing namespace", CreateAddonInput{Kind: addons.MySQL}, appErr.CodeInvalid},
			{"unknown project", CreateAddonInput{Namespace: "ns", Kind: addons.MySQL, Project: "nope"}, appErr.CodeNotFound},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				in := tc.in
				_, err := f.addons.CreateAddon(ctx, &in)
				require.Error(t, err)
				assert.Equal(t, tc.code, appErr.CodeOf(err))
			})
		}
		assert.Equal(t, 0, f.queue.count())
	})

	t.Run("names are unique per namespace", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Name: "db", Kind: addons.MySQL})
		require.NoError(t, err)

		_, err = f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Name: "db", Kind: addons.Redis})
		assert.Equal(t, appErr.CodeAlreadyExists, appErr.CodeOf(err))

		_, err = f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "other", Name: "db", Kind: addons.Redis})
		assert.NoError(t, err)
	})

	t.Run("attaches to a project", func(t *testing.T) {
		f := newFixture(t)
		p, err := f.projects.CreateProject(ctx, &CreateProjectInput{Namespace: "ns", Name: "web"})
		require.NoError(t, err)

		a, err := f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Name: "db", Kind: addons.MySQL, Project: "web"})
		require.NoError(t, err)

		links, err := f.store.Projects().ListAddons(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, a.ID, links[0].AddonID)
	})
}

func TestProvisionMySQL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Name: "name", Kind: addons.MySQL, VolumeSize: 4})
	require.NoError(t, err)

	next, err := f.addons.RunProvision(ctx, a.ID, Progress{})
	require.NoError(t, err)
	require.Nil(t, next)

	a = f.addon(t, a.ID)
	require.Len(t, a.VolumeIDList(), 1)
	vol, err := f.backend.GetVolume(ctx, a.VolumeIDList()[0])
	require.NoError(t, err)
	assert.Equal(t, "name-ns-addon-var-lib-mysql", vol.Name)
	assert.Equal(t, 4, vol.Size)
	assert.Equal(t, storage.VolumeAvailable, vol.State)

	app := f.client.App(a.AppID())
	require.NotNil(t, app)
	assert.Contains(t, app.Container.Docker.Parameters,
		scheduler.Parameter{Key: "volume", Value: "name-ns-addon-var-lib-mysql:/var/lib/mysql"})
	assert.Equal(t, models.StatusStaging, a.Status)
	assert.NotEmpty(t, a.DeploymentID)
	assert.Equal(t, []string{a.DeploymentID}, f.queue.statusChecks())

	t.Run("provisioning again reuses the volume", func(t *testing.T) {
		next, err := f.addons.RunProvision(ctx, a.ID, Progress{})
		require.NoError(t, err)
		assert.Nil(t, next)
		assert.Equal(t, a.VolumeIDList(), f.addon(t, a.ID).VolumeIDList())
		assert.Equal(t, 1, f.backend.VolumeCount())
	})

	t.Run("watchdog marks the finished deployment running", func(t *testing.T) {
		f.client.Complete(a.DeploymentID)
		require.NoError(t, f.addons.CheckStatus(ctx, a.DeploymentID))
		assert.Equal(t, models.StatusRunning, f.addon(t, a.ID).Status)
	})

	t.Run("superseded deployments are ignored", func(t *testing.T) {
		require.NoError(t, f.addons.CheckStatus(ctx, "dep-unknown"))
		assert.Equal(t, models.StatusRunning, f.addon(t, a.ID).Status)
	})
}

func TestCheckStatusStuckDeploymentFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, err := f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Name: "db", Kind: addons.MySQL})
	require.NoError(t, err)
	_, err = f.addons.RunProvision(ctx, a.ID, Progress{})
	require.NoError(t, err)

	a = f.addon(t, a.ID)
	require.NoError(t, f.addons.CheckStatus(ctx, a.DeploymentID))
	assert.Equal(t, models.StatusFailed, f.addon(t, a.ID).Status)
}

func TestProvisionWaitsForDependency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	statsd, err := f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Name: "metrics", Kind: addons.Statsd})
	require.NoError(t, err)
	require.NotNil(t, statsd.DependID)
	dep := f.addon(t, *statsd.DependID)
	assert.Equal(t, addons.InfluxDB, dep.Kind)
	assert.Equal(t, models.StatusSuspend, dep.Status)

	next, err := f.addons.RunProvision(ctx, statsd.ID, Progress{})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, phaseDependency, next.Progress.Phase)
	assert.True(t, f.queue.has("provision", dep.ID))
	assert.Nil(t, f.client.App(statsd.AppID()))

	next2, err := f.addons.RunProvision(ctx, dep.ID, Progress{})
	require.NoError(t, err)
	require.Nil(t, next2)

	next, err = f.addons.RunProvision(ctx, statsd.ID, next.Progress)
	require.NoError(t, err)
	assert.Nil(t, next)
	app := f.client.App(statsd.AppID())
	require.NotNil(t, app)
	assert.Equal(t, []string{"/" + dep.AppID()}, app.Dependencies)

	t.Run("dependency that never deploys fails the addon", func(t *testing.T) {
		f := newFixture(t)
		statsd, err := f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Name: "metrics", Kind: addons.Statsd})
		require.NoError(t, err)

		next, err := f.addons.RunProvision(ctx, statsd.ID, Progress{})
		require.NoError(t, err)
		require.NotNil(t, next)

		f.now = f.now.Add(f.opts.StatusTimeout)
		next, err = f.addons.RunProvision(ctx, statsd.ID, next.Progress)
		require.NoError(t, err)
		assert.Nil(t, next)
		assert.Equal(t, models.StatusFailed, f.addon(t, statsd.ID).Status)
	})
}

func TestProvisionVolumeTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.backend.OnCreateVolume = func(storage.CreateVolumeRequest) error {
		return appErr.New(appErr.CodeUnavailable, "quota exceeded")
	}
	a, err := f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Name: "db", Kind: addons.MySQL})
	require.NoError(t, err)

	next, err := f.addons.RunProvision(ctx, a.ID, Progress{})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, f.opts.PollInterval, next.Delay)
	assert.Equal(t, 1, next.Progress.Attempt)
	assert.Equal(t, models.StatusStaging, f.addon(t, a.ID).Status)

	f.now = f.now.Add(f.opts.VolumeTimeout)
	next, err = f.addons.RunProvision(ctx, a.ID, next.Progress)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, models.StatusFailed, f.addon(t, a.ID).Status)
	assert.Nil(t, f.client.App(a.AppID()))
}

func TestProvisionRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("busy app waits a status timeout", func(t *testing.T) {
		f := newFixture(t)
		f.client.OnCreate = func(*scheduler.App) error {
			return appErr.New(appErr.CodeConflict, "app is locked by a deployment")
		}
		a, err := f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Name: "cache", Kind: addons.Memcached})
		require.NoError(t, err)

		next, err := f.addons.RunProvision(ctx, a.ID, Progress{})
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, f.opts.StatusTimeout, next.Delay)
		assert.Equal(t, 1, next.Progress.Retries)
	})

	t.Run("exhausted retries fail", func(t *testing.T) {
		f := newFixture(t)
		f.client.OnCreate = func(*scheduler.App) error {
			return appErr.New(appErr.CodeUnavailable, "marathon unreachable")
		}
		a, err := f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Name: "cache", Kind: addons.Memcached})
		require.NoError(t, err)

		p := Progress{}
		for i := 0; i < f.opts.DeployRetries; i++ {
			next, err := f.addons.RunProvision(ctx, a.ID, p)
			require.NoError(t, err)
			require.NotNil(t, next)
			assert.Zero(t, next.Delay)
			p = next.Progress
		}
		next, err := f.addons.RunProvision(ctx, a.ID, p)
		require.NoError(t, err)
		assert.Nil(t, next)
		assert.Equal(t, models.StatusFailed, f.addon(t, a.ID).Status)
	})
}

func TestSuspendAddon(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.runningAddon(t, addons.MySQL, "db", 4)

	require.NoError(t, f.addons.SuspendAddon(ctx, "ns", "db"))
	require.Len(t, f.queue.suspends, 1)
	scaled := f.addon(t, a.ID)
	assert.Equal(t, 0, f.client.App(a.AppID()).Instances)

	next, err := f.addons.RunSuspendCheck(ctx, a.ID, Progress{})
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, models.StatusSuspend, f.addon(t, a.ID).Status)

	t.Run("watchdog leaves a suspended addon alone", func(t *testing.T) {
		f.client.Complete(scaled.DeploymentID)
		require.NoError(t, f.addons.CheckStatus(ctx, scaled.DeploymentID))
		assert.Equal(t, models.StatusSuspend, f.addon(t, a.ID).Status)
	})

	t.Run("resume provisions again", func(t *testing.T) {
		before := f.queue.count()
		require.NoError(t, f.addons.ResumeAddon(ctx, "ns", "db"))
		assert.Equal(t, before+1, f.queue.count())
		assert.True(t, f.queue.has("provision", a.ID))
	})
}

func TestSuspendCheckTimesOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.runningAddon(t, addons.MySQL, "db", 4)
	require.NoError(t, f.addons.SuspendAddon(ctx, "ns", "db"))
	// a task refuses to stop
	f.client.SetTasksRunning(a.AppID(), 1)
	scaling := f.addon(t, a.ID).DeploymentID

	next, err := f.addons.RunSuspendCheck(ctx, a.ID, Progress{})
	require.NoError(t, err)
	require.NotNil(t, next)

	f.now = f.now.Add(f.opts.SuspendTimeout)
	next, err = f.addons.RunSuspendCheck(ctx, a.ID, next.Progress)
	require.NoError(t, err)
	assert.Nil(t, next)

	got := f.addon(t, a.ID)
	assert.NotEqual(t, scaling, got.DeploymentID, "the rollback deployment is tracked")
	assert.Contains(t, f.queue.statusChecks(), got.DeploymentID)
	assert.Equal(t, 1, f.client.Calls("DeleteDeployment"))
}

func TestResetAddon(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.runningAddon(t, addons.MySQL, "db", 4)
	old := a.VolumeIDList()

	require.NoError(t, f.addons.ResetAddon(ctx, "ns", "db"))
	require.True(t, f.queue.has("reset", a.ID))

	next, err := f.addons.RunReset(ctx, a.ID, Progress{})
	require.NoError(t, err)
	require.Nil(t, next)

	got := f.addon(t, a.ID)
	require.Len(t, got.VolumeIDList(), 1)
	assert.NotEqual(t, old, got.VolumeIDList())
	_, err = f.backend.GetVolume(ctx, old[0])
	assert.True(t, appErr.IsNotFound(err), "old volume is deleted")
	assert.Equal(t, models.StatusStaging, got.Status)
	assert.Equal(t, 1, f.client.App(a.AppID()).Instances)

	t.Run("attached volume is renamed instead", func(t *testing.T) {
		f := newFixture(t)
		a := f.runningAddon(t, addons.MySQL, "db", 4)
		old := a.VolumeIDList()[0]
		f.backend.SetAttached(old, true)

		next, err := f.addons.RunReset(ctx, a.ID, Progress{})
		require.NoError(t, err)
		require.NotNil(t, next, "waits for the volume to detach")
		assert.Equal(t, phaseRetire, next.Progress.Phase)

		f.now = f.now.Add(f.opts.VolumeTimeout)
		next, err = f.addons.RunReset(ctx, a.ID, next.Progress)
		require.NoError(t, err)
		require.Nil(t, next)

		vol, err := f.backend.GetVolume(ctx, old)
		require.NoError(t, err)
		assert.Equal(t, provisioner.HistoryName("db-ns-addon-var-lib-mysql", resetSuffix(f.now)), vol.Name)
		assert.NotContains(t, f.addon(t, a.ID).VolumeIDList(), old)
	})

	t.Run("each reset keeps its own history name", func(t *testing.T) {
		f := newFixture(t)
		a := f.runningAddon(t, addons.MySQL, "db", 4)

		retireAttached := func(t *testing.T) string {
			t.Helper()
			vol := f.addon(t, a.ID).VolumeIDList()[0]
			f.backend.SetAttached(vol, true)
			next, err := f.addons.RunReset(ctx, a.ID, Progress{})
			require.NoError(t, err)
			require.NotNil(t, next)
			f.now = f.now.Add(f.opts.VolumeTimeout)
			next, err = f.addons.RunReset(ctx, a.ID, next.Progress)
			require.NoError(t, err)
			require.Nil(t, next)
			got, err := f.backend.GetVolume(ctx, vol)
			require.NoError(t, err)
			return got.Name
		}

		first := retireAttached(t)
		require.NoError(t, f.store.Addons().UpdateStatus(ctx, a.ID, models.StatusRunning))
		f.now = f.now.Add(time.Hour)
		second := retireAttached(t)

		assert.NotEqual(t, first, second)
		assert.True(t, strings.HasSuffix(first, ".history"))
		assert.True(t, strings.HasSuffix(second, ".history"))
	})

	t.Run("slow scale down is polled by re-enqueueing", func(t *testing.T) {
		f := newFixture(t)
		a := f.runningAddon(t, addons.MySQL, "db", 4)
		require.NoError(t, f.store.Addons().UpdateStatus(ctx, a.ID, models.StatusResetting))
		require.Positive(t, f.client.App(a.AppID()).TasksRunning)

		next, err := f.addons.RunReset(ctx, a.ID, Progress{StartedAt: f.now, Phase: phaseStop})
		require.NoError(t, err)
		require.NotNil(t, next, "tasks are still running")
		assert.Equal(t, phaseStop, next.Progress.Phase)
		assert.Equal(t, f.opts.PollInterval, next.Delay)
		assert.Equal(t, 0, f.client.Calls("DeleteApp"))

		f.now = f.now.Add(f.opts.SuspendTimeout)
		next, err = f.addons.RunReset(ctx, a.ID, next.Progress)
		require.NoError(t, err)
		require.Nil(t, next)
		assert.Equal(t, 1, f.client.Calls("DeleteApp"), "the app is deleted once the suspend timeout passes")
		assert.Equal(t, models.StatusStaging, f.addon(t, a.ID).Status)
	})

	t.Run("busy addons cannot reset", func(t *testing.T) {
		f := newFixture(t)
		a := f.runningAddon(t, addons.MySQL, "db", 4)
		require.NoError(t, f.store.Addons().UpdateStatus(ctx, a.ID, models.StatusRestoring))
		assert.True(t, appErr.IsConflict(f.addons.ResetAddon(ctx, "ns", "db")))
	})
}

func TestRestoreSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("swaps volumes and redeploys", func(t *testing.T) {
		f := newFixture(t)
		a := f.runningAddon(t, addons.MySQL, "db", 4)
		old := a.VolumeIDList()
		require.NoError(t, f.addons.RunSnapshot(ctx, a.ID, "before upgrade"))

		require.NoError(t, f.addons.RestoreSnapshot(ctx, "ns", "db", 1))
		require.True(t, f.queue.has("restore", a.ID, 1))

		next, err := f.addons.RunRestore(ctx, a.ID, 1, Progress{})
		require.NoError(t, err)
		require.Nil(t, next)

		got := f.addon(t, a.ID)
		require.Len(t, got.VolumeIDList(), 1)
		assert.NotEqual(t, old, got.VolumeIDList())
		assert.Equal(t, models.StatusRestoring, got.Status)

		restored, err := f.backend.GetVolume(ctx, got.VolumeIDList()[0])
		require.NoError(t, err)
		assert.Equal(t, "db-ns-addon-var-lib-mysql", restored.Name)
		displaced, err := f.backend.GetVolume(ctx, old[0])
		require.NoError(t, err)
		assert.Equal(t, provisioner.HistoryName("db-ns-addon-var-lib-mysql", "s1"), displaced.Name)

		snap, err := f.store.Snapshots().GetByShortID(ctx, a.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, old, snap.VolumeIDList(), "the snapshot owns the displaced volumes")

		f.client.Complete(got.DeploymentID)
		require.NoError(t, f.addons.CheckStatus(ctx, got.DeploymentID))
		assert.Equal(t, models.StatusRunning, f.addon(t, a.ID).Status)
	})

	t.Run("is all or nothing", func(t *testing.T) {
		f := newFixture(t)
		a := f.runningAddon(t, addons.MySQL, "db", 4)
		old := a.VolumeIDList()
		require.NoError(t, f.addons.RunSnapshot(ctx, a.ID, ""))
		f.backend.OnCreateVolume = func(req storage.CreateVolumeRequest) error {
			if req.SnapshotID != "" {
				return appErr.New(appErr.CodeUnavailable, "backend busy")
			}
			return nil
		}

		next, err := f.addons.RunRestore(ctx, a.ID, 1, Progress{})
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, phaseRestore, next.Progress.Phase)
		assert.Equal(t, old, f.addon(t, a.ID).VolumeIDList())

		f.now = f.now.Add(f.opts.VolumeTimeout)
		next, err = f.addons.RunRestore(ctx, a.ID, 1, next.Progress)
		require.NoError(t, err)
		assert.Nil(t, next)

		got := f.addon(t, a.ID)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, old, got.VolumeIDList())
		assert.Nil(t, f.client.App(a.AppID()))
	})

	t.Run("unknown snapshot", func(t *testing.T) {
		f := newFixture(t)
		f.runningAddon(t, addons.MySQL, "db", 4)
		assert.True(t, appErr.IsNotFound(f.addons.RestoreSnapshot(ctx, "ns", "db", 9)))
	})

	t.Run("addons without storage have no snapshots", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Name: "cache", Kind: addons.Memcached})
		require.NoError(t, err)
		err = f.addons.CreateSnapshot(ctx, "ns", "cache", "")
		assert.Equal(t, appErr.CodeUnsupported, appErr.CodeOf(err))
	})
}

func TestRunSnapshotPrunes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.runningAddon(t, addons.MySQL, "db", 4)
	_, err := f.addons.ScaleAddon(ctx, "ns", "db", &ScaleAddonInput{BackupKeep: intPtr(2)})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.addons.RunSnapshot(ctx, a.ID, "daily backup"))
	}

	snaps, err := f.addons.ListSnapshots(ctx, "ns", "db")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, 2, snaps[0].ShortID)
	assert.Equal(t, 3, snaps[1].ShortID)
	assert.Equal(t, 2, f.backend.SnapshotCount())

	t.Run("destroying twice is harmless", func(t *testing.T) {
		require.NoError(t, f.addons.DestroySnapshot(ctx, "ns", "db", 2))
		require.NoError(t, f.addons.RunDestroySnapshot(ctx, a.ID, 2))
		require.NoError(t, f.addons.RunDestroySnapshot(ctx, a.ID, 2))
		assert.Equal(t, 1, f.backend.SnapshotCount())
	})
}

func TestDestroyAddon(t *testing.T) {
	ctx := context.Background()

	t.Run("removes the app and keeps volumes until reclaimed", func(t *testing.T) {
		f := newFixture(t)
		a := f.runningAddon(t, addons.MySQL, "db", 4)

		require.NoError(t, f.addons.DestroyAddon(ctx, "ns", "db"))
		assert.Nil(t, f.client.App(a.AppID()))
		_, err := f.addons.GetAddon(ctx, "ns", "db")
		assert.True(t, appErr.IsNotFound(err))
		assert.Equal(t, 1, f.backend.VolumeCount())

		require.NoError(t, f.addons.ReclaimVolumes(ctx, a.ID))
		assert.Equal(t, 0, f.backend.VolumeCount())
		gone, err := f.store.Addons().GetByIDWithDeleted(ctx, a.ID)
		require.NoError(t, err)
		assert.Empty(t, gone.VolumeIDList())

		err = f.addons.UndeleteAddon(ctx, "ns", "db")
		assert.True(t, appErr.IsNotFound(err), "reclaimed addons cannot come back")
	})

	t.Run("undelete before reclaim", func(t *testing.T) {
		f := newFixture(t)
		a := f.runningAddon(t, addons.MySQL, "db", 4)
		require.NoError(t, f.addons.DestroyAddon(ctx, "ns", "db"))

		require.NoError(t, f.addons.UndeleteAddon(ctx, "ns", "db"))
		assert.True(t, f.queue.has("provision", a.ID))

		require.NoError(t, f.addons.ReclaimVolumes(ctx, a.ID))
		assert.Equal(t, 1, f.backend.VolumeCount(), "live addons keep their volumes")
	})

	t.Run("failed deletes keep their references", func(t *testing.T) {
		f := newFixture(t)
		a := f.runningAddon(t, addons.MySQL, "db", 4)
		require.NoError(t, f.addons.DestroyAddon(ctx, "ns", "db"))
		f.backend.SetAttached(a.VolumeIDList()[0], true)

		require.Error(t, f.addons.ReclaimVolumes(ctx, a.ID))
		gone, err := f.store.Addons().GetByIDWithDeleted(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a.VolumeIDList(), gone.VolumeIDList())
	})

	t.Run("dependency goes with its last dependent", func(t *testing.T) {
		f := newFixture(t)
		statsd, err := f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Name: "metrics", Kind: addons.Statsd})
		require.NoError(t, err)
		dep := f.addon(t, *statsd.DependID)

		assert.True(t, appErr.IsConflict(f.addons.DestroyAddon(ctx, "ns", dep.Name)))

		require.NoError(t, f.addons.DestroyAddon(ctx, "ns", "metrics"))
		_, err = f.addons.GetAddon(ctx, "ns", dep.Name)
		assert.True(t, appErr.IsNotFound(err))
	})
}

func TestPlanBackups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.runningAddon(t, addons.MySQL, "db", 4)
	_, err := f.addons.ScaleAddon(ctx, "ns", "db", &ScaleAddonInput{
		BackupEnabled: func() *bool { b := true; return &b }(),
		BackupHour:    intPtr(3),
		BackupMinute:  intPtr(15),
	})
	require.NoError(t, err)
	// enabled but nothing to copy yet
	_, err = f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Name: "empty", Kind: addons.MySQL, BackupEnabled: true, Down: true})
	require.NoError(t, err)

	loc := time.FixedZone("CET", 3600)
	f.addons.opts.Location = loc

	plans, err := f.addons.PlanBackups(ctx, time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, a.ID, plans[0].AddonID)
	assert.Equal(t, time.Date(2024, 3, 2, 3, 15, 0, 0, loc), plans[0].At, "the day is read in the backup zone")
}

func TestAddonRecover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resetting := f.runningAddon(t, addons.MySQL, "one", 4)
	require.NoError(t, f.store.Addons().UpdateStatus(ctx, resetting.ID, models.StatusResetting))

	staging, err := f.addons.CreateAddon(ctx, &CreateAddonInput{Namespace: "ns", Name: "two", Kind: addons.Redis})
	require.NoError(t, err)

	restoring := f.runningAddon(t, addons.MySQL, "three", 4)
	require.NoError(t, f.store.Addons().UpdateStatus(ctx, restoring.ID, models.StatusRestoring))

	n, err := f.addons.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, f.queue.has("reset", resetting.ID))
	assert.True(t, f.queue.has("provision", staging.ID))
	assert.Equal(t, models.StatusFailed, f.addon(t, restoring.ID).Status)
}
