package provisioner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/provisioner/compiler"
	"github.com/hubot-paas/orchestrator/internal/scheduler/schedulertest"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

func newReconciler(f *fixture, client *schedulertest.Fake, follow Followups) *Reconciler {
	comp := compiler.NewCompiler(compiler.Options{Domain: "hubot.local", MinHealthCapacity: 0.6})
	return NewReconciler(client, comp, f.store.Addons(), f.store.Releases(), follow, Options{
		StatusTimeout:  time.Minute,
		SuspendTimeout: time.Second,
		PollInterval:   time.Millisecond,
	})
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a missing app and tracks its deployment", func(t *testing.T) {
		f := newFixture(t)
		client := schedulertest.New()
		follow := &recordingFollowups{}
		r := newReconciler(f, client, follow)
		a := f.mysqlAddon(t)

		out, err := r.Reconcile(ctx, a, compiler.Input{}, false)
		require.NoError(t, err)
		assert.Equal(t, ActionCreate, out.Action)
		assert.Equal(t, models.StatusStaging, out.Status)

		got := f.reload(t, a.ID)
		assert.Equal(t, models.StatusStaging, got.Status)
		assert.Equal(t, out.State.DeploymentID, got.DeploymentID)
		assert.Equal(t, out.State.SchedulerVersion, got.SchedulerVersion)
		assert.Equal(t, []string{out.State.DeploymentID}, follow.statuses)
		assert.Equal(t, []time.Duration{time.Minute}, follow.delays)
		require.NotNil(t, client.App(a.AppID()))
	})

	t.Run("unchanged and settled is a no-op", func(t *testing.T) {
		f := newFixture(t)
		client := schedulertest.New()
		follow := &recordingFollowups{}
		r := newReconciler(f, client, follow)
		a := f.mysqlAddon(t)

		out, err := r.Reconcile(ctx, a, compiler.Input{}, false)
		require.NoError(t, err)
		client.Complete(out.State.DeploymentID)

		again, err := r.Reconcile(ctx, f.reload(t, a.ID), compiler.Input{}, false)
		require.NoError(t, err)
		assert.Equal(t, ActionNoop, again.Action)
		assert.Equal(t, models.StatusRunning, again.Status)
		assert.Equal(t, 0, client.Calls("UpdateApp"))
		assert.Len(t, follow.statuses, 1)
	})

	t.Run("unchanged while deploying keeps tracking", func(t *testing.T) {
		f := newFixture(t)
		client := schedulertest.New()
		follow := &recordingFollowups{}
		r := newReconciler(f, client, follow)
		a := f.mysqlAddon(t)

		out, err := r.Reconcile(ctx, a, compiler.Input{}, false)
		require.NoError(t, err)
		again, err := r.Reconcile(ctx, f.reload(t, a.ID), compiler.Input{}, false)
		require.NoError(t, err)
		assert.Equal(t, ActionNoop, again.Action)
		assert.Equal(t, out.State.DeploymentID, again.State.DeploymentID)
		assert.Equal(t, models.StatusStaging, again.Status)
		assert.Len(t, follow.statuses, 1)
	})

	t.Run("changed spec updates", func(t *testing.T) {
		f := newFixture(t)
		client := schedulertest.New()
		r := newReconciler(f, client, nil)
		a := f.mysqlAddon(t)

		out, err := r.Reconcile(ctx, a, compiler.Input{}, false)
		require.NoError(t, err)
		client.Complete(out.State.DeploymentID)

		a = f.reload(t, a.ID)
		a.Mem = 1024
		upd, err := r.Reconcile(ctx, a, compiler.Input{}, false)
		require.NoError(t, err)
		assert.Equal(t, ActionUpdate, upd.Action)
		assert.NotEqual(t, out.State.DeploymentID, upd.State.DeploymentID)
		assert.Equal(t, float64(1024), client.App(a.AppID()).Mem)
	})

	t.Run("busy app needs force", func(t *testing.T) {
		f := newFixture(t)
		client := schedulertest.New()
		client.RejectBusy = true
		r := newReconciler(f, client, nil)
		a := f.mysqlAddon(t)

		_, err := r.Reconcile(ctx, a, compiler.Input{}, false)
		require.NoError(t, err)
		a = f.reload(t, a.ID)
		a.CPUs = 2

		_, err = r.Reconcile(ctx, a, compiler.Input{}, false)
		assert.True(t, appErr.IsConflict(err))

		out, err := r.Reconcile(ctx, a, compiler.Input{}, true)
		require.NoError(t, err)
		assert.Equal(t, ActionUpdate, out.Action)
	})

	t.Run("restoring keeps its status", func(t *testing.T) {
		f := newFixture(t)
		client := schedulertest.New()
		r := newReconciler(f, client, nil)
		a := f.mysqlAddon(t)
		require.NoError(t, f.store.Addons().UpdateStatus(ctx, a.ID, models.StatusRestoring))

		out, err := r.Reconcile(ctx, f.reload(t, a.ID), compiler.Input{}, false)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRestoring, out.Status)
		assert.Equal(t, models.StatusRestoring, f.reload(t, a.ID).Status)
		assert.True(t, f.reload(t, a.ID).InFlight())
	})
}

func TestSuspend(t *testing.T) {
	ctx := context.Background()

	t.Run("async schedules a suspend check", func(t *testing.T) {
		f := newFixture(t)
		client := schedulertest.New()
		follow := &recordingFollowups{}
		r := newReconciler(f, client, follow)
		a := f.mysqlAddon(t)
		out, err := r.Reconcile(ctx, a, compiler.Input{}, false)
		require.NoError(t, err)
		client.Complete(out.State.DeploymentID)

		sus, err := r.Suspend(ctx, f.reload(t, a.ID), false)
		require.NoError(t, err)
		assert.Equal(t, ActionScale, sus.Action)
		require.Len(t, follow.suspends, 1)
		assert.Equal(t, a.ID, follow.suspends[0])
		assert.Equal(t, 0, client.App(a.AppID()).Instances)

		done, err := r.ScaledDown(ctx, a.AppID())
		require.NoError(t, err)
		assert.True(t, done)
	})

	t.Run("sync waits for zero tasks", func(t *testing.T) {
		f := newFixture(t)
		client := schedulertest.New()
		client.AutoComplete = true
		r := newReconciler(f, client, nil)
		a := f.mysqlAddon(t)
		_, err := r.Reconcile(ctx, a, compiler.Input{}, false)
		require.NoError(t, err)

		sus, err := r.Suspend(ctx, f.reload(t, a.ID), true)
		require.NoError(t, err)
		assert.Equal(t, ActionScale, sus.Action)
		assert.NotNil(t, client.App(a.AppID()))
	})

	t.Run("scale down neither waits nor schedules", func(t *testing.T) {
		f := newFixture(t)
		client := schedulertest.New()
		follow := &recordingFollowups{}
		r := newReconciler(f, client, follow)
		a := f.mysqlAddon(t)
		out, err := r.Reconcile(ctx, a, compiler.Input{}, false)
		require.NoError(t, err)
		client.Complete(out.State.DeploymentID)

		down, err := r.ScaleDown(ctx, f.reload(t, a.ID))
		require.NoError(t, err)
		assert.Equal(t, ActionScale, down.Action)
		assert.Empty(t, follow.suspends)
		assert.Equal(t, down.State.DeploymentID, f.reload(t, a.ID).DeploymentID)

		gone, err := r.ScaleDown(ctx, &models.Addon{Name: "ghost", Namespace: "ns", Kind: a.Kind})
		require.NoError(t, err)
		assert.Equal(t, ActionNone, gone.Action)
	})

	t.Run("missing app is already suspended", func(t *testing.T) {
		f := newFixture(t)
		r := newReconciler(f, schedulertest.New(), nil)
		sus, err := r.Suspend(ctx, f.mysqlAddon(t), true)
		require.NoError(t, err)
		assert.Equal(t, ActionNone, sus.Action)
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := schedulertest.New()
	client.RejectBusy = true
	r := newReconciler(f, client, nil)
	a := f.mysqlAddon(t)
	_, err := r.Reconcile(ctx, a, compiler.Input{}, false)
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, a, true))
	assert.Nil(t, client.App(a.AppID()))
	require.NoError(t, r.Delete(ctx, a, true))
}

func TestDeploymentListed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := schedulertest.New()
	r := newReconciler(f, client, nil)
	a := f.mysqlAddon(t)

	out, err := r.Reconcile(ctx, a, compiler.Input{}, false)
	require.NoError(t, err)

	listed, err := r.DeploymentListed(ctx, out.State.DeploymentID)
	require.NoError(t, err)
	assert.True(t, listed)

	client.Complete(out.State.DeploymentID)
	listed, err = r.DeploymentListed(ctx, out.State.DeploymentID)
	require.NoError(t, err)
	assert.False(t, listed)
}

func TestSameSpec(t *testing.T) {
	f := newFixture(t)
	comp := compiler.NewCompiler(compiler.Options{})
	want, err := comp.Compile(f.mysqlAddon(t), compiler.Input{})
	require.NoError(t, err)

	got := *want
	got.Version = "2016-01-01T00:00:00.000Z"
	got.TasksRunning = 1
	got.Env = map[string]string{}
	for k, v := range want.Env {
		got.Env[k] = v
	}
	assert.True(t, SameSpec(want, &got))

	got.Instances = 2
	assert.False(t, SameSpec(want, &got))
}
