package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubot-paas/orchestrator/internal/addons"
	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/scheduler"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

// deployed creates a release of project web and rolls it out.
func (f *fixture) deployed(t *testing.T, tag string) *models.Release {
	t.Helper()
	ctx := context.Background()
	rel, err := f.releases.CreateRelease(ctx, &CreateReleaseInput{Namespace: "ns", Project: "web", Tag: tag, Deploy: true})
	require.NoError(t, err)
	require.True(t, f.queue.has("deploy", rel.ID, false))

	next, err := f.releases.RunDeploy(ctx, rel.ID, false, Progress{})
	require.NoError(t, err)
	require.Nil(t, next)
	return f.release(t, rel.ID)
}

func newProjectFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	_, err := f.projects.CreateProject(context.Background(), &CreateProjectInput{Namespace: "ns", Name: "web", Configs: map[string]string{"MODE": "prod"}})
	require.NoError(t, err)
	return f
}

func TestReleaseDeploy(t *testing.T) {
	ctx := context.Background()
	f := newProjectFixture(t)

	v1 := f.deployed(t, "v1")
	assert.Equal(t, models.StatusStaging, v1.Status)
	app := f.client.App(v1.AppID())
	require.NotNil(t, app)
	assert.Equal(t, "v1", app.Env["APP_VERSION"])
	assert.Equal(t, "prod", app.Env["MODE"])

	f.client.Complete(v1.DeploymentID)
	require.NoError(t, f.releases.CheckStatus(ctx, v1.DeploymentID))
	assert.Equal(t, models.StatusRunning, f.release(t, v1.ID).Status)

	t.Run("next release finishes the previous one", func(t *testing.T) {
		v2 := f.deployed(t, "v2")
		assert.Equal(t, "v2", f.client.App(v2.AppID()).Env["APP_VERSION"])

		f.client.Complete(v2.DeploymentID)
		require.NoError(t, f.releases.CheckStatus(ctx, v2.DeploymentID))
		assert.Equal(t, models.StatusRunning, f.release(t, v2.ID).Status)
		assert.Equal(t, models.StatusFinished, f.release(t, v1.ID).Status)
	})

	t.Run("releases are listed per project", func(t *testing.T) {
		list, err := f.releases.ListReleases(ctx, "ns", "web")
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})
}

func TestReleaseMatchingRunningSpec(t *testing.T) {
	ctx := context.Background()
	f := newProjectFixture(t)

	v1 := f.deployed(t, "v1")
	f.client.Complete(v1.DeploymentID)
	require.NoError(t, f.releases.CheckStatus(ctx, v1.DeploymentID))

	running := func(t *testing.T) []string {
		t.Helper()
		list, err := f.releases.ListReleases(ctx, "ns", "web")
		require.NoError(t, err)
		var ids []string
		for _, r := range list {
			if r.Status == models.StatusRunning {
				ids = append(ids, r.ID.String())
			}
		}
		return ids
	}

	same := f.deployed(t, "v1")
	assert.Equal(t, models.StatusRunning, same.Status, "a no-op deploy settles instead of staying Building")
	assert.Empty(t, same.DeploymentID)
	assert.Equal(t, models.StatusFinished, f.release(t, v1.ID).Status)
	assert.Equal(t, []string{same.ID.String()}, running(t))

	t.Run("failed release redeployed with the running spec", func(t *testing.T) {
		retry, err := f.releases.CreateRelease(ctx, &CreateReleaseInput{Namespace: "ns", Project: "web", Tag: "v1"})
		require.NoError(t, err)
		require.NoError(t, f.store.Releases().UpdateStatus(ctx, retry.ID, models.StatusFailed))

		require.NoError(t, f.releases.DeployRelease(ctx, retry.ID, false))
		next, err := f.releases.RunDeploy(ctx, retry.ID, false, Progress{})
		require.NoError(t, err)
		require.Nil(t, next)

		assert.Equal(t, models.StatusRunning, f.release(t, retry.ID).Status)
		assert.Equal(t, models.StatusFinished, f.release(t, same.ID).Status)
		assert.Equal(t, []string{retry.ID.String()}, running(t))
		assert.Equal(t, 1, f.client.Calls("CreateApp"))
		assert.Equal(t, 0, f.client.Calls("UpdateApp"))
	})
}

func TestReleaseBuildingWaits(t *testing.T) {
	ctx := context.Background()
	f := newProjectFixture(t)

	rel, err := f.releases.CreateRelease(ctx, &CreateReleaseInput{Namespace: "ns", Project: "web", Tag: "v1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusBuilding, rel.Status)
	assert.Equal(t, 0, f.queue.count())

	require.NoError(t, f.releases.DeployRelease(ctx, rel.ID, true))
	assert.True(t, f.queue.has("deploy", rel.ID, true))

	_, err = f.releases.CreateRelease(ctx, &CreateReleaseInput{Namespace: "ns", Project: "nope", Tag: "v1"})
	assert.True(t, appErr.IsNotFound(err))
	_, err = f.releases.CreateRelease(ctx, &CreateReleaseInput{Namespace: "ns", Project: "web"})
	assert.Equal(t, appErr.CodeInvalid, appErr.CodeOf(err))
}

func TestReleaseStuckDeploymentRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newProjectFixture(t)

	v1 := f.deployed(t, "v1")
	f.client.Complete(v1.DeploymentID)
	require.NoError(t, f.releases.CheckStatus(ctx, v1.DeploymentID))

	v2 := f.deployed(t, "v2")
	require.NoError(t, f.releases.CheckStatus(ctx, v2.DeploymentID))

	assert.Equal(t, models.StatusFailed, f.release(t, v2.ID).Status)
	restored := f.release(t, v1.ID)
	assert.Equal(t, models.StatusRunning, restored.Status)
	assert.NotEqual(t, v1.DeploymentID, restored.DeploymentID, "the rollback deployment is tracked on the running release")
	assert.Contains(t, f.queue.statusChecks(), restored.DeploymentID)
	assert.Equal(t, 1, f.client.Calls("DeleteDeployment"))

	t.Run("rolling back a finished deployment is a no-op", func(t *testing.T) {
		require.NoError(t, f.releases.Rollback(ctx, v1.ID))
		assert.Equal(t, 2, f.client.Calls("DeleteDeployment"))
		assert.Equal(t, restored.DeploymentID, f.release(t, v1.ID).DeploymentID)
		assert.Equal(t, models.StatusRunning, f.release(t, v1.ID).Status)
	})
}

func TestReleaseRollbackWithoutRunning(t *testing.T) {
	ctx := context.Background()
	f := newProjectFixture(t)
	v1 := f.deployed(t, "v1")

	require.NoError(t, f.releases.Rollback(ctx, v1.ID))
	assert.Equal(t, 1, f.client.Calls("DeleteDeployment"))
	assert.Equal(t, models.StatusStaging, f.release(t, v1.ID).Status)
}

func TestReleaseDeployRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("busy app waits a status timeout", func(t *testing.T) {
		f := newProjectFixture(t)
		f.client.OnCreate = func(*scheduler.App) error {
			return appErr.New(appErr.CodeConflict, "app is locked by a deployment")
		}
		rel, err := f.releases.CreateRelease(ctx, &CreateReleaseInput{Namespace: "ns", Project: "web", Tag: "v1"})
		require.NoError(t, err)

		next, err := f.releases.RunDeploy(ctx, rel.ID, false, Progress{})
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, f.opts.StatusTimeout, next.Delay)
		assert.Equal(t, 1, next.Progress.Retries)
	})

	t.Run("exhausted retries fail", func(t *testing.T) {
		f := newProjectFixture(t)
		f.client.OnCreate = func(*scheduler.App) error {
			return appErr.New(appErr.CodeUnavailable, "marathon unreachable")
		}
		rel, err := f.releases.CreateRelease(ctx, &CreateReleaseInput{Namespace: "ns", Project: "web", Tag: "v1"})
		require.NoError(t, err)

		p := Progress{Retries: f.opts.DeployRetries}
		next, err := f.releases.RunDeploy(ctx, rel.ID, false, p)
		require.NoError(t, err)
		assert.Nil(t, next)
		assert.Equal(t, models.StatusFailed, f.release(t, rel.ID).Status)
	})
}

func TestReleaseWithAttachedAddon(t *testing.T) {
	ctx := context.Background()
	f := newProjectFixture(t)
	db := f.runningAddon(t, addons.MySQL, "db", 4)

	v1 := f.deployed(t, "v1")
	f.client.Complete(v1.DeploymentID)
	require.NoError(t, f.releases.CheckStatus(ctx, v1.DeploymentID))

	before := f.queue.count()
	_, err := f.projects.AttachAddon(ctx, "ns", "web", "db", "")
	require.NoError(t, err)
	assert.Equal(t, before+1, f.queue.count())
	assert.True(t, f.queue.has("deploy", v1.ID, false), "attaching redeploys the running release")

	next, err := f.releases.RunDeploy(ctx, v1.ID, false, Progress{})
	require.NoError(t, err)
	require.Nil(t, next)
	env := f.client.App(v1.AppID()).Env
	assert.Contains(t, env["DATABASE_URL"], db.Host())

	require.NoError(t, f.projects.DetachAddon(ctx, "ns", "web", "db"))
	links, err := f.store.Projects().ListAddons(ctx, v1.ProjectID)
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestSuspendRelease(t *testing.T) {
	ctx := context.Background()
	f := newProjectFixture(t)
	v1 := f.deployed(t, "v1")
	f.client.Complete(v1.DeploymentID)
	require.NoError(t, f.releases.CheckStatus(ctx, v1.DeploymentID))

	require.NoError(t, f.releases.SuspendRelease(ctx, "ns", "web"))
	assert.Equal(t, 0, f.client.App(v1.AppID()).Instances)

	next, err := f.releases.RunSuspendCheck(ctx, v1.ID, Progress{})
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, models.StatusSuspend, f.release(t, v1.ID).Status)

	t.Run("nothing running to suspend", func(t *testing.T) {
		assert.True(t, appErr.IsNotFound(f.releases.SuspendRelease(ctx, "ns", "web")))
	})
}

func TestReleaseRecover(t *testing.T) {
	ctx := context.Background()
	f := newProjectFixture(t)

	rel, err := f.releases.CreateRelease(ctx, &CreateReleaseInput{Namespace: "ns", Project: "web", Tag: "v1"})
	require.NoError(t, err)
	require.NoError(t, f.store.Releases().UpdateStatus(ctx, rel.ID, models.StatusStaging))
	inflight := f.deployed(t, "v2")
	require.Equal(t, models.StatusStaging, inflight.Status)

	n, err := f.releases.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, f.queue.has("deploy", rel.ID, false))
}
