package models

import (
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/hubot-paas/orchestrator/pkg/errors"
)

func TestTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusStaging, StatusRunning},
		{StatusRunning, StatusRestoring},
		{StatusRestoring, StatusRunning},
		{StatusRestoring, StatusFailed},
		{StatusRunning, StatusResetting},
		{StatusResetting, StatusStaging},
		{StatusRunning, StatusSuspend},
		{StatusSuspend, StatusRunning},
		{StatusFailed, StatusStaging},
		{StatusFinished, StatusStaging},
		{StatusRunning, StatusRunning},
	}
	for _, tc := range allowed {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			require.NoError(t, Transition(tc.from, tc.to))
		})
	}

	rejected := []struct{ from, to Status }{
		{StatusFinished, StatusRunning},
		{StatusResetting, StatusRunning},
		{StatusRestoring, StatusSuspend},
		{StatusBuilding, StatusRunning},
	}
	for _, tc := range rejected {
		t.Run(string(tc.from)+"-x->"+string(tc.to), func(t *testing.T) {
			err := Transition(tc.from, tc.to)
			require.Error(t, err)
			require.True(t, apperrors.IsConflict(err))
		})
	}

	t.Run("unknown target is invalid", func(t *testing.T) {
		require.True(t, apperrors.IsCode(Transition(StatusRunning, "Exploded"), apperrors.CodeInvalid))
	})
}

func TestEveryNonTerminalCanFail(t *testing.T) {
	for s := range transitions {
		if s.Terminal() {
			continue
		}
		require.True(t, CanTransition(s, StatusFailed), s)
	}
}

func TestNaming(t *testing.T) {
	a := &Addon{Name: "orders", Namespace: "acme"}
	require.Equal(t, "orders-acme-addon", a.Slug())
	require.Equal(t, "orders-acme-addon.weave.local", a.Host())

	p := &Project{Name: "shop", Namespace: "acme"}
	r := &Release{Project: p}
	require.Equal(t, "shop-acme", r.AppID())
	require.Equal(t, "shop-acme.hubot.local", p.VHost("hubot.local"))
	p.Domain = "shop.example.com"
	require.Equal(t, "shop.example.com,shop-acme.hubot.local", p.VHost("hubot.local"))

	require.Equal(t, "orders-acme-addon-var-lib-mysql-snapshot-s3", SnapshotName("orders-acme-addon-var-lib-mysql", 3))
}

func TestAddonVolumeIDs(t *testing.T) {
	a := &Addon{}
	require.False(t, a.HasVolumes())
	a.SetVolumeIDList([]string{"v1", "v2", "v1"})
	require.Equal(t, "v1,v2", a.VolumeIDs)
	require.Equal(t, []string{"v1", "v2"}, a.VolumeIDList())
}
