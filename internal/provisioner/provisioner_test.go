package provisioner

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hubot-paas/orchestrator/internal/addons"
	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/repository/repotest"
	"github.com/hubot-paas/orchestrator/internal/storage"
	"github.com/hubot-paas/orchestrator/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init("info", "json")
	os.Exit(m.Run())
}

type fixture struct {
	store     *repotest.Store
	backend   *storage.Memory
	volumes   *VolumeManager
	snapshots *SnapshotManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repotest.NewStore()
	backend := storage.NewMemory()
	volumes := NewVolumeManager(backend, time.Millisecond)
	return &fixture{
		store:     store,
		backend:   backend,
		volumes:   volumes,
		snapshots: NewSnapshotManager(volumes, store.Snapshots()),
	}
}

// mysqlAddon stores a running mysql addon with its volume created.
func (f *fixture) mysqlAddon(t *testing.T) *models.Addon {
	t.Helper()
	ctx := context.Background()
	a := &models.Addon{
		Name:       "db",
		Namespace:  "ns",
		Kind:       addons.MySQL,
		Version:    "5.6",
		Status:     models.StatusRunning,
		CPUs:       0.5,
		Mem:        512,
		Instances:  1,
		VolumeSize: 10,
	}
	require.NoError(t, f.store.Addons().Create(ctx, a))
	ids, err := f.volumes.EnsureVolumes(ctx, []VolumeSpec{{Name: a.VolumeName("/var/lib/mysql"), Size: a.VolumeSize}})
	require.NoError(t, err)
	require.NoError(t, f.store.Addons().SaveVolumeIDs(ctx, a.ID, ids))
	a.SetVolumeIDList(ids)
	return a
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *models.Addon {
	t.Helper()
	var a models.Addon
	require.NoError(t, f.store.Addons().GetByID(context.Background(), id, &a))
	return &a
}

// recordingFollowups captures scheduled checks.
type recordingFollowups struct {
	mu       sync.Mutex
	statuses []string
	suspends []uuid.UUID
	delays   []time.Duration
}

func (r *recordingFollowups) ScheduleStatusCheck(ctx context.Context, kind models.ResourceKind, deploymentID string, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, deploymentID)
	r.delays = append(r.delays, delay)
	return nil
}

func (r *recordingFollowups) ScheduleSuspendCheck(ctx context.Context, kind models.ResourceKind, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspends = append(r.suspends, id)
	return nil
}
