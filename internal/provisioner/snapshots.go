package provisioner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/hubot-paas/orchestrator/internal/addons"
	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/repository"
	"github.com/hubot-paas/orchestrator/internal/storage"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
	"github.com/hubot-paas/orchestrator/pkg/logger"
)

const snapshotMarker = "-snapshot-s"

// SnapshotManager copies an addon's volumes into backend snapshots and
// rebuilds volumes from them.
type SnapshotManager struct {
	volumes *VolumeManager
	repo    repository.SnapshotRepository
	now     func() time.Time
	log     *zap.Logger
}

func NewSnapshotManager(volumes *VolumeManager, repo repository.SnapshotRepository) *SnapshotManager {
	return &SnapshotManager{volumes: volumes, repo: repo, now: time.Now, log: logger.Named("snapshots")}
}

func snapshotDescription(at time.Time, description string) string {
	d := fmt.Sprintf("snapshot at %s", at.UTC().Format(time.RFC3339))
	if description != "" {
		d = fmt.Sprintf("%s for %s", d, description)
	}
	return d
}

// RestoreVolumeName is the volume name a snapshot was taken from.
func RestoreVolumeName(snapshotName string) string {
	if i := strings.Index(snapshotName, snapshotMarker); i >= 0 {
		return snapshotName[:i]
	}
	return snapshotName
}

// Create records the next snapshot of a and snapshots each of its live
// volumes under that short id. Volumes that fail are logged and reported;
// the record keeps what succeeded. A snapshot with no backend copies at all
// is removed again, its short id stays used.
func (m *SnapshotManager) Create(ctx context.Context, a *models.Addon, description string) (*models.Snapshot, error) {
	kind, err := addons.Lookup(a.Kind)
	if err != nil {
		return nil, err
	}
	if !kind.HasStorage() {
		return nil, appErr.Newf(appErr.CodeUnsupported, "%s addons have no volumes to snapshot", a.Kind)
	}
	rec, err := m.repo.CreateNext(ctx, a.ID, description)
	if err != nil {
		return nil, err
	}

	desc := snapshotDescription(m.now(), description)
	live := sets.New(a.VolumeIDList()...)
	var ids []string
	failed := map[string]error{}
	for _, v := range kind.Volumes(a) {
		vol, err := m.liveVolume(ctx, v.Name, live)
		if err != nil {
			m.log.Warn("snapshot source lookup failed", zap.String("volume", v.Name), zap.Error(err))
			failed[v.Name] = err
			continue
		}
		var snap *storage.Snapshot
		err = m.volumes.call("create_snapshot", func() error {
			var err error
			snap, err = m.volumes.backend.CreateSnapshot(ctx, vol.ID, models.SnapshotName(vol.Name, rec.ShortID), desc)
			return err
		})
		if err != nil {
			m.log.Warn("create snapshot failed", zap.String("volume", v.Name), zap.Error(err))
			failed[v.Name] = err
			continue
		}
		ids = append(ids, snap.ID)
	}

	if len(ids) == 0 {
		if err := m.repo.Delete(ctx, rec.ID); err != nil {
			m.log.Error("remove empty snapshot record failed", zap.String("snapshot", rec.ID.String()), zap.Error(err))
		}
		return nil, appErr.Wrap(batchError("create snapshot", failed), appErr.CodeUnavailable,
			fmt.Sprintf("no volume of %s could be snapshotted", a.Slug()))
	}
	rec.SetSnapshotIDList(ids)
	if err := m.repo.SaveIDs(ctx, rec.ID, ids, nil); err != nil {
		return nil, err
	}
	m.log.Info("snapshot created",
		zap.String("addon", a.Slug()),
		zap.Int("short_id", rec.ShortID),
		zap.Strings("snapshot_ids", ids),
	)
	return rec, batchError("create snapshot", failed)
}

// liveVolume picks the volume named name, preferring one the addon
// references.
func (m *SnapshotManager) liveVolume(ctx context.Context, name string, live sets.Set[string]) (*storage.Volume, error) {
	vols, err := m.volumes.list(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(vols) == 0 {
		return nil, appErr.Newf(appErr.CodeNotFound, "volume %s not found", name)
	}
	for i := range vols {
		if live.Has(vols[i].ID) {
			return &vols[i], nil
		}
	}
	return &vols[0], nil
}

// Prune destroys the oldest snapshots beyond keep and returns their short ids.
func (m *SnapshotManager) Prune(ctx context.Context, a *models.Addon, keep int) ([]int, error) {
	all, err := m.repo.ListByAddon(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if keep < 0 || len(all) <= keep {
		return nil, nil
	}
	var pruned []int
	failed := map[string]error{}
	for i := range all[:len(all)-keep] {
		s := &all[i]
		if err := m.Destroy(ctx, s); err != nil {
			failed[fmt.Sprintf("s%d", s.ShortID)] = err
			continue
		}
		pruned = append(pruned, s.ShortID)
	}
	return pruned, batchError("prune snapshots", failed)
}

// RestoreResult is either a complete set of new volume ids or the snapshot
// ids that could not be turned into volumes.
type RestoreResult struct {
	VolumeIDs  []string
	Unresolved []string
}

func (r RestoreResult) Complete() bool { return len(r.Unresolved) == 0 }

// Restore creates one volume per backend snapshot, sized like the addon's
// volumes. A volume already created from the same snapshot under the same
// name by an earlier attempt is adopted instead, so retrying a subset is
// safe. Nothing is persisted here.
func (m *SnapshotManager) Restore(ctx context.Context, a *models.Addon, snap *models.Snapshot, subset []string) RestoreResult {
	wanted := sets.New(snap.SnapshotIDList()...)
	if len(subset) > 0 {
		wanted = wanted.Intersection(sets.New(subset...))
	}
	current := sets.New(a.VolumeIDList()...)

	var volumeIDs []string
	resolved := sets.New[string]()
	for _, id := range sets.List(wanted) {
		volID, err := m.restoreOne(ctx, a, id, current)
		if err != nil {
			m.log.Warn("restore from snapshot failed",
				zap.String("addon", a.Slug()),
				zap.String("snapshot_id", id),
				zap.Error(err),
			)
			continue
		}
		resolved.Insert(id)
		volumeIDs = append(volumeIDs, volID)
	}
	if unresolved := wanted.Difference(resolved); unresolved.Len() > 0 {
		return RestoreResult{Unresolved: sets.List(unresolved)}
	}
	return RestoreResult{VolumeIDs: volumeIDs}
}

func (m *SnapshotManager) restoreOne(ctx context.Context, a *models.Addon, snapshotID string, current sets.Set[string]) (string, error) {
	var snap *storage.Snapshot
	err := m.volumes.call("get_snapshot", func() error {
		var err error
		snap, err = m.volumes.backend.GetSnapshot(ctx, snapshotID)
		return err
	})
	if err != nil {
		return "", err
	}
	name := RestoreVolumeName(snap.Name)

	existing, err := m.volumes.list(ctx, name)
	if err != nil {
		return "", err
	}
	for _, v := range existing {
		if v.SnapshotID == snapshotID && !current.Has(v.ID) {
			return v.ID, nil
		}
	}

	var vol *storage.Volume
	err = m.volumes.call("create_volume", func() error {
		var err error
		vol, err = m.volumes.backend.CreateVolume(ctx, storage.CreateVolumeRequest{Name: name, Size: a.VolumeSize, SnapshotID: snapshotID})
		return err
	})
	if err != nil {
		return "", err
	}
	return vol.ID, nil
}

// Destroy deletes the backend snapshots, then the volumes restores displaced,
// and the record last. On failure the record keeps only what is left.
func (m *SnapshotManager) Destroy(ctx context.Context, snap *models.Snapshot) error {
	var leftSnaps []string
	failed := map[string]error{}
	for _, id := range snap.SnapshotIDList() {
		err := m.volumes.call("delete_snapshot", func() error { return m.volumes.backend.DeleteSnapshot(ctx, id) })
		if err != nil && !appErr.IsNotFound(err) {
			m.log.Warn("delete snapshot failed", zap.String("snapshot_id", id), zap.Error(err))
			failed[id] = err
			leftSnaps = append(leftSnaps, id)
		}
	}

	deleted, err := m.volumes.Delete(ctx, snap.VolumeIDList())
	leftVols := sets.List(sets.New(snap.VolumeIDList()...).Difference(sets.New(deleted...)))
	if err != nil {
		failed["volumes"] = err
	}

	if len(failed) > 0 {
		if err := m.repo.SaveIDs(ctx, snap.ID, leftSnaps, leftVols); err != nil {
			m.log.Error("save remaining snapshot ids failed", zap.String("snapshot", snap.ID.String()), zap.Error(err))
		}
		return batchError(fmt.Sprintf("destroy snapshot s%d", snap.ShortID), failed)
	}
	return m.repo.Delete(ctx, snap.ID)
}
