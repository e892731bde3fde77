package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hubot-paas/orchestrator/internal/models"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

type SnapshotRepository interface {
	BaseRepository[models.Snapshot]
	// CreateNext allocates the addon's next short id and inserts an empty
	// record under it. Ids are handed out from the addon's counter, so a
	// deleted snapshot's id is never reused.
	CreateNext(ctx context.Context, addonID uuid.UUID, description string) (*models.Snapshot, error)
	GetByShortID(ctx context.Context, addonID uuid.UUID, shortID int) (*models.Snapshot, error)
	ListByAddon(ctx context.Context, addonID uuid.UUID) ([]models.Snapshot, error)
	SaveIDs(ctx context.Context, id uuid.UUID, snapshotIDs, volumeIDs []string) error
}

type snapshotRepository struct {
	BaseRepository[models.Snapshot]
	db *gorm.DB
}

func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &snapshotRepository{BaseRepository: NewBaseRepository[models.Snapshot](db), db: db}
}

func (r *snapshotRepository) CreateNext(ctx context.Context, addonID uuid.UUID, description string) (*models.Snapshot, error) {
	snap := &models.Snapshot{AddonID: addonID, Description: description}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a models.Addon
		if err := first(forUpdate(tx).Select("id", "snapshot_seq").Where("id = ?", addonID), &a, "addon"); err != nil {
			return err
		}
		var maxShort int
		if err := tx.Model(&models.Snapshot{}).Where("addon_id = ?", addonID).
			Select("COALESCE(MAX(short_id), 0)").Scan(&maxShort).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "read snapshot sequence failed")
		}
		next := max(a.SnapshotSeq, maxShort) + 1
		if err := tx.Model(&models.Addon{}).Where("id = ?", addonID).Update("snapshot_seq", next).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "advance snapshot sequence failed")
		}
		snap.ShortID = next
		if err := tx.Create(snap).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "create snapshot failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *snapshotRepository) GetByShortID(ctx context.Context, addonID uuid.UUID, shortID int) (*models.Snapshot, error) {
	var s models.Snapshot
	q := r.db.WithContext(ctx).Where("addon_id = ? AND short_id = ?", addonID, shortID)
	if err := first(q, &s, "snapshot"); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *snapshotRepository) ListByAddon(ctx context.Context, addonID uuid.UUID) ([]models.Snapshot, error) {
	var out []models.Snapshot
	if err := r.db.WithContext(ctx).Where("addon_id = ?", addonID).Order("short_id ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list snapshots failed")
	}
	return out, nil
}

func (r *snapshotRepository) SaveIDs(ctx context.Context, id uuid.UUID, snapshotIDs, volumeIDs []string) error {
	s := models.Snapshot{}
	s.SetSnapshotIDList(snapshotIDs)
	s.SetVolumeIDList(volumeIDs)
	res := r.db.WithContext(ctx).Model(&models.Snapshot{}).Where("id = ?", id).Updates(map[string]any{
		"snapshot_ids": s.SnapshotIDs,
		"volume_ids":   s.VolumeIDs,
	})
	return rowsOrNotFound(res, "snapshot")
}
