package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hubot-paas/orchestrator/internal/models"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

// AddonRepository persists addons. Lookups ignore soft-deleted rows unless the
// method name says otherwise.
type AddonRepository interface {
	BaseRepository[models.Addon]
	GetByName(ctx context.Context, namespace, name string) (*models.Addon, error)
	GetDeletedByName(ctx context.Context, namespace, name string) (*models.Addon, error)
	GetByDeploymentID(ctx context.Context, deploymentID string) (*models.Addon, error)
	GetByAppVersion(ctx context.Context, appID, version string) (*models.Addon, error)
	GetByAppIDWithDeleted(ctx context.Context, appID string) (*models.Addon, error)
	GetByIDWithDeleted(ctx context.Context, id uuid.UUID) (*models.Addon, error)

	List(ctx context.Context, namespace string) ([]models.Addon, error)
	ListWithDeleted(ctx context.Context, namespace string) ([]models.Addon, error)
	ListDeleted(ctx context.Context, namespace string) ([]models.Addon, error)
	ListBackupEnabled(ctx context.Context) ([]models.Addon, error)
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]models.Addon, error)
	ListDependents(ctx context.Context, dependID uuid.UUID) ([]models.Addon, error)

	UpdateStatus(ctx context.Context, id uuid.UUID, to models.Status) error
	UpdateStatusIfDeployment(ctx context.Context, id uuid.UUID, deploymentID string, to models.Status) (bool, error)
	SaveDeployment(ctx context.Context, id uuid.UUID, state models.DeploymentState, status models.Status) error
	SaveVolumeIDs(ctx context.Context, id uuid.UUID, volumeIDs []string) error
	SaveSpec(ctx context.Context, a *models.Addon) error
	Undelete(ctx context.Context, id uuid.UUID) error
}

type addonRepository struct {
	BaseRepository[models.Addon]
	db *gorm.DB
}

func NewAddonRepository(db *gorm.DB) AddonRepository {
	return &addonRepository{BaseRepository: NewBaseRepository[models.Addon](db), db: db}
}

func (r *addonRepository) GetByName(ctx context.Context, namespace, name string) (*models.Addon, error) {
	var a models.Addon
	q := r.db.WithContext(ctx).Where("namespace = ? AND name = ?", namespace, name)
	if err := first(q, &a, "addon"); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *addonRepository) GetDeletedByName(ctx context.Context, namespace, name string) (*models.Addon, error) {
	var a models.Addon
	q := r.db.WithContext(ctx).Unscoped().
		Where("namespace = ? AND name = ? AND deleted_at IS NOT NULL", namespace, name).
		Order("deleted_at DESC")
	if err := first(q, &a, "deleted addon"); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *addonRepository) GetByDeploymentID(ctx context.Context, deploymentID string) (*models.Addon, error) {
	if deploymentID == "" {
		return nil, appErr.New(appErr.CodeNotFound, "addon not found")
	}
	var a models.Addon
	if err := first(r.db.WithContext(ctx).Where("deployment_id = ?", deploymentID), &a, "addon"); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *addonRepository) GetByAppVersion(ctx context.Context, appID, version string) (*models.Addon, error) {
	var a models.Addon
	q := r.db.WithContext(ctx).Where("app_id = ? AND scheduler_version = ?", appID, version)
	if err := first(q, &a, "addon"); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *addonRepository) GetByAppIDWithDeleted(ctx context.Context, appID string) (*models.Addon, error) {
	var a models.Addon
	q := r.db.WithContext(ctx).Unscoped().Where("app_id = ?", appID).Order("created_at DESC")
	if err := first(q, &a, "addon"); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *addonRepository) GetByIDWithDeleted(ctx context.Context, id uuid.UUID) (*models.Addon, error) {
	var a models.Addon
	if err := first(r.db.WithContext(ctx).Unscoped().Where("id = ?", id), &a, "addon"); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *addonRepository) List(ctx context.Context, namespace string) ([]models.Addon, error) {
	return r.list(r.db.WithContext(ctx), namespace)
}

func (r *addonRepository) ListWithDeleted(ctx context.Context, namespace string) ([]models.Addon, error) {
	return r.list(r.db.WithContext(ctx).Unscoped(), namespace)
}

func (r *addonRepository) ListDeleted(ctx context.Context, namespace string) ([]models.Addon, error) {
	return r.list(r.db.WithContext(ctx).Unscoped().Where("deleted_at IS NOT NULL"), namespace)
}

func (r *addonRepository) list(q *gorm.DB, namespace string) ([]models.Addon, error) {
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	var out []models.Addon
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list addons failed")
	}
	return out, nil
}

func (r *addonRepository) ListBackupEnabled(ctx context.Context) ([]models.Addon, error) {
	var out []models.Addon
	if err := r.db.WithContext(ctx).Where("backup_enabled = true").Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list backup addons failed")
	}
	return out, nil
}

func (r *addonRepository) ListByStatus(ctx context.Context, statuses ...models.Status) ([]models.Addon, error) {
	var out []models.Addon
	if err := r.db.WithContext(ctx).Where("status IN ?", statuses).Order("updated_at ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list addons by status failed")
	}
	return out, nil
}

func (r *addonRepository) ListDependents(ctx context.Context, dependID uuid.UUID) ([]models.Addon, error) {
	var out []models.Addon
	if err := r.db.WithContext(ctx).Where("depend_id = ?", dependID).Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list dependent addons failed")
	}
	return out, nil
}

// UpdateStatus moves an addon to a new status if the transition is allowed
// from the status currently stored.
func (r *addonRepository) UpdateStatus(ctx context.Context, id uuid.UUID, to models.Status) error {
	_, err := r.transition(ctx, id, "", to)
	return err
}

// UpdateStatusIfDeployment is UpdateStatus guarded by the tracked deployment id.
// It reports false when the addon has moved on to another deployment.
func (r *addonRepository) UpdateStatusIfDeployment(ctx context.Context, id uuid.UUID, deploymentID string, to models.Status) (bool, error) {
	return r.transition(ctx, id, deploymentID, to)
}

func (r *addonRepository) transition(ctx context.Context, id uuid.UUID, deploymentID string, to models.Status) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.Addon
		if err := first(forUpdate(tx).Select("id", "status", "deployment_id").Where("id = ?", id), &cur, "addon"); err != nil {
			return err
		}
		if deploymentID != "" && cur.DeploymentID != deploymentID {
			return nil
		}
		if err := models.Transition(cur.Status, to); err != nil {
			return err
		}
		if err := tx.Model(&models.Addon{}).Where("id = ?", id).Update("status", to).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "update addon status failed")
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *addonRepository) SaveDeployment(ctx context.Context, id uuid.UUID, state models.DeploymentState, status models.Status) error {
	res := r.db.WithContext(ctx).Model(&models.Addon{}).Where("id = ?", id).Updates(map[string]any{
		"scheduler_version": state.SchedulerVersion,
		"deployment_id":     state.DeploymentID,
		"status":            status,
	})
	return rowsOrNotFound(res, "addon")
}

func (r *addonRepository) SaveVolumeIDs(ctx context.Context, id uuid.UUID, volumeIDs []string) error {
	a := models.Addon{}
	a.SetVolumeIDList(volumeIDs)
	res := r.db.WithContext(ctx).Unscoped().Model(&models.Addon{}).Where("id = ?", id).Update("volume_ids", a.VolumeIDs)
	return rowsOrNotFound(res, "addon")
}

// SaveSpec persists the user editable fields of a: requests and backups.
func (r *addonRepository) SaveSpec(ctx context.Context, a *models.Addon) error {
	res := r.db.WithContext(ctx).Model(&models.Addon{}).Where("id = ?", a.ID).Updates(map[string]any{
		"cpus":           a.CPUs,
		"mem":            a.Mem,
		"instances":      a.Instances,
		"version":        a.Version,
		"args":           a.Args,
		"backup_enabled": a.BackupEnabled,
		"backup_hour":    a.BackupHour,
		"backup_minute":  a.BackupMinute,
		"backup_keep":    a.BackupKeep,
	})
	return rowsOrNotFound(res, "addon")
}

func (r *addonRepository) Undelete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Unscoped().Model(&models.Addon{}).
		Where("id = ? AND deleted_at IS NOT NULL", id).
		Update("deleted_at", nil)
	return rowsOrNotFound(res, "deleted addon")
}

func rowsOrNotFound(res *gorm.DB, what string) error {
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update "+what+" failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, what+" not found")
	}
	return nil
}
