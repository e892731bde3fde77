package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hubot-paas/orchestrator/internal/models"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

type ReleaseRepository interface {
	BaseRepository[models.Release]
	GetWithProject(ctx context.Context, id uuid.UUID) (*models.Release, error)
	GetByDeploymentID(ctx context.Context, deploymentID string) (*models.Release, error)
	GetByAppVersion(ctx context.Context, appID, version string) (*models.Release, error)
	GetLatestRunning(ctx context.Context, projectID uuid.UUID) (*models.Release, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Release, error)
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]models.Release, error)

	UpdateStatus(ctx context.Context, id uuid.UUID, to models.Status) error
	UpdateStatusIfDeployment(ctx context.Context, id uuid.UUID, deploymentID string, to models.Status) (bool, error)
	SaveDeployment(ctx context.Context, id uuid.UUID, state models.DeploymentState, status models.Status) error
	// MarkRunningExclusive sets the release Running and every other Running
	// release of the same project Finished, in one transaction serialized on
	// the project row. An empty deploymentID skips the deployment guard.
	MarkRunningExclusive(ctx context.Context, id uuid.UUID, deploymentID string) (bool, error)
}

type releaseRepository struct {
	BaseRepository[models.Release]
	db *gorm.DB
}

func NewReleaseRepository(db *gorm.DB) ReleaseRepository {
	return &releaseRepository{BaseRepository: NewBaseRepository[models.Release](db), db: db}
}

// Create never writes the preloaded project back.
func (r *releaseRepository) Create(ctx context.Context, rel *models.Release) error {
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(rel).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return appErr.Wrap(err, appErr.CodeAlreadyExists, "release already exists")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "create release failed")
	}
	return nil
}

func (r *releaseRepository) GetWithProject(ctx context.Context, id uuid.UUID) (*models.Release, error) {
	var rel models.Release
	if err := first(r.db.WithContext(ctx).Preload("Project").Where("id = ?", id), &rel, "release"); err != nil {
		return nil, err
	}
	return &rel, nil
}

func (r *releaseRepository) GetByDeploymentID(ctx context.Context, deploymentID string) (*models.Release, error) {
	if deploymentID == "" {
		return nil, appErr.New(appErr.CodeNotFound, "release not found")
	}
	var rel models.Release
	q := r.db.WithContext(ctx).Preload("Project").Where("deployment_id = ?", deploymentID)
	if err := first(q, &rel, "release"); err != nil {
		return nil, err
	}
	return &rel, nil
}

func (r *releaseRepository) GetByAppVersion(ctx context.Context, appID, version string) (*models.Release, error) {
	var rel models.Release
	q := r.db.WithContext(ctx).Preload("Project").
		Where("app_id = ? AND scheduler_version = ?", appID, version).
		Order("updated_at DESC")
	if err := first(q, &rel, "release"); err != nil {
		return nil, err
	}
	return &rel, nil
}

func (r *releaseRepository) GetLatestRunning(ctx context.Context, projectID uuid.UUID) (*models.Release, error) {
	var rel models.Release
	q := r.db.WithContext(ctx).Preload("Project").
		Where("project_id = ? AND status = ?", projectID, models.StatusRunning).
		Order("updated_at DESC")
	if err := first(q, &rel, "running release"); err != nil {
		return nil, err
	}
	return &rel, nil
}

func (r *releaseRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Release, error) {
	var out []models.Release
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list releases failed")
	}
	return out, nil
}

func (r *releaseRepository) ListByStatus(ctx context.Context, statuses ...models.Status) ([]models.Release, error) {
	var out []models.Release
	if err := r.db.WithContext(ctx).Preload("Project").Where("status IN ?", statuses).Order("updated_at ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list releases by status failed")
	}
	return out, nil
}

func (r *releaseRepository) UpdateStatus(ctx context.Context, id uuid.UUID, to models.Status) error {
	_, err := r.transition(ctx, id, "", to)
	return err
}

func (r *releaseRepository) UpdateStatusIfDeployment(ctx context.Context, id uuid.UUID, deploymentID string, to models.Status) (bool, error) {
	return r.transition(ctx, id, deploymentID, to)
}

func (r *releaseRepository) transition(ctx context.Context, id uuid.UUID, deploymentID string, to models.Status) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.Release
		if err := first(forUpdate(tx).Select("id", "status", "deployment_id").Where("id = ?", id), &cur, "release"); err != nil {
			return err
		}
		if deploymentID != "" && cur.DeploymentID != deploymentID {
			return nil
		}
		if err := models.Transition(cur.Status, to); err != nil {
			return err
		}
		if err := tx.Model(&models.Release{}).Where("id = ?", id).Update("status", to).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "update release status failed")
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *releaseRepository) SaveDeployment(ctx context.Context, id uuid.UUID, state models.DeploymentState, status models.Status) error {
	res := r.db.WithContext(ctx).Model(&models.Release{}).Where("id = ?", id).Updates(map[string]any{
		"scheduler_version": state.SchedulerVersion,
		"deployment_id":     state.DeploymentID,
		"status":            status,
	})
	return rowsOrNotFound(res, "release")
}

func (r *releaseRepository) MarkRunningExclusive(ctx context.Context, id uuid.UUID, deploymentID string) (bool, error) {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return false, appErr.Wrap(tx.Error, appErr.CodeInternal, "begin transaction failed")
	}
	defer tx.Rollback()

	var rel models.Release
	if err := first(tx.Select("id", "project_id", "status", "deployment_id").Where("id = ?", id), &rel, "release"); err != nil {
		return false, err
	}
	// every writer for this project queues on the project row
	var p models.Project
	if err := first(forUpdate(tx).Select("id").Where("id = ?", rel.ProjectID), &p, "project"); err != nil {
		return false, err
	}
	if err := first(tx.Select("id", "status", "deployment_id").Where("id = ?", id), &rel, "release"); err != nil {
		return false, err
	}
	if deploymentID != "" && rel.DeploymentID != deploymentID {
		return false, nil
	}
	if err := models.Transition(rel.Status, models.StatusRunning); err != nil {
		return false, err
	}
	if err := tx.Model(&models.Release{}).Where("id = ?", id).Update("status", models.StatusRunning).Error; err != nil {
		return false, appErr.Wrap(err, appErr.CodeInternal, "mark release running failed")
	}
	if err := tx.Model(&models.Release{}).
		Where("project_id = ? AND id <> ? AND status = ?", rel.ProjectID, id, models.StatusRunning).
		Update("status", models.StatusFinished).Error; err != nil {
		return false, appErr.Wrap(err, appErr.CodeInternal, "finish superseded releases failed")
	}
	if err := tx.Commit().Error; err != nil {
		return false, appErr.Wrap(err, appErr.CodeInternal, "commit transaction failed")
	}
	return true, nil
}
