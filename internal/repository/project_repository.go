package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hubot-paas/orchestrator/internal/models"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

type ProjectRepository interface {
	BaseRepository[models.Project]
	GetByName(ctx context.Context, namespace, name string) (*models.Project, error)
	ListAddons(ctx context.Context, projectID uuid.UUID) ([]models.ProjectAddon, error)
	ListByAddon(ctx context.Context, addonID uuid.UUID) ([]models.ProjectAddon, error)
	// Attach links an addon to a project. The first addon of its kind becomes
	// the primary one.
	Attach(ctx context.Context, projectID uuid.UUID, addon *models.Addon, alias string) (*models.ProjectAddon, error)
	// Detach unlinks the addon from projectID, or from every project when
	// projectID is nil.
	Detach(ctx context.Context, addonID uuid.UUID, projectID *uuid.UUID) error
}

type projectRepository struct {
	BaseRepository[models.Project]
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{BaseRepository: NewBaseRepository[models.Project](db), db: db}
}

func (r *projectRepository) GetByName(ctx context.Context, namespace, name string) (*models.Project, error) {
	var p models.Project
	if err := first(r.db.WithContext(ctx).Where("namespace = ? AND name = ?", namespace, name), &p, "project"); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *projectRepository) ListAddons(ctx context.Context, projectID uuid.UUID) ([]models.ProjectAddon, error) {
	var out []models.ProjectAddon
	if err := r.db.WithContext(ctx).Preload("Addon").Where("project_id = ?", projectID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list project addons failed")
	}
	return out, nil
}

func (r *projectRepository) ListByAddon(ctx context.Context, addonID uuid.UUID) ([]models.ProjectAddon, error) {
	var out []models.ProjectAddon
	if err := r.db.WithContext(ctx).Where("addon_id = ?", addonID).Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list addon projects failed")
	}
	return out, nil
}

func (r *projectRepository) Attach(ctx context.Context, projectID uuid.UUID, addon *models.Addon, alias string) (*models.ProjectAddon, error) {
	link := &models.ProjectAddon{ProjectID: projectID, AddonID: addon.ID, Alias: alias}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Project
		if err := first(forUpdate(tx).Select("id").Where("id = ?", projectID), &p, "project"); err != nil {
			return err
		}
		var existing []models.ProjectAddon
		if err := tx.Preload("Addon").Where("project_id = ?", projectID).Find(&existing).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "list project addons failed")
		}
		link.Primary = true
		for _, pa := range existing {
			if pa.AddonID == addon.ID {
				return appErr.New(appErr.CodeAlreadyExists, "addon already attached")
			}
			if alias != "" && pa.Alias == alias {
				return appErr.Newf(appErr.CodeAlreadyExists, "alias %s already used", alias)
			}
			if pa.Addon != nil && pa.Addon.Kind == addon.Kind {
				link.Primary = false
			}
		}
		if err := tx.Omit("Addon").Create(link).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "attach addon failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

func (r *projectRepository) Detach(ctx context.Context, addonID uuid.UUID, projectID *uuid.UUID) error {
	q := r.db.WithContext(ctx).Where("addon_id = ?", addonID)
	if projectID != nil {
		q = q.Where("project_id = ?", *projectID)
	}
	if err := q.Delete(&models.ProjectAddon{}).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "detach addon failed")
	}
	return nil
}
