package repotest

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hubot-paas/orchestrator/internal/models"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

type addonRepo struct{ s *Store }

func (r *addonRepo) Create(ctx context.Context, a *models.Addon) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_ = a.BeforeCreate(nil)
	if _, ok := r.s.addons[a.ID]; ok {
		return appErr.New(appErr.CodeAlreadyExists, "entity already exists")
	}
	now := r.s.tick()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	r.s.addons[a.ID] = &cp
	return nil
}

func (r *addonRepo) GetByID(ctx context.Context, id any, dest *models.Addon) error {
	uid, err := toUUID(id)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.addons[uid]
	if !ok || a.DeletedAt.Valid {
		return notFound("entity")
	}
	*dest = *a
	return nil
}

func (r *addonRepo) Update(ctx context.Context, a *models.Addon) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.addons[a.ID]; !ok {
		return notFound("entity")
	}
	a.UpdatedAt = r.s.tick()
	cp := *a
	r.s.addons[a.ID] = &cp
	return nil
}

func (r *addonRepo) Delete(ctx context.Context, id any) error {
	uid, err := toUUID(id)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.addons[uid]
	if !ok || a.DeletedAt.Valid {
		return notFound("entity")
	}
	softDelete(&a.DeletedAt, r.s.tick())
	return nil
}

func (r *addonRepo) find(deleted *bool, match func(a *models.Addon) bool) []models.Addon {
	var out []models.Addon
	for _, a := range r.s.addons {
		if deleted != nil && a.DeletedAt.Valid != *deleted {
			continue
		}
		if match(a) {
			out = append(out, *a)
		}
	}
	sortAddons(out)
	return out
}

func (r *addonRepo) one(deleted *bool, match func(a *models.Addon) bool) (*models.Addon, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.find(deleted, match)
	if len(out) == 0 {
		return nil, notFound("addon")
	}
	a := out[len(out)-1]
	return &a, nil
}

var (
	live = new(bool)
	dead = func() *bool { b := true; return &b }()
)

func (r *addonRepo) GetByName(ctx context.Context, namespace, name string) (*models.Addon, error) {
	return r.one(live, func(a *models.Addon) bool { return a.Namespace == namespace && a.Name == name })
}

func (r *addonRepo) GetDeletedByName(ctx context.Context, namespace, name string) (*models.Addon, error) {
	return r.one(dead, func(a *models.Addon) bool { return a.Namespace == namespace && a.Name == name })
}

func (r *addonRepo) GetByDeploymentID(ctx context.Context, deploymentID string) (*models.Addon, error) {
	return r.one(live, func(a *models.Addon) bool { return deploymentID != "" && a.DeploymentID == deploymentID })
}

func (r *addonRepo) GetByAppVersion(ctx context.Context, appID, version string) (*models.Addon, error) {
	return r.one(live, func(a *models.Addon) bool { return a.AppKey == appID && a.SchedulerVersion == version })
}

func (r *addonRepo) GetByAppIDWithDeleted(ctx context.Context, appID string) (*models.Addon, error) {
	return r.one(nil, func(a *models.Addon) bool { return a.AppKey == appID })
}

func (r *addonRepo) GetByIDWithDeleted(ctx context.Context, id uuid.UUID) (*models.Addon, error) {
	return r.one(nil, func(a *models.Addon) bool { return a.ID == id })
}

func (r *addonRepo) list(deleted *bool, namespace string) []models.Addon {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.find(deleted, func(a *models.Addon) bool { return namespace == "" || a.Namespace == namespace })
}

func (r *addonRepo) List(ctx context.Context, namespace string) ([]models.Addon, error) {
	return r.list(live, namespace), nil
}

func (r *addonRepo) ListWithDeleted(ctx context.Context, namespace string) ([]models.Addon, error) {
	return r.list(nil, namespace), nil
}

func (r *addonRepo) ListDeleted(ctx context.Context, namespace string) ([]models.Addon, error) {
	return r.list(dead, namespace), nil
}

func (r *addonRepo) ListBackupEnabled(ctx context.Context) ([]models.Addon, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.find(live, func(a *models.Addon) bool { return a.BackupEnabled }), nil
}

func (r *addonRepo) ListByStatus(ctx context.Context, statuses ...models.Status) ([]models.Addon, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.find(live, func(a *models.Addon) bool {
		for _, st := range statuses {
			if a.Status == st {
				return true
			}
		}
		return false
	}), nil
}

func (r *addonRepo) ListDependents(ctx context.Context, dependID uuid.UUID) ([]models.Addon, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.find(live, func(a *models.Addon) bool { return a.DependID != nil && *a.DependID == dependID }), nil
}

func (r *addonRepo) UpdateStatus(ctx context.Context, id uuid.UUID, to models.Status) error {
	_, err := r.UpdateStatusIfDeployment(ctx, id, "", to)
	return err
}

func (r *addonRepo) UpdateStatusIfDeployment(ctx context.Context, id uuid.UUID, deploymentID string, to models.Status) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.addons[id]
	if !ok || a.DeletedAt.Valid {
		return false, notFound("addon")
	}
	if deploymentID != "" && a.DeploymentID != deploymentID {
		return false, nil
	}
	if err := models.Transition(a.Status, to); err != nil {
		return false, err
	}
	a.Status = to
	a.UpdatedAt = r.s.tick()
	return true, nil
}

func (r *addonRepo) mutate(id uuid.UUID, withDeleted bool, fn func(a *models.Addon)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.addons[id]
	if !ok || (!withDeleted && a.DeletedAt.Valid) {
		return notFound("addon")
	}
	fn(a)
	a.UpdatedAt = r.s.tick()
	return nil
}

func (r *addonRepo) SaveDeployment(ctx context.Context, id uuid.UUID, state models.DeploymentState, status models.Status) error {
	return r.mutate(id, false, func(a *models.Addon) {
		a.DeploymentState = state
		a.Status = status
	})
}

func (r *addonRepo) SaveVolumeIDs(ctx context.Context, id uuid.UUID, volumeIDs []string) error {
	return r.mutate(id, true, func(a *models.Addon) { a.SetVolumeIDList(volumeIDs) })
}

func (r *addonRepo) SaveSpec(ctx context.Context, in *models.Addon) error {
	return r.mutate(in.ID, false, func(a *models.Addon) {
		a.CPUs, a.Mem, a.Instances = in.CPUs, in.Mem, in.Instances
		a.Version, a.Args = in.Version, in.Args
		a.BackupEnabled, a.BackupHour, a.BackupMinute, a.BackupKeep = in.BackupEnabled, in.BackupHour, in.BackupMinute, in.BackupKeep
	})
}

func (r *addonRepo) Undelete(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.addons[id]
	if !ok || !a.DeletedAt.Valid {
		return notFound("deleted addon")
	}
	a.DeletedAt = gorm.DeletedAt{}
	return nil
}
