package repotest

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/hubot-paas/orchestrator/internal/models"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

type releaseRepo struct{ s *Store }

// load copies a release with its project attached. Callers hold the lock.
func (r *releaseRepo) load(rel *models.Release) models.Release {
	cp := *rel
	if p, ok := r.s.projects[rel.ProjectID]; ok {
		pc := *p
		cp.Project = &pc
	}
	return cp
}

func (r *releaseRepo) Create(ctx context.Context, rel *models.Release) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_ = rel.BeforeCreate(nil)
	if rel.AppKey == "" {
		if p, ok := r.s.projects[rel.ProjectID]; ok {
			rel.AppKey = p.Slug()
		}
	}
	if _, ok := r.s.releases[rel.ID]; ok {
		return appErr.New(appErr.CodeAlreadyExists, "release already exists")
	}
	now := r.s.tick()
	rel.CreatedAt, rel.UpdatedAt = now, now
	cp := *rel
	cp.Project = nil
	r.s.releases[rel.ID] = &cp
	return nil
}

func (r *releaseRepo) GetByID(ctx context.Context, id any, dest *models.Release) error {
	uid, err := toUUID(id)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rel, ok := r.s.releases[uid]
	if !ok {
		return notFound("entity")
	}
	*dest = *rel
	return nil
}

func (r *releaseRepo) Update(ctx context.Context, rel *models.Release) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.releases[rel.ID]; !ok {
		return notFound("entity")
	}
	rel.UpdatedAt = r.s.tick()
	cp := *rel
	cp.Project = nil
	r.s.releases[rel.ID] = &cp
	return nil
}

func (r *releaseRepo) Delete(ctx context.Context, id any) error {
	uid, err := toUUID(id)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.releases[uid]; !ok {
		return notFound("entity")
	}
	delete(r.s.releases, uid)
	return nil
}

func (r *releaseRepo) find(match func(rel *models.Release) bool) []models.Release {
	var out []models.Release
	for _, rel := range r.s.releases {
		if match(rel) {
			out = append(out, r.load(rel))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

// latest returns the most recently updated match.
func (r *releaseRepo) latest(what string, match func(rel *models.Release) bool) (*models.Release, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.find(match)
	if len(out) == 0 {
		return nil, notFound(what)
	}
	rel := out[len(out)-1]
	return &rel, nil
}

func (r *releaseRepo) GetWithProject(ctx context.Context, id uuid.UUID) (*models.Release, error) {
	return r.latest("release", func(rel *models.Release) bool { return rel.ID == id })
}

func (r *releaseRepo) GetByDeploymentID(ctx context.Context, deploymentID string) (*models.Release, error) {
	return r.latest("release", func(rel *models.Release) bool { return deploymentID != "" && rel.DeploymentID == deploymentID })
}

func (r *releaseRepo) GetByAppVersion(ctx context.Context, appID, version string) (*models.Release, error) {
	return r.latest("release", func(rel *models.Release) bool { return rel.AppKey == appID && rel.SchedulerVersion == version })
}

func (r *releaseRepo) GetLatestRunning(ctx context.Context, projectID uuid.UUID) (*models.Release, error) {
	return r.latest("running release", func(rel *models.Release) bool {
		return rel.ProjectID == projectID && rel.Status == models.StatusRunning
	})
}

func (r *releaseRepo) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Release, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.find(func(rel *models.Release) bool { return rel.ProjectID == projectID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *releaseRepo) ListByStatus(ctx context.Context, statuses ...models.Status) ([]models.Release, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.find(func(rel *models.Release) bool {
		for _, st := range statuses {
			if rel.Status == st {
				return true
			}
		}
		return false
	}), nil
}

func (r *releaseRepo) UpdateStatus(ctx context.Context, id uuid.UUID, to models.Status) error {
	_, err := r.UpdateStatusIfDeployment(ctx, id, "", to)
	return err
}

func (r *releaseRepo) UpdateStatusIfDeployment(ctx context.Context, id uuid.UUID, deploymentID string, to models.Status) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rel, ok := r.s.releases[id]
	if !ok {
		return false, notFound("release")
	}
	if deploymentID != "" && rel.DeploymentID != deploymentID {
		return false, nil
	}
	if err := models.Transition(rel.Status, to); err != nil {
		return false, err
	}
	rel.Status = to
	rel.UpdatedAt = r.s.tick()
	return true, nil
}

func (r *releaseRepo) SaveDeployment(ctx context.Context, id uuid.UUID, state models.DeploymentState, status models.Status) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rel, ok := r.s.releases[id]
	if !ok {
		return notFound("release")
	}
	rel.DeploymentState = state
	rel.Status = status
	rel.UpdatedAt = r.s.tick()
	return nil
}

func (r *releaseRepo) MarkRunningExclusive(ctx context.Context, id uuid.UUID, deploymentID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rel, ok := r.s.releases[id]
	if !ok {
		return false, notFound("release")
	}
	if deploymentID != "" && rel.DeploymentID != deploymentID {
		return false, nil
	}
	if err := models.Transition(rel.Status, models.StatusRunning); err != nil {
		return false, err
	}
	now := r.s.tick()
	rel.Status = models.StatusRunning
	rel.UpdatedAt = now
	for _, o := range r.s.releases {
		if o.ID != id && o.ProjectID == rel.ProjectID && o.Status == models.StatusRunning {
			o.Status = models.StatusFinished
			o.UpdatedAt = now
		}
	}
	return true, nil
}
