package repotest

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/hubot-paas/orchestrator/internal/models"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

type projectRepo struct{ s *Store }

func (r *projectRepo) Create(ctx context.Context, p *models.Project) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_ = p.BeforeCreate(nil)
	for _, o := range r.s.projects {
		if o.Namespace == p.Namespace && o.Name == p.Name && !o.DeletedAt.Valid {
			return appErr.New(appErr.CodeAlreadyExists, "entity already exists")
		}
	}
	now := r.s.tick()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	r.s.projects[p.ID] = &cp
	return nil
}

func (r *projectRepo) GetByID(ctx context.Context, id any, dest *models.Project) error {
	uid, err := toUUID(id)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.projects[uid]
	if !ok || p.DeletedAt.Valid {
		return notFound("entity")
	}
	*dest = *p
	return nil
}

func (r *projectRepo) Update(ctx context.Context, p *models.Project) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.projects[p.ID]; !ok {
		return notFound("entity")
	}
	p.UpdatedAt = r.s.tick()
	cp := *p
	r.s.projects[p.ID] = &cp
	return nil
}

func (r *projectRepo) Delete(ctx context.Context, id any) error {
	uid, err := toUUID(id)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.projects[uid]
	if !ok || p.DeletedAt.Valid {
		return notFound("entity")
	}
	softDelete(&p.DeletedAt, r.s.tick())
	return nil
}

func (r *projectRepo) GetByName(ctx context.Context, namespace, name string) (*models.Project, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.projects {
		if p.Namespace == namespace && p.Name == name && !p.DeletedAt.Valid {
			cp := *p
			return &cp, nil
		}
	}
	return nil, notFound("project")
}

func (r *projectRepo) links(match func(pa *models.ProjectAddon) bool) []models.ProjectAddon {
	var out []models.ProjectAddon
	for _, pa := range r.s.links {
		if !match(pa) {
			continue
		}
		cp := *pa
		if a, ok := r.s.addons[pa.AddonID]; ok {
			ac := *a
			cp.Addon = &ac
		}
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *projectRepo) ListAddons(ctx context.Context, projectID uuid.UUID) ([]models.ProjectAddon, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.links(func(pa *models.ProjectAddon) bool { return pa.ProjectID == projectID }), nil
}

func (r *projectRepo) ListByAddon(ctx context.Context, addonID uuid.UUID) ([]models.ProjectAddon, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.links(func(pa *models.ProjectAddon) bool { return pa.AddonID == addonID }), nil
}

func (r *projectRepo) Attach(ctx context.Context, projectID uuid.UUID, addon *models.Addon, alias string) (*models.ProjectAddon, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.projects[projectID]; !ok {
		return nil, notFound("project")
	}
	link := &models.ProjectAddon{ProjectID: projectID, AddonID: addon.ID, Alias: alias, Primary: true}
	for _, pa := range r.s.links {
		if pa.ProjectID != projectID {
			continue
		}
		if pa.AddonID == addon.ID {
			return nil, appErr.New(appErr.CodeAlreadyExists, "addon already attached")
		}
		if alias != "" && pa.Alias == alias {
			return nil, appErr.Newf(appErr.CodeAlreadyExists, "alias %s already used", alias)
		}
		if a, ok := r.s.addons[pa.AddonID]; ok && a.Kind == addon.Kind {
			link.Primary = false
		}
	}
	_ = link.BeforeCreate(nil)
	now := r.s.tick()
	link.CreatedAt, link.UpdatedAt = now, now
	cp := *link
	r.s.links[link.ID] = &cp
	return link, nil
}

func (r *projectRepo) Detach(ctx context.Context, addonID uuid.UUID, projectID *uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, pa := range r.s.links {
		if pa.AddonID == addonID && (projectID == nil || pa.ProjectID == *projectID) {
			delete(r.s.links, id)
		}
	}
	return nil
}
