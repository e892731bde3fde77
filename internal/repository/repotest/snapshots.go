package repotest

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/hubot-paas/orchestrator/internal/models"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

type snapshotRepo struct{ s *Store }

func (r *snapshotRepo) Create(ctx context.Context, snap *models.Snapshot) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_ = snap.BeforeCreate(nil)
	for _, o := range r.s.snapshots {
		if o.AddonID == snap.AddonID && o.ShortID == snap.ShortID {
			return appErr.New(appErr.CodeAlreadyExists, "entity already exists")
		}
	}
	now := r.s.tick()
	snap.CreatedAt, snap.UpdatedAt = now, now
	cp := *snap
	r.s.snapshots[snap.ID] = &cp
	return nil
}

func (r *snapshotRepo) GetByID(ctx context.Context, id any, dest *models.Snapshot) error {
	uid, err := toUUID(id)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	snap, ok := r.s.snapshots[uid]
	if !ok {
		return notFound("entity")
	}
	*dest = *snap
	return nil
}

func (r *snapshotRepo) Update(ctx context.Context, snap *models.Snapshot) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.snapshots[snap.ID]; !ok {
		return notFound("entity")
	}
	snap.UpdatedAt = r.s.tick()
	cp := *snap
	r.s.snapshots[snap.ID] = &cp
	return nil
}

func (r *snapshotRepo) Delete(ctx context.Context, id any) error {
	uid, err := toUUID(id)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.snapshots[uid]; !ok {
		return notFound("entity")
	}
	delete(r.s.snapshots, uid)
	return nil
}

func (r *snapshotRepo) CreateNext(ctx context.Context, addonID uuid.UUID, description string) (*models.Snapshot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.addons[addonID]
	if !ok || a.DeletedAt.Valid {
		return nil, notFound("addon")
	}
	next := a.SnapshotSeq
	for _, o := range r.s.snapshots {
		if o.AddonID == addonID && o.ShortID > next {
			next = o.ShortID
		}
	}
	next++
	a.SnapshotSeq = next
	snap := &models.Snapshot{AddonID: addonID, ShortID: next, Description: description}
	_ = snap.BeforeCreate(nil)
	now := r.s.tick()
	snap.CreatedAt, snap.UpdatedAt = now, now
	cp := *snap
	r.s.snapshots[snap.ID] = &cp
	return snap, nil
}

func (r *snapshotRepo) GetByShortID(ctx context.Context, addonID uuid.UUID, shortID int) (*models.Snapshot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.snapshots {
		if o.AddonID == addonID && o.ShortID == shortID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, notFound("snapshot")
}

func (r *snapshotRepo) ListByAddon(ctx context.Context, addonID uuid.UUID) ([]models.Snapshot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Snapshot
	for _, o := range r.s.snapshots {
		if o.AddonID == addonID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShortID < out[j].ShortID })
	return out, nil
}

func (r *snapshotRepo) SaveIDs(ctx context.Context, id uuid.UUID, snapshotIDs, volumeIDs []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	snap, ok := r.s.snapshots[id]
	if !ok {
		return notFound("snapshot")
	}
	snap.SetSnapshotIDList(snapshotIDs)
	snap.SetVolumeIDList(volumeIDs)
	snap.UpdatedAt = r.s.tick()
	return nil
}
