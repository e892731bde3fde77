// Package repotest provides in-memory repositories for tests. All repositories
// built from one Store share its data and its lock.
package repotest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/repository"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

type Store struct {
	mu        sync.Mutex
	addons    map[uuid.UUID]*models.Addon
	projects  map[uuid.UUID]*models.Project
	links     map[uuid.UUID]*models.ProjectAddon
	releases  map[uuid.UUID]*models.Release
	snapshots map[uuid.UUID]*models.Snapshot
	now       func() time.Time
	seq       int64
}

func NewStore() *Store {
	return &Store{
		addons:    map[uuid.UUID]*models.Addon{},
		projects:  map[uuid.UUID]*models.Project{},
		links:     map[uuid.UUID]*models.ProjectAddon{},
		releases:  map[uuid.UUID]*models.Release{},
		snapshots: map[uuid.UUID]*models.Snapshot{},
		now:       time.Now,
	}
}

func (s *Store) Addons() repository.AddonRepository       { return &addonRepo{s} }
func (s *Store) Projects() repository.ProjectRepository   { return &projectRepo{s} }
func (s *Store) Releases() repository.ReleaseRepository   { return &releaseRepo{s} }
func (s *Store) Snapshots() repository.SnapshotRepository { return &snapshotRepo{s} }

// tick returns a strictly increasing timestamp so ordering by time is stable.
func (s *Store) tick() time.Time {
	s.seq++
	return s.now().Add(time.Duration(s.seq) * time.Microsecond)
}

func toUUID(id any) (uuid.UUID, error) {
	switch v := id.(type) {
	case uuid.UUID:
		return v, nil
	case string:
		u, err := uuid.Parse(v)
		if err != nil {
			return uuid.Nil, appErr.Wrap(err, appErr.CodeInvalid, "invalid id")
		}
		return u, nil
	}
	return uuid.Nil, appErr.New(appErr.CodeInvalid, fmt.Sprintf("unsupported id type %T", id))
}

func notFound(what string) error {
	return appErr.New(appErr.CodeNotFound, what+" not found")
}

func softDelete(at *gorm.DeletedAt, now time.Time) {
	*at = gorm.DeletedAt{Time: now, Valid: true}
}

func sortAddons(out []models.Addon) {
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
}
