package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hubot-paas/orchestrator/internal/lock"
	"github.com/hubot-paas/orchestrator/internal/metrics"
	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/provisioner"
	"github.com/hubot-paas/orchestrator/internal/provisioner/compiler"
	"github.com/hubot-paas/orchestrator/internal/repository"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
	"github.com/hubot-paas/orchestrator/pkg/logger"
)

// ReleaseService interface and DTOs
type ReleaseService interface {
	// Commands
	CreateRelease(ctx context.Context, in *CreateReleaseInput) (*models.Release, error)
	ListReleases(ctx context.Context, namespace, project string) ([]models.Release, error)
	DeployRelease(ctx context.Context, id uuid.UUID, force bool) error
	SuspendRelease(ctx context.Context, namespace, project string) error

	// Steps (called by worker)
	RunDeploy(ctx context.Context, id uuid.UUID, force bool, p Progress) (*Continue, error)
	RunSuspendCheck(ctx context.Context, id uuid.UUID, p Progress) (*Continue, error)
	CheckStatus(ctx context.Context, deploymentID string) error
	Rollback(ctx context.Context, id uuid.UUID) error
	Recover(ctx context.Context) (int, error)
}

type CreateReleaseInput struct {
	Namespace string `validate:"required,max=32"`
	Project   string `validate:"required,max=128"`
	Tag       string `validate:"required,max=512"`
	// Deploy rolls the release out right away; otherwise it stays Building.
	Deploy bool
}

type releaseService struct {
	releases   repository.ReleaseRepository
	projects   repository.ProjectRepository
	reconciler *provisioner.Reconciler
	locker     lock.Locker
	dispatcher Dispatcher
	opts       Options
	now        func() time.Time
	log        *zap.Logger
}

func NewReleaseService(releaseRepo repository.ReleaseRepository, projectRepo repository.ProjectRepository, reconciler *provisioner.Reconciler, locker lock.Locker, dispatcher Dispatcher, opts Options) ReleaseService {
	return &releaseService{
		releases:   releaseRepo,
		projects:   projectRepo,
		reconciler: reconciler,
		locker:     locker,
		dispatcher: dispatcher,
		opts:       opts.withDefaults(),
		now:        time.Now,
		log:        logger.Named("releases"),
	}
}

var _ ReleaseService = (*releaseService)(nil)

func (s *releaseService) CreateRelease(ctx context.Context, in *CreateReleaseInput) (*models.Release, error) {
	if err := validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	p, err := s.projects.GetByName(ctx, in.Namespace, in.Project)
	if err != nil {
		return nil, err
	}
	rel := &models.Release{
		ProjectID: p.ID,
		Project:   p,
		Tag:       in.Tag,
		Status:    models.StatusBuilding,
	}
	if err := s.releases.Create(ctx, rel); err != nil {
		return nil, err
	}
	s.log.Info("release created", zap.String("app", rel.AppID()), zap.String("tag", rel.Tag))
	if !in.Deploy {
		return rel, nil
	}
	return rel, s.dispatcher.DeployRelease(ctx, rel.ID, false)
}

func (s *releaseService) ListReleases(ctx context.Context, namespace, project string) ([]models.Release, error) {
	p, err := s.projects.GetByName(ctx, namespace, project)
	if err != nil {
		return nil, err
	}
	return s.releases.ListByProject(ctx, p.ID)
}

func (s *releaseService) DeployRelease(ctx context.Context, id uuid.UUID, force bool) error {
	rel, err := s.releases.GetWithProject(ctx, id)
	if err != nil {
		return err
	}
	if err := models.Transition(rel.Status, models.StatusStaging); err != nil {
		return err
	}
	return s.dispatcher.DeployRelease(ctx, rel.ID, force)
}

// SuspendRelease scales the project's running release to zero.
func (s *releaseService) SuspendRelease(ctx context.Context, namespace, project string) error {
	p, err := s.projects.GetByName(ctx, namespace, project)
	if err != nil {
		return err
	}
	rel, err := s.releases.GetLatestRunning(ctx, p.ID)
	if err != nil {
		return err
	}
	rel.Project = p
	return exclusive(ctx, s.locker, projectKey(p.ID), func() error {
		out, err := s.reconciler.Suspend(ctx, rel, false)
		if err != nil {
			return err
		}
		if out.Action == provisioner.ActionNone {
			return s.setStatus(ctx, rel, models.StatusSuspend)
		}
		return nil
	})
}

// RunDeploy reconciles the release's app. Conflicts wait out a status
// timeout, other scheduler errors retry at once, invalid specs fail.
func (s *releaseService) RunDeploy(ctx context.Context, id uuid.UUID, force bool, p Progress) (*Continue, error) {
	rel, err := s.releases.GetWithProject(ctx, id)
	if err != nil {
		return nil, err
	}
	return exclusiveStep(ctx, s.locker, projectKey(rel.ProjectID), p, s.opts.PollInterval, func() (*Continue, error) {
		log := s.log.With(zap.String("app", rel.AppID()), zap.String("release_id", rel.ID.String()))
		attached, err := s.projects.ListAddons(ctx, rel.ProjectID)
		if err != nil {
			return nil, err
		}
		out, err := s.reconciler.Reconcile(ctx, rel, compiler.Input{Attached: attached}, force)
		if err == nil {
			log.Info("release deployed",
				zap.String("action", string(out.Action)),
				zap.String("deployment_id", out.State.DeploymentID),
			)
			return nil, nil
		}
		if appErr.IsCode(err, appErr.CodeInvalid) {
			s.fail(ctx, rel, "release cannot be deployed", err)
			return nil, nil
		}
		p = p.started(s.now())
		p.Retries++
		if p.Retries > s.opts.DeployRetries {
			s.fail(ctx, rel, "deploy retries exhausted", err)
			return nil, nil
		}
		var delay time.Duration
		if appErr.IsConflict(err) {
			delay = s.opts.StatusTimeout
		}
		log.Warn("deploy failed, retrying", zap.Int("retries", p.Retries), zap.Duration("in", delay), zap.Error(err))
		return again(p, delay), nil
	})
}

// RunSuspendCheck marks the release Suspend once no task runs and rolls
// the project back when scaling down takes too long.
func (s *releaseService) RunSuspendCheck(ctx context.Context, id uuid.UUID, p Progress) (*Continue, error) {
	rel, err := s.releases.GetWithProject(ctx, id)
	if err != nil {
		return nil, err
	}
	return exclusiveStep(ctx, s.locker, projectKey(rel.ProjectID), p, s.opts.PollInterval, func() (*Continue, error) {
		if rel.Status == models.StatusSuspend {
			return nil, nil
		}
		p = p.started(s.now())
		down, err := s.reconciler.ScaledDown(ctx, rel.AppID())
		if err == nil && down {
			return nil, s.setStatus(ctx, rel, models.StatusSuspend)
		}
		if err != nil && !appErr.IsTransient(err) {
			return nil, err
		}
		if p.Elapsed(s.now()) < s.opts.SuspendTimeout {
			return again(p, s.opts.PollInterval), nil
		}
		s.log.Warn("suspend timed out, rolling back", zap.String("app", rel.AppID()))
		return nil, s.rollback(ctx, rel)
	})
}

// CheckStatus is the release watchdog. A deployment still listed after the
// status timeout failed and the project is rolled back; a finished one
// makes its release the project's only Running release.
func (s *releaseService) CheckStatus(ctx context.Context, deploymentID string) error {
	rel, err := s.releases.GetByDeploymentID(ctx, deploymentID)
	if appErr.IsNotFound(err) {
		s.log.Debug("deployment superseded", zap.String("deployment_id", deploymentID))
		return nil
	}
	if err != nil {
		return err
	}
	return exclusive(ctx, s.locker, projectKey(rel.ProjectID), func() error {
		log := s.log.With(zap.String("release_id", rel.ID.String()), zap.String("deployment_id", deploymentID))
		listed, err := s.reconciler.DeploymentListed(ctx, deploymentID)
		if err != nil {
			return err
		}
		if !listed {
			if rel.Status == models.StatusSuspend {
				return nil
			}
			ok, err := s.releases.MarkRunningExclusive(ctx, rel.ID, deploymentID)
			if appErr.IsConflict(err) {
				log.Debug("watchdog transition refused", zap.Error(err))
				return nil
			}
			if err != nil || !ok {
				return err
			}
			if rel.Status != models.StatusRunning {
				metrics.RecordTransition(string(models.KindRelease), string(models.StatusRunning))
			}
			log.Info("watchdog settled release", zap.String("status", string(models.StatusRunning)))
			return nil
		}

		ok, err := s.releases.UpdateStatusIfDeployment(ctx, rel.ID, deploymentID, models.StatusFailed)
		if appErr.IsConflict(err) {
			log.Debug("watchdog transition refused", zap.Error(err))
			return nil
		}
		if err != nil || !ok {
			return err
		}
		metrics.RecordTransition(string(models.KindRelease), string(models.StatusFailed))
		log.Warn("deployment stuck, release failed")
		return s.rollback(ctx, rel)
	})
}

func (s *releaseService) Rollback(ctx context.Context, id uuid.UUID) error {
	rel, err := s.releases.GetWithProject(ctx, id)
	if err != nil {
		return err
	}
	return exclusive(ctx, s.locker, projectKey(rel.ProjectID), func() error {
		return s.rollback(ctx, rel)
	})
}

// rollback cancels the release's deployment. The scheduler reverts the app
// and the revert is tracked on the project's latest Running release.
func (s *releaseService) rollback(ctx context.Context, rel *models.Release) error {
	log := s.log.With(zap.String("app", rel.AppID()), zap.String("deployment_id", rel.DeploymentID))
	if !rel.InFlight() {
		return nil
	}
	res, err := s.reconciler.CancelDeployment(ctx, rel.DeploymentID, false)
	if appErr.IsNotFound(err) {
		log.Info("deployment already finished, nothing to roll back")
		return nil
	}
	if err != nil {
		return err
	}
	latest, err := s.releases.GetLatestRunning(ctx, rel.ProjectID)
	if appErr.IsNotFound(err) {
		log.Warn("no running release to roll back to")
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.reconciler.Track(ctx, latest, res, latest.Status); err != nil {
		return err
	}
	log.Info("rolled back", zap.String("to_release", latest.ID.String()), zap.String("rollback_deployment", res.DeploymentID))
	return nil
}

// Recover re-enqueues releases left Staging without a deployment.
func (s *releaseService) Recover(ctx context.Context) (int, error) {
	stuck, err := s.releases.ListByStatus(ctx, models.StatusStaging)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range stuck {
		if stuck[i].InFlight() {
			continue
		}
		if err := s.dispatcher.DeployRelease(ctx, stuck[i].ID, false); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *releaseService) setStatus(ctx context.Context, rel *models.Release, status models.Status) error {
	if err := s.releases.UpdateStatus(ctx, rel.ID, status); err != nil {
		return err
	}
	if rel.Status != status {
		metrics.RecordTransition(string(models.KindRelease), string(status))
	}
	rel.Status = status
	return nil
}

func (s *releaseService) fail(ctx context.Context, rel *models.Release, reason string, cause error) {
	s.log.Error("release failed",
		zap.String("app", rel.AppID()),
		zap.String("release_id", rel.ID.String()),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	if err := s.setStatus(ctx, rel, models.StatusFailed); err != nil {
		s.log.Error("mark release failed", zap.String("release_id", rel.ID.String()), zap.Error(err))
	}
}
