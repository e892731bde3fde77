package services

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/hubot-paas/orchestrator/internal/addons"
	"github.com/hubot-paas/orchestrator/internal/metrics"
	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/provisioner"
	"github.com/hubot-paas/orchestrator/internal/provisioner/compiler"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
	"github.com/hubot-paas/orchestrator/pkg/utils"
)

const (
	phaseDependency = "dependency"
	phaseStop       = "stop"
	phaseRemove     = "remove"
	phaseRetire     = "retire"
	phaseProvision  = "provision"
	phaseDetach     = "detach"
	phaseRestore    = "restore"
	phaseDeploy     = "deploy"
)

// next starts a new phase with its own clock.
func (p Progress) next(phase string, now time.Time) Progress {
	return Progress{StartedAt: now, Phase: phase}
}

// RunProvision ensures the addon's volumes and reconciles its app. The
// dependency's app is deployed first.
func (s *addonService) RunProvision(ctx context.Context, id uuid.UUID, p Progress) (*Continue, error) {
	return exclusiveStep(ctx, s.locker, addonKey(id), p, s.opts.PollInterval, func() (*Continue, error) {
		a, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.provision(ctx, a, p.started(s.now()))
	})
}

func (s *addonService) provision(ctx context.Context, a *models.Addon, p Progress) (*Continue, error) {
	log := s.log.With(zap.String("addon", a.Slug()))
	elapsed := p.Elapsed(s.now())

	var dep *models.Addon
	if a.HasDependency() {
		d, err := s.get(ctx, *a.DependID)
		if err != nil {
			return nil, err
		}
		if d.SchedulerVersion == "" {
			if p.Phase != phaseDependency {
				if err := s.dispatcher.ProvisionAddon(ctx, d.ID); err != nil {
					return nil, err
				}
				p.Phase = phaseDependency
			}
			if elapsed >= s.opts.StatusTimeout {
				s.fail(ctx, a, "dependency was never deployed", nil)
				return nil, nil
			}
			log.Info("waiting for dependency", zap.String("dependency", d.Slug()))
			return again(p, s.opts.PollInterval), nil
		}
		dep = d
	}

	if addons.MustLookup(a.Kind).HasStorage() {
		ids, err := s.volumes.EnsureVolumes(ctx, volumeSpecs(a))
		// whatever exists is referenced before anything can fail
		known := a.VolumeIDList()
		if merged := utils.Unique(append(known, ids...)); len(merged) != len(known) {
			if saveErr := s.addons.SaveVolumeIDs(ctx, a.ID, merged); saveErr != nil {
				return nil, saveErr
			}
			a.SetVolumeIDList(merged)
		}
		if err != nil {
			if elapsed >= s.opts.VolumeTimeout {
				s.fail(ctx, a, "volumes could not be created", err)
				return nil, nil
			}
			log.Warn("volumes not created yet", zap.Error(err))
			return again(p, s.opts.PollInterval), nil
		}
		if !s.volumes.Ready(ctx, ids) {
			if elapsed >= s.opts.VolumeTimeout {
				s.fail(ctx, a, "volumes never became available", nil)
				return nil, nil
			}
			return again(p, s.opts.PollInterval), nil
		}
	}

	out, err := s.reconciler.Reconcile(ctx, a, compiler.Input{Dependency: dep}, false)
	if err == nil {
		log.Info("addon provisioned",
			zap.String("action", string(out.Action)),
			zap.String("deployment_id", out.State.DeploymentID),
		)
		return nil, nil
	}
	if appErr.IsCode(err, appErr.CodeInvalid) {
		s.fail(ctx, a, "addon cannot be deployed", err)
		return nil, nil
	}
	p.Retries++
	if p.Retries > s.opts.DeployRetries {
		s.fail(ctx, a, "deploy retries exhausted", err)
		return nil, nil
	}
	var delay time.Duration
	if appErr.IsConflict(err) {
		delay = s.opts.StatusTimeout
	}
	log.Warn("deploy failed, retrying", zap.Int("retries", p.Retries), zap.Duration("in", delay), zap.Error(err))
	return again(p, delay), nil
}

// RunReset stops the app, retires every volume the addon owns and
// provisions it again from scratch. Waiting on the scheduler is a
// re-enqueued phase, never a poll under the lock. A restarted reset starts
// over; each phase is safe to repeat.
func (s *addonService) RunReset(ctx context.Context, id uuid.UUID, p Progress) (*Continue, error) {
	return exclusiveStep(ctx, s.locker, addonKey(id), p, s.opts.PollInterval, func() (*Continue, error) {
		a, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		p = p.started(s.now())
		switch p.Phase {
		case "":
			return s.resetStop(ctx, a, p)
		case phaseStop:
			return s.resetScaledDown(ctx, a, p)
		case phaseRemove:
			return s.resetRemoved(ctx, a, p)
		case phaseRetire:
			return s.resetRetire(ctx, a, p)
		default:
			return s.provision(ctx, a, p)
		}
	})
}

func (s *addonService) resetStop(ctx context.Context, a *models.Addon, p Progress) (*Continue, error) {
	if err := s.setStatus(ctx, a, models.StatusResetting); err != nil {
		return nil, err
	}
	out, err := s.reconciler.ScaleDown(ctx, a)
	if err != nil {
		if appErr.IsTransient(err) && p.Elapsed(s.now()) < s.opts.SuspendTimeout {
			return again(p, s.opts.PollInterval), nil
		}
		s.fail(ctx, a, "app could not be stopped", err)
		return nil, nil
	}
	if out.Action == provisioner.ActionNone {
		return s.resetRetire(ctx, a, p.next(phaseRetire, s.now()))
	}
	return s.resetScaledDown(ctx, a, p.next(phaseStop, s.now()))
}

// resetScaledDown waits for the app to run no task. An app that keeps
// running past the suspend timeout is deleted.
func (s *addonService) resetScaledDown(ctx context.Context, a *models.Addon, p Progress) (*Continue, error) {
	down, err := s.reconciler.ScaledDown(ctx, a.AppID())
	if err != nil && !appErr.IsTransient(err) {
		s.fail(ctx, a, "app lookup failed", err)
		return nil, nil
	}
	if err == nil && down {
		return s.resetRetire(ctx, a, p.next(phaseRetire, s.now()))
	}
	if p.Elapsed(s.now()) < s.opts.SuspendTimeout {
		return again(p, s.opts.PollInterval), nil
	}
	s.log.Warn("scale down timed out, deleting app", zap.String("addon", a.Slug()))
	if err := s.reconciler.Delete(ctx, a, false); err != nil {
		s.fail(ctx, a, "app could not be removed", err)
		return nil, nil
	}
	return s.resetRemoved(ctx, a, p.next(phaseRemove, s.now()))
}

func (s *addonService) resetRemoved(ctx context.Context, a *models.Addon, p Progress) (*Continue, error) {
	gone, err := s.reconciler.Gone(ctx, a.AppID())
	if err != nil && !appErr.IsTransient(err) {
		s.fail(ctx, a, "app lookup failed", err)
		return nil, nil
	}
	if gone {
		return s.resetRetire(ctx, a, p.next(phaseRetire, s.now()))
	}
	if p.Elapsed(s.now()) < s.opts.SuspendTimeout {
		return again(p, s.opts.PollInterval), nil
	}
	s.fail(ctx, a, "app could not be removed", err)
	return nil, nil
}

func (s *addonService) resetRetire(ctx context.Context, a *models.Addon, p Progress) (*Continue, error) {
	log := s.log.With(zap.String("addon", a.Slug()))
	elapsed := p.Elapsed(s.now())

	found, err := s.volumes.Resolve(ctx, volumeNames(a))
	if err != nil {
		if elapsed >= s.opts.VolumeTimeout {
			s.fail(ctx, a, "volumes could not be listed", err)
			return nil, nil
		}
		return again(p, s.opts.PollInterval), nil
	}
	ids := utils.Unique(append(a.VolumeIDList(), found...))
	if !s.volumes.Detached(ctx, ids) && elapsed < s.opts.VolumeTimeout {
		return again(p, s.opts.PollInterval), nil
	}

	gone, err := s.volumes.Retire(ctx, ids, resetSuffix(s.now()))
	remaining := sets.List(sets.New(ids...).Difference(sets.New(gone...)))
	if saveErr := s.addons.SaveVolumeIDs(ctx, a.ID, remaining); saveErr != nil {
		return nil, saveErr
	}
	a.SetVolumeIDList(remaining)
	if len(remaining) > 0 {
		if elapsed >= s.opts.VolumeTimeout {
			s.fail(ctx, a, "old volumes could not be retired", err)
			return nil, nil
		}
		log.Warn("volumes left to retire", zap.Strings("volume_ids", remaining), zap.Error(err))
		return again(p, s.opts.PollInterval), nil
	}

	log.Info("addon volumes retired", zap.Strings("volume_ids", gone))
	if err := s.setStatus(ctx, a, models.StatusStaging); err != nil {
		return nil, err
	}
	return s.provision(ctx, a, p.next(phaseProvision, s.now()))
}

// resetSuffix stamps the history name of a volume a reset could not delete.
func resetSuffix(t time.Time) string { return t.UTC().Format("20060102T150405") }

// RunRestore swaps the addon's volumes for volumes created from a snapshot.
// The addon's volume references change only once every snapshot has a
// volume; until then they point at the old volumes.
func (s *addonService) RunRestore(ctx context.Context, id uuid.UUID, shortID int, p Progress) (*Continue, error) {
	return exclusiveStep(ctx, s.locker, addonKey(id), p, s.opts.PollInterval, func() (*Continue, error) {
		a, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		snap, err := s.snapRepo.GetByShortID(ctx, id, shortID)
		if err != nil {
			if p.Phase != "" {
				s.fail(ctx, a, "snapshot disappeared during restore", err)
				return nil, nil
			}
			return nil, err
		}
		p = p.started(s.now())
		switch p.Phase {
		case "":
			if err := s.setStatus(ctx, a, models.StatusRestoring); err != nil {
				return nil, err
			}
			if err := s.reconciler.Delete(ctx, a, false); err != nil {
				s.fail(ctx, a, "app could not be removed", err)
				return nil, nil
			}
			return s.restoreDetach(ctx, a, snap, p.next(phaseDetach, s.now()))
		case phaseDetach:
			return s.restoreDetach(ctx, a, snap, p)
		case phaseRestore:
			return s.restoreVolumes(ctx, a, snap, p)
		default:
			return s.restoreDeploy(ctx, a)
		}
	})
}

func (s *addonService) restoreDetach(ctx context.Context, a *models.Addon, snap *models.Snapshot, p Progress) (*Continue, error) {
	elapsed := p.Elapsed(s.now())
	current := a.VolumeIDList()

	gone, err := s.reconciler.Gone(ctx, a.AppID())
	if err != nil && !appErr.IsTransient(err) {
		s.fail(ctx, a, "app lookup failed", err)
		return nil, nil
	}
	if !gone || !s.volumes.Detached(ctx, current) {
		if elapsed >= s.opts.SuspendTimeout {
			s.fail(ctx, a, "app did not release its volumes", err)
			return nil, nil
		}
		return again(p, s.opts.PollInterval), nil
	}

	// frees the names the restored volumes take over
	if _, err := s.volumes.RenameToHistory(ctx, current, historySuffix(snap.ShortID)); err != nil {
		if elapsed >= s.opts.SuspendTimeout {
			s.fail(ctx, a, "old volumes could not be renamed", err)
			return nil, nil
		}
		return again(p, s.opts.PollInterval), nil
	}
	return s.restoreVolumes(ctx, a, snap, p.next(phaseRestore, s.now()))
}

func (s *addonService) restoreVolumes(ctx context.Context, a *models.Addon, snap *models.Snapshot, p Progress) (*Continue, error) {
	log := s.log.With(zap.String("addon", a.Slug()), zap.Int("short_id", snap.ShortID))
	elapsed := p.Elapsed(s.now())

	res := s.snapshots.Restore(ctx, a, snap, nil)
	if !res.Complete() {
		if elapsed >= s.opts.VolumeTimeout {
			s.fail(ctx, a, "snapshot could not be restored",
				appErr.New(appErr.CodeUnavailable, "unresolved snapshots").WithMeta("unresolved", res.Unresolved))
			return nil, nil
		}
		log.Warn("restore incomplete, retrying", zap.Strings("unresolved", res.Unresolved))
		return again(p, s.opts.PollInterval), nil
	}
	if !s.volumes.Available(ctx, res.VolumeIDs) {
		if elapsed >= s.opts.VolumeTimeout {
			s.fail(ctx, a, "restored volumes never became available", nil)
			return nil, nil
		}
		return again(p, s.opts.PollInterval), nil
	}

	// the snapshot keeps the displaced volumes until it is destroyed
	old := a.VolumeIDList()
	if err := s.snapRepo.SaveIDs(ctx, snap.ID, snap.SnapshotIDList(), utils.Unique(append(snap.VolumeIDList(), old...))); err != nil {
		return nil, err
	}
	if err := s.addons.SaveVolumeIDs(ctx, a.ID, res.VolumeIDs); err != nil {
		return nil, err
	}
	a.SetVolumeIDList(res.VolumeIDs)
	log.Info("volumes restored", zap.Strings("volume_ids", res.VolumeIDs), zap.Strings("displaced", old))
	return s.restoreDeploy(ctx, a)
}

func (s *addonService) restoreDeploy(ctx context.Context, a *models.Addon) (*Continue, error) {
	dep, err := s.dependency(ctx, a)
	if err != nil {
		return nil, err
	}
	op := func() error {
		_, err := s.reconciler.Reconcile(ctx, a, compiler.Input{Dependency: dep}, false)
		if appErr.IsCode(err, appErr.CodeInvalid) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		s.log.Warn("redeploy after restore failed, retrying",
			zap.String("addon", a.Slug()),
			zap.Duration("in", next),
			zap.Error(err),
		)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(s.backoff(), uint64(s.opts.RestoreRetries-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		s.fail(ctx, a, "restored addon could not be deployed", err)
	}
	return nil, nil
}

func (s *addonService) dependency(ctx context.Context, a *models.Addon) (*models.Addon, error) {
	if !a.HasDependency() {
		return nil, nil
	}
	return s.get(ctx, *a.DependID)
}

// RunSuspendCheck marks the addon Suspend once no task runs. Past the
// suspend timeout the scale deployment is cancelled and the rollback the
// scheduler starts is tracked instead.
func (s *addonService) RunSuspendCheck(ctx context.Context, id uuid.UUID, p Progress) (*Continue, error) {
	return exclusiveStep(ctx, s.locker, addonKey(id), p, s.opts.PollInterval, func() (*Continue, error) {
		a, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if a.Status == models.StatusSuspend {
			return nil, nil
		}
		p = p.started(s.now())
		down, err := s.reconciler.ScaledDown(ctx, a.AppID())
		if err == nil && down {
			return nil, s.setStatus(ctx, a, models.StatusSuspend)
		}
		if err != nil && !appErr.IsTransient(err) {
			return nil, err
		}
		if p.Elapsed(s.now()) < s.opts.SuspendTimeout {
			return again(p, s.opts.PollInterval), nil
		}

		s.log.Warn("suspend timed out, cancelling deployment", zap.String("addon", a.Slug()), zap.String("deployment_id", a.DeploymentID))
		if !a.InFlight() {
			return nil, nil
		}
		res, err := s.reconciler.CancelDeployment(ctx, a.DeploymentID, false)
		if appErr.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return nil, s.reconciler.Track(ctx, a, res, a.Status)
	})
}

// CheckStatus is the deployment watchdog: a deployment still listed after
// the status timeout failed, one that is gone succeeded. A deployment the
// addon no longer tracks was superseded and is left alone.
func (s *addonService) CheckStatus(ctx context.Context, deploymentID string) error {
	a, err := s.addons.GetByDeploymentID(ctx, deploymentID)
	if appErr.IsNotFound(err) {
		s.log.Debug("deployment superseded", zap.String("deployment_id", deploymentID))
		return nil
	}
	if err != nil {
		return err
	}
	return exclusive(ctx, s.locker, addonKey(a.ID), func() error {
		listed, err := s.reconciler.DeploymentListed(ctx, deploymentID)
		if err != nil {
			return err
		}
		to := models.StatusRunning
		if listed {
			to = models.StatusFailed
		} else if a.Status == models.StatusSuspend {
			return nil
		}
		ok, err := s.addons.UpdateStatusIfDeployment(ctx, a.ID, deploymentID, to)
		if appErr.IsConflict(err) {
			s.log.Debug("watchdog transition refused", zap.String("addon", a.Slug()), zap.Error(err))
			return nil
		}
		if err != nil || !ok {
			return err
		}
		if a.Status != to {
			metrics.RecordTransition(string(models.KindAddon), string(to))
			s.log.Info("watchdog settled addon",
				zap.String("addon", a.Slug()),
				zap.String("deployment_id", deploymentID),
				zap.String("status", string(to)),
			)
		}
		return nil
	})
}

// RunSnapshot snapshots the addon and prunes snapshots beyond its keep.
// Volumes that could not be snapshotted are logged; only a snapshot with no
// copy at all fails.
func (s *addonService) RunSnapshot(ctx context.Context, id uuid.UUID, description string) error {
	return exclusive(ctx, s.locker, addonKey(id), func() error {
		a, err := s.get(ctx, id)
		if err != nil {
			return err
		}
		snap, err := s.snapshots.Create(ctx, a, description)
		if snap == nil {
			return err
		}
		if err != nil {
			s.log.Warn("snapshot incomplete", zap.String("addon", a.Slug()), zap.Int("short_id", snap.ShortID), zap.Error(err))
		}
		pruned, err := s.snapshots.Prune(ctx, a, a.BackupKeep)
		if err != nil {
			s.log.Warn("prune snapshots failed", zap.String("addon", a.Slug()), zap.Error(err))
		}
		if len(pruned) > 0 {
			s.log.Info("snapshots pruned", zap.String("addon", a.Slug()), zap.Ints("short_ids", pruned))
		}
		return nil
	})
}

func (s *addonService) RunDestroySnapshot(ctx context.Context, id uuid.UUID, shortID int) error {
	return exclusive(ctx, s.locker, addonKey(id), func() error {
		snap, err := s.snapRepo.GetByShortID(ctx, id, shortID)
		if appErr.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.snapshots.Destroy(ctx, snap)
	})
}

// ReclaimVolumes deletes the volumes of a destroyed addon. References are
// dropped only for volumes confirmed gone; the rest fail the call so it is
// retried.
func (s *addonService) ReclaimVolumes(ctx context.Context, id uuid.UUID) error {
	a, err := s.addons.GetByIDWithDeleted(ctx, id)
	if err != nil {
		return err
	}
	if !a.IsDeleted() {
		s.log.Info("addon is live again, keeping volumes", zap.String("addon", a.Slug()))
		return nil
	}
	if !addons.MustLookup(a.Kind).HasStorage() {
		return nil
	}
	return exclusive(ctx, s.locker, addonKey(id), func() error {
		found, err := s.volumes.Resolve(ctx, volumeNames(a))
		if err != nil {
			return err
		}
		ids := utils.Unique(append(a.VolumeIDList(), found...))
		deleted, delErr := s.volumes.Delete(ctx, ids)
		remaining := sets.List(sets.New(ids...).Difference(sets.New(deleted...)))
		if err := s.addons.SaveVolumeIDs(ctx, a.ID, remaining); err != nil {
			return err
		}
		s.log.Info("addon volumes reclaimed",
			zap.String("addon", a.Slug()),
			zap.Strings("deleted", deleted),
			zap.Strings("remaining", remaining),
		)
		return delErr
	})
}

// PlanBackups lists the snapshots due on day for every addon with backups
// enabled and volumes to copy.
func (s *addonService) PlanBackups(ctx context.Context, day time.Time) ([]BackupPlan, error) {
	list, err := s.addons.ListBackupEnabled(ctx)
	if err != nil {
		return nil, err
	}
	day = day.In(s.opts.Location)
	var plans []BackupPlan
	for i := range list {
		a := &list[i]
		if !a.HasVolumes() || !addons.MustLookup(a.Kind).HasStorage() {
			continue
		}
		plans = append(plans, BackupPlan{AddonID: a.ID, At: a.BackupAt(day)})
	}
	return plans, nil
}

// Recover re-enqueues work a worker restart interrupted. It returns the
// number of addons touched.
func (s *addonService) Recover(ctx context.Context) (int, error) {
	stuck, err := s.addons.ListByStatus(ctx, models.StatusStaging, models.StatusResetting, models.StatusRestoring)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range stuck {
		a := &stuck[i]
		switch {
		case a.Status == models.StatusResetting:
			err = s.dispatcher.ResetAddon(ctx, a.ID)
		case a.Status == models.StatusStaging && !a.InFlight():
			err = s.dispatcher.ProvisionAddon(ctx, a.ID)
		case a.Status == models.StatusRestoring:
			// a listed deployment is still covered by its watchdog
			listed, lerr := s.reconciler.DeploymentListed(ctx, a.DeploymentID)
			if lerr != nil {
				return n, lerr
			}
			if listed {
				continue
			}
			s.fail(ctx, a, "restore was interrupted", nil)
		default:
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
