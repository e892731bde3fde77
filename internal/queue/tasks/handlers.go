package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/hubot-paas/orchestrator/internal/metrics"
	"github.com/hubot-paas/orchestrator/internal/queue"
	"github.com/hubot-paas/orchestrator/internal/services"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
	"github.com/hubot-paas/orchestrator/pkg/logger"
)

// AddonSteps is the part of services.AddonService the worker runs.
type AddonSteps interface {
	RunProvision(ctx context.Context, id uuid.UUID, p services.Progress) (*services.Continue, error)
	RunReset(ctx context.Context, id uuid.UUID, p services.Progress) (*services.Continue, error)
	RunRestore(ctx context.Context, id uuid.UUID, shortID int, p services.Progress) (*services.Continue, error)
	RunSuspendCheck(ctx context.Context, id uuid.UUID, p services.Progress) (*services.Continue, error)
	RunSnapshot(ctx context.Context, id uuid.UUID, description string) error
	RunDestroySnapshot(ctx context.Context, id uuid.UUID, shortID int) error
	ReclaimVolumes(ctx context.Context, id uuid.UUID) error
	CheckStatus(ctx context.Context, deploymentID string) error
	PlanBackups(ctx context.Context, day time.Time) ([]services.BackupPlan, error)
}

// ReleaseSteps is the part of services.ReleaseService the worker runs.
type ReleaseSteps interface {
	RunDeploy(ctx context.Context, id uuid.UUID, force bool, p services.Progress) (*services.Continue, error)
	RunSuspendCheck(ctx context.Context, id uuid.UUID, p services.Progress) (*services.Continue, error)
	CheckStatus(ctx context.Context, deploymentID string) error
	Rollback(ctx context.Context, id uuid.UUID) error
}

// Requeuer puts unfinished steps and planned backups back on the queue.
type Requeuer interface {
	Requeue(ctx context.Context, typ string, payload any, delay time.Duration) error
	ScheduleSnapshot(ctx context.Context, addonID uuid.UUID, at time.Time) error
}

// Handler runs every orchestration task type.
type Handler struct {
	addons   AddonSteps
	releases ReleaseSteps
	queue    Requeuer
	now      func() time.Time
}

func NewHandler(addons AddonSteps, releases ReleaseSteps, q Requeuer) *Handler {
	return &Handler{addons: addons, releases: releases, queue: q, now: time.Now}
}

// Register mounts the handlers on mux.
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeAddonProvision, h.HandleAddonProvision)
	mux.HandleFunc(queue.TypeAddonReset, h.HandleAddonReset)
	mux.HandleFunc(queue.TypeAddonRestore, h.HandleAddonRestore)
	mux.HandleFunc(queue.TypeAddonSuspendCheck, h.HandleAddonSuspendCheck)
	mux.HandleFunc(queue.TypeAddonStatusCheck, h.HandleAddonStatusCheck)
	mux.HandleFunc(queue.TypeAddonReclaim, h.HandleAddonReclaim)
	mux.HandleFunc(queue.TypeSnapshotCreate, h.HandleSnapshotCreate)
	mux.HandleFunc(queue.TypeSnapshotDestroy, h.HandleSnapshotDestroy)
	mux.HandleFunc(queue.TypeReleaseDeploy, h.HandleReleaseDeploy)
	mux.HandleFunc(queue.TypeReleaseSuspend, h.HandleReleaseSuspendCheck)
	mux.HandleFunc(queue.TypeReleaseStatusCheck, h.HandleReleaseStatusCheck)
	mux.HandleFunc(queue.TypeReleaseRollback, h.HandleReleaseRollback)
	mux.HandleFunc(queue.TypeBackupPlan, h.HandleBackupPlan)
}

// decode reads a task payload. A payload that does not parse will never
// parse, so the task is not retried.
func decode(t *asynq.Task, dest any) error {
	if err := json.Unmarshal(t.Payload(), dest); err != nil {
		logger.L().Error("invalid task payload", zap.String("type", t.Type()), zap.Error(err))
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}

// finish records the task outcome. Work on a resource that no longer
// exists is done, not failed.
func finish(t *asynq.Task, err error) error {
	if appErr.IsNotFound(err) {
		logger.L().Info("task target gone, skipping", zap.String("type", t.Type()), zap.Error(err))
		err = nil
	}
	metrics.RecordTask(t.Type(), err)
	if err != nil {
		logger.L().Error("task failed", zap.String("type", t.Type()), zap.Error(err))
	}
	return err
}

// step finishes a step task, putting it back on the queue when the step
// asked to continue.
func (h *Handler) step(ctx context.Context, t *asynq.Task, next *services.Continue, err error, payload func(services.Progress) any) error {
	if err == nil && next != nil {
		logger.L().Debug("step continues",
			zap.String("type", t.Type()),
			zap.Int("attempt", next.Progress.Attempt),
			zap.String("phase", next.Progress.Phase),
			zap.Duration("delay", next.Delay),
		)
		err = h.queue.Requeue(ctx, t.Type(), payload(next.Progress), next.Delay)
	}
	return finish(t, err)
}

func (h *Handler) HandleAddonProvision(ctx context.Context, t *asynq.Task) error {
	var p queue.AddonPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	logger.L().Info("handling addon provision", zap.String("addon_id", p.AddonID.String()), zap.Int("attempt", p.Progress.Attempt))
	next, err := h.addons.RunProvision(ctx, p.AddonID, p.Progress)
	return h.step(ctx, t, next, err, func(pr services.Progress) any { p.Progress = pr; return p })
}

func (h *Handler) HandleAddonReset(ctx context.Context, t *asynq.Task) error {
	var p queue.AddonPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	logger.L().Info("handling addon reset", zap.String("addon_id", p.AddonID.String()), zap.String("phase", p.Progress.Phase))
	next, err := h.addons.RunReset(ctx, p.AddonID, p.Progress)
	return h.step(ctx, t, next, err, func(pr services.Progress) any { p.Progress = pr; return p })
}

func (h *Handler) HandleAddonRestore(ctx context.Context, t *asynq.Task) error {
	var p queue.AddonPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	logger.L().Info("handling addon restore",
		zap.String("addon_id", p.AddonID.String()),
		zap.Int("short_id", p.ShortID),
		zap.String("phase", p.Progress.Phase),
	)
	next, err := h.addons.RunRestore(ctx, p.AddonID, p.ShortID, p.Progress)
	return h.step(ctx, t, next, err, func(pr services.Progress) any { p.Progress = pr; return p })
}

func (h *Handler) HandleAddonSuspendCheck(ctx context.Context, t *asynq.Task) error {
	var p queue.AddonPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	next, err := h.addons.RunSuspendCheck(ctx, p.AddonID, p.Progress)
	return h.step(ctx, t, next, err, func(pr services.Progress) any { p.Progress = pr; return p })
}

func (h *Handler) HandleAddonStatusCheck(ctx context.Context, t *asynq.Task) error {
	var p queue.StatusPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	logger.L().Info("addon status check", zap.String("deployment_id", p.DeploymentID))
	return finish(t, h.addons.CheckStatus(ctx, p.DeploymentID))
}

func (h *Handler) HandleAddonReclaim(ctx context.Context, t *asynq.Task) error {
	var p queue.AddonPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	logger.L().Info("reclaiming addon volumes", zap.String("addon_id", p.AddonID.String()))
	return finish(t, h.addons.ReclaimVolumes(ctx, p.AddonID))
}

func (h *Handler) HandleSnapshotCreate(ctx context.Context, t *asynq.Task) error {
	var p queue.AddonPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	logger.L().Info("creating snapshot", zap.String("addon_id", p.AddonID.String()), zap.String("description", p.Description))
	return finish(t, h.addons.RunSnapshot(ctx, p.AddonID, p.Description))
}

func (h *Handler) HandleSnapshotDestroy(ctx context.Context, t *asynq.Task) error {
	var p queue.AddonPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	logger.L().Info("destroying snapshot", zap.String("addon_id", p.AddonID.String()), zap.Int("short_id", p.ShortID))
	return finish(t, h.addons.RunDestroySnapshot(ctx, p.AddonID, p.ShortID))
}

func (h *Handler) HandleReleaseDeploy(ctx context.Context, t *asynq.Task) error {
	var p queue.ReleasePayload
	if err := decode(t, &p); err != nil {
		return err
	}
	logger.L().Info("handling release deploy",
		zap.String("release_id", p.ReleaseID.String()),
		zap.Bool("force", p.Force),
		zap.Int("attempt", p.Progress.Attempt),
	)
	next, err := h.releases.RunDeploy(ctx, p.ReleaseID, p.Force, p.Progress)
	return h.step(ctx, t, next, err, func(pr services.Progress) any { p.Progress = pr; return p })
}

func (h *Handler) HandleReleaseSuspendCheck(ctx context.Context, t *asynq.Task) error {
	var p queue.ReleasePayload
	if err := decode(t, &p); err != nil {
		return err
	}
	next, err := h.releases.RunSuspendCheck(ctx, p.ReleaseID, p.Progress)
	return h.step(ctx, t, next, err, func(pr services.Progress) any { p.Progress = pr; return p })
}

func (h *Handler) HandleReleaseStatusCheck(ctx context.Context, t *asynq.Task) error {
	var p queue.StatusPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	logger.L().Info("release status check", zap.String("deployment_id", p.DeploymentID))
	return finish(t, h.releases.CheckStatus(ctx, p.DeploymentID))
}

func (h *Handler) HandleReleaseRollback(ctx context.Context, t *asynq.Task) error {
	var p queue.ReleasePayload
	if err := decode(t, &p); err != nil {
		return err
	}
	logger.L().Info("rolling back release", zap.String("release_id", p.ReleaseID.String()))
	return finish(t, h.releases.Rollback(ctx, p.ReleaseID))
}

// HandleBackupPlan enqueues today's backups, each at its addon's backup
// time. Planning twice on one day enqueues nothing new.
func (h *Handler) HandleBackupPlan(ctx context.Context, t *asynq.Task) error {
	plans, err := h.addons.PlanBackups(ctx, h.now())
	if err != nil {
		return finish(t, err)
	}
	for _, plan := range plans {
		if err := h.queue.ScheduleSnapshot(ctx, plan.AddonID, plan.At); err != nil {
			return finish(t, err)
		}
	}
	logger.L().Info("backups planned", zap.Int("count", len(plans)))
	return finish(t, nil)
}
