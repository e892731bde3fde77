// Package queue puts orchestration work on the asynq queue. Task handlers
// live in queue/tasks.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/hubot-paas/orchestrator/internal/events"
	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/provisioner"
	"github.com/hubot-paas/orchestrator/internal/services"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
	"github.com/hubot-paas/orchestrator/pkg/logger"
	"github.com/hubot-paas/orchestrator/pkg/utils"
)

// Task types
const (
	TypeAddonProvision     = "addon:provision"
	TypeAddonReset         = "addon:reset"
	TypeAddonRestore       = "addon:restore"
	TypeAddonSuspendCheck  = "addon:suspend_check"
	TypeAddonStatusCheck   = "addon:status_check"
	TypeAddonReclaim       = "addon:reclaim_volumes"
	TypeSnapshotCreate     = "snapshot:create"
	TypeSnapshotDestroy    = "snapshot:destroy"
	TypeReleaseDeploy      = "release:deploy"
	TypeReleaseSuspend     = "release:suspend_check"
	TypeReleaseStatusCheck = "release:status_check"
	TypeReleaseRollback    = "release:rollback"
	TypeBackupPlan         = "backup:plan"
)

// uniqueFor coalesces identical requests made while one is still pending.
const uniqueFor = 10 * time.Minute

// AddonPayload addresses an addon step. ShortID and Description are set
// for snapshot work only.
type AddonPayload struct {
	AddonID     uuid.UUID         `json:"addon_id"`
	ShortID     int               `json:"short_id,omitempty"`
	Description string            `json:"description,omitempty"`
	Progress    services.Progress `json:"progress"`
}

type ReleasePayload struct {
	ReleaseID uuid.UUID         `json:"release_id"`
	Force     bool              `json:"force,omitempty"`
	Progress  services.Progress `json:"progress"`
}

type StatusPayload struct {
	DeploymentID string `json:"deployment_id"`
}

// Enqueuer is the producer side of the queue. It starts the services'
// background work, the reconciler's follow-up checks and the correlator's
// reactions.
type Enqueuer struct {
	client *asynq.Client
	log    *zap.Logger
}

func NewEnqueuer(client *asynq.Client) *Enqueuer {
	return &Enqueuer{client: client, log: logger.Named("queue")}
}

var (
	_ services.Dispatcher   = (*Enqueuer)(nil)
	_ provisioner.Followups = (*Enqueuer)(nil)
	_ events.Actions        = (*Enqueuer)(nil)
)

func (e *Enqueuer) enqueue(ctx context.Context, typ string, payload any, opts ...asynq.Option) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "marshal "+typ+" payload failed")
	}
	if e.client == nil {
		e.log.Warn("asynq client not configured, skipping enqueue", zap.String("type", typ))
		return nil
	}
	info, err := e.client.EnqueueContext(ctx, asynq.NewTask(typ, b), opts...)
	if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
		e.log.Debug("task already queued", zap.String("type", typ))
		return nil
	}
	if err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "enqueue "+typ+" failed")
	}
	e.log.Debug("task enqueued", zap.String("type", typ), zap.String("task_id", info.ID), zap.Time("process_at", info.NextProcessAt))
	return nil
}

// Requeue puts a step back with its progress after delay.
func (e *Enqueuer) Requeue(ctx context.Context, typ string, payload any, delay time.Duration) error {
	return e.enqueue(ctx, typ, payload, asynq.ProcessIn(delay))
}

// ScheduleSnapshot enqueues a backup at the given time, once per addon and
// day.
func (e *Enqueuer) ScheduleSnapshot(ctx context.Context, addonID uuid.UUID, at time.Time) error {
	id := "backup:" + utils.HashKey(addonID.String(), at.Format("2006-01-02"))
	return e.enqueue(ctx, TypeSnapshotCreate, AddonPayload{AddonID: addonID, Description: "daily backup"},
		asynq.ProcessAt(at), asynq.TaskID(id))
}

func (e *Enqueuer) ProvisionAddon(ctx context.Context, id uuid.UUID) error {
	return e.enqueue(ctx, TypeAddonProvision, AddonPayload{AddonID: id}, asynq.Unique(uniqueFor))
}

func (e *Enqueuer) ResetAddon(ctx context.Context, id uuid.UUID) error {
	return e.enqueue(ctx, TypeAddonReset, AddonPayload{AddonID: id}, asynq.Unique(uniqueFor))
}

func (e *Enqueuer) RestoreAddon(ctx context.Context, id uuid.UUID, shortID int) error {
	return e.enqueue(ctx, TypeAddonRestore, AddonPayload{AddonID: id, ShortID: shortID}, asynq.Unique(uniqueFor))
}

func (e *Enqueuer) CreateSnapshot(ctx context.Context, id uuid.UUID, description string) error {
	return e.enqueue(ctx, TypeSnapshotCreate, AddonPayload{AddonID: id, Description: description})
}

func (e *Enqueuer) DestroySnapshot(ctx context.Context, id uuid.UUID, shortID int) error {
	return e.enqueue(ctx, TypeSnapshotDestroy, AddonPayload{AddonID: id, ShortID: shortID}, asynq.Unique(uniqueFor))
}

func (e *Enqueuer) ReclaimVolumes(ctx context.Context, id uuid.UUID) error {
	return e.enqueue(ctx, TypeAddonReclaim, AddonPayload{AddonID: id}, asynq.Unique(uniqueFor))
}

func (e *Enqueuer) DeployRelease(ctx context.Context, id uuid.UUID, force bool) error {
	return e.enqueue(ctx, TypeReleaseDeploy, ReleasePayload{ReleaseID: id, Force: force}, asynq.Unique(uniqueFor))
}

func (e *Enqueuer) Rollback(ctx context.Context, releaseID uuid.UUID) error {
	return e.enqueue(ctx, TypeReleaseRollback, ReleasePayload{ReleaseID: releaseID}, asynq.Unique(uniqueFor))
}

func (e *Enqueuer) ScheduleStatusCheck(ctx context.Context, kind models.ResourceKind, deploymentID string, delay time.Duration) error {
	typ := TypeAddonStatusCheck
	if kind == models.KindRelease {
		typ = TypeReleaseStatusCheck
	}
	return e.enqueue(ctx, typ, StatusPayload{DeploymentID: deploymentID},
		asynq.ProcessIn(delay), asynq.TaskID(typ+":"+deploymentID))
}

func (e *Enqueuer) ScheduleSuspendCheck(ctx context.Context, kind models.ResourceKind, id uuid.UUID) error {
	if kind == models.KindRelease {
		return e.enqueue(ctx, TypeReleaseSuspend, ReleasePayload{ReleaseID: id}, asynq.Unique(uniqueFor))
	}
	return e.enqueue(ctx, TypeAddonSuspendCheck, AddonPayload{AddonID: id}, asynq.Unique(uniqueFor))
}
