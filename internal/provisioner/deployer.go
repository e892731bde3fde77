package provisioner

import (
	"context"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/hubot-paas/orchestrator/internal/metrics"
	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/provisioner/compiler"
	"github.com/hubot-paas/orchestrator/internal/repository"
	"github.com/hubot-paas/orchestrator/internal/scheduler"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
	"github.com/hubot-paas/orchestrator/pkg/logger"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionNoop   Action = "noop"
	ActionScale  Action = "scale"
	ActionNone   Action = "absent"
)

// Outcome is what a reconciliation did and the state it persisted.
type Outcome struct {
	Action Action
	State  models.DeploymentState
	Status models.Status
}

// deploymentStore is implemented by both the addon and release repositories.
type deploymentStore interface {
	SaveDeployment(ctx context.Context, id uuid.UUID, state models.DeploymentState, status models.Status) error
}

// runningMarker is implemented by stores that keep at most one Running
// resource per project.
type runningMarker interface {
	MarkRunningExclusive(ctx context.Context, id uuid.UUID, deploymentID string) (bool, error)
}

// Reconciler keeps one scheduler app per resource in line with the record.
// Callers serialize calls per resource.
type Reconciler struct {
	client    scheduler.Client
	compiler  *compiler.Compiler
	stores    map[models.ResourceKind]deploymentStore
	followups Followups
	opts      Options
	log       *zap.Logger
}

func NewReconciler(client scheduler.Client, comp *compiler.Compiler, addons repository.AddonRepository, releases repository.ReleaseRepository, followups Followups, opts Options) *Reconciler {
	return &Reconciler{
		client:   client,
		compiler: comp,
		stores: map[models.ResourceKind]deploymentStore{
			models.KindAddon:   addons,
			models.KindRelease: releases,
		},
		followups: followups,
		opts:      opts.withDefaults(),
		log:       logger.Named("reconciler"),
	}
}

func (r *Reconciler) Client() scheduler.Client { return r.client }

func (r *Reconciler) Options() Options { return r.opts }

var specOptions = cmp.Options{
	cmpopts.EquateEmpty(),
	cmpopts.IgnoreFields(scheduler.PortMapping{}, "ServicePort"),
}

// SameSpec reports whether the scheduler already runs want.
func SameSpec(want, got *scheduler.App) bool {
	return cmp.Equal(want.Spec(), got.Spec(), specOptions)
}

// pendingStatus is the status a resource takes while a deployment rolls
// out. Restoring keeps its status until the deployment succeeds.
func pendingStatus(cur models.Status) models.Status {
	if models.CanTransition(cur, models.StatusStaging) {
		return models.StatusStaging
	}
	return cur
}

func (r *Reconciler) save(ctx context.Context, res models.Deployable, state models.DeploymentState, status models.Status) error {
	store, ok := r.stores[res.ResourceKind()]
	if !ok {
		return appErr.Newf(appErr.CodeUnsupported, "no store for %s", res.ResourceKind())
	}
	return store.SaveDeployment(ctx, res.ResourceID(), state, status)
}

// Reconcile creates the resource's app when the scheduler has none and
// updates it otherwise. The new version and deployment id are persisted
// before returning and a status check is scheduled for the deployment.
func (r *Reconciler) Reconcile(ctx context.Context, res models.Deployable, in compiler.Input, force bool) (out *Outcome, err error) {
	start := time.Now()
	kind := string(res.ResourceKind())
	defer func() {
		action := "error"
		if out != nil {
			action = string(out.Action)
		}
		metrics.RecordReconcile(kind, action, time.Since(start).Seconds())
	}()

	want, err := r.compiler.Compile(res, in)
	if err != nil {
		return nil, err
	}
	log := r.log.With(zap.String("kind", kind), zap.String("app", res.AppID()))

	current, err := r.client.GetApp(ctx, res.AppID())
	if err != nil && !appErr.IsNotFound(err) {
		return nil, err
	}

	var (
		result *scheduler.DeploymentResult
		action Action
	)
	switch {
	case current == nil:
		action = ActionCreate
		result, err = r.client.CreateApp(ctx, want)
	case !force && SameSpec(want, current):
		return r.settle(ctx, res, current)
	default:
		action = ActionUpdate
		result, err = r.client.UpdateApp(ctx, res.AppID(), want, force)
	}
	if err != nil {
		log.Warn("reconcile failed", zap.String("action", string(action)), zap.Error(err))
		return nil, err
	}

	out = &Outcome{
		Action: action,
		State:  models.DeploymentState{SchedulerVersion: result.Version, DeploymentID: result.DeploymentID},
		Status: pendingStatus(res.CurrentStatus()),
	}
	if err := r.save(ctx, res, out.State, out.Status); err != nil {
		return nil, err
	}
	log.Info("deployment started",
		zap.String("action", string(action)),
		zap.String("deployment_id", result.DeploymentID),
		zap.String("version", result.Version),
		zap.Bool("force", force),
	)
	r.scheduleStatusCheck(ctx, res.ResourceKind(), result.DeploymentID)
	return out, nil
}

// settle handles an app that already matches the record. A deployment still
// rolling out is tracked; otherwise the resource is running. Releases go
// through MarkRunningExclusive so the project's other Running release is
// finished.
func (r *Reconciler) settle(ctx context.Context, res models.Deployable, current *scheduler.App) (*Outcome, error) {
	out := &Outcome{Action: ActionNoop, State: models.DeploymentState{SchedulerVersion: current.Version}}
	marker, exclusive := r.stores[res.ResourceKind()].(runningMarker)
	switch {
	case len(current.Deployments) > 0:
		out.State.DeploymentID = current.Deployments[0].ID
		out.Status = pendingStatus(res.CurrentStatus())
	case exclusive:
		out.Status = res.CurrentStatus()
		if out.Status != models.StatusRunning {
			out.Status = pendingStatus(out.Status)
		}
	default:
		out.Status = models.StatusRunning
		if !models.CanTransition(res.CurrentStatus(), models.StatusRunning) {
			out.Status = res.CurrentStatus()
		}
	}
	if err := r.save(ctx, res, out.State, out.Status); err != nil {
		return nil, err
	}
	if out.State.InFlight() {
		if out.State.DeploymentID != res.Deployment().DeploymentID {
			r.scheduleStatusCheck(ctx, res.ResourceKind(), out.State.DeploymentID)
		}
		return out, nil
	}
	if exclusive {
		ok, err := marker.MarkRunningExclusive(ctx, res.ResourceID(), "")
		if err != nil {
			return nil, err
		}
		if ok {
			out.Status = models.StatusRunning
		}
	}
	return out, nil
}

func (r *Reconciler) scheduleStatusCheck(ctx context.Context, kind models.ResourceKind, deploymentID string) {
	if r.followups == nil || deploymentID == "" {
		return
	}
	if err := r.followups.ScheduleStatusCheck(ctx, kind, deploymentID, r.opts.StatusTimeout); err != nil {
		r.log.Error("schedule status check failed", zap.String("deployment_id", deploymentID), zap.Error(err))
	}
}

// Suspend scales the app to zero. With wait it polls until no task runs and
// deletes the app outright when that takes longer than the suspend timeout;
// otherwise a suspend check is scheduled.
func (r *Reconciler) Suspend(ctx context.Context, res models.Deployable, wait bool) (*Outcome, error) {
	log := r.log.With(zap.String("app", res.AppID()))
	out, err := r.ScaleDown(ctx, res)
	if err != nil || out.Action == ActionNone {
		return out, err
	}

	if !wait {
		if r.followups != nil {
			if err := r.followups.ScheduleSuspendCheck(ctx, res.ResourceKind(), res.ResourceID()); err != nil {
				log.Error("schedule suspend check failed", zap.Error(err))
			}
		}
		return out, nil
	}

	if err := r.pollScaledDown(ctx, res.AppID(), r.opts.SuspendTimeout); err != nil {
		log.Warn("suspend timed out, deleting app", zap.Error(err))
		if err := r.Delete(ctx, res, true); err != nil {
			return nil, err
		}
		out.Action = ActionNone
	}
	return out, nil
}

// ScaleDown asks the scheduler to scale the app to zero and persists the
// resulting deployment. It neither waits nor schedules a check. A missing
// app reports ActionNone.
func (r *Reconciler) ScaleDown(ctx context.Context, res models.Deployable) (*Outcome, error) {
	if _, err := r.client.GetApp(ctx, res.AppID()); err != nil {
		if appErr.IsNotFound(err) {
			return &Outcome{Action: ActionNone, State: res.Deployment(), Status: res.CurrentStatus()}, nil
		}
		return nil, err
	}
	result, err := r.client.ScaleApp(ctx, res.AppID(), 0, false)
	if appErr.IsConflict(err) {
		r.log.Info("app is deploying, forcing scale to zero", zap.String("app", res.AppID()))
		result, err = r.client.ScaleApp(ctx, res.AppID(), 0, true)
	}
	if err != nil {
		return nil, err
	}
	out := &Outcome{
		Action: ActionScale,
		State:  models.DeploymentState{SchedulerVersion: result.Version, DeploymentID: result.DeploymentID},
		Status: res.CurrentStatus(),
	}
	if err := r.save(ctx, res, out.State, out.Status); err != nil {
		return nil, err
	}
	return out, nil
}

// ScaledDown reports whether the app runs no task. A missing app is scaled
// down.
func (r *Reconciler) ScaledDown(ctx context.Context, appID string) (bool, error) {
	app, err := r.client.GetApp(ctx, appID)
	if appErr.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return app.Instances == 0 && app.TasksRunning == 0, nil
}

func (r *Reconciler) pollScaledDown(ctx context.Context, appID string, timeout time.Duration) error {
	return wait.PollUntilContextTimeout(ctx, r.opts.PollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		done, err := r.ScaledDown(ctx, appID)
		if err != nil && !appErr.IsTransient(err) {
			return false, err
		}
		return done, nil
	})
}

// Delete removes the app. A missing app counts as deleted. With wait it
// polls until the scheduler no longer knows the app.
func (r *Reconciler) Delete(ctx context.Context, res models.Deployable, wait bool) error {
	_, err := r.client.DeleteApp(ctx, res.AppID(), false)
	if appErr.IsConflict(err) {
		_, err = r.client.DeleteApp(ctx, res.AppID(), true)
	}
	if err != nil && !appErr.IsNotFound(err) {
		return err
	}
	r.log.Info("app deleted", zap.String("app", res.AppID()), zap.Bool("wait", wait))
	if !wait {
		return nil
	}
	return r.pollGone(ctx, res.AppID(), r.opts.SuspendTimeout)
}

func (r *Reconciler) pollGone(ctx context.Context, appID string, timeout time.Duration) error {
	err := wait.PollUntilContextTimeout(ctx, r.opts.PollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		_, err := r.client.GetApp(ctx, appID)
		if appErr.IsNotFound(err) {
			return true, nil
		}
		if err != nil && !appErr.IsTransient(err) {
			return false, err
		}
		return false, nil
	})
	if err != nil {
		return appErr.Wrap(err, appErr.CodeDeadline, "app "+appID+" still present")
	}
	return nil
}

// Gone reports whether the scheduler no longer knows the app.
func (r *Reconciler) Gone(ctx context.Context, appID string) (bool, error) {
	_, err := r.client.GetApp(ctx, appID)
	if appErr.IsNotFound(err) {
		return true, nil
	}
	return false, err
}

// DeploymentListed reports whether the scheduler still runs deploymentID.
func (r *Reconciler) DeploymentListed(ctx context.Context, deploymentID string) (bool, error) {
	deps, err := r.client.ListDeployments(ctx)
	if err != nil {
		return false, err
	}
	ids := sets.New[string]()
	for _, d := range deps {
		ids.Insert(d.ID)
	}
	return ids.Has(deploymentID), nil
}

// CancelDeployment stops a deployment. Without force the scheduler rolls
// the app back and the returned result tracks that rollback.
func (r *Reconciler) CancelDeployment(ctx context.Context, deploymentID string, force bool) (*scheduler.DeploymentResult, error) {
	return r.client.DeleteDeployment(ctx, deploymentID, force)
}

// Track persists a deployment started outside Reconcile and schedules its
// status check.
func (r *Reconciler) Track(ctx context.Context, res models.Deployable, result *scheduler.DeploymentResult, status models.Status) error {
	state := models.DeploymentState{SchedulerVersion: result.Version, DeploymentID: result.DeploymentID}
	if err := r.save(ctx, res, state, status); err != nil {
		return err
	}
	r.scheduleStatusCheck(ctx, res.ResourceKind(), result.DeploymentID)
	return nil
}
