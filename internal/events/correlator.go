package events

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hubot-paas/orchestrator/internal/metrics"
	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/repository"
	"github.com/hubot-paas/orchestrator/internal/scheduler"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
	"github.com/hubot-paas/orchestrator/pkg/logger"
)

const (
	labelAddon = "addon"
	labelLB    = "HAPROXY_GROUP"
)

const (
	outcomeApplied   = "applied"
	outcomeIgnored   = "ignored"
	outcomeUnmatched = "unmatched"
	outcomeStale     = "stale"
	outcomePending   = "pending"
	outcomeError     = "error"
)

// Handler consumes decoded events.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// Actions are the follow-ups the correlator hands off instead of running
// them on the stream goroutine.
type Actions interface {
	Rollback(ctx context.Context, releaseID uuid.UUID) error
	ReclaimVolumes(ctx context.Context, addonID uuid.UUID) error
}

type Options struct {
	MinHealthCapacity float64
	// StatusTimeout bounds quorum key lifetime and the window in which a
	// finished task means a failed release.
	StatusTimeout time.Duration
}

// Correlator maps events onto addons and releases. Every write is
// conditional on the version or deployment id the event names, so events
// may arrive late, twice or out of order.
type Correlator struct {
	apps     scheduler.Client
	addons   repository.AddonRepository
	releases repository.ReleaseRepository
	quorum   Quorum
	actions  Actions
	opts     Options
	log      *zap.Logger
}

var _ Handler = (*Correlator)(nil)

func NewCorrelator(apps scheduler.Client, addons repository.AddonRepository, releases repository.ReleaseRepository, quorum Quorum, actions Actions, opts Options) *Correlator {
	if opts.MinHealthCapacity <= 0 {
		opts.MinHealthCapacity = 0.6
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 900 * time.Second
	}
	return &Correlator{
		apps:     apps,
		addons:   addons,
		releases: releases,
		quorum:   quorum,
		actions:  actions,
		opts:     opts,
		log:      logger.Named("correlator"),
	}
}

func (c *Correlator) Handle(ctx context.Context, ev Event) error {
	var (
		outcome string
		err     error
	)
	switch ev.EventType {
	case TypeStatusUpdate:
		outcome, err = c.statusUpdate(ctx, ev)
	case TypeDeploymentSuccess:
		outcome, err = c.deploymentSuccess(ctx, ev)
	case TypeDeploymentFailed:
		outcome, err = c.deploymentFailed(ctx, ev)
	case TypeAppTerminated:
		outcome, err = c.appTerminated(ctx, ev)
	default:
		outcome = outcomeIgnored
	}
	if err != nil {
		outcome = outcomeError
		c.log.Error("handle event failed",
			zap.String("event_type", ev.EventType),
			zap.String("app", ev.AppID),
			zap.String("deployment_id", ev.ID),
			zap.Error(err),
		)
	}
	metrics.RecordEvent(ev.EventType, outcome)
	return err
}

func (c *Correlator) statusUpdate(ctx context.Context, ev Event) (string, error) {
	status, ok := taskStatus(ev.TaskStatus)
	if !ok {
		return outcomeIgnored, nil
	}
	app, err := c.apps.GetApp(ctx, ev.AppID)
	if appErr.IsNotFound(err) {
		return outcomeUnmatched, nil
	}
	if err != nil {
		return "", err
	}

	// one task report per timestamp; multi-instance apps move once enough
	// distinct reports arrived
	if app.Instances > 1 {
		need := int(math.Ceil(c.opts.MinHealthCapacity * float64(app.Instances)))
		reached, err := c.quorum.Observe(ctx, ev.AppKey()+":"+ev.Version, ev.Timestamp, need, c.opts.StatusTimeout)
		if err != nil {
			return "", err
		}
		if !reached {
			return outcomePending, nil
		}
	}

	if _, ok := app.Labels[labelAddon]; ok {
		return c.addonStatus(ctx, ev, status)
	}
	if _, ok := app.Labels[labelLB]; ok && status == models.StatusFinished {
		return c.releaseFinished(ctx, ev)
	}
	return outcomeIgnored, nil
}

func (c *Correlator) addonStatus(ctx context.Context, ev Event, status models.Status) (string, error) {
	a, err := c.addons.GetByAppVersion(ctx, ev.AppKey(), ev.Version)
	if appErr.IsNotFound(err) {
		return outcomeStale, nil
	}
	if err != nil {
		return "", err
	}
	if !models.CanTransition(a.Status, status) {
		c.log.Debug("task status does not apply",
			zap.String("addon", a.Slug()),
			zap.String("from", string(a.Status)),
			zap.String("to", string(status)),
		)
		return outcomeIgnored, nil
	}
	return c.applied(models.KindAddon, status)(c.addons.UpdateStatusIfDeployment(ctx, a.ID, a.DeploymentID, status))
}

// releaseFinished handles a release whose tasks exited on their own. Soon
// after its rollout that means the release is broken.
func (c *Correlator) releaseFinished(ctx context.Context, ev Event) (string, error) {
	rel, err := c.releases.GetByAppVersion(ctx, ev.AppKey(), ev.Version)
	if appErr.IsNotFound(err) {
		return outcomeStale, nil
	}
	if err != nil {
		return "", err
	}
	if !c.withinRollbackWindow(ev) {
		return c.applied(models.KindRelease, models.StatusFinished)(
			c.releases.UpdateStatusIfDeployment(ctx, rel.ID, rel.DeploymentID, models.StatusFinished))
	}
	return c.failRelease(ctx, rel, rel.DeploymentID)
}

func (c *Correlator) withinRollbackWindow(ev Event) bool {
	ts, ok := parseTime(ev.Timestamp)
	if !ok {
		return false
	}
	v, ok := parseTime(ev.Version)
	if !ok {
		return false
	}
	return ts.Sub(v) < c.opts.StatusTimeout
}

func (c *Correlator) failRelease(ctx context.Context, rel *models.Release, deploymentID string) (string, error) {
	outcome, err := c.applied(models.KindRelease, models.StatusFailed)(
		c.releases.UpdateStatusIfDeployment(ctx, rel.ID, deploymentID, models.StatusFailed))
	if err != nil || outcome != outcomeApplied {
		return outcome, err
	}
	c.log.Warn("release failed, rolling back", zap.String("release", rel.ID.String()), zap.String("app", rel.AppKey))
	if err := c.actions.Rollback(ctx, rel.ID); err != nil {
		return "", err
	}
	return outcome, nil
}

func (c *Correlator) deploymentSuccess(ctx context.Context, ev Event) (string, error) {
	rel, err := c.releases.GetByDeploymentID(ctx, ev.ID)
	switch {
	case err == nil:
		if rel.Status == models.StatusSuspend {
			return outcomeIgnored, nil
		}
		return c.applied(models.KindRelease, models.StatusRunning)(c.releases.MarkRunningExclusive(ctx, rel.ID, ev.ID))
	case !appErr.IsNotFound(err):
		return "", err
	}

	a, err := c.addons.GetByDeploymentID(ctx, ev.ID)
	if appErr.IsNotFound(err) {
		return outcomeUnmatched, nil
	}
	if err != nil {
		return "", err
	}
	if a.Status == models.StatusSuspend {
		return outcomeIgnored, nil
	}
	return c.applied(models.KindAddon, models.StatusRunning)(c.addons.UpdateStatusIfDeployment(ctx, a.ID, ev.ID, models.StatusRunning))
}

func (c *Correlator) deploymentFailed(ctx context.Context, ev Event) (string, error) {
	rel, err := c.releases.GetByDeploymentID(ctx, ev.ID)
	switch {
	case err == nil:
		return c.failRelease(ctx, rel, ev.ID)
	case !appErr.IsNotFound(err):
		return "", err
	}

	a, err := c.addons.GetByDeploymentID(ctx, ev.ID)
	if appErr.IsNotFound(err) {
		return outcomeUnmatched, nil
	}
	if err != nil {
		return "", err
	}
	return c.applied(models.KindAddon, models.StatusFailed)(c.addons.UpdateStatusIfDeployment(ctx, a.ID, ev.ID, models.StatusFailed))
}

// appTerminated frees the volumes of an addon deleted while its app was
// still shutting down.
func (c *Correlator) appTerminated(ctx context.Context, ev Event) (string, error) {
	a, err := c.addons.GetByAppIDWithDeleted(ctx, ev.AppKey())
	if appErr.IsNotFound(err) {
		return outcomeUnmatched, nil
	}
	if err != nil {
		return "", err
	}
	if !a.IsDeleted() {
		return outcomeIgnored, nil
	}
	if err := c.actions.ReclaimVolumes(ctx, a.ID); err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

// applied turns the result of a conditional status write into an outcome.
// A lost compare-and-set is stale; a refused transition is ignored.
func (c *Correlator) applied(kind models.ResourceKind, to models.Status) func(bool, error) (string, error) {
	return func(ok bool, err error) (string, error) {
		switch {
		case appErr.IsConflict(err):
			return outcomeIgnored, nil
		case appErr.IsNotFound(err):
			return outcomeStale, nil
		case err != nil:
			return "", err
		case !ok:
			return outcomeStale, nil
		}
		metrics.RecordTransition(string(kind), string(to))
		return outcomeApplied, nil
	}
}
