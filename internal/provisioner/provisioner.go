// Package provisioner reconciles addons and releases against the scheduler
// and block storage.
package provisioner

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/pkg/config"
)

// Followups schedules the delayed checks that close an operation. The work
// queue implements it; checks never block the caller.
type Followups interface {
	// ScheduleStatusCheck runs the deployment watchdog after delay.
	ScheduleStatusCheck(ctx context.Context, kind models.ResourceKind, deploymentID string, delay time.Duration) error
	// ScheduleSuspendCheck polls a resource being scaled to zero.
	ScheduleSuspendCheck(ctx context.Context, kind models.ResourceKind, id uuid.UUID) error
}

// Options are the timing knobs shared by the managers.
type Options struct {
	StatusTimeout  time.Duration
	VolumeTimeout  time.Duration
	SuspendTimeout time.Duration
	PollInterval   time.Duration
}

func OptionsFromConfig(c *config.Config) Options {
	return Options{
		StatusTimeout:  c.StatusTimeout,
		VolumeTimeout:  c.VolumeTimeout,
		SuspendTimeout: c.SuspendTimeout,
		PollInterval:   c.PollInterval,
	}
}

func (o Options) withDefaults() Options {
	if o.StatusTimeout <= 0 {
		o.StatusTimeout = 900 * time.Second
	}
	if o.VolumeTimeout <= 0 {
		o.VolumeTimeout = 300 * time.Second
	}
	if o.SuspendTimeout <= 0 {
		o.SuspendTimeout = 500 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	return o
}
