// Package services sequences volume, snapshot and deployment work into the
// addon and release lifecycle operations. Long operations run as steps: a
// step does what it can, then either finishes or asks to be re-enqueued with
// a delay and its progress.
//
// Commands is the integration point for the external command layer (chat
// bot or CLI). The binaries in cmd only run steps and probes; whatever
// accepts user commands builds a Commands from the same services and calls
// it directly.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hubot-paas/orchestrator/internal/lock"
	"github.com/hubot-paas/orchestrator/internal/provisioner"
	"github.com/hubot-paas/orchestrator/pkg/config"
	"github.com/hubot-paas/orchestrator/pkg/logger"
)

// Dispatcher starts background work. The work queue implements it.
type Dispatcher interface {
	ProvisionAddon(ctx context.Context, id uuid.UUID) error
	ResetAddon(ctx context.Context, id uuid.UUID) error
	RestoreAddon(ctx context.Context, id uuid.UUID, shortID int) error
	CreateSnapshot(ctx context.Context, id uuid.UUID, description string) error
	DestroySnapshot(ctx context.Context, id uuid.UUID, shortID int) error
	ReclaimVolumes(ctx context.Context, id uuid.UUID) error
	DeployRelease(ctx context.Context, id uuid.UUID, force bool) error
	Rollback(ctx context.Context, releaseID uuid.UUID) error
}

// Progress travels with a re-enqueued step.
type Progress struct {
	StartedAt time.Time `json:"started_at"`
	Attempt   int       `json:"attempt"`
	// Retries counts reconcile attempts spent.
	Retries int    `json:"retries,omitempty"`
	Phase   string `json:"phase,omitempty"`
}

// Elapsed is the time since the operation started. A zero StartedAt has
// just started.
func (p Progress) Elapsed(now time.Time) time.Duration {
	if p.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(p.StartedAt)
}

func (p Progress) started(now time.Time) Progress {
	if p.StartedAt.IsZero() {
		p.StartedAt = now
	}
	return p
}

// Continue asks for the step to run again after Delay.
type Continue struct {
	Delay    time.Duration
	Progress Progress
}

func again(p Progress, delay time.Duration) *Continue {
	p.Attempt++
	return &Continue{Delay: delay, Progress: p}
}

// Limits bound user supplied resource requests. Lower bounds are exclusive.
type Limits struct {
	MaxCPUs       float64
	MaxMem        float64
	MaxVolumeSize int
	MaxBackupKeep int
}

type Options struct {
	StatusTimeout  time.Duration
	VolumeTimeout  time.Duration
	SuspendTimeout time.Duration
	PollInterval   time.Duration
	DeployRetries  int
	RestoreRetries int
	Limits         Limits
	// Location is the zone backup times are read in.
	Location *time.Location
}

func OptionsFromConfig(c *config.Config) Options {
	loc, err := time.LoadLocation(c.BackupTimezone)
	if err != nil {
		logger.L().Warn("unknown backup timezone, using UTC", zap.String("timezone", c.BackupTimezone), zap.Error(err))
		loc = time.UTC
	}
	return Options{
		StatusTimeout:  c.StatusTimeout,
		VolumeTimeout:  c.VolumeTimeout,
		SuspendTimeout: c.SuspendTimeout,
		PollInterval:   c.PollInterval,
		DeployRetries:  c.DeployRetries,
		RestoreRetries: c.RestoreRetries,
		Limits: Limits{
			MaxCPUs:       c.MaxCPUs,
			MaxMem:        c.MaxMem,
			MaxVolumeSize: c.MaxVolumeSize,
			MaxBackupKeep: c.MaxBackupKeep,
		},
		Location: loc,
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
	if o.DeployRetries <= 0 {
		o.DeployRetries = 5
	}
	if o.RestoreRetries <= 0 {
		o.RestoreRetries = 5
	}
	if o.Limits == (Limits{}) {
		o.Limits = Limits{MaxCPUs: 8, MaxMem: 16384, MaxVolumeSize: 1000, MaxBackupKeep: 100}
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

// Managers are the provisioner parts the services drive.
type Managers struct {
	Reconciler *provisioner.Reconciler
	Volumes    *provisioner.VolumeManager
	Snapshots  *provisioner.SnapshotManager
}

// exclusive runs fn while holding key. A held key is reported as
// lock.ErrLocked so the caller can queue behind the holder.
func exclusive(ctx context.Context, locker lock.Locker, key string, fn func() error) error {
	unlock, err := locker.TryAcquire(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// exclusiveStep is exclusive for steps: a held key re-runs the step later
// with unchanged progress.
func exclusiveStep(ctx context.Context, locker lock.Locker, key string, p Progress, wait time.Duration, fn func() (*Continue, error)) (*Continue, error) {
	var next *Continue
	err := exclusive(ctx, locker, key, func() error {
		var err error
		next, err = fn()
		return err
	})
	if errors.Is(err, lock.ErrLocked) {
		return &Continue{Delay: wait, Progress: p}, nil
	}
	return next, err
}

func addonKey(id uuid.UUID) string { return "addon:" + id.String() }

func projectKey(id uuid.UUID) string { return "project:" + id.String() }
