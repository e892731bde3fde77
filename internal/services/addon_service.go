package services

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/hubot-paas/orchestrator/internal/addons"
	"github.com/hubot-paas/orchestrator/internal/lock"
	"github.com/hubot-paas/orchestrator/internal/metrics"
	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/provisioner"
	"github.com/hubot-paas/orchestrator/internal/repository"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
	"github.com/hubot-paas/orchestrator/pkg/logger"
	"github.com/hubot-paas/orchestrator/pkg/utils"
)

// AddonService interface and DTOs
type AddonService interface {
	// Commands
	CreateAddon(ctx context.Context, in *CreateAddonInput) (*models.Addon, error)
	GetAddon(ctx context.Context, namespace, name string) (*models.Addon, error)
	ScaleAddon(ctx context.Context, namespace, name string, in *ScaleAddonInput) (*models.Addon, error)
	SuspendAddon(ctx context.Context, namespace, name string) error
	ResumeAddon(ctx context.Context, namespace, name string) error
	ResetAddon(ctx context.Context, namespace, name string) error
	DestroyAddon(ctx context.Context, namespace, name string) error
	UndeleteAddon(ctx context.Context, namespace, name string) error
	ListSnapshots(ctx context.Context, namespace, name string) ([]models.Snapshot, error)
	CreateSnapshot(ctx context.Context, namespace, name, description string) error
	RestoreSnapshot(ctx context.Context, namespace, name string, shortID int) error
	DestroySnapshot(ctx context.Context, namespace, name string, shortID int) error

	// Steps (called by worker)
	RunProvision(ctx context.Context, id uuid.UUID, p Progress) (*Continue, error)
	RunReset(ctx context.Context, id uuid.UUID, p Progress) (*Continue, error)
	RunRestore(ctx context.Context, id uuid.UUID, shortID int, p Progress) (*Continue, error)
	RunSuspendCheck(ctx context.Context, id uuid.UUID, p Progress) (*Continue, error)
	RunSnapshot(ctx context.Context, id uuid.UUID, description string) error
	RunDestroySnapshot(ctx context.Context, id uuid.UUID, shortID int) error
	ReclaimVolumes(ctx context.Context, id uuid.UUID) error
	CheckStatus(ctx context.Context, deploymentID string) error
	PlanBackups(ctx context.Context, day time.Time) ([]BackupPlan, error)
	Recover(ctx context.Context) (int, error)
}

type CreateAddonInput struct {
	Namespace  string  `validate:"required,max=32"`
	Name       string  `validate:"omitempty,max=64,resname"`
	Kind       string  `validate:"required"`
	Version    string  `validate:"omitempty,max=32"`
	Args       string  `validate:"omitempty,max=500"`
	CPUs       float64 `validate:"gte=0"`
	Mem        float64 `validate:"gte=0"`
	VolumeSize int     `validate:"gte=0"`

	BackupEnabled bool
	BackupHour    *int `validate:"omitempty,gte=0,lte=23"`
	BackupMinute  *int `validate:"omitempty,gte=0,lte=59"`
	BackupKeep    *int `validate:"omitempty,gte=0"`

	// Down stores the addon without provisioning it.
	Down bool
	// Project attaches the new addon, under Alias when set.
	Project string `validate:"omitempty,max=128"`
	Alias   string `validate:"omitempty,max=64"`
}

// ScaleAddonInput changes requests and backup settings. Nil fields keep
// their value. Volume size is fixed once volumes exist.
type ScaleAddonInput struct {
	CPUs          *float64 `validate:"omitempty,gt=0"`
	Mem           *float64 `validate:"omitempty,gt=0"`
	BackupEnabled *bool
	BackupHour    *int `validate:"omitempty,gte=0,lte=23"`
	BackupMinute  *int `validate:"omitempty,gte=0,lte=59"`
	BackupKeep    *int `validate:"omitempty,gte=0"`
}

// BackupPlan is one scheduled daily snapshot.
type BackupPlan struct {
	AddonID uuid.UUID
	At      time.Time
}

type addonService struct {
	addons     repository.AddonRepository
	projects   repository.ProjectRepository
	snapRepo   repository.SnapshotRepository
	reconciler *provisioner.Reconciler
	volumes    *provisioner.VolumeManager
	snapshots  *provisioner.SnapshotManager
	locker     lock.Locker
	dispatcher Dispatcher
	opts       Options
	now        func() time.Time
	backoff    func() backoff.BackOff
	log        *zap.Logger
}

func NewAddonService(addonRepo repository.AddonRepository, projectRepo repository.ProjectRepository, snapshotRepo repository.SnapshotRepository, m Managers, locker lock.Locker, dispatcher Dispatcher, opts Options) AddonService {
	opts = opts.withDefaults()
	return &addonService{
		addons:     addonRepo,
		projects:   projectRepo,
		snapRepo:   snapshotRepo,
		reconciler: m.Reconciler,
		volumes:    m.Volumes,
		snapshots:  m.Snapshots,
		locker:     locker,
		dispatcher: dispatcher,
		opts:       opts,
		now:        time.Now,
		backoff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = opts.PollInterval
			eb.MaxInterval = opts.StatusTimeout
			eb.MaxElapsedTime = 0
			return eb
		},
		log: logger.Named("addons"),
	}
}

var _ AddonService = (*addonService)(nil)

func (s *addonService) CreateAddon(ctx context.Context, in *CreateAddonInput) (*models.Addon, error) {
	if err := validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	kind, err := addons.Lookup(in.Kind)
	if err != nil {
		return nil, err
	}

	a := &models.Addon{
		Name:          in.Name,
		Namespace:     in.Namespace,
		Kind:          kind.Name,
		Version:       in.Version,
		Args:          in.Args,
		Color:         randomColor(),
		Status:        models.StatusStaging,
		CPUs:          in.CPUs,
		Mem:           in.Mem,
		Instances:     1,
		VolumeSize:    in.VolumeSize,
		BackupEnabled: in.BackupEnabled,
		BackupHour:    utils.RandomInt(24),
		BackupMinute:  utils.RandomInt(60),
		BackupKeep:    defaultBackupKeep,
		Credentials:   datatypes.NewJSONType(kind.NewCredentials()),
	}
	if a.Name == "" {
		a.Name = randomName()
	}
	if a.Version == "" {
		a.Version = kind.DefaultVersion
	}
	if a.Args == "" {
		a.Args = kind.DefaultArgs
	}
	if a.CPUs == 0 {
		a.CPUs = defaultCPUs
	}
	if a.Mem == 0 {
		a.Mem = defaultMem
	}
	if a.VolumeSize == 0 {
		a.VolumeSize = defaultVolumeSize
	}
	if in.BackupHour != nil {
		a.BackupHour = *in.BackupHour
	}
	if in.BackupMinute != nil {
		a.BackupMinute = *in.BackupMinute
	}
	if in.BackupKeep != nil {
		a.BackupKeep = *in.BackupKeep
	}
	if in.Down {
		a.Status = models.StatusSuspend
	}
	if err := s.opts.Limits.check(a.CPUs, a.Mem, a.VolumeSize, a.BackupKeep); err != nil {
		return nil, err
	}

	if _, err := s.addons.GetByName(ctx, a.Namespace, a.Name); err == nil {
		return nil, appErr.Newf(appErr.CodeAlreadyExists, "addon name '%s' already exists", a.Name)
	} else if !appErr.IsNotFound(err) {
		return nil, err
	}

	var project *models.Project
	if in.Project != "" {
		if project, err = s.projects.GetByName(ctx, in.Namespace, in.Project); err != nil {
			return nil, err
		}
	}

	if kind.DependsOn != "" {
		dep, err := s.CreateAddon(ctx, &CreateAddonInput{
			Namespace:     in.Namespace,
			Kind:          kind.DependsOn,
			CPUs:          in.CPUs,
			Mem:           in.Mem,
			VolumeSize:    in.VolumeSize,
			BackupEnabled: in.BackupEnabled,
			BackupHour:    in.BackupHour,
			BackupMinute:  in.BackupMinute,
			BackupKeep:    in.BackupKeep,
			Down:          true,
		})
		if err != nil {
			return nil, appErr.Wrap(err, appErr.CodeOf(err), "create "+kind.DependsOn+" dependency failed")
		}
		a.DependID = &dep.ID
	}

	if err := s.addons.Create(ctx, a); err != nil {
		return nil, err
	}
	s.log.Info("addon created", zap.String("addon", a.Slug()), zap.String("kind", a.Kind))

	if project != nil {
		if _, err := s.projects.Attach(ctx, project.ID, a, in.Alias); err != nil {
			return a, err
		}
	}
	if !in.Down {
		if err := s.dispatcher.ProvisionAddon(ctx, a.ID); err != nil {
			return a, err
		}
	}
	return a, nil
}

func (s *addonService) GetAddon(ctx context.Context, namespace, name string) (*models.Addon, error) {
	return s.addons.GetByName(ctx, namespace, name)
}

func (s *addonService) get(ctx context.Context, id uuid.UUID) (*models.Addon, error) {
	var a models.Addon
	if err := s.addons.GetByID(ctx, id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ScaleAddon stores the new requests and provisions the addon again. The
// reconciler leaves the app alone when nothing it runs changed.
func (s *addonService) ScaleAddon(ctx context.Context, namespace, name string, in *ScaleAddonInput) (*models.Addon, error) {
	if err := validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	a, err := s.addons.GetByName(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	if a.Status.Busy() {
		return nil, appErr.Newf(appErr.CodeConflict, "addon %s is %s", a.Name, a.Status)
	}
	if in.CPUs != nil {
		a.CPUs = *in.CPUs
	}
	if in.Mem != nil {
		a.Mem = *in.Mem
	}
	if in.BackupEnabled != nil {
		a.BackupEnabled = *in.BackupEnabled
	}
	if in.BackupHour != nil {
		a.BackupHour = *in.BackupHour
	}
	if in.BackupMinute != nil {
		a.BackupMinute = *in.BackupMinute
	}
	if in.BackupKeep != nil {
		a.BackupKeep = *in.BackupKeep
	}
	if err := s.opts.Limits.check(a.CPUs, a.Mem, a.VolumeSize, a.BackupKeep); err != nil {
		return nil, err
	}
	if err := s.addons.SaveSpec(ctx, a); err != nil {
		return nil, err
	}
	if a.Status == models.StatusSuspend {
		return a, nil
	}
	return a, s.dispatcher.ProvisionAddon(ctx, a.ID)
}

// SuspendAddon scales the app to zero. The addon turns Suspend once a
// suspend check sees no task left.
func (s *addonService) SuspendAddon(ctx context.Context, namespace, name string) error {
	a, err := s.addons.GetByName(ctx, namespace, name)
	if err != nil {
		return err
	}
	if a.Status.Busy() {
		return appErr.Newf(appErr.CodeConflict, "addon %s is %s", a.Name, a.Status)
	}
	return exclusive(ctx, s.locker, addonKey(a.ID), func() error {
		out, err := s.reconciler.Suspend(ctx, a, false)
		if err != nil {
			return err
		}
		if out.Action == provisioner.ActionNone {
			return s.setStatus(ctx, a, models.StatusSuspend)
		}
		return nil
	})
}

func (s *addonService) ResumeAddon(ctx context.Context, namespace, name string) error {
	a, err := s.addons.GetByName(ctx, namespace, name)
	if err != nil {
		return err
	}
	if a.Status.Busy() {
		return appErr.Newf(appErr.CodeConflict, "addon %s is %s", a.Name, a.Status)
	}
	if a.HasDependency() {
		if err := s.dispatcher.ProvisionAddon(ctx, *a.DependID); err != nil {
			return err
		}
	}
	return s.dispatcher.ProvisionAddon(ctx, a.ID)
}

func (s *addonService) ResetAddon(ctx context.Context, namespace, name string) error {
	a, err := s.addons.GetByName(ctx, namespace, name)
	if err != nil {
		return err
	}
	if err := models.Transition(a.Status, models.StatusResetting); err != nil {
		return err
	}
	return s.dispatcher.ResetAddon(ctx, a.ID)
}

// DestroyAddon detaches the addon from every project, removes its app and
// soft deletes it. Volumes outlive it until the app is gone; a dependency
// nothing else needs is destroyed after it.
func (s *addonService) DestroyAddon(ctx context.Context, namespace, name string) error {
	a, err := s.addons.GetByName(ctx, namespace, name)
	if err != nil {
		return err
	}
	return s.destroy(ctx, a)
}

func (s *addonService) destroy(ctx context.Context, a *models.Addon) error {
	err := exclusive(ctx, s.locker, addonKey(a.ID), func() error {
		dependents, err := s.addons.ListDependents(ctx, a.ID)
		if err != nil {
			return err
		}
		if len(dependents) > 0 {
			return appErr.Newf(appErr.CodeConflict, "addon %s is needed by %s", a.Name, dependents[0].Name)
		}
		if err := s.projects.Detach(ctx, a.ID, nil); err != nil {
			return err
		}
		if err := s.reconciler.Delete(ctx, a, false); err != nil {
			return err
		}
		if err := s.addons.Delete(ctx, a.ID); err != nil {
			return err
		}
		s.log.Info("addon destroyed", zap.String("addon", a.Slug()))
		return nil
	})
	if err != nil || !a.HasDependency() {
		return err
	}

	dep, err := s.get(ctx, *a.DependID)
	if appErr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.destroy(ctx, dep); err != nil && !appErr.IsConflict(err) {
		return err
	}
	return nil
}

// UndeleteAddon brings back a destroyed addon while its volumes still exist.
func (s *addonService) UndeleteAddon(ctx context.Context, namespace, name string) error {
	a, err := s.addons.GetDeletedByName(ctx, namespace, name)
	if err != nil {
		return err
	}
	if addons.MustLookup(a.Kind).HasStorage() {
		ids, err := s.volumes.Resolve(ctx, volumeNames(a))
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return appErr.Newf(appErr.CodeNotFound, "volumes of addon %s were already reclaimed", a.Name)
		}
	}
	if a.HasDependency() {
		if err := s.addons.Undelete(ctx, *a.DependID); err != nil && !appErr.IsNotFound(err) {
			return err
		}
	}
	if err := s.addons.Undelete(ctx, a.ID); err != nil {
		return err
	}
	s.log.Info("addon undeleted", zap.String("addon", a.Slug()))
	return s.dispatcher.ProvisionAddon(ctx, a.ID)
}

func (s *addonService) snapshotTarget(ctx context.Context, namespace, name string) (*models.Addon, error) {
	a, err := s.addons.GetByName(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	if !addons.MustLookup(a.Kind).HasStorage() {
		return nil, appErr.Newf(appErr.CodeUnsupported, "addon type of '%s' has no snapshots", a.Kind)
	}
	return a, nil
}

func (s *addonService) ListSnapshots(ctx context.Context, namespace, name string) ([]models.Snapshot, error) {
	a, err := s.snapshotTarget(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	return s.snapRepo.ListByAddon(ctx, a.ID)
}

func (s *addonService) CreateSnapshot(ctx context.Context, namespace, name, description string) error {
	a, err := s.snapshotTarget(ctx, namespace, name)
	if err != nil {
		return err
	}
	return s.dispatcher.CreateSnapshot(ctx, a.ID, description)
}

func (s *addonService) RestoreSnapshot(ctx context.Context, namespace, name string, shortID int) error {
	a, err := s.snapshotTarget(ctx, namespace, name)
	if err != nil {
		return err
	}
	if _, err := s.snapRepo.GetByShortID(ctx, a.ID, shortID); err != nil {
		return err
	}
	if err := models.Transition(a.Status, models.StatusRestoring); err != nil {
		return err
	}
	return s.dispatcher.RestoreAddon(ctx, a.ID, shortID)
}

func (s *addonService) DestroySnapshot(ctx context.Context, namespace, name string, shortID int) error {
	a, err := s.snapshotTarget(ctx, namespace, name)
	if err != nil {
		return err
	}
	if _, err := s.snapRepo.GetByShortID(ctx, a.ID, shortID); err != nil {
		return err
	}
	return s.dispatcher.DestroySnapshot(ctx, a.ID, shortID)
}

// setStatus moves a to status and records the transition.
func (s *addonService) setStatus(ctx context.Context, a *models.Addon, status models.Status) error {
	if err := s.addons.UpdateStatus(ctx, a.ID, status); err != nil {
		return err
	}
	if a.Status != status {
		metrics.RecordTransition(string(models.KindAddon), string(status))
	}
	a.Status = status
	return nil
}

// fail ends the running operation. The cause is logged, not returned: a
// failed addon is a finished step.
func (s *addonService) fail(ctx context.Context, a *models.Addon, reason string, cause error) {
	s.log.Error("addon failed",
		zap.String("addon", a.Slug()),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	if err := s.setStatus(ctx, a, models.StatusFailed); err != nil {
		s.log.Error("mark addon failed", zap.String("addon", a.Slug()), zap.Error(err))
	}
}

func volumeNames(a *models.Addon) []string {
	vols := addons.MustLookup(a.Kind).Volumes(a)
	names := make([]string, 0, len(vols))
	for _, v := range vols {
		names = append(names, v.Name)
	}
	return names
}

func volumeSpecs(a *models.Addon) []provisioner.VolumeSpec {
	names := volumeNames(a)
	specs := make([]provisioner.VolumeSpec, 0, len(names))
	for _, n := range names {
		specs = append(specs, provisioner.VolumeSpec{Name: n, Size: a.VolumeSize})
	}
	return specs
}

func historySuffix(shortID int) string { return fmt.Sprintf("s%d", shortID) }
