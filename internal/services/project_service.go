package services

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/repository"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
	"github.com/hubot-paas/orchestrator/pkg/logger"
)

// ProjectService interface and related DTOs
type ProjectService interface {
	CreateProject(ctx context.Context, in *CreateProjectInput) (*models.Project, error)
	GetProject(ctx context.Context, namespace, name string) (*models.Project, error)
	// UpdateProject changes the project and redeploys its running release.
	UpdateProject(ctx context.Context, namespace, name string, in *UpdateProjectInput) (*models.Project, error)

	// Addon attachments; both redeploy the running release.
	AttachAddon(ctx context.Context, namespace, project, addon, alias string) (*models.ProjectAddon, error)
	DetachAddon(ctx context.Context, namespace, project, addon string) error
}

type CreateProjectInput struct {
	Namespace     string  `validate:"required,max=32"`
	Name          string  `validate:"required,max=128,resname"`
	CPUs          float64 `validate:"gte=0"`
	Mem           float64 `validate:"gte=0"`
	Instances     int     `validate:"gte=0"`
	ImageName     string  `validate:"omitempty,max=100"`
	Args          string  `validate:"omitempty,max=500"`
	HealthCheck   string  `validate:"omitempty,max=512"`
	Domain        string  `validate:"omitempty,max=200"`
	UseLB         bool
	RedirectHTTPS bool
	UseHSTS       bool
	Ports         []models.PortMapping
	Configs       map[string]string
}

// UpdateProjectInput carries the fields to change; nil keeps the value.
// Configs, when set, replace every entry.
type UpdateProjectInput struct {
	CPUs      *float64 `validate:"omitempty,gt=0"`
	Mem       *float64 `validate:"omitempty,gt=0"`
	Instances *int     `validate:"omitempty,gte=0"`
	Args      *string  `validate:"omitempty,max=500"`
	Domain    *string  `validate:"omitempty,max=200"`
	Configs   map[string]string
}

type projectService struct {
	projects   repository.ProjectRepository
	addons     repository.AddonRepository
	releases   repository.ReleaseRepository
	dispatcher Dispatcher
	limits     Limits
}

func NewProjectService(projectRepo repository.ProjectRepository, addonRepo repository.AddonRepository, releaseRepo repository.ReleaseRepository, dispatcher Dispatcher, opts Options) ProjectService {
	return &projectService{
		projects:   projectRepo,
		addons:     addonRepo,
		releases:   releaseRepo,
		dispatcher: dispatcher,
		limits:     opts.withDefaults().Limits,
	}
}

var _ ProjectService = (*projectService)(nil)

func (s *projectService) CreateProject(ctx context.Context, in *CreateProjectInput) (*models.Project, error) {
	logger.L().Info("create project", zap.String("namespace", in.Namespace), zap.String("name", in.Name))
	if err := validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	p := &models.Project{
		Name:          in.Name,
		Namespace:     in.Namespace,
		CPUs:          in.CPUs,
		Mem:           in.Mem,
		Instances:     in.Instances,
		ImageName:     in.ImageName,
		Args:          in.Args,
		HealthCheck:   in.HealthCheck,
		Domain:        in.Domain,
		UseLB:         in.UseLB,
		RedirectHTTPS: in.RedirectHTTPS,
		UseHSTS:       in.UseHSTS,
		Ports:         datatypes.NewJSONSlice(in.Ports),
		Configs:       datatypes.NewJSONType(in.Configs),
	}
	if p.CPUs == 0 {
		p.CPUs = defaultCPUs
	}
	if p.Mem == 0 {
		p.Mem = defaultMem
	}
	if p.Instances == 0 {
		p.Instances = 1
	}
	if p.HealthCheck == "" {
		p.HealthCheck = "/"
	}
	if err := s.limits.check(p.CPUs, p.Mem, 0, 0); err != nil {
		return nil, err
	}
	if _, err := s.projects.GetByName(ctx, in.Namespace, in.Name); err == nil {
		return nil, appErr.Newf(appErr.CodeAlreadyExists, "project name '%s' already exists", in.Name)
	} else if !appErr.IsNotFound(err) {
		return nil, err
	}
	if err := s.projects.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *projectService) GetProject(ctx context.Context, namespace, name string) (*models.Project, error) {
	return s.projects.GetByName(ctx, namespace, name)
}

func (s *projectService) UpdateProject(ctx context.Context, namespace, name string, in *UpdateProjectInput) (*models.Project, error) {
	if err := validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	p, err := s.projects.GetByName(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	if in.CPUs != nil {
		p.CPUs = *in.CPUs
	}
	if in.Mem != nil {
		p.Mem = *in.Mem
	}
	if in.Instances != nil {
		p.Instances = *in.Instances
	}
	if in.Args != nil {
		p.Args = *in.Args
	}
	if in.Domain != nil {
		p.Domain = *in.Domain
	}
	if in.Configs != nil {
		p.Configs = datatypes.NewJSONType(in.Configs)
	}
	if err := s.limits.check(p.CPUs, p.Mem, 0, 0); err != nil {
		return nil, err
	}
	if err := s.projects.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, s.redeploy(ctx, p)
}

func (s *projectService) AttachAddon(ctx context.Context, namespace, project, addon, alias string) (*models.ProjectAddon, error) {
	p, err := s.projects.GetByName(ctx, namespace, project)
	if err != nil {
		return nil, err
	}
	a, err := s.addons.GetByName(ctx, namespace, addon)
	if err != nil {
		return nil, err
	}
	link, err := s.projects.Attach(ctx, p.ID, a, alias)
	if err != nil {
		return nil, err
	}
	logger.L().Info("addon attached", zap.String("project", p.Slug()), zap.String("addon", a.Slug()), zap.Bool("primary", link.Primary))
	return link, s.redeploy(ctx, p)
}

func (s *projectService) DetachAddon(ctx context.Context, namespace, project, addon string) error {
	p, err := s.projects.GetByName(ctx, namespace, project)
	if err != nil {
		return err
	}
	a, err := s.addons.GetByName(ctx, namespace, addon)
	if err != nil {
		return err
	}
	if err := s.projects.Detach(ctx, a.ID, &p.ID); err != nil {
		return err
	}
	return s.redeploy(ctx, p)
}

// redeploy rolls the project's running release out again. A project with
// nothing running has nothing to update.
func (s *projectService) redeploy(ctx context.Context, p *models.Project) error {
	rel, err := s.releases.GetLatestRunning(ctx, p.ID)
	if appErr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.dispatcher.DeployRelease(ctx, rel.ID, false)
}
