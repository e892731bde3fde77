package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PortMapping exposes one container port through the scheduler.
type PortMapping struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port"`
	ServicePort   int    `json:"service_port"`
	Protocol      string `json:"protocol"`
}

// Project is an application whose builds are rolled out as releases.
type Project struct {
	ID            uuid.UUID                             `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name          string                                `gorm:"type:varchar(128);not null;index:idx_projects_ns_name,unique" json:"name" validate:"required"`
	Namespace     string                                `gorm:"type:varchar(32);not null;index:idx_projects_ns_name,unique" json:"namespace" validate:"required"`
	CPUs          float64                               `gorm:"not null" json:"cpus"`
	Mem           float64                               `gorm:"not null" json:"mem"`
	Instances     int                                   `gorm:"not null;default:1" json:"instances"`
	ImageName     string                                `gorm:"type:varchar(100)" json:"image_name"`
	Args          string                                `gorm:"type:varchar(500)" json:"args"`
	HealthCheck   string                                `gorm:"type:varchar(512);default:'/'" json:"health_check"`
	Domain        string                                `gorm:"type:varchar(200)" json:"domain"`
	UseLB         bool                                  `gorm:"not null" json:"use_lb"`
	RedirectHTTPS bool                                  `gorm:"not null;default:false" json:"redirect_https"`
	UseHSTS       bool                                  `gorm:"not null;default:false" json:"use_hsts"`
	Ports         datatypes.JSONSlice[PortMapping]      `gorm:"type:jsonb" json:"ports"`
	Configs       datatypes.JSONType[map[string]string] `gorm:"type:jsonb" json:"configs"`
	CreatedAt     time.Time                             `json:"created_at"`
	UpdatedAt     time.Time                             `json:"updated_at"`
	DeletedAt     gorm.DeletedAt                        `gorm:"index" json:"-"`
}

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Slug is the project's scheduler application id.
func (p *Project) Slug() string {
	return fmt.Sprintf("%s-%s", p.Name, p.Namespace)
}

// Host is the generated public host name under domain.
func (p *Project) Host(domain string) string {
	return fmt.Sprintf("%s.%s", p.Slug(), domain)
}

// VHost lists the custom domain, if any, before the generated host.
func (p *Project) VHost(domain string) string {
	if p.Domain != "" {
		return p.Domain + "," + p.Host(domain)
	}
	return p.Host(domain)
}

func (p *Project) GetName() string      { return p.Name }
func (p *Project) GetNamespace() string { return p.Namespace }

// ProjectAddon attaches an addon's configuration to a project's environment.
type ProjectAddon struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_project_addons_pair" json:"project_id"`
	AddonID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_project_addons_pair" json:"addon_id"`
	Alias     string    `gorm:"type:varchar(64)" json:"alias"`
	Primary   bool      `gorm:"not null;default:false" json:"primary"`
	Addon     *Addon    `gorm:"foreignKey:AddonID" json:"addon,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (pa *ProjectAddon) BeforeCreate(tx *gorm.DB) error {
	if pa.ID == uuid.Nil {
		pa.ID = uuid.New()
	}
	return nil
}
