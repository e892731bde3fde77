package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Release is one build of a project rolled out as the project's scheduler app.
type Release struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`
	Project   *Project  `gorm:"foreignKey:ProjectID" json:"project,omitempty"`
	AppKey    string    `gorm:"column:app_id;type:varchar(255);not null;index" json:"app_id"`
	Tag       string    `gorm:"type:varchar(512);not null;default:'master'" json:"tag"`
	Status    Status    `gorm:"type:varchar(32);index;not null" json:"status"`

	DeploymentState `gorm:"embedded"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

var _ Deployable = (*Release)(nil)

func (r *Release) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.AppKey == "" && r.Project != nil {
		r.AppKey = r.Project.Slug()
	}
	return nil
}

// GetName and GetNamespace delegate to the owning project, which must be loaded.
func (r *Release) GetName() string { return r.Project.Name }

func (r *Release) GetNamespace() string { return r.Project.Namespace }

func (r *Release) ResourceKind() ResourceKind { return KindRelease }

func (r *Release) ResourceID() uuid.UUID { return r.ID }

// AppID is shared by every release of a project.
func (r *Release) AppID() string {
	if r.Project == nil {
		return r.AppKey
	}
	return r.Project.Slug()
}

func (r *Release) CurrentStatus() Status { return r.Status }

func (r *Release) Deployment() DeploymentState { return r.DeploymentState }
