package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/hubot-paas/orchestrator/pkg/utils"
)

// Addon is a stateful backing service (database, queue, cache) run as one
// scheduler application with zero or more block volumes.
type Addon struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name      string    `gorm:"type:varchar(128);not null;index:idx_addons_ns_name" json:"name" validate:"required"`
	Namespace string    `gorm:"type:varchar(32);not null;index:idx_addons_ns_name" json:"namespace" validate:"required"`
	Kind      string    `gorm:"type:varchar(32);not null;index" json:"kind" validate:"required"`
	AppKey    string    `gorm:"column:app_id;type:varchar(255);not null;index" json:"app_id"`
	Version   string    `gorm:"type:varchar(32);not null" json:"version"`
	Args      string    `gorm:"type:varchar(500)" json:"args"`
	Color     string    `gorm:"type:varchar(32)" json:"color"`
	Status    Status    `gorm:"type:varchar(32);index;not null" json:"status"`

	CPUs      float64 `gorm:"not null" json:"cpus"`
	Mem       float64 `gorm:"not null" json:"mem"`
	Instances int     `gorm:"not null;default:1" json:"instances"`

	DeploymentState `gorm:"embedded"`

	VolumeIDs  string `gorm:"type:text" json:"volume_ids"`
	VolumeSize int    `gorm:"not null" json:"volume_size"`

	BackupEnabled bool `gorm:"not null;default:false;index" json:"backup_enabled"`
	BackupHour    int  `gorm:"not null;default:0" json:"backup_hour"`
	BackupMinute  int  `gorm:"not null;default:0" json:"backup_minute"`
	BackupKeep    int  `gorm:"not null;default:7" json:"backup_keep"`

	// SnapshotSeq is the last snapshot short id handed out. It only grows.
	SnapshotSeq int `gorm:"not null;default:0" json:"-"`

	DependID    *uuid.UUID                            `gorm:"type:uuid;index" json:"depend_id,omitempty"`
	Credentials datatypes.JSONType[map[string]string] `gorm:"type:jsonb" json:"-"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

var _ Deployable = (*Addon)(nil)
var _ SoftDeletable = (*Addon)(nil)

// BeforeCreate assigns the id client side so in-memory stores behave like Postgres.
func (a *Addon) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.AppKey == "" {
		a.AppKey = a.Slug()
	}
	return nil
}

// Slug is the addon's scheduler application id and volume name prefix.
func (a *Addon) Slug() string {
	return fmt.Sprintf("%s-%s-addon", a.Name, a.Namespace)
}

// VolumeName is the backend name of the volume mounted at path. It depends on
// the addon's identity only, so volumes can be found again by listing.
func (a *Addon) VolumeName(path string) string {
	return fmt.Sprintf("%s-%s", a.Slug(), utils.CleanContainerPath(path))
}

// Host is the addon's service discovery name.
func (a *Addon) Host() string {
	return a.Slug() + ".weave.local"
}

func (a *Addon) GetName() string { return a.Name }
func (a *Addon) GetNamespace() string { return a.Namespace }
func (a *Addon) ResourceKind() ResourceKind { return KindAddon }
func (a *Addon) ResourceID() uuid.UUID { return a.ID }
func (a *Addon) AppID() string { return a.Slug() }
func (a *Addon) CurrentStatus() Status { return a.Status }
func (a *Addon) Deployment() DeploymentState { return a.DeploymentState }
func (a *Addon) IsDeleted() bool { return a.DeletedAt.Valid }
func (a *Addon) VolumeIDList() []string { return utils.SplitIDs(a.VolumeIDs) }
func (a *Addon) Secret(key string) string { return a.Credentials.Data()[key] }
func (a *Addon) SetVolumeIDList(ids []string) { a.VolumeIDs = utils.JoinIDs(ids) }
func (a *Addon) HasVolumes() bool { return len(a.VolumeIDList()) > 0 }
func (a *Addon) HasDependency() bool { return a.DependID != nil }
func (a *Addon) BackupAt(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), a.BackupHour, a.BackupMinute, 0, 0, day.Location())
}
