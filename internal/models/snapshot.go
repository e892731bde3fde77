package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hubot-paas/orchestrator/pkg/utils"
)

// Snapshot is a point-in-time copy of every volume of one addon.
type Snapshot struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	AddonID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_snapshots_addon_short" json:"addon_id"`
	ShortID     int       `gorm:"not null;uniqueIndex:idx_snapshots_addon_short" json:"short_id"`
	SnapshotIDs string    `gorm:"type:text" json:"snapshot_ids"`
	// VolumeIDs holds volumes displaced by restores of this snapshot.
	VolumeIDs   string    `gorm:"type:text" json:"volume_ids"`
	Description string    `gorm:"type:varchar(1000)" json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Snapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

func (s *Snapshot) SnapshotIDList() []string { return utils.SplitIDs(s.SnapshotIDs) }
func (s *Snapshot) VolumeIDList() []string { return utils.SplitIDs(s.VolumeIDs) }

func (s *Snapshot) SetSnapshotIDList(ids []string) { s.SnapshotIDs = utils.JoinIDs(ids) }
func (s *Snapshot) SetVolumeIDList(ids []string) { s.VolumeIDs = utils.JoinIDs(ids) }

// SnapshotName is the backend name of the snapshot of one volume.
func SnapshotName(volumeName string, shortID int) string {
	return fmt.Sprintf("%s-snapshot-s%d", volumeName, shortID)
}
