// Package storage adapts block storage services to the small volume and
// snapshot surface the orchestrator needs.
package storage

import (
	"context"
	"fmt"

	"github.com/hubot-paas/orchestrator/pkg/config"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

// VolumeState is the backend lifecycle state of a volume.
type VolumeState string

const (
	VolumeCreating  VolumeState = "creating"
	VolumeAvailable VolumeState = "available"
	VolumeAttached  VolumeState = "in-use"
	VolumeDeleting  VolumeState = "deleting"
	VolumeError     VolumeState = "error"
)

type SnapshotState string

const (
	SnapshotPending   SnapshotState = "pending"
	SnapshotCompleted SnapshotState = "completed"
	SnapshotError     SnapshotState = "error"
)

type Volume struct {
	ID          string
	Name        string
	Size        int
	State       VolumeState
	MultiAttach bool
	SnapshotID  string
}

// Attached reports whether some host holds the volume.
func (v *Volume) Attached() bool { return v.State == VolumeAttached }

type Snapshot struct {
	ID          string
	Name        string
	VolumeID    string
	Description string
	State       SnapshotState
}

// VolumeFilter narrows ListVolumes. Empty fields match everything.
type VolumeFilter struct {
	Name string
}

type CreateVolumeRequest struct {
	Name       string
	Size       int
	SnapshotID string
}

// Backend is a block storage service. Implementations report a missing
// object with CodeNotFound, a volume held by a host with CodeConflict and a
// failed or throttled call with CodeUnavailable.
type Backend interface {
	ListVolumes(ctx context.Context, filter VolumeFilter) ([]Volume, error)
	CreateVolume(ctx context.Context, req CreateVolumeRequest) (*Volume, error)
	GetVolume(ctx context.Context, id string) (*Volume, error)
	DeleteVolume(ctx context.Context, id string) error
	UpdateVolume(ctx context.Context, id, name string) error

	CreateSnapshot(ctx context.Context, volumeID, name, description string) (*Snapshot, error)
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

// New builds the backend selected by STORAGE_DRIVER.
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StorageDriver {
	case "ebs":
		return NewEBS(ctx, EBSOptions{
			Region:           cfg.AWSRegion,
			AvailabilityZone: cfg.AWSAvailabilityZone,
			VolumeType:       cfg.AWSVolumeType,
			AccessKeyID:      cfg.AWSAccessKeyID,
			SecretAccessKey:  cfg.AWSSecretAccessKey,
			Endpoint:         cfg.AWSEndpoint,
		})
	case "hcloud":
		return NewHCloud(HCloudOptions{Token: cfg.HCloudToken, Location: cfg.HCloudLocation}), nil
	case "memory":
		return NewMemory(), nil
	}
	return nil, appErr.New(appErr.CodeInvalid, fmt.Sprintf("unknown storage driver %q", cfg.StorageDriver))
}
