package models

import (
	"github.com/google/uuid"
)

// ResourceKind distinguishes the two orchestrated resource types.
type ResourceKind string

const (
	KindAddon   ResourceKind = "addon"
	KindRelease ResourceKind = "release"
)

// Namespaced is implemented by records scoped to an owner namespace.
type Namespaced interface {
	GetName() string
	GetNamespace() string
}

// SoftDeletable is implemented by records that are marked deleted instead of removed.
type SoftDeletable interface {
	IsDeleted() bool
}

// Deployable is implemented by records that map onto one scheduler application.
type Deployable interface {
	Namespaced
	ResourceKind() ResourceKind
	ResourceID() uuid.UUID
	AppID() string
	CurrentStatus() Status
	Deployment() DeploymentState
}
