// Package scheduler is a thin client for the Marathon REST API.
package scheduler

import (
	"context"
	"io"
)

// Client is the scheduler surface the orchestrator drives. Every call may
// fail with CodeNotFound (404), CodeConflict (409, a deployment is already
// running for the app) or CodeUnavailable (transport failure or 5xx).
type Client interface {
	GetApp(ctx context.Context, id string) (*App, error)
	CreateApp(ctx context.Context, app *App) (*DeploymentResult, error)
	UpdateApp(ctx context.Context, id string, app *App, force bool) (*DeploymentResult, error)
	DeleteApp(ctx context.Context, id string, force bool) (*DeploymentResult, error)
	ScaleApp(ctx context.Context, id string, instances int, force bool) (*DeploymentResult, error)
	ListDeployments(ctx context.Context) ([]Deployment, error)
	DeleteDeployment(ctx context.Context, id string, force bool) (*DeploymentResult, error)
}

// EventSource opens the scheduler's server-sent event feed.
type EventSource interface {
	OpenEventStream(ctx context.Context) (io.ReadCloser, error)
}

// App is a Marathon application definition. Read-only fields are filled by
// GetApp and ignored on writes.
type App struct {
	ID              string            `json:"id,omitempty"`
	Args            []string          `json:"args,omitempty"`
	CPUs            float64           `json:"cpus"`
	Mem             float64           `json:"mem"`
	Instances       int               `json:"instances"`
	Container       *Container        `json:"container,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	Constraints     [][]string        `json:"constraints,omitempty"`
	URIs            []string          `json:"uris,omitempty"`
	HealthChecks    []HealthCheck     `json:"healthChecks,omitempty"`
	UpgradeStrategy *UpgradeStrategy  `json:"upgradeStrategy,omitempty"`
	Dependencies    []string          `json:"dependencies,omitempty"`

	Version      string          `json:"version,omitempty"`
	Deployments  []DeploymentRef `json:"deployments,omitempty"`
	TasksRunning int             `json:"tasksRunning,omitempty"`
	TasksHealthy int             `json:"tasksHealthy,omitempty"`
	TasksStaged  int             `json:"tasksStaged,omitempty"`
}

type Container struct {
	Type   string  `json:"type"`
	Docker *Docker `json:"docker,omitempty"`
}

type Docker struct {
	Image          string        `json:"image"`
	Network        string        `json:"network,omitempty"`
	PortMappings   []PortMapping `json:"portMappings,omitempty"`
	Parameters     []Parameter   `json:"parameters,omitempty"`
	ForcePullImage bool          `json:"forcePullImage"`
}

type PortMapping struct {
	ContainerPort int    `json:"containerPort"`
	HostPort      int    `json:"hostPort"`
	ServicePort   int    `json:"servicePort,omitempty"`
	Protocol      string `json:"protocol,omitempty"`
}

type Parameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type HealthCheck struct {
	Protocol               string `json:"protocol"`
	Path                   string `json:"path,omitempty"`
	PortIndex              int    `json:"portIndex"`
	GracePeriodSeconds     int    `json:"gracePeriodSeconds,omitempty"`
	IntervalSeconds        int    `json:"intervalSeconds,omitempty"`
	TimeoutSeconds         int    `json:"timeoutSeconds,omitempty"`
	MaxConsecutiveFailures int    `json:"maxConsecutiveFailures,omitempty"`
}

type UpgradeStrategy struct {
	MinimumHealthCapacity float64 `json:"minimumHealthCapacity"`
	MaximumOverCapacity   float64 `json:"maximumOverCapacity"`
}

type DeploymentRef struct {
	ID string `json:"id"`
}

// DeploymentResult is what Marathon returns for every mutating call.
type DeploymentResult struct {
	Version      string `json:"version"`
	DeploymentID string `json:"deploymentId"`
}

// Deployment is one entry of GET /v2/deployments.
type Deployment struct {
	ID           string   `json:"id"`
	Version      string   `json:"version"`
	AffectedApps []string `json:"affectedApps"`
}

// Spec returns the desired-state fields of a, dropping everything the
// scheduler fills in. Two apps with equal specs need no update.
func (a *App) Spec() App {
	cp := *a
	cp.Version = ""
	cp.Deployments = nil
	cp.TasksRunning, cp.TasksHealthy, cp.TasksStaged = 0, 0, 0
	return cp
}
