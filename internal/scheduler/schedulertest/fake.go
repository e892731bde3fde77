// Package schedulertest provides an in-memory scheduler.Client.
package schedulertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hubot-paas/orchestrator/internal/scheduler"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

// Fake keeps apps and deployments in memory. Deployments stay listed until
// Complete is called, unless AutoComplete is set.
type Fake struct {
	mu          sync.Mutex
	seq         int
	apps        map[string]*scheduler.App
	deployments map[string]scheduler.Deployment

	AutoComplete bool
	// RejectBusy makes non-forced updates of an app with a running deployment
	// fail with a conflict, as Marathon does.
	RejectBusy bool

	OnCreate func(app *scheduler.App) error
	OnUpdate func(id string, app *scheduler.App) error

	calls map[string]int
}

var _ scheduler.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		apps:        map[string]*scheduler.App{},
		deployments: map[string]scheduler.Deployment{},
		calls:       map[string]int{},
	}
}

func key(id string) string { return strings.TrimPrefix(id, "/") }

func (f *Fake) deploy(appID string) *scheduler.DeploymentResult {
	f.seq++
	res := &scheduler.DeploymentResult{
		Version:      fmt.Sprintf("2016-01-01T00:00:%02d.000Z", f.seq),
		DeploymentID: fmt.Sprintf("dep-%d", f.seq),
	}
	if a, ok := f.apps[appID]; ok {
		a.Version = res.Version
		if f.AutoComplete {
			a.TasksRunning = a.Instances
		} else {
			a.Deployments = []scheduler.DeploymentRef{{ID: res.DeploymentID}}
		}
	}
	if !f.AutoComplete {
		f.deployments[res.DeploymentID] = scheduler.Deployment{ID: res.DeploymentID, Version: res.Version, AffectedApps: []string{"/" + appID}}
	}
	return res
}

func (f *Fake) GetApp(ctx context.Context, id string) (*scheduler.App, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetApp"]++
	a, ok := f.apps[key(id)]
	if !ok {
		return nil, appErr.New(appErr.CodeNotFound, "app "+id+" not found")
	}
	cp := *a
	return &cp, nil
}

func (f *Fake) CreateApp(ctx context.Context, app *scheduler.App) (*scheduler.DeploymentResult, error) {
	if f.OnCreate != nil {
		if err := f.OnCreate(app); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateApp"]++
	id := key(app.ID)
	if _, ok := f.apps[id]; ok {
		return nil, appErr.New(appErr.CodeConflict, "app "+app.ID+" already exists")
	}
	cp := app.Spec()
	f.apps[id] = &cp
	return f.deploy(id), nil
}

func (f *Fake) busy(id string) bool {
	a, ok := f.apps[id]
	return ok && len(a.Deployments) > 0
}

func (f *Fake) UpdateApp(ctx context.Context, id string, app *scheduler.App, force bool) (*scheduler.DeploymentResult, error) {
	if f.OnUpdate != nil {
		if err := f.OnUpdate(id, app); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateApp"]++
	k := key(id)
	if f.RejectBusy && !force && f.busy(k) {
		return nil, appErr.New(appErr.CodeConflict, "app "+id+" is locked by a deployment")
	}
	f.dropDeploymentsOf(k)
	cp := app.Spec()
	cp.ID = "/" + k
	f.apps[k] = &cp
	return f.deploy(k), nil
}

func (f *Fake) DeleteApp(ctx context.Context, id string, force bool) (*scheduler.DeploymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteApp"]++
	k := key(id)
	if _, ok := f.apps[k]; !ok {
		return nil, appErr.New(appErr.CodeNotFound, "app "+id+" not found")
	}
	f.dropDeploymentsOf(k)
	delete(f.apps, k)
	f.seq++
	return &scheduler.DeploymentResult{DeploymentID: fmt.Sprintf("dep-%d", f.seq)}, nil
}

func (f *Fake) ScaleApp(ctx context.Context, id string, instances int, force bool) (*scheduler.DeploymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ScaleApp"]++
	k := key(id)
	a, ok := f.apps[k]
	if !ok {
		return nil, appErr.New(appErr.CodeNotFound, "app "+id+" not found")
	}
	if f.RejectBusy && !force && f.busy(k) {
		return nil, appErr.New(appErr.CodeConflict, "app "+id+" is locked by a deployment")
	}
	f.dropDeploymentsOf(k)
	a.Instances = instances
	if instances == 0 {
		a.TasksRunning = 0
	}
	return f.deploy(k), nil
}

func (f *Fake) ListDeployments(ctx context.Context) ([]scheduler.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListDeployments"]++
	out := make([]scheduler.Deployment, 0, len(f.deployments))
	for _, d := range f.deployments {
		out = append(out, d)
	}
	return out, nil
}

// DeleteDeployment cancels a deployment and answers with the rollback
// deployment Marathon starts in its place.
func (f *Fake) DeleteDeployment(ctx context.Context, id string, force bool) (*scheduler.DeploymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteDeployment"]++
	d, ok := f.deployments[id]
	if !ok {
		return nil, appErr.New(appErr.CodeNotFound, "deployment "+id+" not found")
	}
	delete(f.deployments, id)
	for _, appID := range d.AffectedApps {
		if a, ok := f.apps[key(appID)]; ok {
			a.Deployments = nil
		}
	}
	if force {
		return &scheduler.DeploymentResult{}, nil
	}
	f.seq++
	return &scheduler.DeploymentResult{
		Version:      fmt.Sprintf("2016-01-01T00:01:%02d.000Z", f.seq),
		DeploymentID: fmt.Sprintf("dep-%d", f.seq),
	}, nil
}

func (f *Fake) dropDeploymentsOf(appID string) {
	for id, d := range f.deployments {
		for _, a := range d.AffectedApps {
			if key(a) == appID {
				delete(f.deployments, id)
			}
		}
	}
	if a, ok := f.apps[appID]; ok {
		a.Deployments = nil
	}
}

// Complete finishes a deployment: it leaves the list and the app runs all
// of its instances.
func (f *Fake) Complete(deploymentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[deploymentID]
	if !ok {
		return
	}
	delete(f.deployments, deploymentID)
	for _, appID := range d.AffectedApps {
		if a, ok := f.apps[key(appID)]; ok {
			a.Deployments = nil
			a.TasksRunning = a.Instances
		}
	}
}

// SetTasksRunning overrides the running task count of an app.
func (f *Fake) SetTasksRunning(id string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.apps[key(id)]; ok {
		a.TasksRunning = n
	}
}

// App returns a copy of the stored app, or nil.
func (f *Fake) App(id string) *scheduler.App {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.apps[key(id)]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}
