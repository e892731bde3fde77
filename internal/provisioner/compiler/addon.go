package compiler

import (
	"fmt"

	"github.com/hubot-paas/orchestrator/internal/addons"
	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/scheduler"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

// AddonCompiler builds the single-instance app of an addon. Its volumes are
// attached through the rexray docker volume driver by name.
type AddonCompiler struct{}

func (c *AddonCompiler) Validate(r models.Deployable, in Input) error {
	a, ok := r.(*models.Addon)
	if !ok {
		return appErr.Newf(appErr.CodeInvalid, "%T is not an addon", r)
	}
	kind, err := addons.Lookup(a.Kind)
	if err != nil {
		return err
	}
	if kind.DependsOn != "" {
		if in.Dependency == nil {
			return appErr.Newf(appErr.CodeInvalid, "%s addon %s needs a %s dependency", a.Kind, a.Name, kind.DependsOn)
		}
		if in.Dependency.Kind != kind.DependsOn {
			return appErr.Newf(appErr.CodeInvalid, "%s addon cannot depend on %s", a.Kind, in.Dependency.Kind)
		}
	}
	return nil
}

func (c *AddonCompiler) Compile(r models.Deployable, in Input, opts Options) (*scheduler.App, error) {
	a := r.(*models.Addon)
	kind := addons.MustLookup(a.Kind)

	params := []scheduler.Parameter{{Key: "label", Value: "weave_hostname=" + a.Slug()}}
	if vols := kind.Volumes(a); len(vols) > 0 {
		params = append(params, scheduler.Parameter{Key: "volume-driver", Value: "rexray"})
		for _, v := range vols {
			params = append(params, scheduler.Parameter{Key: "volume", Value: fmt.Sprintf("%s:%s", v.Name, v.Path)})
		}
	}

	app := &scheduler.App{
		ID:        "/" + a.AppID(),
		Args:      splitArgs(a.Args, func(r rune) bool { return r == ',' }),
		CPUs:      a.CPUs,
		Mem:       a.Mem,
		Instances: a.Instances,
		Container: &scheduler.Container{
			Type: "DOCKER",
			Docker: &scheduler.Docker{
				Image:          kind.ImageRef(opts.Registry, a.Version),
				Network:        "BRIDGE",
				Parameters:     params,
				ForcePullImage: true,
			},
		},
		Env:         kind.Env(a, in.Dependency),
		Labels:      map[string]string{"addon": a.Kind},
		Constraints: constraints(opts.Constraints),
		URIs:        opts.URIs,
		// a block volume attaches to one host at a time, so the old task
		// must be gone before the new one starts
		UpgradeStrategy: &scheduler.UpgradeStrategy{MinimumHealthCapacity: 0, MaximumOverCapacity: 0},
	}
	if in.Dependency != nil {
		app.Dependencies = []string{"/" + in.Dependency.AppID()}
	}
	return app, nil
}
