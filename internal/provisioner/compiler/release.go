package compiler

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/hubot-paas/orchestrator/internal/addons"
	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/scheduler"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

// ReleaseCompiler builds a project's app for one release tag. Attached addon
// configuration is merged into the environment.
type ReleaseCompiler struct{}

func (c *ReleaseCompiler) Validate(r models.Deployable, in Input) error {
	rel, ok := r.(*models.Release)
	if !ok {
		return appErr.Newf(appErr.CodeInvalid, "%T is not a release", r)
	}
	if rel.Project == nil {
		return appErr.New(appErr.CodeInvalid, "release project is not loaded")
	}
	if rel.Tag == "" {
		return appErr.New(appErr.CodeInvalid, "release tag is required")
	}
	for _, pa := range in.Attached {
		if pa.Addon == nil {
			return appErr.Newf(appErr.CodeInvalid, "attachment %s has no addon loaded", pa.ID)
		}
	}
	return nil
}

func (c *ReleaseCompiler) Compile(r models.Deployable, in Input, opts Options) (*scheduler.App, error) {
	rel := r.(*models.Release)
	p := rel.Project

	image := p.ImageName
	if image == "" {
		image = fmt.Sprintf("%s/%s", p.Namespace, p.Name)
	}

	env := map[string]string{}
	for k, v := range p.Configs.Data() {
		env[k] = v
	}
	for _, pa := range in.Attached {
		kind, err := addons.Lookup(pa.Addon.Kind)
		if err != nil {
			return nil, err
		}
		for k, v := range kind.Config(pa.Addon, pa.Primary, pa.Alias) {
			env[k] = v
		}
	}
	env["APP_VERSION"] = rel.Tag

	labels := map[string]string{}
	if p.UseLB {
		labels["HAPROXY_GROUP"] = "external"
		labels["HAPROXY_0_VHOST"] = p.VHost(opts.Domain)
		if p.RedirectHTTPS {
			labels["HAPROXY_0_REDIRECT_TO_HTTPS"] = "true"
		}
		if p.UseHSTS {
			labels["HAPROXY_0_USE_HSTS"] = "true"
		}
	}

	var ports []scheduler.PortMapping
	for _, pm := range p.Ports {
		ports = append(ports, scheduler.PortMapping{
			ContainerPort: pm.ContainerPort,
			HostPort:      pm.HostPort,
			ServicePort:   pm.ServicePort,
			Protocol:      strings.ToLower(pm.Protocol),
		})
	}

	var checks []scheduler.HealthCheck
	if p.HealthCheck != "" {
		checks = []scheduler.HealthCheck{{
			Protocol:               "HTTP",
			Path:                   p.HealthCheck,
			PortIndex:              0,
			GracePeriodSeconds:     300,
			IntervalSeconds:        60,
			TimeoutSeconds:         20,
			MaxConsecutiveFailures: 3,
		}}
	}

	return &scheduler.App{
		ID:        "/" + rel.AppID(),
		Args:      splitArgs(p.Args, unicode.IsSpace),
		CPUs:      p.CPUs,
		Mem:       p.Mem,
		Instances: p.Instances,
		Container: &scheduler.Container{
			Type: "DOCKER",
			Docker: &scheduler.Docker{
				Image:          imageRef(opts.Registry, fmt.Sprintf("%s:%s", image, rel.Tag)),
				Network:        "BRIDGE",
				PortMappings:   ports,
				Parameters:     []scheduler.Parameter{{Key: "label", Value: "weave_hostname=" + p.Slug() + "-app"}},
				ForcePullImage: true,
			},
		},
		Env:             env,
		Labels:          labels,
		Constraints:     constraints(opts.Constraints),
		URIs:            opts.URIs,
		HealthChecks:    checks,
		UpgradeStrategy: &scheduler.UpgradeStrategy{MinimumHealthCapacity: opts.MinHealthCapacity, MaximumOverCapacity: 1},
	}, nil
}
