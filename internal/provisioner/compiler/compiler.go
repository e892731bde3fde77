// Package compiler turns addon and release records into scheduler app specs.
package compiler

import (
	"strings"

	"github.com/hubot-paas/orchestrator/internal/models"
	"github.com/hubot-paas/orchestrator/internal/scheduler"
	"github.com/hubot-paas/orchestrator/pkg/config"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

// Options are the cluster-wide settings applied to every app.
type Options struct {
	Registry          string
	Constraints       []string
	URIs              []string
	Domain            string
	MinHealthCapacity float64
}

func OptionsFromConfig(c *config.Config) Options {
	return Options{
		Registry:          c.ImageRegistry,
		Constraints:       c.AppConstraints,
		URIs:              c.AppURIs,
		Domain:            c.AppDomain,
		MinHealthCapacity: c.MinHealthCapacity,
	}
}

// Input is everything a resource compiler needs besides the resource.
type Input struct {
	// Dependency is the resolved addon an addon depends on.
	Dependency *models.Addon
	// Attached are the project's addon attachments with Addon loaded.
	Attached []models.ProjectAddon
}

type ResourceCompiler interface {
	Validate(r models.Deployable, in Input) error
	Compile(r models.Deployable, in Input, opts Options) (*scheduler.App, error)
}

// Compiler dispatches on the resource kind.
type Compiler struct {
	opts              Options
	resourceCompilers map[models.ResourceKind]ResourceCompiler
}

func NewCompiler(opts Options) *Compiler {
	c := &Compiler{
		opts:              opts,
		resourceCompilers: make(map[models.ResourceKind]ResourceCompiler),
	}
	c.RegisterCompiler(models.KindAddon, &AddonCompiler{})
	c.RegisterCompiler(models.KindRelease, &ReleaseCompiler{})
	return c
}

func (c *Compiler) RegisterCompiler(kind models.ResourceKind, rc ResourceCompiler) {
	c.resourceCompilers[kind] = rc
}

func (c *Compiler) Options() Options { return c.opts }

// Compile validates r and builds its desired app.
func (c *Compiler) Compile(r models.Deployable, in Input) (*scheduler.App, error) {
	rc, ok := c.resourceCompilers[r.ResourceKind()]
	if !ok {
		return nil, appErr.Newf(appErr.CodeUnsupported, "no compiler for %s", r.ResourceKind())
	}
	if err := rc.Validate(r, in); err != nil {
		return nil, err
	}
	return rc.Compile(r, in, c.opts)
}

// constraints parses "field:OPERATOR:value" entries.
func constraints(raw []string) [][]string {
	var out [][]string
	for _, c := range raw {
		parts := strings.SplitN(c, ":", 3)
		if len(parts) < 2 {
			continue
		}
		out = append(out, parts)
	}
	return out
}

func imageRef(registry, image string) string {
	if registry == "" {
		return image
	}
	return strings.TrimSuffix(registry, "/") + "/" + image
}

func splitArgs(s string, sep func(rune) bool) []string {
	return strings.FieldsFunc(s, sep)
}
