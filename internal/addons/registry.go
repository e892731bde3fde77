// Package addons is the compile time registry of addon kinds. Each kind knows
// its container image, data paths, generated credentials, container
// environment and the config variables it exposes to attached projects.
package addons

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hubot-paas/orchestrator/internal/models"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
	"github.com/hubot-paas/orchestrator/pkg/utils"
)

// Credential keys stored in models.Addon.Credentials.
const (
	CredDatabase = "db"
	CredUser     = "user"
	CredPassword = "password"
	CredVHost    = "vhost"
)

// Kind describes one addon variant.
type Kind struct {
	Name           string
	Image          string
	DefaultVersion string
	DefaultArgs    string
	VolumePaths    []string
	// ConfigVars are exported to projects in this order.
	ConfigVars []string
	// DependsOn names the kind this kind needs provisioned first.
	DependsOn string

	secrets []string
	env     func(a, dep *models.Addon) map[string]string
	config  func(a *models.Addon) map[string]string
}

var registry = map[string]*Kind{}

func register(k *Kind) {
	if _, dup := registry[k.Name]; dup {
		panic("addons: duplicate kind " + k.Name)
	}
	registry[k.Name] = k
}

// Lookup returns the registered kind or an invalid error.
func Lookup(name string) (*Kind, error) {
	k, ok := registry[name]
	if !ok {
		return nil, appErr.Newf(appErr.CodeInvalid, "unknown addon kind %q", name).WithMeta("kind", name)
	}
	return k, nil
}

// MustLookup is Lookup for kinds already validated at creation.
func MustLookup(name string) *Kind {
	k, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return k
}

// Names lists the registered kinds in lexical order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// HasStorage reports whether the kind persists data on volumes. Only those
// kinds support snapshots.
func (k *Kind) HasStorage() bool { return len(k.VolumePaths) > 0 }

// ImageRef is the fully qualified container image for version.
func (k *Kind) ImageRef(registryHost, version string) string {
	if version == "" {
		version = k.DefaultVersion
	}
	if registryHost == "" {
		return fmt.Sprintf("%s:%s", k.Image, version)
	}
	return fmt.Sprintf("%s/%s:%s", strings.TrimSuffix(registryHost, "/"), k.Image, version)
}

// NewCredentials generates the secrets the kind needs at creation time.
func (k *Kind) NewCredentials() map[string]string {
	out := make(map[string]string, len(k.secrets))
	for _, s := range k.secrets {
		switch s {
		case CredDatabase, CredVHost:
			out[s] = utils.RandomLower(6)
		case CredUser:
			out[s] = utils.RandomLower(8)
		case CredPassword:
			out[s] = utils.RandomAlnum(16)
		}
	}
	return out
}

// Env is the container environment. dep is the resolved dependency for kinds
// with DependsOn, otherwise nil.
func (k *Kind) Env(a, dep *models.Addon) map[string]string {
	if k.env == nil {
		return map[string]string{}
	}
	return k.env(a, dep)
}

// Config returns the variables injected into an attached project. A
// non-primary addon inserts its color before the last key segment, and an
// alias replaces the key outright.
func (k *Kind) Config(a *models.Addon, primary bool, alias string) map[string]string {
	values := k.config(a)
	out := make(map[string]string, len(values))
	for _, v := range k.ConfigVars {
		val, ok := values[v]
		if !ok {
			continue
		}
		key := strings.ToUpper(v)
		if !primary {
			parts := strings.Split(key, "_")
			tail := parts[len(parts)-1]
			parts = append(parts[:len(parts)-1], strings.ToUpper(a.Color), tail)
			key = strings.Join(parts, "_")
		}
		if alias != "" {
			key = strings.ToUpper(alias)
		}
		out[key] = val
	}
	return out
}

// Volume is one deterministic volume of an addon.
type Volume struct {
	Name string
	Path string
}

// Volumes derives the volume names of a from its slug alone.
func (k *Kind) Volumes(a *models.Addon) []Volume {
	out := make([]Volume, 0, len(k.VolumePaths))
	for _, p := range k.VolumePaths {
		out = append(out, Volume{Name: a.VolumeName(p), Path: p})
	}
	return out
}
