package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
	"github.com/hubot-paas/orchestrator/pkg/logger"
)

// Result is what a command reports back to its caller. Errors never cross
// this boundary.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func okf(format string, args ...any) Result {
	return Result{OK: true, Message: fmt.Sprintf(format, args...)}
}

func failure(op string, err error) Result {
	switch appErr.CodeOf(err) {
	case appErr.CodeInvalid, appErr.CodeNotFound, appErr.CodeConflict, appErr.CodeAlreadyExists, appErr.CodeUnsupported:
		logger.L().Info("command rejected", zap.String("op", op), zap.Error(err))
	default:
		logger.L().Error("command failed", zap.String("op", op), zap.Error(err))
	}
	return Result{OK: false, Message: appErr.Message(err)}
}

// Commands is the command layer's entry point; see the package doc. Every
// operation addresses resources by name inside the caller's namespace.
type Commands struct {
	Addons   AddonService
	Projects ProjectService
	Releases ReleaseService
}

func (c *Commands) CreateAddon(ctx context.Context, in *CreateAddonInput) Result {
	a, err := c.Addons.CreateAddon(ctx, in)
	if err != nil {
		return failure("create_addon", err)
	}
	if in.Down {
		return okf("addon %s created", a.Name)
	}
	return okf("addon %s is being provisioned", a.Name)
}

func (c *Commands) ScaleAddon(ctx context.Context, namespace, name string, in *ScaleAddonInput) Result {
	if _, err := c.Addons.ScaleAddon(ctx, namespace, name, in); err != nil {
		return failure("scale_addon", err)
	}
	return okf("addon %s is being scaled", name)
}

func (c *Commands) SuspendAddon(ctx context.Context, namespace, name string) Result {
	if err := c.Addons.SuspendAddon(ctx, namespace, name); err != nil {
		return failure("suspend_addon", err)
	}
	return okf("addon %s is being suspended", name)
}

func (c *Commands) ResumeAddon(ctx context.Context, namespace, name string) Result {
	if err := c.Addons.ResumeAddon(ctx, namespace, name); err != nil {
		return failure("resume_addon", err)
	}
	return okf("addon %s is being resumed", name)
}

func (c *Commands) ResetAddon(ctx context.Context, namespace, name string) Result {
	if err := c.Addons.ResetAddon(ctx, namespace, name); err != nil {
		return failure("reset_addon", err)
	}
	return okf("addon %s is being reset", name)
}

func (c *Commands) DestroyAddon(ctx context.Context, namespace, name string) Result {
	if err := c.Addons.DestroyAddon(ctx, namespace, name); err != nil {
		return failure("destroy_addon", err)
	}
	return okf("addon %s destroyed", name)
}

func (c *Commands) UndeleteAddon(ctx context.Context, namespace, name string) Result {
	if err := c.Addons.UndeleteAddon(ctx, namespace, name); err != nil {
		return failure("undelete_addon", err)
	}
	return okf("addon %s restored", name)
}

func (c *Commands) CreateSnapshot(ctx context.Context, namespace, name, description string) Result {
	if err := c.Addons.CreateSnapshot(ctx, namespace, name, description); err != nil {
		return failure("create_snapshot", err)
	}
	return okf("snapshot of %s is being created", name)
}

func (c *Commands) RestoreSnapshot(ctx context.Context, namespace, name string, shortID int) Result {
	if err := c.Addons.RestoreSnapshot(ctx, namespace, name, shortID); err != nil {
		return failure("restore_snapshot", err)
	}
	return okf("addon %s is being restored from s%d", name, shortID)
}

func (c *Commands) DestroySnapshot(ctx context.Context, namespace, name string, shortID int) Result {
	if err := c.Addons.DestroySnapshot(ctx, namespace, name, shortID); err != nil {
		return failure("destroy_snapshot", err)
	}
	return okf("snapshot s%d of %s is being destroyed", shortID, name)
}

func (c *Commands) AttachAddon(ctx context.Context, namespace, project, addon, alias string) Result {
	if _, err := c.Projects.AttachAddon(ctx, namespace, project, addon, alias); err != nil {
		return failure("attach_addon", err)
	}
	return okf("addon %s attached to %s", addon, project)
}

func (c *Commands) DetachAddon(ctx context.Context, namespace, project, addon string) Result {
	if err := c.Projects.DetachAddon(ctx, namespace, project, addon); err != nil {
		return failure("detach_addon", err)
	}
	return okf("addon %s detached from %s", addon, project)
}

func (c *Commands) ScaleProject(ctx context.Context, namespace, name string, in *UpdateProjectInput) Result {
	if _, err := c.Projects.UpdateProject(ctx, namespace, name, in); err != nil {
		return failure("scale_project", err)
	}
	return okf("project %s updated", name)
}

func (c *Commands) Deploy(ctx context.Context, in *CreateReleaseInput) Result {
	in.Deploy = true
	rel, err := c.Releases.CreateRelease(ctx, in)
	if err != nil {
		return failure("deploy", err)
	}
	return okf("release %s of %s is being deployed", rel.Tag, in.Project)
}

func (c *Commands) SuspendRelease(ctx context.Context, namespace, project string) Result {
	if err := c.Releases.SuspendRelease(ctx, namespace, project); err != nil {
		return failure("suspend_release", err)
	}
	return okf("project %s is being suspended", project)
}
