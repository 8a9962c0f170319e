package app

import (
	"context"
	"errors"
	"fmt"

	"agentpm/internal/domain"
	"agentpm/internal/repo"
)

// ResolveProject picks the active project. It prefers the override, then
// the config file, then the only project in the database. A project that
// does not exist yet is created on the fly.
func (rt *Runtime) ResolveProject(ctx context.Context, override string) (domain.Project, error) {
	projectID := override
	if projectID == "" && rt.ConfigFound {
		projectID = rt.Config.Project.ID
	}
	if projectID == "" {
		p, err := rt.Repo.SingleProject(ctx)
		if err == nil {
			return p, nil
		}
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, fmt.Errorf("no project found; run apm init or pass --project")
		}
		return domain.Project{}, err
	}

	p, err := rt.Repo.GetProject(ctx, projectID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	name := projectID
	if rt.ConfigFound && rt.Config.Project.ID == projectID && rt.Config.Project.Name != "" {
		name = rt.Config.Project.Name
	}
	return rt.Intake.EnsureProject(ctx, projectID, name, rt.ActorID)
}
