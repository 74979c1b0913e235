package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/runtime"
	"github.com/corralhq/corral/pkg/types"
)

var teamDirs = []string{
	"db",
	"uploads/cards",
	"uploads/avatars",
	"cache/previews",
	"backups",
	"logs",
}

// emptyTeamDB is the initial document store for a fresh tenant.
const emptyTeamDB = `{"boards":[],"columns":[],"cards":[],"labels":[],"comments":[],"members":[]}` + "\n"

// teamSteps builds the eleven provisioning steps for a tenant team.
// Every step converges under re-runs.
func (o *Orchestrator) teamSteps(team *types.Team) []step {
	slug := team.Slug
	fqdn := o.cfg.TeamFQDN(slug)
	dir := o.cfg.TeamDir(slug)

	return []step{
		{"validate slug", func(ctx context.Context) error {
			return types.ValidateSlug(slug, o.cfg.SlugReserved)
		}},
		{"create directories", func(ctx context.Context) error {
			for _, d := range teamDirs {
				if err := os.MkdirAll(filepath.Join(dir, d), 0755); err != nil {
					return fmt.Errorf("failed to create %s: %w", d, err)
				}
			}
			return nil
		}},
		{"initialize document db", func(ctx context.Context) error {
			path := filepath.Join(dir, "db", "team.json")
			if _, err := os.Stat(path); err == nil {
				return nil
			}
			return os.WriteFile(path, []byte(emptyTeamDB), 0644)
		}},
		{"generate configuration", func(ctx context.Context) error {
			// Gateway discovery is label-driven; nothing to materialize.
			log.Debug(fmt.Sprintf("Team %s configured for host %s", slug, fqdn))
			return nil
		}},
		{"add dns record", func(ctx context.Context) error {
			return o.DNS.AddRecord(fqdn, o.cfg.HostIP)
		}},
		{"wait for dns propagation", func(ctx context.Context) error {
			return o.DNS.WaitPropagation(ctx, fqdn)
		}},
		{"issue tls certificate", func(ctx context.Context) error {
			return o.Certs.Issue(fqdn)
		}},
		{"update gateway", func(ctx context.Context) error {
			// No-op with label-driven routing.
			return nil
		}},
		{"start containers", func(ctx context.Context) error {
			return o.startTeamContainers(ctx, team)
		}},
		{"health check", func(ctx context.Context) error {
			return o.waitContainersRunning(ctx, teamAPIContainer(slug), teamWebContainer(slug))
		}},
		{"publish status", func(ctx context.Context) error {
			team.Status = types.StatusActive
			if err := o.Store.UpdateTeam(team); err != nil {
				return err
			}
			return o.Broker.Publish(ctx, types.ChannelTeamStatus, types.StatusEvent{
				TeamSlug:     slug,
				Status:       types.StatusActive,
				KanbanTeamID: team.ID,
			})
		}},
	}
}

func (o *Orchestrator) startTeamContainers(ctx context.Context, team *types.Team) error {
	slug := team.Slug
	dir := o.cfg.TeamDir(slug)
	fqdn := o.cfg.TeamFQDN(slug)

	api := &runtime.ContainerSpec{
		Name:  teamAPIContainer(slug),
		Image: o.cfg.TeamAPIImage,
		Env: map[string]string{
			"TEAM_SLUG":      slug,
			"DATA_DIR":       "/data",
			"WEBHOOK_SECRET": team.WebhookSecret,
		},
		Labels: map[string]string{
			"corral.host": fqdn,
			"corral.team": slug,
			"corral.role": "api",
		},
		Mounts:        []runtime.Mount{{Source: dir, Target: "/data"}},
		Network:       o.cfg.Network,
		RestartPolicy: "always",
	}
	if err := o.Runtime.Create(ctx, api); err != nil {
		return fmt.Errorf("failed to start api container: %w", err)
	}

	web := &runtime.ContainerSpec{
		Name:  teamWebContainer(slug),
		Image: o.cfg.TeamWebImage,
		Env: map[string]string{
			"API_URL": "http://" + teamAPIContainer(slug) + ":8000",
		},
		Labels: map[string]string{
			"corral.host": fqdn,
			"corral.team": slug,
			"corral.role": "web",
		},
		Network:       o.cfg.Network,
		RestartPolicy: "always",
	}
	if err := o.Runtime.Create(ctx, web); err != nil {
		return fmt.Errorf("failed to start web container: %w", err)
	}
	return nil
}

// runTeamPipeline executes the team steps, used both by the team.provision
// task and inline from workspace.provision.
func (o *Orchestrator) runTeamPipeline(ctx context.Context, team *types.Team) error {
	for _, s := range o.teamSteps(team) {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

func (o *Orchestrator) provisionTeam(ctx context.Context, task *types.Task) (interface{}, error) {
	var payload types.TeamTaskPayload
	if err := decodePayload(task, &payload); err != nil {
		return nil, err
	}
	team, err := o.Store.GetTeam(payload.TeamID)
	if err != nil {
		return nil, err
	}

	if err := o.runSteps(ctx, task.ID, "team.provision", o.teamSteps(team)); err != nil {
		o.failTeam(ctx, team, err)
		return nil, err
	}
	return map[string]string{"team_id": team.ID, "slug": team.Slug}, nil
}

func (o *Orchestrator) failTeam(ctx context.Context, team *types.Team, cause error) {
	team.Status = types.StatusFailed
	if err := o.Store.UpdateTeam(team); err != nil {
		log.Errorf("Failed to record team failure", err)
	}
	bestEffort("publish team failure", o.Broker.Publish(ctx, types.ChannelTeamStatus, types.StatusEvent{
		TeamSlug: team.Slug,
		Status:   types.StatusFailed,
		Error:    cause.Error(),
	}))
}

// teardownTeamResources reverses provisioning best-effort. The store row
// survives until the status listener reacts to the deleted event.
func (o *Orchestrator) teardownTeamResources(ctx context.Context, team *types.Team) {
	slug := team.Slug
	fqdn := o.cfg.TeamFQDN(slug)

	bestEffort("remove api container", o.Runtime.Remove(ctx, teamAPIContainer(slug)))
	bestEffort("remove web container", o.Runtime.Remove(ctx, teamWebContainer(slug)))
	bestEffort("revoke certificate", o.Certs.Revoke(fqdn))
	bestEffort("remove dns record", o.DNS.RemoveRecord(fqdn))
	bestEffort("remove tenant directory", os.RemoveAll(o.cfg.TeamDir(slug)))
}

func (o *Orchestrator) deleteTeam(ctx context.Context, task *types.Task) (interface{}, error) {
	var payload types.TeamTaskPayload
	if err := decodePayload(task, &payload); err != nil {
		return nil, err
	}
	team, err := o.Store.GetTeam(payload.TeamID)
	if err != nil {
		return nil, err
	}

	team.Status = types.StatusDeleting
	bestEffort("record deleting status", o.Store.UpdateTeam(team))

	steps := []step{
		{"remove resources", func(ctx context.Context) error {
			o.teardownTeamResources(ctx, team)
			return nil
		}},
		{"publish status", func(ctx context.Context) error {
			return o.Broker.Publish(ctx, types.ChannelTeamStatus, types.StatusEvent{
				TeamSlug: team.Slug,
				Status:   types.StatusDeleted,
			})
		}},
	}
	if err := o.runSteps(ctx, task.ID, "team.delete", steps); err != nil {
		return nil, err
	}
	return map[string]string{"slug": team.Slug}, nil
}

// restartTeamSteps stops, optionally rebuilds, restarts and re-checks a
// tenant's containers.
func (o *Orchestrator) restartTeamSteps(team *types.Team, rebuild bool) []step {
	slug := team.Slug
	steps := []step{
		{"stop containers", func(ctx context.Context) error {
			if err := o.Runtime.Remove(ctx, teamAPIContainer(slug)); err != nil {
				return err
			}
			return o.Runtime.Remove(ctx, teamWebContainer(slug))
		}},
	}
	if rebuild {
		steps = append(steps, step{"rebuild images", func(ctx context.Context) error {
			// Image pull happens on create; removing first forces a fresh pull.
			log.Info(fmt.Sprintf("Rebuilding images for team %s", slug))
			return nil
		}})
	}
	steps = append(steps,
		step{"start containers", func(ctx context.Context) error {
			return o.startTeamContainers(ctx, team)
		}},
		step{"health check", func(ctx context.Context) error {
			return o.waitContainersRunning(ctx, teamAPIContainer(slug), teamWebContainer(slug))
		}},
		step{"publish status", func(ctx context.Context) error {
			team.Status = types.StatusActive
			if err := o.Store.UpdateTeam(team); err != nil {
				return err
			}
			return o.Broker.Publish(ctx, types.ChannelTeamStatus, types.StatusEvent{
				TeamSlug:     slug,
				Status:       types.StatusActive,
				KanbanTeamID: team.ID,
			})
		}},
	)
	return steps
}

func (o *Orchestrator) restartTeam(ctx context.Context, task *types.Task) (interface{}, error) {
	var payload types.TeamTaskPayload
	if err := decodePayload(task, &payload); err != nil {
		return nil, err
	}
	team, err := o.Store.GetTeam(payload.TeamID)
	if err != nil {
		return nil, err
	}
	if err := o.runSteps(ctx, task.ID, "team.restart", o.restartTeamSteps(team, payload.Rebuild)); err != nil {
		o.failTeam(ctx, team, err)
		return nil, err
	}
	return map[string]string{"slug": team.Slug}, nil
}

// startTeam resumes a suspended tenant on gateway demand.
func (o *Orchestrator) startTeam(ctx context.Context, task *types.Task) (interface{}, error) {
	var payload types.TeamTaskPayload
	if err := decodePayload(task, &payload); err != nil {
		return nil, err
	}

	var team *types.Team
	var err error
	if payload.TeamID != "" {
		team, err = o.Store.GetTeam(payload.TeamID)
	} else {
		team, err = o.Store.GetTeamBySlug(payload.Slug)
	}
	if err != nil {
		return nil, err
	}

	if team.Status == types.StatusActive {
		return map[string]string{"slug": team.Slug, "status": "already_active"}, nil
	}

	steps := []step{
		{"start containers", func(ctx context.Context) error {
			return o.startTeamContainers(ctx, team)
		}},
		{"health check", func(ctx context.Context) error {
			return o.waitContainersRunning(ctx, teamAPIContainer(team.Slug), teamWebContainer(team.Slug))
		}},
		{"publish status", func(ctx context.Context) error {
			team.Status = types.StatusActive
			if err := o.Store.UpdateTeam(team); err != nil {
				return err
			}
			return o.Broker.Publish(ctx, types.ChannelTeamStatus, types.StatusEvent{
				TeamSlug:     team.Slug,
				Status:       types.StatusActive,
				KanbanTeamID: team.ID,
			})
		}},
	}
	if err := o.runSteps(ctx, task.ID, "team.start", steps); err != nil {
		o.failTeam(ctx, team, err)
		return nil, err
	}
	return map[string]string{"slug": team.Slug}, nil
}
