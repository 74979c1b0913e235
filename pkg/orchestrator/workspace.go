package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/runtime"
	"github.com/corralhq/corral/pkg/security"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
)

// redirectURIs lists the OAuth callback URLs an app registration must
// cover: the workspace app plus every live sandbox.
func (o *Orchestrator) redirectURIs(ws *types.Workspace) ([]string, error) {
	uris := []string{"https://" + o.cfg.AppFQDN(ws.Slug) + "/oauth/callback"}

	sandboxes, err := o.Store.ListSandboxesByWorkspace(ws.ID)
	if err != nil {
		return nil, err
	}
	for _, sb := range sandboxes {
		if sb.Status == types.StatusDeleted || sb.Status == types.StatusDeleting {
			continue
		}
		uris = append(uris, "https://"+o.cfg.SandboxFQDN(sb.FullSlug)+"/oauth/callback")
	}
	return uris, nil
}

func (o *Orchestrator) startAppContainers(ctx context.Context, ws *types.Workspace) error {
	slug := ws.Slug
	fqdn := o.cfg.AppFQDN(slug)

	api := &runtime.ContainerSpec{
		Name:  appAPIContainer(slug),
		Image: o.appImage(slug, "api"),
		Env: map[string]string{
			"DATABASE_NAME": ws.AppDatabaseName,
			"DATABASE_HOST": o.cfg.AppDBContainer,
			"OAUTH_APP_ID":  ws.AppRegistrationID,
		},
		Labels: map[string]string{
			"corral.host":      fqdn,
			"corral.workspace": slug,
			"corral.role":      "api",
		},
		Network:       o.cfg.Network,
		RestartPolicy: "always",
	}
	if err := o.Runtime.Create(ctx, api); err != nil {
		return fmt.Errorf("failed to start app api container: %w", err)
	}

	web := &runtime.ContainerSpec{
		Name:  appWebContainer(slug),
		Image: o.appImage(slug, "web"),
		Env: map[string]string{
			"API_URL": "http://" + appAPIContainer(slug) + ":8000",
		},
		Labels: map[string]string{
			"corral.host":      fqdn,
			"corral.workspace": slug,
			"corral.role":      "web",
		},
		Network:       o.cfg.Network,
		RestartPolicy: "always",
	}
	if err := o.Runtime.Create(ctx, web); err != nil {
		return fmt.Errorf("failed to start app web container: %w", err)
	}
	return nil
}

func (o *Orchestrator) provisionWorkspace(ctx context.Context, task *types.Task) (interface{}, error) {
	var payload types.WorkspaceTaskPayload
	if err := decodePayload(task, &payload); err != nil {
		return nil, err
	}
	ws, err := o.Store.GetWorkspace(payload.WorkspaceID)
	if err != nil {
		return nil, err
	}
	logger := log.WithWorkspace(ws.Slug)

	var tpl *types.AppTemplate

	steps := []step{
		{"validate", func(ctx context.Context) error {
			if err := types.ValidateSlug(ws.Slug, o.cfg.SlugReserved); err != nil {
				return err
			}
			if other, err := o.Store.GetWorkspaceBySlug(ws.Slug); err == nil && other.ID != ws.ID {
				return fmt.Errorf("slug %s already taken", ws.Slug)
			}
			if ws.AppBacked() {
				tpl, err = o.Store.GetAppTemplate(ws.AppTemplateID)
				if err != nil {
					return fmt.Errorf("app template %s: %w", ws.AppTemplateID, err)
				}
				if !tpl.Active {
					return fmt.Errorf("app template %s is not active", tpl.Slug)
				}
			}
			return nil
		}},
		{"create tenant team", func(ctx context.Context) error {
			team, err := o.ensureTeam(ws)
			if err != nil {
				return err
			}
			if err := o.runTeamPipeline(ctx, team); err != nil {
				return err
			}
			ws.KanbanTeamID = team.ID
			return o.Store.UpdateWorkspace(ws)
		}},
	}

	if ws.AppBacked() {
		steps = append(steps,
			step{"create repository", func(ctx context.Context) error {
				if err := o.Repo.CreateFromTemplate(ctx, tpl.RepoOwner, tpl.RepoName, o.cfg.RepoHostOrg, ws.Slug); err != nil {
					return err
				}
				ws.RepoOwner = o.cfg.RepoHostOrg
				ws.RepoName = ws.Slug
				if ws.SourceBranch == "" {
					ws.SourceBranch = "main"
				}
				return o.Store.UpdateWorkspace(ws)
			}},
			step{"create app database", func(ctx context.Context) error {
				name := types.DatabaseName(ws.Slug) + "_app"
				if err := o.DB.Create(ctx, name); err != nil {
					return err
				}
				ws.AppDatabaseName = name
				return o.Store.UpdateWorkspace(ws)
			}},
			step{"create app registration", func(ctx context.Context) error {
				if ws.AppRegistrationID != "" {
					return nil
				}
				uris, err := o.redirectURIs(ws)
				if err != nil {
					return err
				}
				reg, err := o.IdP.CreateAppRegistration(ctx, "corral-"+ws.Slug, uris)
				if err != nil {
					return err
				}
				enc, err := o.Cipher.Encrypt([]byte(reg.Secret))
				if err != nil {
					return err
				}
				ws.AppRegistrationID = reg.AppID
				ws.AppObjectID = reg.ObjectID
				ws.AppSecretEnc = enc
				return o.Store.UpdateWorkspace(ws)
			}},
			step{"start app containers", func(ctx context.Context) error {
				fqdn := o.cfg.AppFQDN(ws.Slug)
				if err := o.DNS.AddRecord(fqdn, o.cfg.HostIP); err != nil {
					return err
				}
				if err := o.DNS.WaitPropagation(ctx, fqdn); err != nil {
					return err
				}
				if err := o.Certs.Issue(fqdn); err != nil {
					return err
				}
				if err := o.startAppContainers(ctx, ws); err != nil {
					return err
				}
				return o.waitContainersRunning(ctx, appAPIContainer(ws.Slug), appWebContainer(ws.Slug))
			}},
		)
	}

	steps = append(steps, step{"finalize", func(ctx context.Context) error {
		ws.Status = types.StatusActive
		if err := o.Store.UpdateWorkspace(ws); err != nil {
			return err
		}
		return o.Broker.Publish(ctx, types.ChannelWorkspaceStatus, types.StatusEvent{
			WorkspaceID:  ws.ID,
			Status:       types.StatusActive,
			KanbanTeamID: ws.KanbanTeamID,
			AppID:        ws.AppRegistrationID,
			AppObjectID:  ws.AppObjectID,
			RepoName:     ws.RepoName,
			DatabaseName: ws.AppDatabaseName,
		})
	}})

	if err := o.runSteps(ctx, task.ID, "workspace.provision", steps); err != nil {
		logger.Error().Err(err).Msg("Workspace provisioning failed")
		o.failWorkspace(ctx, ws, err)
		return nil, err
	}

	logger.Info().Msg("Workspace provisioned")
	return map[string]string{"workspace_id": ws.ID, "slug": ws.Slug}, nil
}

// ensureTeam returns the workspace's team row, creating it on first run.
func (o *Orchestrator) ensureTeam(ws *types.Workspace) (*types.Team, error) {
	if team, err := o.Store.GetTeamBySlug(ws.Slug); err == nil {
		return team, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	secret, err := security.GenerateWebhookSecret()
	if err != nil {
		return nil, err
	}
	team := &types.Team{
		ID:            uuid.New().String(),
		Slug:          ws.Slug,
		Name:          ws.Name,
		WorkspaceID:   ws.ID,
		WebhookSecret: secret,
		Status:        types.StatusProvisioning,
	}
	if err := o.Store.CreateTeam(team); err != nil {
		return nil, err
	}
	return team, nil
}

func (o *Orchestrator) failWorkspace(ctx context.Context, ws *types.Workspace, cause error) {
	ws.Status = types.StatusFailed
	if err := o.Store.UpdateWorkspace(ws); err != nil {
		log.Errorf("Failed to record workspace failure", err)
	}
	bestEffort("publish workspace failure", o.Broker.Publish(ctx, types.ChannelWorkspaceStatus, types.StatusEvent{
		WorkspaceID: ws.ID,
		Status:      types.StatusFailed,
		Error:       cause.Error(),
	}))
}

func (o *Orchestrator) deleteWorkspace(ctx context.Context, task *types.Task) (interface{}, error) {
	var payload types.WorkspaceTaskPayload
	if err := decodePayload(task, &payload); err != nil {
		return nil, err
	}
	ws, err := o.Store.GetWorkspace(payload.WorkspaceID)
	if err != nil {
		return nil, err
	}

	ws.Status = types.StatusDeleting
	bestEffort("record deleting status", o.Store.UpdateWorkspace(ws))

	steps := []step{
		{"tear down sandboxes", func(ctx context.Context) error {
			sandboxes, err := o.Store.ListSandboxesByWorkspace(ws.ID)
			if err != nil {
				return err
			}
			for _, sb := range sandboxes {
				o.teardownSandboxResources(ctx, ws, sb)
				bestEffort("publish sandbox deleted", o.Broker.Publish(ctx, types.ChannelSandboxStatus, types.StatusEvent{
					FullSlug: sb.FullSlug,
					Status:   types.StatusDeleted,
				}))
			}
			return nil
		}},
		{"tear down application", func(ctx context.Context) error {
			if !ws.AppBacked() {
				return nil
			}
			bestEffort("remove app api container", o.Runtime.Remove(ctx, appAPIContainer(ws.Slug)))
			bestEffort("remove app web container", o.Runtime.Remove(ctx, appWebContainer(ws.Slug)))
			if ws.AppDatabaseName != "" {
				bestEffort("drop app database", o.DB.Drop(ctx, ws.AppDatabaseName))
			}
			if ws.AppObjectID != "" {
				bestEffort("delete app registration", o.IdP.Delete(ctx, ws.AppObjectID))
			}
			if ws.RepoName != "" {
				bestEffort("delete repository", o.Repo.Delete(ctx, ws.RepoOwner, ws.RepoName))
			}
			fqdn := o.cfg.AppFQDN(ws.Slug)
			bestEffort("revoke app certificate", o.Certs.Revoke(fqdn))
			bestEffort("remove app dns record", o.DNS.RemoveRecord(fqdn))
			return nil
		}},
		{"tear down tenant team", func(ctx context.Context) error {
			team, err := o.Store.GetTeamBySlug(ws.Slug)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil
				}
				return err
			}
			o.teardownTeamResources(ctx, team)
			bestEffort("publish team deleted", o.Broker.Publish(ctx, types.ChannelTeamStatus, types.StatusEvent{
				TeamSlug: team.Slug,
				Status:   types.StatusDeleted,
			}))
			return nil
		}},
		{"publish status", func(ctx context.Context) error {
			return o.Broker.Publish(ctx, types.ChannelWorkspaceStatus, types.StatusEvent{
				WorkspaceID: ws.ID,
				Status:      types.StatusDeleted,
			})
		}},
	}

	if err := o.runSteps(ctx, task.ID, "workspace.delete", steps); err != nil {
		return nil, err
	}
	return map[string]string{"workspace_id": ws.ID}, nil
}

func (o *Orchestrator) restartWorkspace(ctx context.Context, task *types.Task) (interface{}, error) {
	var payload types.WorkspaceTaskPayload
	if err := decodePayload(task, &payload); err != nil {
		return nil, err
	}
	ws, err := o.Store.GetWorkspace(payload.WorkspaceID)
	if err != nil {
		return nil, err
	}
	team, err := o.Store.GetTeamBySlug(ws.Slug)
	if err != nil {
		return nil, err
	}

	steps := o.restartTeamSteps(team, payload.Rebuild)
	if ws.AppBacked() {
		steps = append(steps,
			step{"restart app containers", func(ctx context.Context) error {
				if err := o.Runtime.Remove(ctx, appAPIContainer(ws.Slug)); err != nil {
					return err
				}
				if err := o.Runtime.Remove(ctx, appWebContainer(ws.Slug)); err != nil {
					return err
				}
				return o.startAppContainers(ctx, ws)
			}},
			step{"app health check", func(ctx context.Context) error {
				return o.waitContainersRunning(ctx, appAPIContainer(ws.Slug), appWebContainer(ws.Slug))
			}},
		)
	}
	steps = append(steps, step{"finalize", func(ctx context.Context) error {
		ws.Status = types.StatusActive
		if err := o.Store.UpdateWorkspace(ws); err != nil {
			return err
		}
		return o.Broker.Publish(ctx, types.ChannelWorkspaceStatus, types.StatusEvent{
			WorkspaceID:  ws.ID,
			Status:       types.StatusActive,
			KanbanTeamID: ws.KanbanTeamID,
		})
	}})

	if err := o.runSteps(ctx, task.ID, "workspace.restart", steps); err != nil {
		o.failWorkspace(ctx, ws, err)
		return nil, err
	}
	return map[string]string{"workspace_id": ws.ID}, nil
}

// startWorkspace resumes a suspended workspace: team containers first,
// then the app pair when present.
func (o *Orchestrator) startWorkspace(ctx context.Context, task *types.Task) (interface{}, error) {
	var payload types.WorkspaceTaskPayload
	if err := decodePayload(task, &payload); err != nil {
		return nil, err
	}
	ws, err := o.Store.GetWorkspace(payload.WorkspaceID)
	if err != nil {
		return nil, err
	}
	team, err := o.Store.GetTeamBySlug(ws.Slug)
	if err != nil {
		return nil, err
	}

	steps := []step{
		{"start team containers", func(ctx context.Context) error {
			if err := o.startTeamContainers(ctx, team); err != nil {
				return err
			}
			return o.waitContainersRunning(ctx, teamAPIContainer(team.Slug), teamWebContainer(team.Slug))
		}},
	}
	if ws.AppBacked() {
		steps = append(steps, step{"start app containers", func(ctx context.Context) error {
			if err := o.startAppContainers(ctx, ws); err != nil {
				return err
			}
			return o.waitContainersRunning(ctx, appAPIContainer(ws.Slug), appWebContainer(ws.Slug))
		}})
	}
	steps = append(steps, step{"publish status", func(ctx context.Context) error {
		team.Status = types.StatusActive
		if err := o.Store.UpdateTeam(team); err != nil {
			return err
		}
		ws.Status = types.StatusActive
		if err := o.Store.UpdateWorkspace(ws); err != nil {
			return err
		}
		return o.Broker.Publish(ctx, types.ChannelWorkspaceStatus, types.StatusEvent{
			WorkspaceID:  ws.ID,
			Status:       types.StatusActive,
			KanbanTeamID: ws.KanbanTeamID,
		})
	}})

	if err := o.runSteps(ctx, task.ID, "workspace.start", steps); err != nil {
		o.failWorkspace(ctx, ws, err)
		return nil, err
	}
	return map[string]string{"workspace_id": ws.ID}, nil
}
