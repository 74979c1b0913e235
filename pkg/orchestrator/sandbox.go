package orchestrator

import (
	"context"
	"fmt"
	"os"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/runtime"
	"github.com/corralhq/corral/pkg/security"
	"github.com/corralhq/corral/pkg/types"
)

func (o *Orchestrator) startSandboxContainers(ctx context.Context, ws *types.Workspace, sb *types.Sandbox) error {
	full := sb.FullSlug
	fqdn := o.cfg.SandboxFQDN(full)

	api := &runtime.ContainerSpec{
		Name:  sandboxAPIContainer(full),
		Image: o.appImage(ws.Slug, "api"),
		Env: map[string]string{
			"DATABASE_NAME": sb.DatabaseName,
			"DATABASE_HOST": o.cfg.AppDBContainer,
			"OAUTH_APP_ID":  ws.AppRegistrationID,
			"GIT_BRANCH":    sb.Branch,
		},
		Labels: map[string]string{
			"corral.host":    fqdn,
			"corral.sandbox": full,
			"corral.role":    "api",
		},
		Network:       o.cfg.Network,
		RestartPolicy: "always",
	}
	if err := o.Runtime.Create(ctx, api); err != nil {
		return fmt.Errorf("failed to start sandbox api container: %w", err)
	}

	web := &runtime.ContainerSpec{
		Name:  sandboxWebContainer(full),
		Image: o.appImage(ws.Slug, "web"),
		Env: map[string]string{
			"API_URL": "http://" + sandboxAPIContainer(full) + ":8000",
		},
		Labels: map[string]string{
			"corral.host":    fqdn,
			"corral.sandbox": full,
			"corral.role":    "web",
		},
		Network:       o.cfg.Network,
		RestartPolicy: "always",
	}
	if err := o.Runtime.Create(ctx, web); err != nil {
		return fmt.Errorf("failed to start sandbox web container: %w", err)
	}
	return nil
}

func (o *Orchestrator) startAgentContainer(ctx context.Context, ws *types.Workspace, sb *types.Sandbox) error {
	mounts := []runtime.Mount{}
	if o.cfg.HostProjectPath != "" {
		mounts = append(mounts, runtime.Mount{Source: o.cfg.HostProjectPath, Target: "/workspace"})
	}
	if o.cfg.AgentCredentialsPath != "" {
		if _, err := os.Stat(o.cfg.AgentCredentialsPath); err == nil {
			mounts = append(mounts, runtime.Mount{
				Source:   o.cfg.AgentCredentialsPath,
				Target:   "/credentials",
				ReadOnly: true,
			})
		}
	}

	spec := &runtime.ContainerSpec{
		Name:  agentContainer(sb.FullSlug),
		Image: o.cfg.AgentImage,
		Env: map[string]string{
			"CORRAL_API_URL": "https://" + o.cfg.TeamFQDN(ws.Slug) + "/api",
			"WEBHOOK_SECRET": sb.WebhookSecret,
			"GIT_BRANCH":     sb.Branch,
			"LLM_PROVIDER":   o.cfg.LLMProvider,
			"LLM_MODEL":      o.cfg.LLMModel,
		},
		Labels: map[string]string{
			"corral.sandbox": sb.FullSlug,
			"corral.role":    "agent",
		},
		Mounts:        mounts,
		Network:       o.cfg.Network,
		RestartPolicy: "always",
	}
	if err := o.Runtime.Create(ctx, spec); err != nil {
		return fmt.Errorf("failed to start agent container: %w", err)
	}
	return o.waitContainersRunning(ctx, agentContainer(sb.FullSlug))
}

func (o *Orchestrator) provisionSandbox(ctx context.Context, task *types.Task) (interface{}, error) {
	var payload types.SandboxTaskPayload
	if err := decodePayload(task, &payload); err != nil {
		return nil, err
	}
	sb, err := o.Store.GetSandbox(payload.SandboxID)
	if err != nil {
		return nil, err
	}
	ws, err := o.Store.GetWorkspace(sb.WorkspaceID)
	if err != nil {
		return nil, err
	}
	fqdn := o.cfg.SandboxFQDN(sb.FullSlug)

	steps := []step{
		{"validate parent workspace", func(ctx context.Context) error {
			if ws.Status != types.StatusActive {
				return fmt.Errorf("workspace %s is %s, not active", ws.Slug, ws.Status)
			}
			if !ws.AppBacked() {
				return fmt.Errorf("workspace %s has no application to sandbox", ws.Slug)
			}
			return nil
		}},
		{"create branch", func(ctx context.Context) error {
			if sb.Branch == "" {
				sb.Branch = "sandbox/" + sb.FullSlug
			}
			if sb.SourceBranch == "" {
				sb.SourceBranch = ws.SourceBranch
			}
			if err := o.Repo.CreateBranch(ctx, ws.RepoOwner, ws.RepoName, sb.Branch, sb.SourceBranch); err != nil {
				return err
			}
			return o.Store.UpdateSandbox(sb)
		}},
		{"clone database", func(ctx context.Context) error {
			target := types.DatabaseName(sb.FullSlug)
			if err := o.DB.Clone(ctx, ws.AppDatabaseName, target); err != nil {
				return err
			}
			sb.DatabaseName = target
			return o.Store.UpdateSandbox(sb)
		}},
		{"start sandbox containers", func(ctx context.Context) error {
			if err := o.DNS.AddRecord(fqdn, o.cfg.HostIP); err != nil {
				return err
			}
			if err := o.DNS.WaitPropagation(ctx, fqdn); err != nil {
				return err
			}
			if err := o.startSandboxContainers(ctx, ws, sb); err != nil {
				return err
			}
			return o.waitContainersRunning(ctx, sandboxAPIContainer(sb.FullSlug), sandboxWebContainer(sb.FullSlug))
		}},
		{"start agent container", func(ctx context.Context) error {
			if sb.WebhookSecret == "" {
				secret, err := security.GenerateWebhookSecret()
				if err != nil {
					return err
				}
				sb.WebhookSecret = secret
				if err := o.Store.UpdateSandbox(sb); err != nil {
					return err
				}
			}
			sb.AgentName = agentContainer(sb.FullSlug)
			if err := o.startAgentContainer(ctx, ws, sb); err != nil {
				return err
			}
			return o.Store.UpdateSandbox(sb)
		}},
		{"issue tls certificate", func(ctx context.Context) error {
			return o.Certs.Issue(fqdn)
		}},
		{"update redirect uris", func(ctx context.Context) error {
			uris, err := o.redirectURIs(ws)
			if err != nil {
				return err
			}
			return o.IdP.UpdateRedirectURIs(ctx, ws.AppObjectID, uris)
		}},
		{"publish status", func(ctx context.Context) error {
			sb.Status = types.StatusActive
			if err := o.Store.UpdateSandbox(sb); err != nil {
				return err
			}
			return o.Broker.Publish(ctx, types.ChannelSandboxStatus, types.StatusEvent{
				FullSlug:      sb.FullSlug,
				Status:        types.StatusActive,
				DatabaseName:  sb.DatabaseName,
				WebhookSecret: sb.WebhookSecret,
			})
		}},
	}

	if err := o.runSteps(ctx, task.ID, "sandbox.provision", steps); err != nil {
		o.failSandbox(ctx, sb, err)
		return nil, err
	}
	return map[string]string{"sandbox_id": sb.ID, "full_slug": sb.FullSlug}, nil
}

func (o *Orchestrator) failSandbox(ctx context.Context, sb *types.Sandbox, cause error) {
	sb.Status = types.StatusFailed
	if err := o.Store.UpdateSandbox(sb); err != nil {
		log.Errorf("Failed to record sandbox failure", err)
	}
	bestEffort("publish sandbox failure", o.Broker.Publish(ctx, types.ChannelSandboxStatus, types.StatusEvent{
		FullSlug: sb.FullSlug,
		Status:   types.StatusFailed,
		Error:    cause.Error(),
	}))
}

// teardownSandboxResources reverses provisioning best-effort.
func (o *Orchestrator) teardownSandboxResources(ctx context.Context, ws *types.Workspace, sb *types.Sandbox) {
	full := sb.FullSlug
	fqdn := o.cfg.SandboxFQDN(full)

	bestEffort("remove agent container", o.Runtime.Remove(ctx, agentContainer(full)))
	bestEffort("remove sandbox api container", o.Runtime.Remove(ctx, sandboxAPIContainer(full)))
	bestEffort("remove sandbox web container", o.Runtime.Remove(ctx, sandboxWebContainer(full)))
	if sb.DatabaseName != "" {
		bestEffort("drop sandbox database", o.DB.Drop(ctx, sb.DatabaseName))
	}
	if sb.Branch != "" && ws.RepoName != "" {
		bestEffort("delete sandbox branch", o.Repo.DeleteBranch(ctx, ws.RepoOwner, ws.RepoName, sb.Branch))
	}
	bestEffort("revoke sandbox certificate", o.Certs.Revoke(fqdn))
	bestEffort("remove sandbox dns record", o.DNS.RemoveRecord(fqdn))
}

func (o *Orchestrator) deleteSandbox(ctx context.Context, task *types.Task) (interface{}, error) {
	var payload types.SandboxTaskPayload
	if err := decodePayload(task, &payload); err != nil {
		return nil, err
	}
	sb, err := o.Store.GetSandbox(payload.SandboxID)
	if err != nil {
		return nil, err
	}
	ws, err := o.Store.GetWorkspace(sb.WorkspaceID)
	if err != nil {
		return nil, err
	}

	sb.Status = types.StatusDeleting
	bestEffort("record deleting status", o.Store.UpdateSandbox(sb))

	steps := []step{
		{"remove resources", func(ctx context.Context) error {
			o.teardownSandboxResources(ctx, ws, sb)
			return nil
		}},
		{"update redirect uris", func(ctx context.Context) error {
			if ws.AppObjectID == "" {
				return nil
			}
			sb.Status = types.StatusDeleted
			bestEffort("mark sandbox deleted", o.Store.UpdateSandbox(sb))
			uris, err := o.redirectURIs(ws)
			if err != nil {
				return err
			}
			bestEffort("shrink redirect uris", o.IdP.UpdateRedirectURIs(ctx, ws.AppObjectID, uris))
			return nil
		}},
		{"publish status", func(ctx context.Context) error {
			return o.Broker.Publish(ctx, types.ChannelSandboxStatus, types.StatusEvent{
				FullSlug: sb.FullSlug,
				Status:   types.StatusDeleted,
			})
		}},
	}

	if err := o.runSteps(ctx, task.ID, "sandbox.delete", steps); err != nil {
		return nil, err
	}
	return map[string]string{"full_slug": sb.FullSlug}, nil
}
