package gateway

import (
	"context"
	"encoding/json"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/types"
)

// runStatusListener folds orchestrator status events back into the store.
// The orchestrator updates rows it owns directly; the listener's job is
// row removal on deleted and keeping externally observed statuses fresh.
// Events are consumed in arrival order, so per-entity application is
// serialized.
func (g *Gateway) runStatusListener(ctx context.Context) {
	sub := g.Broker.Subscribe(ctx, types.ChannelTeamStatus, types.ChannelWorkspaceStatus, types.ChannelSandboxStatus)
	defer sub.Close()

	for msg := range sub.Channel() {
		var event types.StatusEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			log.Errorf("Malformed status event", err)
			continue
		}
		switch msg.Channel {
		case types.ChannelTeamStatus:
			g.applyTeamStatus(&event)
		case types.ChannelWorkspaceStatus:
			g.applyWorkspaceStatus(&event)
		case types.ChannelSandboxStatus:
			g.applySandboxStatus(&event)
		}
	}
}

func (g *Gateway) applyTeamStatus(event *types.StatusEvent) {
	team, err := g.Store.GetTeamBySlug(event.TeamSlug)
	if err != nil {
		return
	}
	if event.Status == types.StatusDeleted {
		if err := g.Store.DeleteTeam(team.ID); err != nil {
			log.Errorf("Failed to remove deleted team", err)
		}
		return
	}
	team.Status = event.Status
	if err := g.Store.UpdateTeam(team); err != nil {
		log.Errorf("Failed to apply team status", err)
	}
}

func (g *Gateway) applyWorkspaceStatus(event *types.StatusEvent) {
	ws, err := g.Store.GetWorkspace(event.WorkspaceID)
	if err != nil {
		return
	}
	if event.Status == types.StatusDeleted {
		if err := g.Store.DeleteWorkspace(ws.ID); err != nil {
			log.Errorf("Failed to remove deleted workspace", err)
		}
		return
	}
	ws.Status = event.Status
	if err := g.Store.UpdateWorkspace(ws); err != nil {
		log.Errorf("Failed to apply workspace status", err)
	}
}

func (g *Gateway) applySandboxStatus(event *types.StatusEvent) {
	sb, err := g.Store.GetSandboxByFullSlug(event.FullSlug)
	if err != nil {
		return
	}
	if event.Status == types.StatusDeleted {
		if err := g.Store.DeleteSandbox(sb.ID); err != nil {
			log.Errorf("Failed to remove deleted sandbox", err)
		}
		return
	}
	sb.Status = event.Status
	if err := g.Store.UpdateSandbox(sb); err != nil {
		log.Errorf("Failed to apply sandbox status", err)
	}
}
