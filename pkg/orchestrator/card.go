package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/corralhq/corral/pkg/agent"
	"github.com/corralhq/corral/pkg/kanban"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/types"
)

// tenantAPIAddr is the internal address of a tenant's api container.
func tenantAPIAddr(slug string) string {
	return "http://" + teamAPIContainer(slug) + ":8000"
}

// processCard runs the agent dispatch pipeline: build a prompt from the
// card, announce, run the LLM subprocess, report back and move the card.
func (o *Orchestrator) processCard(ctx context.Context, task *types.Task) (interface{}, error) {
	var payload types.AgentCardPayload
	if err := decodePayload(task, &payload); err != nil {
		return nil, err
	}

	role, ok := o.Roles.Get(payload.AgentType)
	if !ok {
		return nil, fmt.Errorf("unknown agent role %q", payload.AgentType)
	}

	team, err := o.Store.GetTeamBySlug(payload.TeamSlug)
	if err != nil {
		return nil, err
	}
	tenant := o.Kanban(tenantAPIAddr(team.Slug), team.WebhookSecret)
	author := "agent:" + role.Name

	logger := log.WithTaskID(task.ID)
	var result *agent.Result

	steps := []step{
		{"post starting comment", func(ctx context.Context) error {
			text := fmt.Sprintf("Picking up this card as %s.", role.Name)
			return tenant.PostComment(ctx, payload.BoardID, payload.CardID, author, text)
		}},
		{"run agent", func(ctx context.Context) error {
			prompt := agent.BuildPrompt(role, &payload)
			workdir := o.agentWorkdir(&payload)

			lastProgress := time.Now()
			result = o.Driver.Run(ctx, prompt, workdir, role, func(line string) {
				// Stream output into progress messages, rate-limited.
				if time.Since(lastProgress) < time.Second {
					return
				}
				lastProgress = time.Now()
				if perr := o.Broker.UpdateProgress(ctx, task.ID, 2, 4, "run agent", line); perr != nil {
					logger.Warn().Err(perr).Msg("Failed to stream agent output")
				}
			})

			outcome := "success"
			if !result.Success {
				outcome = "failure"
			}
			metrics.AgentRunsTotal.WithLabelValues(role.Name, outcome).Inc()
			return nil
		}},
		{"post result comment", func(ctx context.Context) error {
			var text string
			if result.Success {
				text = fmt.Sprintf("Finished in %s.\n\n%s", result.Duration.Round(time.Second), result.Output)
			} else {
				text = fmt.Sprintf("Run failed after %s: %s", result.Duration.Round(time.Second), result.Error)
			}
			return tenant.PostComment(ctx, payload.BoardID, payload.CardID, author, text)
		}},
		{"move card", func(ctx context.Context) error {
			columns, err := tenant.ListColumns(ctx, payload.BoardID)
			if err != nil {
				return err
			}
			keywords := role.SuccessKeywords
			if !result.Success {
				keywords = role.FailureKeywords
			}
			col, found := kanban.FindColumn(columns, keywords...)
			if !found {
				logger.Warn().Strs("keywords", keywords).Msg("No matching column to move card to")
				return nil
			}
			return tenant.MoveCard(ctx, payload.BoardID, payload.CardID, col.ID)
		}},
	}

	if err := o.runSteps(ctx, task.ID, "agent.process_card", steps); err != nil {
		return nil, err
	}

	if !result.Success {
		return nil, fmt.Errorf("agent run failed: %s", result.Error)
	}
	return map[string]interface{}{
		"success":          true,
		"duration_seconds": int(result.Duration.Seconds()),
	}, nil
}

// agentWorkdir resolves where the subprocess runs: the sandbox checkout
// when the card belongs to a sandbox, otherwise the host project path.
func (o *Orchestrator) agentWorkdir(payload *types.AgentCardPayload) string {
	if payload.SandboxID == "" || o.cfg.HostProjectPath == "" {
		return o.cfg.HostProjectPath
	}
	return o.cfg.HostProjectPath + "/" + payload.SandboxID
}
