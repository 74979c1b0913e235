package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/corralhq/corral/pkg/broker"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/security"
	"github.com/corralhq/corral/pkg/types"
)

const maxWebhookBody = 1 << 20

// webhookEvent is the tenant-to-orchestrator card lifecycle payload.
type webhookEvent struct {
	Event string `json:"event"`
	Card  struct {
		ID          string   `json:"id"`
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Comments    []string `json:"comments"`
		Checklist   []string `json:"checklist"`
		Column      struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"column"`
	} `json:"card"`
	PreviousColumn struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"previous_column"`
	Board struct {
		ID string `json:"id"`
	} `json:"board"`
	SandboxID     string `json:"sandbox_id,omitempty"`
	WorkspaceSlug string `json:"workspace_slug"`
	Timestamp     string `json:"timestamp"`
}

// handleWebhook verifies the HMAC signature against the tenant's (or
// sandbox's) stored secret and turns card moves into agent tasks.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		metrics.WebhooksTotal.WithLabelValues("malformed").Inc()
		writeDetail(w, http.StatusBadRequest, "malformed payload")
		return
	}

	secret, branch, err := g.webhookSecret(&event)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("unknown_tenant").Inc()
		writeStoreError(w, err)
		return
	}
	if !security.VerifyWebhookSignature(secret, r.Header.Get("X-Webhook-Signature"), body) {
		metrics.WebhooksTotal.WithLabelValues("bad_signature").Inc()
		writeDetail(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if event.Event != "card.moved" {
		metrics.WebhooksTotal.WithLabelValues("ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	role, ok := g.Roles.MapColumn(event.Card.Column.Name)
	if !ok {
		metrics.WebhooksTotal.WithLabelValues("no_role").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	payload := types.AgentCardPayload{
		WorkspaceSlug: event.WorkspaceSlug,
		SandboxID:     event.SandboxID,
		TeamSlug:      event.WorkspaceSlug,
		AgentType:     role.Name,
		Branch:        branch,
		CardID:        event.Card.ID,
		CardTitle:     event.Card.Title,
		CardBody:      event.Card.Description,
		Comments:      event.Card.Comments,
		Checklist:     event.Card.Checklist,
		BoardID:       event.Board.ID,
		ColumnName:    event.Card.Column.Name,
	}
	taskID, err := g.Broker.Enqueue(r.Context(), broker.QueueAgents, types.TaskAgentProcessCard,
		payload, "", types.PriorityNormal)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("enqueue_failed").Inc()
		writeStoreError(w, err)
		return
	}

	metrics.WebhooksTotal.WithLabelValues("queued").Inc()
	log.Info("Queued " + role.Name + " agent for card " + event.Card.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "task_id": taskID})
}

// webhookSecret resolves the signing secret: the sandbox's own secret when
// the event names one, otherwise the tenant team's. The sandbox path also
// yields the working branch for the agent payload.
func (g *Gateway) webhookSecret(event *webhookEvent) (secret, branch string, err error) {
	if event.SandboxID != "" {
		sb, err := g.Store.GetSandboxByFullSlug(event.SandboxID)
		if err != nil {
			return "", "", err
		}
		return sb.WebhookSecret, sb.Branch, nil
	}
	team, err := g.Store.GetTeamBySlug(event.WorkspaceSlug)
	if err != nil {
		return "", "", err
	}
	return team.WebhookSecret, "", nil
}
