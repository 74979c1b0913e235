package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/corralhq/corral/pkg/broker"
	"github.com/corralhq/corral/pkg/security"
	"github.com/corralhq/corral/pkg/types"
)

func (g *Gateway) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	workspaces, err := g.Store.ListWorkspacesByOwner(p.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workspaces)
}

// handleCreateWorkspace stores the row in provisioning state and enqueues
// the pipeline; the caller follows progress over the task stream.
func (g *Gateway) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var body struct {
		Name            string `json:"name"`
		Slug            string `json:"slug"`
		AppTemplateSlug string `json:"app_template_slug"`
		SourceBranch    string `json:"source_branch"`
	}
	if err := decodeBody(r, &body); err != nil || body.Name == "" {
		writeDetail(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := types.ValidateSlug(body.Slug, g.cfg.SlugReserved); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	ws := &types.Workspace{
		ID:           uuid.New().String(),
		Slug:         body.Slug,
		Name:         body.Name,
		OwnerUserID:  p.UserID,
		SourceBranch: body.SourceBranch,
		Status:       types.StatusProvisioning,
	}
	if body.AppTemplateSlug != "" {
		tpl, err := g.Store.GetAppTemplateBySlug(body.AppTemplateSlug)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "unknown app template "+body.AppTemplateSlug)
			return
		}
		ws.AppTemplateID = tpl.ID
	}
	if err := g.Store.CreateWorkspace(ws); err != nil {
		writeStoreError(w, err)
		return
	}

	taskID, err := g.Broker.Enqueue(r.Context(), broker.QueueProvisioning, types.TaskWorkspaceProvision,
		types.WorkspaceTaskPayload{WorkspaceID: ws.ID}, p.UserID, types.PriorityNormal)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workspace": ws, "task_id": taskID})
}

func (g *Gateway) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := g.Store.GetWorkspaceBySlug(chi.URLParam(r, "slug"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (g *Gateway) handleWorkspaceStatus(w http.ResponseWriter, r *http.Request) {
	ws, err := g.Store.GetWorkspaceBySlug(chi.URLParam(r, "slug"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"slug": ws.Slug, "status": ws.Status})
}

func (g *Gateway) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	ws, err := g.Store.GetWorkspaceBySlug(chi.URLParam(r, "slug"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	taskID, err := g.Broker.Enqueue(r.Context(), broker.QueueProvisioning, types.TaskWorkspaceDelete,
		types.WorkspaceTaskPayload{WorkspaceID: ws.ID}, p.UserID, types.PriorityNormal)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
}

func (g *Gateway) handleRestartWorkspace(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	ws, err := g.Store.GetWorkspaceBySlug(chi.URLParam(r, "slug"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var body struct {
		Rebuild bool `json:"rebuild"`
	}
	decodeBody(r, &body) // empty body means plain restart
	taskID, err := g.Broker.Enqueue(r.Context(), broker.QueueProvisioning, types.TaskWorkspaceRestart,
		types.WorkspaceTaskPayload{WorkspaceID: ws.ID, Rebuild: body.Rebuild}, p.UserID, types.PriorityHigh)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
}

func (g *Gateway) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	ws, err := g.Store.GetWorkspaceBySlug(chi.URLParam(r, "slug"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	sandboxes, err := g.Store.ListSandboxesByWorkspace(ws.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sandboxes)
}

// handleCreateSandbox returns the agent webhook secret exactly once, in
// the create response.
func (g *Gateway) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	ws, err := g.Store.GetWorkspaceBySlug(chi.URLParam(r, "slug"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ws.AppBacked() {
		writeDetail(w, http.StatusBadRequest, "workspace has no application to sandbox")
		return
	}

	var body struct {
		Name         string `json:"name"`
		Slug         string `json:"slug"`
		SourceBranch string `json:"source_branch"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := types.ValidateSlug(body.Slug, nil); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	secret, err := security.GenerateWebhookSecret()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to generate secret")
		return
	}
	sb := &types.Sandbox{
		ID:            uuid.New().String(),
		WorkspaceID:   ws.ID,
		Slug:          body.Slug,
		FullSlug:      types.FullSlug(ws.Slug, body.Slug),
		Name:          body.Name,
		SourceBranch:  body.SourceBranch,
		WebhookSecret: secret,
		Status:        types.StatusProvisioning,
	}
	if err := g.Store.CreateSandbox(sb); err != nil {
		writeStoreError(w, err)
		return
	}

	taskID, err := g.Broker.Enqueue(r.Context(), broker.QueueProvisioning, types.TaskSandboxProvision,
		types.SandboxTaskPayload{SandboxID: sb.ID}, p.UserID, types.PriorityNormal)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sandbox":              sb,
		"agent_webhook_secret": sb.WebhookSecret,
		"task_id":              taskID,
	})
}

func (g *Gateway) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	sb, err := g.findSandbox(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

func (g *Gateway) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	sb, err := g.findSandbox(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	taskID, err := g.Broker.Enqueue(r.Context(), broker.QueueProvisioning, types.TaskSandboxDelete,
		types.SandboxTaskPayload{SandboxID: sb.ID}, p.UserID, types.PriorityNormal)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
}

func (g *Gateway) findSandbox(r *http.Request) (*types.Sandbox, error) {
	ws, err := g.Store.GetWorkspaceBySlug(chi.URLParam(r, "slug"))
	if err != nil {
		return nil, err
	}
	return g.Store.GetSandboxByFullSlug(types.FullSlug(ws.Slug, chi.URLParam(r, "sandbox")))
}
