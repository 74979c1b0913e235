package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/security"
	"github.com/corralhq/corral/pkg/types"
)

func TestCreateWorkspaceEnqueuesProvisioning(t *testing.T) {
	env := newGatewayEnv(t)
	session := env.sessionToken(t)

	resp, body := env.request(t, http.MethodPost, "/api/workspaces", session,
		map[string]string{"name": "Acme", "slug": "acme"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out struct {
		Workspace types.Workspace `json:"workspace"`
		TaskID    string          `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, types.StatusProvisioning, out.Workspace.Status)
	assert.NotEmpty(t, out.TaskID)

	task := env.claimOne(t, "provisioning")
	assert.Equal(t, types.TaskWorkspaceProvision, task.Type)

	status, statusBody := env.request(t, http.MethodGet, "/api/workspaces/acme/status", session, nil)
	require.Equal(t, http.StatusOK, status.StatusCode)
	assert.Contains(t, string(statusBody), "provisioning")
}

func TestCreateWorkspaceRejectsBadSlug(t *testing.T) {
	env := newGatewayEnv(t)
	session := env.sessionToken(t)

	resp, _ := env.request(t, http.MethodPost, "/api/workspaces", session,
		map[string]string{"name": "X", "slug": "ab"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.request(t, http.MethodPost, "/api/workspaces", session,
		map[string]string{"name": "X", "slug": "app"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "reserved")
}

func TestCreateWorkspaceDuplicateSlugConflicts(t *testing.T) {
	env := newGatewayEnv(t)
	session := env.sessionToken(t)

	resp, _ := env.request(t, http.MethodPost, "/api/workspaces", session,
		map[string]string{"name": "Acme", "slug": "acme"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/api/workspaces", session,
		map[string]string{"name": "Acme Again", "slug": "acme"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateSandboxReturnsSecretOnce(t *testing.T) {
	env := newGatewayEnv(t)
	session := env.sessionToken(t)
	tpl := &types.AppTemplate{
		ID: uuid.New().String(), Slug: "basic-app", DisplayName: "Basic",
		RepoOwner: "corral-templates", RepoName: "basic", Active: true,
	}
	require.NoError(t, env.store.CreateAppTemplate(tpl))
	ws := &types.Workspace{
		ID: uuid.New().String(), Slug: "shop", Name: "Shop",
		OwnerUserID: env.user.ID, AppTemplateID: tpl.ID, Status: types.StatusActive,
	}
	require.NoError(t, env.store.CreateWorkspace(ws))

	resp, body := env.request(t, http.MethodPost, "/api/workspaces/shop/sandboxes", session,
		map[string]string{"name": "Feat X", "slug": "feat-x", "source_branch": "main"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out struct {
		Secret string `json:"agent_webhook_secret"`
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Len(t, out.Secret, 64)
	assert.NotEmpty(t, out.TaskID)

	// The listing response does not repeat the secret in a usable way;
	// the stored row keeps it for webhook verification.
	sb, err := env.store.GetSandboxByFullSlug("shop-feat-x")
	require.NoError(t, err)
	assert.Equal(t, out.Secret, sb.WebhookSecret)

	task := env.claimOne(t, "provisioning")
	assert.Equal(t, types.TaskSandboxProvision, task.Type)
}

func TestSandboxOnKanbanOnlyWorkspaceRejected(t *testing.T) {
	env := newGatewayEnv(t)
	session := env.sessionToken(t)
	ws := &types.Workspace{
		ID: uuid.New().String(), Slug: "acme", Name: "Acme",
		OwnerUserID: env.user.ID, Status: types.StatusActive,
	}
	require.NoError(t, env.store.CreateWorkspace(ws))

	resp, body := env.request(t, http.MethodPost, "/api/workspaces/acme/sandboxes", session,
		map[string]string{"name": "X", "slug": "exp"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "no application")
}

func TestTokenLifecycle(t *testing.T) {
	env := newGatewayEnv(t)
	session := env.sessionToken(t)

	resp, body := env.request(t, http.MethodPost, "/api/portal/tokens", session,
		map[string]interface{}{"name": "ci", "scopes": []string{"teams:read"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created struct {
		ID        string `json:"id"`
		Plaintext string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	require.True(t, strings.HasPrefix(created.Plaintext, "pk_"))

	// Stored hash matches the plaintext returned once.
	tok, err := env.store.GetAPITokenByHash(security.HashToken(created.Plaintext))
	require.NoError(t, err)
	assert.Equal(t, created.ID, tok.ID)

	// Listing never carries the plaintext.
	resp, body = env.request(t, http.MethodGet, "/api/portal/tokens", session, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), created.Plaintext)
	assert.NotContains(t, string(body), tok.TokenHash)

	// The new token authenticates within its scopes.
	resp, _ = env.request(t, http.MethodGet, "/api/teams", created.Plaintext, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, http.MethodDelete, "/api/portal/tokens/"+created.ID, session, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.request(t, http.MethodGet, "/api/teams", created.Plaintext, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTaskCancelAndRetry(t *testing.T) {
	env := newGatewayEnv(t)
	session := env.sessionToken(t)
	ctx := context.Background()

	pendingID, err := env.broker.Enqueue(ctx, "provisioning", types.TaskTeamProvision,
		types.TeamTaskPayload{TeamID: "t1"}, env.user.ID, types.PriorityNormal)
	require.NoError(t, err)

	resp, _ := env.request(t, http.MethodPost, "/api/tasks/"+pendingID+"/cancel", session, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Cancel again conflicts: the task is no longer pending.
	resp, _ = env.request(t, http.MethodPost, "/api/tasks/"+pendingID+"/cancel", session, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	failedID, err := env.broker.Enqueue(ctx, "provisioning", types.TaskTeamProvision,
		types.TeamTaskPayload{TeamID: "t2"}, env.user.ID, types.PriorityNormal)
	require.NoError(t, err)
	claim, err := env.broker.ClaimTask(ctx, []string{"provisioning"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.NoError(t, env.broker.Fail(ctx, failedID, "boom"))

	resp, body := env.request(t, http.MethodPost, "/api/tasks/"+failedID+"/retry", session, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	assert.NotEmpty(t, out["task_id"])
	assert.NotEqual(t, failedID, out["task_id"])
}

func TestInviteMemberRecordsEmailFailure(t *testing.T) {
	env := newGatewayEnv(t)
	session := env.sessionToken(t)
	team := seedTeam(t, env, "acme", "secret")
	require.NoError(t, env.store.CreateMembership(&types.Membership{
		ID: uuid.New().String(), TeamID: team.ID, UserID: env.user.ID,
		Role: types.RoleOwner, JoinedAt: time.Now(),
	}))

	// No mailer configured: the invitation still succeeds and records
	// nothing about delivery.
	resp, body := env.request(t, http.MethodPost, "/api/teams/acme/members", session,
		map[string]string{"email": "new@corral.test", "role": "member"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var inv types.Invitation
	require.NoError(t, json.Unmarshal(body, &inv))
	assert.Equal(t, "new@corral.test", inv.Email)
	assert.False(t, inv.EmailSent)

	invs, err := env.store.ListInvitationsByTeam(team.ID)
	require.NoError(t, err)
	assert.Len(t, invs, 1)
}

func TestRestartTeamRequiresAdmin(t *testing.T) {
	env := newGatewayEnv(t)
	session := env.sessionToken(t)
	team := seedTeam(t, env, "acme", "secret")
	require.NoError(t, env.store.CreateMembership(&types.Membership{
		ID: uuid.New().String(), TeamID: team.ID, UserID: env.user.ID,
		Role: types.RoleMember, JoinedAt: time.Now(),
	}))

	resp, _ := env.request(t, http.MethodPost, "/api/teams/acme/restart", session,
		map[string]bool{"rebuild": true})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	m, err := env.store.GetMembership(team.ID, env.user.ID)
	require.NoError(t, err)
	m.Role = types.RoleAdmin
	require.NoError(t, env.store.UpdateMembership(m))

	resp, _ = env.request(t, http.MethodPost, "/api/teams/acme/restart", session,
		map[string]bool{"rebuild": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	task := env.claimOne(t, "provisioning")
	assert.Equal(t, types.TaskTeamRestart, task.Type)
	var payload types.TeamTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload, &payload))
	assert.True(t, payload.Rebuild)
}
