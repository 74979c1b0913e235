package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/corralhq/corral/pkg/broker"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/mailer"
	"github.com/corralhq/corral/pkg/security"
	"github.com/corralhq/corral/pkg/types"
)

func (g *Gateway) handleListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := g.Store.ListTeams()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

func (g *Gateway) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var body struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
	}
	if err := decodeBody(r, &body); err != nil || body.Name == "" {
		writeDetail(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := types.ValidateSlug(body.Slug, g.cfg.SlugReserved); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	secret, err := security.GenerateWebhookSecret()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to generate secret")
		return
	}
	team := &types.Team{
		ID:            uuid.New().String(),
		Slug:          body.Slug,
		Name:          body.Name,
		WebhookSecret: secret,
		Status:        types.StatusProvisioning,
	}
	if err := g.Store.CreateTeam(team); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := g.Store.CreateMembership(&types.Membership{
		ID:       uuid.New().String(),
		TeamID:   team.ID,
		UserID:   p.UserID,
		Role:     types.RoleOwner,
		JoinedAt: time.Now(),
	}); err != nil {
		writeStoreError(w, err)
		return
	}

	taskID, err := g.Broker.Enqueue(r.Context(), broker.QueueProvisioning, types.TaskTeamProvision,
		types.TeamTaskPayload{TeamID: team.ID}, p.UserID, types.PriorityNormal)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"team": team, "task_id": taskID})
}

func (g *Gateway) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	team, err := g.Store.GetTeamBySlug(chi.URLParam(r, "slug"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (g *Gateway) handleListMembers(w http.ResponseWriter, r *http.Request) {
	team, err := g.Store.GetTeamBySlug(chi.URLParam(r, "slug"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	members, err := g.Store.ListMembershipsByTeam(team.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// handleInviteMember records the invitation and sends the email; a mail
// failure is recorded on the invitation, never surfaced as a request error.
func (g *Gateway) handleInviteMember(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	team, err := g.Store.GetTeamBySlug(chi.URLParam(r, "slug"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var body struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil || body.Email == "" {
		writeDetail(w, http.StatusBadRequest, "email is required")
		return
	}
	role := types.MemberRole(body.Role)
	if role == "" {
		role = types.RoleMember
	}

	inv := &types.Invitation{
		ID:        uuid.New().String(),
		TeamID:    team.ID,
		Email:     body.Email,
		Role:      role,
		InvitedBy: p.UserID,
	}
	if err := g.Store.CreateInvitation(inv); err != nil {
		writeStoreError(w, err)
		return
	}

	// A known user joins immediately; anyone else joins when they first
	// log in and the invitation is resolved.
	if user, err := g.Store.GetUserByEmail(body.Email); err == nil {
		if err := g.Store.CreateMembership(&types.Membership{
			ID:       uuid.New().String(),
			TeamID:   team.ID,
			UserID:   user.ID,
			Role:     role,
			JoinedAt: time.Now(),
		}); err != nil {
			writeStoreError(w, err)
			return
		}
	}

	if g.Mailer != nil {
		msg := &mailer.Message{
			To:      body.Email,
			Subject: fmt.Sprintf("You have been invited to %s", team.Name),
			Text: fmt.Sprintf("You have been invited to the %s team as %s. Sign in at https://portal.%s to join.",
				team.Name, role, g.cfg.Domain),
		}
		if err := g.Mailer.Send(r.Context(), msg); err != nil {
			inv.EmailError = err.Error()
			log.Errorf("Failed to send invitation email", err)
		} else {
			inv.EmailSent = true
		}
		if err := g.Store.UpdateInvitation(inv); err != nil {
			log.Errorf("Failed to record invitation delivery", err)
		}
	}

	writeJSON(w, http.StatusOK, inv)
}

func (g *Gateway) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	team, err := g.Store.GetTeamBySlug(chi.URLParam(r, "slug"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := g.Store.DeleteMembership(team.ID, chi.URLParam(r, "userID")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// handleRestartTeam requires an admin or owner membership on the team.
func (g *Gateway) handleRestartTeam(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	team, err := g.Store.GetTeamBySlug(chi.URLParam(r, "slug"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	m, err := g.Store.GetMembership(team.ID, p.UserID)
	if err != nil || !m.Role.AtLeast(types.RoleAdmin) {
		writeDetail(w, http.StatusForbidden, "admin role required")
		return
	}

	var body struct {
		Rebuild bool `json:"rebuild"`
	}
	decodeBody(r, &body)
	taskID, err := g.Broker.Enqueue(r.Context(), broker.QueueProvisioning, types.TaskTeamRestart,
		types.TeamTaskPayload{TeamID: team.ID, Rebuild: body.Rebuild}, p.UserID, types.PriorityHigh)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
}
