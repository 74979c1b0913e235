package types

import (
	"time"
)

// User is an external identity subject, created on first successful login.
type User struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"external_id"` // stable subject id at the IdP
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"` // stored case-folded
	LastLoginAt time.Time `json:"last_login_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProvisionStatus is the lifecycle status shared by workspaces, sandboxes
// and teams.
type ProvisionStatus string

const (
	StatusProvisioning ProvisionStatus = "provisioning"
	StatusActive       ProvisionStatus = "active"
	StatusSuspended    ProvisionStatus = "suspended"
	StatusDeleting     ProvisionStatus = "deleting"
	StatusDeleted      ProvisionStatus = "deleted"
	StatusFailed       ProvisionStatus = "failed"
)

// Workspace groups a kanban team with an optional custom application and its
// sandboxes. The app_* fields are all-null (kanban-only) or all-set
// (app-backed); partial states occur only during provisioning or teardown.
type Workspace struct {
	ID            string          `json:"id"`
	Slug          string          `json:"slug"`
	Name          string          `json:"name"`
	OwnerUserID   string          `json:"owner_user_id"`
	AppTemplateID string          `json:"app_template_id,omitempty"`
	Status        ProvisionStatus `json:"status"`

	// Populated during provisioning.
	KanbanTeamID    string `json:"kanban_team_id,omitempty"`
	SourceBranch    string `json:"source_branch,omitempty"`
	RepoOwner       string `json:"github_repo_owner,omitempty"`
	RepoName        string `json:"github_repo_name,omitempty"`
	AppDatabaseName string `json:"app_database_name,omitempty"`

	// Identity-provider app registration. AppSecretEnc is AES-GCM encrypted.
	AppRegistrationID string `json:"azure_app_id,omitempty"`
	AppObjectID       string `json:"azure_object_id,omitempty"`
	AppSecretEnc      []byte `json:"azure_app_secret_enc,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppBacked reports whether the workspace carries a custom application.
func (w *Workspace) AppBacked() bool {
	return w.AppTemplateID != ""
}

// AppTemplate is a registry entry describing a template source repository.
type AppTemplate struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	DisplayName string    `json:"display_name"`
	RepoOwner   string    `json:"repo_owner"`
	RepoName    string    `json:"repo_name"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Sandbox is an ephemeral branch-scoped clone of a workspace application.
// FullSlug ("{workspace}-{sandbox}") names every external resource.
type Sandbox struct {
	ID            string          `json:"id"`
	WorkspaceID   string          `json:"workspace_id"`
	Slug          string          `json:"slug"`
	FullSlug      string          `json:"full_slug"`
	Name          string          `json:"name"`
	SourceBranch  string          `json:"source_branch"`
	Branch        string          `json:"branch"`
	DatabaseName  string          `json:"database_name,omitempty"`
	AgentName     string          `json:"agent_container_name,omitempty"`
	WebhookSecret string          `json:"agent_webhook_secret,omitempty"`
	Status        ProvisionStatus `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Team is the kanban-side tenant identity, one per workspace.
type Team struct {
	ID            string          `json:"id"`
	Slug          string          `json:"slug"`
	Name          string          `json:"name"`
	WorkspaceID   string          `json:"workspace_id"`
	WebhookSecret string          `json:"webhook_secret,omitempty"`
	Status        ProvisionStatus `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MemberRole is a member's capability level within a team.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
	RoleViewer MemberRole = "viewer"
)

// AtLeast reports whether the role grants at least the given role's level.
func (r MemberRole) AtLeast(min MemberRole) bool {
	order := map[MemberRole]int{RoleViewer: 0, RoleMember: 1, RoleAdmin: 2, RoleOwner: 3}
	return order[r] >= order[min]
}

// Membership links a user to a team. Unique on (team, user).
type Membership struct {
	ID       string     `json:"id"`
	TeamID   string     `json:"team_id"`
	UserID   string     `json:"user_id"`
	Role     MemberRole `json:"role"`
	JoinedAt time.Time  `json:"joined_at"`
}

// TokenKind separates the two API token populations.
type TokenKind string

const (
	TokenKindPortal TokenKind = "portal"
	TokenKindTeam   TokenKind = "team"
)

// APIToken is an opaque machine credential. The secret is stored only as a
// SHA-256 hex digest; the plaintext is returned exactly once at creation.
type APIToken struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Kind            TokenKind `json:"kind"`
	TeamID          string    `json:"team_id,omitempty"` // set for team-scope tokens
	TokenHash       string    `json:"token_hash"`
	Scopes          []string  `json:"scopes"`
	CreatedByUserID string    `json:"created_by_user_id"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
	Active          bool      `json:"active"`
	LastUsedAt      time.Time `json:"last_used_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Expired reports whether the token has an expiry in the past.
func (t *APIToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Invitation records a pending team membership invite and the delivery state
// of its notification email. Email failure never fails the enclosing request.
type Invitation struct {
	ID         string     `json:"id"`
	TeamID     string     `json:"team_id"`
	Email      string     `json:"email"`
	Role       MemberRole `json:"role"`
	InvitedBy  string     `json:"invited_by_user_id"`
	EmailSent  bool       `json:"email_sent"`
	EmailError string     `json:"email_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
