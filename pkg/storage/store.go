package storage

import (
	"errors"

	"github.com/corralhq/corral/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on invariant violations: duplicate slug,
	// duplicate email, duplicate membership.
	ErrConflict = errors.New("conflict")
)

// Store defines the interface for control-plane state storage.
// Implementations serialize writes; Corral assumes a single store process.
type Store interface {
	// Users
	CreateUser(user *types.User) error
	GetUser(id string) (*types.User, error)
	GetUserByEmail(email string) (*types.User, error)
	UpsertUserByExternalID(externalID, displayName, email string) (*types.User, error)
	ListUsers() ([]*types.User, error)
	UpdateUser(user *types.User) error
	DeleteUser(id string) error

	// Workspaces
	CreateWorkspace(ws *types.Workspace) error
	GetWorkspace(id string) (*types.Workspace, error)
	GetWorkspaceBySlug(slug string) (*types.Workspace, error)
	ListWorkspaces() ([]*types.Workspace, error)
	ListWorkspacesByOwner(userID string) ([]*types.Workspace, error)
	UpdateWorkspace(ws *types.Workspace) error
	DeleteWorkspace(id string) error

	// App templates
	CreateAppTemplate(tpl *types.AppTemplate) error
	GetAppTemplate(id string) (*types.AppTemplate, error)
	GetAppTemplateBySlug(slug string) (*types.AppTemplate, error)
	ListAppTemplates() ([]*types.AppTemplate, error)
	UpdateAppTemplate(tpl *types.AppTemplate) error

	// Sandboxes
	CreateSandbox(sb *types.Sandbox) error
	GetSandbox(id string) (*types.Sandbox, error)
	GetSandboxByFullSlug(fullSlug string) (*types.Sandbox, error)
	ListSandboxesByWorkspace(workspaceID string) ([]*types.Sandbox, error)
	UpdateSandbox(sb *types.Sandbox) error
	DeleteSandbox(id string) error

	// Teams
	CreateTeam(team *types.Team) error
	GetTeam(id string) (*types.Team, error)
	GetTeamBySlug(slug string) (*types.Team, error)
	ListTeams() ([]*types.Team, error)
	UpdateTeam(team *types.Team) error
	DeleteTeam(id string) error

	// Memberships
	CreateMembership(m *types.Membership) error
	GetMembership(teamID, userID string) (*types.Membership, error)
	ListMembershipsByTeam(teamID string) ([]*types.Membership, error)
	ListMembershipsByUser(userID string) ([]*types.Membership, error)
	UpdateMembership(m *types.Membership) error
	DeleteMembership(teamID, userID string) error

	// API tokens
	CreateAPIToken(tok *types.APIToken) error
	GetAPIToken(id string) (*types.APIToken, error)
	GetAPITokenByHash(hash string) (*types.APIToken, error)
	ListAPITokensByUser(userID string) ([]*types.APIToken, error)
	UpdateAPIToken(tok *types.APIToken) error
	DeleteAPIToken(id string) error

	// Invitations
	CreateInvitation(inv *types.Invitation) error
	GetInvitation(id string) (*types.Invitation, error)
	ListInvitationsByTeam(teamID string) ([]*types.Invitation, error)
	UpdateInvitation(inv *types.Invitation) error
	DeleteInvitation(id string) error

	// Utility
	Close() error
}
