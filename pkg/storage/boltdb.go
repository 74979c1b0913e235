package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/corralhq/corral/pkg/types"
)

var (
	// Bucket names
	bucketUsers       = []byte("users")
	bucketWorkspaces  = []byte("workspaces")
	bucketTemplates   = []byte("app_templates")
	bucketSandboxes   = []byte("sandboxes")
	bucketTeams       = []byte("teams")
	bucketMemberships = []byte("memberships")
	bucketTokens      = []byte("api_tokens")
	bucketInvitations = []byte("invitations")
)

// BoltStore implements Store using BoltDB. Bolt serializes writers, which
// satisfies the single exclusive writer assumption.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "corral.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUsers,
			bucketWorkspaces,
			bucketTemplates,
			bucketSandboxes,
			bucketTeams,
			bucketMemberships,
			bucketTokens,
			bucketInvitations,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// User operations

func (s *BoltStore) CreateUser(user *types.User) error {
	user.Email = strings.ToLower(user.Email)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var dup bool
		b.ForEach(func(k, v []byte) error {
			var u types.User
			if json.Unmarshal(v, &u) == nil && u.Email == user.Email {
				dup = true
			}
			return nil
		})
		if dup {
			return fmt.Errorf("user email %s: %w", user.Email, ErrConflict)
		}
		now := time.Now()
		if user.CreatedAt.IsZero() {
			user.CreatedAt = now
		}
		user.UpdatedAt = now
		return put(b, user.ID, user)
	})
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) GetUserByEmail(email string) (*types.User, error) {
	email = strings.ToLower(email)
	var found *types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			if u.Email == email {
				found = &u
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("user email %s: %w", email, ErrNotFound)
	}
	return found, nil
}

// UpsertUserByExternalID merges by the stable IdP subject id and refreshes
// the last-login timestamp.
func (s *BoltStore) UpsertUserByExternalID(externalID, displayName, email string) (*types.User, error) {
	email = strings.ToLower(email)
	var result *types.User
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var existing *types.User
		b.ForEach(func(k, v []byte) error {
			var u types.User
			if json.Unmarshal(v, &u) == nil && u.ExternalID == externalID {
				existing = &u
			}
			return nil
		})
		now := time.Now()
		if existing != nil {
			existing.DisplayName = displayName
			existing.Email = email
			existing.LastLoginAt = now
			existing.UpdatedAt = now
			result = existing
			return put(b, existing.ID, existing)
		}
		user := &types.User{
			ID:          uuid.New().String(),
			ExternalID:  externalID,
			DisplayName: displayName,
			Email:       email,
			LastLoginAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		result = user
		return put(b, user.ID, user)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			users = append(users, &u)
			return nil
		})
	})
	return users, err
}

func (s *BoltStore) UpdateUser(user *types.User) error {
	user.Email = strings.ToLower(user.Email)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(user.ID)) == nil {
			return fmt.Errorf("user %s: %w", user.ID, ErrNotFound)
		}
		user.UpdatedAt = time.Now()
		return put(b, user.ID, user)
	})
}

// DeleteUser removes the user and revokes all tokens they created.
func (s *BoltStore) DeleteUser(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketUsers).Delete([]byte(id)); err != nil {
			return err
		}
		tokens := tx.Bucket(bucketTokens)
		var stale [][]byte
		tokens.ForEach(func(k, v []byte) error {
			var t types.APIToken
			if json.Unmarshal(v, &t) == nil && t.CreatedByUserID == id {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		for _, k := range stale {
			if err := tokens.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Workspace operations

func (s *BoltStore) CreateWorkspace(ws *types.Workspace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkspaces)
		var dup bool
		b.ForEach(func(k, v []byte) error {
			var w types.Workspace
			if json.Unmarshal(v, &w) == nil && w.Slug == ws.Slug {
				dup = true
			}
			return nil
		})
		if dup {
			return fmt.Errorf("workspace slug %s: %w", ws.Slug, ErrConflict)
		}
		now := time.Now()
		if ws.CreatedAt.IsZero() {
			ws.CreatedAt = now
		}
		ws.UpdatedAt = now
		return put(b, ws.ID, ws)
	})
}

func (s *BoltStore) GetWorkspace(id string) (*types.Workspace, error) {
	var ws types.Workspace
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkspaces).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("workspace %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &ws)
	})
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (s *BoltStore) GetWorkspaceBySlug(slug string) (*types.Workspace, error) {
	var found *types.Workspace
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkspaces).ForEach(func(k, v []byte) error {
			var w types.Workspace
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if w.Slug == slug {
				found = &w
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("workspace %s: %w", slug, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListWorkspaces() ([]*types.Workspace, error) {
	var out []*types.Workspace
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkspaces).ForEach(func(k, v []byte) error {
			var w types.Workspace
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			out = append(out, &w)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListWorkspacesByOwner(userID string) ([]*types.Workspace, error) {
	all, err := s.ListWorkspaces()
	if err != nil {
		return nil, err
	}
	var out []*types.Workspace
	for _, w := range all {
		if w.OwnerUserID == userID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *BoltStore) UpdateWorkspace(ws *types.Workspace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkspaces)
		if b.Get([]byte(ws.ID)) == nil {
			return fmt.Errorf("workspace %s: %w", ws.ID, ErrNotFound)
		}
		ws.UpdatedAt = time.Now()
		return put(b, ws.ID, ws)
	})
}

func (s *BoltStore) DeleteWorkspace(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkspaces).Delete([]byte(id))
	})
}

// App template operations

func (s *BoltStore) CreateAppTemplate(tpl *types.AppTemplate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		var dup bool
		b.ForEach(func(k, v []byte) error {
			var t types.AppTemplate
			if json.Unmarshal(v, &t) == nil && t.Slug == tpl.Slug {
				dup = true
			}
			return nil
		})
		if dup {
			return fmt.Errorf("template slug %s: %w", tpl.Slug, ErrConflict)
		}
		now := time.Now()
		if tpl.CreatedAt.IsZero() {
			tpl.CreatedAt = now
		}
		tpl.UpdatedAt = now
		return put(b, tpl.ID, tpl)
	})
}

func (s *BoltStore) GetAppTemplate(id string) (*types.AppTemplate, error) {
	var tpl types.AppTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("template %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &tpl)
	})
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (s *BoltStore) GetAppTemplateBySlug(slug string) (*types.AppTemplate, error) {
	var found *types.AppTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var t types.AppTemplate
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Slug == slug {
				found = &t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("template %s: %w", slug, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListAppTemplates() ([]*types.AppTemplate, error) {
	var out []*types.AppTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var t types.AppTemplate
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateAppTemplate(tpl *types.AppTemplate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		if b.Get([]byte(tpl.ID)) == nil {
			return fmt.Errorf("template %s: %w", tpl.ID, ErrNotFound)
		}
		tpl.UpdatedAt = time.Now()
		return put(b, tpl.ID, tpl)
	})
}

// Sandbox operations

func (s *BoltStore) CreateSandbox(sb *types.Sandbox) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		var dup bool
		b.ForEach(func(k, v []byte) error {
			var x types.Sandbox
			if json.Unmarshal(v, &x) == nil && x.FullSlug == sb.FullSlug {
				dup = true
			}
			return nil
		})
		if dup {
			return fmt.Errorf("sandbox %s: %w", sb.FullSlug, ErrConflict)
		}
		now := time.Now()
		if sb.CreatedAt.IsZero() {
			sb.CreatedAt = now
		}
		sb.UpdatedAt = now
		return put(b, sb.ID, sb)
	})
}

func (s *BoltStore) GetSandbox(id string) (*types.Sandbox, error) {
	var sb types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSandboxes).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("sandbox %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &sb)
	})
	if err != nil {
		return nil, err
	}
	return &sb, nil
}

func (s *BoltStore) GetSandboxByFullSlug(fullSlug string) (*types.Sandbox, error) {
	var found *types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandboxes).ForEach(func(k, v []byte) error {
			var x types.Sandbox
			if err := json.Unmarshal(v, &x); err != nil {
				return err
			}
			if x.FullSlug == fullSlug {
				found = &x
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("sandbox %s: %w", fullSlug, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListSandboxesByWorkspace(workspaceID string) ([]*types.Sandbox, error) {
	var out []*types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandboxes).ForEach(func(k, v []byte) error {
			var x types.Sandbox
			if err := json.Unmarshal(v, &x); err != nil {
				return err
			}
			if x.WorkspaceID == workspaceID {
				out = append(out, &x)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateSandbox(sb *types.Sandbox) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		if b.Get([]byte(sb.ID)) == nil {
			return fmt.Errorf("sandbox %s: %w", sb.ID, ErrNotFound)
		}
		sb.UpdatedAt = time.Now()
		return put(b, sb.ID, sb)
	})
}

func (s *BoltStore) DeleteSandbox(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandboxes).Delete([]byte(id))
	})
}

// Team operations

func (s *BoltStore) CreateTeam(team *types.Team) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTeams)
		var dup bool
		b.ForEach(func(k, v []byte) error {
			var t types.Team
			if json.Unmarshal(v, &t) == nil && t.Slug == team.Slug {
				dup = true
			}
			return nil
		})
		if dup {
			return fmt.Errorf("team slug %s: %w", team.Slug, ErrConflict)
		}
		now := time.Now()
		if team.CreatedAt.IsZero() {
			team.CreatedAt = now
		}
		team.UpdatedAt = now
		return put(b, team.ID, team)
	})
}

func (s *BoltStore) GetTeam(id string) (*types.Team, error) {
	var team types.Team
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTeams).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("team %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &team)
	})
	if err != nil {
		return nil, err
	}
	return &team, nil
}

func (s *BoltStore) GetTeamBySlug(slug string) (*types.Team, error) {
	var found *types.Team
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTeams).ForEach(func(k, v []byte) error {
			var t types.Team
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Slug == slug {
				found = &t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("team %s: %w", slug, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListTeams() ([]*types.Team, error) {
	var out []*types.Team
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTeams).ForEach(func(k, v []byte) error {
			var t types.Team
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateTeam(team *types.Team) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTeams)
		if b.Get([]byte(team.ID)) == nil {
			return fmt.Errorf("team %s: %w", team.ID, ErrNotFound)
		}
		team.UpdatedAt = time.Now()
		return put(b, team.ID, team)
	})
}

func (s *BoltStore) DeleteTeam(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTeams).Delete([]byte(id)); err != nil {
			return err
		}
		// Memberships are owned by the team; cascade.
		members := tx.Bucket(bucketMemberships)
		var stale [][]byte
		members.ForEach(func(k, v []byte) error {
			if strings.HasPrefix(string(k), id+"/") {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		for _, k := range stale {
			if err := members.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Membership operations. Keyed by "{teamID}/{userID}" so uniqueness is
// structural.

func membershipKey(teamID, userID string) string {
	return teamID + "/" + userID
}

func (s *BoltStore) CreateMembership(m *types.Membership) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTeams).Get([]byte(m.TeamID)) == nil {
			return fmt.Errorf("team %s: %w", m.TeamID, ErrNotFound)
		}
		if tx.Bucket(bucketUsers).Get([]byte(m.UserID)) == nil {
			return fmt.Errorf("user %s: %w", m.UserID, ErrNotFound)
		}
		b := tx.Bucket(bucketMemberships)
		key := membershipKey(m.TeamID, m.UserID)
		if b.Get([]byte(key)) != nil {
			return fmt.Errorf("membership %s: %w", key, ErrConflict)
		}
		if m.JoinedAt.IsZero() {
			m.JoinedAt = time.Now()
		}
		return put(b, key, m)
	})
}

func (s *BoltStore) GetMembership(teamID, userID string) (*types.Membership, error) {
	var m types.Membership
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMemberships).Get([]byte(membershipKey(teamID, userID)))
		if data == nil {
			return fmt.Errorf("membership: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) ListMembershipsByTeam(teamID string) ([]*types.Membership, error) {
	var out []*types.Membership
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMemberships).ForEach(func(k, v []byte) error {
			var m types.Membership
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.TeamID == teamID {
				out = append(out, &m)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListMembershipsByUser(userID string) ([]*types.Membership, error) {
	var out []*types.Membership
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMemberships).ForEach(func(k, v []byte) error {
			var m types.Membership
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.UserID == userID {
				out = append(out, &m)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateMembership(m *types.Membership) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMemberships)
		key := membershipKey(m.TeamID, m.UserID)
		if b.Get([]byte(key)) == nil {
			return fmt.Errorf("membership: %w", ErrNotFound)
		}
		return put(b, key, m)
	})
}

// DeleteMembership refuses to remove the last owner of a team.
func (s *BoltStore) DeleteMembership(teamID, userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMemberships)
		key := membershipKey(teamID, userID)
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("membership: %w", ErrNotFound)
		}
		var m types.Membership
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if m.Role == types.RoleOwner {
			owners := 0
			b.ForEach(func(k, v []byte) error {
				var x types.Membership
				if json.Unmarshal(v, &x) == nil && x.TeamID == teamID && x.Role == types.RoleOwner {
					owners++
				}
				return nil
			})
			if owners <= 1 {
				return fmt.Errorf("cannot remove last owner: %w", ErrConflict)
			}
		}
		return b.Delete([]byte(key))
	})
}

// API token operations

func (s *BoltStore) CreateAPIToken(tok *types.APIToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		now := time.Now()
		if tok.CreatedAt.IsZero() {
			tok.CreatedAt = now
		}
		tok.UpdatedAt = now
		return put(b, tok.ID, tok)
	})
}

func (s *BoltStore) GetAPIToken(id string) (*types.APIToken, error) {
	var tok types.APIToken
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTokens).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("token %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &tok)
	})
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *BoltStore) GetAPITokenByHash(hash string) (*types.APIToken, error) {
	var found *types.APIToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var t types.APIToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.TokenHash == hash {
				found = &t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("token: %w", ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListAPITokensByUser(userID string) ([]*types.APIToken, error) {
	var out []*types.APIToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var t types.APIToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.CreatedByUserID == userID {
				out = append(out, &t)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateAPIToken(tok *types.APIToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		if b.Get([]byte(tok.ID)) == nil {
			return fmt.Errorf("token %s: %w", tok.ID, ErrNotFound)
		}
		tok.UpdatedAt = time.Now()
		return put(b, tok.ID, tok)
	})
}

func (s *BoltStore) DeleteAPIToken(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(id))
	})
}

// Invitation operations

func (s *BoltStore) CreateInvitation(inv *types.Invitation) error {
	inv.Email = strings.ToLower(inv.Email)
	return s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now()
		if inv.CreatedAt.IsZero() {
			inv.CreatedAt = now
		}
		inv.UpdatedAt = now
		return put(tx.Bucket(bucketInvitations), inv.ID, inv)
	})
}

func (s *BoltStore) GetInvitation(id string) (*types.Invitation, error) {
	var inv types.Invitation
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInvitations).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("invitation %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &inv)
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *BoltStore) ListInvitationsByTeam(teamID string) ([]*types.Invitation, error) {
	var out []*types.Invitation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInvitations).ForEach(func(k, v []byte) error {
			var inv types.Invitation
			if err := json.Unmarshal(v, &inv); err != nil {
				return err
			}
			if inv.TeamID == teamID {
				out = append(out, &inv)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateInvitation(inv *types.Invitation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvitations)
		if b.Get([]byte(inv.ID)) == nil {
			return fmt.Errorf("invitation %s: %w", inv.ID, ErrNotFound)
		}
		inv.UpdatedAt = time.Now()
		return put(b, inv.ID, inv)
	})
}

func (s *BoltStore) DeleteInvitation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInvitations).Delete([]byte(id))
	})
}
