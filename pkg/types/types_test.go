package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemberRoleAtLeast(t *testing.T) {
	assert.True(t, RoleOwner.AtLeast(RoleAdmin))
	assert.True(t, RoleAdmin.AtLeast(RoleAdmin))
	assert.False(t, RoleMember.AtLeast(RoleAdmin))
	assert.False(t, RoleViewer.AtLeast(RoleMember))
	assert.True(t, RoleViewer.AtLeast(RoleViewer))
}

func TestAPITokenExpired(t *testing.T) {
	now := time.Now()

	noExpiry := &APIToken{}
	assert.False(t, noExpiry.Expired(now))

	future := &APIToken{ExpiresAt: now.Add(time.Hour)}
	assert.False(t, future.Expired(now))

	past := &APIToken{ExpiresAt: now.Add(-time.Hour)}
	assert.True(t, past.Expired(now))
}

func TestWorkspaceAppBacked(t *testing.T) {
	assert.False(t, (&Workspace{}).AppBacked())
	assert.True(t, (&Workspace{AppTemplateID: "tpl-1"}).AppBacked())
}

func TestTaskChannel(t *testing.T) {
	assert.Equal(t, "tasks:user-1", TaskChannel("user-1"))
}
