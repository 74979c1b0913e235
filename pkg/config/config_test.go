package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeDevelopment, cfg.Mode)
	assert.Equal(t, "corral.local", cfg.Domain)
	assert.Equal(t, "/data/zone/corral.zone", cfg.ZoneFile)
	assert.Equal(t, "local", cfg.AgentDriver)
	assert.True(t, cfg.SlugReserved("app"))
	assert.True(t, cfg.SlugReserved("api"))
}

func TestLoadInvalidMode(t *testing.T) {
	t.Setenv("CORRAL_MODE", "staging")
	_, err := Load()
	assert.ErrorContains(t, err, "invalid CORRAL_MODE")
}

func TestReservedSlugOverride(t *testing.T) {
	t.Setenv("CORRAL_RESERVED_SLUGS", "Foo, bar ,")
	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.SlugReserved("foo"))
	assert.True(t, cfg.SlugReserved("FOO"))
	assert.True(t, cfg.SlugReserved("bar"))
	// The override replaces the default blocklist.
	assert.False(t, cfg.SlugReserved("app"))
}

func TestIdPDerivedURLs(t *testing.T) {
	t.Setenv("CORRAL_IDP_TENANT", "tenant-1")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://login.microsoftonline.com/tenant-1", cfg.IdPAuthority)
	assert.Equal(t, "https://login.microsoftonline.com/tenant-1/oauth2/v2.0/token", cfg.IdPTokenURL)
}

func TestFQDNHelpers(t *testing.T) {
	cfg := &Config{Domain: "corral.dev", DataDir: "/data"}

	assert.Equal(t, "acme.corral.dev", cfg.TeamFQDN("acme"))
	assert.Equal(t, "acme.app.corral.dev", cfg.AppFQDN("acme"))
	assert.Equal(t, "acme-fix.sandbox.corral.dev", cfg.SandboxFQDN("acme-fix"))
	assert.Equal(t, "/data/teams/acme", cfg.TeamDir("acme"))
}
