package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/types"
)

func TestMapColumn(t *testing.T) {
	reg := NewRegistry(DefaultRoles())

	tests := []struct {
		column string
		role   string
		mapped bool
	}{
		{"In Progress", "developer", true},
		{"Doing", "developer", true},
		{"Development", "developer", true},
		{"In Review", "reviewer", true},
		{"Done", "", false},
		{"done", "", false},
		{"Backlog", "", false},
		{"Ideas", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.column, func(t *testing.T) {
			role, ok := reg.MapColumn(tt.column)
			assert.Equal(t, tt.mapped, ok)
			if tt.mapped {
				assert.Equal(t, tt.role, role.Name)
			}
		})
	}
}

func TestDefaultRoleTimeouts(t *testing.T) {
	reg := NewRegistry(DefaultRoles())

	dev, ok := reg.Get("developer")
	require.True(t, ok)
	assert.Equal(t, 900*time.Second, dev.Timeout())
	assert.Equal(t, ToolsDeveloper, dev.Tools)

	rev, ok := reg.Get("reviewer")
	require.True(t, ok)
	assert.Equal(t, 300*time.Second, rev.Timeout())
	assert.Equal(t, ToolsReadOnly, rev.Tools)
}

func TestLoadRegistryFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	content := `roles:
  - name: tester
    keywords: ["test", "qa"]
    timeout_seconds: 120
    tools: read-only
    success_keywords: ["done"]
    failure_keywords: ["doing"]
    persona: "You run the test suite."
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)

	role, ok := reg.MapColumn("QA Queue")
	require.True(t, ok)
	assert.Equal(t, "tester", role.Name)
	assert.Equal(t, 120*time.Second, role.Timeout())
}

func TestLoadRegistryEmptyPathUsesDefaults(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)
	_, ok := reg.Get("developer")
	assert.True(t, ok)
}

func TestBuildPrompt(t *testing.T) {
	reg := NewRegistry(DefaultRoles())
	role, _ := reg.Get("developer")

	prompt := BuildPrompt(role, &types.AgentCardPayload{
		CardTitle: "Fix login redirect",
		CardBody:  "Users land on a blank page after OAuth.",
		Comments:  []string{"Repro: log in with a fresh account"},
		Checklist: []string{"Add regression test"},
		Branch:    "sandbox/shop-feat-x",
	})

	assert.Contains(t, prompt, "## Card: Fix login redirect")
	assert.Contains(t, prompt, "Users land on a blank page")
	assert.Contains(t, prompt, "- Add regression test")
	assert.Contains(t, prompt, "- Repro: log in with a fresh account")
	assert.Contains(t, prompt, "branch sandbox/shop-feat-x")
	assert.Contains(t, prompt, "autonomous software developer")
}

func TestBuildPromptTruncatesComments(t *testing.T) {
	reg := NewRegistry(DefaultRoles())
	role, _ := reg.Get("developer")

	comments := make([]string, 25)
	for i := range comments {
		comments[i] = "comment"
	}
	comments[24] = "newest"

	prompt := BuildPrompt(role, &types.AgentCardPayload{
		CardTitle: "t",
		Comments:  comments,
	})
	assert.Contains(t, prompt, "newest")
}

func TestLocalCLIDriverStreamsOutput(t *testing.T) {
	role := &Role{Name: "developer", TimeoutSeconds: 30, Tools: ToolsDeveloper}
	d := NewLocalCLIDriver("sh", "-c", "printf 'line one\nline two\n' #")

	var lines []string
	res := d.Run(context.Background(), "ignored", t.TempDir(), role, func(line string) {
		lines = append(lines, line)
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"line one", "line two"}, lines)
	assert.Contains(t, res.Output, "line two")
}

func TestLocalCLIDriverTimeout(t *testing.T) {
	role := &Role{Name: "developer", TimeoutSeconds: 1, Tools: ToolsDeveloper}
	d := NewLocalCLIDriver("sh", "-c", "sleep 10 #")

	res := d.Run(context.Background(), "ignored", "", role, nil)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
}

func TestLocalCLIDriverFailure(t *testing.T) {
	role := &Role{Name: "developer", TimeoutSeconds: 30, Tools: ToolsDeveloper}
	d := NewLocalCLIDriver("sh", "-c", "echo boom >&2; exit 3 #")

	res := d.Run(context.Background(), "ignored", "", role, nil)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "boom")
}
