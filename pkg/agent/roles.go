// Package agent maps tenant board activity to LLM worker runs: column
// names select a role, the role selects a persona, timeout and tool
// allow-list, and a driver executes the run in the sandbox workdir.
package agent

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ToolAccess is a named tool allow-list handed to the driver.
type ToolAccess string

const (
	ToolsReadOnly   ToolAccess = "read-only"
	ToolsDeveloper  ToolAccess = "developer"
	ToolsFullAccess ToolAccess = "full-access"
)

// Role describes one agent personality.
type Role struct {
	Name            string     `yaml:"name"`
	Keywords        []string   `yaml:"keywords"`
	TimeoutSeconds  int        `yaml:"timeout_seconds"`
	Tools           ToolAccess `yaml:"tools"`
	SuccessKeywords []string   `yaml:"success_keywords"`
	FailureKeywords []string   `yaml:"failure_keywords"`
	Persona         string     `yaml:"persona"`
}

// Timeout returns the per-role run deadline.
func (r *Role) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

const developerPersona = `You are an autonomous software developer working on a kanban card.
Work directly in the repository checkout you are given. Read the card carefully,
make the smallest change that satisfies it, and keep the build green.
When you are done, summarize what you changed and why.`

const reviewerPersona = `You are a code reviewer working on a kanban card.
Do not modify any files. Read the relevant changes and report concrete findings:
defects, missing tests, unclear naming. Be specific about file and line.`

// DefaultRoles returns the built-in role set, used when no role file is
// configured.
func DefaultRoles() []Role {
	return []Role{
		{
			Name:            "developer",
			Keywords:        []string{"dev", "doing", "progress"},
			TimeoutSeconds:  900,
			Tools:           ToolsDeveloper,
			SuccessKeywords: []string{"review", "done"},
			FailureKeywords: []string{"blocked", "todo", "backlog"},
			Persona:         developerPersona,
		},
		{
			Name:            "reviewer",
			Keywords:        []string{"review"},
			TimeoutSeconds:  300,
			Tools:           ToolsReadOnly,
			SuccessKeywords: []string{"done"},
			FailureKeywords: []string{"doing", "progress", "dev"},
			Persona:         reviewerPersona,
		},
	}
}

// Registry resolves column names and role names to roles.
type Registry struct {
	roles []Role
}

// NewRegistry creates a registry over the given roles.
func NewRegistry(roles []Role) *Registry {
	return &Registry{roles: roles}
}

// LoadRegistry reads roles from a YAML file, or returns the defaults when
// path is empty.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(DefaultRoles()), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roles file: %w", err)
	}

	var file struct {
		Roles []Role `yaml:"roles"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse roles file: %w", err)
	}
	if len(file.Roles) == 0 {
		return nil, fmt.Errorf("roles file %s defines no roles", path)
	}
	for i := range file.Roles {
		if file.Roles[i].Name == "" {
			return nil, fmt.Errorf("role %d in %s has no name", i, path)
		}
		if file.Roles[i].TimeoutSeconds <= 0 {
			file.Roles[i].TimeoutSeconds = 300
		}
		if file.Roles[i].Tools == "" {
			file.Roles[i].Tools = ToolsReadOnly
		}
	}
	return NewRegistry(file.Roles), nil
}

// MapColumn resolves a board column name to a role by fuzzy keyword
// match. Column names containing "done" never map: finished cards must
// not re-trigger agents.
func (reg *Registry) MapColumn(columnName string) (*Role, bool) {
	name := strings.ToLower(columnName)
	if strings.Contains(name, "done") {
		return nil, false
	}
	for i := range reg.roles {
		for _, kw := range reg.roles[i].Keywords {
			if strings.Contains(name, kw) {
				return &reg.roles[i], true
			}
		}
	}
	return nil, false
}

// Get resolves a role by name.
func (reg *Registry) Get(name string) (*Role, bool) {
	for i := range reg.roles {
		if reg.roles[i].Name == name {
			return &reg.roles[i], true
		}
	}
	return nil, false
}
