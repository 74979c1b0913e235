package types

import (
	"encoding/json"
	"time"
)

// TaskType enumerates the typed pipelines the orchestrator can run.
type TaskType string

const (
	TaskWorkspaceProvision TaskType = "workspace.provision"
	TaskWorkspaceDelete    TaskType = "workspace.delete"
	TaskWorkspaceRestart   TaskType = "workspace.restart"
	TaskWorkspaceStart     TaskType = "workspace.start"
	TaskTeamProvision      TaskType = "team.provision"
	TaskTeamDelete         TaskType = "team.delete"
	TaskTeamRestart        TaskType = "team.restart"
	TaskTeamStart          TaskType = "team.start"
	TaskSandboxProvision   TaskType = "sandbox.provision"
	TaskSandboxDelete      TaskType = "sandbox.delete"
	TaskAgentProcessCard   TaskType = "agent.process_card"
)

// TaskStatus is the broker-side task lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskPriority orders consumption within a queue.
type TaskPriority string

const (
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
)

// TaskProgress tracks pipeline position. Percentage is monotonically
// non-decreasing within a task lifetime.
type TaskProgress struct {
	CurrentStep int    `json:"current_step"`
	TotalSteps  int    `json:"total_steps"`
	StepName    string `json:"step_name"`
	Percentage  int    `json:"percentage"`
	Message     string `json:"message,omitempty"`
}

// Task is the broker envelope around a typed payload.
type Task struct {
	ID          string          `json:"id"`
	Type        TaskType        `json:"type"`
	Queue       string          `json:"queue"`
	Status      TaskStatus      `json:"status"`
	Priority    TaskPriority    `json:"priority"`
	UserID      string          `json:"user_id"`
	Payload     json.RawMessage `json:"payload"`
	Progress    TaskProgress    `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
	RetryOfTask string          `json:"retry_of_task,omitempty"`
}

// Typed payloads, one per task type. Workspace/team/sandbox payloads carry
// ids rather than full records so re-runs read fresh state.

type WorkspaceTaskPayload struct {
	WorkspaceID string `json:"workspace_id"`
	Rebuild     bool   `json:"rebuild,omitempty"`
}

type TeamTaskPayload struct {
	TeamID  string `json:"team_id"`
	Slug    string `json:"slug"`
	Rebuild bool   `json:"rebuild,omitempty"`
}

type SandboxTaskPayload struct {
	SandboxID string `json:"sandbox_id"`
}

// AgentCardPayload carries everything the agent dispatch pipeline needs.
type AgentCardPayload struct {
	WorkspaceSlug string   `json:"workspace_slug"`
	SandboxID     string   `json:"sandbox_id,omitempty"`
	TeamSlug      string   `json:"team_slug"`
	AgentType     string   `json:"agent_type"`
	Branch        string   `json:"branch,omitempty"`
	CardID        string   `json:"card_id"`
	CardTitle     string   `json:"card_title"`
	CardBody      string   `json:"card_description"`
	Comments      []string `json:"comments,omitempty"`
	Checklist     []string `json:"checklist,omitempty"`
	BoardID       string   `json:"board_id"`
	ColumnName    string   `json:"column_name"`
}

// Event channel names.
const (
	ChannelTeamStatus      = "team:status"
	ChannelWorkspaceStatus = "workspace:status"
	ChannelSandboxStatus   = "sandbox:status"
)

// TaskChannel returns the per-user progress channel name.
func TaskChannel(userID string) string {
	return "tasks:" + userID
}

// Task event types published on tasks:{user_id}.
const (
	EventTaskProgress  = "task.progress"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
)

// TaskEvent is the JSON shape streamed to portal clients.
type TaskEvent struct {
	Type       string          `json:"type"`
	TaskID     string          `json:"task_id"`
	Step       int             `json:"step"`
	TotalSteps int             `json:"total_steps"`
	StepName   string          `json:"step_name"`
	Percentage int             `json:"percentage"`
	Message    string          `json:"message,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	RetryOK    bool            `json:"retry_available,omitempty"`
}

// StatusEvent is published on the entity status channels. For active
// transitions it carries the provisioned resource identifiers.
type StatusEvent struct {
	WorkspaceID   string          `json:"id,omitempty"`
	TeamSlug      string          `json:"team_slug,omitempty"`
	FullSlug      string          `json:"full_slug,omitempty"`
	Status        ProvisionStatus `json:"status"`
	KanbanTeamID  string          `json:"kanban_team_id,omitempty"`
	AppID         string          `json:"azure_app_id,omitempty"`
	AppObjectID   string          `json:"azure_object_id,omitempty"`
	RepoName      string          `json:"github_repo_name,omitempty"`
	DatabaseName  string          `json:"database_name,omitempty"`
	WebhookSecret string          `json:"agent_webhook_secret,omitempty"`
	Error         string          `json:"error,omitempty"`
}
