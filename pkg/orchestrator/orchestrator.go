// Package orchestrator is the provisioning state machine. A worker claims
// tasks from the broker and executes them as linear pipelines of
// idempotent steps, reporting progress after each step.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corralhq/corral/pkg/agent"
	"github.com/corralhq/corral/pkg/broker"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/identity"
	"github.com/corralhq/corral/pkg/kanban"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/repohost"
	"github.com/corralhq/corral/pkg/runtime"
	"github.com/corralhq/corral/pkg/security"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
)

const (
	claimTimeout = 5 * time.Second

	// Container state polling during provisioning
	healthAttempts = 10
	healthInterval = time.Second
)

// DNSZone is the zone-file surface consumed by pipelines.
type DNSZone interface {
	AddRecord(name, address string) error
	RemoveRecord(name string) error
	WaitPropagation(ctx context.Context, fqdn string) error
}

// DBCloner is the database surface consumed by pipelines.
type DBCloner interface {
	Create(ctx context.Context, name string) error
	Clone(ctx context.Context, source, target string) error
	Drop(ctx context.Context, name string) error
}

// KanbanFactory builds a tenant API client for a given base URL and
// shared secret.
type KanbanFactory func(baseURL, secret string) kanban.Client

// Deps bundles the adapters an Orchestrator drives.
type Deps struct {
	Store   storage.Store
	Broker  broker.Broker
	Runtime runtime.Runtime
	DNS     DNSZone
	Certs   security.CertIssuer
	DB      DBCloner
	IdP     identity.Client
	Repo    repohost.Client
	Cipher  *security.Cipher
	Roles   *agent.Registry
	Driver  agent.Driver
	Kanban  KanbanFactory
}

// Orchestrator consumes provisioning and agent tasks.
type Orchestrator struct {
	cfg *config.Config
	Deps
}

// New creates an orchestrator.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	if deps.Kanban == nil {
		deps.Kanban = func(baseURL, secret string) kanban.Client {
			return kanban.NewHTTPClient(baseURL, secret, cfg.HTTPTimeout)
		}
	}
	return &Orchestrator{cfg: cfg, Deps: deps}
}

// Run claims and executes tasks until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	queues := []string{broker.QueueProvisioning, broker.QueueAgents}
	log.Info(fmt.Sprintf("Orchestrator consuming queues %v", queues))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		claim, err := o.Broker.ClaimTask(ctx, queues, claimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Errorf("Failed to claim task", err)
			time.Sleep(time.Second)
			continue
		}
		if claim == nil {
			continue
		}
		o.Process(ctx, claim.TaskID)
	}
}

// Process runs a single claimed task to completion or failure.
func (o *Orchestrator) Process(ctx context.Context, taskID string) {
	task, err := o.Broker.Get(ctx, taskID)
	if err != nil {
		log.Errorf("Failed to load claimed task", err)
		return
	}

	logger := log.WithTaskID(task.ID)
	logger.Info().Str("type", string(task.Type)).Msg("Task started")

	var result interface{}
	switch task.Type {
	case types.TaskWorkspaceProvision:
		result, err = o.provisionWorkspace(ctx, task)
	case types.TaskWorkspaceDelete:
		result, err = o.deleteWorkspace(ctx, task)
	case types.TaskWorkspaceRestart:
		result, err = o.restartWorkspace(ctx, task)
	case types.TaskWorkspaceStart:
		result, err = o.startWorkspace(ctx, task)
	case types.TaskTeamProvision:
		result, err = o.provisionTeam(ctx, task)
	case types.TaskTeamDelete:
		result, err = o.deleteTeam(ctx, task)
	case types.TaskTeamRestart:
		result, err = o.restartTeam(ctx, task)
	case types.TaskTeamStart:
		result, err = o.startTeam(ctx, task)
	case types.TaskSandboxProvision:
		result, err = o.provisionSandbox(ctx, task)
	case types.TaskSandboxDelete:
		result, err = o.deleteSandbox(ctx, task)
	case types.TaskAgentProcessCard:
		result, err = o.processCard(ctx, task)
	default:
		err = fmt.Errorf("unknown task type %q", task.Type)
	}

	if err != nil {
		logger.Error().Err(err).Msg("Task failed")
		if ferr := o.Broker.Fail(ctx, task.ID, err.Error()); ferr != nil {
			log.Errorf("Failed to mark task failed", ferr)
		}
		return
	}

	if cerr := o.Broker.Complete(ctx, task.ID, result); cerr != nil {
		log.Errorf("Failed to mark task completed", cerr)
		return
	}
	logger.Info().Str("type", string(task.Type)).Msg("Task completed")
}

// step is one named unit of pipeline work.
type step struct {
	name string
	fn   func(ctx context.Context) error
}

// runSteps executes steps in order, observing durations and reporting
// progress after each success.
func (o *Orchestrator) runSteps(ctx context.Context, taskID, pipeline string, steps []step) error {
	total := len(steps)
	for i, s := range steps {
		start := time.Now()
		err := s.fn(ctx)
		metrics.PipelineStepDuration.WithLabelValues(pipeline, s.name).Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		if perr := o.Broker.UpdateProgress(ctx, taskID, i+1, total, s.name, ""); perr != nil {
			log.Warn(fmt.Sprintf("Failed to report progress for task %s: %v", taskID, perr))
		}
	}
	return nil
}

// bestEffort logs a teardown step failure and continues.
func bestEffort(what string, err error) {
	if err != nil {
		log.Warn(fmt.Sprintf("Teardown step %s failed (continuing): %v", what, err))
	}
}

func decodePayload(task *types.Task, v interface{}) error {
	if err := json.Unmarshal(task.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", task.Type, err)
	}
	return nil
}

// waitContainersRunning polls container state until all named containers
// run, failing fast when one dies.
func (o *Orchestrator) waitContainersRunning(ctx context.Context, names ...string) error {
	for attempt := 0; attempt < healthAttempts; attempt++ {
		allRunning := true
		for _, name := range names {
			status, err := o.Runtime.Inspect(ctx, name)
			if err != nil {
				return err
			}
			switch status {
			case runtime.StatusRunning:
			case runtime.StatusExited, runtime.StatusDead:
				return fmt.Errorf("container %s is %s", name, status)
			default:
				allRunning = false
			}
		}
		if allRunning {
			return nil
		}
		select {
		case <-time.After(healthInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("containers %v not running after %d checks", names, healthAttempts)
}

// Container naming. The api name doubles as the internal DNS address the
// gateway proxies to.

func teamAPIContainer(slug string) string { return "kanban-team-" + slug + "-api-1" }
func teamWebContainer(slug string) string { return "kanban-team-" + slug + "-web-1" }

func appAPIContainer(slug string) string { return "kanban-app-" + slug + "-api-1" }
func appWebContainer(slug string) string { return "kanban-app-" + slug + "-web-1" }

func sandboxAPIContainer(fullSlug string) string { return "kanban-sandbox-" + fullSlug + "-api-1" }
func sandboxWebContainer(fullSlug string) string { return "kanban-sandbox-" + fullSlug + "-web-1" }

func agentContainer(fullSlug string) string { return "kanban-agent-" + fullSlug }

func (o *Orchestrator) appImage(slug, role string) string {
	return fmt.Sprintf("%s/%s-%s:latest", o.cfg.ImageRegistry, slug, role)
}
