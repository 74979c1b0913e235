package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/types"
)

var (
	// ErrTaskNotFound is returned when the task record does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrBadTransition is returned for cancel/retry from a disallowed state.
	ErrBadTransition = errors.New("invalid task state transition")
)

// Queue names used by the control plane.
const (
	QueueProvisioning = "provisioning"
	QueueAgents       = "agents"
)

// Claim identifies a task handed to a consumer.
type Claim struct {
	Queue  string
	TaskID string
}

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is an independent subscriber stream. Every subscriber
// receives every message; late subscribers do not see prior messages.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Broker queues typed tasks and fans out control-plane events.
// Delivery is at-least-once; pipeline steps must be idempotent.
type Broker interface {
	Enqueue(ctx context.Context, queue string, taskType types.TaskType, payload interface{}, userID string, priority types.TaskPriority) (string, error)
	ClaimTask(ctx context.Context, queues []string, blockTimeout time.Duration) (*Claim, error)
	Get(ctx context.Context, taskID string) (*types.Task, error)
	UpdateProgress(ctx context.Context, taskID string, step, totalSteps int, stepName, message string) error
	Complete(ctx context.Context, taskID string, result interface{}) error
	Fail(ctx context.Context, taskID string, taskErr string) error
	Cancel(ctx context.Context, taskID string) error
	Retry(ctx context.Context, taskID string) (string, error)
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channels ...string) Subscription
	Close() error
}

// RedisBroker implements Broker on redis: task records at task:{id},
// priority-FIFO lists at queue:{name}:{priority}, events over redis pub/sub.
type RedisBroker struct {
	rdb *redis.Client
}

// New connects to redis at the given URL.
func New(redisURL string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &RedisBroker{rdb: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client (used by tests with miniredis).
func NewFromClient(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}

func taskKey(id string) string { return "task:" + id }

func queueKey(queue string, priority types.TaskPriority) string {
	return fmt.Sprintf("queue:%s:%s", queue, priority)
}

func (b *RedisBroker) saveTask(ctx context.Context, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, taskKey(task.ID), data, 0).Err()
}

// Enqueue stores the task record and pushes its id onto the priority list.
func (b *RedisBroker) Enqueue(ctx context.Context, queue string, taskType types.TaskType, payload interface{}, userID string, priority types.TaskPriority) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	task := &types.Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		Queue:     queue,
		Status:    types.TaskPending,
		Priority:  priority,
		UserID:    userID,
		Payload:   raw,
		CreatedAt: time.Now(),
	}
	if err := b.saveTask(ctx, task); err != nil {
		return "", fmt.Errorf("failed to store task: %w", err)
	}
	if err := b.rdb.RPush(ctx, queueKey(queue, priority), task.ID).Err(); err != nil {
		return "", fmt.Errorf("failed to push task: %w", err)
	}
	metrics.TasksEnqueued.WithLabelValues(string(taskType)).Inc()
	return task.ID, nil
}

// ClaimTask blocks up to blockTimeout awaiting any of the named queues.
// High-priority lists are listed first, so they drain before normal ones.
func (b *RedisBroker) ClaimTask(ctx context.Context, queues []string, blockTimeout time.Duration) (*Claim, error) {
	keys := make([]string, 0, len(queues)*2)
	for _, q := range queues {
		keys = append(keys, queueKey(q, types.PriorityHigh))
	}
	for _, q := range queues {
		keys = append(keys, queueKey(q, types.PriorityNormal))
	}

	res, err := b.rdb.BLPop(ctx, blockTimeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	// BLPop returns [key, value].
	key, taskID := res[0], res[1]

	task, err := b.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	// Cancelled while queued: skip silently.
	if task.Status == types.TaskCancelled {
		return nil, nil
	}
	task.Status = types.TaskInProgress
	task.StartedAt = time.Now()
	if err := b.saveTask(ctx, task); err != nil {
		return nil, err
	}

	return &Claim{Queue: queueFromKey(key), TaskID: taskID}, nil
}

// queueFromKey recovers the queue name from "queue:{name}:{priority}".
func queueFromKey(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[len("queue:"):i]
		}
	}
	return key
}

func (b *RedisBroker) Get(ctx context.Context, taskID string) (*types.Task, error) {
	data, err := b.rdb.Get(ctx, taskKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, err
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &task, nil
}

// UpdateProgress advances the task record and publishes a task.progress
// event. Percentage never decreases within a task lifetime.
func (b *RedisBroker) UpdateProgress(ctx context.Context, taskID string, step, totalSteps int, stepName, message string) error {
	task, err := b.Get(ctx, taskID)
	if err != nil {
		return err
	}
	pct := 0
	if totalSteps > 0 {
		pct = step * 100 / totalSteps
	}
	if pct < task.Progress.Percentage {
		pct = task.Progress.Percentage
	}
	task.Progress = types.TaskProgress{
		CurrentStep: step,
		TotalSteps:  totalSteps,
		StepName:    stepName,
		Percentage:  pct,
		Message:     message,
	}
	if err := b.saveTask(ctx, task); err != nil {
		return err
	}
	return b.Publish(ctx, types.TaskChannel(task.UserID), types.TaskEvent{
		Type:       types.EventTaskProgress,
		TaskID:     task.ID,
		Step:       step,
		TotalSteps: totalSteps,
		StepName:   stepName,
		Percentage: pct,
		Message:    message,
	})
}

func (b *RedisBroker) Complete(ctx context.Context, taskID string, result interface{}) error {
	task, err := b.Get(ctx, taskID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	task.Status = types.TaskCompleted
	task.Result = raw
	task.FinishedAt = time.Now()
	task.Progress.Percentage = 100
	if err := b.saveTask(ctx, task); err != nil {
		return err
	}
	metrics.TasksCompleted.WithLabelValues(string(task.Type)).Inc()
	return b.Publish(ctx, types.TaskChannel(task.UserID), types.TaskEvent{
		Type:       types.EventTaskCompleted,
		TaskID:     task.ID,
		Step:       task.Progress.CurrentStep,
		TotalSteps: task.Progress.TotalSteps,
		StepName:   task.Progress.StepName,
		Percentage: 100,
		Result:     raw,
	})
}

func (b *RedisBroker) Fail(ctx context.Context, taskID string, taskErr string) error {
	task, err := b.Get(ctx, taskID)
	if err != nil {
		return err
	}
	task.Status = types.TaskFailed
	task.Error = taskErr
	task.FinishedAt = time.Now()
	if err := b.saveTask(ctx, task); err != nil {
		return err
	}
	metrics.TasksFailed.WithLabelValues(string(task.Type)).Inc()
	return b.Publish(ctx, types.TaskChannel(task.UserID), types.TaskEvent{
		Type:       types.EventTaskFailed,
		TaskID:     task.ID,
		Step:       task.Progress.CurrentStep,
		TotalSteps: task.Progress.TotalSteps,
		StepName:   task.Progress.StepName,
		Percentage: task.Progress.Percentage,
		Error:      taskErr,
		RetryOK:    true,
	})
}

// Cancel is permitted only from pending. In-flight pipelines are not
// interrupted.
func (b *RedisBroker) Cancel(ctx context.Context, taskID string) error {
	task, err := b.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskPending {
		return fmt.Errorf("%w: cancel from %s", ErrBadTransition, task.Status)
	}
	task.Status = types.TaskCancelled
	task.FinishedAt = time.Now()
	return b.saveTask(ctx, task)
}

// Retry re-enqueues a failed task with its original parameters and returns
// the new task id.
func (b *RedisBroker) Retry(ctx context.Context, taskID string) (string, error) {
	task, err := b.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Status != types.TaskFailed {
		return "", fmt.Errorf("%w: retry from %s", ErrBadTransition, task.Status)
	}
	retry := &types.Task{
		ID:          uuid.New().String(),
		Type:        task.Type,
		Queue:       task.Queue,
		Status:      types.TaskPending,
		Priority:    task.Priority,
		UserID:      task.UserID,
		Payload:     task.Payload,
		CreatedAt:   time.Now(),
		RetryOfTask: task.ID,
	}
	if err := b.saveTask(ctx, retry); err != nil {
		return "", err
	}
	if err := b.rdb.RPush(ctx, queueKey(retry.Queue, retry.Priority), retry.ID).Err(); err != nil {
		return "", err
	}
	return retry.ID, nil
}

// Publish sends a JSON-encoded message on a channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel, data).Err()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
}

func (s *redisSubscription) Channel() <-chan Message { return s.out }
func (s *redisSubscription) Close() error            { return s.pubsub.Close() }

// Subscribe opens an independent stream over the given channels.
func (b *RedisBroker) Subscribe(ctx context.Context, channels ...string) Subscription {
	pubsub := b.rdb.Subscribe(ctx, channels...)
	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message, 64),
	}
	go func() {
		defer close(sub.out)
		for msg := range pubsub.Channel() {
			select {
			case sub.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub
}
