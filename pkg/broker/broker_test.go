package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/types"
)

func newBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewFromClient(rdb)
}

func TestEnqueueAndClaimRoundTrip(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	payload := types.WorkspaceTaskPayload{WorkspaceID: "ws-1"}
	id, err := b.Enqueue(ctx, QueueProvisioning, types.TaskWorkspaceProvision, payload, "user-1", types.PriorityNormal)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, "user-1", task.UserID)

	claim, err := b.ClaimTask(ctx, []string{QueueProvisioning}, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, QueueProvisioning, claim.Queue)
	assert.Equal(t, id, claim.TaskID)

	task, err = b.Get(ctx, claim.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, task.Status)
	assert.False(t, task.StartedAt.IsZero())

	var got types.WorkspaceTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload, &got))
	assert.Equal(t, "ws-1", got.WorkspaceID)
}

func TestClaimEmptyQueueReturnsNil(t *testing.T) {
	b := newBroker(t)

	claim, err := b.ClaimTask(context.Background(), []string{QueueAgents}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, claim)
}

func TestHighPriorityDrainsFirst(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	normal, err := b.Enqueue(ctx, QueueProvisioning, types.TaskWorkspaceProvision, nil, "u", types.PriorityNormal)
	require.NoError(t, err)
	high, err := b.Enqueue(ctx, QueueProvisioning, types.TaskTeamRestart, nil, "u", types.PriorityHigh)
	require.NoError(t, err)

	first, err := b.ClaimTask(ctx, []string{QueueProvisioning}, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, high, first.TaskID)

	second, err := b.ClaimTask(ctx, []string{QueueProvisioning}, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, normal, second.TaskID)
}

func TestCompleteRecordsResult(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, QueueProvisioning, types.TaskTeamProvision, nil, "u", types.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, b.Complete(ctx, id, map[string]string{"status": "active"}))

	task, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.Equal(t, 100, task.Progress.Percentage)
	assert.JSONEq(t, `{"status":"active"}`, string(task.Result))
	assert.False(t, task.FinishedAt.IsZero())
}

func TestProgressPercentageNeverDecreases(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, QueueProvisioning, types.TaskWorkspaceProvision, nil, "u", types.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, b.UpdateProgress(ctx, id, 8, 10, "issue certificate", ""))
	task, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 80, task.Progress.Percentage)

	// A re-run with more total steps reports a lower raw percentage.
	require.NoError(t, b.UpdateProgress(ctx, id, 3, 12, "create dns record", ""))
	task, err = b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 80, task.Progress.Percentage)
	assert.Equal(t, 3, task.Progress.CurrentStep)
	assert.Equal(t, "create dns record", task.Progress.StepName)
}

func TestCancelOnlyFromPending(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, QueueProvisioning, types.TaskWorkspaceProvision, nil, "u", types.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, b.Cancel(ctx, id))
	err = b.Cancel(ctx, id)
	assert.ErrorIs(t, err, ErrBadTransition)
}

func TestCancelledTaskSkippedOnClaim(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, QueueProvisioning, types.TaskWorkspaceProvision, nil, "u", types.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, b.Cancel(ctx, id))

	claim, err := b.ClaimTask(ctx, []string{QueueProvisioning}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, claim)

	task, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, task.Status)
}

func TestRetryOnlyFromFailed(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	payload := types.SandboxTaskPayload{SandboxID: "sb-1"}
	id, err := b.Enqueue(ctx, QueueProvisioning, types.TaskSandboxProvision, payload, "u", types.PriorityHigh)
	require.NoError(t, err)

	_, err = b.Retry(ctx, id)
	assert.ErrorIs(t, err, ErrBadTransition)

	require.NoError(t, b.Fail(ctx, id, "clone failed"))

	retryID, err := b.Retry(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, retryID)

	retry, err := b.Get(ctx, retryID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, retry.Status)
	assert.Equal(t, id, retry.RetryOfTask)
	assert.Equal(t, types.TaskSandboxProvision, retry.Type)
	assert.Equal(t, types.PriorityHigh, retry.Priority)

	var got types.SandboxTaskPayload
	require.NoError(t, json.Unmarshal(retry.Payload, &got))
	assert.Equal(t, "sb-1", got.SandboxID)

	// The retry is claimable from the original queue.
	claim, err := b.ClaimTask(ctx, []string{QueueProvisioning}, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, retryID, claim.TaskID)
}

func TestGetUnknownTask(t *testing.T) {
	b := newBroker(t)

	_, err := b.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestPublishSubscribe(t *testing.T) {
	b := newBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := b.Subscribe(ctx, types.TaskChannel("user-1"))
	defer sub.Close()
	// Give the subscriber a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.Publish(ctx, types.TaskChannel("user-1"), types.TaskEvent{
		Type:   types.EventTaskProgress,
		TaskID: "t1",
	}))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "tasks:user-1", msg.Channel)
		var event types.TaskEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &event))
		assert.Equal(t, types.EventTaskProgress, event.Type)
		assert.Equal(t, "t1", event.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestFailPublishesRetryableEvent(t *testing.T) {
	b := newBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := b.Enqueue(ctx, QueueAgents, types.TaskAgentProcessCard, nil, "user-2", types.PriorityNormal)
	require.NoError(t, err)

	sub := b.Subscribe(ctx, types.TaskChannel("user-2"))
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.Fail(ctx, id, "agent exited 1"))

	select {
	case msg := <-sub.Channel():
		var event types.TaskEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &event))
		assert.Equal(t, types.EventTaskFailed, event.Type)
		assert.Equal(t, "agent exited 1", event.Error)
		assert.True(t, event.RetryOK)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
