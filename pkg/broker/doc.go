/*
Package broker implements the redis-backed task queue and event bus.

Task records live at task:{id} as JSON. Each queue is a pair of FIFO
lists, queue:{name}:high and queue:{name}:normal; consumers BLPOP with
the high keys listed first so high-priority work drains before normal.

	Enqueue ──▶ task:{id} + RPUSH queue:{name}:{priority}
	ClaimTask ◀── BLPOP across queues, skips cancelled tasks
	UpdateProgress / Complete / Fail ──▶ record update + pub/sub event

# Lifecycle

pending -> in_progress -> completed | failed. Cancel is permitted only
from pending; an in-flight pipeline is never interrupted. Retry is
permitted only from failed and enqueues a fresh task carrying the
original payload plus a RetryOfTask reference. Progress percentage is
monotonically non-decreasing within a task lifetime, so a re-run with a
different step count cannot walk a progress bar backwards.

# Events

Progress and terminal transitions publish TaskEvent on tasks:{user_id}.
Entity status changes are published by the orchestrator on team:status,
workspace:status and sandbox:status. Delivery is at-least-once; pipeline
steps must be idempotent.
*/
package broker
