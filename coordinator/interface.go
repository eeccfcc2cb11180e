// Package coordinator defines the rendezvous contract that lets a
// caller create a task, hand its id to a background worker, and block
// for the worker's terminal envelope without either side needing to
// know how the other is implemented.
//
// Two implementations satisfy Coordinator identically from a caller's
// perspective: coordinator/memory for single-process deployments and
// coordinator/remote for multi-process deployments backed by Redis.
package coordinator

import (
	"context"

	"github.com/xraph/taskbridge/id"
)

// Coordinator mediates between worker-side completion and waiter-side
// await. Implementations must be safe for concurrent use by arbitrary
// callers and workers.
type Coordinator interface {
	// CreateTask generates a task_id, records it Pending, and arms the
	// task's timeout. typeTag identifies the expected payload type and
	// travels with the envelope for producer/consumer version skew.
	CreateTask(ctx context.Context, typeTag string) (id.TaskID, error)

	// CompleteTask transitions a task to its terminal state exactly
	// once. A second call for an already-terminal or unknown task_id
	// is a no-op that returns nil — the worker must never fail for a
	// missing or already-resolved waiter.
	CompleteTask(ctx context.Context, taskID id.TaskID, env []byte) error

	// WaitForCompletion blocks until the task reaches a terminal state,
	// the context is cancelled, or the task's own timeout fires
	// (surfaced as a *TaskError with Kind KindTimeout). Only one
	// concurrent waiter per task_id is supported; a second call while
	// one is outstanding returns ErrAlreadyWaiting.
	WaitForCompletion(ctx context.Context, taskID id.TaskID) (*Envelope, error)

	// CleanupTask removes the task record. Idempotent; safe to call
	// while a waiter is suspended and safe to call twice.
	CleanupTask(ctx context.Context, taskID id.TaskID) error

	// Close releases background resources (sweeper goroutine, pub/sub
	// reader). Coordinators are not usable after Close returns.
	Close() error
}
