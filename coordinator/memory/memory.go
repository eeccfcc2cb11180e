// Package memory implements coordinator.Coordinator for single-process
// deployments. It has no durability: process restart loses every
// pending task, which is acceptable because the caller and worker
// share the same process and therefore the same lifetime.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/taskbridge/coordinator"
	"github.com/xraph/taskbridge/id"
)

// slot is the completion primitive for one task: a sync.Map-keyed
// correlation table generalized to a single-process request/response
// rendezvous.
type slot struct {
	mu        sync.Mutex
	typeTag   string
	createdAt time.Time
	status    coordinator.Status
	envelope  []byte
	waiting   bool
	done      chan struct{}
	closeOnce sync.Once
	timer     *time.Timer
}

func (s *slot) resolve(envelope []byte, status coordinator.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != coordinator.StatusPending {
		return false
	}
	s.status = status
	s.envelope = envelope
	if s.timer != nil {
		s.timer.Stop()
	}
	s.closeOnce.Do(func() { close(s.done) })
	return true
}

// Coordinator is the in-memory Coordinator implementation.
type Coordinator struct {
	tasks   sync.Map // id.TaskID -> *slot
	logger  *slog.Logger
	timeout time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithTaskTimeout overrides the default task timeout used when a task
// is created without one specified elsewhere.
func WithTaskTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// New creates an in-memory Coordinator and starts its sweeper.
func New(taskTimeout time.Duration, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:  slog.Default(),
		timeout: taskTimeout,
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Minute
	}

	period := c.timeout / 4
	if period > time.Minute {
		period = time.Minute
	}
	if period <= 0 {
		period = time.Second
	}

	c.wg.Add(1)
	go c.sweep(period)

	return c
}

var _ coordinator.Coordinator = (*Coordinator)(nil)

// CreateTask generates a task_id, stores a Pending slot, and arms a
// per-task timer that force-fails the slot with KindTimeout if it is
// still pending when the timer fires.
func (c *Coordinator) CreateTask(_ context.Context, typeTag string) (id.TaskID, error) {
	taskID := id.NewTaskID()
	s := &slot{
		typeTag:   typeTag,
		createdAt: time.Now().UTC(),
		status:    coordinator.StatusPending,
		done:      make(chan struct{}),
	}
	c.tasks.Store(taskID, s)

	s.timer = time.AfterFunc(c.timeout, func() {
		env, err := coordinator.EncodeFailure(taskID, typeTag, coordinator.KindTimeout, "task exceeded its deadline", "")
		if err != nil {
			c.logger.Error("memory coordinator: encode timeout envelope", slog.String("error", err.Error()))
			return
		}
		s.resolve(env, coordinator.StatusFailed)
	})

	return taskID, nil
}

// CompleteTask transitions a task to terminal exactly once. A missing
// or already-terminal task is a no-op logged at debug.
func (c *Coordinator) CompleteTask(_ context.Context, taskID id.TaskID, env []byte) error {
	v, ok := c.tasks.Load(taskID)
	if !ok {
		c.logger.Debug("memory coordinator: complete for unknown task", slog.String("task_id", taskID.String()))
		return nil
	}
	s := v.(*slot) //nolint:errcheck // tasks map only ever stores *slot

	decoded, err := coordinator.Decode(env)
	if err != nil {
		return fmt.Errorf("memory coordinator: decode completion envelope: %w", err)
	}

	if !s.resolve(env, decoded.Status) {
		c.logger.Debug("memory coordinator: duplicate completion ignored", slog.String("task_id", taskID.String()))
	}
	return nil
}

// WaitForCompletion blocks until the task terminates, the context is
// cancelled, or the task's own timeout fires.
func (c *Coordinator) WaitForCompletion(ctx context.Context, taskID id.TaskID) (*coordinator.Envelope, error) {
	v, ok := c.tasks.Load(taskID)
	if !ok {
		return nil, coordinator.NewTaskError(coordinator.KindNotFound, "unknown task: "+taskID.String())
	}
	s := v.(*slot) //nolint:errcheck // tasks map only ever stores *slot

	s.mu.Lock()
	if s.waiting {
		s.mu.Unlock()
		return nil, coordinator.ErrAlreadyWaiting
	}
	s.waiting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.waiting = false
		s.mu.Unlock()
	}()

	select {
	case <-s.done:
		s.mu.Lock()
		envelope := s.envelope
		s.mu.Unlock()
		env, err := coordinator.Decode(envelope)
		if err == nil && env.Status == coordinator.StatusFailed && env.Error != nil && env.Error.Kind == coordinator.KindTimeout {
			return nil, coordinator.NewTaskError(coordinator.KindTimeout, env.Error.Message)
		}
		return env, err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, coordinator.NewTaskError(coordinator.KindTimeout, "context deadline exceeded while waiting")
		}
		return nil, coordinator.NewTaskError(coordinator.KindCancelled, "wait cancelled")
	}
}

// CleanupTask removes the task record. Idempotent.
func (c *Coordinator) CleanupTask(_ context.Context, taskID id.TaskID) error {
	if v, ok := c.tasks.LoadAndDelete(taskID); ok {
		s := v.(*slot) //nolint:errcheck // tasks map only ever stores *slot
		if s.timer != nil {
			s.timer.Stop()
		}
	}
	return nil
}

// Close stops the sweeper goroutine.
func (c *Coordinator) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}

// sweep is the safety net behind the per-task timer: it forces
// timeouts that somehow slipped past their timer (e.g. under extreme
// scheduling pressure) and reclaims terminal slots that no waiter ever
// cleaned up, so an abandoned WaitForCompletion caller can't leak the
// task record forever.
func (c *Coordinator) sweep(period time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now().UTC()
			c.tasks.Range(func(key, value any) bool {
				taskID := key.(id.TaskID) //nolint:errcheck // tasks map is keyed by id.TaskID
				s := value.(*slot)        //nolint:errcheck // tasks map only ever stores *slot

				s.mu.Lock()
				status := s.status
				age := now.Sub(s.createdAt)
				s.mu.Unlock()

				switch {
				case status == coordinator.StatusPending && age > c.timeout:
					env, err := coordinator.EncodeFailure(taskID, s.typeTag, coordinator.KindTimeout, "task exceeded its deadline", "")
					if err != nil {
						c.logger.Warn("memory coordinator: sweeper encode failed", slog.String("error", err.Error()))
						return true
					}
					s.resolve(env, coordinator.StatusFailed)
				case status != coordinator.StatusPending && age > c.timeout*2:
					c.tasks.Delete(taskID)
				}
				return true
			})
		}
	}
}
