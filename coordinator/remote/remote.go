// Package remote implements coordinator.Coordinator for multi-process
// deployments where the caller and the worker may be different hosts.
// It is backed directly by a redis.Cmdable, matching how store/redis
// commits to a concrete Redis client rather than an abstract KV+pub/sub
// interface.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/taskbridge/backoff"
	"github.com/xraph/taskbridge/coordinator"
	"github.com/xraph/taskbridge/id"
)

// Client is the exact subset of *redis.Client this coordinator needs.
// It is declared narrowly (rather than embedding the much larger
// redis.Cmdable) so both *redis.Client/*redis.ClusterClient and a small
// test double satisfy it. PSubscribe is not part of redis.Cmdable
// because it ties a *redis.PubSub to the underlying connection pool.
type Client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// maxTransientAttempts bounds the retry loop wrapped around every
// transient Redis call, mirroring worker.Executor's bounded-retry-then-
// give-up shape applied here to transport errors instead of handler
// errors.
const maxTransientAttempts = 3

// completeScript is a Pending-gated conditional set performed as a
// single round trip so two racing completions of the same at-least-once
// redelivered job can't both observe Pending and overwrite each other's
// terminal envelope. It matches on the fixed "status":"pending" substring
// that coordinator.EncodePending always produces, rather than parsing
// JSON in Lua.
//
// Returns 0 if the key is missing, -1 if it is already terminal, 1 if
// this call wrote the terminal envelope.
const completeScript = `
local current = redis.call('GET', KEYS[1])
if not current then
  return 0
end
if string.find(current, '"status":"pending"', 1, true) == nil then
  return -1
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
return 1
`

// Coordinator is the Redis-backed Coordinator implementation. The
// caller owns the Client's connection lifecycle, matching
// store/redis.Store's ownership of its redis.Cmdable.
type Coordinator struct {
	client  Client
	prefix  string
	timeout time.Duration
	logger  *slog.Logger

	pubsub *redis.PubSub
	msgs   <-chan *redis.Message

	retryBackoff backoff.Strategy

	mu      sync.Mutex
	waiters map[id.TaskID]chan []byte

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

// WithRetryBackoff overrides the backoff strategy used between bounded
// retries of transient Redis errors. The default matches the bridge's
// own retry backoff (backoff.Exponential, base 1s, capped at 30s).
func WithRetryBackoff(bo backoff.Strategy) Option {
	return func(c *Coordinator) { c.retryBackoff = bo }
}

// New creates a distributed Coordinator, subscribes to its completion
// channel pattern, and starts the notification reader goroutine.
func New(ctx context.Context, client Client, prefix string, taskTimeout time.Duration, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		client:  client,
		prefix:  prefix,
		timeout: taskTimeout,
		logger:  slog.Default(),
		waiters: make(map[id.TaskID]chan []byte),
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.prefix == "" {
		c.prefix = "taskbridge:"
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Minute
	}
	if c.retryBackoff == nil {
		c.retryBackoff = backoff.NewExponential(time.Second, 30*time.Second)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error { return c.client.Ping(connectCtx).Err() })
	g.Go(func() error {
		c.pubsub = c.client.PSubscribe(context.Background(), c.completionPattern())
		_, err := c.pubsub.Receive(connectCtx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("remote coordinator: connect: %w", err)
	}
	c.msgs = c.pubsub.Channel()

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// withRetry runs fn up to maxTransientAttempts times, waiting bo's delay
// between attempts, and gives up early on redis.Nil (a legitimate
// not-found result, never transient) or context cancellation.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxTransientAttempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, redis.Nil) {
			return err
		}
		if attempt == maxTransientAttempts {
			return err
		}
		timer := time.NewTimer(c.retryBackoff.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}
	}
	return err
}

var _ coordinator.Coordinator = (*Coordinator)(nil)

func (c *Coordinator) taskKey(taskID id.TaskID) string {
	return c.prefix + "task:" + taskID.String()
}

func (c *Coordinator) completionChannel(taskID id.TaskID) string {
	return c.prefix + "completion:" + taskID.String()
}

func (c *Coordinator) completionPattern() string {
	return c.prefix + "completion:*"
}

func (c *Coordinator) taskIDFromChannel(channel string) (id.TaskID, error) {
	suffix := strings.TrimPrefix(channel, c.prefix+"completion:")
	return id.ParseTaskID(suffix)
}

// readLoop dispatches incoming pub/sub messages to the registered
// waiter for their task_id: a single reader fanning out to many
// registrants keyed by task_id.
func (c *Coordinator) readLoop() {
	defer c.wg.Done()
	for msg := range c.msgs {
		taskID, err := c.taskIDFromChannel(msg.Channel)
		if err != nil {
			c.logger.Warn("remote coordinator: unparseable completion channel", slog.String("channel", msg.Channel))
			continue
		}
		c.mu.Lock()
		ch, ok := c.waiters[taskID]
		c.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- []byte(msg.Payload):
		default:
		}
	}
}

// CreateTask writes the initial Pending record with a TTL of the task
// timeout. No subscription happens here; WaitForCompletion subscribes
// implicitly via the shared pattern subscription established in New.
func (c *Coordinator) CreateTask(ctx context.Context, typeTag string) (id.TaskID, error) {
	taskID := id.NewTaskID()
	env, err := coordinator.EncodePending(taskID, typeTag)
	if err != nil {
		return id.Nil, coordinator.NewTaskError(coordinator.KindSerializationFailed, err.Error())
	}
	key := c.taskKey(taskID)
	if err := c.withRetry(ctx, func() error {
		return c.client.Set(ctx, key, env, c.timeout).Err()
	}); err != nil {
		return id.Nil, coordinator.NewTaskError(coordinator.KindCoordinatorInternal, err.Error())
	}
	return taskID, nil
}

// CompleteTask atomically transitions the stored record from Pending to
// terminal via completeScript: the read-then-write can no longer race
// against a second completion of the same at-least-once redelivered job,
// since the check and the write happen inside a single Redis EVAL. A
// missing key logs a warning and returns successfully — the worker must
// never fail for a missing waiter. An already-terminal key is a no-op;
// only the first observed completion is authoritative. On success the
// terminal envelope is published only after the script confirms the
// write, so a subscriber that receives the notification is guaranteed a
// subsequent read of the key returns the terminal record.
func (c *Coordinator) CompleteTask(ctx context.Context, taskID id.TaskID, env []byte) error {
	key := c.taskKey(taskID)

	var ttl time.Duration
	if err := c.withRetry(ctx, func() error {
		var terr error
		ttl, terr = c.client.TTL(ctx, key).Result()
		return terr
	}); err != nil {
		return coordinator.NewTaskError(coordinator.KindCoordinatorInternal, err.Error())
	}
	if ttl <= 0 {
		ttl = c.timeout
	}
	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	var result int64
	err := c.withRetry(ctx, func() error {
		v, rerr := c.client.Eval(ctx, completeScript, []string{key}, string(env), ttlSeconds).Int64()
		result = v
		return rerr
	})
	switch {
	case err != nil:
		return coordinator.NewTaskError(coordinator.KindCoordinatorInternal, err.Error())
	case result == 0:
		c.logger.Warn("remote coordinator: complete for expired or unknown task", slog.String("task_id", taskID.String()))
		return nil
	case result == -1:
		// Already terminal (a retry race or duplicate completion).
		return nil
	}

	if err := c.withRetry(ctx, func() error {
		return c.client.Publish(ctx, c.completionChannel(taskID), env).Err()
	}); err != nil {
		c.logger.Warn("remote coordinator: publish completion failed",
			slog.String("task_id", taskID.String()), slog.String("error", err.Error()))
	}

	return nil
}

// WaitForCompletion registers a process-local waiter before checking
// the stored record, which prevents the classical lost-notification
// race where completion occurs between create and subscribe: the
// pattern subscription is already live from New, so registering the
// waiter and then re-reading the key is sufficient to catch either
// ordering.
func (c *Coordinator) WaitForCompletion(ctx context.Context, taskID id.TaskID) (*coordinator.Envelope, error) {
	c.mu.Lock()
	if _, exists := c.waiters[taskID]; exists {
		c.mu.Unlock()
		return nil, coordinator.ErrAlreadyWaiting
	}
	ch := make(chan []byte, 1)
	c.waiters[taskID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, taskID)
		c.mu.Unlock()
	}()

	var data []byte
	getErr := c.withRetry(ctx, func() error {
		var err error
		data, err = c.client.Get(ctx, c.taskKey(taskID)).Bytes()
		return err
	})
	switch {
	case errors.Is(getErr, redis.Nil):
		return nil, coordinator.NewTaskError(coordinator.KindNotFound, "unknown task: "+taskID.String())
	case getErr != nil:
		return nil, coordinator.NewTaskError(coordinator.KindCoordinatorInternal, getErr.Error())
	}

	if env, derr := coordinator.Decode(data); derr == nil && env.Status != coordinator.StatusPending {
		return env, nil
	}

	select {
	case payload := <-ch:
		return coordinator.Decode(payload)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, coordinator.NewTaskError(coordinator.KindTimeout, "context deadline exceeded while waiting")
		}
		return nil, coordinator.NewTaskError(coordinator.KindCancelled, "wait cancelled")
	}
}

// CleanupTask is a best-effort key deletion. The key's TTL guarantees
// eventual cleanup even if this call is lost.
func (c *Coordinator) CleanupTask(ctx context.Context, taskID id.TaskID) error {
	if err := c.client.Del(ctx, c.taskKey(taskID)).Err(); err != nil {
		c.logger.Warn("remote coordinator: cleanup failed", slog.String("task_id", taskID.String()), slog.String("error", err.Error()))
	}
	return nil
}

// Close unsubscribes from the completion pattern and stops the reader
// goroutine.
func (c *Coordinator) Close() error {
	var err error
	c.stopOnce.Do(func() {
		err = c.pubsub.Close()
		close(c.stop)
	})
	c.wg.Wait()
	return err
}
