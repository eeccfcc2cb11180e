package rpc

import (
	"fmt"
	"runtime"
	"time"

	"github.com/xraph/taskbridge/coordinator"
)

// Options configures a Facade. NewFacade validates every field, but the
// Facade reads only DefaultTaskTimeout and DefaultRetryBudget; the other
// fields are not applied to a coordinator, engine or worker pool by this
// package.
type Options struct {
	// UseInMemoryCoordination selects the in-memory coordinator over
	// the Redis-backed distributed one.
	UseInMemoryCoordination bool

	// RemoteStoreEndpoint is the Redis address for the distributed
	// coordinator. Required when UseInMemoryCoordination is false.
	RemoteStoreEndpoint string

	// RemoteKeyPrefix namespaces the distributed coordinator's keys
	// and pub/sub channels.
	RemoteKeyPrefix string

	// DefaultTaskTimeout bounds how long a response-bearing call waits
	// before observing coordinator.KindTimeout.
	DefaultTaskTimeout time.Duration

	// DefaultRetryBudget is the retry budget given to invocations
	// submitted by Enqueue, Schedule and AddOrUpdateCron.
	// EnqueueWithResult takes its retry budget as an argument.
	DefaultRetryBudget int

	// MaxConcurrentJobs bounds the worker pool's concurrency.
	MaxConcurrentJobs int

	// JobExecutionTimeout bounds handler execution time on the worker.
	JobExecutionTimeout time.Duration

	// JobRetentionPeriod bounds how long completed job records are kept.
	JobRetentionPeriod time.Duration

	// CleanupInterval is how often the sweeper reclaims expired state.
	CleanupInterval time.Duration

	// EnableConsoleLogging turns on human-readable console logging.
	EnableConsoleLogging bool

	// EnableDetailedLogging turns on verbose per-attempt logging.
	EnableDetailedLogging bool

	// AutoDeleteSuccessfulJobs removes job records immediately on
	// success instead of waiting out JobRetentionPeriod.
	AutoDeleteSuccessfulJobs bool
}

// DefaultOptions returns Options with the documented defaults.
func DefaultOptions() Options {
	return Options{
		UseInMemoryCoordination:  false,
		RemoteKeyPrefix:          "taskbridge:",
		DefaultTaskTimeout:       30 * time.Minute,
		DefaultRetryBudget:       0,
		MaxConcurrentJobs:        runtime.GOMAXPROCS(0) * 5,
		JobExecutionTimeout:      1 * time.Hour,
		JobRetentionPeriod:       7 * 24 * time.Hour,
		CleanupInterval:          5 * time.Minute,
		EnableConsoleLogging:     true,
		EnableDetailedLogging:    false,
		AutoDeleteSuccessfulJobs: false,
	}
}

// NewOptions builds Options starting from DefaultOptions and applying
// opts in order.
func NewOptions(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option is a functional option mutating Options.
type Option func(*Options)

func WithInMemoryCoordination() Option {
	return func(o *Options) { o.UseInMemoryCoordination = true }
}

func WithRemoteStore(endpoint string) Option {
	return func(o *Options) { o.RemoteStoreEndpoint = endpoint }
}

func WithRemoteKeyPrefix(prefix string) Option {
	return func(o *Options) { o.RemoteKeyPrefix = prefix }
}

func WithDefaultTaskTimeout(d time.Duration) Option {
	return func(o *Options) { o.DefaultTaskTimeout = d }
}

func WithDefaultRetryBudget(n int) Option {
	return func(o *Options) { o.DefaultRetryBudget = n }
}

func WithMaxConcurrentJobs(n int) Option {
	return func(o *Options) { o.MaxConcurrentJobs = n }
}

func WithJobExecutionTimeout(d time.Duration) Option {
	return func(o *Options) { o.JobExecutionTimeout = d }
}

func WithJobRetentionPeriod(d time.Duration) Option {
	return func(o *Options) { o.JobRetentionPeriod = d }
}

func WithCleanupInterval(d time.Duration) Option {
	return func(o *Options) { o.CleanupInterval = d }
}

func WithConsoleLogging(enabled bool) Option {
	return func(o *Options) { o.EnableConsoleLogging = enabled }
}

func WithDetailedLogging(enabled bool) Option {
	return func(o *Options) { o.EnableDetailedLogging = enabled }
}

func WithAutoDeleteSuccessfulJobs(enabled bool) Option {
	return func(o *Options) { o.AutoDeleteSuccessfulJobs = enabled }
}

// Validate fails fast, reporting the first invalid field, matching the
// coordinator's own closed error-kind design instead of a bare error.
func (o Options) Validate() error {
	invalid := func(field, reason string) error {
		return coordinator.NewTaskError(coordinator.KindInvalidArgument, fmt.Sprintf("%s: %s", field, reason))
	}

	if !o.UseInMemoryCoordination && o.RemoteStoreEndpoint == "" {
		return invalid("remote_store_endpoint", "required when use_in_memory_coordination is false")
	}
	if o.RemoteKeyPrefix == "" {
		return invalid("remote_key_prefix", "must be non-empty")
	}
	if o.DefaultTaskTimeout <= 0 {
		return invalid("default_task_timeout", "must be > 0")
	}
	if o.DefaultRetryBudget < 0 {
		return invalid("default_retry_budget", "must be >= 0")
	}
	if o.MaxConcurrentJobs <= 0 {
		return invalid("max_concurrent_jobs", "must be > 0")
	}
	if o.JobExecutionTimeout <= 0 {
		return invalid("job_execution_timeout", "must be > 0")
	}
	if o.JobRetentionPeriod <= 0 {
		return invalid("job_retention_period", "must be > 0")
	}
	if o.CleanupInterval <= 0 {
		return invalid("cleanup_interval", "must be > 0")
	}

	return nil
}
