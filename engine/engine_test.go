package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/taskbridge"
	"github.com/xraph/taskbridge/backoff"
	"github.com/xraph/taskbridge/cron"
	"github.com/xraph/taskbridge/dlq"
	"github.com/xraph/taskbridge/engine"
	"github.com/xraph/taskbridge/id"
	"github.com/xraph/taskbridge/job"
	"github.com/xraph/taskbridge/store/memory"

	"github.com/xraph/forge"
)

// ──────────────────────────────────────────────────
// Test payloads
// ──────────────────────────────────────────────────

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

// ──────────────────────────────────────────────────
// End-to-end: Register → Enqueue → Process
// ──────────────────────────────────────────────────

func TestEngine_EndToEnd_RegisterEnqueueProcess(t *testing.T) {
	s := memory.New()
	d, err := dispatch.New(
		dispatch.WithStore(s),
		dispatch.WithConcurrency(2),
		dispatch.WithQueues([]string{"default"}),
	)
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	eng, err := engine.Build(d)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	var processed atomic.Bool
	var gotPayload emailPayload
	def := job.NewDefinition("send-email", func(_ context.Context, p emailPayload) error {
		gotPayload = p
		processed.Store(true)
		return nil
	})
	engine.Register(eng, def)

	// Enqueue.
	j, err := engine.Enqueue(context.Background(), eng, "send-email", emailPayload{
		To:      "alice@example.com",
		Subject: "Hello from Dispatch",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.Name != "send-email" {
		t.Errorf("job.Name = %q, want %q", j.Name, "send-email")
	}
	if j.State != job.StatePending {
		t.Errorf("job.State = %q, want %q", j.State, job.StatePending)
	}

	// Start processing.
	if startErr := eng.Start(context.Background()); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}

	// Wait for processing.
	deadline := time.After(5 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job to be processed")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	// Verify payload.
	if gotPayload.To != "alice@example.com" {
		t.Errorf("payload.To = %q, want %q", gotPayload.To, "alice@example.com")
	}
	if gotPayload.Subject != "Hello from Dispatch" {
		t.Errorf("payload.Subject = %q, want %q", gotPayload.Subject, "Hello from Dispatch")
	}

	// Verify job state in store.
	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateCompleted {
		t.Errorf("job.State = %q, want %q", got.State, job.StateCompleted)
	}

	// Stop.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Extension lifecycle events
// ──────────────────────────────────────────────────

type lifecycleTracker struct {
	enqueued      atomic.Bool
	started       atomic.Bool
	completed     atomic.Bool
	failed        atomic.Bool
	shutdown      atomic.Bool
	retryingCount atomic.Int32
	dlq           atomic.Bool

	// Cron hooks.
	cronFired      atomic.Bool
	cronFiredEntry atomic.Value // stores string
	cronFiredJobID atomic.Value // stores id.JobID
}

func (e *lifecycleTracker) Name() string { return "lifecycle-tracker" }

func (e *lifecycleTracker) OnJobEnqueued(_ context.Context, _ *job.Job) error {
	e.enqueued.Store(true)
	return nil
}

func (e *lifecycleTracker) OnJobStarted(_ context.Context, _ *job.Job) error {
	e.started.Store(true)
	return nil
}

func (e *lifecycleTracker) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.completed.Store(true)
	return nil
}

func (e *lifecycleTracker) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	e.failed.Store(true)
	return nil
}

func (e *lifecycleTracker) OnJobRetrying(_ context.Context, _ *job.Job, _ int, _ time.Time) error {
	e.retryingCount.Add(1)
	return nil
}

func (e *lifecycleTracker) OnJobDLQ(_ context.Context, _ *job.Job, _ error) error {
	e.dlq.Store(true)
	return nil
}

func (e *lifecycleTracker) OnShutdown(_ context.Context) error {
	e.shutdown.Store(true)
	return nil
}

func (e *lifecycleTracker) OnCronFired(_ context.Context, entryName string, jobID id.JobID) error {
	e.cronFired.Store(true)
	e.cronFiredEntry.Store(entryName)
	e.cronFiredJobID.Store(jobID)
	return nil
}

func TestEngine_ExtensionLifecycleEvents(t *testing.T) {
	s := memory.New()
	d, err := dispatch.New(dispatch.WithStore(s))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	tracker := &lifecycleTracker{}
	eng, err := engine.Build(d, engine.WithExtension(tracker))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	var processed atomic.Bool
	engine.Register(eng, job.NewDefinition("tracked-job", func(_ context.Context, _ struct{}) error {
		processed.Store(true)
		return nil
	}))

	// Enqueue fires OnJobEnqueued.
	_, err = engine.Enqueue(context.Background(), eng, "tracked-job", struct{}{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !tracker.enqueued.Load() {
		t.Error("expected OnJobEnqueued to fire on enqueue")
	}

	// Start and wait for processing.
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	// Give extensions a moment to fire.
	time.Sleep(50 * time.Millisecond)

	if !tracker.started.Load() {
		t.Error("expected OnJobStarted to fire")
	}
	if !tracker.completed.Load() {
		t.Error("expected OnJobCompleted to fire")
	}

	// Stop fires OnShutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if !tracker.shutdown.Load() {
		t.Error("expected OnShutdown to fire on stop")
	}
}

// ──────────────────────────────────────────────────
// Failed job triggers OnJobFailed
// ──────────────────────────────────────────────────

func TestEngine_FailedJobExtension(t *testing.T) {
	s := memory.New()
	d, err := dispatch.New(dispatch.WithStore(s))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	tracker := &lifecycleTracker{}
	eng, err := engine.Build(d, engine.WithExtension(tracker))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	var processed atomic.Bool
	engine.Register(eng, job.NewDefinition("failing-job", func(_ context.Context, _ struct{}) error {
		processed.Store(true)
		return errors.New("intentional failure")
	}))

	// MaxRetries=0 so the job goes directly to DLQ/failed with no retries.
	if _, err := engine.Enqueue(context.Background(), eng, "failing-job", struct{}{},
		job.WithMaxRetries(0),
	); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	// Give extensions a moment to fire.
	time.Sleep(50 * time.Millisecond)

	if !tracker.failed.Load() {
		t.Error("expected OnJobFailed to fire for failing job")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Scope capture and restore
// ──────────────────────────────────────────────────

func TestEngine_ScopePassthrough(t *testing.T) {
	s := memory.New()
	d, err := dispatch.New(dispatch.WithStore(s))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	eng, err := engine.Build(d)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	var gotAppID, gotOrgID string
	var processed atomic.Bool
	engine.Register(eng, job.NewDefinition("scoped-job", func(ctx context.Context, _ struct{}) error {
		sc, ok := forge.ScopeFrom(ctx)
		if ok {
			gotAppID = sc.AppID()
			gotOrgID = sc.OrgID()
		}
		processed.Store(true)
		return nil
	}))

	// Enqueue with scope in context.
	ctx := forge.WithScope(context.Background(), forge.NewOrgScope("app_123", "org_456"))
	if _, err := engine.Enqueue(ctx, eng, "scoped-job", struct{}{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	if gotAppID != "app_123" {
		t.Errorf("appID = %q, want %q", gotAppID, "app_123")
	}
	if gotOrgID != "org_456" {
		t.Errorf("orgID = %q, want %q", gotOrgID, "org_456")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Graceful shutdown drains queue
// ──────────────────────────────────────────────────

func TestEngine_GracefulShutdown(t *testing.T) {
	s := memory.New()
	d, err := dispatch.New(dispatch.WithStore(s), dispatch.WithConcurrency(4))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	eng, err := engine.Build(d)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	engine.Register(eng, job.NewDefinition("noop", func(_ context.Context, _ struct{}) error {
		return nil
	}))

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Let the pool start.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Enqueue with options
// ──────────────────────────────────────────────────

func TestEngine_EnqueueWithOptions(t *testing.T) {
	s := memory.New()
	d, err := dispatch.New(dispatch.WithStore(s))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	eng, err := engine.Build(d)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	engine.Register(eng, job.NewDefinition("priority-job", func(_ context.Context, _ struct{}) error {
		return nil
	}))

	scheduled := time.Now().Add(1 * time.Hour)
	j, err := engine.Enqueue(context.Background(), eng, "priority-job", struct{}{},
		job.WithQueue("critical"),
		job.WithPriority(10),
		job.WithMaxRetries(5),
		job.WithRunAt(scheduled),
	)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if j.Queue != "critical" {
		t.Errorf("Queue = %q, want %q", j.Queue, "critical")
	}
	if j.Priority != 10 {
		t.Errorf("Priority = %d, want %d", j.Priority, 10)
	}
	if j.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want %d", j.MaxRetries, 5)
	}
	if !j.RunAt.Equal(scheduled) {
		t.Errorf("RunAt = %v, want %v", j.RunAt, scheduled)
	}
}

// ──────────────────────────────────────────────────
// Build errors
// ──────────────────────────────────────────────────

func TestEngine_BuildNoStore(t *testing.T) {
	d, err := dispatch.New()
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	_, err = engine.Build(d)
	if !errors.Is(err, dispatch.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got: %v", err)
	}
}

// badStore only implements Storer but not job.Store.
type badStore struct{}

func (badStore) Migrate(_ context.Context) error { return nil }
func (badStore) Ping(_ context.Context) error    { return nil }
func (badStore) Close() error                    { return nil }

func TestEngine_BuildBadStore(t *testing.T) {
	d, err := dispatch.New(dispatch.WithStore(badStore{}))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	_, err = engine.Build(d)
	if err == nil {
		t.Fatal("expected error for store that doesn't implement job.Store")
	}
}

// ──────────────────────────────────────────────────
// Multiple jobs processed concurrently
// ──────────────────────────────────────────────────

func TestEngine_ConcurrentJobs(t *testing.T) {
	s := memory.New()
	d, err := dispatch.New(
		dispatch.WithStore(s),
		dispatch.WithConcurrency(4),
		dispatch.WithLogger(slog.Default()),
	)
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	eng, err := engine.Build(d)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	var count atomic.Int32
	engine.Register(eng, job.NewDefinition("counter", func(_ context.Context, _ struct{}) error {
		count.Add(1)
		time.Sleep(10 * time.Millisecond) // Simulate work.
		return nil
	}))

	// Enqueue 20 jobs.
	for range 20 {
		if _, err := engine.Enqueue(context.Background(), eng, "counter", struct{}{}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for all jobs.
	deadline := time.After(10 * time.Second)
	for count.Load() < 20 {
		select {
		case <-deadline:
			t.Fatalf("timed out: only %d/20 jobs processed", count.Load())
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := count.Load(); got != 20 {
		t.Errorf("processed %d jobs, want 20", got)
	}
}

// ──────────────────────────────────────────────────
// Phase 3: Retry, Backoff & DLQ
// ──────────────────────────────────────────────────

func TestEngine_RetryThenSucceed(t *testing.T) {
	s := memory.New()
	d, err := dispatch.New(dispatch.WithStore(s))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	tracker := &lifecycleTracker{}
	eng, err := engine.Build(d,
		engine.WithExtension(tracker),
		engine.WithBackoff(backoff.NewConstant(10*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	// Handler fails first 2 calls, succeeds on 3rd.
	var attempts atomic.Int32
	var processed atomic.Bool
	engine.Register(eng, job.NewDefinition("retry-succeed", func(_ context.Context, _ struct{}) error {
		n := attempts.Add(1)
		if n <= 2 {
			return errors.New("transient error")
		}
		processed.Store(true)
		return nil
	}))

	j, err := engine.Enqueue(context.Background(), eng, "retry-succeed", struct{}{},
		job.WithMaxRetries(3),
	)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if startErr := eng.Start(context.Background()); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}

	deadline := time.After(10 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job to succeed after retries")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	// Give extensions a moment to fire.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if stopErr := eng.Stop(ctx); stopErr != nil {
		t.Fatalf("Stop: %v", stopErr)
	}

	// Verify job state.
	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateCompleted {
		t.Errorf("job state = %q, want %q", got.State, job.StateCompleted)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}

	// Verify extensions.
	if tracker.retryingCount.Load() != 2 {
		t.Errorf("retrying events = %d, want 2", tracker.retryingCount.Load())
	}
	if tracker.dlq.Load() {
		t.Error("expected no DLQ event")
	}
	if !tracker.completed.Load() {
		t.Error("expected OnJobCompleted to fire")
	}
}

func TestEngine_ExhaustRetriesToDLQ(t *testing.T) {
	s := memory.New()
	d, err := dispatch.New(dispatch.WithStore(s))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	tracker := &lifecycleTracker{}
	eng, err := engine.Build(d,
		engine.WithExtension(tracker),
		engine.WithBackoff(backoff.NewConstant(10*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	// Handler always fails.
	var attempts atomic.Int32
	engine.Register(eng, job.NewDefinition("always-fail", func(_ context.Context, _ struct{}) error {
		attempts.Add(1)
		return errors.New("permanent error")
	}))

	j, err := engine.Enqueue(context.Background(), eng, "always-fail", struct{}{},
		job.WithMaxRetries(2),
	)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if startErr := eng.Start(context.Background()); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}

	// Wait for the job to exhaust retries and hit DLQ.
	deadline := time.After(10 * time.Second)
	for !tracker.dlq.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job to reach DLQ")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	// Give extensions a moment to fire.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if stopErr := eng.Stop(ctx); stopErr != nil {
		t.Fatalf("Stop: %v", stopErr)
	}

	// Verify job state.
	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateFailed {
		t.Errorf("job state = %q, want %q", got.State, job.StateFailed)
	}

	// Verify DLQ.
	dlqCount, err := s.CountDLQ(context.Background())
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if dlqCount != 1 {
		t.Errorf("DLQ count = %d, want 1", dlqCount)
	}

	// Verify extensions.
	if !tracker.failed.Load() {
		t.Error("expected OnJobFailed to fire")
	}
	if !tracker.dlq.Load() {
		t.Error("expected OnJobDLQ to fire")
	}
	if tracker.retryingCount.Load() != 2 {
		t.Errorf("retrying events = %d, want 2", tracker.retryingCount.Load())
	}
}

func TestEngine_DLQReplay(t *testing.T) {
	s := memory.New()
	d, err := dispatch.New(dispatch.WithStore(s))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	tracker := &lifecycleTracker{}
	eng, err := engine.Build(d,
		engine.WithExtension(tracker),
		engine.WithBackoff(backoff.NewConstant(10*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	// Phase 1: Handler fails on its first attempt, sending the job to the DLQ.
	var attempts atomic.Int32
	var succeeded atomic.Bool
	engine.Register(eng, job.NewDefinition("replay-job", func(_ context.Context, _ struct{}) error {
		n := attempts.Add(1)
		if n <= 1 {
			return errors.New("initial failure")
		}
		succeeded.Store(true)
		return nil
	}))

	_, err = engine.Enqueue(context.Background(), eng, "replay-job", struct{}{},
		job.WithMaxRetries(0), // No retries — go straight to DLQ.
	)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if startErr := eng.Start(context.Background()); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}

	// Wait for DLQ.
	deadline := time.After(10 * time.Second)
	for !tracker.dlq.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job to reach DLQ")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	// Give it a moment for store updates.
	time.Sleep(50 * time.Millisecond)

	// Find the DLQ entry.
	dlqStore := eng.DLQService().DLQStore()
	entries, listErr := dlqStore.ListDLQ(context.Background(), dlq.ListOpts{})
	if listErr != nil {
		t.Fatalf("ListDLQ: %v", listErr)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 DLQ entry, got %d", len(entries))
	}

	// Phase 2: Replay the DLQ entry. The handler will succeed on the 2nd attempt.
	replayedJob, replayErr := eng.DLQService().Replay(context.Background(), entries[0].ID)
	if replayErr != nil {
		t.Fatalf("Replay: %v", replayErr)
	}

	// Wait for the replayed job to succeed.
	deadline = time.After(10 * time.Second)
	for !succeeded.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for replayed job to succeed")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	// Give store time to update.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if stopErr := eng.Stop(ctx); stopErr != nil {
		t.Fatalf("Stop: %v", stopErr)
	}

	// Verify replayed job state.
	got, err := s.GetJob(context.Background(), replayedJob.ID)
	if err != nil {
		t.Fatalf("GetJob for replayed job: %v", err)
	}
	if got.State != job.StateCompleted {
		t.Errorf("replayed job state = %q, want %q", got.State, job.StateCompleted)
	}

	// Verify DLQ entry has ReplayedAt set.
	entry, err := dlqStore.GetDLQ(context.Background(), entries[0].ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if entry.ReplayedAt == nil {
		t.Error("expected DLQ entry ReplayedAt to be set after replay")
	}
}

func TestEngine_ZeroRetries_DirectToDLQ(t *testing.T) {
	s := memory.New()
	d, err := dispatch.New(dispatch.WithStore(s))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	tracker := &lifecycleTracker{}
	eng, err := engine.Build(d,
		engine.WithExtension(tracker),
		engine.WithBackoff(backoff.NewConstant(10*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	var processed atomic.Bool
	engine.Register(eng, job.NewDefinition("zero-retry-job", func(_ context.Context, _ struct{}) error {
		processed.Store(true)
		return errors.New("immediate failure")
	}))

	_, err = engine.Enqueue(context.Background(), eng, "zero-retry-job", struct{}{},
		job.WithMaxRetries(0),
	)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if startErr := eng.Start(context.Background()); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}

	// Wait for DLQ event.
	deadline := time.After(10 * time.Second)
	for !tracker.dlq.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for DLQ event")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if stopErr := eng.Stop(ctx); stopErr != nil {
		t.Fatalf("Stop: %v", stopErr)
	}

	// No retries should have fired.
	if tracker.retryingCount.Load() != 0 {
		t.Errorf("retrying events = %d, want 0", tracker.retryingCount.Load())
	}

	// DLQ and failed should have fired.
	if !tracker.dlq.Load() {
		t.Error("expected OnJobDLQ to fire")
	}
	if !tracker.failed.Load() {
		t.Error("expected OnJobFailed to fire")
	}

	// Verify DLQ count.
	dlqCount, err := s.CountDLQ(context.Background())
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if dlqCount != 1 {
		t.Errorf("DLQ count = %d, want 1", dlqCount)
	}
}

// ──────────────────────────────────────────────────
// Phase 5: Cron Scheduling
// ──────────────────────────────────────────────────

type cronPayload struct {
	Report string `json:"report"`
}

func TestEngine_CronFiresAndEnqueuesJob(t *testing.T) {
	s := memory.New()
	d, err := dispatch.New(dispatch.WithStore(s))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	eng, err := engine.Build(d)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	// Register the job handler that the cron will enqueue.
	var processed atomic.Bool
	var gotPayload atomic.Value
	engine.Register(eng, job.NewDefinition("daily-report", func(_ context.Context, p cronPayload) error {
		gotPayload.Store(p)
		processed.Store(true)
		return nil
	}))

	// Register a cron that fires every second.
	ctx := context.Background()
	err = engine.RegisterCron(ctx, eng, &cron.Definition[cronPayload]{
		Name:     "daily-report-cron",
		Schedule: "@every 1s",
		JobName:  "daily-report",
		Payload:  cronPayload{Report: "sales"},
	})
	if err != nil {
		t.Fatalf("RegisterCron: %v", err)
	}

	// Start the engine (starts pool + scheduler).
	if startErr := eng.Start(ctx); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}

	// Wait for the job handler to be invoked (cron fires → enqueues → pool processes).
	deadline := time.After(10 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for cron-enqueued job to be processed")
		default:
			time.Sleep(50 * time.Millisecond)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if stopErr := eng.Stop(stopCtx); stopErr != nil {
		t.Fatalf("Stop: %v", stopErr)
	}

	// Verify payload round-tripped correctly.
	payload, ok := gotPayload.Load().(cronPayload)
	if !ok {
		t.Fatal("expected cronPayload to be stored")
	}
	if payload.Report != "sales" {
		t.Errorf("payload.Report = %q, want %q", payload.Report, "sales")
	}

	// Verify cron entry was updated.
	entries, err := s.ListCrons(context.Background())
	if err != nil {
		t.Fatalf("ListCrons: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 cron entry, got %d", len(entries))
	}
	if entries[0].LastRunAt == nil {
		t.Error("expected LastRunAt to be set after cron fired")
	}
}

func TestEngine_CronDisabledSkipped(t *testing.T) {
	s := memory.New()
	d, err := dispatch.New(dispatch.WithStore(s))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	eng, err := engine.Build(d)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	var processed atomic.Bool
	engine.Register(eng, job.NewDefinition("disabled-job", func(_ context.Context, _ struct{}) error {
		processed.Store(true)
		return nil
	}))

	ctx := context.Background()

	// Register a cron entry.
	err = engine.RegisterCron(ctx, eng, &cron.Definition[struct{}]{
		Name:     "disabled-cron",
		Schedule: "@every 1s",
		JobName:  "disabled-job",
		Payload:  struct{}{},
	})
	if err != nil {
		t.Fatalf("RegisterCron: %v", err)
	}

	// Disable it before starting.
	entries, err := s.ListCrons(ctx)
	if err != nil {
		t.Fatalf("ListCrons: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 cron entry, got %d", len(entries))
	}
	entries[0].Enabled = false
	if updateErr := s.UpdateCronEntry(ctx, entries[0]); updateErr != nil {
		t.Fatalf("UpdateCronEntry: %v", updateErr)
	}

	if startErr := eng.Start(ctx); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}

	// Wait a bit — disabled cron should not fire.
	time.Sleep(2 * time.Second)

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if stopErr := eng.Stop(stopCtx); stopErr != nil {
		t.Fatalf("Stop: %v", stopErr)
	}

	if processed.Load() {
		t.Error("disabled cron should not have fired, but job was processed")
	}
}

func TestEngine_CronExtensionHookFires(t *testing.T) {
	s := memory.New()
	d, err := dispatch.New(dispatch.WithStore(s))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	tracker := &lifecycleTracker{}
	eng, err := engine.Build(d, engine.WithExtension(tracker))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	engine.Register(eng, job.NewDefinition("hook-job", func(_ context.Context, _ struct{}) error {
		return nil
	}))

	ctx := context.Background()
	err = engine.RegisterCron(ctx, eng, &cron.Definition[struct{}]{
		Name:     "hook-cron",
		Schedule: "@every 1s",
		JobName:  "hook-job",
		Payload:  struct{}{},
	})
	if err != nil {
		t.Fatalf("RegisterCron: %v", err)
	}

	if startErr := eng.Start(ctx); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}

	// Wait for the cron hook to fire.
	deadline := time.After(5 * time.Second)
	for !tracker.cronFired.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for OnCronFired hook")
		default:
			time.Sleep(50 * time.Millisecond)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if stopErr := eng.Stop(stopCtx); stopErr != nil {
		t.Fatalf("Stop: %v", stopErr)
	}

	// Verify the hook received the correct entry name.
	entryName, ok := tracker.cronFiredEntry.Load().(string)
	if !ok || entryName != "hook-cron" {
		t.Errorf("OnCronFired entry = %q, want %q", entryName, "hook-cron")
	}
}

func TestEngine_RegisterCronIdempotent(t *testing.T) {
	s := memory.New()
	d, err := dispatch.New(dispatch.WithStore(s))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	eng, err := engine.Build(d)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	engine.Register(eng, job.NewDefinition("idempotent-job", func(_ context.Context, _ struct{}) error {
		return nil
	}))

	ctx := context.Background()
	def := &cron.Definition[struct{}]{
		Name:     "idempotent-cron",
		Schedule: "@every 1s",
		JobName:  "idempotent-job",
		Payload:  struct{}{},
	}

	// First registration.
	if regErr := engine.RegisterCron(ctx, eng, def); regErr != nil {
		t.Fatalf("first RegisterCron: %v", regErr)
	}

	// Second registration should be idempotent.
	if regErr := engine.RegisterCron(ctx, eng, def); regErr != nil {
		t.Fatalf("second RegisterCron should be idempotent: %v", regErr)
	}

	// Verify only one entry exists.
	entries, err := s.ListCrons(ctx)
	if err != nil {
		t.Fatalf("ListCrons: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 cron entry after idempotent registration, got %d", len(entries))
	}
}

func TestEngine_RegisterCronInvalidSchedule(t *testing.T) {
	s := memory.New()
	d, err := dispatch.New(dispatch.WithStore(s))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	eng, err := engine.Build(d)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	err = engine.RegisterCron(context.Background(), eng, &cron.Definition[struct{}]{
		Name:     "bad-cron",
		Schedule: "not-a-valid-schedule",
		JobName:  "noop",
		Payload:  struct{}{},
	})
	if err == nil {
		t.Fatal("expected error for invalid cron schedule")
	}
}
