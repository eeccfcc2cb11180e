package rpc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/taskbridge"
	"github.com/xraph/taskbridge/backoff"
	"github.com/xraph/taskbridge/coordinator"
	coordmemory "github.com/xraph/taskbridge/coordinator/memory"
	"github.com/xraph/taskbridge/engine"
	"github.com/xraph/taskbridge/handler"
	"github.com/xraph/taskbridge/rpc"
	"github.com/xraph/taskbridge/store/memory"
)

func newFacadeTestSetup(t *testing.T) (*engine.Engine, *coordmemory.Coordinator, *handler.Dispatcher) {
	t.Helper()
	s := memory.New()
	d, err := dispatch.New(dispatch.WithStore(s))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	eng, err := engine.Build(d, engine.WithBackoff(backoff.NewConstant(5*time.Millisecond)))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	dispatcher := handler.NewDispatcher()
	coord := coordmemory.New(5 * time.Second)
	t.Cleanup(func() { coord.Close() })
	return eng, coord, dispatcher
}

func newTestFacade(t *testing.T, eng *engine.Engine, coord coordinator.Coordinator) *rpc.Facade {
	t.Helper()
	f, err := rpc.NewFacade(eng, coord, rpc.NewOptions(rpc.WithInMemoryCoordination(), rpc.WithDefaultTaskTimeout(2*time.Second)), nil)
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}
	return f
}

func TestFacade_EnqueueWithResultRoundTrip(t *testing.T) {
	eng, coord, dispatcher := newFacadeTestSetup(t)
	handler.Register(dispatcher, "multiply", func(_ context.Context, req addRequest) (int, error) {
		return req.X * req.Y, nil
	})
	rpc.RegisterBridge(eng, dispatcher, coord)
	f := newTestFacade(t, eng, coord)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop(context.Background())

	result, err := rpc.EnqueueWithResult[addRequest, int](context.Background(), f, "multiply", addRequest{X: 4, Y: 5}, 0)
	if err != nil {
		t.Fatalf("EnqueueWithResult: %v", err)
	}
	if result != 20 {
		t.Errorf("result = %d, want 20", result)
	}
}

func TestFacade_EnqueueFireAndForget(t *testing.T) {
	eng, coord, dispatcher := newFacadeTestSetup(t)
	done := make(chan struct{})
	handler.Register(dispatcher, "notify", func(_ context.Context, _ addRequest) (any, error) {
		close(done)
		return nil, nil
	})
	rpc.RegisterBridge(eng, dispatcher, coord)
	f := newTestFacade(t, eng, coord)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop(context.Background())

	if err := rpc.Enqueue(context.Background(), f, "notify", addRequest{X: 1, Y: 2}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fire-and-forget handler")
	}
}

func TestFacade_EnqueueWithResultPropagatesTimeout(t *testing.T) {
	eng, coord, dispatcher := newFacadeTestSetup(t)
	block := make(chan struct{})
	handler.Register(dispatcher, "slow", func(ctx context.Context, _ addRequest) (int, error) {
		<-block
		return 0, nil
	})
	rpc.RegisterBridge(eng, dispatcher, coord)

	f, err := rpc.NewFacade(eng, coord, rpc.NewOptions(rpc.WithInMemoryCoordination(), rpc.WithDefaultTaskTimeout(50*time.Millisecond)), nil)
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		close(block)
		eng.Stop(context.Background())
	}()

	_, err = rpc.EnqueueWithResult[addRequest, int](context.Background(), f, "slow", addRequest{}, 0)
	var taskErr *coordinator.TaskError
	if !errors.As(err, &taskErr) || taskErr.Kind != coordinator.KindTimeout {
		t.Fatalf("want KindTimeout, got %v", err)
	}
}

func TestFacade_ScheduleDelaysExecution(t *testing.T) {
	eng, coord, dispatcher := newFacadeTestSetup(t)
	handler.Register(dispatcher, "scheduled", func(_ context.Context, _ addRequest) (any, error) {
		return nil, nil
	})
	rpc.RegisterBridge(eng, dispatcher, coord)
	f := newTestFacade(t, eng, coord)

	jobID, err := f.Schedule(context.Background(), "scheduled", addRequest{}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if jobID.IsNil() {
		t.Fatal("expected a non-nil job id")
	}
}

func TestFacade_CronLifecycle(t *testing.T) {
	eng, coord, dispatcher := newFacadeTestSetup(t)
	handler.Register(dispatcher, "cron-job", func(_ context.Context, _ addRequest) (any, error) {
		return nil, nil
	})
	rpc.RegisterBridge(eng, dispatcher, coord)
	f := newTestFacade(t, eng, coord)

	ctx := context.Background()
	if err := f.AddOrUpdateCron(ctx, "nightly", addRequest{X: 1}, "@every 1h", nil); err != nil {
		t.Fatalf("AddOrUpdateCron: %v", err)
	}

	entries, err := eng.CronStore().ListCrons(ctx)
	if err != nil {
		t.Fatalf("ListCrons: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "nightly" {
		t.Fatalf("unexpected cron entries: %+v", entries)
	}

	// Upsert: registering again under the same name updates in place.
	if err := f.AddOrUpdateCron(ctx, "nightly", addRequest{X: 2}, "@every 2h", nil); err != nil {
		t.Fatalf("AddOrUpdateCron (update): %v", err)
	}
	entries, err = eng.CronStore().ListCrons(ctx)
	if err != nil {
		t.Fatalf("ListCrons: %v", err)
	}
	if len(entries) != 1 || entries[0].Schedule != "@every 2h" {
		t.Fatalf("expected upsert in place, got: %+v", entries)
	}

	if err := f.Trigger(ctx, "nightly"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	if err := f.Remove(ctx, "nightly"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	entries, err = eng.CronStore().ListCrons(ctx)
	if err != nil {
		t.Fatalf("ListCrons: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no cron entries after Remove, got %d", len(entries))
	}
}

func TestFacade_TriggerUnknownCronIsNotFound(t *testing.T) {
	eng, coord, _ := newFacadeTestSetup(t)
	f := newTestFacade(t, eng, coord)

	err := f.Trigger(context.Background(), "nonexistent")
	var taskErr *coordinator.TaskError
	if !errors.As(err, &taskErr) || taskErr.Kind != coordinator.KindNotFound {
		t.Fatalf("want KindNotFound, got %v", err)
	}
}

func TestFacade_ValidateRejectsBadOptions(t *testing.T) {
	eng, coord, _ := newFacadeTestSetup(t)
	_, err := rpc.NewFacade(eng, coord, rpc.Options{}, nil)
	var taskErr *coordinator.TaskError
	if !errors.As(err, &taskErr) || taskErr.Kind != coordinator.KindInvalidArgument {
		t.Fatalf("want KindInvalidArgument, got %v", err)
	}
}
