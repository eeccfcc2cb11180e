package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/taskbridge"
	"github.com/xraph/taskbridge/coordinator"
	"github.com/xraph/taskbridge/cron"
	"github.com/xraph/taskbridge/engine"
	"github.com/xraph/taskbridge/id"
	"github.com/xraph/taskbridge/job"
)

// Facade is the thin mapping from user operations to Job Engine
// primitives. It carries no heavy logic of its own; every operation
// delegates to engine.Enqueue, the coordinator, or cron.Store.
type Facade struct {
	eng    *engine.Engine
	coord  coordinator.Coordinator
	opts   Options
	logger *slog.Logger
}

// NewFacade validates opts and builds a Facade wired to eng and coord.
// RegisterBridge must be called separately with the same coordinator
// so the engine's worker pool can deliver completions.
func NewFacade(eng *engine.Engine, coord coordinator.Coordinator, opts Options, logger *slog.Logger) (*Facade, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{eng: eng, coord: coord, opts: opts, logger: logger}, nil
}

// Enqueue submits a fire-and-forget invocation of displayName.
func Enqueue[T any](ctx context.Context, f *Facade, displayName string, request T) error {
	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("rpc: marshal request: %w", err)
	}

	req := InvokeRequest{
		DisplayName: displayName,
		HandlerName: displayName,
		Request:     data,
		RetryBudget: f.opts.DefaultRetryBudget,
	}
	if err := req.validate(); err != nil {
		return err
	}

	_, err = engine.Enqueue(ctx, f.eng, InvokeName, req)
	return err
}

// EnqueueWithResult submits displayName and blocks for its typed
// result. task_id is created before the job is enqueued and cleaned up
// on every exit path, whether the call succeeds, fails, times out, or
// is cancelled.
func EnqueueWithResult[Req, Resp any](ctx context.Context, f *Facade, displayName string, request Req, retryBudget int) (Resp, error) {
	var zero Resp

	data, err := json.Marshal(request)
	if err != nil {
		return zero, fmt.Errorf("rpc: marshal request: %w", err)
	}

	pre := InvokeRequest{DisplayName: displayName, Request: data, RetryBudget: retryBudget}
	if err := pre.validate(); err != nil {
		return zero, err
	}

	taskID, err := f.coord.CreateTask(ctx, displayName)
	if err != nil {
		return zero, err
	}
	defer func() {
		if cerr := f.coord.CleanupTask(context.WithoutCancel(ctx), taskID); cerr != nil {
			f.logger.Warn("rpc: cleanup task failed", slog.String("task_id", taskID.String()), slog.String("error", cerr.Error()))
		}
	}()

	req := InvokeRequest{
		DisplayName: displayName,
		HandlerName: displayName,
		Request:     data,
		TaskID:      taskID,
		RetryBudget: retryBudget,
	}
	if _, err := engine.Enqueue(ctx, f.eng, InvokeName, req); err != nil {
		return zero, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.opts.DefaultTaskTimeout)
	defer cancel()

	env, err := f.coord.WaitForCompletion(waitCtx, taskID)
	if err != nil {
		return zero, err
	}

	var result Resp
	if err := env.Outcome(&result); err != nil {
		return zero, err
	}
	return result, nil
}

// Schedule delegates a delayed, fire-and-forget invocation to the Job
// Engine's scheduling primitive.
func (f *Facade) Schedule(ctx context.Context, displayName string, request any, at time.Time) (id.JobID, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return id.Nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	req := InvokeRequest{
		DisplayName: displayName,
		HandlerName: displayName,
		Request:     data,
		RetryBudget: f.opts.DefaultRetryBudget,
	}
	if err := req.validate(); err != nil {
		return id.Nil, err
	}

	j, err := engine.Enqueue(ctx, f.eng, InvokeName, req, job.WithRunAt(at))
	if err != nil {
		return id.Nil, err
	}
	return j.ID, nil
}

// AddOrUpdateCron delegates to the Job Engine's cron store, upserting
// by name since cron.Store has no separate create-vs-update call. zone
// is applied using robfig/cron's "CRON_TZ=<zone> <expr>" prefix
// convention, the same parser cron.ParseSchedule already uses.
func (f *Facade) AddOrUpdateCron(ctx context.Context, name string, request any, cronExpr string, zone *time.Location) error {
	if zone != nil {
		cronExpr = fmt.Sprintf("CRON_TZ=%s %s", zone.String(), cronExpr)
	}

	sched, err := cron.ParseSchedule(cronExpr)
	if err != nil {
		return coordinator.NewTaskError(coordinator.KindInvalidArgument, fmt.Sprintf("invalid cron schedule %q: %v", cronExpr, err))
	}

	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("rpc: marshal cron request: %w", err)
	}
	payload, err := json.Marshal(InvokeRequest{
		DisplayName: name,
		HandlerName: name,
		Request:     data,
		RetryBudget: f.opts.DefaultRetryBudget,
	})
	if err != nil {
		return fmt.Errorf("rpc: marshal cron invocation: %w", err)
	}

	now := time.Now().UTC()
	next := sched.Next(now)

	store := f.eng.CronStore()
	entries, err := store.ListCrons(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name != name {
			continue
		}
		e.Schedule = cronExpr
		e.Payload = payload
		e.NextRunAt = &next
		e.Enabled = true
		return store.UpdateCronEntry(ctx, e)
	}

	entry := &cron.Entry{
		Entity:    dispatch.NewEntity(),
		ID:        id.NewCronID(),
		Name:      name,
		Schedule:  cronExpr,
		JobName:   InvokeName,
		Payload:   payload,
		NextRunAt: &next,
		Enabled:   true,
	}
	return store.RegisterCron(ctx, entry)
}

// Trigger forces the named cron entry to fire on the scheduler's next
// tick by clearing its lock and moving NextRunAt to now. cron.Store has
// no direct "run now" primitive, so this is the smallest change that
// makes the entry due immediately without touching the scheduler.
func (f *Facade) Trigger(ctx context.Context, name string) error {
	store := f.eng.CronStore()
	entries, err := store.ListCrons(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name != name {
			continue
		}
		now := time.Now().UTC()
		e.NextRunAt = &now
		e.LockedBy = ""
		e.LockedUntil = nil
		return store.UpdateCronEntry(ctx, e)
	}
	return coordinator.NewTaskError(coordinator.KindNotFound, "cron entry not found: "+name)
}

// Remove deletes the named cron entry.
func (f *Facade) Remove(ctx context.Context, name string) error {
	store := f.eng.CronStore()
	entries, err := store.ListCrons(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == name {
			return store.DeleteCron(ctx, e.ID)
		}
	}
	return coordinator.NewTaskError(coordinator.KindNotFound, "cron entry not found: "+name)
}
