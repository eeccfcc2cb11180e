package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/taskbridge/backoff"
	"github.com/xraph/taskbridge/coordinator"
	"github.com/xraph/taskbridge/engine"
	"github.com/xraph/taskbridge/handler"
	"github.com/xraph/taskbridge/id"
	"github.com/xraph/taskbridge/job"
)

// tracerName is the instrumentation scope name for the rpc.invoke span.
const tracerName = "github.com/xraph/taskbridge/rpc"

// InvokeName is the single job name every rpc invocation is enqueued
// under. The bridge routes to the correct user handler via HandlerName,
// so the Job Engine only ever needs to know about one job definition.
const InvokeName = "rpc.invoke"

// InvokeRequest is the payload the facade enqueues and the bridge job
// handler receives.
type InvokeRequest struct {
	// DisplayName is a human-readable label for logs and dashboards; it
	// need not match HandlerName.
	DisplayName string `json:"display_name"`

	// HandlerName identifies the registered handler.Dispatcher entry
	// to invoke.
	HandlerName string `json:"handler_name"`

	// Request is the raw JSON request forwarded to the handler.
	Request json.RawMessage `json:"request"`

	// TaskID is the coordinator task to complete on terminal outcome.
	// The zero id.ID marks a fire-and-forget invocation.
	TaskID id.TaskID `json:"task_id,omitempty"`

	// RetryBudget is the number of additional attempts allowed after
	// the first failure; 0 means one attempt total.
	RetryBudget int `json:"retry_budget"`
}

func (r InvokeRequest) validate() error {
	if r.DisplayName == "" {
		return coordinator.NewTaskError(coordinator.KindInvalidArgument, "display name must be non-empty")
	}
	if len(r.Request) == 0 || string(r.Request) == "null" {
		return coordinator.NewTaskError(coordinator.KindInvalidArgument, "request must be non-null")
	}
	if r.RetryBudget < 0 {
		return coordinator.NewTaskError(coordinator.KindInvalidArgument, "retry budget must be >= 0")
	}
	return nil
}

func (r InvokeRequest) hasTask() bool { return !r.TaskID.IsNil() }

// BridgeOption configures RegisterBridge.
type BridgeOption func(*bridgeConfig)

type bridgeConfig struct {
	backoff backoff.Strategy
	logger  *slog.Logger
}

// WithBackoff overrides the bridge's retry backoff strategy. The
// default is a plain exponential (base 1s, capped at 30s, no jitter)
// matching the distilled 2^(n-1) schedule exactly; pass
// backoff.DefaultStrategy() (or any other Strategy) to opt into
// jitter, mirroring engine.WithBackoff.
func WithBackoff(bo backoff.Strategy) BridgeOption {
	return func(c *bridgeConfig) { c.backoff = bo }
}

// WithBridgeLogger sets the bridge's logger.
func WithBridgeLogger(l *slog.Logger) BridgeOption {
	return func(c *bridgeConfig) { c.logger = l }
}

// RegisterBridge registers the single shared bridge job definition with
// the engine. dispatcher resolves HandlerName to a user handler; coord
// receives the terminal envelope for response-bearing invocations.
func RegisterBridge(eng *engine.Engine, dispatcher *handler.Dispatcher, coord coordinator.Coordinator, opts ...BridgeOption) {
	cfg := &bridgeConfig{
		backoff: backoff.NewExponential(time.Second, 30*time.Second),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(cfg)
	}

	def := job.NewDefinition(InvokeName, bridgeHandler(eng, dispatcher, coord, cfg.backoff, cfg.logger))
	engine.Register(eng, def)
}

func bridgeHandler(eng *engine.Engine, dispatcher *handler.Dispatcher, coord coordinator.Coordinator, bo backoff.Strategy, logger *slog.Logger) func(context.Context, InvokeRequest) error {
	tracer := eng.TracerProvider()
	var tr trace.Tracer
	if tracer != nil {
		tr = tracer.Tracer(tracerName)
	} else {
		tr = otel.Tracer(tracerName)
	}

	return func(ctx context.Context, req InvokeRequest) error {
		ctx, span := tr.Start(ctx, "rpc.invoke", trace.WithAttributes(
			attribute.String("rpc.handler_name", req.HandlerName),
			attribute.String("rpc.display_name", req.DisplayName),
		))
		defer span.End()

		finish := func(attempts int, err error) {
			span.SetAttributes(attribute.Int("rpc.attempts", attempts))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
		}

		start := time.Now()
		if err := req.validate(); err != nil {
			finish(0, err)
			return completeOrReturn(ctx, eng, coord, logger, req, nil, err, 0, start)
		}

		maxAttempts := 1 + req.RetryBudget
		var lastErr error

		for attempt := 1; attempt <= maxAttempts; attempt++ {
			result, err := dispatcher.Dispatch(ctx, req.HandlerName, req.Request)
			if err == nil {
				finish(attempt, nil)
				return completeOrReturn(ctx, eng, coord, logger, req, result, nil, attempt, start)
			}

			lastErr = err
			if attempt == maxAttempts {
				wrapped := fmt.Errorf("handler %q: %w", req.HandlerName, lastErr)
				finish(attempt, wrapped)
				return completeOrReturn(ctx, eng, coord, logger, req, nil, wrapped, attempt, start)
			}

			timer := time.NewTimer(bo.Delay(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				finish(attempt, lastErr)
				return completeOrReturn(ctx, eng, coord, logger, req, nil, lastErr, attempt, start)
			}
		}

		wrapped := fmt.Errorf("handler %q: %w", req.HandlerName, lastErr)
		finish(maxAttempts, wrapped)
		return completeOrReturn(ctx, eng, coord, logger, req, nil, wrapped, maxAttempts, start)
	}
}

// completeOrReturn implements the retry loop's asymmetry: response-
// bearing invocations always deliver a terminal envelope and report
// success to the Job Engine (the coordinator is now the record of
// outcome); fire-and-forget invocations re-raise so the Job Engine's
// own retry/DLQ policy takes over. Either way it emits a TaskCompleted
// extension event so metrics/audit/webhook hooks observe the outcome
// regardless of whether a waiter is listening.
func completeOrReturn(ctx context.Context, eng *engine.Engine, coord coordinator.Coordinator, logger *slog.Logger, req InvokeRequest, result any, callErr error, attempts int, start time.Time) error {
	outcome := &coordinator.TaskOutcome{
		TaskID:      req.TaskID,
		DisplayName: req.DisplayName,
		HandlerName: req.HandlerName,
		Attempts:    attempts,
		Elapsed:     time.Since(start),
	}

	if callErr == nil {
		outcome.Status = coordinator.StatusCompleted
	} else {
		outcome.Status = coordinator.StatusFailed
		outcome.Message = callErr.Error()
		var taskErr *coordinator.TaskError
		outcome.ErrorKind = coordinator.KindHandlerFailed
		if errors.As(callErr, &taskErr) {
			outcome.ErrorKind = taskErr.Kind
		}
	}
	eng.Extensions().EmitTaskCompleted(ctx, outcome)

	if !req.hasTask() {
		return callErr
	}

	var env []byte
	var encErr error
	if callErr == nil {
		env, encErr = coordinator.EncodeSuccess(req.TaskID, req.HandlerName, result)
	} else {
		env, encErr = coordinator.EncodeFailure(req.TaskID, req.HandlerName, outcome.ErrorKind, callErr.Error(), "")
	}
	if encErr != nil {
		env, _ = coordinator.EncodeFailure(req.TaskID, req.HandlerName, coordinator.KindSerializationFailed, encErr.Error(), "")
	}

	if err := coord.CompleteTask(ctx, req.TaskID, env); err != nil {
		logger.Warn("bridge: complete task failed",
			slog.String("task_id", req.TaskID.String()),
			slog.String("error", err.Error()))
	}

	return nil
}
