// Package engine abstracts the durable workflow runtime. The executor is
// written against WorkflowContext so it can be driven by Temporal in
// production and by deterministic fakes in tests. The Temporal adapter lives
// in the temporal subpackage.
package engine

import (
	"context"
	"time"

	"github.com/reconflow/reconflow/telemetry"
)

type (
	// RetryPolicy mirrors the per-component retry settings in engine terms.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
		MaximumInterval    time.Duration
		// NonRetryableErrorTypes names error kinds that skip further attempts.
		NonRetryableErrorTypes []string
	}

	// ActivityOptions configure scheduling of a single activity.
	ActivityOptions struct {
		Queue       string
		Timeout     time.Duration
		RetryPolicy RetryPolicy
	}

	// ActivityRequest asks the runtime to execute a named activity.
	ActivityRequest struct {
		Name    string
		Input   any
		Options ActivityOptions
	}

	// Future resolves an asynchronously scheduled activity.
	Future interface {
		// Get blocks until the activity completes, decoding into result.
		Get(ctx context.Context, result any) error
		// IsReady reports completion without blocking.
		IsReady() bool
	}

	// SignalChannel receives external signals delivered to the workflow, in
	// receipt order.
	SignalChannel interface {
		// Receive blocks (durably) until a signal arrives, decoding into dest.
		Receive(ctx context.Context, dest any) error
		// ReceiveAsync decodes a pending signal into dest if one is buffered.
		ReceiveAsync(dest any) bool
	}

	// WorkflowContext is the deterministic capability surface available inside
	// a workflow function. All blocking calls are journaled suspension points.
	WorkflowContext interface {
		Context() context.Context
		WorkflowID() string
		RunID() string

		SignalChannel(name string) SignalChannel
		// SetQueryHandler registers a synchronous read-only query handler.
		SetQueryHandler(name string, handler any) error

		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// Await blocks until cond returns true; the runtime re-evaluates cond
		// whenever new workflow events arrive.
		Await(ctx context.Context, cond func() bool) error
		// AwaitWithTimeout is Await bounded by d. Returns false when the
		// timeout fired before cond held.
		AwaitWithTimeout(ctx context.Context, d time.Duration, cond func() bool) (bool, error)
		// Sleep pauses the workflow durably.
		Sleep(ctx context.Context, d time.Duration) error
		// Now is the replay-safe workflow clock.
		Now() time.Time

		Logger() telemetry.Logger
	}

	// WorkflowDefinition registers a named workflow handler.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   func(wfCtx WorkflowContext, input any) (any, error)
	}

	// ActivityDefinition registers a named activity handler with defaults.
	ActivityDefinition struct {
		Name    string
		Options ActivityOptions
		Handler func(ctx context.Context, input any) (any, error)
	}

	// WorkflowStartRequest launches a new workflow execution.
	WorkflowStartRequest struct {
		Workflow    string
		ID          string
		TaskQueue   string
		Input       any
		RetryPolicy RetryPolicy
	}

	// WorkflowHandle tracks a started execution.
	WorkflowHandle interface {
		ID() string
		RunID() string
		Wait(ctx context.Context, result any) error
		Signal(ctx context.Context, name string, payload any) error
		Cancel(ctx context.Context) error
	}

	// Engine registers definitions and manages executions against the durable
	// runtime.
	Engine interface {
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error
		RegisterActivity(ctx context.Context, def ActivityDefinition) error
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
		// SignalByID delivers a signal to a running workflow without a handle.
		SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error
		// QueryByID runs a read-only query against a running workflow.
		QueryByID(ctx context.Context, workflowID, runID, queryType string, result any, args ...any) error
		// CancelByID requests cancellation of a running workflow.
		CancelByID(ctx context.Context, workflowID, runID string) error
		// Status reports the runtime's view of an execution using the
		// run-status vocabulary (RUNNING, COMPLETED, FAILED, CANCELLED,
		// TERMINATED, TIMED_OUT, UNKNOWN).
		Status(ctx context.Context, workflowID, runID string) (string, error)
		Close() error
	}
)
