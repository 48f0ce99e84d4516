package executor

import (
	"context"
	"net/http"
	"time"

	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/engine"
	"github.com/reconflow/reconflow/runtime/execctx"
	"github.com/reconflow/reconflow/runtime/runner"
	"github.com/reconflow/reconflow/telemetry"
	"github.com/reconflow/reconflow/trace"
)

type (
	// ExecuteActionInput is the ActivityExecuteAction payload.
	ExecuteActionInput struct {
		RunID          string         `json:"runId"`
		OrganizationID string         `json:"organizationId"`
		NodeRef        string         `json:"nodeRef"`
		ComponentID    string         `json:"componentId"`
		Input          map[string]any `json:"input,omitempty"`
		TimeoutSeconds int            `json:"timeoutSeconds,omitempty"`
	}

	// ExecuteActionOutput is the ActivityExecuteAction result.
	ExecuteActionOutput struct {
		Output  map[string]any             `json:"output,omitempty"`
		Pending *execctx.PendingHumanInput `json:"pending,omitempty"`
	}

	// RegisterApprovalInput is the ActivityRegisterApproval payload.
	RegisterApprovalInput struct {
		RunID          string                    `json:"runId"`
		OrganizationID string                    `json:"organizationId"`
		NodeRef        string                    `json:"nodeRef"`
		WorkflowID     string                    `json:"workflowId"`
		EngineRunID    string                    `json:"engineRunId"`
		Request        execctx.PendingHumanInput `json:"request"`
	}

	// ExpireApprovalInput is the ActivityExpireApproval payload.
	ExpireApprovalInput struct {
		RunID     string `json:"runId"`
		RequestID string `json:"requestId"`
	}

	// CancelApprovalsInput is the ActivityCancelApprovals payload.
	CancelApprovalsInput struct {
		RunID string `json:"runId"`
	}

	// SetRunStatusInput is the ActivitySetRunStatus payload.
	SetRunStatusInput struct {
		RunID   string         `json:"runId"`
		Status  string         `json:"status"`
		Outputs map[string]any `json:"outputs,omitempty"`
		Error   string         `json:"error,omitempty"`
	}

	// ApprovalService is the coordinator surface the worker's activities
	// need. Implemented by the approval package.
	ApprovalService interface {
		Register(ctx context.Context, in RegisterApprovalInput) (string, error)
		Expire(ctx context.Context, runID, requestID string) error
		CancelForRun(ctx context.Context, runID string) error
	}

	// RunStatusRecorder mirrors run state into the run store.
	RunStatusRecorder interface {
		RecordRunStatus(ctx context.Context, in SetRunStatusInput) error
	}

	// Capabilities are the collaborator handles injected into execution
	// contexts. All fields are optional; components fail with a
	// ConfigurationError when a capability they need is absent.
	Capabilities struct {
		Storage   execctx.Storage
		Secrets   execctx.Secrets
		Artifacts execctx.Artifacts
		HTTP      *http.Client
	}

	// Activities holds the worker-side activity handlers.
	Activities struct {
		Registry  *component.Registry
		Runner    *runner.Runner
		Trace     trace.Sink
		Approvals ApprovalService
		Runs      RunStatusRecorder
		Caps      Capabilities
		Logger    telemetry.Logger
	}
)

// Definitions lists the activity registrations for the engine.
func (a *Activities) Definitions() []engine.ActivityDefinition {
	return []engine.ActivityDefinition{
		{Name: ActivityExecuteAction, Handler: a.executeAction},
		{Name: ActivityAppendTrace, Handler: a.appendTrace},
		{Name: ActivityRegisterApproval, Handler: a.registerApproval},
		{Name: ActivityExpireApproval, Handler: a.expireApproval},
		{Name: ActivityCancelApprovals, Handler: a.cancelApprovals},
		{Name: ActivitySetRunStatus, Handler: a.setRunStatus},
	}
}

func (a *Activities) logger() telemetry.Logger {
	if a.Logger == nil {
		return telemetry.NewNoopLogger()
	}
	return a.Logger
}

// executeAction resolves the component and hands it to the runner with a
// fully populated execution context.
func (a *Activities) executeAction(ctx context.Context, input any) (any, error) {
	in, err := decodeAs[ExecuteActionInput](input)
	if err != nil {
		return nil, rferr.Wrap(rferr.KindValidation, err, "decode action input")
	}
	def, ok := a.Registry.Get(in.ComponentID)
	if !ok {
		return nil, rferr.Newf(rferr.KindConfiguration, "component %q not registered on worker", in.ComponentID).
			WithField("nodeRef", in.NodeRef)
	}

	ec := execctx.New(in.RunID, in.NodeRef, a.logger())
	ec.OrganizationID = in.OrganizationID
	ec.Storage = a.Caps.Storage
	ec.Secrets = a.Caps.Secrets
	ec.Artifacts = a.Caps.Artifacts
	ec.HTTP = a.Caps.HTTP
	ec.Trace = &sinkAppender{sink: a.Trace, runID: in.RunID, nodeRef: in.NodeRef}
	ec.WithProgress(func(p execctx.Progress) {
		if _, err := a.Trace.Append(ctx, trace.Event{
			RunID:   in.RunID,
			Type:    trace.NodeProgress,
			NodeRef: in.NodeRef,
			Level:   trace.Level(p.Level),
			Message: p.Message,
			Data:    p.Data,
		}); err != nil {
			a.logger().Warn(ctx, "progress trace failed", "run_id", in.RunID, "err", err)
		}
	})

	res, err := a.Runner.Execute(ctx, ec, runner.Request{
		Definition: def,
		Input:      in.Input,
		Timeout:    time.Duration(in.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return ExecuteActionOutput{Output: res.Output, Pending: res.Pending}, nil
}

func (a *Activities) appendTrace(ctx context.Context, input any) (any, error) {
	ev, err := decodeAs[trace.Event](input)
	if err != nil {
		return nil, rferr.Wrap(rferr.KindValidation, err, "decode trace event")
	}
	stored, err := a.Trace.Append(ctx, ev)
	if err != nil {
		return nil, err
	}
	return stored.Sequence, nil
}

func (a *Activities) registerApproval(ctx context.Context, input any) (any, error) {
	in, err := decodeAs[RegisterApprovalInput](input)
	if err != nil {
		return nil, rferr.Wrap(rferr.KindValidation, err, "decode approval registration")
	}
	if a.Approvals == nil {
		return nil, rferr.New(rferr.KindConfiguration, "approval service not configured").
			WithField("configKey", "approvals")
	}
	id, err := a.Approvals.Register(ctx, in)
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (a *Activities) expireApproval(ctx context.Context, input any) (any, error) {
	in, err := decodeAs[ExpireApprovalInput](input)
	if err != nil {
		return nil, rferr.Wrap(rferr.KindValidation, err, "decode approval expiry")
	}
	if a.Approvals == nil {
		return nil, nil
	}
	return nil, a.Approvals.Expire(ctx, in.RunID, in.RequestID)
}

func (a *Activities) cancelApprovals(ctx context.Context, input any) (any, error) {
	in, err := decodeAs[CancelApprovalsInput](input)
	if err != nil {
		return nil, rferr.Wrap(rferr.KindValidation, err, "decode approval cancel")
	}
	if a.Approvals == nil {
		return nil, nil
	}
	return nil, a.Approvals.CancelForRun(ctx, in.RunID)
}

func (a *Activities) setRunStatus(ctx context.Context, input any) (any, error) {
	in, err := decodeAs[SetRunStatusInput](input)
	if err != nil {
		return nil, rferr.Wrap(rferr.KindValidation, err, "decode run status")
	}
	if a.Runs == nil {
		return nil, nil
	}
	return nil, a.Runs.RecordRunStatus(ctx, in)
}

// sinkAppender adapts the trace sink to the execctx TraceAppender surface.
type sinkAppender struct {
	sink    trace.Sink
	runID   string
	nodeRef string
}

func (s *sinkAppender) Append(ctx context.Context, level, message string, data map[string]any) error {
	_, err := s.sink.Append(ctx, trace.Event{
		RunID:   s.runID,
		Type:    trace.NodeProgress,
		NodeRef: s.nodeRef,
		Level:   trace.Level(level),
		Message: message,
		Data:    data,
	})
	return err
}
