package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/reconflow/reconflow/mcp"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/executor"
	"github.com/reconflow/reconflow/store"
	"github.com/reconflow/reconflow/trace"
)

const (
	streamKeepalive    = 15 * time.Second
	streamPollInterval = time.Second
)

type (
	runStatusResponse struct {
		RunID       string          `json:"runId"`
		WorkflowID  string          `json:"workflowId"`
		Status      store.RunStatus `json:"status"`
		Error       string          `json:"error,omitempty"`
		CreatedAt   time.Time       `json:"createdAt"`
		StartedAt   *time.Time      `json:"startedAt,omitempty"`
		CompletedAt *time.Time      `json:"completedAt,omitempty"`
	}

	traceResponse struct {
		Events []trace.Event `json:"events"`
		Cursor int64         `json:"cursor"`
	}
)

func (s *Server) loadRun(c echo.Context) (store.Run, error) {
	return s.store.GetRun(c.Request().Context(), callerIdentity(c).OrganizationID, c.Param("runId"))
}

func (s *Server) runStatus(c echo.Context) error {
	run, err := s.loadRun(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runStatusResponse{
		RunID:       run.ID,
		WorkflowID:  run.WorkflowID,
		Status:      run.Status,
		Error:       run.Error,
		CreatedAt:   run.CreatedAt,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	})
}

func (s *Server) runResult(c echo.Context) error {
	run, err := s.loadRun(c)
	if err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return rferr.New(rferr.KindConflict, "run has not finished").
			WithField("runId", run.ID).WithField("status", string(run.Status))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"runId":   run.ID,
		"status":  run.Status,
		"outputs": run.Outputs,
		"error":   run.Error,
	})
}

// cancelRun delivers the cooperative cancel signal. The executor cancels the
// current action, cascades to pending approvals and records the terminal
// status.
func (s *Server) cancelRun(c echo.Context) error {
	run, err := s.loadRun(c)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return rferr.New(rferr.KindConflict, "run has already finished").
			WithField("runId", run.ID).WithField("status", string(run.Status))
	}
	ctx := c.Request().Context()
	if err := s.engine.SignalByID(ctx, run.ExecutionID, "", executor.SignalCancelRun, nil); err != nil {
		return rferr.Wrap(rferr.KindDependency, err, "signal cancellation").WithField("runId", run.ID)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"runId": run.ID, "status": "cancelling"})
}

func (s *Server) runTrace(c echo.Context) error {
	run, err := s.loadRun(c)
	if err != nil {
		return err
	}
	after := int64(0)
	if v := c.QueryParam("after"); v != "" {
		after, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return rferr.New(rferr.KindValidation, "after must be an integer sequence number")
		}
	}
	events, err := s.trace.ListSince(c.Request().Context(), run.ID, after)
	if err != nil {
		return err
	}
	cursor := after
	if n := len(events); n > 0 {
		cursor = events[n-1].Sequence
	}
	return c.JSON(http.StatusOK, traceResponse{Events: events, Cursor: cursor})
}

// streamRun is the live run feed: a ready event, the trace replayed from the
// requested cursor, then trace/status/dataflow events as they happen, with
// keepalive comments on idle. On a terminal status the server emits complete
// and closes.
func (s *Server) streamRun(c echo.Context) error {
	run, err := s.loadRun(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(kind string, payload any) error {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, raw); err != nil {
			return err
		}
		w.Flush()
		return nil
	}

	if err := writeEvent("ready", map[string]any{"runId": run.ID, "status": run.Status}); err != nil {
		return nil
	}

	cursor := int64(0)
	if v := c.QueryParam("after"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cursor = parsed
		}
	}

	// Push channel when a subscriber is wired; the poll ticker below covers
	// both the fallback and any events the push path missed.
	notify := make(chan struct{}, 1)
	if s.traceSub != nil {
		cancel, err := s.traceSub.SubscribeToRun(ctx, run.ID, func(trace.Event) {
			select {
			case notify <- struct{}{}:
			default:
			}
		})
		if err == nil {
			defer cancel()
		}
	}

	lastStatus := run.Status
	flush := func() (bool, error) {
		events, err := s.trace.ListSince(ctx, run.ID, cursor)
		if err != nil {
			_ = writeEvent("error", map[string]string{"message": "trace read failed"})
			return true, err
		}
		for _, ev := range events {
			cursor = ev.Sequence
			if err := writeEvent("trace", ev); err != nil {
				return true, err
			}
			if ev.Type == trace.NodeCompleted && len(ev.OutputSummary) > 0 {
				if err := writeEvent("dataflow", map[string]any{
					"nodeRef": ev.NodeRef,
					"outputs": ev.OutputSummary,
				}); err != nil {
					return true, err
				}
			}
		}
		current, err := s.store.GetRun(ctx, run.OrganizationID, run.ID)
		if err != nil {
			return false, nil
		}
		if current.Status != lastStatus {
			lastStatus = current.Status
			if err := writeEvent("status", map[string]any{"runId": run.ID, "status": current.Status}); err != nil {
				return true, err
			}
		}
		if current.Status.Terminal() {
			_ = writeEvent("complete", map[string]any{
				"runId":   run.ID,
				"status":  current.Status,
				"outputs": current.Outputs,
				"error":   current.Error,
			})
			return true, nil
		}
		return false, nil
	}

	if done, _ := flush(); done {
		return nil
	}
	poll := time.NewTicker(streamPollInterval)
	defer poll.Stop()
	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-notify:
		case <-poll.C:
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			w.Flush()
			continue
		}
		if done, _ := flush(); done {
			return nil
		}
	}
}

// RunResolver adapts the run store for the MCP gateway.
type RunResolver struct {
	store store.RunStore
}

// NewRunResolver builds the adapter.
func NewRunResolver(st store.RunStore) *RunResolver {
	return &RunResolver{store: st}
}

// ResolveRun looks the run up without organization scoping; the gateway
// enforces the organization match itself.
func (r *RunResolver) ResolveRun(ctx context.Context, runID string) (mcp.RunInfo, error) {
	run, err := r.store.GetRun(ctx, "", runID)
	if err != nil {
		return mcp.RunInfo{}, err
	}
	return mcp.RunInfo{
		RunID:          run.ID,
		OrganizationID: run.OrganizationID,
		WorkflowID:     run.ExecutionID,
	}, nil
}
