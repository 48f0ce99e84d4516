package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/reconflow/reconflow/plan"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/engine"
	"github.com/reconflow/reconflow/runtime/executor"
	"github.com/reconflow/reconflow/store"
)

type (
	workflowRequest struct {
		Name        string     `json:"name"`
		Description string     `json:"description,omitempty"`
		Graph       plan.Graph `json:"graph"`
	}

	commitResponse struct {
		WorkflowID string          `json:"workflowId"`
		Version    int             `json:"version"`
		PlanHash   string          `json:"planHash"`
		Plan       plan.ActionPlan `json:"plan"`
	}

	startRunRequest struct {
		Inputs  map[string]any `json:"inputs,omitempty"`
		Version int            `json:"version,omitempty"`
	}

	startRunResponse struct {
		RunID         string `json:"runId"`
		InternalRunID string `json:"internalRunId"`
		TaskQueue     string `json:"taskQueue"`
		Status        string `json:"status"`
	}
)

func (s *Server) createWorkflow(c echo.Context) error {
	var req workflowRequest
	if err := c.Bind(&req); err != nil {
		return rferr.Wrap(rferr.KindValidation, err, "decode workflow")
	}
	if req.Name == "" {
		req.Name = req.Graph.Name
	}
	if req.Name == "" {
		return rferr.New(rferr.KindValidation, "workflow name is required")
	}
	wf, err := s.store.CreateWorkflow(c.Request().Context(), store.Workflow{
		OrganizationID: callerIdentity(c).OrganizationID,
		Name:           req.Name,
		Description:    req.Description,
		Graph:          req.Graph,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

func (s *Server) updateWorkflow(c echo.Context) error {
	var req workflowRequest
	if err := c.Bind(&req); err != nil {
		return rferr.Wrap(rferr.KindValidation, err, "decode workflow")
	}
	ctx := c.Request().Context()
	orgID := callerIdentity(c).OrganizationID
	wf, err := s.store.GetWorkflow(ctx, orgID, c.Param("id"))
	if err != nil {
		return err
	}
	if req.Name != "" {
		wf.Name = req.Name
	}
	wf.Description = req.Description
	wf.Graph = req.Graph
	updated, err := s.store.UpdateWorkflow(ctx, wf)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) getWorkflow(c echo.Context) error {
	wf, err := s.store.GetWorkflow(c.Request().Context(), callerIdentity(c).OrganizationID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) listWorkflows(c echo.Context) error {
	wfs, err := s.store.ListWorkflows(c.Request().Context(), callerIdentity(c).OrganizationID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"workflows": wfs})
}

// commitWorkflow compiles the draft and stores the result as the next
// version. Committing an unchanged graph returns the existing version.
func (s *Server) commitWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	ident := callerIdentity(c)
	wf, err := s.store.GetWorkflow(ctx, ident.OrganizationID, c.Param("id"))
	if err != nil {
		return err
	}
	compiled, err := s.compiler.Compile(&wf.Graph)
	if err != nil {
		return err
	}
	canonical, err := compiled.MarshalCanonical()
	if err != nil {
		return err
	}
	hash := sha256.Sum256(canonical)
	version, err := s.store.CommitVersion(ctx, store.Version{
		WorkflowID:  wf.ID,
		Plan:        *compiled,
		PlanHash:    hex.EncodeToString(hash[:]),
		CommittedAt: time.Now().UTC(),
		CommittedBy: ident.Subject,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, commitResponse{
		WorkflowID: wf.ID,
		Version:    version.Number,
		PlanHash:   version.PlanHash,
		Plan:       version.Plan,
	})
}

// startRun launches the latest committed version (or an explicit one) on the
// durable engine and records the run.
func (s *Server) startRun(c echo.Context) error {
	var req startRunRequest
	if err := c.Bind(&req); err != nil {
		return rferr.Wrap(rferr.KindValidation, err, "decode run request")
	}
	ctx := c.Request().Context()
	ident := callerIdentity(c)
	wf, err := s.store.GetWorkflow(ctx, ident.OrganizationID, c.Param("id"))
	if err != nil {
		return err
	}
	var version store.Version
	if req.Version > 0 {
		version, err = s.store.GetVersion(ctx, wf.ID, req.Version)
	} else {
		version, err = s.store.LatestVersion(ctx, wf.ID)
	}
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	executionID := "run-" + runID
	run, err := s.store.CreateRun(ctx, store.Run{
		ID:             runID,
		WorkflowID:     wf.ID,
		Version:        version.Number,
		OrganizationID: ident.OrganizationID,
		ExecutionID:    executionID,
		Status:         store.RunPending,
		Inputs:         req.Inputs,
	})
	if err != nil {
		return err
	}
	handle, err := s.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		Workflow:  executor.WorkflowRun,
		ID:        executionID,
		TaskQueue: s.taskQueue,
		Input: executor.RunInput{
			RunID:          runID,
			OrganizationID: ident.OrganizationID,
			Plan:           version.Plan,
			Inputs:         req.Inputs,
		},
	})
	if err != nil {
		// The record stays behind as a FAILED run so the attempt is visible.
		_ = s.store.CompleteRun(ctx, runID, store.RunFailed, nil, "engine rejected the run: "+err.Error())
		return rferr.Wrap(rferr.KindDependency, err, "start workflow").WithField("runId", runID)
	}
	if err := s.store.UpdateRunStatus(ctx, runID, store.RunRunning); err != nil {
		s.logger.Warn(ctx, "run status update failed", "run_id", runID, "err", err)
	}
	return c.JSON(http.StatusCreated, startRunResponse{
		RunID:         run.ID,
		InternalRunID: handle.RunID(),
		TaskQueue:     s.taskQueue,
		Status:        string(store.RunRunning),
	})
}
