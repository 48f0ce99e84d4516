// Package store defines the persistence interfaces for workflow drafts,
// committed versions and runs, plus the record types they share. Memory and
// Mongo implementations live in subpackages.
package store

import (
	"context"
	"time"

	"github.com/reconflow/reconflow/plan"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending       RunStatus = "PENDING"
	RunRunning       RunStatus = "RUNNING"
	RunAwaitingInput RunStatus = "AWAITING_INPUT"
	RunCompleted     RunStatus = "COMPLETED"
	RunFailed        RunStatus = "FAILED"
	RunCancelled     RunStatus = "CANCELLED"
)

// Terminal reports whether a run status can no longer change.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

type (
	// Workflow is an editable draft graph. Drafts carry the editor graph
	// verbatim; only committing produces an executable plan.
	Workflow struct {
		ID             string     `json:"id" bson:"_id"`
		OrganizationID string     `json:"organizationId" bson:"organization_id"`
		Name           string     `json:"name" bson:"name"`
		Description    string     `json:"description,omitempty" bson:"description,omitempty"`
		Graph          plan.Graph `json:"graph" bson:"graph"`
		CreatedAt      time.Time  `json:"createdAt" bson:"created_at"`
		UpdatedAt      time.Time  `json:"updatedAt" bson:"updated_at"`
	}

	// Version is an immutable committed snapshot of a workflow. PlanHash is
	// the SHA-256 of the plan's canonical encoding; committing an unchanged
	// graph returns the existing version instead of minting a new one.
	Version struct {
		WorkflowID  string          `json:"workflowId" bson:"workflow_id"`
		Number      int             `json:"version" bson:"version"`
		Plan        plan.ActionPlan `json:"plan" bson:"plan"`
		PlanHash    string          `json:"planHash" bson:"plan_hash"`
		CommittedAt time.Time       `json:"committedAt" bson:"committed_at"`
		CommittedBy string          `json:"committedBy,omitempty" bson:"committed_by,omitempty"`
	}

	// Run records one execution of a committed version.
	Run struct {
		ID             string         `json:"id" bson:"_id"`
		WorkflowID     string         `json:"workflowId" bson:"workflow_id"`
		Version        int            `json:"version" bson:"version"`
		OrganizationID string         `json:"organizationId" bson:"organization_id"`
		// ExecutionID is the durable engine's workflow execution id, the
		// target for signals and queries.
		ExecutionID string         `json:"executionId" bson:"execution_id"`
		Status      RunStatus      `json:"status" bson:"status"`
		Inputs      map[string]any `json:"inputs,omitempty" bson:"inputs,omitempty"`
		Outputs     map[string]any `json:"outputs,omitempty" bson:"outputs,omitempty"`
		Error       string         `json:"error,omitempty" bson:"error,omitempty"`
		CreatedAt   time.Time      `json:"createdAt" bson:"created_at"`
		StartedAt   *time.Time     `json:"startedAt,omitempty" bson:"started_at,omitempty"`
		CompletedAt *time.Time     `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
	}

	// WorkflowStore persists drafts.
	WorkflowStore interface {
		CreateWorkflow(ctx context.Context, wf Workflow) (Workflow, error)
		UpdateWorkflow(ctx context.Context, wf Workflow) (Workflow, error)
		GetWorkflow(ctx context.Context, orgID, id string) (Workflow, error)
		ListWorkflows(ctx context.Context, orgID string) ([]Workflow, error)
		DeleteWorkflow(ctx context.Context, orgID, id string) error
	}

	// VersionStore persists committed versions. CommitVersion assigns the
	// next version number for the workflow atomically.
	VersionStore interface {
		CommitVersion(ctx context.Context, v Version) (Version, error)
		GetVersion(ctx context.Context, workflowID string, number int) (Version, error)
		LatestVersion(ctx context.Context, workflowID string) (Version, error)
	}

	// RunStore persists run records.
	RunStore interface {
		CreateRun(ctx context.Context, r Run) (Run, error)
		// GetRun scopes the lookup to the organization. An empty orgID skips
		// the check; reserved for internal callers such as the MCP gateway's
		// run resolver.
		GetRun(ctx context.Context, orgID, id string) (Run, error)
		ListRuns(ctx context.Context, orgID, workflowID string) ([]Run, error)
		// UpdateRunStatus transitions the run's status. Transitions out of a
		// terminal status are rejected with a conflict error.
		UpdateRunStatus(ctx context.Context, id string, status RunStatus) error
		// CompleteRun records the terminal status together with outputs or
		// the failure message.
		CompleteRun(ctx context.Context, id string, status RunStatus, outputs map[string]any, errMsg string) error
	}

	// Store bundles the three stores a deployment wires together.
	Store interface {
		WorkflowStore
		VersionStore
		RunStore
	}
)
