// Package memory is the in-process store used by tests and local
// development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/store"
)

// Store implements store.Store in memory.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]store.Workflow
	versions  map[string][]store.Version
	runs      map[string]store.Run
}

// New returns an empty store.
func New() *Store {
	return &Store{
		workflows: make(map[string]store.Workflow),
		versions:  make(map[string][]store.Version),
		runs:      make(map[string]store.Run),
	}
}

// CreateWorkflow stores a new draft, assigning an id when missing.
func (s *Store) CreateWorkflow(_ context.Context, wf store.Workflow) (store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if _, ok := s.workflows[wf.ID]; ok {
		return store.Workflow{}, rferr.New(rferr.KindConflict, "workflow already exists").WithField("workflowId", wf.ID)
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	s.workflows[wf.ID] = wf
	return wf, nil
}

// UpdateWorkflow replaces a draft's mutable fields.
func (s *Store) UpdateWorkflow(_ context.Context, wf store.Workflow) (store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.workflows[wf.ID]
	if !ok || cur.OrganizationID != wf.OrganizationID {
		return store.Workflow{}, notFoundWorkflow(wf.ID)
	}
	cur.Name = wf.Name
	cur.Description = wf.Description
	cur.Graph = wf.Graph
	cur.UpdatedAt = time.Now().UTC()
	s.workflows[wf.ID] = cur
	return cur, nil
}

// GetWorkflow returns a draft scoped to the organization.
func (s *Store) GetWorkflow(_ context.Context, orgID, id string) (store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok || wf.OrganizationID != orgID {
		return store.Workflow{}, notFoundWorkflow(id)
	}
	return wf, nil
}

// ListWorkflows returns the organization's drafts ordered by creation time.
func (s *Store) ListWorkflows(_ context.Context, orgID string) ([]store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Workflow
	for _, wf := range s.workflows {
		if wf.OrganizationID == orgID {
			out = append(out, wf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteWorkflow removes a draft.
func (s *Store) DeleteWorkflow(_ context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok || wf.OrganizationID != orgID {
		return notFoundWorkflow(id)
	}
	delete(s.workflows, id)
	return nil
}

// CommitVersion appends the next version, or returns the latest one when the
// plan hash is unchanged.
func (s *Store) CommitVersion(_ context.Context, v store.Version) (store.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.versions[v.WorkflowID]
	if n := len(existing); n > 0 && existing[n-1].PlanHash == v.PlanHash {
		return existing[n-1], nil
	}
	v.Number = len(existing) + 1
	v.CommittedAt = time.Now().UTC()
	s.versions[v.WorkflowID] = append(existing, v)
	return v, nil
}

// GetVersion returns one committed version.
func (s *Store) GetVersion(_ context.Context, workflowID string, number int) (store.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[workflowID] {
		if v.Number == number {
			return v, nil
		}
	}
	return store.Version{}, rferr.New(rferr.KindNotFound, "workflow version not found").
		WithField("workflowId", workflowID).WithField("version", number)
}

// LatestVersion returns the most recently committed version.
func (s *Store) LatestVersion(_ context.Context, workflowID string) (store.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vs := s.versions[workflowID]
	if len(vs) == 0 {
		return store.Version{}, rferr.New(rferr.KindNotFound, "workflow has no committed version").
			WithField("workflowId", workflowID)
	}
	return vs[len(vs)-1], nil
}

// CreateRun stores a new run record.
func (s *Store) CreateRun(_ context.Context, r store.Run) (store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, ok := s.runs[r.ID]; ok {
		return store.Run{}, rferr.New(rferr.KindConflict, "run already exists").WithField("runId", r.ID)
	}
	if r.Status == "" {
		r.Status = store.RunPending
	}
	r.CreatedAt = time.Now().UTC()
	s.runs[r.ID] = r
	return r, nil
}

// GetRun returns a run scoped to the organization.
func (s *Store) GetRun(_ context.Context, orgID, id string) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok || (orgID != "" && r.OrganizationID != orgID) {
		return store.Run{}, notFoundRun(id)
	}
	return r, nil
}

// ListRuns returns the workflow's runs, newest first.
func (s *Store) ListRuns(_ context.Context, orgID, workflowID string) ([]store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Run
	for _, r := range s.runs {
		if r.OrganizationID == orgID && r.WorkflowID == workflowID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateRunStatus transitions a run's status.
func (s *Store) UpdateRunStatus(_ context.Context, id string, status store.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return notFoundRun(id)
	}
	if r.Status.Terminal() {
		return rferr.New(rferr.KindConflict, "run already finished").
			WithField("runId", id).WithField("status", string(r.Status))
	}
	if status == store.RunRunning && r.StartedAt == nil {
		now := time.Now().UTC()
		r.StartedAt = &now
	}
	r.Status = status
	s.runs[id] = r
	return nil
}

// CompleteRun records a terminal status with outputs or a failure message.
func (s *Store) CompleteRun(_ context.Context, id string, status store.RunStatus, outputs map[string]any, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return notFoundRun(id)
	}
	if r.Status.Terminal() {
		return rferr.New(rferr.KindConflict, "run already finished").
			WithField("runId", id).WithField("status", string(r.Status))
	}
	now := time.Now().UTC()
	r.Status = status
	r.Outputs = outputs
	r.Error = errMsg
	r.CompletedAt = &now
	s.runs[id] = r
	return nil
}

func notFoundWorkflow(id string) error {
	return rferr.New(rferr.KindNotFound, "workflow not found").WithField("workflowId", id)
}

func notFoundRun(id string) error {
	return rferr.New(rferr.KindNotFound, "run not found").WithField("runId", id)
}
