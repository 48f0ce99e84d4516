// Package memory is the in-process approval store used by tests and local
// development.
package memory

import (
	"context"
	"crypto/subtle"
	"sort"
	"sync"

	"github.com/reconflow/reconflow/approval"
	"github.com/reconflow/reconflow/rferr"
)

// Store implements approval.Store in memory.
type Store struct {
	mu      sync.RWMutex
	records map[string]approval.Record
}

// New returns an empty store.
func New() *Store {
	return &Store{records: make(map[string]approval.Record)}
}

// Create inserts a record.
func (s *Store) Create(_ context.Context, rec approval.Record) (approval.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return approval.Record{}, rferr.New(rferr.KindConflict, "approval already exists").
			WithField("approvalId", rec.ID)
	}
	s.records[rec.ID] = rec
	return rec, nil
}

// Get returns a record scoped to the organization.
func (s *Store) Get(_ context.Context, orgID, id string) (approval.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || rec.OrganizationID != orgID {
		return approval.Record{}, notFound()
	}
	return rec, nil
}

// GetByRequestID returns the record for a run's request id.
func (s *Store) GetByRequestID(_ context.Context, runID, requestID string) (approval.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.RunID == runID && rec.RequestID == requestID {
			return rec, nil
		}
	}
	return approval.Record{}, notFound()
}

// List returns the organization's records ordered by creation time.
func (s *Store) List(_ context.Context, orgID string, onlyPending bool) ([]approval.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []approval.Record
	for _, rec := range s.records {
		if rec.OrganizationID != orgID {
			continue
		}
		if onlyPending && rec.Status != approval.StatusPending {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListPendingByRun returns the run's pending records.
func (s *Store) ListPendingByRun(_ context.Context, runID string) ([]approval.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []approval.Record
	for _, rec := range s.records {
		if rec.RunID == runID && rec.Status == approval.StatusPending {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FindByTokenHash locates a record by either token digest using constant
// time comparison across all stored digests.
func (s *Store) FindByTokenHash(_ context.Context, hash string) (approval.Record, approval.TokenRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found approval.Record
		role  approval.TokenRole
		hit   bool
	)
	for _, rec := range s.records {
		if subtle.ConstantTimeCompare([]byte(rec.ApproveTokenHash), []byte(hash)) == 1 {
			found, role, hit = rec, approval.TokenApprove, true
		}
		if subtle.ConstantTimeCompare([]byte(rec.RejectTokenHash), []byte(hash)) == 1 {
			found, role, hit = rec, approval.TokenReject, true
		}
	}
	if !hit {
		return approval.Record{}, "", notFound()
	}
	return found, role, nil
}

// Transition atomically moves a pending record to a terminal status.
func (s *Store) Transition(_ context.Context, id string, status approval.Status, res *approval.Resolution) (approval.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return approval.Record{}, notFound()
	}
	if rec.Status.Terminal() {
		return approval.Record{}, rferr.New(rferr.KindConflict, "approval already resolved").
			WithField("approvalId", id).WithField("status", string(rec.Status))
	}
	rec.Status = status
	rec.Resolution = res
	s.records[id] = rec
	return rec, nil
}

func notFound() error {
	return rferr.New(rferr.KindNotFound, "approval not found")
}
