// Package approval is the pause/resume coordinator for human-input requests.
// It owns the approval records, mints the unguessable approve/reject tokens
// and delivers resolutions back to the suspended workflow. The record is the
// source of truth; signal delivery is best effort because the executor
// re-checks record state at its next wakeup.
package approval

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/engine"
	"github.com/reconflow/reconflow/runtime/executor"
	"github.com/reconflow/reconflow/telemetry"
)

// Status is the approval record lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool { return s != StatusPending }

// TokenRole distinguishes which token resolved a record.
type TokenRole string

const (
	TokenApprove TokenRole = "approve"
	TokenReject  TokenRole = "reject"
)

type (
	// Record is one approval or selection request. Tokens are stored only as
	// SHA-256 digests; the plaintext exists once, in the Create response.
	Record struct {
		ID             string         `json:"id" bson:"_id"`
		RunID          string         `json:"runId" bson:"run_id"`
		NodeRef        string         `json:"nodeRef" bson:"node_ref"`
		OrganizationID string         `json:"organizationId" bson:"organization_id"`
		WorkflowID     string         `json:"workflowId" bson:"workflow_id"`
		EngineRunID    string         `json:"engineRunId" bson:"engine_run_id"`
		RequestID      string         `json:"requestId" bson:"request_id"`
		InputType      string         `json:"inputType" bson:"input_type"`
		Title          string         `json:"title" bson:"title"`
		Description    string         `json:"description,omitempty" bson:"description,omitempty"`
		ContextData    map[string]any `json:"contextData,omitempty" bson:"context_data,omitempty"`
		Options        []string       `json:"options,omitempty" bson:"options,omitempty"`
		Status         Status         `json:"status" bson:"status"`
		TimeoutAt      *time.Time     `json:"timeoutAt,omitempty" bson:"timeout_at,omitempty"`
		CreatedAt      time.Time      `json:"createdAt" bson:"created_at"`

		ApproveTokenHash string `json:"-" bson:"approve_token_hash"`
		RejectTokenHash  string `json:"-" bson:"reject_token_hash"`

		Resolution *Resolution `json:"resolution,omitempty" bson:"resolution,omitempty"`
	}

	// Resolution records how a request ended.
	Resolution struct {
		Approved     bool      `json:"approved" bson:"approved"`
		Selection    string    `json:"selection,omitempty" bson:"selection,omitempty"`
		RespondedBy  string    `json:"respondedBy,omitempty" bson:"responded_by,omitempty"`
		ResponseNote string    `json:"responseNote,omitempty" bson:"response_note,omitempty"`
		RespondedAt  time.Time `json:"respondedAt" bson:"responded_at"`
	}

	// Store persists approval records. Transition must be atomic: it moves a
	// record from pending to the given terminal status and fails with a
	// conflict error when the record is no longer pending.
	Store interface {
		Create(ctx context.Context, rec Record) (Record, error)
		Get(ctx context.Context, orgID, id string) (Record, error)
		GetByRequestID(ctx context.Context, runID, requestID string) (Record, error)
		List(ctx context.Context, orgID string, onlyPending bool) ([]Record, error)
		ListPendingByRun(ctx context.Context, runID string) ([]Record, error)
		// FindByTokenHash locates a record by either token digest.
		FindByTokenHash(ctx context.Context, hash string) (Record, TokenRole, error)
		Transition(ctx context.Context, id string, status Status, res *Resolution) (Record, error)
	}

	// Decision is a caller-supplied resolution.
	Decision struct {
		Approved     bool
		Selection    string
		RespondedBy  string
		ResponseNote string
	}

	// CreateRequest registers a new pending request.
	CreateRequest struct {
		RunID          string
		NodeRef        string
		OrganizationID string
		WorkflowID     string
		EngineRunID    string
		RequestID      string
		InputType      string
		Title          string
		Description    string
		ContextData    map[string]any
		Options        []string
		TimeoutAt      *time.Time
	}

	// Created is the Create response. The tokens appear here and nowhere
	// else.
	Created struct {
		Record       Record
		ApproveToken string
		RejectToken  string
	}

	// Coordinator implements the pause/resume service.
	Coordinator struct {
		store  Store
		eng    engine.Engine
		logger telemetry.Logger
	}
)

// NewCoordinator builds a coordinator. The engine may be nil in read-only
// deployments; resolutions then rely on the executor's timeout re-check.
func NewCoordinator(store Store, eng engine.Engine, logger telemetry.Logger) *Coordinator {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Coordinator{store: store, eng: eng, logger: logger}
}

// Create inserts a pending record and mints its two resolution tokens.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (Created, error) {
	if req.RunID == "" || req.RequestID == "" {
		return Created{}, rferr.New(rferr.KindValidation, "approval requires run and request ids")
	}
	approveToken, err := newToken()
	if err != nil {
		return Created{}, err
	}
	rejectToken, err := newToken()
	if err != nil {
		return Created{}, err
	}
	rec := Record{
		ID:               uuid.NewString(),
		RunID:            req.RunID,
		NodeRef:          req.NodeRef,
		OrganizationID:   req.OrganizationID,
		WorkflowID:       req.WorkflowID,
		EngineRunID:      req.EngineRunID,
		RequestID:        req.RequestID,
		InputType:        req.InputType,
		Title:            req.Title,
		Description:      req.Description,
		ContextData:      req.ContextData,
		Options:          req.Options,
		Status:           StatusPending,
		TimeoutAt:        req.TimeoutAt,
		CreatedAt:        time.Now().UTC(),
		ApproveTokenHash: hashToken(approveToken),
		RejectTokenHash:  hashToken(rejectToken),
	}
	stored, err := c.store.Create(ctx, rec)
	if err != nil {
		return Created{}, err
	}
	return Created{Record: stored, ApproveToken: approveToken, RejectToken: rejectToken}, nil
}

// Get returns one record scoped to the organization.
func (c *Coordinator) Get(ctx context.Context, orgID, id string) (Record, error) {
	return c.store.Get(ctx, orgID, id)
}

// List returns the organization's records, optionally pending only.
func (c *Coordinator) List(ctx context.Context, orgID string, onlyPending bool) ([]Record, error) {
	return c.store.List(ctx, orgID, onlyPending)
}

// Resolve applies a decision to a pending record and signals the owning run.
// An expired deadline transitions the record to expired atomically and the
// call fails with a conflict.
func (c *Coordinator) Resolve(ctx context.Context, orgID, id string, dec Decision) (Record, error) {
	rec, err := c.store.Get(ctx, orgID, id)
	if err != nil {
		return Record{}, err
	}
	return c.resolve(ctx, rec, dec)
}

// ResolveByApproveToken resolves the record owning the token as approved.
func (c *Coordinator) ResolveByApproveToken(ctx context.Context, token string) (Record, error) {
	return c.resolveByToken(ctx, token, TokenApprove)
}

// ResolveByRejectToken resolves the record owning the token as rejected.
func (c *Coordinator) ResolveByRejectToken(ctx context.Context, token string) (Record, error) {
	return c.resolveByToken(ctx, token, TokenReject)
}

func (c *Coordinator) resolveByToken(ctx context.Context, token string, want TokenRole) (Record, error) {
	rec, role, err := c.store.FindByTokenHash(ctx, hashToken(token))
	if err != nil {
		return Record{}, err
	}
	if role != want {
		// The token is real but encodes the other decision; treat it as
		// unknown rather than leaking which token family it belongs to.
		return Record{}, rferr.New(rferr.KindNotFound, "approval not found")
	}
	return c.resolve(ctx, rec, Decision{Approved: want == TokenApprove})
}

func (c *Coordinator) resolve(ctx context.Context, rec Record, dec Decision) (Record, error) {
	if rec.Status.Terminal() {
		return Record{}, rferr.New(rferr.KindConflict, "approval already resolved").
			WithField("approvalId", rec.ID).WithField("status", string(rec.Status))
	}
	now := time.Now().UTC()
	if rec.TimeoutAt != nil && now.After(*rec.TimeoutAt) {
		if _, err := c.store.Transition(ctx, rec.ID, StatusExpired, nil); err != nil && !rferr.IsKind(err, rferr.KindConflict) {
			return Record{}, err
		}
		return Record{}, rferr.New(rferr.KindConflict, "approval expired").
			WithField("approvalId", rec.ID)
	}
	if rec.InputType == "selection" && dec.Approved && dec.Selection != "" && !contains(rec.Options, dec.Selection) {
		return Record{}, rferr.Newf(rferr.KindValidation, "selection %q is not among the offered options", dec.Selection).
			WithField("approvalId", rec.ID)
	}
	status := StatusRejected
	if dec.Approved {
		status = StatusApproved
	}
	res := &Resolution{
		Approved:     dec.Approved,
		Selection:    dec.Selection,
		RespondedBy:  dec.RespondedBy,
		ResponseNote: dec.ResponseNote,
		RespondedAt:  now,
	}
	updated, err := c.store.Transition(ctx, rec.ID, status, res)
	if err != nil {
		return Record{}, err
	}
	c.signalResolution(ctx, updated)
	return updated, nil
}

// signalResolution notifies the suspended workflow. Failures are logged and
// never roll back the record.
func (c *Coordinator) signalResolution(ctx context.Context, rec Record) {
	if c.eng == nil || rec.Resolution == nil {
		return
	}
	payload := executor.HumanInputResolution{
		RequestID:    rec.RequestID,
		Approved:     rec.Resolution.Approved,
		Selection:    rec.Resolution.Selection,
		RespondedBy:  rec.Resolution.RespondedBy,
		ResponseNote: rec.Resolution.ResponseNote,
		RespondedAt:  rec.Resolution.RespondedAt,
	}
	if err := c.eng.SignalByID(ctx, rec.WorkflowID, rec.EngineRunID, executor.SignalHumanInputResolved, payload); err != nil {
		c.logger.Error(ctx, "human input signal failed, record stands",
			"approval_id", rec.ID, "run_id", rec.RunID, "err", err)
	}
}

// Expire transitions a pending request to expired. Called by the executor
// when the deadline fires workflow-side. Already-terminal records are fine.
func (c *Coordinator) Expire(ctx context.Context, runID, requestID string) error {
	rec, err := c.store.GetByRequestID(ctx, runID, requestID)
	if err != nil {
		if rferr.IsKind(err, rferr.KindNotFound) {
			return nil
		}
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	_, err = c.store.Transition(ctx, rec.ID, StatusExpired, nil)
	if rferr.IsKind(err, rferr.KindConflict) {
		return nil
	}
	return err
}

// Cancel transitions a record to cancelled from any non-terminal state.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	_, err := c.store.Transition(ctx, id, StatusCancelled, nil)
	if rferr.IsKind(err, rferr.KindConflict) {
		return nil
	}
	return err
}

// CancelForRun cancels every pending request of a run. Used by the
// cancellation cascade.
func (c *Coordinator) CancelForRun(ctx context.Context, runID string) error {
	pending, err := c.store.ListPendingByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		if err := c.Cancel(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// Register adapts Create to the executor's activity surface.
func (c *Coordinator) Register(ctx context.Context, in executor.RegisterApprovalInput) (string, error) {
	created, err := c.Create(ctx, CreateRequest{
		RunID:          in.RunID,
		NodeRef:        in.NodeRef,
		OrganizationID: in.OrganizationID,
		WorkflowID:     in.WorkflowID,
		EngineRunID:    in.EngineRunID,
		RequestID:      in.Request.RequestID,
		InputType:      string(in.Request.InputType),
		Title:          in.Request.Title,
		Description:    in.Request.Description,
		ContextData:    in.Request.ContextData,
		Options:        in.Request.Options,
		TimeoutAt:      in.Request.TimeoutAt,
	})
	if err != nil {
		return "", err
	}
	return created.Record.ID, nil
}

var _ executor.ApprovalService = (*Coordinator)(nil)

// newToken returns a 128-bit random token.
func newToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate approval token: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// hashToken digests a token for storage and lookup. Comparing digests avoids
// keeping plaintext anywhere and makes lookup timing independent of the
// stored value.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
