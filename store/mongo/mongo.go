// Package mongo is the MongoDB-backed store. Version numbers are assigned
// with the same unique-index retry discipline as the trace sink so concurrent
// commits never mint the same number twice.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/google/uuid"

	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/store"
)

const commitRetries = 8

// Store implements store.Store over three collections.
type Store struct {
	workflows *mongo.Collection
	versions  *mongo.Collection
	runs      *mongo.Collection
}

// New builds the store over db and ensures its indexes.
func New(ctx context.Context, db *mongo.Database) (*Store, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	s := &Store{
		workflows: db.Collection("workflows"),
		versions:  db.Collection("workflow_versions"),
		runs:      db.Collection("runs"),
	}
	_, err := s.versions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create version index: %w", err)
	}
	_, err = s.runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "organization_id", Value: 1}, {Key: "workflow_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create run index: %w", err)
	}
	return s, nil
}

// CreateWorkflow inserts a draft, assigning an id when missing.
func (s *Store) CreateWorkflow(ctx context.Context, wf store.Workflow) (store.Workflow, error) {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	if _, err := s.workflows.InsertOne(ctx, wf); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.Workflow{}, rferr.New(rferr.KindConflict, "workflow already exists").WithField("workflowId", wf.ID)
		}
		return store.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	return wf, nil
}

// UpdateWorkflow replaces a draft's mutable fields.
func (s *Store) UpdateWorkflow(ctx context.Context, wf store.Workflow) (store.Workflow, error) {
	wf.UpdatedAt = time.Now().UTC()
	res, err := s.workflows.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: wf.ID}, {Key: "organization_id", Value: wf.OrganizationID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "name", Value: wf.Name},
			{Key: "description", Value: wf.Description},
			{Key: "graph", Value: wf.Graph},
			{Key: "updated_at", Value: wf.UpdatedAt},
		}}},
	)
	if err != nil {
		return store.Workflow{}, fmt.Errorf("update workflow: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.Workflow{}, notFoundWorkflow(wf.ID)
	}
	return s.GetWorkflow(ctx, wf.OrganizationID, wf.ID)
}

// GetWorkflow returns a draft scoped to the organization.
func (s *Store) GetWorkflow(ctx context.Context, orgID, id string) (store.Workflow, error) {
	var wf store.Workflow
	err := s.workflows.FindOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "organization_id", Value: orgID},
	}).Decode(&wf)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Workflow{}, notFoundWorkflow(id)
	}
	if err != nil {
		return store.Workflow{}, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns the organization's drafts ordered by creation time.
func (s *Store) ListWorkflows(ctx context.Context, orgID string) ([]store.Workflow, error) {
	cur, err := s.workflows.Find(ctx,
		bson.D{{Key: "organization_id", Value: orgID}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer cur.Close(ctx)
	var out []store.Workflow
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode workflows: %w", err)
	}
	return out, nil
}

// DeleteWorkflow removes a draft.
func (s *Store) DeleteWorkflow(ctx context.Context, orgID, id string) error {
	res, err := s.workflows.DeleteOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "organization_id", Value: orgID},
	})
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if res.DeletedCount == 0 {
		return notFoundWorkflow(id)
	}
	return nil
}

// CommitVersion assigns the next version number and inserts the snapshot,
// retrying on unique-index collisions. A commit whose plan hash matches the
// latest version returns that version unchanged.
func (s *Store) CommitVersion(ctx context.Context, v store.Version) (store.Version, error) {
	for attempt := 0; attempt < commitRetries; attempt++ {
		latest, err := s.LatestVersion(ctx, v.WorkflowID)
		switch {
		case err == nil:
			if latest.PlanHash == v.PlanHash {
				return latest, nil
			}
			v.Number = latest.Number + 1
		case rferr.IsKind(err, rferr.KindNotFound):
			v.Number = 1
		default:
			return store.Version{}, err
		}
		v.CommittedAt = time.Now().UTC()
		_, err = s.versions.InsertOne(ctx, v)
		if err == nil {
			return v, nil
		}
		if mongo.IsDuplicateKeyError(err) {
			continue
		}
		return store.Version{}, fmt.Errorf("insert version: %w", err)
	}
	return store.Version{}, fmt.Errorf("commit version: lost number race %d times for workflow %s", commitRetries, v.WorkflowID)
}

// GetVersion returns one committed version.
func (s *Store) GetVersion(ctx context.Context, workflowID string, number int) (store.Version, error) {
	var v store.Version
	err := s.versions.FindOne(ctx, bson.D{
		{Key: "workflow_id", Value: workflowID},
		{Key: "version", Value: number},
	}).Decode(&v)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Version{}, rferr.New(rferr.KindNotFound, "workflow version not found").
			WithField("workflowId", workflowID).WithField("version", number)
	}
	if err != nil {
		return store.Version{}, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

// LatestVersion returns the most recently committed version.
func (s *Store) LatestVersion(ctx context.Context, workflowID string) (store.Version, error) {
	var v store.Version
	err := s.versions.FindOne(ctx,
		bson.D{{Key: "workflow_id", Value: workflowID}},
		options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}}),
	).Decode(&v)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Version{}, rferr.New(rferr.KindNotFound, "workflow has no committed version").
			WithField("workflowId", workflowID)
	}
	if err != nil {
		return store.Version{}, fmt.Errorf("get latest version: %w", err)
	}
	return v, nil
}

// CreateRun inserts a run record.
func (s *Store) CreateRun(ctx context.Context, r store.Run) (store.Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = store.RunPending
	}
	r.CreatedAt = time.Now().UTC()
	if _, err := s.runs.InsertOne(ctx, r); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.Run{}, rferr.New(rferr.KindConflict, "run already exists").WithField("runId", r.ID)
		}
		return store.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

// GetRun returns a run scoped to the organization.
func (s *Store) GetRun(ctx context.Context, orgID, id string) (store.Run, error) {
	filter := bson.D{{Key: "_id", Value: id}}
	if orgID != "" {
		filter = append(filter, bson.E{Key: "organization_id", Value: orgID})
	}
	var r store.Run
	err := s.runs.FindOne(ctx, filter).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Run{}, notFoundRun(id)
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the workflow's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, orgID, workflowID string) ([]store.Run, error) {
	cur, err := s.runs.Find(ctx,
		bson.D{{Key: "organization_id", Value: orgID}, {Key: "workflow_id", Value: workflowID}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer cur.Close(ctx)
	var out []store.Run
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode runs: %w", err)
	}
	return out, nil
}

// UpdateRunStatus transitions a run's status. The filter excludes terminal
// statuses so late engine callbacks cannot resurrect a finished run.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status store.RunStatus) error {
	set := bson.D{{Key: "status", Value: status}}
	if status == store.RunRunning {
		set = append(set, bson.E{Key: "started_at", Value: time.Now().UTC()})
	}
	res, err := s.runs.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: id},
			{Key: "status", Value: bson.D{{Key: "$nin", Value: terminalStatuses()}}},
		},
		bson.D{{Key: "$set", Value: set}},
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.statusConflictOrNotFound(ctx, id)
	}
	return nil
}

// CompleteRun records a terminal status with outputs or a failure message.
func (s *Store) CompleteRun(ctx context.Context, id string, status store.RunStatus, outputs map[string]any, errMsg string) error {
	res, err := s.runs.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: id},
			{Key: "status", Value: bson.D{{Key: "$nin", Value: terminalStatuses()}}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: status},
			{Key: "outputs", Value: outputs},
			{Key: "error", Value: errMsg},
			{Key: "completed_at", Value: time.Now().UTC()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.statusConflictOrNotFound(ctx, id)
	}
	return nil
}

func (s *Store) statusConflictOrNotFound(ctx context.Context, id string) error {
	var r store.Run
	err := s.runs.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return notFoundRun(id)
	}
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	return rferr.New(rferr.KindConflict, "run already finished").
		WithField("runId", id).WithField("status", string(r.Status))
}

func terminalStatuses() bson.A {
	return bson.A{store.RunCompleted, store.RunFailed, store.RunCancelled}
}

func notFoundWorkflow(id string) error {
	return rferr.New(rferr.KindNotFound, "workflow not found").WithField("workflowId", id)
}

func notFoundRun(id string) error {
	return rferr.New(rferr.KindNotFound, "run not found").WithField("runId", id)
}
