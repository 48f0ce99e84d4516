// Package mongo persists approval records. The pending-status filter on
// updates makes resolution a compare-and-swap: the first resolver wins and
// every later attempt observes a conflict.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/reconflow/reconflow/approval"
	"github.com/reconflow/reconflow/rferr"
)

// Store implements approval.Store over one collection.
type Store struct {
	coll *mongo.Collection
}

// New builds the store and ensures its indexes.
func New(ctx context.Context, coll *mongo.Collection) (*Store, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "request_id", Value: 1}}},
		{Keys: bson.D{{Key: "approve_token_hash", Value: 1}}},
		{Keys: bson.D{{Key: "reject_token_hash", Value: 1}}},
		{Keys: bson.D{{Key: "organization_id", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("create approval indexes: %w", err)
	}
	return &Store{coll: coll}, nil
}

// Create inserts a record.
func (s *Store) Create(ctx context.Context, rec approval.Record) (approval.Record, error) {
	if _, err := s.coll.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return approval.Record{}, rferr.New(rferr.KindConflict, "approval already exists").
				WithField("approvalId", rec.ID)
		}
		return approval.Record{}, fmt.Errorf("insert approval: %w", err)
	}
	return rec, nil
}

// Get returns a record scoped to the organization.
func (s *Store) Get(ctx context.Context, orgID, id string) (approval.Record, error) {
	return s.findOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "organization_id", Value: orgID},
	})
}

// GetByRequestID returns the record for a run's request id.
func (s *Store) GetByRequestID(ctx context.Context, runID, requestID string) (approval.Record, error) {
	return s.findOne(ctx, bson.D{
		{Key: "run_id", Value: runID},
		{Key: "request_id", Value: requestID},
	})
}

// List returns the organization's records ordered by creation time.
func (s *Store) List(ctx context.Context, orgID string, onlyPending bool) ([]approval.Record, error) {
	filter := bson.D{{Key: "organization_id", Value: orgID}}
	if onlyPending {
		filter = append(filter, bson.E{Key: "status", Value: approval.StatusPending})
	}
	return s.findAll(ctx, filter)
}

// ListPendingByRun returns the run's pending records.
func (s *Store) ListPendingByRun(ctx context.Context, runID string) ([]approval.Record, error) {
	return s.findAll(ctx, bson.D{
		{Key: "run_id", Value: runID},
		{Key: "status", Value: approval.StatusPending},
	})
}

// FindByTokenHash locates a record by either token digest. Digest equality
// is what the index compares; plaintext tokens never reach the database.
func (s *Store) FindByTokenHash(ctx context.Context, hash string) (approval.Record, approval.TokenRole, error) {
	rec, err := s.findOne(ctx, bson.D{{Key: "approve_token_hash", Value: hash}})
	if err == nil {
		return rec, approval.TokenApprove, nil
	}
	if !rferr.IsKind(err, rferr.KindNotFound) {
		return approval.Record{}, "", err
	}
	rec, err = s.findOne(ctx, bson.D{{Key: "reject_token_hash", Value: hash}})
	if err != nil {
		return approval.Record{}, "", err
	}
	return rec, approval.TokenReject, nil
}

// Transition atomically moves a pending record to a terminal status.
func (s *Store) Transition(ctx context.Context, id string, status approval.Status, res *approval.Resolution) (approval.Record, error) {
	var rec approval.Record
	err := s.coll.FindOneAndUpdate(ctx,
		bson.D{
			{Key: "_id", Value: id},
			{Key: "status", Value: approval.StatusPending},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: status},
			{Key: "resolution", Value: res},
		}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Missing or no longer pending; read back for the precise error.
		existing, gerr := s.findOne(ctx, bson.D{{Key: "_id", Value: id}})
		if gerr != nil {
			return approval.Record{}, gerr
		}
		return approval.Record{}, rferr.New(rferr.KindConflict, "approval already resolved").
			WithField("approvalId", id).WithField("status", string(existing.Status))
	}
	if err != nil {
		return approval.Record{}, fmt.Errorf("transition approval: %w", err)
	}
	return rec, nil
}

func (s *Store) findOne(ctx context.Context, filter bson.D) (approval.Record, error) {
	var rec approval.Record
	err := s.coll.FindOne(ctx, filter).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return approval.Record{}, rferr.New(rferr.KindNotFound, "approval not found")
	}
	if err != nil {
		return approval.Record{}, fmt.Errorf("get approval: %w", err)
	}
	return rec, nil
}

func (s *Store) findAll(ctx context.Context, filter bson.D) ([]approval.Record, error) {
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer cur.Close(ctx)
	var out []approval.Record
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode approvals: %w", err)
	}
	return out, nil
}
