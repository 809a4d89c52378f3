package results

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/fluxq/pkg/api"
)

// MongoStore keeps one document per task in a collection.
//
// Writes are conditional upserts: the filter only matches documents the write
// may replace, so an existing document that does not match surfaces as a
// duplicate-key error on _id.
type MongoStore struct {
	coll *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

type mongoResult struct {
	ID        string `bson:"_id"`
	State     string `bson:"state"`
	Payload   []byte `bson:"payload,omitempty"`
	Error     string `bson:"error"`
	UpdatedAt int64  `bson:"updated_at"`
	ExpiresAt int64  `bson:"expires_at"`
}

// NewMongoStore returns a result store using dbName.collName
// (defaults "fluxq" and "task_results").
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "fluxq"
	}
	if collName == "" {
		collName = "task_results"
	}
	s := &MongoStore{coll: client.Database(dbName).Collection(collName)}
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "expires_at", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) write(ctx context.Context, r api.TaskResult, stateFilter bson.M) (bool, error) {
	doc := mongoResult{
		ID:        r.TaskID,
		State:     string(r.State),
		Payload:   r.Payload,
		Error:     r.Error,
		UpdatedAt: nanos(r.UpdatedAt),
		ExpiresAt: nanos(r.ExpiresAt),
	}
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": r.TaskID, "state": stateFilter},
		doc,
		options.Replace().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MongoStore) Create(ctx context.Context, r api.TaskResult) error {
	ok, err := s.write(ctx, r, bson.M{"$in": terminalStrings()})
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrDuplicateTaskID
	}
	return nil
}

func (s *MongoStore) RecordState(ctx context.Context, r api.TaskResult) error {
	ok, err := s.write(ctx, r, bson.M{"$nin": terminalStrings()})
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrTerminalState
	}
	return nil
}

func (s *MongoStore) GetState(ctx context.Context, taskID string) (api.TaskResult, error) {
	var doc mongoResult
	err := s.coll.FindOne(ctx, bson.M{"_id": taskID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return api.TaskResult{}, api.ErrNotFound
	}
	if err != nil {
		return api.TaskResult{}, err
	}
	return api.TaskResult{
		TaskID:    doc.ID,
		State:     api.State(doc.State),
		Payload:   doc.Payload,
		Error:     doc.Error,
		UpdatedAt: fromNanos(doc.UpdatedAt),
		ExpiresAt: fromNanos(doc.ExpiresAt),
	}, nil
}

func (s *MongoStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": taskID})
	return err
}

func (s *MongoStore) Evict(ctx context.Context, now time.Time) (int, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$gt": 0, "$lte": now.UnixNano()}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}
