package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/fluxq/pkg/api"
)

// MongoStore implements Store on top of MongoDB.
//
// Collection schema (one document per queued or leased task):
//
//	{
//	  _id:         string,  // task id
//	  queue:       string,
//	  priority:    int,
//	  seq:         int64,   // FIFO sequence from the counters collection
//	  visible_at:  int64,   // unix nanos, 0 when visible
//	  retry_count: int,
//	  deliveries:  int,
//	  task:        []byte,  // gob-encoded Task
//	  tag:         string,  // "" while queued
//	  worker_id:   string,
//	  leased_at:   int64,
//	  deadline:    int64,
//	}
//
// Leasing uses FindOneAndUpdate with a tag == "" filter, which MongoDB applies
// atomically per document.
type MongoStore struct {
	coll     *mongo.Collection
	counters *mongo.Collection
}

// NewMongoStore creates a Mongo-backed store and its indexes.
// dbName defaults to "fluxq", collName to "queue_entries".
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "fluxq"
	}
	if collName == "" {
		collName = "queue_entries"
	}
	db := client.Database(dbName)
	q := &MongoStore{
		coll:     db.Collection(collName),
		counters: db.Collection(collName + "_counters"),
	}
	if err := q.initIndexes(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure MongoStore implements Store.
var _ Store = (*MongoStore)(nil)

type mongoEntry struct {
	ID         string `bson:"_id"`
	Queue      string `bson:"queue"`
	Priority   int    `bson:"priority"`
	Seq        int64  `bson:"seq"`
	VisibleAt  int64  `bson:"visible_at"`
	RetryCount int    `bson:"retry_count"`
	Deliveries int    `bson:"deliveries"`
	Task       []byte `bson:"task"`
	Tag        string `bson:"tag"`
	WorkerID   string `bson:"worker_id"`
	LeasedAt   int64  `bson:"leased_at"`
	Deadline   int64  `bson:"deadline"`
}

func (e mongoEntry) delivery() (api.Delivery, error) {
	task, err := DecodeTask(e.Task)
	if err != nil {
		return api.Delivery{}, fmt.Errorf("task %s: %w", e.ID, err)
	}
	task.Queue = e.Queue
	task.RetryCount = e.RetryCount
	return api.Delivery{
		Task:     task,
		WorkerID: e.WorkerID,
		Tag:      e.Tag,
		LeasedAt: fromNanosInt(e.LeasedAt),
		Deadline: fromNanosInt(e.Deadline),
		Attempt:  e.Deliveries,
	}, nil
}

func fromNanosInt(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (q *MongoStore) initIndexes(ctx context.Context) error {
	_, err := q.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "queue", Value: 1}, {Key: "tag", Value: 1}, {Key: "priority", Value: -1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "tag", Value: 1}}},
		{Keys: bson.D{{Key: "deadline", Value: 1}}},
	})
	return err
}

func (q *MongoStore) nextSeq(ctx context.Context) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := q.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "seq"},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("mongo: next sequence: %w", err)
	}
	return doc.Value, nil
}

func (q *MongoStore) Put(ctx context.Context, task api.Task, visibleAt time.Time) error {
	blob, err := EncodeTask(task)
	if err != nil {
		return err
	}
	seq, err := q.nextSeq(ctx)
	if err != nil {
		return err
	}

	_, err = q.coll.InsertOne(ctx, mongoEntry{
		ID:         task.ID,
		Queue:      task.Queue,
		Priority:   task.Priority,
		Seq:        seq,
		VisibleAt:  nanos(visibleAt),
		RetryCount: task.RetryCount,
		Task:       blob,
	})
	if mongo.IsDuplicateKeyError(err) {
		return api.ErrDuplicateTaskID
	}
	return err
}

func (q *MongoStore) Lease(ctx context.Context, req LeaseRequest) ([]api.Delivery, error) {
	if req.Limit <= 0 || len(req.Queues) == 0 {
		return nil, nil
	}

	now := req.Now.UnixNano()
	deadline := req.Now.Add(req.TTL).UnixNano()
	filter := bson.M{
		"queue":      bson.M{"$in": req.Queues},
		"tag":        "",
		"visible_at": bson.M{"$lte": now},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "seq", Value: 1}}).
		SetReturnDocument(options.After)

	var out []api.Delivery
	for len(out) < req.Limit {
		update := bson.M{
			"$set": bson.M{
				"tag":       uuid.NewString(),
				"worker_id": req.WorkerID,
				"leased_at": now,
				"deadline":  deadline,
			},
			"$inc": bson.M{"deliveries": 1},
		}

		var doc mongoEntry
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return out, err
		}

		d, err := doc.delivery()
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (q *MongoStore) Lookup(ctx context.Context, tag string) (api.Delivery, error) {
	if tag == "" {
		return api.Delivery{}, api.ErrLeaseExpired
	}
	var doc mongoEntry
	err := q.coll.FindOne(ctx, bson.M{"tag": tag}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return api.Delivery{}, api.ErrLeaseExpired
	}
	if err != nil {
		return api.Delivery{}, err
	}
	return doc.delivery()
}

func (q *MongoStore) Ack(ctx context.Context, tag string) (bool, error) {
	if tag == "" {
		return false, nil
	}
	res, err := q.coll.DeleteOne(ctx, bson.M{"tag": tag})
	if err != nil {
		return false, err
	}
	return res.DeletedCount == 1, nil
}

func (q *MongoStore) Requeue(ctx context.Context, tag string, r Requeue) (bool, error) {
	if tag == "" {
		return false, nil
	}

	set := bson.M{
		"tag":         "",
		"worker_id":   "",
		"leased_at":   int64(0),
		"deadline":    int64(0),
		"retry_count": r.RetryCount,
		"visible_at":  nanos(r.VisibleAt),
	}
	if r.Queue != "" {
		set["queue"] = r.Queue
	}
	if r.Resequence {
		seq, err := q.nextSeq(ctx)
		if err != nil {
			return false, err
		}
		set["seq"] = seq
	}

	res, err := q.coll.UpdateOne(ctx, bson.M{"tag": tag}, bson.M{"$set": set})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

func (q *MongoStore) Expired(ctx context.Context, now time.Time, limit int) ([]api.Delivery, error) {
	if limit <= 0 {
		limit = 1000
	}
	cur, err := q.coll.Find(ctx,
		bson.M{"tag": bson.M{"$ne": ""}, "deadline": bson.M{"$lte": now.UnixNano()}},
		options.Find().SetSort(bson.D{{Key: "deadline", Value: 1}}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.Delivery
	for cur.Next(ctx) {
		var doc mongoEntry
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		d, err := doc.delivery()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, cur.Err()
}

func (q *MongoStore) Remove(ctx context.Context, taskID string) (bool, error) {
	res, err := q.coll.DeleteOne(ctx, bson.M{"_id": taskID, "tag": ""})
	if err != nil {
		return false, err
	}
	return res.DeletedCount == 1, nil
}

func (q *MongoStore) Len(ctx context.Context, queue string) (int, error) {
	n, err := q.coll.CountDocuments(ctx, bson.M{"queue": queue, "tag": ""})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
