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
)

// MongoQueue implements Queue on top of MongoDB. A task is leased with a
// single FindOneAndUpdate, so concurrent workers never claim the same
// document.
//
// Collection schema:
//
//	{
//	  _id:         string,    // task ID
//	  payload:     []byte,    // gob-encoded Task
//	  not_before:  time.Time,
//	  created_at:  time.Time,
//	  attempts:    int,
//	  lease_owner: string,
//	  lease_until: time.Time,
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "graphflow", collName to "queue_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "graphflow"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 100 * time.Millisecond,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	ID         string    `bson:"_id"`
	Payload    []byte    `bson:"payload"`
	NotBefore  time.Time `bson:"not_before"`
	CreatedAt  time.Time `bson:"created_at"`
	Attempts   int       `bson:"attempts"`
	LeaseOwner string    `bson:"lease_owner"`
	LeaseUntil time.Time `bson:"lease_until"`
}

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, uuid.NewString)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.coll.InsertOne(ctx, mongoQueueDoc{
		ID:        t.ID,
		Payload:   data,
		NotBefore: t.NotBefore.UTC(),
		CreatedAt: time.Now().UTC(),
		Attempts:  t.Attempts,
	})
	return err
}

// Dequeue blocks (via polling) until a task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		filter := bson.M{
			"not_before": bson.M{"$lte": now},
			"$or": bson.A{
				bson.M{"lease_owner": ""},
				bson.M{"lease_until": bson.M{"$lte": now}},
			},
		}
		update := bson.M{"$set": bson.M{"lease_owner": owner, "lease_until": now.Add(leaseTTL)}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "created_at", Value: 1}}).
			SetReturnDocument(options.After)

		var doc mongoQueueDoc
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			if err := wait(ctx, tmr, q.pollInterval); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		t, err := DecodeTask(doc.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode task %q: %w", doc.ID, err)
		}
		t.NotBefore = doc.NotBefore
		t.Attempts = doc.Attempts
		return t, nil
	}
}

func (q *MongoQueue) leasedFilter(taskID, owner string) bson.M {
	return bson.M{
		"_id":         taskID,
		"lease_owner": owner,
		"lease_until": bson.M{"$gt": time.Now().UTC()},
	}
}

// miss explains why a leased operation matched nothing.
func (q *MongoQueue) miss(ctx context.Context, taskID, owner string) error {
	n, err := q.coll.CountDocuments(ctx, bson.M{"_id": taskID})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	return fmt.Errorf("%w: %q by %q", ErrLeaseLost, taskID, owner)
}

func (q *MongoQueue) update(ctx context.Context, taskID, owner string, set bson.M) error {
	res, err := q.coll.UpdateOne(ctx, q.leasedFilter(taskID, owner), bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return q.miss(ctx, taskID, owner)
	}
	return nil
}

func (q *MongoQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.coll.DeleteOne(ctx, q.leasedFilter(taskID, owner))
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return q.miss(ctx, taskID, owner)
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	return q.update(ctx, taskID, owner, bson.M{
		"lease_owner": "",
		"lease_until": time.Time{},
		"not_before":  notBefore.UTC(),
		"attempts":    attempts,
	})
}

func (q *MongoQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	return q.update(ctx, taskID, owner, bson.M{"lease_until": time.Now().UTC().Add(leaseTTL)})
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0
	}
	return int(n)
}
