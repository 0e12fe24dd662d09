package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/graphflow/pkg/api"
)

// MongoRunStore is a RunStore backed by a MongoDB collection. The snapshot
// is stored as an opaque gob payload next to the indexed fields.
type MongoRunStore struct {
	coll *mongo.Collection
}

var _ RunStore = (*MongoRunStore)(nil)

// NewMongoRunStore creates a Mongo-backed run store.
// dbName defaults to "graphflow" if empty, collName defaults to "runs".
func NewMongoRunStore(client *mongo.Client, dbName, collName string) *MongoRunStore {
	if dbName == "" {
		dbName = "graphflow"
	}
	if collName == "" {
		collName = "runs"
	}

	return &MongoRunStore{
		coll: client.Database(dbName).Collection(collName),
	}
}

type mongoRunDoc struct {
	ID        string    `bson:"_id"`
	Graph     string    `bson:"graph_name"`
	Status    string    `bson:"status"`
	Reason    string    `bson:"reason,omitempty"`
	Snapshot  []byte    `bson:"snapshot"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func newMongoRunDoc(snap *api.RunSnapshot) (mongoRunDoc, error) {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return mongoRunDoc{}, err
	}
	return mongoRunDoc{
		ID:        snap.RunID,
		Graph:     snap.Graph,
		Status:    string(snap.Status),
		Reason:    snap.Reason,
		Snapshot:  data,
		UpdatedAt: updatedAt(snap),
	}, nil
}

func (s *MongoRunStore) SaveRun(ctx context.Context, snap *api.RunSnapshot) error {
	doc, err := newMongoRunDoc(snap)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = s.coll.InsertOne(ctx, doc)
	return err
}

func (s *MongoRunStore) UpdateRun(ctx context.Context, snap *api.RunSnapshot) error {
	doc, err := newMongoRunDoc(snap)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"graph_name": doc.Graph,
			"status":     doc.Status,
			"reason":     doc.Reason,
			"snapshot":   doc.Snapshot,
			"updated_at": doc.UpdatedAt,
		},
	}

	res, err := s.coll.UpdateByID(ctx, doc.ID, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *MongoRunStore) GetRun(ctx context.Context, id string) (*api.RunSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc mongoRunDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return DecodeSnapshot(doc.Snapshot)
}

func (s *MongoRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	bfilter := bson.M{}
	if filter.Graph != "" {
		bfilter["graph_name"] = filter.Graph
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	cur, err := s.coll.Find(ctx, bfilter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.RunSnapshot
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		snap, err := DecodeSnapshot(doc.Snapshot)
		if err != nil {
			return nil, err
		}
		results = append(results, snap)
	}

	if err := cur.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
