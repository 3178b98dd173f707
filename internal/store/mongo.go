package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/IshaanNene/portalsession/internal/types"
)

// MongoStore keeps one document per user keyed by _id.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *slog.Logger
}

// NewMongoStore connects and pings the server.
func NewMongoStore(ctx context.Context, uri, database, collection string, logger *slog.Logger) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &types.StorageError{Backend: "mongo", Err: fmt.Errorf("connect: %w", err)}
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &types.StorageError{Backend: "mongo", Err: fmt.Errorf("ping: %w", err)}
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "expires_at", Value: 1}}})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &types.StorageError{Backend: "mongo", Err: fmt.Errorf("create index: %w", err)}
	}

	s := &MongoStore{
		client:     client,
		collection: coll,
		logger:     logger.With("component", "mongo_store"),
	}
	s.logger.Info("mongo store ready", "database", database, "collection", collection)
	return s, nil
}

func (s *MongoStore) Name() string { return "mongo" }

func (s *MongoStore) Get(ctx context.Context, userID string) (*types.SessionRecord, error) {
	var r record
	err := s.collection.FindOne(ctx, bson.M{"_id": userID}).Decode(&r)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, types.ErrSessionNotFound
	case err != nil:
		return nil, &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("get %s: %w", userID, err)}
	}
	return r.session(), nil
}

func (s *MongoStore) Upsert(ctx context.Context, rec *types.SessionRecord) error {
	if err := validate(rec); err != nil {
		return &types.StorageError{Backend: s.Name(), Err: err}
	}
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": rec.UserID},
		toRecord(rec),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("upsert %s: %w", rec.UserID, err)}
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": userID}); err != nil {
		return &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("delete %s: %w", userID, err)}
	}
	return nil
}

func (s *MongoStore) Expiring(ctx context.Context, from, to time.Time) ([]string, error) {
	filter := bson.M{"expires_at": bson.M{"$gt": from.UTC(), "$lte": to.UTC()}}
	cur, err := s.collection.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("find expiring: %w", err)}
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("decode: %w", err)}
		}
		ids = append(ids, doc.ID)
	}
	if err := cur.Err(); err != nil {
		return nil, &types.StorageError{Backend: s.Name(), Err: err}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
