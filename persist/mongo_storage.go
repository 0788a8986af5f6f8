package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const defaultItemCollection = "kernel_items"

// MongoStorage stores items as documents keyed by _id. Expiring items carry a
// BSON date field covered by a TTL index, so the server reaps them eagerly;
// Retrieve still checks expiry itself because the TTL monitor only runs
// periodically.
type MongoStorage struct {
	client *mongodriver.Client
	coll   *mongodriver.Collection
	owned  bool
}

// itemDoc is the stored document shape for Storage items.
type itemDoc struct {
	ID        string     `bson:"_id"`
	Timestamp int64      `bson:"ts"`
	ExpireAt  int64      `bson:"expireAt,omitempty"`
	ExpiresAt *time.Time `bson:"expiresAt,omitempty"`
	Payload   []byte     `bson:"payload"`
}

// NewMongoStorage connects to MongoDB using the given URI. The collection
// argument is "database/collection"; the collection part defaults to
// kernel_items.
func NewMongoStorage(connectionString, collection string) (*MongoStorage, error) {
	if connectionString == "" {
		return nil, errors.New("mongo connection string is required")
	}
	client, err := mongodriver.Connect(options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	db, coll := splitCollection(collection)
	if db == "" {
		return nil, errors.New("mongo collection must be \"database/collection\"")
	}
	if coll == defaultSnapshotCollection {
		coll = defaultItemCollection
	}
	return &MongoStorage{
		client: client,
		coll:   client.Database(db).Collection(coll),
		owned:  true,
	}, nil
}

// NewMongoStorageWithClient wraps an existing Mongo client. The caller owns
// the client lifecycle.
func NewMongoStorageWithClient(client *mongodriver.Client, database, collection string) (*MongoStorage, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	if database == "" {
		return nil, errors.New("database name is required")
	}
	if collection == "" {
		collection = defaultItemCollection
	}
	return &MongoStorage{client: client, coll: client.Database(database).Collection(collection)}, nil
}

// Initialize verifies connectivity and ensures the TTL index on expiresAt.
func (s *MongoStorage) Initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	_, err := s.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("create ttl index: %w", err)
	}
	return nil
}

// Store inserts or replaces the item.
func (s *MongoStorage) Store(ctx context.Context, item Item) error {
	if item.ID == "" {
		return errors.New("item id is required")
	}
	doc := docFromItem(item)
	_, err := s.coll.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: item.ID}},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store item: %w", err)
	}
	return nil
}

// Retrieve returns the item by id. Items past their expiry that the TTL
// monitor has not reaped yet are deleted and reported as missing.
func (s *MongoStorage) Retrieve(ctx context.Context, id string) (*Item, error) {
	var doc itemDoc
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load item: %w", err)
	}
	item := doc.item()
	if expired(item, time.Now()) {
		_, _ = s.Delete(ctx, id)
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return &item, nil
}

// Delete removes the item and reports whether it existed.
func (s *MongoStorage) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

// Clear removes all items in the collection.
func (s *MongoStorage) Clear(ctx context.Context) error {
	_, err := s.coll.DeleteMany(ctx, bson.D{})
	return err
}

// Stats summarizes the live (non-expired) contents.
func (s *MongoStorage) Stats(ctx context.Context) (StorageStats, error) {
	stats := StorageStats{AdapterType: "mongo"}
	cur, err := s.coll.Find(ctx, bson.D{})
	if err != nil {
		return stats, err
	}
	defer cur.Close(ctx)
	now := time.Now()
	for cur.Next(ctx) {
		var doc itemDoc
		if err := cur.Decode(&doc); err != nil {
			return stats, err
		}
		if expired(doc.item(), now) {
			continue
		}
		stats.ItemCount++
		stats.TotalSize += int64(len(doc.Payload))
	}
	if err := cur.Err(); err != nil {
		return stats, err
	}
	if stats.ItemCount > 0 {
		stats.AverageItemSize = stats.TotalSize / int64(stats.ItemCount)
	}
	return stats, nil
}

// IsHealthy reports whether the Mongo server answers a ping.
func (s *MongoStorage) IsHealthy(ctx context.Context) bool {
	return s.client.Ping(ctx, readpref.Primary()) == nil
}

// Cleanup purges items past their expiry without waiting for the TTL monitor.
func (s *MongoStorage) Cleanup(ctx context.Context) error {
	_, err := s.coll.DeleteMany(ctx, bson.D{
		{Key: "expireAt", Value: bson.D{
			{Key: "$gt", Value: 0},
			{Key: "$lte", Value: time.Now().UnixMilli()},
		}},
	})
	return err
}

// Close disconnects the Mongo client when the storage owns it.
func (s *MongoStorage) Close(ctx context.Context) error {
	if !s.owned {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func docFromItem(item Item) itemDoc {
	doc := itemDoc{
		ID:        item.ID,
		Timestamp: item.Timestamp,
		ExpireAt:  item.ExpireAt,
		Payload:   item.Payload,
	}
	if item.ExpireAt > 0 {
		t := time.UnixMilli(item.ExpireAt).UTC()
		doc.ExpiresAt = &t
	}
	return doc
}

func (d itemDoc) item() Item {
	return Item{
		ID:        d.ID,
		Timestamp: d.Timestamp,
		ExpireAt:  d.ExpireAt,
		Payload:   d.Payload,
	}
}
