package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const defaultSnapshotCollection = "kernel_snapshots"

// MongoPersistor stores snapshot records in a MongoDB collection keyed by
// content hash (_id). Duplicate-key errors on insert are treated as the
// idempotent no-op the Persistor contract requires.
type MongoPersistor struct {
	client *mongodriver.Client
	coll   *mongodriver.Collection
	owned  bool
}

// snapshotDoc is the stored document shape. The record payload is kept as
// canonical JSON so hashes survive BSON round trips unchanged.
type snapshotDoc struct {
	ID     string `bson:"_id"`
	XCID   string `bson:"xcId"`
	TS     int64  `bson:"ts"`
	Record []byte `bson:"record"`
}

// NewMongoPersistor connects to MongoDB using the given URI. The collection
// argument is "database/collection"; the collection part defaults to
// kernel_snapshots.
func NewMongoPersistor(connectionString, collection string) (*MongoPersistor, error) {
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
	return &MongoPersistor{
		client: client,
		coll:   client.Database(db).Collection(coll),
		owned:  true,
	}, nil
}

// NewMongoPersistorWithClient wraps an existing Mongo client. The caller owns
// the client lifecycle.
func NewMongoPersistorWithClient(client *mongodriver.Client, database, collection string) (*MongoPersistor, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	if database == "" {
		return nil, errors.New("database name is required")
	}
	if collection == "" {
		collection = defaultSnapshotCollection
	}
	return &MongoPersistor{client: client, coll: client.Database(database).Collection(collection)}, nil
}

// Append inserts the sealed snapshot document. Inserting an existing hash is
// a no-op. Delta compression stores the state difference against the latest
// snapshot of the same execution context.
func (p *MongoPersistor) Append(ctx context.Context, snap *Snapshot, opts AppendOptions) error {
	if err := validateSealed(snap); err != nil {
		return err
	}

	rec := &record{Snapshot: snap, Hash: snap.Hash}
	if opts.UseDelta {
		if base, err := p.latestForXC(ctx, snap.XCID); err == nil && base != nil {
			changed, removed := diffState(base.State, snap.State)
			rec = &record{
				BaseHash: base.Hash,
				XCID:     snap.XCID,
				TS:       snap.Timestamp,
				Changed:  changed,
				Removed:  removed,
				Events:   snap.Events,
				Hash:     snap.Hash,
			}
		}
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal snapshot record: %w", err)
	}
	_, err = p.coll.InsertOne(ctx, snapshotDoc{
		ID:     snap.Hash,
		XCID:   snap.XCID,
		TS:     snap.Timestamp,
		Record: raw,
	})
	if err != nil && !mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// GetByHash loads and reassembles the snapshot stored under hash.
func (p *MongoPersistor) GetByHash(ctx context.Context, hash string) (*Snapshot, error) {
	var doc snapshotDoc
	err := p.coll.FindOne(ctx, bson.D{{Key: "_id", Value: hash}}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var rec record
	if err := json.Unmarshal(doc.Record, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot record: %w", err)
	}
	if rec.Snapshot != nil {
		return rec.Snapshot, nil
	}
	base, err := p.GetByHash(ctx, rec.BaseHash)
	if err != nil {
		return nil, fmt.Errorf("resolve delta base: %w", err)
	}
	return applyDelta(base, &rec), nil
}

// Close disconnects the Mongo client when the persistor owns it.
func (p *MongoPersistor) Close(ctx context.Context) error {
	if !p.owned {
		return nil
	}
	return p.client.Disconnect(ctx)
}

// latestForXC returns the most recent snapshot for the execution context, or
// nil when none exists.
func (p *MongoPersistor) latestForXC(ctx context.Context, xcID string) (*Snapshot, error) {
	var doc snapshotDoc
	err := p.coll.FindOne(ctx,
		bson.D{{Key: "xcId", Value: xcID}},
		options.FindOne().SetSort(bson.D{{Key: "ts", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p.GetByHash(ctx, doc.ID)
}

func splitCollection(spec string) (database, collection string) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '/' {
			database, collection = spec[:i], spec[i+1:]
			if collection == "" {
				collection = defaultSnapshotCollection
			}
			return database, collection
		}
	}
	return spec, defaultSnapshotCollection
}
