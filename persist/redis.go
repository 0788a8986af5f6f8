package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPersistor stores snapshot records in Redis keyed by content hash.
// Appends use SETNX so concurrent writers of the same hash are idempotent.
type RedisPersistor struct {
	client *redis.Client
	prefix string
}

// NewRedisPersistor connects to the Redis instance described by the
// connection URI (redis://...) and stores snapshots under the given key
// prefix. The connection is verified lazily on first use.
func NewRedisPersistor(connectionString, prefix string) (*RedisPersistor, error) {
	if connectionString == "" {
		return nil, errors.New("redis connection string is required")
	}
	opts, err := redis.ParseURL(connectionString)
	if err != nil {
		return nil, fmt.Errorf("parse redis connection string: %w", err)
	}
	if prefix == "" {
		prefix = "axon"
	}
	return &RedisPersistor{client: redis.NewClient(opts), prefix: prefix}, nil
}

// NewRedisPersistorWithClient wraps an existing Redis client. Callers own the
// client lifecycle; Close on the persistor is a no-op in that layering.
func NewRedisPersistorWithClient(client *redis.Client, prefix string) *RedisPersistor {
	if prefix == "" {
		prefix = "axon"
	}
	return &RedisPersistor{client: client, prefix: prefix}
}

// Append stores the sealed snapshot under its hash. An existing hash is left
// untouched. With UseDelta and a known previous snapshot for the execution
// context, only the state difference is stored.
func (p *RedisPersistor) Append(ctx context.Context, snap *Snapshot, opts AppendOptions) error {
	if err := validateSealed(snap); err != nil {
		return err
	}

	rec := &record{Snapshot: snap, Hash: snap.Hash}
	if opts.UseDelta {
		baseHash, err := p.client.Get(ctx, p.lastKey(snap.XCID)).Result()
		if err == nil && baseHash != "" {
			if base, berr := p.GetByHash(ctx, baseHash); berr == nil {
				changed, removed := diffState(base.State, snap.State)
				rec = &record{
					BaseHash: baseHash,
					XCID:     snap.XCID,
					TS:       snap.Timestamp,
					Changed:  changed,
					Removed:  removed,
					Events:   snap.Events,
					Hash:     snap.Hash,
				}
			}
		} else if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("load last snapshot hash: %w", err)
		}
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal snapshot record: %w", err)
	}
	if err := p.client.SetNX(ctx, p.snapKey(snap.Hash), raw, 0).Err(); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	if err := p.client.Set(ctx, p.lastKey(snap.XCID), snap.Hash, 0).Err(); err != nil {
		return fmt.Errorf("store last snapshot hash: %w", err)
	}
	return nil
}

// GetByHash loads and reassembles the snapshot stored under hash.
func (p *RedisPersistor) GetByHash(ctx context.Context, hash string) (*Snapshot, error) {
	raw, err := p.client.Get(ctx, p.snapKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
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

// Close releases the underlying Redis connection.
func (p *RedisPersistor) Close(context.Context) error {
	return p.client.Close()
}

func (p *RedisPersistor) snapKey(hash string) string {
	return p.prefix + ":snapshot:" + hash
}

func (p *RedisPersistor) lastKey(xcID string) string {
	return p.prefix + ":snapshot:last:" + xcID
}
