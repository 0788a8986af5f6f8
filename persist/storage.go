package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// Item is the unit stored by a Storage adapter. ExpireAt of zero means the
	// item never expires.
	Item struct {
		// ID uniquely identifies the item within the store.
		ID string `json:"id"`
		// Timestamp is the item creation time in epoch milliseconds.
		Timestamp int64 `json:"timestamp"`
		// ExpireAt is the expiry time in epoch milliseconds, zero for none.
		ExpireAt int64 `json:"expireAt,omitempty"`
		// Payload is the stored value.
		Payload json.RawMessage `json:"payload"`
	}

	// StorageStats summarizes the contents of a Storage adapter.
	StorageStats struct {
		ItemCount       int
		TotalSize       int64
		AverageItemSize int64
		AdapterType     string
	}

	// Storage is the generic item-store contract shared by kernel components
	// (DLQ persistence, idempotency records, tool caches). Expired items are
	// purged lazily on read and eagerly by Cleanup.
	Storage interface {
		Initialize(ctx context.Context) error
		Store(ctx context.Context, item Item) error
		Retrieve(ctx context.Context, id string) (*Item, error)
		Delete(ctx context.Context, id string) (bool, error)
		Clear(ctx context.Context) error
		Stats(ctx context.Context) (StorageStats, error)
		IsHealthy(ctx context.Context) bool
		Cleanup(ctx context.Context) error
	}

	// MemoryStorage is the in-process Storage adapter. A background sweeper
	// purges expired items every cleanup interval once Initialize is called.
	MemoryStorage struct {
		mu       sync.RWMutex
		items    map[string]Item
		interval time.Duration
		stop     chan struct{}
		once     sync.Once
	}

	// RedisStorage stores items as JSON values with native Redis TTLs.
	RedisStorage struct {
		client *redis.Client
		prefix string
	}
)

// ErrItemNotFound reports a missing or expired item.
var ErrItemNotFound = errors.New("item not found")

// DefaultCleanupInterval is the eager expiry sweep period.
const DefaultCleanupInterval = 2 * time.Minute

// NewMemoryStorage returns an in-memory Storage. A non-positive cleanup
// interval falls back to DefaultCleanupInterval.
func NewMemoryStorage(cleanupInterval time.Duration) *MemoryStorage {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &MemoryStorage{
		items:    make(map[string]Item),
		interval: cleanupInterval,
		stop:     make(chan struct{}),
	}
}

// Initialize starts the eager expiry sweeper. Calling it more than once is a
// no-op.
func (s *MemoryStorage) Initialize(context.Context) error {
	s.once.Do(func() {
		go func() {
			ticker := time.NewTicker(s.interval)
			defer ticker.Stop()
			for {
				select {
				case <-s.stop:
					return
				case <-ticker.C:
					_ = s.Cleanup(context.Background())
				}
			}
		}()
	})
	return nil
}

// Store inserts or replaces the item.
func (s *MemoryStorage) Store(_ context.Context, item Item) error {
	if item.ID == "" {
		return errors.New("item id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return nil
}

// Retrieve returns the item by id. Expired items are purged and reported as
// missing.
func (s *MemoryStorage) Retrieve(_ context.Context, id string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if expired(item, time.Now()) {
		delete(s.items, id)
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return &item, nil
}

// Delete removes the item and reports whether it existed.
func (s *MemoryStorage) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[id]
	delete(s.items, id)
	return ok, nil
}

// Clear removes all items.
func (s *MemoryStorage) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]Item)
	return nil
}

// Stats summarizes the live (non-expired) contents.
func (s *MemoryStorage) Stats(context.Context) (StorageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var count int
	var total int64
	for _, item := range s.items {
		if expired(item, now) {
			continue
		}
		count++
		total += int64(len(item.Payload))
	}
	stats := StorageStats{ItemCount: count, TotalSize: total, AdapterType: "memory"}
	if count > 0 {
		stats.AverageItemSize = total / int64(count)
	}
	return stats, nil
}

// IsHealthy always reports true for the in-memory adapter.
func (s *MemoryStorage) IsHealthy(context.Context) bool { return true }

// Cleanup eagerly purges expired items.
func (s *MemoryStorage) Cleanup(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, item := range s.items {
		if expired(item, now) {
			delete(s.items, id)
		}
	}
	return nil
}

// Close stops the background sweeper.
func (s *MemoryStorage) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

func expired(item Item, now time.Time) bool {
	return item.ExpireAt > 0 && item.ExpireAt <= now.UnixMilli()
}

// NewRedisStorage returns a Storage backed by the given Redis client. Items
// with an expiry use native Redis TTLs, so both lazy and eager purging are
// delegated to the server.
func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "axon:storage"
	}
	return &RedisStorage{client: client, prefix: prefix}
}

// Initialize verifies connectivity.
func (s *RedisStorage) Initialize(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Store writes the item, applying a TTL when ExpireAt is set.
func (s *RedisStorage) Store(ctx context.Context, item Item) error {
	if item.ID == "" {
		return errors.New("item id is required")
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	var ttl time.Duration
	if item.ExpireAt > 0 {
		ttl = time.Until(time.UnixMilli(item.ExpireAt))
		if ttl <= 0 {
			return nil // already expired, nothing to store
		}
	}
	return s.client.Set(ctx, s.key(item.ID), raw, ttl).Err()
}

// Retrieve returns the item by id.
func (s *RedisStorage) Retrieve(ctx context.Context, id string) (*Item, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load item: %w", err)
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	if expired(item, time.Now()) {
		_, _ = s.Delete(ctx, id)
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return &item, nil
}

// Delete removes the item and reports whether it existed.
func (s *RedisStorage) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Clear removes all items under the adapter prefix.
func (s *RedisStorage) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Stats summarizes the stored items under the adapter prefix.
func (s *RedisStorage) Stats(ctx context.Context) (StorageStats, error) {
	stats := StorageStats{AdapterType: "redis"}
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		size, err := s.client.StrLen(ctx, iter.Val()).Result()
		if err != nil {
			return stats, err
		}
		stats.ItemCount++
		stats.TotalSize += size
	}
	if err := iter.Err(); err != nil {
		return stats, err
	}
	if stats.ItemCount > 0 {
		stats.AverageItemSize = stats.TotalSize / int64(stats.ItemCount)
	}
	return stats, nil
}

// IsHealthy reports whether the Redis server answers a ping.
func (s *RedisStorage) IsHealthy(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// Cleanup is a no-op: Redis expires items server-side.
func (s *RedisStorage) Cleanup(context.Context) error { return nil }

func (s *RedisStorage) key(id string) string {
	return s.prefix + ":" + id
}
