package persist

import (
	"context"
	"fmt"
	"sync"
)

type (
	// AdapterType selects a Persistor backend.
	AdapterType string

	// AdapterConfig identifies an external snapshot store. The factory caches
	// adapters by the full key, so two callers asking for the same backend
	// share one client.
	AdapterConfig struct {
		// Type selects the backend: memory, redis or mongo.
		Type AdapterType `yaml:"type"`
		// ConnectionString is the backend connection URI. Ignored for memory.
		ConnectionString string `yaml:"connectionString"`
		// Collection is the collection, key prefix or namespace to store
		// snapshots under.
		Collection string `yaml:"collection"`
	}

	// Factory builds and caches Persistor adapters. Adapters are initialized
	// lazily on first use.
	Factory struct {
		mu    sync.Mutex
		cache map[AdapterConfig]Persistor
	}
)

const (
	// AdapterMemory stores snapshots in process memory.
	AdapterMemory AdapterType = "memory"
	// AdapterRedis stores snapshots in Redis keyed by hash.
	AdapterRedis AdapterType = "redis"
	// AdapterMongo stores snapshots in a MongoDB collection keyed by hash.
	AdapterMongo AdapterType = "mongo"
)

// NewFactory returns an empty adapter factory.
func NewFactory() *Factory {
	return &Factory{cache: make(map[AdapterConfig]Persistor)}
}

// Persistor returns the adapter for the given config, creating it on first
// request. The same config always yields the same adapter instance.
func (f *Factory) Persistor(cfg AdapterConfig) (Persistor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.cache[cfg]; ok {
		return p, nil
	}

	var (
		p   Persistor
		err error
	)
	switch cfg.Type {
	case AdapterMemory, "":
		p = NewMemoryPersistor()
	case AdapterRedis:
		p, err = NewRedisPersistor(cfg.ConnectionString, cfg.Collection)
	case AdapterMongo:
		p, err = NewMongoPersistor(cfg.ConnectionString, cfg.Collection)
	default:
		err = fmt.Errorf("unknown persistor adapter type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	f.cache[cfg] = p
	return p, nil
}

// Close releases all cached adapters that hold external connections.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for key, p := range f.cache {
		if closer, ok := p.(interface{ Close(context.Context) error }); ok {
			if err := closer.Close(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(f.cache, key)
	}
	return firstErr
}
