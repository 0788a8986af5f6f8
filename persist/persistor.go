package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kernelworks/axon/event"
)

// ErrSnapshotNotFound reports that no snapshot exists for the requested hash.
var ErrSnapshotNotFound = errors.New("snapshot not found")

type (
	// Persistor is the snapshot store contract. Append is idempotent by hash;
	// GetByHash returns ErrSnapshotNotFound when the hash is unknown.
	Persistor interface {
		Append(ctx context.Context, snap *Snapshot, opts AppendOptions) error
		GetByHash(ctx context.Context, hash string) (*Snapshot, error)
	}

	// AppendOptions tunes a single append call.
	AppendOptions struct {
		// UseDelta stores only the state changes relative to the previous
		// snapshot of the same execution context when one exists. Reads
		// reassemble transparently.
		UseDelta bool
	}

	// record is the stored form of a snapshot: either a full copy or a delta
	// against a base hash.
	record struct {
		Snapshot *Snapshot      `json:"snapshot,omitempty"`
		BaseHash string         `json:"baseHash,omitempty"`
		XCID     string         `json:"xcId,omitempty"`
		TS       int64          `json:"ts,omitempty"`
		Changed  map[string]any `json:"changed,omitempty"`
		Removed  []string       `json:"removed,omitempty"`
		Events   []*event.Event `json:"events,omitempty"`
		Hash     string         `json:"hash,omitempty"`
	}

	// MemoryPersistor is the in-process Persistor used by default and in tests.
	// It is safe for concurrent use.
	MemoryPersistor struct {
		mu       sync.RWMutex
		records  map[string]*record
		lastByXC map[string]string
	}
)

// NewMemoryPersistor returns an empty in-memory snapshot store.
func NewMemoryPersistor() *MemoryPersistor {
	return &MemoryPersistor{
		records:  make(map[string]*record),
		lastByXC: make(map[string]string),
	}
}

// Append stores the snapshot under its hash. Appending a hash that already
// exists is a no-op. With UseDelta and a prior snapshot for the same
// execution context, only the state difference is retained.
func (p *MemoryPersistor) Append(_ context.Context, snap *Snapshot, opts AppendOptions) error {
	if err := validateSealed(snap); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.records[snap.Hash]; exists {
		return nil
	}

	rec := &record{Snapshot: snap, Hash: snap.Hash}
	if opts.UseDelta {
		if baseHash, ok := p.lastByXC[snap.XCID]; ok {
			if base, err := p.resolveLocked(baseHash); err == nil {
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
		}
	}
	p.records[snap.Hash] = rec
	p.lastByXC[snap.XCID] = snap.Hash
	return nil
}

// GetByHash returns the snapshot stored under hash, reassembling delta
// records against their base chain.
func (p *MemoryPersistor) GetByHash(_ context.Context, hash string) (*Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.resolveLocked(hash)
}

func (p *MemoryPersistor) resolveLocked(hash string) (*Snapshot, error) {
	rec, ok := p.records[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, hash)
	}
	if rec.Snapshot != nil {
		return rec.Snapshot, nil
	}
	base, err := p.resolveLocked(rec.BaseHash)
	if err != nil {
		return nil, fmt.Errorf("resolve delta base: %w", err)
	}
	return applyDelta(base, rec), nil
}

// validateSealed rejects snapshots that have not been sealed.
func validateSealed(snap *Snapshot) error {
	if snap == nil {
		return errors.New("snapshot is required")
	}
	if snap.Hash == "" || snap.HashVersion == "" {
		return errors.New("snapshot must be sealed before append")
	}
	return nil
}

// diffState computes the key-level difference from base to next.
func diffState(base, next map[string]any) (changed map[string]any, removed []string) {
	changed = make(map[string]any)
	for k, v := range next {
		bv, ok := base[k]
		if !ok || !jsonEqual(bv, v) {
			changed[k] = v
		}
	}
	for k := range base {
		if _, ok := next[k]; !ok {
			removed = append(removed, k)
		}
	}
	return changed, removed
}

// applyDelta reconstructs a full snapshot from a base snapshot and a delta record.
func applyDelta(base *Snapshot, rec *record) *Snapshot {
	state := make(map[string]any, len(base.State)+len(rec.Changed))
	for k, v := range base.State {
		state[k] = v
	}
	for k, v := range rec.Changed {
		state[k] = v
	}
	for _, k := range rec.Removed {
		delete(state, k)
	}
	return &Snapshot{
		XCID:        rec.XCID,
		Timestamp:   rec.TS,
		State:       state,
		Events:      rec.Events,
		Hash:        rec.Hash,
		HashVersion: HashVersion,
	}
}

// jsonEqual compares two values by their canonical JSON form.
func jsonEqual(a, b any) bool {
	ca, errA := canonicalJSON(a)
	cb, errB := canonicalJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ca) == string(cb)
}
