// Package persist provides the content-addressed snapshot store used for
// kernel pause/resume, together with the generic storage adapter contract.
// Snapshots are keyed by a stable hash of their canonicalized content, so
// appending the same logical snapshot twice is a no-op.
package persist

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/kernelworks/axon/event"
)

// HashVersion pins the canonicalization and digest algorithm recorded in each
// snapshot so a future implementation can migrate hashed content.
const HashVersion = "cjson-sha256/1"

type (
	// Snapshot is a frozen copy of kernel state. Hash is derived from
	// (Events, State) and is identical across processes for identical content.
	Snapshot struct {
		// XCID identifies the execution context (kernel) that produced the snapshot.
		XCID string `json:"xcId"`
		// Timestamp is the snapshot creation time in epoch milliseconds.
		Timestamp int64 `json:"ts"`
		// State is the serialized kernel state at capture time.
		State map[string]any `json:"state"`
		// Events lists the events captured with the state, if any.
		Events []*event.Event `json:"events"`
		// Hash is the stable content hash of (Events, State).
		Hash string `json:"hash"`
		// HashVersion records the algorithm that produced Hash.
		HashVersion string `json:"hashVersion"`
	}
)

// ComputeHash returns the stable content hash of (events, state). Content is
// canonicalized to JSON with sorted keys and no insignificant whitespace
// before digesting, so equivalent values hash identically regardless of how
// they were built.
func ComputeHash(events []*event.Event, state map[string]any) (string, error) {
	canonical, err := canonicalJSON(map[string]any{
		"events": events,
		"state":  state,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize snapshot: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes and stamps the snapshot hash and hash version. Seal must be
// called before handing the snapshot to a Persistor.
func (s *Snapshot) Seal() error {
	hash, err := ComputeHash(s.Events, s.State)
	if err != nil {
		return err
	}
	s.Hash = hash
	s.HashVersion = HashVersion
	return nil
}

// canonicalJSON renders v as deterministic JSON: values are round-tripped
// through the generic representation so struct field order cannot leak into
// the digest, and object keys are emitted sorted (encoding/json sorts map
// keys).
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
