// Package event defines the immutable event envelope exchanged on the kernel
// bus and the dotted type namespace used to route events between kernels.
// Events are value objects: handlers may produce new events but never mutate
// the ones they receive.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// Event is the immutable record carried by the bus. Type is frozen after
	// creation; derive new events with New rather than mutating an existing one.
	Event struct {
		// ID uniquely identifies the event instance.
		ID string
		// Type is the dotted namespace type key (e.g. "agent.tool.call").
		Type string
		// ThreadID groups events that must be processed in FIFO order.
		ThreadID string
		// Timestamp is the creation time in epoch milliseconds. It is
		// monotonic-ish: later events on the same thread never observe an
		// earlier stamp from the same clock.
		Timestamp int64
		// Data is the opaque payload.
		Data any
		// Metadata carries optional correlation and tenancy context.
		Metadata Metadata
	}

	// Metadata carries the optional correlation and tenancy context attached
	// to an event at the emit site.
	Metadata struct {
		// CorrelationID links request/response pairs and bridge copies.
		CorrelationID string
		// TenantID identifies the kernel tenant that produced the event.
		TenantID string
		// OperationID tags the atomic operation that emitted the event, used
		// for idempotent submission.
		OperationID string
	}
)

// MaxTypeLength bounds the dotted type key per the wire contract.
const MaxTypeLength = 128

// ErrInvalidType reports a malformed event type key.
var ErrInvalidType = errors.New("invalid event type")

// New constructs an event with a fresh ID and the current timestamp. The type
// key is validated; an error leaves no event behind.
func New(eventType, threadID string, data any, meta Metadata) (*Event, error) {
	if err := ValidateType(eventType); err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		ThreadID:  threadID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
		Metadata:  meta,
	}, nil
}

// ValidateType checks the dotted namespace convention: ASCII, 1-128 chars,
// dot-delimited segments with no empty segment.
func ValidateType(eventType string) error {
	if eventType == "" || len(eventType) > MaxTypeLength {
		return fmt.Errorf("%w: %q must be 1-%d characters", ErrInvalidType, eventType, MaxTypeLength)
	}
	prevDot := true // leading dot is an empty segment
	for i := 0; i < len(eventType); i++ {
		c := eventType[i]
		if c > 127 {
			return fmt.Errorf("%w: %q contains non-ASCII characters", ErrInvalidType, eventType)
		}
		if c == '.' {
			if prevDot {
				return fmt.Errorf("%w: %q contains an empty segment", ErrInvalidType, eventType)
			}
			prevDot = true
			continue
		}
		prevDot = false
	}
	if prevDot {
		return fmt.Errorf("%w: %q contains an empty segment", ErrInvalidType, eventType)
	}
	return nil
}

// Clone returns a shallow copy of the event. The payload is shared; callers
// that need to alter Data must build a new payload.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	dup := *e
	return &dup
}

// WithMetadata returns a copy of the event carrying the given metadata. The
// original event is left untouched.
func (e *Event) WithMetadata(meta Metadata) *Event {
	dup := e.Clone()
	dup.Metadata = meta
	return dup
}
