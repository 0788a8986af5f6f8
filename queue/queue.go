// Package queue implements the bounded event queue that feeds each kernel:
// FIFO ordering per thread, ACK/NACK with capped exponential backoff retries,
// and a dead-letter queue for events that exhaust their retry budget.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kernelworks/axon/event"
	"github.com/kernelworks/axon/persist"
	"github.com/kernelworks/axon/telemetry"
)

var (
	// ErrQueueFull reports that the queue reached its configured capacity.
	ErrQueueFull = errors.New("queue full")
	// ErrQueueClosed reports an operation on a closed queue.
	ErrQueueClosed = errors.New("queue closed")
	// ErrDuplicateEvent reports an enqueue of an already-seen event id while
	// idempotency is enabled.
	ErrDuplicateEvent = errors.New("duplicate event id")
	// ErrUnknownEvent reports an ACK or NACK for an id that is not in flight.
	ErrUnknownEvent = errors.New("event not in flight")
)

type (
	// Options configures a Queue. The zero value is completed by Defaults.
	Options struct {
		// QueueSize bounds the number of queued plus delayed events.
		QueueSize int
		// MaxRetries is the number of redeliveries before an event moves to
		// the DLQ.
		MaxRetries int
		// RetryBackoff is the base delay before the first redelivery.
		RetryBackoff time.Duration
		// MaxRetryBackoff caps the exponential backoff growth.
		MaxRetryBackoff time.Duration
		// EnableAcks turns on in-flight tracking. Without ACKs, dequeued
		// events are considered consumed immediately (fire-and-forget).
		EnableAcks bool
		// EnableIdempotency rejects duplicate event ids.
		EnableIdempotency bool
		// DLQStorage optionally persists dead-letter entries so they survive
		// a process restart. Nil keeps the DLQ in memory only.
		DLQStorage persist.Storage
		// Logger receives queue lifecycle messages. Nil means no logging.
		Logger telemetry.Logger
	}

	// Queue is the bounded per-kernel event queue. It is safe for concurrent
	// use.
	Queue struct {
		opts Options

		mu         sync.Mutex
		pending    []*entry
		delayed    []*entry
		inflight   map[string]*entry
		threadBusy map[string]int
		seen       map[string]struct{}
		dlq        []DLQEntry
		closed     bool

		acked  uint64
		nacked uint64

		now func() time.Time
	}

	entry struct {
		ev      *event.Event
		retries int
		readyAt time.Time
	}

	// DLQEntry retains a dead-lettered event with its failure context.
	DLQEntry struct {
		// Event is the original event.
		Event *event.Event
		// Error is the last failure message observed before dead-lettering.
		Error string
		// Retries is the number of redeliveries attempted.
		Retries int
		// FailedAt is when the event was dead-lettered.
		FailedAt time.Time
	}

	// ReprocessCriteria filters DLQ entries for re-enqueueing.
	ReprocessCriteria struct {
		// MaxAge keeps only entries dead-lettered within the window. Zero
		// means no age filter.
		MaxAge time.Duration
		// Limit bounds how many entries are reprocessed. Zero means all.
		Limit int
		// EventType keeps only entries of the given type. Empty means all.
		EventType string
	}

	// ReprocessResult reports the outcome of a DLQ reprocess pass.
	ReprocessResult struct {
		ReprocessedCount int
		Events           []*event.Event
	}

	// Stats summarizes queue occupancy.
	Stats struct {
		Depth    int
		Delayed  int
		InFlight int
		DLQSize  int
		Acked    uint64
		Nacked   uint64
	}
)

// Defaults returns the documented queue defaults.
func Defaults() Options {
	return Options{
		QueueSize:       10000,
		MaxRetries:      3,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 30 * time.Second,
		EnableAcks:      true,
	}
}

// New constructs a Queue. Zero option fields fall back to Defaults.
func New(opts Options) *Queue {
	def := Defaults()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.MaxRetryBackoff <= 0 {
		opts.MaxRetryBackoff = def.MaxRetryBackoff
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Queue{
		opts:       opts,
		inflight:   make(map[string]*entry),
		threadBusy: make(map[string]int),
		seen:       make(map[string]struct{}),
		now:        time.Now,
	}
}

// Enqueue appends the event at the tail. It fails with ErrQueueFull at
// capacity and ErrDuplicateEvent when idempotency is on and the id was seen
// before.
func (q *Queue) Enqueue(ev *event.Event) error {
	if ev == nil {
		return errors.New("event is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if len(q.pending)+len(q.delayed) >= q.opts.QueueSize {
		return fmt.Errorf("%w: size %d", ErrQueueFull, q.opts.QueueSize)
	}
	if q.opts.EnableIdempotency {
		if _, dup := q.seen[ev.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, ev.ID)
		}
		q.seen[ev.ID] = struct{}{}
	}
	q.pending = append(q.pending, &entry{ev: ev})
	return nil
}

// DequeueBatch returns up to n events in FIFO order. Events whose thread
// already has an in-flight delivery are held back so per-thread ordering is
// preserved; at most one event per thread is handed out per batch. Due
// retries are promoted before the scan.
func (q *Queue) DequeueBatch(n int) []*event.Event {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteDueLocked()

	batchThreads := make(map[string]struct{})
	var out []*event.Event
	var rest []*entry
	for _, e := range q.pending {
		if len(out) >= n {
			rest = append(rest, e)
			continue
		}
		tid := e.ev.ThreadID
		if _, inBatch := batchThreads[tid]; inBatch {
			rest = append(rest, e)
			continue
		}
		if q.threadBusy[tid] > 0 {
			rest = append(rest, e)
			continue
		}
		batchThreads[tid] = struct{}{}
		out = append(out, e.ev)
		if q.opts.EnableAcks {
			q.inflight[e.ev.ID] = e
			q.threadBusy[tid]++
		}
	}
	q.pending = rest
	return out
}

// Ack marks the in-flight event as successfully consumed.
func (q *Queue) Ack(eventID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.inflight[eventID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, eventID)
	}
	delete(q.inflight, eventID)
	q.releaseThreadLocked(e.ev.ThreadID)
	q.acked++
	return nil
}

// Nack reschedules the in-flight event with capped exponential backoff, or
// moves it to the DLQ once retries are exhausted.
func (q *Queue) Nack(eventID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nackLocked(eventID, cause)
}

func (q *Queue) nackLocked(eventID string, cause error) error {
	e, ok := q.inflight[eventID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, eventID)
	}
	delete(q.inflight, eventID)
	q.releaseThreadLocked(e.ev.ThreadID)
	q.nacked++

	if e.retries >= q.opts.MaxRetries {
		q.deadLetterLocked(e, cause)
		return nil
	}
	e.retries++
	e.readyAt = q.now().Add(q.backoff(e.retries))
	q.delayed = append(q.delayed, e)
	return nil
}

// NackNoRetry moves the in-flight event straight to the DLQ, bypassing the
// retry schedule. Used for permanent failures such as depth or loop guards.
func (q *Queue) NackNoRetry(eventID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.inflight[eventID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, eventID)
	}
	delete(q.inflight, eventID)
	q.releaseThreadLocked(e.ev.ThreadID)
	q.nacked++
	q.deadLetterLocked(e, cause)
	return nil
}

// ReprocessDLQ re-enqueues matching DLQ entries at the tail with a reset
// retry budget.
func (q *Queue) ReprocessDLQ(criteria ReprocessCriteria) ReprocessResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var result ReprocessResult
	var kept []DLQEntry
	for _, d := range q.dlq {
		matches := true
		if criteria.EventType != "" && d.Event.Type != criteria.EventType {
			matches = false
		}
		if criteria.MaxAge > 0 && now.Sub(d.FailedAt) > criteria.MaxAge {
			matches = false
		}
		if criteria.Limit > 0 && result.ReprocessedCount >= criteria.Limit {
			matches = false
		}
		if !matches || len(q.pending)+len(q.delayed) >= q.opts.QueueSize {
			kept = append(kept, d)
			continue
		}
		q.pending = append(q.pending, &entry{ev: d.Event})
		if q.opts.DLQStorage != nil {
			_, _ = q.opts.DLQStorage.Delete(context.Background(), d.Event.ID)
		}
		result.ReprocessedCount++
		result.Events = append(result.Events, d.Event)
	}
	q.dlq = kept
	return result
}

// DLQ returns a copy of the current dead-letter entries.
func (q *Queue) DLQ() []DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DLQEntry, len(q.dlq))
	copy(out, q.dlq)
	return out
}

// Close NACKs every in-flight event so retries survive the next process
// start when a persistent DLQ is configured, then rejects further use.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for id := range q.inflight {
		_ = q.nackLocked(id, ErrQueueClosed)
	}
}

// Stats reports queue occupancy counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:    len(q.pending),
		Delayed:  len(q.delayed),
		InFlight: len(q.inflight),
		DLQSize:  len(q.dlq),
		Acked:    q.acked,
		Nacked:   q.nacked,
	}
}

// backoff returns the capped exponential delay for the given retry attempt
// (1-based).
func (q *Queue) backoff(retry int) time.Duration {
	d := q.opts.RetryBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= q.opts.MaxRetryBackoff {
			return q.opts.MaxRetryBackoff
		}
	}
	if d > q.opts.MaxRetryBackoff {
		return q.opts.MaxRetryBackoff
	}
	return d
}

// promoteDueLocked moves due retries onto the pending tail, oldest deadline
// first.
func (q *Queue) promoteDueLocked() {
	if len(q.delayed) == 0 {
		return
	}
	now := q.now()
	var due []*entry
	var rest []*entry
	for _, e := range q.delayed {
		if !e.readyAt.After(now) {
			due = append(due, e)
		} else {
			rest = append(rest, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].readyAt.Before(due[j].readyAt) })
	q.pending = append(q.pending, due...)
	q.delayed = rest
}

func (q *Queue) releaseThreadLocked(threadID string) {
	if q.threadBusy[threadID] > 1 {
		q.threadBusy[threadID]--
		return
	}
	delete(q.threadBusy, threadID)
}

func (q *Queue) deadLetterLocked(e *entry, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	d := DLQEntry{
		Event:    e.ev,
		Error:    msg,
		Retries:  e.retries,
		FailedAt: q.now(),
	}
	q.dlq = append(q.dlq, d)
	q.opts.Logger.Warn(context.Background(), "event dead-lettered",
		"event_id", e.ev.ID, "event_type", e.ev.Type, "retries", e.retries, "error", msg)

	if q.opts.DLQStorage == nil {
		return
	}
	payload, err := json.Marshal(d)
	if err != nil {
		q.opts.Logger.Error(context.Background(), "persist DLQ entry", "event_id", e.ev.ID, "error", err.Error())
		return
	}
	if err := q.opts.DLQStorage.Store(context.Background(), persist.Item{
		ID:        e.ev.ID,
		Timestamp: d.FailedAt.UnixMilli(),
		Payload:   payload,
	}); err != nil {
		q.opts.Logger.Error(context.Background(), "persist DLQ entry", "event_id", e.ev.ID, "error", err.Error())
	}
}
