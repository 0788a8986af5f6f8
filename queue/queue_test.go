package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelworks/axon/event"
)

func newEvent(t *testing.T, eventType, threadID string) *event.Event {
	t.Helper()
	ev, err := event.New(eventType, threadID, nil, event.Metadata{})
	require.NoError(t, err)
	return ev
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New(Options{EnableAcks: true})
	first := newEvent(t, "agent.a", "t1")
	second := newEvent(t, "agent.b", "t2")
	require.NoError(t, q.Enqueue(first))
	require.NoError(t, q.Enqueue(second))

	batch := q.DequeueBatch(10)
	require.Len(t, batch, 2)
	assert.Equal(t, first.ID, batch[0].ID)
	assert.Equal(t, second.ID, batch[1].ID)
}

func TestEnqueueFailsWhenFull(t *testing.T) {
	q := New(Options{QueueSize: 2})
	require.NoError(t, q.Enqueue(newEvent(t, "agent.a", "t")))
	require.NoError(t, q.Enqueue(newEvent(t, "agent.b", "t")))
	err := q.Enqueue(newEvent(t, "agent.c", "t"))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDuplicateIDRejectedWithIdempotency(t *testing.T) {
	q := New(Options{EnableIdempotency: true})
	ev := newEvent(t, "agent.a", "t")
	require.NoError(t, q.Enqueue(ev))
	assert.ErrorIs(t, q.Enqueue(ev), ErrDuplicateEvent)

	// Without idempotency the same id is accepted.
	q2 := New(Options{})
	require.NoError(t, q2.Enqueue(ev))
	require.NoError(t, q2.Enqueue(ev))
}

func TestSameThreadSerialized(t *testing.T) {
	q := New(Options{EnableAcks: true})
	first := newEvent(t, "agent.a", "t1")
	second := newEvent(t, "agent.b", "t1")
	require.NoError(t, q.Enqueue(first))
	require.NoError(t, q.Enqueue(second))

	batch := q.DequeueBatch(10)
	require.Len(t, batch, 1)
	assert.Equal(t, first.ID, batch[0].ID)

	// Still held back while the first delivery is in flight.
	assert.Empty(t, q.DequeueBatch(10))

	require.NoError(t, q.Ack(first.ID))
	batch = q.DequeueBatch(10)
	require.Len(t, batch, 1)
	assert.Equal(t, second.ID, batch[0].ID)
}

func TestNackSchedulesRetryWithBackoff(t *testing.T) {
	q := New(Options{EnableAcks: true, RetryBackoff: 100 * time.Millisecond})
	clock := time.Now()
	q.now = func() time.Time { return clock }

	ev := newEvent(t, "agent.a", "t1")
	require.NoError(t, q.Enqueue(ev))
	require.Len(t, q.DequeueBatch(1), 1)
	require.NoError(t, q.Nack(ev.ID, errors.New("boom")))

	// Not yet due.
	assert.Empty(t, q.DequeueBatch(1))

	clock = clock.Add(150 * time.Millisecond)
	batch := q.DequeueBatch(1)
	require.Len(t, batch, 1)
	assert.Equal(t, ev.ID, batch[0].ID)
}

func TestExhaustedRetriesLandInDLQExactlyOnce(t *testing.T) {
	q := New(Options{EnableAcks: true, MaxRetries: 2, RetryBackoff: time.Millisecond})
	clock := time.Now()
	q.now = func() time.Time { return clock }

	ev := newEvent(t, "agent.a", "t1")
	require.NoError(t, q.Enqueue(ev))

	deliveries := 0
	for {
		clock = clock.Add(time.Second)
		batch := q.DequeueBatch(1)
		if len(batch) == 0 {
			break
		}
		deliveries++
		require.NoError(t, q.Nack(batch[0].ID, errors.New("handler failed")))
	}

	// Initial delivery plus MaxRetries redeliveries.
	assert.Equal(t, 3, deliveries)
	dlq := q.DLQ()
	require.Len(t, dlq, 1)
	assert.Equal(t, ev.ID, dlq[0].Event.ID)
	assert.Equal(t, 2, dlq[0].Retries)
	assert.Contains(t, dlq[0].Error, "handler failed")
}

func TestAckXorDLQ(t *testing.T) {
	// Property 1: every enqueued event is either ACKed exactly once or lands
	// in the DLQ exactly once.
	q := New(Options{EnableAcks: true, MaxRetries: 1, RetryBackoff: time.Millisecond})
	clock := time.Now()
	q.now = func() time.Time { return clock }

	acked := map[string]int{}
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(newEvent(t, "agent.a", "t"+string(rune('a'+i)))))
	}

	for round := 0; round < 10; round++ {
		clock = clock.Add(time.Second)
		for _, ev := range q.DequeueBatch(100) {
			if ev.Timestamp%2 == 0 && acked[ev.ID] == 0 {
				require.NoError(t, q.Ack(ev.ID))
				acked[ev.ID]++
			} else {
				require.NoError(t, q.Nack(ev.ID, errors.New("odd")))
			}
		}
	}

	stats := q.Stats()
	total := len(acked) + stats.DLQSize
	assert.Equal(t, 20, total)
	for _, n := range acked {
		assert.Equal(t, 1, n)
	}
	// Nothing is both acked and dead-lettered.
	for _, d := range q.DLQ() {
		assert.Zero(t, acked[d.Event.ID])
	}
}

func TestAckUnknownEvent(t *testing.T) {
	q := New(Options{EnableAcks: true})
	assert.ErrorIs(t, q.Ack("nope"), ErrUnknownEvent)
	assert.ErrorIs(t, q.Nack("nope", nil), ErrUnknownEvent)
}

func TestReprocessDLQByCriteria(t *testing.T) {
	q := New(Options{EnableAcks: true, MaxRetries: 1, RetryBackoff: time.Millisecond})
	clock := time.Now()
	q.now = func() time.Time { return clock }

	evA := newEvent(t, "agent.alpha", "t1")
	evB := newEvent(t, "agent.beta", "t2")
	for _, ev := range []*event.Event{evA, evB} {
		require.NoError(t, q.Enqueue(ev))
	}
	for round := 0; round < 4; round++ {
		clock = clock.Add(time.Second)
		for _, ev := range q.DequeueBatch(10) {
			require.NoError(t, q.Nack(ev.ID, errors.New("fail")))
		}
	}
	require.Len(t, q.DLQ(), 2)

	result := q.ReprocessDLQ(ReprocessCriteria{EventType: "agent.alpha"})
	assert.Equal(t, 1, result.ReprocessedCount)
	require.Len(t, result.Events, 1)
	assert.Equal(t, evA.ID, result.Events[0].ID)
	assert.Len(t, q.DLQ(), 1)

	// Reprocessed event is pending again at the tail.
	clock = clock.Add(time.Second)
	batch := q.DequeueBatch(10)
	require.Len(t, batch, 1)
	assert.Equal(t, evA.ID, batch[0].ID)
}

func TestReprocessDLQMaxAge(t *testing.T) {
	q := New(Options{EnableAcks: true, MaxRetries: 1, RetryBackoff: time.Millisecond})
	clock := time.Now()
	q.now = func() time.Time { return clock }

	old := newEvent(t, "agent.a", "t1")
	require.NoError(t, q.Enqueue(old))
	for round := 0; round < 3; round++ {
		clock = clock.Add(time.Second)
		for _, ev := range q.DequeueBatch(1) {
			require.NoError(t, q.Nack(ev.ID, errors.New("x")))
		}
	}
	require.Len(t, q.DLQ(), 1)

	clock = clock.Add(time.Hour)
	result := q.ReprocessDLQ(ReprocessCriteria{MaxAge: time.Minute})
	assert.Zero(t, result.ReprocessedCount)
	assert.Len(t, q.DLQ(), 1)
}

func TestCloseNacksInFlight(t *testing.T) {
	q := New(Options{EnableAcks: true, MaxRetries: 3})
	ev := newEvent(t, "agent.a", "t1")
	require.NoError(t, q.Enqueue(ev))
	require.Len(t, q.DequeueBatch(1), 1)

	q.Close()

	stats := q.Stats()
	assert.Zero(t, stats.InFlight)
	assert.Equal(t, 1, stats.Delayed) // rescheduled, not lost
	assert.ErrorIs(t, q.Enqueue(newEvent(t, "agent.b", "t2")), ErrQueueClosed)
}

func TestBackoffIsCapped(t *testing.T) {
	q := New(Options{RetryBackoff: 100 * time.Millisecond, MaxRetryBackoff: time.Second})
	assert.Equal(t, 100*time.Millisecond, q.backoff(1))
	assert.Equal(t, 200*time.Millisecond, q.backoff(2))
	assert.Equal(t, 400*time.Millisecond, q.backoff(3))
	assert.Equal(t, 800*time.Millisecond, q.backoff(4))
	assert.Equal(t, time.Second, q.backoff(5))
	assert.Equal(t, time.Second, q.backoff(20))
}
