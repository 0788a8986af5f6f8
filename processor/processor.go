// Package processor runs queued events through the middleware chain into the
// registered handlers. It guards recursive handler-produced events with a
// depth limit and a chain-loop detector, and drives the queue worker loop
// with per-batch ACK/NACK.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kernelworks/axon/event"
	"github.com/kernelworks/axon/middleware"
	"github.com/kernelworks/axon/queue"
	"github.com/kernelworks/axon/registry"
	"github.com/kernelworks/axon/telemetry"
)

var (
	// ErrDepthExceeded reports a recursive handler-event chain deeper than
	// the configured maximum.
	ErrDepthExceeded = errors.New("event depth exceeded")
	// ErrEventLoop reports a repeated event type in the current processing
	// chain.
	ErrEventLoop = errors.New("event loop detected")
	// ErrNoHandlers reports an event with no matching registrations.
	ErrNoHandlers = errors.New("no handlers registered for event type")
)

type (
	// Options configures a Processor.
	Options struct {
		// MaxEventDepth bounds recursive handler-produced event chains.
		MaxEventDepth int
		// MaxEventChainLength bounds the processing-chain buffer; older
		// entries are evicted FIFO.
		MaxEventChainLength int
		// BatchSize bounds the number of events pulled per worker cycle and
		// the number of handlers run concurrently per dispatch.
		BatchSize int
		// PollInterval is how long the worker sleeps when the queue is empty.
		PollInterval time.Duration
		// FailUnhandled NACKs events with no matching handler instead of
		// acknowledging them silently.
		FailUnhandled bool
		// Middlewares wrap every handler invocation.
		Middlewares []middleware.Middleware
		// Logger receives dispatch failures. Nil means no logging.
		Logger telemetry.Logger
		// Metrics counts processed and failed events. Nil means no metrics.
		Metrics telemetry.Metrics
	}

	// Processor dispatches events to handlers through the composed middleware
	// chain. It is safe for concurrent use.
	Processor struct {
		opts Options
		reg  *registry.Registry
		q    *queue.Queue

		stop     chan struct{}
		stopOnce sync.Once
		wg       sync.WaitGroup
	}

	// chainState tracks one causal processing chain: the depth of recursive
	// handler-produced events and the event types seen along the way.
	chainState struct {
		depth int
		types []string
	}
)

// Defaults returns the documented processor defaults.
func Defaults() Options {
	return Options{
		MaxEventDepth:       100,
		MaxEventChainLength: 1000,
		BatchSize:           100,
		PollInterval:        10 * time.Millisecond,
	}
}

// New constructs a Processor over the given registry and queue. Zero option
// fields fall back to Defaults.
func New(reg *registry.Registry, q *queue.Queue, opts Options) *Processor {
	def := Defaults()
	if opts.MaxEventDepth <= 0 {
		opts.MaxEventDepth = def.MaxEventDepth
	}
	if opts.MaxEventChainLength <= 0 {
		opts.MaxEventChainLength = def.MaxEventChainLength
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Processor{
		opts: opts,
		reg:  reg,
		q:    q,
		stop: make(chan struct{}),
	}
}

// Process dispatches a single event synchronously through the middleware
// chain, starting a fresh processing chain. Handler-returned events are
// resubmitted recursively on the in-memory fast path.
func (p *Processor) Process(ctx context.Context, ev *event.Event) error {
	start := time.Now()
	err := p.process(ctx, ev, &chainState{})
	p.opts.Metrics.RecordTimer("processor.dispatch.duration", time.Since(start), "event_type", ev.Type)
	return err
}

func (p *Processor) process(ctx context.Context, ev *event.Event, chain *chainState) error {
	if chain.depth >= p.opts.MaxEventDepth {
		return fmt.Errorf("%w: depth %d for event %s", ErrDepthExceeded, chain.depth, ev.ID)
	}
	if chain.contains(ev.Type) && len(chain.types) > 1 {
		return fmt.Errorf("%w: type %s repeated in chain %v", ErrEventLoop, ev.Type, chain.types)
	}
	chain.push(ev.Type, p.opts.MaxEventChainLength)

	regs := p.reg.Lookup(ev.Type)
	if len(regs) == 0 {
		if p.opts.FailUnhandled {
			return fmt.Errorf("%w: %s", ErrNoHandlers, ev.Type)
		}
		p.opts.Logger.Debug(ctx, "no handlers for event", "event_type", ev.Type)
		return nil
	}

	outputs, err := p.dispatch(ctx, ev, regs)
	if err != nil {
		return err
	}
	for _, out := range outputs {
		for _, next := range producedEvents(out) {
			sub := &chainState{depth: chain.depth + 1, types: chain.types}
			if err := p.process(ctx, next, sub); err != nil {
				return err
			}
			chain.types = sub.types
		}
	}
	return nil
}

// dispatch invokes every matching registration through the composed chain.
// Small handler sets run sequentially; larger ones run in concurrent batches
// with all-settled semantics, so one failing handler never starves the rest.
func (p *Processor) dispatch(ctx context.Context, ev *event.Event, regs []*registry.Registration) ([]any, error) {
	invoke := func(reg *registry.Registration) (any, error) {
		start := time.Now()
		h := middleware.Compose(p.opts.Middlewares, reg.Invoke)
		out, err := h(ctx, ev)
		if err != nil {
			return nil, middleware.WrapError("handler", err, time.Since(start), ev.ID)
		}
		return out, nil
	}

	outputs := make([]any, len(regs))
	errs := make([]error, len(regs))
	if len(regs) <= p.opts.BatchSize {
		for i, reg := range regs {
			outputs[i], errs[i] = invoke(reg)
		}
	} else {
		for lo := 0; lo < len(regs); lo += p.opts.BatchSize {
			hi := min(lo+p.opts.BatchSize, len(regs))
			var wg sync.WaitGroup
			for i := lo; i < hi; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					outputs[i], errs[i] = invoke(regs[i])
				}(i)
			}
			wg.Wait()
		}
	}

	var kept []any
	for _, out := range outputs {
		if out != nil {
			kept = append(kept, out)
		}
	}
	return kept, errors.Join(errs...)
}

// Start launches the queue worker loop. Stop it with Close.
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.workLoop(ctx)
}

// Close stops the worker loop and waits for in-flight dispatches.
func (p *Processor) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// Drain processes everything currently queued and returns when the queue
// yields no more events. Intended for tests and synchronous flows.
func (p *Processor) Drain(ctx context.Context) int {
	processed := 0
	for {
		batch := p.q.DequeueBatch(p.opts.BatchSize)
		if len(batch) == 0 {
			return processed
		}
		processed += p.runBatch(ctx, batch)
	}
}

func (p *Processor) workLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch := p.q.DequeueBatch(p.opts.BatchSize)
			if len(batch) > 0 {
				p.runBatch(ctx, batch)
			}
		}
	}
}

// runBatch dispatches the batch concurrently and settles each event against
// the queue: ACK on success, non-retryable NACK for guard failures, regular
// NACK otherwise. The queue already guarantees per-thread exclusivity within
// a batch.
func (p *Processor) runBatch(ctx context.Context, batch []*event.Event) int {
	var wg sync.WaitGroup
	for _, ev := range batch {
		wg.Add(1)
		go func(ev *event.Event) {
			defer wg.Done()
			err := p.Process(ctx, ev)
			p.settle(ctx, ev, err)
		}(ev)
	}
	wg.Wait()
	return len(batch)
}

func (p *Processor) settle(ctx context.Context, ev *event.Event, err error) {
	if err == nil {
		p.opts.Metrics.IncCounter("processor.events.processed", 1, "event_type", ev.Type)
		_ = p.q.Ack(ev.ID)
		return
	}
	p.opts.Metrics.IncCounter("processor.events.failed", 1, "event_type", ev.Type)
	p.opts.Logger.Error(ctx, "event processing failed",
		"event_id", ev.ID, "event_type", ev.Type, "error", err.Error())
	if !retryable(err) {
		_ = p.q.NackNoRetry(ev.ID, err)
		return
	}
	_ = p.q.Nack(ev.ID, err)
}

// retryable reports whether a redelivery could succeed. Guard failures and
// cancellations are permanent.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrDepthExceeded),
		errors.Is(err, ErrEventLoop),
		errors.Is(err, ErrNoHandlers),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func (c *chainState) contains(eventType string) bool {
	for _, t := range c.types {
		if t == eventType {
			return true
		}
	}
	return false
}

func (c *chainState) push(eventType string, maxLen int) {
	c.types = append(c.types, eventType)
	if len(c.types) > maxLen {
		c.types = c.types[len(c.types)-maxLen:]
	}
}

// producedEvents extracts resubmittable events from a handler return value.
func producedEvents(out any) []*event.Event {
	switch v := out.(type) {
	case *event.Event:
		if v != nil {
			return []*event.Event{v}
		}
	case []*event.Event:
		return v
	}
	return nil
}
