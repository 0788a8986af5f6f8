// Package kernel implements the per-tenant execution container: it owns a
// bounded event queue, a handler registry, an event processor, a context
// store, and a persistor, enforces event/duration/memory quotas, and supports
// pause/resume through content-addressed snapshots. All state transitions run
// through the atomic operation manager.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kernelworks/axon/contextstore"
	"github.com/kernelworks/axon/event"
	"github.com/kernelworks/axon/guard"
	"github.com/kernelworks/axon/middleware"
	"github.com/kernelworks/axon/persist"
	"github.com/kernelworks/axon/processor"
	"github.com/kernelworks/axon/queue"
	"github.com/kernelworks/axon/registry"
	"github.com/kernelworks/axon/telemetry"
)

// State is the kernel lifecycle state.
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StatePaused      State = "paused"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// EventTypeQuotaExceeded is emitted when a quota monitor pauses the kernel.
const EventTypeQuotaExceeded = "kernel.quota.exceeded"

// eventCountKey carries the processed-event counter inside snapshot state so
// resume can restore it. Stripped before the context store is repopulated.
const eventCountKey = "kernel.meta.eventCount"

var (
	// ErrInvalidTransition reports an operation not allowed in the current
	// kernel state.
	ErrInvalidTransition = errors.New("invalid kernel state transition")
	// ErrOperationPending reports a re-entrant atomic operation id.
	ErrOperationPending = errors.New("operation already pending")
	// ErrTooManyOperations reports a saturated atomic operation manager.
	ErrTooManyOperations = errors.New("too many concurrent operations")
	// ErrOperationTimeout reports an atomic operation that exceeded its
	// timeout.
	ErrOperationTimeout = errors.New("operation timed out")
	// ErrTenantMismatch reports a cross-tenant handler registration.
	ErrTenantMismatch = errors.New("tenant mismatch")
)

type (
	// Quotas bounds a kernel's resource usage. Zero fields fall back to the
	// documented defaults.
	Quotas struct {
		// MaxEvents pauses the kernel after this many accepted events.
		MaxEvents int
		// MaxDuration pauses the kernel after this much running time.
		MaxDuration time.Duration
		// MaxMemory pauses the kernel when the process heap exceeds this
		// many bytes.
		MaxMemory uint64
	}

	// AutoSnapshot configures periodic snapshotting while running.
	AutoSnapshot struct {
		// Interval triggers a snapshot on a timer. Zero disables.
		Interval time.Duration
		// EventInterval triggers a snapshot every N accepted events. Zero
		// disables.
		EventInterval int
		// UseDelta stores auto-snapshots as deltas against the previous one.
		UseDelta bool
	}

	// Options configures a Kernel.
	Options struct {
		// KernelID identifies the kernel in logs and status reports.
		KernelID string
		// Namespace is the event-type namespace the kernel serves.
		Namespace string
		// TenantID stamps emitted events and scopes the context store.
		TenantID string
		// EnforceTenantIsolation rejects handler registrations carrying a
		// different tenant id.
		EnforceTenantIsolation bool
		// EnableEventIdempotency short-circuits emits whose operation id was
		// already seen.
		EnableEventIdempotency bool
		// MaxConcurrentOperations bounds the atomic operation manager.
		MaxConcurrentOperations int
		// OperationTimeout is the default atomic operation timeout.
		OperationTimeout time.Duration
		// Quotas bounds resource usage.
		Quotas Quotas
		// QuotaPollInterval is how often duration and memory are checked.
		QuotaPollInterval time.Duration
		// AutoSnapshot configures periodic snapshotting.
		AutoSnapshot AutoSnapshot
		// Queue configures the kernel's event queue.
		Queue queue.Options
		// Processor configures the dispatch loop.
		Processor processor.Options
		// Registry configures the handler registry.
		Registry registry.Options
		// Store configures the context store.
		Store contextstore.Options
		// LoopProtection guards every emit site.
		LoopProtection guard.LoopOptions
		// Breaker wraps enqueue with a circuit breaker.
		Breaker guard.BreakerOptions
		// Middlewares wrap every handler invocation.
		Middlewares []middleware.Middleware
		// Persistor stores snapshots. Nil disables pause/resume and
		// auto-snapshots.
		Persistor persist.Persistor
		// Logger, Metrics and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// EmitOptions carries per-emit metadata.
	EmitOptions struct {
		// ThreadID serializes processing; empty means a fresh thread.
		ThreadID string
		// CorrelationID links request/response pairs across kernels.
		CorrelationID string
		// OperationID makes the emit idempotent when idempotency is enabled.
		OperationID string
	}

	// EmitResult is the synchronous outcome of an emit.
	EmitResult struct {
		// Success reports whether the event was accepted (or deduplicated).
		Success bool
		// Queued reports whether a new event entered the queue.
		Queued bool
		// EventID is the id of the queued event, if any.
		EventID string
		// Err describes the rejection, if any.
		Err error
	}

	// Status is a point-in-time kernel report.
	Status struct {
		KernelID          string
		Namespace         string
		State             State
		TenantID          string
		EventCount        int64
		PendingOperations int
		LastSnapshotHash  string
		Queue             queue.Stats
		Uptime            time.Duration
	}

	// Kernel is the per-tenant execution container. Safe for concurrent use.
	Kernel struct {
		opts Options

		persistor persist.Persistor
		store     *contextstore.Store
		registry  *registry.Registry
		queue     *queue.Queue
		proc      *processor.Processor
		loop      *guard.LoopProtector
		breaker   *guard.CircuitBreaker

		mu               sync.Mutex
		state            State
		pendingOps       map[string]struct{}
		seenOps          map[string]struct{}
		lastOpHash       string
		lastSnapshotHash string
		startedAt        time.Time

		eventCount atomic.Int64

		cancel   context.CancelFunc
		stop     chan struct{}
		stopOnce sync.Once
	}
)

// DefaultQuotas returns the documented quota defaults.
func DefaultQuotas() Quotas {
	return Quotas{
		MaxEvents:   1000,
		MaxDuration: 5 * time.Minute,
		MaxMemory:   512 * 1024 * 1024,
	}
}

// New constructs a Kernel in the initialized state. Call Initialize to start
// processing and Complete (or Fail) to release resources.
func New(opts Options) (*Kernel, error) {
	if opts.KernelID == "" {
		opts.KernelID = uuid.NewString()
	}
	if opts.Namespace == "" {
		opts.Namespace = "agent"
	}
	if opts.MaxConcurrentOperations <= 0 {
		opts.MaxConcurrentOperations = 100
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 3 * time.Minute
	}
	if opts.QuotaPollInterval <= 0 {
		opts.QuotaPollInterval = time.Second
	}
	def := DefaultQuotas()
	if opts.Quotas.MaxEvents <= 0 {
		opts.Quotas.MaxEvents = def.MaxEvents
	}
	if opts.Quotas.MaxDuration <= 0 {
		opts.Quotas.MaxDuration = def.MaxDuration
	}
	if opts.Quotas.MaxMemory == 0 {
		opts.Quotas.MaxMemory = def.MaxMemory
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}

	opts.Queue.Logger = opts.Logger
	opts.Registry.Logger = opts.Logger
	opts.Store.Logger = opts.Logger
	opts.LoopProtection.Logger = opts.Logger
	opts.Breaker.Logger = opts.Logger
	if opts.Breaker.Name == "" {
		opts.Breaker.Name = opts.KernelID + ".emit"
	}
	opts.Processor.Logger = opts.Logger
	opts.Processor.Metrics = opts.Metrics
	opts.Processor.Middlewares = opts.Middlewares

	store, err := contextstore.New(opts.Store)
	if err != nil {
		return nil, fmt.Errorf("create context store: %w", err)
	}
	reg := registry.New(opts.Registry)
	q := queue.New(opts.Queue)
	k := &Kernel{
		opts:       opts,
		persistor:  opts.Persistor,
		store:      store,
		registry:   reg,
		queue:      q,
		proc:       processor.New(reg, q, opts.Processor),
		loop:       guard.NewLoopProtector(opts.LoopProtection),
		breaker:    guard.NewCircuitBreaker(opts.Breaker),
		state:      StateInitialized,
		pendingOps: make(map[string]struct{}),
		seenOps:    make(map[string]struct{}),
		stop:       make(chan struct{}),
	}
	return k, nil
}

// Initialize transitions the kernel to running and starts the processor
// worker, the quota monitors, and the auto-snapshot timer.
func (k *Kernel) Initialize(ctx context.Context) error {
	_, err := k.ExecuteAtomicOperation(ctx, "kernel.initialize", func(ctx context.Context) (any, error) {
		k.mu.Lock()
		if k.state != StateInitialized {
			state := k.state
			k.mu.Unlock()
			return nil, fmt.Errorf("%w: initialize from %s", ErrInvalidTransition, state)
		}
		k.state = StateRunning
		k.startedAt = time.Now()
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		k.cancel = cancel
		k.mu.Unlock()

		k.proc.Start(runCtx)
		go k.monitorLoop(runCtx)
		k.opts.Logger.Info(ctx, "kernel running",
			"kernel_id", k.opts.KernelID, "namespace", k.opts.Namespace, "tenant_id", k.opts.TenantID)
		return nil, nil
	})
	return err
}

// Emit validates the event against the loop protector, runs the enqueue
// through the circuit breaker, and reports the outcome synchronously. Quota
// and backpressure rejections surface in the result rather than as errors.
func (k *Kernel) Emit(ctx context.Context, eventType string, data any, opts EmitOptions) EmitResult {
	threadID := opts.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	ev, err := event.New(eventType, threadID, data, event.Metadata{
		CorrelationID: opts.CorrelationID,
		TenantID:      k.opts.TenantID,
		OperationID:   opts.OperationID,
	})
	if err != nil {
		return EmitResult{Err: err}
	}
	return k.admit(ctx, ev)
}

// Inject admits an externally built event, preserving its id and metadata.
// Bridged events enter here so cross-kernel traffic pays the same loop
// protection, idempotency and quota accounting as local emits.
func (k *Kernel) Inject(ctx context.Context, ev *event.Event) EmitResult {
	return k.admit(ctx, ev)
}

// admit is the single entry onto the queue. The idempotency mark is reserved
// under the lock before anything else runs, so two concurrent emits with the
// same operation id cannot both enqueue; a failed admission releases the
// reservation.
func (k *Kernel) admit(ctx context.Context, ev *event.Event) EmitResult {
	opID := ev.Metadata.OperationID
	idempotent := k.opts.EnableEventIdempotency && opID != ""

	k.mu.Lock()
	if k.state != StateRunning {
		state := k.state
		k.mu.Unlock()
		return EmitResult{Err: fmt.Errorf("%w: emit while %s", ErrInvalidTransition, state)}
	}
	if idempotent {
		if _, seen := k.seenOps[opID]; seen {
			k.mu.Unlock()
			return EmitResult{Success: true, Queued: false}
		}
		k.seenOps[opID] = struct{}{}
	}
	k.mu.Unlock()

	release := func() {
		if idempotent {
			k.mu.Lock()
			delete(k.seenOps, opID)
			k.mu.Unlock()
		}
	}

	if err := k.loop.Admit(ctx, ev.Type); err != nil {
		release()
		return EmitResult{Err: err}
	}
	if _, err := k.breaker.Execute(func() (any, error) {
		return nil, k.queue.Enqueue(ev)
	}); err != nil {
		release()
		return EmitResult{Err: err}
	}

	count := k.eventCount.Add(1)
	k.opts.Metrics.IncCounter("kernel.events.emitted", 1, "kernel_id", k.opts.KernelID)
	k.opts.Metrics.RecordGauge("kernel.queue.depth", float64(k.queue.Stats().Depth), "kernel_id", k.opts.KernelID)
	k.checkEventQuota(ctx, count, ev.Type)
	k.maybeAutoSnapshot(ctx, count)

	return EmitResult{Success: true, Queued: true, EventID: ev.ID}
}

// RegisterHandler registers an exact-type handler owned by the given tenant.
// Cross-tenant registrations are rejected when isolation is enforced.
func (k *Kernel) RegisterHandler(tenantID, eventType string, fn event.Handler) (*registry.Registration, error) {
	if k.opts.EnforceTenantIsolation && tenantID != k.opts.TenantID {
		return nil, fmt.Errorf("%w: handler tenant %q, kernel tenant %q",
			ErrTenantMismatch, tenantID, k.opts.TenantID)
	}
	return k.registry.RegisterExact(eventType, fn), nil
}

// Registry exposes the handler registry for advanced registrations.
func (k *Kernel) Registry() *registry.Registry { return k.registry }

// Queue exposes queue statistics and DLQ management.
func (k *Kernel) Queue() *queue.Queue { return k.queue }

// Drain synchronously processes everything currently queued. Intended for
// tests and cooperative flows.
func (k *Kernel) Drain(ctx context.Context) int {
	return k.proc.Drain(ctx)
}

// SetContext writes a tenant-scoped context value.
func (k *Kernel) SetContext(namespace, key string, value any) {
	k.store.Set(k.opts.TenantID, namespace, key, value)
}

// GetContext reads a tenant-scoped context value.
func (k *Kernel) GetContext(namespace, key string) (any, bool) {
	return k.store.Get(k.opts.TenantID, namespace, key)
}

// IncrementContext atomically adds delta to a tenant-scoped counter.
func (k *Kernel) IncrementContext(namespace, key string, delta int64) (int64, error) {
	return k.store.Increment(k.opts.TenantID, namespace, key, delta)
}

// Pause flushes pending context writes, appends a snapshot, and transitions
// to paused. The snapshot commits before the state changes; the returned
// hash resumes the kernel later.
func (k *Kernel) Pause(ctx context.Context, reason string) (string, error) {
	out, err := k.ExecuteAtomicOperation(ctx, "kernel.pause", func(ctx context.Context) (any, error) {
		k.mu.Lock()
		if k.state != StateRunning {
			state := k.state
			k.mu.Unlock()
			return nil, fmt.Errorf("%w: pause from %s", ErrInvalidTransition, state)
		}
		k.mu.Unlock()

		// Kernels without a persistor pause without a snapshot.
		var hash string
		if k.persistor != nil {
			var err error
			hash, err = k.snapshot(ctx, false)
			if err != nil {
				return nil, err
			}
		}

		k.mu.Lock()
		k.state = StatePaused
		k.lastSnapshotHash = hash
		k.mu.Unlock()
		k.opts.Logger.Info(ctx, "kernel paused",
			"kernel_id", k.opts.KernelID, "reason", reason, "snapshot_hash", hash)
		return hash, nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// Resume loads the snapshot, swaps the context state atomically, restores
// the event counter, and re-enters running. A missing snapshot leaves the
// kernel paused.
func (k *Kernel) Resume(ctx context.Context, hash string) error {
	_, err := k.ExecuteAtomicOperation(ctx, "kernel.resume", func(ctx context.Context) (any, error) {
		k.mu.Lock()
		if k.state != StatePaused {
			state := k.state
			k.mu.Unlock()
			return nil, fmt.Errorf("%w: resume from %s", ErrInvalidTransition, state)
		}
		k.mu.Unlock()

		// An empty hash resumes without restoring a snapshot.
		if hash == "" {
			k.mu.Lock()
			k.state = StateRunning
			k.mu.Unlock()
			return nil, nil
		}
		if k.persistor == nil {
			return nil, errors.New("no persistor configured")
		}
		snap, err := k.persistor.GetByHash(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("load snapshot %s: %w", hash, err)
		}

		state := make(map[string]any, len(snap.State))
		for key, v := range snap.State {
			state[key] = v
		}
		var count int64
		if raw, ok := state[eventCountKey]; ok {
			if n, ok := raw.(int64); ok {
				count = n
			} else if f, ok := raw.(float64); ok {
				count = int64(f)
			}
			delete(state, eventCountKey)
		}

		k.store.ClearTenant(k.opts.TenantID)
		k.store.Restore(k.opts.TenantID, state)
		k.eventCount.Store(count)

		k.mu.Lock()
		k.state = StateRunning
		k.lastSnapshotHash = hash
		k.mu.Unlock()
		k.opts.Logger.Info(ctx, "kernel resumed",
			"kernel_id", k.opts.KernelID, "snapshot_hash", hash, "event_count", count)
		return nil, nil
	})
	return err
}

// Complete finishes the kernel from running or paused and releases all
// resources.
func (k *Kernel) Complete(ctx context.Context) error {
	_, err := k.ExecuteAtomicOperation(ctx, "kernel.complete", func(ctx context.Context) (any, error) {
		k.mu.Lock()
		if k.state != StateRunning && k.state != StatePaused {
			state := k.state
			k.mu.Unlock()
			return nil, fmt.Errorf("%w: complete from %s", ErrInvalidTransition, state)
		}
		k.state = StateCompleted
		k.mu.Unlock()

		k.store.Flush()
		k.shutdown()
		k.opts.Logger.Info(ctx, "kernel completed", "kernel_id", k.opts.KernelID)
		return nil, nil
	})
	return err
}

// Fail transitions the kernel to failed from any state, cancels pending
// operations, and releases resources.
func (k *Kernel) Fail(ctx context.Context, cause error) {
	k.mu.Lock()
	k.state = StateFailed
	k.pendingOps = make(map[string]struct{})
	k.mu.Unlock()

	k.shutdown()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	k.opts.Logger.Error(ctx, "kernel failed", "kernel_id", k.opts.KernelID, "error", msg)
}

// State returns the current lifecycle state.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Status reports a point-in-time view of the kernel.
func (k *Kernel) Status() Status {
	k.mu.Lock()
	state := k.state
	pending := len(k.pendingOps)
	lastHash := k.lastSnapshotHash
	started := k.startedAt
	k.mu.Unlock()

	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started)
	}
	return Status{
		KernelID:          k.opts.KernelID,
		Namespace:         k.opts.Namespace,
		State:             state,
		TenantID:          k.opts.TenantID,
		EventCount:        k.eventCount.Load(),
		PendingOperations: pending,
		LastSnapshotHash:  lastHash,
		Queue:             k.queue.Stats(),
		Uptime:            uptime,
	}
}

// ExecuteAtomicOperation runs fn under the operation manager: re-entrant
// operation ids are rejected, concurrency is bounded, and fn races the
// operation timeout. The operation hash publishes before the pending set is
// cleared.
func (k *Kernel) ExecuteAtomicOperation(ctx context.Context, opID string, fn func(context.Context) (any, error)) (any, error) {
	k.mu.Lock()
	if _, pending := k.pendingOps[opID]; pending {
		k.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrOperationPending, opID)
	}
	if len(k.pendingOps) >= k.opts.MaxConcurrentOperations {
		k.mu.Unlock()
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyOperations, k.opts.MaxConcurrentOperations)
	}
	k.pendingOps[opID] = struct{}{}
	k.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, k.opts.OperationTimeout)
	defer cancel()

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := fn(opCtx)
		done <- result{out, err}
	}()

	var res result
	select {
	case <-opCtx.Done():
		res = result{nil, fmt.Errorf("%w: %s after %v", ErrOperationTimeout, opID, k.opts.OperationTimeout)}
	case res = <-done:
	}

	k.mu.Lock()
	if res.err == nil {
		if hash, err := persist.ComputeHash(nil, map[string]any{
			"opId":   opID,
			"result": res.out,
			"ts":     time.Now().UnixMilli(),
		}); err == nil {
			k.lastOpHash = hash
		}
	}
	delete(k.pendingOps, opID)
	k.mu.Unlock()
	return res.out, res.err
}

// LastOperationHash returns the hash of the most recent successful atomic
// operation.
func (k *Kernel) LastOperationHash() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastOpHash
}

// snapshot flushes the context store and appends the projected state.
func (k *Kernel) snapshot(ctx context.Context, useDelta bool) (string, error) {
	if k.persistor == nil {
		return "", errors.New("no persistor configured")
	}
	k.store.Flush()
	state := k.store.Project(k.opts.TenantID)
	state[eventCountKey] = k.eventCount.Load()

	snap := &persist.Snapshot{
		XCID:      k.opts.KernelID,
		Timestamp: time.Now().UnixMilli(),
		State:     state,
		Events:    []*event.Event{},
	}
	if err := snap.Seal(); err != nil {
		return "", fmt.Errorf("seal snapshot: %w", err)
	}
	if err := k.persistor.Append(ctx, snap, persist.AppendOptions{UseDelta: useDelta}); err != nil {
		return "", fmt.Errorf("append snapshot: %w", err)
	}
	return snap.Hash, nil
}

// checkEventQuota pauses the kernel and surfaces a quota event when the
// accepted-event counter crosses the budget.
func (k *Kernel) checkEventQuota(ctx context.Context, count int64, lastType string) {
	if count < int64(k.opts.Quotas.MaxEvents) {
		return
	}
	k.quotaBreach(ctx, "events", fmt.Sprintf("%d", count), lastType)
}

// quotaBreach pauses the kernel with an auto-snapshot and emits the quota
// event directly onto the queue, bypassing the (now paused) emit path.
func (k *Kernel) quotaBreach(ctx context.Context, resource, used, detail string) {
	k.mu.Lock()
	if k.state != StateRunning {
		k.mu.Unlock()
		return
	}
	k.mu.Unlock()

	hash, err := k.Pause(ctx, "quota exceeded: "+resource)
	if err != nil {
		k.opts.Logger.Error(ctx, "quota pause failed", "kernel_id", k.opts.KernelID, "error", err.Error())
		return
	}
	ev, err := event.New(EventTypeQuotaExceeded, k.opts.KernelID, map[string]any{
		"code":     "QUOTA_EXCEEDED",
		"resource": resource,
		"used":     used,
		"detail":   detail,
		"snapshot": hash,
	}, event.Metadata{TenantID: k.opts.TenantID})
	if err == nil {
		_ = k.queue.Enqueue(ev)
	}
	k.opts.Metrics.IncCounter("kernel.quota.exceeded", 1, "kernel_id", k.opts.KernelID, "resource", resource)
}

// maybeAutoSnapshot appends a snapshot when the event-interval trigger fires.
func (k *Kernel) maybeAutoSnapshot(ctx context.Context, count int64) {
	n := int64(k.opts.AutoSnapshot.EventInterval)
	if n <= 0 || k.persistor == nil || count%n != 0 {
		return
	}
	hash, err := k.snapshot(ctx, k.opts.AutoSnapshot.UseDelta)
	if err != nil {
		k.opts.Logger.Error(ctx, "auto snapshot failed", "kernel_id", k.opts.KernelID, "error", err.Error())
		return
	}
	k.mu.Lock()
	k.lastSnapshotHash = hash
	k.mu.Unlock()
}

// monitorLoop polls the duration and memory quotas and the interval-based
// auto-snapshot trigger while the kernel runs.
func (k *Kernel) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(k.opts.QuotaPollInterval)
	defer ticker.Stop()

	var snapTick <-chan time.Time
	if k.opts.AutoSnapshot.Interval > 0 && k.persistor != nil {
		t := time.NewTicker(k.opts.AutoSnapshot.Interval)
		defer t.Stop()
		snapTick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stop:
			return
		case <-ticker.C:
			if k.State() != StateRunning {
				continue
			}
			k.mu.Lock()
			started := k.startedAt
			k.mu.Unlock()
			if !started.IsZero() && time.Since(started) > k.opts.Quotas.MaxDuration {
				k.quotaBreach(ctx, "duration", time.Since(started).String(), "")
				continue
			}
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if ms.HeapAlloc > k.opts.Quotas.MaxMemory {
				k.quotaBreach(ctx, "memory", fmt.Sprintf("%d", ms.HeapAlloc), "")
			}
		case <-snapTick:
			if k.State() != StateRunning {
				continue
			}
			hash, err := k.snapshot(ctx, k.opts.AutoSnapshot.UseDelta)
			if err != nil {
				k.opts.Logger.Error(ctx, "auto snapshot failed", "kernel_id", k.opts.KernelID, "error", err.Error())
				continue
			}
			k.mu.Lock()
			k.lastSnapshotHash = hash
			k.mu.Unlock()
		}
	}
}

func (k *Kernel) shutdown() {
	k.stopOnce.Do(func() { close(k.stop) })
	k.mu.Lock()
	cancel := k.cancel
	k.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	k.proc.Close()
	k.queue.Close()
	k.registry.Close()
	k.store.Close()
}
