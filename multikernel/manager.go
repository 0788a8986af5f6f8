// Package multikernel hosts a set of namespaced kernels behind one manager:
// it initializes them in parallel, propagates events across namespace bridges,
// fans out pause/resume, and exposes request/response by correlation id.
package multikernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kernelworks/axon/event"
	"github.com/kernelworks/axon/kernel"
	"github.com/kernelworks/axon/persist"
	"github.com/kernelworks/axon/telemetry"
)

const (
	// crossKernelLogCap bounds the cross-kernel emission log.
	crossKernelLogCap = 1000
	// statusLogTail is how many recent bridge emissions status reports show.
	statusLogTail = 10
)

var (
	// ErrUnknownKernel reports an operation against an unregistered kernel.
	ErrUnknownKernel = errors.New("unknown kernel")
	// ErrRequestTimeout reports a request/response exchange that saw no
	// response in time.
	ErrRequestTimeout = errors.New("request timed out")
)

type (
	// Options configures a Manager.
	Options struct {
		// Factory builds snapshot persistors for kernels that need them.
		// Nil falls back to a fresh factory (memory adapters).
		Factory *persist.Factory
		// KernelDefaults seeds every kernel's options before the spec is
		// applied. Queue, middleware and telemetry settings propagate from
		// here.
		KernelDefaults kernel.Options
		// RequestTimeout is the default request/response timeout.
		RequestTimeout time.Duration
		// Logger, Metrics and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// KernelStatus is the manager's per-kernel status entry.
	KernelStatus struct {
		KernelID  string
		Namespace string
		Workflow  string
		State     kernel.State
		InitError string
		Detail    kernel.Status
	}

	// ManagerStatus aggregates kernel statuses with the recent bridge log.
	ManagerStatus struct {
		Kernels     []KernelStatus
		RecentLinks []BridgeEmission
	}

	// BridgeEmission records one cross-kernel propagation.
	BridgeEmission struct {
		At            time.Time
		FromNamespace string
		ToNamespace   string
		EventType     string
		CorrelationID string
	}

	hostedKernel struct {
		spec    KernelSpec
		k       *kernel.Kernel
		initErr error
	}

	// hostedView is a point-in-time copy of a handle, safe to read without
	// the manager lock.
	hostedView struct {
		spec    KernelSpec
		k       *kernel.Kernel
		initErr error
	}

	// Manager owns the kernels and the bridges between them. Safe for
	// concurrent use.
	Manager struct {
		opts    Options
		bridges []BridgeSpec

		mu       sync.Mutex
		byNS     map[string]*hostedKernel
		byID     map[string]*hostedKernel
		link     []BridgeEmission
		waiters  map[string]chan *event.Event
		shutdown bool
	}
)

// New constructs a Manager from a validated config. Call Initialize to start
// the kernels.
func New(cfg Config, opts Options) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Factory == nil {
		opts.Factory = persist.NewFactory()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
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

	m := &Manager{
		opts:    opts,
		bridges: cfg.Bridges,
		byNS:    make(map[string]*hostedKernel, len(cfg.Kernels)),
		byID:    make(map[string]*hostedKernel, len(cfg.Kernels)),
		waiters: make(map[string]chan *event.Event),
	}
	for _, spec := range cfg.Kernels {
		h := &hostedKernel{spec: spec}
		m.byNS[spec.Namespace] = h
		m.byID[spec.KernelID] = h
	}
	return m, nil
}

// Initialize builds and starts every kernel in parallel. A kernel that fails
// to build or start stays in the registry with its error recorded, so status
// reports remain accurate; Initialize itself returns the first error.
func (m *Manager) Initialize(ctx context.Context) error {
	// A plain group: one kernel failing must not cancel the others' startup.
	var g errgroup.Group
	m.mu.Lock()
	hosted := make([]*hostedKernel, 0, len(m.byID))
	for _, h := range m.byID {
		hosted = append(hosted, h)
	}
	m.mu.Unlock()

	for _, h := range hosted {
		g.Go(func() error {
			k, err := m.buildKernel(h.spec)
			if err == nil {
				err = k.Initialize(ctx)
			}
			m.mu.Lock()
			h.k = k
			h.initErr = err
			m.mu.Unlock()
			if err != nil {
				m.opts.Logger.Error(ctx, "kernel initialization failed",
					"kernel_id", h.spec.KernelID, "error", err.Error())
				return fmt.Errorf("initialize kernel %s: %w", h.spec.KernelID, err)
			}
			m.installBridgeHandler(h)
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) buildKernel(spec KernelSpec) (*kernel.Kernel, error) {
	opts := m.opts.KernelDefaults
	opts.KernelID = spec.KernelID
	opts.Namespace = spec.Namespace
	if spec.TenantID != "" {
		opts.TenantID = spec.TenantID
	}
	if spec.Quotas.MaxEvents > 0 {
		opts.Quotas.MaxEvents = spec.Quotas.MaxEvents
	}
	if spec.Quotas.MaxDurationMS > 0 {
		opts.Quotas.MaxDuration = spec.Quotas.MaxDuration()
	}
	if spec.Quotas.MaxMemory > 0 {
		opts.Quotas.MaxMemory = spec.Quotas.MaxMemory
	}
	if spec.Performance.QueueSize > 0 {
		opts.Queue.QueueSize = spec.Performance.QueueSize
	}
	if spec.Performance.BatchSize > 0 {
		opts.Processor.BatchSize = spec.Performance.BatchSize
	}
	opts.Queue.EnableAcks = spec.Performance.EnableAcks ||
		event.Classify(spec.Namespace+".init") == event.ClassAgent
	if opts.Logger == nil {
		opts.Logger = m.opts.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = m.opts.Metrics
	}
	if opts.Tracer == nil {
		opts.Tracer = m.opts.Tracer
	}
	if spec.NeedsPersistence {
		p, err := m.opts.Factory.Persistor(spec.Persistence)
		if err != nil {
			return nil, fmt.Errorf("persistor for kernel %s: %w", spec.KernelID, err)
		}
		opts.Persistor = p
	}
	return kernel.New(opts)
}

// installBridgeHandler registers the manager's wildcard handler on the
// kernel so every processed event is offered to the bridges.
func (m *Manager) installBridgeHandler(h *hostedKernel) {
	from := h.spec.Namespace
	h.k.Registry().RegisterWildcard(func(ctx context.Context, ev *event.Event) (any, error) {
		m.propagate(ctx, from, ev)
		m.settleWaiter(ev)
		return nil, nil
	})
}

// propagate forwards the event through every matching bridge into the target
// kernel, preserving the correlation id. The target's Inject path applies its
// loop protection, idempotency and quota accounting to the bridged event.
func (m *Manager) propagate(ctx context.Context, fromNS string, ev *event.Event) {
	for _, b := range m.bridges {
		if b.FromNamespace != fromNS || !event.MatchesPattern(ev.Type, b.EventPattern) {
			continue
		}
		m.mu.Lock()
		h, ok := m.byNS[b.ToNamespace]
		var target *kernel.Kernel
		if ok {
			target = h.k
		}
		m.mu.Unlock()
		if target == nil {
			continue
		}

		out := ev.Clone()
		if b.Transform != nil {
			out = b.Transform(out)
			if out == nil {
				continue
			}
		}
		if res := target.Inject(ctx, out); res.Err != nil {
			m.opts.Logger.Warn(ctx, "bridge inject failed",
				"from", b.FromNamespace, "to", b.ToNamespace, "event_type", ev.Type, "error", res.Err.Error())
			continue
		}
		if b.EnableLogging {
			m.opts.Logger.Info(ctx, "bridged event",
				"from", b.FromNamespace, "to", b.ToNamespace,
				"event_type", out.Type, "correlation_id", out.Metadata.CorrelationID)
		}
		m.recordLink(BridgeEmission{
			At:            time.Now(),
			FromNamespace: b.FromNamespace,
			ToNamespace:   b.ToNamespace,
			EventType:     out.Type,
			CorrelationID: out.Metadata.CorrelationID,
		})
		m.opts.Metrics.IncCounter("multikernel.bridge.events", 1,
			"from", b.FromNamespace, "to", b.ToNamespace)
	}
}

func (m *Manager) recordLink(e BridgeEmission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.link = append(m.link, e)
	if len(m.link) > crossKernelLogCap {
		m.link = m.link[len(m.link)-crossKernelLogCap:]
	}
}

// Kernel returns the hosted kernel with the given id.
func (m *Manager) Kernel(kernelID string) (*kernel.Kernel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byID[kernelID]
	if !ok || h.k == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKernel, kernelID)
	}
	return h.k, nil
}

// KernelByNamespace returns the hosted kernel serving the namespace.
func (m *Manager) KernelByNamespace(namespace string) (*kernel.Kernel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byNS[namespace]
	if !ok || h.k == nil {
		return nil, fmt.Errorf("%w: namespace %s", ErrUnknownKernel, namespace)
	}
	return h.k, nil
}

// Emit routes the event to the kernel serving its namespace class: reserved
// observability prefixes go to the first observability kernel, everything
// else to the kernel whose namespace prefixes the type, falling back to the
// agent class.
func (m *Manager) Emit(ctx context.Context, eventType string, data any, opts kernel.EmitOptions) kernel.EmitResult {
	k, err := m.route(eventType)
	if err != nil {
		return kernel.EmitResult{Err: err}
	}
	return k.Emit(ctx, eventType, data, opts)
}

func (m *Manager) route(eventType string) (*kernel.Kernel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Exact namespace prefix match wins.
	for ns, h := range m.byNS {
		if h.k != nil && event.MatchesPattern(eventType, ns+".*") {
			return h.k, nil
		}
	}
	// Fall back to the kernel class.
	class := event.Classify(eventType)
	for ns, h := range m.byNS {
		if h.k != nil && event.Classify(ns+".x") == class {
			return h.k, nil
		}
	}
	return nil, fmt.Errorf("%w: no kernel for event type %s", ErrUnknownKernel, eventType)
}

// PauseAll pauses every running kernel and returns snapshot hashes for the
// kernels that keep snapshots.
func (m *Manager) PauseAll(ctx context.Context, reason string) (map[string]string, error) {
	hashes := make(map[string]string)
	var firstErr error
	for _, h := range m.hostedKernels() {
		if h.k == nil || h.k.State() != kernel.StateRunning {
			continue
		}
		hash, err := h.k.Pause(ctx, reason)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if h.spec.NeedsSnapshots {
			hashes[h.spec.KernelID] = hash
		}
	}
	return hashes, firstErr
}

// ResumeAll resumes paused kernels from the given snapshot hashes. Kernels
// without a hash entry fall back to their last snapshot; kernels that never
// snapshot resume by plain transition.
func (m *Manager) ResumeAll(ctx context.Context, hashes map[string]string) error {
	var firstErr error
	for _, h := range m.hostedKernels() {
		if h.k == nil || h.k.State() != kernel.StatePaused {
			continue
		}
		hash, ok := hashes[h.spec.KernelID]
		if !ok {
			hash = h.k.Status().LastSnapshotHash
		}
		if err := h.k.Resume(ctx, hash); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Request emits a request event and waits for the response event carrying
// the same correlation id, up to the timeout. The response handler is
// one-shot and removed on completion.
func (m *Manager) Request(ctx context.Context, reqType, respType string, payload any, timeout time.Duration) (*event.Event, error) {
	if timeout <= 0 {
		timeout = m.opts.RequestTimeout
	}
	correlationID := uuid.NewString()

	ch := make(chan *event.Event, 1)
	m.mu.Lock()
	m.waiters[waiterKey(respType, correlationID)] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.waiters, waiterKey(respType, correlationID))
		m.mu.Unlock()
	}()

	res := m.Emit(ctx, reqType, payload, kernel.EmitOptions{CorrelationID: correlationID})
	if res.Err != nil {
		return nil, res.Err
	}
	if !res.Success {
		return nil, errors.New("request emit rejected")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: %s after %v", ErrRequestTimeout, reqType, timeout)
	case resp := <-ch:
		return resp, nil
	}
}

// settleWaiter resolves a pending request when a matching response event is
// processed.
func (m *Manager) settleWaiter(ev *event.Event) {
	if ev.Metadata.CorrelationID == "" {
		return
	}
	key := waiterKey(ev.Type, ev.Metadata.CorrelationID)
	m.mu.Lock()
	ch, ok := m.waiters[key]
	if ok {
		delete(m.waiters, key)
	}
	m.mu.Unlock()
	if ok {
		ch <- ev
	}
}

// Status reports every kernel plus the tail of the cross-kernel log.
func (m *Manager) Status() ManagerStatus {
	var st ManagerStatus
	for _, h := range m.hostedKernels() {
		entry := KernelStatus{
			KernelID:  h.spec.KernelID,
			Namespace: h.spec.Namespace,
			Workflow:  h.spec.Workflow,
		}
		switch {
		case h.initErr != nil:
			entry.State = kernel.StateFailed
			entry.InitError = h.initErr.Error()
		case h.k == nil:
			entry.State = kernel.StateInitialized
		default:
			entry.Detail = h.k.Status()
			entry.State = entry.Detail.State
		}
		st.Kernels = append(st.Kernels, entry)
	}

	m.mu.Lock()
	tail := m.link
	if len(tail) > statusLogTail {
		tail = tail[len(tail)-statusLogTail:]
	}
	st.RecentLinks = append([]BridgeEmission(nil), tail...)
	m.mu.Unlock()
	return st
}

// Shutdown completes every running or paused kernel and releases persistor
// connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	m.mu.Unlock()

	var firstErr error
	for _, h := range m.hostedKernels() {
		if h.k == nil {
			continue
		}
		if s := h.k.State(); s == kernel.StateRunning || s == kernel.StatePaused {
			if err := h.k.Complete(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := m.opts.Factory.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// hostedKernels snapshots every handle under the lock, so callers never read
// spec, kernel or init error concurrently with the Initialize writers.
func (m *Manager) hostedKernels() []hostedView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hostedView, 0, len(m.byID))
	for _, h := range m.byID {
		out = append(out, hostedView{spec: h.spec, k: h.k, initErr: h.initErr})
	}
	return out
}

func waiterKey(eventType, correlationID string) string {
	return eventType + "\x00" + correlationID
}
