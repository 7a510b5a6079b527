// Package registry keeps one recovering channel per registered object and routes pushed
// invalidations to it.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"invalidator/internal/delivery"
	"invalidator/internal/domain"
	"invalidator/internal/hashroute"
	"invalidator/internal/metrics"
	"invalidator/internal/recovery"
	"invalidator/internal/serial"
	"invalidator/internal/timer"
)

var (
	ErrNotRegistered = errors.New("object not registered")
	ErrNoRecoverer   = errors.New("object is not versioned")
	ErrClosed        = errors.New("registry closed")
)

type Option func(*Registry)

func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithExecutor runs every channel on exec with timers from timers instead of the
// per-partition loops.
func WithExecutor(exec serial.Executor, timers timer.Factory) Option {
	return func(r *Registry) {
		r.exec = exec
		r.timers = timers
	}
}

// WithChannelOptions appends options to every channel the registry creates.
func WithChannelOptions(opts ...recovery.Option) Option {
	return func(r *Registry) { r.channelOpts = append(r.channelOpts, opts...) }
}

type entry struct {
	id       domain.ObjectID
	listener delivery.Listener
	channel  *recovery.Channel
	exec     serial.Executor
	removed  atomic.Bool
}

type Registry struct {
	cfg         recovery.Config
	recoverer   recovery.Recoverer
	log         *zap.Logger
	metrics     *metrics.Metrics
	router      *hashroute.Router
	channelOpts []recovery.Option

	exec   serial.Executor
	timers timer.Factory

	mu      sync.RWMutex
	entries map[string]*entry
	loops   [hashroute.PartitionCount]*serial.Loop
	factory [hashroute.PartitionCount]timer.Factory
	closed  bool
}

func New(cfg recovery.Config, rec recovery.Recoverer, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg,
		recoverer: rec,
		log:       zap.NewNop(),
		router:    hashroute.NewRouter(),
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register starts tracking id. Registering a name again replaces the previous listener
// and tears down its channel.
func (r *Registry) Register(id domain.ObjectID, listener delivery.Listener) (*Handle, error) {
	if listener == nil {
		return nil, fmt.Errorf("register %s: nil listener", id.Name)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	old := r.entries[id.Name]
	exec, timers := r.executorForLocked(id.Name)
	e := &entry{id: id, listener: listener, exec: exec}
	if id.Versioning == domain.VersioningPayloads {
		opts := append([]recovery.Option{recovery.WithLogger(r.log), recovery.WithMetrics(r.metrics)}, r.channelOpts...)
		e.channel = recovery.NewChannel(r.cfg, id, listener, r.recoverer, exec, timers, opts...)
	}
	r.entries[id.Name] = e
	r.mu.Unlock()

	if old != nil {
		r.closeEntry(old)
	}
	r.metrics.ChannelOpened()
	r.log.Debug("object registered", zap.Stringer("object", id))
	return &Handle{reg: r, entry: e}, nil
}

// Unregister stops tracking id, cancelling its timers and dropping anything buffered.
func (r *Registry) Unregister(id domain.ObjectID) {
	r.mu.Lock()
	e, ok := r.entries[id.Name]
	if ok {
		delete(r.entries, id.Name)
		r.router.Forget(id.Name)
	}
	r.mu.Unlock()
	if ok {
		r.closeEntry(e)
		r.log.Debug("object unregistered", zap.Stringer("object", id))
	}
}

func (r *Registry) remove(e *entry) {
	r.mu.Lock()
	cur, ok := r.entries[e.id.Name]
	if ok && cur == e {
		delete(r.entries, e.id.Name)
		r.router.Forget(e.id.Name)
	}
	r.mu.Unlock()
	if ok && cur == e {
		r.closeEntry(e)
	}
}

func (r *Registry) closeEntry(e *entry) {
	e.removed.Store(true)
	if e.channel != nil {
		e.channel.Close()
	}
	r.metrics.ChannelClosed()
}

// Dispatch routes one pushed invalidation to its object.
func (r *Registry) Dispatch(name string, n domain.Notification) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		r.metrics.Notification(metrics.OutcomeUnknownObject)
		return fmt.Errorf("%s: %w", name, ErrNotRegistered)
	}

	if e.channel == nil {
		payload := n.Payload
		if payload == nil && n.ExplicitEmpty {
			payload = []byte{}
		}
		r.metrics.Notification(metrics.OutcomeAccepted)
		e.exec.Execute(func() {
			if e.removed.Load() {
				return
			}
			r.metrics.Delivered()
			e.listener.OnInvalidated(name, n.Version, payload, delivery.NoopHandle)
		})
		return nil
	}

	if err := e.channel.OnNotification(n); err != nil {
		r.metrics.Notification(metrics.OutcomeRejected)
		return err
	}
	return nil
}

func (r *Registry) Notify(name string, version int64, payload []byte, explicitEmpty bool) error {
	return r.Dispatch(name, domain.Notification{Version: version, Payload: payload, ExplicitEmpty: explicitEmpty})
}

// HandleInvalidation accepts the wire form where an explicitly empty payload arrives as
// domain.EmptyPayload and a dropped one as nil.
func (r *Registry) HandleInvalidation(name string, version int64, payload []byte) error {
	if payload != nil && string(payload) == domain.EmptyPayload {
		return r.Notify(name, version, nil, true)
	}
	return r.Notify(name, version, payload, false)
}

func (r *Registry) Lookup(name string) (domain.ObjectID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return domain.ObjectID{}, false
	}
	return e.id, true
}

func (r *Registry) Objects() []domain.ObjectID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ObjectID, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.id)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close unregisters everything and stops the partition loops.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	loops := r.loops
	r.mu.Unlock()

	for _, e := range entries {
		r.closeEntry(e)
	}
	for _, l := range loops {
		if l != nil {
			l.Close()
		}
	}
}

func (r *Registry) executorForLocked(name string) (serial.Executor, timer.Factory) {
	if r.exec != nil {
		return r.exec, r.timers
	}
	route := r.router.EnsureRoute(name, time.Now())
	p := int(route.PartitionID)
	if r.loops[p] == nil {
		r.loops[p] = serial.NewLoop(fmt.Sprintf("partition-%02d", p), r.log)
		r.factory[p] = timer.NewFactory(r.loops[p])
	}
	return r.loops[p], r.factory[p]
}

// Handle is returned by Register and stays bound to that registration.
type Handle struct {
	reg   *Registry
	entry *entry
}

func (h *Handle) ObjectID() domain.ObjectID {
	return h.entry.id
}

// InitializeRecoverer tells the channel the first version the consumer has not seen.
func (h *Handle) InitializeRecoverer(nextExpected int64) error {
	if h.entry.channel == nil {
		return fmt.Errorf("%s: %w", h.entry.id.Name, ErrNoRecoverer)
	}
	return h.entry.channel.InitializeRecoverer(nextExpected)
}

// Recover forces a recovery fetch.
func (h *Handle) Recover() error {
	if h.entry.channel == nil {
		return fmt.Errorf("%s: %w", h.entry.id.Name, ErrNoRecoverer)
	}
	h.entry.channel.Recover()
	return nil
}

func (h *Handle) State() recovery.State {
	if h.entry.channel == nil {
		return recovery.StateActive
	}
	return h.entry.channel.State()
}

// Err is non-nil once the channel stopped for good.
func (h *Handle) Err() error {
	if h.entry.channel == nil {
		return nil
	}
	return h.entry.channel.Err()
}

// Remove unregisters the object unless it has since been registered again.
func (h *Handle) Remove() {
	h.reg.remove(h.entry)
}
