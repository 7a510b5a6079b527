// Package recovery implements the per-object channel that orders pushed invalidations and
// fetches whatever the transport dropped.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"invalidator/internal/delivery"
	"invalidator/internal/domain"
	"invalidator/internal/metrics"
	"invalidator/internal/reorder"
	"invalidator/internal/serial"
	"invalidator/internal/timer"
)

var (
	ErrVersionSpaceExhausted = errors.New("version space exhausted")
	ErrInvalidVersion        = errors.New("invalid version")
	ErrClosed                = errors.New("channel closed")
)

type State uint32

const (
	StateBootstrapping State = iota
	StateActive
	StateRecovering
	StateRetryBackoff
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "bootstrapping"
	case StateActive:
		return "active"
	case StateRecovering:
		return "recovering"
	case StateRetryBackoff:
		return "retry_backoff"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Option func(*Channel)

func WithLogger(log *zap.Logger) Option {
	return func(c *Channel) {
		if log != nil {
			c.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithJitter replaces the random source used for retry jitter.
func WithJitter(fn func(n int64) int64) Option {
	return func(c *Channel) { c.jitter = fn }
}

// Channel orders the invalidations of one object. Its exported methods are safe for
// concurrent use; they hand the work to the channel's executor, which owns every field
// below the atomics.
type Channel struct {
	cfg       Config
	id        domain.ObjectID
	exec      serial.Executor
	recoverer Recoverer
	log       *zap.Logger
	metrics   *metrics.Metrics
	jitter    func(n int64) int64

	state  atomic.Uint32
	closed atomic.Bool
	failed atomic.Bool

	buf           *reorder.Buffer[[]byte]
	sink          *delivery.Sink
	retry         timer.Timer
	bootstrapping bool
	// recoverAfterBootstrap remembers a drop seen before the first InitializeRecoverer.
	recoverAfterBootstrap bool
	recovering            bool
	failures              uint32
	attempts              uint64
}

func NewChannel(cfg Config, id domain.ObjectID, listener delivery.Listener, rec Recoverer,
	exec serial.Executor, timers timer.Factory, opts ...Option) *Channel {
	c := &Channel{
		cfg:           cfg.withDefaults(),
		id:            id,
		exec:          exec,
		recoverer:     rec,
		log:           zap.NewNop(),
		bootstrapping: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("object", id.Name))

	c.sink = delivery.NewSink(id.Name, listener, exec, func(int64) { c.metrics.Delivered() })
	c.buf = reorder.New[[]byte](reorder.Config{Timeout: c.cfg.ReorderTimeout, InitialNextExpected: 0},
		c.sink.Deliver, c.onTimeout, timers)
	c.buf.QueueUntilResync()
	c.buf.SetTimeoutEnabled(false)
	c.retry = timers.NewTimer(c.onRetry)
	c.setState(StateBootstrapping)
	return c
}

func (c *Channel) ObjectID() domain.ObjectID {
	return c.id
}

func (c *Channel) State() State {
	return State(c.state.Load())
}

// InitializeRecoverer sets the first version the consumer still needs and starts delivery.
// Calling it again later moves the channel forward.
func (c *Channel) InitializeRecoverer(nextExpected int64) error {
	if nextExpected < domain.MinNextExpectedVersion {
		return fmt.Errorf("initialize %s at %d: %w", c.id.Name, nextExpected, ErrInvalidVersion)
	}
	if err := c.usable(); err != nil {
		return err
	}
	c.exec.Execute(func() { c.initialize(nextExpected) })
	return nil
}

// OnNotification feeds one pushed invalidation. Only version-space exhaustion and a
// closed or failed channel are reported; everything else is handled internally.
func (c *Channel) OnNotification(n domain.Notification) error {
	if err := c.usable(); err != nil {
		return err
	}
	if n.Version > c.cfg.MaxVersion {
		c.fail(n.Version)
		return fmt.Errorf("%s version %d exceeds %d: %w", c.id.Name, n.Version, c.cfg.MaxVersion, ErrVersionSpaceExhausted)
	}
	c.exec.Execute(func() { c.handle(n) })
	return nil
}

// Recover asks the channel to fetch missed payloads now.
func (c *Channel) Recover() {
	if c.usable() != nil {
		return
	}
	c.exec.Execute(func() { c.recover("requested") })
}

// Err reports why the channel stopped, if it did.
func (c *Channel) Err() error {
	switch {
	case c.failed.Load():
		return ErrVersionSpaceExhausted
	case c.closed.Load():
		return ErrClosed
	default:
		return nil
	}
}

// Close tears the channel down. A recovery fetch already in flight finishes, but its
// result is dropped.
func (c *Channel) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.exec.Execute(func() {
		c.teardown()
		c.setState(StateClosed)
		c.log.Debug("channel closed")
	})
}

func (c *Channel) usable() error {
	if c.failed.Load() {
		return ErrVersionSpaceExhausted
	}
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *Channel) dead() bool {
	return c.closed.Load() || c.failed.Load()
}

func (c *Channel) setState(s State) {
	c.state.Store(uint32(s))
}

func (c *Channel) initialize(nextExpected int64) {
	if c.dead() {
		return
	}
	c.bootstrapping = false
	c.sink.HandleResync(nextExpected)
	c.buf.ResyncTo(nextExpected)
	if !c.recovering {
		c.buf.SetTimeoutEnabled(true)
		c.setState(StateActive)
	}
	c.log.Debug("recoverer initialized", zap.Int64("next_expected", c.buf.NextExpected()))
	if c.recoverAfterBootstrap {
		c.recoverAfterBootstrap = false
		c.recover("dropped while bootstrapping")
	}
}

func (c *Channel) handle(n domain.Notification) {
	if c.dead() {
		return
	}
	if n.Version < 0 || n.Squelched() {
		c.metrics.Notification(metrics.OutcomeSquelched)
		c.recover("dropped notification")
		return
	}

	payload := n.Payload
	if payload == nil {
		payload = []byte{}
	}
	switch c.buf.Accept(payload, n.Version) {
	case reorder.Stale:
		c.metrics.Notification(metrics.OutcomeStale)
	default:
		c.metrics.Notification(metrics.OutcomeAccepted)
	}
	c.enforcePendingBound()
}

func (c *Channel) enforcePendingBound() {
	bound := c.cfg.MaxPendingItems
	if bound == 0 || c.buf.Pending() <= bound || c.bootstrapping {
		return
	}
	dropped := c.buf.Trim(bound)
	c.metrics.PendingDropped(dropped)
	c.log.Warn("pending buffer over bound, dropped newest items",
		zap.Int("dropped", dropped), zap.Int("bound", bound))
	c.recover("pending bound exceeded")
}

func (c *Channel) onTimeout(lastDelivered int64) {
	c.log.Debug("gap outlived reorder timeout", zap.Int64("last_delivered", lastDelivered))
	c.recover("out of order")
}

func (c *Channel) recover(reason string) {
	if c.dead() || c.recovering {
		return
	}
	if c.bootstrapping {
		c.recoverAfterBootstrap = true
		c.log.Debug("recovery deferred until bootstrap", zap.String("reason", reason))
		return
	}

	c.recovering = true
	c.buf.SetTimeoutEnabled(false)
	c.setState(StateRecovering)
	c.attempts++
	since := c.buf.NextExpected() - 1
	c.metrics.RecoveryStarted()
	c.log.Debug("recovering", zap.String("reason", reason), zap.Int64("since", since), zap.Uint64("attempt", c.attempts))

	id, rec, timeout := c.id, c.recoverer, c.cfg.RecoveryTimeout
	c.exec.Spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		start := time.Now()
		res, err := rec.RecoverPayloads(ctx, id, since)
		took := time.Since(start)
		c.exec.Execute(func() { c.finishRecovery(res, err, took) })
	})
}

func (c *Channel) finishRecovery(res Result, err error, took time.Duration) {
	if c.dead() {
		return
	}
	c.metrics.RecoveryFinished(len(res.Items), took, err)

	if err != nil {
		c.failures++
		delay := computeBackoff(c.cfg.retryPolicy(), c.failures, c.jitter)
		c.setState(StateRetryBackoff)
		c.log.Warn("recovery failed, retrying",
			zap.Error(err), zap.Uint32("failures", c.failures), zap.Duration("delay", delay))
		c.retry.Schedule(delay)
		return
	}

	c.failures = 0
	if top := res.newestVersion(); top > c.cfg.MaxVersion {
		c.fail(top)
		return
	}
	for _, item := range res.Items {
		payload := item.Payload
		if payload == nil {
			payload = []byte{}
		}
		c.buf.Accept(payload, item.Version)
	}
	// The sink keeps its queue: every entry carries its own version and is still owed.
	c.buf.ResyncTo(res.CurrentVersion + 1)
	c.recovering = false
	c.setState(StateActive)
	c.buf.SetTimeoutEnabled(true)
	c.log.Debug("recovered",
		zap.Int("items", len(res.Items)),
		zap.Int64("current_version", res.CurrentVersion),
		zap.Int64("next_expected", c.buf.NextExpected()))
}

// onRetry ends the backoff. With a gap still buffered the reorder timeout brings recovery
// back; with nothing buffered there is no gap to time out on, so recover directly.
func (c *Channel) onRetry() {
	if c.dead() {
		return
	}
	c.recovering = false
	c.setState(StateActive)
	c.buf.SetTimeoutEnabled(true)
	if c.buf.Pending() == 0 {
		c.recover("retry")
	}
}

func (c *Channel) fail(version int64) {
	if !c.failed.CompareAndSwap(false, true) {
		return
	}
	c.log.Error("version space exhausted, channel stopped",
		zap.Int64("version", version), zap.Int64("max_version", c.cfg.MaxVersion))
	c.exec.Execute(func() {
		c.teardown()
		c.setState(StateFailed)
	})
}

func (c *Channel) teardown() {
	c.buf.Close()
	c.sink.Close()
	c.retry.Cancel()
}
