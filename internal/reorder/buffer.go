// Package reorder turns versioned items that may arrive out of order into an in-order,
// gap-free stream.
package reorder

import (
	"sort"
	"time"

	"invalidator/internal/timer"
)

// Outcome says what Accept did with an item.
type Outcome uint8

const (
	Stale Outcome = iota
	Delivered
	Buffered
	Queued
)

func (o Outcome) String() string {
	switch o {
	case Stale:
		return "stale"
	case Delivered:
		return "delivered"
	case Buffered:
		return "buffered"
	case Queued:
		return "queued"
	default:
		return "unknown"
	}
}

type Config struct {
	Timeout             time.Duration
	InitialNextExpected int64
}

// ItemSink receives items strictly in version order.
type ItemSink[T any] func(item T, version int64)

// TimeoutFunc is told the last version handed to the sink when a gap outlives the timeout.
type TimeoutFunc func(lastDelivered int64)

// Buffer is not safe for concurrent use; its owner serializes every call, timer fires included.
type Buffer[T any] struct {
	next           int64
	pending        map[int64]T
	timeout        time.Duration
	timeoutEnabled bool
	queueing       bool
	closed         bool

	sink      ItemSink[T]
	onTimeout TimeoutFunc
	timer     timer.Timer
}

func New[T any](cfg Config, sink ItemSink[T], onTimeout TimeoutFunc, timers timer.Factory) *Buffer[T] {
	b := &Buffer[T]{
		next:           cfg.InitialNextExpected,
		pending:        make(map[int64]T),
		timeout:        cfg.Timeout,
		timeoutEnabled: true,
		sink:           sink,
		onTimeout:      onTimeout,
	}
	b.timer = timers.NewTimer(b.fire)
	return b
}

func (b *Buffer[T]) NextExpected() int64 {
	return b.next
}

func (b *Buffer[T]) Pending() int {
	return len(b.pending)
}

func (b *Buffer[T]) Queueing() bool {
	return b.queueing
}

func (b *Buffer[T]) TimeoutEnabled() bool {
	return b.timeoutEnabled
}

// Accept takes an item at version. Versions below the cursor are dropped.
func (b *Buffer[T]) Accept(item T, version int64) Outcome {
	if b.closed || version < b.next {
		return Stale
	}

	hadPending := len(b.pending) > 0
	b.pending[version] = item

	if b.queueing {
		return Queued
	}

	if version == b.next {
		b.timer.Cancel()
		b.drain()
		b.armIfGap()
		return Delivered
	}

	// Only the first out-of-order item arms the timer; later ones must not push the deadline out.
	if !hadPending {
		b.arm()
	}
	return Buffered
}

// ResyncTo moves the cursor to next, drops everything older and delivers what became contiguous.
// It also ends queue-until-resync mode. Outside that mode the cursor never moves backwards.
func (b *Buffer[T]) ResyncTo(next int64) {
	if b.closed {
		return
	}
	if b.queueing || next > b.next {
		b.next = next
	}
	b.queueing = false
	b.timer.Cancel()

	for v := range b.pending {
		if v < b.next {
			delete(b.pending, v)
		}
	}

	b.drain()
	b.armIfGap()
}

// QueueUntilResync stores every accepted item without delivering until ResyncTo is called.
func (b *Buffer[T]) QueueUntilResync() {
	b.queueing = true
}

func (b *Buffer[T]) SetTimeoutEnabled(enabled bool) {
	b.timeoutEnabled = enabled
	if enabled {
		b.armIfGap()
	} else {
		b.timer.Cancel()
	}
}

// Trim drops the highest buffered versions until at most max remain and returns how many went.
func (b *Buffer[T]) Trim(max int) int {
	if max < 0 || len(b.pending) <= max {
		return 0
	}
	versions := make([]int64, 0, len(b.pending))
	for v := range b.pending {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	dropped := 0
	for _, v := range versions[max:] {
		delete(b.pending, v)
		dropped++
	}
	if len(b.pending) == 0 {
		b.timer.Cancel()
	}
	return dropped
}

func (b *Buffer[T]) Close() {
	b.closed = true
	b.timeoutEnabled = false
	b.timer.Cancel()
	b.pending = make(map[int64]T)
}

func (b *Buffer[T]) drain() {
	for {
		item, ok := b.pending[b.next]
		if !ok {
			return
		}
		delete(b.pending, b.next)
		version := b.next
		b.next++
		b.sink(item, version)
		if b.closed {
			return
		}
	}
}

func (b *Buffer[T]) armIfGap() {
	if len(b.pending) > 0 {
		b.arm()
	}
}

func (b *Buffer[T]) arm() {
	if b.timeoutEnabled && !b.closed {
		b.timer.Schedule(b.timeout)
	}
}

func (b *Buffer[T]) fire() {
	if b.closed {
		return
	}
	b.onTimeout(b.next - 1)
}
