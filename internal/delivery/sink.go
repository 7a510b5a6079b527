// Package delivery hands ordered payloads to a consumer and lets the consumer hold
// further deliveries while it processes one asynchronously.
package delivery

import "invalidator/internal/serial"

// AsyncHandle is passed with every delivery. StartedAsyncProcessing must be called from
// inside OnInvalidated; FinishedAsyncProcessing may be called from any goroutine.
type AsyncHandle interface {
	StartedAsyncProcessing()
	FinishedAsyncProcessing()
}

type Listener interface {
	OnInvalidated(objectName string, version int64, payload []byte, handle AsyncHandle)
}

type ListenerFunc func(objectName string, version int64, payload []byte, handle AsyncHandle)

func (f ListenerFunc) OnInvalidated(objectName string, version int64, payload []byte, handle AsyncHandle) {
	f(objectName, version, payload, handle)
}

// NoopHandle is given to listeners of objects delivered without ordering.
var NoopHandle AsyncHandle = noopHandle{}

type noopHandle struct{}

func (noopHandle) StartedAsyncProcessing()  {}
func (noopHandle) FinishedAsyncProcessing() {}

// Sink is owned by one channel and only touched on that channel's executor.
type Sink struct {
	objectName string
	listener   Listener
	exec       serial.Executor
	onDeliver  func(version int64)

	busy   bool
	closed bool
	queued []queuedItem
	handle *asyncHandle
}

type queuedItem struct {
	version int64
	payload []byte
}

// NewSink builds a sink. onDeliver, when set, observes every version handed to the listener.
func NewSink(objectName string, listener Listener, exec serial.Executor, onDeliver func(version int64)) *Sink {
	s := &Sink{
		objectName: objectName,
		listener:   listener,
		exec:       exec,
		onDeliver:  onDeliver,
	}
	s.handle = &asyncHandle{sink: s}
	return s
}

// Deliver is called in strictly increasing, gap-free version order.
func (s *Sink) Deliver(payload []byte, version int64) {
	if s.closed {
		return
	}
	if !s.busy {
		s.invoke(payload, version)
		return
	}
	s.queued = append(s.queued, queuedItem{version: version, payload: payload})
}

// HandleResync drops queued payloads the consumer no longer needs because the next
// expected version moved to next. Each queued payload keeps its own version, so the
// queue may skip versions.
func (s *Sink) HandleResync(next int64) {
	for len(s.queued) > 0 && s.queued[0].version < next {
		s.queued[0] = queuedItem{}
		s.queued = s.queued[1:]
	}
}

func (s *Sink) Busy() bool {
	return s.busy
}

func (s *Sink) Queued() int {
	return len(s.queued)
}

func (s *Sink) Close() {
	s.closed = true
	s.queued = nil
}

func (s *Sink) invoke(payload []byte, version int64) {
	if s.onDeliver != nil {
		s.onDeliver(version)
	}
	s.listener.OnInvalidated(s.objectName, version, payload, s.handle)
}

func (s *Sink) flush() {
	for len(s.queued) > 0 && !s.busy && !s.closed {
		item := s.queued[0]
		s.queued[0] = queuedItem{}
		s.queued = s.queued[1:]
		s.invoke(item.payload, item.version)
	}
}

type asyncHandle struct {
	sink *Sink
}

func (h *asyncHandle) StartedAsyncProcessing() {
	h.sink.busy = true
}

// FinishedAsyncProcessing defers the flush onto the executor so it never runs inside the
// caller's stack.
func (h *asyncHandle) FinishedAsyncProcessing() {
	s := h.sink
	s.exec.Execute(func() {
		s.busy = false
		s.flush()
	})
}
