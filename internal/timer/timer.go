// Package timer schedules one-shot callbacks onto a serial executor.
package timer

import (
	"sync"
	"time"

	"invalidator/internal/serial"
)

// Timer is a re-armable one-shot timer. Schedule replaces any pending fire.
type Timer interface {
	Schedule(d time.Duration)
	Cancel()
}

type Factory interface {
	NewTimer(fn func()) Timer
}

// NewFactory returns timers whose callbacks run on exec.
func NewFactory(exec serial.Executor) Factory {
	return execFactory{exec: exec}
}

type execFactory struct {
	exec serial.Executor
}

func (f execFactory) NewTimer(fn func()) Timer {
	return &execTimer{exec: f.exec, fn: fn}
}

type execTimer struct {
	exec serial.Executor
	fn   func()

	mu    sync.Mutex
	gen   uint64
	armed bool
	t     *time.Timer
}

func (t *execTimer) Schedule(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	t.armed = true
	gen := t.gen
	t.t = time.AfterFunc(d, func() {
		t.exec.Execute(func() { t.fire(gen) })
	})
}

func (t *execTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
	t.armed = false
}

// fire runs on the executor. A fire that was cancelled or re-scheduled after AfterFunc
// already queued it carries a stale generation and is dropped.
func (t *execTimer) fire(gen uint64) {
	t.mu.Lock()
	if !t.armed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.armed = false
	t.t = nil
	t.mu.Unlock()
	t.fn()
}
