package timer

import (
	"sync"
	"time"
)

// Fake is a simulated clock. Timers fire on the goroutine that advances the clock.
type Fake struct {
	mu     sync.Mutex
	now    time.Duration
	seq    uint64
	timers []*fakeTimer
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) NewTimer(fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := &fakeTimer{clock: f, fn: fn}
	f.timers = append(f.timers, ft)
	return ft
}

// Now is the simulated time elapsed since the clock was created.
func (f *Fake) Now() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Pending counts armed timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if t.armed {
			n++
		}
	}
	return n
}

// NextDeadline reports how far in the future the earliest armed timer fires.
func (f *Fake) NextDeadline() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.earliestLocked()
	if t == nil {
		return 0, false
	}
	return t.deadline - f.now, true
}

// Advance moves the clock forward by d, firing every timer that comes due in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now + d
	f.mu.Unlock()
	for {
		f.mu.Lock()
		t := f.earliestLocked()
		if t == nil || t.deadline > target {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = t.deadline
		t.armed = false
		fn := t.fn
		f.mu.Unlock()
		fn()
	}
}

// FireNext jumps to the earliest armed timer and fires it.
func (f *Fake) FireNext() bool {
	f.mu.Lock()
	t := f.earliestLocked()
	if t == nil {
		f.mu.Unlock()
		return false
	}
	f.now = t.deadline
	t.armed = false
	fn := t.fn
	f.mu.Unlock()
	fn()
	return true
}

// FireAll keeps firing until no timer is armed or max fires happened.
func (f *Fake) FireAll(max int) int {
	n := 0
	for n < max && f.FireNext() {
		n++
	}
	return n
}

func (f *Fake) earliestLocked() *fakeTimer {
	var best *fakeTimer
	for _, t := range f.timers {
		if !t.armed {
			continue
		}
		if best == nil || t.deadline < best.deadline || (t.deadline == best.deadline && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

type fakeTimer struct {
	clock    *Fake
	fn       func()
	armed    bool
	deadline time.Duration
	seq      uint64
}

func (t *fakeTimer) Schedule(d time.Duration) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.clock.seq++
	t.seq = t.clock.seq
	t.deadline = t.clock.now + d
	t.armed = true
}

func (t *fakeTimer) Cancel() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.armed = false
}
