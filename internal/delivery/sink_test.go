package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invalidator/internal/serial"
)

type deliveredItem struct {
	version int64
	payload string
}

type recordingListener struct {
	got        []deliveredItem
	handles    []AsyncHandle
	asyncUntil int64
}

func (l *recordingListener) OnInvalidated(name string, version int64, payload []byte, h AsyncHandle) {
	l.got = append(l.got, deliveredItem{version: version, payload: string(payload)})
	l.handles = append(l.handles, h)
	if version <= l.asyncUntil {
		h.StartedAsyncProcessing()
	}
}

func (l *recordingListener) versions() []int64 {
	out := make([]int64, 0, len(l.got))
	for _, d := range l.got {
		out = append(out, d.version)
	}
	return out
}

func TestDeliverSynchronouslyWhenIdle(t *testing.T) {
	l := &recordingListener{}
	var observed []int64
	s := NewSink("obj", l, serial.NewManual(), func(v int64) { observed = append(observed, v) })

	s.Deliver([]byte("a"), 1)
	s.Deliver([]byte("b"), 2)

	assert.Equal(t, []int64{1, 2}, l.versions())
	assert.Equal(t, []int64{1, 2}, observed)
	assert.False(t, s.Busy())
}

func TestQueuesWhileBusyAndFlushesOnFinish(t *testing.T) {
	exec := serial.NewManual()
	l := &recordingListener{asyncUntil: 1}
	s := NewSink("obj", l, exec, nil)

	s.Deliver([]byte("a"), 1)
	require.True(t, s.Busy())
	s.Deliver([]byte("b"), 2)
	s.Deliver([]byte("c"), 3)
	assert.Equal(t, []int64{1}, l.versions())
	assert.Equal(t, 2, s.Queued())

	l.handles[0].FinishedAsyncProcessing()
	// Deferred, never inline.
	assert.Equal(t, []int64{1}, l.versions())
	exec.RunTasks()
	assert.Equal(t, []int64{1, 2, 3}, l.versions())
	assert.Equal(t, "c", l.got[2].payload)
}

func TestFlushStopsWhenListenerGoesBusyAgain(t *testing.T) {
	exec := serial.NewManual()
	l := &recordingListener{asyncUntil: 2}
	s := NewSink("obj", l, exec, nil)

	s.Deliver(nil, 1)
	s.Deliver(nil, 2)
	s.Deliver(nil, 3)

	l.handles[0].FinishedAsyncProcessing()
	exec.RunTasks()
	assert.Equal(t, []int64{1, 2}, l.versions())
	assert.Equal(t, 1, s.Queued())

	l.handles[1].FinishedAsyncProcessing()
	exec.RunTasks()
	assert.Equal(t, []int64{1, 2, 3}, l.versions())
}

func TestHandleResyncDropsSupersededQueue(t *testing.T) {
	exec := serial.NewManual()
	l := &recordingListener{asyncUntil: 1}
	s := NewSink("obj", l, exec, nil)

	s.Deliver(nil, 1)
	s.Deliver([]byte("b"), 2)
	s.Deliver([]byte("c"), 3)
	s.Deliver([]byte("d"), 4)
	s.HandleResync(4)
	assert.Equal(t, 1, s.Queued())

	l.handles[0].FinishedAsyncProcessing()
	exec.RunTasks()
	assert.Equal(t, []int64{1, 4}, l.versions())
	assert.Equal(t, "d", l.got[1].payload)
}

func TestQueuedVersionsSurviveSkips(t *testing.T) {
	exec := serial.NewManual()
	l := &recordingListener{asyncUntil: 1}
	s := NewSink("obj", l, exec, nil)

	s.Deliver([]byte("a"), 1)
	s.Deliver([]byte("b"), 2)
	s.Deliver([]byte("f"), 6)
	s.Deliver([]byte("g"), 7)
	s.HandleResync(3)
	assert.Equal(t, 2, s.Queued())

	l.handles[0].FinishedAsyncProcessing()
	exec.RunTasks()
	require.Equal(t, []int64{1, 6, 7}, l.versions())
	assert.Equal(t, "f", l.got[1].payload)
	assert.Equal(t, "g", l.got[2].payload)
}

func TestCloseStopsDelivery(t *testing.T) {
	exec := serial.NewManual()
	l := &recordingListener{asyncUntil: 1}
	s := NewSink("obj", l, exec, nil)
	s.Deliver(nil, 1)
	s.Deliver(nil, 2)
	s.Close()
	l.handles[0].FinishedAsyncProcessing()
	exec.RunTasks()
	s.Deliver(nil, 3)
	assert.Equal(t, []int64{1}, l.versions())
}

func TestListenerFuncAndNoopHandle(t *testing.T) {
	var got string
	var fn Listener = ListenerFunc(func(name string, _ int64, _ []byte, h AsyncHandle) {
		got = name
		h.StartedAsyncProcessing()
		h.FinishedAsyncProcessing()
	})
	fn.OnInvalidated("raw", 0, nil, NoopHandle)
	assert.Equal(t, "raw", got)
}
