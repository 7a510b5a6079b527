package serial

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := NewLoop("test", nil)
	defer l.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		l.Execute(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not drain")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopTaskMayEnqueueOntoItself(t *testing.T) {
	l := NewLoop("reentrant", nil)
	defer l.Close()

	done := make(chan struct{})
	l.Execute(func() {
		l.Execute(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested task never ran")
	}
}

func TestLoopSurvivesPanickingTask(t *testing.T) {
	l := NewLoop("panics", nil)
	defer l.Close()

	done := make(chan struct{})
	l.Execute(func() { panic("boom") })
	l.Execute(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped after panic")
	}
}

func TestLoopSpawnPostsBack(t *testing.T) {
	l := NewLoop("spawn", nil)
	defer l.Close()

	result := make(chan int, 1)
	l.Spawn(func() {
		v := 42
		l.Execute(func() { result <- v })
	})

	select {
	case v := <-result:
		assert.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("spawned result never posted")
	}
}

func TestLoopCloseDrainsAndRejects(t *testing.T) {
	l := NewLoop("close", nil)
	ran := 0
	for i := 0; i < 10; i++ {
		l.Execute(func() { ran++ })
	}
	l.Close()
	assert.Equal(t, 10, ran)

	l.Execute(func() { ran++ })
	assert.Equal(t, 10, ran)
	assert.Equal(t, 0, l.Len())
	l.Close()
}

func TestManualSeparatesSpawned(t *testing.T) {
	m := NewManual()
	var order []string
	m.Execute(func() {
		order = append(order, "a")
		m.Spawn(func() {
			order = append(order, "fetch")
			m.Execute(func() { order = append(order, "result") })
		})
	})

	assert.Equal(t, 1, m.RunTasks())
	assert.Equal(t, []string{"a"}, order)
	assert.Equal(t, 1, m.PendingSpawned())

	assert.Equal(t, 2, m.Run())
	assert.Equal(t, []string{"a", "fetch", "result"}, order)
	assert.Equal(t, 0, m.Run())
}
