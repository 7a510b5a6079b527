package serial

import (
	"sync"

	"go.uber.org/zap"
)

// Loop is an Executor backed by one goroutine and an unbounded FIFO.
//
// The queue never blocks a producer, so a task may enqueue follow-up work onto its own loop.
type Loop struct {
	name   string
	log    *zap.Logger
	mu     sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{}
	done   chan struct{}
	spawns sync.WaitGroup
}

func NewLoop(name string, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Loop{
		name:   name,
		log:    log,
		tasks:  make([]func(), 0, 16),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) Execute(task func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *Loop) Spawn(task func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.spawns.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.spawns.Done()
		task()
	}()
}

// Len reports queued tasks that have not started yet.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Close stops accepting work, runs what is already queued and waits for the loop to exit.
// Spawned tasks still running are not waited for; their results are dropped.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.signal)
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		task, ok := l.next()
		if ok {
			l.runTask(task)
			continue
		}
		if _, open := <-l.signal; !open {
			for {
				task, ok := l.next()
				if !ok {
					return
				}
				l.runTask(task)
			}
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil, false
	}
	task := l.tasks[0]
	l.tasks[0] = nil
	if len(l.tasks) == 1 {
		l.tasks = l.tasks[:0]
	} else {
		l.tasks = l.tasks[1:]
	}
	return task, true
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("serial task panicked", zap.String("loop", l.name), zap.Any("panic", r))
		}
	}()
	task()
}
