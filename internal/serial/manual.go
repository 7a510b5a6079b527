package serial

import "sync"

// Manual queues everything and runs it only when the caller asks. Executed tasks and
// spawned tasks are kept apart so a test can hold a recovery fetch "in flight".
type Manual struct {
	mu      sync.Mutex
	tasks   []func()
	spawned []func()
}

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Execute(task func()) {
	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()
}

func (m *Manual) Spawn(task func()) {
	m.mu.Lock()
	m.spawned = append(m.spawned, task)
	m.mu.Unlock()
}

// RunTasks drains executed tasks, including ones they enqueue, and leaves spawned work alone.
func (m *Manual) RunTasks() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.tasks) == 0 {
			m.mu.Unlock()
			return n
		}
		task := m.tasks[0]
		m.tasks = m.tasks[1:]
		m.mu.Unlock()
		task()
		n++
	}
}

// RunSpawned runs the spawned tasks that are pending right now.
func (m *Manual) RunSpawned() int {
	m.mu.Lock()
	spawned := m.spawned
	m.spawned = nil
	m.mu.Unlock()
	for _, task := range spawned {
		task()
	}
	return len(spawned)
}

// Run drains both queues until nothing is left.
func (m *Manual) Run() int {
	n := 0
	for {
		ran := m.RunTasks() + m.RunSpawned()
		if ran == 0 {
			return n
		}
		n += ran
	}
}

func (m *Manual) PendingSpawned() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spawned)
}
