package task

import (
	"sync"

	"github.com/google/uuid"
)

// Manager is a process-wide registry of live tasks: a scheduler needs one
// to answer "what tasks exist" for introspection and kill-by-id, even
// though a task's own state carries no back-pointer to any such table.
type Manager struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*Task
}

var (
	globalManager     *Manager
	globalManagerOnce sync.Once
)

// GetManager returns the process-wide task manager singleton.
func GetManager() *Manager {
	globalManagerOnce.Do(func() {
		globalManager = NewManager()
	})
	return globalManager
}

// NewManager creates an independent registry, useful for tests that want
// isolation from the process-wide singleton.
func NewManager() *Manager {
	return &Manager{tasks: make(map[uuid.UUID]*Task)}
}

// Register adds a task to the registry.
func (m *Manager) Register(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID()] = t
}

// Get retrieves a task by id.
func (m *Manager) Get(id uuid.UUID) *Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tasks[id]
}

// Remove deletes a task from the registry.
func (m *Manager) Remove(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
}

// All returns a snapshot of every registered task.
func (m *Manager) All() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

// Runnable returns every registered task still in state RUNNABLE.
func (m *Manager) Runnable() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0)
	for _, t := range m.tasks {
		if t.State() == RUNNABLE {
			out = append(out, t)
		}
	}
	return out
}

// CleanupTerminated removes every registered task that has left RUNNABLE,
// intended to be called periodically by a scheduler.
func (m *Manager) CleanupTerminated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		if t.State() != RUNNABLE {
			delete(m.tasks, id)
		}
	}
}
