package moonbot

import (
	"sync"
	"time"
)

// defaultTaskRetention is how long terminal tasks stay in the registry
// before the janitor removes them.
const defaultTaskRetention = time.Hour

// taskRegistry is the in-memory task table. Snapshots returned by Get are
// copies; callers never hold a pointer into the table.
type taskRegistry struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	retention time.Duration
}

func newTaskRegistry(retention time.Duration) *taskRegistry {
	if retention <= 0 {
		retention = defaultTaskRetention
	}
	return &taskRegistry{
		tasks:     make(map[string]*Task),
		retention: retention,
	}
}

func (r *taskRegistry) Put(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
}

// Get returns a copy of the task, so readers can't race the orchestrator's
// mutations.
func (r *taskRegistry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// update applies fn to the stored task under the registry lock. fn reports
// whether it mutated the task; UpdatedAt is stamped only then, so a
// rejected mutation does not refresh the retention horizon.
func (r *taskRegistry) update(id string, fn func(*Task) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	if fn(t) {
		t.UpdatedAt = NowUnix()
	}
	return true
}

// Sweep removes terminal tasks whose last update is older than the
// retention horizon. Returns the number of tasks removed.
func (r *taskRegistry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.retention).Unix()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, t := range r.tasks {
		if t.State.Terminal() && t.UpdatedAt <= cutoff {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tasks currently held.
func (r *taskRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
