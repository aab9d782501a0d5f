package moonbot

import (
	"sync"
	"time"
)

// defaultSessionTTL bounds how long a session→task mapping survives without
// the task terminating. Expired entries are dropped by the orchestrator's
// cleanup sweep.
const defaultSessionTTL = time.Hour

type sessionEntry struct {
	taskID    string
	createdAt time.Time
}

// sessionTaskMap resolves the sessionId a tool call carries back to the task
// it belongs to. One entry per running task; cleared when the task
// terminates or the TTL elapses.
type sessionTaskMap struct {
	mu      sync.Mutex
	entries map[string]sessionEntry
	ttl     time.Duration
}

func newSessionTaskMap(ttl time.Duration) *sessionTaskMap {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &sessionTaskMap{
		entries: make(map[string]sessionEntry),
		ttl:     ttl,
	}
}

func (m *sessionTaskMap) Bind(sessionID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sessionID] = sessionEntry{taskID: taskID, createdAt: time.Now()}
}

// Resolve returns the task bound to sessionID. Lazily drops the entry when
// its TTL has elapsed.
func (m *sessionTaskMap) Resolve(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return "", false
	}
	if time.Since(e.createdAt) > m.ttl {
		delete(m.entries, sessionID)
		return "", false
	}
	return e.taskID, true
}

func (m *sessionTaskMap) Unbind(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
}

// Sweep drops entries older than the TTL. Returns the number removed.
func (m *sessionTaskMap) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, e := range m.entries {
		if now.Sub(e.createdAt) > m.ttl {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}
