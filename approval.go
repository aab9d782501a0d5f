package moonbot

import (
	"sync"
	"time"
)

// defaultApprovalTTL is how long a pending approval waits for a decision
// before the cleanup sweep auto-cancels it.
const defaultApprovalTTL = time.Hour

// PendingApproval is one outstanding approval decision. A PAUSED task has
// exactly one; a task in any other state has none.
type PendingApproval struct {
	RequestID   string `json:"requestId"`
	TaskID      string `json:"taskId"`
	ChannelID   string `json:"channelId"`
	ToolID      string `json:"toolId"`
	RequestedAt int64  `json:"requestedAt"`
}

// approvalTable tracks pending approvals, keyed by request id with a
// secondary task-id index. All mutation happens under one mutex; the
// decision itself is delivered through the tool runtime's one-shot channel,
// never under this lock.
type approvalTable struct {
	mu      sync.Mutex
	byReq   map[string]PendingApproval
	byTask  map[string]string // taskID → requestID
	ttl     time.Duration
}

func newApprovalTable(ttl time.Duration) *approvalTable {
	if ttl <= 0 {
		ttl = defaultApprovalTTL
	}
	return &approvalTable{
		byReq:  make(map[string]PendingApproval),
		byTask: make(map[string]string),
		ttl:    ttl,
	}
}

// Add records a pending approval. Returns false when the task already has
// one outstanding.
func (t *approvalTable) Add(p PendingApproval) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.byTask[p.TaskID]; dup {
		return false
	}
	t.byReq[p.RequestID] = p
	t.byTask[p.TaskID] = p.RequestID
	return true
}

// Take removes and returns the approval with the given request id.
func (t *approvalTable) Take(requestID string) (PendingApproval, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byReq[requestID]
	if !ok {
		return PendingApproval{}, false
	}
	delete(t.byReq, requestID)
	delete(t.byTask, p.TaskID)
	return p, true
}

// TakeByTask removes and returns the approval pending for taskID.
func (t *approvalTable) TakeByTask(taskID string) (PendingApproval, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reqID, ok := t.byTask[taskID]
	if !ok {
		return PendingApproval{}, false
	}
	p := t.byReq[reqID]
	delete(t.byReq, reqID)
	delete(t.byTask, taskID)
	return p, true
}

// ByTask returns the approval pending for taskID without removing it.
func (t *approvalTable) ByTask(taskID string) (PendingApproval, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reqID, ok := t.byTask[taskID]
	if !ok {
		return PendingApproval{}, false
	}
	return t.byReq[reqID], true
}

// List returns all pending approvals, oldest first.
func (t *approvalTable) List() []PendingApproval {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingApproval, 0, len(t.byReq))
	for _, p := range t.byReq {
		out = append(out, p)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].RequestedAt < out[j-1].RequestedAt; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Expired removes and returns approvals older than the TTL.
func (t *approvalTable) Expired(now time.Time) []PendingApproval {
	cutoff := now.Add(-t.ttl).Unix()
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []PendingApproval
	for id, p := range t.byReq {
		if p.RequestedAt <= cutoff {
			delete(t.byReq, id)
			delete(t.byTask, p.TaskID)
			out = append(out, p)
		}
	}
	return out
}
