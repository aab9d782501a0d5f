package moonbot

import (
	"context"
	"encoding/json"
	"log/slog"
)

// TaskState is the lifecycle state of a Task.
type TaskState string

// Task lifecycle states. Done, Failed, and Aborted are terminal.
const (
	TaskPending TaskState = "PENDING"
	TaskRunning TaskState = "RUNNING"
	TaskPaused  TaskState = "PAUSED"
	TaskDone    TaskState = "DONE"
	TaskFailed  TaskState = "FAILED"
	TaskAborted TaskState = "ABORTED"
)

// Terminal reports whether s admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskAborted
}

// legalTransitions is the task state machine. A transition not listed here
// is rejected; terminal states have no outgoing edges.
var legalTransitions = map[TaskState][]TaskState{
	TaskPending: {TaskRunning, TaskAborted, TaskFailed},
	TaskRunning: {TaskDone, TaskFailed, TaskPaused, TaskAborted},
	TaskPaused:  {TaskRunning, TaskAborted, TaskFailed},
}

// canTransition reports whether from → to is a legal edge.
func canTransition(from, to TaskState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InboundMessage is a single user request as delivered by a channel adapter.
type InboundMessage struct {
	AgentID   string          `json:"agentId"`
	UserID    string          `json:"userId"`
	ChannelID string          `json:"channelId"`
	Text      string          `json:"text"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Task is one user request with its own state machine and queue slot.
// State is mutated only by the Orchestrator.
type Task struct {
	ID               string          `json:"id"`
	ChannelSessionID string          `json:"channelSessionId"`
	Message          InboundMessage  `json:"message"`
	State            TaskState       `json:"state"`
	Result           string          `json:"result,omitempty"`
	Error            *TaskError      `json:"error,omitempty"`
	CreatedAt        int64           `json:"createdAt"`
	UpdatedAt        int64           `json:"updatedAt"`
}

// ResponseStatus is the delivery status carried on a chat.response notification.
type ResponseStatus string

// Response statuses.
const (
	StatusQueued    ResponseStatus = "queued"
	StatusPending   ResponseStatus = "pending"
	StatusCompleted ResponseStatus = "completed"
	StatusFailed    ResponseStatus = "failed"
)

// Response is the payload of a chat.response notification.
type Response struct {
	TaskID    string          `json:"taskId"`
	ChannelID string          `json:"channelId"`
	Text      string          `json:"text"`
	Status    ResponseStatus  `json:"status"`
	Error     *TaskError      `json:"error,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// StateChange describes one task state transition, published to subscribers.
type StateChange struct {
	TaskID        string    `json:"taskId"`
	ChannelID     string    `json:"channelId"`
	PreviousState TaskState `json:"previousState"`
	NewState      TaskState `json:"newState"`
	Timestamp     int64     `json:"timestamp"`
}

// ApprovalRequest is the payload of an approval.requested notification.
type ApprovalRequest struct {
	RequestID string          `json:"requestId"`
	TaskID    string          `json:"taskId"`
	ChannelID string          `json:"channelId"`
	ToolID    string          `json:"toolId"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ApprovalDecision is the payload of an approval.resolved notification.
type ApprovalDecision struct {
	RequestID string `json:"requestId"`
	TaskID    string `json:"taskId"`
	ChannelID string `json:"channelId"`
	Approved  bool   `json:"approved"`
}

// nopLogger is a logger that discards all output. Components that accept a
// *slog.Logger option default to it.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
