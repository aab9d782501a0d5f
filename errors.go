package moonbot

import "fmt"

// Stable error codes carried in TaskError.Code and in the error.data.code
// field of JSON-RPC error responses. Channel adapters key off these; the
// strings are part of the wire contract and must not change.
const (
	// Admission
	CodeAuthMissingToken  = "AUTH_MISSING_TOKEN"
	CodeAuthInvalidToken  = "AUTH_INVALID_TOKEN"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

	// Scheduling
	CodeQueueFull      = "QUEUE_FULL"
	CodeTimeout        = "TIMEOUT"
	CodeAborted        = "ABORTED"
	CodeApprovalDenied = "APPROVAL_DENIED"

	// Execution
	CodeExecutionError   = "EXECUTION_ERROR"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeToolNotFound     = "TOOL_NOT_FOUND"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeSizeLimit        = "SIZE_LIMIT"
	CodeBlockedURL       = "BLOCKED_URL"
	CodeInvalidPath      = "INVALID_PATH"
	CodeInvalidHeaders   = "INVALID_HEADERS"

	// Node companions
	CodeNodeNotFound          = "NODE_NOT_FOUND"
	CodeNodeNotAvailable      = "NODE_NOT_AVAILABLE"
	CodeNodeUnreachable       = "NODE_UNREACHABLE"
	CodeNodeTimeout           = "NODE_TIMEOUT"
	CodeNodeDisconnected      = "NODE_DISCONNECTED"
	CodeCommunicatorShutdown  = "COMMUNICATOR_SHUTDOWN"
	CodeConsentRequired       = "CONSENT_REQUIRED"
	CodeNodeCapabilityMissing = "NODE_CAPABILITY_REQUIRED"
)

// TaskError is a structured task failure. UserMessage is safe to show on a
// chat surface; InternalMessage may carry wrapped causes and is for logs only.
type TaskError struct {
	Code            string `json:"code"`
	UserMessage     string `json:"userMessage"`
	InternalMessage string `json:"-"`
}

func (e *TaskError) Error() string {
	if e.InternalMessage != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.InternalMessage)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.UserMessage)
}

// NewTaskError builds a TaskError whose internal message mirrors the user one.
func NewTaskError(code, userMessage string) *TaskError {
	return &TaskError{Code: code, UserMessage: userMessage, InternalMessage: userMessage}
}

// Errf builds a TaskError with a formatted internal message and a fixed,
// sanitized user message. The format arguments never reach the wire.
func Errf(code, userMessage, format string, args ...any) *TaskError {
	return &TaskError{
		Code:            code,
		UserMessage:     userMessage,
		InternalMessage: fmt.Sprintf(format, args...),
	}
}

// ErrTool is a tool-level failure surfaced inside a ToolResult.
type ErrTool struct {
	Code    string
	Message string
}

func (e *ErrTool) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
