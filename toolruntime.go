package moonbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Tool runtime event names. Subscribers register per event via
// Runtime.Subscribe.
const (
	EventApprovalRequested = "approvalRequested"
	EventApprovalResolved  = "approvalResolved"
	EventApprovalCancelled = "approvalCancelled"
	EventToolExecuted      = "toolExecuted"
)

// ApprovalRequested is emitted when an approval-gated tool is invoked.
type ApprovalRequested struct {
	RequestID string
	SessionID string
	ToolID    string
	Input     json.RawMessage
}

// ApprovalResolved is emitted when a decision lands for a pending request.
type ApprovalResolved struct {
	RequestID string
	Approved  bool
}

// ApprovalCancelled is emitted when a pending request is abandoned (task
// abort, TTL expiry, shutdown). Waiters observe it as a denial.
type ApprovalCancelled struct {
	RequestID string
}

// ToolExecuted is emitted after a tool's Run returns, success or failure.
// Approval-gated invocations emit it only when the tool actually ran.
type ToolExecuted struct {
	ToolID     string
	OK         bool
	DurationMs int64
}

// Policy bounds what a tool may touch during one invocation.
type Policy struct {
	Allowlist []string
	Denylist  []string
	MaxBytes  int64
	TimeoutMs int
}

// ToolContext carries per-invocation identity and policy into a tool's Run.
type ToolContext struct {
	SessionID     string
	UserID        string
	AgentID       string
	WorkspaceRoot string
	Policy        Policy
}

// FieldType is a JSON type name accepted in an ObjectSchema property.
type FieldType string

// Schema field types.
const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
)

// ObjectSchema describes a tool's input object: property types plus the
// required key set. Unknown keys are rejected so typos fail loudly.
type ObjectSchema struct {
	Properties map[string]FieldType `json:"properties"`
	Required   []string             `json:"required,omitempty"`
}

// Validate checks input against the schema. The returned error is an
// *ErrTool with code INVALID_INPUT.
func (s ObjectSchema) Validate(input json.RawMessage) error {
	fields := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &fields); err != nil {
			return &ErrTool{Code: CodeInvalidInput, Message: "input is not a JSON object"}
		}
	}
	for _, req := range s.Required {
		if _, ok := fields[req]; !ok {
			return &ErrTool{Code: CodeInvalidInput, Message: fmt.Sprintf("missing required field %q", req)}
		}
	}
	for key, val := range fields {
		want, ok := s.Properties[key]
		if !ok {
			return &ErrTool{Code: CodeInvalidInput, Message: fmt.Sprintf("unknown field %q", key)}
		}
		if !fieldMatches(want, val) {
			return &ErrTool{Code: CodeInvalidInput, Message: fmt.Sprintf("field %q: expected %s", key, want)}
		}
	}
	return nil
}

func fieldMatches(want FieldType, val any) bool {
	if val == nil {
		return true
	}
	switch want {
	case FieldString:
		_, ok := val.(string)
		return ok
	case FieldNumber:
		_, ok := val.(float64)
		return ok
	case FieldBoolean:
		_, ok := val.(bool)
		return ok
	case FieldObject:
		_, ok := val.(map[string]any)
		return ok
	}
	return false
}

// ToolError is the structured error half of a ToolResult.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ToolMeta carries execution metadata alongside a result.
type ToolMeta struct {
	DurationMs int64    `json:"durationMs"`
	Artifacts  []string `json:"artifacts,omitempty"`
	Truncated  bool     `json:"truncated,omitempty"`
}

// ToolResult is the outcome of one tool invocation. When AwaitingApproval
// is set the tool has not run; the caller must block on Runtime.Await.
type ToolResult struct {
	OK               bool            `json:"ok"`
	Data             json.RawMessage `json:"data,omitempty"`
	Error            *ToolError      `json:"error,omitempty"`
	Meta             ToolMeta        `json:"meta"`
	AwaitingApproval bool            `json:"awaitingApproval,omitempty"`
	InvocationID     string          `json:"invocationId,omitempty"`
}

// failResult builds a failed ToolResult with the given code.
func failResult(code, message string) ToolResult {
	return ToolResult{OK: false, Error: &ToolError{Code: code, Message: message}}
}

// ToolSpec is a named, schema-validated capability. Run must honor ctx
// cancellation; tools that touch dangerous surfaces set RequiresApproval
// and are only run after an interactive grant.
type ToolSpec struct {
	ID               string
	Description      string
	Schema           ObjectSchema
	RequiresApproval bool
	Run              func(ctx context.Context, input json.RawMessage, tc ToolContext) (ToolResult, error)
}

// pendingInvocation is an approval-gated invocation frozen between
// approvalRequested and the decision. decision is a one-shot channel; the
// waiter in Await is the only receiver.
type pendingInvocation struct {
	spec     ToolSpec
	input    json.RawMessage
	tctx     ToolContext
	decision chan bool
}

// Runtime is the tool registry and dispatcher. It validates inputs, gates
// approval-required tools behind an interactive decision, and publishes
// approval lifecycle events on a minimal per-event-name bus.
type Runtime struct {
	mu       sync.Mutex
	tools    map[string]ToolSpec
	pending  map[string]*pendingInvocation
	subs     map[string]map[int]func(any)
	nextSub  int
	logger   *slog.Logger
	shutdown bool
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeLogger sets a structured logger for dispatch and events.
func WithRuntimeLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// NewRuntime creates an empty tool runtime.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		tools:   make(map[string]ToolSpec),
		pending: make(map[string]*pendingInvocation),
		subs:    make(map[string]map[int]func(any)),
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Re-registering an id replaces the previous spec.
func (r *Runtime) Register(spec ToolSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.ID] = spec
}

// Lookup returns the spec registered under id.
func (r *Runtime) Lookup(id string) (ToolSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.tools[id]
	return spec, ok
}

// Invoke validates input and either runs the tool or, for approval-gated
// tools, emits approvalRequested and returns an awaiting-approval result.
// The caller resumes via Await with the returned InvocationID.
func (r *Runtime) Invoke(ctx context.Context, toolID string, input json.RawMessage, tctx ToolContext) (ToolResult, error) {
	r.mu.Lock()
	spec, ok := r.tools[toolID]
	r.mu.Unlock()
	if !ok {
		return failResult(CodeToolNotFound, "unknown tool: "+toolID), nil
	}
	if err := spec.Schema.Validate(input); err != nil {
		var te *ErrTool
		if asErrTool(err, &te) {
			return failResult(te.Code, te.Message), nil
		}
		return failResult(CodeInvalidInput, "invalid input"), nil
	}

	if spec.RequiresApproval {
		return r.gate(spec, input, tctx)
	}

	return r.run(ctx, spec, input, tctx)
}

// InvokeWithApproval routes the invocation through the approval gate even
// when the tool itself does not require approval. Used when a failure is
// escalated to an interactive grant.
func (r *Runtime) InvokeWithApproval(_ context.Context, toolID string, input json.RawMessage, tctx ToolContext) (ToolResult, error) {
	r.mu.Lock()
	spec, ok := r.tools[toolID]
	r.mu.Unlock()
	if !ok {
		return failResult(CodeToolNotFound, "unknown tool: "+toolID), nil
	}
	if err := spec.Schema.Validate(input); err != nil {
		var te *ErrTool
		if asErrTool(err, &te) {
			return failResult(te.Code, te.Message), nil
		}
		return failResult(CodeInvalidInput, "invalid input"), nil
	}
	return r.gate(spec, input, tctx)
}

// gate freezes the invocation behind a pending approval and emits
// approvalRequested. The caller resumes it via Await.
func (r *Runtime) gate(spec ToolSpec, input json.RawMessage, tctx ToolContext) (ToolResult, error) {
	requestID := NewID()
	inv := &pendingInvocation{
		spec:     spec,
		input:    input,
		tctx:     tctx,
		decision: make(chan bool, 1),
	}
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return failResult(CodeApprovalDenied, "runtime shutting down"), nil
	}
	r.pending[requestID] = inv
	r.mu.Unlock()

	r.logger.Debug("approval requested", "tool", spec.ID, "request_id", requestID)
	r.emit(EventApprovalRequested, ApprovalRequested{
		RequestID: requestID,
		SessionID: tctx.SessionID,
		ToolID:    spec.ID,
		Input:     input,
	})
	return ToolResult{AwaitingApproval: true, InvocationID: requestID}, nil
}

// Await blocks until the pending invocation's decision arrives, then runs
// the tool (approved) or returns an APPROVAL_DENIED result (denied or
// cancelled). Returns ctx.Err() if the context ends first.
func (r *Runtime) Await(ctx context.Context, invocationID string) (ToolResult, error) {
	r.mu.Lock()
	inv, ok := r.pending[invocationID]
	r.mu.Unlock()
	if !ok {
		return failResult(CodeApprovalDenied, "no pending invocation"), nil
	}

	select {
	case approved := <-inv.decision:
		r.mu.Lock()
		delete(r.pending, invocationID)
		r.mu.Unlock()
		if !approved {
			return failResult(CodeApprovalDenied, "approval denied"), nil
		}
		return r.run(ctx, inv.spec, inv.input, inv.tctx)
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, invocationID)
		r.mu.Unlock()
		return ToolResult{}, ctx.Err()
	}
}

// Resolve delivers the decision for a pending request and emits
// approvalResolved. Returns false when no such request is pending.
func (r *Runtime) Resolve(requestID string, approved bool) bool {
	r.mu.Lock()
	inv, ok := r.pending[requestID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case inv.decision <- approved:
	default:
		// Decision already delivered; Resolve is effective exactly once.
		return false
	}
	r.emit(EventApprovalResolved, ApprovalResolved{RequestID: requestID, Approved: approved})
	return true
}

// Cancel abandons a pending request: waiters unblock with a denied result
// and approvalCancelled is emitted.
func (r *Runtime) Cancel(requestID string) bool {
	r.mu.Lock()
	inv, ok := r.pending[requestID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case inv.decision <- false:
	default:
		return false
	}
	r.emit(EventApprovalCancelled, ApprovalCancelled{RequestID: requestID})
	return true
}

// Shutdown cancels every pending invocation and stops accepting new ones.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Cancel(id)
	}
}

// Subscribe registers fn for the named event and returns an unsubscribe
// handle. Subscriber panics are isolated and logged; they never propagate
// into the emitting goroutine's caller.
func (r *Runtime) Subscribe(event string, fn func(any)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[event] == nil {
		r.subs[event] = make(map[int]func(any))
	}
	id := r.nextSub
	r.nextSub++
	r.subs[event][id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[event], id)
	}
}

func (r *Runtime) emit(event string, payload any) {
	r.mu.Lock()
	fns := make([]func(any), 0, len(r.subs[event]))
	for _, fn := range r.subs[event] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		r.safeCall(event, fn, payload)
	}
}

func (r *Runtime) safeCall(event string, fn func(any), payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event subscriber panic", "event", event, "panic", rec)
		}
	}()
	fn(payload)
}

// run executes the tool with the policy timeout applied and stamps duration.
func (r *Runtime) run(ctx context.Context, spec ToolSpec, input json.RawMessage, tctx ToolContext) (ToolResult, error) {
	if tctx.Policy.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(tctx.Policy.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	start := time.Now()
	res, err := spec.Run(ctx, input, tctx)
	res.Meta.DurationMs = time.Since(start).Milliseconds()
	r.emit(EventToolExecuted, ToolExecuted{
		ToolID:     spec.ID,
		OK:         err == nil && res.OK,
		DurationMs: res.Meta.DurationMs,
	})
	if err != nil {
		r.logger.Warn("tool run failed", "tool", spec.ID, "error", err)
		return res, err
	}
	return res, nil
}

// asErrTool is errors.As specialized to *ErrTool without importing errors
// at every call site.
func asErrTool(err error, target **ErrTool) bool {
	te, ok := err.(*ErrTool)
	if ok {
		*target = te
	}
	return ok
}
