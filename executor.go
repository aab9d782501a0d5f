package moonbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Formatter composes the final assistant message from the step outputs.
// An LLM-backed formatter is an external collaborator behind this func
// type; when none is configured a deterministic fallback string is used
// and the result is tagged fallback=true.
type Formatter func(ctx context.Context, msg InboundMessage, outputs map[string]ToolResult) (string, error)

// ExecResult is the outcome of driving one task to completion.
type ExecResult struct {
	Success  bool
	Text     string
	Outputs  map[string]ToolResult
	Errors   []*TaskError
	Recovery RecoveryStats
	Fallback bool
}

// Executor drives a single task: plan, validate, execute steps in
// dependency order, recover from step failures via the Replanner, and
// compose the final message. One Executor is shared across tasks; all
// per-task state lives in the Execute call frame.
type Executor struct {
	runtime      *Runtime
	planner      Planner
	formatter    Formatter
	tracer       Tracer
	logger       *slog.Logger
	policy       Policy
	workspace    string
	alternatives map[string][]string
	maxRetries   int
	maxAlts      int
	retryBase    time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithFormatter sets the final-message composer. Default: fallback string.
func WithFormatter(f Formatter) ExecutorOption {
	return func(e *Executor) { e.formatter = f }
}

// WithExecutorTracer sets the tracer for task, step, and tool spans.
func WithExecutorTracer(t Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithExecutorLogger sets a structured logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithToolPolicy sets the policy block handed to every tool invocation.
func WithToolPolicy(p Policy) ExecutorOption {
	return func(e *Executor) { e.policy = p }
}

// WithWorkspaceRoot sets the root directory file tools operate under.
func WithWorkspaceRoot(dir string) ExecutorOption {
	return func(e *Executor) { e.workspace = dir }
}

// WithToolAlternatives sets the per-tool fallback table used for recovery.
func WithToolAlternatives(alts map[string][]string) ExecutorOption {
	return func(e *Executor) { e.alternatives = alts }
}

// WithRecoveryBudgets overrides the per-step retry and alternative budgets.
func WithRecoveryBudgets(maxRetries, maxAlternatives int) ExecutorOption {
	return func(e *Executor) {
		e.maxRetries = maxRetries
		e.maxAlts = maxAlternatives
	}
}

// WithRetryBackoff sets the base delay for retry backoff between step
// attempts. Default: 1 second.
func WithRetryBackoff(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.retryBase = d }
}

// NewExecutor creates an Executor over the given planner and tool runtime.
func NewExecutor(planner Planner, runtime *Runtime, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runtime:    runtime,
		planner:    planner,
		logger:     nopLogger,
		maxRetries: defaultMaxRetries,
		maxAlts:    defaultMaxAlternatives,
		retryBase:  defaultRetryBase,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute drives msg to completion under ctx. sessionID names this
// execution for approval correlation; history is prior conversation
// context for the planner. A returned error means the task failed; the
// ExecResult still carries partial outputs and recovery stats.
func (e *Executor) Execute(ctx context.Context, msg InboundMessage, sessionID string, history []HistoryMessage) (ExecResult, error) {
	ctx, span := e.span(ctx, "task.execute",
		StringAttr("agent_id", msg.AgentID),
		StringAttr("channel_id", msg.ChannelID))
	defer e.end(span)

	res := ExecResult{Outputs: make(map[string]ToolResult)}

	plan, err := e.planner.Plan(ctx, PlanInput{Message: msg, History: history})
	if err != nil {
		terr := Errf(CodeExecutionError, "could not plan this request", "planner: %v", err)
		res.Errors = append(res.Errors, terr)
		e.fail(span, terr)
		return res, terr
	}
	if err := ValidatePlan(plan); err != nil {
		terr := Errf(CodeExecutionError, "could not plan this request", "invalid plan: %v", err)
		res.Errors = append(res.Errors, terr)
		e.fail(span, terr)
		return res, terr
	}

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	rp := NewReplanner(
		WithMaxRetries(e.maxRetries),
		WithMaxAlternatives(e.maxAlts),
		WithAlternatives(e.alternatives),
		WithRetryBase(e.retryBase),
		WithTaskDeadline(deadline),
		WithReplannerLogger(e.logger),
	)

	tctx := ToolContext{
		SessionID:     sessionID,
		UserID:        msg.UserID,
		AgentID:       msg.AgentID,
		WorkspaceRoot: e.workspace,
		Policy:        e.policy,
	}

	for _, step := range topoOrder(plan) {
		if step.ToolID == "" {
			// Pure respond step: the artifact is composed after the loop.
			continue
		}
		result, terr := e.runStep(ctx, step, tctx, rp)
		res.Outputs[step.ID] = result
		if terr != nil {
			res.Errors = append(res.Errors, terr)
			res.Recovery = rp.Stats()
			e.fail(span, terr)
			return res, terr
		}
	}

	text, fallback := e.compose(ctx, msg, res.Outputs)
	res.Success = true
	res.Text = text
	res.Fallback = fallback
	res.Recovery = rp.Stats()
	return res, nil
}

// runStep invokes one tool step, consulting the Replanner on each failure
// until the step succeeds or the decision is ABORT.
func (e *Executor) runStep(ctx context.Context, step Step, tctx ToolContext, rp *Replanner) (ToolResult, *TaskError) {
	ctx, span := e.span(ctx, "step.execute",
		StringAttr("step_id", step.ID),
		StringAttr("tool_id", step.ToolID))
	defer e.end(span)

	toolID := step.ToolID
	forceApproval := false
	for {
		if err := ctx.Err(); err != nil {
			return ToolResult{}, ctxTaskError(err)
		}

		start := time.Now()
		result, err := e.invoke(ctx, toolID, step.Input, tctx, forceApproval)
		forceApproval = false
		if err != nil {
			// Await interrupted by context, not a tool failure.
			return ToolResult{}, ctxTaskError(err)
		}
		if result.OK {
			rp.MarkOutcome(step.ID, true, time.Since(start))
			return result, nil
		}

		stepErr := resultError(result)
		if errorCode(stepErr) == CodeApprovalDenied {
			// Denial is final; it never enters the recovery loop.
			return result, Errf(CodeApprovalDenied, "the request was not approved",
				"step %s: approval denied", step.ID)
		}

		kind := Classify(stepErr)
		decision := rp.Decide(step.ID, kind, toolID)
		rp.MarkOutcome(step.ID, false, time.Since(start))
		e.logger.Info("step recovery",
			"step", step.ID, "tool", toolID,
			"kind", string(kind), "action", string(decision.Action))
		if span != nil {
			span.Event("recovery", StringAttr("action", string(decision.Action)))
		}

		switch decision.Action {
		case ActionRetry:
			if err := sleepCtx(ctx, decision.Backoff); err != nil {
				return ToolResult{}, ctxTaskError(err)
			}
		case ActionAlternative:
			toolID = decision.AlternativeToolID
		case ActionApproval:
			forceApproval = true
		default:
			terr := abortError(stepErr, step.ID)
			e.fail(span, terr)
			return result, terr
		}
	}
}

// invoke dispatches to the runtime and, when the tool is approval-gated,
// blocks on the decision before returning the real result.
func (e *Executor) invoke(ctx context.Context, toolID string, input json.RawMessage, tctx ToolContext, forceApproval bool) (ToolResult, error) {
	var result ToolResult
	var err error
	if forceApproval {
		result, err = e.runtime.InvokeWithApproval(ctx, toolID, input, tctx)
	} else {
		result, err = e.runtime.Invoke(ctx, toolID, input, tctx)
	}
	if err != nil {
		return result, err
	}
	if result.AwaitingApproval {
		return e.runtime.Await(ctx, result.InvocationID)
	}
	return result, nil
}

// compose builds the final assistant text, falling back to a deterministic
// summary when no formatter is configured or the formatter fails.
func (e *Executor) compose(ctx context.Context, msg InboundMessage, outputs map[string]ToolResult) (string, bool) {
	if e.formatter != nil {
		text, err := e.formatter(ctx, msg, outputs)
		if err == nil {
			return text, false
		}
		e.logger.Warn("formatter failed, using fallback", "error", err)
	}
	return fallbackCompose(outputs), true
}

// fallbackCompose renders step outputs as a plain text summary.
func fallbackCompose(outputs map[string]ToolResult) string {
	if len(outputs) == 0 {
		return "Done."
	}
	var b strings.Builder
	b.WriteString("Done. Results:\n")
	for id, out := range outputs {
		if len(out.Data) > 0 {
			fmt.Fprintf(&b, "- %s: %s\n", id, string(out.Data))
		} else {
			fmt.Fprintf(&b, "- %s: ok\n", id)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// resultError converts a failed ToolResult into an error for classification.
func resultError(res ToolResult) error {
	if res.Error == nil {
		return &ErrTool{Code: CodeExecutionError, Message: "tool failed"}
	}
	return &ErrTool{Code: res.Error.Code, Message: res.Error.Message}
}

// abortError maps the terminal step failure to the TaskError surfaced to
// the user. The stable code of the underlying failure is preserved.
func abortError(stepErr error, stepID string) *TaskError {
	code := errorCode(stepErr)
	if code == "" {
		code = CodeExecutionError
	}
	return Errf(code, "a step of this task failed and could not be recovered",
		"step %s: %v", stepID, stepErr)
}

// ctxTaskError maps a context error, wrapped or not, to the corresponding
// TaskError.
func ctxTaskError(err error) *TaskError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTaskError(CodeTimeout, "the task ran out of time")
	}
	return NewTaskError(CodeAborted, "the task was aborted")
}

// sleepCtx waits d or until ctx ends, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// span starts a tracer span when a tracer is configured.
func (e *Executor) span(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if e.tracer == nil {
		return ctx, nil
	}
	return e.tracer.Start(ctx, name, attrs...)
}

func (e *Executor) end(s Span) {
	if s != nil {
		s.End()
	}
}

func (e *Executor) fail(s Span, err error) {
	if s != nil {
		s.Error(err)
	}
}
