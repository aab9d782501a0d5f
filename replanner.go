package moonbot

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// FailureKind classifies a failed tool step for recovery purposes.
type FailureKind string

// Failure classifications.
const (
	FailTimeout          FailureKind = "TIMEOUT"
	FailTransient        FailureKind = "NETWORK_TRANSIENT"
	FailPermissionDenied FailureKind = "PERMISSION_DENIED"
	FailInvalidInput     FailureKind = "INVALID_INPUT"
	FailToolNotFound     FailureKind = "TOOL_NOT_FOUND"
	FailNonrecoverable   FailureKind = "UNKNOWN_NONRECOVERABLE"
)

// RecoveryAction is what the Replanner tells the Executor to do next.
type RecoveryAction string

// Recovery actions.
const (
	ActionRetry       RecoveryAction = "RETRY"
	ActionAlternative RecoveryAction = "ALTERNATIVE"
	ActionApproval    RecoveryAction = "APPROVAL"
	ActionAbort       RecoveryAction = "ABORT"
)

// Decision is the Replanner's verdict for one failed step attempt.
type Decision struct {
	Action            RecoveryAction
	AlternativeToolID string
	Backoff           time.Duration
}

// RecoveryAttempt records one recovery decision for a step, kept for the
// task's recovery stats.
type RecoveryAttempt struct {
	StepID            string         `json:"stepId"`
	Action            RecoveryAction `json:"action"`
	ToolID            string         `json:"toolId"`
	AlternativeToolID string         `json:"alternativeToolId,omitempty"`
	Success           bool           `json:"success"`
	DurationMs        int64          `json:"durationMs"`
	Timestamp         int64          `json:"timestamp"`
}

// RecoveryStats summarizes a task's recovery history for the final result.
type RecoveryStats struct {
	Attempts     []RecoveryAttempt `json:"attempts,omitempty"`
	Retries      int               `json:"retries"`
	Alternatives int               `json:"alternatives"`
	Aborted      bool              `json:"aborted"`
}

// Replanner default budgets.
const (
	defaultMaxRetries      = 3
	defaultMaxAlternatives = 2
	defaultRetryBase       = time.Second
)

// Replanner classifies step failures and decides how the Executor should
// proceed: retry with backoff, substitute an alternative tool, escalate to
// interactive approval, or abort. Budgets are tracked per step; when a
// step's retry and alternative budgets are both exhausted every decision
// degrades to ABORT. A Replanner belongs to a single task execution and is
// not shared across tasks.
type Replanner struct {
	mu           sync.Mutex
	maxRetries   int
	maxAlts      int
	retryBase    time.Duration
	alternatives map[string][]string // toolID -> ordered fallback toolIDs
	deadline     time.Time           // task wall-clock budget; zero = none
	logger       *slog.Logger

	retries   map[string]int             // stepID -> retries used
	altsUsed  map[string]map[string]bool // stepID -> tools already tried
	altsSpent map[string]int             // stepID -> alternative slots spent
	approvals map[string]bool            // stepID -> approval escalation spent
	history   []RecoveryAttempt
}

// ReplannerOption configures a Replanner.
type ReplannerOption func(*Replanner)

// WithMaxRetries sets the per-step retry budget. Default: 3.
func WithMaxRetries(n int) ReplannerOption {
	return func(r *Replanner) { r.maxRetries = n }
}

// WithMaxAlternatives sets the per-step alternative-tool budget. Default: 2.
func WithMaxAlternatives(n int) ReplannerOption {
	return func(r *Replanner) { r.maxAlts = n }
}

// WithAlternatives sets the per-tool fallback table. For each toolID the
// slice lists substitutes in priority order.
func WithAlternatives(alts map[string][]string) ReplannerOption {
	return func(r *Replanner) { r.alternatives = alts }
}

// WithRetryBase sets the base delay for exponential retry backoff.
// Default: 1 second.
func WithRetryBase(d time.Duration) ReplannerOption {
	return func(r *Replanner) { r.retryBase = d }
}

// WithTaskDeadline sets the wall-clock instant after which every decision
// is ABORT regardless of remaining budgets.
func WithTaskDeadline(t time.Time) ReplannerOption {
	return func(r *Replanner) { r.deadline = t }
}

// WithReplannerLogger sets a structured logger for recovery decisions.
func WithReplannerLogger(l *slog.Logger) ReplannerOption {
	return func(r *Replanner) { r.logger = l }
}

// NewReplanner creates a Replanner for one task execution.
func NewReplanner(opts ...ReplannerOption) *Replanner {
	r := &Replanner{
		maxRetries: defaultMaxRetries,
		maxAlts:    defaultMaxAlternatives,
		retryBase:  defaultRetryBase,
		logger:     nopLogger,
		retries:   make(map[string]int),
		altsUsed:  make(map[string]map[string]bool),
		altsSpent: make(map[string]int),
		approvals: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Classify maps a step failure to a FailureKind. It understands the
// structured error types of this package plus context deadline errors;
// anything else is UNKNOWN_NONRECOVERABLE.
func Classify(err error) FailureKind {
	if err == nil {
		return FailNonrecoverable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailTimeout
	}
	code := errorCode(err)
	switch code {
	case CodeTimeout, CodeNodeTimeout:
		return FailTimeout
	case CodeNodeUnreachable, CodeNodeDisconnected, CodeNodeNotAvailable:
		return FailTransient
	case CodePermissionDenied, CodeConsentRequired:
		return FailPermissionDenied
	case CodeInvalidInput, CodeInvalidPath, CodeInvalidHeaders, CodeBlockedURL, CodeSizeLimit:
		return FailInvalidInput
	case CodeToolNotFound, CodeNodeCapabilityMissing:
		return FailToolNotFound
	}
	return FailNonrecoverable
}

// errorCode extracts the stable code from a TaskError or ErrTool, or "".
func errorCode(err error) string {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Code
	}
	var et *ErrTool
	if errors.As(err, &et) {
		return et.Code
	}
	return ""
}

// Decide returns the recovery action for a failed attempt of stepID running
// toolID. It spends the relevant budget and records the attempt. The
// mapping:
//
//	TIMEOUT, NETWORK_TRANSIENT  retry with backoff while retries remain,
//	                            then alternative while alternatives remain
//	PERMISSION_DENIED           one approval escalation per step, then abort
//	TOOL_NOT_FOUND              alternative while alternatives remain
//	INVALID_INPUT, UNKNOWN      abort
func (r *Replanner) Decide(stepID string, kind FailureKind, toolID string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.deadline.IsZero() && time.Now().After(r.deadline) {
		return r.record(stepID, toolID, Decision{Action: ActionAbort})
	}

	switch kind {
	case FailTimeout, FailTransient:
		if r.retries[stepID] < r.maxRetries {
			n := r.retries[stepID]
			r.retries[stepID]++
			return r.record(stepID, toolID, Decision{
				Action:  ActionRetry,
				Backoff: retryBackoff(r.retryBase, n),
			})
		}
		return r.record(stepID, toolID, r.pickAlternative(stepID, toolID))
	case FailToolNotFound:
		return r.record(stepID, toolID, r.pickAlternative(stepID, toolID))
	case FailPermissionDenied:
		if !r.approvals[stepID] {
			r.approvals[stepID] = true
			return r.record(stepID, toolID, Decision{Action: ActionApproval})
		}
		return r.record(stepID, toolID, Decision{Action: ActionAbort})
	}
	return r.record(stepID, toolID, Decision{Action: ActionAbort})
}

// MarkOutcome flags the most recent attempt for stepID as succeeded or not.
func (r *Replanner) MarkOutcome(stepID string, success bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].StepID == stepID {
			r.history[i].Success = success
			r.history[i].DurationMs = duration.Milliseconds()
			return
		}
	}
}

// Stats returns the accumulated recovery history.
func (r *Replanner) Stats() RecoveryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := RecoveryStats{Attempts: append([]RecoveryAttempt(nil), r.history...)}
	for _, a := range r.history {
		switch a.Action {
		case ActionRetry:
			stats.Retries++
		case ActionAlternative:
			stats.Alternatives++
		case ActionAbort:
			stats.Aborted = true
		}
	}
	return stats
}

// pickAlternative selects the highest-priority unused substitute for toolID,
// spending one alternative budget slot. No candidate left means ABORT.
// Caller holds r.mu.
func (r *Replanner) pickAlternative(stepID, toolID string) Decision {
	used := r.altsUsed[stepID]
	if used == nil {
		used = make(map[string]bool)
		r.altsUsed[stepID] = used
	}
	used[toolID] = true
	if r.altsSpent[stepID] >= r.maxAlts {
		return Decision{Action: ActionAbort}
	}
	for _, alt := range r.alternatives[toolID] {
		if used[alt] {
			continue
		}
		used[alt] = true
		r.altsSpent[stepID]++
		return Decision{Action: ActionAlternative, AlternativeToolID: alt}
	}
	return Decision{Action: ActionAbort}
}

// record appends the attempt to history and passes the decision through.
// Caller holds r.mu.
func (r *Replanner) record(stepID, toolID string, d Decision) Decision {
	r.history = append(r.history, RecoveryAttempt{
		StepID:            stepID,
		Action:            d.Action,
		ToolID:            toolID,
		AlternativeToolID: d.AlternativeToolID,
		Timestamp:         NowUnix(),
	})
	r.logger.Debug("recovery decision",
		"step", stepID, "tool", toolID, "action", string(d.Action))
	return d
}

// retryBackoff computes the exponential backoff delay before retry attempt
// i, with up to 25% jitter added so concurrent retries spread out. Delays
// too small to jitter are returned as-is.
func retryBackoff(base time.Duration, i int) time.Duration {
	d := base << uint(i)
	if n := int64(d) / 4; n > 0 {
		d += time.Duration(rand.Int63n(n))
	}
	return d
}
