package moonbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Orchestrator scheduling defaults.
const (
	defaultTaskTimeout   = 10 * time.Minute
	defaultSweepInterval = time.Minute
	defaultHistoryLimit  = 20
)

// Orchestrator owns the task lifecycle: registry, per-channel FIFO
// scheduling, timeouts, the approval pause/resume protocol, and response
// fan-out. All task state mutation goes through its transition method, so
// illegal edges are rejected in one place.
//
// Tasks, queues, and session mappings are memory-resident: a restart
// forgets in-flight work and clients re-submit.
// TODO: optionally journal PENDING tasks through the HistoryStore so a
// restart can re-enqueue them.
type Orchestrator struct {
	registry  *taskRegistry
	queue     *channelQueue
	sessions  *sessionTaskMap
	approvals *approvalTable
	runtime   *Runtime
	executor  *Executor
	history   HistoryStore

	logger        *slog.Logger
	tracer        Tracer
	taskTimeout   time.Duration
	sweepInterval time.Duration
	historyLimit  int

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	subMu          sync.Mutex
	nextSub        int
	respSubs       map[int]func(Response)
	stateSubs      map[int]func(StateChange)
	apprReqSubs    map[int]func(ApprovalRequest)
	apprResSubs    map[int]func(ApprovalDecision)
	unsubRequested func()

	baseCtx  context.Context
	stop     context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup

	closedMu sync.Mutex
	closed   bool
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTaskTimeout sets the per-task execution deadline. Default: 10 minutes.
func WithTaskTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.taskTimeout = d }
}

// WithQueueBound sets the per-channel queue capacity. Default: 100.
func WithQueueBound(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.queue = newChannelQueue(n) }
}

// WithTaskRetention sets how long terminal tasks stay visible. Default: 1h.
func WithTaskRetention(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.registry = newTaskRegistry(d) }
}

// WithSessionTTL bounds session→task mappings. Default: 1h.
func WithSessionTTL(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.sessions = newSessionTaskMap(d) }
}

// WithApprovalTTL bounds how long an approval may stay pending. Default: 1h.
func WithApprovalTTL(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.approvals = newApprovalTable(d) }
}

// WithHistoryStore enables conversation history persistence.
func WithHistoryStore(s HistoryStore) OrchestratorOption {
	return func(o *Orchestrator) { o.history = s }
}

// WithOrchestratorLogger sets a structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOrchestratorTracer sets the tracer for task spans.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithSweepInterval sets the cleanup cadence. Default: 1 minute.
func WithSweepInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.sweepInterval = d }
}

// NewOrchestrator wires the orchestrator to its executor and tool runtime
// and starts the cleanup sweep. Call Shutdown to release it.
func NewOrchestrator(executor *Executor, runtime *Runtime, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry:      newTaskRegistry(0),
		queue:         newChannelQueue(0),
		sessions:      newSessionTaskMap(0),
		approvals:     newApprovalTable(0),
		runtime:       runtime,
		executor:      executor,
		logger:        nopLogger,
		taskTimeout:   defaultTaskTimeout,
		sweepInterval: defaultSweepInterval,
		historyLimit:  defaultHistoryLimit,
		cancels:       make(map[string]context.CancelFunc),
		respSubs:      make(map[int]func(Response)),
		stateSubs:     make(map[int]func(StateChange)),
		apprReqSubs:   make(map[int]func(ApprovalRequest)),
		apprResSubs:   make(map[int]func(ApprovalDecision)),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.baseCtx, o.stop = context.WithCancel(context.Background())

	o.unsubRequested = runtime.Subscribe(EventApprovalRequested, func(payload any) {
		req, ok := payload.(ApprovalRequested)
		if !ok {
			return
		}
		o.onApprovalRequested(req)
	})

	o.wg.Add(1)
	go o.sweepLoop()
	return o
}

// ChannelSession derives the queue key for a message: one FIFO per
// (agent, channel) pair.
func ChannelSession(agentID, channelID string) string {
	return agentID + ":" + channelID
}

// CreateTask admits msg as a new task. The returned task is a snapshot:
// PENDING and queued on success, or terminal FAILED with QUEUE_FULL when
// the channel's queue is at capacity. A queue-full admission is a
// structured refusal, not an error; the error return is reserved for an
// orchestrator that is shutting down.
func (o *Orchestrator) CreateTask(msg InboundMessage) (Task, error) {
	o.closedMu.Lock()
	if o.closed {
		o.closedMu.Unlock()
		return Task{}, errors.New("orchestrator is shut down")
	}
	o.closedMu.Unlock()

	now := NowUnix()
	t := &Task{
		ID:               NewID(),
		ChannelSessionID: ChannelSession(msg.AgentID, msg.ChannelID),
		Message:          msg,
		State:            TaskPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	o.registry.Put(t)

	if !o.queue.Enqueue(t.ChannelSessionID, t.ID) {
		terr := NewTaskError(CodeQueueFull, "this channel has too many tasks queued, try again later")
		o.transition(t.ID, TaskFailed, terr, "")
		o.publishResponse(Response{
			TaskID:    t.ID,
			ChannelID: msg.ChannelID,
			Status:    StatusFailed,
			Error:     terr,
		})
		snap, _ := o.registry.Get(t.ID)
		return snap, nil
	}

	o.logger.Info("task queued",
		"task_id", t.ID, "channel", t.ChannelSessionID,
		"depth", o.queue.Len(t.ChannelSessionID))
	o.publishResponse(Response{
		TaskID:    t.ID,
		ChannelID: msg.ChannelID,
		Status:    StatusQueued,
	})

	o.pump(t.ChannelSessionID)
	snap, _ := o.registry.Get(t.ID)
	return snap, nil
}

// GetTask returns a snapshot of the task.
func (o *Orchestrator) GetTask(id string) (Task, bool) {
	return o.registry.Get(id)
}

// TaskForSession resolves an execution session id back to its task.
func (o *Orchestrator) TaskForSession(sessionID string) (Task, bool) {
	taskID, ok := o.sessions.Resolve(sessionID)
	if !ok {
		return Task{}, false
	}
	return o.registry.Get(taskID)
}

// PendingApprovals lists outstanding approvals, oldest first.
func (o *Orchestrator) PendingApprovals() []PendingApproval {
	return o.approvals.List()
}

// QueueDepth returns the number of queued tasks for a channel session.
func (o *Orchestrator) QueueDepth(channelSession string) int {
	return o.queue.Len(channelSession)
}

// pump claims the channel's processing slot and drains its FIFO. At most
// one pump goroutine runs per channel at a time.
func (o *Orchestrator) pump(channel string) {
	if !o.queue.MarkProcessing(channel) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			taskID, ok := o.queue.Dequeue(channel)
			if !ok {
				o.queue.UnmarkProcessing(channel)
				// An enqueue may have raced the release; re-claim if so.
				if o.queue.Len(channel) > 0 {
					o.pump(channel)
				}
				return
			}
			o.executeTask(taskID)
		}
	}()
}

// executeTask drives one dequeued task through the executor and finalizes
// its state. Tasks aborted while queued are skipped.
func (o *Orchestrator) executeTask(taskID string) {
	t, ok := o.registry.Get(taskID)
	if !ok || t.State.Terminal() {
		return
	}
	if _, err := o.transition(taskID, TaskRunning, nil, ""); err != nil {
		// Lost the race with an abort between dequeue and start.
		o.logger.Debug("task not startable", "task_id", taskID, "error", err)
		return
	}

	sessionID := NewID()
	o.sessions.Bind(sessionID, taskID)
	defer o.sessions.Unbind(sessionID)

	ctx, cancel := context.WithTimeout(o.baseCtx, o.taskTimeout)
	o.cancelMu.Lock()
	o.cancels[taskID] = cancel
	o.cancelMu.Unlock()
	defer func() {
		o.cancelMu.Lock()
		delete(o.cancels, taskID)
		o.cancelMu.Unlock()
		cancel()
	}()

	var span Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "task.run",
			StringAttr("task_id", taskID),
			StringAttr("channel", t.ChannelSessionID))
		defer span.End()
	}

	history := o.loadHistory(ctx, t.ChannelSessionID)
	res, execErr := o.executor.Execute(ctx, t.Message, sessionID, history)
	if span != nil && execErr != nil {
		span.Error(execErr)
	}

	// An approval may still be pending if the deadline fired while the
	// executor was blocked on it.
	if p, ok := o.approvals.TakeByTask(taskID); ok {
		o.runtime.Cancel(p.RequestID)
	}

	cur, ok := o.registry.Get(taskID)
	if !ok || cur.State.Terminal() {
		// Abort or denial already finalized the task and published its
		// response; the executor result is discarded.
		return
	}

	if execErr != nil {
		terr := asTaskError(execErr)
		if _, err := o.transition(taskID, TaskFailed, terr, ""); err != nil {
			o.logger.Error("cannot fail task", "task_id", taskID, "error", err)
			return
		}
		o.publishResponse(Response{
			TaskID:    taskID,
			ChannelID: t.Message.ChannelID,
			Status:    StatusFailed,
			Error:     terr,
		})
		return
	}

	if _, err := o.transition(taskID, TaskDone, nil, res.Text); err != nil {
		o.logger.Error("cannot complete task", "task_id", taskID, "error", err)
		return
	}
	o.publishResponse(Response{
		TaskID:    taskID,
		ChannelID: t.Message.ChannelID,
		Text:      res.Text,
		Status:    StatusCompleted,
	})
	o.saveHistory(t, res.Text)
}

// onApprovalRequested is the runtime event hook: resolve the session to a
// task, pause it, and publish approval.requested. Orphaned requests (no
// task, task not RUNNING, or a duplicate) are cancelled immediately.
func (o *Orchestrator) onApprovalRequested(req ApprovalRequested) {
	taskID, ok := o.sessions.Resolve(req.SessionID)
	if !ok {
		o.logger.Warn("approval request for unknown session", "request_id", req.RequestID)
		o.runtime.Cancel(req.RequestID)
		return
	}
	t, ok := o.registry.Get(taskID)
	if !ok {
		o.runtime.Cancel(req.RequestID)
		return
	}

	p := PendingApproval{
		RequestID:   req.RequestID,
		TaskID:      taskID,
		ChannelID:   t.Message.ChannelID,
		ToolID:      req.ToolID,
		RequestedAt: NowUnix(),
	}
	if !o.approvals.Add(p) {
		o.logger.Warn("task already has a pending approval", "task_id", taskID)
		o.runtime.Cancel(req.RequestID)
		return
	}
	if _, err := o.transition(taskID, TaskPaused, nil, ""); err != nil {
		o.approvals.Take(req.RequestID)
		o.runtime.Cancel(req.RequestID)
		return
	}

	// The channel learns the task is waiting on a decision before the
	// approval prompt itself goes out.
	o.publishResponse(Response{
		TaskID:    taskID,
		ChannelID: t.Message.ChannelID,
		Status:    StatusPending,
	})
	o.publishApprovalRequest(ApprovalRequest{
		RequestID: req.RequestID,
		TaskID:    taskID,
		ChannelID: t.Message.ChannelID,
		ToolID:    req.ToolID,
		Input:     req.Input,
	})
}

// Grant resolves the pending approval for taskID. Approving resumes the
// paused executor inside the gated tool; denying aborts the task with
// APPROVAL_DENIED. Fails when the task is not PAUSED or has no pending
// approval; a second Grant for the same task fails the same way.
func (o *Orchestrator) Grant(taskID string, approved bool) error {
	t, ok := o.registry.Get(taskID)
	if !ok {
		return fmt.Errorf("unknown task %s", taskID)
	}
	if t.State != TaskPaused {
		return fmt.Errorf("task %s is %s, not PAUSED", taskID, t.State)
	}
	p, ok := o.approvals.TakeByTask(taskID)
	if !ok {
		return fmt.Errorf("task %s has no pending approval", taskID)
	}

	if approved {
		if _, err := o.transition(taskID, TaskRunning, nil, ""); err != nil {
			return err
		}
		o.runtime.Resolve(p.RequestID, true)
	} else {
		terr := NewTaskError(CodeApprovalDenied, "the request was not approved")
		if _, err := o.transition(taskID, TaskAborted, terr, ""); err != nil {
			return err
		}
		o.runtime.Resolve(p.RequestID, false)
		o.publishResponse(Response{
			TaskID:    taskID,
			ChannelID: t.Message.ChannelID,
			Status:    StatusFailed,
			Error:     terr,
		})
	}

	o.publishApprovalDecision(ApprovalDecision{
		RequestID: p.RequestID,
		TaskID:    taskID,
		ChannelID: t.Message.ChannelID,
		Approved:  approved,
	})
	o.logger.Info("approval resolved",
		"task_id", taskID, "request_id", p.RequestID, "approved", approved)
	return nil
}

// Abort terminates a PENDING, RUNNING, or PAUSED task. Queued tasks are
// removed from their FIFO; an executing task has its context cancelled and
// any pending approval withdrawn. The channel proceeds to its next task.
func (o *Orchestrator) Abort(taskID string) error {
	t, ok := o.registry.Get(taskID)
	if !ok {
		return fmt.Errorf("unknown task %s", taskID)
	}
	if t.State.Terminal() {
		return fmt.Errorf("task %s is already %s", taskID, t.State)
	}

	if p, ok := o.approvals.TakeByTask(taskID); ok {
		o.runtime.Cancel(p.RequestID)
	}

	terr := NewTaskError(CodeAborted, "the task was aborted")
	if _, err := o.transition(taskID, TaskAborted, terr, ""); err != nil {
		return err
	}

	// Queued but not yet claimed by the pump.
	o.queue.Remove(t.ChannelSessionID, taskID)

	o.cancelMu.Lock()
	cancel, running := o.cancels[taskID]
	o.cancelMu.Unlock()
	if running {
		cancel()
	}

	o.publishResponse(Response{
		TaskID:    taskID,
		ChannelID: t.Message.ChannelID,
		Status:    StatusFailed,
		Error:     terr,
	})
	o.logger.Info("task aborted", "task_id", taskID)
	return nil
}

// transition moves the task to the given state, records an error or result,
// publishes the state change, and returns it. Illegal edges are rejected
// without mutating the task.
func (o *Orchestrator) transition(taskID string, to TaskState, terr *TaskError, result string) (StateChange, error) {
	var change StateChange
	var bad error
	ok := o.registry.update(taskID, func(t *Task) bool {
		if !canTransition(t.State, to) {
			bad = fmt.Errorf("illegal transition %s → %s for task %s", t.State, to, taskID)
			return false
		}
		change = StateChange{
			TaskID:        taskID,
			ChannelID:     t.Message.ChannelID,
			PreviousState: t.State,
			NewState:      to,
			Timestamp:     NowUnix(),
		}
		t.State = to
		if terr != nil {
			t.Error = terr
		}
		if result != "" {
			t.Result = result
		}
		return true
	})
	if !ok {
		return StateChange{}, fmt.Errorf("unknown task %s", taskID)
	}
	if bad != nil {
		return StateChange{}, bad
	}
	o.publishStateChange(change)
	return change, nil
}

// OnResponse registers a subscriber for chat responses and returns an
// unsubscribe handle. Subscriber panics are isolated and logged.
func (o *Orchestrator) OnResponse(fn func(Response)) func() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.respSubs[id] = fn
	return func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		delete(o.respSubs, id)
	}
}

// OnTaskState registers a subscriber for state changes.
func (o *Orchestrator) OnTaskState(fn func(StateChange)) func() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.stateSubs[id] = fn
	return func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		delete(o.stateSubs, id)
	}
}

// OnApprovalRequest registers a subscriber for approval requests.
func (o *Orchestrator) OnApprovalRequest(fn func(ApprovalRequest)) func() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.apprReqSubs[id] = fn
	return func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		delete(o.apprReqSubs, id)
	}
}

// OnApprovalResolved registers a subscriber for approval decisions.
func (o *Orchestrator) OnApprovalResolved(fn func(ApprovalDecision)) func() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.apprResSubs[id] = fn
	return func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		delete(o.apprResSubs, id)
	}
}

func (o *Orchestrator) publishResponse(r Response) {
	o.subMu.Lock()
	fns := make([]func(Response), 0, len(o.respSubs))
	for _, fn := range o.respSubs {
		fns = append(fns, fn)
	}
	o.subMu.Unlock()
	for _, fn := range fns {
		func() {
			defer o.recoverSub("response")
			fn(r)
		}()
	}
}

func (o *Orchestrator) publishStateChange(c StateChange) {
	o.subMu.Lock()
	fns := make([]func(StateChange), 0, len(o.stateSubs))
	for _, fn := range o.stateSubs {
		fns = append(fns, fn)
	}
	o.subMu.Unlock()
	for _, fn := range fns {
		func() {
			defer o.recoverSub("task state")
			fn(c)
		}()
	}
}

func (o *Orchestrator) publishApprovalRequest(r ApprovalRequest) {
	o.subMu.Lock()
	fns := make([]func(ApprovalRequest), 0, len(o.apprReqSubs))
	for _, fn := range o.apprReqSubs {
		fns = append(fns, fn)
	}
	o.subMu.Unlock()
	for _, fn := range fns {
		func() {
			defer o.recoverSub("approval request")
			fn(r)
		}()
	}
}

func (o *Orchestrator) publishApprovalDecision(d ApprovalDecision) {
	o.subMu.Lock()
	fns := make([]func(ApprovalDecision), 0, len(o.apprResSubs))
	for _, fn := range o.apprResSubs {
		fns = append(fns, fn)
	}
	o.subMu.Unlock()
	for _, fn := range fns {
		func() {
			defer o.recoverSub("approval decision")
			fn(d)
		}()
	}
}

func (o *Orchestrator) recoverSub(kind string) {
	if rec := recover(); rec != nil {
		o.logger.Error("subscriber panic", "kind", kind, "panic", rec)
	}
}

// sweepLoop periodically removes old terminal tasks, expired session
// mappings, and expired approvals. Expiring an approval cancels its pending
// invocation, which unblocks the executor with a denial.
func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.baseCtx.Done():
			return
		case now := <-ticker.C:
			removed := o.registry.Sweep(now)
			expired := o.sessions.Sweep(now)
			stale := o.approvals.Expired(now)
			for _, p := range stale {
				o.runtime.Cancel(p.RequestID)
			}
			if removed+expired+len(stale) > 0 {
				o.logger.Debug("cleanup sweep",
					"tasks", removed, "sessions", expired, "approvals", len(stale))
			}
		}
	}
}

// Shutdown stops admission, cancels approvals and running tasks, and waits
// for in-flight executions to unwind or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closedMu.Lock()
	o.closed = true
	o.closedMu.Unlock()

	o.stopOnce.Do(func() {
		o.unsubRequested()
		o.runtime.Shutdown()
		o.stop()
	})

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loadHistory fetches recent conversation context, tolerating store errors.
func (o *Orchestrator) loadHistory(ctx context.Context, channelSession string) []HistoryMessage {
	if o.history == nil {
		return nil
	}
	msgs, err := o.history.Recent(ctx, channelSession, o.historyLimit)
	if err != nil {
		o.logger.Warn("history load failed", "channel", channelSession, "error", err)
		return nil
	}
	return msgs
}

// saveHistory appends the completed exchange. Uses a short background
// deadline so a slow store cannot stall the channel pump.
func (o *Orchestrator) saveHistory(t Task, reply string) {
	if o.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.history.Append(ctx, t.ChannelSessionID, HistoryMessage{Role: "user", Content: t.Message.Text}); err != nil {
		o.logger.Warn("history append failed", "error", err)
		return
	}
	if err := o.history.Append(ctx, t.ChannelSessionID, HistoryMessage{Role: "assistant", Content: reply}); err != nil {
		o.logger.Warn("history append failed", "error", err)
	}
}

// asTaskError normalizes any executor error to a *TaskError.
func asTaskError(err error) *TaskError {
	var terr *TaskError
	if errors.As(err, &terr) {
		return terr
	}
	return Errf(CodeExecutionError, "the task failed", "%v", err)
}
