package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/moonbotlabs/moonbot"
	"github.com/moonbotlabs/moonbot/node"
)

// Instrument subscribes the instruments to the orchestrator's and runtime's
// event streams: task transitions bump the lifecycle counters, approval
// decisions the approval counter, tool runs the execution counter and
// duration histogram. Returns an unsubscribe function.
func Instrument(orch *moonbot.Orchestrator, runtime *moonbot.Runtime, inst *Instruments) func() {
	ctx := context.Background()

	unsubState := orch.OnTaskState(func(c moonbot.StateChange) {
		switch {
		case c.PreviousState == moonbot.TaskPending && c.NewState == moonbot.TaskRunning:
			inst.TasksCreated.Add(ctx, 1)
		case c.NewState == moonbot.TaskDone:
			inst.TasksCompleted.Add(ctx, 1)
		case c.NewState == moonbot.TaskFailed || c.NewState == moonbot.TaskAborted:
			inst.TasksFailed.Add(ctx, 1,
				metric.WithAttributes(attribute.String("state", string(c.NewState))))
		}
	})

	unsubApproval := orch.OnApprovalResolved(func(d moonbot.ApprovalDecision) {
		inst.Approvals.Add(ctx, 1,
			metric.WithAttributes(attribute.Bool("approved", d.Approved)))
	})

	unsubTool := runtime.Subscribe(moonbot.EventToolExecuted, func(payload any) {
		ev, ok := payload.(moonbot.ToolExecuted)
		if !ok {
			return
		}
		inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", ev.ToolID),
			attribute.Bool("ok", ev.OK)))
		inst.ToolDuration.Record(ctx, float64(ev.DurationMs),
			metric.WithAttributes(attribute.String("tool", ev.ToolID)))
	})

	return func() {
		unsubState()
		unsubApproval()
		unsubTool()
	}
}

// NodeRequestObserver adapts the instruments to the communicator's per-RPC
// hook: request count by method and outcome, plus a duration histogram.
func NodeRequestObserver(inst *Instruments) node.RequestObserver {
	ctx := context.Background()
	return func(nodeID, method string, ok bool, elapsed time.Duration) {
		inst.NodeRequests.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.Bool("ok", ok)))
		inst.NodeDuration.Record(ctx, float64(elapsed.Milliseconds()),
			metric.WithAttributes(attribute.String("method", method)))
	}
}
