// Package moonbot is the task orchestration core of a local-first assistant
// gateway: a loopback WebSocket/JSON-RPC server that accepts conversational
// requests from chat surfaces, schedules them under strict per-channel
// ordering, drives a plan-execute-replan loop over schema-validated tools,
// and gates dangerous tools behind interactive approvals.
//
// # Architecture
//
// A channel adapter calls chat.send over WebSocket. The [Gateway] (package
// gateway) admits the connection (rate limit, token auth), frames JSON-RPC
// 2.0, and hands the message to the [Orchestrator]. The orchestrator enqueues
// a [Task] into that channel's FIFO; when the channel is idle it invokes the
// [Executor], which asks a [Planner] for a step graph and runs each step
// through the tool [Runtime]. Tools that require approval suspend the task
// until an approval.grant decision arrives. Completion is broadcast to every
// subscriber as a chat.response notification.
//
// # Core contracts
//
//   - [Planner] — turns an inbound message into an ordered [Plan]
//   - [ToolSpec] — a named, schema-validated capability registered with [Runtime]
//   - [HistoryStore] — conversation transcript persistence (store/sqlite, store/postgres)
//   - [Tracer] — optional span emission (observer package provides OTEL)
//
// Queues, task records, and pending approvals are memory-resident; only the
// conversation transcript persists. Remote "node companions" (package node)
// are paired with short one-time codes and receive delegated operations over
// an already-authenticated socket.
//
// See cmd/moonbot for the assembled server.
package moonbot
