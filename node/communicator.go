package node

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/moonbotlabs/moonbot"
)

// Communicator defaults.
const (
	defaultRPCTimeout = 30 * time.Second
	defaultRequestTTL = 10 * time.Minute
)

// Transport writes a frame to the socket a companion is connected on. The
// gateway provides the implementation; the Communicator never touches
// sockets directly.
type Transport interface {
	Send(socketID string, frame []byte) error
}

// requestFrame is the JSON-RPC request sent to a companion.
type requestFrame struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// responseFrame is a companion's JSON-RPC reply.
type responseFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type nodeResult struct {
	payload json.RawMessage
	err     error
}

// pendingNodeRequest is one in-flight RPC to a companion. ch is buffered;
// exactly one resolution is ever delivered.
type pendingNodeRequest struct {
	nodeID    string
	ch        chan nodeResult
	createdAt time.Time
}

// Communicator correlates JSON-RPC requests to companions with their
// responses. The pending table is shared between callers, the response
// dispatcher, and the sweep; every mutation happens under one mutex, and
// no lock is held while waiting.
type Communicator struct {
	mu        sync.Mutex
	pending   map[string]*pendingNodeRequest // correlationID
	closed    bool
	sessions  *SessionManager
	transport Transport
	timeout   time.Duration
	ttl       time.Duration
	observe   RequestObserver
	logger    *slog.Logger
}

// RequestObserver receives the outcome of one companion RPC after it
// resolves, for metrics.
type RequestObserver func(nodeID, method string, ok bool, elapsed time.Duration)

// CommunicatorOption configures a Communicator.
type CommunicatorOption func(*Communicator)

// WithRPCTimeout sets the default per-request deadline. Default: 30s.
func WithRPCTimeout(d time.Duration) CommunicatorOption {
	return func(c *Communicator) { c.timeout = d }
}

// WithRequestTTL sets the sweep horizon for abandoned requests. Default: 10m.
func WithRequestTTL(d time.Duration) CommunicatorOption {
	return func(c *Communicator) { c.ttl = d }
}

// WithCommunicatorLogger sets a structured logger.
func WithCommunicatorLogger(l *slog.Logger) CommunicatorOption {
	return func(c *Communicator) { c.logger = l }
}

// WithRequestObserver sets a callback invoked with the outcome of every
// dispatched companion RPC.
func WithRequestObserver(fn RequestObserver) CommunicatorOption {
	return func(c *Communicator) { c.observe = fn }
}

// NewCommunicator creates a Communicator over the given session table and
// transport.
func NewCommunicator(sessions *SessionManager, transport Transport, opts ...CommunicatorOption) *Communicator {
	c := &Communicator{
		pending:   make(map[string]*pendingNodeRequest),
		sessions:  sessions,
		transport: transport,
		timeout:   defaultRPCTimeout,
		ttl:       defaultRequestTTL,
		logger:    discardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendAndWait sends method to the companion and blocks for its reply.
// timeout <= 0 uses the default. Failures map to the node error codes:
// NODE_NOT_FOUND, NODE_NOT_AVAILABLE, NODE_UNREACHABLE, NODE_TIMEOUT,
// NODE_DISCONNECTED, COMMUNICATOR_SHUTDOWN.
func (c *Communicator) SendAndWait(ctx context.Context, nodeID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	conn, ok := c.sessions.Get(nodeID)
	if !ok {
		return nil, moonbot.NewTaskError(moonbot.CodeNodeNotFound, "unknown companion")
	}
	if conn.Status != StatusPaired {
		return nil, moonbot.Errf(moonbot.CodeNodeNotAvailable,
			"the companion is not connected", "node %s is %s", nodeID, conn.Status)
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	start := time.Now()
	payload, err := c.roundTrip(ctx, conn, nodeID, method, params, timeout)
	if c.observe != nil {
		c.observe(nodeID, method, err == nil, time.Since(start))
	}
	return payload, err
}

// roundTrip registers the correlation id, writes the frame, and blocks for
// the resolution.
func (c *Communicator) roundTrip(ctx context.Context, conn Connection, nodeID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	corrID := moonbot.NewID()
	req := &pendingNodeRequest{
		nodeID:    nodeID,
		ch:        make(chan nodeResult, 1),
		createdAt: time.Now(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, moonbot.NewTaskError(moonbot.CodeCommunicatorShutdown, "the gateway is shutting down")
	}
	c.pending[corrID] = req
	c.mu.Unlock()

	frame, err := json.Marshal(requestFrame{JSONRPC: "2.0", ID: corrID, Method: method, Params: params})
	if err != nil {
		c.drop(corrID)
		return nil, moonbot.Errf(moonbot.CodeNodeUnreachable,
			"could not reach the companion", "marshal: %v", err)
	}
	if err := c.transport.Send(conn.SocketID, frame); err != nil {
		c.drop(corrID)
		return nil, moonbot.Errf(moonbot.CodeNodeUnreachable,
			"could not reach the companion", "send to %s: %v", nodeID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-req.ch:
		return res.payload, res.err
	case <-timer.C:
		c.drop(corrID)
		return nil, moonbot.Errf(moonbot.CodeNodeTimeout,
			"the companion did not answer in time", "node %s: %s timed out", nodeID, method)
	case <-ctx.Done():
		c.drop(corrID)
		return nil, ctx.Err()
	}
}

// HandleResponse dispatches a companion's reply frame to its waiter.
// Frames with no matching correlation id are dropped (late replies after a
// timeout or disconnect).
func (c *Communicator) HandleResponse(frame []byte) {
	var resp responseFrame
	if err := json.Unmarshal(frame, &resp); err != nil || resp.ID == "" {
		c.logger.Warn("unparseable companion frame")
		return
	}

	c.mu.Lock()
	req, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("late companion reply dropped", "correlation_id", resp.ID)
		return
	}

	c.sessions.Touch(req.nodeID)
	if resp.Error != nil {
		req.ch <- nodeResult{err: moonbot.Errf(moonbot.CodeNodeUnreachable,
			"the companion reported an error",
			"node %s rpc error %d: %s", req.nodeID, resp.Error.Code, resp.Error.Message)}
		return
	}
	req.ch <- nodeResult{payload: resp.Result}
}

// NodeDisconnected rejects pending requests for the disconnecting node
// only; requests to other companions keep waiting.
func (c *Communicator) NodeDisconnected(nodeID string) {
	c.mu.Lock()
	var victims []*pendingNodeRequest
	for id, req := range c.pending {
		if req.nodeID == nodeID {
			victims = append(victims, req)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, req := range victims {
		req.ch <- nodeResult{err: moonbot.NewTaskError(moonbot.CodeNodeDisconnected,
			"the companion disconnected")}
	}
	if len(victims) > 0 {
		c.logger.Info("rejected pending requests on disconnect",
			"node_id", nodeID, "count", len(victims))
	}
}

// StartSweep launches a background loop that evicts requests older than
// the TTL, a safety net for callers that stopped waiting.
func (c *Communicator) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				c.sweep(now)
			}
		}
	}()
}

func (c *Communicator) sweep(now time.Time) {
	cutoff := now.Add(-c.ttl)
	c.mu.Lock()
	var stale []*pendingNodeRequest
	for id, req := range c.pending {
		if req.createdAt.Before(cutoff) {
			stale = append(stale, req)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, req := range stale {
		req.ch <- nodeResult{err: moonbot.NewTaskError(moonbot.CodeNodeTimeout,
			"the companion did not answer in time")}
	}
}

// Shutdown rejects every outstanding request and refuses new ones.
func (c *Communicator) Shutdown() {
	c.mu.Lock()
	c.closed = true
	victims := make([]*pendingNodeRequest, 0, len(c.pending))
	for id, req := range c.pending {
		victims = append(victims, req)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, req := range victims {
		req.ch <- nodeResult{err: moonbot.NewTaskError(moonbot.CodeCommunicatorShutdown,
			"the gateway is shutting down")}
	}
}

// Pending returns the number of in-flight companion requests.
func (c *Communicator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// drop removes a correlation id without resolving its waiter.
func (c *Communicator) drop(corrID string) {
	c.mu.Lock()
	delete(c.pending, corrID)
	c.mu.Unlock()
}
