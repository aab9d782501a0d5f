package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moonbotlabs/moonbot"
	"github.com/moonbotlabs/moonbot/node"
)

// DefaultAddr is the loopback bind address.
const DefaultAddr = "127.0.0.1:18789"

// closeGraceWait is how long Shutdown lets in-flight RPCs drain before
// sockets are torn down.
const closeGraceWait = 5 * time.Second

// handlerFunc handles one RPC method. A nil *rpcError means success.
type handlerFunc func(c *client, params json.RawMessage) (any, *rpcError)

// Server is the loopback WebSocket gateway. It owns sockets and the
// client registry; task semantics live in the orchestrator, companion
// state in the node packages.
type Server struct {
	addr      string
	orch      *moonbot.Orchestrator
	auth      *moonbot.Authenticator
	limiter   *moonbot.RateLimiter
	nodes     *node.SessionManager
	comm      *node.Communicator
	validator *node.CommandValidator
	nodeObs   node.RequestObserver
	logger    *slog.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	handlers map[string]handlerFunc

	mu      sync.Mutex
	clients map[string]*client // socketID
	closed  bool
	unsubs  []func()
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAddr sets the bind address. Default: 127.0.0.1:18789.
func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.addr = addr }
}

// WithServerLogger sets a structured logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithNodeRequestObserver sets the metrics hook handed to the node
// communicator.
func WithNodeRequestObserver(fn node.RequestObserver) ServerOption {
	return func(s *Server) { s.nodeObs = fn }
}

// NewServer wires the gateway to the orchestrator and node components and
// subscribes to notification fan-out. The communicator is created here:
// the server is its transport.
func NewServer(orch *moonbot.Orchestrator, auth *moonbot.Authenticator, limiter *moonbot.RateLimiter, nodes *node.SessionManager, validator *node.CommandValidator, opts ...ServerOption) *Server {
	s := &Server{
		addr:      DefaultAddr,
		orch:      orch,
		auth:      auth,
		limiter:   limiter,
		nodes:     nodes,
		validator: validator,
		logger:    slog.New(slog.DiscardHandler),
		clients:   make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Loopback service; browsers are not the threat model here and
			// local tools send no Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	commOpts := []node.CommunicatorOption{node.WithCommunicatorLogger(s.logger)}
	if s.nodeObs != nil {
		commOpts = append(commOpts, node.WithRequestObserver(s.nodeObs))
	}
	s.comm = node.NewCommunicator(nodes, s, commOpts...)
	s.registerHandlers()

	s.unsubs = append(s.unsubs,
		orch.OnResponse(func(r moonbot.Response) {
			s.broadcast("chat.response", r)
		}),
		orch.OnApprovalRequest(func(r moonbot.ApprovalRequest) {
			s.broadcast("approval.requested", r)
		}),
		orch.OnApprovalResolved(func(d moonbot.ApprovalDecision) {
			s.broadcast("approval.resolved", d)
		}),
	)
	return s
}

// Communicator exposes the node communicator for tools that delegate work
// to companions.
func (s *Server) Communicator() *node.Communicator {
	return s.comm
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.logger.Info("gateway listening", "addr", s.addr)
	s.comm.StartSweep(ctx)
	s.limiter.StartSweep(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), closeGraceWait)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops admission, drains in-flight RPCs up to the grace window,
// then closes sockets, the rate limiter, the orchestrator, and finally the
// node communicator.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, unsub := range s.unsubs {
		unsub()
	}
	open := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		open = append(open, c)
	}
	s.mu.Unlock()

	if s.httpSrv != nil {
		s.httpSrv.Shutdown(ctx)
	}
	for _, c := range open {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.conn.Close()
	}

	s.limiter.Stop()
	err := s.orch.Shutdown(ctx)
	s.comm.Shutdown()
	s.logger.Info("gateway stopped")
	return err
}

// handleWS admits one connection: rate-limit by peer address, upgrade,
// then start the pumps. Authentication happens on the connect RPC.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "addr", host, "error", err)
		return
	}

	if !s.limiter.CheckAddr(host) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limit exceeded"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	c := newClient(s, conn, moonbot.NewID(), host)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c.socketID] = c
	s.mu.Unlock()

	s.logger.Debug("socket open", "socket_id", c.socketID, "addr", host)
	go c.writePump()
	go c.readPump()
}

// dispatch routes one inbound frame: companion replies go to the
// communicator, everything else through the RPC handler table. A handler
// panic is logged and mapped to -32603 with a sanitized message.
func (s *Server) dispatch(c *client, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.reply(c, newErrorResponse(nil, &rpcError{Code: errCodeParse, Message: "parse error"}))
		return
	}
	if c.nodeID != "" && req.isResponse(data) {
		s.comm.HandleResponse(data)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.reply(c, newErrorResponse(req.ID, &rpcError{Code: errCodeInvalidRequest, Message: "invalid request"}))
		return
	}
	if req.Method != "connect" && !c.authenticated() {
		s.reply(c, newErrorResponse(req.ID,
			domainError(moonbot.CodeAuthMissingToken, "call connect first")))
		return
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		s.reply(c, newErrorResponse(req.ID, &rpcError{Code: errCodeMethodNotFound, Message: "method not found: " + req.Method}))
		return
	}

	result, rpcErr := s.safeHandle(handler, c, req)
	if req.isNotification() {
		return
	}
	if rpcErr != nil {
		s.reply(c, newErrorResponse(req.ID, rpcErr))
		return
	}
	s.reply(c, newResponse(req.ID, result))
}

func (s *Server) safeHandle(h handlerFunc, c *client, req request) (result any, rpcErr *rpcError) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("handler panic", "method", req.Method, "panic", rec)
			result = nil
			rpcErr = &rpcError{Code: errCodeInternal, Message: "internal error"}
		}
	}()
	return h(c, req.Params)
}

func (s *Server) reply(c *client, resp response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		return
	}
	if !c.enqueue(frame) {
		s.logger.Warn("client send buffer full, dropping reply", "socket_id", c.socketID)
	}
}

// broadcast pushes a notification to every authenticated client.
func (s *Server) broadcast(method string, params any) {
	frame, err := json.Marshal(notification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		s.logger.Error("marshal notification", "method", method, "error", err)
		return
	}
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.authenticated() {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		if !c.enqueue(frame) {
			s.logger.Warn("client send buffer full, dropping notification",
				"socket_id", c.socketID, "method", method)
		}
	}
}

// sendToClient delivers a notification to one client by clientId.
func (s *Server) sendToClient(clientID, method string, params any) bool {
	frame, err := json.Marshal(notification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return false
	}
	s.mu.Lock()
	var target *client
	for _, c := range s.clients {
		if c.clientID == clientID {
			target = c
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return false
	}
	return target.enqueue(frame)
}

// Send implements node.Transport: write a frame to the companion's socket.
func (s *Server) Send(socketID string, frame []byte) error {
	s.mu.Lock()
	c, ok := s.clients[socketID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("socket %s is not connected", socketID)
	}
	if !c.enqueue(frame) {
		return fmt.Errorf("socket %s send buffer is full", socketID)
	}
	return nil
}

// dropClient removes a closed connection. A connection paired as a
// companion marks the node offline and rejects only its pending requests.
func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.socketID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.socketID)
	s.mu.Unlock()
	close(c.done)

	if nodeID, ok := s.nodes.MarkOffline(c.socketID); ok {
		s.comm.NodeDisconnected(nodeID)
		s.logger.Info("companion offline", "node_id", nodeID)
	}
	s.logger.Debug("socket closed", "socket_id", c.socketID)
}
