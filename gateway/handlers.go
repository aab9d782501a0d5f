package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/moonbotlabs/moonbot"
	"github.com/moonbotlabs/moonbot/node"
)

func (s *Server) registerHandlers() {
	s.handlers = map[string]handlerFunc{
		"connect":            s.handleConnect,
		"disconnect":         s.handleDisconnect,
		"chat.send":          s.handleChatSend,
		"approval.list":      s.handleApprovalList,
		"approval.grant":     s.handleApprovalGrant,
		"task.abort":         s.handleTaskAbort,
		"session.get":        s.handleSessionGet,
		"node.pair.start":    s.handleNodePairStart,
		"node.pair.complete": s.handleNodePairComplete,
		"node.list":          s.handleNodeList,
		"node.consent.grant": s.handleNodeConsentGrant,
		"node.command":       s.handleNodeCommand,
	}
}

// taskErrorToRPC maps a structured task error to the wire form: -32603
// with the stable code in error.data and only the sanitized user message.
func taskErrorToRPC(err error) *rpcError {
	var terr *moonbot.TaskError
	if errors.As(err, &terr) {
		return domainError(terr.Code, terr.UserMessage)
	}
	return &rpcError{Code: errCodeInternal, Message: "internal error"}
}

func (s *Server) handleConnect(c *client, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ClientType string `json:"clientType"`
		Version    string `json:"version"`
		Token      string `json:"token,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, paramsError("invalid connect params")
	}

	if err := s.auth.ValidateToken(p.Token); err != nil {
		s.logger.Warn("connect rejected", "addr", c.addr, "error", err)
		return nil, taskErrorToRPC(err)
	}

	c.clientID = moonbot.NewID()
	c.clientType = p.ClientType
	c.version = p.Version
	s.logger.Info("client connected",
		"client_id", c.clientID, "type", p.ClientType, "version", p.Version)
	return map[string]any{
		"clientId":    c.clientID,
		"type":        p.ClientType,
		"version":     p.Version,
		"connectedAt": moonbot.NowUnix(),
	}, nil
}

func (s *Server) handleDisconnect(c *client, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ClientID string `json:"clientId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ClientID != c.clientID {
		return nil, paramsError("invalid clientId")
	}
	c.clientID = ""
	return map[string]any{"success": true}, nil
}

func (s *Server) handleChatSend(c *client, params json.RawMessage) (any, *rpcError) {
	var msg moonbot.InboundMessage
	if err := json.Unmarshal(params, &msg); err != nil {
		return nil, paramsError("invalid chat.send params")
	}
	if msg.AgentID == "" || msg.ChannelID == "" || msg.Text == "" {
		return nil, paramsError("agentId, channelId, and text are required")
	}

	task, err := s.orch.CreateTask(msg)
	if err != nil {
		return nil, taskErrorToRPC(err)
	}
	// A queue-full admission is a structured refusal carried in the result,
	// not a transport-level error.
	result := map[string]any{
		"taskId": task.ID,
		"state":  task.State,
		"status": string(moonbot.StatusQueued),
	}
	if task.Error != nil {
		result["status"] = string(moonbot.StatusFailed)
		result["error"] = task.Error
	}
	return result, nil
}

func (s *Server) handleApprovalList(c *client, params json.RawMessage) (any, *rpcError) {
	pending := s.orch.PendingApprovals()
	return map[string]any{"pending": pending, "count": len(pending)}, nil
}

func (s *Server) handleApprovalGrant(c *client, params json.RawMessage) (any, *rpcError) {
	var p struct {
		TaskID   string `json:"taskId"`
		Approved bool   `json:"approved"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.TaskID == "" {
		return nil, paramsError("invalid approval.grant params")
	}
	if err := s.orch.Grant(p.TaskID, p.Approved); err != nil {
		return nil, domainError(moonbot.CodeInvalidInput, err.Error())
	}
	return map[string]any{"success": true, "taskId": p.TaskID, "approved": p.Approved}, nil
}

func (s *Server) handleTaskAbort(c *client, params json.RawMessage) (any, *rpcError) {
	var p struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.TaskID == "" {
		return nil, paramsError("invalid task.abort params")
	}
	if err := s.orch.Abort(p.TaskID); err != nil {
		return nil, domainError(moonbot.CodeInvalidInput, err.Error())
	}
	return map[string]any{"success": true, "taskId": p.TaskID}, nil
}

func (s *Server) handleSessionGet(c *client, params json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, paramsError("invalid session.get params")
	}
	task, ok := s.orch.TaskForSession(p.SessionID)
	if !ok {
		return map[string]any{"sessionId": p.SessionID, "exists": false}, nil
	}
	return map[string]any{
		"sessionId": p.SessionID,
		"exists":    true,
		"taskId":    task.ID,
		"state":     task.State,
		"channelId": task.Message.ChannelID,
	}, nil
}

func (s *Server) handleNodePairStart(c *client, params json.RawMessage) (any, *rpcError) {
	var p struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.UserID == "" {
		return nil, paramsError("invalid node.pair.start params")
	}
	code, expiresAt, err := s.nodes.GeneratePairingCode(p.UserID)
	if err != nil {
		return nil, taskErrorToRPC(err)
	}
	return map[string]any{"code": code, "expiresAt": expiresAt.Unix()}, nil
}

func (s *Server) handleNodePairComplete(c *client, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Code string    `json:"code"`
		Info node.Info `json:"info"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Code == "" {
		return nil, paramsError("invalid node.pair.complete params")
	}
	conn, err := s.nodes.CompletePairing(p.Code, c.socketID, p.Info)
	if err != nil {
		return nil, taskErrorToRPC(err)
	}
	c.nodeID = conn.NodeID
	return map[string]any{"nodeId": conn.NodeID, "status": conn.Status}, nil
}

func (s *Server) handleNodeList(c *client, params json.RawMessage) (any, *rpcError) {
	var p struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.UserID == "" {
		return nil, paramsError("invalid node.list params")
	}
	nodes := s.nodes.ListByUser(p.UserID)
	return map[string]any{"nodes": nodes, "count": len(nodes)}, nil
}

func (s *Server) handleNodeConsentGrant(c *client, params json.RawMessage) (any, *rpcError) {
	var p struct {
		NodeID     string `json:"nodeId"`
		DurationMs int64  `json:"durationMs,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.NodeID == "" {
		return nil, paramsError("invalid node.consent.grant params")
	}
	err := s.nodes.GrantScreenCaptureConsent(p.NodeID, time.Duration(p.DurationMs)*time.Millisecond)
	if err != nil {
		return nil, taskErrorToRPC(err)
	}
	return map[string]any{"success": true, "nodeId": p.NodeID}, nil
}

func (s *Server) handleNodeCommand(c *client, params json.RawMessage) (any, *rpcError) {
	var p struct {
		NodeID    string            `json:"nodeId"`
		Command   []string          `json:"command"`
		Cwd       string            `json:"cwd,omitempty"`
		Env       map[string]string `json:"env,omitempty"`
		TimeoutMs int64             `json:"timeoutMs,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.NodeID == "" {
		return nil, paramsError("invalid node.command params")
	}

	conn, ok := s.nodes.Get(p.NodeID)
	if !ok {
		return nil, domainError(moonbot.CodeNodeNotFound, "unknown companion")
	}
	if !conn.Capabilities.CommandExec {
		return nil, domainError(moonbot.CodeNodeCapabilityMissing,
			"this companion cannot execute commands")
	}

	argv := s.validator.SanitizeArguments(p.Command)
	if err := s.validator.ValidateArguments(argv); err != nil {
		return nil, taskErrorToRPC(err)
	}
	if err := s.validator.ValidateCwd(p.Cwd, ""); err != nil {
		return nil, taskErrorToRPC(err)
	}
	if err := s.validator.ValidateEnv(p.Env); err != nil {
		return nil, taskErrorToRPC(err)
	}

	result, err := s.comm.SendAndWait(context.Background(), p.NodeID, "command.execute",
		map[string]any{"command": argv, "cwd": p.Cwd, "env": p.Env},
		time.Duration(p.TimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, taskErrorToRPC(err)
	}
	return map[string]any{"nodeId": p.NodeID, "result": result}, nil
}
