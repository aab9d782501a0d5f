package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moonbotlabs/moonbot"
	"github.com/moonbotlabs/moonbot/node"
)

const testToken = "test-token"

// frame is a decoded inbound WebSocket message, response or notification.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func newTestServer(t *testing.T, rateLimit int) *httptest.Server {
	t.Helper()
	limiter := moonbot.NewRateLimiter(
		moonbot.WithRateWindow(time.Minute),
		moonbot.WithRateMaxAttempts(rateLimit),
	)
	auth := moonbot.NewAuthenticator([]string{moonbot.HashToken(testToken)}, limiter)
	runtime := moonbot.NewRuntime()
	executor := moonbot.NewExecutor(moonbot.NewKeywordPlanner(), runtime)
	orch := moonbot.NewOrchestrator(executor, runtime)
	srv := NewServer(orch, auth, limiter, node.NewSessionManager(), node.NewCommandValidator())

	ts := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// call sends a request and reads frames until the matching response arrives.
// Notifications seen along the way are discarded.
func call(t *testing.T, conn *websocket.Conn, id int, method string, params any) frame {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
	want := fmt.Sprintf("%d", id)
	for {
		f := readFrame(t, conn)
		if string(f.ID) == want {
			return f
		}
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal frame %s: %v", data, err)
	}
	return f
}

// waitNotification reads frames until one matches method and the params
// predicate.
func waitNotification(t *testing.T, conn *websocket.Conn, method string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f := readFrame(t, conn)
		if f.Method == method && match(f.Params) {
			return f.Params
		}
	}
	t.Fatalf("no %s notification within 2s", method)
	return nil
}

func connect(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	f := call(t, conn, 1, "connect", map[string]any{
		"clientType": "test", "version": "1.0", "token": testToken,
	})
	if f.Error != nil {
		t.Fatalf("connect failed: %+v", f.Error)
	}
	var res struct {
		ClientID string `json:"clientId"`
	}
	if err := json.Unmarshal(f.Result, &res); err != nil || res.ClientID == "" {
		t.Fatalf("connect result %s carries no clientId", f.Result)
	}
	return res.ClientID
}

func TestServer_ConnectAndChat(t *testing.T) {
	ts := newTestServer(t, 10)
	conn := dialWS(t, ts)
	connect(t, conn)

	f := call(t, conn, 2, "chat.send", map[string]any{
		"agentId": "agent", "channelId": "ch1", "userId": "u", "text": "hello",
	})
	if f.Error != nil {
		t.Fatalf("chat.send failed: %+v", f.Error)
	}
	var res struct {
		TaskID string `json:"taskId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(f.Result, &res); err != nil || res.TaskID == "" {
		t.Fatalf("chat.send result %s carries no taskId", f.Result)
	}
	if res.Status != "queued" {
		t.Errorf("got status %q, want %q", res.Status, "queued")
	}

	waitNotification(t, conn, "chat.response", func(params json.RawMessage) bool {
		var r moonbot.Response
		if err := json.Unmarshal(params, &r); err != nil {
			return false
		}
		return r.TaskID == res.TaskID && r.Status == moonbot.StatusCompleted
	})
}

func TestServer_ConnectInvalidToken(t *testing.T) {
	ts := newTestServer(t, 10)
	conn := dialWS(t, ts)

	f := call(t, conn, 1, "connect", map[string]any{
		"clientType": "test", "version": "1.0", "token": "wrong",
	})
	if f.Error == nil || f.Error.Data == nil || f.Error.Data.Code != moonbot.CodeAuthInvalidToken {
		t.Errorf("got %+v, want AUTH_INVALID_TOKEN", f.Error)
	}
}

func TestServer_RequiresConnectFirst(t *testing.T) {
	ts := newTestServer(t, 10)
	conn := dialWS(t, ts)

	f := call(t, conn, 1, "chat.send", map[string]any{
		"agentId": "agent", "channelId": "ch1", "text": "hello",
	})
	if f.Error == nil || f.Error.Data == nil || f.Error.Data.Code != moonbot.CodeAuthMissingToken {
		t.Errorf("got %+v, want AUTH_MISSING_TOKEN before connect", f.Error)
	}
}

func TestServer_UnknownMethod(t *testing.T) {
	ts := newTestServer(t, 10)
	conn := dialWS(t, ts)
	connect(t, conn)

	f := call(t, conn, 2, "no.such.method", nil)
	if f.Error == nil || f.Error.Code != errCodeMethodNotFound {
		t.Errorf("got %+v, want -32601", f.Error)
	}
}

func TestServer_ParseError(t *testing.T) {
	ts := newTestServer(t, 10)
	conn := dialWS(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, conn)
	if f.Error == nil || f.Error.Code != errCodeParse {
		t.Errorf("got %+v, want -32700", f.Error)
	}
}

func TestServer_InvalidRequest(t *testing.T) {
	ts := newTestServer(t, 10)
	conn := dialWS(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"1.0","id":1,"method":"connect"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, conn)
	if f.Error == nil || f.Error.Code != errCodeInvalidRequest {
		t.Errorf("got %+v, want -32600", f.Error)
	}
}

func TestServer_RateLimitClosesConnection(t *testing.T) {
	ts := newTestServer(t, 1)

	// First connection consumes the only admission slot.
	dialWS(t, ts)

	conn := dialWS(t, ts)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("read succeeded on a rate-limited connection, want close")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("got %v, want close 1008", err)
	}
}

func TestServer_Disconnect(t *testing.T) {
	ts := newTestServer(t, 10)
	conn := dialWS(t, ts)
	clientID := connect(t, conn)

	f := call(t, conn, 2, "disconnect", map[string]any{"clientId": clientID})
	if f.Error != nil {
		t.Fatalf("disconnect failed: %+v", f.Error)
	}

	// The socket is back to unauthenticated.
	f = call(t, conn, 3, "chat.send", map[string]any{
		"agentId": "agent", "channelId": "ch1", "text": "hello",
	})
	if f.Error == nil || f.Error.Data == nil || f.Error.Data.Code != moonbot.CodeAuthMissingToken {
		t.Errorf("got %+v, want AUTH_MISSING_TOKEN after disconnect", f.Error)
	}
}

func TestServer_NodePairingRPC(t *testing.T) {
	ts := newTestServer(t, 10)
	conn := dialWS(t, ts)
	connect(t, conn)

	f := call(t, conn, 2, "node.pair.start", map[string]any{"userId": "user-1"})
	if f.Error != nil {
		t.Fatalf("pair.start failed: %+v", f.Error)
	}
	var started struct {
		Code      string `json:"code"`
		ExpiresAt int64  `json:"expiresAt"`
	}
	if err := json.Unmarshal(f.Result, &started); err != nil || started.Code == "" {
		t.Fatalf("pair.start result %s carries no code", f.Result)
	}

	f = call(t, conn, 3, "node.pair.complete", map[string]any{
		"code": started.Code,
		"info": map[string]any{
			"nodeName":     "laptop",
			"platform":     "linux",
			"capabilities": map[string]bool{"commandExec": true},
		},
	})
	if f.Error != nil {
		t.Fatalf("pair.complete failed: %+v", f.Error)
	}
	var completed struct {
		NodeID string `json:"nodeId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(f.Result, &completed); err != nil || completed.NodeID == "" {
		t.Fatalf("pair.complete result %s carries no nodeId", f.Result)
	}
	if completed.Status != string(node.StatusPaired) {
		t.Errorf("got status %q, want %q", completed.Status, node.StatusPaired)
	}

	f = call(t, conn, 4, "node.list", map[string]any{"userId": "user-1"})
	if f.Error != nil {
		t.Fatalf("node.list failed: %+v", f.Error)
	}
	var listed struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(f.Result, &listed); err != nil || listed.Count != 1 {
		t.Errorf("node.list result %s, want count 1", f.Result)
	}
}
