// Package gateway serves the loopback WebSocket endpoint: JSON-RPC 2.0
// framing, connection admission (rate limiting and token auth), handler
// dispatch, and fan-out of orchestrator notifications to clients.
package gateway

import "encoding/json"

// request is an incoming JSON-RPC 2.0 request or notification.
// Notifications have a nil ID.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether this request carries no ID.
func (r *request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// isResponse reports whether the frame is a reply to a server-initiated
// request (a companion answering a delegated command).
func (r *request) isResponse(raw []byte) bool {
	if r.Method != "" || len(r.ID) == 0 {
		return false
	}
	var probe struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return len(probe.Result) > 0 || len(probe.Error) > 0
}

// response is an outgoing JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// notification is a server-push frame with no ID.
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object. Domain error codes ride in
// Data.Code; Message is sanitized user-facing text.
type rpcError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *errorData `json:"data,omitempty"`
}

type errorData struct {
	Code string `json:"code"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	errCodeParse          = -32700
	errCodeInvalidRequest = -32600
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
	errCodeInternal       = -32603
)

// domainError builds a -32603 rpcError carrying a stable domain code.
func domainError(code, message string) *rpcError {
	return &rpcError{Code: errCodeInternal, Message: message, Data: &errorData{Code: code}}
}

// paramsError builds a -32602 rpcError.
func paramsError(message string) *rpcError {
	return &rpcError{Code: errCodeInvalidParams, Message: message}
}

func newResponse(id json.RawMessage, result any) response {
	return response{JSONRPC: "2.0", ID: id, Result: result}
}

func newErrorResponse(id json.RawMessage, rpcErr *rpcError) response {
	if id == nil {
		id = json.RawMessage("null")
	}
	return response{JSONRPC: "2.0", ID: id, Error: rpcErr}
}
