// Package nodecmd provides the node_command tool: delegate a validated
// command to a paired node companion. The tool requires interactive
// approval on every invocation.
package nodecmd

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/moonbotlabs/moonbot"
	"github.com/moonbotlabs/moonbot/node"
)

const defaultCommandTimeout = 30 * time.Second

// Tool routes commands to companions through the node communicator after
// validator screening.
type Tool struct {
	sessions  *node.SessionManager
	comm      *node.Communicator
	validator *node.CommandValidator
}

// New creates the tool over the given companion components.
func New(sessions *node.SessionManager, comm *node.Communicator, validator *node.CommandValidator) *Tool {
	return &Tool{sessions: sessions, comm: comm, validator: validator}
}

// Spec returns the node_command tool definition. RequiresApproval is set:
// remote command execution always pauses the task for a grant.
func (t *Tool) Spec() moonbot.ToolSpec {
	return moonbot.ToolSpec{
		ID:          "node_command",
		Description: "Run a command on a paired companion machine. Requires approval.",
		Schema: moonbot.ObjectSchema{
			Properties: map[string]moonbot.FieldType{
				"nodeId":  moonbot.FieldString,
				"command": moonbot.FieldString,
				"cwd":     moonbot.FieldString,
			},
			Required: []string{"command"},
		},
		RequiresApproval: true,
		Run:              t.run,
	}
}

func (t *Tool) run(ctx context.Context, input json.RawMessage, tc moonbot.ToolContext) (moonbot.ToolResult, error) {
	var params struct {
		NodeID  string `json:"nodeId,omitempty"`
		Command string `json:"command"`
		Cwd     string `json:"cwd,omitempty"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return fail(moonbot.CodeInvalidInput, "invalid input"), nil
	}

	nodeID := params.NodeID
	if nodeID == "" {
		nodeID = t.defaultNode(tc.UserID)
	}
	if nodeID == "" {
		return fail(moonbot.CodeNodeNotFound, "no companion is paired for this user"), nil
	}
	conn, ok := t.sessions.Get(nodeID)
	if !ok {
		return fail(moonbot.CodeNodeNotFound, "unknown companion"), nil
	}
	if !conn.Capabilities.CommandExec {
		return fail(moonbot.CodeNodeCapabilityMissing, "this companion cannot execute commands"), nil
	}

	argv := t.validator.SanitizeArguments(strings.Fields(params.Command))
	if err := t.validator.ValidateArguments(argv); err != nil {
		return failErr(err), nil
	}
	if err := t.validator.ValidateCwd(params.Cwd, ""); err != nil {
		return failErr(err), nil
	}

	result, err := t.comm.SendAndWait(ctx, nodeID, "command.execute",
		map[string]any{"command": argv, "cwd": params.Cwd}, defaultCommandTimeout)
	if err != nil {
		return failErr(err), nil
	}

	payload, err := json.Marshal(map[string]any{"nodeId": nodeID, "output": result})
	if err != nil {
		return fail(moonbot.CodeExecutionError, "encode failed"), nil
	}
	return moonbot.ToolResult{OK: true, Data: payload}, nil
}

// defaultNode picks the user's first paired, exec-capable companion.
func (t *Tool) defaultNode(userID string) string {
	for _, conn := range t.sessions.ListByUser(userID) {
		if conn.Status == node.StatusPaired && conn.Capabilities.CommandExec {
			return conn.NodeID
		}
	}
	return ""
}

func fail(code, message string) moonbot.ToolResult {
	return moonbot.ToolResult{OK: false, Error: &moonbot.ToolError{Code: code, Message: message}}
}

// failErr maps a structured error to a failed result, keeping its code.
func failErr(err error) moonbot.ToolResult {
	var terr *moonbot.TaskError
	if errors.As(err, &terr) {
		return fail(terr.Code, terr.UserMessage)
	}
	return fail(moonbot.CodeExecutionError, "companion call failed")
}
