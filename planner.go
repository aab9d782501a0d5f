package moonbot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// HistoryMessage is one prior turn handed to the planner for context.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PlanInput is everything a Planner sees for one task.
type PlanInput struct {
	Message InboundMessage
	History []HistoryMessage
}

// Planner turns an inbound message into an ordered step graph. An
// LLM-backed planner is an external collaborator behind this interface;
// KeywordPlanner is the deterministic fallback and is total — every
// routable message produces a plan, so nothing depends on an LLM being
// reachable.
type Planner interface {
	Plan(ctx context.Context, in PlanInput) (Plan, error)
}

// keywordRule routes messages containing any of its trigger phrases to a
// tool step. Triggers are matched case-insensitively on the whole text.
type keywordRule struct {
	triggers []string
	toolID   string
	estimate int64 // ms
	input    func(text string) json.RawMessage
}

// KeywordPlanner is the deterministic fallback planner: a fixed trigger
// table plus a terminal respond step. Messages that match no rule still get
// a one-step respond plan.
type KeywordPlanner struct {
	rules []keywordRule
}

// NewKeywordPlanner creates the fallback planner with the built-in rule set.
func NewKeywordPlanner() *KeywordPlanner {
	return &KeywordPlanner{rules: []keywordRule{
		{
			triggers: []string{"fetch ", "download ", "http://", "https://"},
			toolID:   "web_fetch",
			estimate: 5000,
			input: func(text string) json.RawMessage {
				return mustJSON(map[string]string{"url": firstURL(text)})
			},
		},
		{
			triggers: []string{"read file", "open file", "show file", "list files", "list directory"},
			toolID:   "file_read",
			estimate: 500,
			input: func(text string) json.RawMessage {
				return mustJSON(map[string]string{"path": lastWord(text)})
			},
		},
		{
			triggers: []string{"run ", "execute ", "exec "},
			toolID:   "node_command",
			estimate: 10000,
			input: func(text string) json.RawMessage {
				return mustJSON(map[string]string{"command": afterVerb(text)})
			},
		},
	}}
}

// Plan implements Planner.
func (p *KeywordPlanner) Plan(_ context.Context, in PlanInput) (Plan, error) {
	text := strings.ToLower(in.Message.Text)

	var steps []Step
	var estimate int64
	var toolStepIDs []string
	for _, rule := range p.rules {
		if !matchesAny(text, rule.triggers) {
			continue
		}
		id := fmt.Sprintf("step-%d", len(steps)+1)
		steps = append(steps, Step{
			ID:          id,
			Description: "invoke " + rule.toolID,
			ToolID:      rule.toolID,
			Input:       rule.input(in.Message.Text),
		})
		toolStepIDs = append(toolStepIDs, id)
		estimate += rule.estimate
	}

	// Terminal respond step; depends on every tool step so its artifact can
	// reference their outputs.
	steps = append(steps, Step{
		ID:          "respond",
		Description: "compose the reply",
		DependsOn:   toolStepIDs,
	})
	return Plan{Steps: steps, EstimatedDurationMs: estimate + 100}, nil
}

func matchesAny(text string, triggers []string) bool {
	for _, tr := range triggers {
		if strings.Contains(text, tr) {
			return true
		}
	}
	return false
}

// firstURL extracts the first http(s) token from text, or "".
func firstURL(text string) string {
	for _, f := range strings.Fields(text) {
		if strings.HasPrefix(f, "http://") || strings.HasPrefix(f, "https://") {
			return strings.TrimRight(f, ".,;)")
		}
	}
	return ""
}

// lastWord returns the final whitespace-separated token of text, or "".
func lastWord(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimRight(fields[len(fields)-1], ".,;")
}

// afterVerb returns everything after the first word ("run x y" → "x y").
func afterVerb(text string) string {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return ""
	}
	return strings.Join(fields[1:], " ")
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unmarshalable inputs; rule tables above never
		// produce those.
		panic(err)
	}
	return b
}

var _ Planner = (*KeywordPlanner)(nil)
