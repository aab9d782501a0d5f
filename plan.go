package moonbot

import (
	"encoding/json"
	"fmt"
)

// Step is one unit of a plan. A step without a ToolID is a pure respond
// step producing a textual artifact. DependsOn lists step ids that must
// complete first.
type Step struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	ToolID      string          `json:"toolId,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	DependsOn   []string        `json:"dependsOn,omitempty"`
}

// Plan is an ordered step graph produced by a Planner.
type Plan struct {
	Steps               []Step `json:"steps"`
	EstimatedDurationMs int64  `json:"estimatedDurationMs,omitempty"`
}

// ValidatePlan rejects plans with duplicate step ids, references to unknown
// step ids in dependsOn, or dependency cycles. Tool ids are deliberately not
// checked here: an unknown tool fails the individual step at execution time,
// not the whole plan.
func ValidatePlan(p Plan) error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}

	byID := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ID == "" {
			return fmt.Errorf("step %d: empty id", i)
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		byID[s.ID] = s
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	// Cycle detection: DFS with a recursion-stack marker.
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(p.Steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case inStack:
			return fmt.Errorf("dependency cycle through step %q", id)
		case done:
			return nil
		}
		state[id] = inStack
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, s := range p.Steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// topoOrder returns the plan's steps in a dependency-respecting order.
// Among steps whose dependencies are satisfied, original plan order is kept,
// so execution is deterministic. Assumes ValidatePlan has passed.
func topoOrder(p Plan) []Step {
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	byID := make(map[string]Step, len(p.Steps))
	for _, s := range p.Steps {
		byID[s.ID] = s
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	out := make([]Step, 0, len(p.Steps))
	scheduled := make(map[string]bool, len(p.Steps))
	for len(out) < len(p.Steps) {
		progressed := false
		for _, s := range p.Steps {
			if scheduled[s.ID] || indegree[s.ID] > 0 {
				continue
			}
			scheduled[s.ID] = true
			out = append(out, s)
			for _, d := range dependents[s.ID] {
				indegree[d]--
			}
			progressed = true
		}
		if !progressed {
			break // unreachable when the plan validated
		}
	}
	return out
}
