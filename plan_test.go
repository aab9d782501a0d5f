package moonbot

import (
	"strings"
	"testing"
)

func TestValidatePlan_Empty(t *testing.T) {
	if err := ValidatePlan(Plan{}); err == nil {
		t.Error("empty plan validated, want error")
	}
}

func TestValidatePlan_DuplicateID(t *testing.T) {
	p := Plan{Steps: []Step{{ID: "a"}, {ID: "a"}}}
	err := ValidatePlan(p)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("got %v, want duplicate step id error", err)
	}
}

func TestValidatePlan_EmptyID(t *testing.T) {
	p := Plan{Steps: []Step{{ID: ""}}}
	if err := ValidatePlan(p); err == nil {
		t.Error("step with empty id validated, want error")
	}
}

func TestValidatePlan_UnknownDependency(t *testing.T) {
	p := Plan{Steps: []Step{{ID: "a", DependsOn: []string{"ghost"}}}}
	err := ValidatePlan(p)
	if err == nil || !strings.Contains(err.Error(), "unknown step") {
		t.Errorf("got %v, want unknown dependency error", err)
	}
}

func TestValidatePlan_Cycle(t *testing.T) {
	p := Plan{Steps: []Step{
		{ID: "a", DependsOn: []string{"c"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	}}
	err := ValidatePlan(p)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("got %v, want cycle error", err)
	}
}

func TestValidatePlan_SelfCycle(t *testing.T) {
	p := Plan{Steps: []Step{{ID: "a", DependsOn: []string{"a"}}}}
	if err := ValidatePlan(p); err == nil {
		t.Error("self-referential step validated, want error")
	}
}

func TestValidatePlan_UnknownToolAccepted(t *testing.T) {
	// Tool ids are checked at execution time, not validation time.
	p := Plan{Steps: []Step{{ID: "a", ToolID: "no_such_tool"}}}
	if err := ValidatePlan(p); err != nil {
		t.Errorf("plan with unknown tool id rejected: %v", err)
	}
}

func TestTopoOrder_DependenciesFirst(t *testing.T) {
	p := Plan{Steps: []Step{
		{ID: "respond", DependsOn: []string{"fetch", "read"}},
		{ID: "fetch"},
		{ID: "read", DependsOn: []string{"fetch"}},
	}}
	if err := ValidatePlan(p); err != nil {
		t.Fatalf("plan invalid: %v", err)
	}

	order := topoOrder(p)
	pos := make(map[string]int, len(order))
	for i, s := range order {
		pos[s.ID] = i
	}
	if pos["fetch"] > pos["read"] {
		t.Errorf("fetch at %d after its dependent read at %d", pos["fetch"], pos["read"])
	}
	if pos["read"] > pos["respond"] || pos["fetch"] > pos["respond"] {
		t.Errorf("respond at %d before its dependencies", pos["respond"])
	}
}

func TestTopoOrder_Deterministic(t *testing.T) {
	p := Plan{Steps: []Step{
		{ID: "c"}, {ID: "a"}, {ID: "b"},
	}}
	first := topoOrder(p)
	for i := 0; i < 10; i++ {
		got := topoOrder(p)
		for j := range got {
			if got[j].ID != first[j].ID {
				t.Fatalf("run %d position %d: got %q, want %q", i, j, got[j].ID, first[j].ID)
			}
		}
	}
	// Independent steps keep plan order.
	for i, want := range []string{"c", "a", "b"} {
		if first[i].ID != want {
			t.Errorf("position %d: got %q, want %q", i, first[i].ID, want)
		}
	}
}
