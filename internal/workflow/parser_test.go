package workflow

import (
	"testing"
)

func linearWorkflow() Workflow {
	return Workflow{
		Nodes: []Node{
			{ID: "n1", AgentName: "researcher", WalletAddress: "0xaaa", Endpoint: "http://agents/researcher", Price: "0.01"},
			{ID: "n2", AgentName: "writer", WalletAddress: "0xbbb", Endpoint: "http://agents/writer", Price: "0.02"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "n1", Target: "n2"},
		},
	}
}

func TestParseLinearWorkflow(t *testing.T) {
	plan, err := Parse(linearWorkflow())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if plan.TaskID == "" {
		t.Fatal("expected a fresh task id")
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(plan.Steps))
	}
	if plan.TotalCost != "0.03" {
		t.Fatalf("expected total cost 0.03, got %s", plan.TotalCost)
	}

	first, second := plan.Steps[0], plan.Steps[1]
	if first.NodeID != "n1" || second.NodeID != "n2" {
		t.Fatalf("unexpected step order: %s, %s", first.NodeID, second.NodeID)
	}
	if first.Order != 1 || second.Order != 2 {
		t.Fatalf("unexpected order numbering: %d, %d", first.Order, second.Order)
	}
	if len(first.Inputs) != 0 {
		t.Fatalf("first step should have no inputs, got %v", first.Inputs)
	}
	if len(second.Inputs) != 1 || second.Inputs[0] != "n1" {
		t.Fatalf("second step should consume n1, got %v", second.Inputs)
	}
	for _, step := range plan.Steps {
		if step.Status != StepPending {
			t.Fatalf("step %s should start pending, got %s", step.NodeID, step.Status)
		}
	}
}

func TestParseInputsPrecedeStep(t *testing.T) {
	wf := Workflow{
		Nodes: []Node{
			{ID: "d", Price: "0.01"},
			{ID: "c", Price: "0.01"},
			{ID: "b", Price: "0.01"},
			{ID: "a", Price: "0.01"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "a", Target: "c"},
			{ID: "e3", Source: "b", Target: "d"},
			{ID: "e4", Source: "c", Target: "d"},
		},
	}
	plan, err := Parse(wf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	orderOf := make(map[string]int, len(plan.Steps))
	for _, step := range plan.Steps {
		orderOf[step.NodeID] = step.Order
	}
	for _, step := range plan.Steps {
		for _, input := range step.Inputs {
			if orderOf[input] >= step.Order {
				t.Fatalf("input %s (order %d) does not precede step %s (order %d)",
					input, orderOf[input], step.NodeID, step.Order)
			}
		}
	}
}

func TestParseDeterministicTieBreak(t *testing.T) {
	wf := Workflow{
		Nodes: []Node{
			{ID: "z", Price: "0.01"},
			{ID: "m", Price: "0.01"},
			{ID: "a", Price: "0.01"},
		},
	}
	for i := 0; i < 5; i++ {
		plan, err := Parse(wf)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		got := []string{plan.Steps[0].NodeID, plan.Steps[1].NodeID, plan.Steps[2].NodeID}
		want := []string{"z", "m", "a"}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("run %d: expected original node order %v, got %v", i, want, got)
			}
		}
	}
}

func TestParseRejectsCycle(t *testing.T) {
	wf := Workflow{
		Nodes: []Node{
			{ID: "n1", Price: "0.01"},
			{ID: "n2", Price: "0.01"},
			{ID: "n3", Price: "0.01"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "n1", Target: "n2"},
			{ID: "e2", Source: "n2", Target: "n3"},
			{ID: "e3", Source: "n3", Target: "n1"},
		},
	}
	plan, err := Parse(wf)
	if err == nil {
		t.Fatal("expected cycle to be rejected")
	}
	if !IsGraphError(err) {
		t.Fatalf("expected graph error, got %v", err)
	}
	if plan != nil {
		t.Fatalf("expected no plan for cyclic graph, got %+v", plan)
	}
}

func TestParseRejectsEmptyGraph(t *testing.T) {
	if _, err := Parse(Workflow{}); err == nil || !IsGraphError(err) {
		t.Fatalf("expected graph error for empty workflow, got %v", err)
	}
}

func TestParseRejectsUnknownEdgeEndpoint(t *testing.T) {
	wf := Workflow{
		Nodes: []Node{{ID: "n1", Price: "0.01"}},
		Edges: []Edge{{ID: "e1", Source: "n1", Target: "ghost"}},
	}
	if _, err := Parse(wf); err == nil || !IsGraphError(err) {
		t.Fatalf("expected graph error for unknown endpoint, got %v", err)
	}
}

func TestParseRejectsDuplicateNode(t *testing.T) {
	wf := Workflow{
		Nodes: []Node{{ID: "n1", Price: "0.01"}, {ID: "n1", Price: "0.02"}},
	}
	if _, err := Parse(wf); err == nil || !IsGraphError(err) {
		t.Fatalf("expected graph error for duplicate node, got %v", err)
	}
}

func TestParsePreservesWhitespacePaddedIDs(t *testing.T) {
	wf := Workflow{
		Nodes: []Node{
			{ID: " a", AgentName: "alpha", Price: "0.01"},
			{ID: " b", AgentName: "beta", Price: "0.02"},
		},
	}
	plan, err := Parse(wf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(plan.Steps))
	}
	if plan.Steps[0].NodeID != " a" || plan.Steps[0].AgentName != "alpha" {
		t.Fatalf("unexpected first step: %q/%q", plan.Steps[0].NodeID, plan.Steps[0].AgentName)
	}
	if plan.Steps[1].NodeID != " b" || plan.Steps[1].AgentName != "beta" {
		t.Fatalf("unexpected second step: %q/%q", plan.Steps[1].NodeID, plan.Steps[1].AgentName)
	}
}

func TestParseIgnoresDuplicateEdges(t *testing.T) {
	wf := linearWorkflow()
	wf.Edges = append(wf.Edges, Edge{ID: "e1-dup", Source: "n1", Target: "n2"})
	plan, err := Parse(wf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := plan.Steps[1].Inputs; len(got) != 1 {
		t.Fatalf("duplicate edge should not duplicate inputs: %v", got)
	}
}
