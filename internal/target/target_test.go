package target

import "testing"

func graphAB(t *testing.T) *Graph {
	t.Helper()
	g, err := NewGraph(".", []Target{
		{ID: "A", Deps: []string{"B"}},
		{ID: "B"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestOrderTargetListDependencyFirst(t *testing.T) {
	g := graphAB(t)
	order, err := g.OrderTargetList([]string{"A", "B"})
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "B" || order[1] != "A" {
		t.Fatalf("expected [B A], got %v", order)
	}
}

func TestOrderTargetListFiltersToInputSet(t *testing.T) {
	g := graphAB(t)
	order, err := g.OrderTargetList([]string{"A"})
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 1 || order[0] != "A" {
		t.Fatalf("expected only [A] even though A depends on B, got %v", order)
	}
}

func TestNewGraphRejectsUnknownDependency(t *testing.T) {
	_, err := NewGraph(".", []Target{{ID: "A", Deps: []string{"missing"}}})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestNewGraphRejectsDuplicateID(t *testing.T) {
	_, err := NewGraph(".", []Target{{ID: "A"}, {ID: "A"}})
	if err == nil {
		t.Fatal("expected error for duplicate target id")
	}
}

func TestNewGraphRejectsCycle(t *testing.T) {
	_, err := NewGraph(".", []Target{
		{ID: "A", Deps: []string{"B"}},
		{ID: "B", Deps: []string{"A"}},
	})
	if err == nil {
		t.Fatal("expected error for dependency cycle")
	}
}

func TestNewGraphRejectsSelfLoop(t *testing.T) {
	_, err := NewGraph(".", []Target{{ID: "A", Deps: []string{"A"}}})
	if err == nil {
		t.Fatal("expected error for self-loop")
	}
}
