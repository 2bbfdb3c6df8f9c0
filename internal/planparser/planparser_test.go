package planparser

import "testing"

func TestParsePlanContent_LinearChain(t *testing.T) {
	content := `{
		"goal": "ship feature",
		"tasks": {
			"A": {"description": "first"},
			"B": {"description": "second", "dependencies": ["A"]},
			"C": {"description": "third", "dependencies": ["B"]}
		}
	}`
	plan, err := ParsePlanContent(content)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if plan.Goal != "ship feature" || len(plan.Tasks) != 3 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if err := plan.ValidateDAG(); err != nil {
		t.Fatalf("expected valid dag, got %v", err)
	}
}

func TestParsePlanContent_RejectsCycle(t *testing.T) {
	content := `{"tasks": {"A": {"dependencies": ["B"]}, "B": {"dependencies": ["A"]}}}`
	plan, err := ParsePlanContent(content)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	err = plan.ValidateDAG()
	if err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestParsePlanContent_RejectsMissingDependency(t *testing.T) {
	content := `{"tasks": {"A": {"dependencies": ["ghost"]}}}`
	plan, err := ParsePlanContent(content)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := plan.ValidateDAG(); err == nil {
		t.Fatal("expected missing-dependency error")
	}
}

func TestParsePlanContent_RejectsEmptyContent(t *testing.T) {
	if _, err := ParsePlanContent("   "); err == nil {
		t.Fatal("expected error on empty content")
	}
}

func TestParsePlanContent_RejectsUnrecognizedContent(t *testing.T) {
	if _, err := ParsePlanContent("not json at all"); err == nil {
		t.Fatal("expected error on unrecognized content")
	}
}
