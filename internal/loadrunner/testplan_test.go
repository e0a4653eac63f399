package loadrunner

import "testing"

func TestParseTestPlanBasic(t *testing.T) {
	entries, err := ParseTestPlan("scenariolib:basic, 5, 1, 0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ModFunc != "scenariolib:basic" || e.Quantity != 5 || e.Stagger != 1 || e.Delay != 0 {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestParseTestPlanMultipleClauses(t *testing.T) {
	entries, err := ParseTestPlan("scenariolib:basic, 5, 1, 0 | scenariolib:retry_demo, 2, 0, 3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].ModFunc != "scenariolib:retry_demo" || entries[1].Quantity != 2 {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}

func TestParseTestPlanPositionalAndKeywordArgs(t *testing.T) {
	entries, err := ParseTestPlan(`scenariolib:basic, 1, 0, 0, chan-1, {"ttl": 60, "endpoint": "https://example.com"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	e := entries[0]
	if len(e.Args.Positional) != 1 || e.Args.Positional[0] != "chan-1" {
		t.Fatalf("unexpected positional args: %v", e.Args.Positional)
	}
	if e.Args.Keyword["ttl"] != float64(60) {
		t.Fatalf("unexpected ttl keyword: %v", e.Args.Keyword["ttl"])
	}
	if e.Args.Keyword["endpoint"] != "https://example.com" {
		t.Fatalf("unexpected endpoint keyword: %v", e.Args.Keyword["endpoint"])
	}
}

func TestParseTestPlanEscapedComma(t *testing.T) {
	entries, err := ParseTestPlan(`scenariolib:basic, 1, 0, 0, a\, b`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := entries[0].Args.Positional[0]; got != "a, b" {
		t.Fatalf("expected escaped comma to survive as literal comma, got %q", got)
	}
}

func TestParseTestPlanRejectsShortClause(t *testing.T) {
	if _, err := ParseTestPlan("scenariolib:basic, 1, 0"); err == nil {
		t.Fatal("expected an error for a clause missing the delay field")
	}
}

func TestParseTestPlanRejectsNonIntegerQuantity(t *testing.T) {
	if _, err := ParseTestPlan("scenariolib:basic, five, 0, 0"); err == nil {
		t.Fatal("expected an error for a non-integer quantity")
	}
}
