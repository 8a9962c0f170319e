package main

import (
	"fmt"
	"testing"

	"agentpm/internal/domain"
	"agentpm/internal/repo"
)

func TestParseMeta(t *testing.T) {
	meta, err := parseMeta([]string{"resolution=keys issued", "coverage=92.5", "flags=[\"a\"]", "empty="})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if meta["resolution"] != "keys issued" {
		t.Fatalf("resolution: %#v", meta["resolution"])
	}
	if meta["coverage"] != 92.5 {
		t.Fatalf("coverage: %#v", meta["coverage"])
	}
	if list, ok := meta["flags"].([]any); !ok || len(list) != 1 {
		t.Fatalf("flags: %#v", meta["flags"])
	}
	if meta["empty"] != "" {
		t.Fatalf("empty: %#v", meta["empty"])
	}

	if _, err := parseMeta([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing =")
	}
	if _, err := parseMeta([]string{"=x"}); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if meta, err := parseMeta(nil); err != nil || meta != nil {
		t.Fatalf("nil input: %v %v", meta, err)
	}
}

func TestEventDetail(t *testing.T) {
	evt := domain.Event{
		Type:    domain.EventTransitionRejected,
		TaskID:  "t1",
		Payload: map[string]any{"previous_status": "draft", "requested": "ready", "rule_ids": []any{"DP-001"}},
	}
	if got := eventDetail(evt); got != "draft -> ready blocked by [DP-001]" {
		t.Fatalf("detail: %q", got)
	}
	if got := eventEntity(evt); got != "task:t1" {
		t.Fatalf("entity: %q", got)
	}
	if got := eventDetail(domain.Event{Type: domain.EventSessionStarted}); got != "" {
		t.Fatalf("session detail: %q", got)
	}
}

func TestExitCodeTreatsCrossProjectParentAsValidation(t *testing.T) {
	err := fmt.Errorf("create work item: %w", fmt.Errorf("parent work item w1 (project a): %w", repo.ErrCrossProject))
	if got := exitCode(err); got != 2 {
		t.Fatalf("exit code = %d, want 2", got)
	}
	if got := exitCode(fmt.Errorf("boom")); got != 1 {
		t.Fatalf("exit code = %d, want 1", got)
	}
}
