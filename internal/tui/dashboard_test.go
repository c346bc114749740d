package tui

import (
	"strings"
	"testing"

	"github.com/basket/orchestrator/internal/persistence"
)

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate(short) = %q", got)
	}
	if got := truncate("this is a long title", 10); len([]rune(got)) != 10 {
		t.Fatalf("truncate length = %d, want 10: %q", len([]rune(got)), got)
	}
}

func TestStatusStyleNeverNilForKnownStatuses(t *testing.T) {
	for _, s := range []string{"active", "dormant", "error", "done", "failed", "pending", "blocked", "running"} {
		if statusStyle(s).String() == "" && s == "" {
			t.Fatalf("unexpected empty style for status %q", s)
		}
	}
}

func TestViewRendersWorkersAndTasksReadOnly(t *testing.T) {
	m := Model{
		workers: []*persistence.Worker{
			{ID: "w1", Name: "alpha", Status: persistence.WorkerActive, AccumulatedCostUSD: 1.25},
		},
		tasks: map[string][]*persistence.Task{
			"w1": {
				{ID: "t1", ParentID: "", Title: "root task", Status: persistence.TaskRunning},
				{ID: "t2", ParentID: "t1", Title: "child task", Status: persistence.TaskDone},
			},
		},
	}

	out := m.View()
	if !strings.Contains(out, "alpha") {
		t.Fatalf("expected worker name in view, got: %s", out)
	}
	if !strings.Contains(out, "root task") || !strings.Contains(out, "child task") {
		t.Fatalf("expected both task titles in view, got: %s", out)
	}
	if !strings.Contains(out, "q: quit") {
		t.Fatalf("expected key hint in view, got: %s", out)
	}
}

func TestViewQuittingRendersEmpty(t *testing.T) {
	m := Model{quitting: true}
	if got := m.View(); got != "" {
		t.Fatalf("expected empty view while quitting, got: %q", got)
	}
}
