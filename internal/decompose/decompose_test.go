package decompose

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/orchestrator/internal/persistence"
	"github.com/basket/orchestrator/internal/skills"
)

type fakeBrain struct {
	responses []string
	calls     int
	err       error
}

func (f *fakeBrain) Respond(ctx context.Context, sessionID, content string) (string, float64, error) {
	if f.err != nil {
		return "", 0, f.err
	}
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return f.responses[i], 0, nil
}

func (f *fakeBrain) Stream(ctx context.Context, sessionID, content string, onChunk func(string) error) error {
	return nil
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "store.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDecompose_TwoChildPlan(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	w, err := store.GetOrCreateWorker(ctx, "proj", "")
	if err != nil {
		t.Fatal(err)
	}
	root, err := store.CreateRootTask(ctx, w.ID, "root", "build a widget")
	if err != nil {
		t.Fatal(err)
	}

	b := &fakeBrain{responses: []string{
		`[{"title":"A","prompt":"do A"},{"title":"B","prompt":"do B","depends_on":["A"]}]`,
	}}
	d := New(b, store, 0, 0)

	result, err := d.Decompose(ctx, w.ID, root.ID, "", "build a widget", nil)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(result.ChildIDs) != 2 {
		t.Fatalf("expected 2 children, got %d", len(result.ChildIDs))
	}

	children, err := store.ChildrenOf(ctx, root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if children[0].Status != persistence.TaskPending {
		t.Errorf("A should start pending, got %s", children[0].Status)
	}
	if children[1].Status != persistence.TaskBlocked {
		t.Errorf("B should start blocked, got %s", children[1].Status)
	}
}

func TestDecompose_EmptyPlanRunsRootAlone(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	w, _ := store.GetOrCreateWorker(ctx, "proj", "")
	root, _ := store.CreateRootTask(ctx, w.ID, "root", "echo hi")

	b := &fakeBrain{responses: []string{`[]`}}
	d := New(b, store, 0, 0)

	result, err := d.Decompose(ctx, w.ID, root.ID, "", "echo hi", nil)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(result.ChildIDs) != 0 {
		t.Fatalf("expected no children for empty plan, got %d", len(result.ChildIDs))
	}
}

func TestDecompose_UnparsableFallsBackToSingleTask(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	w, _ := store.GetOrCreateWorker(ctx, "proj", "")
	root, _ := store.CreateRootTask(ctx, w.ID, "root", "do something vague")

	b := &fakeBrain{responses: []string{"not json at all", "still not json", "nope"}}
	d := New(b, store, 0, 1)

	result, err := d.Decompose(ctx, w.ID, root.ID, "", "do something vague", nil)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if !result.Fallback {
		t.Fatal("expected fallback flag set")
	}
	if len(result.ChildIDs) != 1 {
		t.Fatalf("expected single fallback task, got %d", len(result.ChildIDs))
	}
}

func TestDecompose_SkillInstructionsInlined(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	w, _ := store.GetOrCreateWorker(ctx, "proj", "")
	root, _ := store.CreateRootTask(ctx, w.ID, "root", "use the demo skill")

	b := &fakeBrain{responses: []string{`[{"title":"A","prompt":"do A","skills":["demo"]}]`}}
	d := New(b, store, 0, 0)

	manifest := []skills.LoadedSkill{{Skill: skills.Skill{Name: "demo", Instructions: "FULL INSTRUCTIONS"}, Eligible: true}}
	result, err := d.Decompose(ctx, w.ID, root.ID, "", "use the demo skill", manifest)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	child, err := store.GetTask(ctx, result.ChildIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !contains(child.Prompt, "FULL INSTRUCTIONS") {
		t.Fatalf("expected inlined skill instructions, got: %s", child.Prompt)
	}
}

func TestDecompose_CallFailureIsClassified(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	w, _ := store.GetOrCreateWorker(ctx, "proj", "")
	root, _ := store.CreateRootTask(ctx, w.ID, "root", "x")

	b := &fakeBrain{err: context.DeadlineExceeded}
	d := New(b, store, 0, 0)

	_, err := d.Decompose(ctx, w.ID, root.ID, "", "x", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	derr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if derr.Kind != ErrorTimeout {
		t.Errorf("expected timeout kind, got %s", derr.Kind)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
