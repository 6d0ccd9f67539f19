package ambiance

import "testing"

func TestWithLevel_DoesNotMutateOriginal(t *testing.T) {
	root := New("plan-1", "exec-1")
	a := root.WithLevel(Level{RuntimeID: "r1", SetupID: "build", StepType: "fork"})
	b := a.WithLevel(Level{RuntimeID: "r2", SetupID: "unit", StepType: "http"})

	if root.Depth() != 0 {
		t.Errorf("root depth = %d, want 0", root.Depth())
	}
	if a.Depth() != 1 {
		t.Errorf("a depth = %d, want 1", a.Depth())
	}
	if b.Depth() != 2 {
		t.Errorf("b depth = %d, want 2", b.Depth())
	}

	// Две ветки от одного родителя не должны делить backing array
	c := a.WithLevel(Level{RuntimeID: "r3", SetupID: "lint", StepType: "http"})
	if b.RuntimeID() != "r2" {
		t.Errorf("b runtime id = %q, want r2 (overwritten by sibling)", b.RuntimeID())
	}
	if c.RuntimeID() != "r3" {
		t.Errorf("c runtime id = %q, want r3", c.RuntimeID())
	}
}

func TestLevels_Order(t *testing.T) {
	a := New("p", "e").
		WithLevel(Level{RuntimeID: "r1", SetupID: "a"}).
		WithLevel(Level{RuntimeID: "r2", SetupID: "b"})

	for i, l := range a.Levels {
		if l.Order != i {
			t.Errorf("level %d order = %d", i, l.Order)
		}
	}

	if a.Path() != "a/b" {
		t.Errorf("Path() = %q, want a/b", a.Path())
	}

	parent, ok := a.Parent()
	if !ok || parent.RuntimeID != "r1" {
		t.Errorf("Parent() = %+v, %v", parent, ok)
	}
}

func TestClone_Metadata(t *testing.T) {
	a := New("p", "e")
	a.Metadata = map[string]string{"trigger": "cron"}

	b := a.Clone()
	b.Metadata["trigger"] = "manual"

	if a.Metadata["trigger"] != "cron" {
		t.Errorf("original metadata changed: %q", a.Metadata["trigger"])
	}
}

func TestCurrent_Empty(t *testing.T) {
	a := New("p", "e")
	if _, ok := a.Current(); ok {
		t.Error("expected no current level")
	}
	if a.RuntimeID() != "" {
		t.Errorf("RuntimeID() = %q, want empty", a.RuntimeID())
	}
}
