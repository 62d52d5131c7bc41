package reconcile

import (
	"reflect"
	"sort"
	"testing"
	"time"
)

func TestMirrorPaths(t *testing.T) {
	m, err := NewMirror(nil)
	if err != nil {
		t.Fatalf("NewMirror failed: %v", err)
	}

	t.Run("SetCreatesRecords", func(t *testing.T) {
		if err := m.Set("a.b.c", 1); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		v, ok := m.Get("a.b.c")
		if !ok || v != float64(1) {
			t.Errorf("Expected 1, got %v (%v)", v, ok)
		}
	})

	t.Run("Arrays", func(t *testing.T) {
		if err := m.Set("list", []string{"x", "y"}); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := m.Set("list.2", "z"); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if err := m.Set("list.5", "too far"); err == nil {
			t.Errorf("Expected error for index out of range")
		}
		v, _ := m.Get("list")
		if !reflect.DeepEqual(v, []any{"x", "y", "z"}) {
			t.Errorf("Expected [x y z], got %v", v)
		}

		if !m.Delete("list.0") {
			t.Errorf("Expected list.0 to be removed")
		}
		v, _ = m.Get("list.0")
		if v != "y" {
			t.Errorf("Expected y after splice, got %v", v)
		}
	})

	t.Run("DescendIntoScalar", func(t *testing.T) {
		if err := m.Set("a.b.c.d", 1); err == nil {
			t.Errorf("Expected error when descending into a number")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if m.Delete("missing.key") {
			t.Errorf("Expected nothing to be removed")
		}
		if !m.Delete("a") {
			t.Errorf("Expected a to be removed")
		}
		if _, ok := m.Get("a.b"); ok {
			t.Errorf("Expected a.b to be gone")
		}
	})

	t.Run("Snapshot", func(t *testing.T) {
		snap := m.Snapshot().(map[string]any)
		snap["list"] = "mutated"
		if v, _ := m.Get("list"); reflect.DeepEqual(v, "mutated") {
			t.Errorf("Snapshot must be a copy")
		}
	})
}

func TestMirrorModificationTimes(t *testing.T) {
	now := time.Unix(1000, 0)
	m, _ := NewMirror(map[string]any{"list": []any{rec("v", 1.0)}, "other": 1.0})
	m.now = func() time.Time { return now }

	var seen [][]string
	m.Watch(func(paths []string) { seen = append(seen, paths) })

	err := m.Update(func(root any) any {
		root.(map[string]any)["list"].([]any)[0].(map[string]any)["v"] = 2.0
		return root
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	for _, p := range []string{"list.0.v", "list.0", "list", ""} {
		if !m.ModifiedAt(p).Equal(now) {
			t.Errorf("Expected %q to be marked as modified", p)
		}
	}
	if !m.ModifiedAt("other").IsZero() {
		t.Errorf("Expected other to be untouched")
	}
	if len(seen) != 1 || !reflect.DeepEqual(seen[0], []string{"list.0.v"}) {
		t.Errorf("Expected one notification for list.0.v, got %v", seen)
	}

	// an update without changes is silent
	_ = m.Update(func(root any) any { return root })
	if len(seen) != 1 {
		t.Errorf("Expected no notification for a no-op update, got %v", seen)
	}
}

func TestChangedPaths(t *testing.T) {
	a := rec("x", 1.0, "y", rec("z", []any{1.0, 2.0}), "gone", true)
	b := rec("x", 1.0, "y", rec("z", []any{1.0, 3.0}), "new", true)

	var paths []string
	changedPaths(a, b, "", 0, &paths)
	sort.Strings(paths)

	expected := []string{"gone", "new", "y.z.1"}
	if !reflect.DeepEqual(paths, expected) {
		t.Errorf("Expected %v, got %v", expected, paths)
	}
}
