package testing

import (
	"reflect"
	"sync"
	"testing"

	"github.com/ValentinKolb/dSync/lib/crdt"
)

// DocumentFactory creates a new empty document for the given replica id
type DocumentFactory func(clientID string) crdt.IDocument

// RunDocumentTests runs the conformance suite for an IDocument implementation.
func RunDocumentTests(t *testing.T, name string, factory DocumentFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Transact&Get", func(t *testing.T) {
			testTransactGet(t, factory)
		})

		t.Run("ValueIsolation", func(t *testing.T) {
			testValueIsolation(t, factory)
		})

		t.Run("UpdateEvents", func(t *testing.T) {
			testUpdateEvents(t, factory)
		})

		t.Run("ObserveEvents", func(t *testing.T) {
			testObserveEvents(t, factory)
		})

		t.Run("IdempotentApply", func(t *testing.T) {
			testIdempotentApply(t, factory)
		})

		t.Run("StateVectorDiff", func(t *testing.T) {
			testStateVectorDiff(t, factory)
		})

		t.Run("Convergence", func(t *testing.T) {
			testConvergence(t, factory)
		})

		t.Run("Cancel", func(t *testing.T) {
			testCancel(t, factory)
		})

		t.Run("ConcurrentTransactions", func(t *testing.T) {
			testConcurrentTransactions(t, factory)
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// exchange sends the missing state between a and b in both directions
func exchange(t *testing.T, a, b crdt.IDocument) {
	t.Helper()
	ua, err := a.EncodeStateAsUpdate(b.StateVector())
	if err != nil {
		t.Fatalf("EncodeStateAsUpdate failed: %v", err)
	}
	ub, err := b.EncodeStateAsUpdate(a.StateVector())
	if err != nil {
		t.Fatalf("EncodeStateAsUpdate failed: %v", err)
	}
	if err := b.ApplyUpdate(ua, "test"); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if err := a.ApplyUpdate(ub, "test"); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
}

func mustGet(t *testing.T, doc crdt.IDocument, key string) any {
	t.Helper()
	v, ok := doc.Get(key)
	if !ok {
		t.Fatalf("Key %q not found", key)
	}
	return v
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testTransactGet(t *testing.T, factory DocumentFactory) {
	doc := factory("a")

	if _, ok := doc.Get("missing"); ok {
		t.Errorf("Expected missing key to be absent")
	}

	doc.Transact(nil, func(tx crdt.Txn) {
		tx.Set("title", "hello")
		tx.Set("tags", []any{"x", "y"})
		tx.Set("meta", map[string]any{"n": float64(1)})

		if v, ok := tx.Get("title"); !ok || v != "hello" {
			t.Errorf("Expected write to be visible in transaction, got %v", v)
		}
	})

	if v := mustGet(t, doc, "title"); v != "hello" {
		t.Errorf("Expected hello, got %v", v)
	}
	if v := mustGet(t, doc, "tags"); !reflect.DeepEqual(v, []any{"x", "y"}) {
		t.Errorf("Expected [x y], got %v", v)
	}
	if v := mustGet(t, doc, "meta"); !reflect.DeepEqual(v, map[string]any{"n": float64(1)}) {
		t.Errorf("Expected map, got %v", v)
	}

	doc.Transact(nil, func(tx crdt.Txn) { tx.Delete("title") })
	if _, ok := doc.Get("title"); ok {
		t.Errorf("Expected deleted key to be absent")
	}
}

func testValueIsolation(t *testing.T, factory DocumentFactory) {
	doc := factory("a")
	in := map[string]any{"v": "a"}
	doc.Transact(nil, func(tx crdt.Txn) { tx.Set("k", in) })

	// mutating the input or a read value must not leak into the document
	in["v"] = "changed"
	out := mustGet(t, doc, "k").(map[string]any)
	out["v"] = "changed too"

	if v := mustGet(t, doc, "k").(map[string]any)["v"]; v != "a" {
		t.Errorf("Document value was mutated through a reference: %v", v)
	}
}

func testUpdateEvents(t *testing.T, factory DocumentFactory) {
	a := factory("a")
	b := factory("b")

	var origins []any
	b.OnUpdate(func(update []byte, origin any) {
		origins = append(origins, origin)
	})

	a.OnUpdate(func(update []byte, origin any) {
		if err := b.ApplyUpdate(update, "from-a"); err != nil {
			t.Errorf("ApplyUpdate failed: %v", err)
		}
	})

	a.Transact("local", func(tx crdt.Txn) { tx.Set("k", "v") })

	if v := mustGet(t, b, "k"); v != "v" {
		t.Errorf("Expected update to reach b, got %v", v)
	}
	if len(origins) != 1 || origins[0] != "from-a" {
		t.Errorf("Expected one update with origin from-a, got %v", origins)
	}

	// an empty transaction produces no update
	a.Transact("local", func(tx crdt.Txn) {})
	if len(origins) != 1 {
		t.Errorf("Empty transaction produced an update")
	}
}

func testObserveEvents(t *testing.T, factory DocumentFactory) {
	a := factory("a")
	b := factory("b")

	var events []crdt.ChangeEvent
	b.Observe(func(e crdt.ChangeEvent) { events = append(events, e) })

	a.Transact(nil, func(tx crdt.Txn) {
		tx.Set("y", 1)
		tx.Set("x", 2)
	})
	update, _ := a.EncodeStateAsUpdate(nil)
	_ = b.ApplyUpdate(update, "remote")

	b.Transact("mine", func(tx crdt.Txn) { tx.Set("z", 3) })

	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if !reflect.DeepEqual(events[0].Keys, []string{"x", "y"}) || events[0].Origin != "remote" || events[0].Local {
		t.Errorf("Unexpected remote event %+v", events[0])
	}
	if !reflect.DeepEqual(events[1].Keys, []string{"z"}) || events[1].Origin != "mine" || !events[1].Local {
		t.Errorf("Unexpected local event %+v", events[1])
	}
}

func testIdempotentApply(t *testing.T, factory DocumentFactory) {
	a := factory("a")
	a.Transact(nil, func(tx crdt.Txn) { tx.Set("k", "v") })
	update, _ := a.EncodeStateAsUpdate(nil)

	b := factory("b")
	count := 0
	b.OnUpdate(func([]byte, any) { count++ })
	b.Observe(func(crdt.ChangeEvent) { count++ })

	_ = b.ApplyUpdate(update, nil)
	_ = b.ApplyUpdate(update, nil)
	_ = b.ApplyUpdate(update, nil)

	if count != 2 {
		t.Errorf("Expected exactly one update and one change event, got %d callbacks", count)
	}
}

func testStateVectorDiff(t *testing.T, factory DocumentFactory) {
	a := factory("a")
	b := factory("b")

	a.Transact(nil, func(tx crdt.Txn) { tx.Set("k1", 1) })
	exchange(t, a, b)

	// b is up to date, the diff against its state vector must be a no-op for b
	a.Transact(nil, func(tx crdt.Txn) { tx.Set("k2", 2) })
	diff, err := a.EncodeStateAsUpdate(b.StateVector())
	if err != nil {
		t.Fatalf("EncodeStateAsUpdate failed: %v", err)
	}

	var changed []string
	b.Observe(func(e crdt.ChangeEvent) { changed = append(changed, e.Keys...) })
	_ = b.ApplyUpdate(diff, nil)

	if !reflect.DeepEqual(changed, []string{"k2"}) {
		t.Errorf("Expected diff to only carry k2, got %v", changed)
	}
}

func testConvergence(t *testing.T, factory DocumentFactory) {
	a := factory("a")
	b := factory("b")
	c := factory("c")

	a.Transact(nil, func(tx crdt.Txn) { tx.Set("shared", "a"); tx.Set("onlyA", 1) })
	b.Transact(nil, func(tx crdt.Txn) { tx.Set("shared", "b"); tx.Set("onlyB", 2) })
	c.Transact(nil, func(tx crdt.Txn) { tx.Set("onlyC", 3) })

	// exchange in different orders
	exchange(t, a, b)
	exchange(t, c, b)
	exchange(t, a, c)

	for _, key := range []string{"shared", "onlyA", "onlyB", "onlyC"} {
		va := mustGet(t, a, key)
		vb := mustGet(t, b, key)
		vc := mustGet(t, c, key)
		if !reflect.DeepEqual(va, vb) || !reflect.DeepEqual(vb, vc) {
			t.Errorf("Replicas diverged on %q: %v %v %v", key, va, vb, vc)
		}
	}
}

func testCancel(t *testing.T, factory DocumentFactory) {
	doc := factory("a")
	count := 0
	cancelUpdate := doc.OnUpdate(func([]byte, any) { count++ })
	cancelObserve := doc.Observe(func(crdt.ChangeEvent) { count++ })

	doc.Transact(nil, func(tx crdt.Txn) { tx.Set("k", 1) })
	cancelUpdate()
	cancelObserve()
	doc.Transact(nil, func(tx crdt.Txn) { tx.Set("k", 2) })

	if count != 2 {
		t.Errorf("Expected 2 callbacks before cancel, got %d", count)
	}
}

func testConcurrentTransactions(t *testing.T, factory DocumentFactory) {
	doc := factory("a")

	var mu sync.Mutex
	updates := 0
	doc.OnUpdate(func([]byte, any) {
		mu.Lock()
		updates++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc.Transact(nil, func(tx crdt.Txn) { tx.Set("k", float64(i)) })
		}(i)
	}
	wg.Wait()

	if updates != 20 {
		t.Errorf("Expected 20 updates, got %d", updates)
	}
	if _, ok := doc.Get("k"); !ok {
		t.Errorf("Expected key to be set")
	}
}
