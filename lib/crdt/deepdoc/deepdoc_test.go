package deepdoc

import (
	"reflect"
	"testing"

	"github.com/ValentinKolb/dSync/lib/crdt"
	crdttesting "github.com/ValentinKolb/dSync/lib/crdt/testing"
)

func TestDocumentInterface(t *testing.T) {
	crdttesting.RunDocumentTests(t, "deepdoc", func(clientID string) crdt.IDocument {
		return New(clientID)
	})
}

func TestDeltaCarriesDelete(t *testing.T) {
	a := New("a")
	b := New("b")

	a.OnUpdate(func(update []byte, origin any) {
		if origin == "remote" {
			return
		}
		if err := b.ApplyUpdate(update, "remote"); err != nil {
			t.Errorf("ApplyUpdate failed: %v", err)
		}
	})

	a.Transact(nil, func(tx crdt.Txn) {
		tx.Set("keep", 1)
		tx.Set("drop", 2)
	})
	a.Transact(nil, func(tx crdt.Txn) { tx.Delete("drop") })

	if keys := b.Keys(); !reflect.DeepEqual(keys, []string{"keep"}) {
		t.Errorf("Expected only keep on b, got %v", keys)
	}
}

func TestUnchangedWritesProduceNoUpdate(t *testing.T) {
	doc := New("a")
	doc.Transact(nil, func(tx crdt.Txn) { tx.Set("k", "v") })

	count := 0
	doc.OnUpdate(func([]byte, any) { count++ })

	doc.Transact(nil, func(tx crdt.Txn) {
		tx.Set("k", "v")
		tx.Delete("missing")
	})
	if count != 0 {
		t.Errorf("Expected no update for writes without effect, got %d", count)
	}
}

func TestEqualStateVectorsYieldEmptyUpdate(t *testing.T) {
	a := New("a")
	b := New("b")
	a.Transact(nil, func(tx crdt.Txn) { tx.Set("k", "v") })

	full, err := a.EncodeStateAsUpdate(nil)
	if err != nil {
		t.Fatalf("EncodeStateAsUpdate failed: %v", err)
	}
	if err := b.ApplyUpdate(full, nil); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}

	if !reflect.DeepEqual(a.StateVector(), b.StateVector()) {
		t.Fatalf("Expected equal state vectors after sync")
	}
	diff, err := a.EncodeStateAsUpdate(b.StateVector())
	if err != nil {
		t.Fatalf("EncodeStateAsUpdate failed: %v", err)
	}
	if len(diff) >= len(full) {
		t.Errorf("Expected an empty update, got %d bytes (full state is %d)", len(diff), len(full))
	}
}

func TestInvalidInput(t *testing.T) {
	d := New("a")

	tests := map[string][]byte{
		"Truncated":   {0x80},
		"UnknownKind": {0x07, 0x01, '1'},
		"BadDelta":    {0x00, 0x02, '{', 'x'},
		"BadState":    {0x01, 0x02, '{', 'x'},
	}
	for name, update := range tests {
		t.Run(name, func(t *testing.T) {
			if err := d.ApplyUpdate(update, nil); err == nil {
				t.Errorf("Expected error for malformed update")
			}
		})
	}

	if _, err := d.EncodeStateAsUpdate([]byte{0x80}); err == nil {
		t.Errorf("Expected error for malformed state vector")
	}
}
