package deepdoc

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/wire"
	deepcrdt "github.com/brunoga/deep/v3/crdt"
	"github.com/puzpuzpuz/xsync/v3"
)

// state is the replicated value, every key holds the JSON text of its value
type state = map[string]string

// update kinds
const (
	kindDelta uint64 = 0
	kindState uint64 = 1
)

// Document is a replicated map backed by a deep CRDT
type Document struct {
	clientID string

	mu   sync.Mutex
	crdt *deepcrdt.CRDT[state]

	nextHandlerID atomic.Uint64
	onUpdate      *xsync.MapOf[uint64, crdt.UpdateHandler]
	onChange      *xsync.MapOf[uint64, crdt.ChangeHandler]
}

// New creates an empty document for the replica clientID
func New(clientID string) *Document {
	return &Document{
		clientID: clientID,
		crdt:     deepcrdt.NewCRDT(state{}, clientID),
		onUpdate: xsync.NewMapOf[uint64, crdt.UpdateHandler](),
		onChange: xsync.NewMapOf[uint64, crdt.ChangeHandler](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see crdt.IDocument)
// --------------------------------------------------------------------------

func (d *Document) ClientID() string {
	return d.clientID
}

// StateVector returns a digest of the current content. Replicas with equal
// digests have nothing to send each other.
func (d *Document) StateVector() []byte {
	d.mu.Lock()
	sum := digest(d.crdt.View())
	d.mu.Unlock()

	e := wire.NewEncoder()
	e.WriteVarUint(sum)
	return e.Bytes()
}

func (d *Document) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(stateVector) > 0 {
		remote, err := wire.NewDecoder(stateVector).ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("invalid state vector: %w", err)
		}
		if remote == digest(d.crdt.View()) {
			return encodeUpdate(kindState, nil), nil
		}
	}

	data, err := json.Marshal(d.crdt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return encodeUpdate(kindState, data), nil
}

func (d *Document) ApplyUpdate(update []byte, origin any) error {
	dec := wire.NewDecoder(update)
	kind, err := dec.ReadVarUint()
	if err != nil {
		return fmt.Errorf("invalid update: %w", err)
	}
	payload, err := dec.ReadVarUint8Array()
	if err != nil {
		return fmt.Errorf("invalid update: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}

	keys, err := d.merge(kind, payload)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	d.emit(keys, update, origin, false)
	return nil
}

func (d *Document) OnUpdate(fn crdt.UpdateHandler) func() {
	id := d.nextHandlerID.Add(1)
	d.onUpdate.Store(id, fn)
	return func() { d.onUpdate.Delete(id) }
}

func (d *Document) Get(key string) (any, bool) {
	d.mu.Lock()
	raw, ok := d.crdt.View()[key]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	return decodeValue(raw), true
}

func (d *Document) Transact(origin any, fn func(tx crdt.Txn)) {
	keys, update := d.edit(fn)
	if len(keys) == 0 {
		return
	}
	d.emit(keys, update, origin, true)
}

func (d *Document) Observe(fn crdt.ChangeHandler) func() {
	id := d.nextHandlerID.Add(1)
	d.onChange.Store(id, fn)
	return func() { d.onChange.Delete(id) }
}

// Keys returns all keys, sorted
func (d *Document) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	view := d.crdt.View()
	keys := make([]string, 0, len(view))
	for k := range view {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// edit runs fn against the current content and records its writes as one
// delta. It returns the changed keys and the encoded update.
func (d *Document) edit(fn func(tx crdt.Txn)) ([]string, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := &txn{base: d.crdt.View(), writes: make(map[string]*string)}
	fn(tx)
	changes := tx.changes()
	if len(changes) == 0 {
		return nil, nil
	}

	delta := d.crdt.Edit(func(s *state) {
		if *s == nil {
			*s = state{}
		}
		for k, v := range changes {
			if v == nil {
				delete(*s, k)
			} else {
				(*s)[k] = *v
			}
		}
	})
	payload, err := json.Marshal(delta)
	if err != nil {
		// the content only holds strings, a delta of it always encodes
		panic(fmt.Sprintf("deepdoc: failed to encode delta: %v", err))
	}
	return sortedKeys(changes), encodeUpdate(kindDelta, payload)
}

// merge applies a remote delta or state and returns the keys whose value
// changed
func (d *Document) merge(kind uint64, payload []byte) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	before := copyState(d.crdt.View())
	switch kind {
	case kindDelta:
		delta, err := decodeDelta(d.crdt.Edit, payload)
		if err != nil {
			return nil, fmt.Errorf("invalid delta: %w", err)
		}
		d.crdt.ApplyDelta(delta)
	case kindState:
		remote := deepcrdt.NewCRDT(state{}, "")
		if err := json.Unmarshal(payload, remote); err != nil {
			return nil, fmt.Errorf("invalid state: %w", err)
		}
		d.crdt.Merge(remote)
	default:
		return nil, fmt.Errorf("invalid update: unknown kind %d", kind)
	}
	return changedKeys(before, d.crdt.View()), nil
}

// emit notifies observers first and update handlers second, outside the lock
func (d *Document) emit(keys []string, update []byte, origin any, local bool) {
	event := crdt.ChangeEvent{Keys: keys, Origin: origin, Local: local}
	d.onChange.Range(func(_ uint64, fn crdt.ChangeHandler) bool {
		fn(event)
		return true
	})
	d.onUpdate.Range(func(_ uint64, fn crdt.UpdateHandler) bool {
		fn(update, origin)
		return true
	})
}

// decodeDelta decodes a delta of the type produced by edit
func decodeDelta[F, D any](_ func(F) D, data []byte) (D, error) {
	var delta D
	err := json.Unmarshal(data, &delta)
	return delta, err
}

func encodeUpdate(kind uint64, payload []byte) []byte {
	e := wire.NewEncoder()
	e.WriteVarUint(kind)
	e.WriteVarUint8Array(payload)
	return e.Bytes()
}

// digest hashes the content in key order
func digest(s state) uint64 {
	h := fnv.New64a()
	for _, k := range sortedKeys(s) {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(s[k]))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func copyState(s state) state {
	out := make(state, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func changedKeys(before, after state) []string {
	var keys []string
	for k, v := range after {
		if old, ok := before[k]; !ok || old != v {
			keys = append(keys, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decodeValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	return v
}

// --------------------------------------------------------------------------
// Transaction
// --------------------------------------------------------------------------

// txn buffers the writes of one transaction. The document lock is held while
// the transaction function runs, so it must use the Txn and not the Document.
type txn struct {
	base   state
	writes map[string]*string // nil marks a delete
}

func (t *txn) Get(key string) (any, bool) {
	raw, ok := t.lookup(key)
	if !ok {
		return nil, false
	}
	return decodeValue(raw), true
}

func (t *txn) Set(key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("deepdoc: value for key %q is not json compatible: %v", key, err))
	}
	s := string(raw)
	t.writes[key] = &s
}

func (t *txn) Delete(key string) {
	t.writes[key] = nil
}

func (t *txn) lookup(key string) (string, bool) {
	if w, ok := t.writes[key]; ok {
		if w == nil {
			return "", false
		}
		return *w, true
	}
	raw, ok := t.base[key]
	return raw, ok
}

// changes drops writes that leave a key as it was
func (t *txn) changes() map[string]*string {
	out := make(map[string]*string, len(t.writes))
	for k, w := range t.writes {
		old, existed := t.base[k]
		switch {
		case w == nil && !existed:
		case w != nil && existed && old == *w:
		default:
			out[k] = w
		}
	}
	return out
}
