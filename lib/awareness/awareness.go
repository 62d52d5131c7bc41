package awareness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/wire"
	"github.com/brunoga/deep/v3"
	"github.com/puzpuzpuz/xsync/v3"
)

// OutdatedTimeout is the time after which a peer that sent no update is
// considered gone. Local state is renewed every OutdatedTimeout/2.
const OutdatedTimeout = 30 * time.Second

// Change lists the client ids touched by one awareness update
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

// Empty reports whether the change touches no client
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// All returns every touched client id
func (c Change) All() []string {
	all := make([]string, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	all = append(all, c.Added...)
	all = append(all, c.Updated...)
	return append(all, c.Removed...)
}

// Handler receives awareness changes together with the origin of the update
type Handler func(change Change, origin any)

// meta tracks the clock of a client and when we last heard from it
type meta struct {
	clock       uint64
	lastUpdated time.Time
}

// Awareness stores the ephemeral presence state of every known client
type Awareness struct {
	clientID string
	now      func() time.Time

	mu     sync.Mutex
	states map[string]any
	meta   map[string]meta

	nextHandlerID atomic.Uint64
	handlers      *xsync.MapOf[uint64, Handler]
}

// New creates an awareness store for the local client. The local state starts
// as an empty object, like a freshly opened document.
func New(clientID string) *Awareness {
	a := &Awareness{
		clientID: clientID,
		now:      time.Now,
		states:   make(map[string]any),
		meta:     make(map[string]meta),
		handlers: xsync.NewMapOf[uint64, Handler](),
	}
	a.SetLocalState(map[string]any{})
	return a
}

// --------------------------------------------------------------------------
// Local State
// --------------------------------------------------------------------------

// ClientID returns the id of the local client
func (a *Awareness) ClientID() string {
	return a.clientID
}

// LocalState returns a copy of the local state, nil if it was removed
func (a *Awareness) LocalState() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return clone(a.states[a.clientID])
}

// SetLocalState replaces the local state. nil marks the local client as gone.
func (a *Awareness) SetLocalState(state any) {
	state = normalize(state)

	a.mu.Lock()
	_, existed := a.states[a.clientID]
	m := a.meta[a.clientID]
	m.clock++
	m.lastUpdated = a.now()
	a.meta[a.clientID] = m
	if state == nil {
		delete(a.states, a.clientID)
	} else {
		a.states[a.clientID] = state
	}
	a.mu.Unlock()

	var change Change
	switch {
	case state == nil && existed:
		change.Removed = []string{a.clientID}
	case state != nil && !existed:
		change.Added = []string{a.clientID}
	case state != nil:
		// renewals count as updates so they get propagated
		change.Updated = []string{a.clientID}
	}
	a.emit(change, nil)
}

// SetLocalStateField sets a single field of the local state object
func (a *Awareness) SetLocalStateField(field string, value any) {
	state, _ := a.LocalState().(map[string]any)
	if state == nil {
		state = map[string]any{}
	}
	state[field] = value
	a.SetLocalState(state)
}

// --------------------------------------------------------------------------
// Remote State
// --------------------------------------------------------------------------

// States returns a copy of all known states keyed by client id
func (a *Awareness) States() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]any, len(a.states))
	for id, s := range a.states {
		out[id] = clone(s)
	}
	return out
}

// Peers returns the sorted ids of all clients with a state except the local one
func (a *Awareness) Peers() []string {
	a.mu.Lock()
	peers := make([]string, 0, len(a.states))
	for id := range a.states {
		if id != a.clientID {
			peers = append(peers, id)
		}
	}
	a.mu.Unlock()
	sort.Strings(peers)
	return peers
}

// Clients returns the sorted ids of every client with a state
func (a *Awareness) Clients() []string {
	a.mu.Lock()
	ids := make([]string, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// EncodeUpdate encodes the state and clock of the given clients. Clients
// without state are encoded as removed.
func (a *Awareness) EncodeUpdate(clients []string) []byte {
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(len(clients)))

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range clients {
		raw, err := json.Marshal(a.states[id])
		if err != nil {
			raw = []byte("null")
		}
		enc.WriteVarString(id)
		enc.WriteVarUint(a.meta[id].clock)
		enc.WriteVarString(string(raw))
	}
	return enc.Bytes()
}

// EncodeRemoval encodes the given clients as gone, using their current clocks.
// Peers holding a state with the same clock drop it.
func (a *Awareness) EncodeRemoval(clients []string) []byte {
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(len(clients)))

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range clients {
		enc.WriteVarString(id)
		enc.WriteVarUint(a.meta[id].clock)
		enc.WriteVarString("null")
	}
	return enc.Bytes()
}

// ApplyUpdate merges an update produced by EncodeUpdate. Entries with a clock
// not newer than the known one are ignored, except removals of a known state
// with the same clock.
func (a *Awareness) ApplyUpdate(update []byte, origin any) error {
	type item struct {
		id    string
		clock uint64
		state any
	}

	dec := wire.NewDecoder(update)
	n, err := dec.ReadVarUint()
	if err != nil {
		return fmt.Errorf("failed to read awareness entry count: %w", err)
	}
	items := make([]item, 0, min(n, 1024))
	for i := uint64(0); i < n; i++ {
		id, err := dec.ReadVarString()
		if err != nil {
			return fmt.Errorf("failed to read awareness client id: %w", err)
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return fmt.Errorf("failed to read awareness clock: %w", err)
		}
		raw, err := dec.ReadVarString()
		if err != nil {
			return fmt.Errorf("failed to read awareness state: %w", err)
		}
		var state any
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return fmt.Errorf("invalid awareness state for %s: %v", id, err)
		}
		items = append(items, item{id, clock, state})
	}

	var change Change
	now := a.now()
	renewLocal := false

	a.mu.Lock()
	for _, it := range items {
		m, known := a.meta[it.id]
		prev, hasState := a.states[it.id]
		if known && !(m.clock < it.clock || (m.clock == it.clock && it.state == nil && hasState)) {
			continue
		}

		if it.state == nil {
			if it.id == a.clientID && hasState {
				// someone marked us as gone, override with a newer clock
				it.clock++
				renewLocal = true
			} else {
				delete(a.states, it.id)
			}
		} else {
			a.states[it.id] = it.state
		}
		a.meta[it.id] = meta{clock: it.clock, lastUpdated: now}

		switch {
		case it.state == nil && hasState && it.id != a.clientID:
			change.Removed = append(change.Removed, it.id)
		case it.state != nil && !hasState:
			change.Added = append(change.Added, it.id)
		case it.state != nil && !reflect.DeepEqual(prev, it.state):
			change.Updated = append(change.Updated, it.id)
		}
	}
	a.mu.Unlock()

	a.emit(change, origin)
	if renewLocal {
		// the override originates here and has to be propagated like a local edit
		a.emit(Change{Updated: []string{a.clientID}}, nil)
	}
	return nil
}

// RemoveStates drops the given clients. Removing the local client bumps its
// clock so the removal wins on other peers.
func (a *Awareness) RemoveStates(clients []string, origin any) {
	var change Change

	a.mu.Lock()
	for _, id := range clients {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		if id == a.clientID {
			m := a.meta[id]
			m.clock++
			m.lastUpdated = a.now()
			a.meta[id] = m
		}
		change.Removed = append(change.Removed, id)
	}
	a.mu.Unlock()

	a.emit(change, origin)
}

// Check renews the local state if it is older than timeout/2 and removes
// remote clients that sent nothing for timeout.
func (a *Awareness) Check(timeout time.Duration) {
	now := a.now()
	var outdated []string
	var local any
	renew := false

	a.mu.Lock()
	if s, ok := a.states[a.clientID]; ok && now.Sub(a.meta[a.clientID].lastUpdated) >= timeout/2 {
		renew = true
		local = s
	}
	for id, m := range a.meta {
		if id == a.clientID {
			continue
		}
		if _, ok := a.states[id]; ok && now.Sub(m.lastUpdated) >= timeout {
			outdated = append(outdated, id)
		}
	}
	a.mu.Unlock()

	if renew {
		a.SetLocalState(local)
	}
	if len(outdated) > 0 {
		sort.Strings(outdated)
		a.RemoveStates(outdated, "timeout")
	}
}

// Observe registers fn for every non empty change. The returned function
// unregisters fn.
func (a *Awareness) Observe(fn Handler) func() {
	id := a.nextHandlerID.Add(1)
	a.handlers.Store(id, fn)
	return func() { a.handlers.Delete(id) }
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func (a *Awareness) emit(change Change, origin any) {
	if change.Empty() {
		return
	}
	a.handlers.Range(func(_ uint64, fn Handler) bool {
		fn(change, origin)
		return true
	})
}

// clone deep copies a normalized state
func clone(v any) any {
	if v == nil {
		return nil
	}
	out, err := deep.Copy(v)
	if err != nil {
		return nil
	}
	return out
}

// normalize converts a state into its generic JSON representation so local
// and remote states compare equal
func normalize(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
