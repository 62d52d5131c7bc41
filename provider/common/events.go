package common

import (
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/reactor"
	"github.com/puzpuzpuz/xsync/v3"
)

// Status is the connection state of a provider
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// EventType names the events emitted by a provider
type EventType string

const (
	EventStatus          EventType = "status"
	EventSync            EventType = "sync"
	EventError           EventType = "error"
	EventConnectionError EventType = "connection-error"
	EventConnectionClose EventType = "connection-close"
	EventPeers           EventType = "peers"
)

// Event is a single notification. Only the fields relevant to Type are set.
type Event struct {
	Type     EventType
	Status   Status
	Synced   bool
	Peers    []string
	Endpoint string
	Err      error
	// Terminal is set on connection-close once automatic reconnects stopped
	Terminal bool
}

// SyncStatus is a snapshot of the state of a provider
type SyncStatus struct {
	Status       Status
	Connected    bool
	Synced       bool
	LastSyncTime time.Time
	Peers        []string
	Endpoint     string
	BusConnected bool
}

// Listener receives events
type Listener func(Event)

// --------------------------------------------------------------------------
// Emitter
// --------------------------------------------------------------------------

// Emitter delivers events to listeners on its own goroutine, in emission
// order. Listeners may therefore call back into the component that emitted
// the event without deadlocking it.
type Emitter struct {
	loop      *reactor.Reactor
	nextID    atomic.Uint64
	listeners *xsync.MapOf[uint64, Listener]
}

// NewEmitter creates an emitter, name is used for logging
func NewEmitter(name string) *Emitter {
	return &Emitter{
		loop:      reactor.New(name + "/events"),
		listeners: xsync.NewMapOf[uint64, Listener](),
	}
}

// On registers fn for all events. The returned function unregisters fn.
func (e *Emitter) On(fn Listener) func() {
	id := e.nextID.Add(1)
	e.listeners.Store(id, fn)
	return func() { e.listeners.Delete(id) }
}

// Emit queues ev for delivery
func (e *Emitter) Emit(ev Event) {
	e.loop.Post(func() {
		e.listeners.Range(func(_ uint64, fn Listener) bool {
			fn(ev)
			return true
		})
	})
}

// Close delivers pending events and stops the emitter. Listeners are detached.
func (e *Emitter) Close() {
	e.loop.Post(func() { e.listeners.Clear() })
	e.loop.Close()
}
