package crdt

// UpdateHandler receives every update a document produces or accepts.
// update is the engine's own encoding, origin is the tag passed to
// ApplyUpdate or Transact.
type UpdateHandler func(update []byte, origin any)

// ChangeHandler receives the materialised changes of a transaction
type ChangeHandler func(event ChangeEvent)

// ChangeEvent describes the top level keys touched by one transaction
type ChangeEvent struct {
	// Keys are the top level keys whose value changed, sorted
	Keys []string
	// Origin is the tag of the transaction (nil for plain local edits)
	Origin any
	// Local is true if the change was made through Transact on this replica
	Local bool
}

// Txn gives access to a document inside a transaction
type Txn interface {
	// Get returns a copy of the value stored under key
	Get(key string) (any, bool)
	// Set stores a copy of value under key. value must be JSON compatible
	// (maps, slices, strings, numbers, booleans, nil)
	Set(key string, value any)
	// Delete removes key
	Delete(key string)
}

// IDocument is the contract of the replicated-document engine this module
// synchronises. The engine owns merge semantics and update encoding, the
// sync layer only moves opaque update bytes between replicas.
//
// Implementations must be safe for concurrent use and must invoke handlers
// outside of any internal lock so handlers may call back into the document.
type IDocument interface {
	// ClientID returns the identity of this replica
	ClientID() string

	// StateVector encodes what this replica has seen so far
	StateVector() []byte

	// EncodeStateAsUpdate returns an update containing everything this replica
	// knows that a replica with the given state vector is missing. An empty
	// state vector yields the full state.
	EncodeStateAsUpdate(stateVector []byte) ([]byte, error)

	// ApplyUpdate merges a remote update. Applying an update that carries
	// nothing new is a no-op and emits no events.
	ApplyUpdate(update []byte, origin any) error

	// OnUpdate registers fn for every update produced by Transact or accepted
	// by ApplyUpdate. The returned function unregisters fn.
	OnUpdate(fn UpdateHandler) (cancel func())

	// Get returns a copy of the value stored under key
	Get(key string) (any, bool)

	// Transact runs fn and emits the resulting changes as one update
	Transact(origin any, fn func(tx Txn))

	// Observe registers fn for the materialised changes of every transaction.
	// The returned function unregisters fn.
	Observe(fn ChangeHandler) (cancel func())
}
