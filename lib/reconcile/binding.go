package reconcile

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/reactor"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("reconcile")

// document keys written by a binding
const (
	StateKey = "state"
	MetaKey  = "__meta"
)

// Source tells where a change was made
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// ChangeMetadata is stored next to every state written into the document
type ChangeMetadata struct {
	Source    Source `json:"source"`
	Timestamp int64  `json:"timestamp"` // unix millis, strictly increasing per client
	ClientID  string `json:"clientId"`
}

// Stats are the counters of a binding
type Stats struct {
	LocalPushed    uint64
	RemoteApplied  uint64
	EchoSuppressed uint64
	StaleRejected  uint64
	Overwrites     uint64
	LastApplied    int64
	LastMeta       ChangeMetadata
}

// BindingOptions configure a binding
type BindingOptions struct {
	// ClientID is the identity stamped into local changes (default: doc.ClientID())
	ClientID string
	// Initial is the mirror value used when the document holds no state yet
	Initial any
	// MaxDepth bounds merge recursion (default DefaultMaxDepth)
	MaxDepth int
}

// Binding connects a Mirror to a replicated document. All state is owned by
// the reactor, the public methods hand work to it and wait.
type Binding struct {
	doc      crdt.IDocument
	exec     *reactor.Reactor
	mirror   *Mirror
	merger   Merger
	clientID string

	applyingRemote  bool
	processingLocal bool

	lastApplied    int64
	lastStamp      int64
	lastRemoteSync time.Time
	lastMeta       ChangeMetadata
	stats          Stats

	listeners map[int]func(snapshot any)
	nextID    int
	closed    bool

	unsubscribe []func()
}

// NewBinding creates a binding and loads the current document state (if any)
// into the mirror. exec must be the reactor that owns the document's provider.
func NewBinding(doc crdt.IDocument, exec *reactor.Reactor, opts BindingOptions) (*Binding, error) {
	mirror, err := NewMirror(opts.Initial)
	if err != nil {
		return nil, err
	}
	b := &Binding{
		doc:       doc,
		exec:      exec,
		mirror:    mirror,
		clientID:  opts.ClientID,
		listeners: make(map[int]func(snapshot any)),
	}
	if b.clientID == "" {
		b.clientID = doc.ClientID()
	}
	b.merger = Merger{MaxDepth: opts.MaxDepth, Recent: b.recentlyModified}

	err = b.do(func() {
		b.unsubscribe = append(b.unsubscribe,
			mirror.Watch(b.onLocalChange),
			doc.Observe(b.onDocChange),
		)
		if _, ok := doc.Get(StateKey); ok {
			b.applyRemote(true)
		}
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// Get returns a copy of the value at path
func (b *Binding) Get(path string) (any, bool) {
	var (
		v  any
		ok bool
	)
	_ = b.do(func() {
		v, ok = b.mirror.Get(path)
		v = clone(v)
	})
	return v, ok
}

// Snapshot returns a copy of the whole mirror
func (b *Binding) Snapshot() any {
	var v any
	_ = b.do(func() { v = b.mirror.Snapshot() })
	return v
}

// Set stores value at path and pushes the mirror into the document
func (b *Binding) Set(path string, value any) error {
	var err error
	if doErr := b.doIdle(func() { err = b.mirror.Set(path, value) }); doErr != nil {
		return doErr
	}
	return err
}

// Delete removes the value at path, it reports whether something was removed
func (b *Binding) Delete(path string) (bool, error) {
	var removed bool
	err := b.doIdle(func() { removed = b.mirror.Delete(path) })
	return removed, err
}

// Update replaces the mirror with fn(copy of mirror)
func (b *Binding) Update(fn func(root any) any) error {
	var err error
	if doErr := b.doIdle(func() { err = b.mirror.Update(fn) }); doErr != nil {
		return doErr
	}
	return err
}

// Resync re-applies the document state to the mirror. With force the
// staleness check is skipped.
func (b *Binding) Resync(force bool) error {
	return b.doIdle(func() { b.applyRemote(force) })
}

// OnRemoteChange registers fn for every remote change merged into the mirror.
// fn runs on the reactor and must not call blocking methods of the binding.
func (b *Binding) OnRemoteChange(fn func(snapshot any)) func() {
	var id int
	_ = b.do(func() {
		id = b.nextID
		b.nextID++
		b.listeners[id] = fn
	})
	return func() {
		b.exec.Post(func() { delete(b.listeners, id) })
	}
}

// Stats returns the counters of the binding
func (b *Binding) Stats() Stats {
	var s Stats
	_ = b.do(func() {
		s = b.stats
		s.Overwrites = b.merger.Overwrites
		s.LastApplied = b.lastApplied
		s.LastMeta = b.lastMeta
	})
	return s
}

// Close detaches the binding from its document and mirror
func (b *Binding) Close() {
	_ = b.do(func() {
		if b.closed {
			return
		}
		b.closed = true
		for _, fn := range b.unsubscribe {
			fn()
		}
		b.unsubscribe = nil
	})
}

// --------------------------------------------------------------------------
// Helper Methods (run on the reactor)
// --------------------------------------------------------------------------

func (b *Binding) do(fn func()) error {
	if err := b.exec.Do(fn); err != nil {
		return fmt.Errorf("binding is closed: %w", err)
	}
	return nil
}

// doIdle runs fn on the reactor once neither guard flag is set, so a mutation
// is never mistaken for the echo of the previous one
func (b *Binding) doIdle(fn func()) error {
	finished := make(chan struct{})
	var attempt func()
	attempt = func() {
		if b.applyingRemote || b.processingLocal {
			b.exec.Post(attempt)
			return
		}
		defer close(finished)
		fn()
	}
	if !b.exec.Post(attempt) {
		return fmt.Errorf("binding is closed: %w", reactor.ErrClosed)
	}
	select {
	case <-finished:
		return nil
	case <-b.exec.Done():
		select {
		case <-finished:
			return nil
		default:
			return fmt.Errorf("binding is closed: %w", reactor.ErrClosed)
		}
	}
}

// stamp returns metadata for a local change with a timestamp that is newer
// than everything this binding has written or applied
func (b *Binding) stamp() ChangeMetadata {
	ts := time.Now().UnixMilli()
	if floor := max(b.lastStamp, b.lastApplied) + 1; ts < floor {
		ts = floor
	}
	b.lastStamp = ts
	return ChangeMetadata{Source: SourceLocal, Timestamp: ts, ClientID: b.clientID}
}

// onLocalChange pushes the mirror into the document
func (b *Binding) onLocalChange(paths []string) {
	if b.closed || b.applyingRemote {
		return
	}
	b.processingLocal = true
	b.exec.Post(func() { b.processingLocal = false })

	state := clone(b.mirror.raw())
	meta := b.stamp()
	b.doc.Transact(b, func(tx crdt.Txn) {
		tx.Set(StateKey, state)
		tx.Set(MetaKey, meta)
	})
	b.lastMeta = meta
	b.stats.LocalPushed++
	Logger.Debugf("%s: pushed local change of %v at %d", b.clientID, paths, meta.Timestamp)
}

// onDocChange may run on any goroutine, the change is handled on the reactor
func (b *Binding) onDocChange(ev crdt.ChangeEvent) {
	if ev.Origin == b || !touches(ev.Keys, StateKey) {
		return
	}
	b.exec.Post(b.onRemoteChange)
}

func (b *Binding) onRemoteChange() {
	if b.closed {
		return
	}
	if b.processingLocal {
		// retry once the local change is through
		b.exec.Post(b.onRemoteChange)
		return
	}
	b.applyRemote(false)
}

// applyRemote merges the state held by the document into the mirror
func (b *Binding) applyRemote(force bool) {
	state, ok := b.doc.Get(StateKey)
	if !ok {
		return
	}
	meta := readMeta(b.doc)

	if meta.ClientID == b.clientID && !force {
		b.stats.EchoSuppressed++
		echoSuppressed.Inc()
		Logger.Debugf("%s: ignored echo of own change at %d", b.clientID, meta.Timestamp)
		return
	}
	if meta.Timestamp < b.lastApplied && !force {
		b.stats.StaleRejected++
		staleRejected.Inc()
		Logger.Debugf("%s: ignored stale change from %s (%d < %d)", b.clientID, meta.ClientID, meta.Timestamp, b.lastApplied)
		return
	}

	before := b.merger.Overwrites
	merged := b.merger.Merge(b.mirror.raw(), state)
	if n := b.merger.Overwrites - before; n > 0 {
		mergeOverwrites.Add(int(n))
	}

	b.applyingRemote = true
	b.exec.Post(func() { b.applyingRemote = false })
	b.mirror.replace(merged)

	if meta.Timestamp > b.lastApplied {
		b.lastApplied = meta.Timestamp
	}
	b.lastRemoteSync = time.Now()
	b.lastMeta = ChangeMetadata{Source: SourceRemote, Timestamp: meta.Timestamp, ClientID: meta.ClientID}
	b.stats.RemoteApplied++
	remoteApplied.Inc()

	for _, fn := range b.listeners {
		fn(clone(merged))
	}

	// local elements kept by the merge exist only in the mirror until they
	// are written back
	if !sameJSON(merged, state) {
		b.exec.Post(b.pushMerged)
	}
}

// pushMerged writes the mirror into the document once the guards are clear,
// unless the document already holds the same state
func (b *Binding) pushMerged() {
	if b.closed {
		return
	}
	if b.applyingRemote || b.processingLocal {
		b.exec.Post(b.pushMerged)
		return
	}
	if state, ok := b.doc.Get(StateKey); ok && sameJSON(state, b.mirror.raw()) {
		return
	}
	b.onLocalChange([]string{""})
}

// recentlyModified reports whether path was edited locally within
// RecentWindow and after the last remote sync
func (b *Binding) recentlyModified(path string) bool {
	at := b.mirror.ModifiedAt(path)
	if at.IsZero() {
		return false
	}
	return time.Since(at) < RecentWindow && at.After(b.lastRemoteSync)
}

func touches(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// readMeta decodes the metadata stored in doc, missing fields stay zero
func readMeta(doc crdt.IDocument) ChangeMetadata {
	var meta ChangeMetadata
	raw, ok := doc.Get(MetaKey)
	if !ok {
		return meta
	}
	rec, ok := raw.(map[string]any)
	if !ok {
		return meta
	}
	if s, ok := rec["source"].(string); ok {
		meta.Source = Source(s)
	}
	if ts, ok := rec["timestamp"].(float64); ok {
		meta.Timestamp = int64(ts)
	}
	if id, ok := rec["clientId"].(string); ok {
		meta.ClientID = id
	}
	return meta
}
