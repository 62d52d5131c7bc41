package client

import (
	"github.com/ValentinKolb/dSync/lib/awareness"
	"github.com/ValentinKolb/dSync/lib/crdt/deepdoc"
	"github.com/ValentinKolb/dSync/lib/reactor"
	"github.com/ValentinKolb/dSync/lib/reconcile"
	"github.com/ValentinKolb/dSync/provider/common"
)

// SessionOptions configure a session
type SessionOptions struct {
	Options

	// Initial is the mirror value used until the room delivers a state
	Initial any
	// MaxDepth bounds merge recursion (default reconcile.DefaultMaxDepth)
	MaxDepth int
}

// Session assembles everything needed to edit one room: a document, its
// awareness store, a provider and a reconcile binding, all driven by the
// same reactor
type Session struct {
	exec     *reactor.Reactor
	doc      *deepdoc.Document
	aw       *awareness.Awareness
	provider *Provider
	binding  *reconcile.Binding
}

// NewSession creates a session for config.Room. Call Connect to go online.
func NewSession(config common.ProviderConfig, opts SessionOptions) (*Session, error) {
	if config.ClientID == "" {
		config.ClientID = common.NewClientID()
	}
	exec := reactor.New("session/" + config.Room)
	opts.Reactor = exec

	doc := deepdoc.New(config.ClientID)
	aw := awareness.New(config.ClientID)

	provider, err := NewProvider(config, doc, aw, opts.Options)
	if err != nil {
		exec.Close()
		return nil, err
	}

	binding, err := reconcile.NewBinding(doc, exec, reconcile.BindingOptions{
		ClientID: config.ClientID,
		Initial:  opts.Initial,
		MaxDepth: opts.MaxDepth,
	})
	if err != nil {
		provider.Destroy()
		exec.Close()
		return nil, err
	}

	return &Session{
		exec:     exec,
		doc:      doc,
		aw:       aw,
		provider: provider,
		binding:  binding,
	}, nil
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

func (s *Session) Connect() error {
	return s.provider.Connect()
}

func (s *Session) Disconnect() error {
	return s.provider.Disconnect()
}

func (s *Session) Status() common.SyncStatus {
	return s.provider.Status()
}

// On registers a listener for provider events
func (s *Session) On(fn common.Listener) func() {
	return s.provider.On(fn)
}

// Resync asks all peers for their state and re-applies the document to the
// mirror. force skips the staleness check.
func (s *Session) Resync(force bool) error {
	if err := s.provider.Resync(); err != nil {
		return err
	}
	return s.binding.Resync(force)
}

// Close disconnects and releases the session
func (s *Session) Close() {
	s.binding.Close()
	s.provider.Destroy()
	s.exec.Close()
}

// --------------------------------------------------------------------------
// Mirror
// --------------------------------------------------------------------------

func (s *Session) Get(path string) (any, bool) {
	return s.binding.Get(path)
}

func (s *Session) Set(path string, value any) error {
	return s.binding.Set(path, value)
}

func (s *Session) Delete(path string) (bool, error) {
	return s.binding.Delete(path)
}

func (s *Session) Update(fn func(root any) any) error {
	return s.binding.Update(fn)
}

func (s *Session) Snapshot() any {
	return s.binding.Snapshot()
}

// OnRemoteChange registers fn for every remote change merged into the mirror.
// fn runs on the session's reactor and must not call blocking session methods.
func (s *Session) OnRemoteChange(fn func(snapshot any)) func() {
	return s.binding.OnRemoteChange(fn)
}

func (s *Session) Stats() reconcile.Stats {
	return s.binding.Stats()
}

// --------------------------------------------------------------------------
// Presence
// --------------------------------------------------------------------------

// SetPresence replaces the local awareness state
func (s *Session) SetPresence(state map[string]any) {
	s.aw.SetLocalState(state)
}

// SetPresenceField sets one field of the local awareness state
func (s *Session) SetPresenceField(field string, value any) {
	s.aw.SetLocalStateField(field, value)
}

// Presence returns the awareness states of all known clients, the local one
// included
func (s *Session) Presence() map[string]any {
	return s.aw.States()
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

func (s *Session) ClientID() string {
	return s.doc.ClientID()
}

func (s *Session) Provider() *Provider {
	return s.provider
}
