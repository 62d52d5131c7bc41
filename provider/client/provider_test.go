package client

import (
	"context"
	"errors"
	"net/url"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/awareness"
	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/crdt/deepdoc"
	"github.com/ValentinKolb/dSync/lib/wire"
	"github.com/ValentinKolb/dSync/provider/bus"
	"github.com/ValentinKolb/dSync/provider/common"
	"github.com/ValentinKolb/dSync/provider/protocol"
	"github.com/ValentinKolb/dSync/provider/relay"
	"github.com/ValentinKolb/dSync/provider/transport"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func testConfig(endpoints ...string) common.ProviderConfig {
	config := common.DefaultProviderConfig()
	config.Endpoints = endpoints
	config.Room = "doc"
	config.InitialBackoff = time.Millisecond
	config.MaxBackoff = 4 * time.Millisecond
	config.MessageTimeout = 2 * time.Second
	return config
}

type testProvider struct {
	*Provider
	doc    *deepdoc.Document
	aw     *awareness.Awareness
	events chan common.Event
}

func newTestProvider(t *testing.T, id string, config common.ProviderConfig, opts Options) *testProvider {
	t.Helper()
	doc := deepdoc.New(id)
	aw := awareness.New(id)
	p, err := NewProvider(config, doc, aw, opts)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	t.Cleanup(p.Destroy)

	events := make(chan common.Event, 1024)
	p.On(func(ev common.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	return &testProvider{Provider: p, doc: doc, aw: aw, events: events}
}

func (p *testProvider) set(key string, value any) {
	p.doc.Transact(nil, func(tx crdt.Txn) { tx.Set(key, value) })
}

// waitFor returns the first event matching match
func (p *testProvider) waitFor(t *testing.T, what string, match func(common.Event) bool) common.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-p.events:
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s", what)
			return common.Event{}
		}
	}
}

func eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", msg)
}

func newHub(t *testing.T) *relay.Hub {
	t.Helper()
	h, err := relay.NewHub(common.RelayConfig{})
	if err != nil {
		t.Fatalf("NewHub failed: %v", err)
	}
	t.Cleanup(h.Close)
	return h
}

// serverConnector hands the server end of every dialed pipe to the test
func serverConnector(dials *atomic.Int32) (transport.IConnector, chan transport.IConn) {
	servers := make(chan transport.IConn, 16)
	return transport.ConnectorFunc(func(ctx context.Context, _ string) (transport.IConn, error) {
		dials.Add(1)
		client, server := transport.NewPipe()
		servers <- server
		return client, nil
	}), servers
}

func messageType(t *testing.T, frame []byte) protocol.MessageType {
	t.Helper()
	tag, err := wire.NewDecoder(frame).ReadVarUint()
	if err != nil {
		t.Fatalf("Invalid frame: %v", err)
	}
	return protocol.MessageType(tag)
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestBackoffAndGiveUp(t *testing.T) {
	var dials atomic.Int32
	failing := transport.ConnectorFunc(func(ctx context.Context, _ string) (transport.IConn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	})

	p := newTestProvider(t, "a", testConfig("ws://relay"), Options{Connector: failing})

	var mu sync.Mutex
	var delays []time.Duration
	p.scheduleHook = func(attempt int, delay time.Duration) {
		mu.Lock()
		delays = append(delays, delay)
		mu.Unlock()
	}

	if err := p.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ev := p.waitFor(t, "terminal connection-close", func(ev common.Event) bool {
		return ev.Type == common.EventConnectionClose && ev.Terminal
	})
	if kind, ok := common.KindOf(ev.Err); !ok || kind != common.ErrKindTransport {
		t.Errorf("Expected a transport error, got %v", ev.Err)
	}

	// no further attempt after giving up
	time.Sleep(50 * time.Millisecond)
	if n := dials.Load(); n != 6 {
		t.Errorf("Expected 1 dial plus 5 reconnects, got %d dials", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 5 {
		t.Fatalf("Expected 5 scheduled reconnects, got %v", delays)
	}
	// min(MaxBackoff, InitialBackoff * 2^(n-1))
	expected := []time.Duration{
		time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
	}
	if !reflect.DeepEqual(delays, expected) {
		t.Errorf("Expected delays %v, got %v", expected, delays)
	}
	if p.Status().Status != common.StatusDisconnected {
		t.Errorf("Expected provider to stay disconnected")
	}

	// an explicit connect starts over
	if err := p.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	eventually(t, "a new dial", func() bool { return dials.Load() > 6 })
}

func TestSyncThroughRelay(t *testing.T) {
	hub := newHub(t)
	config := testConfig("ws://relay")

	a := newTestProvider(t, "a", config, Options{Connector: hub.Connector()})
	b := newTestProvider(t, "b", config, Options{Connector: hub.Connector()})

	a.set("before", 1)
	_ = a.Connect()
	_ = b.Connect()

	a.waitFor(t, "a to be synced", func(ev common.Event) bool { return ev.Type == common.EventSync && ev.Synced })
	eventually(t, "b to receive state from before the connect", func() bool {
		_, ok := b.doc.Get("before")
		return ok
	})

	b.set("after", "b")
	eventually(t, "a to receive b's update", func() bool {
		v, ok := a.doc.Get("after")
		return ok && v == "b"
	})

	eventually(t, "peers to see each other", func() bool {
		return reflect.DeepEqual(a.Status().Peers, []string{"b"}) && reflect.DeepEqual(b.Status().Peers, []string{"a"})
	})

	s := a.Status()
	if !s.Connected || !s.Synced || s.LastSyncTime.IsZero() || s.Endpoint != "ws://relay" {
		t.Errorf("Unexpected status %+v", s)
	}

	// an explicit disconnect stops everything and drops the peers
	if err := a.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	s = a.Status()
	if s.Connected || s.Synced || len(a.aw.Peers()) != 0 {
		t.Errorf("Expected a clean disconnect, got %+v", s)
	}
	eventually(t, "b to see a leave", func() bool { return len(b.Status().Peers) == 0 })
}

func TestBusSync(t *testing.T) {
	registry := bus.NewRegistry()
	var dials atomic.Int32
	failing := transport.ConnectorFunc(func(ctx context.Context, _ string) (transport.IConn, error) {
		dials.Add(1)
		return nil, errors.New("offline")
	})

	config := testConfig("ws://relay")
	config.MaxReconnectAttempts = 0
	opts := Options{Connector: failing, Registry: registry}

	a := newTestProvider(t, "a", config, opts)
	a.set("before", "a")
	_ = a.Connect()

	b := newTestProvider(t, "b", config, opts)
	_ = b.Connect()

	eventually(t, "b to receive a's state over the bus", func() bool {
		v, ok := b.doc.Get("before")
		return ok && v == "a"
	})

	b.set("after", "b")
	eventually(t, "a to receive b's update over the bus", func() bool {
		v, ok := a.doc.Get("after")
		return ok && v == "b"
	})
	eventually(t, "peers over the bus", func() bool {
		return reflect.DeepEqual(a.Status().Peers, []string{"b"})
	})

	s := a.Status()
	if !s.BusConnected || s.Synced {
		t.Errorf("Bus sync must not mark the socket as synced, got %+v", s)
	}

	// leaving the bus announces the removal
	_ = b.DisconnectBus()
	eventually(t, "a to see b leave", func() bool { return len(a.Status().Peers) == 0 })
	if registry.Members(config.ChannelFor("ws://relay")) != 1 {
		t.Errorf("Expected one member left on the channel")
	}
}

func TestBusChannelIsolation(t *testing.T) {
	registry := bus.NewRegistry()
	failing := transport.ConnectorFunc(func(ctx context.Context, _ string) (transport.IConn, error) {
		return nil, errors.New("offline")
	})

	one := testConfig("ws://relay")
	one.MaxReconnectAttempts = 0
	two := one
	two.Room = "other"

	a := newTestProvider(t, "a", one, Options{Connector: failing, Registry: registry})
	b := newTestProvider(t, "b", two, Options{Connector: failing, Registry: registry})
	c := newTestProvider(t, "c", one, Options{Connector: failing, Registry: registry})
	_ = a.Connect()
	_ = b.Connect()
	_ = c.Connect()

	a.set("k", "v")
	eventually(t, "c to see a", func() bool {
		_, ok := c.doc.Get("k")
		return ok
	})
	if _, ok := b.doc.Get("k"); ok {
		t.Errorf("Update crossed into another channel")
	}
}

func TestReplyChannelIsolation(t *testing.T) {
	var dials atomic.Int32
	connector, servers := serverConnector(&dials)
	registry := bus.NewRegistry()

	p := newTestProvider(t, "a", testConfig("ws://relay"), Options{Connector: connector, Registry: registry})
	_ = p.Connect()

	var server transport.IConn
	select {
	case server = <-servers:
	case <-time.After(3 * time.Second):
		t.Fatalf("Provider did not dial")
	}

	// the provider opens with step 1 and its awareness state
	for _, expected := range []protocol.MessageType{protocol.MessageSync, protocol.MessageAwareness} {
		msg, err := server.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if got := messageType(t, msg); got != expected {
			t.Fatalf("Expected %s, got %s", expected, got)
		}
	}

	busFrames := make(chan []byte, 16)
	member := registry.Join(p.config.ChannelFor("ws://relay"), func(data []byte) { busFrames <- data })
	defer member.Leave()

	member.Post(protocol.EncodeQueryAwareness())

	select {
	case frame := <-busFrames:
		if got := messageType(t, frame); got != protocol.MessageAwareness {
			t.Errorf("Expected awareness reply on the bus, got %s", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("No reply on the bus")
	}

	// nothing must show up on the socket
	received := make(chan []byte, 1)
	go func() {
		if msg, err := server.ReadMessage(); err == nil {
			received <- msg
		}
	}()
	select {
	case msg := <-received:
		t.Errorf("Bus query was answered on the socket: %v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFramingErrorKeepsConnection(t *testing.T) {
	var dials atomic.Int32
	connector, servers := serverConnector(&dials)

	p := newTestProvider(t, "a", testConfig("ws://relay"), Options{Connector: connector})
	_ = p.Connect()
	server := <-servers

	_ = server.WriteMessage([]byte{0x00, 0x02, 0x05, 0x01}) // update with a truncated payload
	ev := p.waitFor(t, "error event", func(ev common.Event) bool { return ev.Type == common.EventError })
	if kind, _ := common.KindOf(ev.Err); kind != common.ErrKindFraming {
		t.Errorf("Expected framing error, got %v", ev.Err)
	}

	time.Sleep(20 * time.Millisecond)
	if !p.Status().Connected || dials.Load() != 1 {
		t.Errorf("A framing error must not tear down the connection")
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	var dials atomic.Int32
	connector, servers := serverConnector(&dials)

	config := testConfig("ws://relay")
	config.MessageTimeout = 100 * time.Millisecond
	p := newTestProvider(t, "a", config, Options{Connector: connector})
	_ = p.Connect()

	// the server never answers
	<-servers

	ev := p.waitFor(t, "heartbeat timeout", func(ev common.Event) bool {
		return ev.Type == common.EventConnectionError
	})
	if kind, _ := common.KindOf(ev.Err); kind != common.ErrKindTimeout {
		t.Errorf("Expected timeout error, got %v", ev.Err)
	}

	select {
	case <-servers:
	case <-time.After(3 * time.Second):
		t.Fatalf("Expected a reconnect after the heartbeat timeout")
	}
	if dials.Load() < 2 {
		t.Errorf("Expected at least 2 dials, got %d", dials.Load())
	}
}

func TestDestroyStopsReconnects(t *testing.T) {
	var dials atomic.Int32
	failing := transport.ConnectorFunc(func(ctx context.Context, _ string) (transport.IConn, error) {
		dials.Add(1)
		return nil, errors.New("offline")
	})

	config := testConfig("ws://relay")
	config.InitialBackoff = 20 * time.Millisecond
	config.MaxBackoff = 20 * time.Millisecond

	p := newTestProvider(t, "a", config, Options{Connector: failing})
	_ = p.Connect()
	eventually(t, "first dial", func() bool { return dials.Load() >= 1 })

	p.Destroy()
	n := dials.Load()
	time.Sleep(100 * time.Millisecond)
	if dials.Load() != n {
		t.Errorf("A destroyed provider must not reconnect (%d -> %d dials)", n, dials.Load())
	}
	if err := p.Connect(); err == nil {
		t.Errorf("Expected Connect on a destroyed provider to fail")
	}
}

// --------------------------------------------------------------------------
// Failover
// --------------------------------------------------------------------------

type fakeProber map[string]time.Duration

func (f fakeProber) Probe(ctx context.Context, endpoint string) (time.Duration, error) {
	latency, ok := f[endpoint]
	if !ok {
		return 0, errors.New("unreachable")
	}
	return latency, nil
}

// hubConnector routes dials to the hub named by the url host
func hubConnector(hubs map[string]*relay.Hub) transport.IConnector {
	return transport.ConnectorFunc(func(ctx context.Context, rawURL string) (transport.IConn, error) {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, err
		}
		hub, ok := hubs[u.Host]
		if !ok {
			return nil, errors.New("no such relay")
		}
		return hub.Connector().Dial(ctx, rawURL)
	})
}

func TestFailoverSwitchesToFastestEndpoint(t *testing.T) {
	hubs := map[string]*relay.Hub{"slow": newHub(t), "fast": newHub(t)}
	config := testConfig("ws://slow", "ws://fast", "ws://down")
	config.LatencyThreshold = 100 * time.Millisecond

	p := newTestProvider(t, "a", config, Options{
		Connector: hubConnector(hubs),
		Prober:    fakeProber{"ws://slow": 50 * time.Millisecond, "ws://fast": time.Millisecond},
	})
	_ = p.Connect()
	p.waitFor(t, "sync with the first endpoint", func(ev common.Event) bool { return ev.Type == common.EventSync && ev.Synced })

	if err := p.CheckHealth(); err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	eventually(t, "switch to the fast endpoint", func() bool {
		s := p.Status()
		return s.Endpoint == "ws://fast" && s.Synced
	})
	eventually(t, "the slow relay to lose the connection", func() bool {
		return hubs["slow"].Connections("doc") == 0 && hubs["fast"].Connections("doc") == 1
	})

	latencies := p.Latencies()
	if latencies["ws://fast"] != time.Millisecond {
		t.Errorf("Expected recorded latency for fast, got %v", latencies)
	}
	if _, ok := latencies["ws://down"]; ok {
		t.Errorf("Unreachable endpoints must have no latency")
	}
}

func TestFailoverIgnoresEndpointsAboveThreshold(t *testing.T) {
	config := testConfig("ws://a", "ws://b")
	config.LatencyThreshold = 10 * time.Millisecond

	p := newTestProvider(t, "a", config, Options{
		Connector: hubConnector(map[string]*relay.Hub{}),
		Prober:    fakeProber{"ws://a": time.Second, "ws://b": 500 * time.Millisecond},
	})

	_ = p.CheckHealth()
	eventually(t, "latency results", func() bool { return len(p.Latencies()) == 2 })
	if ep := p.Status().Endpoint; ep != "ws://a" {
		t.Errorf("Expected to stay on ws://a, got %s", ep)
	}
}

func TestSwitchWithoutConnection(t *testing.T) {
	var dials atomic.Int32
	connector, _ := serverConnector(&dials)

	p := newTestProvider(t, "a", testConfig("ws://a", "ws://b", "ws://c"), Options{
		Connector: connector,
		Prober:    fakeProber{"ws://b": time.Millisecond},
	})

	next, err := p.SwitchToNextServer()
	if err != nil || next != "ws://b" {
		t.Fatalf("Expected ws://b, got %s (%v)", next, err)
	}
	_, _ = p.SwitchToNextServer()
	next, _ = p.SwitchToNextServer()
	if next != "ws://a" {
		t.Errorf("Expected round robin back to ws://a, got %s", next)
	}

	// the health check switches as well but never connects on its own
	_ = p.CheckHealth()
	eventually(t, "switch to ws://b", func() bool { return p.Status().Endpoint == "ws://b" })
	time.Sleep(20 * time.Millisecond)
	if dials.Load() != 0 {
		t.Errorf("A disconnected provider must not dial after a switch")
	}
}
