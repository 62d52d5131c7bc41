package client

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/awareness"
	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/reactor"
	"github.com/ValentinKolb/dSync/provider/bus"
	"github.com/ValentinKolb/dSync/provider/common"
	"github.com/ValentinKolb/dSync/provider/protocol"
	"github.com/ValentinKolb/dSync/provider/transport"
	"github.com/ValentinKolb/dSync/provider/transport/ws"
	"github.com/cenkalti/backoff"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
)

var Logger = logger.GetLogger("provider")

// sendBuffer is the number of frames queued per socket before the connection
// is considered stuck and closed
const sendBuffer = 256

var errSendBufferFull = errors.New("send buffer full")

// Options are the collaborators of a provider. Zero values select defaults.
type Options struct {
	// Connector dials the endpoints (default: websocket)
	Connector transport.IConnector
	// Registry is the broadcast bus to join (default: none)
	Registry *bus.Registry
	// Prober measures endpoint latency for failover (default: http /health)
	Prober IProber
	// Reactor runs the provider's tasks (default: a private reactor). Share it
	// with other components that own state of the same document.
	Reactor *reactor.Reactor
}

// Provider keeps a document in sync with its peers over a socket to a relay
// and over the same-host broadcast bus. All mutable state below is owned by
// the reactor, public methods hand work to it.
type Provider struct {
	config    common.ProviderConfig
	doc       crdt.IDocument
	aw        *awareness.Awareness
	connector transport.IConnector
	registry  *bus.Registry
	prober    IProber
	exec      *reactor.Reactor
	ownsExec  bool
	events    *common.Emitter
	handler   protocol.Handler

	// connection state
	status        common.Status
	shouldConnect bool
	synced        bool
	lastSync      time.Time
	lastMessage   time.Time
	generation    uint64
	sock          *socket
	cancelDial    context.CancelFunc

	// reconnect state
	attempts       int
	backoff        *backoff.ExponentialBackOff
	reconnectTimer *time.Timer
	scheduleHook   func(attempt int, delay time.Duration)

	// recurring timers, nil while stopped
	heartbeat *ticker
	resync    *ticker
	health    *ticker

	// failover
	endpointIdx int
	probing     bool
	latency     map[string]gometrics.Histogram

	member    *bus.Member
	peers     []string
	destroyed bool

	unsubscribe []func()
}

// NewProvider creates a provider for doc and its awareness store. The
// provider does not connect until Connect is called.
func NewProvider(config common.ProviderConfig, doc crdt.IDocument, aw *awareness.Awareness, opts Options) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.ClientID == "" {
		config.ClientID = doc.ClientID()
	}

	p := &Provider{
		config:    config,
		doc:       doc,
		aw:        aw,
		connector: opts.Connector,
		registry:  opts.Registry,
		prober:    opts.Prober,
		exec:      opts.Reactor,
		events:    common.NewEmitter("provider/" + config.Room),
		status:    common.StatusDisconnected,
		latency:   make(map[string]gometrics.Histogram),
	}
	if p.connector == nil {
		p.connector = ws.NewConnector(config.MessageTimeout, config.MessageTimeout, nil)
	}
	if p.prober == nil {
		p.prober = NewHTTPProber()
	}
	if p.exec == nil {
		p.exec = reactor.New("provider/" + config.Room)
		p.ownsExec = true
	}
	p.handler = protocol.Handler{Doc: doc, Awareness: aw, Origin: p}

	p.backoff = backoff.NewExponentialBackOff()
	p.backoff.InitialInterval = config.InitialBackoff
	p.backoff.MaxInterval = config.MaxBackoff
	p.backoff.Multiplier = 2
	p.backoff.RandomizationFactor = 0
	p.backoff.MaxElapsedTime = 0
	p.backoff.Reset()

	for _, ep := range config.Endpoints {
		p.latency[ep] = gometrics.NewHistogram(gometrics.NewUniformSample(16))
	}

	p.unsubscribe = append(p.unsubscribe,
		doc.OnUpdate(p.onDocUpdate),
		aw.Observe(p.onAwarenessChange),
	)

	Logger.Infof("created provider for room %s", config.Room)
	Logger.Debugf(config.String())
	return p, nil
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// On registers a listener for provider events
func (p *Provider) On(fn common.Listener) func() {
	return p.events.On(fn)
}

// Connect starts (or restarts) connecting to the active endpoint and joins the
// broadcast bus. It is a no-op for a connection that is already up.
func (p *Provider) Connect() error {
	return p.do(func() {
		if p.destroyed {
			return
		}
		p.shouldConnect = true
		p.startTimers()
		p.connectBus()
		if p.status == common.StatusDisconnected {
			// an explicit connect starts a fresh reconnect cycle
			p.attempts = 0
			p.backoff.Reset()
			p.cancelReconnect()
			p.connectSocket()
		}
	})
}

// Disconnect leaves the broadcast bus, closes the socket and stops all timers.
// No reconnect happens until Connect is called again.
func (p *Provider) Disconnect() error {
	return p.do(p.disconnect)
}

// Destroy disconnects and detaches the provider from its document
func (p *Provider) Destroy() {
	_ = p.do(func() {
		if p.destroyed {
			return
		}
		p.disconnect()
		p.destroyed = true
		for _, fn := range p.unsubscribe {
			fn()
		}
		p.unsubscribe = nil
	})
	p.events.Close()
	if p.ownsExec {
		p.exec.Close()
	}
}

// ConnectBus joins the broadcast bus without touching the socket
func (p *Provider) ConnectBus() error {
	return p.do(p.connectBus)
}

// DisconnectBus leaves the broadcast bus without touching the socket
func (p *Provider) DisconnectBus() error {
	return p.do(p.disconnectBus)
}

// Status returns a snapshot of the connection state
func (p *Provider) Status() common.SyncStatus {
	var s common.SyncStatus
	_ = p.do(func() {
		s = common.SyncStatus{
			Status:       p.status,
			Connected:    p.status == common.StatusConnected,
			Synced:       p.synced,
			LastSyncTime: p.lastSync,
			Peers:        append([]string(nil), p.peers...),
			Endpoint:     p.endpoint(),
			BusConnected: p.member != nil,
		}
	})
	return s
}

// Resync sends sync step 1 to every connected channel
func (p *Provider) Resync() error {
	return p.do(func() {
		step1 := protocol.EncodeSyncStep1(p.doc)
		p.sendSocket(step1)
		p.postBus(step1)
	})
}

// --------------------------------------------------------------------------
// Helper Methods (run on the reactor)
// --------------------------------------------------------------------------

// do runs fn on the reactor and fails if the provider's reactor is gone
func (p *Provider) do(fn func()) error {
	if err := p.exec.Do(fn); err != nil {
		return fmt.Errorf("provider for room %s is closed: %w", p.config.Room, err)
	}
	return nil
}

func (p *Provider) endpoint() string {
	return p.config.Endpoints[p.endpointIdx]
}

func (p *Provider) emit(ev common.Event) {
	p.events.Emit(ev)
}

func (p *Provider) setStatus(s common.Status) {
	if p.status == s {
		return
	}
	p.status = s
	Logger.Debugf("%s: status %s", p.config.Room, s)
	p.emit(common.Event{Type: common.EventStatus, Status: s, Endpoint: p.endpoint()})
}

func (p *Provider) setSynced(synced bool) {
	if synced {
		p.lastSync = time.Now()
	}
	if p.synced == synced {
		return
	}
	p.synced = synced
	p.emit(common.Event{Type: common.EventSync, Synced: synced})
}

func (p *Provider) disconnect() {
	p.shouldConnect = false
	p.stopTimers()
	p.cancelReconnect()
	p.disconnectBus()
	if p.cancelDial != nil {
		p.cancelDial()
		p.cancelDial = nil
	}
	p.dropSocket(nil)
}

// --------------------------------------------------------------------------
// Socket lifecycle
// --------------------------------------------------------------------------

// connectSocket starts dialing the active endpoint. The dial runs on its own
// goroutine and reports back through the reactor.
func (p *Provider) connectSocket() {
	if p.status != common.StatusDisconnected || !p.shouldConnect {
		return
	}
	p.generation++
	gen := p.generation
	p.setStatus(common.StatusConnecting)

	url := common.BuildURL(p.endpoint(), p.config.Room, p.config.Params)
	ctx, cancel := context.WithTimeout(context.Background(), p.config.MessageTimeout)
	p.cancelDial = cancel

	Logger.Debugf("%s: dialing %s using %s transport", p.config.Room, url, p.connector.GetName())
	go func() {
		conn, err := p.connector.Dial(ctx, url)
		cancel()
		if !p.exec.Post(func() { p.onDialed(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (p *Provider) onDialed(gen uint64, conn transport.IConn, err error) {
	if gen != p.generation {
		// superseded by a disconnect or a newer attempt
		if conn != nil {
			conn.Close()
		}
		return
	}
	p.cancelDial = nil

	if err != nil {
		dialFailures.Inc()
		Logger.Warningf("%s: failed to connect to %s: %v", p.config.Room, p.endpoint(), err)
		p.emit(common.Event{
			Type:     common.EventConnectionError,
			Endpoint: p.endpoint(),
			Err:      common.NewError(common.ErrKindTransport, "dial "+p.endpoint(), err),
		})
		p.onSocketClosed(gen, err)
		return
	}

	p.sock = newSocket(p, gen, conn)
	p.lastMessage = time.Now()
	p.attempts = 0
	p.backoff.Reset()
	p.setStatus(common.StatusConnected)
	Logger.Infof("%s: connected to %s", p.config.Room, p.endpoint())

	p.sendSocket(protocol.EncodeSyncStep1(p.doc))
	if p.aw.LocalState() != nil {
		p.sendSocket(protocol.EncodeAwareness(p.aw.EncodeUpdate([]string{p.aw.ClientID()})))
	}
}

// onSocketClosed handles the loss of the socket of generation gen and
// schedules a reconnect while attempts are left
func (p *Provider) onSocketClosed(gen uint64, cause error) {
	if gen != p.generation {
		return
	}
	if p.sock != nil && cause != nil {
		Logger.Infof("%s: connection to %s closed: %v", p.config.Room, p.endpoint(), cause)
	}
	p.dropSocket(cause)

	if !p.shouldConnect {
		return
	}
	if p.attempts >= p.config.MaxReconnectAttempts {
		Logger.Warningf("%s: giving up after %d reconnect attempts", p.config.Room, p.attempts)
		p.shouldConnect = false
		p.emit(common.Event{
			Type:     common.EventConnectionClose,
			Endpoint: p.endpoint(),
			Err:      common.NewError(common.ErrKindTransport, "reconnect", cause),
			Terminal: true,
		})
		return
	}

	p.attempts++
	delay := p.backoff.NextBackOff()
	if p.scheduleHook != nil {
		p.scheduleHook(p.attempts, delay)
	}
	Logger.Debugf("%s: reconnect attempt %d/%d in %s", p.config.Room, p.attempts, p.config.MaxReconnectAttempts, delay)

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		p.exec.Post(func() {
			// a cancelled or replaced timer must not revive the provider
			if p.reconnectTimer != timer {
				return
			}
			p.reconnectTimer = nil
			reconnects.Inc()
			p.connectSocket()
		})
	})
	p.reconnectTimer = timer
}

// dropSocket closes the current socket (if any) and moves to disconnected
func (p *Provider) dropSocket(cause error) {
	p.generation++
	wasConnected := p.status == common.StatusConnected

	if p.sock != nil {
		p.sock.close()
		p.sock = nil
	}
	if p.status == common.StatusDisconnected {
		return
	}

	p.setStatus(common.StatusDisconnected)
	p.setSynced(false)
	if wasConnected {
		// peers known through the relay are no longer visible
		p.removeRemoteAwareness()
		p.emit(common.Event{
			Type:     common.EventConnectionClose,
			Endpoint: p.endpoint(),
			Err:      cause,
		})
	}
}

func (p *Provider) cancelReconnect() {
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}
}

// removeRemoteAwareness forgets every peer, peers still reachable over the bus
// reappear with their next renewal
func (p *Provider) removeRemoteAwareness() {
	if peers := p.aw.Peers(); len(peers) > 0 {
		p.aw.RemoveStates(peers, p)
	}
}

// --------------------------------------------------------------------------
// Message dispatch
// --------------------------------------------------------------------------

// handleFrame dispatches one frame received over channel via (socket or bus)
func (p *Provider) handleFrame(frame []byte, via string) {
	framesReceived(via).Inc()

	res, err := p.handler.Handle(frame)
	if err != nil {
		if kind, _ := common.KindOf(err); kind == common.ErrKindFraming {
			framingErrors.Inc()
		}
		Logger.Warningf("%s: dropped %s frame from %s: %v", p.config.Room, res.Type, via, err)
		p.emit(common.Event{Type: common.EventError, Err: err})
		return
	}

	if res.Reply != nil {
		// replies never cross from one channel to the other
		if via == viaSocket {
			p.sendSocket(res.Reply)
		} else {
			p.postBus(res.Reply)
		}
	}

	if res.AppliedStep2 && via == viaSocket {
		p.setSynced(true)
	}

	if res.Denied {
		Logger.Warningf("%s: permission denied: %s", p.config.Room, res.Reason)
		p.emit(common.Event{
			Type: common.EventError,
			Err:  common.NewError(common.ErrKindAuth, "permission denied", errors.New(res.Reason)),
		})
	}
}

func (p *Provider) sendSocket(frame []byte) {
	if p.sock == nil || p.status != common.StatusConnected {
		return
	}
	if !p.sock.send(frame) {
		gen := p.sock.gen
		p.exec.Post(func() { p.onSocketClosed(gen, errSendBufferFull) })
		return
	}
	framesSent(viaSocket).Inc()
}

func (p *Provider) postBus(frame []byte) {
	if p.member == nil {
		return
	}
	if p.member.Post(frame) > 0 {
		framesSent(viaBus).Inc()
	}
}

func (p *Provider) broadcast(frame []byte) {
	p.sendSocket(frame)
	p.postBus(frame)
}

// onDocUpdate forwards every update that was not received by this provider
func (p *Provider) onDocUpdate(update []byte, origin any) {
	if origin == p {
		return
	}
	frame := protocol.EncodeUpdate(update)
	p.exec.Post(func() { p.broadcast(frame) })
}

// onAwarenessChange recomputes the peer set and forwards local changes
func (p *Provider) onAwarenessChange(change awareness.Change, origin any) {
	p.exec.Post(func() {
		if p.destroyed {
			return
		}
		if origin != p {
			p.broadcast(protocol.EncodeAwareness(p.aw.EncodeUpdate(change.All())))
		}
		peers := p.aw.Peers()
		if !reflect.DeepEqual(peers, p.peers) && !(len(peers) == 0 && len(p.peers) == 0) {
			p.peers = peers
			p.emit(common.Event{Type: common.EventPeers, Peers: append([]string(nil), peers...)})
		}
	})
}

// --------------------------------------------------------------------------
// Broadcast bus
// --------------------------------------------------------------------------

func (p *Provider) connectBus() {
	if p.registry == nil || p.config.DisableBroadcast || p.member != nil {
		return
	}

	var m *bus.Member
	m = p.registry.Join(p.config.ChannelFor(p.endpoint()), func(data []byte) {
		p.exec.Post(func() {
			if p.member != m {
				return
			}
			p.handleFrame(data, viaBus)
		})
	})
	p.member = m
	Logger.Debugf("%s: joined broadcast channel %s", p.config.Room, m.Channel())

	step2, err := protocol.EncodeSyncStep2(p.doc, nil)
	if err != nil {
		Logger.Errorf("%s: failed to encode document state: %v", p.config.Room, err)
	}
	p.postBus(protocol.EncodeSyncStep1(p.doc))
	if step2 != nil {
		p.postBus(step2)
	}
	p.postBus(protocol.EncodeQueryAwareness())
	if p.aw.LocalState() != nil {
		p.postBus(protocol.EncodeAwareness(p.aw.EncodeUpdate([]string{p.aw.ClientID()})))
	}
}

func (p *Provider) disconnectBus() {
	if p.member == nil {
		return
	}
	// announce that we are gone before leaving
	p.postBus(protocol.EncodeAwareness(p.aw.EncodeRemoval([]string{p.aw.ClientID()})))
	p.member.Leave()
	Logger.Debugf("%s: left broadcast channel %s", p.config.Room, p.member.Channel())
	p.member = nil
}

// --------------------------------------------------------------------------
// Timers
// --------------------------------------------------------------------------

func (p *Provider) startTimers() {
	if p.heartbeat == nil {
		p.heartbeat = startTicker(p.exec, p.config.MessageTimeout/10, p.checkHeartbeat)
	}
	if p.resync == nil && p.config.ResyncInterval > 0 {
		p.resync = startTicker(p.exec, p.config.ResyncInterval, func() {
			p.sendSocket(protocol.EncodeSyncStep1(p.doc))
		})
	}
	if p.health == nil && p.config.HealthCheckInterval > 0 && len(p.config.Endpoints) > 1 {
		p.health = startTicker(p.exec, p.config.HealthCheckInterval, p.checkHealth)
	}
}

func (p *Provider) stopTimers() {
	for _, t := range []**ticker{&p.heartbeat, &p.resync, &p.health} {
		if *t != nil {
			(*t).stop()
			*t = nil
		}
	}
}

// checkHeartbeat closes a connection that stayed silent for longer than the
// message timeout and maintains the awareness store
func (p *Provider) checkHeartbeat() {
	if p.status == common.StatusConnected && time.Since(p.lastMessage) > p.config.MessageTimeout {
		heartbeatTimeout.Inc()
		Logger.Warningf("%s: no message from %s for %s, reconnecting", p.config.Room, p.endpoint(), p.config.MessageTimeout)
		err := common.NewError(common.ErrKindTimeout, "heartbeat", fmt.Errorf("no message for %s", p.config.MessageTimeout))
		p.emit(common.Event{Type: common.EventConnectionError, Endpoint: p.endpoint(), Err: err})
		p.onSocketClosed(p.generation, err)
	}
	p.aw.Check(awareness.OutdatedTimeout)
}

// ticker posts fn to a reactor periodically. Once stop returned (on the
// reactor) fn is guaranteed not to run again.
type ticker struct {
	done chan struct{}
	once sync.Once
}

func startTicker(exec *reactor.Reactor, period time.Duration, fn func()) *ticker {
	t := &ticker{done: make(chan struct{})}
	go func() {
		tk := time.NewTicker(period)
		defer tk.Stop()
		for {
			select {
			case <-tk.C:
				exec.Post(func() {
					select {
					case <-t.done:
					default:
						fn()
					}
				})
			case <-t.done:
				return
			}
		}
	}()
	return t
}

func (t *ticker) stop() {
	t.once.Do(func() { close(t.done) })
}

// --------------------------------------------------------------------------
// Socket
// --------------------------------------------------------------------------

// socket owns one connection and its reader and writer goroutines
type socket struct {
	gen    uint64
	conn   transport.IConn
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newSocket(p *Provider, gen uint64, conn transport.IConn) *socket {
	s := &socket{
		gen:    gen,
		conn:   conn,
		out:    make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}

	// reader
	go func() {
		for {
			msg, err := conn.ReadMessage()
			if err != nil {
				p.exec.Post(func() { p.onSocketClosed(gen, err) })
				return
			}
			p.exec.Post(func() {
				if gen != p.generation {
					return
				}
				p.lastMessage = time.Now()
				p.handleFrame(msg, viaSocket)
			})
		}
	}()

	// writer
	go func() {
		for {
			select {
			case msg := <-s.out:
				if err := conn.WriteMessage(msg); err != nil {
					p.exec.Post(func() { p.onSocketClosed(gen, err) })
					return
				}
			case <-s.closed:
				return
			}
		}
	}()

	return s
}

// send queues a frame, returns false if the queue is full
func (s *socket) send(frame []byte) bool {
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

func (s *socket) close() {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}
