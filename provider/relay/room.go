package relay

import (
	"sort"
	"sync"

	"github.com/ValentinKolb/dSync/lib/awareness"
	"github.com/ValentinKolb/dSync/lib/crdt/deepdoc"
	"github.com/ValentinKolb/dSync/lib/reactor"
	"github.com/ValentinKolb/dSync/provider/common"
	"github.com/ValentinKolb/dSync/provider/protocol"
	"github.com/ValentinKolb/dSync/provider/transport"
)

// fromRedis tags updates received from another relay
var fromRedis = &struct{ name string }{"redis"}

// room is the state of one document on the relay. Everything but refs is
// owned by the room's reactor, refs is guarded by the hub's room map.
type room struct {
	name  string
	hub   *Hub
	exec  *reactor.Reactor
	doc   *deepdoc.Document
	aw    *awareness.Awareness
	conns map[*conn]struct{}
	refs  int

	unsubscribe []func()
}

func newRoom(h *Hub, name string) *room {
	r := &room{
		name:  name,
		hub:   h,
		exec:  reactor.New("relay/" + name),
		doc:   deepdoc.New(h.config.ServerID),
		aw:    awareness.New(h.config.ServerID),
		conns: make(map[*conn]struct{}),
	}
	// the relay itself has no presence
	r.aw.SetLocalState(nil)

	r.unsubscribe = append(r.unsubscribe,
		r.doc.OnUpdate(r.onDocUpdate),
		r.aw.Observe(r.onAwarenessChange),
	)
	return r
}

// --------------------------------------------------------------------------
// Connection lifecycle (run on the reactor)
// --------------------------------------------------------------------------

func (r *room) join(c *conn) {
	c.handler = protocol.Handler{Doc: r.doc, Awareness: r.aw, Origin: c}
	r.conns[c] = struct{}{}
	Logger.Debugf("%s: connection %d joined (%d connections)", r.name, c.id, len(r.conns))

	r.send(c, protocol.EncodeSyncStep1(r.doc))
	if clients := r.aw.Clients(); len(clients) > 0 {
		r.send(c, protocol.EncodeAwareness(r.aw.EncodeUpdate(clients)))
	}
}

func (r *room) handle(c *conn, frame []byte) {
	if _, ok := r.conns[c]; !ok {
		return
	}
	res, err := c.handler.Handle(frame)
	if err != nil {
		if kind, _ := common.KindOf(err); kind == common.ErrKindFraming {
			framingErrors.Inc()
		}
		Logger.Warningf("%s: dropped frame from connection %d: %v", r.name, c.id, err)
		return
	}
	if res.Reply != nil {
		r.send(c, res.Reply)
	}
}

// leave removes c and every awareness state it announced
func (r *room) leave(c *conn) {
	if _, ok := r.conns[c]; !ok {
		return
	}
	delete(r.conns, c)
	Logger.Debugf("%s: connection %d left (%d connections)", r.name, c.id, len(r.conns))

	if len(c.clients) > 0 {
		ids := make([]string, 0, len(c.clients))
		for id := range c.clients {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		r.aw.RemoveStates(ids, nil)
	}
}

func (r *room) closeConns() {
	for c := range r.conns {
		c.close()
	}
}

func (r *room) close() {
	for _, fn := range r.unsubscribe {
		fn()
	}
	r.exec.Close()
}

// send queues frame for c, a connection that can't keep up is dropped
func (r *room) send(c *conn, frame []byte) {
	if !c.send(frame) {
		slowConsumers.Inc()
		Logger.Warningf("%s: dropping slow connection %d", r.name, c.id)
		c.close()
		return
	}
	framesSent.Inc()
}

// --------------------------------------------------------------------------
// Document and awareness events
// --------------------------------------------------------------------------

// onDocUpdate forwards an update to all connections but the one it came from
func (r *room) onDocUpdate(update []byte, origin any) {
	frame := protocol.EncodeUpdate(update)
	for c := range r.conns {
		if c != origin {
			r.send(c, frame)
		}
	}
	if r.hub.redis != nil && origin != fromRedis {
		r.hub.redis.publish(r.name, update)
	}
}

// onAwarenessChange forwards a change to all connections. The sender gets its
// own change back, which keeps its connection from going silent.
func (r *room) onAwarenessChange(change awareness.Change, origin any) {
	if c, ok := origin.(*conn); ok {
		for _, id := range change.Added {
			c.clients[id] = struct{}{}
		}
		for _, id := range change.Updated {
			c.clients[id] = struct{}{}
		}
		for _, id := range change.Removed {
			delete(c.clients, id)
		}
	}

	frame := protocol.EncodeAwareness(r.aw.EncodeUpdate(change.All()))
	for c := range r.conns {
		r.send(c, frame)
	}
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// conn is one client connection. handler and clients are owned by the room's
// reactor.
type conn struct {
	id        uint64
	transport transport.IConn
	out       chan []byte
	done      chan struct{}
	once      sync.Once

	handler protocol.Handler
	clients map[string]struct{}
}

func newConn(id uint64, t transport.IConn, buffer int) *conn {
	return &conn{
		id:        id,
		transport: t,
		out:       make(chan []byte, buffer),
		done:      make(chan struct{}),
		clients:   make(map[string]struct{}),
	}
}

func (c *conn) send(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) writePump() {
	for {
		select {
		case msg := <-c.out:
			if err := c.transport.WriteMessage(msg); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// close closes the transport, which ends the read loop of ServeConn
func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.transport.Close()
	})
}
