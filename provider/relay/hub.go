package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/awareness"
	"github.com/ValentinKolb/dSync/provider/common"
	"github.com/ValentinKolb/dSync/provider/protocol"
	"github.com/ValentinKolb/dSync/provider/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("relay")

// ErrHubClosed is returned for connections to a closed hub
var ErrHubClosed = errors.New("relay hub is closed")

// Authorizer decides whether a connection may join room. The error text is
// sent to the client as the reason of the permission denied message.
type Authorizer func(room string, params url.Values) error

// Hub manages the rooms of one relay server
type Hub struct {
	config     common.RelayConfig
	authorizer Authorizer
	rooms      *xsync.MapOf[string, *room]
	nextConnID atomic.Uint64
	redis      *redisBridge
	closed     atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once
}

// NewHub creates a hub. If config.RedisAddr is set the hub connects to redis
// and fails if it is not reachable.
func NewHub(config common.RelayConfig) (*Hub, error) {
	if config.ServerID == "" {
		config.ServerID = common.NewClientID()
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = common.DefaultRelayConfig().SendBuffer
	}

	h := &Hub{
		config: config,
		rooms:  xsync.NewMapOf[string, *room](),
		done:   make(chan struct{}),
	}

	if config.RedisAddr != "" {
		b, err := newRedisBridge(h)
		if err != nil {
			return nil, err
		}
		h.redis = b
	}

	go h.checkAwareness()

	Logger.Infof("created relay hub %s", config.ServerID)
	Logger.Infof(config.String())
	return h, nil
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// SetAuthorizer installs fn to check every new connection. nil allows all.
func (h *Hub) SetAuthorizer(fn Authorizer) {
	h.authorizer = fn
}

// ServeConn runs a client connection for roomName until it closes. It
// returns nil if the connection was closed normally.
func (h *Hub) ServeConn(roomName string, params url.Values, conn transport.IConn) error {
	if h.closed.Load() {
		conn.Close()
		return ErrHubClosed
	}
	if h.authorizer != nil {
		if err := h.authorizer(roomName, params); err != nil {
			connsDenied.Inc()
			Logger.Infof("denied access to room %s: %v", roomName, err)
			_ = conn.WriteMessage(protocol.EncodePermissionDenied(err.Error()))
			conn.Close()
			return err
		}
	}

	r := h.acquire(roomName)
	defer h.release(r)

	c := newConn(h.nextConnID.Add(1), conn, h.config.SendBuffer)
	connsOpened.Inc()
	r.exec.Post(func() { r.join(c) })
	go c.writePump()

	var err error
	for {
		var msg []byte
		msg, err = conn.ReadMessage()
		if err != nil {
			break
		}
		framesReceived.Inc()
		r.exec.Post(func() { r.handle(c, msg) })
	}

	_ = r.exec.Do(func() { r.leave(c) })
	c.close()
	connsClosed.Inc()

	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

// Connector returns a transport that connects to this hub in memory. The room
// is taken from the path of the dialed url.
func (h *Hub) Connector() transport.IConnector {
	return &pipeConnector{hub: h}
}

// Rooms returns the number of open rooms
func (h *Hub) Rooms() int {
	return h.rooms.Size()
}

// Connections returns the number of connections in roomName
func (h *Hub) Connections(roomName string) int {
	r, ok := h.rooms.Load(roomName)
	if !ok {
		return 0
	}
	n := 0
	_ = r.exec.Do(func() { n = len(r.conns) })
	return n
}

// ServerID returns the id of this relay
func (h *Hub) ServerID() string {
	return h.config.ServerID
}

// Close rejects new connections, closes all open ones and disconnects from
// redis
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.done)
		h.rooms.Range(func(_ string, r *room) bool {
			r.exec.Post(r.closeConns)
			return true
		})
		if h.redis != nil {
			h.redis.close()
		}
	})
}

// --------------------------------------------------------------------------
// Rooms
// --------------------------------------------------------------------------

// acquire returns the room with the given name, creating it if needed, and
// takes a reference on it
func (h *Hub) acquire(name string) *room {
	r, _ := h.rooms.Compute(name, func(old *room, loaded bool) (*room, bool) {
		if !loaded {
			old = newRoom(h, name)
			roomsOpened.Inc()
			Logger.Debugf("opened room %s", name)
		}
		old.refs++
		return old, false
	})
	return r
}

// release drops a reference, the last one closes the room
func (h *Hub) release(r *room) {
	h.rooms.Compute(r.name, func(old *room, loaded bool) (*room, bool) {
		if !loaded || old != r {
			return old, !loaded
		}
		old.refs--
		if old.refs > 0 {
			return old, false
		}
		old.close()
		roomsClosed.Inc()
		Logger.Debugf("closed room %s", r.name)
		return nil, true
	})
}

// checkAwareness drops awareness states of clients that stopped renewing them
func (h *Hub) checkAwareness() {
	tk := time.NewTicker(awareness.OutdatedTimeout / 10)
	defer tk.Stop()
	for {
		select {
		case <-tk.C:
			h.rooms.Range(func(_ string, r *room) bool {
				r.exec.Post(func() { r.aw.Check(awareness.OutdatedTimeout) })
				return true
			})
		case <-h.done:
			return
		}
	}
}

// --------------------------------------------------------------------------
// In-memory connector
// --------------------------------------------------------------------------

type pipeConnector struct {
	hub *Hub
}

func (p *pipeConnector) Dial(ctx context.Context, rawURL string) (transport.IConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.hub.closed.Load() {
		return nil, ErrHubClosed
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	roomName := strings.Trim(u.Path, "/")
	if roomName == "" {
		return nil, fmt.Errorf("url %q names no room", rawURL)
	}

	client, server := transport.NewPipe()
	go func() {
		if err := p.hub.ServeConn(roomName, u.Query(), server); err != nil {
			Logger.Debugf("in-memory connection to %s ended: %v", roomName, err)
		}
	}()
	return client, nil
}

func (p *pipeConnector) GetName() string {
	return "pipe"
}
