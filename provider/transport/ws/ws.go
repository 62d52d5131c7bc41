package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/provider/transport"
	"github.com/gorilla/websocket"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport/ws")

const (
	// maxMessageSize bounds a single incoming frame
	maxMessageSize = 16 << 20
	// closeGracePeriod bounds the write of the close control frame
	closeGracePeriod = time.Second
)

// upgrader accepts connections from any origin, rooms are not bound to a site
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// --------------------------------------------------------------------------
// Connector
// --------------------------------------------------------------------------

// Connector dials websocket endpoints
type Connector struct {
	dialer       *websocket.Dialer
	header       http.Header
	writeTimeout time.Duration
}

// NewConnector creates a connector. header is sent with every handshake and
// may be nil.
func NewConnector(handshakeTimeout, writeTimeout time.Duration, header http.Header) *Connector {
	return &Connector{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		header:       header,
		writeTimeout: writeTimeout,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConnector)
// --------------------------------------------------------------------------

func (c *Connector) Dial(ctx context.Context, url string) (transport.IConn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, url, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %v", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %v", url, err)
	}
	Logger.Debugf("connected to %s", url)
	return Wrap(conn, c.writeTimeout), nil
}

func (c *Connector) GetName() string {
	return "websocket"
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// Conn adapts a websocket connection to transport.IConn
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// Wrap adapts an established websocket connection
func Wrap(conn *websocket.Conn, writeTimeout time.Duration) *Conn {
	conn.SetReadLimit(maxMessageSize)
	return &Conn{ws: conn, writeTimeout: writeTimeout}
}

// Upgrade upgrades an http request to a websocket connection
func Upgrade(w http.ResponseWriter, r *http.Request, writeTimeout time.Duration) (*Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return Wrap(conn, writeTimeout), nil
}

// RemoteAddr returns the address of the peer
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConn)
// --------------------------------------------------------------------------

func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, transport.ErrClosed
			}
			return nil, err
		}
		// text frames are not part of the protocol
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		err = c.ws.Close()
	})
	return err
}
