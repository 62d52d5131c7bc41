package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by reads and writes on a closed connection
var ErrClosed = errors.New("connection closed")

// --------------------------------------------------------------------------
// Interface Definitions for dependency injection
// --------------------------------------------------------------------------

// IConn is a message oriented, bidirectional connection
type IConn interface {
	// ReadMessage blocks until a message arrives or the connection fails
	ReadMessage() ([]byte, error)
	// WriteMessage sends one message. Safe to call concurrently with ReadMessage
	// but not with another WriteMessage.
	WriteMessage(data []byte) error
	// Close closes the connection and unblocks pending reads
	Close() error
}

// IConnector opens connections to an url
type IConnector interface {
	// Dial opens a connection. It must honour ctx cancellation.
	Dial(ctx context.Context, url string) (IConn, error)
	// GetName returns the name of the transport type (e.g. "websocket", "pipe")
	GetName() string
}

// ConnectorFunc adapts a function to IConnector
type ConnectorFunc func(ctx context.Context, url string) (IConn, error)

func (f ConnectorFunc) Dial(ctx context.Context, url string) (IConn, error) {
	return f(ctx, url)
}

func (f ConnectorFunc) GetName() string {
	return "func"
}
