package transport

import (
	"sync"
)

// pipeBuffer is the number of messages a pipe end queues before writes block
const pipeBuffer = 256

// pipeConn is one end of an in-memory connection
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   *sync.Once
}

// NewPipe returns two connected in-memory connections. Closing either end
// closes both.
func NewPipe() (IConn, IConn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}

	a := &pipeConn{in: ba, out: ab, closed: closed, once: once}
	b := &pipeConn{in: ab, out: ba, closed: closed, once: once}
	return a, b
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConn)
// --------------------------------------------------------------------------

func (p *pipeConn) ReadMessage() ([]byte, error) {
	// drain queued messages before reporting the close
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return nil, ErrClosed
	}
}

func (p *pipeConn) WriteMessage(data []byte) error {
	msg := make([]byte, len(data))
	copy(msg, data)

	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return ErrClosed
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
