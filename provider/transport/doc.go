// Package transport defines the connection abstraction used by providers and
// the relay.
//
// An IConnector dials an url and returns a message oriented IConn. The ws sub
// package implements both on top of websockets, NewPipe provides an
// in-memory pair for tests and in-process relays.
package transport
