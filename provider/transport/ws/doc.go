// Package ws implements the transport interfaces on top of
// github.com/gorilla/websocket. Protocol frames travel as binary messages.
package ws
