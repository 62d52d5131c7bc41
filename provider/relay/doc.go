// Package relay implements the server side of the sync protocol.
//
// A Hub keeps one room per document name. Each room holds a replica of the
// document and the awareness states of its clients and is driven by its own
// reactor. On join a client receives sync step 1 and the known awareness
// states, after that:
//
//   - document updates are forwarded to every other connection of the room
//   - awareness changes are forwarded to every connection, the sender included
//   - when a connection closes, the awareness states it announced are removed
//
// Connections whose send buffer overflows are dropped. With a redis address
// configured, document updates are additionally published on
// "<prefix><room>" so that several relays can serve the same room.
//
// The hub serves websockets on "/{room}", a "/health" route used by the
// latency probes of the clients and prometheus metrics on "/metrics".
// Connector returns an in-memory transport to the hub for tests and
// embedded use.
package relay
