// Package awareness implements the ephemeral presence store exchanged next to
// a replicated document.
//
// Every client owns one JSON state (cursor, user name, ...) and a clock that
// grows with each change of that state. Updates carry (client id, clock,
// state) triples and are merged by clock, a null state marks a client as gone.
// Clients that did not renew their state within OutdatedTimeout are dropped
// by Check, which also renews the local state.
//
// Update encoding:
//
//	varuint(n) { varstring(clientID) varuint(clock) varstring(json state) }*n
package awareness
