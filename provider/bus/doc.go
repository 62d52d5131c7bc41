// Package bus implements the same-host broadcast bus.
//
// Providers that sync the same room inside one process join the same named
// channel (by default "{endpoint}/{room}") and exchange protocol frames
// without a network round trip. A post reaches every other member of the
// channel and never members of other channels.
//
// The Registry is an explicit object instead of package state: create it at
// process start, pass it to every provider and members remove themselves on
// disconnect. Join, Leave and Post are safe for concurrent use.
package bus
