// Package deepdoc implements crdt.IDocument on top of the CRDT of
// github.com/brunoga/deep.
//
// The replicated value is a map from key to the JSON text of the key's value,
// so conflicts are resolved per key by the CRDT's hybrid logical clocks.
// Local transactions travel as deltas, full synchronisation (sync step 2)
// sends the serialized CRDT which the receiver merges. The state vector is a
// digest of the content: a replica whose digest matches gets an empty update.
//
// Updates are framed as varuint(kind) followed by varbytes(payload).
package deepdoc
