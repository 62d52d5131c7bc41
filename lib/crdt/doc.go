// Package crdt defines the contract between the synchronisation layer and the
// replicated-document engine it transports.
//
// The engine is treated as an external collaborator: it produces and accepts
// opaque update bytes, answers state vector queries and reports changes. The
// sub packages provide a document engine built on github.com/brunoga/deep (deepdoc) and a conformance suite
// (testing) that every IDocument implementation should pass.
package crdt
