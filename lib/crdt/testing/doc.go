// Package testing provides a standardised conformance suite for
// implementations of crdt.IDocument.
//
// Example usage:
//
//	factory := func(clientID string) crdt.IDocument {
//		return NewMyDocument(clientID)
//	}
//
//	testing.RunDocumentTests(t, "MyDocument", factory)
package testing
