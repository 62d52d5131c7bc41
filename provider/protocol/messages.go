package protocol

import (
	"fmt"

	"github.com/ValentinKolb/dSync/lib/awareness"
	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/wire"
)

// MessageType is the tag in front of every frame
type MessageType uint64

const (
	MessageSync           MessageType = 0
	MessageAwareness      MessageType = 1
	MessageAuth           MessageType = 2
	MessageQueryAwareness MessageType = 3
)

func (m MessageType) String() string {
	switch m {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	case MessageAuth:
		return "auth"
	case MessageQueryAwareness:
		return "query-awareness"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(m))
	}
}

// SyncStep is the sub type of a sync message
type SyncStep uint64

const (
	SyncStep1  SyncStep = 0
	SyncStep2  SyncStep = 1
	SyncUpdate SyncStep = 2
)

func (s SyncStep) String() string {
	switch s {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(s))
	}
}

// AuthPermissionDenied is the only auth message type
const AuthPermissionDenied uint64 = 0

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// EncodeSyncStep1 announces the state vector of doc
func EncodeSyncStep1(doc crdt.IDocument) []byte {
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(MessageSync))
	enc.WriteVarUint(uint64(SyncStep1))
	enc.WriteVarUint8Array(doc.StateVector())
	return enc.Bytes()
}

// EncodeSyncStep2 answers a step 1 with everything the peer is missing
func EncodeSyncStep2(doc crdt.IDocument, stateVector []byte) ([]byte, error) {
	update, err := doc.EncodeStateAsUpdate(stateVector)
	if err != nil {
		return nil, err
	}
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(MessageSync))
	enc.WriteVarUint(uint64(SyncStep2))
	enc.WriteVarUint8Array(update)
	return enc.Bytes(), nil
}

// EncodeUpdate wraps a document update
func EncodeUpdate(update []byte) []byte {
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(MessageSync))
	enc.WriteVarUint(uint64(SyncUpdate))
	enc.WriteVarUint8Array(update)
	return enc.Bytes()
}

// EncodeAwareness wraps an awareness update
func EncodeAwareness(update []byte) []byte {
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(MessageAwareness))
	enc.WriteVarUint8Array(update)
	return enc.Bytes()
}

// EncodeAwarenessStates encodes the full state of every known client
func EncodeAwarenessStates(aw *awareness.Awareness) []byte {
	return EncodeAwareness(aw.EncodeUpdate(aw.Clients()))
}

// EncodeQueryAwareness asks the peer for its full awareness state
func EncodeQueryAwareness() []byte {
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(MessageQueryAwareness))
	return enc.Bytes()
}

// EncodePermissionDenied tells the peer it may not access the room
func EncodePermissionDenied(reason string) []byte {
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(MessageAuth))
	enc.WriteVarUint(AuthPermissionDenied)
	enc.WriteVarString(reason)
	return enc.Bytes()
}
