package protocol

import (
	"fmt"

	"github.com/ValentinKolb/dSync/lib/awareness"
	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/wire"
	"github.com/ValentinKolb/dSync/provider/common"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("protocol")

// Result describes what handling a frame did
type Result struct {
	Type MessageType
	// Step is set for sync messages
	Step SyncStep
	// Reply must be sent back over the channel the frame arrived on (nil if none)
	Reply []byte
	// AppliedStep2 is true if a sync step 2 was applied
	AppliedStep2 bool
	// Awareness is the change caused by an awareness message
	Awareness awareness.Change
	// Denied is true if the peer refused access, Reason explains why
	Denied bool
	Reason string
}

// Handler dispatches incoming frames to a document and its awareness store
type Handler struct {
	Doc       crdt.IDocument
	Awareness *awareness.Awareness
	// Origin tags every update and awareness change applied by this handler
	Origin any
}

// Handle decodes and dispatches one frame. Errors are *common.Error values;
// a framing error only invalidates this frame.
func (h *Handler) Handle(frame []byte) (Result, error) {
	dec := wire.NewDecoder(frame)
	tag, err := dec.ReadVarUint()
	if err != nil {
		return Result{}, common.NewError(common.ErrKindFraming, "read message type", err)
	}

	res := Result{Type: MessageType(tag)}
	switch res.Type {
	case MessageSync:
		err = h.handleSync(dec, &res)
	case MessageAwareness:
		err = h.handleAwareness(dec, &res)
	case MessageQueryAwareness:
		res.Reply = EncodeAwarenessStates(h.Awareness)
	case MessageAuth:
		err = h.handleAuth(dec, &res)
	default:
		err = common.NewError(common.ErrKindProtocol, "dispatch", fmt.Errorf("unknown message type %d", tag))
	}
	if err != nil {
		Logger.Debugf("dropping %s frame: %v", res.Type, err)
		return res, err
	}
	return res, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (h *Handler) handleSync(dec *wire.Decoder, res *Result) error {
	step, err := dec.ReadVarUint()
	if err != nil {
		return common.NewError(common.ErrKindFraming, "read sync step", err)
	}
	res.Step = SyncStep(step)

	payload, err := dec.ReadVarUint8Array()
	if err != nil {
		return common.NewError(common.ErrKindFraming, "read sync payload", err)
	}

	switch res.Step {
	case SyncStep1:
		reply, err := EncodeSyncStep2(h.Doc, payload)
		if err != nil {
			return common.NewError(common.ErrKindProtocol, "answer sync step1", err)
		}
		res.Reply = reply
	case SyncStep2, SyncUpdate:
		if err := h.Doc.ApplyUpdate(payload, h.Origin); err != nil {
			return common.NewError(common.ErrKindProtocol, "apply sync "+res.Step.String(), err)
		}
		res.AppliedStep2 = res.Step == SyncStep2
	default:
		return common.NewError(common.ErrKindProtocol, "dispatch sync", fmt.Errorf("unknown sync step %d", step))
	}
	return nil
}

func (h *Handler) handleAwareness(dec *wire.Decoder, res *Result) error {
	payload, err := dec.ReadVarUint8Array()
	if err != nil {
		return common.NewError(common.ErrKindFraming, "read awareness payload", err)
	}

	// collect the change caused by this frame
	cancel := h.Awareness.Observe(func(c awareness.Change, origin any) {
		if origin == h.Origin {
			res.Awareness = c
		}
	})
	defer cancel()

	if err := h.Awareness.ApplyUpdate(payload, h.Origin); err != nil {
		if wire.IsFramingError(err) {
			return common.NewError(common.ErrKindFraming, "decode awareness update", err)
		}
		return common.NewError(common.ErrKindProtocol, "apply awareness update", err)
	}
	return nil
}

func (h *Handler) handleAuth(dec *wire.Decoder, res *Result) error {
	kind, err := dec.ReadVarUint()
	if err != nil {
		return common.NewError(common.ErrKindFraming, "read auth type", err)
	}
	if kind != AuthPermissionDenied {
		return common.NewError(common.ErrKindProtocol, "dispatch auth", fmt.Errorf("unknown auth message %d", kind))
	}
	reason, err := dec.ReadVarString()
	if err != nil {
		return common.NewError(common.ErrKindFraming, "read auth reason", err)
	}
	res.Denied = true
	res.Reason = reason
	return nil
}
