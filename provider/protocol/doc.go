// Package protocol implements the framing and dispatch of the four message
// kinds exchanged between peers.
//
// Wire format of a frame:
//
//	varuint(type) payload
//
//	sync            varuint(step) varbytes(state vector | update)
//	awareness       varbytes(awareness update)
//	auth            varuint(0 = permission denied) varstring(reason)
//	query-awareness (empty)
//
// A Handler applies frames to a document and an awareness store and returns
// the reply, if any. The caller is responsible for sending the reply over the
// channel the frame arrived on.
package protocol
