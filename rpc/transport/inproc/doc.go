// Package inproc implements the inproc binding (inproc://name) for contract
// implementations that live in the same process. No bytes are serialized: the
// request is cloned and handed to the listening server endpoint directly.
//
// The default connector answers on the calling goroutine, so SendRequest
// returns an already completed CallSlot. The async connector answers on a new
// goroutine and delivers the reply through the response sink, which exercises
// the same correlation path as the wire bindings.
package inproc
