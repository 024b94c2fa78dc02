package transport

import (
	"context"
	"github.com/ValentinKolb/dRPC/rpc/call"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/serializer"
	"github.com/benbjohnson/clock"
	"time"
)

// --------------------------------------------------------------------------
// Transports
// --------------------------------------------------------------------------

// ITransport is the part shared by client and server transports
type ITransport interface {
	// TryAcquire takes the exclusive-use latch without blocking
	TryAcquire() bool
	// Release gives the latch back
	Release()
	// MarkActive clears the idle timestamp, called on every send and receive
	MarkActive()
	// VisitIdle stamps the idle timestamp if it is not set yet
	VisitIdle()
	// IdleFor returns how long the transport has been idle (0 = active)
	IdleFor() time.Duration
	// Stats returns the traffic statistics
	Stats() *Statistics
	// Close tears the channel down, it is safe to call more than once
	Close() error
	// Closed reports whether the channel was closed (locally or by the peer)
	Closed() bool
}

// IClientTransport sends requests to one remote node
type IClientTransport interface {
	ITransport
	// Remote returns the node this transport is connected to
	Remote() common.Node
	// SendRequest writes req and returns its slot without waiting for the reply.
	// An error means the request was not sent.
	SendRequest(req *common.RequestMsg, opts call.SlotOptions) (*call.CallSlot, error)
}

// IServerTransport is an accepted connection of a listening binding
type IServerTransport interface {
	ITransport
	// Local returns the node the binding listens on
	Local() common.Node
	// Peer returns a description of the remote side
	Peer() string
}

// IListener is returned by IConnector.Listen
type IListener interface {
	// Addr returns the address the listener is bound to
	Addr() string
	// Close stops accepting, already accepted transports stay open
	Close() error
}

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// ResponseSink receives replies and failures detected by the reader side of
// asynchronous client transports
type ResponseSink interface {
	DeliverResponse(ctx context.Context, resp *common.ResponseMsg) bool
	DispatchFailed(ctx context.Context, requestID uint64, err error) bool
}

// ServerHandler answers incoming requests. For one-way requests the returned
// response is discarded.
type ServerHandler interface {
	HandleRequest(ctx context.Context, req *common.RequestMsg) *common.ResponseMsg
}

// ServerHandlerFunc adapts a function to ServerHandler
type ServerHandlerFunc func(ctx context.Context, req *common.RequestMsg) *common.ResponseMsg

func (f ServerHandlerFunc) HandleRequest(ctx context.Context, req *common.RequestMsg) *common.ResponseMsg {
	return f(ctx, req)
}

// DecodeFailureFunc is notified with the raw bytes of a message that could not be decoded
type DecodeFailureFunc func(server bool, data []byte, err error)

// --------------------------------------------------------------------------
// Connector
// --------------------------------------------------------------------------

// Options are handed to every connector constructor
type Options struct {
	Config     common.BindingConfig
	Serializer serializer.IRPCSerializer
	Clock      clock.Clock
	// OnDecodeFailure is optional
	OnDecodeFailure DecodeFailureFunc
}

// IConnector creates transports for one binding technology
type IConnector interface {
	// Name returns the binding name (e.g. "tcp", "ws")
	Name() string
	// Dial creates a client transport to node. Asynchronous replies are handed to sink.
	Dial(ctx context.Context, node common.Node, sink ResponseSink) (IClientTransport, error)
	// Listen accepts server transports on node and hands each to accepted
	Listen(node common.Node, handler ServerHandler, accepted func(IServerTransport)) (IListener, error)
}
