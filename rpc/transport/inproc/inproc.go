package inproc

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/call"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"sync/atomic"
)

// Name is the binding name of in-process nodes (inproc://name)
const Name = "inproc"

// listeners maps node keys to the listening server endpoints of this process
var listeners = xsync.NewMapOf[string, *listener]()

type listener struct {
	node     common.Node
	handler  transport.ServerHandler
	accepted func(transport.IServerTransport)
	opts     transport.Options
	closed   atomic.Bool
}

func (l *listener) Addr() string { return l.node.String() }

func (l *listener) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		listeners.Compute(l.node.Key(), func(old *listener, loaded bool) (*listener, bool) {
			return old, !loaded || old == l
		})
	}
	return nil
}

// connector implements transport.IConnector for the inproc binding
type connector struct {
	opts  transport.Options
	async bool
}

// NewConnector creates an inproc connector that answers calls on the calling
// goroutine: the slot returned by SendRequest is already complete.
func NewConnector(opts transport.Options) transport.IConnector {
	return &connector{opts: opts}
}

// NewAsyncConnector creates an inproc connector that answers calls on a new
// goroutine and delivers replies through the response sink, like a wire binding.
func NewAsyncConnector(opts transport.Options) transport.IConnector {
	return &connector{opts: opts, async: true}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConnector)
// --------------------------------------------------------------------------

func (c *connector) Name() string { return Name }

func (c *connector) Dial(_ context.Context, node common.Node, sink transport.ResponseSink) (transport.IClientTransport, error) {
	l, ok := listeners.Load(node.Key())
	if !ok || l.closed.Load() {
		return nil, fmt.Errorf("no in-process endpoint listens on %s", node)
	}

	server := &serverTransport{
		Core:  transport.NewCore(l.opts.Clock, l.opts.Config.RoundTripEMAFactor),
		local: l.node,
	}
	if l.accepted != nil {
		l.accepted(server)
	}

	return &clientTransport{
		Core:     transport.NewCore(c.opts.Clock, c.opts.Config.RoundTripEMAFactor),
		remote:   node,
		listener: l,
		server:   server,
		sink:     sink,
		async:    c.async,
	}, nil
}

func (c *connector) Listen(node common.Node, handler transport.ServerHandler, accepted func(transport.IServerTransport)) (transport.IListener, error) {
	l := &listener{node: node, handler: handler, accepted: accepted, opts: c.opts}
	if _, loaded := listeners.LoadOrStore(node.Key(), l); loaded {
		return nil, fmt.Errorf("%s is already in use", node)
	}
	return l, nil
}

// --------------------------------------------------------------------------
// Transports
// --------------------------------------------------------------------------

// serverTransport is the accepted side of an in-process pair
type serverTransport struct {
	*transport.Core
	local common.Node
}

func (t *serverTransport) Local() common.Node { return t.local }

func (t *serverTransport) Peer() string { return "inproc" }

func (t *serverTransport) Close() error {
	t.MarkClosed()
	return nil
}

// clientTransport calls the listening handler directly
type clientTransport struct {
	*transport.Core
	remote   common.Node
	listener *listener
	server   *serverTransport
	sink     transport.ResponseSink
	async    bool
}

func (t *clientTransport) Remote() common.Node { return t.remote }

func (t *clientTransport) SendRequest(req *common.RequestMsg, opts call.SlotOptions) (*call.CallSlot, error) {
	if t.Closed() || t.server.Closed() {
		return nil, common.ErrTransportClosed
	}
	if t.listener.closed.Load() {
		return nil, fmt.Errorf("%w: in-process endpoint %s stopped listening", common.ErrTransportClosed, t.remote)
	}

	slot := call.NewCallSlot(req, t.TrackRoundTrip(opts))
	t.Stats().RecordSent(len(req.Args))
	t.server.Stats().RecordReceived(len(req.Args))
	t.MarkActive()
	t.server.MarkActive()

	// the server side gets its own copy of the request
	serverReq := req.Clone()

	if req.OneWay {
		go t.listener.handler.HandleRequest(context.Background(), serverReq)
		return slot, nil
	}

	if !t.async {
		slot.DeliverResponse(t.handle(serverReq))
		return slot, nil
	}

	go func() {
		resp := t.handle(serverReq)
		t.sink.DeliverResponse(context.Background(), resp)
	}()
	return slot, nil
}

func (t *clientTransport) Close() error {
	t.MarkClosed()
	return t.server.Close()
}

func (t *clientTransport) handle(req *common.RequestMsg) *common.ResponseMsg {
	resp := t.listener.handler.HandleRequest(context.Background(), req)
	if resp == nil {
		resp = common.NewErrorResponse(req, fmt.Errorf("no reply produced"))
	}
	resp.RequestID = req.RequestID
	t.server.Stats().RecordSent(len(resp.ReturnValue))
	t.Stats().RecordReceived(len(resp.ReturnValue))
	return resp
}
