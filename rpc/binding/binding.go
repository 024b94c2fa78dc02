package binding

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/call"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/host"
	"github.com/ValentinKolb/dRPC/rpc/serializer"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/multierr"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("binding")

// allocLockCount is prime to reduce systematic collisions of node hashes
const allocLockCount = 997

// Options configures a new Binding
type Options struct {
	// Name of the binding technology, matched against Node.Binding()
	Name string
	// Config holds pool, dispatch and diagnostic parameters
	Config common.BindingConfig
	// Host defaults to host.Default()
	Host *host.Host
	// Connector overrides the connector looked up by Name (optional)
	Connector ConnectorFactory
	// Binding level inspectors, run before the runtime level ones
	ClientInspectors common.ClientInspectorChain
	ServerInspectors common.ServerInspectorChain
	// Registry defaults to DefaultRegistry
	Registry *Registry
}

// Binding owns the transports of one technology and runs the dispatch pipeline
type Binding struct {
	name             string
	conf             common.BindingConfig
	host             *host.Host
	connector        transport.IConnector
	serializer       serializer.IRPCSerializer
	clientInspectors common.ClientInspectorChain
	serverInspectors common.ServerInspectorChain
	registry         *Registry
	dumper           *Dumper

	// copy-on-write snapshots, replaced under mu
	mu         sync.Mutex
	clients    atomic.Pointer[[]transport.IClientTransport]
	servers    atomic.Pointer[[]transport.IServerTransport]
	listeners  []transport.IListener
	allocLocks [allocLockCount]sync.Mutex
	closed     atomic.Bool

	metrics *bindingMetrics
}

// New creates a binding and registers it
func New(opts Options) (*Binding, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("binding name must not be empty")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid binding config: %w", err)
	}
	ser, err := serializer.ByName(opts.Config.Serializer)
	if err != nil {
		return nil, err
	}
	factory := opts.Connector
	if factory == nil {
		if factory, err = ConnectorFor(opts.Name); err != nil {
			return nil, err
		}
	}
	h := opts.Host
	if h == nil {
		h = host.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = DefaultRegistry
	}

	b := &Binding{
		name:             opts.Name,
		conf:             opts.Config,
		host:             h,
		serializer:       ser,
		clientInspectors: opts.ClientInspectors,
		serverInspectors: opts.ServerInspectors,
		registry:         registry,
		dumper:           NewDumper(opts.Config.Dump, ser),
		metrics:          newBindingMetrics(opts.Name),
	}
	b.clients.Store(&[]transport.IClientTransport{})
	b.servers.Store(&[]transport.IServerTransport{})
	b.connector = factory(transport.Options{
		Config:          opts.Config,
		Serializer:      ser,
		Clock:           h.Clock(),
		OnDecodeFailure: b.onDecodeFailure,
	})

	if err := registry.Register(b); err != nil {
		return nil, err
	}
	Logger.Infof("binding %s created (serializer %s)", b.name, ser.Name())
	return b, nil
}

// Name returns the binding name
func (b *Binding) Name() string { return b.name }

// Config returns the binding configuration
func (b *Binding) Config() common.BindingConfig { return b.conf }

// Host returns the runtime the binding reports to
func (b *Binding) Host() *host.Host { return b.host }

// Closed reports whether Close was called
func (b *Binding) Closed() bool { return b.closed.Load() }

// ClientTransports returns the current snapshot of client transports
func (b *Binding) ClientTransports() []transport.IClientTransport { return *b.clients.Load() }

// ServerTransports returns the current snapshot of server transports
func (b *Binding) ServerTransports() []transport.IServerTransport { return *b.servers.Load() }

// --------------------------------------------------------------------------
// Client side
// --------------------------------------------------------------------------

// DispatchOptions describe the issuing client endpoint of a call
type DispatchOptions struct {
	// Node is the destination
	Node common.Node
	// Reserved is a transport owned by the endpoint, it is not released after the call
	Reserved transport.IClientTransport
	// Timeout of the call; 0 selects the binding default, negative disables it
	Timeout time.Duration
	// ReplyInspectors run after the binding and runtime chains when the reply is read
	ReplyInspectors common.ClientInspectorChain
	// Owner identifies the endpoint in logs
	Owner string
}

// DispatchCall runs the request inspectors, hands req to a transport and
// returns the slot of the call. Errors are local: inspector failures, no
// transport within the acquisition timeout, or the send itself failing.
func (b *Binding) DispatchCall(ctx context.Context, opts DispatchOptions, req *common.RequestMsg) (*call.CallSlot, error) {
	if b.closed.Load() {
		return nil, common.ErrBindingClosed
	}
	if req.RequestID == 0 {
		req.RequestID = b.host.NextRequestID()
	}
	id := req.RequestID

	// 1. binding level then runtime level inspectors
	req, err := b.clientInspectors.ApplyRequest(req)
	if err != nil {
		return nil, err
	}
	if req, err = b.host.ClientInspectors().ApplyRequest(req); err != nil {
		return nil, err
	}
	// a replacement built by an inspector keeps the id of the call
	if req.RequestID == 0 {
		req.RequestID = id
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = b.conf.DefaultCallTimeout()
	}
	if timeout < 0 || req.OneWay {
		timeout = 0
	}
	req.TimeoutMs = timeout.Milliseconds()
	b.dumper.DumpRequest(false, req)

	// 2. transport
	t := opts.Reserved
	if t == nil {
		if t, err = b.AcquireClientTransportForCall(ctx, opts.Node); err != nil {
			b.metrics.dispatchErrors.Inc()
			return nil, err
		}
		// 5. release even if the send panics
		defer t.Release()
	}

	// 3. send
	slotOpts := b.host.SlotOptions(timeout, b.replyPipeline(opts.ReplyInspectors), opts.Owner)
	if b.conf.Instrumentation.Enabled {
		slotOpts.OnComplete = b.metrics.observe(slotOpts.OnComplete)
	}
	slot, err := t.SendRequest(req, slotOpts)
	if err != nil {
		b.metrics.dispatchErrors.Inc()
		Logger.Warningf("dispatch of %s.%s to %s failed: %v", req.Contract, req.MethodName, opts.Node, err)
		return nil, common.NewDispatchError(req.RequestID, err)
	}

	// 4. notify the runtime, replies may already be waiting for this
	b.host.CallDispatched(slot)
	b.metrics.dispatched.Inc()
	return slot, nil
}

// replyPipeline builds the inspector pipeline a slot runs once on its reply
func (b *Binding) replyPipeline(endpoint common.ClientInspectorChain) call.ResponsePipeline {
	runtime := b.host.ClientInspectors()
	return func(req *common.RequestMsg, resp *common.ResponseMsg) (*common.ResponseMsg, error) {
		b.dumper.DumpResponse(false, resp)
		resp, err := b.clientInspectors.ApplyReply(req, resp)
		if err != nil {
			return nil, err
		}
		if resp, err = runtime.ApplyReply(req, resp); err != nil {
			return nil, err
		}
		return endpoint.ApplyReply(req, resp)
	}
}

// --------------------------------------------------------------------------
// Server side
// --------------------------------------------------------------------------

// Listen accepts server transports on node and runs every request through
// the server inspector chains before handing it to handler
func (b *Binding) Listen(node common.Node, handler transport.ServerHandler) (transport.IListener, error) {
	if b.closed.Load() {
		return nil, common.ErrBindingClosed
	}
	l, err := b.connector.Listen(node, b.serverPipeline(handler), b.addServer)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
	return l, nil
}

// StopListening closes l and forgets it
func (b *Binding) StopListening(l transport.IListener) error {
	b.mu.Lock()
	for i, other := range b.listeners {
		if other == l {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	return l.Close()
}

func (b *Binding) serverPipeline(handler transport.ServerHandler) transport.ServerHandler {
	return transport.ServerHandlerFunc(func(ctx context.Context, req *common.RequestMsg) *common.ResponseMsg {
		b.dumper.DumpRequest(true, req)

		in, err := b.serverInspectors.ApplyRequest(req)
		if err == nil {
			in, err = b.host.ServerInspectors().ApplyRequest(in)
		}
		if err != nil {
			Logger.Warningf("server inspectors rejected %s.%s: %v", req.Contract, req.MethodName, err)
			return common.NewErrorResponse(req, err)
		}

		resp := handler.HandleRequest(ctx, in)
		if resp == nil || in.OneWay {
			return resp
		}

		out, err := b.serverInspectors.ApplyReply(in, resp)
		if err == nil {
			out, err = b.host.ServerInspectors().ApplyReply(in, out)
		}
		if err != nil {
			out = common.NewErrorResponse(in, err)
		}
		out.RequestID = req.RequestID
		b.dumper.DumpResponse(true, out)
		return out
	})
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Close stops all listeners, closes every transport and unregisters the binding
func (b *Binding) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.registry.Unregister(b)

	b.mu.Lock()
	listeners := b.listeners
	b.listeners = nil
	clients := *b.clients.Swap(&[]transport.IClientTransport{})
	servers := *b.servers.Swap(&[]transport.IServerTransport{})
	b.mu.Unlock()

	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.Close())
	}
	for _, t := range clients {
		err = multierr.Append(err, t.Close())
	}
	for _, t := range servers {
		err = multierr.Append(err, t.Close())
	}
	Logger.Infof("binding %s closed (%d client, %d server transports)", b.name, len(clients), len(servers))
	return err
}

// WriteMetrics writes the instrumentation of the binding in Prometheus text format
func (b *Binding) WriteMetrics(w io.Writer) {
	b.metrics.set.WritePrometheus(w)
}

// Metrics returns the metrics set of the binding
func (b *Binding) Metrics() *metrics.Set { return b.metrics.set }

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (b *Binding) onDecodeFailure(server bool, data []byte, err error) {
	Logger.Warningf("binding %s failed to decode a message (%d bytes): %v", b.name, len(data), err)
	b.metrics.decodeFailures.Inc()
	b.dumper.DumpDecodeFailure(server, data)
}

// addServer registers an accepted server transport. closed is checked under
// mu, Close swaps the lists under the same lock.
func (b *Binding) addServer(t transport.IServerTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		_ = t.Close()
		return
	}
	old := *b.servers.Load()
	next := make([]transport.IServerTransport, 0, len(old)+1)
	for _, s := range old {
		if !s.Closed() {
			next = append(next, s)
		}
	}
	next = append(next, t)
	b.servers.Store(&next)
}

// addClient registers a new client transport
func (b *Binding) addClient(t transport.IClientTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := *b.clients.Load()
	next := make([]transport.IClientTransport, 0, len(old)+1)
	for _, c := range old {
		if !c.Closed() {
			next = append(next, c)
		}
	}
	next = append(next, t)
	b.clients.Store(&next)
}
