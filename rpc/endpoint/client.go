package endpoint

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/binding"
	"github.com/ValentinKolb/dRPC/rpc/call"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"sync"
	"time"
)

// ClientOptions configures a ClientEndPoint
type ClientOptions struct {
	// Node to call
	Node common.Node
	// Contract all calls of the endpoint address
	Contract string
	// Binding used for dispatch, resolved from Registry by the node's binding name if nil
	Binding  *binding.Binding
	Registry *binding.Registry
	// Headers merged into every request
	Headers common.Headers
	// Timeout of two-way calls; 0 uses the binding default, negative disables it
	Timeout time.Duration
	// ReplyInspectors run after the binding and runtime inspectors
	ReplyInspectors common.ClientInspectorChain
}

// ClientEndPoint issues calls to one contract on one node
type ClientEndPoint struct {
	node     common.Node
	contract string
	binding  *binding.Binding
	timeout  time.Duration
	replies  common.ClientInspectorChain

	mu             sync.Mutex
	headers        common.Headers
	reserved       transport.IClientTransport
	remoteInstance string
}

// NewClientEndPoint creates a client endpoint
func NewClientEndPoint(opts ClientOptions) (*ClientEndPoint, error) {
	if !opts.Node.IsAssigned() {
		return nil, common.ErrInvalidNode
	}
	if opts.Contract == "" {
		return nil, fmt.Errorf("client endpoint for %s needs a contract", opts.Node)
	}
	b := opts.Binding
	if b == nil {
		registry := opts.Registry
		if registry == nil {
			registry = binding.DefaultRegistry
		}
		var err error
		if b, err = registry.ForNode(opts.Node); err != nil {
			return nil, err
		}
	}

	c := &ClientEndPoint{
		node:     opts.Node,
		contract: opts.Contract,
		binding:  b,
		timeout:  opts.Timeout,
		headers:  opts.Headers.Clone(),
	}
	if c.headers == nil {
		c.headers = common.Headers{}
	}
	// the instance tracker runs last so it sees the final reply
	c.replies = append(append(common.ClientInspectorChain{}, opts.ReplyInspectors...), common.ClientInspectorFuncs{Reply: c.trackInstance})
	return c, nil
}

// Node returns the called node
func (c *ClientEndPoint) Node() common.Node { return c.node }

// Contract returns the called contract
func (c *ClientEndPoint) Contract() string { return c.contract }

// Binding returns the dispatching binding
func (c *ClientEndPoint) Binding() *binding.Binding { return c.binding }

// SetHeader sets a header sent with every following request
func (c *ClientEndPoint) SetHeader(name, value string) {
	c.mu.Lock()
	c.headers[name] = value
	c.mu.Unlock()
}

// Headers returns a copy of the endpoint headers
func (c *ClientEndPoint) Headers() common.Headers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers.Clone()
}

// RemoteInstance returns the id of the stateful instance this endpoint talks to
func (c *ClientEndPoint) RemoteInstance() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteInstance
}

// ForgetRemoteInstance makes the next call activate a new stateful instance
func (c *ClientEndPoint) ForgetRemoteInstance() {
	c.mu.Lock()
	c.remoteInstance = ""
	c.mu.Unlock()
}

// Reserve takes a transport for the exclusive use of this endpoint until
// ReleaseReservation. Calls skip pool admission, so the endpoint should then
// be used by one goroutine at a time.
func (c *ClientEndPoint) Reserve(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserved != nil && !c.reserved.Closed() {
		return nil
	}
	t, err := c.binding.AcquireClientTransportForCall(ctx, c.node)
	if err != nil {
		return err
	}
	c.reserved = t
	return nil
}

// Reserved reports whether the endpoint holds a transport
func (c *ClientEndPoint) Reserved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reserved != nil
}

// ReleaseReservation hands the reserved transport back to the pool
func (c *ClientEndPoint) ReleaseReservation() {
	c.mu.Lock()
	t := c.reserved
	c.reserved = nil
	c.mu.Unlock()
	if t != nil {
		t.Release()
	}
}

// Close releases the reservation
func (c *ClientEndPoint) Close() error {
	c.ReleaseReservation()
	return nil
}

// Call dispatches method and returns its slot without waiting for the reply
func (c *ClientEndPoint) Call(ctx context.Context, method string, args []byte) (*call.CallSlot, error) {
	return c.dispatch(ctx, method, args, false)
}

// CallOneWay dispatches method without expecting a reply
func (c *ClientEndPoint) CallOneWay(ctx context.Context, method string, args []byte) error {
	_, err := c.dispatch(ctx, method, args, true)
	return err
}

// Invoke calls method and waits for its return value. Failures reported by
// the server are returned as *common.RemoteError.
func (c *ClientEndPoint) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	slot, err := c.Call(ctx, method, args)
	if err != nil {
		return nil, err
	}
	return slot.ReturnValue(ctx)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *ClientEndPoint) dispatch(ctx context.Context, method string, args []byte, oneWay bool) (*call.CallSlot, error) {
	c.mu.Lock()
	req := &common.RequestMsg{
		Contract:       c.contract,
		MethodName:     method,
		OneWay:         oneWay,
		RemoteInstance: c.remoteInstance,
		Args:           args,
	}
	if len(c.headers) > 0 {
		req.Headers = c.headers.Clone()
	}
	reserved := c.reserved
	if reserved != nil && reserved.Closed() {
		// the peer went away, fall back to the pool
		reserved.Release()
		c.reserved, reserved = nil, nil
	}
	c.mu.Unlock()

	return c.binding.DispatchCall(ctx, binding.DispatchOptions{
		Node:            c.node,
		Reserved:        reserved,
		Timeout:         c.timeout,
		ReplyInspectors: c.replies,
		Owner:           c.node.String() + "/" + c.contract,
	}, req)
}

// trackInstance remembers the stateful instance the server answered from
func (c *ClientEndPoint) trackInstance(_ *common.RequestMsg, resp *common.ResponseMsg) (*common.ResponseMsg, error) {
	if resp.RemoteInstance != "" {
		c.mu.Lock()
		c.remoteInstance = resp.RemoteInstance
		c.mu.Unlock()
	}
	return resp, nil
}
