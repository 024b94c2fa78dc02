package binding

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/call"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/host"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/transport/inproc"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

// fakeTransport answers nothing, slots stay Dispatched until the test delivers
type fakeTransport struct {
	*transport.Core
	remote common.Node
	sent   atomic.Int32
	fail   error
}

func (t *fakeTransport) Remote() common.Node { return t.remote }

func (t *fakeTransport) SendRequest(req *common.RequestMsg, opts call.SlotOptions) (*call.CallSlot, error) {
	if t.fail != nil {
		return nil, t.fail
	}
	t.sent.Add(1)
	t.MarkActive()
	return call.NewCallSlot(req, opts), nil
}

func (t *fakeTransport) Close() error {
	t.MarkClosed()
	return nil
}

// fakeServerTransport stands in for an accepted connection
type fakeServerTransport struct {
	*fakeTransport
}

func (t *fakeServerTransport) Local() common.Node { return t.remote }

func (t *fakeServerTransport) Peer() string { return "fake-peer" }

// fakeConnector counts dials
type fakeConnector struct {
	opts    transport.Options
	dials   atomic.Int32
	dialErr error
	sendErr error
	mu      sync.Mutex
	dialed  []*fakeTransport
}

func (c *fakeConnector) factory(opts transport.Options) transport.IConnector {
	c.opts = opts
	return c
}

func (c *fakeConnector) Name() string { return "fake" }

func (c *fakeConnector) Dial(_ context.Context, node common.Node, _ transport.ResponseSink) (transport.IClientTransport, error) {
	c.dials.Add(1)
	if c.dialErr != nil {
		return nil, c.dialErr
	}
	t := &fakeTransport{Core: transport.NewCore(c.opts.Clock, c.opts.Config.RoundTripEMAFactor), remote: node, fail: c.sendErr}
	c.mu.Lock()
	c.dialed = append(c.dialed, t)
	c.mu.Unlock()
	return t, nil
}

func (c *fakeConnector) Listen(common.Node, transport.ServerHandler, func(transport.IServerTransport)) (transport.IListener, error) {
	return nil, errors.New("not supported")
}

// newTestBinding creates a binding in its own registry and host
func newTestBinding(t *testing.T, name string, conf common.BindingConfig, connector ConnectorFactory) *Binding {
	t.Helper()
	h := host.New(host.Options{})
	b, err := New(Options{
		Name:      name,
		Config:    conf,
		Host:      h,
		Connector: connector,
		Registry:  NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Close()
		_ = h.Shutdown(context.Background())
	})
	return b
}

// echoHandler returns the args of the request, "fail" yields a remote error
var echoHandler = transport.ServerHandlerFunc(func(_ context.Context, req *common.RequestMsg) *common.ResponseMsg {
	if req.MethodName == "fail" {
		return common.NewErrorResponse(req, errors.New("boom"))
	}
	return common.NewOKResponse(req, req.Args)
})

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

// TestNewValidation tests the argument checks of New
func TestNewValidation(t *testing.T) {
	_, err := New(Options{Config: common.DefaultBindingConfig(), Registry: NewRegistry()})
	assert.Error(t, err, "empty name")

	_, err = New(Options{Name: "carrier-pigeon", Config: common.DefaultBindingConfig(), Registry: NewRegistry()})
	assert.Error(t, err, "unknown technology")

	conf := common.DefaultBindingConfig()
	conf.RoundTripEMAFactor = 2
	_, err = New(Options{Name: "tcp", Config: conf, Registry: NewRegistry()})
	assert.Error(t, err, "invalid config")

	conf = common.DefaultBindingConfig()
	conf.Serializer = "xml"
	_, err = New(Options{Name: "tcp", Config: conf, Registry: NewRegistry()})
	assert.Error(t, err, "unknown serializer")
}

// TestRegistry tests registration and lookup by node
func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	b, err := New(Options{Name: "inproc", Config: common.DefaultBindingConfig(), Registry: reg, Host: host.New(host.Options{})})
	require.NoError(t, err)

	_, err = New(Options{Name: "INPROC", Config: common.DefaultBindingConfig(), Registry: reg})
	assert.Error(t, err, "duplicate name")

	found, err := reg.ForNode(common.MustNode("inproc://svc:calc"))
	require.NoError(t, err)
	assert.Same(t, b, found)

	_, err = reg.ForNode(common.MustNode("tcp://localhost:1"))
	assert.Error(t, err)
	_, err = reg.ForNode(common.Node{})
	assert.ErrorIs(t, err, common.ErrInvalidNode)

	require.NoError(t, b.Close())
	_, ok := reg.Lookup("inproc")
	assert.False(t, ok)
	assert.Empty(t, reg.All())
}

// TestDispatchInproc tests a full round trip over the in-process binding
func TestDispatchInproc(t *testing.T) {
	b := newTestBinding(t, "inproc", common.DefaultBindingConfig(), nil)
	node := common.MustNode("inproc://binding-test:echo")

	l, err := b.Listen(node, echoHandler)
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	slot, err := b.DispatchCall(ctx, DispatchOptions{Node: node}, &common.RequestMsg{Contract: "echo", MethodName: "Echo", Args: []byte("hi")})
	require.NoError(t, err)
	assert.NotZero(t, slot.RequestID())
	assert.True(t, slot.Available())

	value, err := slot.ReturnValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), value)

	slot, err = b.DispatchCall(ctx, DispatchOptions{Node: node}, &common.RequestMsg{Contract: "echo", MethodName: "fail"})
	require.NoError(t, err)
	assert.Equal(t, common.StatusResponseError, slot.CallStatus())
	_, err = slot.ReturnValue(ctx)
	var remote *common.RemoteError
	assert.ErrorAs(t, err, &remote)

	// the transport was released and reused
	assert.Len(t, b.ClientTransports(), 1)
	assert.Len(t, b.ServerTransports(), 1)
	assert.Equal(t, map[string]int{node.String(): 1}, b.NodeCounts())
}

// TestDispatchAsyncInproc tests correlation of replies delivered through the host
func TestDispatchAsyncInproc(t *testing.T) {
	b := newTestBinding(t, "inproc", common.DefaultBindingConfig(), inproc.NewAsyncConnector)
	node := common.MustNode("inproc://binding-test:async")

	l, err := b.Listen(node, echoHandler)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		args := []byte(fmt.Sprintf("msg-%d", i))
		slot, err := b.DispatchCall(ctx, DispatchOptions{Node: node}, &common.RequestMsg{Contract: "echo", MethodName: "Echo", Args: args})
		require.NoError(t, err)
		value, err := slot.ReturnValue(ctx)
		require.NoError(t, err)
		assert.Equal(t, args, value)
	}
	assert.Eventually(t, func() bool { return b.Host().Pending() == 0 }, time.Second, 10*time.Millisecond)
}

// TestDispatchReplacedRequest tests that requests rebuilt by an inspector keep
// the id of their call, so concurrent async replies reach the right slot
func TestDispatchReplacedRequest(t *testing.T) {
	h := host.New(host.Options{})
	defer h.Shutdown(context.Background())
	rebuild := common.ClientInspectorFuncs{
		Request: func(req *common.RequestMsg) (*common.RequestMsg, error) {
			return &common.RequestMsg{Contract: req.Contract, MethodName: req.MethodName, Args: req.Args}, nil
		},
	}
	b, err := New(Options{
		Name:             "inproc",
		Config:           common.DefaultBindingConfig(),
		Host:             h,
		Connector:        inproc.NewAsyncConnector,
		Registry:         NewRegistry(),
		ClientInspectors: common.ClientInspectorChain{rebuild},
	})
	require.NoError(t, err)
	defer b.Close()

	node := common.MustNode("inproc://binding-test:replaced")
	l, err := b.Listen(node, echoHandler)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	ids := make([]uint64, 20)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			args := []byte(fmt.Sprintf("msg-%d", i))
			slot, err := b.DispatchCall(ctx, DispatchOptions{Node: node}, &common.RequestMsg{Contract: "echo", MethodName: "Echo", Args: args})
			if !assert.NoError(t, err) {
				return
			}
			ids[i] = slot.RequestID()
			value, err := slot.ReturnValue(ctx)
			assert.NoError(t, err)
			assert.Equal(t, args, value)
		}()
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for _, id := range ids {
		assert.NotZero(t, id)
		assert.False(t, seen[id], "request id %d used twice", id)
		seen[id] = true
	}
}

// TestDispatchOneWay tests that one-way calls are available at once
func TestDispatchOneWay(t *testing.T) {
	b := newTestBinding(t, "inproc", common.DefaultBindingConfig(), nil)
	node := common.MustNode("inproc://binding-test:oneway")

	received := make(chan string, 1)
	l, err := b.Listen(node, transport.ServerHandlerFunc(func(_ context.Context, req *common.RequestMsg) *common.ResponseMsg {
		received <- string(req.Args)
		return nil
	}))
	require.NoError(t, err)
	defer l.Close()

	slot, err := b.DispatchCall(context.Background(), DispatchOptions{Node: node}, &common.RequestMsg{Contract: "log", MethodName: "Write", OneWay: true, Args: []byte("line")})
	require.NoError(t, err)
	assert.True(t, slot.Available())
	_, err = slot.ResponseMsg(context.Background())
	assert.ErrorIs(t, err, common.ErrOneWayAccess)

	select {
	case got := <-received:
		assert.Equal(t, "line", got)
	case <-time.After(time.Second):
		t.Fatal("one-way request not handled")
	}
}

// TestInspectorOrder tests that binding inspectors run before runtime and endpoint inspectors
func TestInspectorOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	clientInspector := func(name string) common.IClientMessageInspector {
		return common.ClientInspectorFuncs{
			Request: func(req *common.RequestMsg) (*common.RequestMsg, error) {
				record(name + ":req")
				return req, nil
			},
			Reply: func(_ *common.RequestMsg, resp *common.ResponseMsg) (*common.ResponseMsg, error) {
				record(name + ":reply")
				return resp, nil
			},
		}
	}
	serverInspector := common.ServerInspectorFuncs{
		Request: func(req *common.RequestMsg) (*common.RequestMsg, error) {
			record("server:req")
			return req, nil
		},
		Reply: func(_ *common.RequestMsg, resp *common.ResponseMsg) (*common.ResponseMsg, error) {
			record("server:reply")
			return resp, nil
		},
	}

	h := host.New(host.Options{ClientInspectors: common.ClientInspectorChain{clientInspector("runtime")}})
	defer h.Shutdown(context.Background())
	b, err := New(Options{
		Name:             "inproc",
		Config:           common.DefaultBindingConfig(),
		Host:             h,
		Registry:         NewRegistry(),
		ClientInspectors: common.ClientInspectorChain{clientInspector("binding")},
		ServerInspectors: common.ServerInspectorChain{serverInspector},
	})
	require.NoError(t, err)
	defer b.Close()

	node := common.MustNode("inproc://binding-test:inspect")
	l, err := b.Listen(node, echoHandler)
	require.NoError(t, err)
	defer l.Close()

	slot, err := b.DispatchCall(context.Background(), DispatchOptions{
		Node:            node,
		ReplyInspectors: common.ClientInspectorChain{clientInspector("endpoint")},
	}, &common.RequestMsg{Contract: "echo", MethodName: "Echo"})
	require.NoError(t, err)
	_, err = slot.ResponseMsg(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"binding:req", "runtime:req",
		"server:req", "server:reply",
		"binding:reply", "runtime:reply", "endpoint:reply",
	}, order)
}

// TestInspectorFailure tests that a failing request inspector stops the dispatch
func TestInspectorFailure(t *testing.T) {
	conn := &fakeConnector{}
	h := host.New(host.Options{})
	defer h.Shutdown(context.Background())
	b, err := New(Options{
		Name:      "fake",
		Config:    common.DefaultBindingConfig(),
		Host:      h,
		Connector: conn.factory,
		Registry:  NewRegistry(),
		ClientInspectors: common.ClientInspectorChain{common.ClientInspectorFuncs{
			Request: func(*common.RequestMsg) (*common.RequestMsg, error) { return nil, errors.New("denied") },
		}},
	})
	require.NoError(t, err)
	defer b.Close()

	_, err = b.DispatchCall(context.Background(), DispatchOptions{Node: common.MustNode("fake://a:1")}, &common.RequestMsg{})
	var inspErr *common.InspectorError
	assert.ErrorAs(t, err, &inspErr)
	assert.Zero(t, conn.dials.Load(), "no transport is acquired for a rejected request")
}

// TestDispatchErrors tests local failures surfacing as DispatchError
func TestDispatchErrors(t *testing.T) {
	t.Run("dial fails", func(t *testing.T) {
		conn := &fakeConnector{dialErr: errors.New("connection refused")}
		b := newTestBinding(t, "fake", common.DefaultBindingConfig(), conn.factory)

		_, err := b.DispatchCall(context.Background(), DispatchOptions{Node: common.MustNode("fake://a:1")}, &common.RequestMsg{})
		var callErr *common.ClientCallError
		require.ErrorAs(t, err, &callErr)
		assert.Equal(t, common.StatusDispatchError, callErr.Status)
	})

	t.Run("send fails", func(t *testing.T) {
		conn := &fakeConnector{sendErr: errors.New("broken pipe")}
		b := newTestBinding(t, "fake", common.DefaultBindingConfig(), conn.factory)

		_, err := b.DispatchCall(context.Background(), DispatchOptions{Node: common.MustNode("fake://a:1")}, &common.RequestMsg{})
		var callErr *common.ClientCallError
		require.ErrorAs(t, err, &callErr)
		assert.Equal(t, common.StatusDispatchError, callErr.Status)

		// the transport is released even though the send failed
		require.Len(t, b.ClientTransports(), 1)
		assert.True(t, b.ClientTransports()[0].TryAcquire())
	})

	t.Run("closed binding", func(t *testing.T) {
		conn := &fakeConnector{}
		b := newTestBinding(t, "fake", common.DefaultBindingConfig(), conn.factory)
		require.NoError(t, b.Close())

		_, err := b.DispatchCall(context.Background(), DispatchOptions{Node: common.MustNode("fake://a:1")}, &common.RequestMsg{})
		assert.ErrorIs(t, err, common.ErrBindingClosed)
	})
}

// TestDispatchTimeout tests the default call timeout and explicit overrides
func TestDispatchTimeout(t *testing.T) {
	conn := &fakeConnector{}
	conf := common.DefaultBindingConfig()
	conf.DefaultCallTimeoutMs = 50
	b := newTestBinding(t, "fake", conf, conn.factory)
	node := common.MustNode("fake://a:1")

	req := &common.RequestMsg{}
	slot, err := b.DispatchCall(context.Background(), DispatchOptions{Node: node}, req)
	require.NoError(t, err)
	assert.Equal(t, int64(50), req.TimeoutMs)
	assert.Equal(t, 1, b.Host().Pending())

	assert.Eventually(t, func() bool { return slot.CallStatus() == common.StatusTimeout }, time.Second, 5*time.Millisecond)
	_, err = slot.ResponseMsg(context.Background())
	var callErr *common.ClientCallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, common.StatusTimeout, callErr.Status)

	// negative disables the timeout
	slot, err = b.DispatchCall(context.Background(), DispatchOptions{Node: node, Timeout: -1}, &common.RequestMsg{})
	require.NoError(t, err)
	assert.Zero(t, slot.Timeout())
}

// TestReservedTransport tests that a reserved transport is used and not released
func TestReservedTransport(t *testing.T) {
	conn := &fakeConnector{}
	b := newTestBinding(t, "fake", common.DefaultBindingConfig(), conn.factory)
	node := common.MustNode("fake://a:1")

	reserved, err := b.AcquireClientTransportForCall(context.Background(), node)
	require.NoError(t, err)

	_, err = b.DispatchCall(context.Background(), DispatchOptions{Node: node, Reserved: reserved}, &common.RequestMsg{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), conn.dials.Load())
	assert.Equal(t, int32(1), reserved.(*fakeTransport).sent.Load())
	assert.False(t, reserved.TryAcquire(), "reserved transport stays acquired")
}

// TestAcquireReuse tests that released transports are reused and busy ones are not
func TestAcquireReuse(t *testing.T) {
	conn := &fakeConnector{}
	b := newTestBinding(t, "fake", common.DefaultBindingConfig(), conn.factory)
	node := common.MustNode("fake://a:1")
	ctx := context.Background()

	t1, err := b.AcquireClientTransportForCall(ctx, node)
	require.NoError(t, err)
	t2, err := b.AcquireClientTransportForCall(ctx, node)
	require.NoError(t, err)
	assert.NotSame(t, t1, t2, "below the wait threshold a new transport is created")

	t1.Release()
	t3, err := b.AcquireClientTransportForCall(ctx, node)
	require.NoError(t, err)
	assert.Same(t, t1, t3)
	assert.Equal(t, int32(2), conn.dials.Load())

	// other nodes get their own transports
	other, err := b.AcquireClientTransportForCall(ctx, common.MustNode("fake://b:1"))
	require.NoError(t, err)
	assert.Equal(t, "fake://b:1", other.Remote().String())
}

// TestAcquireMaxCount tests that admission never exceeds TransportMaxCount and fails with a timeout
func TestAcquireMaxCount(t *testing.T) {
	conn := &fakeConnector{}
	conf := common.DefaultBindingConfig()
	conf.TransportCountWaitThreshold = 1
	conf.TransportMaxCount = 1
	conf.TransportExistingAcquisitionTimeoutMs = 20
	conf.TransportMaxExistingAcquisitionTimeoutMs = 80
	b := newTestBinding(t, "fake", conf, conn.factory)
	node := common.MustNode("fake://a:1")
	ctx := context.Background()

	held, err := b.AcquireClientTransportForCall(ctx, node)
	require.NoError(t, err)

	start := time.Now()
	_, err = b.AcquireClientTransportForCall(ctx, node)
	var callErr *common.ClientCallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, common.StatusTimeout, callErr.Status)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, int32(1), conn.dials.Load(), "no second transport is created")

	// a waiter picks up the transport once it is released
	go func() {
		time.Sleep(30 * time.Millisecond)
		held.Release()
	}()
	got, err := b.AcquireClientTransportForCall(ctx, node)
	require.NoError(t, err)
	assert.Same(t, held, got)
	assert.Equal(t, int32(1), conn.dials.Load())
}

// TestAcquireConcurrent tests the pool bound under contention
func TestAcquireConcurrent(t *testing.T) {
	conn := &fakeConnector{}
	conf := common.DefaultBindingConfig()
	conf.TransportCountWaitThreshold = 2
	conf.TransportMaxCount = 3
	conf.TransportExistingAcquisitionTimeoutMs = 10
	conf.TransportMaxExistingAcquisitionTimeoutMs = 5000
	b := newTestBinding(t, "fake", conf, conn.factory)
	node := common.MustNode("fake://a:1")

	var wg sync.WaitGroup
	var inUse, peak atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				tr, err := b.AcquireClientTransportForCall(context.Background(), node)
				if !assert.NoError(t, err) {
					return
				}
				n := inUse.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inUse.Add(-1)
				tr.Release()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, conn.dials.Load(), int32(3))
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.LessOrEqual(t, b.NodeCounts()[node.String()], 3)
}

// TestAcquireContextCancel tests that a waiting acquisition honours its context
func TestAcquireContextCancel(t *testing.T) {
	conn := &fakeConnector{}
	conf := common.DefaultBindingConfig()
	conf.TransportCountWaitThreshold = 0
	conf.TransportMaxCount = 1
	b := newTestBinding(t, "fake", conf, conn.factory)
	node := common.MustNode("fake://a:1")

	_, err := b.AcquireClientTransportForCall(context.Background(), node)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = b.AcquireClientTransportForCall(ctx, node)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestMaintain tests idle reaping of client transports
func TestMaintain(t *testing.T) {
	mock := clock.NewMock()
	h := host.New(host.Options{Clock: mock})
	defer h.Shutdown(context.Background())

	conn := &fakeConnector{}
	conf := common.DefaultBindingConfig()
	conf.ClientTransportIdleTimeoutMs = 1000
	conf.Instrumentation.NodeCounts = true
	b, err := New(Options{Name: "fake", Config: conf, Host: h, Connector: conn.factory, Registry: NewRegistry()})
	require.NoError(t, err)
	defer b.Close()

	node := common.MustNode("fake://a:1")
	idle, err := b.AcquireClientTransportForCall(context.Background(), node)
	require.NoError(t, err)
	busy, err := b.AcquireClientTransportForCall(context.Background(), node)
	require.NoError(t, err)
	idle.Release()

	// first visit stamps the idle time
	report := b.Maintain()
	assert.Zero(t, report.ClosedClients)
	assert.Zero(t, idle.IdleFor())

	mock.Add(1500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, idle.IdleFor())

	report = b.Maintain()
	assert.Equal(t, 1, report.ClosedClients)
	assert.Equal(t, 1, report.Pruned)
	assert.True(t, idle.Closed())
	assert.False(t, busy.Closed(), "acquired transports are skipped")
	assert.Len(t, b.ClientTransports(), 1)

	var sb strings.Builder
	b.WriteMetrics(&sb)
	assert.Contains(t, sb.String(), `drpc_active_transports{binding="fake",node="fake://a:1",side="client"} 1`)

	// the last transport of the node goes away, its gauge drops to zero
	busy.Release()
	b.Maintain()
	mock.Add(1500 * time.Millisecond)
	report = b.Maintain()
	assert.Equal(t, 1, report.ClosedClients)
	assert.True(t, busy.Closed())
	assert.Empty(t, b.ClientTransports())

	sb.Reset()
	b.WriteMetrics(&sb)
	assert.Contains(t, sb.String(), `drpc_active_transports{binding="fake",node="fake://a:1",side="client"} 0`)
}

// TestMaintainDisabledTimeout tests that a zero idle timeout never closes transports
func TestMaintainDisabledTimeout(t *testing.T) {
	mock := clock.NewMock()
	h := host.New(host.Options{Clock: mock})
	defer h.Shutdown(context.Background())

	conn := &fakeConnector{}
	conf := common.DefaultBindingConfig()
	conf.ClientTransportIdleTimeoutMs = 0
	b, err := New(Options{Name: "fake", Config: conf, Host: h, Connector: conn.factory, Registry: NewRegistry()})
	require.NoError(t, err)
	defer b.Close()

	tr, err := b.AcquireClientTransportForCall(context.Background(), common.MustNode("fake://a:1"))
	require.NoError(t, err)
	tr.Release()

	b.Maintain()
	mock.Add(24 * time.Hour)
	assert.Zero(t, b.Maintain().ClosedClients)
	assert.False(t, tr.Closed())
}

// TestServerIdleTransports tests stamping and closing of idle server transports
func TestServerIdleTransports(t *testing.T) {
	mock := clock.NewMock()
	h := host.New(host.Options{Clock: mock})
	defer h.Shutdown(context.Background())

	conf := common.DefaultBindingConfig()
	conf.ServerTransportIdleTimeoutMs = 1000
	b, err := New(Options{Name: "inproc", Config: conf, Host: h, Registry: NewRegistry()})
	require.NoError(t, err)
	defer b.Close()

	node := common.MustNode("inproc://binding-test:idle-server")
	l, err := b.Listen(node, echoHandler)
	require.NoError(t, err)
	defer l.Close()

	_, err = b.DispatchCall(context.Background(), DispatchOptions{Node: node}, &common.RequestMsg{})
	require.NoError(t, err)
	require.Len(t, b.ServerTransports(), 1)

	b.Maintain()
	closed, err := b.CloseIdleServerTransports(0)
	require.NoError(t, err)
	assert.Zero(t, closed)

	mock.Add(2 * time.Second)
	closed, err = b.CloseIdleServerTransports(0)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
	assert.Empty(t, b.ServerTransports())
}

// TestRunMaintenance tests the periodic driver
func TestRunMaintenance(t *testing.T) {
	mock := clock.NewMock()
	h := host.New(host.Options{Clock: mock})
	defer h.Shutdown(context.Background())

	conn := &fakeConnector{}
	conf := common.DefaultBindingConfig()
	conf.ClientTransportIdleTimeoutMs = 1000
	b, err := New(Options{Name: "fake", Config: conf, Host: h, Connector: conn.factory, Registry: NewRegistry()})
	require.NoError(t, err)
	defer b.Close()

	tr, err := b.AcquireClientTransportForCall(context.Background(), common.MustNode("fake://a:1"))
	require.NoError(t, err)
	tr.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.RunMaintenance(ctx, time.Second)
		close(done)
	}()

	// the ticker goroutine may not be waiting yet, keep advancing
	assert.Eventually(t, func() bool {
		mock.Add(time.Second)
		return tr.Closed()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("maintenance loop did not stop")
	}
}

// TestClose tests that Close tears down listeners and transports
func TestClose(t *testing.T) {
	reg := NewRegistry()
	h := host.New(host.Options{})
	defer h.Shutdown(context.Background())
	b, err := New(Options{Name: "inproc", Config: common.DefaultBindingConfig(), Host: h, Registry: reg})
	require.NoError(t, err)

	node := common.MustNode("inproc://binding-test:close")
	_, err = b.Listen(node, echoHandler)
	require.NoError(t, err)
	_, err = b.DispatchCall(context.Background(), DispatchOptions{Node: node}, &common.RequestMsg{})
	require.NoError(t, err)

	clients := b.ClientTransports()
	require.NoError(t, b.Close())
	assert.NoError(t, b.Close(), "second close is a no-op")

	assert.True(t, b.Closed())
	assert.True(t, clients[0].Closed())
	assert.Empty(t, b.ClientTransports())
	assert.Empty(t, b.ServerTransports())
	_, ok := reg.Lookup("inproc")
	assert.False(t, ok)

	_, err = b.Listen(node, echoHandler)
	assert.ErrorIs(t, err, common.ErrBindingClosed)
}

// TestCloseRacesAccept tests that transports accepted while the binding closes are closed too
func TestCloseRacesAccept(t *testing.T) {
	b := newTestBinding(t, "fake", common.DefaultBindingConfig(), (&fakeConnector{}).factory)
	node := common.MustNode("fake://a:1")

	accepted := make([]*fakeServerTransport, 50)
	for i := range accepted {
		accepted[i] = &fakeServerTransport{&fakeTransport{Core: transport.NewCore(clock.New(), 0.5), remote: node}}
	}

	var wg sync.WaitGroup
	for _, st := range accepted {
		wg.Add(1)
		go func(st *fakeServerTransport) {
			defer wg.Done()
			b.addServer(st)
		}(st)
	}
	require.NoError(t, b.Close())
	wg.Wait()

	for i, st := range accepted {
		assert.True(t, st.Closed(), "transport %d left open", i)
	}
	assert.Empty(t, b.ServerTransports())
}

// TestInstrumentation tests the dispatch counters and round-trip histogram
func TestInstrumentation(t *testing.T) {
	conf := common.DefaultBindingConfig()
	conf.Instrumentation.Enabled = true
	b := newTestBinding(t, "inproc", conf, nil)
	node := common.MustNode("inproc://binding-test:metrics")
	l, err := b.Listen(node, echoHandler)
	require.NoError(t, err)
	defer l.Close()

	for _, method := range []string{"Echo", "Echo", "fail"} {
		_, err := b.DispatchCall(context.Background(), DispatchOptions{Node: node}, &common.RequestMsg{MethodName: method})
		require.NoError(t, err)
	}

	var sb strings.Builder
	b.WriteMetrics(&sb)
	out := sb.String()
	assert.Contains(t, out, `drpc_calls_dispatched_total{binding="inproc"} 3`)
	assert.Contains(t, out, `drpc_calls_remote_errors_total{binding="inproc"} 1`)
	assert.Contains(t, out, `drpc_call_roundtrip_seconds_count{binding="inproc"}`)
}

// echoOrRecord echoes like echoHandler and reports the args of one-way requests
func echoOrRecord(oneWay chan<- string) transport.ServerHandler {
	return transport.ServerHandlerFunc(func(ctx context.Context, req *common.RequestMsg) *common.ResponseMsg {
		if req.OneWay {
			oneWay <- string(req.Args)
			return nil
		}
		return echoHandler(ctx, req)
	})
}

// echoBlocking echoes once release is closed
func echoBlocking(release <-chan struct{}) transport.ServerHandler {
	return transport.ServerHandlerFunc(func(ctx context.Context, req *common.RequestMsg) *common.ResponseMsg {
		<-release
		return echoHandler(ctx, req)
	})
}
