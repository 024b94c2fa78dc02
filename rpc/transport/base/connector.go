package base

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"net"
	"sync"
	"time"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IStreamConnector defines the technology specific operations of a stream binding
type IStreamConnector interface {
	// Name returns the name of the transport type (e.g., "unix", "tcp")
	Name() string
	// Dial establishes a single connection to address
	Dial(ctx context.Context, address string) (net.Conn, error)
	// Listen creates a listener on address
	Listen(address string) (net.Listener, error)
	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.BindingConfig) error
}

// -----------------------------------------------------------
// Connector Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewConnector creates a transport.IConnector for stream based bindings
func NewConnector(sc IStreamConnector, opts transport.Options) transport.IConnector {
	return &streamConnector{sc: sc, opts: opts}
}

type streamConnector struct {
	sc   IStreamConnector
	opts transport.Options
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConnector)
// --------------------------------------------------------------------------

func (c *streamConnector) Name() string { return c.sc.Name() }

func (c *streamConnector) Dial(ctx context.Context, node common.Node, sink transport.ResponseSink) (transport.IClientTransport, error) {
	conn, err := c.sc.Dial(ctx, node.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", node, err)
	}

	// Upgrade the connection with protocol-specific settings
	if err := c.sc.UpgradeConnection(conn, c.opts.Config); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %w", node, err)
	}

	Logger.Debugf("connected to %s using %s transport", node, c.sc.Name())
	fc := NewStreamConn(conn, c.opts.Config.IOTimeout(), c.opts.Config.MaxMessageSize)
	return NewClientTransport(fc, node, sink, c.opts), nil
}

func (c *streamConnector) Listen(node common.Node, handler transport.ServerHandler, accepted func(transport.IServerTransport)) (transport.IListener, error) {
	ln, err := c.sc.Listen(node.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	l := &streamListener{ln: ln, done: make(chan struct{})}
	Logger.Infof("starting %s server on %s with %d workers per connection",
		c.sc.Name(), ln.Addr(), max(c.opts.Config.WorkersPerConnection, 1))

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		c.acceptLoop(l, node, handler, accepted)
	}()
	return l, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *streamConnector) acceptLoop(l *streamListener, node common.Node, handler transport.ServerHandler, accepted func(transport.IServerTransport)) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			Logger.Errorf("accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if err := c.sc.UpgradeConnection(conn, c.opts.Config); err != nil {
			Logger.Warningf("failed to upgrade accepted connection %s: %v", conn.RemoteAddr(), err)
		}

		st := NewServerTransport(NewStreamConn(conn, c.opts.Config.IOTimeout(), c.opts.Config.MaxMessageSize), node, handler, c.opts)
		if accepted != nil {
			accepted(st)
		}
		// Handle the connection in a goroutine
		go st.Serve()
	}
}

// streamListener implements transport.IListener
type streamListener struct {
	ln        net.Listener
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (l *streamListener) Addr() string { return l.ln.Addr().String() }

func (l *streamListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.ln.Close()
		l.wg.Wait()
	})
	return err
}
