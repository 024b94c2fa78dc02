package http

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"net"
	"net/http"
)

const (
	// Name is the binding name of http nodes (http://host:port)
	Name = "http"

	rpcPath      = "/rpc"
	contentType  = "application/octet-stream"
	oneWayHeader = "X-Drpc-One-Way"
)

// connector implements transport.IConnector for the http binding
type connector struct {
	opts transport.Options
}

// NewConnector creates the http binding connector
func NewConnector(opts transport.Options) transport.IConnector {
	return &connector{opts: opts}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConnector)
// --------------------------------------------------------------------------

func (c *connector) Name() string { return Name }

func (c *connector) Dial(_ context.Context, node common.Node, _ transport.ResponseSink) (transport.IClientTransport, error) {
	// connections are opened lazily by the http client on the first request
	return newClientTransport(node, c.opts), nil
}

func (c *connector) Listen(node common.Node, handler transport.ServerHandler, accepted func(transport.IServerTransport)) (transport.IListener, error) {
	ln, err := net.Listen("tcp", node.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	l := &httpListener{
		ln:      ln,
		handler: handler,
		opts:    c.opts,
		conns:   xsync.NewMapOf[net.Conn, *httpServerTransport](),
		done:    make(chan struct{}),
	}

	handle := http.HandlerFunc(l.handleRequest)
	if common.DebugEnabled() {
		handle = loggerMiddleware(handle)
	}
	var h http.Handler = handle
	if limit := c.opts.Config.MaxMessageSize; limit > 0 {
		inner := h
		h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, int64(limit))
			inner.ServeHTTP(w, r)
		})
	}

	mux := http.NewServeMux()
	mux.Handle("POST "+rpcPath, h)

	l.server = &http.Server{
		Handler: mux,
		ConnContext: func(ctx context.Context, conn net.Conn) context.Context {
			st := &httpServerTransport{
				Core:  transport.NewCore(c.opts.Clock, c.opts.Config.RoundTripEMAFactor),
				conn:  conn,
				local: node,
			}
			l.conns.Store(conn, st)
			if accepted != nil {
				accepted(st)
			}
			return context.WithValue(ctx, ctxKey{}, st)
		},
		ConnState: func(conn net.Conn, state http.ConnState) {
			if state == http.StateClosed || state == http.StateHijacked {
				if st, ok := l.conns.LoadAndDelete(conn); ok {
					st.MarkClosed()
				}
			}
		},
	}

	Logger.Infof("Starting HTTP server on %s", ln.Addr())
	go func() {
		defer close(l.done)
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("HTTP server on %s failed: %v", ln.Addr(), err)
		}
	}()
	return l, nil
}
