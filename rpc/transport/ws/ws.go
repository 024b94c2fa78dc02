package ws

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/transport/base"
	"github.com/gorilla/websocket"
	"github.com/lni/dragonboat/v4/logger"
	"net"
	"net/http"
	"sync"
	"time"
)

var Logger = logger.GetLogger("transport/rpc")

const (
	// Name is the binding name of websocket nodes (ws://host:port)
	Name = "ws"

	rpcPath = "/rpc"
)

// --------------------------------------------------------------------------
// Frame channel over a websocket connection
// --------------------------------------------------------------------------

// wsConn implements base.FrameConn, one binary message per frame
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	ioTimeout time.Duration
	maxSize   int
}

func newWSConn(conn *websocket.Conn, conf common.BindingConfig) *wsConn {
	if conf.MaxMessageSize > 0 {
		conn.SetReadLimit(int64(conf.MaxMessageSize + base.HeaderSize))
	}
	return &wsConn{conn: conn, ioTimeout: conf.IOTimeout(), maxSize: conf.MaxMessageSize}
}

func (c *wsConn) WriteFrame(f base.Frame) error {
	msg := base.EncodeFrame(f)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ioTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (c *wsConn) ReadFrame() (base.Frame, error) {
	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return base.Frame{}, &common.MessageTooLargeError{Size: len(msg), Limit: c.maxSize}
			}
			return base.Frame{}, err
		}
		if kind != websocket.BinaryMessage {
			// text and control messages carry no frames
			continue
		}
		return base.DecodeFrame(msg, c.maxSize)
	}
}

func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// --------------------------------------------------------------------------
// Connector
// --------------------------------------------------------------------------

// connector implements transport.IConnector for the ws binding
type connector struct {
	opts     transport.Options
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
}

// NewConnector creates the ws binding connector
func NewConnector(opts transport.Options) transport.IConnector {
	return &connector{
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   opts.Config.Socket.ReadBufferSize,
			WriteBufferSize:  opts.Config.Socket.WriteBufferSize,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.Config.Socket.ReadBufferSize,
			WriteBufferSize: opts.Config.Socket.WriteBufferSize,
		},
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConnector)
// --------------------------------------------------------------------------

func (c *connector) Name() string { return Name }

func (c *connector) Dial(ctx context.Context, node common.Node, sink transport.ResponseSink) (transport.IClientTransport, error) {
	url := fmt.Sprintf("ws://%s%s", node.Address(), rpcPath)
	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", node, err)
	}
	Logger.Debugf("connected to %s using ws transport", node)
	return base.NewClientTransport(newWSConn(conn, c.opts.Config), node, sink, c.opts), nil
}

func (c *connector) Listen(node common.Node, handler transport.ServerHandler, accepted func(transport.IServerTransport)) (transport.IListener, error) {
	ln, err := net.Listen("tcp", node.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+rpcPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := c.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the error response
			Logger.Warningf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
			return
		}
		st := base.NewServerTransport(newWSConn(conn, c.opts.Config), node, handler, c.opts)
		if accepted != nil {
			accepted(st)
		}
		st.Serve()
	})

	l := &listener{ln: ln, server: &http.Server{Handler: mux}, done: make(chan struct{})}
	Logger.Infof("Starting websocket server on %s", ln.Addr())
	go func() {
		defer close(l.done)
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("websocket server on %s failed: %v", ln.Addr(), err)
		}
	}()
	return l, nil
}

// listener implements transport.IListener. Closing it does not close
// accepted (hijacked) connections, the binding owns those.
type listener struct {
	ln     net.Listener
	server *http.Server
	done   chan struct{}
}

func (l *listener) Addr() string { return l.ln.Addr().String() }

func (l *listener) Close() error {
	err := l.server.Close()
	<-l.done
	return err
}
