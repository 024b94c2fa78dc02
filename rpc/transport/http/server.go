package http

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"io"
	"net"
	"net/http"
	"time"
)

var Logger = logger.GetLogger("transport/rpc")

type ctxKey struct{}

// httpServerTransport represents one accepted HTTP connection
type httpServerTransport struct {
	*transport.Core
	conn  net.Conn
	local common.Node
}

func (t *httpServerTransport) Local() common.Node { return t.local }

func (t *httpServerTransport) Peer() string { return t.conn.RemoteAddr().String() }

func (t *httpServerTransport) Close() error {
	if !t.MarkClosed() {
		return nil
	}
	return t.conn.Close()
}

// httpListener runs the http.Server of a listening binding
type httpListener struct {
	server  *http.Server
	ln      net.Listener
	handler transport.ServerHandler
	opts    transport.Options
	conns   *xsync.MapOf[net.Conn, *httpServerTransport]
	done    chan struct{}
}

func (l *httpListener) Addr() string { return l.ln.Addr().String() }

func (l *httpListener) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.server.Shutdown(ctx)
	<-l.done
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleRequest decodes the request, runs the handler and writes the reply
func (l *httpListener) handleRequest(w http.ResponseWriter, r *http.Request) {
	st, _ := r.Context().Value(ctxKey{}).(*httpServerTransport)

	// Read request body
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, (&common.MessageTooLargeError{Size: int(r.ContentLength), Limit: l.opts.Config.MaxMessageSize}).Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}
	if st != nil {
		st.Stats().RecordReceived(len(body))
		st.MarkActive()
	}

	req := &common.RequestMsg{}
	if err := l.opts.Serializer.DeserializeRequest(body, req); err != nil {
		if l.opts.OnDecodeFailure != nil {
			l.opts.OnDecodeFailure(true, body, err)
		}
		if st != nil {
			st.Stats().RecordError()
		}
		http.Error(w, (&common.ProtocolError{Msg: err.Error()}).Error(), http.StatusBadRequest)
		return
	}
	req.OneWay = r.Header.Get(oneWayHeader) != ""

	if req.OneWay {
		// answer at once, the caller never waits for one-way calls
		w.WriteHeader(http.StatusAccepted)
		go l.handler.HandleRequest(context.Background(), req)
		return
	}

	resp := l.handler.HandleRequest(r.Context(), req)
	if resp == nil {
		resp = common.NewErrorResponse(req, fmt.Errorf("no reply produced"))
	}
	resp.RequestID = req.RequestID

	data, err := l.opts.Serializer.SerializeResponse(resp)
	if err != nil {
		http.Error(w, "Failed to encode reply", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	if _, err = w.Write(data); err != nil {
		Logger.Errorf("Failed to write reply %d: %v", resp.RequestID, err)
		if st != nil {
			st.Stats().RecordError()
		}
		return
	}
	if st != nil {
		st.Stats().RecordSent(len(data))
	}
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create custom response writer to capture status code
		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		// Process request
		next.ServeHTTP(rw, r)

		// Log the request
		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	}
}
