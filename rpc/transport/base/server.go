package base

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"io"
	"net"
	"sync"
	"time"
)

// ServerTransport serves one accepted FrameConn. Requests are handled by a
// bounded number of worker goroutines per connection.
type ServerTransport struct {
	*transport.Core
	conn    FrameConn
	local   common.Node
	handler transport.ServerHandler
	opts    transport.Options
	workers int
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewServerTransport creates the transport for an accepted connection.
// Serve must be called to process requests.
func NewServerTransport(conn FrameConn, local common.Node, handler transport.ServerHandler, opts transport.Options) *ServerTransport {
	// minimum one worker per connection
	workers := max(opts.Config.WorkersPerConnection, 1)
	ctx, cancel := context.WithCancel(context.Background())
	return &ServerTransport{
		Core:    transport.NewCore(opts.Clock, opts.Config.RoundTripEMAFactor),
		conn:    conn,
		local:   local,
		handler: handler,
		opts:    opts,
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerTransport)
// --------------------------------------------------------------------------

func (t *ServerTransport) Local() common.Node { return t.local }

func (t *ServerTransport) Peer() string { return t.conn.RemoteAddr() }

func (t *ServerTransport) Close() error {
	if !t.MarkClosed() {
		return nil
	}
	t.cancel()
	return t.conn.Close()
}

// Serve handles incoming requests until the connection ends. It waits for
// running workers before returning.
func (t *ServerTransport) Serve() {
	defer t.Close()

	// The buffered channel acts as a counting semaphore
	workerSemaphore := make(chan struct{}, t.workers)
	var wg sync.WaitGroup

	for {
		f, err := t.conn.ReadFrame()
		if err != nil {
			t.logReadError(err)
			break
		}
		t.Stats().RecordReceived(len(f.Payload))
		t.MarkActive()

		if f.Kind == KindResponse {
			Logger.Errorf("server connection %s sent a reply frame, closing", t.Peer())
			t.Stats().RecordError()
			break
		}

		// Acquire a slot in the semaphore (blocks if the worker limit is reached)
		workerSemaphore <- struct{}{}
		wg.Add(1)
		go func(f Frame) {
			defer func() {
				<-workerSemaphore
				wg.Done()
			}()
			t.handleFrame(f)
		}(f)
	}

	// Wait for all workers to finish before closing the connection
	wg.Wait()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *ServerTransport) handleFrame(f Frame) {
	oneWay := f.Kind == KindOneWayRequest

	req := &common.RequestMsg{}
	if err := t.opts.Serializer.DeserializeRequest(f.Payload, req); err != nil {
		t.Stats().RecordError()
		if t.opts.OnDecodeFailure != nil {
			t.opts.OnDecodeFailure(true, f.Payload, err)
		}
		Logger.Warningf("failed to decode request %d from %s: %v", f.RequestID, t.Peer(), err)
		if !oneWay {
			t.reply(&common.ResponseMsg{RequestID: f.RequestID, ExceptionData: (&common.ProtocolError{Msg: err.Error()}).Error()})
		}
		return
	}
	req.RequestID = f.RequestID
	req.OneWay = oneWay

	start := time.Now()
	resp := t.handler.HandleRequest(t.ctx, req)
	Logger.Debugf("processed %s.%s (request %d) in %s", req.Contract, req.MethodName, req.RequestID, time.Since(start))

	if oneWay {
		return
	}
	if resp == nil {
		resp = common.NewErrorResponse(req, fmt.Errorf("no reply produced"))
	}
	resp.RequestID = req.RequestID
	t.reply(resp)
}

func (t *ServerTransport) reply(resp *common.ResponseMsg) {
	data, err := t.opts.Serializer.SerializeResponse(resp)
	if err == nil {
		err = CheckSize(data, t.opts.Config.MaxMessageSize)
	}
	if err != nil {
		// replace the reply with a small error reply so the caller does not wait forever
		Logger.Errorf("failed to encode reply %d: %v", resp.RequestID, err)
		t.Stats().RecordError()
		data, err = t.opts.Serializer.SerializeResponse(&common.ResponseMsg{RequestID: resp.RequestID, ExceptionData: err.Error()})
		if err != nil {
			return
		}
	}

	if err := t.conn.WriteFrame(Frame{Kind: KindResponse, RequestID: resp.RequestID, Payload: data}); err != nil {
		Logger.Errorf("failed to write reply %d to %s: %v", resp.RequestID, t.Peer(), err)
		t.Stats().RecordError()
		return
	}
	t.Stats().RecordSent(len(data))
	t.MarkActive()
}

func (t *ServerTransport) logReadError(err error) {
	switch {
	case t.Closed():
		Logger.Debugf("server connection %s closed locally", t.Peer())
	case errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
		Logger.Infof("connection %s closed by client", t.Peer())
	default:
		Logger.Errorf("error reading from %s: %v", t.Peer(), err)
		t.Stats().RecordError()
	}
}
