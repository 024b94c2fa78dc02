package base

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/call"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"io"
	"net"
)

var Logger = transport.Logger

// clientTransport sends requests over a single FrameConn and hands replies to
// the response sink. One transport is one connection; the binding pools them.
type clientTransport struct {
	*transport.Core
	conn     FrameConn
	remote   common.Node
	sink     transport.ResponseSink
	opts     transport.Options
	inflight *xsync.MapOf[uint64, struct{}]
	stopCh   chan struct{}
}

// NewClientTransport wraps conn and starts its reader goroutine
func NewClientTransport(conn FrameConn, remote common.Node, sink transport.ResponseSink, opts transport.Options) transport.IClientTransport {
	t := &clientTransport{
		Core:     transport.NewCore(opts.Clock, opts.Config.RoundTripEMAFactor),
		conn:     conn,
		remote:   remote,
		sink:     sink,
		opts:     opts,
		inflight: xsync.NewMapOf[uint64, struct{}](),
		stopCh:   make(chan struct{}),
	}
	go t.readResponses()
	return t
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Remote() common.Node { return t.remote }

func (t *clientTransport) SendRequest(req *common.RequestMsg, opts call.SlotOptions) (*call.CallSlot, error) {
	if t.Closed() {
		return nil, common.ErrTransportClosed
	}

	data, err := t.opts.Serializer.SerializeRequest(req)
	if err != nil {
		t.Stats().RecordError()
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}
	if err := CheckSize(data, t.opts.Config.MaxMessageSize); err != nil {
		t.Stats().RecordError()
		return nil, err
	}

	kind := KindRequest
	if req.OneWay {
		kind = KindOneWayRequest
	} else {
		t.inflight.Store(req.RequestID, struct{}{})
		opts = t.forgetOnComplete(opts)
	}
	slot := call.NewCallSlot(req, t.TrackRoundTrip(opts))

	if err := t.conn.WriteFrame(Frame{Kind: kind, RequestID: req.RequestID, Payload: data}); err != nil {
		t.inflight.Delete(req.RequestID)
		t.Stats().RecordError()
		// a failed write leaves the stream in an unknown state
		t.fail(fmt.Errorf("write to %s failed: %w", t.remote, err))
		return nil, err
	}

	t.Stats().RecordSent(len(data))
	t.MarkActive()
	return slot, nil
}

func (t *clientTransport) Close() error {
	if !t.MarkClosed() {
		return nil
	}
	close(t.stopCh)
	err := t.conn.Close()
	t.failInflight(common.ErrTransportClosed)
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// readResponses reads frames until the channel breaks and routes replies to the sink
func (t *clientTransport) readResponses() {
	for {
		f, err := t.conn.ReadFrame()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				Logger.Infof("connection to %s closed by peer", t.remote)
			} else {
				Logger.Errorf("error reading from %s: %v", t.remote, err)
				t.Stats().RecordError()
			}
			t.fail(err)
			return
		}

		if f.Kind != KindResponse {
			t.fail(&common.ProtocolError{Msg: fmt.Sprintf("client received frame kind %d", f.Kind), CloseChannel: true})
			return
		}

		t.Stats().RecordReceived(len(f.Payload))
		t.MarkActive()
		t.inflight.Delete(f.RequestID)

		resp := &common.ResponseMsg{}
		if err := t.opts.Serializer.DeserializeResponse(f.Payload, resp); err != nil {
			t.Stats().RecordError()
			if t.opts.OnDecodeFailure != nil {
				t.opts.OnDecodeFailure(false, f.Payload, err)
			}
			Logger.Warningf("failed to decode reply %d from %s: %v", f.RequestID, t.remote, err)
			go t.sink.DispatchFailed(context.Background(), f.RequestID, &common.ProtocolError{Msg: err.Error()})
			continue
		}
		resp.RequestID = f.RequestID

		// the sink may wait for the dispatching goroutine, do not block the reader
		go t.sink.DeliverResponse(context.Background(), resp)
	}
}

// fail closes the transport and fails every call still waiting on it
func (t *clientTransport) fail(cause error) {
	if !t.MarkClosed() {
		return
	}
	close(t.stopCh)
	_ = t.conn.Close()
	t.failInflight(cause)
}

// forgetOnComplete drops the id from the in-flight table once the slot is
// terminal, so calls that time out on a live connection do not pile up
func (t *clientTransport) forgetOnComplete(opts call.SlotOptions) call.SlotOptions {
	next := opts.OnComplete
	opts.OnComplete = func(s *call.CallSlot) {
		t.inflight.Delete(s.RequestID())
		if next != nil {
			next(s)
		}
	}
	return opts
}

func (t *clientTransport) failInflight(cause error) {
	t.inflight.Range(func(id uint64, _ struct{}) bool {
		t.inflight.Delete(id)
		go t.sink.DispatchFailed(context.Background(), id, cause)
		return true
	})
}
