package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/call"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/transport/base"
	"io"
	"net/http"
	"time"
)

// httpClientTransport posts every request and completes its slot with the
// reply before SendRequest returns. A transport owns one keep-alive connection.
type httpClientTransport struct {
	*transport.Core
	remote common.Node
	url    string
	client *http.Client
	opts   transport.Options
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IClientTransport)
// --------------------------------------------------------------------------

func (t *httpClientTransport) Remote() common.Node { return t.remote }

func (t *httpClientTransport) SendRequest(req *common.RequestMsg, opts call.SlotOptions) (*call.CallSlot, error) {
	if t.Closed() {
		return nil, common.ErrTransportClosed
	}

	data, err := t.opts.Serializer.SerializeRequest(req)
	if err != nil {
		t.Stats().RecordError()
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}
	if err := base.CheckSize(data, t.opts.Config.MaxMessageSize); err != nil {
		t.Stats().RecordError()
		return nil, err
	}

	slot := call.NewCallSlot(req, t.TrackRoundTrip(opts))

	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Content-Type", contentType)
	if req.OneWay {
		httpRequest.Header.Set(oneWayHeader, "1")
	}

	httpResponse, err := t.client.Do(httpRequest)
	if err != nil {
		t.Stats().RecordError()
		if errors.Is(err, context.DeadlineExceeded) {
			// sent but not answered in time, the slot reads as timed out
			return slot, nil
		}
		return nil, err
	}
	defer func() {
		if err := httpResponse.Body.Close(); err != nil {
			Logger.Errorf("Failed to close response body: %v", err)
		}
	}()
	t.Stats().RecordSent(len(data))
	t.MarkActive()

	if req.OneWay {
		_, _ = io.Copy(io.Discard, httpResponse.Body)
		return slot, nil
	}

	// Check if the response status code is OK
	if httpResponse.StatusCode != http.StatusOK {
		t.Stats().RecordError()
		msg, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 1024))
		slot.SignalDispatchError(fmt.Errorf("http error: %s: %s", httpResponse.Status, bytes.TrimSpace(msg)))
		return slot, nil
	}

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		t.Stats().RecordError()
		slot.SignalDispatchError(fmt.Errorf("failed to read reply: %w", err))
		return slot, nil
	}
	t.Stats().RecordReceived(len(body))

	resp := &common.ResponseMsg{}
	if err := t.opts.Serializer.DeserializeResponse(body, resp); err != nil {
		t.Stats().RecordError()
		if t.opts.OnDecodeFailure != nil {
			t.opts.OnDecodeFailure(false, body, err)
		}
		slot.SignalDispatchError(&common.ProtocolError{Msg: err.Error()})
		return slot, nil
	}
	resp.RequestID = req.RequestID
	slot.DeliverResponse(resp)
	return slot, nil
}

func (t *httpClientTransport) Close() error {
	if t.MarkClosed() {
		t.client.CloseIdleConnections()
	}
	return nil
}

// newClientTransport creates a transport with its own single-connection pool
func newClientTransport(node common.Node, opts transport.Options) *httpClientTransport {
	return &httpClientTransport{
		Core:   transport.NewCore(opts.Clock, opts.Config.RoundTripEMAFactor),
		remote: node,
		url:    fmt.Sprintf("http://%s%s", node.Address(), rpcPath),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        1,
				MaxIdleConnsPerHost: 1,
				MaxConnsPerHost:     1,
				IdleConnTimeout:     max(opts.Config.ClientIdleTimeout(), time.Minute),
			},
		},
		opts: opts,
	}
}
