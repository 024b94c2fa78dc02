package common

import (
	"encoding/json"
	"fmt"
	"maps"
)

// --------------------------------------------------------------------------
// Message Structures
// --------------------------------------------------------------------------

// Headers carries per-request metadata (e.g. auth tokens, tracing ids)
type Headers map[string]string

// Clone returns a copy of h (nil stays nil)
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	return maps.Clone(h)
}

// RequestMsg is a single call issued by a client endpoint.
// The payload (Args) is opaque to the runtime.
type RequestMsg struct {
	RequestID      uint64  `json:"request_id"`
	Contract       string  `json:"contract"`
	MethodName     string  `json:"method"`
	OneWay         bool    `json:"one_way,omitempty"`
	Headers        Headers `json:"headers,omitempty"`
	RemoteInstance string  `json:"remote_instance,omitempty"` // Used for: stateful contracts
	TimeoutMs      int64   `json:"timeout_ms,omitempty"`      // 0 = no timeout
	Args           []byte  `json:"args,omitempty"`
}

// TypeName is used for diagnostic dump file names
func (r *RequestMsg) TypeName() string { return "RequestMsg" }

// Clone returns a copy of the request with its own header map
func (r *RequestMsg) Clone() *RequestMsg {
	c := *r
	c.Headers = r.Headers.Clone()
	return &c
}

// ResponseMsg is the reply to a RequestMsg with the same RequestID
type ResponseMsg struct {
	RequestID      uint64 `json:"request_id"`
	OK             bool   `json:"ok"`
	ReturnValue    []byte `json:"return_value,omitempty"`
	ExceptionData  string `json:"exception,omitempty"` // Empty if OK, otherwise the server-side error
	RemoteInstance string `json:"remote_instance,omitempty"`
}

// TypeName is used for diagnostic dump file names
func (r *ResponseMsg) TypeName() string { return "ResponseMsg" }

// NewOKResponse creates a successful response for req
func NewOKResponse(req *RequestMsg, value []byte) *ResponseMsg {
	return &ResponseMsg{
		RequestID:      req.RequestID,
		OK:             true,
		ReturnValue:    value,
		RemoteInstance: req.RemoteInstance,
	}
}

// NewErrorResponse creates a failed response for req carrying err as exception data
func NewErrorResponse(req *RequestMsg, err error) *ResponseMsg {
	resp := &ResponseMsg{
		RequestID:      req.RequestID,
		RemoteInstance: req.RemoteInstance,
	}
	if err != nil {
		resp.ExceptionData = err.Error()
	}
	return resp
}

// --------------------------------------------------------------------------
// Call Status
// --------------------------------------------------------------------------

// CallStatus is the state of a dispatched call
type CallStatus uint8

const (
	// StatusDispatched is the initial state: the request is out, no reply yet
	StatusDispatched CallStatus = iota
	// StatusResponseOK means a reply arrived and the remote side succeeded
	StatusResponseOK
	// StatusResponseError means a reply arrived and the remote side failed
	StatusResponseError
	// StatusTimeout means no reply arrived within the call timeout
	StatusTimeout
	// StatusDispatchError means the request could not be sent
	StatusDispatchError
)

// String returns the string representation of a CallStatus
func (s CallStatus) String() string {
	switch s {
	case StatusDispatched:
		return "dispatched"
	case StatusResponseOK:
		return "responseOK"
	case StatusResponseError:
		return "responseError"
	case StatusTimeout:
		return "timeout"
	case StatusDispatchError:
		return "dispatchError"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s can no longer change
func (s CallStatus) IsTerminal() bool {
	return s != StatusDispatched
}

// MarshalJSON implements the json.Marshaller interface for CallStatus.
func (s CallStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for CallStatus.
func (s *CallStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	for c := StatusDispatched; c <= StatusDispatchError; c++ {
		if c.String() == str {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown call status: %s", str)
}
