package common

import (
	"fmt"
)

// --------------------------------------------------------------------------
// Inspector contracts
// --------------------------------------------------------------------------

// IClientMessageInspector observes and may replace messages on the client side.
// Returning a nil message keeps the current one.
type IClientMessageInspector interface {
	// BeforeSendRequest runs before the request is handed to a transport
	BeforeSendRequest(req *RequestMsg) (*RequestMsg, error)
	// AfterReceiveReply runs once per call when the reply is first read
	AfterReceiveReply(req *RequestMsg, resp *ResponseMsg) (*ResponseMsg, error)
}

// IServerMessageInspector observes and may replace messages on the server side.
// Returning a nil message keeps the current one.
type IServerMessageInspector interface {
	// AfterReceiveRequest runs before the request is mapped to a contract
	AfterReceiveRequest(req *RequestMsg) (*RequestMsg, error)
	// BeforeSendReply runs before the reply is handed back to the transport
	BeforeSendReply(req *RequestMsg, resp *ResponseMsg) (*ResponseMsg, error)
}

// ClientInspectorFuncs adapts plain functions to IClientMessageInspector.
// Nil functions pass the message through.
type ClientInspectorFuncs struct {
	Request func(req *RequestMsg) (*RequestMsg, error)
	Reply   func(req *RequestMsg, resp *ResponseMsg) (*ResponseMsg, error)
}

func (f ClientInspectorFuncs) BeforeSendRequest(req *RequestMsg) (*RequestMsg, error) {
	if f.Request == nil {
		return req, nil
	}
	return f.Request(req)
}

func (f ClientInspectorFuncs) AfterReceiveReply(req *RequestMsg, resp *ResponseMsg) (*ResponseMsg, error) {
	if f.Reply == nil {
		return resp, nil
	}
	return f.Reply(req, resp)
}

// ServerInspectorFuncs adapts plain functions to IServerMessageInspector.
type ServerInspectorFuncs struct {
	Request func(req *RequestMsg) (*RequestMsg, error)
	Reply   func(req *RequestMsg, resp *ResponseMsg) (*ResponseMsg, error)
}

func (f ServerInspectorFuncs) AfterReceiveRequest(req *RequestMsg) (*RequestMsg, error) {
	if f.Request == nil {
		return req, nil
	}
	return f.Request(req)
}

func (f ServerInspectorFuncs) BeforeSendReply(req *RequestMsg, resp *ResponseMsg) (*ResponseMsg, error) {
	if f.Reply == nil {
		return resp, nil
	}
	return f.Reply(req, resp)
}

// --------------------------------------------------------------------------
// Chains
// --------------------------------------------------------------------------

const (
	StageBeforeSendRequest   = "before send request"
	StageAfterReceiveReply   = "after receive reply"
	StageAfterReceiveRequest = "after receive request"
	StageBeforeSendReply     = "before send reply"
)

// ClientInspectorChain runs client inspectors in order
type ClientInspectorChain []IClientMessageInspector

// ApplyRequest runs BeforeSendRequest on every inspector, feeding each the
// result of the previous one. Failures and panics are wrapped in InspectorError.
func (c ClientInspectorChain) ApplyRequest(req *RequestMsg) (out *RequestMsg, err error) {
	out = req
	for i, inspector := range c {
		var next *RequestMsg
		next, err = guard(StageBeforeSendRequest, i, func() (*RequestMsg, error) {
			return inspector.BeforeSendRequest(out)
		})
		if err != nil {
			return nil, err
		}
		if next != nil {
			out = next
		}
	}
	return out, nil
}

// ApplyReply runs AfterReceiveReply on every inspector
func (c ClientInspectorChain) ApplyReply(req *RequestMsg, resp *ResponseMsg) (out *ResponseMsg, err error) {
	out = resp
	for i, inspector := range c {
		var next *ResponseMsg
		next, err = guard(StageAfterReceiveReply, i, func() (*ResponseMsg, error) {
			return inspector.AfterReceiveReply(req, out)
		})
		if err != nil {
			return nil, err
		}
		if next != nil {
			out = next
		}
	}
	return out, nil
}

// ServerInspectorChain runs server inspectors in order
type ServerInspectorChain []IServerMessageInspector

// ApplyRequest runs AfterReceiveRequest on every inspector
func (c ServerInspectorChain) ApplyRequest(req *RequestMsg) (out *RequestMsg, err error) {
	out = req
	for i, inspector := range c {
		var next *RequestMsg
		next, err = guard(StageAfterReceiveRequest, i, func() (*RequestMsg, error) {
			return inspector.AfterReceiveRequest(out)
		})
		if err != nil {
			return nil, err
		}
		if next != nil {
			out = next
		}
	}
	return out, nil
}

// ApplyReply runs BeforeSendReply on every inspector
func (c ServerInspectorChain) ApplyReply(req *RequestMsg, resp *ResponseMsg) (out *ResponseMsg, err error) {
	out = resp
	for i, inspector := range c {
		var next *ResponseMsg
		next, err = guard(StageBeforeSendReply, i, func() (*ResponseMsg, error) {
			return inspector.BeforeSendReply(req, out)
		})
		if err != nil {
			return nil, err
		}
		if next != nil {
			out = next
		}
	}
	return out, nil
}

// guard runs fn and converts both returned errors and panics into InspectorError
func guard[T any](stage string, index int, fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &InspectorError{Stage: stage, Index: index, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	out, err = fn()
	if err != nil {
		err = &InspectorError{Stage: stage, Index: index, Err: err}
	}
	return out, err
}
