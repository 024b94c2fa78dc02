package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClientChainOrder tests that inspectors run in order and may replace the message
func TestClientChainOrder(t *testing.T) {
	var order []int
	chain := ClientInspectorChain{
		ClientInspectorFuncs{Request: func(req *RequestMsg) (*RequestMsg, error) {
			order = append(order, 1)
			c := req.Clone()
			c.MethodName = "replaced"
			return c, nil
		}},
		ClientInspectorFuncs{Request: func(req *RequestMsg) (*RequestMsg, error) {
			order = append(order, 2)
			assert.Equal(t, "replaced", req.MethodName)
			return nil, nil // keep
		}},
	}

	out, err := chain.ApplyRequest(&RequestMsg{MethodName: "orig"})
	require.NoError(t, err)
	assert.Equal(t, "replaced", out.MethodName)
	assert.Equal(t, []int{1, 2}, order)
}

// TestChainWrapsFailures tests that errors and panics are wrapped, not swallowed
func TestChainWrapsFailures(t *testing.T) {
	boom := errors.New("boom")

	chain := ClientInspectorChain{
		ClientInspectorFuncs{},
		ClientInspectorFuncs{Reply: func(req *RequestMsg, resp *ResponseMsg) (*ResponseMsg, error) {
			return nil, boom
		}},
	}
	_, err := chain.ApplyReply(&RequestMsg{}, &ResponseMsg{OK: true})
	var ie *InspectorError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, 1, ie.Index)
	assert.Equal(t, StageAfterReceiveReply, ie.Stage)
	assert.True(t, errors.Is(err, boom))

	server := ServerInspectorChain{
		ServerInspectorFuncs{Request: func(req *RequestMsg) (*RequestMsg, error) {
			panic("inspector exploded")
		}},
	}
	_, err = server.ApplyRequest(&RequestMsg{})
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, StageAfterReceiveRequest, ie.Stage)
	assert.Contains(t, err.Error(), "inspector exploded")
}

// TestErrorTaxonomy tests that every typed error is recognised as ErrRPC
func TestErrorTaxonomy(t *testing.T) {
	errs := []error{
		ErrOneWayAccess,
		NewTimeoutError(1, ""),
		NewDispatchError(1, errors.New("x")),
		&InspectorError{Err: errors.New("x")},
		&RemoteError{Data: "x"},
		&ProtocolError{Msg: "x"},
		&MessageTooLargeError{Size: 2, Limit: 1},
		&UnknownContractError{Contract: "x"},
		&InstanceActivationError{Contract: "x"},
		&UnknownInstanceError{Instance: "x"},
		&LockTimeoutError{Instance: "x"},
		&MethodInvocationError{Contract: "x"},
		ErrServerNotRunning,
	}
	for _, err := range errs {
		assert.True(t, errors.Is(err, ErrRPC), "%T should be ErrRPC", err)
	}

	var cce *ClientCallError
	require.True(t, errors.As(NewTimeoutError(7, "late"), &cce))
	assert.Equal(t, StatusTimeout, cce.Status)
	assert.Equal(t, uint64(7), cce.RequestID)
}
