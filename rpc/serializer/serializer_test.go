package serializer

import (
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testRequests creates a set of requests with different fields filled
func testRequests() []common.RequestMsg {
	return []common.RequestMsg{
		{RequestID: 1},
		{RequestID: 2, Contract: "calc", MethodName: "Add", Args: []byte("1,2")},
		{RequestID: 3, Contract: "log", MethodName: "Write", OneWay: true},
		{
			RequestID:      4,
			Contract:       "session",
			MethodName:     "Next",
			Headers:        common.Headers{"auth": "token", "trace": "abc"},
			RemoteInstance: "3f1c",
			TimeoutMs:      1500,
			Args:           []byte{0, 1, 2, 255},
		},
	}
}

// testResponses creates a set of responses with different fields filled
func testResponses() []common.ResponseMsg {
	return []common.ResponseMsg{
		{RequestID: 1},
		{RequestID: 2, OK: true, ReturnValue: []byte("3")},
		{RequestID: 3, ExceptionData: "division by zero"},
		{RequestID: 4, OK: true, ReturnValue: []byte{9}, RemoteInstance: "3f1c"},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			s := factory()

			for i, req := range testRequests() {
				data, err := s.SerializeRequest(&req)
				require.NoError(t, err, "request %d", i)

				var result common.RequestMsg
				require.NoError(t, s.DeserializeRequest(data, &result), "request %d", i)
				assert.Equal(t, req, result, "request %d", i)
			}

			for i, resp := range testResponses() {
				data, err := s.SerializeResponse(&resp)
				require.NoError(t, err, "response %d", i)

				var result common.ResponseMsg
				require.NoError(t, s.DeserializeResponse(data, &result), "response %d", i)
				assert.Equal(t, resp, result, "response %d", i)
			}
		})
	}
}

// TestByName tests the serializer lookup used by the cli and bindings
func TestByName(t *testing.T) {
	for _, name := range []string{"binary", "json", "gob"} {
		s, err := ByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}
	s, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, "binary", s.Name())

	_, err = ByName("xml")
	assert.Error(t, err)
}

// TestBinaryEmptySlices tests that the binary serializer keeps empty but non-nil payloads
func TestBinaryEmptySlices(t *testing.T) {
	s := NewBinarySerializer()

	req := common.RequestMsg{RequestID: 5, Args: []byte{}, Headers: common.Headers{}}
	data, err := s.SerializeRequest(&req)
	require.NoError(t, err)

	var result common.RequestMsg
	require.NoError(t, s.DeserializeRequest(data, &result))
	assert.NotNil(t, result.Args)
	assert.Len(t, result.Args, 0)
	assert.NotNil(t, result.Headers)
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	s := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{"Empty data", []byte{}, true},
		{"Too short header", []byte{'Q', 0, 0}, true},
		{"Wrong marker", []byte{'R', 0, 0, 0, 0, 0, 0, 0, 0, 1}, true},
		{"Valid header only", []byte{'Q', 0, 0, 0, 0, 0, 0, 0, 0, 1}, false},
		{"Invalid length for contract", []byte{'Q', reqHasContract, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 5, 'a', 'b'}, true},
		{"Invalid length for args", []byte{'Q', reqHasArgs, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 10}, true},
		{"Truncated headers", []byte{'Q', reqHasHeaders, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 2}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.RequestMsg
			err := s.DeserializeRequest(tc.data, &msg)
			if tc.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, uint64(1), msg.RequestID)
			}
		})
	}

	var resp common.ResponseMsg
	assert.Error(t, s.DeserializeResponse([]byte{'R', respHasValue, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 1, 0}, &resp))
}
