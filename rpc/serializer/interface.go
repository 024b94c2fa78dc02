package serializer

import (
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"strings"
)

// IRPCSerializer is the interface for all message serializers
type IRPCSerializer interface {
	// Name returns the name of the format (e.g. "binary", "json")
	Name() string
	// SerializeRequest encodes a request into a byte array
	SerializeRequest(req *common.RequestMsg) ([]byte, error)
	// DeserializeRequest decodes a byte array into req
	DeserializeRequest(b []byte, req *common.RequestMsg) error
	// SerializeResponse encodes a response into a byte array
	SerializeResponse(resp *common.ResponseMsg) ([]byte, error)
	// DeserializeResponse decodes a byte array into resp
	DeserializeResponse(b []byte, resp *common.ResponseMsg) error
}

// ByName returns the serializer registered under name (binary, json, gob)
func ByName(name string) (IRPCSerializer, error) {
	switch strings.ToLower(name) {
	case "", "binary":
		return NewBinarySerializer(), nil
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s", name)
	}
}
