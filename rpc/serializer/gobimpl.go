package serializer

import (
	"bytes"
	"encoding/gob"
	"github.com/ValentinKolb/dRPC/rpc/common"
)

// NewGOBSerializer creates a new serializer using Go's binary gob format
func NewGOBSerializer() IRPCSerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the IRPCSerializer interface using gob encoding
type gobSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) Name() string { return "gob" }

func (g gobSerializerImpl) SerializeRequest(req *common.RequestMsg) ([]byte, error) {
	return gobEncode(req)
}

func (g gobSerializerImpl) DeserializeRequest(b []byte, req *common.RequestMsg) error {
	return gob.NewDecoder(bytes.NewBuffer(b)).Decode(req)
}

func (g gobSerializerImpl) SerializeResponse(resp *common.ResponseMsg) ([]byte, error) {
	return gobEncode(resp)
}

func (g gobSerializerImpl) DeserializeResponse(b []byte, resp *common.ResponseMsg) error {
	return gob.NewDecoder(bytes.NewBuffer(b)).Decode(resp)
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
