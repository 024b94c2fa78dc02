package serializer

import (
	"encoding/json"
	"github.com/ValentinKolb/dRPC/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Name() string { return "json" }

func (j jsonSerializerImpl) SerializeRequest(req *common.RequestMsg) ([]byte, error) {
	return json.Marshal(req)
}

func (j jsonSerializerImpl) DeserializeRequest(b []byte, req *common.RequestMsg) error {
	return json.Unmarshal(b, req)
}

func (j jsonSerializerImpl) SerializeResponse(resp *common.ResponseMsg) ([]byte, error) {
	return json.Marshal(resp)
}

func (j jsonSerializerImpl) DeserializeResponse(b []byte, resp *common.ResponseMsg) error {
	return json.Unmarshal(b, resp)
}
