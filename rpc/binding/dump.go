package binding

import (
	"encoding/json"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/serializer"
	"github.com/google/uuid"
	"os"
	"path/filepath"
)

// dumpable is implemented by RequestMsg and ResponseMsg
type dumpable interface {
	TypeName() string
}

// Dumper writes individual messages to disk for diagnostics. File names
// follow {S|C}-{MsgTypeName}.{guid}.{requestId}.{ok|err}.{ext}, or
// {S|C}-null.{guid}.err.{ext} when the message could not be decoded.
type Dumper struct {
	conf       common.DumpConf
	serializer serializer.IRPCSerializer
}

// NewDumper creates a dumper. A DumpNone detail disables every write.
func NewDumper(conf common.DumpConf, ser serializer.IRPCSerializer) *Dumper {
	return &Dumper{conf: conf, serializer: ser}
}

// Enabled reports whether messages of the given kind are dumped
func (d *Dumper) Enabled(flag common.DumpDetail) bool {
	return d != nil && d.conf.Detail.Has(flag)
}

// DumpRequest writes req if the matching detail flag is set
func (d *Dumper) DumpRequest(server bool, req *common.RequestMsg) {
	flag := common.DumpClientRequests
	if server {
		flag = common.DumpServerRequests
	}
	if !d.Enabled(flag) {
		return
	}
	var data []byte
	var err error
	if d.conf.Format == common.DumpFormatText {
		data, err = json.MarshalIndent(req, "", "  ")
	} else {
		data, err = d.serializer.SerializeRequest(req)
	}
	d.write(server, req, req.RequestID, true, data, err)
}

// DumpResponse writes resp if the matching detail flag is set
func (d *Dumper) DumpResponse(server bool, resp *common.ResponseMsg) {
	flag := common.DumpClientResponses
	if server {
		flag = common.DumpServerResponses
	}
	if !d.Enabled(flag) {
		return
	}
	var data []byte
	var err error
	if d.conf.Format == common.DumpFormatText {
		data, err = json.MarshalIndent(resp, "", "  ")
	} else {
		data, err = d.serializer.SerializeResponse(resp)
	}
	d.write(server, resp, resp.RequestID, resp.OK, data, err)
}

// DumpDecodeFailure writes the raw bytes of a message that could not be decoded
func (d *Dumper) DumpDecodeFailure(server bool, raw []byte) {
	if !d.Enabled(common.DumpDecodeFailures) {
		return
	}
	name := fmt.Sprintf("%s-null.%s.err.%s", side(server), uuid.New().String(), d.ext())
	d.save(name, raw)
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

func (d *Dumper) write(server bool, msg dumpable, requestID uint64, ok bool, data []byte, err error) {
	if err != nil {
		Logger.Warningf("failed to encode %s %d for dumping: %v", msg.TypeName(), requestID, err)
		return
	}
	result := "ok"
	if !ok {
		result = "err"
	}
	name := fmt.Sprintf("%s-%s.%s.%d.%s.%s", side(server), msg.TypeName(), uuid.New().String(), requestID, result, d.ext())
	d.save(name, data)
}

func (d *Dumper) save(name string, data []byte) {
	if err := os.MkdirAll(d.conf.Dir, 0o755); err != nil {
		Logger.Warningf("failed to create dump directory %s: %v", d.conf.Dir, err)
		return
	}
	if err := os.WriteFile(filepath.Join(d.conf.Dir, name), data, 0o644); err != nil {
		Logger.Warningf("failed to write dump %s: %v", name, err)
	}
}

func (d *Dumper) ext() string {
	if d.conf.Format == common.DumpFormatText {
		return "json"
	}
	return "bin"
}

func side(server bool) string {
	if server {
		return "S"
	}
	return "C"
}
