package serializer

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"sort"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
//
// Layout: 1 byte marker, 1 byte flags, 8 byte request id, then only the
// fields whose flag is set. Strings and byte slices are length prefixed
// (uint32, big endian).
type binarySerializerImpl struct {
}

const (
	markerRequest  byte = 'Q'
	markerResponse byte = 'R'
	headerSize          = 10
)

// Request flags
const (
	reqHasContract byte = 1 << 0
	reqHasMethod   byte = 1 << 1
	reqOneWay      byte = 1 << 2
	reqHasHeaders  byte = 1 << 3
	reqHasInstance byte = 1 << 4
	reqHasTimeout  byte = 1 << 5
	reqHasArgs     byte = 1 << 6
)

// Response flags
const (
	respOK           byte = 1 << 0
	respHasValue     byte = 1 << 1
	respHasException byte = 1 << 2
	respHasInstance  byte = 1 << 3
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Name() string { return "binary" }

func (b binarySerializerImpl) SerializeRequest(req *common.RequestMsg) ([]byte, error) {
	// Calculate total size needed
	size := headerSize
	var flags byte
	if req.Contract != "" {
		flags |= reqHasContract
		size += 4 + len(req.Contract)
	}
	if req.MethodName != "" {
		flags |= reqHasMethod
		size += 4 + len(req.MethodName)
	}
	if req.OneWay {
		flags |= reqOneWay
	}
	if req.Headers != nil {
		flags |= reqHasHeaders
		size += 4
		for k, v := range req.Headers {
			size += 8 + len(k) + len(v)
		}
	}
	if req.RemoteInstance != "" {
		flags |= reqHasInstance
		size += 4 + len(req.RemoteInstance)
	}
	if req.TimeoutMs != 0 {
		flags |= reqHasTimeout
		size += 8
	}
	if req.Args != nil {
		flags |= reqHasArgs
		size += 4 + len(req.Args)
	}

	w := &writer{buf: make([]byte, size)}
	w.putByte(markerRequest)
	w.putByte(flags)
	w.putUint64(req.RequestID)

	if flags&reqHasContract != 0 {
		w.putString(req.Contract)
	}
	if flags&reqHasMethod != 0 {
		w.putString(req.MethodName)
	}
	if flags&reqHasHeaders != 0 {
		// sorted for a deterministic encoding
		keys := make([]string, 0, len(req.Headers))
		for k := range req.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.putUint32(uint32(len(keys)))
		for _, k := range keys {
			w.putString(k)
			w.putString(req.Headers[k])
		}
	}
	if flags&reqHasInstance != 0 {
		w.putString(req.RemoteInstance)
	}
	if flags&reqHasTimeout != 0 {
		w.putUint64(uint64(req.TimeoutMs))
	}
	if flags&reqHasArgs != 0 {
		w.putBytes(req.Args)
	}

	return w.buf, nil
}

func (b binarySerializerImpl) DeserializeRequest(data []byte, req *common.RequestMsg) error {
	r := &reader{buf: data}
	flags, id, err := r.header(markerRequest)
	if err != nil {
		return err
	}

	*req = common.RequestMsg{RequestID: id, OneWay: flags&reqOneWay != 0}

	if flags&reqHasContract != 0 {
		if req.Contract, err = r.readString("contract"); err != nil {
			return err
		}
	}
	if flags&reqHasMethod != 0 {
		if req.MethodName, err = r.readString("method"); err != nil {
			return err
		}
	}
	if flags&reqHasHeaders != 0 {
		count, err := r.readUint32("header count")
		if err != nil {
			return err
		}
		req.Headers = make(common.Headers, count)
		for i := uint32(0); i < count; i++ {
			k, err := r.readString("header key")
			if err != nil {
				return err
			}
			v, err := r.readString("header value")
			if err != nil {
				return err
			}
			req.Headers[k] = v
		}
	}
	if flags&reqHasInstance != 0 {
		if req.RemoteInstance, err = r.readString("remote instance"); err != nil {
			return err
		}
	}
	if flags&reqHasTimeout != 0 {
		timeout, err := r.readUint64("timeout")
		if err != nil {
			return err
		}
		req.TimeoutMs = int64(timeout)
	}
	if flags&reqHasArgs != 0 {
		if req.Args, err = r.readBytes("args"); err != nil {
			return err
		}
	}
	return nil
}

func (b binarySerializerImpl) SerializeResponse(resp *common.ResponseMsg) ([]byte, error) {
	size := headerSize
	var flags byte
	if resp.OK {
		flags |= respOK
	}
	if resp.ReturnValue != nil {
		flags |= respHasValue
		size += 4 + len(resp.ReturnValue)
	}
	if resp.ExceptionData != "" {
		flags |= respHasException
		size += 4 + len(resp.ExceptionData)
	}
	if resp.RemoteInstance != "" {
		flags |= respHasInstance
		size += 4 + len(resp.RemoteInstance)
	}

	w := &writer{buf: make([]byte, size)}
	w.putByte(markerResponse)
	w.putByte(flags)
	w.putUint64(resp.RequestID)
	if flags&respHasValue != 0 {
		w.putBytes(resp.ReturnValue)
	}
	if flags&respHasException != 0 {
		w.putString(resp.ExceptionData)
	}
	if flags&respHasInstance != 0 {
		w.putString(resp.RemoteInstance)
	}
	return w.buf, nil
}

func (b binarySerializerImpl) DeserializeResponse(data []byte, resp *common.ResponseMsg) error {
	r := &reader{buf: data}
	flags, id, err := r.header(markerResponse)
	if err != nil {
		return err
	}

	*resp = common.ResponseMsg{RequestID: id, OK: flags&respOK != 0}

	if flags&respHasValue != 0 {
		if resp.ReturnValue, err = r.readBytes("return value"); err != nil {
			return err
		}
	}
	if flags&respHasException != 0 {
		if resp.ExceptionData, err = r.readString("exception"); err != nil {
			return err
		}
	}
	if flags&respHasInstance != 0 {
		if resp.RemoteInstance, err = r.readString("remote instance"); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// writer writes into a pre-sized buffer
type writer struct {
	buf []byte
	pos int
}

func (w *writer) putByte(v byte) {
	w.buf[w.pos] = v
	w.pos++
}

func (w *writer) putUint32(v uint32) {
	binary.BigEndian.PutUint32(w.buf[w.pos:w.pos+4], v)
	w.pos += 4
}

func (w *writer) putUint64(v uint64) {
	binary.BigEndian.PutUint64(w.buf[w.pos:w.pos+8], v)
	w.pos += 8
}

func (w *writer) putString(s string) {
	w.putUint32(uint32(len(s)))
	w.pos += copy(w.buf[w.pos:], s)
}

func (w *writer) putBytes(b []byte) {
	w.putUint32(uint32(len(b)))
	w.pos += copy(w.buf[w.pos:], b)
}

// reader reads length prefixed fields and reports truncated input
type reader struct {
	buf []byte
	pos int
}

func (r *reader) header(marker byte) (flags byte, id uint64, err error) {
	if len(r.buf) < headerSize {
		return 0, 0, fmt.Errorf("data too short for message header")
	}
	if r.buf[0] != marker {
		return 0, 0, fmt.Errorf("unexpected message marker %q, expected %q", r.buf[0], marker)
	}
	flags = r.buf[1]
	id = binary.BigEndian.Uint64(r.buf[2:10])
	r.pos = headerSize
	return flags, id, nil
}

func (r *reader) readUint32(field string) (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, fmt.Errorf("data too short for %s", field)
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) readUint64(field string) (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("data too short for %s", field)
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *reader) readBytes(field string) ([]byte, error) {
	n, err := r.readUint32(field + " length")
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, fmt.Errorf("data too short for %s data", field)
	}
	// copy so the caller may reuse the input buffer
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func (r *reader) readString(field string) (string, error) {
	n, err := r.readUint32(field + " length")
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.buf) {
		return "", fmt.Errorf("data too short for %s data", field)
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}
