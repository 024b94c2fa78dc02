package binding

import (
	"context"
	"encoding/json"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/serializer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

// dumpNamePattern matches {S|C}-{MsgTypeName}.{guid}.{requestId}.{ok|err}.{ext}
var dumpNamePattern = regexp.MustCompile(`^(S|C)-(RequestMsg|ResponseMsg)\.[0-9a-f-]{36}\.(\d+)\.(ok|err)\.(bin|json)$`)

func dumpFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// TestDumperDisabled tests that nothing is written without detail flags
func TestDumperDisabled(t *testing.T) {
	dir := t.TempDir()
	d := NewDumper(common.DumpConf{Detail: common.DumpNone, Format: common.DumpFormatBinary, Dir: dir}, serializer.NewBinarySerializer())

	d.DumpRequest(false, &common.RequestMsg{RequestID: 1})
	d.DumpResponse(true, &common.ResponseMsg{RequestID: 1, OK: true})
	d.DumpDecodeFailure(true, []byte{1, 2, 3})
	assert.Empty(t, dumpFiles(t, dir))

	var nilDumper *Dumper
	assert.False(t, nilDumper.Enabled(common.DumpAll))
}

// TestDumperBinary tests the binary format and file naming
func TestDumperBinary(t *testing.T) {
	dir := t.TempDir()
	ser := serializer.NewBinarySerializer()
	d := NewDumper(common.DumpConf{Detail: common.DumpClientRequests | common.DumpServerResponses, Format: common.DumpFormatBinary, Dir: dir}, ser)

	req := &common.RequestMsg{RequestID: 42, Contract: "calc", MethodName: "Add", Args: []byte("1,2")}
	d.DumpRequest(false, req)
	d.DumpRequest(true, req) // not enabled
	d.DumpResponse(true, &common.ResponseMsg{RequestID: 42, ExceptionData: "boom"})
	d.DumpResponse(false, &common.ResponseMsg{RequestID: 42, OK: true}) // not enabled

	names := dumpFiles(t, dir)
	require.Len(t, names, 2)

	var sawRequest, sawResponse bool
	for _, name := range names {
		m := dumpNamePattern.FindStringSubmatch(name)
		require.NotNil(t, m, name)
		assert.Equal(t, "42", m[3])
		assert.Equal(t, "bin", m[5])

		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		switch m[2] {
		case "RequestMsg":
			sawRequest = true
			assert.Equal(t, "C", m[1])
			assert.Equal(t, "ok", m[4])
			var got common.RequestMsg
			require.NoError(t, ser.DeserializeRequest(data, &got))
			assert.Equal(t, *req, got)
		case "ResponseMsg":
			sawResponse = true
			assert.Equal(t, "S", m[1])
			assert.Equal(t, "err", m[4])
		}
	}
	assert.True(t, sawRequest)
	assert.True(t, sawResponse)
}

// TestDumperText tests the readable format and decode failure naming
func TestDumperText(t *testing.T) {
	dir := t.TempDir()
	d := NewDumper(common.DumpConf{Detail: common.DumpAll, Format: common.DumpFormatText, Dir: dir}, serializer.NewBinarySerializer())

	d.DumpResponse(false, &common.ResponseMsg{RequestID: 7, OK: true, ReturnValue: []byte("x")})
	d.DumpDecodeFailure(false, []byte("garbage"))

	names := dumpFiles(t, dir)
	require.Len(t, names, 2)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		if m := dumpNamePattern.FindStringSubmatch(name); m != nil {
			assert.Equal(t, "C", m[1])
			assert.Equal(t, "json", m[5])
			var got common.ResponseMsg
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, uint64(7), got.RequestID)
			continue
		}
		assert.Regexp(t, `^C-null\.[0-9a-f-]{36}\.err\.json$`, name)
		assert.Equal(t, "garbage", string(data))
	}
}

// TestBindingDumps tests that the dispatch pipeline feeds the dumper on both sides
func TestBindingDumps(t *testing.T) {
	dir := t.TempDir()
	conf := common.DefaultBindingConfig()
	conf.Dump = common.DumpConf{Detail: common.DumpAll, Format: common.DumpFormatText, Dir: dir}
	b := newTestBinding(t, "inproc", conf, nil)

	node := common.MustNode("inproc://binding-test:dump")
	l, err := b.Listen(node, echoHandler)
	require.NoError(t, err)
	defer l.Close()

	slot, err := b.DispatchCall(context.Background(), DispatchOptions{Node: node}, &common.RequestMsg{Contract: "echo", MethodName: "Echo"})
	require.NoError(t, err)
	_, err = slot.ResponseMsg(context.Background())
	require.NoError(t, err)

	sides := map[string]int{}
	for _, name := range dumpFiles(t, dir) {
		m := dumpNamePattern.FindStringSubmatch(name)
		require.NotNil(t, m, name)
		sides[m[1]+"-"+m[2]]++
	}
	assert.Equal(t, map[string]int{
		"C-RequestMsg": 1, "C-ResponseMsg": 1,
		"S-RequestMsg": 1, "S-ResponseMsg": 1,
	}, sides)
}
