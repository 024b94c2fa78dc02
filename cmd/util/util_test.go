package util

import (
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func TestWrapString(t *testing.T) {
	wrapped := WrapString(strings.Repeat("word ", 30))
	for _, line := range strings.Split(wrapped, "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "short text", WrapString("  short   text "))
}

func TestParseHeaders(t *testing.T) {
	headers, err := ParseHeaders("tenant=a, trace = 1,empty=")
	require.NoError(t, err)
	assert.Equal(t, common.Headers{"tenant": "a", "trace": "1", "empty": ""}, headers)

	headers, err = ParseHeaders("")
	require.NoError(t, err)
	assert.Empty(t, headers)

	_, err = ParseHeaders("novalue")
	assert.Error(t, err)
	_, err = ParseHeaders("=value")
	assert.Error(t, err)
}

func TestBindingConfigFromFlags(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	cmd := &cobra.Command{Use: "test"}
	SetupBindingFlags(cmd)
	require.NoError(t, viper.BindPFlags(cmd.PersistentFlags()))

	conf, err := GetBindingConfig()
	require.NoError(t, err)
	assert.Equal(t, common.DefaultBindingConfig(), conf)

	require.NoError(t, cmd.PersistentFlags().Set("max-transports", "4"))
	require.NoError(t, cmd.PersistentFlags().Set("dump", "client-requests,decode-failures"))
	require.NoError(t, cmd.PersistentFlags().Set("socket-read-buffer", "2"))
	conf, err = GetBindingConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, conf.TransportMaxCount)
	assert.True(t, conf.Dump.Detail.Has(common.DumpClientRequests))
	assert.True(t, conf.Dump.Detail.Has(common.DumpDecodeFailures))
	assert.False(t, conf.Dump.Detail.Has(common.DumpServerRequests))
	assert.Equal(t, 2048, conf.Socket.ReadBufferSize)

	require.NoError(t, cmd.PersistentFlags().Set("ema-factor", "2"))
	_, err = GetBindingConfig()
	assert.Error(t, err)

	require.NoError(t, cmd.PersistentFlags().Set("ema-factor", "0.1"))
	require.NoError(t, cmd.PersistentFlags().Set("dump", "everything"))
	_, err = GetBindingConfig()
	assert.Error(t, err)
}
