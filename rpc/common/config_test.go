package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultBindingConfig tests the documented defaults
func TestDefaultBindingConfig(t *testing.T) {
	c := DefaultBindingConfig()
	require.NoError(t, c.Validate())

	assert.Equal(t, int64(120000), c.ClientTransportIdleTimeoutMs)
	assert.Equal(t, int64(600000), c.ServerTransportIdleTimeoutMs)
	assert.Equal(t, int64(100), c.TransportExistingAcquisitionTimeoutMs)
	assert.Equal(t, 8, c.TransportCountWaitThreshold)
	assert.Equal(t, 0, c.TransportMaxCount)
	assert.Equal(t, int64(15000), c.TransportMaxExistingAcquisitionTimeoutMs)
	assert.Equal(t, 0.04, c.RoundTripEMAFactor)
	assert.Contains(t, c.String(), "TRANSPORT POOL")
}

// TestBindingConfigValidate tests range checks
func TestBindingConfigValidate(t *testing.T) {
	c := DefaultBindingConfig()
	c.RoundTripEMAFactor = 1
	assert.Error(t, c.Validate())

	c = DefaultBindingConfig()
	c.RoundTripEMAFactor = 0.00001
	assert.Error(t, c.Validate())

	c = DefaultBindingConfig()
	c.TransportMaxCount = -1
	assert.Error(t, c.Validate())

	c = DefaultBindingConfig()
	c.Dump.Detail = DumpAll
	c.Dump.Format = "xml"
	assert.Error(t, c.Validate())
}

// TestDumpDetail tests flag parsing and printing
func TestDumpDetail(t *testing.T) {
	d, err := ParseDumpDetail("client-requests, server-responses")
	require.NoError(t, err)
	assert.True(t, d.Has(DumpClientRequests))
	assert.True(t, d.Has(DumpServerResponses))
	assert.False(t, d.Has(DumpClientResponses))
	assert.Equal(t, "client-requests,server-responses", d.String())

	all, err := ParseDumpDetail("all")
	require.NoError(t, err)
	assert.Equal(t, DumpAll, all)
	assert.Equal(t, "none", DumpNone.String())

	_, err = ParseDumpDetail("everything")
	assert.Error(t, err)
}
