package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Dump and instrumentation settings
// --------------------------------------------------------------------------

// DumpFormat selects how diagnostic message dumps are written
type DumpFormat string

const (
	DumpFormatBinary DumpFormat = "binary" // serializer output, .bin files
	DumpFormatText   DumpFormat = "text"   // indented JSON, .json files
)

// DumpDetail is a bit set selecting which messages are dumped to disk
type DumpDetail uint8

const (
	DumpClientRequests DumpDetail = 1 << iota
	DumpClientResponses
	DumpServerRequests
	DumpServerResponses
	DumpDecodeFailures

	DumpNone DumpDetail = 0
	DumpAll             = DumpClientRequests | DumpClientResponses | DumpServerRequests | DumpServerResponses | DumpDecodeFailures
)

// Has reports whether all bits of flag are set
func (d DumpDetail) Has(flag DumpDetail) bool {
	return d&flag == flag
}

// String returns a comma separated list of the enabled flags
func (d DumpDetail) String() string {
	if d == DumpNone {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		flag DumpDetail
		name string
	}{
		{DumpClientRequests, "client-requests"},
		{DumpClientResponses, "client-responses"},
		{DumpServerRequests, "server-requests"},
		{DumpServerResponses, "server-responses"},
		{DumpDecodeFailures, "decode-failures"},
	} {
		if d.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseDumpDetail parses a comma separated list as produced by DumpDetail.String
func ParseDumpDetail(s string) (DumpDetail, error) {
	var d DumpDetail
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "", "none":
		case "all":
			d |= DumpAll
		case "client-requests":
			d |= DumpClientRequests
		case "client-responses":
			d |= DumpClientResponses
		case "server-requests":
			d |= DumpServerRequests
		case "server-responses":
			d |= DumpServerResponses
		case "decode-failures":
			d |= DumpDecodeFailures
		default:
			return DumpNone, fmt.Errorf("invalid dump detail: %s", part)
		}
	}
	return d, nil
}

// DumpConf controls the diagnostic message dumper of a binding
type DumpConf struct {
	Detail DumpDetail
	Format DumpFormat
	Dir    string
}

// InstrumentationConf toggles the metrics a binding exports
type InstrumentationConf struct {
	// Enabled exports dispatch counters and the round-trip histogram
	Enabled bool
	// NodeCounts writes the per-node active transport counts on every maintenance pass
	NodeCounts bool
}

// SocketConf holds socket buffer sizes (in bytes, 0 = OS default)
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds TCP specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int // negative = OS default
}

// --------------------------------------------------------------------------
// Binding configuration
// --------------------------------------------------------------------------

const (
	MinRoundTripEMAFactor     = 0.0001
	MaxRoundTripEMAFactor     = 0.999
	DefaultRoundTripEMAFactor = 0.04
)

// BindingConfig holds the tunable pool and dispatch parameters of a binding
type BindingConfig struct {
	// Idle timeouts (0 = never close)
	ClientTransportIdleTimeoutMs int64
	ServerTransportIdleTimeoutMs int64

	// Admission control
	TransportExistingAcquisitionTimeoutMs    int64
	TransportCountWaitThreshold              int
	TransportMaxCount                        int // 0 = unlimited
	TransportMaxExistingAcquisitionTimeoutMs int64

	// Statistics
	RoundTripEMAFactor float64

	// Calls
	DefaultCallTimeoutMs int64 // 0 = no timeout
	MaxMessageSize       int   // 0 = unlimited
	IOTimeoutMs          int64 // read/write deadline for stream transports, 0 = none
	WorkersPerConnection int   // concurrent requests handled per server connection

	// Wire format (binary, json, gob)
	Serializer string

	Dump            DumpConf
	Instrumentation InstrumentationConf
	Socket          SocketConf
	TCP             TCPConf
}

// DefaultBindingConfig returns the recognized defaults
func DefaultBindingConfig() BindingConfig {
	return BindingConfig{
		ClientTransportIdleTimeoutMs:             120000,
		ServerTransportIdleTimeoutMs:             600000,
		TransportExistingAcquisitionTimeoutMs:    100,
		TransportCountWaitThreshold:              8,
		TransportMaxCount:                        0,
		TransportMaxExistingAcquisitionTimeoutMs: 15000,
		RoundTripEMAFactor:                       DefaultRoundTripEMAFactor,
		DefaultCallTimeoutMs:                     30000,
		MaxMessageSize:                           64 * 1024 * 1024,
		WorkersPerConnection:                     16,
		Serializer:                               "binary",
		Dump: DumpConf{
			Detail: DumpNone,
			Format: DumpFormatBinary,
			Dir:    "dumps",
		},
		TCP: TCPConf{
			TCPNoDelay:   true,
			TCPLingerSec: -1,
		},
	}
}

// Validate checks value ranges
func (c *BindingConfig) Validate() error {
	if c.RoundTripEMAFactor < MinRoundTripEMAFactor || c.RoundTripEMAFactor > MaxRoundTripEMAFactor {
		return fmt.Errorf("round trip EMA factor %v out of range [%v, %v]", c.RoundTripEMAFactor, MinRoundTripEMAFactor, MaxRoundTripEMAFactor)
	}
	if c.ClientTransportIdleTimeoutMs < 0 || c.ServerTransportIdleTimeoutMs < 0 {
		return fmt.Errorf("idle timeouts must not be negative")
	}
	if c.TransportExistingAcquisitionTimeoutMs < 0 || c.TransportMaxExistingAcquisitionTimeoutMs < 0 {
		return fmt.Errorf("acquisition timeouts must not be negative")
	}
	if c.TransportCountWaitThreshold < 0 || c.TransportMaxCount < 0 {
		return fmt.Errorf("transport counts must not be negative")
	}
	if c.DefaultCallTimeoutMs < 0 || c.MaxMessageSize < 0 || c.IOTimeoutMs < 0 {
		return fmt.Errorf("call timeout, message size and io timeout must not be negative")
	}
	if c.Dump.Detail != DumpNone && c.Dump.Format != DumpFormatBinary && c.Dump.Format != DumpFormatText {
		return fmt.Errorf("invalid dump format: %s", c.Dump.Format)
	}
	return nil
}

func (c *BindingConfig) ClientIdleTimeout() time.Duration {
	return time.Duration(c.ClientTransportIdleTimeoutMs) * time.Millisecond
}

func (c *BindingConfig) ServerIdleTimeout() time.Duration {
	return time.Duration(c.ServerTransportIdleTimeoutMs) * time.Millisecond
}

func (c *BindingConfig) ExistingAcquisitionTimeout() time.Duration {
	return time.Duration(c.TransportExistingAcquisitionTimeoutMs) * time.Millisecond
}

func (c *BindingConfig) MaxExistingAcquisitionTimeout() time.Duration {
	return time.Duration(c.TransportMaxExistingAcquisitionTimeoutMs) * time.Millisecond
}

func (c *BindingConfig) DefaultCallTimeout() time.Duration {
	return time.Duration(c.DefaultCallTimeoutMs) * time.Millisecond
}

func (c *BindingConfig) IOTimeout() time.Duration {
	return time.Duration(c.IOTimeoutMs) * time.Millisecond
}

// String returns a formatted string representation of the configuration
func (c *BindingConfig) String() string {
	var sb strings.Builder
	addSection, addField := formatHelpers(&sb)

	addSection("Transport Pool")
	addField("Client Idle Timeout", msOrNever(c.ClientTransportIdleTimeoutMs))
	addField("Server Idle Timeout", msOrNever(c.ServerTransportIdleTimeoutMs))
	addField("Acquisition Timeout", fmt.Sprintf("%d ms", c.TransportExistingAcquisitionTimeoutMs))
	addField("Max Acquisition Wait", fmt.Sprintf("%d ms", c.TransportMaxExistingAcquisitionTimeoutMs))
	addField("Count Wait Threshold", strconv.Itoa(c.TransportCountWaitThreshold))
	if c.TransportMaxCount == 0 {
		addField("Max Transports", "unlimited")
	} else {
		addField("Max Transports", strconv.Itoa(c.TransportMaxCount))
	}

	addSection("Calls")
	addField("Default Timeout", msOrNever(c.DefaultCallTimeoutMs))
	addField("Max Message Size", fmt.Sprintf("%d bytes", c.MaxMessageSize))
	addField("IO Timeout", msOrNever(c.IOTimeoutMs))
	addField("Workers/Connection", strconv.Itoa(c.WorkersPerConnection))
	addField("Serializer", c.Serializer)
	addField("Round Trip EMA Factor", strconv.FormatFloat(c.RoundTripEMAFactor, 'f', -1, 64))

	addSection("Diagnostics")
	addField("Dump Detail", c.Dump.Detail.String())
	addField("Dump Format", string(c.Dump.Format))
	addField("Dump Directory", c.Dump.Dir)
	addField("Instrumentation", strconv.FormatBool(c.Instrumentation.Enabled))
	addField("Node Counts", strconv.FormatBool(c.Instrumentation.NodeCounts))

	return sb.String()
}

// --------------------------------------------------------------------------
// Endpoint configuration (used by the cli)
// --------------------------------------------------------------------------

// ServerConfig holds the settings of a served endpoint
type ServerConfig struct {
	// Address is the node to listen on (e.g. tcp://0.0.0.0:8080)
	Address string
	// Contracts served by this endpoint
	Contracts []string
	// Stateful instances are dropped after this much idle time (0 = never)
	InstanceTTLSec int64
	// How long a call waits for a busy stateful instance
	LockTimeoutMs int64
	// Size of the contract lookup cache
	CacheSize int

	Binding  BindingConfig
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder
	addSection, addField := formatHelpers(&sb)

	addSection("Server Endpoint")
	addField("Address", c.Address)
	addField("Contracts", strings.Join(c.Contracts, ", "))
	addField("Instance TTL", fmt.Sprintf("%d sec", c.InstanceTTLSec))
	addField("Lock Timeout", fmt.Sprintf("%d ms", c.LockTimeoutMs))
	addField("Cache Size", strconv.Itoa(c.CacheSize))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	sb.WriteString(c.Binding.String())
	return sb.String()
}

// ClientConfig holds the settings of a client endpoint
type ClientConfig struct {
	Address   string
	Contract  string
	TimeoutMs int64
	Headers   Headers

	Binding  BindingConfig
	LogLevel string
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder
	addSection, addField := formatHelpers(&sb)

	addSection("Client Endpoint")
	addField("Address", c.Address)
	addField("Contract", c.Contract)
	addField("Timeout", msOrNever(c.TimeoutMs))
	for k, v := range c.Headers {
		addField("Header "+k, v)
	}

	sb.WriteString(c.Binding.String())
	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func formatHelpers(sb *strings.Builder) (func(string), func(string, string)) {
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}
	return addSection, addField
}

func msOrNever(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return fmt.Sprintf("%d ms", ms)
}
