package util

import (
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/binding"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupBindingFlags adds the binding configuration flags to a command
func SetupBindingFlags(cmd *cobra.Command) {
	def := common.DefaultBindingConfig()

	key := "serializer"
	cmd.PersistentFlags().String(key, def.Serializer, WrapString("Wire format of the binding (binary, json, gob)"))

	key = "client-idle-timeout"
	cmd.PersistentFlags().Int64(key, def.ClientTransportIdleTimeoutMs, WrapString("Client transports unused for this many milliseconds are closed by the maintenance pass (0 = never)"))

	key = "server-idle-timeout"
	cmd.PersistentFlags().Int64(key, def.ServerTransportIdleTimeoutMs, WrapString("Server transports idle for this many milliseconds are closed (0 = never)"))

	key = "acquisition-timeout"
	cmd.PersistentFlags().Int64(key, def.TransportExistingAcquisitionTimeoutMs, WrapString("How long (in ms) a call waits for a busy transport before a new one may be opened"))

	key = "max-acquisition-timeout"
	cmd.PersistentFlags().Int64(key, def.TransportMaxExistingAcquisitionTimeoutMs, WrapString("Hard limit (in ms) for acquiring a transport, the call fails with a timeout afterwards"))

	key = "count-wait-threshold"
	cmd.PersistentFlags().Int(key, def.TransportCountWaitThreshold, WrapString("Below this many transports per node new transports are opened without waiting"))

	key = "max-transports"
	cmd.PersistentFlags().Int(key, def.TransportMaxCount, WrapString("Maximum number of client transports per node (0 = unlimited)"))

	key = "ema-factor"
	cmd.PersistentFlags().Float64(key, def.RoundTripEMAFactor, WrapString(fmt.Sprintf("Smoothing factor of the round trip statistics [%v, %v]", common.MinRoundTripEMAFactor, common.MaxRoundTripEMAFactor)))

	key = "call-timeout"
	cmd.PersistentFlags().Int64(key, def.DefaultCallTimeoutMs, WrapString("Default timeout of two-way calls in milliseconds (0 = none)"))

	key = "max-message-size"
	cmd.PersistentFlags().Int(key, def.MaxMessageSize, WrapString("Largest accepted frame in bytes (0 = unlimited)"))

	key = "io-timeout"
	cmd.PersistentFlags().Int64(key, def.IOTimeoutMs, WrapString("Read/write deadline of stream transports in milliseconds (0 = none)"))

	key = "workers"
	cmd.PersistentFlags().Int(key, def.WorkersPerConnection, WrapString("Concurrent requests handled per server connection"))

	key = "dump"
	cmd.PersistentFlags().String(key, def.Dump.Detail.String(), WrapString("Messages to dump (none, all or a comma separated list of client-requests, client-responses, server-requests, server-responses, decode-failures)"))

	key = "dump-format"
	cmd.PersistentFlags().String(key, string(def.Dump.Format), WrapString("Format of dumped messages (binary, text)"))

	key = "dump-dir"
	cmd.PersistentFlags().String(key, def.Dump.Dir, WrapString("Directory dumped messages are written to"))

	key = "metrics"
	cmd.PersistentFlags().Bool(key, def.Instrumentation.Enabled, WrapString("Export call counters and the round trip histogram"))

	key = "node-counts"
	cmd.PersistentFlags().Bool(key, def.Instrumentation.NodeCounts, WrapString("Export the number of active transports per node"))

	key = "socket-write-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket write buffer (in KB, 0 = OS default)"))

	key = "socket-read-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket read buffer (in KB, 0 = OS default)"))

	key = "tcp-nodelay"
	cmd.PersistentFlags().Bool(key, def.TCP.TCPNoDelay, WrapString("Whether to enable TCP_NODELAY (tcp binding only)"))

	key = "tcp-keepalive"
	cmd.PersistentFlags().Int(key, def.TCP.TCPKeepAliveSec, WrapString("The keepalive interval in seconds (tcp binding only)"))

	key = "tcp-linger"
	cmd.PersistentFlags().Int(key, def.TCP.TCPLingerSec, WrapString("The linger time in seconds (tcp binding only, negative = OS default)"))
}

// GetBindingConfig reads the binding configuration from viper
func GetBindingConfig() (common.BindingConfig, error) {
	detail, err := common.ParseDumpDetail(viper.GetString("dump"))
	if err != nil {
		return common.BindingConfig{}, err
	}

	conf := common.BindingConfig{
		ClientTransportIdleTimeoutMs:             viper.GetInt64("client-idle-timeout"),
		ServerTransportIdleTimeoutMs:             viper.GetInt64("server-idle-timeout"),
		TransportExistingAcquisitionTimeoutMs:    viper.GetInt64("acquisition-timeout"),
		TransportCountWaitThreshold:              viper.GetInt("count-wait-threshold"),
		TransportMaxCount:                        viper.GetInt("max-transports"),
		TransportMaxExistingAcquisitionTimeoutMs: viper.GetInt64("max-acquisition-timeout"),
		RoundTripEMAFactor:                       viper.GetFloat64("ema-factor"),
		DefaultCallTimeoutMs:                     viper.GetInt64("call-timeout"),
		MaxMessageSize:                           viper.GetInt("max-message-size"),
		IOTimeoutMs:                              viper.GetInt64("io-timeout"),
		WorkersPerConnection:                     viper.GetInt("workers"),
		Serializer:                               viper.GetString("serializer"),
		Dump: common.DumpConf{
			Detail: detail,
			Format: common.DumpFormat(viper.GetString("dump-format")),
			Dir:    viper.GetString("dump-dir"),
		},
		Instrumentation: common.InstrumentationConf{
			Enabled:    viper.GetBool("metrics"),
			NodeCounts: viper.GetBool("node-counts"),
		},
		Socket: common.SocketConf{
			WriteBufferSize: viper.GetInt("socket-write-buffer") * 1024,
			ReadBufferSize:  viper.GetInt("socket-read-buffer") * 1024,
		},
		TCP: common.TCPConf{
			TCPNoDelay:      viper.GetBool("tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("tcp-linger"),
		},
	}

	return conf, conf.Validate()
}

// ParseHeaders converts a comma separated list of name=value pairs
func ParseHeaders(raw string) (common.Headers, error) {
	headers := common.Headers{}
	if strings.TrimSpace(raw) == "" {
		return headers, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected name=value", pair)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

// NewBinding creates the binding serving node with the configuration read from viper
func NewBinding(node common.Node) (*binding.Binding, error) {
	conf, err := GetBindingConfig()
	if err != nil {
		return nil, err
	}
	return binding.New(binding.Options{
		Name:   node.Binding(),
		Config: conf,
	})
}

// InitConfig initializes configuration from .env files and environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("drpc")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
