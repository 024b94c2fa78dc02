package serve

import (
	"context"
	"errors"
	"fmt"
	cmdUtil "github.com/ValentinKolb/dRPC/cmd/util"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/endpoint"
	"github.com/ValentinKolb/dRPC/rpc/host"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"
)

var Logger = logger.GetLogger("rpc")

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dRPC server endpoint",
		Long:    `Start a dRPC server endpoint serving the built-in contracts. The configuration can be set via command line flags or environment variables. The format of the environment variables is DRPC_<flag> (e.g. DRPC_CALL_TIMEOUT=15000)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "address"
	ServeCmd.PersistentFlags().String(key, "tcp://0.0.0.0:8080", cmdUtil.WrapString("The node the endpoint listens on (e.g. tcp://0.0.0.0:8080, unix:///tmp/drpc.sock, http://localhost:8080, ws://localhost:8080)"))

	key = "contracts"
	ServeCmd.PersistentFlags().String(key, endpoint.EchoContract+","+endpoint.CounterContract, cmdUtil.WrapString("Comma-separated list of contracts to serve (echo, counter)"))

	key = "instance-ttl"
	ServeCmd.PersistentFlags().Int64(key, 300, cmdUtil.WrapString("Stateful instances unused for this many seconds are dropped (0 = never)"))

	key = "lock-timeout"
	ServeCmd.PersistentFlags().Int64(key, endpoint.DefaultLockTimeout.Milliseconds(), cmdUtil.WrapString("How long (in ms) a call waits for a busy stateful instance"))

	key = "cache-size"
	ServeCmd.PersistentFlags().Int(key, endpoint.DefaultLookupCacheSize, cmdUtil.WrapString("Size of the contract lookup cache"))

	key = "maintenance-interval"
	ServeCmd.PersistentFlags().Int64(key, 10000, cmdUtil.WrapString("Interval (in ms) of the transport and instance maintenance pass"))

	key = "metrics-address"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address to serve Prometheus metrics on (e.g. localhost:9100, empty = disabled)"))

	cmdUtil.SetupBindingFlags(ServeCmd)
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	bindingConf, err := cmdUtil.GetBindingConfig()
	if err != nil {
		return err
	}

	// parse contracts
	builtin := endpoint.Builtin()
	serveCmdConfig.Contracts = []string{}
	for _, name := range strings.Split(viper.GetString("contracts"), ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := builtin[name]; !ok {
			return fmt.Errorf("invalid contract: %s (expected one of: %s, %s)", name, endpoint.EchoContract, endpoint.CounterContract)
		}
		serveCmdConfig.Contracts = append(serveCmdConfig.Contracts, name)
	}
	if len(serveCmdConfig.Contracts) == 0 {
		return fmt.Errorf("at least one contract must be served")
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.Address = viper.GetString("address")
	serveCmdConfig.InstanceTTLSec = viper.GetInt64("instance-ttl")
	serveCmdConfig.LockTimeoutMs = viper.GetInt64("lock-timeout")
	serveCmdConfig.CacheSize = viper.GetInt("cache-size")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.Binding = bindingConf

	if serveCmdConfig.InstanceTTLSec < 0 || serveCmdConfig.LockTimeoutMs < 0 || serveCmdConfig.CacheSize < 0 {
		return fmt.Errorf("instance ttl, lock timeout and cache size must not be negative")
	}

	return nil
}

// run starts the server endpoint and blocks until the process is signalled
func run(_ *cobra.Command, _ []string) error {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	node, err := common.NewNode(serveCmdConfig.Address)
	if err != nil {
		return err
	}
	b, err := cmdUtil.NewBinding(node)
	if err != nil {
		return err
	}

	builtin := endpoint.Builtin()
	contracts := make([]endpoint.ContractDef, 0, len(serveCmdConfig.Contracts))
	for _, name := range serveCmdConfig.Contracts {
		contracts = append(contracts, builtin[name])
	}

	srv, err := endpoint.NewServerEndPoint(endpoint.ServerOptions{
		Node:        node,
		Binding:     b,
		Contracts:   contracts,
		InstanceTTL: time.Duration(serveCmdConfig.InstanceTTLSec) * time.Second,
		LockTimeout: time.Duration(serveCmdConfig.LockTimeoutMs) * time.Millisecond,
		CacheSize:   serveCmdConfig.CacheSize,
	})
	if err != nil {
		return err
	}
	if err := srv.Open(); err != nil {
		return err
	}

	Logger.Infof("serving on %s", srv.Addr())
	Logger.Infof(serveCmdConfig.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := time.Duration(viper.GetInt64("maintenance-interval")) * time.Millisecond
	go b.RunMaintenance(ctx, interval)
	go reapInstances(ctx, srv, interval)

	var metricsServer *http.Server
	if addr := viper.GetString("metrics-address"); addr != "" {
		metricsServer = serveMetrics(addr, b.WriteMetrics)
	}

	<-ctx.Done()
	Logger.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	err = srv.Close()
	if cerr := b.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if herr := host.Default().Shutdown(shutdownCtx); herr != nil && err == nil {
		err = herr
	}
	return err
}

// reapInstances drops expired stateful instances every interval
func reapInstances(ctx context.Context, srv *endpoint.ServerEndPoint, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			transports, instances, err := srv.ReapIdle()
			if err != nil {
				Logger.Warningf("reaping idle resources failed: %v", err)
			}
			if transports > 0 || instances > 0 {
				Logger.Debugf("reaped %d idle transports and %d instances", transports, instances)
			}
		}
	}
}

// serveMetrics exposes the binding metrics in the Prometheus text format
func serveMetrics(addr string, write func(w io.Writer)) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		write(w)
	})
	s := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics server failed: %v", err)
		}
	}()
	Logger.Infof("metrics available on http://%s/metrics", addr)
	return s
}
