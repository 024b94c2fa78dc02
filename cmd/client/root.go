package client

import (
	"fmt"
	"github.com/ValentinKolb/dRPC/cmd/util"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/endpoint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"time"
)

var (
	clientConfig = &common.ClientConfig{}
	rpcClient    *endpoint.ClientEndPoint

	// ClientCommands represents the client command group
	ClientCommands = &cobra.Command{
		Use:               "client",
		Short:             "Call contracts served by a dRPC server endpoint",
		PersistentPreRunE: setupClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	key := "address"
	ClientCommands.PersistentFlags().String(key, "tcp://localhost:8080", util.WrapString("The node to call (e.g. tcp://localhost:8080, unix:///tmp/drpc.sock, http://localhost:8080)"))

	key = "contract"
	ClientCommands.PersistentFlags().String(key, endpoint.EchoContract, util.WrapString("The contract to call"))

	key = "headers"
	ClientCommands.PersistentFlags().String(key, "", util.WrapString("Comma-separated list of request headers (e.g. tenant=a,trace=1)"))

	key = "timeout"
	ClientCommands.PersistentFlags().Int64(key, 0, util.WrapString("Timeout of two-way calls in milliseconds (0 = binding default, negative = none)"))

	util.SetupBindingFlags(ClientCommands)

	// Add subcommands
	ClientCommands.AddCommand(callCmd)
	ClientCommands.AddCommand(oneWayCmd)
	ClientCommands.AddCommand(benchCmd)
}

// setupClient creates the binding and the client endpoint
func setupClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	bindingConf, err := util.GetBindingConfig()
	if err != nil {
		return err
	}
	headers, err := util.ParseHeaders(viper.GetString("headers"))
	if err != nil {
		return err
	}

	clientConfig.Address = viper.GetString("address")
	clientConfig.Contract = viper.GetString("contract")
	clientConfig.TimeoutMs = viper.GetInt64("timeout")
	clientConfig.Headers = headers
	clientConfig.LogLevel = viper.GetString("log-level")
	clientConfig.Binding = bindingConf

	if err := common.InitLoggers(clientConfig.LogLevel); err != nil {
		return err
	}

	node, err := common.NewNode(clientConfig.Address)
	if err != nil {
		return err
	}
	b, err := util.NewBinding(node)
	if err != nil {
		return fmt.Errorf("failed to create binding: %w", err)
	}

	rpcClient, err = endpoint.NewClientEndPoint(endpoint.ClientOptions{
		Node:     node,
		Contract: clientConfig.Contract,
		Binding:  b,
		Headers:  headers,
		Timeout:  time.Duration(clientConfig.TimeoutMs) * time.Millisecond,
	})
	return err
}
