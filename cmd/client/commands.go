package client

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/spf13/cobra"
	"strings"
)

var (
	callCmd = &cobra.Command{
		Use:   "call [method] [args...]",
		Short: "Call a method and print its return value",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer closeClient()

			ret, err := rpcClient.Invoke(cmd.Context(), args[0], joinArgs(args[1:]))
			var remote *common.RemoteError
			if errors.As(err, &remote) {
				return fmt.Errorf("%s.%s failed on %s: %s", clientConfig.Contract, args[0], clientConfig.Address, remote.Data)
			}
			if err != nil {
				return err
			}

			fmt.Println(string(ret))
			if instance := rpcClient.RemoteInstance(); instance != "" {
				fmt.Printf("(instance %s)\n", instance)
			}
			return nil
		},
	}

	oneWayCmd = &cobra.Command{
		Use:   "oneway [method] [args...]",
		Short: "Call a method without waiting for a reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer closeClient()

			if err := rpcClient.CallOneWay(cmd.Context(), args[0], joinArgs(args[1:])); err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
)

// joinArgs passes the remaining command line arguments as one payload
func joinArgs(args []string) []byte {
	return []byte(strings.Join(args, " "))
}

// closeClient closes the binding of the client endpoint
func closeClient() {
	if rpcClient == nil {
		return
	}
	_ = rpcClient.Close()
	_ = rpcClient.Binding().Close()
}
