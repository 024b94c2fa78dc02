// Package cmd implements the command-line interface of dRPC. It provides a
// hierarchical command structure for serving contracts and calling them.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a server endpoint with the built-in contracts (echo, counter)
//   - client: Calls a contract (call, oneway) and benchmarks an endpoint (bench)
//   - util: Shared utilities for flags, binding configuration and env loading (internal use)
//
// Every flag can also be set via an environment variable DRPC_<FLAG> or a
// .env / .env.local file. See drpc -help for a list of all commands.
package cmd
