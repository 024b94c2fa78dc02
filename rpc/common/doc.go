// Package common provides the value types and utilities shared by every part
// of the RPC runtime.
//
// The package focuses on:
//   - Node: the parsed binding://host:service address triple
//   - RequestMsg/ResponseMsg: the messages the runtime moves around, opaque
//     beyond the request id, contract, method, one-way flag and headers
//   - CallStatus: the states of a dispatched call
//   - the error taxonomy (ClientCallError, RemoteError, ProtocolError, ...)
//   - inspector contracts and ordered inspector chains
//   - BindingConfig, ServerConfig and ClientConfig with their defaults
//   - the logger factory that plugs into dragonboat's logger package
//
// Key Components:
//
//   - Node: Immutable value. Binding(), Host() and Service() are derived by
//     scanning for "://" and the trailing ":". Equality is case-insensitive on
//     the whole connect string, and an unassigned Node equals nothing.
//
//   - ClientInspectorChain/ServerInspectorChain: Run inspectors in order, each
//     allowed to replace the message. Failures (and panics) are wrapped into
//     InspectorError and returned, never swallowed.
//
//   - BindingConfig: Pool parameters (idle timeouts, count wait threshold, max
//     count, the two acquisition timeouts), the round-trip EMA factor, dump and
//     instrumentation switches.
package common
