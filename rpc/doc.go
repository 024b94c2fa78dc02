// Package rpc is the root of the dRPC runtime. Calls travel from a client
// endpoint through a binding and one of its pooled transports to a server
// endpoint, and replies come back into a call slot tracked by the host.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures used across the runtime, including the
//     request/response messages, Node addresses, inspectors, errors,
//     configuration structures and logging.
//
//   - serializer: Message serialization with multiple format options (Binary,
//     JSON, GOB).
//
//   - call: CallSlot, Future, TimeoutReactor and CallReactor.
//
//   - host: The process wide runtime every binding reports to (request ids,
//     runtime inspectors, reply correlation, shutdown).
//
//   - transport: The pooled channel abstraction with pluggable implementations
//     (TCP, Unix sockets, HTTP, WebSocket, in-process).
//
//   - binding: Transport pooling, admission control, dispatch and maintenance.
//
//   - endpoint: Client and server endpoints and the contract model.
package rpc
