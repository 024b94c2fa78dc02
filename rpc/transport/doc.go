// Package transport defines the channel abstraction a Binding pools. A
// transport is an acquirable, thread-safe handle (client or server variant)
// with traffic statistics and idle tracking; concrete technologies live in the
// sub packages (base, tcp, unix, http, ws, inproc).
//
// Key Components:
//
//   - Core: Embedded by every concrete transport. Provides the exclusive-use
//     latch (TryAcquire/Release), the idle timestamp the binding's maintenance
//     pass stamps and reads, and the Statistics of the channel.
//
//   - Statistics: Atomic byte/message/error counters, a size histogram and named
//     round-trip timers using an exponential moving average.
//
//   - IClientTransport / IServerTransport: The hook points a binding calls.
//     SendRequest hands a request to the wire and returns its CallSlot at once.
//
//   - IConnector: Creates client transports (Dial) and accepts server
//     transports (Listen) for one binding technology.
//
//   - ResponseSink / ServerHandler: What connectors call back into: the host
//     for asynchronous replies and the server endpoint for incoming requests.
package transport
