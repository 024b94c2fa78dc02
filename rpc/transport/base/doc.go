// Package base provides the technology independent part of the wire
// bindings: the frame codec, client and server transports over a FrameConn and
// a connector for stream sockets. The tcp and unix packages only contribute
// dialing, listening and socket options; the ws package reuses the transports
// with WebSocket messages as frames.
//
// Frame Layout:
//
//   - 1 byte: kind (request, one-way request, response)
//   - 8 bytes: request id (uint64, big endian)
//   - 4 bytes: payload length (uint32, big endian)
//   - N bytes: payload, encoded by the binding's serializer
//
// Frames above MaxMessageSize raise a MessageTooLargeError. Malformed frames
// raise a ProtocolError that closes the channel; every call still waiting on a
// closed client channel is failed with a dispatch error through the sink.
//
// Key Components:
//
//   - clientTransport: One connection to one remote node. Requests are written
//     under a write lock; a reader goroutine hands replies to the sink.
//
//   - ServerTransport: One accepted connection. Requests are processed by a
//     bounded worker pool per connection (WorkersPerConnection).
//
//   - IStreamConnector: Protocol specific dial, listen and socket upgrade.
//
// Performance Optimizations:
//
//   - Frame Batching: net.Buffers combines header and payload into a single
//     write operation.
//
//   - Asynchronous Processing: Many calls share one connection and are
//     correlated by request id, so a transport can be released right after the
//     write while its calls are still pending.
//
// Thread Safety:
//
//	All public methods are thread-safe.
package base
