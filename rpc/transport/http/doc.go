// Package http implements the http binding (http://host:port). Every request
// is one POST to /rpc carrying the serialized RequestMsg; the body of the
// answer is the serialized ResponseMsg.
//
// Unlike the stream bindings the client transport is synchronous: SendRequest
// waits for the HTTP answer and completes the CallSlot before returning, so no
// reply ever goes through the host's correlation table. One-way requests are
// acknowledged with 202 before the handler runs.
//
// Key Components:
//
//   - httpClientTransport: Owns an http.Client limited to one connection, so a
//     pooled transport maps to one keep-alive connection.
//
//   - httpListener: http.Server whose ConnContext hook turns every accepted
//     connection into a server transport, which is what the binding pools and
//     reaps on the server side.
//
// Thread Safety:
//
//	The client transport is thread-safe; the binding's acquire latch usually
//	keeps one call per transport at a time.
package http
