// Package ws implements the ws binding (ws://host:port) with
// gorilla/websocket. Every frame of the base package travels as one binary
// websocket message, so the client and server transports of base are reused
// unchanged: replies are asynchronous and correlated through the host.
package ws
