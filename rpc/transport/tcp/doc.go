// Package tcp implements the tcp binding (tcp://host:port) on top of the base
// package's stream transports. It contributes dialing, listening and the TCP
// socket options of BindingConfig (TCPConf and SocketConf).
//
// Key Components:
//
//   - connector: TCP-specific implementation of base.IStreamConnector
package tcp
