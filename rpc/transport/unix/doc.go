// Package unix implements the unix binding (unix:///path/to/socket) using
// Unix domain sockets. It provides optimized communication for processes
// running on the same machine.
//
// This package extends the base transport layer with Unix socket-specific
// dialing and listening while inheriting framing, request correlation and
// error handling from the base package.
//
// Performance Characteristics:
//
//   - Reduced overhead: Eliminates TCP/IP stack processing for better performance
//   - Lower latency: Direct kernel-mediated IPC avoids network subsystem overhead
package unix
