// Package serializer converts RequestMsg and ResponseMsg values to and from
// bytes. Wire transports (tcp, unix, ws, http) use it for frame payloads and
// the binding's diagnostic dumper uses it for binary dumps.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - binarySerializerImpl: Custom binary format. A flag byte records which
//     optional fields are present so only those are encoded.
//
//   - jsonSerializerImpl: JSON encoding, useful for debugging or interoperability
//     and used for the readable dump format.
//
//   - gobSerializerImpl: Go's gob encoding. Larger payloads than Binary, kept for
//     Go-to-Go setups that already standardize on gob.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
package serializer
