// Package util holds small data structures shared by the runtime packages:
//
//   - HashString: seeded FNV-1a hashing used for bucket and lock selection.
//   - SizeHistogram: exponential size buckets for message size statistics.
//   - MapHeap: a keyed min-heap used to expire stateful contract instances
//     in last-access order.
//
// None of the types here start goroutines. SizeHistogram is safe for
// concurrent use; MapHeap is not and must be guarded by its owner.
package util
