// Package call holds the client side reply machinery of the runtime.
//
// Key Components:
//
//   - CallSlot: Per-call reply mailbox. A slot is created once per dispatched
//     request and moves exactly once from StatusDispatched to a terminal status
//     (ResponseOK, ResponseError, Timeout, DispatchError). Timeouts are
//     discovered lazily: reading the status of an expired slot flips it.
//
//   - Future: Deferred-result handle over a CallSlot. Built at most once per
//     slot; pending slots subscribe to a TimeoutReactor so the handle completes
//     even if nobody reads the status.
//
//   - TimeoutReactor: Background scanner with 127 buckets that visits every
//     subscribed slot every 500ms and drops the ones that are no longer pending.
//     It has an explicit Start/Stop lifecycle and an injectable clock.
//
//   - CallReactor / Call: Opt-in batch drainer. One goroutine polls a fixed set
//     of calls every 25ms and invokes each user callback once its slot is
//     available.
//
// Thread Safety:
//
//	All exported types are safe for concurrent use.
package call
