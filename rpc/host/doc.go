// Package host provides Host, the explicit runtime service shared by all
// bindings of a process. It allocates request ids, owns the runtime-level
// inspector chains and the TimeoutReactor, and correlates replies delivered by
// asynchronous transports with the pending call slots.
//
// A transport may deliver a reply before the dispatching goroutine registered
// the slot with CallDispatched. DeliverResponse and DispatchFailed therefore
// retry the lookup every 5ms for up to 250ms before dropping the message.
package host
