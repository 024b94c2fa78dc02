// Package binding implements Binding, the owner of all transports of one
// technology (tcp, unix, http, ws, inproc) within a process.
//
// Key Components:
//
//   - Dispatch: DispatchCall runs the client inspectors (binding level, then
//     host level), acquires a pooled transport, sends the request and
//     registers the returned CallSlot with the host.
//
//   - Admission: AcquireClientTransportForCall reuses a free transport, opens
//     a new one while the node has fewer than TransportCountWaitThreshold,
//     otherwise polls for a free one and falls back to opening one after
//     TransportExistingAcquisitionTimeoutMs. TransportMaxCount caps the pool;
//     TransportMaxExistingAcquisitionTimeoutMs is the hard limit.
//
//   - Maintenance: Maintain closes client transports idle for longer than
//     ClientTransportIdleTimeoutMs, prunes closed ones and sweeps the host.
//     RunMaintenance calls it periodically.
//
//   - Diagnostics: a Dumper writes selected messages to DumpConf.Dir and a
//     VictoriaMetrics set counts dispatches, failures and round trips.
//
// Bindings register with a Registry under their name so endpoints can find
// the binding for a Node by its scheme.
package binding
