package host

import (
	"context"
	"github.com/ValentinKolb/dRPC/rpc/call"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/benbjohnson/clock"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("host")

const (
	// DeliveryRetryStep is the pause between two lookups of a not yet registered slot
	DeliveryRetryStep = 5 * time.Millisecond
	// DeliveryRetryBudget bounds the total time spent looking for a slot
	DeliveryRetryBudget = 250 * time.Millisecond
)

// Options configures a Host
type Options struct {
	// Clock drives call timeouts and the timeout reactor, defaults to the wall clock
	Clock clock.Clock
	// ScanInterval of the timeout reactor, defaults to call.DefaultScanInterval
	ScanInterval time.Duration
	// ClientInspectors run after the binding level client inspectors
	ClientInspectors common.ClientInspectorChain
	// ServerInspectors run after the binding level server inspectors
	ServerInspectors common.ServerInspectorChain
}

// Host is the runtime every binding of a process reports to
type Host struct {
	clock   clock.Clock
	reactor *call.TimeoutReactor
	pending *xsync.MapOf[uint64, *call.CallSlot]
	nextID  atomic.Uint64
	active  atomic.Bool

	inspMu           sync.RWMutex
	clientInspectors common.ClientInspectorChain
	serverInspectors common.ServerInspectorChain
}

// New creates an active host
func New(opts Options) *Host {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	h := &Host{
		clock:            clk,
		reactor:          call.NewTimeoutReactor(clk, opts.ScanInterval),
		pending:          xsync.NewMapOf[uint64, *call.CallSlot](),
		clientInspectors: opts.ClientInspectors,
		serverInspectors: opts.ServerInspectors,
	}
	h.active.Store(true)
	return h
}

var (
	defaultHost     *Host
	defaultHostOnce sync.Once
)

// Default returns the process wide host, created on first use
func Default() *Host {
	defaultHostOnce.Do(func() {
		defaultHost = New(Options{})
	})
	return defaultHost
}

// Clock returns the clock of the host
func (h *Host) Clock() clock.Clock { return h.clock }

// Reactor returns the timeout reactor owned by the host
func (h *Host) Reactor() *call.TimeoutReactor { return h.reactor }

// IsActive reports whether the host is still running. Background call
// reactors use it as their activity check.
func (h *Host) IsActive() bool { return h.active.Load() }

// NextRequestID returns a process unique, non-zero request id
func (h *Host) NextRequestID() uint64 { return h.nextID.Add(1) }

// AddClientInspector appends a runtime level client inspector
func (h *Host) AddClientInspector(i common.IClientMessageInspector) {
	h.inspMu.Lock()
	defer h.inspMu.Unlock()
	h.clientInspectors = append(h.clientInspectors[:len(h.clientInspectors):len(h.clientInspectors)], i)
}

// AddServerInspector appends a runtime level server inspector
func (h *Host) AddServerInspector(i common.IServerMessageInspector) {
	h.inspMu.Lock()
	defer h.inspMu.Unlock()
	h.serverInspectors = append(h.serverInspectors[:len(h.serverInspectors):len(h.serverInspectors)], i)
}

// ClientInspectors returns the current runtime level client chain
func (h *Host) ClientInspectors() common.ClientInspectorChain {
	h.inspMu.RLock()
	defer h.inspMu.RUnlock()
	return h.clientInspectors
}

// ServerInspectors returns the current runtime level server chain
func (h *Host) ServerInspectors() common.ServerInspectorChain {
	h.inspMu.RLock()
	defer h.inspMu.RUnlock()
	return h.serverInspectors
}

// SlotOptions returns the options transports use to create slots owned by this host
func (h *Host) SlotOptions(timeout time.Duration, pipeline call.ResponsePipeline, owner string) call.SlotOptions {
	return call.SlotOptions{
		Timeout:    timeout,
		Clock:      h.clock,
		Pipeline:   pipeline,
		Reactor:    h.reactor,
		OnComplete: h.forget,
		Owner:      owner,
	}
}

// --------------------------------------------------------------------------
// Correlation
// --------------------------------------------------------------------------

// CallDispatched registers a sent call so asynchronous replies can find it.
// One-way and already completed slots are not tracked.
func (h *Host) CallDispatched(slot *call.CallSlot) {
	if slot.Available() {
		return
	}
	h.pending.Store(slot.RequestID(), slot)
	// the slot may have completed between the check and the store
	if slot.Available() {
		h.forget(slot)
	}
}

// DeliverResponse hands an asynchronously received reply to its slot. It
// returns false if no pending slot claimed the reply within the retry window
// or the slot was already terminal.
func (h *Host) DeliverResponse(ctx context.Context, resp *common.ResponseMsg) bool {
	slot, ok := h.lookup(ctx, resp.RequestID)
	if !ok {
		Logger.Warningf("dropping reply for unknown call %d", resp.RequestID)
		return false
	}
	h.pending.Delete(resp.RequestID)
	return slot.DeliverResponse(resp)
}

// DispatchFailed records a send failure detected after the request left the
// dispatching goroutine (e.g. the connection broke while waiting for the reply)
func (h *Host) DispatchFailed(ctx context.Context, requestID uint64, err error) bool {
	slot, ok := h.lookup(ctx, requestID)
	if !ok {
		Logger.Debugf("dispatch failure for unknown call %d: %v", requestID, err)
		return false
	}
	h.pending.Delete(requestID)
	return slot.SignalDispatchError(err)
}

// Pending returns the number of tracked calls
func (h *Host) Pending() int { return h.pending.Size() }

// Sweep drops tracked calls that are no longer pending (reading their status
// detects expired ones) and returns how many were dropped
func (h *Host) Sweep() int {
	removed := 0
	h.pending.Range(func(_ uint64, slot *call.CallSlot) bool {
		if slot.CallStatus() != common.StatusDispatched {
			h.forget(slot)
			removed++
		}
		return true
	})
	return removed
}

// Shutdown marks the host inactive, fails every tracked call and stops the
// timeout reactor
func (h *Host) Shutdown(ctx context.Context) error {
	if !h.active.CompareAndSwap(true, false) {
		return nil
	}

	failed := 0
	h.pending.Range(func(id uint64, slot *call.CallSlot) bool {
		h.pending.Delete(id)
		if slot.SignalDispatchError(common.ErrHostShutdown) {
			failed++
		}
		return true
	})
	Logger.Infof("host shut down, %d pending calls failed", failed)

	stopped := make(chan struct{})
	go func() {
		h.reactor.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// lookup finds the slot for requestID, retrying while the dispatching
// goroutine may still be about to register it
func (h *Host) lookup(ctx context.Context, requestID uint64) (*call.CallSlot, bool) {
	deadline := time.Now().Add(DeliveryRetryBudget)
	for {
		if slot, ok := h.pending.Load(requestID); ok {
			return slot, true
		}
		if !h.IsActive() || time.Now().After(deadline) {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(DeliveryRetryStep):
		}
	}
}

// forget removes slot from the tracked calls if it is still the registered one
func (h *Host) forget(slot *call.CallSlot) {
	h.pending.Compute(slot.RequestID(), func(old *call.CallSlot, loaded bool) (*call.CallSlot, bool) {
		return old, !loaded || old == slot
	})
}
