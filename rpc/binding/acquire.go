package binding

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"math/rand/v2"
	"time"
)

const (
	minAcquireJitter = 5 * time.Millisecond
	maxAcquireJitter = 20 * time.Millisecond
)

// AcquireClientTransportForCall returns an acquired client transport to node.
// The caller must Release it.
//
// A free transport is reused if there is one. Below TransportCountWaitThreshold
// transports for node a new one is created right away. Otherwise the pool is
// polled with a 5-20 ms jitter; after TransportExistingAcquisitionTimeoutMs a
// new transport is created if TransportMaxCount allows it, and after
// TransportMaxExistingAcquisitionTimeoutMs the call fails with StatusTimeout.
func (b *Binding) AcquireClientTransportForCall(ctx context.Context, node common.Node) (transport.IClientTransport, error) {
	if b.closed.Load() {
		return nil, common.ErrBindingClosed
	}
	if !node.IsAssigned() {
		return nil, common.ErrInvalidNode
	}

	if t := b.tryAcquireExisting(node); t != nil {
		return t, nil
	}
	if b.countFor(node) < b.conf.TransportCountWaitThreshold {
		t, err := b.allocate(ctx, node)
		if err != nil || t != nil {
			return t, err
		}
	}

	soft := b.conf.ExistingAcquisitionTimeout()
	hard := max(b.conf.MaxExistingAcquisitionTimeout(), soft)
	start := time.Now()
	for {
		if t := b.tryAcquireExisting(node); t != nil {
			return t, nil
		}

		elapsed := time.Since(start)
		if elapsed >= soft {
			t, err := b.allocate(ctx, node)
			if err != nil || t != nil {
				return t, err
			}
		}
		if elapsed >= hard {
			Logger.Warningf("no transport to %s available after %v (max count %d)", node, elapsed, b.conf.TransportMaxCount)
			return nil, common.NewTimeoutError(0, fmt.Sprintf("no transport to %s available within %v", node, hard))
		}

		jitter := minAcquireJitter + rand.N(maxAcquireJitter-minAcquireJitter+1)
		timer := time.NewTimer(jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, common.NewDispatchError(0, ctx.Err())
		case <-timer.C:
		}
	}
}

// NodeCounts returns the number of open client transports per node
func (b *Binding) NodeCounts() map[string]int {
	counts := make(map[string]int)
	for _, t := range b.ClientTransports() {
		if !t.Closed() {
			counts[t.Remote().String()]++
		}
	}
	return counts
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// tryAcquireExisting scans the snapshot for a free transport to node
func (b *Binding) tryAcquireExisting(node common.Node) transport.IClientTransport {
	for _, t := range b.ClientTransports() {
		if t.Closed() || !t.Remote().Equals(node) {
			continue
		}
		if t.TryAcquire() {
			// closed between the check and the latch
			if t.Closed() {
				t.Release()
				continue
			}
			return t
		}
	}
	return nil
}

// countFor returns the number of open transports to node
func (b *Binding) countFor(node common.Node) int {
	n := 0
	for _, t := range b.ClientTransports() {
		if !t.Closed() && t.Remote().Equals(node) {
			n++
		}
	}
	return n
}

// allocate creates a new acquired transport to node. It returns nil without
// an error if TransportMaxCount transports to node already exist.
func (b *Binding) allocate(ctx context.Context, node common.Node) (transport.IClientTransport, error) {
	lock := &b.allocLocks[node.Hash()%allocLockCount]
	lock.Lock()
	defer lock.Unlock()

	// another goroutine may have added one while we waited for the lock
	if t := b.tryAcquireExisting(node); t != nil {
		return t, nil
	}
	if b.conf.TransportMaxCount > 0 && b.countFor(node) >= b.conf.TransportMaxCount {
		return nil, nil
	}

	t, err := b.connector.Dial(ctx, node, b.host)
	if err != nil {
		Logger.Warningf("failed to connect to %s: %v", node, err)
		return nil, common.NewDispatchError(0, err)
	}
	t.TryAcquire()
	b.addClient(t)
	if b.closed.Load() {
		// Close swapped the list before we added t
		t.Release()
		_ = t.Close()
		return nil, common.ErrBindingClosed
	}
	Logger.Debugf("new client transport to %s (%d open)", node, b.countFor(node))
	return t, nil
}
