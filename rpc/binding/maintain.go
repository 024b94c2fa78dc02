package binding

import (
	"context"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"go.uber.org/multierr"
	"time"
)

// MaintenanceReport summarizes one maintenance pass
type MaintenanceReport struct {
	ClosedClients int
	ClosedServers int
	Pruned        int
	ExpiredCalls  int
}

// Maintain runs one idle-reaping and statistics pass:
//   - idle client transports are closed after ClientTransportIdleTimeoutMs,
//     busy ones are skipped
//   - server transports only get their idle time stamped
//   - closed transports are removed from the pool
//   - per-node transport counts are exported if enabled
func (b *Binding) Maintain() MaintenanceReport {
	var report MaintenanceReport
	if b.closed.Load() {
		return report
	}

	idleTimeout := b.conf.ClientIdleTimeout()
	for _, t := range b.ClientTransports() {
		if t.Closed() || !t.TryAcquire() {
			continue
		}
		if idleTimeout > 0 && t.IdleFor() > idleTimeout {
			Logger.Debugf("closing client transport to %s, idle for %v", t.Remote(), t.IdleFor())
			if err := t.Close(); err != nil {
				Logger.Warningf("failed to close client transport to %s: %v", t.Remote(), err)
			}
			report.ClosedClients++
		} else {
			t.VisitIdle()
		}
		t.Release()
	}

	for _, t := range b.ServerTransports() {
		if !t.Closed() {
			t.VisitIdle()
		}
	}

	report.Pruned = b.prune()

	if b.conf.Instrumentation.NodeCounts {
		b.exportNodeCounts()
	}
	report.ExpiredCalls = b.host.Sweep()
	return report
}

// CloseIdleServerTransports closes server transports idle for longer than timeout
// (0 uses ServerTransportIdleTimeoutMs; a disabled timeout closes nothing)
func (b *Binding) CloseIdleServerTransports(timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = b.conf.ServerIdleTimeout()
	}
	if timeout <= 0 {
		return 0, nil
	}

	var err error
	closed := 0
	for _, t := range b.ServerTransports() {
		if t.Closed() || t.IdleFor() <= timeout {
			continue
		}
		Logger.Debugf("closing server transport from %s, idle for %v", t.Peer(), t.IdleFor())
		err = multierr.Append(err, t.Close())
		closed++
	}
	if closed > 0 {
		b.prune()
	}
	return closed, err
}

// RunMaintenance calls Maintain every interval until ctx is done or the
// binding is closed. A non-positive interval returns immediately.
func (b *Binding) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := b.host.Clock().Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.closed.Load() {
				return
			}
			b.safeMaintain()
		}
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (b *Binding) safeMaintain() {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("maintenance of binding %s panicked: %v", b.name, r)
		}
	}()
	report := b.Maintain()
	if report.ClosedClients > 0 || report.Pruned > 0 {
		Logger.Infof("binding %s maintenance: closed %d idle client transports, pruned %d",
			b.name, report.ClosedClients, report.Pruned)
	}
}

// prune removes closed transports from both snapshots
func (b *Binding) prune() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	pruned := 0
	clients := *b.clients.Load()
	openClients := make([]transport.IClientTransport, 0, len(clients))
	for _, t := range clients {
		if t.Closed() {
			pruned++
			continue
		}
		openClients = append(openClients, t)
	}
	servers := *b.servers.Load()
	openServers := make([]transport.IServerTransport, 0, len(servers))
	for _, t := range servers {
		if t.Closed() {
			pruned++
			continue
		}
		openServers = append(openServers, t)
	}
	if pruned > 0 {
		b.clients.Store(&openClients)
		b.servers.Store(&openServers)
	}
	return pruned
}

func (b *Binding) exportNodeCounts() {
	clients := make(map[string]common.Node)
	clientCounts := make(map[string]uint64)
	for _, t := range b.ClientTransports() {
		key := t.Remote().Key()
		clients[key] = t.Remote()
		if !t.Closed() {
			clientCounts[key]++
		}
	}
	b.metrics.setNodeCounts("client", clients, clientCounts)

	servers := make(map[string]common.Node)
	serverCounts := make(map[string]uint64)
	for _, t := range b.ServerTransports() {
		key := t.Local().Key()
		servers[key] = t.Local()
		if !t.Closed() {
			serverCounts[key]++
		}
	}
	b.metrics.setNodeCounts("server", servers, serverCounts)
}
