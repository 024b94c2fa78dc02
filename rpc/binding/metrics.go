package binding

import (
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/call"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/VictoriaMetrics/metrics"
	"sync"
)

// bindingMetrics is the instrumentation of one binding
type bindingMetrics struct {
	name           string
	set            *metrics.Set
	dispatched     *metrics.Counter
	dispatchErrors *metrics.Counter
	timeouts       *metrics.Counter
	remoteErrors   *metrics.Counter
	decodeFailures *metrics.Counter
	roundTrip      *metrics.Histogram

	// nodes exported by the last node count pass, per side
	exportMu sync.Mutex
	exported map[string]map[string]common.Node
}

func newBindingMetrics(name string) *bindingMetrics {
	set := metrics.NewSet()
	m := &bindingMetrics{name: name, set: set, exported: map[string]map[string]common.Node{}}
	m.dispatched = set.GetOrCreateCounter(m.metricName("drpc_calls_dispatched_total", ""))
	m.dispatchErrors = set.GetOrCreateCounter(m.metricName("drpc_calls_dispatch_errors_total", ""))
	m.timeouts = set.GetOrCreateCounter(m.metricName("drpc_calls_timeouts_total", ""))
	m.remoteErrors = set.GetOrCreateCounter(m.metricName("drpc_calls_remote_errors_total", ""))
	m.decodeFailures = set.GetOrCreateCounter(m.metricName("drpc_decode_failures_total", ""))
	m.roundTrip = set.GetOrCreateHistogram(m.metricName("drpc_call_roundtrip_seconds", ""))
	return m
}

// nodeCount returns the gauge-like counter holding the active transports of a node
func (m *bindingMetrics) nodeCount(node common.Node, side string) *metrics.Counter {
	return m.set.GetOrCreateCounter(m.metricName("drpc_active_transports",
		fmt.Sprintf(`,node=%q,side=%q`, node.String(), side)))
}

// setNodeCounts writes the active transport counts of side. Nodes exported
// by the previous pass that have no transports left are reset to 0.
func (m *bindingMetrics) setNodeCounts(side string, nodes map[string]common.Node, counts map[string]uint64) {
	m.exportMu.Lock()
	defer m.exportMu.Unlock()
	for key, node := range m.exported[side] {
		if _, ok := nodes[key]; !ok {
			m.nodeCount(node, side).Set(0)
		}
	}
	for key, node := range nodes {
		m.nodeCount(node, side).Set(counts[key])
	}
	m.exported[side] = nodes
}

func (m *bindingMetrics) metricName(base, labels string) string {
	return fmt.Sprintf(`%s{binding=%q%s}`, base, m.name, labels)
}

// observe wraps the completion hook of a slot to record its outcome
func (m *bindingMetrics) observe(next func(*call.CallSlot)) func(*call.CallSlot) {
	return func(s *call.CallSlot) {
		switch s.CallStatus() {
		case common.StatusResponseOK:
			m.roundTrip.Update(s.Elapsed().Seconds())
		case common.StatusResponseError:
			m.roundTrip.Update(s.Elapsed().Seconds())
			m.remoteErrors.Inc()
		case common.StatusTimeout:
			m.timeouts.Inc()
		case common.StatusDispatchError:
			m.dispatchErrors.Inc()
		}
		if next != nil {
			next(s)
		}
	}
}
