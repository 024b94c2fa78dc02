package transport

import (
	"github.com/ValentinKolb/dRPC/lib/util"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
	"math"
	"sync"
	"time"
)

// Statistics holds the traffic counters of one transport
type Statistics struct {
	BytesSent        gometrics.Counter
	BytesReceived    gometrics.Counter
	MessagesSent     gometrics.Counter
	MessagesReceived gometrics.Counter
	Errors           gometrics.Counter

	// Sizes of all sent and received payloads
	Sizes *util.SizeHistogram

	emaFactor float64
	timers    *xsync.MapOf[string, *EMATimer]
}

// NewStatistics creates empty statistics. emaFactor is clamped into the
// allowed range, 0 selects the default.
func NewStatistics(emaFactor float64) *Statistics {
	return &Statistics{
		BytesSent:        gometrics.NewCounter(),
		BytesReceived:    gometrics.NewCounter(),
		MessagesSent:     gometrics.NewCounter(),
		MessagesReceived: gometrics.NewCounter(),
		Errors:           gometrics.NewCounter(),
		Sizes:            util.NewSizeHistogram(),
		emaFactor:        clampEMAFactor(emaFactor),
		timers:           xsync.NewMapOf[string, *EMATimer](),
	}
}

// RecordSent counts one outgoing message of n bytes
func (s *Statistics) RecordSent(n int) {
	s.MessagesSent.Inc(1)
	s.BytesSent.Inc(int64(n))
	s.Sizes.AddSample(n)
}

// RecordReceived counts one incoming message of n bytes
func (s *Statistics) RecordReceived(n int) {
	s.MessagesReceived.Inc(1)
	s.BytesReceived.Inc(int64(n))
	s.Sizes.AddSample(n)
}

// RecordError counts one failed send or receive
func (s *Statistics) RecordError() {
	s.Errors.Inc(1)
}

// Timer returns the named timer, creating it on first use
func (s *Statistics) Timer(name string) *EMATimer {
	t, _ := s.timers.LoadOrCompute(name, func() *EMATimer {
		return NewEMATimer(s.emaFactor)
	})
	return t
}

// Snapshot is a point in time copy of Statistics
type Snapshot struct {
	BytesSent        int64
	BytesReceived    int64
	MessagesSent     int64
	MessagesReceived int64
	Errors           int64
	AverageSize      int
	MaxSize          int
	P90Size          int // estimated from exponential size buckets
	Timers           map[string]time.Duration
}

// Snapshot copies the current values
func (s *Statistics) Snapshot() Snapshot {
	snap := Snapshot{
		BytesSent:        s.BytesSent.Count(),
		BytesReceived:    s.BytesReceived.Count(),
		MessagesSent:     s.MessagesSent.Count(),
		MessagesReceived: s.MessagesReceived.Count(),
		Errors:           s.Errors.Count(),
		AverageSize:      s.Sizes.AverageSize(),
		MaxSize:          s.Sizes.Max(),
		P90Size:          s.Sizes.PercentileEstimate(90),
		Timers:           map[string]time.Duration{},
	}
	s.timers.Range(func(name string, t *EMATimer) bool {
		snap.Timers[name] = t.Value()
		return true
	})
	return snap
}

// --------------------------------------------------------------------------
// EMATimer
// --------------------------------------------------------------------------

// EMATimer smooths durations with ema = F*sample + (1-F)*previous.
// Lower factors smooth more. The first sample seeds the average.
type EMATimer struct {
	mu      sync.Mutex
	factor  float64
	value   float64 // nanoseconds
	samples int64
}

// NewEMATimer creates a timer with the given factor (clamped, 0 = default)
func NewEMATimer(factor float64) *EMATimer {
	return &EMATimer{factor: clampEMAFactor(factor)}
}

// Observe adds a sample
func (t *EMATimer) Observe(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.samples == 0 {
		t.value = float64(d)
	} else {
		t.value = t.factor*float64(d) + (1-t.factor)*t.value
	}
	t.samples++
}

// Value returns the current average
func (t *EMATimer) Value() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(math.Round(t.value))
}

// Samples returns the number of observed samples
func (t *EMATimer) Samples() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samples
}

func clampEMAFactor(f float64) float64 {
	switch {
	case f == 0:
		return common.DefaultRoundTripEMAFactor
	case f < common.MinRoundTripEMAFactor:
		return common.MinRoundTripEMAFactor
	case f > common.MaxRoundTripEMAFactor:
		return common.MaxRoundTripEMAFactor
	}
	return f
}
