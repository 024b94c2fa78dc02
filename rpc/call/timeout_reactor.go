package call

import (
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/benbjohnson/clock"
	"sync"
	"time"
)

const (
	// timeoutBucketCount is prime so sequential request ids spread evenly
	timeoutBucketCount = 127
	// DefaultScanInterval is the pause between two scans of the TimeoutReactor
	DefaultScanInterval = 500 * time.Millisecond
)

// TimeoutReactor visits pending slots in the background so their futures
// complete once they expire, even if nobody reads their status.
type TimeoutReactor struct {
	clock    clock.Clock
	interval time.Duration
	buckets  [timeoutBucketCount]timeoutBucket

	mu      sync.Mutex // guards the lifecycle fields below
	running bool
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

type timeoutBucket struct {
	mu    sync.Mutex
	slots []*CallSlot
}

// NewTimeoutReactor creates a stopped reactor. A nil clock means the wall
// clock, a non-positive interval means DefaultScanInterval.
func NewTimeoutReactor(clk clock.Clock, interval time.Duration) *TimeoutReactor {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &TimeoutReactor{clock: clk, interval: interval}
}

// Start launches the scanner goroutine. It is a no-op if the reactor is
// already running or was stopped for good.
func (r *TimeoutReactor) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.closed {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.loop(r.stop)
	Logger.Debugf("timeout reactor started (interval %s)", r.interval)
}

// Stop ends the scanner goroutine and waits for it. A stopped reactor does
// not restart on Subscribe.
func (r *TimeoutReactor) Stop() {
	r.mu.Lock()
	r.closed = true
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	r.mu.Unlock()

	r.wg.Wait()
	Logger.Debugf("timeout reactor stopped")
}

// Running reports whether the scanner goroutine is active
func (r *TimeoutReactor) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Subscribe adds a pending slot and starts the scanner if needed
func (r *TimeoutReactor) Subscribe(s *CallSlot) {
	b := &r.buckets[s.RequestID()%timeoutBucketCount]
	b.mu.Lock()
	b.slots = append(b.slots, s)
	b.mu.Unlock()
	r.Start()
}

// Pending returns the number of subscribed slots
func (r *TimeoutReactor) Pending() int {
	n := 0
	for i := range r.buckets {
		b := &r.buckets[i]
		b.mu.Lock()
		n += len(b.slots)
		b.mu.Unlock()
	}
	return n
}

// ScanOnce walks every bucket once. Reading the status of a slot performs the
// timeout flip; slots that are no longer pending are dropped.
// It returns the number of dropped slots.
func (r *TimeoutReactor) ScanOnce() int {
	removed := 0
	for i := range r.buckets {
		removed += r.buckets[i].sweep()
	}
	return removed
}

func (b *timeoutBucket) sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.slots[:0]
	for _, s := range b.slots {
		if s.OneWay() || s.CallStatus() != common.StatusDispatched {
			continue
		}
		kept = append(kept, s)
	}
	removed := len(b.slots) - len(kept)
	clear(b.slots[len(kept):])
	b.slots = kept
	return removed
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

func (r *TimeoutReactor) loop(stop <-chan struct{}) {
	defer r.wg.Done()
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.safeScan()
		}
	}
}

// safeScan never lets a failed scan end the loop
func (r *TimeoutReactor) safeScan() {
	defer func() {
		if rec := recover(); rec != nil {
			Logger.Errorf("timeout reactor scan failed: %v", rec)
		}
	}()
	if n := r.ScanOnce(); n > 0 {
		Logger.Debugf("timeout reactor dropped %d completed calls", n)
	}
}
