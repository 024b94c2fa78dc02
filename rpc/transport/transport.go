package transport

import (
	"github.com/ValentinKolb/dRPC/rpc/call"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/benbjohnson/clock"
	"github.com/lni/dragonboat/v4/logger"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("transport/rpc")

const (
	notAcquired int32 = 0
	acquired    int32 = 1
)

// RoundTripTimer is the statistics timer fed with the duration of answered calls
const RoundTripTimer = "roundtrip"

// Core implements the technology independent part of ITransport.
// Concrete transports embed a *Core.
type Core struct {
	latch     atomic.Int32
	idleSince atomic.Int64 // unix nanos of the clock, 0 = active
	closed    atomic.Bool
	clock     clock.Clock
	stats     *Statistics
}

// NewCore creates the shared state of a transport
func NewCore(clk clock.Clock, emaFactor float64) *Core {
	if clk == nil {
		clk = clock.New()
	}
	return &Core{clock: clk, stats: NewStatistics(emaFactor)}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.ITransport)
// --------------------------------------------------------------------------

func (c *Core) TryAcquire() bool {
	return c.latch.CompareAndSwap(notAcquired, acquired)
}

func (c *Core) Release() {
	c.latch.Store(notAcquired)
}

func (c *Core) MarkActive() {
	c.idleSince.Store(0)
}

func (c *Core) VisitIdle() {
	c.idleSince.CompareAndSwap(0, c.clock.Now().UnixNano())
}

func (c *Core) IdleFor() time.Duration {
	since := c.idleSince.Load()
	if since == 0 {
		return 0
	}
	return time.Duration(c.clock.Now().UnixNano() - since)
}

func (c *Core) Stats() *Statistics { return c.stats }

func (c *Core) Closed() bool { return c.closed.Load() }

// --------------------------------------------------------------------------
// Helpers for concrete transports
// --------------------------------------------------------------------------

// Acquired reports whether the latch is currently taken
func (c *Core) Acquired() bool { return c.latch.Load() == acquired }

// Clock returns the clock used for idle tracking
func (c *Core) Clock() clock.Clock { return c.clock }

// MarkClosed flags the transport as closed and reports whether this was the first call
func (c *Core) MarkClosed() bool {
	return c.closed.CompareAndSwap(false, true)
}

// TrackRoundTrip returns opts with a completion hook that feeds answered calls
// into the round-trip timer
func (c *Core) TrackRoundTrip(opts call.SlotOptions) call.SlotOptions {
	next := opts.OnComplete
	timer := c.stats.Timer(RoundTripTimer)
	opts.OnComplete = func(s *call.CallSlot) {
		if st := s.CallStatus(); st == common.StatusResponseOK || st == common.StatusResponseError {
			timer.Observe(s.Elapsed())
		}
		if next != nil {
			next(s)
		}
	}
	return opts
}
