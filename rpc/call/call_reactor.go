package call

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultReactorInterval is the pause between two polls of a CallReactor
const DefaultReactorInterval = 25 * time.Millisecond

// Callback is invoked once the slot of a Call is available
type Callback func(slot *CallSlot) error

// Call pairs a slot with the callback a CallReactor runs for it
type Call struct {
	slot     *CallSlot
	callback Callback
	attached atomic.Bool
	ended    atomic.Bool

	mu  sync.Mutex
	err error
}

// NewCall creates a call for slot. A nil callback only marks the call ended.
func NewCall(slot *CallSlot, callback Callback) *Call {
	return &Call{slot: slot, callback: callback}
}

// Slot returns the slot this call waits for
func (c *Call) Slot() *CallSlot { return c.slot }

// Ended reports whether the reactor already ran the callback
func (c *Call) Ended() bool { return c.ended.Load() }

// Err returns the error returned (or panic raised) by the callback
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// invoke runs the callback and records its failure on the call
func (c *Call) invoke() {
	defer c.ended.Store(true)
	if c.callback == nil {
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("callback panicked: %v", r)
			}
		}()
		return c.callback(c.slot)
	}()
	if err != nil {
		Logger.Warningf("callback of call %d failed: %v", c.slot.RequestID(), err)
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
	}
}

// ReactorOptions configures a CallReactor
type ReactorOptions struct {
	// Background reactors also stop once Active returns false
	Background bool
	// Active reports whether the hosting process is still running (required for Background)
	Active func() bool
	// Clock drives the poll interval, defaults to the wall clock
	Clock clock.Clock
	// Interval between two polls, defaults to DefaultReactorInterval
	Interval time.Duration
}

// CallReactor polls a fixed set of calls from a single goroutine and runs
// each callback once its slot is available. The loop ends when every call
// ended or, for background reactors, when the process is no longer active.
// A non-background reactor with a call that never resolves runs forever;
// give such calls a timeout.
type CallReactor struct {
	calls []*Call
	opts  ReactorOptions

	startOnce sync.Once
	done      chan struct{}
	err       error // loop failure, readable after done is closed
}

// NewCallReactor attaches calls to a new reactor. A call can belong to one
// reactor only; attaching it twice fails with *common.InvalidOperationError.
func NewCallReactor(calls []*Call, opts ReactorOptions) (*CallReactor, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultReactorInterval
	}
	if opts.Background && opts.Active == nil {
		return nil, &common.InvalidOperationError{Op: "create reactor", Reason: "background reactor needs an activity check"}
	}

	for i, c := range calls {
		if c == nil || !c.attached.CompareAndSwap(false, true) {
			for _, prev := range calls[:i] {
				prev.attached.Store(false)
			}
			return nil, &common.InvalidOperationError{Op: "attach call", Reason: fmt.Sprintf("call %d is nil or already attached to a reactor", i)}
		}
	}

	return &CallReactor{
		calls: append([]*Call(nil), calls...),
		opts:  opts,
		done:  make(chan struct{}),
	}, nil
}

// Start launches the polling goroutine once and returns the reactor
func (r *CallReactor) Start() *CallReactor {
	r.startOnce.Do(func() {
		go r.loop()
	})
	return r
}

// Calls returns the attached calls
func (r *CallReactor) Calls() []*Call { return r.calls }

// Pending returns the number of calls whose callback did not run yet
func (r *CallReactor) Pending() int {
	n := 0
	for _, c := range r.calls {
		if !c.Ended() {
			n++
		}
	}
	return n
}

// Done is closed when the polling goroutine ended
func (r *CallReactor) Done() <-chan struct{} { return r.done }

// Wait joins the polling goroutine (starting it if needed) and returns the
// loop failure, if any.
func (r *CallReactor) Wait(ctx context.Context) error {
	r.Start()
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the failure of the loop body itself. Callback failures are
// kept on the individual calls.
func (r *CallReactor) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// WaitAll joins several reactors and returns the first failure
func WaitAll(ctx context.Context, reactors ...*CallReactor) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range reactors {
		g.Go(func() error {
			return r.Wait(ctx)
		})
	}
	return g.Wait()
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

func (r *CallReactor) loop() {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			r.err = fmt.Errorf("call reactor loop failed: %v", rec)
			Logger.Errorf("%v", r.err)
		}
	}()

	ticker := r.opts.Clock.Ticker(r.opts.Interval)
	defer ticker.Stop()

	for {
		if r.poll() == 0 {
			return
		}
		if r.opts.Background && !r.opts.Active() {
			Logger.Infof("background call reactor stops with %d pending calls", r.Pending())
			return
		}
		<-ticker.C
	}
}

// poll runs the callbacks of available calls and returns the number still pending
func (r *CallReactor) poll() int {
	pending := 0
	for _, c := range r.calls {
		if c.Ended() {
			continue
		}
		if c.slot.Available() {
			c.invoke()
			continue
		}
		pending++
	}
	return pending
}
