package call

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/benbjohnson/clock"
	"github.com/lni/dragonboat/v4/logger"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("call")

// replyPollInterval bounds a single wait of a blocked reply reader
const replyPollInterval = 250 * time.Millisecond

// ResponsePipeline runs the reply inspectors over a received response. It is
// invoked at most once per slot.
type ResponsePipeline func(req *common.RequestMsg, resp *common.ResponseMsg) (*common.ResponseMsg, error)

// SlotOptions configures a new CallSlot
type SlotOptions struct {
	// Timeout after which a pending slot reads as StatusTimeout (0 = never)
	Timeout time.Duration
	// Clock used for start time and expiry, defaults to the wall clock
	Clock clock.Clock
	// Pipeline is applied to the reply on first read (optional)
	Pipeline ResponsePipeline
	// Reactor completes futures of slots nobody polls (optional)
	Reactor *TimeoutReactor
	// OnComplete is called once after the slot reached a terminal status (optional)
	OnComplete func(s *CallSlot)
	// Owner identifies the endpoint that issued the call, informational only
	Owner string
}

// CallSlot correlates one request with its eventual reply
type CallSlot struct {
	mu   sync.Mutex
	done chan struct{}

	// immutable
	req        *common.RequestMsg
	oneWay     bool
	owner      string
	start      time.Time
	timeout    time.Duration
	clock      clock.Clock
	pipeline   ResponsePipeline
	reactor    *TimeoutReactor
	onComplete func(s *CallSlot)

	// guarded by mu, set once
	status      common.CallStatus
	reply       *common.ResponseMsg
	dispatchErr error

	inspectOnce sync.Once
	inspected   *common.ResponseMsg
	inspectErr  error

	future atomic.Pointer[Future]
}

// NewCallSlot creates the slot for req. One-way slots are available immediately.
func NewCallSlot(req *common.RequestMsg, opts SlotOptions) *CallSlot {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	s := &CallSlot{
		done:       make(chan struct{}),
		req:        req,
		oneWay:     req.OneWay,
		owner:      opts.Owner,
		start:      clk.Now(),
		timeout:    opts.Timeout,
		clock:      clk,
		pipeline:   opts.Pipeline,
		reactor:    opts.Reactor,
		onComplete: opts.OnComplete,
		status:     common.StatusDispatched,
	}
	if s.oneWay {
		close(s.done)
	}
	return s
}

// RequestID returns the id of the request this slot waits for
func (s *CallSlot) RequestID() uint64 { return s.req.RequestID }

// Request returns the request as it was handed to the transport
func (s *CallSlot) Request() *common.RequestMsg { return s.req }

// OneWay reports whether the call never produces a reply
func (s *CallSlot) OneWay() bool { return s.oneWay }

// Owner returns the owner passed at creation
func (s *CallSlot) Owner() string { return s.owner }

// StartTime returns when the slot was created
func (s *CallSlot) StartTime() time.Time { return s.start }

// Timeout returns the call timeout (0 = none)
func (s *CallSlot) Timeout() time.Duration { return s.timeout }

// Elapsed returns the time since the slot was created
func (s *CallSlot) Elapsed() time.Duration { return s.clock.Since(s.start) }

// Done is closed once the slot is available
func (s *CallSlot) Done() <-chan struct{} { return s.done }

// CallStatus returns the current status. A pending slot whose timeout has
// elapsed is flipped to StatusTimeout by this read.
func (s *CallSlot) CallStatus() common.CallStatus {
	s.mu.Lock()
	fired := s.checkTimeoutLocked()
	status := s.status
	s.mu.Unlock()
	if fired {
		s.completed()
	}
	return status
}

// Available reports whether reading the reply would not block
func (s *CallSlot) Available() bool {
	return s.oneWay || s.CallStatus() != common.StatusDispatched
}

// DeliverResponse records the reply. It returns false if the slot was
// already terminal (e.g. timed out), in which case resp is ignored.
func (s *CallSlot) DeliverResponse(resp *common.ResponseMsg) bool {
	if s.oneWay || resp == nil {
		return false
	}
	s.mu.Lock()
	fired := s.checkTimeoutLocked()
	accepted := false
	status := s.status
	if status == common.StatusDispatched {
		s.reply = resp
		if resp.OK {
			s.status = common.StatusResponseOK
		} else {
			s.status = common.StatusResponseError
		}
		close(s.done)
		accepted = true
	}
	s.mu.Unlock()
	if fired || accepted {
		s.completed()
	}
	if !accepted {
		Logger.Debugf("ignoring late reply for call %d (status %s)", resp.RequestID, status)
	}
	return accepted
}

// SignalDispatchError marks the call as never (or not fully) sent. It returns
// false if the slot was already terminal.
func (s *CallSlot) SignalDispatchError(err error) bool {
	if s.oneWay {
		return false
	}
	s.mu.Lock()
	fired := s.checkTimeoutLocked()
	accepted := false
	if s.status == common.StatusDispatched {
		if err == nil {
			err = fmt.Errorf("dispatch failed")
		}
		s.dispatchErr = err
		s.status = common.StatusDispatchError
		close(s.done)
		accepted = true
	}
	s.mu.Unlock()
	if fired || accepted {
		s.completed()
	}
	return accepted
}

// DispatchError returns the error recorded by SignalDispatchError
func (s *CallSlot) DispatchError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchErr
}

// Wait blocks until the slot is available or ctx is done. The status is
// re-checked at least every 250ms so expired slots are noticed without a reactor.
func (s *CallSlot) Wait(ctx context.Context) error {
	for {
		if s.Available() {
			return nil
		}
		wait := replyPollInterval
		if s.timeout > 0 {
			if remaining := s.timeout - s.Elapsed() + time.Millisecond; remaining < wait {
				wait = remaining
			}
		}
		timer := s.clock.Timer(wait)
		select {
		case <-s.done:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ResponseMsg blocks until the reply is there and returns it after the reply
// inspectors ran. Answered failures are returned with a nil error; local
// failures (timeout, dispatch error) are returned as *common.ClientCallError.
func (s *CallSlot) ResponseMsg(ctx context.Context) (*common.ResponseMsg, error) {
	if s.oneWay {
		return nil, common.ErrOneWayAccess
	}
	if err := s.Wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	status, reply, dispatchErr := s.status, s.reply, s.dispatchErr
	s.mu.Unlock()

	switch status {
	case common.StatusTimeout:
		return nil, common.NewTimeoutError(s.req.RequestID, fmt.Sprintf("no reply within %s", s.timeout))
	case common.StatusDispatchError:
		return nil, common.NewDispatchError(s.req.RequestID, dispatchErr)
	}

	s.inspectOnce.Do(func() {
		s.inspected = reply
		if s.pipeline != nil {
			out, err := s.pipeline(s.req, reply)
			if err != nil {
				s.inspectErr = err
				return
			}
			if out != nil {
				s.inspected = out
			}
		}
	})
	return s.inspected, s.inspectErr
}

// ReturnValue returns the reply payload. An answered failure becomes a
// *common.RemoteError.
func (s *CallSlot) ReturnValue(ctx context.Context) ([]byte, error) {
	resp, err := s.ResponseMsg(ctx)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &common.RemoteError{RequestID: s.req.RequestID, Data: resp.ExceptionData}
	}
	return resp.ReturnValue, nil
}

// AsFuture returns the deferred-result handle of this slot. The handle is
// created once; pending slots subscribe to the timeout reactor.
func (s *CallSlot) AsFuture() *Future {
	if f := s.future.Load(); f != nil {
		return f
	}
	f := &Future{slot: s}
	if !s.future.CompareAndSwap(nil, f) {
		return s.future.Load()
	}
	if s.reactor != nil && !s.Available() {
		s.reactor.Subscribe(s)
	}
	return f
}

// String returns a short description for logs
func (s *CallSlot) String() string {
	return fmt.Sprintf("call %d %s.%s (%s)", s.req.RequestID, s.req.Contract, s.req.MethodName, s.CallStatus())
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// checkTimeoutLocked flips a pending, expired slot to StatusTimeout.
// It returns true if this call did the flip. mu must be held.
func (s *CallSlot) checkTimeoutLocked() bool {
	if s.oneWay || s.status != common.StatusDispatched || s.timeout <= 0 {
		return false
	}
	if s.clock.Since(s.start) <= s.timeout {
		return false
	}
	s.status = common.StatusTimeout
	close(s.done)
	return true
}

// completed runs the completion hook outside the lock
func (s *CallSlot) completed() {
	if s.onComplete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("completion hook of call %d panicked: %v", s.req.RequestID, r)
		}
	}()
	s.onComplete(s)
}
