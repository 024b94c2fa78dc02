package call

import (
	"context"
)

// Future is the deferred-result handle of a CallSlot. It completes when the
// slot becomes available, either by delivery or by a detected timeout.
type Future struct {
	slot *CallSlot
}

// Slot returns the underlying slot
func (f *Future) Slot() *CallSlot { return f.slot }

// Done is closed once the future completed
func (f *Future) Done() <-chan struct{} { return f.slot.done }

// IsDone reports whether the future completed without blocking
func (f *Future) IsDone() bool {
	select {
	case <-f.slot.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future completed or ctx is done
func (f *Future) Await(ctx context.Context) (*CallSlot, error) {
	select {
	case <-f.slot.done:
		return f.slot, nil
	case <-ctx.Done():
		return f.slot, ctx.Err()
	}
}
