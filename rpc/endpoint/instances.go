package endpoint

import (
	"github.com/ValentinKolb/dRPC/lib/util"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"io"
	"sync"
	"time"
)

// instance is one activated stateful contract implementation
type instance struct {
	id       string
	contract string
	impl     Contract
	// one call at a time, buffered channel of size one used as a lock with timeout
	lock chan struct{}
	// set once the instance was dropped, read and written under lock
	closed bool
}

func (i *instance) acquire(timeout time.Duration) error {
	select {
	case i.lock <- struct{}{}:
		return nil
	default:
	}
	if timeout <= 0 {
		i.lock <- struct{}{}
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case i.lock <- struct{}{}:
		return nil
	case <-timer.C:
		return &common.LockTimeoutError{Instance: i.id, Waited: timeout}
	}
}

func (i *instance) tryAcquire() bool {
	select {
	case i.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

func (i *instance) release() { <-i.lock }

// instanceTable holds the stateful instances of a server endpoint ordered by last use
type instanceTable struct {
	clock     clock.Clock
	instances *xsync.MapOf[string, *instance]

	mu     sync.Mutex
	byUsed *util.MapHeap // id -> last use (unix nanos)
}

func newInstanceTable(clk clock.Clock) *instanceTable {
	return &instanceTable{
		clock:     clk,
		instances: xsync.NewMapOf[string, *instance](),
		byUsed:    util.NewMapHeap(),
	}
}

// activate stores a new instance of def
func (t *instanceTable) activate(def ContractDef) (*instance, error) {
	impl, err := def.Factory()
	if err != nil {
		return nil, &common.InstanceActivationError{Contract: def.Name, Err: err}
	}
	inst := &instance{
		id:       uuid.New().String(),
		contract: contractKey(def.Name),
		impl:     impl,
		lock:     make(chan struct{}, 1),
	}
	t.instances.Store(inst.id, inst)
	t.touch(inst.id)
	return inst, nil
}

// lookup returns the instance id of contract
func (t *instanceTable) lookup(contract, id string) (*instance, error) {
	inst, ok := t.instances.Load(id)
	if !ok || inst.contract != contractKey(contract) {
		return nil, &common.UnknownInstanceError{Contract: contract, Instance: id}
	}
	return inst, nil
}

func (t *instanceTable) touch(id string) {
	t.mu.Lock()
	t.byUsed.Upsert(id, t.clock.Now().UnixNano())
	t.mu.Unlock()
}

func (t *instanceTable) size() int { return t.instances.Size() }

// expire removes instances unused for longer than ttl. Busy instances are kept.
func (t *instanceTable) expire(ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	now := t.clock.Now().UnixNano()
	deadline := now - ttl.Nanoseconds()

	var expired []*instance
	t.mu.Lock()
	for {
		id, used, ok := t.byUsed.Peek()
		if !ok || used > deadline {
			break
		}
		t.byUsed.PopMin()
		inst, ok := t.instances.Load(id)
		if !ok {
			continue
		}
		if !inst.tryAcquire() {
			// in use, it counts as used now
			t.byUsed.Upsert(id, now)
			continue
		}
		t.instances.Delete(id)
		expired = append(expired, inst)
	}
	t.mu.Unlock()

	var err error
	for _, inst := range expired {
		err = multierr.Append(err, closeInstance(inst))
		inst.closed = true
		inst.release()
	}
	return len(expired), err
}

// closeAll drops every instance. Instances serving a call are closed once
// the call returned; if that takes longer than lockTimeout they are dropped
// without being closed.
func (t *instanceTable) closeAll(lockTimeout time.Duration) error {
	var err error
	t.instances.Range(func(id string, inst *instance) bool {
		t.instances.Delete(id)
		if lerr := inst.acquire(lockTimeout); lerr != nil {
			Logger.Warningf("instance %s still busy, dropped without closing", id)
			err = multierr.Append(err, lerr)
			return true
		}
		err = multierr.Append(err, closeInstance(inst))
		inst.closed = true
		inst.release()
		return true
	})
	t.mu.Lock()
	t.byUsed = util.NewMapHeap()
	t.mu.Unlock()
	return err
}

func closeInstance(inst *instance) error {
	if c, ok := inst.impl.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
