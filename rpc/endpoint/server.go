package endpoint

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/binding"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/multierr"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("endpoint")

const (
	// DefaultLookupCacheSize bounds the contract lookup cache
	DefaultLookupCacheSize = 128
	// DefaultLockTimeout is how long a call waits for a busy stateful instance
	DefaultLockTimeout = 5 * time.Second
)

// ServerOptions configures a ServerEndPoint
type ServerOptions struct {
	// Node to listen on
	Node common.Node
	// Binding serving the node, resolved from Registry by the node's binding name if nil
	Binding  *binding.Binding
	Registry *binding.Registry
	// Contracts served by the endpoint, fixed for its lifetime
	Contracts []ContractDef
	// InstanceTTL drops stateful instances unused for this long (0 = never)
	InstanceTTL time.Duration
	// LockTimeout bounds the wait for a busy stateful instance (0 = DefaultLockTimeout)
	LockTimeout time.Duration
	// CacheSize of the contract lookup cache (0 = DefaultLookupCacheSize)
	CacheSize int
}

// contractEntry is a resolved contract, stateless ones carry their shared instance
type contractEntry struct {
	def  ContractDef
	impl Contract
}

// ServerEndPoint maps incoming calls on one node to a fixed set of contract
// implementations. The set is sealed at construction.
type ServerEndPoint struct {
	node        common.Node
	binding     *binding.Binding
	contracts   map[string]ContractDef
	lookup      *lru.Cache[string, *contractEntry]
	lookupMu    sync.Mutex
	instances   *instanceTable
	instanceTTL time.Duration
	lockTimeout time.Duration

	mu       sync.Mutex
	listener transport.IListener
	running  atomic.Bool
}

// NewServerEndPoint validates opts and creates a closed endpoint
func NewServerEndPoint(opts ServerOptions) (*ServerEndPoint, error) {
	if !opts.Node.IsAssigned() {
		return nil, common.ErrInvalidNode
	}
	b := opts.Binding
	if b == nil {
		registry := opts.Registry
		if registry == nil {
			registry = binding.DefaultRegistry
		}
		var err error
		if b, err = registry.ForNode(opts.Node); err != nil {
			return nil, err
		}
	}
	if len(opts.Contracts) == 0 {
		return nil, fmt.Errorf("server endpoint on %s has no contracts", opts.Node)
	}

	contracts := make(map[string]ContractDef, len(opts.Contracts))
	for _, def := range opts.Contracts {
		if def.Name == "" || def.Factory == nil {
			return nil, fmt.Errorf("contract definitions need a name and a factory")
		}
		key := contractKey(def.Name)
		if _, ok := contracts[key]; ok {
			return nil, fmt.Errorf("contract %q registered twice", def.Name)
		}
		contracts[key] = def
	}

	size := opts.CacheSize
	if size <= 0 {
		size = DefaultLookupCacheSize
	}
	cache, err := lru.New[string, *contractEntry](size)
	if err != nil {
		return nil, err
	}
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}

	return &ServerEndPoint{
		node:        opts.Node,
		binding:     b,
		contracts:   contracts,
		lookup:      cache,
		instances:   newInstanceTable(b.Host().Clock()),
		instanceTTL: opts.InstanceTTL,
		lockTimeout: lockTimeout,
	}, nil
}

// Node returns the node the endpoint serves
func (s *ServerEndPoint) Node() common.Node { return s.node }

// Binding returns the binding the endpoint listens with
func (s *ServerEndPoint) Binding() *binding.Binding { return s.binding }

// Running reports whether the endpoint accepts calls
func (s *ServerEndPoint) Running() bool { return s.running.Load() }

// Addr returns the bound address, useful when listening on port 0
func (s *ServerEndPoint) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr()
}

// Instances returns the number of active stateful instances
func (s *ServerEndPoint) Instances() int { return s.instances.size() }

// Open starts listening through the binding
func (s *ServerEndPoint) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return &common.InvalidOperationError{Op: "open", Reason: "server endpoint is already open"}
	}
	l, err := s.binding.Listen(s.node, s)
	if err != nil {
		return err
	}
	s.listener = l
	s.running.Store(true)
	Logger.Infof("server endpoint %s open (%d contracts)", s.node, len(s.contracts))
	return nil
}

// Close stops listening and drops all stateful instances
func (s *ServerEndPoint) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	s.running.Store(false)
	err := s.binding.StopListening(s.listener)
	s.listener = nil
	err = multierr.Append(err, s.instances.closeAll(s.lockTimeout))
	s.lookup.Purge()
	Logger.Infof("server endpoint %s closed", s.node)
	return err
}

// ReapIdle closes server transports idle for longer than the binding's
// ServerTransportIdleTimeoutMs and drops stateful instances past InstanceTTL
func (s *ServerEndPoint) ReapIdle() (closedTransports, expiredInstances int, err error) {
	closedTransports, err = s.binding.CloseIdleServerTransports(0)
	expiredInstances, expireErr := s.instances.expire(s.instanceTTL)
	err = multierr.Append(err, expireErr)
	if closedTransports > 0 || expiredInstances > 0 {
		Logger.Infof("server endpoint %s reaped %d transports and %d instances", s.node, closedTransports, expiredInstances)
	}
	return closedTransports, expiredInstances, err
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.ServerHandler)
// --------------------------------------------------------------------------

func (s *ServerEndPoint) HandleRequest(ctx context.Context, req *common.RequestMsg) *common.ResponseMsg {
	if !s.running.Load() {
		return common.NewErrorResponse(req, common.ErrServerNotRunning)
	}

	entry, err := s.resolve(req.Contract)
	if err != nil {
		Logger.Warningf("rejecting %s.%s: %v", req.Contract, req.MethodName, err)
		return common.NewErrorResponse(req, err)
	}

	cc := &CallContext{Request: req, Local: s.node, Contract: entry.def.Name}
	if !entry.def.Stateful {
		return s.invoke(WithCallContext(ctx, cc), entry.impl, req)
	}

	var inst *instance
	if req.RemoteInstance == "" {
		inst, err = s.instances.activate(entry.def)
		if err == nil {
			Logger.Debugf("activated instance %s of %s", inst.id, entry.def.Name)
		}
	} else {
		inst, err = s.instances.lookup(entry.def.Name, req.RemoteInstance)
	}
	if err != nil {
		return common.NewErrorResponse(req, err)
	}
	if err := inst.acquire(s.lockTimeout); err != nil {
		resp := common.NewErrorResponse(req, err)
		resp.RemoteInstance = inst.id
		return resp
	}
	if inst.closed {
		// expired or closed while this call waited for it
		inst.release()
		return common.NewErrorResponse(req, &common.UnknownInstanceError{Contract: entry.def.Name, Instance: inst.id})
	}
	defer inst.release()
	defer s.instances.touch(inst.id)

	cc.InstanceID = inst.id
	resp := s.invoke(WithCallContext(ctx, cc), inst.impl, req)
	resp.RemoteInstance = inst.id
	return resp
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// resolve returns the cached entry of contract, creating the shared instance of
// stateless contracts on a miss
func (s *ServerEndPoint) resolve(contract string) (*contractEntry, error) {
	key := contractKey(contract)
	if entry, ok := s.lookup.Get(key); ok {
		return entry, nil
	}

	s.lookupMu.Lock()
	defer s.lookupMu.Unlock()
	if entry, ok := s.lookup.Get(key); ok {
		return entry, nil
	}

	def, ok := s.contracts[key]
	if !ok {
		return nil, &common.UnknownContractError{Contract: contract}
	}
	entry := &contractEntry{def: def}
	if !def.Stateful {
		impl, err := def.Factory()
		if err != nil {
			return nil, &common.InstanceActivationError{Contract: def.Name, Err: err}
		}
		entry.impl = impl
	}
	s.lookup.Add(key, entry)
	return entry, nil
}

// invoke calls the method and converts errors and panics into error responses
func (s *ServerEndPoint) invoke(ctx context.Context, impl Contract, req *common.RequestMsg) (resp *common.ResponseMsg) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("%s.%s panicked: %v", req.Contract, req.MethodName, r)
			resp = common.NewErrorResponse(req, &common.MethodInvocationError{
				Contract: req.Contract, Method: req.MethodName, Err: fmt.Errorf("panic: %v", r),
			})
		}
	}()

	value, err := impl.Invoke(ctx, req.MethodName, req.Args)
	if err != nil {
		return common.NewErrorResponse(req, &common.MethodInvocationError{Contract: req.Contract, Method: req.MethodName, Err: err})
	}
	return common.NewOKResponse(req, value)
}
