package binding

import (
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
	"sort"
	"strings"
)

// Registry maps binding names to live bindings
type Registry struct {
	bindings *xsync.MapOf[string, *Binding]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{bindings: xsync.NewMapOf[string, *Binding]()}
}

// DefaultRegistry is used by bindings created without an explicit registry
var DefaultRegistry = NewRegistry()

// Register adds b. Only one live binding per name is allowed.
func (r *Registry) Register(b *Binding) error {
	if _, loaded := r.bindings.LoadOrStore(strings.ToLower(b.Name()), b); loaded {
		return fmt.Errorf("%w: binding %q is already registered", common.ErrRPC, b.Name())
	}
	return nil
}

// Unregister removes b if it is the registered binding for its name
func (r *Registry) Unregister(b *Binding) {
	r.bindings.Compute(strings.ToLower(b.Name()), func(old *Binding, loaded bool) (*Binding, bool) {
		return old, !loaded || old == b
	})
}

// Lookup returns the binding registered under name
func (r *Registry) Lookup(name string) (*Binding, bool) {
	return r.bindings.Load(strings.ToLower(name))
}

// ForNode returns the binding responsible for node
func (r *Registry) ForNode(node common.Node) (*Binding, error) {
	if !node.IsAssigned() {
		return nil, common.ErrInvalidNode
	}
	b, ok := r.Lookup(node.Binding())
	if !ok {
		return nil, fmt.Errorf("%w: no binding registered for %q", common.ErrRPC, node)
	}
	return b, nil
}

// All returns the registered bindings sorted by name
func (r *Registry) All() []*Binding {
	var all []*Binding
	r.bindings.Range(func(_ string, b *Binding) bool {
		all = append(all, b)
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })
	return all
}
