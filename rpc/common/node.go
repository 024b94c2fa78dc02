package common

import (
	"fmt"
	"github.com/ValentinKolb/dRPC/lib/util"
	"strings"
)

// --------------------------------------------------------------------------
// Node (binding://host:service)
// --------------------------------------------------------------------------

const (
	bindingSeparator = "://"
	serviceSeparator = ":"
)

// Node is an immutable address of the form binding://host:service.
// The zero value is an unassigned Node: it has no string and compares
// unequal to every other Node, including another unassigned one.
type Node struct {
	connect string
}

// NewNode creates a Node from a connect string.
// It fails with ErrInvalidNode on blank input.
func NewNode(connect string) (Node, error) {
	if strings.TrimSpace(connect) == "" {
		return Node{}, fmt.Errorf("%w: connect string is blank", ErrInvalidNode)
	}
	return Node{connect: connect}, nil
}

// MustNode is like NewNode but panics on invalid input
func MustNode(connect string) Node {
	n, err := NewNode(connect)
	if err != nil {
		panic(err)
	}
	return n
}

// IsAssigned reports whether the Node carries a connect string
func (n Node) IsAssigned() bool {
	return n.connect != ""
}

// String returns the original connect string
func (n Node) String() string {
	return n.connect
}

// Binding returns the part before "://", or "" if there is none
func (n Node) Binding() string {
	if i := strings.Index(n.connect, bindingSeparator); i >= 0 {
		return n.connect[:i]
	}
	return ""
}

// Host returns the part between "://" (or the start) and the trailing ":"
func (n Node) Host() string {
	rest := n.topology()
	if i := strings.LastIndex(rest, serviceSeparator); i >= 0 {
		return rest[:i]
	}
	return rest
}

// Service returns the part after the trailing ":", or "" if there is none
func (n Node) Service() string {
	rest := n.topology()
	if i := strings.LastIndex(rest, serviceSeparator); i >= 0 {
		return rest[i+1:]
	}
	return ""
}

// Address returns host:service (or only the host if there is no service),
// which is what the network connectors dial or listen on.
func (n Node) Address() string {
	return n.topology()
}

// Equals compares the case-folded connect strings (see Key).
// Unassigned nodes are never equal.
func (n Node) Equals(other Node) bool {
	if !n.IsAssigned() || !other.IsAssigned() {
		return false
	}
	return n.Key() == other.Key()
}

// Hash returns a case-insensitive hash that is consistent with Equals
func (n Node) Hash() uint64 {
	return util.HashString(n.Key(), 0)
}

// Key returns a case-folded form of the connect string usable as a map key
func (n Node) Key() string {
	return strings.ToLower(n.connect)
}

// topology strips the binding prefix
func (n Node) topology() string {
	if i := strings.Index(n.connect, bindingSeparator); i >= 0 {
		return n.connect[i+len(bindingSeparator):]
	}
	return n.connect
}
