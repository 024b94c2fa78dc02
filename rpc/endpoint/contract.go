package endpoint

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"strings"
)

// Contract is a contract implementation. The runtime only sees method names
// and opaque argument bytes, decoding them is up to the implementation.
type Contract interface {
	Invoke(ctx context.Context, method string, args []byte) ([]byte, error)
}

// Method is a single contract method
type Method func(ctx context.Context, args []byte) ([]byte, error)

// Methods implements Contract with a name to method table
type Methods map[string]Method

func (m Methods) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	fn, ok := m[method]
	if !ok {
		return nil, fmt.Errorf("%w: unknown method %q", common.ErrRPC, method)
	}
	return fn(ctx, args)
}

// ContractFactory creates an implementation instance
type ContractFactory func() (Contract, error)

// ContractDef registers a contract implementation with a ServerEndPoint
type ContractDef struct {
	// Name clients use in RequestMsg.Contract (case-insensitive)
	Name string
	// Factory creates the implementation. Stateless contracts share one
	// instance, stateful contracts get one instance per remote client.
	Factory ContractFactory
	// Stateful contracts are addressed by the RemoteInstance id of the request
	Stateful bool
}

// Singleton returns a factory that always hands out c
func Singleton(c Contract) ContractFactory {
	return func() (Contract, error) { return c, nil }
}

func contractKey(name string) string {
	return strings.ToLower(name)
}
