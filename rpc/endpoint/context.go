package endpoint

import (
	"context"
	"github.com/ValentinKolb/dRPC/rpc/common"
)

type callContextKey struct{}

// CallContext describes the call a contract method is running for
type CallContext struct {
	Request  *common.RequestMsg
	Local    common.Node
	Contract string
	// InstanceID is set for stateful contracts
	InstanceID string
}

// Header returns a request header
func (c *CallContext) Header(name string) (string, bool) {
	if c == nil || c.Request == nil {
		return "", false
	}
	v, ok := c.Request.Headers[name]
	return v, ok
}

// WithCallContext returns a child of ctx carrying cc
func WithCallContext(ctx context.Context, cc *CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// CallContextFrom returns the call context of a contract method invocation
func CallContextFrom(ctx context.Context) (*CallContext, bool) {
	cc, ok := ctx.Value(callContextKey{}).(*CallContext)
	return cc, ok
}
