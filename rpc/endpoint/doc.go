// Package endpoint contains the user facing ends of a call.
//
// A ClientEndPoint addresses one contract on one node. It merges its headers
// into every request, can reserve a transport for its exclusive use, and
// remembers the stateful instance the server answered from until
// ForgetRemoteInstance is called.
//
//	c, _ := endpoint.NewClientEndPoint(endpoint.ClientOptions{
//		Node:     common.MustNode("tcp://localhost:8080"),
//		Contract: "echo",
//	})
//	value, err := c.Invoke(ctx, "Echo", []byte("hello"))
//
// A ServerEndPoint listens on one node through its binding and maps incoming
// calls to a fixed set of contract implementations. Stateless contracts share
// one instance, resolved through an LRU lookup cache. Stateful contracts get
// one instance per client, addressed by the RemoteInstance id; calls to the
// same instance are serialized and instances expire after InstanceTTL.
//
// Contract methods find the call they serve with CallContextFrom(ctx).
package endpoint
