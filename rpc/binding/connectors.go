package binding

import (
	"fmt"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/transport/http"
	"github.com/ValentinKolb/dRPC/rpc/transport/inproc"
	"github.com/ValentinKolb/dRPC/rpc/transport/tcp"
	"github.com/ValentinKolb/dRPC/rpc/transport/unix"
	"github.com/ValentinKolb/dRPC/rpc/transport/ws"
	"strings"
)

// ConnectorFactory creates the connector of a binding technology
type ConnectorFactory func(opts transport.Options) transport.IConnector

// connectorFactories maps binding names to their connectors
var connectorFactories = map[string]ConnectorFactory{
	tcp.Name:    tcp.NewConnector,
	unix.Name:   unix.NewConnector,
	http.Name:   http.NewConnector,
	ws.Name:     ws.NewConnector,
	inproc.Name: inproc.NewConnector,
}

// ConnectorFor returns the factory for a binding name (tcp, unix, http, ws, inproc)
func ConnectorFor(name string) (ConnectorFactory, error) {
	f, ok := connectorFactories[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown binding %q", name)
	}
	return f, nil
}

// KnownBindings returns the names accepted by ConnectorFor
func KnownBindings() []string {
	return []string{tcp.Name, unix.Name, http.Name, ws.Name, inproc.Name}
}
