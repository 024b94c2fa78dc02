package endpoint

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Contracts served by `drpc serve` out of the box
const (
	EchoContract    = "echo"
	CounterContract = "counter"
)

// Builtin returns the definitions of the built-in contracts by name
func Builtin() map[string]ContractDef {
	return map[string]ContractDef{
		EchoContract:    {Name: EchoContract, Factory: Singleton(NewEcho())},
		CounterContract: {Name: CounterContract, Factory: func() (Contract, error) { return NewCounter(), nil }, Stateful: true},
	}
}

// NewEcho creates the stateless echo contract:
//   - Echo returns its arguments
//   - Upper returns its arguments upper-cased
//   - Sleep waits for the number of milliseconds in its arguments
//   - Fail returns its arguments as an error
//   - Header returns the request header named by its arguments
func NewEcho() Contract {
	return Methods{
		"Echo": func(_ context.Context, args []byte) ([]byte, error) {
			return args, nil
		},
		"Upper": func(_ context.Context, args []byte) ([]byte, error) {
			return bytes.ToUpper(args), nil
		},
		"Sleep": func(ctx context.Context, args []byte) ([]byte, error) {
			ms, err := strconv.Atoi(strings.TrimSpace(string(args)))
			if err != nil {
				return nil, err
			}
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return args, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		"Fail": func(_ context.Context, args []byte) ([]byte, error) {
			return nil, errors.New(string(args))
		},
		"Header": func(ctx context.Context, args []byte) ([]byte, error) {
			cc, _ := CallContextFrom(ctx)
			v, _ := cc.Header(string(args))
			return []byte(v), nil
		},
	}
}

// NewCounter creates a stateful counter instance:
//   - Add adds the decimal number in its arguments and returns the new value
//   - Get returns the current value
func NewCounter() Contract {
	var n int64
	return Methods{
		"Add": func(_ context.Context, args []byte) ([]byte, error) {
			delta, err := strconv.ParseInt(strings.TrimSpace(string(args)), 10, 64)
			if err != nil {
				return nil, err
			}
			n += delta
			return strconv.AppendInt(nil, n, 10), nil
		},
		"Get": func(context.Context, []byte) ([]byte, error) {
			return strconv.AppendInt(nil, n, 10), nil
		},
	}
}
