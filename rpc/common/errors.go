package common

import (
	"errors"
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Base and sentinel errors
// --------------------------------------------------------------------------

// ErrRPC is the base of every error raised by the runtime.
// All typed errors below satisfy errors.Is(err, ErrRPC).
var ErrRPC = errors.New("rpc")

var (
	// ErrInvalidNode is returned when a connect string is blank or malformed
	ErrInvalidNode = fmt.Errorf("%w: invalid node", ErrRPC)
	// ErrOneWayAccess is returned when the reply of a one-way call is read
	ErrOneWayAccess = &InvalidOperationError{Op: "read reply", Reason: "call is one-way and never produces a reply"}
	// ErrServerNotRunning is returned by a server endpoint that is not open
	ErrServerNotRunning = fmt.Errorf("%w: server endpoint is not running", ErrRPC)
	// ErrBindingClosed is returned when a closed binding is used
	ErrBindingClosed = fmt.Errorf("%w: binding is closed", ErrRPC)
	// ErrTransportClosed is returned when a closed transport is used
	ErrTransportClosed = fmt.Errorf("%w: transport is closed", ErrRPC)
	// ErrHostShutdown is recorded on calls that were pending when the host stopped
	ErrHostShutdown = fmt.Errorf("%w: host is shutting down", ErrRPC)
)

// --------------------------------------------------------------------------
// Client side errors
// --------------------------------------------------------------------------

// InvalidOperationError signals misuse of the API
type InvalidOperationError struct {
	Op     string
	Reason string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("invalid operation %q: %s", e.Op, e.Reason)
}

func (e *InvalidOperationError) Is(target error) bool { return target == ErrRPC }

// ClientCallError is a local failure of a call: it was never sent
// (StatusDispatchError) or sent without an answer in time (StatusTimeout).
type ClientCallError struct {
	Status    CallStatus
	RequestID uint64
	Msg       string
	Cause     error
}

func (e *ClientCallError) Error() string {
	msg := fmt.Sprintf("call %d failed with status %s", e.RequestID, e.Status)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ClientCallError) Unwrap() error { return e.Cause }

func (e *ClientCallError) Is(target error) bool { return target == ErrRPC }

// NewTimeoutError creates a ClientCallError with StatusTimeout
func NewTimeoutError(requestID uint64, msg string) *ClientCallError {
	return &ClientCallError{Status: StatusTimeout, RequestID: requestID, Msg: msg}
}

// NewDispatchError creates a ClientCallError with StatusDispatchError
func NewDispatchError(requestID uint64, cause error) *ClientCallError {
	return &ClientCallError{Status: StatusDispatchError, RequestID: requestID, Cause: cause}
}

// InspectorError wraps a failure raised inside an inspector chain
type InspectorError struct {
	Stage string // e.g. "before send request", "after receive reply"
	Index int
	Err   error
}

func (e *InspectorError) Error() string {
	return fmt.Sprintf("inspector %d failed during %s: %v", e.Index, e.Stage, e.Err)
}

func (e *InspectorError) Unwrap() error { return e.Err }

func (e *InspectorError) Is(target error) bool { return target == ErrRPC }

// RemoteError carries the exception reported by the server. It is only
// raised when the caller actually reads the return value.
type RemoteError struct {
	RequestID uint64
	Data      string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote call %d failed: %s", e.RequestID, e.Data)
}

func (e *RemoteError) Is(target error) bool { return target == ErrRPC }

// ProtocolError reports malformed traffic. CloseChannel marks the channel as
// unrecoverable so the transport gets closed.
type ProtocolError struct {
	Msg          string
	CloseChannel bool
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Msg
}

func (e *ProtocolError) Is(target error) bool { return target == ErrRPC }

// MessageTooLargeError is raised when a message exceeds the configured size limit
type MessageTooLargeError struct {
	Size  int
	Limit int
}

func (e *MessageTooLargeError) Error() string {
	return fmt.Sprintf("message of %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

func (e *MessageTooLargeError) Is(target error) bool { return target == ErrRPC }

// --------------------------------------------------------------------------
// Server side errors
// --------------------------------------------------------------------------

// UnknownContractError is returned when no implementation is registered for a contract
type UnknownContractError struct {
	Contract string
}

func (e *UnknownContractError) Error() string {
	return fmt.Sprintf("unknown contract %q", e.Contract)
}

func (e *UnknownContractError) Is(target error) bool { return target == ErrRPC }

// InstanceActivationError is returned when a contract implementation could not be created
type InstanceActivationError struct {
	Contract string
	Err      error
}

func (e *InstanceActivationError) Error() string {
	return fmt.Sprintf("failed to activate instance of %q: %v", e.Contract, e.Err)
}

func (e *InstanceActivationError) Unwrap() error { return e.Err }

func (e *InstanceActivationError) Is(target error) bool { return target == ErrRPC }

// UnknownInstanceError is returned when a stateful instance is unknown or expired
type UnknownInstanceError struct {
	Contract string
	Instance string
}

func (e *UnknownInstanceError) Error() string {
	return fmt.Sprintf("unknown or expired instance %q of %q", e.Instance, e.Contract)
}

func (e *UnknownInstanceError) Is(target error) bool { return target == ErrRPC }

// LockTimeoutError is returned when a stateful instance stays busy for too long
type LockTimeoutError struct {
	Instance string
	Waited   time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("instance %q still locked after %s", e.Instance, e.Waited)
}

func (e *LockTimeoutError) Is(target error) bool { return target == ErrRPC }

// MethodInvocationError wraps an error returned (or panic raised) by a contract method
type MethodInvocationError struct {
	Contract string
	Method   string
	Err      error
}

func (e *MethodInvocationError) Error() string {
	return fmt.Sprintf("%s.%s failed: %v", e.Contract, e.Method, e.Err)
}

func (e *MethodInvocationError) Unwrap() error { return e.Err }

func (e *MethodInvocationError) Is(target error) bool { return target == ErrRPC }
