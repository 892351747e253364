package client

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection matches every transport failure: refused, reset, or
	// closed mid-reply. Use errors.Is(err, ErrConnection).
	ErrConnection = errors.New("client: connection error")

	// ErrTimeout matches a dial, read or write that ran past its deadline.
	// It does not match ErrConnection.
	ErrTimeout = errors.New("client: timeout")

	// ErrInvalidArgument reports an empty key, a nil or inconsistent array,
	// or a payload over the configured size limit. Nothing is sent.
	ErrInvalidArgument = errors.New("client: invalid argument")

	// ErrClosed is returned by calls made after Close. It matches
	// ErrConnection.
	ErrClosed = &ConnectionError{Op: "use", Err: errors.New("client is closed")}

	// ErrNoNodes is returned by a Cluster with an empty ring.
	ErrNoNodes = errors.New("client: no nodes available")
)

// ConnectionError is a transport failure on the way to or from Addr.
type ConnectionError struct {
	Op   string // dial, write, read or use
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("client: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("client: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError is a deadline expiry on the way to or from Addr.
type TimeoutError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("client: %s %s: timeout: %v", e.Op, e.Addr, e.Err)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.Err }

// ServerError is an error reply sent by the server, e.g. "-ERR unknown
// command". The connection stays usable.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "client: server error: " + e.Message
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
