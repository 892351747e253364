package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocol matches every framing failure. Use errors.Is(err, ErrProtocol).
var ErrProtocol = errors.New("protocol: malformed frame")

// ProtocolError describes a framing failure: a bad leading byte, a length
// that does not parse or does not match, or a frame cut short.
type ProtocolError struct {
	Reason string
	Err    error // underlying read error, if any
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

// Is lets errors.Is(err, ErrProtocol) succeed.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}
