// Package protocol implements the RESP-style framing spoken between the
// array store client and its key-value server.
//
// Requests are arrays of bulk strings:
//
//	*<N>\r\n
//	$<len>\r\n<len bytes>\r\n   (repeated N times, command name first)
//
// Replies are one of:
//
//	+<status>\r\n          simple status, e.g. +OK
//	-<message>\r\n         error
//	:<integer>\r\n         integer
//	$<len>\r\n<bytes>\r\n  bulk string
//	$-1\r\n                null
//	*<N>\r\n...            array of replies
//
// Bulk payloads are binary: they are always sliced by their declared
// length and may contain "\r\n" sequences of their own.
//
// Example usage:
//
//	frame := protocol.EncodeRequest("NP.SET", "weights", payload)
//	if _, err := conn.Write(frame); err != nil {
//		return err
//	}
//	reply, err := protocol.ReadReply(bufio.NewReader(conn), protocol.DefaultLimits())
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

const crlf = "\r\n"

// Limits constrains how much memory a single frame may claim.
type Limits struct {
	MaxBulkBytes  int64 // largest accepted bulk string
	MaxArrayItems int64 // largest accepted array length
}

// DefaultLimits returns limits matching common RESP servers.
func DefaultLimits() Limits {
	return Limits{
		MaxBulkBytes:  512 * 1024 * 1024,
		MaxArrayItems: 1024 * 1024,
	}
}

// EncodeRequest frames a command and its arguments as an array of bulk
// strings. The command name is the first element, so the array count is
// len(args)+1.
//
// []byte arguments are sent verbatim. Every other value is converted to
// text first: strings as UTF-8, numbers and booleans with strconv,
// fmt.Stringer through String, anything else through fmt.Sprint.
//
// Example:
//
//	frame := protocol.EncodeRequest("NP.GET", "weights")
//	// "*2\r\n$6\r\nNP.GET\r\n$7\r\nweights\r\n"
func EncodeRequest(command string, args ...any) []byte {
	size := 16 + len(command)
	parts := make([][]byte, len(args))
	for i, a := range args {
		parts[i] = ArgBytes(a)
		size += len(parts[i]) + 16
	}

	buf := make([]byte, 0, size)
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)+1), 10)
	buf = append(buf, crlf...)
	buf = appendBulk(buf, []byte(command))
	for _, p := range parts {
		buf = appendBulk(buf, p)
	}
	return buf
}

func appendBulk(buf, b []byte) []byte {
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(b)), 10)
	buf = append(buf, crlf...)
	buf = append(buf, b...)
	return append(buf, crlf...)
}

// ArgBytes converts one request argument to the bytes sent on the wire.
func ArgBytes(v any) []byte {
	switch x := v.(type) {
	case []byte:
		return x
	case string:
		return []byte(x)
	case int:
		return strconv.AppendInt(nil, int64(x), 10)
	case int8:
		return strconv.AppendInt(nil, int64(x), 10)
	case int16:
		return strconv.AppendInt(nil, int64(x), 10)
	case int32:
		return strconv.AppendInt(nil, int64(x), 10)
	case int64:
		return strconv.AppendInt(nil, x, 10)
	case uint:
		return strconv.AppendUint(nil, uint64(x), 10)
	case uint8:
		return strconv.AppendUint(nil, uint64(x), 10)
	case uint16:
		return strconv.AppendUint(nil, uint64(x), 10)
	case uint32:
		return strconv.AppendUint(nil, uint64(x), 10)
	case uint64:
		return strconv.AppendUint(nil, x, 10)
	case float32:
		return strconv.AppendFloat(nil, float64(x), 'g', -1, 32)
	case float64:
		return strconv.AppendFloat(nil, x, 'g', -1, 64)
	case bool:
		return strconv.AppendBool(nil, x)
	case fmt.Stringer:
		return []byte(x.String())
	case nil:
		return []byte{}
	default:
		return []byte(fmt.Sprint(x))
	}
}

// WriteRequest encodes a request and writes it in a single Write call.
func WriteRequest(w io.Writer, command string, args ...any) error {
	_, err := w.Write(EncodeRequest(command, args...))
	return err
}

// ReadRequest reads one request frame and returns its elements, command
// name first. It is the server-side counterpart of EncodeRequest.
//
// Returns:
//   - io.EOF if the stream ended cleanly before a new frame
//   - *ProtocolError if the frame is malformed or truncated
func ReadRequest(r *bufio.Reader, limits Limits) ([][]byte, error) {
	line, err := readLine(r, true)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, protocolErrorf("request must be an array, got %q", preview(line))
	}
	n, err := parseLength(line[1:])
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, protocolErrorf("empty request")
	}
	if n > limits.MaxArrayItems {
		return nil, protocolErrorf("request has %d elements, limit %d", n, limits.MaxArrayItems)
	}

	args := make([][]byte, 0, n)
	for i := int64(0); i < n; i++ {
		line, err := readLine(r, false)
		if err != nil {
			return nil, err
		}
		if len(line) == 0 || line[0] != '$' {
			return nil, protocolErrorf("request element must be a bulk string, got %q", preview(line))
		}
		size, err := parseLength(line[1:])
		if err != nil {
			return nil, err
		}
		if size < 0 {
			return nil, protocolErrorf("null bulk string in request")
		}
		b, err := readBulkBody(r, size, limits)
		if err != nil {
			return nil, err
		}
		args = append(args, b)
	}
	return args, nil
}
