package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

const maxReplyDepth = 16

// ReplyType identifies the shape of a server reply.
type ReplyType uint8

// Reply type constants, one per leading byte of the reply grammar.
const (
	ReplyStatus  ReplyType = iota + 1 // +OK
	ReplyError                        // -ERR message
	ReplyInteger                      // :42
	ReplyBulk                         // $<len> payload
	ReplyNull                         // $-1 or *-1
	ReplyArray                        // *<n> nested replies
)

func (t ReplyType) String() string {
	switch t {
	case ReplyStatus:
		return "status"
	case ReplyError:
		return "error"
	case ReplyInteger:
		return "integer"
	case ReplyBulk:
		return "bulk"
	case ReplyNull:
		return "null"
	case ReplyArray:
		return "array"
	}
	return "unknown"
}

// Reply is one decoded server reply. Which field is meaningful depends on
// Type: Str for status and error, Int for integer, Bulk for bulk strings,
// Array for arrays.
type Reply struct {
	Type  ReplyType
	Str   string
	Int   int64
	Bulk  []byte
	Array []Reply
}

// IsOK reports whether the reply is the +OK status.
func (r Reply) IsOK() bool {
	return r.Type == ReplyStatus && r.Str == "OK"
}

// IsNull reports whether the reply is the null marker.
func (r Reply) IsNull() bool {
	return r.Type == ReplyNull
}

// Serialize renders the reply in wire form.
//
// Example:
//
//	protocol.Reply{Type: protocol.ReplyBulk, Bulk: []byte("hi")}.Serialize()
//	// "$2\r\nhi\r\n"
func (r Reply) Serialize() []byte {
	return appendReply(nil, r)
}

func appendReply(buf []byte, r Reply) []byte {
	switch r.Type {
	case ReplyStatus:
		buf = append(buf, '+')
		buf = append(buf, singleLine(r.Str)...)
		return append(buf, crlf...)
	case ReplyError:
		buf = append(buf, '-')
		buf = append(buf, singleLine(r.Str)...)
		return append(buf, crlf...)
	case ReplyInteger:
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, r.Int, 10)
		return append(buf, crlf...)
	case ReplyBulk:
		return appendBulk(buf, r.Bulk)
	case ReplyArray:
		buf = append(buf, '*')
		buf = strconv.AppendInt(buf, int64(len(r.Array)), 10)
		buf = append(buf, crlf...)
		for _, item := range r.Array {
			buf = appendReply(buf, item)
		}
		return buf
	default:
		return append(buf, "$-1\r\n"...)
	}
}

// singleLine keeps status and error text on one line.
func singleLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// WriteStatus writes a simple status reply such as +OK.
func WriteStatus(w io.Writer, status string) error {
	return writeReply(w, Reply{Type: ReplyStatus, Str: status})
}

// WriteError writes an error reply.
func WriteError(w io.Writer, msg string) error {
	return writeReply(w, Reply{Type: ReplyError, Str: msg})
}

// WriteInteger writes an integer reply.
func WriteInteger(w io.Writer, n int64) error {
	return writeReply(w, Reply{Type: ReplyInteger, Int: n})
}

// WriteBulk writes a bulk string reply.
func WriteBulk(w io.Writer, b []byte) error {
	return writeReply(w, Reply{Type: ReplyBulk, Bulk: b})
}

// WriteNull writes the null bulk reply $-1.
func WriteNull(w io.Writer) error {
	return writeReply(w, Reply{Type: ReplyNull})
}

func writeReply(w io.Writer, r Reply) error {
	_, err := w.Write(r.Serialize())
	return err
}

// DecodeReply parses exactly one reply from raw. Empty input, truncated
// frames, unknown leading bytes and trailing garbage all yield a
// *ProtocolError; nothing is coerced into a null reply.
//
// Example:
//
//	reply, err := protocol.DecodeReply([]byte("$5\r\na\r\nbc\r\n"))
//	// reply.Bulk == []byte("a\r\nbc")
func DecodeReply(raw []byte) (Reply, error) {
	r := bufio.NewReader(bytes.NewReader(raw))
	reply, err := readReply(r, DefaultLimits(), 0)
	if errors.Is(err, io.EOF) {
		return Reply{}, protocolErrorf("empty reply")
	}
	if err != nil {
		return Reply{}, err
	}
	if _, err := r.Peek(1); err == nil {
		return Reply{}, protocolErrorf("%d trailing bytes after reply", r.Buffered())
	}
	return reply, nil
}

// ReadReply reads one reply from a stream.
//
// Returns:
//   - io.EOF if the stream ended cleanly before a reply started
//   - *ProtocolError for malformed frames; a frame cut short by EOF wraps
//     io.ErrUnexpectedEOF
//   - the underlying read error for transport failures
func ReadReply(r *bufio.Reader, limits Limits) (Reply, error) {
	return readReply(r, limits, 0)
}

func readReply(r *bufio.Reader, limits Limits, depth int) (Reply, error) {
	if depth > maxReplyDepth {
		return Reply{}, protocolErrorf("reply nested deeper than %d", maxReplyDepth)
	}
	line, err := readLine(r, depth == 0)
	if err != nil {
		return Reply{}, err
	}
	if len(line) == 0 {
		return Reply{}, protocolErrorf("empty reply line")
	}

	body := line[1:]
	switch line[0] {
	case '+':
		return Reply{Type: ReplyStatus, Str: string(body)}, nil
	case '-':
		return Reply{Type: ReplyError, Str: string(body)}, nil
	case ':':
		n, err := strconv.ParseInt(string(body), 10, 64)
		if err != nil {
			return Reply{}, protocolErrorf("invalid integer %q", preview(body))
		}
		return Reply{Type: ReplyInteger, Int: n}, nil
	case '$':
		size, err := parseLength(body)
		if err != nil {
			return Reply{}, err
		}
		if size == -1 {
			return Reply{Type: ReplyNull}, nil
		}
		b, err := readBulkBody(r, size, limits)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Type: ReplyBulk, Bulk: b}, nil
	case '*':
		n, err := parseLength(body)
		if err != nil {
			return Reply{}, err
		}
		if n == -1 {
			return Reply{Type: ReplyNull}, nil
		}
		if n > limits.MaxArrayItems {
			return Reply{}, protocolErrorf("array of %d items exceeds limit %d", n, limits.MaxArrayItems)
		}
		items := make([]Reply, 0, n)
		for i := int64(0); i < n; i++ {
			item, err := readReply(r, limits, depth+1)
			if err != nil {
				return Reply{}, err
			}
			items = append(items, item)
		}
		return Reply{Type: ReplyArray, Array: items}, nil
	}
	return Reply{}, protocolErrorf("unexpected leading byte %q", line[0])
}

// readLine returns the next CRLF-terminated header line without its
// terminator. A clean EOF is reported as io.EOF only when atStart is set.
func readLine(r *bufio.Reader, atStart bool) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	switch {
	case err == nil:
	case errors.Is(err, bufio.ErrBufferFull):
		return nil, protocolErrorf("header line longer than %d bytes", r.Size())
	case errors.Is(err, io.EOF):
		if atStart && len(line) == 0 {
			return nil, io.EOF
		}
		return nil, &ProtocolError{Reason: "truncated frame", Err: io.ErrUnexpectedEOF}
	default:
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, protocolErrorf("line not terminated by CRLF: %q", preview(line))
	}
	out := make([]byte, len(line)-2)
	copy(out, line)
	return out, nil
}

func parseLength(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil || n < -1 {
		return 0, protocolErrorf("invalid length %q", preview(b))
	}
	return n, nil
}

// readBulkBody reads size payload bytes plus the CRLF terminator into a
// fresh buffer. The payload is never scanned for terminators.
func readBulkBody(r *bufio.Reader, size int64, limits Limits) ([]byte, error) {
	if size > limits.MaxBulkBytes {
		return nil, protocolErrorf("bulk of %d bytes exceeds limit %d", size, limits.MaxBulkBytes)
	}
	buf := make([]byte, size+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &ProtocolError{Reason: "truncated bulk payload", Err: io.ErrUnexpectedEOF}
		}
		return nil, err
	}
	if buf[size] != '\r' || buf[size+1] != '\n' {
		return nil, protocolErrorf("bulk payload does not match declared length %d", size)
	}
	return buf[:size:size], nil
}

func preview(b []byte) string {
	const limit = 32
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
