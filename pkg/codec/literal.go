package codec

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// tuple and list are the two sequence literals a header may contain.
type (
	tuple []any
	list  []any
)

// parseLiteral parses the Python literal subset used in NPY headers:
// dicts with string keys, tuples, lists, strings, integers, True, False and
// None. Values come back as map[string]any, tuple, list, string, int64,
// bool or nil.
func parseLiteral(s string) (any, error) {
	p := &literalParser{src: s}
	v, err := p.value(0)
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected %q after literal", p.rest())
	}
	return v, nil
}

const maxLiteralDepth = 32

type literalParser struct {
	src string
	pos int
}

func (p *literalParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: header offset %d: %s", ErrFormat, p.pos, fmt.Sprintf(format, args...))
}

func (p *literalParser) rest() string {
	r := p.src[p.pos:]
	if len(r) > 16 {
		r = r[:16]
	}
	return r
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *literalParser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *literalParser) value(depth int) (any, error) {
	if depth > maxLiteralDepth {
		return nil, p.errorf("literal nested too deeply")
	}
	p.skipSpace()
	c := p.peek()
	switch {
	case c == 0:
		return nil, p.errorf("unexpected end of header")
	case c == '{':
		return p.dict(depth)
	case c == '(':
		items, err := p.sequence('(', ')', depth)
		return tuple(items), err
	case c == '[':
		items, err := p.sequence('[', ']', depth)
		return list(items), err
	case c == '\'' || c == '"':
		return p.str()
	case (c == 'u' || c == 'b') && p.pos+1 < len(p.src) && (p.src[p.pos+1] == '\'' || p.src[p.pos+1] == '"'):
		p.pos++
		return p.str()
	case c == '-' || c == '+' || (c >= '0' && c <= '9'):
		return p.integer()
	}
	for _, kw := range []struct {
		word string
		val  any
	}{{"True", true}, {"False", false}, {"None", nil}} {
		if strings.HasPrefix(p.src[p.pos:], kw.word) {
			p.pos += len(kw.word)
			return kw.val, nil
		}
	}
	return nil, p.errorf("unexpected %q", p.rest())
}

func (p *literalParser) dict(depth int) (any, error) {
	p.pos++ // {
	out := make(map[string]any)
	for {
		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			return out, nil
		}
		k, err := p.value(depth + 1)
		if err != nil {
			return nil, err
		}
		key, ok := k.(string)
		if !ok {
			return nil, p.errorf("dict key must be a string, got %T", k)
		}
		if _, dup := out[key]; dup {
			return nil, p.errorf("duplicate key %q", key)
		}
		p.skipSpace()
		if p.peek() != ':' {
			return nil, p.errorf("expected ':' after key %q", key)
		}
		p.pos++
		v, err := p.value(depth + 1)
		if err != nil {
			return nil, err
		}
		out[key] = v
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
		default:
			return nil, p.errorf("expected ',' or '}' in dict")
		}
	}
}

func (p *literalParser) sequence(open, closing byte, depth int) ([]any, error) {
	p.pos++ // open
	items := []any{}
	sawComma := false
	for {
		p.skipSpace()
		if p.peek() == closing {
			p.pos++
			// (x) is a parenthesised value, not a one-element tuple.
			if open == '(' && len(items) == 1 && !sawComma {
				return nil, p.errorf("one-element tuple needs a trailing comma")
			}
			return items, nil
		}
		v, err := p.value(depth + 1)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
			sawComma = true
		case closing:
		default:
			return nil, p.errorf("expected ',' or %q", closing)
		}
	}
}

func (p *literalParser) integer() (any, error) {
	start := p.pos
	if c := p.peek(); c == '-' || c == '+' {
		p.pos++
	}
	digits := p.pos
	for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	if p.pos == digits {
		return nil, p.errorf("expected digits")
	}
	text := p.src[start:p.pos]
	// Python 2 long suffix, e.g. (3L, 4L).
	if c := p.peek(); c == 'L' || c == 'l' {
		p.pos++
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, p.errorf("integer %q out of range", text)
	}
	return n, nil
}

func (p *literalParser) str() (any, error) {
	quote := p.src[p.pos]
	p.pos++
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == quote:
			p.pos++
			return b.String(), nil
		case c == '\n':
			return nil, p.errorf("newline in string")
		case c == '\\':
			if p.pos+1 >= len(p.src) {
				return nil, p.errorf("dangling escape")
			}
			if err := p.escape(&b); err != nil {
				return nil, err
			}
		default:
			r, size := utf8.DecodeRuneInString(p.src[p.pos:])
			b.WriteRune(r)
			p.pos += size
		}
	}
	return nil, p.errorf("unterminated string")
}

func (p *literalParser) escape(b *strings.Builder) error {
	c := p.src[p.pos+1]
	p.pos += 2
	switch c {
	case '\\', '\'', '"':
		b.WriteByte(c)
	case 'n':
		b.WriteByte('\n')
	case 't':
		b.WriteByte('\t')
	case 'r':
		b.WriteByte('\r')
	case '0':
		b.WriteByte(0)
	case 'x', 'u', 'U':
		width := map[byte]int{'x': 2, 'u': 4, 'U': 8}[c]
		if p.pos+width > len(p.src) {
			return p.errorf("short \\%c escape", c)
		}
		n, err := strconv.ParseUint(p.src[p.pos:p.pos+width], 16, 32)
		if err != nil {
			return p.errorf("bad \\%c escape", c)
		}
		b.WriteRune(rune(n))
		p.pos += width
	default:
		return p.errorf("unknown escape \\%c", c)
	}
	return nil
}
