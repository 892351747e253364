package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/cachemir/arraystore/pkg/array"
)

// NPYName is the registry name of the self-describing codec.
const NPYName = "npy"

// npyAlign is the boundary the raw buffer starts on. magic, version,
// length field and header text together are padded to a multiple of it.
const npyAlign = 64

var npyMagic = []byte("\x93NUMPY")

// NPY is the self-describing codec. Its payloads are NumPy .npy files:
//
//	\x93NUMPY | major | minor | header length (uint16 LE for 1.0,
//	uint32 LE for 2.0 and 3.0) | header text | raw buffer
//
// The header text is a dict literal terminated by '\n' and padded with
// spaces so the buffer starts on a 64-byte boundary:
//
//	{'descr': '<f4', 'fortran_order': False, 'shape': (2, 3), }
//
// Read-only arrays add 'writeable': False. Writable arrays produce files any
// .npy reader accepts.
type NPY struct{}

// Name returns "npy".
func (NPY) Name() string { return NPYName }

// Sniff reports whether payload starts with the NPY magic.
func Sniff(payload []byte) bool {
	return bytes.HasPrefix(payload, npyMagic)
}

// Encode writes the header and then the buffer exactly as stored: no
// transposition and no byte swapping.
func (NPY) Encode(a *array.Array) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	header := npyHeader(a)
	major, lenField := byte(1), 2
	if !isASCII(header) {
		major, lenField = 3, 4
	} else if len(padHeader(header, lenField)) > 0xFFFF {
		major, lenField = 2, 4
	}
	header = padHeader(header, lenField)

	out := make([]byte, 0, len(npyMagic)+2+lenField+len(header)+len(a.Data))
	out = append(out, npyMagic...)
	out = append(out, major, 0)
	if lenField == 2 {
		out = binary.LittleEndian.AppendUint16(out, uint16(len(header)))
	} else {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(header)))
	}
	out = append(out, header...)
	out = append(out, a.Data...)
	return out, nil
}

func npyHeader(a *array.Array) string {
	var b strings.Builder
	b.WriteString("{'descr': ")
	if a.DType.IsRecord() {
		b.WriteString(a.DType.String())
	} else {
		b.WriteString(array.QuoteLiteral(a.DType.String()))
	}
	b.WriteString(", 'fortran_order': ")
	b.WriteString(pyBool(a.Order == array.ColumnMajor))
	b.WriteString(", 'shape': ")
	b.WriteString(array.ShapeLiteral(a.Shape))
	b.WriteString(", ")
	if a.ReadOnly {
		b.WriteString("'writeable': False, ")
	}
	b.WriteString("}")
	return b.String()
}

// padHeader pads with spaces and a final '\n' so that
// magic + version + length field + header is a multiple of npyAlign.
func padHeader(header string, lenField int) string {
	total := len(npyMagic) + 2 + lenField + len(header) + 1
	pad := (npyAlign - total%npyAlign) % npyAlign
	return header + strings.Repeat(" ", pad) + "\n"
}

func pyBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// Decode validates magic and version, parses the header and copies the
// buffer into a fresh array. The declared byte order is kept as is;
// array accessors swap on read when it differs from the host's.
func (NPY) Decode(payload []byte) (*array.Array, error) {
	if !Sniff(payload) {
		return nil, fmt.Errorf("%w: missing npy magic", ErrFormat)
	}
	off := len(npyMagic)
	if len(payload) < off+2 {
		return nil, fmt.Errorf("%w: truncated version", ErrFormat)
	}
	major, minor := payload[off], payload[off+1]
	off += 2

	var lenField int
	switch {
	case major == 1 && minor == 0:
		lenField = 2
	case (major == 2 || major == 3) && minor == 0:
		lenField = 4
	default:
		return nil, fmt.Errorf("%w: unsupported npy version %d.%d", ErrFormat, major, minor)
	}
	if len(payload) < off+lenField {
		return nil, fmt.Errorf("%w: truncated header length", ErrFormat)
	}
	var hlen uint64
	if lenField == 2 {
		hlen = uint64(binary.LittleEndian.Uint16(payload[off:]))
	} else {
		hlen = uint64(binary.LittleEndian.Uint32(payload[off:]))
	}
	off += lenField
	if hlen > uint64(len(payload)-off) {
		return nil, fmt.Errorf("%w: header length %d exceeds payload", ErrFormat, hlen)
	}
	header := string(payload[off : off+int(hlen)])
	off += int(hlen)

	a, err := parseNPYHeader(header)
	if err != nil {
		return nil, err
	}

	data := payload[off:]
	n, err := array.Count(a.Shape)
	if err != nil {
		return nil, fmt.Errorf("%w: shape %v cannot describe %d bytes: %v", ErrLayoutMismatch, a.Shape, len(data), err)
	}
	size := a.DType.Size()
	if size != 0 && n > len(data)/size || n*size != len(data) {
		return nil, fmt.Errorf("%w: have %d bytes, shape %v of %s needs %d", ErrLayoutMismatch, len(data), a.Shape, a.DType, n*size)
	}
	a.Data = append(make([]byte, 0, len(data)), data...)
	return a, nil
}

var npyKeys = map[string]bool{"descr": true, "fortran_order": true, "shape": true, "writeable": false}

func parseNPYHeader(header string) (*array.Array, error) {
	v, err := parseLiteral(strings.TrimRight(header, " \n"))
	if err != nil {
		return nil, err
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: header is not a dict", ErrFormat)
	}

	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, known := npyKeys[k]; !known {
			return nil, fmt.Errorf("%w: unexpected header key %q", ErrFormat, k)
		}
	}
	for k, required := range npyKeys {
		if _, present := dict[k]; required && !present {
			return nil, fmt.Errorf("%w: header lacks %q", ErrFormat, k)
		}
	}

	dt, err := dtypeFromLiteral(dict["descr"], 0)
	if err != nil {
		return nil, err
	}
	fortran, ok := dict["fortran_order"].(bool)
	if !ok {
		return nil, fmt.Errorf("%w: fortran_order must be a bool", ErrFormat)
	}
	shape, err := shapeFromLiteral(dict["shape"])
	if err != nil {
		return nil, err
	}
	a := &array.Array{DType: dt, Shape: shape, Order: array.RowMajor}
	if fortran {
		a.Order = array.ColumnMajor
	}
	if w, present := dict["writeable"]; present {
		wb, ok := w.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: writeable must be a bool", ErrFormat)
		}
		a.ReadOnly = !wb
	}
	return a, nil
}

func shapeFromLiteral(v any) ([]int, error) {
	var items []any
	switch s := v.(type) {
	case tuple:
		items = s
	case list:
		items = s
	default:
		return nil, fmt.Errorf("%w: shape must be a tuple, got %T", ErrFormat, v)
	}
	shape := make([]int, len(items))
	for i, it := range items {
		d, ok := it.(int64)
		if !ok || d < 0 || int64(int(d)) != d {
			return nil, fmt.Errorf("%w: invalid extent %v", ErrFormat, it)
		}
		shape[i] = int(d)
	}
	return shape, nil
}

func dtypeFromLiteral(v any, depth int) (array.DType, error) {
	if depth > maxLiteralDepth {
		return array.DType{}, fmt.Errorf("%w: descr nested too deeply", ErrFormat)
	}
	switch d := v.(type) {
	case string:
		dt, err := array.ParseDType(d)
		if err != nil {
			return array.DType{}, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		return dt, nil
	case list:
		if len(d) == 0 {
			return array.DType{}, fmt.Errorf("%w: empty record descr", ErrFormat)
		}
		fields := make([]array.Field, 0, len(d))
		for _, item := range d {
			f, err := fieldFromLiteral(item, depth)
			if err != nil {
				return array.DType{}, err
			}
			fields = append(fields, f)
		}
		return array.Record(fields...), nil
	}
	return array.DType{}, fmt.Errorf("%w: descr must be a string or list, got %T", ErrFormat, v)
}

func fieldFromLiteral(v any, depth int) (array.Field, error) {
	t, ok := v.(tuple)
	if !ok || len(t) < 2 || len(t) > 3 {
		return array.Field{}, fmt.Errorf("%w: record field must be (name, descr[, shape])", ErrFormat)
	}
	name, ok := t[0].(string)
	if !ok {
		return array.Field{}, fmt.Errorf("%w: record field name must be a string", ErrFormat)
	}
	dt, err := dtypeFromLiteral(t[1], depth+1)
	if err != nil {
		return array.Field{}, err
	}
	f := array.Field{Name: name, DType: dt}
	if len(t) == 3 {
		if f.Shape, err = shapeFromLiteral(t[2]); err != nil {
			return array.Field{}, err
		}
	}
	return f, nil
}
