package array

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ByteOrder is the byte order marker of a descriptor, using the same
// characters the textual descriptor uses.
type ByteOrder byte

const (
	LittleEndian  ByteOrder = '<'
	BigEndian     ByteOrder = '>'
	NotApplicable ByteOrder = '|' // single-byte and raw types
)

// Kind is the element kind character of a descriptor.
type Kind byte

const (
	KindBool    Kind = 'b'
	KindInt     Kind = 'i'
	KindUint    Kind = 'u'
	KindFloat   Kind = 'f'
	KindComplex Kind = 'c'
	KindBytes   Kind = 'S'
	KindUnicode Kind = 'U'
	KindVoid    Kind = 'V' // raw bytes, and the kind of record types
)

var (
	ErrInvalidDType = errors.New("array: invalid dtype")
)

var nativeOrder = func() ByteOrder {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return LittleEndian
	}
	return BigEndian
}()

// NativeOrder returns the byte order of the running host.
func NativeOrder() ByteOrder {
	return nativeOrder
}

// Binary maps the marker to an encoding/binary byte order. NotApplicable
// maps to the host order, which is correct for single-byte elements.
func (o ByteOrder) Binary() binary.ByteOrder {
	switch o {
	case BigEndian:
		return binary.BigEndian
	case LittleEndian:
		return binary.LittleEndian
	default:
		return binary.NativeEndian
	}
}

// String returns the marker character.
func (o ByteOrder) String() string {
	return string(rune(o))
}

// Field is one named member of a record dtype. Shape is non-empty for
// sub-array members such as ('pos', '<f4', (3,)).
type Field struct {
	Name  string
	DType DType
	Shape []int
}

// Size returns the number of bytes the field occupies in a record.
func (f Field) Size() int {
	n := f.DType.Size()
	for _, d := range f.Shape {
		n *= d
	}
	return n
}

// DType describes the type of one array element.
//
// Plain types carry Kind, Order and ItemSize. Record types carry Fields and
// have Kind KindVoid; their size is the packed sum of the field sizes.
type DType struct {
	Kind     Kind
	Order    ByteOrder
	ItemSize int
	Fields   []Field
}

// The fixed enumerated element types, in host byte order.
var (
	Float32 = DType{Kind: KindFloat, Order: nativeOrder, ItemSize: 4}
	Float64 = DType{Kind: KindFloat, Order: nativeOrder, ItemSize: 8}
	Int8    = DType{Kind: KindInt, Order: NotApplicable, ItemSize: 1}
	Int16   = DType{Kind: KindInt, Order: nativeOrder, ItemSize: 2}
	Int32   = DType{Kind: KindInt, Order: nativeOrder, ItemSize: 4}
	Int64   = DType{Kind: KindInt, Order: nativeOrder, ItemSize: 8}
	Uint8   = DType{Kind: KindUint, Order: NotApplicable, ItemSize: 1}
	Uint16  = DType{Kind: KindUint, Order: nativeOrder, ItemSize: 2}
	Uint32  = DType{Kind: KindUint, Order: nativeOrder, ItemSize: 4}
	Uint64  = DType{Kind: KindUint, Order: nativeOrder, ItemSize: 8}
	Bool    = DType{Kind: KindBool, Order: NotApplicable, ItemSize: 1}
)

// Record builds a packed record dtype from its fields.
func Record(fields ...Field) DType {
	return DType{Kind: KindVoid, Order: NotApplicable, Fields: fields}
}

// IsRecord reports whether the dtype has named fields.
func (d DType) IsRecord() bool {
	return len(d.Fields) > 0
}

// IsNumeric reports whether the dtype is one of the fixed enumerated
// integer or floating point types.
func (d DType) IsNumeric() bool {
	if d.IsRecord() {
		return false
	}
	switch d.Kind {
	case KindInt, KindUint:
		return d.ItemSize == 1 || d.ItemSize == 2 || d.ItemSize == 4 || d.ItemSize == 8
	case KindFloat:
		return d.ItemSize == 4 || d.ItemSize == 8
	}
	return false
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	if !d.IsRecord() {
		return d.ItemSize
	}
	n := 0
	for _, f := range d.Fields {
		n += f.Size()
	}
	return n
}

// WithOrder returns a copy of d in the given byte order. Types whose
// order is not meaningful keep NotApplicable.
func (d DType) WithOrder(o ByteOrder) DType {
	if d.IsRecord() {
		fields := make([]Field, len(d.Fields))
		for i, f := range d.Fields {
			f.DType = f.DType.WithOrder(o)
			fields[i] = f
		}
		d.Fields = fields
		return d
	}
	if d.swappable() {
		d.Order = o
	}
	return d
}

// swappable reports whether the element bytes depend on byte order.
func (d DType) swappable() bool {
	switch d.Kind {
	case KindBytes, KindVoid, KindBool:
		return false
	case KindUnicode:
		return true
	}
	return d.ItemSize > 1
}

// IsNative reports whether every scalar in the dtype is stored in host
// byte order.
func (d DType) IsNative() bool {
	if d.IsRecord() {
		for _, f := range d.Fields {
			if !f.DType.IsNative() {
				return false
			}
		}
		return true
	}
	return !d.swappable() || d.Order == nativeOrder
}

// Validate reports whether d survives a trip through its textual
// descriptor: a known kind, a byte order marker that matches the kind,
// a Unicode size that is a whole number of code points, and record fields
// with valid UTF-8 names and non-negative sub-array extents.
func (d DType) Validate() error {
	if d.IsRecord() {
		for _, f := range d.Fields {
			if !utf8.ValidString(f.Name) {
				return fmt.Errorf("%w: field name %q is not valid UTF-8", ErrInvalidDType, f.Name)
			}
			for _, n := range f.Shape {
				if n < 0 {
					return fmt.Errorf("%w: field %q has negative extent %d", ErrInvalidDType, f.Name, n)
				}
			}
			if err := f.DType.Validate(); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
		}
		return nil
	}

	switch d.Kind {
	case KindBool, KindInt, KindUint, KindFloat, KindComplex, KindBytes, KindVoid:
	case KindUnicode:
		if d.ItemSize%4 != 0 {
			return fmt.Errorf("%w: unicode item size %d is not a multiple of 4", ErrInvalidDType, d.ItemSize)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDType, rune(d.Kind))
	}
	if d.ItemSize < 0 {
		return fmt.Errorf("%w: negative item size %d", ErrInvalidDType, d.ItemSize)
	}
	switch {
	case d.swappable() && d.Order != LittleEndian && d.Order != BigEndian:
		return fmt.Errorf("%w: %c%d needs byte order '<' or '>', have %q", ErrInvalidDType, d.Kind, d.ItemSize, rune(d.Order))
	case !d.swappable() && d.Order != NotApplicable:
		return fmt.Errorf("%w: %c%d takes byte order '|', have %q", ErrInvalidDType, d.Kind, d.ItemSize, rune(d.Order))
	}
	return nil
}

// Equal reports whether two dtypes describe the same layout.
func (d DType) Equal(o DType) bool {
	if d.IsRecord() != o.IsRecord() {
		return false
	}
	if !d.IsRecord() {
		return d.Kind == o.Kind && d.ItemSize == o.ItemSize && d.Order == o.Order
	}
	if len(d.Fields) != len(o.Fields) {
		return false
	}
	for i := range d.Fields {
		a, b := d.Fields[i], o.Fields[i]
		if a.Name != b.Name || !a.DType.Equal(b.DType) || !equalInts(a.Shape, b.Shape) {
			return false
		}
	}
	return true
}

// String renders the textual descriptor, e.g. "<f4" or
// "[('x', '<f4'), ('y', '<i8')]".
func (d DType) String() string {
	if !d.IsRecord() {
		n := d.ItemSize
		if d.Kind == KindUnicode {
			n /= 4
		}
		return fmt.Sprintf("%c%c%d", d.Order, d.Kind, n)
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range d.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		b.WriteString(QuoteLiteral(f.Name))
		b.WriteString(", ")
		if f.DType.IsRecord() {
			b.WriteString(f.DType.String())
		} else {
			b.WriteString(QuoteLiteral(f.DType.String()))
		}
		if len(f.Shape) > 0 {
			b.WriteString(", ")
			b.WriteString(ShapeLiteral(f.Shape))
		}
		b.WriteByte(')')
	}
	b.WriteByte(']')
	return b.String()
}

// ParseDType parses a plain (non-record) descriptor string such as
// "<f4", ">i8", "|u1", "=f8" or "f4". A missing or '=' marker means host
// order for multi-byte types.
func ParseDType(s string) (DType, error) {
	if s == "" {
		return DType{}, fmt.Errorf("%w: empty descriptor", ErrInvalidDType)
	}
	order := ByteOrder(0)
	switch s[0] {
	case '<', '>', '|':
		order = ByteOrder(s[0])
		s = s[1:]
	case '=':
		order = nativeOrder
		s = s[1:]
	}
	if len(s) < 2 {
		return DType{}, fmt.Errorf("%w: %q", ErrInvalidDType, s)
	}
	kind := Kind(s[0])
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 {
		return DType{}, fmt.Errorf("%w: bad size in %q", ErrInvalidDType, s)
	}
	switch kind {
	case KindBool, KindInt, KindUint, KindFloat, KindComplex, KindBytes, KindVoid:
	case KindUnicode:
		n *= 4
	default:
		return DType{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidDType, string(kind))
	}
	d := DType{Kind: kind, ItemSize: n}
	switch {
	case !d.swappable():
		d.Order = NotApplicable
	case order == 0 || order == NotApplicable:
		d.Order = nativeOrder
	default:
		d.Order = order
	}
	return d, nil
}

// QuoteLiteral renders s as a single-quoted literal the header parser
// accepts.
func QuoteLiteral(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`)
	return "'" + r.Replace(s) + "'"
}

// ShapeLiteral renders a shape as a tuple literal: "()", "(3,)", "(2, 3)".
func ShapeLiteral(shape []int) string {
	switch len(shape) {
	case 0:
		return "()"
	case 1:
		return "(" + strconv.Itoa(shape[0]) + ",)"
	}
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
