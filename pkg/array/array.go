// Package array holds the in-memory model of an n-dimensional array: its
// element type, shape, memory order, mutability flag and raw buffer.
//
// The buffer is kept exactly as the producer laid it out. Decoders never
// transpose or byte-swap on the way in; accessors such as Float64At and
// Values interpret the bytes according to the declared layout, and
// AsRowMajor / ToNative produce converted copies when a caller needs them.
//
// Example:
//
//	a, err := array.FromSlice([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
//	if err != nil {
//		log.Fatal(err)
//	}
//	v, _ := a.Float64At(1, 2) // 6
package array

import (
	"bytes"
	"errors"
	"fmt"
	"math"
)

// Order is the traversal order mapping an n-dimensional index to a flat
// buffer offset.
type Order uint8

const (
	RowMajor    Order = iota // C order: last axis varies fastest
	ColumnMajor              // Fortran order: first axis varies fastest
)

func (o Order) String() string {
	if o == ColumnMajor {
		return "F"
	}
	return "C"
}

var (
	ErrLayoutMismatch = errors.New("array: buffer length does not match shape and dtype")
	ErrInvalidShape   = errors.New("array: invalid shape")
	ErrIndex          = errors.New("array: index out of range")
	ErrTypeMismatch   = errors.New("array: element type mismatch")
)

// Array is a rectangular collection of homogeneously typed elements.
//
// Invariant: len(Data) == DType.Size() * product(Shape). Use Validate to
// check arrays assembled by hand.
type Array struct {
	DType    DType
	Shape    []int
	Order    Order
	ReadOnly bool
	Data     []byte
}

// New allocates a zero-filled writable array.
func New(dt DType, shape []int, order Order) (*Array, error) {
	n, err := Count(shape)
	if err != nil {
		return nil, err
	}
	size, ok := mulNoOverflow(n, dt.Size())
	if !ok {
		return nil, fmt.Errorf("%w: %v elements of %d bytes overflows", ErrInvalidShape, shape, dt.Size())
	}
	return &Array{
		DType: dt,
		Shape: append([]int{}, shape...),
		Order: order,
		Data:  make([]byte, size),
	}, nil
}

// Count returns the number of elements a shape holds. A scalar (empty
// shape) holds one element.
func Count(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative extent %d", ErrInvalidShape, d)
		}
		var ok bool
		if n, ok = mulNoOverflow(n, d); !ok {
			return 0, fmt.Errorf("%w: element count overflows", ErrInvalidShape)
		}
	}
	return n, nil
}

func mulNoOverflow(a, b int) (int, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxInt/b {
		return 0, false
	}
	return a * b, true
}

// NDim returns the number of axes.
func (a *Array) NDim() int {
	return len(a.Shape)
}

// Len returns the number of elements.
func (a *Array) Len() int {
	n, err := Count(a.Shape)
	if err != nil {
		return 0
	}
	return n
}

// Validate checks the shape, the dtype and the buffer length invariant.
func (a *Array) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: nil array", ErrInvalidShape)
	}
	n, err := Count(a.Shape)
	if err != nil {
		return err
	}
	if err := a.DType.Validate(); err != nil {
		return err
	}
	want, ok := mulNoOverflow(n, a.DType.Size())
	if !ok || len(a.Data) != want {
		return fmt.Errorf("%w: have %d bytes, shape %v of %s needs %d", ErrLayoutMismatch, len(a.Data), a.Shape, a.DType, want)
	}
	if a.Order != RowMajor && a.Order != ColumnMajor {
		return fmt.Errorf("%w: unknown memory order %d", ErrInvalidShape, a.Order)
	}
	return nil
}

// Strides returns the per-axis distance between neighbouring elements, in
// elements, for the array's memory order.
func (a *Array) Strides() []int {
	return strides(a.Shape, a.Order)
}

func strides(shape []int, order Order) []int {
	st := make([]int, len(shape))
	acc := 1
	if order == ColumnMajor {
		for i := 0; i < len(shape); i++ {
			st[i] = acc
			acc *= shape[i]
		}
		return st
	}
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= shape[i]
	}
	return st
}

// Offset returns the byte offset of the element at index.
func (a *Array) Offset(index ...int) (int, error) {
	if len(index) != len(a.Shape) {
		return 0, fmt.Errorf("%w: got %d indices for %d axes", ErrIndex, len(index), len(a.Shape))
	}
	st := a.Strides()
	off := 0
	for i, ix := range index {
		if ix < 0 || ix >= a.Shape[i] {
			return 0, fmt.Errorf("%w: index %d on axis %d of extent %d", ErrIndex, ix, i, a.Shape[i])
		}
		off += ix * st[i]
	}
	return off * a.DType.Size(), nil
}

// Element returns the raw bytes of one element. The slice aliases Data.
func (a *Array) Element(index ...int) ([]byte, error) {
	off, err := a.Offset(index...)
	if err != nil {
		return nil, err
	}
	size := a.DType.Size()
	if off+size > len(a.Data) {
		return nil, ErrLayoutMismatch
	}
	return a.Data[off : off+size], nil
}

// Float64At reads one numeric or boolean element and converts it to
// float64, honouring the declared byte order.
func (a *Array) Float64At(index ...int) (float64, error) {
	b, err := a.Element(index...)
	if err != nil {
		return 0, err
	}
	return scalarFloat64(a.DType, b)
}

func scalarFloat64(dt DType, b []byte) (float64, error) {
	bo := dt.Order.Binary()
	switch {
	case dt.Kind == KindBool && dt.ItemSize == 1:
		if b[0] != 0 {
			return 1, nil
		}
		return 0, nil
	case dt.Kind == KindFloat && dt.ItemSize == 4:
		return float64(math.Float32frombits(bo.Uint32(b))), nil
	case dt.Kind == KindFloat && dt.ItemSize == 8:
		return math.Float64frombits(bo.Uint64(b)), nil
	case dt.Kind == KindInt && dt.ItemSize == 1:
		return float64(int8(b[0])), nil
	case dt.Kind == KindInt && dt.ItemSize == 2:
		return float64(int16(bo.Uint16(b))), nil
	case dt.Kind == KindInt && dt.ItemSize == 4:
		return float64(int32(bo.Uint32(b))), nil
	case dt.Kind == KindInt && dt.ItemSize == 8:
		return float64(int64(bo.Uint64(b))), nil
	case dt.Kind == KindUint && dt.ItemSize == 1:
		return float64(b[0]), nil
	case dt.Kind == KindUint && dt.ItemSize == 2:
		return float64(bo.Uint16(b)), nil
	case dt.Kind == KindUint && dt.ItemSize == 4:
		return float64(bo.Uint32(b)), nil
	case dt.Kind == KindUint && dt.ItemSize == 8:
		return float64(bo.Uint64(b)), nil
	}
	return 0, fmt.Errorf("%w: %s is not a real scalar", ErrTypeMismatch, dt)
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	c := *a
	c.Shape = append([]int{}, a.Shape...)
	c.Data = append([]byte{}, a.Data...)
	c.DType = cloneDType(a.DType)
	return &c
}

func cloneDType(d DType) DType {
	if !d.IsRecord() {
		return d
	}
	fields := make([]Field, len(d.Fields))
	for i, f := range d.Fields {
		f.DType = cloneDType(f.DType)
		f.Shape = append([]int(nil), f.Shape...)
		fields[i] = f
	}
	d.Fields = fields
	return d
}

// Equal reports whether two arrays match in dtype, shape, memory order,
// mutability flag and buffer bytes.
func (a *Array) Equal(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.DType.Equal(b.DType) &&
		equalInts(a.Shape, b.Shape) &&
		a.Order == b.Order &&
		a.ReadOnly == b.ReadOnly &&
		bytes.Equal(a.Data, b.Data)
}

// AsRowMajor returns a row-major copy. Logical element values at every
// index are unchanged.
func (a *Array) AsRowMajor() *Array {
	return a.reorder(RowMajor)
}

// AsColumnMajor returns a column-major copy.
func (a *Array) AsColumnMajor() *Array {
	return a.reorder(ColumnMajor)
}

func (a *Array) reorder(target Order) *Array {
	out := a.Clone()
	if a.Order == target || len(a.Shape) < 2 {
		out.Order = target
		return out
	}
	size := a.DType.Size()
	n := a.Len()
	src := strides(a.Shape, a.Order)
	dst := strides(a.Shape, target)
	idx := make([]int, len(a.Shape))
	for i := 0; i < n; i++ {
		so, do := 0, 0
		for ax, ix := range idx {
			so += ix * src[ax]
			do += ix * dst[ax]
		}
		copy(out.Data[do*size:(do+1)*size], a.Data[so*size:(so+1)*size])
		for ax := len(idx) - 1; ax >= 0; ax-- {
			idx[ax]++
			if idx[ax] < a.Shape[ax] {
				break
			}
			idx[ax] = 0
		}
	}
	out.Order = target
	return out
}

// ToNative returns a copy whose scalars are stored in host byte order.
func (a *Array) ToNative() *Array {
	out := a.Clone()
	if a.DType.IsNative() {
		return out
	}
	size := a.DType.Size()
	for off := 0; off+size <= len(out.Data); off += size {
		swapElement(a.DType, out.Data[off:off+size])
	}
	out.DType = a.DType.WithOrder(nativeOrder)
	return out
}

func swapElement(dt DType, b []byte) {
	if dt.IsRecord() {
		off := 0
		for _, f := range dt.Fields {
			fs := f.DType.Size()
			count := f.Size() / max(fs, 1)
			for i := 0; i < count; i++ {
				swapElement(f.DType, b[off:off+fs])
				off += fs
			}
		}
		return
	}
	if !dt.swappable() || dt.Order == nativeOrder {
		return
	}
	unit := dt.ItemSize
	switch dt.Kind {
	case KindComplex:
		unit = dt.ItemSize / 2
	case KindUnicode:
		unit = 4
	}
	if unit < 2 {
		return
	}
	for off := 0; off+unit <= len(b); off += unit {
		reverse(b[off : off+unit])
	}
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
