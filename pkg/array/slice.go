package array

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Number is the set of Go element types that map onto the fixed
// enumerated dtypes.
type Number interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

// DTypeOf returns the host-order dtype for a Go element type.
func DTypeOf[T Number]() DType {
	var zero T
	switch any(zero).(type) {
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float32:
		return Float32
	default:
		return Float64
	}
}

// FromSlice builds a writable row-major array in host byte order from
// values laid out in row-major order.
//
// Example:
//
//	a, err := array.FromSlice([]int{2, 2}, []int64{1, 2, 3, 4})
func FromSlice[T Number](shape []int, values []T) (*Array, error) {
	n, err := Count(shape)
	if err != nil {
		return nil, err
	}
	if n != len(values) {
		return nil, fmt.Errorf("%w: shape %v holds %d elements, got %d values", ErrLayoutMismatch, shape, n, len(values))
	}
	a, err := New(DTypeOf[T](), shape, RowMajor)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return a, nil
	}
	var buf bytes.Buffer
	buf.Grow(len(a.Data))
	if err := binary.Write(&buf, binary.NativeEndian, values); err != nil {
		return nil, err
	}
	copy(a.Data, buf.Bytes())
	return a, nil
}

// Values returns the elements in logical row-major order, converted to
// host byte order. T must match the array's element kind and size.
func Values[T Number](a *Array) ([]T, error) {
	want := DTypeOf[T]()
	if a.DType.IsRecord() || a.DType.Kind != want.Kind || a.DType.ItemSize != want.ItemSize {
		return nil, fmt.Errorf("%w: array is %s, requested %s", ErrTypeMismatch, a.DType, want)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	out := make([]T, a.Len())
	if len(out) == 0 {
		return out, nil
	}
	src := a.AsRowMajor().ToNative()
	if err := binary.Read(bytes.NewReader(src.Data), binary.NativeEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}
