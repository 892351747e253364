package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cachemir/arraystore/pkg/array"
)

// CompactName is the registry name of the compact codec.
const CompactName = "compact"

const maxCompactAxes = 255

// Compact type codes. 0 through 5 are shared with existing writers; 6
// through 9 complete the plain numeric set.
const (
	codeFloat64 byte = iota
	codeFloat32
	codeInt64
	codeInt32
	codeInt8
	codeUint8
	codeInt16
	codeUint16
	codeUint32
	codeUint64
)

var compactTypes = []struct {
	code byte
	dt   array.DType
}{
	{codeFloat64, array.Float64},
	{codeFloat32, array.Float32},
	{codeInt64, array.Int64},
	{codeInt32, array.Int32},
	{codeInt8, array.Int8},
	{codeUint8, array.Uint8},
	{codeInt16, array.Int16},
	{codeUint16, array.Uint16},
	{codeUint32, array.Uint32},
	{codeUint64, array.Uint64},
}

// Compact is the fixed-layout codec:
//
//	ndim (1 byte) | ndim x extent (uint64 LE) | type code (1 byte) |
//	reserved (1 byte, 0) | row-major data in host byte order
//
// Reader and writer must share host byte order. Type codes the decoder
// does not know are read as float64.
type Compact struct{}

// Name returns "compact".
func (Compact) Name() string { return CompactName }

// Encode lays a out in row-major host order and prefixes the header.
// Column-major or foreign-order input is converted first.
func (Compact) Encode(a *array.Array) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	code, ok := compactCode(a.DType)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no compact type code", ErrUnsupportedDType, a.DType)
	}
	if len(a.Shape) > maxCompactAxes {
		return nil, fmt.Errorf("%w: %d axes, compact header holds %d", ErrTooManyAxes, len(a.Shape), maxCompactAxes)
	}

	src := a.AsRowMajor().ToNative()
	out := make([]byte, 0, 1+8*len(a.Shape)+2+len(src.Data))
	out = append(out, byte(len(a.Shape)))
	for _, d := range a.Shape {
		out = binary.LittleEndian.AppendUint64(out, uint64(d))
	}
	out = append(out, code, 0)
	return append(out, src.Data...), nil
}

func compactCode(dt array.DType) (byte, bool) {
	if !dt.IsNumeric() {
		return 0, false
	}
	for _, t := range compactTypes {
		if t.dt.Kind == dt.Kind && t.dt.ItemSize == dt.ItemSize {
			return t.code, true
		}
	}
	return 0, false
}

func compactDType(code byte) array.DType {
	for _, t := range compactTypes {
		if t.code == code {
			return t.dt
		}
	}
	return array.Float64
}

// Decode reads the header and copies the data into a writable row-major
// array in host order. The reserved byte is ignored.
func (Compact) Decode(payload []byte) (*array.Array, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty compact payload", ErrFormat)
	}
	ndim := int(payload[0])
	headerLen := 1 + 8*ndim + 2
	if len(payload) < headerLen {
		return nil, fmt.Errorf("%w: compact header needs %d bytes, have %d", ErrFormat, headerLen, len(payload))
	}

	shape := make([]int, ndim)
	for i := range shape {
		d := binary.LittleEndian.Uint64(payload[1+8*i:])
		if d > math.MaxInt {
			return nil, fmt.Errorf("%w: extent %d out of range", ErrFormat, d)
		}
		shape[i] = int(d)
	}
	dt := compactDType(payload[1+8*ndim])
	data := payload[headerLen:]

	n, err := array.Count(shape)
	if err != nil {
		return nil, fmt.Errorf("%w: shape %v cannot describe %d bytes: %v", ErrLayoutMismatch, shape, len(data), err)
	}
	if n > len(data)/dt.Size() || n*dt.Size() != len(data) {
		return nil, fmt.Errorf("%w: have %d bytes for %d elements of %s", ErrLayoutMismatch, len(data), n, dt)
	}

	return &array.Array{
		DType: dt,
		Shape: shape,
		Order: array.RowMajor,
		Data:  append(make([]byte, 0, len(data)), data...),
	}, nil
}
