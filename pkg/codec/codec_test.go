package codec

import (
	"encoding/binary"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/arraystore/pkg/array"
)

func sample2x3(t *testing.T) *array.Array {
	t.Helper()
	a, err := array.FromSlice([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	return a
}

func foreignOrder() array.ByteOrder {
	if array.NativeOrder() == array.LittleEndian {
		return array.BigEndian
	}
	return array.LittleEndian
}

func TestByName(t *testing.T) {
	c, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, NPYName, c.Name())

	c, err = ByName("compact")
	require.NoError(t, err)
	assert.Equal(t, CompactName, c.Name())

	_, err = ByName("pickle")
	assert.ErrorIs(t, err, ErrUnknownCodec)

	assert.Equal(t, []string{"npy", "compact"}, Names())
}

func TestDetect(t *testing.T) {
	payload, err := NPY{}.Encode(sample2x3(t))
	require.NoError(t, err)
	assert.Equal(t, NPYName, Detect(payload, Compact{}).Name())

	payload, err = Compact{}.Encode(sample2x3(t))
	require.NoError(t, err)
	assert.Equal(t, CompactName, Detect(payload, Compact{}).Name())
	assert.Equal(t, NPYName, Detect(payload, nil).Name())
}

func TestCodecsRoundTripFloat32Matrix(t *testing.T) {
	for _, c := range []Codec{NPY{}, Compact{}} {
		t.Run(c.Name(), func(t *testing.T) {
			payload, err := c.Encode(sample2x3(t))
			require.NoError(t, err)

			back, err := c.Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, []int{2, 3}, back.Shape)
			assert.True(t, back.DType.Equal(array.Float32))

			vals, err := array.Values[float32](back)
			require.NoError(t, err)
			assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, vals)
		})
	}
}

func TestCodecsRoundTripAllNumericTypes(t *testing.T) {
	must := func(a *array.Array, err error) *array.Array {
		require.NoError(t, err)
		return a
	}
	arrays := map[string]*array.Array{
		"int8":    must(array.FromSlice([]int{3}, []int8{-1, 0, 1})),
		"int16":   must(array.FromSlice([]int{3}, []int16{-300, 0, 300})),
		"int32":   must(array.FromSlice([]int{3}, []int32{-1 << 20, 0, 1 << 20})),
		"int64":   must(array.FromSlice([]int{3}, []int64{-1 << 40, 0, 1 << 40})),
		"uint8":   must(array.FromSlice([]int{3}, []uint8{0, 128, 255})),
		"uint16":  must(array.FromSlice([]int{3}, []uint16{0, 1, 65535})),
		"uint32":  must(array.FromSlice([]int{3}, []uint32{0, 1, 1 << 31})),
		"uint64":  must(array.FromSlice([]int{3}, []uint64{0, 1, 1 << 63})),
		"float32": must(array.FromSlice([]int{3}, []float32{-1.5, 0, 3.25})),
		"float64": must(array.FromSlice([]int{3}, []float64{-1.5, 0, 1e300})),
	}

	for _, c := range []Codec{NPY{}, Compact{}} {
		for name, a := range arrays {
			t.Run(c.Name()+"/"+name, func(t *testing.T) {
				payload, err := c.Encode(a)
				require.NoError(t, err)
				back, err := c.Decode(payload)
				require.NoError(t, err)
				assert.True(t, a.Equal(back), "got %s %v", back.DType, back.Shape)
			})
		}
	}
}

func TestNPYPreservesLayoutExactly(t *testing.T) {
	must := func(a *array.Array, err error) *array.Array {
		require.NoError(t, err)
		return a
	}
	src := sample2x3(t)
	src.ReadOnly = true

	tests := map[string]*array.Array{
		"row major":     src,
		"column major":  src.AsColumnMajor(),
		"foreign order": swapped(src),
		"bool":          {DType: array.Bool, Shape: []int{2}, Data: []byte{1, 0}},
		"bytes":         {DType: array.DType{Kind: array.KindBytes, Order: array.NotApplicable, ItemSize: 3}, Shape: []int{2}, Data: []byte("abcxyz")},
		"complex":       {DType: array.DType{Kind: array.KindComplex, Order: array.LittleEndian, ItemSize: 8}, Shape: []int{1}, Data: make([]byte, 8)},
		"scalar":        must(array.FromSlice(nil, []float64{42})),
		"zero size":     must(array.FromSlice([]int{0, 4}, []int32{})),
		"record": {
			DType: array.Record(
				array.Field{Name: "id", DType: array.Int32.WithOrder(array.BigEndian)},
				array.Field{Name: "pos", DType: array.Float64.WithOrder(array.LittleEndian), Shape: []int{3}},
			),
			Shape: []int{2},
			Data:  make([]byte, 2*28),
		},
	}
	for name, a := range tests {
		t.Run(name, func(t *testing.T) {
			payload, err := NPY{}.Encode(a)
			require.NoError(t, err)
			back, err := NPY{}.Decode(payload)
			require.NoError(t, err)

			assert.True(t, a.DType.Equal(back.DType), "dtype %s != %s", back.DType, a.DType)
			assert.Equal(t, len(a.Shape), len(back.Shape))
			assert.Equal(t, a.Order, back.Order)
			assert.Equal(t, a.ReadOnly, back.ReadOnly)
			assert.Equal(t, a.Data, back.Data)
		})
	}
}

func swapped(a *array.Array) *array.Array {
	out := a.Clone()
	out.DType = out.DType.WithOrder(foreignOrder())
	for i := 0; i+4 <= len(out.Data); i += 4 {
		d := out.Data[i : i+4]
		d[0], d[1], d[2], d[3] = d[3], d[2], d[1], d[0]
	}
	return out
}

func TestNPYHeaderLayout(t *testing.T) {
	a := sample2x3(t)
	payload, err := NPY{}.Encode(a)
	require.NoError(t, err)

	assert.Equal(t, "\x93NUMPY", string(payload[:6]))
	assert.Equal(t, []byte{1, 0}, payload[6:8])
	hlen := int(binary.LittleEndian.Uint16(payload[8:10]))
	assert.Zero(t, (10+hlen)%64)
	assert.Equal(t, byte('\n'), payload[10+hlen-1])

	header := string(payload[10 : 10+hlen])
	want := "{'descr': '" + array.NativeOrder().String() + "f4', 'fortran_order': False, 'shape': (2, 3), }"
	assert.True(t, strings.HasPrefix(header, want), header)
	assert.NotContains(t, header, "writeable")
	assert.Len(t, payload, 10+hlen+24)
}

func TestNPYColumnMajorKeepsBuffer(t *testing.T) {
	f := sample2x3(t).AsColumnMajor()
	payload, err := NPY{}.Encode(f)
	require.NoError(t, err)
	assert.Contains(t, string(payload[:64]), "'fortran_order': True")

	back, err := NPY{}.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, array.ColumnMajor, back.Order)
	assert.Equal(t, f.Data, back.Data)

	v, err := back.Float64At(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 4.0, v)
}

func TestNPYReadOnlyFlag(t *testing.T) {
	a := sample2x3(t)
	a.ReadOnly = true
	payload, err := NPY{}.Encode(a)
	require.NoError(t, err)
	assert.Contains(t, string(payload[:64]), "'writeable': False")
}

func TestNPYVersionSelection(t *testing.T) {
	fields := make([]array.Field, 0, 3000)
	for i := 0; i < 3000; i++ {
		fields = append(fields, array.Field{Name: "field_" + strings.Repeat("x", 20) + strconv.Itoa(i), DType: array.Uint8})
	}
	wide := &array.Array{DType: array.Record(fields...), Shape: []int{1}, Data: make([]byte, 3000)}
	payload, err := NPY{}.Encode(wide)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0}, payload[6:8])
	hlen := int(binary.LittleEndian.Uint32(payload[8:12]))
	assert.Zero(t, (12+hlen)%64)

	back, err := NPY{}.Decode(payload)
	require.NoError(t, err)
	assert.True(t, wide.DType.Equal(back.DType))

	unicode := &array.Array{
		DType: array.Record(array.Field{Name: "température", DType: array.Float64}),
		Shape: []int{1},
		Data:  make([]byte, 8),
	}
	payload, err = NPY{}.Encode(unicode)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 0}, payload[6:8])
	back, err = NPY{}.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "température", back.DType.Fields[0].Name)
}

func TestNPYDecodeAcceptsForeignHeaders(t *testing.T) {
	headers := map[string]struct {
		header string
		shape  []int
		order  array.Order
	}{
		"python2 longs":     {"{'descr': '<i2', 'fortran_order': False, 'shape': (2L,), }", []int{2}, array.RowMajor},
		"no trailing comma": {"{'descr': '<i2', 'fortran_order': True, 'shape': (1, 2)}", []int{1, 2}, array.ColumnMajor},
		"double quotes":     {`{"descr": "<i2", "fortran_order": False, "shape": (2,)}`, []int{2}, array.RowMajor},
		"writeable true":    {"{'descr': '<i2', 'fortran_order': False, 'shape': (2,), 'writeable': True}", []int{2}, array.RowMajor},
	}
	for name, tt := range headers {
		t.Run(name, func(t *testing.T) {
			a, err := NPY{}.Decode(rawNPY(tt.header, []byte{1, 0, 2, 0}))
			require.NoError(t, err)
			assert.Equal(t, tt.shape, a.Shape)
			assert.Equal(t, tt.order, a.Order)
			assert.False(t, a.ReadOnly)
			vals, err := array.Values[int16](a)
			require.NoError(t, err)
			assert.Equal(t, []int16{1, 2}, vals)
		})
	}
}

func rawNPY(header string, data []byte) []byte {
	header += "\n"
	out := append([]byte("\x93NUMPY\x01\x00"), 0, 0)
	binary.LittleEndian.PutUint16(out[8:], uint16(len(header)))
	out = append(out, header...)
	return append(out, data...)
}

func TestNPYDecodeErrors(t *testing.T) {
	good, err := NPY{}.Encode(sample2x3(t))
	require.NoError(t, err)

	badVersion := append([]byte{}, good...)
	badVersion[6] = 4

	tests := map[string]struct {
		payload []byte
		want    error
	}{
		"bad magic":        {append([]byte("\x93NUMPZ"), good[6:]...), ErrFormat},
		"empty":            {nil, ErrFormat},
		"unknown version":  {badVersion, ErrFormat},
		"truncated length": {good[:9], ErrFormat},
		"truncated header": {good[:40], ErrFormat},
		"short data":       {good[:len(good)-1], ErrLayoutMismatch},
		"long data":        {append(append([]byte{}, good...), 0), ErrLayoutMismatch},
		"unknown key":      {rawNPY("{'descr': '<i2', 'fortran_order': False, 'shape': (2,), 'extra': 1}", make([]byte, 4)), ErrFormat},
		"missing shape":    {rawNPY("{'descr': '<i2', 'fortran_order': False}", make([]byte, 4)), ErrFormat},
		"bad descr":        {rawNPY("{'descr': '<q9', 'fortran_order': False, 'shape': (2,)}", make([]byte, 4)), ErrFormat},
		"negative extent":  {rawNPY("{'descr': '<i2', 'fortran_order': False, 'shape': (-2,)}", make([]byte, 4)), ErrFormat},
		"fortran not bool": {rawNPY("{'descr': '<i2', 'fortran_order': 0, 'shape': (2,)}", make([]byte, 4)), ErrFormat},
		"not a dict":       {rawNPY("('<i2', False, (2,))", make([]byte, 4)), ErrFormat},
		"count overflows":  {rawNPY("{'descr': '|u1', 'fortran_order': False, 'shape': (281474976710656, 1099511627776)}", nil), ErrLayoutMismatch},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NPY{}.Decode(tt.payload)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNPYEncodeRejectsUnrepresentableDTypes(t *testing.T) {
	tests := map[string]*array.Array{
		"no byte order":      {DType: array.DType{Kind: array.KindFloat, ItemSize: 4}, Shape: []int{1}, Data: make([]byte, 4)},
		"partial code point": {DType: array.DType{Kind: array.KindUnicode, Order: array.LittleEndian, ItemSize: 5}, Shape: []int{1}, Data: make([]byte, 5)},
		"unknown kind":       {DType: array.DType{Kind: 'q', Order: array.LittleEndian, ItemSize: 2}, Shape: []int{1}, Data: make([]byte, 2)},
		"non-UTF-8 field": {
			DType: array.Record(array.Field{Name: "a\xffb", DType: array.Uint8}),
			Shape: []int{1},
			Data:  []byte{1},
		},
	}
	for name, a := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NPY{}.Encode(a)
			assert.ErrorIs(t, err, array.ErrInvalidDType)
		})
	}

	// Every array Encode accepts decodes back to itself.
	ok := &array.Array{
		DType: array.Record(array.Field{Name: "température", DType: array.DType{Kind: array.KindUnicode, Order: array.BigEndian, ItemSize: 8}}),
		Shape: []int{1},
		Data:  make([]byte, 8),
	}
	payload, err := NPY{}.Encode(ok)
	require.NoError(t, err)
	back, err := NPY{}.Decode(payload)
	require.NoError(t, err)
	assert.True(t, ok.Equal(back))
}

func TestNPYDecodeCopiesPayload(t *testing.T) {
	payload, err := NPY{}.Encode(sample2x3(t))
	require.NoError(t, err)
	a, err := NPY{}.Decode(payload)
	require.NoError(t, err)

	payload[len(payload)-1] ^= 0xff
	vals, err := array.Values[float32](a)
	require.NoError(t, err)
	assert.Equal(t, float32(6), vals[5])
}

func TestCompactLayout(t *testing.T) {
	payload, err := Compact{}.Encode(sample2x3(t))
	require.NoError(t, err)

	require.Len(t, payload, 1+16+2+24)
	assert.Equal(t, byte(2), payload[0])
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(payload[1:]))
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(payload[9:]))
	assert.Equal(t, codeFloat32, payload[17])
	assert.Equal(t, byte(0), payload[18])
}

func TestCompactEncodeNormalizesLayout(t *testing.T) {
	src := sample2x3(t)
	want, err := Compact{}.Encode(src)
	require.NoError(t, err)

	for name, a := range map[string]*array.Array{
		"column major":  src.AsColumnMajor(),
		"foreign order": swapped(src),
	} {
		t.Run(name, func(t *testing.T) {
			got, err := Compact{}.Encode(a)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestCompactDecodeScalarAndZeroSize(t *testing.T) {
	scalar := append([]byte{0, codeInt64, 0}, make([]byte, 8)...)
	binary.NativeEndian.PutUint64(scalar[3:], 7)
	a, err := Compact{}.Decode(scalar)
	require.NoError(t, err)
	assert.Empty(t, a.Shape)
	vals, err := array.Values[int64](a)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, vals)

	empty := []byte{1, 0, 0, 0, 0, 0, 0, 0, 0, codeInt32, 0}
	a, err = Compact{}.Decode(empty)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, a.Shape)
	assert.Empty(t, a.Data)
}

func TestCompactRoundTripScalarAndZeroSize(t *testing.T) {
	must := func(a *array.Array, err error) *array.Array {
		require.NoError(t, err)
		return a
	}
	for name, a := range map[string]*array.Array{
		"scalar":    must(array.FromSlice(nil, []float64{2.5})),
		"zero size": must(array.FromSlice([]int{0, 4}, []int32{})),
	} {
		t.Run(name, func(t *testing.T) {
			payload, err := Compact{}.Encode(a)
			require.NoError(t, err)
			assert.Equal(t, byte(len(a.Shape)), payload[0])

			back, err := Compact{}.Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, len(a.Shape), back.NDim())
			assert.True(t, a.Equal(back), "got %s%v", back.DType, back.Shape)
		})
	}
}

func TestCompactUnknownCodeReadsFloat64(t *testing.T) {
	payload := append([]byte{1, 1, 0, 0, 0, 0, 0, 0, 0, 255, 9}, make([]byte, 8)...)
	binary.NativeEndian.PutUint64(payload[11:], 0x4045000000000000) // 42.0
	a, err := Compact{}.Decode(payload)
	require.NoError(t, err)
	assert.True(t, a.DType.Equal(array.Float64))
	v, err := a.Float64At(0)
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
}

func TestCompactErrors(t *testing.T) {
	_, err := Compact{}.Decode(nil)
	assert.ErrorIs(t, err, ErrFormat)

	_, err = Compact{}.Decode([]byte{2, 1, 0, 0})
	assert.ErrorIs(t, err, ErrFormat)

	_, err = Compact{}.Decode([]byte{1, 2, 0, 0, 0, 0, 0, 0, 0, codeInt8, 0, 1})
	assert.ErrorIs(t, err, ErrLayoutMismatch)

	_, err = Compact{}.Decode([]byte{1, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, codeInt8, 0})
	assert.ErrorIs(t, err, ErrFormat)

	// 2^48 x 2^40 elements overflow the element count.
	huge := []byte{2}
	huge = binary.LittleEndian.AppendUint64(huge, 1<<48)
	huge = binary.LittleEndian.AppendUint64(huge, 1<<40)
	huge = append(huge, codeInt8, 0)
	_, err = Compact{}.Decode(huge)
	assert.ErrorIs(t, err, ErrLayoutMismatch)

	rec := &array.Array{DType: array.Record(array.Field{Name: "x", DType: array.Int8}), Shape: []int{1}, Data: []byte{1}}
	_, err = Compact{}.Encode(rec)
	assert.ErrorIs(t, err, ErrUnsupportedDType)

	_, err = Compact{}.Encode(&array.Array{DType: array.Bool, Shape: []int{1}, Data: []byte{1}})
	assert.ErrorIs(t, err, ErrUnsupportedDType)

	deep := &array.Array{DType: array.Uint8, Shape: make([]int, 256), Data: nil}
	for i := range deep.Shape {
		deep.Shape[i] = 1
	}
	deep.Data = []byte{0}
	_, err = Compact{}.Encode(deep)
	assert.ErrorIs(t, err, ErrTooManyAxes)

	_, err = Compact{}.Encode(&array.Array{DType: array.Int8, Shape: []int{3}, Data: []byte{1}})
	assert.ErrorIs(t, err, ErrLayoutMismatch)
}
