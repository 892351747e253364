// Package codec turns arrays into self-contained byte payloads and back.
//
// Two interchangeable codecs are provided:
//
//   - NPY, the self-describing codec. A versioned binary format carrying a
//     textual header (element type with byte order, shape, memory order,
//     read-only flag) followed by the raw buffer exactly as stored. Any
//     array round-trips bit for bit. The payload identifies itself by its
//     magic bytes, so it is the default and the only codec safe to read
//     without knowing how a key was written.
//
//   - Compact, the fast path. A fixed-offset header (ndim, uint64 extents,
//     one type code byte, one reserved byte) followed by row-major bytes in
//     host order. It covers the ten plain numeric types only and carries no
//     marker: reader and writer must agree out of band that a key holds
//     compact payloads.
//
// Example:
//
//	c, err := codec.ByName("npy")
//	if err != nil {
//		log.Fatal(err)
//	}
//	payload, err := c.Encode(a)
//	...
//	back, err := c.Decode(payload)
package codec

import (
	"errors"
	"fmt"

	"github.com/cachemir/arraystore/pkg/array"
)

var (
	// ErrFormat reports a payload that is not a valid encoding: bad magic,
	// unsupported version, truncated or unparsable header.
	ErrFormat = errors.New("codec: invalid payload format")

	// ErrLayoutMismatch reports a buffer whose length disagrees with the
	// declared shape and element size.
	ErrLayoutMismatch = array.ErrLayoutMismatch

	// ErrUnsupportedDType reports an element type the codec cannot carry.
	ErrUnsupportedDType = errors.New("codec: unsupported element type")

	// ErrTooManyAxes reports an array with more axes than the header holds.
	ErrTooManyAxes = errors.New("codec: too many axes")

	// ErrUnknownCodec is returned by ByName.
	ErrUnknownCodec = errors.New("codec: unknown codec")
)

// Codec encodes and decodes arrays. Implementations are stateless and safe
// for concurrent use.
type Codec interface {
	Name() string
	Encode(a *array.Array) ([]byte, error)
	Decode(payload []byte) (*array.Array, error)
}

// Default is the codec used when none is configured.
var Default Codec = NPY{}

// ByName returns a built-in codec by its stable name: "npy" or "compact".
func ByName(name string) (Codec, error) {
	switch name {
	case "", NPYName:
		return NPY{}, nil
	case CompactName:
		return Compact{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// Names lists the built-in codec names.
func Names() []string {
	return []string{NPYName, CompactName}
}

// Detect returns NPY when the payload carries the NPY magic and fallback
// otherwise.
func Detect(payload []byte, fallback Codec) Codec {
	if Sniff(payload) {
		return NPY{}
	}
	if fallback == nil {
		return Default
	}
	return fallback
}
