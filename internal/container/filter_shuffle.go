package container

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// ShuffleFilter regroups the bytes of fixed-size elements so that all first
// bytes come first, then all second bytes, and so on:
//
//	Original: [A1 A2 A3 A4 B1 B2 B3 B4 C1 C2 C3 C4]
//	Shuffled: [A1 B1 C1 A2 B2 C2 A3 B3 C3 A4 B4 C4]
//
// Simulation fields change slowly between neighbouring cells, so the
// shuffled stream compresses much better. Shuffle goes in front of a
// compressor. Trailing bytes that do not fill an element are kept in place.
type ShuffleFilter struct {
	elementSize uint32
}

// newShuffleFilter builds the filter from its stored parameter, the element
// size in bytes.
func newShuffleFilter(params []uint32) (*ShuffleFilter, error) {
	if len(params) != 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("shuffle filter takes the element size, got %v", params))
	}
	if params[0] == 0 {
		return nil, errors.E(errors.Invalid, "shuffle filter with zero element size")
	}
	return &ShuffleFilter{elementSize: params[0]}, nil
}

// ID returns FilterShuffle.
func (f *ShuffleFilter) ID() FilterID {
	return FilterShuffle
}

// Name returns "shuffle".
func (f *ShuffleFilter) Name() string {
	return "shuffle"
}

// Apply shuffles data.
func (f *ShuffleFilter) Apply(data []byte) ([]byte, error) {
	return f.transpose(data, false), nil
}

// Remove restores the element-major byte order.
func (f *ShuffleFilter) Remove(data []byte) ([]byte, error) {
	return f.transpose(data, true), nil
}

func (f *ShuffleFilter) transpose(data []byte, inverse bool) []byte {
	size := int(f.elementSize)
	n := len(data) / size
	if n <= 1 || size == 1 {
		return data
	}

	out := make([]byte, len(data))
	for b := 0; b < size; b++ {
		for e := 0; e < n; e++ {
			elementMajor := e*size + b
			byteMajor := b*n + e
			if inverse {
				out[elementMajor] = data[byteMajor]
			} else {
				out[byteMajor] = data[elementMajor]
			}
		}
	}
	copy(out[n*size:], data[n*size:])
	return out
}

// Encode returns the element size.
func (f *ShuffleFilter) Encode() []uint32 {
	return []uint32{f.elementSize}
}
