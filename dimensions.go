package splash

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Dimensions is an extent, offset or position in up to three dimensions.
// The first axis varies fastest in memory. Axes beyond the rank of the data
// are 1 for extents and 0 for offsets.
type Dimensions [3]uint64

// Dims returns Dimensions{x, y, z}.
func Dims(x, y, z uint64) Dimensions {
	return Dimensions{x, y, z}
}

// Add returns d + o elementwise.
func (d Dimensions) Add(o Dimensions) Dimensions {
	return Dimensions{d[0] + o[0], d[1] + o[1], d[2] + o[2]}
}

// Sub returns d - o elementwise.
func (d Dimensions) Sub(o Dimensions) Dimensions {
	return Dimensions{d[0] - o[0], d[1] - o[1], d[2] - o[2]}
}

// Mul returns d * o elementwise.
func (d Dimensions) Mul(o Dimensions) Dimensions {
	return Dimensions{d[0] * o[0], d[1] * o[1], d[2] * o[2]}
}

// Div returns d / o elementwise.
func (d Dimensions) Div(o Dimensions) Dimensions {
	return Dimensions{d[0] / o[0], d[1] / o[1], d[2] / o[2]}
}

// Scalar returns the number of elements of the extent d.
func (d Dimensions) Scalar() uint64 {
	return d[0] * d[1] * d[2]
}

// Rank infers the rank of an extent by dropping trailing axes of size 1.
// The rank is at least 1.
func (d Dimensions) Rank() uint32 {
	switch {
	case d[2] != 1:
		return 3
	case d[1] != 1:
		return 2
	default:
		return 1
	}
}

// Swap converts between memory order (fastest axis first) and container
// order (slowest axis first) for data of the given rank. Swapping twice
// yields d.
func (d Dimensions) Swap(rank uint32) Dimensions {
	switch rank {
	case 2:
		return Dimensions{d[1], d[0], d[2]}
	case 3:
		return Dimensions{d[2], d[1], d[0]}
	default:
		return d
	}
}

func (d Dimensions) String() string {
	return fmt.Sprintf("(%d,%d,%d)", d[0], d[1], d[2])
}

// toContainer returns the container form of an extent of the given rank.
func (d Dimensions) toContainer(rank uint32) []uint64 {
	s := d.Swap(rank)
	return append([]uint64(nil), s[:rank]...)
}

// fromContainer converts a container extent back to memory order.
func fromContainer(dims []uint64) Dimensions {
	d := Dimensions{1, 1, 1}
	copy(d[:], dims)
	return d.Swap(uint32(len(dims))) //nolint:gosec // G115: rank is at most 3
}

func checkRank(rank uint32) error {
	if rank < 1 || rank > 3 {
		return errors.E(errors.Invalid, fmt.Sprintf("rank %d outside 1..3", rank))
	}
	return nil
}
