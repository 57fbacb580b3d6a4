package container

import (
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
)

// Fletcher32Filter appends the HDF5 Fletcher32 checksum of a chunk on write
// and verifies and strips it on read. It takes no parameters.
type Fletcher32Filter struct{}

func newFletcher32Filter(params []uint32) (*Fletcher32Filter, error) {
	if len(params) != 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fletcher32 filter takes no parameters, got %v", params))
	}
	return &Fletcher32Filter{}, nil
}

// ID returns FilterFletcher32.
func (f *Fletcher32Filter) ID() FilterID {
	return FilterFletcher32
}

// Name returns "fletcher32".
func (f *Fletcher32Filter) Name() string {
	return "fletcher32"
}

// Apply appends the checksum of data, little-endian.
func (f *Fletcher32Filter) Apply(data []byte) ([]byte, error) {
	out := make([]byte, len(data), len(data)+4)
	copy(out, data)
	return binary.LittleEndian.AppendUint32(out, fletcher32(data)), nil
}

// Remove verifies and strips the trailing checksum. Checksums written by
// HDF5 releases before 1.6.3 have the bytes of each half swapped and are
// accepted as well.
func (f *Fletcher32Filter) Remove(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("fletcher32: chunk of %d bytes has no checksum", len(data))
	}
	n := len(data) - 4
	stored := binary.LittleEndian.Uint32(data[n:])
	sum := fletcher32(data[:n])
	swapped := (sum&0x00FF00FF)<<8 | (sum&0xFF00FF00)>>8
	if stored != sum && stored != swapped {
		return nil, fmt.Errorf("fletcher32 checksum mismatch: stored=%08x, calculated=%08x", stored, sum)
	}
	return data[:n], nil
}

// Encode returns no parameters.
func (f *Fletcher32Filter) Encode() []uint32 {
	return nil
}

// fletcher32 sums big-endian 16-bit words with end-around carry, folding
// every 360 words; an odd trailing byte is the high byte of a last word.
func fletcher32(data []byte) uint32 {
	var sum1, sum2 uint32
	words := len(data) / 2
	p := data
	for words > 0 {
		n := min(words, 360)
		words -= n
		for ; n > 0; n-- {
			sum1 += uint32(p[0])<<8 | uint32(p[1])
			sum2 += sum1
			p = p[2:]
		}
		sum1 = sum1&0xFFFF + sum1>>16
		sum2 = sum2&0xFFFF + sum2>>16
	}
	if len(data)%2 != 0 {
		sum1 += uint32(p[0]) << 8
		sum2 += sum1
		sum1 = sum1&0xFFFF + sum1>>16
		sum2 = sum2&0xFFFF + sum2>>16
	}
	sum1 = sum1&0xFFFF + sum1>>16
	sum2 = sum2&0xFFFF + sum2>>16
	return sum2<<16 | sum1
}
