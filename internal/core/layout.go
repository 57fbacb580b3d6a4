package core

import (
	"fmt"

	"github.com/batchatco/go-thrower"
	"github.com/grailbio/base/errors"
)

// LayoutClass is how the raw data of a dataset is stored.
type LayoutClass uint8

// Layout classes.
const (
	LayoutCompact    LayoutClass = 0
	LayoutContiguous LayoutClass = 1
	LayoutChunked    LayoutClass = 2
	LayoutVirtual    LayoutClass = 3
)

// Layout is a decoded data layout message.
type Layout struct {
	Class     LayoutClass
	Address   uint64   // contiguous data, or the chunk B-tree
	Size      uint64   // contiguous data
	Compact   []byte   // compact data
	ChunkDims []uint32 // chunk extent plus a trailing element size
}

// Encode writes a version 3 data layout message.
func (l Layout) Encode() ([]byte, error) {
	b := []byte{3, uint8(l.Class)}
	switch l.Class {
	case LayoutCompact:
		if len(l.Compact) > 0xFFFF {
			return nil, errors.E(errors.NotSupported, fmt.Sprintf("compact data of %d bytes", len(l.Compact)))
		}
		b = appendU16(b, uint16(len(l.Compact))) //nolint:gosec // G115: checked above
		b = append(b, l.Compact...)
	case LayoutContiguous:
		b = appendU64(b, l.Address)
		b = appendU64(b, l.Size)
	case LayoutChunked:
		if len(l.ChunkDims) < 2 || len(l.ChunkDims) > maxRank+1 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("chunk of dimensionality %d", len(l.ChunkDims)))
		}
		b = append(b, uint8(len(l.ChunkDims)))
		b = appendU64(b, l.Address)
		for _, d := range l.ChunkDims {
			b = appendU32(b, d)
		}
	default:
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("layout class %d", l.Class))
	}
	return b, nil
}

// ParseLayout decodes a version 3 data layout message, or the compact and
// contiguous forms of version 4.
func ParseLayout(data []byte) (l Layout, err error) {
	defer thrower.RecoverError(&err)
	d := newDecoder(data, "layout message")
	version := d.u8()
	if version < 3 || version > 4 {
		d.unsupported("version %d", version)
	}
	l.Class = LayoutClass(d.u8())
	switch l.Class {
	case LayoutCompact:
		n := int(d.u16())
		l.Compact = d.take(n)
	case LayoutContiguous:
		l.Address = d.u64()
		l.Size = d.u64()
	case LayoutChunked:
		if version == 4 {
			d.unsupported("version 4 chunk indexes")
		}
		n := int(d.u8())
		if n < 2 || n > maxRank+1 {
			d.fail("chunk of dimensionality %d", n)
		}
		l.Address = d.u64()
		l.ChunkDims = make([]uint32, n)
		for i := range l.ChunkDims {
			if l.ChunkDims[i] = d.u32(); l.ChunkDims[i] == 0 {
				d.fail("zero chunk dimension")
			}
		}
	default:
		d.unsupported("class %d", l.Class)
	}
	return l, nil
}
