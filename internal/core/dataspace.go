package core

import (
	"github.com/batchatco/go-thrower"
)

const maxRank = 32

// Dataspace is the extent of a dataset or attribute. A scalar has no
// dimensions. MaxDims is nil when the extent cannot change; axes that can
// grow without bound hold Undefined.
type Dataspace struct {
	Dims    []uint64
	MaxDims []uint64
}

// Encode writes a version 2 dataspace message.
func (ds Dataspace) Encode() []byte {
	var flags, typ uint8
	if len(ds.Dims) > 0 {
		typ = 1
	}
	if ds.MaxDims != nil {
		flags |= 0x01
	}
	b := []byte{2, uint8(len(ds.Dims)), flags, typ} //nolint:gosec // G115: rank is limited by the caller
	for _, d := range ds.Dims {
		b = appendU64(b, d)
	}
	for _, d := range ds.MaxDims {
		b = appendU64(b, d)
	}
	return b
}

// ParseDataspace decodes a version 1 or 2 dataspace message.
func ParseDataspace(data []byte) (ds Dataspace, err error) {
	defer thrower.RecoverError(&err)
	d := newDecoder(data, "dataspace message")
	version := d.u8()
	rank := int(d.u8())
	flags := d.u8()
	if rank > maxRank {
		d.fail("rank %d", rank)
	}
	switch version {
	case 1:
		d.skip(5)
	case 2:
		switch typ := d.u8(); typ {
		case 0:
			return Dataspace{}, nil
		case 1:
		case 2:
			d.unsupported("null dataspace")
		default:
			d.fail("type %d", typ)
		}
	default:
		d.unsupported("version %d", version)
	}
	if rank == 0 {
		return Dataspace{}, nil
	}
	ds.Dims = make([]uint64, rank)
	for i := range ds.Dims {
		ds.Dims[i] = d.u64()
	}
	if flags&0x01 != 0 {
		ds.MaxDims = make([]uint64, rank)
		for i := range ds.MaxDims {
			ds.MaxDims[i] = d.u64()
			if ds.MaxDims[i] != Undefined && ds.MaxDims[i] < ds.Dims[i] {
				d.fail("extent %v exceeds maximum %v", ds.Dims, ds.MaxDims)
			}
		}
	}
	return ds, nil
}
