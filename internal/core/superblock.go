package core

import (
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
)

// Signature starts every HDF5 superblock.
const Signature = "\x89HDF\r\n\x1a\n"

// SuperblockSize is the size of the version 2 superblock Encode writes.
const SuperblockSize = 48

// Superblock locates the root group of a file.
type Superblock struct {
	Version     uint8
	BaseAddress uint64 // absolute position of address 0
	EndOfFile   uint64
	RootAddress uint64
}

// Encode writes a version 2 superblock with 8-byte offsets and lengths.
func (sb *Superblock) Encode() []byte {
	b := make([]byte, 0, SuperblockSize)
	b = append(b, Signature...)
	b = append(b, 2, 8, 8, 0)
	b = appendU64(b, sb.BaseAddress)
	b = appendU64(b, Undefined) // superblock extension
	b = appendU64(b, sb.EndOfFile)
	b = appendU64(b, sb.RootAddress)
	return appendU32(b, Lookup3(b, 0))
}

// ReadSuperblock finds the superblock at offset 0 or behind a user block of
// 512, 1024, 2048... bytes and decodes it. Versions 2 and 3 are supported.
func ReadSuperblock(r Image) (*Superblock, error) {
	size := r.Size()
	for off := int64(0); off+SuperblockSize <= size; off = nextSignatureOffset(off) {
		b, err := ReadAt(r, uint64(off), SuperblockSize, "superblock") //nolint:gosec // G115: off is non-negative
		if err != nil {
			return nil, err
		}
		if string(b[:8]) != Signature {
			continue
		}
		return parseSuperblock(b, uint64(off)) //nolint:gosec // G115: off is non-negative
	}
	return nil, errors.E(errors.Integrity, "no HDF5 signature found")
}

func nextSignatureOffset(off int64) int64 {
	if off == 0 {
		return 512
	}
	return off * 2
}

func parseSuperblock(b []byte, at uint64) (*Superblock, error) {
	sb := &Superblock{Version: b[8]}
	switch sb.Version {
	case 2, 3:
	case 0, 1:
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("superblock version %d (symbol table groups)", sb.Version))
	default:
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("superblock version %d", sb.Version))
	}
	if b[9] != 8 || b[10] != 8 {
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("%d-byte offsets and %d-byte lengths", b[9], b[10]))
	}
	if stored, sum := binary.LittleEndian.Uint32(b[44:]), Lookup3(b[:44], 0); stored != sum {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("superblock checksum %08x, computed %08x", stored, sum))
	}
	sb.BaseAddress = binary.LittleEndian.Uint64(b[12:])
	sb.EndOfFile = binary.LittleEndian.Uint64(b[28:])
	sb.RootAddress = binary.LittleEndian.Uint64(b[36:])
	if sb.BaseAddress != 0 && sb.BaseAddress != at {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("superblock at %d names base address %d", at, sb.BaseAddress))
	}
	sb.BaseAddress = at
	return sb, nil
}
