package core

import (
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
)

// Chunk locates one stored chunk of a chunked dataset.
type Chunk struct {
	Offset     []uint64 // element coordinates of the first element, plus a trailing 0
	Size       uint32   // stored bytes after filtering
	FilterMask uint32   // bit i set: filter i was skipped
	Address    uint64
}

// ChunkNodeEntries is the capacity of a chunk B-tree node, 2K for the
// default K of 32.
const ChunkNodeEntries = 64

const (
	btreeHeaderSize = 24
	maxBTreeDepth   = 64
)

// ChunkNodeSize is the size of a chunk B-tree node for chunks of
// dimensionality ndims, the dataset rank plus one.
func ChunkNodeSize(ndims int) uint64 {
	key := uint64(8 + 8*ndims) //nolint:gosec // G115: ndims is small
	return btreeHeaderSize + ChunkNodeEntries*8 + (ChunkNodeEntries+1)*key
}

// EncodeChunkNode writes a leaf node of a version 1 chunk B-tree holding
// chunks, which must be sorted by offset. chunkDims closes the right-most
// key.
func EncodeChunkNode(chunks []Chunk, chunkDims []uint32) ([]byte, error) {
	ndims := len(chunkDims)
	if len(chunks) == 0 || len(chunks) > ChunkNodeEntries {
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("chunk B-tree leaf of %d entries", len(chunks)))
	}
	b := make([]byte, 0, ChunkNodeSize(ndims))
	b = append(b, "TREE"...)
	b = append(b, 1, 0) // raw data chunks, leaf
	b = appendU16(b, uint16(len(chunks))) //nolint:gosec // G115: checked above
	b = appendU64(b, Undefined)
	b = appendU64(b, Undefined)
	for _, c := range chunks {
		if len(c.Offset) != ndims {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("chunk offset %v for dimensionality %d", c.Offset, ndims))
		}
		b = appendU32(b, c.Size)
		b = appendU32(b, c.FilterMask)
		for _, o := range c.Offset {
			b = appendU64(b, o)
		}
		b = appendU64(b, c.Address)
	}
	last := chunks[len(chunks)-1]
	b = appendU32(b, 0)
	b = appendU32(b, 0)
	for i, o := range last.Offset {
		b = appendU64(b, o+uint64(chunkDims[i]))
	}
	return b[:ChunkNodeSize(ndims)], nil
}

// ReadChunkIndex collects every chunk of the version 1 chunk B-tree at addr.
func ReadChunkIndex(r Image, addr uint64, ndims int) ([]Chunk, error) {
	var chunks []Chunk
	seen := make(map[uint64]bool)
	if err := readChunkNode(r, addr, ndims, -1, 0, seen, &chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}

func readChunkNode(r Image, addr uint64, ndims, wantLevel, depth int, seen map[uint64]bool, chunks *[]Chunk) error {
	if depth > maxBTreeDepth || seen[addr] {
		return errors.E(errors.Integrity, fmt.Sprintf("chunk B-tree node at %d is part of a cycle", addr))
	}
	seen[addr] = true
	head, err := ReadAt(r, addr, btreeHeaderSize, "chunk B-tree node")
	if err != nil {
		return err
	}
	if string(head[:4]) != "TREE" {
		return errors.E(errors.Integrity, fmt.Sprintf("no B-tree node at %d", addr))
	}
	if head[4] != 1 {
		return errors.E(errors.Integrity, fmt.Sprintf("B-tree node at %d has type %d, not raw data chunks", addr, head[4]))
	}
	level := int(head[5])
	if wantLevel >= 0 && level != wantLevel {
		return errors.E(errors.Integrity, fmt.Sprintf("B-tree node at %d has level %d, expected %d", addr, level, wantLevel))
	}
	entries := int(binary.LittleEndian.Uint16(head[6:]))
	keySize := 8 + 8*ndims
	body, err := ReadAt(r, addr+btreeHeaderSize, uint64(entries*(keySize+8)+keySize), "chunk B-tree node") //nolint:gosec // G115: bounded by 16-bit entry count
	if err != nil {
		return err
	}
	for i := 0; i < entries; i++ {
		key := body[i*(keySize+8):]
		child := binary.LittleEndian.Uint64(key[keySize:])
		if level > 0 {
			if err := readChunkNode(r, child, ndims, level-1, depth+1, seen, chunks); err != nil {
				return err
			}
			continue
		}
		c := Chunk{
			Size:       binary.LittleEndian.Uint32(key),
			FilterMask: binary.LittleEndian.Uint32(key[4:]),
			Offset:     make([]uint64, ndims),
			Address:    child,
		}
		for j := range c.Offset {
			c.Offset[j] = binary.LittleEndian.Uint64(key[8+8*j:])
		}
		*chunks = append(*chunks, c)
	}
	return nil
}
