package container

import (
	"fmt"
	"sort"
)

// Segment is a contiguous byte range of a container image.
//
// Segments are handed out by the Allocator while an image is laid out and
// recorded in object headers so a reader can locate dataset payloads again.
type Segment struct {
	Offset uint64 // Starting address in the image
	Size   uint64 // Length in bytes
}

// End returns the first address after the segment.
func (s Segment) End() uint64 {
	return s.Offset + s.Size
}

// Allocator hands out image space for dataset payloads and object headers.
//
// Strategy:
//   - End-of-image allocation: every allocation starts where the last one ended
//   - No reuse: an image is laid out once per flush, so nothing is ever freed
//   - Overlap prevention: all allocations are tracked for validation
//
// Thread Safety:
//   - NOT thread-safe: a File lays out its image from a single goroutine
type Allocator struct {
	blocks     []Segment // All allocated segments (append-only)
	nextOffset uint64    // Next available address (end of image)
}

// NewAllocator creates a space allocator.
//
// Parameters:
//   - initialOffset: Starting address for allocations, typically the
//     superblock size so the superblock itself is never handed out
//
// Example:
//
//	alloc := NewAllocator(superblockSize)
//	addr, err := alloc.Allocate(uint64(len(payload)))
//	if err != nil {
//	    return err
//	}
func NewAllocator(initialOffset uint64) *Allocator {
	return &Allocator{
		blocks:     make([]Segment, 0, 16),
		nextOffset: initialOffset,
	}
}

// Allocate reserves size bytes at the end of the image and returns their address.
//
// Errors:
//   - "cannot allocate zero bytes": empty payloads are recorded without space
func (a *Allocator) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("cannot allocate zero bytes")
	}

	addr := a.nextOffset
	if addr+size < addr {
		return 0, fmt.Errorf("allocation of %d bytes at %d overflows the address space", size, addr)
	}

	a.blocks = append(a.blocks, Segment{Offset: addr, Size: size})
	a.nextOffset = addr + size

	return addr, nil
}

// IsAllocated reports whether [offset, offset+size) overlaps an allocated segment.
// Adjacent segments do not overlap and zero-size ranges never do.
func (a *Allocator) IsAllocated(offset, size uint64) bool {
	if size == 0 {
		return false
	}

	rangeEnd := offset + size
	for _, block := range a.blocks {
		if offset < block.End() && block.Offset < rangeEnd {
			return true
		}
	}

	return false
}

// EndOfFile returns the address where the next allocation would occur,
// which is also the total image size.
func (a *Allocator) EndOfFile() uint64 {
	return a.nextOffset
}

// Blocks returns a copy of all allocated segments, sorted by offset.
func (a *Allocator) Blocks() []Segment {
	blocks := make([]Segment, len(a.blocks))
	copy(blocks, a.blocks)

	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Offset < blocks[j].Offset
	})

	return blocks
}

// ValidateNoOverlaps checks that no allocated segments overlap.
func (a *Allocator) ValidateNoOverlaps() error {
	blocks := a.Blocks()

	for i := 0; i < len(blocks)-1; i++ {
		current := blocks[i]
		next := blocks[i+1]

		if current.End() > next.Offset {
			return fmt.Errorf("overlap detected: segment at %d (size %d) overlaps segment at %d",
				current.Offset, current.Size, next.Offset)
		}
	}

	return nil
}
