package container

import (
	"fmt"
	"io"
)

// imageWriter assembles a container image in memory before it is handed to a
// Store in one piece. It combines an Allocator with write-at-address
// semantics so payloads and object headers can be laid out independently of the
// order in which they are produced.
//
// Thread-safety: Not thread-safe. Caller must synchronize access.
type imageWriter struct {
	buf       []byte
	allocator *Allocator
	closed    bool
}

// newImageWriter creates an image whose first initialOffset bytes are
// reserved for the superblock.
func newImageWriter(initialOffset uint64) *imageWriter {
	return &imageWriter{
		buf:       make([]byte, initialOffset),
		allocator: NewAllocator(initialOffset),
	}
}

// Allocate reserves a block of space in the image.
// The space is zeroed until written.
func (w *imageWriter) Allocate(size uint64) (uint64, error) {
	if w.closed {
		return 0, fmt.Errorf("image writer is closed")
	}
	return w.allocator.Allocate(size)
}

// WriteAt writes data at a specific address, growing the image if needed.
// Implements io.WriterAt.
func (w *imageWriter) WriteAt(data []byte, offset int64) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("image writer is closed")
	}
	if offset < 0 {
		return 0, fmt.Errorf("negative write address %d", offset)
	}
	if len(data) == 0 {
		return 0, nil
	}

	end := int(offset) + len(data)
	if end > len(w.buf) {
		grown := make([]byte, end)
		copy(grown, w.buf)
		w.buf = grown
	}
	return copy(w.buf[offset:], data), nil
}

// ReadAt reads back previously written bytes.
// Implements io.ReaderAt.
func (w *imageWriter) ReadAt(p []byte, offset int64) (int, error) {
	if offset < 0 || offset >= int64(len(w.buf)) {
		return 0, io.EOF
	}
	n := copy(p, w.buf[offset:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAtWithAllocation allocates space for data, writes it and returns its segment.
func (w *imageWriter) WriteAtWithAllocation(data []byte) (Segment, error) {
	if len(data) == 0 {
		return Segment{}, fmt.Errorf("cannot write empty data")
	}

	addr, err := w.Allocate(uint64(len(data)))
	if err != nil {
		return Segment{}, err
	}

	if _, err := w.WriteAt(data, int64(addr)); err != nil { //nolint:gosec // G115: image addresses stay below the in-memory buffer size
		return Segment{}, err
	}

	return Segment{Offset: addr, Size: uint64(len(data))}, nil
}

// EndOfFile returns the current end of the image.
func (w *imageWriter) EndOfFile() uint64 {
	return w.allocator.EndOfFile()
}

// Bytes finishes the image and returns it. The writer cannot be used afterwards.
func (w *imageWriter) Bytes() ([]byte, error) {
	if w.closed {
		return nil, fmt.Errorf("image writer is closed")
	}
	if err := w.allocator.ValidateNoOverlaps(); err != nil {
		return nil, err
	}
	w.closed = true
	eof := w.allocator.EndOfFile()
	if uint64(len(w.buf)) < eof {
		grown := make([]byte, eof)
		copy(grown, w.buf)
		w.buf = grown
	}
	return w.buf[:eof], nil
}

var (
	_ io.ReaderAt = (*imageWriter)(nil)
	_ io.WriterAt = (*imageWriter)(nil)
)
