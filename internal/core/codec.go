// Package core encodes and decodes the HDF5 structures a container image is
// made of: the superblock, version 1 and 2 object headers, their messages and
// the version 1 chunk B-tree. Only little-endian files with 8-byte offsets
// and lengths are handled.
package core

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/batchatco/go-thrower"
	"github.com/grailbio/base/errors"
)

// Undefined is the address of something that does not exist.
const Undefined = ^uint64(0)

// Image is the random-access view a file is decoded from.
type Image interface {
	io.ReaderAt
	Size() int64
}

// ReadAt reads n bytes at addr, failing with errors.Integrity when the range
// lies outside the image.
func ReadAt(r Image, addr, n uint64, what string) ([]byte, error) {
	size := uint64(r.Size()) //nolint:gosec // G115: sizes are never negative
	if addr > size || n > size-addr {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("%s [%d,+%d) outside image of %d bytes", what, addr, n, size))
	}
	p := make([]byte, n)
	m, err := r.ReadAt(p, int64(addr)) //nolint:gosec // G115: bounded by the image size above
	if m == len(p) {
		return p, nil
	}
	if err == nil {
		err = fmt.Errorf("short read at %d: %d of %d bytes", addr, m, n)
	}
	return nil, errors.E(errors.Integrity, "read "+what, err)
}

// decoder walks a message body. Truncation is thrown and recovered by the
// exported Parse functions.
type decoder struct {
	b    []byte
	off  int
	what string
}

func newDecoder(b []byte, what string) *decoder {
	return &decoder{b: b, what: what}
}

func (d *decoder) fail(format string, args ...any) {
	thrower.Throw(errors.E(errors.Integrity, d.what+": "+fmt.Sprintf(format, args...)))
}

func (d *decoder) unsupported(format string, args ...any) {
	thrower.Throw(errors.E(errors.NotSupported, d.what+": "+fmt.Sprintf(format, args...)))
}

func (d *decoder) remaining() int {
	return len(d.b) - d.off
}

func (d *decoder) take(n int) []byte {
	if n < 0 || d.remaining() < n {
		d.fail("truncated at byte %d, need %d more", d.off, n)
	}
	p := d.b[d.off : d.off+n]
	d.off += n
	return p
}

func (d *decoder) skip(n int) {
	d.take(n)
}

// align skips padding up to the next multiple of 8 counted from base.
func (d *decoder) align(base int) {
	if rem := (d.off - base) % 8; rem != 0 {
		d.skip(8 - rem)
	}
}

func (d *decoder) u8() uint8 {
	return d.take(1)[0]
}

func (d *decoder) u16() uint16 {
	return binary.LittleEndian.Uint16(d.take(2))
}

func (d *decoder) u32() uint32 {
	return binary.LittleEndian.Uint32(d.take(4))
}

func (d *decoder) u64() uint64 {
	return binary.LittleEndian.Uint64(d.take(8))
}

// uvar reads an unsigned integer of width bytes.
func (d *decoder) uvar(width int) uint64 {
	var buf [8]byte
	if width > 8 {
		d.fail("field of %d bytes", width)
	}
	copy(buf[:], d.take(width))
	return binary.LittleEndian.Uint64(buf[:])
}

// cstring reads a NUL-terminated string from a field of n bytes.
func (d *decoder) cstring(n int) string {
	p := d.take(n)
	for i, c := range p {
		if c == 0 {
			return string(p[:i])
		}
	}
	return string(p)
}

func appendU16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

func appendU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendU64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

// appendPadded appends p followed by zero bytes up to a multiple of 8.
func appendPadded(b, p []byte) []byte {
	b = append(b, p...)
	if rem := len(p) % 8; rem != 0 {
		b = append(b, make([]byte, 8-rem)...)
	}
	return b
}
