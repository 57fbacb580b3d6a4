package core

import (
	"fmt"

	"github.com/batchatco/go-thrower"
	"github.com/grailbio/base/errors"
)

// Link types.
const (
	LinkHard     = 0
	LinkSoft     = 1
	LinkExternal = 64
)

// Link is a named edge from a group to an object.
type Link struct {
	Name    string
	Type    uint8
	Address uint64 // hard links only
}

// EncodeLink writes a version 1 link message for a hard link to addr.
func EncodeLink(name string, addr uint64) ([]byte, error) {
	var flags uint8
	var length []byte
	switch n := uint64(len(name)); {
	case n == 0:
		return nil, errors.E(errors.Invalid, "empty link name")
	case n <= 0xFF:
		length = []byte{uint8(n)}
	case n <= 0xFFFF:
		flags = 1
		length = appendU16(nil, uint16(n))
	case n <= 0xFFFFFFFF:
		flags = 2
		length = appendU32(nil, uint32(n))
	default:
		flags = 3
		length = appendU64(nil, n)
	}
	b := []byte{1, flags}
	b = append(b, length...)
	b = append(b, name...)
	return appendU64(b, addr), nil
}

// ParseLink decodes a version 1 link message.
func ParseLink(data []byte) (l Link, err error) {
	defer thrower.RecoverError(&err)
	d := newDecoder(data, "link message")
	if v := d.u8(); v != 1 {
		d.unsupported("version %d", v)
	}
	flags := d.u8()
	if flags&0x08 != 0 {
		l.Type = d.u8()
	}
	if flags&0x04 != 0 {
		d.skip(8) // creation order
	}
	if flags&0x10 != 0 {
		d.skip(1) // character set
	}
	n := d.uvar(1 << (flags & 0x03))
	if n == 0 || n > uint64(d.remaining()) {
		d.fail("name of %d bytes", n)
	}
	l.Name = string(d.take(int(n))) //nolint:gosec // G115: bounded by the message size
	if l.Type == LinkHard {
		l.Address = d.u64()
	}
	return l, nil
}

// EncodeLinkInfo writes a link info message for compact link storage.
func EncodeLinkInfo() []byte {
	b := []byte{0, 0}
	b = appendU64(b, Undefined) // fractal heap
	return appendU64(b, Undefined)
}

// ParseLinkInfo decodes a link info message and reports whether the links
// live in a fractal heap instead of the object header.
func ParseLinkInfo(data []byte) (dense bool, err error) {
	defer thrower.RecoverError(&err)
	d := newDecoder(data, "link info message")
	if v := d.u8(); v != 0 {
		d.unsupported("version %d", v)
	}
	if flags := d.u8(); flags&0x01 != 0 {
		d.skip(8) // maximum creation index
	}
	return d.u64() != Undefined, nil
}

// EncodeGroupInfo writes a group info message with default storage limits.
func EncodeGroupInfo() []byte {
	return []byte{0, 0}
}

// ParseAttributeInfo decodes an attribute info message and reports whether
// attributes live in a fractal heap instead of the object header.
func ParseAttributeInfo(data []byte) (dense bool, err error) {
	defer thrower.RecoverError(&err)
	d := newDecoder(data, "attribute info message")
	if v := d.u8(); v != 0 {
		d.unsupported("version %d", v)
	}
	if flags := d.u8(); flags&0x01 != 0 {
		d.skip(2) // maximum creation index
	}
	return d.u64() != Undefined, nil
}

// EncodeFillValue writes a version 3 fill value message: space is allocated
// late, fill values are written only when set, and none is set.
func EncodeFillValue() []byte {
	return []byte{3, 0x0A}
}

// LinkTypeName names a link type for error messages.
func LinkTypeName(t uint8) string {
	switch t {
	case LinkHard:
		return "hard"
	case LinkSoft:
		return "soft"
	case LinkExternal:
		return "external"
	default:
		return fmt.Sprintf("type %d", t)
	}
}
