package core

import (
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
)

// MessageType identifies an object header message.
type MessageType uint16

// Message types used by groups, datasets and attributes.
const (
	MsgNil            MessageType = 0x00
	MsgDataspace      MessageType = 0x01
	MsgLinkInfo       MessageType = 0x02
	MsgDatatype       MessageType = 0x03
	MsgFillValueOld   MessageType = 0x04
	MsgFillValue      MessageType = 0x05
	MsgLink           MessageType = 0x06
	MsgExternalFiles  MessageType = 0x07
	MsgLayout         MessageType = 0x08
	MsgGroupInfo      MessageType = 0x0A
	MsgFilterPipeline MessageType = 0x0B
	MsgAttribute      MessageType = 0x0C
	MsgContinuation   MessageType = 0x10
	MsgSymbolTable    MessageType = 0x11
	MsgModTime        MessageType = 0x12
	MsgAttributeInfo  MessageType = 0x15
)

// MsgFlagConstant marks a message that never changes.
const MsgFlagConstant = 0x01

// Message is one object header message.
type Message struct {
	Type  MessageType
	Flags uint8
	Data  []byte
}

// ObjectHeader is the decoded message list of a group or dataset.
type ObjectHeader struct {
	Version  uint8
	Messages []Message
}

// Find returns the first message of type t.
func (oh *ObjectHeader) Find(t MessageType) (Message, bool) {
	for _, m := range oh.Messages {
		if m.Type == t {
			return m, true
		}
	}
	return Message{}, false
}

// All returns every message of type t in header order.
func (oh *ObjectHeader) All(t MessageType) []Message {
	var out []Message
	for _, m := range oh.Messages {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

const (
	maxMessageSize = 0xFFFF
	maxChunks      = 1024
)

// EncodeObjectHeader writes a version 2 object header holding msgs in a
// single chunk. The message block is padded to 8 bytes with a nil message.
func EncodeObjectHeader(msgs []Message) ([]byte, error) {
	var body []byte
	for _, m := range msgs {
		if len(m.Data) > maxMessageSize {
			return nil, errors.E(errors.NotSupported, fmt.Sprintf("header message 0x%02x of %d bytes exceeds %d", m.Type, len(m.Data), maxMessageSize))
		}
		if m.Type > 0xFF {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("message type 0x%x", m.Type))
		}
		body = append(body, uint8(m.Type))
		body = appendU16(body, uint16(len(m.Data))) //nolint:gosec // G115: checked above
		body = append(body, m.Flags)
		body = append(body, m.Data...)
	}
	if rem := len(body) % 8; rem != 0 {
		pad := 8 - rem
		if pad < 4 {
			pad += 8
		}
		body = append(body, uint8(MsgNil))
		body = appendU16(body, uint16(pad-4)) //nolint:gosec // G115: pad is below 12
		body = append(body, 0)
		body = append(body, make([]byte, pad-4)...)
	}

	n := uint64(len(body))
	var flags uint8
	var size []byte
	switch {
	case n <= 0xFF:
		size = []byte{uint8(n)}
	case n <= 0xFFFF:
		flags = 1
		size = appendU16(nil, uint16(n))
	case n <= 0xFFFFFFFF:
		flags = 2
		size = appendU32(nil, uint32(n))
	default:
		flags = 3
		size = appendU64(nil, n)
	}

	oh := make([]byte, 0, 6+len(size)+len(body)+4)
	oh = append(oh, "OHDR"...)
	oh = append(oh, 2, flags)
	oh = append(oh, size...)
	oh = append(oh, body...)
	return appendU32(oh, Lookup3(oh, 0)), nil
}

// ReadObjectHeader decodes the version 1 or 2 object header at addr,
// following continuation messages. Nil and continuation messages are not
// returned.
func ReadObjectHeader(r Image, addr uint64) (*ObjectHeader, error) {
	sig, err := ReadAt(r, addr, 4, "object header")
	if err != nil {
		return nil, err
	}
	switch {
	case string(sig) == "OHDR":
		return readObjectHeaderV2(r, addr)
	case sig[0] == 1:
		return readObjectHeaderV1(r, addr)
	}
	return nil, errors.E(errors.Integrity, fmt.Sprintf("no object header at %d", addr))
}

type chunkRef struct {
	addr, size uint64
}

func readObjectHeaderV2(r Image, addr uint64) (*ObjectHeader, error) {
	fixed, err := ReadAt(r, addr, 6, "object header")
	if err != nil {
		return nil, err
	}
	if fixed[4] != 2 {
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("object header version %d at %d", fixed[4], addr))
	}
	flags := fixed[5]
	prefix := uint64(6)
	if flags&0x20 != 0 {
		prefix += 16 // access, modification, change and birth times
	}
	if flags&0x10 != 0 {
		prefix += 4 // attribute phase change values
	}
	width := uint64(1) << (flags & 0x03)
	head, err := ReadAt(r, addr, prefix+width, "object header")
	if err != nil {
		return nil, err
	}
	var sizeBuf [8]byte
	copy(sizeBuf[:], head[prefix:])
	chunk0 := binary.LittleEndian.Uint64(sizeBuf[:])
	if chunk0 > uint64(r.Size()) { //nolint:gosec // G115: sizes are never negative
		return nil, errors.E(errors.Integrity, fmt.Sprintf("object header at %d: chunk of %d bytes", addr, chunk0))
	}

	oh := &ObjectHeader{Version: 2}
	whole, err := ReadAt(r, addr, prefix+width+chunk0+4, "object header")
	if err != nil {
		return nil, err
	}
	if err := verifyChecksum(whole, addr); err != nil {
		return nil, err
	}
	conts, err := oh.parseV2Messages(whole[prefix+width:len(whole)-4], flags)
	if err != nil {
		return nil, err
	}

	seen := map[uint64]bool{addr: true}
	for len(conts) > 0 {
		c := conts[0]
		conts = conts[1:]
		if seen[c.addr] || len(seen) > maxChunks {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("object header at %d: continuation loop at %d", addr, c.addr))
		}
		seen[c.addr] = true
		if c.size < 8 {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("continuation block of %d bytes", c.size))
		}
		block, err := ReadAt(r, c.addr, c.size, "continuation block")
		if err != nil {
			return nil, err
		}
		if string(block[:4]) != "OCHK" {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("continuation block at %d has no OCHK signature", c.addr))
		}
		if err := verifyChecksum(block, c.addr); err != nil {
			return nil, err
		}
		more, err := oh.parseV2Messages(block[4:len(block)-4], flags)
		if err != nil {
			return nil, err
		}
		conts = append(conts, more...)
	}
	return oh, nil
}

func verifyChecksum(block []byte, addr uint64) error {
	n := len(block) - 4
	if stored, sum := binary.LittleEndian.Uint32(block[n:]), Lookup3(block[:n], 0); stored != sum {
		return errors.E(errors.Integrity, fmt.Sprintf("metadata checksum at %d: stored %08x, computed %08x", addr, stored, sum))
	}
	return nil
}

func (oh *ObjectHeader) parseV2Messages(b []byte, flags uint8) ([]chunkRef, error) {
	hdr := 4
	if flags&0x04 != 0 {
		hdr += 2 // creation order
	}
	var conts []chunkRef
	for off := 0; len(b)-off >= hdr; {
		typ := MessageType(b[off])
		size := int(binary.LittleEndian.Uint16(b[off+1:]))
		mflags := b[off+3]
		off += hdr
		if off+size > len(b) {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("message 0x%02x of %d bytes overruns its chunk", typ, size))
		}
		data := b[off : off+size]
		off += size
		var err error
		if conts, err = oh.add(typ, mflags, data, conts); err != nil {
			return nil, err
		}
	}
	return conts, nil
}

func (oh *ObjectHeader) add(typ MessageType, flags uint8, data []byte, conts []chunkRef) ([]chunkRef, error) {
	switch typ {
	case MsgNil:
	case MsgContinuation:
		if len(data) < 16 {
			return nil, errors.E(errors.Integrity, "continuation message truncated")
		}
		conts = append(conts, chunkRef{
			addr: binary.LittleEndian.Uint64(data),
			size: binary.LittleEndian.Uint64(data[8:]),
		})
	default:
		oh.Messages = append(oh.Messages, Message{Type: typ, Flags: flags, Data: data})
	}
	return conts, nil
}

func readObjectHeaderV1(r Image, addr uint64) (*ObjectHeader, error) {
	head, err := ReadAt(r, addr, 16, "object header")
	if err != nil {
		return nil, err
	}
	count := int(binary.LittleEndian.Uint16(head[2:]))
	size := uint64(binary.LittleEndian.Uint32(head[8:]))

	oh := &ObjectHeader{Version: 1}
	conts := []chunkRef{{addr: addr + 16, size: size}}
	seen := map[uint64]bool{}
	parsed := 0
	for len(conts) > 0 && parsed < count {
		c := conts[0]
		conts = conts[1:]
		if seen[c.addr] || len(seen) > maxChunks {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("object header at %d: continuation loop at %d", addr, c.addr))
		}
		seen[c.addr] = true
		b, err := ReadAt(r, c.addr, c.size, "object header chunk")
		if err != nil {
			return nil, err
		}
		for off := 0; len(b)-off >= 8 && parsed < count; parsed++ {
			typ := MessageType(binary.LittleEndian.Uint16(b[off:]))
			msize := int(binary.LittleEndian.Uint16(b[off+2:]))
			mflags := b[off+4]
			off += 8
			if off+msize > len(b) {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("message 0x%02x of %d bytes overruns its chunk", typ, msize))
			}
			if conts, err = oh.add(typ, mflags, b[off:off+msize], conts); err != nil {
				return nil, err
			}
			off += msize
		}
	}
	return oh, nil
}
