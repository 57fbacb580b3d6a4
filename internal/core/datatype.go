package core

import (
	"fmt"

	"github.com/batchatco/go-thrower"
	"github.com/grailbio/base/errors"
)

// DatatypeClass is the class field of a datatype message.
type DatatypeClass uint8

// Datatype classes.
const (
	ClassFixedPoint    DatatypeClass = 0
	ClassFloatingPoint DatatypeClass = 1
	ClassTime          DatatypeClass = 2
	ClassString        DatatypeClass = 3
	ClassBitfield      DatatypeClass = 4
	ClassOpaque        DatatypeClass = 5
	ClassCompound      DatatypeClass = 6
	ClassReference     DatatypeClass = 7
	ClassEnum          DatatypeClass = 8
	ClassVarLen        DatatypeClass = 9
	ClassArray         DatatypeClass = 10
)

// String padding of fixed-length strings.
const (
	PadNullTerm = 0
	PadNullPad  = 1
	PadSpacePad = 2
)

const opaqueTag = "splash"

// Datatype describes the elements of a dataset or attribute.
type Datatype struct {
	Class     DatatypeClass
	Size      uint32
	BigEndian bool
	Signed    bool   // fixed point
	Precision uint16 // fixed and floating point, in bits
	BitOffset uint16
	Padding   uint8        // string
	Tag       string       // opaque
	Base      *Datatype    // enum
	Members   []EnumMember // enum
}

// EnumMember is one named value of an enumeration.
type EnumMember struct {
	Name  string
	Value []byte
}

// IntegerType is a little-endian integer of size bytes.
func IntegerType(size uint32, signed bool) Datatype {
	return Datatype{Class: ClassFixedPoint, Size: size, Signed: signed, Precision: uint16(size * 8)} //nolint:gosec // G115: sizes are 1..8
}

// FloatType is a little-endian IEEE 754 number of 4 or 8 bytes.
func FloatType(size uint32) Datatype {
	return Datatype{Class: ClassFloatingPoint, Size: size, Precision: uint16(size * 8)} //nolint:gosec // G115: sizes are 4 or 8
}

// StringType is a NUL-padded string of size bytes.
func StringType(size uint32) Datatype {
	return Datatype{Class: ClassString, Size: size, Padding: PadNullPad}
}

// OpaqueType is an uninterpreted element of size bytes.
func OpaqueType(size uint32) Datatype {
	return Datatype{Class: ClassOpaque, Size: size, Tag: opaqueTag}
}

// BoolType is the one-byte FALSE/TRUE enumeration h5py and libSplash use for
// booleans.
func BoolType() Datatype {
	base := IntegerType(1, false)
	return Datatype{
		Class: ClassEnum,
		Size:  1,
		Base:  &base,
		Members: []EnumMember{
			{Name: "FALSE", Value: []byte{0}},
			{Name: "TRUE", Value: []byte{1}},
		},
	}
}

// IsBool reports whether t is a one-byte enumeration of FALSE=0 and TRUE=1.
func (t Datatype) IsBool() bool {
	if t.Class != ClassEnum || t.Size != 1 || t.Base == nil || t.Base.Class != ClassFixedPoint || len(t.Members) != 2 {
		return false
	}
	want := map[string]byte{"FALSE": 0, "TRUE": 1}
	for _, m := range t.Members {
		v, ok := want[m.Name]
		if !ok || len(m.Value) != 1 || m.Value[0] != v {
			return false
		}
	}
	return true
}

func (t Datatype) String() string {
	switch t.Class {
	case ClassFixedPoint:
		if t.Signed {
			return fmt.Sprintf("int%d", t.Size*8)
		}
		return fmt.Sprintf("uint%d", t.Size*8)
	case ClassFloatingPoint:
		return fmt.Sprintf("float%d", t.Size*8)
	case ClassString:
		return fmt.Sprintf("string[%d]", t.Size)
	case ClassOpaque:
		return fmt.Sprintf("opaque[%d]", t.Size)
	case ClassEnum:
		return fmt.Sprintf("enum[%d]", len(t.Members))
	default:
		return fmt.Sprintf("class(%d)[%d]", t.Class, t.Size)
	}
}

// Encode writes a version 1 datatype message.
func (t Datatype) Encode() ([]byte, error) {
	var bits [3]byte
	var props []byte
	if t.BigEndian {
		bits[0] |= 0x01
	}
	switch t.Class {
	case ClassFixedPoint:
		if t.Signed {
			bits[0] |= 0x08
		}
		props = appendU16(props, t.BitOffset)
		props = appendU16(props, t.Precision)
	case ClassFloatingPoint:
		var expLoc, expSize, mantSize uint8
		var bias uint32
		switch t.Size {
		case 4:
			expLoc, expSize, mantSize, bias = 23, 8, 23, 127
		case 8:
			expLoc, expSize, mantSize, bias = 52, 11, 52, 1023
		default:
			return nil, errors.E(errors.NotSupported, fmt.Sprintf("floating point of %d bytes", t.Size))
		}
		bits[0] |= 0x20              // implied leading mantissa bit
		bits[1] = uint8(t.Size*8 - 1) // sign location
		props = appendU16(props, t.BitOffset)
		props = appendU16(props, t.Precision)
		props = append(props, expLoc, expSize, 0, mantSize)
		props = appendU32(props, bias)
	case ClassString:
		bits[0] = t.Padding & 0x0F
	case ClassOpaque:
		tag := append([]byte(t.Tag), 0)
		tag = appendPadded(nil, tag)
		if len(tag) > 0xFF {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("opaque tag of %d bytes", len(tag)))
		}
		bits[0] = uint8(len(tag))
		props = tag
	case ClassEnum:
		if t.Base == nil || t.Base.Class != ClassFixedPoint {
			return nil, errors.E(errors.Invalid, "enumeration without an integer base type")
		}
		if len(t.Members) > 0xFFFF {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("enumeration of %d members", len(t.Members)))
		}
		bits[0] = uint8(len(t.Members))
		bits[1] = uint8(len(t.Members) >> 8)
		base, err := t.Base.Encode()
		if err != nil {
			return nil, err
		}
		props = base
		for _, m := range t.Members {
			props = appendPadded(props, append([]byte(m.Name), 0))
		}
		for _, m := range t.Members {
			if len(m.Value) != int(t.Base.Size) {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("enumeration member %s has %d bytes", m.Name, len(m.Value)))
			}
			props = append(props, m.Value...)
		}
	default:
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("encode datatype class %d", t.Class))
	}

	b := make([]byte, 0, 8+len(props))
	b = append(b, 0x10|uint8(t.Class))
	b = append(b, bits[:]...)
	b = appendU32(b, t.Size)
	return append(b, props...), nil
}

// ParseDatatype decodes a datatype message of version 1 to 3.
func ParseDatatype(data []byte) (t Datatype, err error) {
	defer thrower.RecoverError(&err)
	d := newDecoder(data, "datatype message")
	t = d.datatype(0)
	return t, nil
}

func (d *decoder) datatype(depth int) Datatype {
	if depth > 8 {
		d.fail("nested too deep")
	}
	head := d.u8()
	version := head >> 4
	if version < 1 || version > 3 {
		d.unsupported("version %d", version)
	}
	t := Datatype{Class: DatatypeClass(head & 0x0F)}
	bits := d.take(3)
	t.Size = d.u32()
	t.BigEndian = bits[0]&0x01 != 0

	switch t.Class {
	case ClassFixedPoint:
		t.Signed = bits[0]&0x08 != 0
		t.BitOffset = d.u16()
		t.Precision = d.u16()
	case ClassFloatingPoint:
		if bits[0]&0x40 != 0 {
			d.unsupported("VAX byte order")
		}
		t.BitOffset = d.u16()
		t.Precision = d.u16()
		d.skip(8) // exponent and mantissa layout, bias
	case ClassString:
		t.Padding = bits[0] & 0x0F
	case ClassOpaque:
		n := int(bits[0])
		t.Tag = d.cstring(n)
	case ClassEnum:
		n := int(bits[0]) | int(bits[1])<<8
		base := d.datatype(depth + 1)
		if base.Class != ClassFixedPoint {
			d.unsupported("enumeration over %s", base)
		}
		t.Base = &base
		t.Members = make([]EnumMember, n)
		for i := range t.Members {
			nameStart := d.off
			t.Members[i].Name = d.cstringUnbounded()
			if version < 3 {
				d.align(nameStart)
			}
		}
		for i := range t.Members {
			t.Members[i].Value = append([]byte(nil), d.take(int(base.Size))...)
		}
	default:
		d.unsupported("class %d", t.Class)
	}
	return t
}

// cstringUnbounded reads a NUL-terminated string and its terminator.
func (d *decoder) cstringUnbounded() string {
	for i := d.off; i < len(d.b); i++ {
		if d.b[i] == 0 {
			s := string(d.b[d.off:i])
			d.off = i + 1
			return s
		}
	}
	d.fail("unterminated name")
	return ""
}
