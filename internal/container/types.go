package container

import (
	"fmt"
	"math"
)

// TypeClass is the family of an element type.
type TypeClass uint8

// Element type classes.
const (
	ClassInvalid TypeClass = iota
	ClassInteger
	ClassUnsigned
	ClassFloat
	ClassBool
	ClassString
	ClassOpaque
)

func (c TypeClass) String() string {
	switch c {
	case ClassInteger:
		return "int"
	case ClassUnsigned:
		return "uint"
	case ClassFloat:
		return "float"
	case ClassBool:
		return "bool"
	case ClassString:
		return "string"
	case ClassOpaque:
		return "opaque"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Type describes the elements of a dataset or attribute. All numeric types
// are stored little-endian.
type Type struct {
	Class TypeClass
	Size  uint32
}

// Predefined element types.
var (
	Int8    = Type{ClassInteger, 1}
	Int16   = Type{ClassInteger, 2}
	Int32   = Type{ClassInteger, 4}
	Int64   = Type{ClassInteger, 8}
	Uint8   = Type{ClassUnsigned, 1}
	Uint16  = Type{ClassUnsigned, 2}
	Uint32  = Type{ClassUnsigned, 4}
	Uint64  = Type{ClassUnsigned, 8}
	Float32 = Type{ClassFloat, 4}
	Float64 = Type{ClassFloat, 8}
	Bool    = Type{ClassBool, 1}
)

// StringType is a fixed-length string of n bytes.
func StringType(n uint32) Type {
	return Type{ClassString, n}
}

// OpaqueType is an uninterpreted element of n bytes.
func OpaqueType(n uint32) Type {
	return Type{ClassOpaque, n}
}

// Valid reports whether t can describe stored elements.
func (t Type) Valid() bool {
	if t.Size == 0 {
		return false
	}
	switch t.Class {
	case ClassInteger, ClassUnsigned:
		return t.Size == 1 || t.Size == 2 || t.Size == 4 || t.Size == 8
	case ClassFloat:
		return t.Size == 4 || t.Size == 8
	case ClassBool:
		return t.Size == 1
	case ClassString, ClassOpaque:
		return true
	default:
		return false
	}
}

func (t Type) String() string {
	switch t.Class {
	case ClassInteger, ClassUnsigned, ClassFloat:
		return fmt.Sprintf("%s%d", t.Class, t.Size*8)
	default:
		return fmt.Sprintf("%s[%d]", t.Class, t.Size)
	}
}

// Unlimited marks an axis of a dataset's maximum extent that can grow
// without bound.
const Unlimited = uint64(math.MaxUint64)
