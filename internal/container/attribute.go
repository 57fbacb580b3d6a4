package container

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/scigolib/splash/internal/utils"
)

// Attribute is a small typed value attached to a group or dataset.
type Attribute struct {
	Name string
	Type Type
	Dims []uint64 // nil for a scalar
	Data []byte
}

// Int32Attr builds a scalar int32 attribute.
func Int32Attr(name string, v int32) Attribute {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(v))
	return Attribute{Name: name, Type: Int32, Data: data}
}

// Uint64Attr builds a scalar uint64 attribute.
func Uint64Attr(name string, v uint64) Attribute {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, v)
	return Attribute{Name: name, Type: Uint64, Data: data}
}

// TripleAttr builds a 3-element uint64 attribute.
func TripleAttr(name string, v [3]uint64) Attribute {
	data := make([]byte, 24)
	for i, x := range v {
		binary.LittleEndian.PutUint64(data[i*8:], x)
	}
	return Attribute{Name: name, Type: Uint64, Dims: []uint64{3}, Data: data}
}

// BoolAttr builds a scalar boolean attribute.
func BoolAttr(name string, v bool) Attribute {
	data := []byte{0}
	if v {
		data[0] = 1
	}
	return Attribute{Name: name, Type: Bool, Data: data}
}

// StringAttr builds a fixed-length string attribute.
func StringAttr(name, v string) Attribute {
	n := uint32(len(v)) //nolint:gosec // G115: attribute size is validated on set
	if n == 0 {
		n = 1
	}
	data := make([]byte, n)
	copy(data, v)
	return Attribute{Name: name, Type: StringType(n), Data: data}
}

// Int32 decodes a scalar int32 attribute.
func (a Attribute) Int32() (int32, error) {
	if a.Type != Int32 || len(a.Data) != 4 {
		return 0, a.typeError("int32")
	}
	return int32(binary.LittleEndian.Uint32(a.Data)), nil //nolint:gosec // G115: bit pattern round trip
}

// Uint64 decodes a scalar uint64 attribute.
func (a Attribute) Uint64() (uint64, error) {
	if a.Type != Uint64 || len(a.Data) != 8 {
		return 0, a.typeError("uint64")
	}
	return binary.LittleEndian.Uint64(a.Data), nil
}

// Triple decodes a 3-element uint64 attribute.
func (a Attribute) Triple() ([3]uint64, error) {
	var v [3]uint64
	if a.Type != Uint64 || len(a.Data) != 24 {
		return v, a.typeError("uint64[3]")
	}
	for i := range v {
		v[i] = binary.LittleEndian.Uint64(a.Data[i*8:])
	}
	return v, nil
}

// Bool decodes a scalar boolean attribute.
func (a Attribute) Bool() (bool, error) {
	if a.Type != Bool || len(a.Data) != 1 {
		return false, a.typeError("bool")
	}
	return a.Data[0] != 0, nil
}

// Text decodes a string attribute, dropping trailing NUL padding.
func (a Attribute) Text() (string, error) {
	if a.Type.Class != ClassString {
		return "", a.typeError("string")
	}
	end := len(a.Data)
	for end > 0 && a.Data[end-1] == 0 {
		end--
	}
	return string(a.Data[:end]), nil
}

func (a Attribute) typeError(want string) error {
	return errors.E(errors.Invalid, fmt.Sprintf("attribute %s: stored as %s%v, not %s", a.Name, a.Type, a.Dims, want))
}

func (a Attribute) validate() error {
	if err := validName(a.Name); err != nil {
		return err
	}
	if !a.Type.Valid() {
		return errors.E(errors.Invalid, fmt.Sprintf("attribute %s: invalid type %s", a.Name, a.Type))
	}
	size, err := utils.ExtentBytes(a.Dims, uint64(a.Type.Size))
	if err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("attribute %s", a.Name), err)
	}
	if err := utils.ValidateBufferSize(size, utils.MaxAttributeSize, "attribute "+a.Name); err != nil {
		return errors.E(errors.Invalid, err)
	}
	if uint64(len(a.Data)) != size {
		return errors.E(errors.Invalid, fmt.Sprintf("attribute %s: %d bytes of data for %d expected", a.Name, len(a.Data), size))
	}
	return nil
}

// attrSet is the ordered attribute list shared by groups and datasets.
type attrSet struct {
	file  *File
	attrs []Attribute
}

// SetAttr creates or replaces an attribute.
func (s *attrSet) SetAttr(a Attribute) error {
	if err := s.file.mutable(); err != nil {
		return err
	}
	if err := a.validate(); err != nil {
		return err
	}
	a.Data = append([]byte(nil), a.Data...)
	for i := range s.attrs {
		if s.attrs[i].Name == a.Name {
			s.attrs[i] = a
			return nil
		}
	}
	s.attrs = append(s.attrs, a)
	return nil
}

// Attr returns the named attribute.
func (s *attrSet) Attr(name string) (Attribute, error) {
	for _, a := range s.attrs {
		if a.Name == name {
			return a, nil
		}
	}
	return Attribute{}, errors.E(errors.NotExist, fmt.Sprintf("attribute %s", name))
}

// HasAttr reports whether the named attribute exists.
func (s *attrSet) HasAttr(name string) bool {
	_, err := s.Attr(name)
	return err == nil
}

// DeleteAttr removes the named attribute.
func (s *attrSet) DeleteAttr(name string) error {
	if err := s.file.mutable(); err != nil {
		return err
	}
	for i := range s.attrs {
		if s.attrs[i].Name == name {
			s.attrs = append(s.attrs[:i], s.attrs[i+1:]...)
			return nil
		}
	}
	return errors.E(errors.NotExist, fmt.Sprintf("attribute %s", name))
}

// AttrNames returns the attribute names in sorted order.
func (s *attrSet) AttrNames() []string {
	names := make([]string, 0, len(s.attrs))
	for _, a := range s.attrs {
		names = append(names, a.Name)
	}
	sort.Strings(names)
	return names
}
