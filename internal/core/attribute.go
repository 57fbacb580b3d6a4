package core

import (
	"fmt"

	"github.com/batchatco/go-thrower"
	"github.com/grailbio/base/errors"
)

// Attribute is a decoded attribute message.
type Attribute struct {
	Name      string
	Datatype  Datatype
	Dataspace Dataspace
	Data      []byte
}

// Encode writes a version 3 attribute message.
func (a *Attribute) Encode() ([]byte, error) {
	if a.Name == "" {
		return nil, errors.E(errors.Invalid, "attribute without a name")
	}
	dt, err := a.Datatype.Encode()
	if err != nil {
		return nil, errors.E(fmt.Sprintf("attribute %s", a.Name), err)
	}
	ds := a.Dataspace.Encode()
	name := len(a.Name) + 1
	if name > 0xFFFF || len(dt) > 0xFFFF {
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("attribute %s: name or type too long", a.Name))
	}
	b := make([]byte, 0, 9+name+len(dt)+len(ds)+len(a.Data))
	b = append(b, 3, 0)
	b = appendU16(b, uint16(name))    //nolint:gosec // G115: checked above
	b = appendU16(b, uint16(len(dt))) //nolint:gosec // G115: checked above
	b = appendU16(b, uint16(len(ds))) //nolint:gosec // G115: rank is limited
	b = append(b, 0)                  // ASCII
	b = append(b, a.Name...)
	b = append(b, 0)
	b = append(b, dt...)
	b = append(b, ds...)
	return append(b, a.Data...), nil
}

// ParseAttribute decodes an attribute message of version 1 to 3. Data holds
// whatever follows the dataspace; callers check it against the extent.
func ParseAttribute(data []byte) (a *Attribute, err error) {
	defer thrower.RecoverError(&err)
	d := newDecoder(data, "attribute message")
	version := d.u8()
	if version < 1 || version > 3 {
		d.unsupported("version %d", version)
	}
	d.skip(1)
	nameLen := int(d.u16())
	dtLen := int(d.u16())
	dsLen := int(d.u16())
	if version == 3 {
		d.skip(1) // name character set
	}

	a = &Attribute{}
	field := func(n int) []byte {
		start := d.off
		p := d.take(n)
		if version == 1 {
			d.align(start)
		}
		return p
	}
	if nameLen == 0 {
		d.fail("empty name")
	}
	a.Name = newDecoder(field(nameLen), "attribute name").cstring(nameLen)
	if a.Datatype, err = ParseDatatype(field(dtLen)); err != nil {
		thrower.Throw(errors.E(fmt.Sprintf("attribute %s", a.Name), err))
	}
	if a.Dataspace, err = ParseDataspace(field(dsLen)); err != nil {
		thrower.Throw(errors.E(fmt.Sprintf("attribute %s", a.Name), err))
	}
	a.Data = append([]byte(nil), d.take(d.remaining())...)
	return a, nil
}
