package core

import (
	"fmt"

	"github.com/batchatco/go-thrower"
	"github.com/grailbio/base/errors"
)

// FilterOptional marks a filter that may be skipped when it fails.
const FilterOptional = 0x0001

// FilterInfo is one entry of a filter pipeline message.
type FilterInfo struct {
	ID     uint16
	Name   string
	Flags  uint16
	Params []uint32
}

const maxFilters = 32

// EncodeFilterPipeline writes a version 2 filter pipeline message. Names are
// only stored for filters outside the predefined range, as the format
// requires.
func EncodeFilterPipeline(filters []FilterInfo) ([]byte, error) {
	if len(filters) == 0 || len(filters) > maxFilters {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("pipeline of %d filters", len(filters)))
	}
	b := []byte{2, uint8(len(filters))}
	for _, f := range filters {
		if len(f.Params) > 0xFFFF {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("filter %d with %d parameters", f.ID, len(f.Params)))
		}
		b = appendU16(b, f.ID)
		var name []byte
		if f.ID >= 256 && f.Name != "" {
			name = append([]byte(f.Name), 0)
		}
		if f.ID >= 256 {
			b = appendU16(b, uint16(len(name))) //nolint:gosec // G115: filter names are short
		}
		b = appendU16(b, f.Flags)
		b = appendU16(b, uint16(len(f.Params))) //nolint:gosec // G115: checked above
		b = append(b, name...)
		for _, p := range f.Params {
			b = appendU32(b, p)
		}
	}
	return b, nil
}

// ParseFilterPipeline decodes a version 1 or 2 filter pipeline message.
func ParseFilterPipeline(data []byte) (filters []FilterInfo, err error) {
	defer thrower.RecoverError(&err)
	d := newDecoder(data, "filter pipeline message")
	version := d.u8()
	n := int(d.u8())
	if n > maxFilters {
		d.fail("%d filters", n)
	}
	switch version {
	case 1:
		d.skip(6)
	case 2:
	default:
		d.unsupported("version %d", version)
	}
	for ; n > 0; n-- {
		var f FilterInfo
		f.ID = d.u16()
		nameLen := 0
		if version == 1 || f.ID >= 256 {
			nameLen = int(d.u16())
		}
		f.Flags = d.u16()
		params := int(d.u16())
		if nameLen > 0 {
			f.Name = d.cstring(nameLen)
			if version == 1 && nameLen%8 != 0 {
				d.skip(8 - nameLen%8)
			}
		}
		f.Params = make([]uint32, params)
		for i := range f.Params {
			f.Params[i] = d.u32()
		}
		if version == 1 && params%2 != 0 {
			d.skip(4)
		}
		filters = append(filters, f)
	}
	return filters, nil
}
