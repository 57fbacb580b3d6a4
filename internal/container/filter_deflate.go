package container

import (
	"bytes"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/zlib"
)

// DeflateFilter compresses payloads with DEFLATE in zlib framing, the form
// HDF5 registers as filter 1. Its single parameter is the compression level:
//
//	1 = fastest, used by the collectors when compression is enabled
//	6 = balanced (default)
//	9 = best compression, slower
type DeflateFilter struct {
	level int
}

// newDeflateFilter builds the filter from its stored parameters. An empty
// parameter list selects level 6.
func newDeflateFilter(params []uint32) (*DeflateFilter, error) {
	level := uint32(6)
	switch len(params) {
	case 0:
	case 1:
		level = params[0]
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("deflate filter takes one parameter, got %v", params))
	}
	if level > 9 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("deflate level %d outside 0..9", level))
	}
	return &DeflateFilter{level: int(level)}, nil
}

// ID returns FilterDeflate.
func (f *DeflateFilter) ID() FilterID {
	return FilterDeflate
}

// Name returns "deflate".
func (f *DeflateFilter) Name() string {
	return "deflate"
}

// Apply compresses data.
func (f *DeflateFilter) Apply(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data) / 2)

	w, err := zlib.NewWriterLevel(&buf, f.level)
	if err != nil {
		return nil, fmt.Errorf("deflate level %d: %w", f.level, err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	return buf.Bytes(), nil
}

// Remove inflates data produced by Apply or by any zlib encoder.
func (f *DeflateFilter) Remove(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	return out, nil
}

// Encode returns the compression level.
func (f *DeflateFilter) Encode() []uint32 {
	return []uint32{uint32(f.level)} //nolint:gosec // G115: level is 0..9
}
