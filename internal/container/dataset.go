package container

import (
	"context"
	"fmt"
	"slices"

	"github.com/grailbio/base/errors"
	"github.com/scigolib/splash/internal/core"
	"github.com/scigolib/splash/internal/utils"
)

// Dataset is an n-dimensional array of fixed-size elements stored in row
// major order, slowest axis first.
//
// Contiguous payloads of an opened image are read row by row on demand.
// Chunked and compact payloads are decoded as a whole on first access.
// Modified payloads stay in memory until the file is flushed.
type Dataset struct {
	attrSet
	name    string
	file    *File
	typ     Type
	dims    []uint64
	maxDims []uint64
	filters []FilterSpec
	data    []byte // decoded payload, nil until loaded
	st      storage
}

type datasetConfig struct {
	maxDims []uint64
	filters []FilterSpec
}

// DatasetOption configures CreateDataset.
type DatasetOption func(*datasetConfig)

// WithMaxDims sets the maximum extent the dataset may be resized to. Axes
// set to Unlimited can grow without bound. The default is the initial extent.
func WithMaxDims(maxDims []uint64) DatasetOption {
	return func(c *datasetConfig) {
		c.maxDims = append([]uint64(nil), maxDims...)
	}
}

// WithFilters sets the filter pipeline applied to the payload, in write order.
func WithFilters(specs ...FilterSpec) DatasetOption {
	return func(c *datasetConfig) {
		c.filters = append(c.filters, specs...)
	}
}

func newDataset(f *File, name string, typ Type, dims []uint64, opts []DatasetOption) (*Dataset, error) {
	if !typ.Valid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid element type %s", typ))
	}
	if len(dims) > utils.MaxRank {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("rank %d exceeds limit %d", len(dims), utils.MaxRank))
	}
	cfg := datasetConfig{maxDims: append([]uint64(nil), dims...)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.maxDims) != len(dims) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("maximum extent %v does not match extent %v", cfg.maxDims, dims))
	}
	for i := range dims {
		if dims[i] > cfg.maxDims[i] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("extent %v exceeds maximum %v", dims, cfg.maxDims))
		}
	}
	if _, err := PipelineFromSpecs(cfg.filters); err != nil {
		return nil, err
	}
	if len(cfg.filters) > 0 && len(dims) == 0 {
		return nil, errors.E(errors.Invalid, "filters need a dataset of rank 1 or more")
	}
	size, err := utils.ExtentBytes(dims, uint64(typ.Size))
	if err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	return &Dataset{
		attrSet: attrSet{file: f},
		name:    name,
		file:    f,
		typ:     typ,
		dims:    append([]uint64(nil), dims...),
		maxDims: cfg.maxDims,
		filters: cfg.filters,
		data:    make([]byte, size),
	}, nil
}

// Name returns the dataset's name within its group.
func (d *Dataset) Name() string {
	return d.name
}

// Type returns the element type.
func (d *Dataset) Type() Type {
	return d.typ
}

// Dims returns the current extent.
func (d *Dataset) Dims() []uint64 {
	return append([]uint64(nil), d.dims...)
}

// MaxDims returns the maximum extent.
func (d *Dataset) MaxDims() []uint64 {
	return append([]uint64(nil), d.maxDims...)
}

// Filters returns the filter pipeline in write order.
func (d *Dataset) Filters() []FilterSpec {
	return append([]FilterSpec(nil), d.filters...)
}

func (d *Dataset) elem() uint64 {
	return uint64(d.typ.Size)
}

// WriteSlab copies the elements srcSel selects from src, an array of extent
// srcDims, to the elements fileSel selects in the dataset.
func (d *Dataset) WriteSlab(ctx context.Context, fileSel Slab, src []byte, srcDims []uint64, srcSel Slab) error {
	if err := d.file.mutable(); err != nil {
		return err
	}
	if err := d.load(ctx); err != nil {
		return err
	}
	n, err := checkPair(d.dims, fileSel, len(d.data), srcDims, srcSel, len(src), d.elem())
	if err != nil {
		return errors.E(fmt.Sprintf("write dataset %s", d.name), err)
	}
	if n == 0 {
		return nil
	}
	return copySlab(d.data, d.dims, fileSel, src, srcDims, srcSel, d.elem())
}

// ReadSlab copies the elements fileSel selects in the dataset to the
// elements dstSel selects in dst, an array of extent dstDims.
func (d *Dataset) ReadSlab(ctx context.Context, fileSel Slab, dst []byte, dstDims []uint64, dstSel Slab) error {
	if err := d.file.readable(); err != nil {
		return err
	}
	size, err := utils.ExtentBytes(d.dims, d.elem())
	if err != nil {
		return errors.E(errors.Integrity, err)
	}
	n, err := checkPair(d.dims, fileSel, int(size), dstDims, dstSel, len(dst), d.elem()) //nolint:gosec // G115: extent of a validated dataset
	if err != nil {
		return errors.E(fmt.Sprintf("read dataset %s", d.name), err)
	}
	if n == 0 {
		return nil
	}
	if d.data == nil && d.st.class == core.LayoutContiguous && d.st.seg.Size > 0 {
		return readSlabAt(d.file.img, d.st.seg.Offset, d.dims, fileSel, dst, dstDims, dstSel, d.elem())
	}
	if err := d.load(ctx); err != nil {
		return err
	}
	return copySlab(dst, dstDims, dstSel, d.data, d.dims, fileSel, d.elem())
}

// ReadAll returns a copy of the whole payload.
func (d *Dataset) ReadAll(ctx context.Context) ([]byte, error) {
	if err := d.file.readable(); err != nil {
		return nil, err
	}
	if err := d.load(ctx); err != nil {
		return nil, err
	}
	return append([]byte(nil), d.data...), nil
}

// Resize changes the extent within the maximum extent. Elements inside both
// the old and new extent keep their values; new elements are zero.
func (d *Dataset) Resize(ctx context.Context, dims []uint64) error {
	if err := d.file.mutable(); err != nil {
		return err
	}
	if len(dims) != len(d.dims) {
		return errors.E(errors.Invalid, fmt.Sprintf("resize %s: rank %d, dataset has rank %d", d.name, len(dims), len(d.dims)))
	}
	for i := range dims {
		if dims[i] > d.maxDims[i] {
			return errors.E(errors.Invalid, fmt.Sprintf("resize %s: extent %v exceeds maximum %v", d.name, dims, d.maxDims))
		}
	}
	if err := d.load(ctx); err != nil {
		return err
	}
	size, err := utils.ExtentBytes(dims, d.elem())
	if err != nil {
		return errors.E(errors.Invalid, err)
	}
	data := make([]byte, size)
	keep := make([]uint64, len(dims))
	for i := range dims {
		keep[i] = min(dims[i], d.dims[i])
	}
	box := Box(make([]uint64, len(dims)), keep)
	if n, _ := box.Elements(); n > 0 {
		if err := copySlab(data, dims, box, d.data, d.dims, box, d.elem()); err != nil {
			return err
		}
	}
	d.data = data
	d.dims = append([]uint64(nil), dims...)
	return nil
}

// load decodes the stored payload into memory. Storage that was never
// allocated reads as zeros.
func (d *Dataset) load(context.Context) error {
	if d.data != nil {
		return nil
	}
	size, err := utils.ExtentBytes(d.dims, d.elem())
	if err != nil {
		return errors.E(errors.Integrity, err)
	}
	switch d.st.class {
	case core.LayoutCompact:
		d.data = append(make([]byte, 0, size), d.st.compact...)
	case core.LayoutChunked:
		data, err := d.loadChunks(size)
		if err != nil {
			return err
		}
		d.data = data
	default:
		data := make([]byte, size)
		if d.st.seg.Size > 0 {
			if err := readFullAt(d.file.img, data, d.st.seg.Offset); err != nil {
				return err
			}
		}
		d.data = data
	}
	return nil
}

// loadChunks assembles the payload from its chunks. Chunks may reach past
// the extent; only the part inside it is kept.
func (d *Dataset) loadChunks(size uint64) ([]byte, error) {
	data := make([]byte, size)
	if len(d.st.chunks) == 0 {
		return data, nil
	}
	var fp *FilterPipeline
	if len(d.filters) > 0 {
		var err error
		if fp, err = PipelineFromSpecs(d.filters); err != nil {
			return nil, errors.E(fmt.Sprintf("dataset %s", d.name), err)
		}
	}
	chunkBytes, err := utils.ExtentBytes(d.st.chunkDims, d.elem())
	if err != nil {
		return nil, errors.E(errors.Integrity, err)
	}
	rank := len(d.dims)
	for _, c := range d.st.chunks {
		raw := make([]byte, c.Size)
		if err := readFullAt(d.file.img, raw, c.Address); err != nil {
			return nil, err
		}
		if fp != nil {
			if raw, err = fp.RemoveMasked(raw, c.FilterMask); err != nil {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("dataset %s: chunk at %v", d.name, c.Offset[:rank]), err)
			}
		}
		if uint64(len(raw)) != chunkBytes {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("dataset %s: chunk of %d bytes, expected %d", d.name, len(raw), chunkBytes))
		}
		start, count := c.Offset[:rank], make([]uint64, rank)
		inside := true
		for i := range count {
			if start[i] >= d.dims[i] {
				inside = false
				break
			}
			count[i] = min(d.st.chunkDims[i], d.dims[i]-start[i])
		}
		if !inside {
			continue
		}
		if err := copySlab(data, d.dims, Box(start, count), raw, d.st.chunkDims, Box(make([]uint64, rank), count), d.elem()); err != nil {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("dataset %s", d.name), err)
		}
	}
	return data, nil
}

// stored returns the payload in the form Flush writes it: the raw elements,
// passed through the filter pipeline if there is one. It is empty when the
// dataset has no elements. An unmodified payload that is already stored in
// that form is copied without decoding.
func (d *Dataset) stored(ctx context.Context) ([]byte, error) {
	size, err := utils.ExtentBytes(d.dims, d.elem())
	if err != nil {
		return nil, errors.E(errors.Integrity, err)
	}
	if size == 0 {
		return nil, nil
	}
	if d.data == nil {
		if raw, ok, err := d.storedAsIs(); ok || err != nil {
			return raw, err
		}
		if err := d.load(ctx); err != nil {
			return nil, err
		}
	}
	if len(d.filters) == 0 {
		return d.data, nil
	}
	fp, err := PipelineFromSpecs(d.filters)
	if err != nil {
		return nil, err
	}
	return fp.Apply(d.data)
}

func (d *Dataset) storedAsIs() ([]byte, bool, error) {
	var seg Segment
	switch st := d.st; {
	case st.class == core.LayoutContiguous && st.seg.Size > 0:
		seg = st.seg
	case st.class == core.LayoutChunked && len(st.chunks) == 1 && st.chunks[0].FilterMask == 0 &&
		slices.Equal(st.chunkDims, d.dims) && !slices.ContainsFunc(st.chunks[0].Offset, func(o uint64) bool { return o != 0 }):
		seg = Segment{Offset: st.chunks[0].Address, Size: uint64(st.chunks[0].Size)}
	default:
		return nil, false, nil
	}
	raw := make([]byte, seg.Size)
	if err := readFullAt(d.file.img, raw, seg.Offset); err != nil {
		return nil, true, err
	}
	return raw, true, nil
}
