package container

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/scigolib/splash/internal/utils"
)

// Slab is a hyperslab selection: Count elements per axis starting at Start,
// Stride apart. A nil Stride selects contiguous elements. Axes are ordered
// slowest first, like dataset extents.
type Slab struct {
	Start  []uint64
	Count  []uint64
	Stride []uint64
}

// Box selects the contiguous block of count elements at start.
func Box(start, count []uint64) Slab {
	return Slab{Start: start, Count: count}
}

// Whole selects every element of an extent.
func Whole(dims []uint64) Slab {
	return Slab{Start: make([]uint64, len(dims)), Count: append([]uint64(nil), dims...)}
}

func (s Slab) rank() int {
	return len(s.Count)
}

func (s Slab) strides() []uint64 {
	if s.Stride != nil {
		return s.Stride
	}
	ones := make([]uint64, len(s.Count))
	for i := range ones {
		ones[i] = 1
	}
	return ones
}

// Elements returns the number of selected elements.
func (s Slab) Elements() (uint64, error) {
	return utils.SlabElements(s.Count)
}

// within checks that the selection fits the extent dims.
func (s Slab) within(dims []uint64) error {
	if len(s.Start) != len(s.Count) {
		return errors.E(errors.Invalid, fmt.Sprintf("hyperslab start has rank %d, count has rank %d", len(s.Start), len(s.Count)))
	}
	if err := utils.ValidateSlabBounds(s.Start, s.Count, s.strides(), dims); err != nil {
		return errors.E(errors.Invalid, err)
	}
	return nil
}

// pitches returns the byte distance between neighbours along each axis of a
// row-major extent.
func pitches(dims []uint64, elem uint64) []uint64 {
	p := make([]uint64, len(dims))
	step := elem
	for i := len(dims) - 1; i >= 0; i-- {
		p[i] = step
		step *= dims[i]
	}
	return p
}

// eachRow calls fn with the leading indices of every row of count, i.e. every
// combination of all axes but the last.
func eachRow(count []uint64, fn func(idx []uint64) error) error {
	for _, c := range count {
		if c == 0 {
			return nil
		}
	}
	if len(count) == 0 {
		return fn(nil)
	}
	idx := make([]uint64, len(count)-1)
	for {
		if err := fn(idx); err != nil {
			return err
		}
		i := len(idx) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < count[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return nil
		}
	}
}

// rowOffset returns the byte offset of the first element of the row idx.
func rowOffset(sel Slab, stride, pitch []uint64, idx []uint64) uint64 {
	var off uint64
	for i, x := range idx {
		off += (sel.Start[i] + x*stride[i]) * pitch[i]
	}
	last := sel.rank() - 1
	return off + sel.Start[last]*pitch[last]
}

// copySlab copies the elements selected by srcSel in src (extent srcDims)
// to the elements selected by dstSel in dst (extent dstDims). Both
// selections must have the same count.
func copySlab(dst []byte, dstDims []uint64, dstSel Slab, src []byte, srcDims []uint64, srcSel Slab, elem uint64) error {
	if dstSel.rank() == 0 {
		copy(dst[:elem], src[:elem])
		return nil
	}
	dstStride, srcStride := dstSel.strides(), srcSel.strides()
	dstPitch, srcPitch := pitches(dstDims, elem), pitches(srcDims, elem)
	last := dstSel.rank() - 1
	n := dstSel.Count[last]

	return eachRow(dstSel.Count, func(idx []uint64) error {
		d := rowOffset(dstSel, dstStride, dstPitch, idx)
		s := rowOffset(srcSel, srcStride, srcPitch, idx)
		if dstStride[last] == 1 && srcStride[last] == 1 {
			copy(dst[d:d+n*elem], src[s:s+n*elem])
			return nil
		}
		for j := uint64(0); j < n; j++ {
			dj := d + j*dstStride[last]*elem
			sj := s + j*srcStride[last]*elem
			copy(dst[dj:dj+elem], src[sj:sj+elem])
		}
		return nil
	})
}

// readSlabAt is copySlab for a source that is not in memory: every row of
// srcSel is fetched with one ranged read relative to base.
func readSlabAt(r utils.ReaderAt, base uint64, srcDims []uint64, srcSel Slab, dst []byte, dstDims []uint64, dstSel Slab, elem uint64) error {
	if dstSel.rank() == 0 {
		return readFullAt(r, dst[:elem], base)
	}
	dstStride, srcStride := dstSel.strides(), srcSel.strides()
	dstPitch, srcPitch := pitches(dstDims, elem), pitches(srcDims, elem)
	last := dstSel.rank() - 1
	n := dstSel.Count[last]
	span := ((n-1)*srcStride[last] + 1) * elem

	row := utils.GetBuffer(int(span)) //nolint:gosec // G115: span is bounded by the dataset size
	defer utils.ReleaseBuffer(row)

	return eachRow(dstSel.Count, func(idx []uint64) error {
		d := rowOffset(dstSel, dstStride, dstPitch, idx)
		s := rowOffset(srcSel, srcStride, srcPitch, idx)
		if err := readFullAt(r, row, base+s); err != nil {
			return err
		}
		if dstStride[last] == 1 && srcStride[last] == 1 {
			copy(dst[d:d+n*elem], row)
			return nil
		}
		for j := uint64(0); j < n; j++ {
			dj := d + j*dstStride[last]*elem
			sj := j * srcStride[last] * elem
			copy(dst[dj:dj+elem], row[sj:sj+elem])
		}
		return nil
	})
}

func readFullAt(r utils.ReaderAt, p []byte, off uint64) error {
	n, err := r.ReadAt(p, int64(off)) //nolint:gosec // G115: offsets come from validated layouts
	if n == len(p) {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("short read at %d: %d of %d bytes", off, n, len(p))
	}
	return errors.E(errors.Integrity, "read payload", err)
}

// checkPair validates a pair of selections against their extents and
// buffers before any bytes move.
func checkPair(aDims []uint64, a Slab, aLen int, bDims []uint64, b Slab, bLen int, elem uint64) (uint64, error) {
	if a.rank() != len(aDims) || b.rank() != len(bDims) {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("selection rank %d/%d does not match extent rank %d/%d", a.rank(), b.rank(), len(aDims), len(bDims)))
	}
	if a.rank() != b.rank() {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("selections have rank %d and %d", a.rank(), b.rank()))
	}
	for i := range a.Count {
		if a.Count[i] != b.Count[i] {
			return 0, errors.E(errors.Invalid, fmt.Sprintf("selection counts differ on axis %d: %d vs %d", i, a.Count[i], b.Count[i]))
		}
	}
	if err := a.within(aDims); err != nil {
		return 0, err
	}
	if err := b.within(bDims); err != nil {
		return 0, err
	}
	for _, side := range []struct {
		dims []uint64
		n    int
	}{{aDims, aLen}, {bDims, bLen}} {
		size, err := utils.ExtentBytes(side.dims, elem)
		if err != nil {
			return 0, errors.E(errors.Invalid, err)
		}
		if uint64(side.n) < size {
			return 0, errors.E(errors.Invalid, fmt.Sprintf("buffer of %d bytes is smaller than its extent (%d bytes)", side.n, size))
		}
	}
	return a.Elements()
}

// CopySlab is copySlab for callers outside the package. Both selections are
// validated first.
func CopySlab(dst []byte, dstDims []uint64, dstSel Slab, src []byte, srcDims []uint64, srcSel Slab, elem uint64) error {
	n, err := checkPair(dstDims, dstSel, len(dst), srcDims, srcSel, len(src), elem)
	if err != nil || n == 0 {
		return err
	}
	return copySlab(dst, dstDims, dstSel, src, srcDims, srcSel, elem)
}
