package splash

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/scigolib/splash/internal/container"
)

// blockSource locates the blocks of a series for the read driver.
type blockSource interface {
	// readGrid returns the writer grid to search.
	readGrid() Dimensions
	// blockFile returns the file holding the block of writer position pos
	// in iteration id.
	blockFile(ctx context.Context, id int32, pos Dimensions) (*container.File, error)
	// session identifies the current open state; lazy entries of an older
	// session are invalid.
	session() uint64
}

type blockRef struct {
	d    *container.Dataset
	info blockInfo
}

func openBlock(ctx context.Context, src blockSource, id int32, pos Dimensions, path string) (blockRef, error) {
	f, err := src.blockFile(ctx, id, pos)
	if err != nil {
		return blockRef{}, err
	}
	d, err := openDataset(f, id, path)
	if err != nil {
		return blockRef{}, err
	}
	info, err := readBlockInfo(d, fmt.Sprintf("%s at writer %v", path, pos))
	if err != nil {
		return blockRef{}, err
	}
	return blockRef{d, info}, nil
}

// locate searches the writer grid for the block holding the lattice origin
// and, counted from there, for the last block whose local offset does not
// exceed the request's minimum corner. Both searches are bisections along
// each axis. Positions are returned unrotated: writer position p of step u
// along an axis of width w is (origin+u) mod w.
func locate(grid Dimensions, req Domain, offsetAt func(pos Dimensions) (Dimensions, error)) (origin, start Dimensions, err error) {
	at := func(pos Dimensions, axis int) (uint64, error) {
		off, err := offsetAt(pos)
		return off[axis], err
	}
	for axis := 0; axis < 3; axis++ {
		w := grid[axis]
		pos := origin
		lo, hi := uint64(0), w-1
		for lo < hi {
			mid := (lo + hi) / 2
			pos[axis] = mid
			offMid, err := at(pos, axis)
			if err != nil {
				return origin, start, err
			}
			pos[axis] = hi
			offHi, err := at(pos, axis)
			if err != nil {
				return origin, start, err
			}
			if offMid > offHi {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		origin[axis] = lo
	}
	for axis := 0; axis < 3; axis++ {
		w := grid[axis]
		pos := origin
		lo, hi := uint64(0), w-1
		for lo < hi {
			mid := lo + (hi-lo+1)/2
			pos[axis] = (origin[axis] + mid) % w
			off, err := at(pos, axis)
			if err != nil {
				return origin, start, err
			}
			if off <= req.Offset[axis] {
				lo = mid
			} else {
				hi = mid - 1
			}
		}
		start[axis] = lo
	}
	return origin, start, nil
}

// rotate maps unrotated steps u to a writer position.
func rotate(origin, u, grid Dimensions) Dimensions {
	var p Dimensions
	for i := range p {
		p[i] = (origin[i] + u[i]) % grid[i]
	}
	return p
}

// intersection computes where block and req overlap: the box (srcOffset,
// srcSize) inside the block and its offset dstOffset inside req.
func intersection(block, req Domain) (srcOffset, srcSize, dstOffset Dimensions) {
	for i := 0; i < 3; i++ {
		bOff, bEnd := block.Offset[i], block.Offset[i]+block.Size[i]
		rOff, rEnd := req.Offset[i], req.Offset[i]+req.Size[i]
		if bOff > rOff {
			dstOffset[i] = bOff - rOff
		}
		if rOff <= bOff {
			srcOffset[i] = 0
			if rEnd >= bEnd {
				srcSize[i] = block.Size[i]
			} else {
				srcSize[i] = rEnd - bOff
			}
		} else {
			srcOffset[i] = rOff - bOff
			if rEnd >= bEnd {
				srcSize[i] = block.Size[i] - srcOffset[i]
			} else {
				srcSize[i] = rEnd - (bOff + srcOffset[i])
			}
		}
		must.Truef(srcSize[i] <= req.Size[i], "intersection of %v with %v exceeds the request on axis %d", block, req, i)
	}
	return srcOffset, srcSize, dstOffset
}

// readDomain is the read driver shared by all collectors. It returns the
// blocks of iteration id at path that intersect req. Grid data is assembled
// into one entry covering req; every Poly block becomes an entry of its own.
func readDomain(ctx context.Context, src blockSource, id int32, path string, req Domain, lazy bool) (*DataContainer, error) {
	out := &DataContainer{}
	if req.Empty() {
		return out, nil
	}
	grid := src.readGrid()
	// A blockRef is valid until the next file access.
	get := func(pos Dimensions) (blockRef, error) {
		return openBlock(ctx, src, id, pos, path)
	}

	origin, start, err := locate(grid, req, func(pos Dimensions) (Dimensions, error) {
		p, err := get(pos)
		return p.info.local.Offset, err
	})
	if err != nil {
		return nil, err
	}

	var (
		first *blockInfo
		grd   *DomainData
	)
	hit := func(pos Dimensions, p blockRef) error {
		info := p.info
		if first == nil {
			first = &info
		} else if info.class != first.class || info.typ != first.typ {
			return errors.E(errors.Invalid, fmt.Sprintf("%s: writer %v holds %s %s, expected %s %s",
				path, pos, info.class, info.typ, first.class, first.typ))
		}
		switch info.class {
		case Grid:
			if grd == nil {
				grd = &DomainData{
					domain:   req,
					elements: req.Size,
					typ:      info.typ,
					class:    Grid,
					data:     make([]byte, req.Size.Scalar()*uint64(info.typ.Size)),
				}
				out.Add(grd)
			}
			srcOffset, srcSize, dstOffset := intersection(info.local, req)
			if err := readGridSlab(ctx, p.d, info, srcOffset, srcSize, grd.data, req.Size, dstOffset); err != nil {
				return errors.E(err, fmt.Sprintf("read %s at writer %v", path, pos))
			}
		case Poly:
			if info.elements.Scalar() == 0 {
				return nil
			}
			dd := &DomainData{
				domain:   info.local,
				elements: info.elements,
				typ:      info.typ,
				class:    Poly,
			}
			if lazy {
				dd.lazy = &lazyRead{
					session:   src.session(),
					id:        id,
					pos:       pos,
					path:      path,
					dstBuffer: info.elements,
					srcSize:   info.elements,
				}
			} else {
				data, err := p.d.ReadAll(ctx)
				if err != nil {
					return errors.E(err, fmt.Sprintf("read %s at writer %v", path, pos))
				}
				dd.data = data
			}
			out.Add(dd)
		}
		return nil
	}

	maxX, maxY := grid[0]-1, grid[1]-1
scan:
	for uz := start[2]; uz < grid[2]; uz++ {
		for uy := start[1]; uy <= maxY; uy++ {
			for ux := start[0]; ux <= maxX; ux++ {
				pos := rotate(origin, Dimensions{ux, uy, uz}, grid)
				p, err := get(pos)
				if err != nil {
					return nil, err
				}
				if p.info.sentinel {
					continue
				}
				if Intersect(p.info.local, req) {
					if err := hit(pos, p); err != nil {
						return nil, err
					}
					continue
				}
				switch {
				case ux == start[0] && uy == start[1] && uz == start[2]:
					// The block at the request's minimum corner misses it.
					return out, nil
				case uz == start[2] && uy == start[1]:
					maxX = ux - 1
				case uz == start[2]:
					maxY = uy - 1
				default:
					break scan
				}
				break
			}
		}
	}
	return out, nil
}

// materialize reads the bytes of a lazy entry.
func materialize(ctx context.Context, src blockSource, dd *DomainData) error {
	l := dd.lazy
	if l == nil {
		return nil
	}
	if l.session != src.session() {
		return errors.E(errors.Precondition, "lazy entry belongs to a closed collector")
	}
	p, err := openBlock(ctx, src, l.id, l.pos, l.path)
	if err != nil {
		return err
	}
	if p.info.class != Poly {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: only poly data is read lazily", l.path))
	}
	if p.info.elements != l.srcSize {
		return errors.E(errors.Integrity, fmt.Sprintf("%s at writer %v changed from %v to %v elements",
			l.path, l.pos, l.srcSize, p.info.elements))
	}
	data, err := p.d.ReadAll(ctx)
	if err != nil {
		return errors.E(err, fmt.Sprintf("read %s at writer %v", l.path, l.pos))
	}
	dd.data = data
	dd.lazy = nil
	return nil
}
