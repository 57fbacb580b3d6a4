// Package splash stores the blocks of a domain-decomposed simulation in a
// portable container format. Each writer of a 3-D writer grid contributes
// annotated blocks per iteration, and readers query any sub-domain of the
// series without knowing how it was decomposed.
package splash

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/scigolib/splash/internal/container"
	"github.com/scigolib/splash/internal/handles"
)

// DomainCollector stores the blocks of one writer of a decomposed domain in
// a file of its own, named <base>_<x>_<y>_<z>.h5 after the writer's grid
// position. Readers either open one writer's file or, in ReadMergedMode,
// treat the files of the whole grid as one logical dataset.
//
// A DomainCollector is not safe for concurrent use.
type DomainCollector struct {
	opts    options
	handles *handles.Manager
	attr    FileAttr
	grid    Dimensions
	maxID   int32
	open    bool
	epoch   uint64
}

// NewDomainCollector returns a closed collector.
func NewDomainCollector(opts ...Option) *DomainCollector {
	c := &DomainCollector{opts: newOptions(opts), maxID: -1}
	c.handles = handles.New(c.opts.store, c.opts.maxHandles, handles.ByPosition)
	c.handles.OnCreate = c.onCreate
	c.handles.OnOpen = c.onOpen
	c.handles.OnClose = c.onClose
	return c
}

func (c *DomainCollector) onCreate(ctx context.Context, f *container.File, index uint64) error {
	pos := Dimensions(c.handles.Position(index))
	return writeHeader(f, header{
		maxID:       c.maxID,
		mpiSize:     c.grid,
		mpiPosition: &pos,
		compression: c.attr.EnableCompression,
	})
}

func (c *DomainCollector) onOpen(ctx context.Context, f *container.File, index uint64) error {
	h, err := readHeader(f)
	if err != nil {
		return err
	}
	if c.attr.Mode == ReadMergedMode && h.mpiSize != c.grid {
		return errors.E(errors.Integrity, fmt.Sprintf("%s belongs to writer grid %v, not %v", f.Name(), h.mpiSize, c.grid))
	}
	if Dimensions(c.handles.Position(index)) == c.attr.MPIPosition || c.handles.Single() {
		c.maxID = max(c.maxID, h.maxID)
	}
	return nil
}

func (c *DomainCollector) onClose(ctx context.Context, f *container.File, index uint64) error {
	if !c.attr.Mode.writing() {
		return nil
	}
	return writeMaxID(f, c.maxID)
}

// Open binds the collector to the file series base. A base ending in .h5
// names a single file and requires a writer grid of (1,1,1).
func (c *DomainCollector) Open(ctx context.Context, base string, attr FileAttr) error {
	if c.open {
		return errors.E(errors.Precondition, "collector already open")
	}
	single := strings.HasSuffix(base, handles.Suffix)
	c.attr = attr
	c.maxID = -1

	var err error
	switch attr.Mode {
	case ReadMergedMode:
		c.attr.MPIPosition = Dimensions{}
		c.grid = Dimensions{1, 1, 1}
		if !single {
			if c.grid, err = c.headerGrid(ctx, base); err != nil {
				return err
			}
		}
	case ReadMode, WriteMode, CreateMode:
		c.grid = attr.MPISize
		for i := range c.grid {
			if c.grid[i] == 0 || attr.MPIPosition[i] >= c.grid[i] {
				return errors.E(errors.Invalid, fmt.Sprintf("position %v outside writer grid %v", attr.MPIPosition, c.grid))
			}
		}
		if single && c.grid != (Dimensions{1, 1, 1}) {
			return errors.E(errors.Invalid, fmt.Sprintf("full file name %s with writer grid %v", base, c.grid))
		}
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("unknown access mode %v", attr.Mode))
	}

	mode := handles.ReadOnly
	switch attr.Mode {
	case WriteMode:
		mode = handles.ReadWrite
	case CreateMode:
		mode = handles.Truncate
	}
	if single {
		err = c.handles.OpenSingle(base, mode)
	} else {
		err = c.handles.Open(c.grid, base, mode)
	}
	if err != nil {
		return err
	}
	c.open = true
	if _, err := c.ownFile(ctx); err != nil {
		_ = c.handles.Close(ctx)
		c.open = false
		return err
	}
	log.Debug.Printf("splash: opened %s (%s, position %v of %v)", base, attr.Mode, c.attr.MPIPosition, c.grid)
	return nil
}

// headerGrid reads the writer grid from the header of the file at (0,0,0).
func (c *DomainCollector) headerGrid(ctx context.Context, base string) (Dimensions, error) {
	name := fmt.Sprintf("%s_0_0_0%s", base, handles.Suffix)
	f, err := container.Open(ctx, c.opts.store, name, false)
	if err != nil {
		return Dimensions{}, err
	}
	defer func() { _ = f.Close(ctx) }()
	h, err := readHeader(f)
	if err != nil {
		return Dimensions{}, err
	}
	for _, g := range h.mpiSize {
		if g == 0 {
			return Dimensions{}, errors.E(errors.Integrity, fmt.Sprintf("%s: invalid writer grid %v", name, h.mpiSize))
		}
	}
	return h.mpiSize, nil
}

// Close flushes and closes every open file. Lazy entries read before Close
// can no longer be materialized.
func (c *DomainCollector) Close(ctx context.Context) error {
	if !c.open {
		return nil
	}
	err := c.handles.Close(ctx)
	c.open = false
	c.epoch++
	c.maxID = -1
	return err
}

func (c *DomainCollector) checkOpen() error {
	if !c.open {
		return errors.E(errors.Precondition, "collector is not open")
	}
	return nil
}

func (c *DomainCollector) checkWrite() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if !c.attr.Mode.writing() {
		return errors.E(errors.Precondition, fmt.Sprintf("collector opened for %s", c.attr.Mode))
	}
	return nil
}

func (c *DomainCollector) checkRead() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.attr.Mode.writing() {
		return errors.E(errors.Precondition, fmt.Sprintf("collector opened for %s", c.attr.Mode))
	}
	return nil
}

// ownFile returns the caller's file; in merged mode the file at (0,0,0).
func (c *DomainCollector) ownFile(ctx context.Context) (*container.File, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.handles.GetPos(ctx, c.attr.MPIPosition)
}

func (c *DomainCollector) readGrid() Dimensions {
	if c.attr.Mode == ReadMergedMode {
		return c.grid
	}
	return Dimensions{1, 1, 1}
}

func (c *DomainCollector) blockFile(ctx context.Context, id int32, pos Dimensions) (*container.File, error) {
	if c.attr.Mode == ReadMergedMode {
		return c.handles.GetPos(ctx, pos)
	}
	return c.ownFile(ctx)
}

func (c *DomainCollector) session() uint64 {
	return c.epoch
}

// MaxID returns the largest iteration written so far, or -1.
func (c *DomainCollector) MaxID() int32 {
	return c.maxID
}

// MPISize returns the writer grid of the open series.
func (c *DomainCollector) MPISize() Dimensions {
	return c.grid
}

// MPIPosition returns the caller's writer position.
func (c *DomainCollector) MPIPosition() Dimensions {
	return c.attr.MPIPosition
}

func checkID(id int32) error {
	if id < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("negative iteration id %d", id))
	}
	return nil
}

// Write stores the elements sel selects from buf as dataset path of
// iteration id. The dataset has extent sel.Count and replaces an existing
// one.
func (c *DomainCollector) Write(ctx context.Context, id int32, typ Datatype, rank uint32, sel Selection, path string, buf []byte) error {
	_, err := c.write(ctx, id, typ, rank, sel, path, buf)
	return err
}

func (c *DomainCollector) write(ctx context.Context, id int32, typ Datatype, rank uint32, sel Selection, path string, buf []byte) (*container.Dataset, error) {
	if err := c.checkWrite(); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, err
	}
	if err := sel.validate(rank); err != nil {
		return nil, err
	}
	f, err := c.ownFile(ctx)
	if err != nil {
		return nil, err
	}
	count := sel.Count.toContainer(rank)
	d, err := createDataset(f, id, path, typ, count, c.opts.datasetOptions(typ, c.attr.EnableCompression, nil))
	if err != nil {
		return nil, err
	}
	if err := d.WriteSlab(ctx, container.Whole(count), buf, sel.Size.toContainer(rank), sel.slab(rank)); err != nil {
		return nil, errors.E(err, fmt.Sprintf("write %s of iteration %d", path, id))
	}
	c.maxID = max(c.maxID, id)
	return d, nil
}

// WriteDomain writes like Write and annotates the dataset as the block of
// class covering local within global. A Grid block must hold one element
// per position of local. A writer without data for a Grid iteration writes
// a sentinel: a single element with local size (0,0,0).
func (c *DomainCollector) WriteDomain(ctx context.Context, id int32, typ Datatype, rank uint32, sel Selection, path string,
	local, global Domain, class DataClass, buf []byte) error {
	if err := checkBlock(class, sel.Count, local); err != nil {
		return err
	}
	d, err := c.write(ctx, id, typ, rank, sel, path, buf)
	if err != nil {
		return err
	}
	return annotate(d, class, local, global)
}

// checkBlock validates the element count of a block against its class.
func checkBlock(class DataClass, count Dimensions, local Domain) error {
	switch class {
	case Grid:
		if local.Size == (Dimensions{}) && count.Scalar() == 1 {
			return nil
		}
		if count.Scalar() != local.Size.Scalar() {
			return errors.E(errors.Invalid, fmt.Sprintf("grid block of %v elements for local domain %v", count, local))
		}
	case Poly:
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("data class %s cannot be written", class))
	}
	return nil
}

// Append adds count elements of buf to the 1-D dataset path of iteration
// id, creating an extensible dataset if it does not exist.
func (c *DomainCollector) Append(ctx context.Context, id int32, typ Datatype, count uint64, path string, buf []byte) error {
	_, _, err := c.append(ctx, id, typ, count, path, buf)
	return err
}

func (c *DomainCollector) append(ctx context.Context, id int32, typ Datatype, count uint64, path string, buf []byte) (*container.Dataset, uint64, error) {
	if err := c.checkWrite(); err != nil {
		return nil, 0, err
	}
	if err := checkID(id); err != nil {
		return nil, 0, err
	}
	f, err := c.ownFile(ctx)
	if err != nil {
		return nil, 0, err
	}
	var old uint64
	d, err := openDataset(f, id, path)
	switch {
	case errors.Is(errors.NotExist, err):
		d, err = createDataset(f, id, path, typ, []uint64{count},
			c.opts.datasetOptions(typ, c.attr.EnableCompression, []uint64{container.Unlimited}))
		if err != nil {
			return nil, 0, err
		}
	case err != nil:
		return nil, 0, err
	default:
		if a, err := d.Attr(attrClass); err == nil {
			if class, _ := a.Int32(); DataClass(class) == Grid {
				return nil, 0, errors.E(errors.NotSupported, fmt.Sprintf("append to grid dataset %s", path))
			}
		}
		dims := d.Dims()
		if len(dims) != 1 || d.Type() != typ {
			return nil, 0, errors.E(errors.Invalid, fmt.Sprintf("append %s to %s%v", typ, d.Type(), dims))
		}
		old = dims[0]
		if err := d.Resize(ctx, []uint64{old + count}); err != nil {
			return nil, 0, errors.E(err, fmt.Sprintf("append to %s", path))
		}
	}
	if count > 0 {
		err = d.WriteSlab(ctx, container.Box([]uint64{old}, []uint64{count}), buf, []uint64{count}, container.Whole([]uint64{count}))
		if err != nil {
			return nil, 0, errors.E(err, fmt.Sprintf("append to %s", path))
		}
	}
	c.maxID = max(c.maxID, id)
	return d, old + count, nil
}

// AppendDomain appends like Append and annotates the dataset as a Poly
// block covering local within global.
func (c *DomainCollector) AppendDomain(ctx context.Context, id int32, typ Datatype, count uint64, path string,
	local, global Domain, buf []byte) error {
	d, total, err := c.append(ctx, id, typ, count, path, buf)
	if err != nil {
		return err
	}
	if err := annotate(d, Poly, local, global); err != nil {
		return err
	}
	return d.SetAttr(container.Uint64Attr(attrElements, total))
}

// Read copies dataset path of iteration id into buf and returns its
// extent. A nil buf only queries the extent. In ReadMergedMode the blocks
// of all writers are combined by their grid positions.
func (c *DomainCollector) Read(ctx context.Context, id int32, path string, buf []byte) (Dimensions, error) {
	if err := c.checkRead(); err != nil {
		return Dimensions{}, err
	}
	if c.attr.Mode == ReadMergedMode {
		m, err := c.mergedLayout(ctx, id, path)
		if err != nil || buf == nil {
			return m.full, err
		}
		return m.full, c.readMergedInto(ctx, id, path, m, buf)
	}
	f, err := c.ownFile(ctx)
	if err != nil {
		return Dimensions{}, err
	}
	d, err := openDataset(f, id, path)
	if err != nil {
		return Dimensions{}, err
	}
	dims := d.Dims()
	size := fromContainer(dims)
	if buf == nil {
		return size, nil
	}
	if err := d.ReadSlab(ctx, container.Whole(dims), buf, dims, container.Whole(dims)); err != nil {
		return size, errors.E(err, fmt.Sprintf("read %s of iteration %d", path, id))
	}
	return size, nil
}

// ReadMerged returns dataset path of iteration id combined over all writer
// files by grid position, together with its extent.
func (c *DomainCollector) ReadMerged(ctx context.Context, id int32, path string) ([]byte, Dimensions, error) {
	if err := c.checkOpen(); err != nil {
		return nil, Dimensions{}, err
	}
	if c.attr.Mode != ReadMergedMode {
		return nil, Dimensions{}, errors.E(errors.Precondition, fmt.Sprintf("collector opened for %s", c.attr.Mode))
	}
	m, err := c.mergedLayout(ctx, id, path)
	if err != nil {
		return nil, Dimensions{}, err
	}
	buf := make([]byte, m.full.Scalar()*uint64(m.info.typ.Size))
	if err := c.readMergedInto(ctx, id, path, m, buf); err != nil {
		return nil, m.full, err
	}
	return buf, m.full, nil
}

type mergedLayout struct {
	block, full Dimensions
	info        blockInfo
}

// mergedLayout checks that every writer holds a block of the same type and
// extent and returns the extent of their combination.
func (c *DomainCollector) mergedLayout(ctx context.Context, id int32, path string) (mergedLayout, error) {
	var m mergedLayout
	for index := uint64(0); index < c.grid.Scalar(); index++ {
		pos := Dimensions(c.handles.Position(index))
		f, err := c.handles.GetPos(ctx, pos)
		if err != nil {
			return m, err
		}
		d, err := openDataset(f, id, path)
		if err != nil {
			return m, errors.E(err, fmt.Sprintf("writer %v", pos))
		}
		size := fromContainer(d.Dims())
		rank := uint32(len(d.Dims())) //nolint:gosec // G115: rank is at most 3
		if index == 0 {
			m.block, m.info = size, blockInfo{rank: rank, typ: d.Type()}
		} else if size != m.block || rank != m.info.rank || d.Type() != m.info.typ {
			return m, errors.E(errors.Invalid, fmt.Sprintf("%s at writer %v is %s%v, expected %s%v",
				path, pos, d.Type(), size, m.info.typ, m.block))
		}
	}
	for i := m.info.rank; i < 3; i++ {
		if c.grid[i] != 1 {
			return m, errors.E(errors.Invalid, fmt.Sprintf("cannot merge rank %d data over writer grid %v", m.info.rank, c.grid))
		}
	}
	m.full = m.block.Mul(c.grid)
	return m, nil
}

func (c *DomainCollector) readMergedInto(ctx context.Context, id int32, path string, m mergedLayout, buf []byte) error {
	for index := uint64(0); index < c.grid.Scalar(); index++ {
		pos := Dimensions(c.handles.Position(index))
		f, err := c.handles.GetPos(ctx, pos)
		if err != nil {
			return err
		}
		d, err := openDataset(f, id, path)
		if err != nil {
			return err
		}
		if err := readGridSlab(ctx, d, m.info, Dimensions{}, m.block, buf, m.full, pos.Mul(m.block)); err != nil {
			return errors.E(err, fmt.Sprintf("read %s at writer %v", path, pos))
		}
	}
	return nil
}

// ReadDomain returns the blocks of dataset path of iteration id that
// intersect request. Grid data is assembled into a single entry covering
// request; Poly blocks are returned one entry each. With lazy set, Poly
// entries carry no bytes until Materialize is called.
func (c *DomainCollector) ReadDomain(ctx context.Context, id int32, path string, request Domain, lazy bool) (*DataContainer, error) {
	if err := c.checkRead(); err != nil {
		return nil, err
	}
	return readDomain(ctx, c, id, path, request, lazy)
}

// Materialize reads the bytes of a lazy entry returned by ReadDomain. The
// collector must not have been closed since.
func (c *DomainCollector) Materialize(ctx context.Context, dd *DomainData) error {
	if err := c.checkRead(); err != nil {
		return err
	}
	return materialize(ctx, c, dd)
}

// Remove deletes iteration id from the caller's file.
func (c *DomainCollector) Remove(ctx context.Context, id int32) error {
	if err := c.checkWrite(); err != nil {
		return err
	}
	f, err := c.ownFile(ctx)
	if err != nil {
		return err
	}
	if err := unlinkIteration(f, id); err != nil {
		return err
	}
	ids, err := entryIDs(f)
	if err != nil {
		return err
	}
	c.maxID = -1
	if len(ids) > 0 {
		c.maxID = ids[len(ids)-1]
	}
	return nil
}

// RemoveDataset deletes dataset path of iteration id from the caller's file.
func (c *DomainCollector) RemoveDataset(ctx context.Context, id int32, path string) error {
	if err := c.checkWrite(); err != nil {
		return err
	}
	f, err := c.ownFile(ctx)
	if err != nil {
		return err
	}
	return unlinkDataset(f, id, path)
}

// EntryIDs returns the iterations stored in the caller's file, ascending.
func (c *DomainCollector) EntryIDs(ctx context.Context) ([]int32, error) {
	f, err := c.ownFile(ctx)
	if err != nil {
		return nil, err
	}
	return entryIDs(f)
}

// EntriesForID returns the dataset paths of iteration id, sorted.
func (c *DomainCollector) EntriesForID(ctx context.Context, id int32) ([]string, error) {
	f, err := c.ownFile(ctx)
	if err != nil {
		return nil, err
	}
	return entries(f, id)
}

// WriteGlobalAttribute sets a file-wide attribute of the caller's file.
func (c *DomainCollector) WriteGlobalAttribute(ctx context.Context, name string, typ Datatype, data []byte) error {
	if err := c.checkWrite(); err != nil {
		return err
	}
	a, err := userAttr(name, typ, data)
	if err != nil {
		return err
	}
	f, err := c.ownFile(ctx)
	if err != nil {
		return err
	}
	h, err := globalAttrTarget(f, true)
	if err != nil {
		return err
	}
	return h.SetAttr(a)
}

// ReadGlobalAttribute returns the type and bytes of a file-wide attribute.
func (c *DomainCollector) ReadGlobalAttribute(ctx context.Context, name string) (Datatype, []byte, error) {
	f, err := c.ownFile(ctx)
	if err != nil {
		return Datatype{}, nil, err
	}
	h, err := globalAttrTarget(f, false)
	if err != nil {
		return Datatype{}, nil, errors.E(errors.NotExist, fmt.Sprintf("global attribute %s", name))
	}
	a, err := h.Attr(name)
	if err != nil {
		return Datatype{}, nil, err
	}
	return a.Type, a.Data, nil
}

// WriteAttribute sets an attribute of dataset or group path of iteration
// id. An empty path addresses the iteration itself.
func (c *DomainCollector) WriteAttribute(ctx context.Context, id int32, path, name string, typ Datatype, data []byte) error {
	if err := c.checkWrite(); err != nil {
		return err
	}
	if err := checkID(id); err != nil {
		return err
	}
	a, err := userAttr(name, typ, data)
	if err != nil {
		return err
	}
	f, err := c.ownFile(ctx)
	if err != nil {
		return err
	}
	h, err := attrTarget(f, id, path, true)
	if err != nil {
		return err
	}
	return h.SetAttr(a)
}

// ReadAttribute returns the type and bytes of an attribute of dataset or
// group path of iteration id.
func (c *DomainCollector) ReadAttribute(ctx context.Context, id int32, path, name string) (Datatype, []byte, error) {
	f, err := c.ownFile(ctx)
	if err != nil {
		return Datatype{}, nil, err
	}
	h, err := attrTarget(f, id, path, false)
	if err != nil {
		return Datatype{}, nil, err
	}
	a, err := h.Attr(name)
	if err != nil {
		return Datatype{}, nil, err
	}
	return a.Type, a.Data, nil
}

// block returns the annotations of dataset path of iteration id at pos.
func (c *DomainCollector) block(ctx context.Context, id int32, path string, pos Dimensions) (blockRef, error) {
	if err := c.checkOpen(); err != nil {
		return blockRef{}, err
	}
	f, err := c.handles.GetPos(ctx, pos)
	if err != nil {
		return blockRef{}, err
	}
	d, err := openDataset(f, id, path)
	if err != nil {
		return blockRef{}, err
	}
	info, err := readBlockInfo(d, path)
	return blockRef{d, info}, err
}

// LocalDomain returns the local domain annotated on the caller's block. In
// ReadMergedMode it is the total domain.
func (c *DomainCollector) LocalDomain(ctx context.Context, id int32, path string) (Domain, error) {
	if c.attr.Mode == ReadMergedMode {
		return c.TotalDomain(ctx, id, path)
	}
	p, err := c.block(ctx, id, path, c.attr.MPIPosition)
	return p.info.local, err
}

// GlobalDomain returns the global domain annotated on the caller's block.
func (c *DomainCollector) GlobalDomain(ctx context.Context, id int32, path string) (Domain, error) {
	p, err := c.block(ctx, id, path, c.attr.MPIPosition)
	return p.info.global, err
}

// TotalDomain returns the union of the local domains of all blocks that
// are visible to the collector: every writer's in ReadMergedMode, the
// caller's otherwise. Sentinels are skipped.
func (c *DomainCollector) TotalDomain(ctx context.Context, id int32, path string) (Domain, error) {
	var total Domain
	err := c.eachBlock(ctx, id, path, func(p blockRef) error {
		if !p.info.sentinel {
			total = total.Union(p.info.local)
		}
		return nil
	})
	return total, err
}

// TotalElements returns the number of elements over all visible blocks.
func (c *DomainCollector) TotalElements(ctx context.Context, id int32, path string) (uint64, error) {
	var n uint64
	err := c.eachBlock(ctx, id, path, func(p blockRef) error {
		if p.info.sentinel {
			return nil
		}
		e, err := readElements(p.d)
		n += e
		return err
	})
	return n, err
}

func (c *DomainCollector) eachBlock(ctx context.Context, id int32, path string, fn func(p blockRef) error) error {
	positions := []Dimensions{c.attr.MPIPosition}
	if c.attr.Mode == ReadMergedMode {
		positions = positions[:0]
		for index := uint64(0); index < c.grid.Scalar(); index++ {
			positions = append(positions, Dimensions(c.handles.Position(index)))
		}
	}
	for _, pos := range positions {
		p, err := c.block(ctx, id, path, pos)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}
