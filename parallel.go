package splash

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/scigolib/splash/internal/container"
	"github.com/scigolib/splash/internal/handles"
)

// ParallelDomainCollector stores the blocks of all ranks of a parallel job
// in one shared file per iteration, named <base>_<id>.h5, or in a single
// file if the base ends in .h5. Every rank owns the hyperslab of its block;
// the ranks' blocks tile the dataset's global extent.
//
// All methods that modify files are collective: every rank must call them
// with the same iteration and path, in the same order. An error on any rank
// makes the call fail on every rank. While collective writes are open, the
// queries EntryIDs, EntriesForID, ReadAttribute, ReadGlobalAttribute,
// GlobalDomain and TotalElements are collective too, so that every rank
// answers from the same image.
type ParallelDomainCollector struct {
	opts     options
	comm     Comm
	topology Dimensions
	position Dimensions
	handles  *handles.Manager

	attr    FileAttr
	base    string
	single  bool
	open    bool
	maxID   int32
	written map[int32]bool
	epoch   uint64
}

// NewParallelDomainCollector returns a closed collector for the rank of
// comm. Ranks are laid out on topology, x fastest.
func NewParallelDomainCollector(comm Comm, topology Dimensions, opts ...Option) (*ParallelDomainCollector, error) {
	if topology.Scalar() == 0 || topology.Scalar() != uint64(comm.Size()) { //nolint:gosec // G115: rank counts are positive
		return nil, errors.E(errors.Invalid, fmt.Sprintf("topology %v does not hold %d ranks", topology, comm.Size()))
	}
	c := &ParallelDomainCollector{
		opts:     newOptions(opts),
		comm:     comm,
		topology: topology,
		position: rankPosition(comm.Rank(), topology),
		maxID:    -1,
	}
	c.handles = handles.New(c.opts.store, c.opts.maxHandles, handles.ByIteration)
	c.handles.OnCreate = c.onCreate
	c.handles.OnOpen = c.onOpen
	c.handles.OnClose = c.onClose
	return c, nil
}

// rankPosition returns the position of rank r on topology, x fastest.
func rankPosition(r int, topology Dimensions) Dimensions {
	u := uint64(r) //nolint:gosec // G115: ranks are non-negative
	return Dimensions{
		u % topology[0],
		(u / topology[0]) % topology[1],
		u / (topology[0] * topology[1]),
	}
}

func (c *ParallelDomainCollector) fileMaxID(index uint64) int32 {
	if c.single {
		return c.maxID
	}
	return int32(index) //nolint:gosec // G115: index is an iteration id
}

func (c *ParallelDomainCollector) onCreate(ctx context.Context, f *container.File, index uint64) error {
	return writeHeader(f, header{
		maxID:       c.fileMaxID(index),
		mpiSize:     c.topology,
		compression: c.attr.EnableCompression,
	})
}

func (c *ParallelDomainCollector) onOpen(ctx context.Context, f *container.File, index uint64) error {
	h, err := readHeader(f)
	if err != nil {
		return err
	}
	if c.single {
		c.maxID = max(c.maxID, h.maxID)
	}
	return nil
}

func (c *ParallelDomainCollector) onClose(ctx context.Context, f *container.File, index uint64) error {
	if !c.attr.Mode.writing() {
		return nil
	}
	return writeMaxID(f, c.fileMaxID(index))
}

// agree makes a local outcome collective: it returns err on the rank that
// failed and an errors.Unavailable error on every other rank if any rank
// failed.
func (c *ParallelDomainCollector) agree(ctx context.Context, err error) error {
	var flag Dimensions
	if err != nil {
		flag[0] = 1
	}
	all, cerr := c.comm.AllGather(ctx, flag)
	if err != nil {
		return err
	}
	if cerr != nil {
		return errors.E(errors.Unavailable, "collective operation failed", cerr)
	}
	for r, f := range all {
		if f[0] != 0 {
			return errors.E(errors.Unavailable, fmt.Sprintf("rank %d failed", r))
		}
	}
	return nil
}

// Open binds the collector to the file series base. It is collective.
// ReadMergedMode is not available; every rank reads the shared files
// directly. Attributes other than Mode and EnableCompression are ignored.
func (c *ParallelDomainCollector) Open(ctx context.Context, base string, attr FileAttr) error {
	wasOpen := c.open
	err := c.open0(ctx, base, attr)
	if err = c.agree(ctx, err); err != nil {
		if c.open && !wasOpen {
			_ = c.handles.Close(ctx)
			c.open = false
		}
		return err
	}
	log.Debug.Printf("splash: rank %d opened %s (%s, %s)", c.comm.Rank(), base, attr.Mode, c.opts.ioMode)
	return nil
}

func (c *ParallelDomainCollector) open0(ctx context.Context, base string, attr FileAttr) error {
	if c.open {
		return errors.E(errors.Precondition, "collector already open")
	}
	mode := handles.ReadOnly
	switch attr.Mode {
	case ReadMode:
	case WriteMode:
		mode = handles.ReadWrite
	case CreateMode:
		mode = handles.Truncate
		if c.opts.ioMode == Independent && c.comm.Rank() != 0 {
			// Rank 0 replaces the file on its turn, the others add to it.
			mode = handles.ReadWrite
		}
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("access mode %s is not available in parallel", attr.Mode))
	}
	c.attr = attr
	c.attr.MPISize = c.topology
	c.attr.MPIPosition = c.position
	c.base = base
	c.single = strings.HasSuffix(base, handles.Suffix)
	c.maxID = -1
	c.written = make(map[int32]bool)

	var err error
	if c.single {
		err = c.handles.OpenSingle(base, mode)
	} else {
		err = c.handles.Open([3]uint64{1, 1, 1}, base, mode)
	}
	if err != nil {
		return err
	}
	c.open = true
	if attr.Mode == CreateMode {
		return nil
	}
	ids, err := c.storedIDs(ctx)
	if err != nil {
		_ = c.handles.Close(ctx)
		c.open = false
		return err
	}
	if len(ids) > 0 {
		c.maxID = ids[len(ids)-1]
	}
	return nil
}

// Close flushes and closes all files. It is collective.
func (c *ParallelDomainCollector) Close(ctx context.Context) error {
	if !c.open {
		return nil
	}
	err := c.handles.Close(ctx)
	c.open = false
	c.epoch++
	return c.agree(ctx, err)
}

func (c *ParallelDomainCollector) checkOpen() error {
	if !c.open {
		return errors.E(errors.Precondition, "collector is not open")
	}
	return nil
}

func (c *ParallelDomainCollector) checkWrite() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if !c.attr.Mode.writing() {
		return errors.E(errors.Precondition, fmt.Sprintf("collector opened for %s", c.attr.Mode))
	}
	return nil
}

func (c *ParallelDomainCollector) checkRead() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.attr.Mode != ReadMode {
		return errors.E(errors.Precondition, fmt.Sprintf("collector opened for %s", c.attr.Mode))
	}
	return nil
}

func (c *ParallelDomainCollector) readGrid() Dimensions {
	return Dimensions{1, 1, 1}
}

func (c *ParallelDomainCollector) blockFile(ctx context.Context, id int32, pos Dimensions) (*container.File, error) {
	return c.handles.Get(ctx, uint64(id)) //nolint:gosec // G115: ids are checked non-negative
}

func (c *ParallelDomainCollector) session() uint64 {
	return c.epoch
}

// MaxID returns the largest iteration written so far, or -1.
func (c *ParallelDomainCollector) MaxID() int32 {
	return c.maxID
}

// MPISize returns the rank topology.
func (c *ParallelDomainCollector) MPISize() Dimensions {
	return c.topology
}

// MPIPosition returns the caller's position on the topology.
func (c *ParallelDomainCollector) MPIPosition() Dimensions {
	return c.position
}

// layout derives the global extent of a dataset and the caller's offset in
// it from the local extents of all ranks. Rank-1 blocks are concatenated in
// rank order. Otherwise every axis sums the extents of the ranks on the
// caller's line along that axis.
func (c *ParallelDomainCollector) layout(ctx context.Context, rank uint32, local Dimensions) (global, offset Dimensions, err error) {
	all, err := c.comm.AllGather(ctx, local)
	if err != nil {
		return global, offset, errors.E(errors.Unavailable, "exchange local extents", err)
	}
	global = Dimensions{1, 1, 1}
	if rank == 1 {
		global[0] = 0
		for r, s := range all {
			if r < c.comm.Rank() {
				offset[0] += s[0]
			}
			global[0] += s[0]
		}
		return global, offset, nil
	}
	if rank == 2 && c.topology[2] != 1 {
		return global, offset, errors.E(errors.Invalid, fmt.Sprintf("rank 2 data on topology %v", c.topology))
	}
	for axis := uint32(0); axis < rank; axis++ {
		global[axis] = 0
		for r, s := range all {
			pos := rankPosition(r, c.topology)
			if !sameLine(pos, c.position, int(axis)) {
				continue
			}
			if pos[axis] < c.position[axis] {
				offset[axis] += s[axis]
			}
			global[axis] += s[axis]
		}
	}
	return global, offset, nil
}

// sameLine reports whether a and b differ at most on axis.
func sameLine(a, b Dimensions, axis int) bool {
	for i := range a {
		if i != axis && a[i] != b[i] {
			return false
		}
	}
	return true
}

// blockWrite is one rank's part of a collective write.
type blockWrite struct {
	id       int32
	typ      Datatype
	rank     uint32
	sel      Selection
	path     string
	global   Dimensions // extent of the dataset
	offset   Dimensions // of the caller's block in it
	class    DataClass
	local    Domain // of the caller's block; zero when not given
	domain   Domain
	reserved bool
	buf      []byte
}

const blockHeaderSize = 48

func encodeBlock(offset, count Dimensions, data []byte) []byte {
	out := make([]byte, blockHeaderSize+len(data))
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint64(out[i*8:], offset[i])
		binary.LittleEndian.PutUint64(out[24+i*8:], count[i])
	}
	copy(out[blockHeaderSize:], data)
	return out
}

func decodeBlock(b []byte, elem uint64) (offset, count Dimensions, data []byte, err error) {
	if len(b) < blockHeaderSize {
		return offset, count, nil, errors.E(errors.Integrity, fmt.Sprintf("block message of %d bytes", len(b)))
	}
	for i := 0; i < 3; i++ {
		offset[i] = binary.LittleEndian.Uint64(b[i*8:])
		count[i] = binary.LittleEndian.Uint64(b[24+i*8:])
	}
	data = b[blockHeaderSize:]
	if uint64(len(data)) != count.Scalar()*elem {
		return offset, count, nil, errors.E(errors.Integrity,
			fmt.Sprintf("block message of %v elements carries %d bytes", count, len(data)))
	}
	return offset, count, data, nil
}

// Write stores the caller's selection of buf as its block of dataset path
// of iteration id. The global extent and the caller's offset follow from
// the extents of all ranks' selections.
func (c *ParallelDomainCollector) Write(ctx context.Context, id int32, typ Datatype, rank uint32, sel Selection, path string, buf []byte) error {
	return c.write(ctx, &blockWrite{id: id, typ: typ, rank: rank, sel: sel, path: path, buf: buf}, true)
}

// WriteAt stores the caller's selection at globalOffset of a dataset of
// extent globalSize.
func (c *ParallelDomainCollector) WriteAt(ctx context.Context, id int32, typ Datatype, rank uint32, sel Selection,
	globalSize, globalOffset Dimensions, path string, buf []byte) error {
	return c.write(ctx, &blockWrite{id: id, typ: typ, rank: rank, sel: sel, path: path,
		global: globalSize, offset: globalOffset, buf: buf}, false)
}

// WriteDomain writes like Write and annotates the dataset as a block of
// class covering globalDomain.
//
// localDomain is the caller's part of globalDomain. A GRID local domain
// must lie inside globalDomain and hold as many elements as the
// selection; a zero local domain skips the check. It is not stored: the
// shared dataset holds the blocks of every rank, so its local domain is
// globalDomain.
func (c *ParallelDomainCollector) WriteDomain(ctx context.Context, id int32, typ Datatype, rank uint32, sel Selection, path string,
	localDomain, globalDomain Domain, class DataClass, buf []byte) error {
	return c.write(ctx, &blockWrite{id: id, typ: typ, rank: rank, sel: sel, path: path,
		class: class, local: localDomain, domain: globalDomain, buf: buf}, true)
}

// WriteDomainAt writes like WriteAt and annotates the dataset as a block of
// class covering globalDomain. localDomain is checked as in WriteDomain.
func (c *ParallelDomainCollector) WriteDomainAt(ctx context.Context, id int32, typ Datatype, rank uint32, sel Selection,
	globalSize, globalOffset Dimensions, path string, localDomain, globalDomain Domain, class DataClass, buf []byte) error {
	return c.write(ctx, &blockWrite{id: id, typ: typ, rank: rank, sel: sel, path: path,
		global: globalSize, offset: globalOffset, class: class, local: localDomain, domain: globalDomain, buf: buf}, false)
}

// WriteReserved stores the caller's selection at globalOffset of a dataset
// created by Reserve or ReserveDomain.
func (c *ParallelDomainCollector) WriteReserved(ctx context.Context, id int32, typ Datatype, rank uint32, sel Selection,
	globalOffset Dimensions, path string, buf []byte) error {
	return c.write(ctx, &blockWrite{id: id, typ: typ, rank: rank, sel: sel, path: path,
		offset: globalOffset, reserved: true, buf: buf}, false)
}

func (c *ParallelDomainCollector) write(ctx context.Context, w *blockWrite, auto bool) error {
	packed, err := c.prepare(w)
	if err = c.agree(ctx, err); err != nil {
		return err
	}
	if auto {
		w.global, w.offset, err = c.layout(ctx, w.rank, w.sel.Count)
		if err != nil {
			return err
		}
	}
	if !w.reserved {
		err = c.checkExtent(w)
	}
	if err = c.agree(ctx, err); err != nil {
		return err
	}
	// The header written when a file is closed records the new id.
	c.maxID = max(c.maxID, w.id)
	if c.opts.ioMode == Collective {
		err = c.writeCollective(ctx, w, packed)
	} else {
		err = c.writeIndependent(ctx, w, packed)
	}
	if err != nil {
		return err
	}
	c.written[w.id] = true
	return nil
}

// prepare validates the caller's arguments and packs its selection.
func (c *ParallelDomainCollector) prepare(w *blockWrite) ([]byte, error) {
	if err := c.checkWrite(); err != nil {
		return nil, err
	}
	if err := checkID(w.id); err != nil {
		return nil, err
	}
	if !w.typ.Valid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid type %s", w.typ))
	}
	if err := w.sel.validate(w.rank); err != nil {
		return nil, err
	}
	return w.sel.pack(w.buf, w.rank, uint64(w.typ.Size))
}

// checkExtent validates the caller's block against the dataset extent.
func (c *ParallelDomainCollector) checkExtent(w *blockWrite) error {
	for i := 0; i < 3; i++ {
		if uint32(i) >= w.rank {
			if w.global[i] != 1 || w.offset[i] != 0 {
				return errors.E(errors.Invalid, fmt.Sprintf("extent %v offset %v beyond rank %d", w.global, w.offset, w.rank))
			}
			continue
		}
		if w.offset[i]+w.sel.Count[i] > w.global[i] {
			return errors.E(errors.Invalid, fmt.Sprintf("block %v at %v exceeds extent %v", w.sel.Count, w.offset, w.global))
		}
	}
	switch w.class {
	case UndefinedClass, Poly:
	case Grid:
		if w.global.Scalar() != w.domain.Size.Scalar() {
			return errors.E(errors.Invalid, fmt.Sprintf("grid dataset of extent %v for domain %v", w.global, w.domain))
		}
		if w.local != (Domain{}) && !w.local.within(w.domain, w.sel.Count.Scalar()) {
			return errors.E(errors.Invalid, fmt.Sprintf("local domain %v of %v elements in global domain %v",
				w.local, w.sel.Count, w.domain))
		}
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("data class %s cannot be written", w.class))
	}
	return nil
}

// target returns the dataset a write goes to, creating and annotating it
// unless it was reserved.
func (c *ParallelDomainCollector) target(f *container.File, w *blockWrite) (*container.Dataset, error) {
	if w.reserved {
		d, err := openDataset(f, w.id, w.path)
		if err != nil {
			return nil, err
		}
		if d.Type() != w.typ || len(d.Dims()) != int(w.rank) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("write rank %d %s to %s%v", w.rank, w.typ, d.Type(), d.Dims()))
		}
		return d, nil
	}
	d, err := createDataset(f, w.id, w.path, w.typ, w.global.toContainer(w.rank),
		c.opts.datasetOptions(w.typ, c.attr.EnableCompression, nil))
	if err != nil {
		return nil, err
	}
	if w.class != UndefinedClass {
		if err := annotate(d, w.class, w.domain, w.domain); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func writeBlock(ctx context.Context, d *container.Dataset, rank uint32, offset, count Dimensions, data []byte) error {
	if count.Scalar() == 0 {
		return nil
	}
	cnt := count.toContainer(rank)
	return d.WriteSlab(ctx, container.Box(offset.toContainer(rank), cnt), data, cnt, container.Whole(cnt))
}

// writeCollective gathers every block to rank 0, which writes them.
func (c *ParallelDomainCollector) writeCollective(ctx context.Context, w *blockWrite, packed []byte) error {
	blocks, err := c.comm.Gather(ctx, 0, encodeBlock(w.offset, w.sel.Count, packed))
	if err != nil {
		return errors.E(errors.Unavailable, "gather blocks", err)
	}
	if c.comm.Rank() == 0 {
		err = c.commit(ctx, w, blocks)
	}
	return c.agree(ctx, err)
}

func (c *ParallelDomainCollector) commit(ctx context.Context, w *blockWrite, blocks [][]byte) error {
	f, err := c.handles.Get(ctx, uint64(w.id)) //nolint:gosec // G115: id checked non-negative
	if err != nil {
		return err
	}
	d, err := c.target(f, w)
	if err != nil {
		return err
	}
	for r, b := range blocks {
		offset, count, data, err := decodeBlock(b, uint64(w.typ.Size))
		if err == nil {
			err = writeBlock(ctx, d, w.rank, offset, count, data)
		}
		if err != nil {
			return errors.E(err, fmt.Sprintf("write block of rank %d to %s", r, w.path))
		}
	}
	return nil
}

// writeIndependent lets the ranks write their own blocks one after another.
// Rank 0 creates the dataset on its turn; every rank closes the file after
// its turn so the next one sees the complete image.
func (c *ParallelDomainCollector) writeIndependent(ctx context.Context, w *blockWrite, packed []byte) error {
	for turn := 0; turn < c.comm.Size(); turn++ {
		var err error
		if turn == c.comm.Rank() {
			err = c.writeTurn(ctx, w, packed)
		}
		if err = c.agree(ctx, err); err != nil {
			return err
		}
	}
	return nil
}

func (c *ParallelDomainCollector) writeTurn(ctx context.Context, w *blockWrite, packed []byte) error {
	index := uint64(w.id) //nolint:gosec // G115: id checked non-negative
	f, err := c.handles.Get(ctx, index)
	if err != nil {
		return err
	}
	var d *container.Dataset
	if c.comm.Rank() == 0 {
		d, err = c.target(f, w)
	} else {
		d, err = openDataset(f, w.id, w.path)
	}
	if err == nil {
		err = writeBlock(ctx, d, w.rank, w.offset, w.sel.Count, packed)
	}
	if rerr := c.handles.Release(ctx, index); err == nil {
		err = rerr
	}
	return err
}

// onRoot runs fn on rank 0 with the file of iteration id and makes the
// outcome collective.
func (c *ParallelDomainCollector) onRoot(ctx context.Context, id int32, check error, fn func(f *container.File) error) error {
	err := check
	if err == nil {
		err = c.checkWrite()
	}
	if err == nil {
		err = checkID(id)
	}
	if err == nil && c.comm.Rank() == 0 {
		index := uint64(id) //nolint:gosec // G115: id checked non-negative
		var f *container.File
		if f, err = c.handles.Get(ctx, index); err == nil {
			err = fn(f)
		}
		if c.opts.ioMode == Independent {
			if rerr := c.handles.Release(ctx, index); err == nil {
				err = rerr
			}
		}
	}
	return c.agree(ctx, err)
}

// Reserve creates dataset path of iteration id with extent globalSize for
// later WriteReserved calls.
func (c *ParallelDomainCollector) Reserve(ctx context.Context, id int32, typ Datatype, rank uint32, globalSize Dimensions, path string) error {
	return c.ReserveDomain(ctx, id, typ, rank, globalSize, path, Domain{}, UndefinedClass)
}

// ReserveDomain reserves like Reserve and annotates the dataset as a block
// of class covering globalDomain.
func (c *ParallelDomainCollector) ReserveDomain(ctx context.Context, id int32, typ Datatype, rank uint32, globalSize Dimensions,
	path string, globalDomain Domain, class DataClass) error {
	w := &blockWrite{id: id, typ: typ, rank: rank, path: path, global: globalSize, class: class, domain: globalDomain,
		sel: Selection{Size: Dimensions{1, 1, 1}, Stride: Dimensions{1, 1, 1}}}
	check := checkRank(rank)
	if check == nil && !typ.Valid() {
		check = errors.E(errors.Invalid, fmt.Sprintf("invalid type %s", typ))
	}
	if check == nil {
		check = c.checkExtent(w)
	}
	if check == nil && id >= 0 {
		c.maxID = max(c.maxID, id)
	}
	err := c.onRoot(ctx, id, check, func(f *container.File) error {
		_, err := c.target(f, w)
		return err
	})
	if err != nil {
		return err
	}
	c.written[id] = true
	return nil
}

// Append is not available for shared files.
func (c *ParallelDomainCollector) Append(ctx context.Context, id int32, typ Datatype, count uint64, path string, buf []byte) error {
	return errors.E(errors.NotSupported, "append to a parallel collector")
}

// AppendDomain is not available for shared files.
func (c *ParallelDomainCollector) AppendDomain(ctx context.Context, id int32, typ Datatype, count uint64, path string,
	local, global Domain, buf []byte) error {
	return errors.E(errors.NotSupported, "append to a parallel collector")
}

// Read copies dataset path of iteration id into buf and returns its
// extent. A nil buf only queries the extent.
func (c *ParallelDomainCollector) Read(ctx context.Context, id int32, path string, buf []byte) (Dimensions, error) {
	if err := c.checkRead(); err != nil {
		return Dimensions{}, err
	}
	if err := checkID(id); err != nil {
		return Dimensions{}, err
	}
	f, err := c.blockFile(ctx, id, Dimensions{})
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

// ReadDomain returns the part of dataset path of iteration id that
// intersects request, as DomainCollector.ReadDomain does. The dataset is a
// single block.
func (c *ParallelDomainCollector) ReadDomain(ctx context.Context, id int32, path string, request Domain, lazy bool) (*DataContainer, error) {
	if err := c.checkRead(); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, err
	}
	return readDomain(ctx, c, id, path, request, lazy)
}

// Materialize reads the bytes of a lazy entry returned by ReadDomain.
func (c *ParallelDomainCollector) Materialize(ctx context.Context, dd *DomainData) error {
	if err := c.checkRead(); err != nil {
		return err
	}
	return materialize(ctx, c, dd)
}

// Remove deletes iteration id: its file, or its group of a single file.
func (c *ParallelDomainCollector) Remove(ctx context.Context, id int32) error {
	var err error
	if c.single {
		err = c.onRoot(ctx, id, nil, func(f *container.File) error {
			return unlinkIteration(f, id)
		})
	} else {
		err = c.checkWrite()
		if err == nil {
			err = checkID(id)
		}
		if err == nil && c.comm.Rank() == 0 {
			index := uint64(id) //nolint:gosec // G115: id checked non-negative
			if err = c.handles.Release(ctx, index); err == nil {
				err = c.opts.store.Remove(ctx, c.handles.Name(index))
			}
		}
		err = c.agree(ctx, err)
	}
	if err != nil {
		return err
	}
	delete(c.written, id)
	ids, err := c.EntryIDs(ctx)
	if err != nil {
		return err
	}
	c.maxID = -1
	if len(ids) > 0 {
		c.maxID = ids[len(ids)-1]
	}
	return nil
}

// RemoveDataset deletes dataset path of iteration id.
func (c *ParallelDomainCollector) RemoveDataset(ctx context.Context, id int32, path string) error {
	return c.onRoot(ctx, id, nil, func(f *container.File) error {
		return unlinkDataset(f, id, path)
	})
}

// storedIDs returns the iterations found in the store.
func (c *ParallelDomainCollector) storedIDs(ctx context.Context) ([]int32, error) {
	if c.single {
		f, release, err := c.inspect(ctx, 0)
		if errors.Is(errors.NotExist, err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		defer release()
		return entryIDs(f)
	}
	prefix := c.base + "_"
	names, err := c.opts.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var ids []int32
	for _, name := range names {
		s := strings.TrimSuffix(strings.TrimPrefix(name, prefix), handles.Suffix)
		id, err := strconv.ParseInt(s, 10, 32)
		if err != nil || id < 0 || !strings.HasSuffix(name, handles.Suffix) {
			continue
		}
		ids = append(ids, int32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// EntryIDs returns the stored iterations, ascending, including those
// written through this collector but not yet flushed. With collective
// writes to a single file it is collective.
func (c *ParallelDomainCollector) EntryIDs(ctx context.Context) ([]int32, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if c.single {
		if err := c.publish(ctx, 0); err != nil {
			return nil, err
		}
	}
	ids, err := c.storedIDs(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[int32]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for id := range c.written {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// publish stores rank 0's pending changes to the file of iteration id so
// that every rank reads the same image. With collective writes it is
// collective; otherwise the store is already current and it does nothing.
func (c *ParallelDomainCollector) publish(ctx context.Context, id int32) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.attr.Mode == ReadMode || c.opts.ioMode != Collective {
		return nil
	}
	err := checkID(id)
	if err == nil && c.comm.Rank() == 0 {
		err = c.handles.Flush(ctx, uint64(id)) //nolint:gosec // G115: id checked non-negative
	}
	return c.agree(ctx, err)
}

// inspect returns the file of iteration id for reading. Readers use their
// cached handle. Writing ranks read the stored image, rank 0 through its
// resident handle when it holds one; publish must have run before. The
// returned func releases the file.
func (c *ParallelDomainCollector) inspect(ctx context.Context, id int32) (*container.File, func(), error) {
	if err := c.checkOpen(); err != nil {
		return nil, nil, err
	}
	if err := checkID(id); err != nil {
		return nil, nil, err
	}
	index := uint64(id) //nolint:gosec // G115: id checked non-negative
	if c.attr.Mode == ReadMode {
		f, err := c.handles.Get(ctx, index)
		return f, func() {}, err
	}
	if c.comm.Rank() == 0 && c.opts.ioMode == Collective {
		if f, ok := c.handles.Lookup(index); ok {
			return f, func() {}, nil
		}
	}
	f, err := container.Open(ctx, c.opts.store, c.handles.Name(index), false)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close(ctx) }, nil
}

// EntriesForID returns the dataset paths of iteration id, sorted.
func (c *ParallelDomainCollector) EntriesForID(ctx context.Context, id int32) ([]string, error) {
	if err := c.publish(ctx, id); err != nil {
		return nil, err
	}
	f, release, err := c.inspect(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()
	return entries(f, id)
}

// WriteGlobalAttribute sets a file-wide attribute of the file of iteration
// id.
func (c *ParallelDomainCollector) WriteGlobalAttribute(ctx context.Context, id int32, name string, typ Datatype, data []byte) error {
	a, check := userAttr(name, typ, data)
	return c.onRoot(ctx, id, check, func(f *container.File) error {
		h, err := globalAttrTarget(f, true)
		if err != nil {
			return err
		}
		return h.SetAttr(a)
	})
}

// ReadGlobalAttribute returns a file-wide attribute of the file of
// iteration id.
func (c *ParallelDomainCollector) ReadGlobalAttribute(ctx context.Context, id int32, name string) (Datatype, []byte, error) {
	if err := c.publish(ctx, id); err != nil {
		return Datatype{}, nil, err
	}
	f, release, err := c.inspect(ctx, id)
	if err != nil {
		return Datatype{}, nil, err
	}
	defer release()
	h, err := globalAttrTarget(f, false)
	if err != nil {
		return Datatype{}, nil, errors.E(errors.NotExist, fmt.Sprintf("global attribute %s", name))
	}
	a, err := h.Attr(name)
	if err != nil {
		return Datatype{}, nil, err
	}
	return a.Type, append([]byte(nil), a.Data...), nil
}

// WriteAttribute sets an attribute of dataset or group path of iteration
// id. An empty path addresses the iteration itself.
func (c *ParallelDomainCollector) WriteAttribute(ctx context.Context, id int32, path, name string, typ Datatype, data []byte) error {
	a, check := userAttr(name, typ, data)
	return c.onRoot(ctx, id, check, func(f *container.File) error {
		h, err := attrTarget(f, id, path, true)
		if err != nil {
			return err
		}
		return h.SetAttr(a)
	})
}

// ReadAttribute returns an attribute of dataset or group path of iteration
// id.
func (c *ParallelDomainCollector) ReadAttribute(ctx context.Context, id int32, path, name string) (Datatype, []byte, error) {
	if err := c.publish(ctx, id); err != nil {
		return Datatype{}, nil, err
	}
	f, release, err := c.inspect(ctx, id)
	if err != nil {
		return Datatype{}, nil, err
	}
	defer release()
	h, err := attrTarget(f, id, path, false)
	if err != nil {
		return Datatype{}, nil, err
	}
	a, err := h.Attr(name)
	if err != nil {
		return Datatype{}, nil, err
	}
	return a.Type, append([]byte(nil), a.Data...), nil
}

func (c *ParallelDomainCollector) dataset(ctx context.Context, id int32, path string, fn func(d *container.Dataset) error) error {
	if err := c.publish(ctx, id); err != nil {
		return err
	}
	f, release, err := c.inspect(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	d, err := openDataset(f, id, path)
	if err != nil {
		return err
	}
	return fn(d)
}

// GlobalDomain returns the domain annotated on dataset path of iteration
// id. Shared datasets cover their global domain, so it is also their local
// and total domain.
func (c *ParallelDomainCollector) GlobalDomain(ctx context.Context, id int32, path string) (Domain, error) {
	var global Domain
	err := c.dataset(ctx, id, path, func(d *container.Dataset) error {
		info, err := readBlockInfo(d, path)
		global = info.global
		return err
	})
	return global, err
}

// TotalElements returns the number of elements of dataset path of
// iteration id.
func (c *ParallelDomainCollector) TotalElements(ctx context.Context, id int32, path string) (uint64, error) {
	var n uint64
	err := c.dataset(ctx, id, path, func(d *container.Dataset) error {
		var err error
		n, err = readElements(d)
		return err
	})
	return n, err
}
