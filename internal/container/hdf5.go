package container

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/batchatco/go-thrower"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/scigolib/splash/internal/core"
	"github.com/scigolib/splash/internal/utils"
)

// Images are HDF5 files. Flush writes a version 2 superblock followed by one
// version 2 object header per group and dataset, children before their
// parents and the root group last. Links are kept in the group's header.
// A dataset is stored contiguously unless it is filtered or resizable, in
// which case its payload is a single chunk covering the extent, indexed by a
// version 1 B-tree.

// storage locates the payload of a dataset in the image it was decoded from
// or last flushed to.
type storage struct {
	class     core.LayoutClass
	seg       Segment // contiguous; zero when nothing is allocated
	compact   []byte
	chunkDims []uint64 // chunk extent in elements
	chunks    []core.Chunk
}

// datatypeOf maps an element type to its HDF5 datatype.
func datatypeOf(t Type) core.Datatype {
	switch t.Class {
	case ClassInteger:
		return core.IntegerType(t.Size, true)
	case ClassUnsigned:
		return core.IntegerType(t.Size, false)
	case ClassFloat:
		return core.FloatType(t.Size)
	case ClassBool:
		return core.BoolType()
	case ClassString:
		return core.StringType(t.Size)
	default:
		return core.OpaqueType(t.Size)
	}
}

// typeOf maps an HDF5 datatype back to an element type.
func typeOf(dt core.Datatype) (Type, error) {
	if dt.BigEndian {
		return Type{}, errors.E(errors.NotSupported, fmt.Sprintf("big-endian %s", dt))
	}
	var t Type
	switch dt.Class {
	case core.ClassFixedPoint:
		if dt.BitOffset != 0 || uint32(dt.Precision) != dt.Size*8 {
			return Type{}, errors.E(errors.NotSupported, fmt.Sprintf("%s with %d bits at offset %d", dt, dt.Precision, dt.BitOffset))
		}
		t = Type{ClassUnsigned, dt.Size}
		if dt.Signed {
			t.Class = ClassInteger
		}
	case core.ClassFloatingPoint:
		t = Type{ClassFloat, dt.Size}
	case core.ClassString:
		t = StringType(dt.Size)
	case core.ClassOpaque:
		t = OpaqueType(dt.Size)
	case core.ClassEnum:
		if dt.IsBool() {
			t = Bool
		}
	}
	if !t.Valid() {
		return Type{}, errors.E(errors.NotSupported, fmt.Sprintf("datatype %s", dt))
	}
	return t, nil
}

type imageEncoder struct {
	ctx    context.Context
	w      *imageWriter
	stores map[*Dataset]storage
}

// encodeImage lays out the tree below root as a complete HDF5 file and
// returns it together with the new storage of every dataset.
func encodeImage(ctx context.Context, root *Group) (image []byte, stores map[*Dataset]storage, err error) {
	defer thrower.RecoverError(&err)
	e := &imageEncoder{
		ctx:    ctx,
		w:      newImageWriter(core.SuperblockSize),
		stores: make(map[*Dataset]storage),
	}
	rootAddr := e.group(root)
	sb := core.Superblock{Version: 2, EndOfFile: e.w.EndOfFile(), RootAddress: rootAddr}
	_, err = e.w.WriteAt(sb.Encode(), 0)
	thrower.ThrowIfError(err)
	image, err = e.w.Bytes()
	thrower.ThrowIfError(err)
	return image, e.stores, nil
}

func (e *imageEncoder) write(data []byte) Segment {
	seg, err := e.w.WriteAtWithAllocation(data)
	thrower.ThrowIfError(err)
	return seg
}

func (e *imageEncoder) header(msgs []core.Message) uint64 {
	oh, err := core.EncodeObjectHeader(msgs)
	thrower.ThrowIfError(err)
	return e.write(oh).Offset
}

func (e *imageEncoder) group(g *Group) uint64 {
	links := make(map[string]uint64, len(g.groups)+len(g.datasets))
	for _, name := range g.Groups() {
		links[name] = e.group(g.groups[name])
	}
	for _, name := range g.Datasets() {
		links[name] = e.dataset(g.datasets[name])
	}

	msgs := []core.Message{
		{Type: core.MsgLinkInfo, Data: core.EncodeLinkInfo()},
		{Type: core.MsgGroupInfo, Data: core.EncodeGroupInfo()},
	}
	for _, name := range sortedKeys(links) {
		link, err := core.EncodeLink(name, links[name])
		thrower.ThrowIfError(err)
		msgs = append(msgs, core.Message{Type: core.MsgLink, Data: link})
	}
	msgs = append(msgs, e.attributes(&g.attrSet)...)
	return e.header(msgs)
}

func (e *imageEncoder) dataset(d *Dataset) uint64 {
	payload, err := d.stored(e.ctx)
	if err != nil {
		thrower.Throw(errors.E(fmt.Sprintf("dataset %s", d.name), err))
	}
	dt, err := datatypeOf(d.typ).Encode()
	thrower.ThrowIfError(err)
	space := core.Dataspace{Dims: d.dims}
	if !slices.Equal(d.dims, d.maxDims) {
		space.MaxDims = d.maxDims
	}
	msgs := []core.Message{
		{Type: core.MsgDataspace, Data: space.Encode()},
		{Type: core.MsgDatatype, Flags: core.MsgFlagConstant, Data: dt},
		{Type: core.MsgFillValue, Flags: core.MsgFlagConstant, Data: core.EncodeFillValue()},
	}

	var (
		layout core.Layout
		st     storage
	)
	if len(d.filters) == 0 && space.MaxDims == nil {
		layout = core.Layout{Class: core.LayoutContiguous, Address: core.Undefined}
		if len(payload) > 0 {
			st.seg = e.write(payload)
			layout.Address, layout.Size = st.seg.Offset, st.seg.Size
		}
		st.class = core.LayoutContiguous
	} else {
		layout, st = e.chunk(d, payload)
	}
	lm, err := layout.Encode()
	thrower.ThrowIfError(err)
	msgs = append(msgs, core.Message{Type: core.MsgLayout, Data: lm})

	if len(d.filters) > 0 {
		fp, err := PipelineFromSpecs(d.filters)
		thrower.ThrowIfError(err)
		infos := make([]core.FilterInfo, 0, fp.Count())
		for _, f := range fp.filters {
			infos = append(infos, core.FilterInfo{ID: uint16(f.ID()), Name: f.Name(), Params: f.Encode()})
		}
		pm, err := core.EncodeFilterPipeline(infos)
		thrower.ThrowIfError(err)
		msgs = append(msgs, core.Message{Type: core.MsgFilterPipeline, Flags: core.MsgFlagConstant, Data: pm})
	}
	msgs = append(msgs, e.attributes(&d.attrSet)...)

	e.stores[d] = st
	return e.header(msgs)
}

// chunk stores payload as the single chunk of d.
func (e *imageEncoder) chunk(d *Dataset, payload []byte) (core.Layout, storage) {
	st := storage{class: core.LayoutChunked, chunkDims: make([]uint64, len(d.dims))}
	dims32 := make([]uint32, 0, len(d.dims)+1)
	for i, n := range d.dims {
		st.chunkDims[i] = max(n, 1)
		if st.chunkDims[i] > math.MaxUint32 {
			thrower.Throw(errors.E(errors.NotSupported, fmt.Sprintf("dataset %s: axis %d of %d elements in one chunk", d.name, i, n)))
		}
		dims32 = append(dims32, uint32(st.chunkDims[i]))
	}
	dims32 = append(dims32, d.typ.Size)
	layout := core.Layout{Class: core.LayoutChunked, Address: core.Undefined, ChunkDims: dims32}
	if len(payload) == 0 {
		return layout, st
	}

	raw, err := utils.ExtentBytes(d.dims, d.elem())
	thrower.ThrowIfError(err)
	if raw > math.MaxUint32 || uint64(len(payload)) > math.MaxUint32 {
		thrower.Throw(errors.E(errors.NotSupported, fmt.Sprintf("dataset %s: chunk of %d bytes", d.name, raw)))
	}
	c := core.Chunk{
		Offset:  make([]uint64, len(d.dims)+1),
		Size:    uint32(len(payload)), //nolint:gosec // G115: checked above
		Address: e.write(payload).Offset,
	}
	node, err := core.EncodeChunkNode([]core.Chunk{c}, dims32)
	thrower.ThrowIfError(err)
	layout.Address = e.write(node).Offset
	st.chunks = []core.Chunk{c}
	return layout, st
}

func (e *imageEncoder) attributes(s *attrSet) []core.Message {
	msgs := make([]core.Message, 0, len(s.attrs))
	for _, a := range s.attrs {
		ca := core.Attribute{
			Name:      a.Name,
			Datatype:  datatypeOf(a.Type),
			Dataspace: core.Dataspace{Dims: a.Dims},
			Data:      a.Data,
		}
		data, err := ca.Encode()
		thrower.ThrowIfError(err)
		msgs = append(msgs, core.Message{Type: core.MsgAttribute, Data: data})
	}
	return msgs
}

const maxDepth = 256

type imageDecoder struct {
	f   *File
	img core.Image
	// open holds the addresses of the groups being decoded, to catch links
	// back to an ancestor.
	open map[uint64]bool
}

// decodeImage rebuilds the tree of f from the HDF5 file in img. Payloads are
// not read.
func decodeImage(f *File, img core.Image, rootAddr uint64) (root *Group, err error) {
	defer thrower.RecoverError(&err)
	dec := &imageDecoder{f: f, img: img, open: make(map[uint64]bool)}
	root, ok := dec.object("/", rootAddr, 0).(*Group)
	if !ok {
		thrower.Throw(errors.E(errors.Integrity, fmt.Sprintf("root object at %d is not a group", rootAddr)))
	}
	root.name = ""
	return root, nil
}

// object decodes the group or dataset at addr. It returns nil for skipped
// objects, such as named datatypes or datasets of unsupported types.
func (dec *imageDecoder) object(name string, addr uint64, depth int) any {
	if depth > maxDepth {
		thrower.Throw(errors.E(errors.Integrity, "group nesting too deep"))
	}
	if dec.open[addr] {
		thrower.Throw(errors.E(errors.Integrity, fmt.Sprintf("link %s points back to an enclosing group", name)))
	}
	oh, err := core.ReadObjectHeader(dec.img, addr)
	if err != nil {
		thrower.Throw(errors.E(fmt.Sprintf("object %s", name), err))
	}
	if _, ok := oh.Find(core.MsgSymbolTable); ok {
		thrower.Throw(errors.E(errors.NotSupported, fmt.Sprintf("group %s uses a symbol table", name)))
	}
	if _, ok := oh.Find(core.MsgLinkInfo); ok {
		dec.open[addr] = true
		defer delete(dec.open, addr)
		return dec.group(name, oh, depth)
	}
	if _, ok := oh.Find(core.MsgLayout); ok {
		d, err := dec.tryDataset(name, oh)
		if errors.Is(errors.NotSupported, err) {
			dec.skip(err)
			return nil
		}
		thrower.ThrowIfError(err)
		return d
	}
	dec.skip(errors.E(errors.NotSupported, fmt.Sprintf("object %s at %d is neither group nor dataset", name, addr)))
	return nil
}

// skip drops something the container model cannot hold. A writable file
// would lose it on the next flush, so it fails instead.
func (dec *imageDecoder) skip(err error) {
	if dec.f.writable {
		thrower.Throw(errors.E("cannot open for writing", err))
	}
	log.Debug.Printf("container: %s: skipped: %v", dec.f.name, err)
}

func (dec *imageDecoder) tryDataset(name string, oh *core.ObjectHeader) (d *Dataset, err error) {
	defer thrower.RecoverError(&err)
	return dec.dataset(name, oh), nil
}

func (dec *imageDecoder) group(name string, oh *core.ObjectHeader, depth int) *Group {
	li, _ := oh.Find(core.MsgLinkInfo)
	dense, err := core.ParseLinkInfo(li.Data)
	thrower.ThrowIfError(err)
	if dense {
		thrower.Throw(errors.E(errors.NotSupported, fmt.Sprintf("group %s keeps its links in dense storage", name)))
	}

	g := newGroup(dec.f, name)
	g.attrs = dec.attributes(name, oh)
	for _, m := range oh.All(core.MsgLink) {
		l, err := core.ParseLink(m.Data)
		if err != nil {
			thrower.Throw(errors.E(fmt.Sprintf("group %s", name), err))
		}
		if l.Type != core.LinkHard {
			dec.skip(errors.E(errors.NotSupported, fmt.Sprintf("%s link %s in group %s", core.LinkTypeName(l.Type), l.Name, name)))
			continue
		}
		if err := validName(l.Name); err != nil {
			thrower.Throw(errors.E(errors.Integrity, fmt.Sprintf("group %s", name), err))
		}
		if g.has(l.Name) {
			thrower.Throw(errors.E(errors.Integrity, fmt.Sprintf("duplicate child %s in group %s", l.Name, name)))
		}
		switch child := dec.object(l.Name, l.Address, depth+1).(type) {
		case *Group:
			g.groups[l.Name] = child
		case *Dataset:
			g.datasets[l.Name] = child
		}
	}
	return g
}

func (dec *imageDecoder) dataset(name string, oh *core.ObjectHeader) *Dataset {
	fail := func(format string, args ...any) {
		thrower.Throw(errors.E(errors.Integrity, fmt.Sprintf("dataset %s: ", name)+fmt.Sprintf(format, args...)))
	}
	find := func(t core.MessageType) []byte {
		m, ok := oh.Find(t)
		if !ok {
			fail("no message 0x%02x", t)
		}
		return m.Data
	}
	wrap := func(err error) {
		if err != nil {
			thrower.Throw(errors.E(fmt.Sprintf("dataset %s", name), err))
		}
	}

	d := &Dataset{attrSet: attrSet{file: dec.f}, name: name, file: dec.f}
	dt, err := core.ParseDatatype(find(core.MsgDatatype))
	wrap(err)
	d.typ, err = typeOf(dt)
	wrap(err)
	space, err := core.ParseDataspace(find(core.MsgDataspace))
	wrap(err)
	d.dims = append([]uint64{}, space.Dims...)
	d.maxDims = append([]uint64{}, space.Dims...)
	if space.MaxDims != nil {
		d.maxDims = space.MaxDims
	}
	if m, ok := oh.Find(core.MsgFilterPipeline); ok {
		infos, err := core.ParseFilterPipeline(m.Data)
		wrap(err)
		for _, fi := range infos {
			d.filters = append(d.filters, FilterSpec{ID: FilterID(fi.ID), Params: fi.Params})
		}
	}
	layout, err := core.ParseLayout(find(core.MsgLayout))
	wrap(err)

	size, err := utils.ExtentBytes(d.dims, d.elem())
	if err != nil {
		fail("%v", err)
	}
	imageSize := uint64(dec.img.Size()) //nolint:gosec // G115: sizes are never negative
	inImage := func(addr, n uint64) bool {
		return addr <= imageSize && n <= imageSize-addr
	}

	d.st.class = layout.Class
	switch layout.Class {
	case core.LayoutCompact:
		if len(d.filters) > 0 {
			fail("filtered compact layout")
		}
		if uint64(len(layout.Compact)) != size {
			fail("compact payload of %d bytes for extent of %d", len(layout.Compact), size)
		}
		d.st.compact = layout.Compact
	case core.LayoutContiguous:
		if len(d.filters) > 0 {
			fail("filtered contiguous layout")
		}
		if layout.Address != core.Undefined && size > 0 {
			if layout.Size != size {
				fail("payload of %d bytes for extent of %d", layout.Size, size)
			}
			if !inImage(layout.Address, layout.Size) {
				fail("payload [%d,+%d) outside image of %d bytes", layout.Address, layout.Size, imageSize)
			}
			d.st.seg = Segment{Offset: layout.Address, Size: layout.Size}
		}
	case core.LayoutChunked:
		rank := len(d.dims)
		if len(layout.ChunkDims) != rank+1 {
			fail("chunks of dimensionality %d for rank %d", len(layout.ChunkDims), rank)
		}
		if layout.ChunkDims[rank] != d.typ.Size {
			fail("chunk element size %d for %s elements", layout.ChunkDims[rank], d.typ)
		}
		d.st.chunkDims = make([]uint64, rank)
		for i := range d.st.chunkDims {
			d.st.chunkDims[i] = uint64(layout.ChunkDims[i])
		}
		if layout.Address != core.Undefined {
			d.st.chunks, err = core.ReadChunkIndex(dec.img, layout.Address, rank+1)
			wrap(err)
			for _, c := range d.st.chunks {
				if !inImage(c.Address, uint64(c.Size)) {
					fail("chunk [%d,+%d) outside image of %d bytes", c.Address, c.Size, imageSize)
				}
			}
		}
	default:
		thrower.Throw(errors.E(errors.NotSupported, fmt.Sprintf("dataset %s: layout class %d", name, layout.Class)))
	}
	d.attrs = dec.attributes(name, oh)
	return d
}

// attributes decodes the attributes of the object owner.
func (dec *imageDecoder) attributes(owner string, oh *core.ObjectHeader) []Attribute {
	if m, ok := oh.Find(core.MsgAttributeInfo); ok {
		dense, err := core.ParseAttributeInfo(m.Data)
		thrower.ThrowIfError(err)
		if dense {
			thrower.Throw(errors.E(errors.NotSupported, fmt.Sprintf("%s keeps its attributes in dense storage", owner)))
		}
	}
	msgs := oh.All(core.MsgAttribute)
	attrs := make([]Attribute, 0, len(msgs))
	for _, m := range msgs {
		ca, err := core.ParseAttribute(m.Data)
		if errors.Is(errors.NotSupported, err) {
			dec.skip(errors.E(fmt.Sprintf("attribute of %s", owner), err))
			continue
		}
		if err != nil {
			thrower.Throw(errors.E(owner, err))
		}
		typ, err := typeOf(ca.Datatype)
		if err != nil {
			dec.skip(errors.E(fmt.Sprintf("attribute %s of %s", ca.Name, owner), err))
			continue
		}
		a := Attribute{Name: ca.Name, Type: typ, Dims: ca.Dataspace.Dims}
		size, err := utils.ExtentBytes(a.Dims, uint64(typ.Size))
		if err != nil || uint64(len(ca.Data)) < size {
			thrower.Throw(errors.E(errors.Integrity, fmt.Sprintf("attribute %s of %s: %d bytes of data", a.Name, owner, len(ca.Data))))
		}
		a.Data = ca.Data[:size]
		if err := a.validate(); err != nil {
			thrower.Throw(errors.E(errors.Integrity, err))
		}
		attrs = append(attrs, a)
	}
	return attrs
}
