package container

import (
	"bytes"
	"context"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/scigolib/splash/internal/core"
	splashtesting "github.com/scigolib/splash/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handImage assembles an HDF5 file object by object.
type handImage struct {
	t *testing.T
	w *imageWriter
}

func newHandImage(t *testing.T) *handImage {
	return &handImage{t: t, w: newImageWriter(core.SuperblockSize)}
}

func (h *handImage) put(data []byte) uint64 {
	seg, err := h.w.WriteAtWithAllocation(data)
	require.NoError(h.t, err)
	return seg.Offset
}

func (h *handImage) header(msgs ...core.Message) uint64 {
	oh, err := core.EncodeObjectHeader(msgs)
	require.NoError(h.t, err)
	return h.put(oh)
}

func (h *handImage) group(links map[string]uint64, extra ...core.Message) uint64 {
	msgs := []core.Message{
		{Type: core.MsgLinkInfo, Data: core.EncodeLinkInfo()},
		{Type: core.MsgGroupInfo, Data: core.EncodeGroupInfo()},
	}
	for _, name := range sortedKeys(links) {
		link, err := core.EncodeLink(name, links[name])
		require.NoError(h.t, err)
		msgs = append(msgs, core.Message{Type: core.MsgLink, Data: link})
	}
	return h.header(append(msgs, extra...)...)
}

func (h *handImage) dataset(dt core.Datatype, space core.Dataspace, layout core.Layout, extra ...core.Message) uint64 {
	dtm, err := dt.Encode()
	require.NoError(h.t, err)
	lm, err := layout.Encode()
	require.NoError(h.t, err)
	msgs := []core.Message{
		{Type: core.MsgDataspace, Data: space.Encode()},
		{Type: core.MsgDatatype, Data: dtm},
		{Type: core.MsgLayout, Data: lm},
	}
	return h.header(append(msgs, extra...)...)
}

func (h *handImage) finish(root uint64) []byte {
	sb := core.Superblock{Version: 2, EndOfFile: h.w.EndOfFile(), RootAddress: root}
	_, err := h.w.WriteAt(sb.Encode(), 0)
	require.NoError(h.t, err)
	image, err := h.w.Bytes()
	require.NoError(h.t, err)
	return image
}

func attrMessage(t *testing.T, a core.Attribute) core.Message {
	data, err := a.Encode()
	require.NoError(t, err)
	return core.Message{Type: core.MsgAttribute, Data: data}
}

func openImage(t *testing.T, image []byte, writable bool) (*File, error) {
	ctx := context.Background()
	store := memStore(t)
	require.NoError(t, store.Put(ctx, "hand.h5", image))
	return Open(ctx, store, "hand.h5", writable)
}

// objectAt returns the header of the object linked as path from the root.
func objectAt(t *testing.T, image []byte, path ...string) *core.ObjectHeader {
	img := splashtesting.NewMockReaderAt(image)
	sb, err := core.ReadSuperblock(img)
	require.NoError(t, err)
	oh, err := core.ReadObjectHeader(img, sb.RootAddress)
	require.NoError(t, err)
	for _, name := range path {
		var addr uint64
		found := false
		for _, m := range oh.All(core.MsgLink) {
			l, err := core.ParseLink(m.Data)
			require.NoError(t, err)
			if l.Name == name {
				addr, found = l.Address, true
			}
		}
		require.True(t, found, "link %s", name)
		oh, err = core.ReadObjectHeader(img, addr)
		require.NoError(t, err)
	}
	return oh
}

func TestWrittenLayout(t *testing.T) {
	ctx := context.Background()
	store := memStore(t)
	f, err := Create(ctx, store, "layout.h5")
	require.NoError(t, err)
	plain, err := f.Root().CreateDataset("plain", Float32, []uint64{2, 2})
	require.NoError(t, err)
	require.NoError(t, plain.SetAttr(BoolAttr("valid", true)))
	_, err = f.Root().CreateDataset("growing", Uint64, []uint64{3}, WithMaxDims([]uint64{Unlimited}))
	require.NoError(t, err)
	_, err = f.Root().CreateDataset("packed", Int16, []uint64{8}, WithFilters(
		FilterSpec{ID: FilterShuffle, Params: []uint32{2}},
		FilterSpec{ID: FilterZstd, Params: []uint32{5}},
	))
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))
	image := imageOf(t, store, "layout.h5")

	oh := objectAt(t, image, "plain")
	m, ok := oh.Find(core.MsgLayout)
	require.True(t, ok)
	layout, err := core.ParseLayout(m.Data)
	require.NoError(t, err)
	assert.Equal(t, core.LayoutContiguous, layout.Class)
	assert.Equal(t, uint64(16), layout.Size)
	m, ok = oh.Find(core.MsgAttribute)
	require.True(t, ok)
	attr, err := core.ParseAttribute(m.Data)
	require.NoError(t, err)
	assert.True(t, attr.Datatype.IsBool())

	oh = objectAt(t, image, "growing")
	m, _ = oh.Find(core.MsgDataspace)
	space, err := core.ParseDataspace(m.Data)
	require.NoError(t, err)
	assert.Equal(t, []uint64{core.Undefined}, space.MaxDims)
	m, _ = oh.Find(core.MsgLayout)
	layout, err = core.ParseLayout(m.Data)
	require.NoError(t, err)
	assert.Equal(t, core.LayoutChunked, layout.Class)
	assert.Equal(t, []uint32{3, 8}, layout.ChunkDims)
	chunks, err := core.ReadChunkIndex(splashtesting.NewMockReaderAt(image), layout.Address, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, uint32(24), chunks[0].Size)

	oh = objectAt(t, image, "packed")
	m, ok = oh.Find(core.MsgFilterPipeline)
	require.True(t, ok)
	filters, err := core.ParseFilterPipeline(m.Data)
	require.NoError(t, err)
	require.Len(t, filters, 2)
	assert.Equal(t, uint16(FilterShuffle), filters[0].ID)
	assert.Equal(t, []uint32{2}, filters[0].Params)
	assert.Equal(t, uint16(FilterZstd), filters[1].ID)
	assert.Equal(t, "zstd", filters[1].Name)
}

func TestReadChunks(t *testing.T) {
	h := newHandImage(t)
	pipeline, err := PipelineFromSpecs([]FilterSpec{
		{ID: FilterShuffle, Params: []uint32{4}},
		{ID: FilterDeflate, Params: []uint32{6}},
	})
	require.NoError(t, err)
	shuffle, err := newShuffleFilter([]uint32{4})
	require.NoError(t, err)

	// Three chunks of two elements over an extent of five; the last chunk
	// reaches past the extent and the middle one skipped deflate.
	values := [][]byte{u32s(0, 1), u32s(2, 3), u32s(4, 99)}
	var chunks []core.Chunk
	for i, v := range values {
		var raw []byte
		var mask uint32
		if i == 1 {
			raw, err = shuffle.Apply(v)
			mask = 1 << 1
		} else {
			raw, err = pipeline.Apply(v)
		}
		require.NoError(t, err)
		chunks = append(chunks, core.Chunk{
			Offset:     []uint64{uint64(2 * i), 0},
			Size:       uint32(len(raw)),
			FilterMask: mask,
			Address:    h.put(raw),
		})
	}
	node, err := core.EncodeChunkNode(chunks, []uint32{2, 4})
	require.NoError(t, err)
	pm, err := core.EncodeFilterPipeline([]core.FilterInfo{
		{ID: uint16(FilterShuffle), Params: []uint32{4}},
		{ID: uint16(FilterDeflate), Params: []uint32{6}},
	})
	require.NoError(t, err)
	ds := h.dataset(core.IntegerType(4, false),
		core.Dataspace{Dims: []uint64{5}, MaxDims: []uint64{core.Undefined}},
		core.Layout{Class: core.LayoutChunked, Address: h.put(node), ChunkDims: []uint32{2, 4}},
		core.Message{Type: core.MsgFilterPipeline, Data: pm})
	image := h.finish(h.group(map[string]uint64{"v": ds}))

	ctx := context.Background()
	f, err := openImage(t, image, true)
	require.NoError(t, err)
	d, err := f.Root().Dataset("v")
	require.NoError(t, err)
	assert.Equal(t, []uint64{Unlimited}, d.MaxDims())
	all, err := d.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, seq(5), all)

	dst := make([]byte, 12)
	require.NoError(t, d.ReadSlab(ctx, Box([]uint64{1}, []uint64{3}), dst, []uint64{3}, Whole([]uint64{3})))
	assert.Equal(t, u32s(1, 2, 3), dst)

	// Rewritten as a single chunk.
	require.NoError(t, f.Root().SetAttr(Int32Attr("touched", 1)))
	require.NoError(t, f.Flush(ctx))
	assert.Len(t, d.st.chunks, 1)
	all, err = d.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, seq(5), all)
}

func TestReadCompactAndUnallocated(t *testing.T) {
	h := newHandImage(t)
	compact := h.dataset(core.IntegerType(4, false), core.Dataspace{Dims: []uint64{2}},
		core.Layout{Class: core.LayoutCompact, Compact: u32s(7, 8)})
	late := h.dataset(core.FloatType(8), core.Dataspace{Dims: []uint64{3}},
		core.Layout{Class: core.LayoutContiguous, Address: core.Undefined, Size: 24})
	image := h.finish(h.group(map[string]uint64{"compact": compact, "late": late}))

	ctx := context.Background()
	f, err := openImage(t, image, false)
	require.NoError(t, err)
	d, err := f.Root().Dataset("compact")
	require.NoError(t, err)
	all, err := d.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, u32s(7, 8), all)

	d, err = f.Root().Dataset("late")
	require.NoError(t, err)
	all, err = d.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 24), all)
}

func TestReadForeignObjects(t *testing.T) {
	h := newHandImage(t)
	ds := h.dataset(core.IntegerType(1, true), core.Dataspace{Dims: []uint64{1}},
		core.Layout{Class: core.LayoutContiguous, Address: h.put([]byte{5}), Size: 1})
	soft := core.Message{Type: core.MsgLink, Data: []byte{1, 0x08, core.LinkSoft, 4, 'l', 'i', 'n', 'k', 2, 0, '/', 'a'}}
	bigEndian := attrMessage(t, core.Attribute{
		Name:     "be",
		Datatype: core.Datatype{Class: core.ClassFixedPoint, Size: 4, BigEndian: true, Precision: 32},
		Data:     []byte{0, 0, 0, 1},
	})
	kept := attrMessage(t, core.Attribute{Name: "n", Datatype: core.IntegerType(4, true), Data: u32s(3)})
	image := h.finish(h.group(map[string]uint64{"a": ds}, soft, bigEndian, kept))

	f, err := openImage(t, image, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, f.Root().Datasets())
	assert.Equal(t, []string{"n"}, f.Root().AttrNames())

	_, err = openImage(t, image, true)
	assert.True(t, errors.Is(errors.NotSupported, err), "%v", err)
}

func TestReadSharedAndCyclicLinks(t *testing.T) {
	h := newHandImage(t)
	ds := h.dataset(core.IntegerType(1, false), core.Dataspace{Dims: []uint64{1}},
		core.Layout{Class: core.LayoutContiguous, Address: h.put([]byte{9}), Size: 1})
	image := h.finish(h.group(map[string]uint64{"x": ds, "y": ds}))
	f, err := openImage(t, image, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, f.Root().Datasets())

	// The first object lands right behind the superblock and links to itself.
	h = newHandImage(t)
	root := h.group(map[string]uint64{"self": core.SuperblockSize})
	require.Equal(t, uint64(core.SuperblockSize), root)
	_, err = openImage(t, h.finish(root), false)
	assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
}

func TestReadUserBlock(t *testing.T) {
	ctx := context.Background()
	store := memStore(t)
	f, err := Create(ctx, store, "ub.h5")
	require.NoError(t, err)
	d, err := f.Root().CreateDataset("v", Uint32, []uint64{3})
	require.NoError(t, err)
	require.NoError(t, d.WriteSlab(ctx, Whole(d.Dims()), seq(3), []uint64{3}, Whole([]uint64{3})))
	require.NoError(t, f.Close(ctx))

	image := append(bytes.Repeat([]byte{'#'}, 512), imageOf(t, store, "ub.h5")...)
	f, err = openImage(t, image, false)
	require.NoError(t, err)
	d, err = f.Root().Dataset("v")
	require.NoError(t, err)
	all, err := d.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, seq(3), all)
}

func TestReadInconsistentDataset(t *testing.T) {
	for _, tt := range []struct {
		name   string
		layout core.Layout
	}{
		{"short contiguous", core.Layout{Class: core.LayoutContiguous, Address: 0, Size: 4}},
		{"outside image", core.Layout{Class: core.LayoutContiguous, Address: 1 << 20, Size: 8}},
		{"compact size", core.Layout{Class: core.LayoutCompact, Compact: []byte{1}}},
		{"chunk rank", core.Layout{Class: core.LayoutChunked, Address: core.Undefined, ChunkDims: []uint32{1, 1, 4}}},
		{"chunk element", core.Layout{Class: core.LayoutChunked, Address: core.Undefined, ChunkDims: []uint32{2, 8}}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandImage(t)
			ds := h.dataset(core.IntegerType(4, false), core.Dataspace{Dims: []uint64{2}}, tt.layout)
			_, err := openImage(t, h.finish(h.group(map[string]uint64{"v": ds})), false)
			assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
		})
	}
}

func TestTypeMapping(t *testing.T) {
	for _, typ := range []Type{Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64, Float32, Float64, Bool, StringType(7), OpaqueType(3)} {
		dt := datatypeOf(typ)
		enc, err := dt.Encode()
		require.NoError(t, err, "%s", typ)
		parsed, err := core.ParseDatatype(enc)
		require.NoError(t, err, "%s", typ)
		back, err := typeOf(parsed)
		require.NoError(t, err, "%s", typ)
		assert.Equal(t, typ, back)
	}

	_, err := typeOf(core.Datatype{Class: core.ClassFixedPoint, Size: 4, Precision: 12})
	assert.True(t, errors.Is(errors.NotSupported, err))
	_, err = typeOf(core.Datatype{Class: core.ClassEnum, Size: 1})
	assert.True(t, errors.Is(errors.NotSupported, err))
}
