package container

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/scigolib/splash/internal/core"
	splashtesting "github.com/scigolib/splash/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

func memStore(t *testing.T) *BucketStore {
	t.Helper()
	s := NewBucketStore(memblob.OpenBucket(nil))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func u32s(vals ...uint32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], v)
	}
	return b
}

func seq(n int) []byte {
	vals := make([]uint32, n)
	for i := range vals {
		vals[i] = uint32(i)
	}
	return u32s(vals...)
}

// imageOf returns the stored bytes of name.
func imageOf(t *testing.T, s Store, name string) []byte {
	t.Helper()
	ctx := context.Background()
	src, err := s.Open(ctx, name)
	require.NoError(t, err)
	defer src.Close(ctx)
	b := make([]byte, src.Size())
	_, err = src.ReadAt(b, 0)
	require.NoError(t, err)
	return b
}

func TestFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := memStore(t)

	f, err := Create(ctx, store, "run_0.h5")
	require.NoError(t, err)
	g, err := f.Root().EnsureGroup("data/0/fields")
	require.NoError(t, err)
	require.NoError(t, g.SetAttr(Int32Attr("_class", 20)))

	d, err := g.CreateDataset("rho", Uint32, []uint64{2, 3})
	require.NoError(t, err)
	require.NoError(t, d.WriteSlab(ctx, Whole(d.Dims()), seq(6), []uint64{2, 3}, Whole([]uint64{2, 3})))
	require.NoError(t, d.SetAttr(TripleAttr("_size", [3]uint64{3, 2, 1})))
	require.NoError(t, d.SetAttr(StringAttr("unit", "kg")))
	require.NoError(t, d.SetAttr(BoolAttr("valid", true)))

	z, err := g.CreateDataset("z", Uint32, []uint64{64}, WithFilters(
		FilterSpec{ID: FilterShuffle, Params: []uint32{4}},
		FilterSpec{ID: FilterZstd},
		FilterSpec{ID: FilterFletcher32},
	))
	require.NoError(t, err)
	require.NoError(t, z.WriteSlab(ctx, Whole([]uint64{64}), seq(64), []uint64{64}, Whole([]uint64{64})))

	_, err = g.CreateDataset("empty", Float64, []uint64{0})
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))
	assert.Equal(t, core.Signature, string(imageOf(t, store, "run_0.h5")[:8]))

	f, err = Open(ctx, store, "run_0.h5", false)
	require.NoError(t, err)
	defer f.Close(ctx)

	g, err = f.Root().Group("/data/0/fields")
	require.NoError(t, err)
	assert.Equal(t, []string{"empty", "rho", "z"}, g.Datasets())
	class, err := g.Attr("_class")
	require.NoError(t, err)
	v, err := class.Int32()
	require.NoError(t, err)
	assert.Equal(t, int32(20), v)

	d, err = f.Root().Dataset("data/0/fields/rho")
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, d.Dims())
	assert.Equal(t, Uint32, d.Type())
	all, err := d.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, seq(6), all)

	size, err := d.Attr("_size")
	require.NoError(t, err)
	triple, err := size.Triple()
	require.NoError(t, err)
	assert.Equal(t, [3]uint64{3, 2, 1}, triple)
	unit, err := d.Attr("unit")
	require.NoError(t, err)
	text, err := unit.Text()
	require.NoError(t, err)
	assert.Equal(t, "kg", text)
	assert.Equal(t, []string{"_size", "unit", "valid"}, d.AttrNames())

	z, err = g.Dataset("z")
	require.NoError(t, err)
	assert.Len(t, z.Filters(), 3)
	all, err = z.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, seq(64), all)

	empty, err := g.Dataset("empty")
	require.NoError(t, err)
	all, err = empty.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReadSlabSelections(t *testing.T) {
	ctx := context.Background()
	store := memStore(t)
	f, err := Create(ctx, store, "slab")
	require.NoError(t, err)
	d, err := f.Root().CreateDataset("m", Uint32, []uint64{3, 4})
	require.NoError(t, err)
	require.NoError(t, d.WriteSlab(ctx, Whole(d.Dims()), seq(12), []uint64{3, 4}, Whole([]uint64{3, 4})))
	require.NoError(t, f.Close(ctx))

	// Unfiltered payloads of an opened image are read row by row.
	src := splashtesting.NewMockReaderAt(imageOf(t, store, "slab"))
	f, err = Open(ctx, sourceStore{store, src}, "slab", false)
	require.NoError(t, err)
	d, err = f.Root().Dataset("m")
	require.NoError(t, err)
	before := src.Reads()

	// Rows 1..2, columns 1..2 into the corner of a 3x3 buffer.
	dst := make([]byte, 9*4)
	err = d.ReadSlab(ctx, Box([]uint64{1, 1}, []uint64{2, 2}), dst, []uint64{3, 3}, Box([]uint64{1, 1}, []uint64{2, 2}))
	require.NoError(t, err)
	assert.Equal(t, u32s(0, 0, 0, 0, 5, 6, 0, 9, 10), dst)
	assert.Equal(t, 2, src.Reads()-before, "one read per row")

	// Every second column.
	dst = make([]byte, 6*4)
	sel := Slab{Start: []uint64{0, 0}, Count: []uint64{3, 2}, Stride: []uint64{1, 2}}
	require.NoError(t, d.ReadSlab(ctx, sel, dst, []uint64{3, 2}, Whole([]uint64{3, 2})))
	assert.Equal(t, u32s(0, 2, 4, 6, 8, 10), dst)

	// Nothing selected, nothing read.
	before = src.Reads()
	require.NoError(t, d.ReadSlab(ctx, Box([]uint64{0, 0}, []uint64{0, 4}), nil, []uint64{0, 4}, Box([]uint64{0, 0}, []uint64{0, 4})))
	assert.Equal(t, before, src.Reads())

	err = d.ReadSlab(ctx, Box([]uint64{2, 0}, []uint64{2, 4}), make([]byte, 32), []uint64{2, 4}, Whole([]uint64{2, 4}))
	assert.True(t, errors.Is(errors.Invalid, err), "selection past the extent: %v", err)

	err = d.ReadSlab(ctx, Whole([]uint64{3, 4}), make([]byte, 8), []uint64{3, 4}, Whole([]uint64{3, 4}))
	assert.True(t, errors.Is(errors.Invalid, err), "buffer too small: %v", err)
}

func TestReadFailures(t *testing.T) {
	ctx := context.Background()
	store := memStore(t)
	f, err := Create(ctx, store, "img")
	require.NoError(t, err)
	d, err := f.Root().CreateDataset("v", Uint32, []uint64{8})
	require.NoError(t, err)
	require.NoError(t, d.WriteSlab(ctx, Whole(d.Dims()), seq(8), []uint64{8}, Whole([]uint64{8})))
	require.NoError(t, f.Close(ctx))
	image := imageOf(t, store, "img")

	t.Run("short payload read", func(t *testing.T) {
		src := splashtesting.NewMockReaderAt(image)
		f, err := Open(ctx, sourceStore{store, src}, "img", false)
		require.NoError(t, err)
		src.ShortReads()
		d, err := f.Root().Dataset("v")
		require.NoError(t, err)
		_, err = d.ReadAll(ctx)
		assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
	})

	t.Run("failing source", func(t *testing.T) {
		src := splashtesting.NewMockReaderAt(image).FailAfter(0)
		_, err := Open(ctx, sourceStore{store, src}, "img", false)
		require.Error(t, err)
	})

	t.Run("bad signature", func(t *testing.T) {
		src := splashtesting.NewMockReaderAt(splashtesting.Corrupt(image, 1))
		_, err := Open(ctx, sourceStore{store, src}, "img", false)
		assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
	})

	t.Run("superblock checksum", func(t *testing.T) {
		src := splashtesting.NewMockReaderAt(splashtesting.Corrupt(image, 20))
		_, err := Open(ctx, sourceStore{store, src}, "img", false)
		assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
	})

	t.Run("corrupt root header", func(t *testing.T) {
		src := splashtesting.NewMockReaderAt(splashtesting.Corrupt(image, len(image)-3))
		_, err := Open(ctx, sourceStore{store, src}, "img", false)
		assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
	})

	t.Run("truncated", func(t *testing.T) {
		src := splashtesting.NewMockReaderAt(image[:core.SuperblockSize-1])
		_, err := Open(ctx, sourceStore{store, src}, "img", false)
		assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := Open(ctx, store, "nope", false)
		assert.True(t, errors.Is(errors.NotExist, err), "%v", err)
	})
}

func TestReadOnlyAndClosed(t *testing.T) {
	ctx := context.Background()
	store := memStore(t)
	f, err := Create(ctx, store, "ro")
	require.NoError(t, err)
	_, err = f.Root().CreateDataset("v", Int64, []uint64{1})
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))
	require.NoError(t, f.Close(ctx), "second close is a no-op")
	_, err = f.Root().Group("x")
	assert.True(t, errors.Is(errors.Precondition, err))

	f, err = Open(ctx, store, "ro", false)
	require.NoError(t, err)
	defer f.Close(ctx)
	assert.False(t, f.Writable())
	_, err = f.Root().CreateGroup("g")
	assert.True(t, errors.Is(errors.Precondition, err))
	d, err := f.Root().Dataset("v")
	require.NoError(t, err)
	err = d.WriteSlab(ctx, Whole([]uint64{1}), make([]byte, 8), []uint64{1}, Whole([]uint64{1}))
	assert.True(t, errors.Is(errors.Precondition, err))
	assert.True(t, errors.Is(errors.Precondition, d.SetAttr(BoolAttr("b", true))))
}

func TestModifyExisting(t *testing.T) {
	ctx := context.Background()
	store := memStore(t)
	f, err := Create(ctx, store, "mod")
	require.NoError(t, err)
	for _, name := range []string{"a", "b"} {
		d, err := f.Root().CreateDataset(name, Uint32, []uint64{4}, WithMaxDims([]uint64{Unlimited}))
		require.NoError(t, err)
		require.NoError(t, d.WriteSlab(ctx, Whole(d.Dims()), seq(4), []uint64{4}, Whole([]uint64{4})))
	}
	require.NoError(t, f.Close(ctx))

	f, err = Open(ctx, store, "mod", true)
	require.NoError(t, err)
	require.NoError(t, f.Root().Unlink("a"))
	assert.True(t, errors.Is(errors.NotExist, f.Root().Unlink("a")))
	b, err := f.Root().Dataset("b")
	require.NoError(t, err)
	require.NoError(t, b.Resize(ctx, []uint64{6}))
	require.NoError(t, b.WriteSlab(ctx, Box([]uint64{4}, []uint64{2}), u32s(40, 50), []uint64{2}, Whole([]uint64{2})))
	c, err := f.Root().CreateDataset("c", Uint8, []uint64{2})
	require.NoError(t, err)
	assert.True(t, errors.Is(errors.Invalid, c.Resize(ctx, []uint64{3})), "beyond maximum extent")
	_, err = f.Root().CreateDataset("c", Uint8, []uint64{2})
	assert.True(t, errors.Is(errors.Exists, err))
	require.NoError(t, f.Close(ctx))

	f, err = Open(ctx, store, "mod", false)
	require.NoError(t, err)
	defer f.Close(ctx)
	assert.Equal(t, []string{"b", "c"}, f.Root().Datasets())
	b, err = f.Root().Dataset("b")
	require.NoError(t, err)
	all, err := b.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, u32s(0, 1, 2, 3, 40, 50), all)
}

func TestFlushWithoutChanges(t *testing.T) {
	ctx := context.Background()
	store := memStore(t)
	f, err := Create(ctx, store, "same")
	require.NoError(t, err)
	require.NoError(t, f.Flush(ctx))
	first := imageOf(t, store, "same")
	require.NoError(t, store.Remove(ctx, "same"))
	require.NoError(t, f.Flush(ctx), "clean file is not written again")
	_, err = store.Stat(ctx, "same")
	assert.True(t, errors.Is(errors.NotExist, err))

	sb, err := core.ReadSuperblock(splashtesting.NewMockReaderAt(first))
	require.NoError(t, err)
	assert.Equal(t, uint64(len(first)), sb.EndOfFile)
	assert.Equal(t, uint64(core.SuperblockSize), sb.RootAddress, "the empty root is the only object")
}

func TestFlushSameImage(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: memStore(t)}
	f, err := Create(ctx, store, "same")
	require.NoError(t, err)
	d, err := f.Root().CreateDataset("v", Uint32, []uint64{4})
	require.NoError(t, err)
	require.NoError(t, d.WriteSlab(ctx, Whole(d.Dims()), seq(4), []uint64{4}, Whole([]uint64{4})))
	require.NoError(t, f.Flush(ctx))
	assert.Equal(t, 1, store.puts)

	// Rewriting the same values produces the same image.
	require.NoError(t, d.WriteSlab(ctx, Whole(d.Dims()), seq(4), []uint64{4}, Whole([]uint64{4})))
	require.NoError(t, f.Flush(ctx))
	assert.Equal(t, 1, store.puts)

	require.NoError(t, d.SetAttr(Int32Attr("n", 1)))
	require.NoError(t, f.Flush(ctx))
	assert.Equal(t, 2, store.puts)

	// An image removed behind the file's back is stored again.
	require.NoError(t, store.Remove(ctx, "same"))
	require.NoError(t, d.SetAttr(Int32Attr("n", 1)))
	require.NoError(t, f.Close(ctx))
	assert.Equal(t, 3, store.puts)
	_, err = store.Stat(ctx, "same")
	require.NoError(t, err)
}

type countingStore struct {
	Store
	puts int
}

func (s *countingStore) Put(ctx context.Context, name string, image []byte) error {
	s.puts++
	return s.Store.Put(ctx, name, image)
}

func TestNames(t *testing.T) {
	ctx := context.Background()
	f, err := Create(ctx, memStore(t), "n")
	require.NoError(t, err)
	for _, name := range []string{"", "a/b"} {
		_, err := f.Root().CreateGroup(name)
		assert.True(t, errors.Is(errors.Invalid, err), "%q", name)
	}
	_, err = f.Root().CreateDataset("bad", Type{ClassFloat, 2}, []uint64{1})
	assert.True(t, errors.Is(errors.Invalid, err))
	_, err = f.Root().CreateDataset("bad", Uint8, []uint64{1}, WithFilters(FilterSpec{ID: 999}))
	assert.True(t, errors.Is(errors.NotSupported, err))
	_, err = f.Root().CreateDataset("bad", Uint8, nil, WithFilters(FilterSpec{ID: FilterFletcher32}))
	assert.True(t, errors.Is(errors.Invalid, err), "filtered scalar")
	_, err = f.Root().Dataset("")
	assert.True(t, errors.Is(errors.Invalid, err))
}

// sourceStore serves Open from a mock reader and everything else from Store.
type sourceStore struct {
	Store
	src *splashtesting.MockReaderAt
}

func (s sourceStore) Open(context.Context, string) (Source, error) {
	return s.src, nil
}
