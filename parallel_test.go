package splash

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ioModes = []IOMode{Collective, Independent}

// runRanks runs fn on n in-process ranks, each with its own parallel
// collector on topology.
func runRanks(t *testing.T, n int, topology Dimensions, opts []Option, fn func(ctx context.Context, c *ParallelDomainCollector) error) {
	t.Helper()
	err := RunLocal(context.Background(), n, func(ctx context.Context, comm Comm) error {
		c, err := NewParallelDomainCollector(comm, topology, opts...)
		if err != nil {
			return err
		}
		return fn(ctx, c)
	})
	require.NoError(t, err)
}

func TestParallelGridWrite(t *testing.T) {
	for _, mode := range ioModes {
		t.Run(mode.String(), func(t *testing.T) {
			store := memStore(t)
			opts := []Option{WithStore(store), WithIOMode(mode)}
			global := NewDomain(Dims(0, 0, 0), Dims(6, 2, 1))
			runRanks(t, 2, Dims(2, 1, 1), opts, func(ctx context.Context, c *ParallelDomainCollector) error {
				if err := c.Open(ctx, "par", NewFileAttr()); err != nil {
					return err
				}
				r := c.MPIPosition()[0]
				buf := fill(byte(r+1), 6)
				local := NewDomain(Dims(3*r, 0, 0), Dims(3, 2, 1))
				if err := c.WriteDomain(ctx, 5, Uint8, 2, NewSelection(Dims(3, 2, 1)), "e", local, global, Grid, buf); err != nil {
					return err
				}
				if c.MaxID() != 5 {
					return fmt.Errorf("max id %d", c.MaxID())
				}
				return c.Close(ctx)
			})

			// A serial reader sees the shared file as a single block.
			ctx := context.Background()
			c := NewDomainCollector(WithStore(store))
			require.NoError(t, c.Open(ctx, "par_5.h5", FileAttr{Mode: ReadMode, MPISize: Dims(1, 1, 1)}))
			defer func() { require.NoError(t, c.Close(ctx)) }()
			assert.Equal(t, int32(5), c.MaxID())
			out, err := c.ReadDomain(ctx, 5, "e", NewDomain(Dims(2, 0, 0), Dims(2, 2, 1)), false)
			require.NoError(t, err)
			require.Equal(t, 1, out.Len())
			assert.Equal(t, []byte{1, 2, 1, 2}, out.Index(0).Data())

			runRanks(t, 2, Dims(2, 1, 1), opts, func(ctx context.Context, c *ParallelDomainCollector) error {
				if err := c.Open(ctx, "par", FileAttr{Mode: ReadMode}); err != nil {
					return err
				}
				defer func() { _ = c.Close(ctx) }()
				r := c.MPIPosition()[0]
				out, err := c.ReadDomain(ctx, 5, "e", NewDomain(Dims(3*r, 0, 0), Dims(3, 2, 1)), false)
				if err != nil {
					return err
				}
				if got, want := out.Index(0).Data(), fill(byte(r+1), 6); string(got) != string(want) {
					return fmt.Errorf("rank %d read %v, want %v", r, got, want)
				}
				size, err := c.Read(ctx, 5, "e", nil)
				if err != nil {
					return err
				}
				if size != Dims(6, 2, 1) {
					return fmt.Errorf("size %v", size)
				}
				d, err := c.GlobalDomain(ctx, 5, "e")
				if err != nil {
					return err
				}
				if d != global {
					return fmt.Errorf("global domain %v", d)
				}
				return nil
			})
		})
	}
}

func TestParallelLayout(t *testing.T) {
	store := memStore(t)
	opts := []Option{WithStore(store)}
	var (
		mu      sync.Mutex
		offsets = make(map[int]Dimensions)
	)
	runRanks(t, 4, Dims(2, 2, 1), opts, func(ctx context.Context, c *ParallelDomainCollector) error {
		pos := c.MPIPosition()
		// Columns are 2 and 3 wide, rows 1 and 4 high.
		local := Dims(2+pos[0], 1+3*pos[1], 1)
		global, offset, err := c.layout(ctx, 2, local)
		if err != nil {
			return err
		}
		if global != Dims(5, 5, 1) {
			return fmt.Errorf("global %v", global)
		}
		mu.Lock()
		offsets[c.comm.Rank()] = offset
		mu.Unlock()

		global, offset, err = c.layout(ctx, 1, Dims(uint64(c.comm.Rank()+1), 1, 1))
		if err != nil {
			return err
		}
		if want := uint64(c.comm.Rank() * (c.comm.Rank() + 1) / 2); global != Dims(10, 1, 1) || offset != Dims(want, 0, 0) {
			return fmt.Errorf("rank-1 layout %v %v", global, offset)
		}
		return nil
	})
	assert.Equal(t, map[int]Dimensions{
		0: Dims(0, 0, 0),
		1: Dims(2, 0, 0),
		2: Dims(0, 1, 0),
		3: Dims(2, 1, 0),
	}, offsets)
}

func TestParallelPolyWrite(t *testing.T) {
	for _, mode := range ioModes {
		t.Run(mode.String(), func(t *testing.T) {
			store := memStore(t)
			opts := []Option{WithStore(store), WithIOMode(mode)}
			global := NewDomain(Dims(0, 0, 0), Dims(8, 8, 8))
			runRanks(t, 3, Dims(3, 1, 1), opts, func(ctx context.Context, c *ParallelDomainCollector) error {
				if err := c.Open(ctx, "poly.h5", NewFileAttr()); err != nil {
					return err
				}
				r := int(c.MPIPosition()[0])
				n := uint64(r + 1)
				if err := c.WriteDomain(ctx, 0, Uint8, 1, NewSelection(Dims(n, 1, 1)), "p", Domain{}, global, Poly, fill(byte(r), int(n))); err != nil {
					return err
				}
				if err := c.WriteDomain(ctx, 1, Uint8, 1, NewSelection(Dims(n, 1, 1)), "p", Domain{}, global, Poly, fill(byte(r+10), int(n))); err != nil {
					return err
				}
				return c.Close(ctx)
			})

			ctx := context.Background()
			c := NewDomainCollector(WithStore(store))
			require.NoError(t, c.Open(ctx, "poly.h5", FileAttr{Mode: ReadMode, MPISize: Dims(1, 1, 1)}))
			defer func() { require.NoError(t, c.Close(ctx)) }()
			assert.Equal(t, int32(1), c.MaxID())
			ids, err := c.EntryIDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []int32{0, 1}, ids)
			out, err := c.ReadDomain(ctx, 1, "p", global, false)
			require.NoError(t, err)
			require.Equal(t, 1, out.Len())
			assert.Equal(t, []byte{10, 11, 11, 12, 12, 12}, out.Index(0).Data())
		})
	}
}

func TestParallelReserve(t *testing.T) {
	for _, mode := range ioModes {
		t.Run(mode.String(), func(t *testing.T) {
			store := memStore(t)
			opts := []Option{WithStore(store), WithIOMode(mode)}
			runRanks(t, 2, Dims(2, 1, 1), opts, func(ctx context.Context, c *ParallelDomainCollector) error {
				if err := c.Open(ctx, "res", NewFileAttr()); err != nil {
					return err
				}
				if err := c.Reserve(ctx, 2, Uint16, 1, Dims(8, 1, 1), "r"); err != nil {
					return err
				}
				r := c.MPIPosition()[0]
				buf := []byte{byte(r), 0, byte(r), 0}
				// Rank 0 writes elements 6..7, rank 1 elements 0..1.
				offset := Dims(6-6*r, 0, 0)
				if err := c.WriteReserved(ctx, 2, Uint16, 1, NewSelection(Dims(2, 1, 1)), offset, "r", buf); err != nil {
					return err
				}
				if err := c.WriteAt(ctx, 2, Uint8, 1, NewSelection(Dims(1, 1, 1)), Dims(4, 1, 1), Dims(2*r+1, 0, 0), "at", []byte{byte(r + 1)}); err != nil {
					return err
				}
				return c.Close(ctx)
			})

			ctx := context.Background()
			c := NewDomainCollector(WithStore(store))
			require.NoError(t, c.Open(ctx, "res_2.h5", FileAttr{Mode: ReadMode, MPISize: Dims(1, 1, 1)}))
			defer func() { require.NoError(t, c.Close(ctx)) }()
			buf := make([]byte, 16)
			size, err := c.Read(ctx, 2, "r", buf)
			require.NoError(t, err)
			assert.Equal(t, Dims(8, 1, 1), size)
			assert.Equal(t, []byte{1, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, buf)
			buf = make([]byte, 4)
			_, err = c.Read(ctx, 2, "at", buf)
			require.NoError(t, err)
			assert.Equal(t, []byte{0, 1, 0, 2}, buf)
		})
	}
}

func TestParallelFailureIsCollective(t *testing.T) {
	for _, mode := range ioModes {
		t.Run(mode.String(), func(t *testing.T) {
			store := memStore(t)
			opts := []Option{WithStore(store), WithIOMode(mode)}
			errs := make([]error, 3)
			runRanks(t, 3, Dims(3, 1, 1), opts, func(ctx context.Context, c *ParallelDomainCollector) error {
				if err := c.Open(ctx, "fail", NewFileAttr()); err != nil {
					return err
				}
				r := c.comm.Rank()
				sel := NewSelection(Dims(2, 1, 1))
				if r == 1 {
					sel.Offset = Dims(1, 0, 0)
				}
				errs[r] = c.Write(ctx, 0, Uint8, 1, sel, "x", seq(0, 2))
				// The collector stays usable.
				if err := c.Write(ctx, 1, Uint8, 1, NewSelection(Dims(2, 1, 1)), "x", seq(0, 2)); err != nil {
					return err
				}
				return c.Close(ctx)
			})
			assert.True(t, errors.Is(errors.Invalid, errs[1]), "%v", errs[1])
			assert.True(t, errors.Is(errors.Unavailable, errs[0]), "%v", errs[0])
			assert.True(t, errors.Is(errors.Unavailable, errs[2]), "%v", errs[2])
		})
	}
}

func TestParallelUnsupported(t *testing.T) {
	store := memStore(t)
	runRanks(t, 2, Dims(1, 1, 2), []Option{WithStore(store)}, func(ctx context.Context, c *ParallelDomainCollector) error {
		if err := c.Open(ctx, "unsup", FileAttr{Mode: ReadMergedMode}); !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("open merged: %v", err)
		}
		if err := c.Open(ctx, "unsup", NewFileAttr()); err != nil {
			return err
		}
		if err := c.Append(ctx, 0, Uint8, 1, "a", []byte{1}); !errors.Is(errors.NotSupported, err) {
			return fmt.Errorf("append: %v", err)
		}
		if err := c.AppendDomain(ctx, 0, Uint8, 1, "a", Domain{}, Domain{}, []byte{1}); !errors.Is(errors.NotSupported, err) {
			return fmt.Errorf("append domain: %v", err)
		}
		err := c.Write(ctx, 0, Uint8, 2, NewSelection(Dims(2, 2, 1)), "plane", make([]byte, 4))
		if !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("rank 2 on z topology: %v", err)
		}
		if _, err := c.ReadDomain(ctx, 0, "plane", NewDomain(Dims(0, 0, 0), Dims(1, 1, 1)), false); !errors.Is(errors.Precondition, err) {
			return fmt.Errorf("read while writing: %v", err)
		}
		return c.Close(ctx)
	})

	_, err := NewParallelDomainCollector(NewLocalComms(2)[0], Dims(3, 1, 1))
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
}

func TestParallelRemoveAndAttributes(t *testing.T) {
	for _, mode := range ioModes {
		t.Run(mode.String(), func(t *testing.T) {
			store := memStore(t)
			opts := []Option{WithStore(store), WithIOMode(mode)}
			runRanks(t, 2, Dims(2, 1, 1), opts, func(ctx context.Context, c *ParallelDomainCollector) error {
				if err := c.Open(ctx, "rm", NewFileAttr()); err != nil {
					return err
				}
				for id := int32(0); id < 3; id++ {
					if err := c.Write(ctx, id, Uint8, 1, NewSelection(Dims(1, 1, 1)), "x", []byte{byte(id)}); err != nil {
						return err
					}
				}
				if err := c.WriteAttribute(ctx, 1, "x", "unit", StringType(1), []byte("m")); err != nil {
					return err
				}
				if err := c.WriteGlobalAttribute(ctx, 1, "step", Int32, []byte{1, 0, 0, 0}); err != nil {
					return err
				}
				if err := c.Remove(ctx, 2); err != nil {
					return err
				}
				if c.MaxID() != 1 {
					return fmt.Errorf("max id %d after remove", c.MaxID())
				}
				if err := c.RemoveDataset(ctx, 0, "missing"); !errors.Is(errors.NotExist, err) && !errors.Is(errors.Unavailable, err) {
					return fmt.Errorf("remove missing dataset: %v", err)
				}
				return c.Close(ctx)
			})

			runRanks(t, 2, Dims(2, 1, 1), opts, func(ctx context.Context, c *ParallelDomainCollector) error {
				if err := c.Open(ctx, "rm", FileAttr{Mode: ReadMode}); err != nil {
					return err
				}
				defer func() { _ = c.Close(ctx) }()
				ids, err := c.EntryIDs(ctx)
				if err != nil {
					return err
				}
				if fmt.Sprint(ids) != "[0 1]" || c.MaxID() != 1 {
					return fmt.Errorf("ids %v max %d", ids, c.MaxID())
				}
				paths, err := c.EntriesForID(ctx, 1)
				if err != nil {
					return err
				}
				if fmt.Sprint(paths) != "[x]" {
					return fmt.Errorf("paths %v", paths)
				}
				_, unit, err := c.ReadAttribute(ctx, 1, "x", "unit")
				if err != nil {
					return err
				}
				if string(unit) != "m" {
					return fmt.Errorf("unit %q", unit)
				}
				typ, step, err := c.ReadGlobalAttribute(ctx, 1, "step")
				if err != nil {
					return err
				}
				if typ != Int32 || step[0] != 1 {
					return fmt.Errorf("step %s %v", typ, step)
				}
				n, err := c.TotalElements(ctx, 1, "x")
				if err != nil {
					return err
				}
				if n != 2 {
					return fmt.Errorf("total elements %d", n)
				}
				return nil
			})
		})
	}
}

func TestParallelQueriesAgreeWhileWriting(t *testing.T) {
	for _, base := range []string{"q", "q.h5"} {
		t.Run(base, func(t *testing.T) {
			store := memStore(t)
			opts := []Option{WithStore(store), WithIOMode(Collective)}
			global := NewDomain(Dims(0, 0, 0), Dims(6, 2, 1))
			var (
				mu      sync.Mutex
				answers = make(map[int]string)
			)
			runRanks(t, 2, Dims(2, 1, 1), opts, func(ctx context.Context, c *ParallelDomainCollector) error {
				if err := c.Open(ctx, base, NewFileAttr()); err != nil {
					return err
				}
				r := c.MPIPosition()[0]
				local := NewDomain(Dims(3*r, 0, 0), Dims(3, 2, 1))
				if err := c.WriteDomain(ctx, 5, Uint8, 2, NewSelection(Dims(3, 2, 1)), "e", local, global, Grid, fill(byte(r+1), 6)); err != nil {
					return err
				}
				if err := c.WriteAttribute(ctx, 5, "e", "unit", StringType(1), []byte("m")); err != nil {
					return err
				}
				ids, err := c.EntryIDs(ctx)
				if err != nil {
					return err
				}
				paths, err := c.EntriesForID(ctx, 5)
				if err != nil {
					return err
				}
				domain, err := c.GlobalDomain(ctx, 5, "e")
				if err != nil {
					return err
				}
				_, unit, err := c.ReadAttribute(ctx, 5, "e", "unit")
				if err != nil {
					return err
				}
				n, err := c.TotalElements(ctx, 5, "e")
				if err != nil {
					return err
				}
				mu.Lock()
				answers[c.comm.Rank()] = fmt.Sprint(ids, paths, domain, string(unit), n)
				mu.Unlock()

				// A second write is visible to the next round of queries.
				if err := c.Write(ctx, 5, Uint8, 1, NewSelection(Dims(1, 1, 1)), "f", []byte{byte(r)}); err != nil {
					return err
				}
				paths, err = c.EntriesForID(ctx, 5)
				if err != nil {
					return err
				}
				if fmt.Sprint(paths) != "[e f]" {
					return fmt.Errorf("rank %d paths %v after second write", r, paths)
				}
				return c.Close(ctx)
			})
			want := fmt.Sprint([]int32{5}, []string{"e"}, global, "m", uint64(12))
			assert.Equal(t, map[int]string{0: want, 1: want}, answers)
		})
	}
}

func TestParallelLocalDomain(t *testing.T) {
	store := memStore(t)
	opts := []Option{WithStore(store)}
	global := NewDomain(Dims(0, 0, 0), Dims(6, 2, 1))
	runRanks(t, 2, Dims(2, 1, 1), opts, func(ctx context.Context, c *ParallelDomainCollector) error {
		if err := c.Open(ctx, "ld", NewFileAttr()); err != nil {
			return err
		}
		defer func() { _ = c.Close(ctx) }()
		r := c.MPIPosition()[0]
		// The local domain holds 4 elements, the selection 6.
		local := NewDomain(Dims(3*r, 0, 0), Dims(2, 2, 1))
		err := c.WriteDomain(ctx, 0, Uint8, 2, NewSelection(Dims(3, 2, 1)), "e", local, global, Grid, fill(1, 6))
		if !errors.Is(errors.Invalid, err) && !errors.Is(errors.Unavailable, err) {
			return fmt.Errorf("short local domain: %v", err)
		}
		// Outside the global domain.
		local = NewDomain(Dims(5*r, 0, 0), Dims(3, 2, 1))
		err = c.WriteDomain(ctx, 0, Uint8, 2, NewSelection(Dims(3, 2, 1)), "e", local, global, Grid, fill(1, 6))
		if r == 1 && !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("local domain outside global domain: %v", err)
		}
		if r == 0 && !errors.Is(errors.Unavailable, err) {
			return fmt.Errorf("rank 0 after rank 1 failed: %v", err)
		}
		return nil
	})
}

func TestLocalComms(t *testing.T) {
	ctx := context.Background()
	comms := NewLocalComms(3)
	results := make([][]Dimensions, 3)
	var wg sync.WaitGroup
	for i, c := range comms {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			all, err := c.AllGather(ctx, Dims(uint64(c.Rank()), 0, 0))
			assert.NoError(t, err)
			results[i] = all
		}()
	}
	wg.Wait()
	for _, all := range results {
		assert.Equal(t, []Dimensions{Dims(0, 0, 0), Dims(1, 0, 0), Dims(2, 0, 0)}, all)
	}
}
