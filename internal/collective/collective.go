// Package collective implements the collective operations writers use to
// agree on a global layout: all-gather, gather and barrier over a fixed set
// of ranks. The implementation runs all ranks in one process; every rank is
// a goroutine holding its own Comm.
package collective

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"golang.org/x/sync/errgroup"
)

// Group is the rendezvous shared by the ranks of one communicator.
type Group struct {
	mu      sync.Mutex
	cond    *sync.Cond
	n       int
	gen     uint64
	arrived int
	slots   [][]byte
	result  [][]byte
	err     error
}

// NewGroup returns a group of n ranks.
func NewGroup(n int) *Group {
	g := &Group{n: n, slots: make([][]byte, n)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Size returns the number of ranks.
func (g *Group) Size() int {
	return g.n
}

// Comm returns the communicator of rank.
func (g *Group) Comm(rank int) *Comm {
	if rank < 0 || rank >= g.n {
		panic(fmt.Sprintf("collective: rank %d out of range [0,%d)", rank, g.n))
	}
	return &Comm{group: g, rank: rank}
}

// Abort fails every pending and future collective operation of the group
// with err.
func (g *Group) Abort(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err == nil {
		g.err = errors.E(errors.Unavailable, "collective aborted", err)
	}
	g.cond.Broadcast()
}

// exchange deposits the contribution of rank and blocks until every rank
// has deposited one. It returns all contributions indexed by rank.
func (g *Group) exchange(ctx context.Context, rank int, data []byte) ([][]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	gen := g.gen
	g.slots[rank] = data
	g.arrived++
	if g.arrived == g.n {
		g.result, g.slots = g.slots, make([][]byte, g.n)
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
		return g.result, nil
	}

	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()
	for g.gen == gen && g.err == nil && ctx.Err() == nil {
		g.cond.Wait()
	}
	switch {
	case g.gen != gen:
		return g.result, nil
	case g.err != nil:
		return nil, g.err
	default:
		// A rank that leaves a collective strands the others.
		g.err = errors.E(errors.Unavailable, fmt.Sprintf("rank %d left collective", rank), ctx.Err())
		g.cond.Broadcast()
		return nil, g.err
	}
}

// Comm is one rank's view of a Group.
type Comm struct {
	group *Group
	rank  int
}

// Rank returns the rank of the caller.
func (c *Comm) Rank() int {
	return c.rank
}

// Size returns the number of ranks.
func (c *Comm) Size() int {
	return c.group.n
}

// AllGather returns the 3-tuple contributed by every rank, indexed by rank.
func (c *Comm) AllGather(ctx context.Context, v [3]uint64) ([][3]uint64, error) {
	buf := make([]byte, 24)
	for i, x := range v {
		binary.LittleEndian.PutUint64(buf[8*i:], x)
	}
	all, err := c.group.exchange(ctx, c.rank, buf)
	if err != nil {
		return nil, err
	}
	out := make([][3]uint64, len(all))
	for r, b := range all {
		for i := range out[r] {
			out[r][i] = binary.LittleEndian.Uint64(b[8*i:])
		}
	}
	return out, nil
}

// Gather delivers every rank's data to root, indexed by rank. Other ranks
// receive nil.
func (c *Comm) Gather(ctx context.Context, root int, data []byte) ([][]byte, error) {
	if root < 0 || root >= c.group.n {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("gather root %d out of range", root))
	}
	all, err := c.group.exchange(ctx, c.rank, data)
	if err != nil || c.rank != root {
		return nil, err
	}
	return all, nil
}

// Barrier blocks until every rank has reached it.
func (c *Comm) Barrier(ctx context.Context) error {
	_, err := c.group.exchange(ctx, c.rank, nil)
	return err
}

// Run calls fn once per rank of a new group of n ranks, each on its own
// goroutine. The first failing rank aborts the group so no rank stays blocked
// in a collective; Run returns that first error.
func Run(ctx context.Context, n int, fn func(ctx context.Context, c *Comm) error) error {
	if n <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("invalid number of ranks %d", n))
	}
	var (
		g     = NewGroup(n)
		once  sync.Once
		first error
	)
	eg, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < n; rank++ {
		c := g.Comm(rank)
		eg.Go(func() error {
			if err := fn(ctx, c); err != nil {
				err = errors.E(fmt.Sprintf("rank %d", c.rank), err)
				once.Do(func() { first = err })
				g.Abort(err)
				return err
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return first
	}
	return nil
}
