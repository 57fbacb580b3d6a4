package splash

import (
	"context"

	"github.com/scigolib/splash/internal/collective"
)

// Comm is the communicator connecting the ranks of a parallel collector.
// All methods but Rank and Size are collective: every rank must call them
// in the same order.
type Comm interface {
	Rank() int
	Size() int
	// AllGather returns the value of every rank, indexed by rank.
	AllGather(ctx context.Context, v Dimensions) ([]Dimensions, error)
	// Gather delivers the data of every rank to root; other ranks get nil.
	Gather(ctx context.Context, root int, data []byte) ([][]byte, error)
	// Barrier blocks until every rank has reached it.
	Barrier(ctx context.Context) error
}

type localComm struct {
	c *collective.Comm
}

func (l localComm) Rank() int { return l.c.Rank() }
func (l localComm) Size() int { return l.c.Size() }

func (l localComm) AllGather(ctx context.Context, v Dimensions) ([]Dimensions, error) {
	all, err := l.c.AllGather(ctx, v)
	if err != nil {
		return nil, err
	}
	out := make([]Dimensions, len(all))
	for i, d := range all {
		out[i] = Dimensions(d)
	}
	return out, nil
}

func (l localComm) Gather(ctx context.Context, root int, data []byte) ([][]byte, error) {
	return l.c.Gather(ctx, root, data)
}

func (l localComm) Barrier(ctx context.Context) error {
	return l.c.Barrier(ctx)
}

// NewLocalComms returns the communicators of n ranks that run as goroutines
// of the calling process.
func NewLocalComms(n int) []Comm {
	g := collective.NewGroup(n)
	comms := make([]Comm, n)
	for i := range comms {
		comms[i] = localComm{g.Comm(i)}
	}
	return comms
}

// RunLocal runs fn once for each of n in-process ranks and waits for all of
// them. A failing rank aborts the collectives of the others; the first
// error is returned.
func RunLocal(ctx context.Context, n int, fn func(ctx context.Context, comm Comm) error) error {
	return collective.Run(ctx, n, func(ctx context.Context, c *collective.Comm) error {
		return fn(ctx, localComm{c})
	})
}
