package splash

import (
	"context"

	"github.com/scigolib/splash/internal/container"
	"gocloud.dev/blob"
)

// Store persists container files by name.
type Store = container.Store

// Source is a random-access view of one stored file.
type Source = container.Source

// BucketStore is a Store backed by a gocloud.dev bucket.
type BucketStore = container.BucketStore

// NewFileStore keeps files below dir, which may be a local directory or any
// URL prefix understood by github.com/grailbio/base/file.
func NewFileStore(dir string) Store {
	return container.NewFileStore(dir)
}

// NewBucketStore keeps files as objects of a gocloud.dev bucket.
func NewBucketStore(bucket *blob.Bucket) *BucketStore {
	return container.NewBucketStore(bucket)
}

// OpenBucketStore opens a bucket by URL, e.g. "mem://" or "file:///data".
func OpenBucketStore(ctx context.Context, url string) (*BucketStore, error) {
	return container.OpenBucketStore(ctx, url)
}

// IOMode selects how the ranks of a parallel collector write a shared file.
type IOMode int

const (
	// Collective gathers every rank's block to rank 0, which writes them.
	Collective IOMode = iota
	// Independent lets every rank write its own block in turn.
	Independent
)

func (m IOMode) String() string {
	if m == Independent {
		return "independent"
	}
	return "collective"
}

// Filter is one stage of the compression pipeline.
type Filter = container.FilterSpec

// Shuffle reorders element bytes by significance. A zero size uses the
// element size of each dataset.
func Shuffle(size uint32) Filter {
	return Filter{ID: container.FilterShuffle, Params: []uint32{size}}
}

// Deflate compresses with DEFLATE at level 1..9.
func Deflate(level uint32) Filter {
	return Filter{ID: container.FilterDeflate, Params: []uint32{level}}
}

// Zstd compresses with Zstandard at level 1..22.
func Zstd(level uint32) Filter {
	return Filter{ID: container.FilterZstd, Params: []uint32{level}}
}

// Fletcher32 appends a checksum verified on read.
func Fletcher32() Filter {
	return Filter{ID: container.FilterFletcher32}
}

type options struct {
	maxHandles int
	store      Store
	ioMode     IOMode
	filters    []Filter
}

// Option configures a collector.
type Option func(*options)

// WithMaxFileHandles bounds the number of files a collector keeps open.
// Zero, the default, means no bound.
func WithMaxFileHandles(n int) Option {
	return func(o *options) { o.maxHandles = n }
}

// WithStore sets where files are kept. The default resolves file names with
// github.com/grailbio/base/file.
func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

// WithIOMode sets how a parallel collector writes. The default is Collective.
func WithIOMode(m IOMode) Option {
	return func(o *options) { o.ioMode = m }
}

// WithFilters sets the pipeline used for datasets of files opened with
// compression enabled. The default is Shuffle(0) followed by Deflate(1).
func WithFilters(filters ...Filter) Option {
	return func(o *options) { o.filters = append([]Filter(nil), filters...) }
}

func newOptions(opts []Option) options {
	o := options{filters: []Filter{Shuffle(0), Deflate(1)}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = container.NewFileStore("")
	}
	return o
}

// datasetOptions returns the container options for a new dataset of typ.
func (o options) datasetOptions(typ Datatype, compress bool, maxDims []uint64) []container.DatasetOption {
	var opts []container.DatasetOption
	if maxDims != nil {
		opts = append(opts, container.WithMaxDims(maxDims))
	}
	if !compress {
		return opts
	}
	filters := make([]Filter, len(o.filters))
	for i, f := range o.filters {
		if f.ID == container.FilterShuffle && (len(f.Params) == 0 || f.Params[0] == 0) {
			f = Shuffle(typ.Size)
		}
		filters[i] = f
	}
	return append(opts, container.WithFilters(filters...))
}
