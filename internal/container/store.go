package container

import (
	"bytes"
	"context"
	"io"
)

// Store persists container images by name. Implementations replace an image
// atomically on Put so a concurrent reader sees either the old or the new
// image, never a mix.
type Store interface {
	// Stat returns the size of the named image, or an error of kind
	// errors.NotExist.
	Stat(ctx context.Context, name string) (int64, error)

	// Open returns a random-access view of the named image.
	Open(ctx context.Context, name string) (Source, error)

	// Put creates or replaces the named image.
	Put(ctx context.Context, name string, image []byte) error

	// Remove deletes the named image.
	Remove(ctx context.Context, name string) error

	// List returns the names of all images starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Source is a random-access view of one stored image.
type Source interface {
	io.ReaderAt
	Size() int64
	Close(ctx context.Context) error
}

// bytesSource serves an image that is already in memory, typically the one
// that was just flushed.
type bytesSource struct {
	*bytes.Reader
}

func newBytesSource(image []byte) Source {
	return bytesSource{bytes.NewReader(image)}
}

func (bytesSource) Close(context.Context) error {
	return nil
}
