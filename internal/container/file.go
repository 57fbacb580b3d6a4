// Package container implements the self-describing hierarchical file format
// that holds domain data: a tree of groups and n-dimensional typed datasets,
// each carrying small typed attributes. Images are kept in a Store and are
// replaced as a whole when a writable File is flushed.
package container

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/scigolib/splash/internal/core"
	"github.com/scigolib/splash/internal/utils"
	"github.com/spaolacci/murmur3"
)

// File is an open container image.
//
// A writable File keeps all modifications in memory until Flush or Close
// persists a complete new image. A File is not safe for concurrent use.
type File struct {
	name     string
	store    Store
	writable bool
	dirty    bool
	closed   bool
	src      Source
	img      core.Image // src without a leading user block
	root     *Group
	// written is the murmur3 hash of the last image Flush stored.
	written [2]uint64
}

// Create starts a new, empty image. Any image already stored under name is
// replaced on the first Flush.
func Create(ctx context.Context, store Store, name string) (*File, error) {
	f := &File{name: name, store: store, writable: true, dirty: true}
	f.root = newGroup(f, "")
	return f, nil
}

// Open opens the stored image name. Payloads are read lazily from the
// store; a writable File may be modified and flushed back.
func Open(ctx context.Context, store Store, name string, writable bool) (*File, error) {
	src, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	f := &File{name: name, store: store, writable: writable, src: src}
	if f.root, err = f.readImage(); err != nil {
		_ = src.Close(ctx)
		return nil, errors.E(fmt.Sprintf("open %s", name), err)
	}
	return f, nil
}

func (f *File) readImage() (*Group, error) {
	sb, err := core.ReadSuperblock(f.src)
	if err != nil {
		return nil, err
	}
	f.img = f.src
	if sb.BaseAddress != 0 {
		f.img = io.NewSectionReader(f.src, int64(sb.BaseAddress), f.src.Size()-int64(sb.BaseAddress)) //nolint:gosec // G115: the superblock was found inside the image
	}
	if size := uint64(f.img.Size()); sb.EndOfFile != core.Undefined && sb.EndOfFile > size { //nolint:gosec // G115: sizes are never negative
		return nil, errors.E(errors.Integrity, fmt.Sprintf("image truncated to %d of %d bytes", size, sb.EndOfFile))
	}
	return decodeImage(f, f.img, sb.RootAddress)
}

// Name returns the name of the image in its store.
func (f *File) Name() string {
	return f.name
}

// Writable reports whether the file accepts modifications.
func (f *File) Writable() bool {
	return f.writable
}

// Root returns the root group.
func (f *File) Root() *Group {
	return f.root
}

// mutable is called before every modification.
func (f *File) mutable() error {
	if f.closed {
		return errors.E(errors.Precondition, fmt.Sprintf("%s is closed", f.name))
	}
	if !f.writable {
		return errors.E(errors.Precondition, fmt.Sprintf("%s is opened read-only", f.name))
	}
	f.dirty = true
	return nil
}

func (f *File) readable() error {
	if f.closed {
		return errors.E(errors.Precondition, fmt.Sprintf("%s is closed", f.name))
	}
	return nil
}

// Flush persists all modifications as a new image. Nothing is written when
// the file is unchanged.
func (f *File) Flush(ctx context.Context) error {
	if err := f.readable(); err != nil {
		return err
	}
	if !f.writable || !f.dirty {
		return nil
	}

	image, stores, err := encodeImage(ctx, f.root)
	if err != nil {
		return errors.E(fmt.Sprintf("flush %s", f.name), err)
	}
	sum := [2]uint64{}
	sum[0], sum[1] = murmur3.Sum128(image)
	if sum == f.written && f.unchangedInStore(ctx, len(image)) {
		log.Debug.Printf("container: %s unchanged, not stored again", f.name)
	} else {
		if err := f.store.Put(ctx, f.name, image); err != nil {
			return errors.E(fmt.Sprintf("flush %s", f.name), err)
		}
		f.written = sum
		log.Debug.Printf("container: flushed %s (%d bytes, %d datasets)", f.name, len(image), len(stores))
	}

	for d, st := range stores {
		d.st = st
	}
	if f.src != nil {
		if err := f.src.Close(ctx); err != nil {
			log.Error.Printf("container: close previous image of %s: %v", f.name, err)
		}
	}
	f.src = newBytesSource(image)
	f.img = f.src
	f.dirty = false
	return nil
}

// unchangedInStore reports whether the store still holds an image of size
// bytes under the file's name.
func (f *File) unchangedInStore(ctx context.Context, size int) bool {
	n, err := f.store.Stat(ctx, f.name)
	return err == nil && n == int64(size)
}

// Close flushes a writable file and releases the image. Closing twice is a
// no-op.
func (f *File) Close(ctx context.Context) error {
	if f.closed {
		return nil
	}
	err := f.Flush(ctx)
	if f.src != nil {
		if cerr := f.src.Close(ctx); err == nil {
			err = cerr
		}
	}
	f.closed = true
	f.src, f.img = nil, nil
	return err
}

// validName checks a group, dataset or attribute name.
func validName(name string) error {
	switch {
	case name == "":
		return errors.E(errors.Invalid, "empty name")
	case strings.Contains(name, "/"):
		return errors.E(errors.Invalid, fmt.Sprintf("name %q contains a path separator", name))
	case len(name) > utils.MaxNameLength:
		return errors.E(errors.Invalid, fmt.Sprintf("name of %d bytes exceeds limit %d", len(name), utils.MaxNameLength))
	}
	return nil
}
