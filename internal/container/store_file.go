package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// FileStore keeps images as files below a directory or URL prefix. Paths are
// resolved by grailbio's file package, so the prefix may name a local
// directory or any registered object store.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. An empty dir resolves names as
// given.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(name string) string {
	if s.dir == "" {
		return name
	}
	return file.Join(s.dir, name)
}

// Stat implements Store.
func (s *FileStore) Stat(ctx context.Context, name string) (int64, error) {
	info, err := file.Stat(ctx, s.path(name))
	if err != nil {
		return 0, notExist(err, name)
	}
	return info.Size(), nil
}

// Open implements Store.
func (s *FileStore) Open(ctx context.Context, name string) (Source, error) {
	f, err := file.Open(ctx, s.path(name))
	if err != nil {
		return nil, notExist(err, name)
	}
	info, err := f.Stat(ctx)
	if err != nil {
		_ = f.Close(ctx)
		return nil, errors.E(err, fmt.Sprintf("stat %s", name))
	}
	return &fileSource{f: f, r: f.Reader(ctx), size: info.Size()}, nil
}

// Put implements Store. The file package commits the new contents on Close.
func (s *FileStore) Put(ctx context.Context, name string, image []byte) error {
	f, err := file.Create(ctx, s.path(name))
	if err != nil {
		return errors.E(err, fmt.Sprintf("create %s", name))
	}
	if _, err := f.Writer(ctx).Write(image); err != nil {
		f.Discard(ctx)
		return errors.E(err, fmt.Sprintf("write %s", name))
	}
	if err := f.Close(ctx); err != nil {
		return errors.E(err, fmt.Sprintf("commit %s", name))
	}
	return nil
}

// Remove implements Store.
func (s *FileStore) Remove(ctx context.Context, name string) error {
	if err := file.Remove(ctx, s.path(name)); err != nil {
		return notExist(err, name)
	}
	return nil
}

// List implements Store. The parent directory of prefix is listed and the
// result filtered, since partial file names are not listable prefixes on
// every backend.
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.path(prefix)
	dir := "."
	if i := strings.LastIndex(full, "/"); i >= 0 {
		dir = full[:i]
	}
	root := ""
	if s.dir != "" {
		root = strings.TrimSuffix(s.dir, "/") + "/"
	}
	var names []string
	lst := file.List(ctx, dir, false)
	for lst.Scan() {
		if lst.IsDir() || !strings.HasPrefix(lst.Path(), full) {
			continue
		}
		names = append(names, strings.TrimPrefix(lst.Path(), root))
	}
	if err := lst.Err(); err != nil {
		return nil, errors.E(err, fmt.Sprintf("list %s", prefix))
	}
	sort.Strings(names)
	return names, nil
}

// fileSource adapts the seekable reader of a grailbio file to io.ReaderAt.
type fileSource struct {
	mu   sync.Mutex
	f    file.File
	r    io.ReadSeeker
	size int64
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.r.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(s.r, p)
}

func (s *fileSource) Size() int64 {
	return s.size
}

func (s *fileSource) Close(ctx context.Context) error {
	return s.f.Close(ctx)
}

func notExist(err error, name string) error {
	if os.IsNotExist(err) || errors.Is(errors.NotExist, err) {
		return errors.E(errors.NotExist, name, err)
	}
	return errors.E(err, name)
}
