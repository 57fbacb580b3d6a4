package container

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/grailbio/base/errors"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	// URL openers for OpenBucketStore.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// BucketStore keeps images as objects in a gocloud bucket.
type BucketStore struct {
	bucket *blob.Bucket
}

// NewBucketStore wraps an open bucket. The caller keeps ownership of it.
func NewBucketStore(bucket *blob.Bucket) *BucketStore {
	return &BucketStore{bucket: bucket}
}

// OpenBucketStore opens a bucket by URL, e.g. "mem://" or
// "file:///scratch/run1".
func OpenBucketStore(ctx context.Context, url string) (*BucketStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("open bucket %s", url), err)
	}
	return NewBucketStore(bucket), nil
}

// Close releases the bucket.
func (s *BucketStore) Close() error {
	return s.bucket.Close()
}

// Stat implements Store.
func (s *BucketStore) Stat(ctx context.Context, name string) (int64, error) {
	attrs, err := s.bucket.Attributes(ctx, name)
	if err != nil {
		return 0, bucketError(err, name)
	}
	return attrs.Size, nil
}

// Open implements Store.
func (s *BucketStore) Open(ctx context.Context, name string) (Source, error) {
	size, err := s.Stat(ctx, name)
	if err != nil {
		return nil, err
	}
	return &bucketSource{ctx: ctx, bucket: s.bucket, key: name, size: size}, nil
}

// Put implements Store.
func (s *BucketStore) Put(ctx context.Context, name string, image []byte) error {
	if err := s.bucket.WriteAll(ctx, name, image, nil); err != nil {
		return bucketError(err, name)
	}
	return nil
}

// Remove implements Store.
func (s *BucketStore) Remove(ctx context.Context, name string) error {
	if err := s.bucket.Delete(ctx, name); err != nil {
		return bucketError(err, name)
	}
	return nil
}

// List implements Store.
func (s *BucketStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, bucketError(err, prefix)
		}
		if !obj.IsDir {
			names = append(names, obj.Key)
		}
	}
	sort.Strings(names)
	return names, nil
}

// bucketSource issues one range read per ReadAt.
type bucketSource struct {
	ctx    context.Context
	bucket *blob.Bucket
	key    string
	size   int64
}

func (s *bucketSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.size {
		return 0, io.EOF
	}
	r, err := s.bucket.NewRangeReader(s.ctx, s.key, off, int64(len(p)), nil)
	if err != nil {
		return 0, bucketError(err, s.key)
	}
	defer func() { _ = r.Close() }()
	n, err := io.ReadFull(r, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

func (s *bucketSource) Size() int64 {
	return s.size
}

func (s *bucketSource) Close(context.Context) error {
	return nil
}

func bucketError(err error, name string) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return errors.E(errors.NotExist, name, err)
	case gcerrors.InvalidArgument:
		return errors.E(errors.Invalid, name, err)
	default:
		return errors.E(err, name)
	}
}
