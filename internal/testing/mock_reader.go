// Package testing provides fault-injecting readers for container tests.
package testing

import (
	"context"
	"errors"
	"sync"
)

// ErrInjected is returned by reads that were told to fail.
var ErrInjected = errors.New("injected read failure")

// MockReaderAt serves an in-memory image and can be told to fail or to
// return short reads. It satisfies the container Source interface.
type MockReaderAt struct {
	mu        sync.Mutex
	data      []byte
	failAfter int // reads left before failures start; negative disables
	short     bool
	reads     int
}

// NewMockReaderAt creates a mock reader with the given data.
func NewMockReaderAt(data []byte) *MockReaderAt {
	return &MockReaderAt{data: data, failAfter: -1}
}

// FailAfter makes every read after the first n fail with ErrInjected.
func (m *MockReaderAt) FailAfter(n int) *MockReaderAt {
	m.mu.Lock()
	m.failAfter = n
	m.mu.Unlock()
	return m
}

// ShortReads makes every read return one byte less than requested.
func (m *MockReaderAt) ShortReads() *MockReaderAt {
	m.mu.Lock()
	m.short = true
	m.mu.Unlock()
	return m
}

// Reads returns the number of ReadAt calls so far.
func (m *MockReaderAt) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// ReadAt implements io.ReaderAt.
func (m *MockReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.failAfter >= 0 && m.reads > m.failAfter {
		return 0, ErrInjected
	}
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= int64(len(m.data)) {
		return 0, errors.New("offset beyond EOF")
	}

	want := p
	if m.short && len(want) > 0 {
		want = want[:len(want)-1]
	}
	n = copy(want, m.data[off:])
	if n < len(p) {
		err = errors.New("short read")
	}
	return
}

// Size returns the image size.
func (m *MockReaderAt) Size() int64 {
	return int64(len(m.data))
}

// Close is a no-op.
func (m *MockReaderAt) Close(context.Context) error {
	return nil
}

// Corrupt returns a copy of data with the byte at off inverted.
func Corrupt(data []byte, off int) []byte {
	out := append([]byte(nil), data...)
	out[off] ^= 0xff
	return out
}
