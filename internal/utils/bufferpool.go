// Package utils provides small helpers shared by the container and the
// collectors: pooled scratch buffers, fixed-width reads and overflow-checked
// extent arithmetic.
package utils

import "sync"

// Scratch rows larger than this are not returned to the pool.
const maxPooled = 1 << 20

var rowPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 4096)
		return &b
	},
}

// GetBuffer returns a scratch byte slice of length size. The contents are
// undefined.
func GetBuffer(size int) []byte {
	bp := rowPool.Get().(*[]byte)
	if cap(*bp) < size {
		rowPool.Put(bp)
		return make([]byte, size)
	}
	return (*bp)[:size]
}

// ReleaseBuffer hands a buffer obtained from GetBuffer back for reuse.
func ReleaseBuffer(buf []byte) {
	if cap(buf) > maxPooled {
		return
	}
	buf = buf[:0]
	rowPool.Put(&buf)
}
