package proxy

import "sync"

// DefaultBufferSize is used when no buffer size is configured.
const DefaultBufferSize = 8 * 1024

// bufferPool hands out byte slices of one fixed size for relaying and body
// copies. A new pool is created whenever the configured size changes.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return bp
}

var defaultPool = newBufferPool(DefaultBufferSize)

// get retrieves a buffer from the pool.
// The caller must return the buffer using put when done.
func (bp *bufferPool) get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// put returns a buffer to the pool for reuse.
func (bp *bufferPool) put(buf *[]byte) {
	if buf != nil && len(*buf) == bp.size {
		bp.pool.Put(buf)
	}
}
