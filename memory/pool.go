// Package memory provides reusable buffers for wire message assembly.
package memory

import (
	"bytes"
	"sync"
)

// Default pool sizes.
const (
	// SmallBufferSize fits typical request/response frames (4KB).
	SmallBufferSize = 4 * 1024
	// LargeBufferSize fits serialized block chunks (1MB).
	LargeBufferSize = 1024 * 1024
)

// BufferPool manages a pool of reusable byte buffers.
type BufferPool struct {
	pool        sync.Pool
	defaultSize int
}

// NewBufferPool creates a new buffer pool with the specified default size.
func NewBufferPool(defaultSize int) *BufferPool {
	if defaultSize <= 0 {
		defaultSize = SmallBufferSize
	}
	return &BufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, defaultSize))
			},
		},
		defaultSize: defaultSize,
	}
}

// Get returns a buffer from the pool.
func (p *BufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

// Put returns a buffer to the pool after resetting it.
// Buffers that grew well past the default size are dropped.
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	buf.Reset()
	if buf.Cap() <= p.defaultSize*4 {
		p.pool.Put(buf)
	}
}

// Global pools for common use cases.
var (
	// SmallBufferPool is a global pool for message-sized buffers (4KB).
	SmallBufferPool = NewBufferPool(SmallBufferSize)

	// LargeBufferPool is a global pool for chunk-sized buffers (1MB).
	LargeBufferPool = NewBufferPool(LargeBufferSize)
)

// GetBuffer returns a buffer from the appropriate pool based on size hint.
func GetBuffer(sizeHint int) *bytes.Buffer {
	if sizeHint <= SmallBufferSize {
		return SmallBufferPool.Get()
	}
	return LargeBufferPool.Get()
}

// PutBuffer returns a buffer to the appropriate pool.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if buf.Cap() <= SmallBufferSize*4 {
		SmallBufferPool.Put(buf)
	} else {
		LargeBufferPool.Put(buf)
	}
}
