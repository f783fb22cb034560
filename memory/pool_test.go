package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPool_GetPut(t *testing.T) {
	p := NewBufferPool(64)

	buf := p.Get()
	require.NotNil(t, buf)
	assert.Equal(t, 0, buf.Len())

	buf.WriteString("hello")
	p.Put(buf)

	// Reused buffers come back reset
	buf2 := p.Get()
	assert.Equal(t, 0, buf2.Len())
}

func TestBufferPool_PutNil(t *testing.T) {
	p := NewBufferPool(64)
	p.Put(nil) // should not panic
}

func TestBufferPool_DropsOversized(t *testing.T) {
	p := NewBufferPool(8)

	buf := p.Get()
	buf.Write(make([]byte, 1024))
	p.Put(buf) // grew past 4x default, dropped

	buf2 := p.Get()
	assert.LessOrEqual(t, buf2.Cap(), 1024)
}

func TestGetBuffer_SizeHint(t *testing.T) {
	small := GetBuffer(100)
	require.NotNil(t, small)
	PutBuffer(small)

	large := GetBuffer(SmallBufferSize + 1)
	require.NotNil(t, large)
	PutBuffer(large)

	PutBuffer(nil) // should not panic
}
