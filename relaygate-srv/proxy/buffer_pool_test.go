package proxy

import (
	"bufio"
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolGetAndPut(t *testing.T) {
	bp := newBufferPool(1024)
	buf := bp.get()
	require.NotNil(t, buf)
	assert.Len(t, *buf, 1024)

	(*buf)[0] = 42
	bp.put(buf)

	buf2 := bp.get()
	require.NotNil(t, buf2)
	assert.Len(t, *buf2, 1024)
	bp.put(buf2)
}

func TestBufferPoolDefaults(t *testing.T) {
	bp := newBufferPool(0)
	assert.Equal(t, DefaultBufferSize, bp.size)
	bp.put(nil)

	foreign := make([]byte, 3)
	bp.put(&foreign)
	assert.Len(t, *bp.get(), DefaultBufferSize, "buffers of another size are not pooled")
}

func TestBufferPoolCopyBody(t *testing.T) {
	bp := newBufferPool(512)
	data := strings.Repeat("A", 512*3+17)
	var dst bytes.Buffer

	bufp := bp.get()
	defer bp.put(bufp)
	f := Framing{Kind: FramingContentLength, Length: int64(len(data))}
	n, err := copyBody(&dst, bufio.NewReader(strings.NewReader(data)), f, *bufp)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, dst.String())
}

func TestBufferPoolConcurrent(t *testing.T) {
	bp := newBufferPool(256)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bufp := bp.get()
			defer bp.put(bufp)
			if len(*bufp) != 256 {
				t.Errorf("buffer %d: len=%d", i, len(*bufp))
				return
			}
			for j := range *bufp {
				(*bufp)[j] = byte(i)
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkBufferPoolGetPut(b *testing.B) {
	bp := newBufferPool(DefaultBufferSize)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bufp := bp.get()
		(*bufp)[0] = byte(i)
		bp.put(bufp)
	}
}
