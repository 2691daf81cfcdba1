package internal

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// Buffer allocation in this library clusters around three sizes: control
// frames and frame headers, ordinary data messages up to the read buffer
// default, and the fixed segments of the streaming writer. BufferPool keeps
// one shard per class instead of a shard per power of two; payloads above
// the largest class are rare enough to allocate directly.
type BufferPool struct {
	sizes  [3]int
	shards [3]*sync.Pool
}

// NewBufferPool creates a pool with the three class capacities, ascending
func NewBufferPool(control, message, segment int) *BufferPool {
	var p = &BufferPool{sizes: [3]int{control, message, segment}}
	for i := range p.shards {
		capacity := p.sizes[i]
		p.shards[i] = &sync.Pool{
			New: func() any { return bytes.NewBuffer(make([]byte, 0, capacity)) },
		}
	}
	return p
}

// Get fetches an empty buffer of at least n bytes from the smallest class
// that fits it
func (p *BufferPool) Get(n int) *bytes.Buffer {
	for i, size := range p.sizes {
		if n <= size {
			b := p.shards[i].Get().(*bytes.Buffer)
			if b.Cap() < n {
				b.Grow(n)
			}
			b.Reset()
			return b
		}
	}
	return bytes.NewBuffer(make([]byte, 0, n))
}

// Put returns the buffer to the class its capacity still matches; buffers
// that grew past double a class, or shrank below the smallest, are dropped
func (p *BufferPool) Put(b *bytes.Buffer) {
	if b == nil {
		return
	}
	for i := len(p.sizes) - 1; i >= 0; i-- {
		if c := b.Cap(); c >= p.sizes[i] && c <= 2*p.sizes[i] {
			p.shards[i].Put(b)
			return
		}
	}
}

// ReaderPool recycles the bufio.Reader attached to each accepted connection;
// the reader lives as long as the connection, so Get binds it to the source
// straight away
type ReaderPool struct {
	p    sync.Pool
	size int
}

func NewReaderPool(size int) *ReaderPool {
	var c = &ReaderPool{size: size}
	c.p.New = func() any { return bufio.NewReaderSize(nil, size) }
	return c
}

// Get fetches a reader already reset onto the source
func (c *ReaderPool) Get(r io.Reader) *bufio.Reader {
	br := c.p.Get().(*bufio.Reader)
	br.Reset(r)
	return br
}

// Put detaches the reader from its connection and recycles it
func (c *ReaderPool) Put(br *bufio.Reader) {
	if br != nil {
		br.Reset(nil)
		c.p.Put(br)
	}
}
