package optimize

import (
	"sync"
)

// MTU is the receive buffer size for a single RTP packet.
const MTU = 1500

// BytePool hands out fixed-size byte slices. Pointers are pooled so Put does
// not allocate.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a new byte pool with specified size
func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size is the length of every slice returned by Get.
func (p *BytePool) Size() int { return p.size }

// Get returns a slice of exactly Size bytes. Contents are unspecified.
func (p *BytePool) Get() *[]byte {
	b := p.pool.Get().(*[]byte)
	*b = (*b)[:p.size]
	return b
}

// Put returns a slice to the pool. Slices too small for the pool are dropped.
func (p *BytePool) Put(b *[]byte) {
	if b == nil || cap(*b) < p.size {
		return
	}
	p.pool.Put(b)
}
