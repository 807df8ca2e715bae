package pool

import "sync"

// ByteBufferPool hands out reusable byte slices for encoding gossip frames.
type ByteBufferPool struct {
	pool sync.Pool
	size int
}

// NewByteBufferPool creates a pool whose fresh buffers have capacity initialCap.
func NewByteBufferPool(initialCap int) *ByteBufferPool {
	return &ByteBufferPool{
		size: initialCap,
		pool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 0, initialCap)
				return &buf
			},
		},
	}
}

// Get returns an empty buffer. Its capacity is at least the pool's initial capacity.
func (p *ByteBufferPool) Get() *[]byte {
	buf := p.pool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

// Put returns buf to the pool. Buffers that grew past four times the pool size
// are dropped so one large snapshot does not pin memory forever.
func (p *ByteBufferPool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) > 4*p.size {
		return
	}
	*buf = (*buf)[:0]
	p.pool.Put(buf)
}

var (
	// SmallBufferPool serves single-delta gossip and RPC frames (4KB).
	SmallBufferPool = NewByteBufferPool(4096)

	// LargeBufferPool serves full membership snapshots (64KB).
	LargeBufferPool = NewByteBufferPool(65536)
)

// ForSize picks the tier suited to an expected payload of n bytes.
func ForSize(n int) *ByteBufferPool {
	if n <= SmallBufferPool.size {
		return SmallBufferPool
	}
	return LargeBufferPool
}
