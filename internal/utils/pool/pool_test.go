package pool

import "testing"

func TestGetReturnsEmptyBuffer(t *testing.T) {
	p := NewByteBufferPool(16)
	buf := p.Get()
	*buf = append(*buf, "payload"...)
	p.Put(buf)

	again := p.Get()
	if len(*again) != 0 {
		t.Fatalf("pooled buffer not reset: len=%d", len(*again))
	}
	if cap(*again) < 16 {
		t.Fatalf("cap = %d, want >= 16", cap(*again))
	}
}

func TestPutDropsOversizedBuffers(t *testing.T) {
	p := NewByteBufferPool(8)
	big := make([]byte, 0, 1024)
	p.Put(&big)
	p.Put(nil)

	if got := p.Get(); cap(*got) == 1024 {
		t.Fatal("oversized buffer was pooled")
	}
}

func TestForSize(t *testing.T) {
	if ForSize(100) != SmallBufferPool {
		t.Fatal("small payload should use SmallBufferPool")
	}
	if ForSize(10000) != LargeBufferPool {
		t.Fatal("large payload should use LargeBufferPool")
	}
}
