package bufpool

import "testing"

func TestBytePoolGetReturnsSizedBuffer(t *testing.T) {
	p := NewBytePool(64)
	buf := p.Get()
	if len(buf) != 64 {
		t.Fatalf("expected length 64, got %d", len(buf))
	}
	p.Put(buf)
	buf2 := p.Get()
	if len(buf2) != 64 {
		t.Fatalf("expected length 64 on reuse, got %d", len(buf2))
	}
}

func TestBytePoolPutRejectsUndersizedBuffer(t *testing.T) {
	p := NewBytePool(128)
	small := make([]byte, 4)
	p.Put(small) // must not panic, must not be handed back out
	buf := p.Get()
	if len(buf) != 128 {
		t.Fatalf("expected length 128, got %d", len(buf))
	}
}

func TestManagerReusesPoolPerSize(t *testing.T) {
	m := NewManager()
	a := m.Pool(256)
	b := m.Pool(256)
	if a != b {
		t.Fatalf("expected the same BytePool instance for the same size")
	}
	c := m.Pool(512)
	if a == c {
		t.Fatalf("expected a distinct BytePool for a different size")
	}
}
