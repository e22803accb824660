package buffer

import "testing"

func TestGetPut(t *testing.T) {
	buf := Get()
	if len(buf) != Size {
		t.Fatalf("Expected buffer of %d bytes, got %d", Size, len(buf))
	}

	// Sliced buffers come back at full length
	Put(buf[:10])
	if again := Get(); len(again) != Size {
		t.Errorf("Expected buffer of %d bytes, got %d", Size, len(again))
	}

	// Undersized buffers are not pooled
	Put(make([]byte, 16))
}
