package bitfield

import "testing"

func TestGetSetMSBFirst(t *testing.T) {
	bf := New(10)
	bf.Set(0, true)
	bf.Set(1, true)
	if !bf.Get(0) || !bf.Get(1) {
		t.Fatal("expected bits 0 and 1 set")
	}
	for i := 2; i < 10; i++ {
		if bf.Get(i) {
			t.Fatalf("bit %d should be clear", i)
		}
	}
}

func TestFromBytesMSBFirst(t *testing.T) {
	// 0xC0 == 1100 0000 -> bits 0 and 1 set, MSB-first within the byte.
	bf := FromBytes([]byte{0xC0}, 8)
	if !bf.Get(0) || !bf.Get(1) {
		t.Fatal("expected bits 0 and 1 set from 0xC0")
	}
	for i := 2; i < 8; i++ {
		if bf.Get(i) {
			t.Fatalf("bit %d should be clear", i)
		}
	}
}

func TestFromBytesIgnoresTrailingBits(t *testing.T) {
	// Declares 3 bits worth of pieces but supplies a full byte; bits past n
	// must simply never be queried, and construction must not panic.
	bf := FromBytes([]byte{0xFF}, 3)
	if bf.Len() != 3 {
		t.Fatalf("expected length 3, got %d", bf.Len())
	}
	if bf.CountOnes() != 3 {
		t.Fatalf("expected 3 ones, got %d", bf.CountOnes())
	}
}

func TestFromBytesShortBuffer(t *testing.T) {
	// n declares more bits than the supplied buffer covers; remaining bits
	// stay clear rather than panicking.
	bf := FromBytes([]byte{0x80}, 16)
	if !bf.Get(0) {
		t.Fatal("expected bit 0 set")
	}
	for i := 1; i < 16; i++ {
		if bf.Get(i) {
			t.Fatalf("bit %d should be clear", i)
		}
	}
}

func TestCountOnes(t *testing.T) {
	bf := New(16)
	bf.Set(0, true)
	bf.Set(5, true)
	bf.Set(15, true)
	if got := bf.CountOnes(); got != 3 {
		t.Fatalf("expected 3 ones, got %d", got)
	}
	bf.Set(5, false)
	if got := bf.CountOnes(); got != 2 {
		t.Fatalf("expected 2 ones after clearing bit 5, got %d", got)
	}
}

func TestFill(t *testing.T) {
	bf := New(13)
	bf.Fill(true)
	if got := bf.CountOnes(); got != 13 {
		t.Fatalf("expected 13 ones, got %d", got)
	}
	bf.Fill(false)
	if got := bf.CountOnes(); got != 0 {
		t.Fatalf("expected 0 ones, got %d", got)
	}
}

func TestMisalignedLength(t *testing.T) {
	bf := New(3)
	bf.Set(2, true)
	if !bf.Get(2) {
		t.Fatal("expected bit 2 set on a misaligned-length bitfield")
	}
}
