package bitfield

import "testing"

func TestBitfield_SetHasClear(t *testing.T) {
	bf := New(10)

	if bf.Len() != 16 {
		t.Fatalf("Len = %d, want 16 (rounded to byte)", bf.Len())
	}
	if bf.Has(3) {
		t.Fatal("fresh bitfield has bit set")
	}

	if !bf.Set(3) {
		t.Fatal("Set(3) reported no change")
	}
	if bf.Set(3) {
		t.Fatal("second Set(3) reported change")
	}
	if !bf.Has(3) {
		t.Fatal("Has(3) false after set")
	}

	if !bf.Clear(3) {
		t.Fatal("Clear(3) reported no change")
	}
	if bf.Has(3) {
		t.Fatal("Has(3) true after clear")
	}

	// Out-of-range accesses are inert.
	if bf.Set(-1) || bf.Set(16) || bf.Has(16) || bf.Clear(16) {
		t.Fatal("out-of-range access mutated or matched")
	}
}

func TestBitfield_MSBFirstLayout(t *testing.T) {
	bf := New(8)
	bf.Set(0)

	if bf[0] != 0b10000000 {
		t.Fatalf("bit 0 stored as %08b, want MSB", bf[0])
	}

	bf.Set(7)
	if bf[0] != 0b10000001 {
		t.Fatalf("bits 0,7 stored as %08b", bf[0])
	}
}

func TestBitfield_Count(t *testing.T) {
	bf := FromBytes([]byte{0xF0, 0x01})
	if got := bf.Count(); got != 5 {
		t.Fatalf("Count = %d, want 5", got)
	}
	if !bf.Any() || bf.None() {
		t.Fatal("Any/None inconsistent")
	}
}

func TestBitfield_ValidPadding(t *testing.T) {
	// 10 pieces in 2 bytes leaves 6 padding bits.
	ok := FromBytes([]byte{0xFF, 0b11000000})
	if !ok.ValidPadding(10) {
		t.Fatal("zero padding rejected")
	}

	bad := FromBytes([]byte{0xFF, 0b11000100})
	if bad.ValidPadding(10) {
		t.Fatal("set padding bit accepted")
	}
}

func TestBitfield_CloneIndependent(t *testing.T) {
	a := New(8)
	a.Set(1)

	b := a.Clone()
	b.Set(2)

	if a.Has(2) {
		t.Fatal("mutating clone changed original")
	}
	if !a.Equals(FromBytes([]byte{0b01000000})) {
		t.Fatal("Equals mismatch")
	}
}
