package mem

import (
	"bytes"
	"errors"
	"testing"
)

func TestMap_Overlap(t *testing.T) {
	p := NewPhysical()
	if _, err := p.Map("a", 0x1000, 0x1000); err != nil {
		t.Fatalf("Map a: %v", err)
	}

	tests := []struct {
		name    string
		base    uint64
		size    uint64
		wantErr bool
	}{
		{"adjacent below", 0x0, 0x1000, false},
		{"adjacent above", 0x2000, 0x1000, false},
		{"inside", 0x1800, 0x10, true},
		{"straddles start", 0xff0, 0x20, true},
		{"covers", 0x800, 0x2000, true},
		{"empty", 0x9000, 0, true},
		{"wraps", ^uint64(0) - 4, 16, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Map(tt.name, tt.base, tt.size)
			if (err != nil) != tt.wantErr {
				t.Errorf("Map(%#x, %#x) err = %v, wantErr %v", tt.base, tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestReadWrite(t *testing.T) {
	p := NewPhysical()
	if _, err := p.Map("ram", 0x8000, 0x100); err != nil {
		t.Fatal(err)
	}
	if err := p.Write(0x8010, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := p.Read(0x8010, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Errorf("Read = %q, want hello", got)
	}

	got[0] = 'j'
	again, _ := p.Read(0x8010, 5)
	if again[0] != 'h' {
		t.Error("Read returned a slice aliasing memory")
	}

	if err := p.WriteUint64(0x80f8, 0x0102030405060708); err != nil {
		t.Fatalf("WriteUint64: %v", err)
	}
	b, _ := p.Read(0x80f8, 8)
	if b[0] != 0x08 || b[7] != 0x01 {
		t.Errorf("WriteUint64 not little-endian: % x", b)
	}
	v, err := p.ReadUint64(0x80f8)
	if err != nil || v != 0x0102030405060708 {
		t.Errorf("ReadUint64 = %#x, %v", v, err)
	}
}

func TestFaults(t *testing.T) {
	p := NewPhysical()
	if _, err := p.Map("ram", 0x8000, 0x100); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Map("next", 0x8100, 0x100); err != nil {
		t.Fatal(err)
	}

	var f *Fault
	if err := p.Write(0, []byte{1}); !errors.As(err, &f) || f.Access != AccessWrite || f.Addr != 0 {
		t.Errorf("Write(0) err = %v, want write fault at 0", err)
	}
	if _, err := p.Read(0x7fff, 2); !errors.As(err, &f) || f.Access != AccessRead {
		t.Errorf("Read below region err = %v, want read fault", err)
	}
	// Adjacent regions are still separate: an access may not cross them.
	if _, err := p.Read(0x80fc, 8); !errors.As(err, &f) {
		t.Errorf("Read across regions err = %v, want fault", err)
	}
	if _, err := p.Read(0x8100, 0x100); err != nil {
		t.Errorf("Read whole region: %v", err)
	}
}

func TestRegions_Sorted(t *testing.T) {
	p := NewPhysical()
	for _, base := range []uint64{0x3000, 0x1000, 0x2000} {
		if _, err := p.Map("r", base, 0x100); err != nil {
			t.Fatal(err)
		}
	}
	rs := p.Regions()
	for i := 1; i < len(rs); i++ {
		if rs[i-1].Base >= rs[i].Base {
			t.Fatalf("regions not sorted: %#x before %#x", rs[i-1].Base, rs[i].Base)
		}
	}
}
