// Package mem models the board's physical memory as a set of named regions.
package mem

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// Access is the kind of memory access that faulted.
type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
)

// Fault reports an access outside every mapped region, or one that runs off
// the end of the region it starts in.
type Fault struct {
	Access Access
	Addr   uint64
	Len    int
}

func (f *Fault) Error() string {
	return fmt.Sprintf("memory fault: %s of %d bytes at %#x", f.Access, f.Len, f.Addr)
}

// Region is a contiguous mapped range.
type Region struct {
	Name string
	Base uint64
	data []byte
}

// Size returns the region length in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.data))
}

// End returns the first address past the region.
func (r *Region) End() uint64 {
	return r.Base + r.Size()
}

func (r *Region) contains(addr uint64, n int) bool {
	return addr >= r.Base && addr+uint64(n) <= r.End() && addr+uint64(n) >= addr
}

// Physical is the physical address space.
type Physical struct {
	mu      sync.RWMutex
	regions []*Region // sorted by Base
}

// NewPhysical returns an empty address space.
func NewPhysical() *Physical {
	return &Physical{}
}

// Map creates a zero-filled region. Overlapping an existing region is an error.
func (p *Physical) Map(name string, base, size uint64) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("map %s: empty region", name)
	}
	if base+size < base {
		return nil, fmt.Errorf("map %s: region wraps the address space", name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.regions {
		if base < r.End() && r.Base < base+size {
			return nil, fmt.Errorf("map %s [%#x, %#x): overlaps %s [%#x, %#x)",
				name, base, base+size, r.Name, r.Base, r.End())
		}
	}
	r := &Region{Name: name, Base: base, data: make([]byte, size)}
	p.regions = append(p.regions, r)
	sort.Slice(p.regions, func(i, j int) bool { return p.regions[i].Base < p.regions[j].Base })
	return r, nil
}

// Regions returns the mapped regions in address order.
func (p *Physical) Regions() []*Region {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Region, len(p.regions))
	copy(out, p.regions)
	return out
}

func (p *Physical) find(addr uint64, n int) *Region {
	i := sort.Search(len(p.regions), func(i int) bool { return p.regions[i].End() > addr })
	if i < len(p.regions) && p.regions[i].contains(addr, n) {
		return p.regions[i]
	}
	return nil
}

// Read copies n bytes starting at addr.
func (p *Physical) Read(addr uint64, n int) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r := p.find(addr, n)
	if r == nil {
		return nil, &Fault{Access: AccessRead, Addr: addr, Len: n}
	}
	off := addr - r.Base
	out := make([]byte, n)
	copy(out, r.data[off:off+uint64(n)])
	return out, nil
}

// Write copies b to addr.
func (p *Physical) Write(addr uint64, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.find(addr, len(b))
	if r == nil {
		return &Fault{Access: AccessWrite, Addr: addr, Len: len(b)}
	}
	copy(r.data[addr-r.Base:], b)
	return nil
}

// ReadUint64 reads a little-endian doubleword.
func (p *Physical) ReadUint64(addr uint64) (uint64, error) {
	b, err := p.Read(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteUint64 writes a little-endian doubleword.
func (p *Physical) WriteUint64(addr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return p.Write(addr, b[:])
}
