// Package trap holds the trap context an application's registers are saved
// into on entry to the kernel, and the handler that runs on the other side.
package trap

import (
	"encoding/binary"
	"fmt"

	"github.com/me/batchos/internal/hart"
)

// ContextSize is the in-memory size of a Context: 32 general registers,
// sstatus and sepc, one doubleword each.
const ContextSize = (32 + 2) * 8

// General register numbers used by the trap path.
const (
	RegRA = 1
	RegSP = 2
	RegA0 = 10
	RegA1 = 11
	RegA2 = 12
	RegA7 = 17
)

// Sstatus is the supervisor status register.
type Sstatus uint64

const sstatusSPP = 1 << 8

// SPP returns the privilege level the trap was taken from, which is the one
// sret returns to.
func (s Sstatus) SPP() hart.Mode {
	if s&sstatusSPP != 0 {
		return hart.Supervisor
	}
	return hart.User
}

// SetSPP sets the previous privilege level.
func (s *Sstatus) SetSPP(m hart.Mode) {
	if m == hart.Supervisor {
		*s |= sstatusSPP
	} else {
		*s &^= sstatusSPP
	}
}

// Context is the register state saved on a trap. The field order is the
// memory layout the restore path reads.
type Context struct {
	X       [32]uint64
	Sstatus Sstatus
	Sepc    uint64
}

// AppInitContext returns the context an application first enters user mode
// with: every register zero except the stack pointer, resuming at entry.
func AppInitContext(entry, sp uint64) Context {
	var cx Context
	cx.Sstatus.SetSPP(hart.User)
	cx.Sepc = entry
	cx.SetSP(sp)
	return cx
}

// SetSP sets the saved stack pointer.
func (c *Context) SetSP(sp uint64) {
	c.X[RegSP] = sp
}

// MarshalBinary encodes the context in its little-endian memory layout.
func (c Context) MarshalBinary() ([]byte, error) {
	b := make([]byte, ContextSize)
	for i, x := range c.X {
		binary.LittleEndian.PutUint64(b[i*8:], x)
	}
	binary.LittleEndian.PutUint64(b[32*8:], uint64(c.Sstatus))
	binary.LittleEndian.PutUint64(b[33*8:], c.Sepc)
	return b, nil
}

// UnmarshalBinary decodes a context from its memory layout.
func (c *Context) UnmarshalBinary(b []byte) error {
	if len(b) != ContextSize {
		return fmt.Errorf("trap context: got %d bytes, want %d", len(b), ContextSize)
	}
	for i := range c.X {
		c.X[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	c.Sstatus = Sstatus(binary.LittleEndian.Uint64(b[32*8:]))
	c.Sepc = binary.LittleEndian.Uint64(b[33*8:])
	return nil
}
