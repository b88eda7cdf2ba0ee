package trap

import (
	"fmt"

	"github.com/me/batchos/internal/mem"
)

// User is the user-mode view of the hart given to a running program: its
// stack, its memory accesses, and the ecall instruction.
type User struct {
	h           *Handler
	task        int
	sp          uint64
	stackTop    uint64
	stackBottom uint64
}

// Task returns the id of the task the program runs as.
func (u *User) Task() int {
	return u.task
}

// SP returns the user stack pointer.
func (u *User) SP() uint64 {
	return u.sp
}

// Ecall traps into the kernel with system call id and up to three
// arguments, and returns the value left in a0.
func (u *User) Ecall(id uint64, args ...uint64) int64 {
	if len(args) > 3 {
		panic(fmt.Errorf("ecall %d: %d arguments, at most 3 are passed in registers", id, len(args)))
	}
	var a [3]uint64
	copy(a[:], args)
	return u.h.trap(u, id, a)
}

// Alloca reserves n bytes on the user stack, 8-byte aligned, and returns
// their address and a function that pops them again.
func (u *User) Alloca(n int) (uint64, func()) {
	size := (uint64(n) + 7) &^ 7
	if size > u.sp-u.stackBottom {
		panic(&mem.Fault{Access: mem.AccessWrite, Addr: u.sp - size, Len: n})
	}
	saved := u.sp
	u.sp -= size
	return u.sp, func() { u.sp = saved }
}

// Store writes b to user memory. An invalid address is a store fault.
func (u *User) Store(addr uint64, b []byte) {
	if err := u.h.mem.Write(addr, b); err != nil {
		panic(err)
	}
}

// Load reads n bytes of user memory. An invalid address is a load fault.
func (u *User) Load(addr uint64, n int) []byte {
	b, err := u.h.mem.Read(addr, n)
	if err != nil {
		panic(err)
	}
	return b
}

// LoadUint64 reads a doubleword of user memory.
func (u *User) LoadUint64(addr uint64) uint64 {
	v, err := u.h.mem.ReadUint64(addr)
	if err != nil {
		panic(err)
	}
	return v
}
