// Package user is the user-mode runtime: system call wrappers and the
// programs a batch can be built from.
package user

import (
	"fmt"

	"github.com/me/batchos/internal/syscall"
	"github.com/me/batchos/internal/trap"
)

// Main wraps an application entry point the way the runtime's start routine
// does: the value main returns is passed to exit.
func Main(main func(u *trap.User) int32) trap.Program {
	return func(u *trap.User) {
		Exit(u, main(u))
	}
}

// Write writes b to file descriptor fd. It returns the number of bytes
// written or -1.
func Write(u *trap.User, fd int, b []byte) int64 {
	addr, pop := u.Alloca(len(b))
	defer pop()
	u.Store(addr, b)
	return u.Ecall(syscall.SysWrite, uint64(fd), addr, uint64(len(b)))
}

// Print formats to standard output.
func Print(u *trap.User, format string, args ...any) {
	Write(u, syscall.FdStdout, []byte(fmt.Sprintf(format, args...)))
}

// Println formats to standard output and appends a newline.
func Println(u *trap.User, format string, args ...any) {
	Print(u, format+"\n", args...)
}

// Yield gives up the processor.
func Yield(u *trap.User) int64 {
	return u.Ecall(syscall.SysYield)
}

// Exit terminates the application. It does not return.
func Exit(u *trap.User, code int32) {
	u.Ecall(syscall.SysExit, uint64(int64(code)))
	panic("exit returned")
}

// GetTime returns the milliseconds since boot, or -1.
func GetTime(u *trap.User) int64 {
	addr, pop := u.Alloca(syscall.TimeValSize)
	defer pop()
	if u.Ecall(syscall.SysGetTime, addr) < 0 {
		return -1
	}
	sec := u.LoadUint64(addr)
	usec := u.LoadUint64(addr + 8)
	return int64(sec*1000 + usec/1000)
}
