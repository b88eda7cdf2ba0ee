// Package syscall implements the kernel's system call table.
package syscall

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// System call numbers.
const (
	SysWrite   = 64
	SysExit    = 93
	SysYield   = 124
	SysGetTime = 169
)

// FdStdout is the only file descriptor write accepts.
const FdStdout = 1

// TimeValSize is the in-memory size of a TimeVal.
const TimeValSize = 16

// TimeVal is the time value get_time fills in.
type TimeVal struct {
	Sec  uint64
	Usec uint64
}

// Scheduler is the part of the task manager system calls drive.
type Scheduler interface {
	Current() int
	SuspendCurrentAndRunNext()
	ExitCurrentAndRunNext()
}

// Memory is the memory user buffers live in.
type Memory interface {
	Read(addr uint64, n int) ([]byte, error)
	Write(addr uint64, b []byte) error
}

// ExitHook is told the exit code of every application that calls exit.
type ExitHook interface {
	TaskExited(id int, code int32)
}

// UnsupportedError is returned for a system call number the table does not
// implement.
type UnsupportedError struct {
	ID uint64
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported syscall id %d", e.ID)
}

// Table dispatches system calls.
type Table struct {
	sched   Scheduler
	mem     Memory
	console io.Writer
	exits   ExitHook
	logger  *slog.Logger
	now     func() time.Time
	boot    time.Time
}

// Option configures optional Table dependencies.
type Option func(*Table)

// WithExitHook sets the hook notified on exit.
func WithExitHook(hook ExitHook) Option {
	return func(t *Table) {
		t.exits = hook
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) {
		t.logger = logger
	}
}

// WithClock replaces the wall clock get_time reads.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		t.now = now
	}
}

// New creates the system call table. Application output is written to console.
func New(sched Scheduler, memory Memory, console io.Writer, opts ...Option) *Table {
	t := &Table{
		sched:   sched,
		mem:     memory,
		console: console,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "syscall")
	t.boot = t.now()
	return t
}

// Syscall runs system call id with its register arguments.
func (t *Table) Syscall(id uint64, args [3]uint64) (int64, error) {
	switch id {
	case SysWrite:
		return t.write(args[0], args[1], args[2]), nil
	case SysExit:
		t.exit(int32(args[0]))
		return 0, nil
	case SysYield:
		return t.yield(), nil
	case SysGetTime:
		return t.getTime(args[0]), nil
	}
	t.logger.Warn("unsupported syscall", "id", id, "task", t.sched.Current())
	return 0, &UnsupportedError{ID: id}
}

func (t *Table) write(fd, buf, n uint64) int64 {
	if fd != FdStdout {
		t.logger.Debug("write to unsupported fd", "fd", fd, "task", t.sched.Current())
		return -1
	}
	b, err := t.mem.Read(buf, int(n))
	if err != nil {
		t.logger.Debug("write from invalid buffer", "error", err, "task", t.sched.Current())
		return -1
	}
	written, err := t.console.Write(b)
	if err != nil {
		t.logger.Error("console write failed", "error", err)
		return -1
	}
	return int64(written)
}

// exit never returns: the calling task is EXITED and is never resumed.
func (t *Table) exit(code int32) {
	id := t.sched.Current()
	t.logger.Info("application exited", "task", id, "code", code)
	if t.exits != nil {
		t.exits.TaskExited(id, code)
	}
	t.sched.ExitCurrentAndRunNext()
	panic(fmt.Sprintf("exited application %d was resumed", id))
}

func (t *Table) yield() int64 {
	t.sched.SuspendCurrentAndRunNext()
	return 0
}

func (t *Table) getTime(addr uint64) int64 {
	d := t.now().Sub(t.boot)
	if d < 0 {
		d = 0
	}
	us := uint64(d / time.Microsecond)
	var b [TimeValSize]byte
	binary.LittleEndian.PutUint64(b[:8], us/1_000_000)
	binary.LittleEndian.PutUint64(b[8:], us%1_000_000)
	if err := t.mem.Write(addr, b[:]); err != nil {
		t.logger.Debug("get_time into invalid buffer", "error", err, "task", t.sched.Current())
		return -1
	}
	return 0
}
