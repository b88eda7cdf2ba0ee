// Package hart implements the single hardware thread the kernel runs on.
//
// The hosted hart keeps one live callee-saved register bank and runs every
// kernel stack as its own goroutine. Exactly one of those goroutines executes
// at any time; Switch hands the hart from one to another, so a stack that
// switches away stays parked in Switch until some later switch targets it.
package hart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/me/batchos/internal/config"
	"github.com/me/batchos/internal/task"
)

// Mode is the privilege level the hart executes in.
type Mode uint8

const (
	User Mode = iota
	Supervisor
)

func (m Mode) String() string {
	switch m {
	case User:
		return "user"
	case Supervisor:
		return "supervisor"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// PanicError is the diagnostic of a kernel panic. Run returns it when the
// kernel halted on an unrecoverable condition.
type PanicError struct {
	Reason string
	Err    error
}

func (e *PanicError) Error() string {
	return "kernel panic: " + e.Reason
}

func (e *PanicError) Unwrap() error {
	return e.Err
}

func toPanicError(v any) *PanicError {
	switch x := v.(type) {
	case *PanicError:
		return x
	case error:
		return &PanicError{Reason: x.Error(), Err: x}
	default:
		return &PanicError{Reason: fmt.Sprint(v)}
	}
}

// Config holds hart configuration.
type Config struct {
	// RestoreEntry is the address a never-run task context returns to.
	RestoreEntry uint64
}

// DefaultConfig returns the board defaults.
func DefaultConfig() Config {
	return Config{RestoreEntry: config.RestoreEntry}
}

// thread is a kernel stack with a goroutine running on it.
type thread struct {
	id     int
	sp     uint64
	resume chan struct{}
}

// Machine is the hosted hart.
type Machine struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	started  bool
	threads  map[uint64]*thread
	current  *thread
	nthreads int
	restore  func()

	// Owned by whichever thread currently runs.
	regs task.Context
	mode Mode

	switches atomic.Uint64
	off      chan struct{}
	offOnce  sync.Once
	err      error
}

// New creates a powered-down hart.
func New(cfg Config, logger *slog.Logger) *Machine {
	return &Machine{
		cfg:     cfg,
		logger:  logger.With("component", "hart"),
		threads: make(map[uint64]*thread),
		mode:    Supervisor,
		off:     make(chan struct{}),
	}
}

// SetRestore installs the routine located at the restore entry. It runs on a
// fresh kernel stack the first time a task context pointing at the restore
// entry is switched to, with the live registers loaded from that context.
func (m *Machine) SetRestore(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restore = fn
}

// RestoreEntry returns the address of the restore routine.
func (m *Machine) RestoreEntry() uint64 {
	return m.cfg.RestoreEntry
}

// Registers returns the live register bank. Only code running on the hart
// may use it.
func (m *Machine) Registers() *task.Context {
	return &m.regs
}

// StackPointer returns the live stack pointer.
func (m *Machine) StackPointer() uint64 {
	return m.regs.SP
}

// Mode returns the current privilege level.
func (m *Machine) Mode() Mode {
	return m.mode
}

// SetMode changes the privilege level.
func (m *Machine) SetMode(mode Mode) {
	m.mode = mode
}

// Switches returns the number of context switches performed so far.
func (m *Machine) Switches() uint64 {
	return m.switches.Load()
}

// PoweredOff reports whether the hart has halted.
func (m *Machine) PoweredOff() bool {
	select {
	case <-m.off:
		return true
	default:
		return false
	}
}

// Run powers the hart on and executes boot on the boot stack. It blocks until
// the hart halts and returns nil for a clean shutdown, a *PanicError for a
// kernel panic, or ctx.Err() when ctx ends first.
func (m *Machine) Run(ctx context.Context, boot func()) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("hart: already powered on")
	}
	if m.restore == nil {
		m.mu.Unlock()
		return errors.New("hart: no restore routine installed")
	}
	m.started = true
	t := m.newThreadLocked(0)
	m.current = t
	m.mu.Unlock()

	m.logger.Debug("power on", "restore_entry", fmt.Sprintf("%#x", m.cfg.RestoreEntry))
	go m.exec(t, boot)

	select {
	case <-m.off:
	case <-ctx.Done():
		m.powerOff(ctx.Err())
	}
	return m.err
}

// Shutdown halts the hart and never returns to its caller. A nil err is the
// clean terminal condition; anything else halts as a kernel panic.
func (m *Machine) Shutdown(err error) {
	if err != nil {
		var pe *PanicError
		if !errors.As(err, &pe) {
			err = &PanicError{Reason: err.Error(), Err: err}
		}
	}
	m.powerOff(err)
	runtime.Goexit()
}

// Panic halts the hart with a formatted diagnostic.
func (m *Machine) Panic(format string, args ...any) {
	m.Shutdown(&PanicError{Reason: fmt.Sprintf(format, args...)})
}

func (m *Machine) powerOff(err error) {
	m.offOnce.Do(func() {
		m.err = err
		switch {
		case err == nil:
			m.logger.Info("shutdown", "switches", m.switches.Load())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			m.logger.Warn("power cut", "error", err)
		default:
			m.logger.Error("halted", "error", err)
		}
		close(m.off)
	})
}

// Switch saves the live register bank into from, loads to, and transfers
// control to the kernel stack named by to.SP. The caller stays suspended here
// until a later switch loads the context saved into from. Switching to the
// caller's own stack returns at once with the registers unchanged.
func (m *Machine) Switch(from, to *task.Context) {
	m.mu.Lock()
	self := m.current
	if self == nil {
		m.mu.Unlock()
		panic(&PanicError{Reason: "switch outside a hart thread"})
	}
	*from = m.regs
	m.regs = *to
	if self.sp != from.SP {
		delete(m.threads, self.sp)
		self.sp = from.SP
		m.threads[self.sp] = self
	}
	m.switches.Add(1)

	target, ok := m.threads[to.SP]
	if ok && target == self {
		m.mu.Unlock()
		m.logger.Debug("switch to self", "sp", fmt.Sprintf("%#x", to.SP))
		return
	}

	spawn := false
	if !ok {
		if to.RA != m.cfg.RestoreEntry {
			m.mu.Unlock()
			m.Panic("switch to invalid context (ra=%#x sp=%#x)", to.RA, to.SP)
		}
		target = m.newThreadLocked(to.SP)
		spawn = true
	}
	m.current = target
	restore := m.restore
	m.mu.Unlock()

	if spawn {
		go m.exec(target, restore)
	} else {
		target.resume <- struct{}{}
	}
	m.park(self)
}

func (m *Machine) newThreadLocked(sp uint64) *thread {
	m.nthreads++
	t := &thread{id: m.nthreads, sp: sp, resume: make(chan struct{}, 1)}
	m.threads[sp] = t
	return t
}

func (m *Machine) park(t *thread) {
	select {
	case <-t.resume:
	case <-m.off:
		runtime.Goexit()
	}
}

// exec runs fn as the body of a kernel stack. A panic escaping fn halts the
// hart; so does fn returning, since a kernel stack has nowhere to return to.
func (m *Machine) exec(t *thread, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			pe := toPanicError(r)
			m.logger.Debug("panic stack", "thread", t.id, "stack", string(debug.Stack()))
			m.powerOff(pe)
		}
	}()
	fn()
	m.powerOff(&PanicError{Reason: fmt.Sprintf("kernel stack %#x returned", t.sp)})
}
