package trap

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/me/batchos/internal/config"
	"github.com/me/batchos/internal/hart"
	"github.com/me/batchos/internal/mem"
)

// Exception is the cause of a trap out of user mode.
type Exception string

const (
	UserEnvCall        Exception = "UserEnvCall"
	IllegalInstruction Exception = "IllegalInstruction"
	LoadFault          Exception = "LoadFault"
	StoreFault         Exception = "StoreFault"
)

// Code returns the scause exception code.
func (e Exception) Code() uint64 {
	switch e {
	case IllegalInstruction:
		return 2
	case LoadFault:
		return 5
	case StoreFault:
		return 7
	case UserEnvCall:
		return 8
	}
	return 0
}

// Program is an executable image. It runs in user mode and leaves only
// through the exit system call; returning is a fault.
type Program func(u *User)

// Programs resolves the program loaded at an entry address.
type Programs interface {
	Program(entry uint64) (Program, bool)
}

// Scheduler is the part of the task manager the trap path needs.
type Scheduler interface {
	Current() int
	ExitCurrentAndRunNext()
}

// Syscaller dispatches system calls. An error kills the calling application.
type Syscaller interface {
	Syscall(id uint64, args [3]uint64) (int64, error)
}

// FaultHook is told about every application the kernel kills.
type FaultHook interface {
	TaskFaulted(id int, cause Exception, detail string)
}

// Handler is the supervisor trap handler together with the restore routine
// that drops into user mode.
type Handler struct {
	hart     *hart.Machine
	mem      *mem.Physical
	programs Programs
	sched    Scheduler
	sys      Syscaller
	faults   FaultHook
	logger   *slog.Logger
}

// Option configures optional Handler dependencies.
type Option func(*Handler)

// WithFaultHook sets the hook notified when an application is killed.
func WithFaultHook(hook FaultHook) Option {
	return func(h *Handler) {
		h.faults = hook
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates the trap handler.
func NewHandler(m *hart.Machine, memory *mem.Physical, programs Programs, sched Scheduler, sys Syscaller, opts ...Option) *Handler {
	h := &Handler{
		hart:     m,
		mem:      memory,
		programs: programs,
		sched:    sched,
		sys:      sys,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "trap")
	return h
}

// LoadContext reads the trap context stored at addr.
func (h *Handler) LoadContext(addr uint64) (Context, error) {
	var cx Context
	b, err := h.mem.Read(addr, ContextSize)
	if err != nil {
		return cx, fmt.Errorf("load trap context: %w", err)
	}
	if err := cx.UnmarshalBinary(b); err != nil {
		return cx, err
	}
	return cx, nil
}

// StoreContext writes cx to addr.
func (h *Handler) StoreContext(addr uint64, cx Context) error {
	b, err := cx.MarshalBinary()
	if err != nil {
		return err
	}
	if err := h.mem.Write(addr, b); err != nil {
		return fmt.Errorf("store trap context: %w", err)
	}
	return nil
}

func (h *Handler) mustLoad(addr uint64) Context {
	cx, err := h.LoadContext(addr)
	if err != nil {
		h.hart.Panic("%v", err)
	}
	return cx
}

func (h *Handler) mustStore(addr uint64, cx Context) {
	if err := h.StoreContext(addr, cx); err != nil {
		h.hart.Panic("%v", err)
	}
}

// Restore is the routine at the restore entry. It runs on the kernel stack
// of a task that has never run, where the loader left the task's trap
// context, and returns to user mode at the saved sepc.
func (h *Handler) Restore() {
	addr := h.hart.StackPointer()
	cx := h.mustLoad(addr)
	if spp := cx.Sstatus.SPP(); spp != hart.User {
		h.hart.Panic("restore: trap context at %#x returns to %s mode", addr, spp)
	}
	prog, ok := h.programs.Program(cx.Sepc)
	if !ok {
		h.hart.Panic("restore: no program loaded at %#x", cx.Sepc)
	}

	id := h.sched.Current()
	sp := cx.X[RegSP]
	u := &User{h: h, task: id, sp: sp, stackTop: sp, stackBottom: sp - config.UserStackSize}
	h.logger.Debug("enter user mode", "task", id, "sepc", fmt.Sprintf("%#x", cx.Sepc), "sp", fmt.Sprintf("%#x", sp))

	h.hart.SetMode(hart.User)
	cause, detail := h.runUser(u, prog)
	h.kill(id, cause, detail)
}

// runUser runs prog and reports the fault it ended with. A panic raised while
// the hart is in supervisor mode is a kernel fault and keeps unwinding.
func (h *Handler) runUser(u *User, prog Program) (cause Exception, detail string) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if h.hart.Mode() != hart.User {
			panic(r)
		}
		cause, detail = classify(r)
	}()
	prog(u)
	return IllegalInstruction, "returned past the end of its entry point"
}

func classify(r any) (Exception, string) {
	if err, ok := r.(error); ok {
		var f *mem.Fault
		if errors.As(err, &f) {
			if f.Access == mem.AccessWrite {
				return StoreFault, f.Error()
			}
			return LoadFault, f.Error()
		}
		return IllegalInstruction, err.Error()
	}
	return IllegalInstruction, fmt.Sprint(r)
}

// kill terminates the current application after a fault and runs the next.
func (h *Handler) kill(id int, cause Exception, detail string) {
	h.hart.SetMode(hart.Supervisor)
	h.logger.Warn("fault in application, kernel killed it", "task", id, "cause", cause, "scause", cause.Code(), "detail", detail)
	if h.faults != nil {
		h.faults.TaskFaulted(id, cause, detail)
	}
	h.sched.ExitCurrentAndRunNext()
	h.hart.Panic("killed application %d was resumed", id)
}

// trap is the user environment call path: save the arguments into the trap
// context on the kernel stack, handle the call in supervisor mode, and
// return to user mode with the result in a0.
func (h *Handler) trap(u *User, id uint64, args [3]uint64) int64 {
	if h.hart.PoweredOff() {
		runtime.Goexit()
	}
	if mode := h.hart.Mode(); mode != hart.User {
		h.hart.Panic("environment call from %s mode", mode)
	}

	addr := h.hart.StackPointer()
	cx := h.mustLoad(addr)
	cx.X[RegSP] = u.sp
	cx.X[RegA0], cx.X[RegA1], cx.X[RegA2] = args[0], args[1], args[2]
	cx.X[RegA7] = id
	h.mustStore(addr, cx)
	h.hart.SetMode(hart.Supervisor)

	ret, err := h.sys.Syscall(id, args)
	if err != nil {
		h.kill(u.task, IllegalInstruction, err.Error())
	}

	// A switch inside the call resumes with this task's registers, so the
	// stack pointer names the same trap context again.
	addr = h.hart.StackPointer()
	cx = h.mustLoad(addr)
	cx.Sepc += 4
	cx.X[RegA0] = uint64(ret)
	h.mustStore(addr, cx)

	h.hart.SetMode(cx.Sstatus.SPP())
	u.sp = cx.X[RegSP]
	return int64(cx.X[RegA0])
}
