// Package task implements the task manager: a fixed set of application
// slots scheduled round robin on one hart with cooperative switching.
package task

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/me/batchos/internal/config"
	"github.com/me/batchos/internal/upcell"
	"github.com/me/batchos/pkg/model"
)

var (
	// ErrNoApps is returned when the loader has nothing to schedule.
	ErrNoApps = errors.New("task: no applications to schedule")
	// ErrFirstTaskReturned is the kernel panic raised when control comes back
	// past the very first switch, which means task 0's context was unusable.
	ErrFirstTaskReturned = errors.New("task: run first task resumed past its switch")
)

// Loader is the application loader the manager takes its batch from.
type Loader interface {
	// AppCount returns the number of applications to schedule.
	AppCount() int
	// InitAppContext prepares application i's trap context and returns the
	// kernel stack address its first resumption starts at.
	InitAppContext(i int) uint64
}

// Hart is the processor the manager schedules onto.
type Hart interface {
	RestoreEntry() uint64
	// Switch saves the running context into from and resumes to. It returns
	// only when a later switch resumes from.
	Switch(from, to *Context)
	// Shutdown halts the processor and does not return. nil is a clean halt.
	Shutdown(err error)
}

// Observer is notified of scheduling decisions. It runs while the manager's
// state is borrowed and must not call back into the Manager.
type Observer interface {
	TaskStatusChanged(id int, from, to model.TaskStatus)
	// TaskSwitched reports a switch from task from (-1 for the boot context)
	// to task to.
	TaskSwitched(from, to int)
}

type nopObserver struct{}

func (nopObserver) TaskStatusChanged(int, model.TaskStatus, model.TaskStatus) {}
func (nopObserver) TaskSwitched(int, int)                                      {}

// Task is one application slot.
type Task struct {
	Status  model.TaskStatus
	Context Context
}

type managerInner struct {
	tasks   [config.MaxAppNum]Task
	current int
}

// Manager owns every task and the round-robin policy. Build exactly one per
// boot with NewManager and hand it to the trap layer; nothing constructs it
// lazily.
type Manager struct {
	numApp   int
	hart     Hart
	logger   *slog.Logger
	observer Observer
	inner    *upcell.Cell[managerInner]
}

// Option configures optional Manager dependencies.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithObserver sets the scheduling observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// NewManager builds the task set: one READY task per application, each
// resuming at the restore entry on the kernel stack the loader prepared.
// Slots past the application count stay UNINIT.
func NewManager(loader Loader, hart Hart, opts ...Option) (*Manager, error) {
	numApp := loader.AppCount()
	if numApp <= 0 {
		return nil, ErrNoApps
	}
	if numApp > config.MaxAppNum {
		return nil, fmt.Errorf("task: %d applications exceed capacity %d", numApp, config.MaxAppNum)
	}

	m := &Manager{
		numApp:   numApp,
		hart:     hart,
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "task")

	var inner managerInner
	for i := range inner.tasks {
		inner.tasks[i] = Task{Status: model.TaskStatusUninit, Context: ZeroContext()}
	}
	for i := 0; i < numApp; i++ {
		inner.tasks[i].Context = GotoRestore(hart.RestoreEntry(), loader.InitAppContext(i))
		if err := m.transition(&inner, i, model.TaskStatusReady); err != nil {
			return nil, err
		}
	}
	m.inner = upcell.UnsafeNew("task manager", inner)
	m.logger.Debug("task manager ready", "num_app", numApp)
	return m, nil
}

// NumApp returns the number of scheduled applications.
func (m *Manager) NumApp() int {
	return m.numApp
}

// Current returns the index of the current task.
func (m *Manager) Current() int {
	var current int
	m.inner.With(func(in *managerInner) {
		current = in.current
	})
	return current
}

// Status returns the status of task i.
func (m *Manager) Status(i int) model.TaskStatus {
	var status model.TaskStatus
	m.inner.With(func(in *managerInner) {
		status = in.tasks[i].Status
	})
	return status
}

// Tasks returns a copy of the application slots.
func (m *Manager) Tasks() []Task {
	out := make([]Task, m.numApp)
	m.inner.With(func(in *managerInner) {
		copy(out, in.tasks[:m.numApp])
	})
	return out
}

// RunFirstTask starts task 0. It does not return: control only comes back
// here if task 0's context was invalid, which halts the kernel.
func (m *Manager) RunFirstTask() {
	var next *Context
	m.inner.With(func(in *managerInner) {
		m.mustTransition(in, 0, model.TaskStatusRunning)
		in.current = 0
		next = &in.tasks[0].Context
		m.observer.TaskSwitched(-1, 0)
	})
	m.logger.Info("run first task", "task", 0)

	unused := ZeroContext()
	m.switchContexts(&unused, next)
	m.hart.Shutdown(ErrFirstTaskReturned)
}

// SuspendCurrentAndRunNext yields the current task: it becomes READY and the
// next READY task runs. Returns when this task is scheduled again.
func (m *Manager) SuspendCurrentAndRunNext() {
	m.markCurrent(model.TaskStatusReady)
	m.runNextTask()
}

// ExitCurrentAndRunNext terminates the current task and runs the next READY
// one. The exited task is never resumed.
func (m *Manager) ExitCurrentAndRunNext() {
	m.markCurrent(model.TaskStatusExited)
	m.runNextTask()
}

func (m *Manager) markCurrent(status model.TaskStatus) {
	m.inner.With(func(in *managerInner) {
		m.mustTransition(in, in.current, status)
	})
}

// findNextTask scans the slots after the current one, wrapping around, and
// returns the first READY task. The current task itself is the last candidate.
func (m *Manager) findNextTask() (int, bool) {
	next, found := 0, false
	m.inner.With(func(in *managerInner) {
		for id := in.current + 1; id <= in.current+m.numApp; id++ {
			if in.tasks[id%m.numApp].Status == model.TaskStatusReady {
				next, found = id%m.numApp, true
				return
			}
		}
	})
	return next, found
}

// runNextTask switches to the next READY task, or halts cleanly when every
// task has exited.
func (m *Manager) runNextTask() {
	next, ok := m.findNextTask()
	if !ok {
		m.logger.Info("all applications completed")
		m.hart.Shutdown(nil)
		return
	}

	var current int
	var from, to *Context
	m.inner.With(func(in *managerInner) {
		current = in.current
		m.mustTransition(in, next, model.TaskStatusRunning)
		in.current = next
		from = &in.tasks[current].Context
		to = &in.tasks[next].Context
		m.observer.TaskSwitched(current, next)
	})
	m.logger.Debug("switch", "from", current, "to", next)

	m.switchContexts(from, to)
}

// switchContexts hands the hart to another task. No borrow of the manager
// state may survive the switch: the resumed task would find it held.
func (m *Manager) switchContexts(from, to *Context) {
	if m.inner.Borrowed() {
		m.hart.Shutdown(&upcell.BorrowError{Cell: "task manager", Op: "borrow held across switch"})
		return
	}
	m.hart.Switch(from, to)
}

func (m *Manager) transition(in *managerInner, id int, next model.TaskStatus) error {
	t := &in.tasks[id]
	if !t.Status.CanTransitionTo(next) {
		return &model.InvalidTransitionError{
			Entity: "Task",
			ID:     strconv.Itoa(id),
			From:   t.Status.String(),
			To:     next.String(),
		}
	}
	prev := t.Status
	t.Status = next
	m.observer.TaskStatusChanged(id, prev, next)
	return nil
}

// mustTransition applies a status change; an illegal one is an invariant
// violation and halts the kernel.
func (m *Manager) mustTransition(in *managerInner, id int, next model.TaskStatus) {
	if err := m.transition(in, id, next); err != nil {
		m.hart.Shutdown(err)
	}
}
