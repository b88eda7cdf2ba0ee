// Package trace records the scheduling history of a kernel run.
package trace

import (
	"sync"
	"time"

	"github.com/me/batchos/internal/trap"
	"github.com/me/batchos/pkg/model"
)

// Recorder collects events in the order they happen. It implements
// task.Observer, the system call exit hook and the trap fault hook.
type Recorder struct {
	mu     sync.Mutex
	now    func() time.Time
	events   []model.Event
	exits    map[int]int32
	statuses map[int]model.TaskStatus
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		now:      time.Now,
		exits:    make(map[int]int32),
		statuses: make(map[int]model.TaskStatus),
	}
}

func (r *Recorder) add(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.Seq = len(r.events) + 1
	ev.At = r.now().UTC()
	r.events = append(r.events, ev)
}

// TaskStatusChanged records a status change.
func (r *Recorder) TaskStatusChanged(id int, from, to model.TaskStatus) {
	r.mu.Lock()
	r.statuses[id] = to
	r.mu.Unlock()
	r.add(model.Event{Kind: model.EventStatus, Task: id, From: from, To: to})
}

// TaskSwitched records a context switch. from is -1 for the boot context.
func (r *Recorder) TaskSwitched(from, to int) {
	r.add(model.Event{Kind: model.EventSwitch, Task: from, Next: to})
}

// TaskExited records an exit system call.
func (r *Recorder) TaskExited(id int, code int32) {
	r.mu.Lock()
	r.exits[id] = code
	r.mu.Unlock()
	r.add(model.Event{Kind: model.EventExit, Task: id, Code: code})
}

// TaskFaulted records an application the kernel killed.
func (r *Recorder) TaskFaulted(id int, cause trap.Exception, detail string) {
	r.add(model.Event{Kind: model.EventFault, Task: id, Detail: string(cause) + ": " + detail})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

// ExitCodes returns the exit code of each of the first n tasks, nil for a
// task that never called exit.
func (r *Recorder) ExitCodes(n int) []*int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*int32, n)
	for id, code := range r.exits {
		if id < n {
			c := code
			out[id] = &c
		}
	}
	return out
}

// Statuses returns the last recorded status of each of the first n tasks.
func (r *Recorder) Statuses(n int) []model.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TaskStatus, n)
	for i := range out {
		out[i] = model.TaskStatusUninit
		if st, ok := r.statuses[i]; ok {
			out[i] = st
		}
	}
	return out
}
