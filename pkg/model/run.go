package model

import "time"

// Run is one boot of the kernel over a fixed batch of applications.
type Run struct {
	ID         string     `json:"id"`
	State      RunState   `json:"state"`
	Apps       []string   `json:"apps"`
	Switches   uint64     `json:"switches"`
	Error      string     `json:"error,omitempty"`
	ExitCodes  []*int32   `json:"exit_codes,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NumApp returns the number of applications the run was booted with.
func (r *Run) NumApp() int {
	return len(r.Apps)
}

// EventKind classifies a recorded scheduler event.
type EventKind string

const (
	// EventStatus records a task status change.
	EventStatus EventKind = "status"
	// EventSwitch records a kernel context switch between two tasks.
	EventSwitch EventKind = "switch"
	// EventExit records the exit code an application passed to exit.
	EventExit EventKind = "exit"
	// EventFault records an application killed by the kernel.
	EventFault EventKind = "fault"
)

// Event is one entry of a run's scheduling trace. Task is -1 where the
// event has no source task (the first switch out of the boot context).
type Event struct {
	Seq    int        `json:"seq"`
	Kind   EventKind  `json:"kind"`
	Task   int        `json:"task"`
	Next   int        `json:"next,omitempty"`
	From   TaskStatus `json:"from,omitempty"`
	To     TaskStatus `json:"to,omitempty"`
	Code   int32      `json:"code,omitempty"`
	Detail string     `json:"detail,omitempty"`
	At     time.Time  `json:"at"`
}
