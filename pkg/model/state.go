package model

// TaskStatus represents the lifecycle state of an application slot in the task manager.
type TaskStatus string

const (
	TaskStatusUninit  TaskStatus = "UNINIT"
	TaskStatusReady   TaskStatus = "READY"
	TaskStatusRunning TaskStatus = "RUNNING"
	TaskStatusExited  TaskStatus = "EXITED"
)

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the task can never be scheduled again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusExited
}

// ValidTaskTransitions defines the allowed status transitions for tasks.
// RUNNING never goes directly to RUNNING: a task passes through READY or EXITED first.
var ValidTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusUninit:  {TaskStatusReady},
	TaskStatusReady:   {TaskStatusRunning},
	TaskStatusRunning: {TaskStatusReady, TaskStatusExited},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunState represents the lifecycle state of one boot of the kernel.
type RunState string

const (
	RunStateRunning   RunState = "RUNNING"
	RunStateCompleted RunState = "COMPLETED"
	RunStatePanicked  RunState = "PANICKED"
	RunStateCancelled RunState = "CANCELLED"
)

// String returns the string representation of the run state.
func (s RunState) String() string {
	return string(s)
}

// IsTerminal returns true if the run has finished.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateCompleted, RunStatePanicked, RunStateCancelled:
		return true
	}
	return false
}

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[RunState][]RunState{
	RunStateRunning: {RunStateCompleted, RunStatePanicked, RunStateCancelled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s RunState) CanTransitionTo(next RunState) bool {
	for _, allowed := range ValidRunTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
