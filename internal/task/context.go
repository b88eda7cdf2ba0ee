package task

// SavedRegs is the number of callee-saved registers (s0..s11) kept in a Context.
const SavedRegs = 12

// ContextSize is the size in bytes of a Context in memory: ra, sp, s0..s11.
const ContextSize = (2 + SavedRegs) * 8

// Context is the kernel-mode register state needed to resume a suspended
// task's kernel call stack. Field order is fixed and matches what the switch
// routine saves and loads. It is only read or written immediately around a
// switch, never while its task runs.
type Context struct {
	RA uint64
	SP uint64
	S  [SavedRegs]uint64
}

// ZeroContext returns a context with every field cleared. It only serves as
// the throwaway source of the very first switch.
func ZeroContext() Context {
	return Context{}
}

// GotoRestore returns the initial context of a task that has never run:
// switching to it lands in the trap-restore routine on kstackTop, which then
// drops into user mode at the application's entry point.
func GotoRestore(restoreEntry, kstackTop uint64) Context {
	return Context{
		RA: restoreEntry,
		SP: kstackTop,
	}
}
