package config

// Memory layout of the hosted board. These are fixed at build time; the task
// manager sizes its slot array from MaxAppNum.
const (
	// MaxAppNum bounds the number of applications tracked by the task manager.
	MaxAppNum = 16

	UserStackSize   = 4096 * 2
	KernelStackSize = 4096 * 2

	// KernelStackBase is where kernel stack 0 begins; stack i follows stack i-1.
	KernelStackBase uint64 = 0x8030_0000
	// UserStackBase is where user stack 0 begins.
	UserStackBase uint64 = 0x8034_0000

	// AppBaseAddress is the load address of application 0. Application i is
	// loaded at AppBaseAddress + i*AppSizeLimit.
	AppBaseAddress uint64 = 0x8040_0000
	AppSizeLimit   uint64 = 0x2_0000

	// RestoreEntry is the address of the trap-restore routine. A task context
	// whose return address is RestoreEntry resumes by returning to user mode.
	RestoreEntry uint64 = 0x8020_0100
)

// AppBase returns the load address of application i.
func AppBase(i int) uint64 {
	return AppBaseAddress + uint64(i)*AppSizeLimit
}
