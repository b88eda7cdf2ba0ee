package user

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/me/batchos/internal/syscall"
	"github.com/me/batchos/internal/trap"
)

// ScriptError is the fault raised when a script throws.
type ScriptError struct {
	Name string
	Err  error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %s: %v", e.Name, e.Err)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// CompileScript compiles JavaScript source into a program. The script sees
// the globals write(s), yield(), exit(code) and get_time(); its completion
// value, when a number, is the exit code.
func CompileScript(name, src string) (trap.Program, error) {
	prog, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return Main(func(u *trap.User) int32 {
		return runScript(u, name, prog)
	}), nil
}

func runScript(u *trap.User, name string, prog *goja.Program) int32 {
	vm := goja.New()
	globals := map[string]func(goja.FunctionCall) goja.Value{
		"write": func(call goja.FunctionCall) goja.Value {
			s := call.Argument(0).String()
			return vm.ToValue(Write(u, syscall.FdStdout, []byte(s)))
		},
		"yield": func(goja.FunctionCall) goja.Value {
			return vm.ToValue(Yield(u))
		},
		"exit": func(call goja.FunctionCall) goja.Value {
			Exit(u, int32(call.Argument(0).ToInteger()))
			return goja.Undefined()
		},
		"get_time": func(goja.FunctionCall) goja.Value {
			return vm.ToValue(GetTime(u))
		},
	}
	for k, fn := range globals {
		if err := vm.Set(k, fn); err != nil {
			panic(&ScriptError{Name: name, Err: err})
		}
	}

	v, err := vm.RunProgram(prog)
	if err != nil {
		panic(&ScriptError{Name: name, Err: err})
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	return int32(v.ToInteger())
}
