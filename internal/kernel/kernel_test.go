package kernel

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/batchos/internal/config"
	"github.com/me/batchos/internal/hart"
	"github.com/me/batchos/internal/loader"
	"github.com/me/batchos/internal/logging"
	"github.com/me/batchos/internal/trap"
	"github.com/me/batchos/internal/user"
	"github.com/me/batchos/pkg/model"
)

func app(name string, main func(u *trap.User) int32) loader.App {
	return loader.App{Name: name, Image: []byte(name), Program: user.Main(main)}
}

func script(t *testing.T, name, src string) loader.App {
	t.Helper()
	prog, err := user.CompileScript(name, src)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return loader.App{Name: name, Image: []byte(src), Program: prog}
}

type result struct {
	kernel  *Kernel
	report  *Report
	err     error
	console string
}

func boot(t *testing.T, cfg config.Config, opts ...Option) result {
	t.Helper()
	var console bytes.Buffer
	opts = append([]Option{WithConsole(&console)}, opts...)
	k, err := New(cfg, logging.Discard(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	report, err := k.Run(ctx)
	return result{kernel: k, report: report, err: err, console: console.String()}
}

func bootApps(t *testing.T, apps ...loader.App) result {
	t.Helper()
	return boot(t, config.Default(), WithApps(apps))
}

func switches(evs []model.Event) [][2]int {
	var out [][2]int
	for _, ev := range evs {
		if ev.Kind == model.EventSwitch {
			out = append(out, [2]int{ev.Task, ev.Next})
		}
	}
	return out
}

func assertCodes(t *testing.T, got []*int32, want ...*int32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("exit codes = %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		switch {
		case want[i] == nil && got[i] != nil:
			t.Errorf("app %d exit code = %d, want none", i, *got[i])
		case want[i] != nil && got[i] == nil:
			t.Errorf("app %d has no exit code, want %d", i, *want[i])
		case want[i] != nil && *got[i] != *want[i]:
			t.Errorf("app %d exit code = %d, want %d", i, *got[i], *want[i])
		}
	}
}

func code(c int32) *int32 { return &c }

func assertAllExited(t *testing.T, r *Report) {
	t.Helper()
	for i, st := range r.Statuses {
		if st != model.TaskStatusExited {
			t.Errorf("app %d status = %s, want EXITED", i, st)
		}
	}
}

func TestRun_SuspendThenExits(t *testing.T) {
	res := bootApps(t,
		app("a0", func(u *trap.User) int32 {
			user.Yield(u)
			return 0
		}),
		app("a1", func(u *trap.User) int32 { return 1 }),
		app("a2", func(u *trap.User) int32 { return 2 }),
	)
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	if RunState(res.err) != model.RunStateCompleted {
		t.Errorf("RunState = %s", RunState(res.err))
	}

	want := [][2]int{{-1, 0}, {0, 1}, {1, 2}, {2, 0}}
	got := switches(res.report.Events)
	if len(got) != len(want) {
		t.Fatalf("switches = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("switches = %v, want %v", got, want)
		}
	}
	if res.report.Switches != 4 {
		t.Errorf("hart switches = %d, want 4", res.report.Switches)
	}
	assertCodes(t, res.report.ExitCodes, code(0), code(1), code(2))
	assertAllExited(t, res.report)
}

func TestRun_PowerApps(t *testing.T) {
	res := boot(t, config.Config{Apps: []config.AppConfig{
		{Builtin: "power_3"}, {Builtin: "power_5"}, {Builtin: "power_7"},
	}})
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	for _, line := range []string{"Test power_3 OK!", "Test power_5 OK!", "Test power_7 OK!"} {
		if !strings.Contains(res.console, line) {
			t.Errorf("console missing %q", line)
		}
	}

	// Every app yields after each progress line, so the first three lines
	// come from the three apps in order.
	lines := strings.Split(res.console, "\n")
	wantPrefix := []string{"power_3 [10000/200000]", "power_5 [10000/140000]", "power_7 [10000/160000]", "power_3 [20000/200000]"}
	for i, w := range wantPrefix {
		if lines[i] != w {
			t.Errorf("line %d = %q, want %q", i, lines[i], w)
		}
	}
	assertCodes(t, res.report.ExitCodes, code(0), code(0), code(0))
	assertAllExited(t, res.report)
	if res.report.Switches < 20+14+16 {
		t.Errorf("switches = %d, want at least one per yield", res.report.Switches)
	}
}

func TestRun_FaultKillsOnlyTheFaultingApp(t *testing.T) {
	res := boot(t, config.Config{Apps: []config.AppConfig{
		{Builtin: "hello"}, {Builtin: "fault"}, {Builtin: "hello"},
	}})
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	if n := strings.Count(res.console, "Hello, world!"); n != 2 {
		t.Errorf("hello printed %d times, want 2", n)
	}
	if !strings.Contains(res.console, "Kernel should kill this application!") {
		t.Errorf("console = %q", res.console)
	}
	assertCodes(t, res.report.ExitCodes, code(0), nil, code(0))
	assertAllExited(t, res.report)

	var faults []model.Event
	for _, ev := range res.report.Events {
		if ev.Kind == model.EventFault {
			faults = append(faults, ev)
		}
	}
	if len(faults) != 1 || faults[0].Task != 1 || !strings.HasPrefix(faults[0].Detail, string(trap.StoreFault)) {
		t.Errorf("fault events = %+v", faults)
	}
}

func TestRun_UnsupportedSyscallKillsApp(t *testing.T) {
	res := bootApps(t,
		app("bad", func(u *trap.User) int32 {
			u.Ecall(999)
			return 5
		}),
		app("good", func(u *trap.User) int32 { return 6 }),
	)
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	assertCodes(t, res.report.ExitCodes, nil, code(6))
}

func TestRun_Scripts(t *testing.T) {
	res := bootApps(t,
		script(t, "counter", `write("js start\n"); yield(); write("js end\n"); 7`),
		loader.App{Name: "hello", Image: []byte("hello"), Program: mustBuiltin(t, "hello")},
		script(t, "thrower", `write("about to throw\n"); throw new Error("boom");`),
		script(t, "exiter", `exit(3); write("unreachable\n");`),
	)
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	want := "js start\nHello, world!\nabout to throw\njs end\n"
	if res.console != want {
		t.Errorf("console = %q, want %q", res.console, want)
	}
	assertCodes(t, res.report.ExitCodes, code(7), code(0), nil, code(3))
	assertAllExited(t, res.report)
}

func mustBuiltin(t *testing.T, name string) trap.Program {
	t.Helper()
	p, ok := user.Builtin(name)
	if !ok {
		t.Fatalf("no builtin %s", name)
	}
	return p
}

func TestRun_SleepWithClock(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(100 * time.Millisecond)
		return now
	}
	res := boot(t, config.Config{Apps: []config.AppConfig{{Builtin: "sleep"}, {Builtin: "hello"}}}, WithClock(clock))
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	if !strings.HasSuffix(res.console, "Test sleep OK!\n") {
		t.Errorf("console = %q", res.console)
	}
	assertCodes(t, res.report.ExitCodes, code(0), code(0))
}

func TestRun_SingleAppSelfSwitch(t *testing.T) {
	res := bootApps(t, app("solo", func(u *trap.User) int32 {
		for i := 0; i < 3; i++ {
			if user.Yield(u) != 0 {
				return 1
			}
		}
		return 0
	}))
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	got := switches(res.report.Events)
	want := [][2]int{{-1, 0}, {0, 0}, {0, 0}, {0, 0}}
	if len(got) != len(want) {
		t.Fatalf("switches = %v, want %v", got, want)
	}
	assertCodes(t, res.report.ExitCodes, code(0))
}

func TestRun_GetTime(t *testing.T) {
	var seen []int64
	res := bootApps(t, app("clock", func(u *trap.User) int32 {
		seen = append(seen, user.GetTime(u), user.GetTime(u))
		return 0
	}))
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	if len(seen) != 2 || seen[0] < 0 || seen[1] < seen[0] {
		t.Errorf("get_time = %v", seen)
	}
}

func TestRun_CorruptTrapContextPanics(t *testing.T) {
	res := bootApps(t,
		app("vandal", func(u *trap.User) int32 {
			// Nothing protects kernel memory from a batch application:
			// point app 1's saved sepc at an address with no program.
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], 0xdead_beef)
			u.Store(loader.KernelStackTop(1)-trap.ContextSize+33*8, b[:])
			user.Yield(u)
			return 0
		}),
		app("victim", func(u *trap.User) int32 { return 0 }),
	)
	var pe *hart.PanicError
	if !errors.As(res.err, &pe) {
		t.Fatalf("Run err = %v, want kernel panic", res.err)
	}
	if !strings.Contains(pe.Error(), "no program loaded") {
		t.Errorf("panic = %v", pe)
	}
	if RunState(res.err) != model.RunStatePanicked {
		t.Errorf("RunState = %s", RunState(res.err))
	}
}

func TestRun_Cancelled(t *testing.T) {
	k, err := New(config.Default(), logging.Discard(), WithConsole(&bytes.Buffer{}), WithApps([]loader.App{
		app("spin", func(u *trap.User) int32 {
			for {
				user.Yield(u)
			}
		}),
	}))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	report, err := k.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run err = %v, want deadline exceeded", err)
	}
	if RunState(err) != model.RunStateCancelled {
		t.Errorf("RunState = %s", RunState(err))
	}
	if report == nil || report.Switches == 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestNew_TrapContextsOnKernelStacks(t *testing.T) {
	k, err := New(config.Config{Apps: []config.AppConfig{{Builtin: "hello"}, {Builtin: "power_3"}}}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < k.NumApp(); i++ {
		addr := loader.KernelStackTop(i) - trap.ContextSize
		b, err := k.Memory().Read(addr, trap.ContextSize)
		if err != nil {
			t.Fatalf("read app %d trap context: %v", i, err)
		}
		cx := trap.AppInitContext(config.AppBase(i), loader.UserStackTop(i))
		want, err := cx.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(b, want) {
			t.Errorf("app %d: trap context bytes differ from the initial context", i)
		}
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(config.Default(), logging.Discard()); err == nil {
		t.Error("no apps: expected error")
	}
	if _, err := New(config.Config{Apps: []config.AppConfig{{Builtin: "nope"}}}, logging.Discard()); err == nil {
		t.Error("unknown builtin: expected error")
	}
	if _, err := New(config.Config{Apps: []config.AppConfig{{Path: "a.js", Builtin: "hello"}}}, logging.Discard()); err == nil {
		t.Error("path and builtin: expected error")
	}
}

func TestRunState(t *testing.T) {
	tests := []struct {
		err  error
		want model.RunState
	}{
		{nil, model.RunStateCompleted},
		{&hart.PanicError{Reason: "x"}, model.RunStatePanicked},
		{context.Canceled, model.RunStateCancelled},
	}
	for _, tt := range tests {
		if got := RunState(tt.err); got != tt.want {
			t.Errorf("RunState(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
