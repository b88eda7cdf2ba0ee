// Package kernel assembles the batch kernel from its parts and boots it.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/me/batchos/internal/config"
	"github.com/me/batchos/internal/hart"
	"github.com/me/batchos/internal/loader"
	"github.com/me/batchos/internal/mem"
	"github.com/me/batchos/internal/syscall"
	"github.com/me/batchos/internal/task"
	"github.com/me/batchos/internal/trace"
	"github.com/me/batchos/internal/trap"
	"github.com/me/batchos/pkg/model"
)

// Report is the outcome of one boot.
type Report struct {
	Apps      []string
	ExitCodes []*int32
	Statuses  []model.TaskStatus
	Switches  uint64
	Events    []model.Event
	Elapsed   time.Duration
}

// Kernel is one bootable instance. Build it with New and Run it once.
type Kernel struct {
	logger  *slog.Logger
	console io.Writer
	clock   func() time.Time
	apps    []loader.App

	mem      *mem.Physical
	loader   *loader.Loader
	hart     *hart.Machine
	manager  *task.Manager
	handler  *trap.Handler
	syscalls *syscall.Table
	recorder *trace.Recorder
}

// Option configures optional Kernel dependencies.
type Option func(*Kernel)

// WithConsole sets where application output goes. Defaults to stdout.
func WithConsole(w io.Writer) Option {
	return func(k *Kernel) {
		k.console = w
	}
}

// WithClock replaces the clock behind get_time.
func WithClock(now func() time.Time) Option {
	return func(k *Kernel) {
		k.clock = now
	}
}

// WithApps boots apps instead of the ones in the configuration.
func WithApps(apps []loader.App) Option {
	return func(k *Kernel) {
		k.apps = apps
	}
}

// New loads the batch and wires the kernel together.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Kernel, error) {
	k := &Kernel{
		logger:  logger,
		console: os.Stdout,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.apps == nil {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		apps, err := loader.FromConfig(cfg.Apps)
		if err != nil {
			return nil, err
		}
		k.apps = apps
	}

	k.mem = mem.NewPhysical()
	k.loader = loader.New(k.mem, k.apps, logger)
	if err := k.loader.LoadApps(); err != nil {
		return nil, err
	}

	k.hart = hart.New(hart.DefaultConfig(), logger)
	k.recorder = trace.NewRecorder()

	mgr, err := task.NewManager(k.loader, k.hart, task.WithLogger(logger), task.WithObserver(k.recorder))
	if err != nil {
		return nil, err
	}
	k.manager = mgr

	k.syscalls = syscall.New(mgr, k.mem, k.console,
		syscall.WithExitHook(k.recorder),
		syscall.WithLogger(logger),
		syscall.WithClock(k.clock),
	)
	k.handler = trap.NewHandler(k.hart, k.mem, k.loader, mgr, k.syscalls,
		trap.WithFaultHook(k.recorder),
		trap.WithLogger(logger),
	)
	k.hart.SetRestore(k.handler.Restore)
	return k, nil
}

// Memory returns the physical memory.
func (k *Kernel) Memory() *mem.Physical {
	return k.mem
}

// NumApp returns the number of applications in the batch.
func (k *Kernel) NumApp() int {
	return k.manager.NumApp()
}

// AppNames returns the application names in load order.
func (k *Kernel) AppNames() []string {
	names := make([]string, len(k.apps))
	for i, a := range k.apps {
		names[i] = a.Name
	}
	return names
}

// Run boots the kernel and blocks until it halts. The report is returned
// whatever the outcome. The error is nil when every application ran to
// completion, a *hart.PanicError on a kernel panic, or ctx's error.
func (k *Kernel) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	k.logger.Info("boot", "apps", k.NumApp())
	err := k.hart.Run(ctx, k.manager.RunFirstTask)

	n := k.NumApp()
	return &Report{
		Apps:      k.AppNames(),
		ExitCodes: k.recorder.ExitCodes(n),
		Statuses:  k.recorder.Statuses(n),
		Switches:  k.hart.Switches(),
		Events:    k.recorder.Events(),
		Elapsed:   time.Since(start),
	}, err
}

// RunState maps the error Run returned to the recorded run state.
func RunState(err error) model.RunState {
	var pe *hart.PanicError
	switch {
	case err == nil:
		return model.RunStateCompleted
	case errors.As(err, &pe):
		return model.RunStatePanicked
	default:
		return model.RunStateCancelled
	}
}
