// Package loader places the batch's application images in memory and
// prepares each application's first trap context.
package loader

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/me/batchos/internal/config"
	"github.com/me/batchos/internal/mem"
	"github.com/me/batchos/internal/trap"
	"github.com/me/batchos/internal/user"
)

// App is one application image and the program it executes.
type App struct {
	Name    string
	Image   []byte
	Program trap.Program
}

// FromConfig resolves configured applications: JavaScript files are read
// and compiled, built-ins are looked up by name.
func FromConfig(apps []config.AppConfig) ([]App, error) {
	out := make([]App, 0, len(apps))
	for i, ac := range apps {
		var (
			app App
			err error
		)
		if ac.Builtin != "" {
			app, err = BuiltinApp(ac.Builtin)
		} else {
			app, err = ScriptApp(ac.Path)
		}
		if err != nil {
			return nil, fmt.Errorf("apps[%d]: %w", i, err)
		}
		if ac.Name != "" {
			app.Name = ac.Name
		}
		out = append(out, app)
	}
	return out, nil
}

// BuiltinApp returns the built-in program name as an application.
func BuiltinApp(name string) (App, error) {
	prog, ok := user.Builtin(name)
	if !ok {
		return App{}, fmt.Errorf("unknown builtin %q (have %s)", name, strings.Join(user.BuiltinNames(), ", "))
	}
	return App{Name: name, Image: []byte("builtin:" + name + "\n"), Program: prog}, nil
}

// ScriptApp reads and compiles the JavaScript application at path.
func ScriptApp(path string) (App, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return App{}, fmt.Errorf("read app: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prog, err := user.CompileScript(name, string(src))
	if err != nil {
		return App{}, err
	}
	return App{Name: name, Image: src, Program: prog}, nil
}

// KernelStackTop returns the initial top of application i's kernel stack.
func KernelStackTop(i int) uint64 {
	return config.KernelStackBase + uint64(i+1)*config.KernelStackSize
}

// UserStackTop returns the initial top of application i's user stack.
func UserStackTop(i int) uint64 {
	return config.UserStackBase + uint64(i+1)*config.UserStackSize
}

// Loader owns the application images.
type Loader struct {
	mem     *mem.Physical
	apps    []App
	logger  *slog.Logger
	loaded  bool
	entries map[uint64]trap.Program
}

// New creates a loader for apps.
func New(memory *mem.Physical, apps []App, logger *slog.Logger) *Loader {
	return &Loader{
		mem:     memory,
		apps:    apps,
		logger:  logger.With("component", "loader"),
		entries: make(map[uint64]trap.Program),
	}
}

// LoadApps copies every image to its slot and maps the stacks.
func (l *Loader) LoadApps() error {
	if l.loaded {
		return errors.New("loader: applications already loaded")
	}
	if len(l.apps) == 0 {
		return errors.New("loader: no applications")
	}
	if len(l.apps) > config.MaxAppNum {
		return fmt.Errorf("loader: %d applications exceed capacity %d", len(l.apps), config.MaxAppNum)
	}

	for i, app := range l.apps {
		if uint64(len(app.Image)) > config.AppSizeLimit {
			return fmt.Errorf("loader: app %d (%s) is %s, limit %s", i, app.Name,
				humanize.IBytes(uint64(len(app.Image))), humanize.IBytes(config.AppSizeLimit))
		}
		if app.Program == nil {
			return fmt.Errorf("loader: app %d (%s) has no program", i, app.Name)
		}
		base := config.AppBase(i)
		if _, err := l.mem.Map(fmt.Sprintf("app[%d]", i), base, config.AppSizeLimit); err != nil {
			return fmt.Errorf("loader: %w", err)
		}
		if err := l.mem.Write(base, app.Image); err != nil {
			return fmt.Errorf("loader: copy app %d: %w", i, err)
		}
		if _, err := l.mem.Map(fmt.Sprintf("kernel_stack[%d]", i), KernelStackTop(i)-config.KernelStackSize, config.KernelStackSize); err != nil {
			return fmt.Errorf("loader: %w", err)
		}
		if _, err := l.mem.Map(fmt.Sprintf("user_stack[%d]", i), UserStackTop(i)-config.UserStackSize, config.UserStackSize); err != nil {
			return fmt.Errorf("loader: %w", err)
		}
		l.entries[base] = app.Program
		l.logger.Info("app loaded", "app", i, "name", app.Name,
			"base", fmt.Sprintf("%#x", base), "size", humanize.IBytes(uint64(len(app.Image))))
	}
	l.loaded = true
	return nil
}

// AppCount returns the number of applications.
func (l *Loader) AppCount() int {
	return len(l.apps)
}

// Apps returns the applications in load order.
func (l *Loader) Apps() []App {
	return l.apps
}

// InitAppContext pushes application i's initial trap context onto its
// kernel stack and returns the new kernel stack pointer, which is where the
// context now lives.
func (l *Loader) InitAppContext(i int) uint64 {
	cx := trap.AppInitContext(config.AppBase(i), UserStackTop(i))
	sp := KernelStackTop(i) - trap.ContextSize
	b, err := cx.MarshalBinary()
	if err == nil {
		err = l.mem.Write(sp, b)
	}
	if err != nil {
		panic(fmt.Errorf("loader: push trap context for app %d: %w", i, err))
	}
	return sp
}

// Program returns the program whose image starts at entry.
func (l *Loader) Program(entry uint64) (trap.Program, bool) {
	p, ok := l.entries[entry]
	return p, ok
}
