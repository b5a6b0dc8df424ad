// Package boot brings a runtime up from a config: arenas, heaps, the symbol
// registry, host procedures, the module pool and the reload hook.
package boot

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/ZenLiuCN/kxload"
	"github.com/ZenLiuCN/kxload/config"
	"github.com/ZenLiuCN/kxload/cpu"
	"github.com/ZenLiuCN/kxload/heap"
	"github.com/ZenLiuCN/kxload/mem"
	"github.com/ZenLiuCN/kxload/patch"
	"github.com/ZenLiuCN/kxload/pool"
	"github.com/ZenLiuCN/kxload/storage"
	"github.com/pkg/errors"
)

// Procedures the runtime publishes next to the host exports.
const (
	ProcRequestReload     = "kxRequestReload"
	ProcReport            = "kxReport"
	ProcGetProcedure      = "kxGetProcedure"
	ProcRegisterProcedure = "kxRegisterProcedure"
	ProcModuleCount       = "kxModuleCount"
)

type (
	// ConfigError reports an arena that cannot be brought up as configured.
	ConfigError struct {
		Arena string
		Err   error
	}
	// HaltFunc receives the fatal message and where it was written in the
	// fallback heap, Null when it did not fit.
	HaltFunc func(msg mem.Addr, text string)
	Option   func(*Runtime)
	// Runtime is a booted host.
	Runtime struct {
		Config  *config.Config
		Space   *mem.Space
		System  *heap.Heap // fallback heap: procedure slots, fatal messages
		Modules *heap.Heap
		Symbols *kxload.Symbols
		CPU     *cpu.Dispatcher
		Pool    *pool.Pool
		Patches *patch.Installer
		Logger  *slog.Logger
		halt    HaltFunc
	}
)

func (e *ConfigError) Error() string {
	return fmt.Sprintf("arena %q: %v", e.Arena, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.Logger = l }
}

// WithSpace runs the runtime in a caller owned address space.
func WithSpace(s *mem.Space) Option {
	return func(r *Runtime) { r.Space = s }
}

// WithHalt replaces the default halt, which logs and exits the process.
func WithHalt(h HaltFunc) Option {
	return func(r *Runtime) { r.halt = h }
}

// Boot runs the bootstrap sequence and the first directory scan.
//
// Errors before the fallback heap exists are returned as is. Later fatal
// errors are passed to Halt first and then returned, for halt functions that
// come back.
func Boot(cfg *config.Config, dir storage.Dir, host kxload.Exports, opts ...Option) (r *Runtime, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config")
	}
	r = &Runtime{Config: cfg, Space: new(mem.Space), Symbols: kxload.NewSymbols()}
	for _, o := range opts {
		o(r)
	}
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	if r.halt == nil {
		r.halt = r.exit
	}
	r.CPU = cpu.NewDispatcher(r.Space)
	r.Patches = patch.NewInstaller(r.Space, r.Logger)

	var sa, ma *mem.Arena
	if sa, err = r.mapArena(config.System); err != nil {
		return nil, err
	}
	r.System = heap.New(config.System)
	r.System.Init(sa)
	if ma, err = r.mapArena(config.Modules); err != nil {
		return r, r.fatal(err)
	}
	r.Modules = heap.New(config.Modules)
	r.Modules.Init(ma)
	if err = r.Symbols.Init(r.Modules); err != nil {
		return r, r.fatal(errors.Wrap(err, "symbols"))
	}
	if err = slices.Concat(host, r.procedures()).Publish(r.System, r.CPU, r.Symbols); err != nil {
		return r, r.fatal(errors.Wrap(err, "publish"))
	}
	r.Logger.Debug("published procedures", "count", r.Symbols.Len())

	r.Pool = pool.NewPool(kxload.NewLinker(r.Symbols, r.Logger), r.CPU, dir, r.Logger)
	if err = r.Pool.LoadDirectory(r.Modules, r.Modules); err != nil {
		return r, r.fatal(err)
	}
	if err = r.installHook(); err != nil {
		return r, r.fatal(err)
	}
	r.Logger.Info("booted", "modules", r.Pool.Len(), "free", r.Modules.Stats().Free)
	return r, nil
}

func (r *Runtime) mapArena(name string) (*mem.Arena, error) {
	c, ok := r.Config.Arena(name)
	if !ok {
		return nil, &ConfigError{Arena: name, Err: errors.New("not configured")}
	}
	base, size, err := c.Extent()
	if err != nil {
		return nil, &ConfigError{Arena: name, Err: err}
	}
	a, err := mem.NewArena(base, size, mem.Backing(c.Backing))
	if err != nil {
		return nil, &ConfigError{Arena: name, Err: err}
	}
	if err = r.Space.Map(a); err != nil {
		_ = a.Release()
		return nil, &ConfigError{Arena: name, Err: err}
	}
	r.Logger.Debug("mapped arena", "name", name, "base", a.Base, "size", a.Size, "backing", a.Backing)
	return a, nil
}

func (r *Runtime) installHook() error {
	h := r.Config.ReloadHook
	if h == "" {
		return nil
	}
	target, ok := r.Config.Hook()
	if !ok {
		if target, ok = r.Symbols.Resolve(h); !ok {
			return errors.Wrapf(kxload.ErrMissingSymbol, "reload hook %s", h)
		}
	}
	return errors.Wrap(r.Patches.InstallBranch(target, r.Symbols.MustResolve(ProcRequestReload)), "reload hook")
}

func (r *Runtime) procedures() kxload.Exports {
	return kxload.Exports{
		{Name: ProcRequestReload, Signature: "void()", Proc: r.requestReload},
		{Name: ProcReport, Signature: "void(const char*)", Proc: r.report},
		{Name: ProcGetProcedure, Signature: "void*(const char*)", Proc: r.getProcedure},
		{Name: ProcRegisterProcedure, Signature: "int(const char*, void*)", Proc: r.registerProcedure},
		{Name: ProcModuleCount, Signature: "u32()", Proc: r.moduleCount},
	}
}

func (r *Runtime) requestReload(...uint32) uint32 {
	r.Pool.RequestReload()
	return 0
}

func (r *Runtime) report(args ...uint32) uint32 {
	s, err := r.Space.CString(mem.Addr(cpu.Arg(args, 0)))
	if err != nil {
		r.Logger.Warn("bad report string", "error", err)
		return 0
	}
	r.Logger.Info(s, "source", "module")
	return 0
}

func (r *Runtime) getProcedure(args ...uint32) uint32 {
	name, err := r.Space.CString(mem.Addr(cpu.Arg(args, 0)))
	if err != nil {
		return 0
	}
	addr, _ := r.Symbols.Resolve(name)
	return uint32(addr)
}

// registerProcedure returns 0 on success and 1 on failure.
func (r *Runtime) registerProcedure(args ...uint32) uint32 {
	name, err := r.Space.CString(mem.Addr(cpu.Arg(args, 0)))
	if err == nil {
		err = r.Symbols.Register(name, mem.Addr(cpu.Arg(args, 1)))
	}
	if err != nil {
		r.Logger.Warn("module procedure not registered", "error", err)
		return 1
	}
	r.Logger.Debug("module registered procedure", "name", name, "addr", mem.Addr(cpu.Arg(args, 1)))
	return 0
}

func (r *Runtime) moduleCount(...uint32) uint32 {
	return uint32(r.Pool.Len())
}

// Storage builds the module directory the config describes over fsys.
func Storage(cfg *config.Config, fsys fs.FS) *storage.FS {
	d := storage.New(fsys, cfg.Directory.Root)
	if cfg.Directory.Extension != "" {
		d.Extension = cfg.Directory.Extension
	}
	d.Recursive = cfg.Directory.Recursive
	return d
}

// Poll services a pending reload. It reports whether one ran.
func (r *Runtime) Poll() bool {
	return r.Pool.ServiceReload()
}

// Repopulate scans the module directory again. A fatal error halts.
func (r *Runtime) Repopulate() error {
	if err := r.Pool.Rescan(r.Modules, r.Modules); err != nil {
		return r.fatal(err)
	}
	return nil
}

func (r *Runtime) fatal(err error) error {
	r.Halt(err)
	return err
}

// Halt writes the fatal message into the fallback heap and hands it to the
// halt function.
func (r *Runtime) Halt(err error) {
	text := "[kxload] " + err.Error()
	msg := mem.Null
	if r.System != nil {
		if a, aerr := r.System.Alloc(uint32(len(text))+1, 1); aerr == nil {
			b := r.System.Bytes(a)
			b[copy(b, text)] = 0
			msg = a
		}
	}
	r.halt(msg, text)
}

func (r *Runtime) exit(msg mem.Addr, text string) {
	r.Logger.Error(text, "message", msg)
	os.Exit(1)
}

// Close releases the arena backings. The runtime must not be used afterwards.
func (r *Runtime) Close() (err error) {
	for _, a := range r.Space.Arenas() {
		if e := a.Release(); e != nil && err == nil {
			err = e
		}
	}
	return
}
