package main

import (
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	. "github.com/ZenLiuCN/kxload"
	"github.com/ZenLiuCN/kxload/boot"
	"github.com/ZenLiuCN/kxload/config"
	"github.com/ZenLiuCN/kxload/cpu"
	"github.com/ZenLiuCN/kxload/mem"
	"github.com/ZenLiuCN/kxload/storage"
	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Usage = "kxe module tool"
	app.Name = "Compiler"
	app.Description = "pack, inspect and boot kxe modules"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"d"},
		},
	}
	app.Before = func(ctx *cli.Context) error {
		if ctx.Bool("debug") {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
		return nil
	}
	app.Args = true
	app.Commands = []*cli.Command{
		{
			Name:   "pack",
			Action: pack,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file, default is the description name with .kxe"},
				&cli.BoolFlag{Name: "zstd", Aliases: []string{"z"}, Usage: "compress the image, appends .zst"},
			},
			Args:  true,
			Usage: "pack an hcl module description into a kxe image",
		},
		{
			Name:   "imports",
			Action: imports,
			Usage:  "display imports of kxe files",
			Args:   true,
		},
		{
			Name:   "inspect",
			Action: inspect,
			Usage:  "dump the parsed structure of kxe files",
			Args:   true,
		},
		{
			Name:   "boot",
			Action: bootDir,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "hcl config, default layout when empty"},
				&cli.StringFlag{Name: "dir", Value: ".", Usage: "directory holding the module root"},
				&cli.BoolFlag{Name: "reload", Aliases: []string{"r"}, Usage: "press the reload hook after boot and load again"},
			},
			Usage: "boot the runtime over a module directory",
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("failure %s", err)
	}
}

func pack(ctx *cli.Context) (err error) {
	src := ctx.Args().First()
	if src == "" {
		return fmt.Errorf("missing module description")
	}
	var m *config.Module
	if m, err = config.LoadModule(src); err != nil {
		return
	}
	var b *Builder
	if b, err = m.Builder(); err != nil {
		return
	}
	img := b.Bytes()
	if _, err = Parse(img); err != nil {
		return errors.Wrap(err, "packed image is invalid")
	}
	out := ctx.String("out")
	if out == "" {
		out = strings.TrimSuffix(src, filepath.Ext(src)) + storage.DefaultExtension
	}
	if ctx.Bool("zstd") {
		if img, err = storage.Encode(img); err != nil {
			return
		}
		out += storage.Compressed
	}
	if err = os.WriteFile(out, img, 0o644); err != nil {
		return
	}
	log.Printf("packed %s into %s (%d bytes)", src, out, len(img))
	return
}

func read(name string) ([]byte, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return storage.Decode(name, b)
}

func imports(ctx *cli.Context) (err error) {
	var v Infos
	for _, s := range ctx.Args().Slice() {
		var b []byte
		if b, err = read(s); err != nil {
			return
		}
		var i *Info
		if i, err = Inspect(s, b); err != nil {
			return
		}
		v = append(v, i)
	}
	log.Printf("\n%s", v.String())
	return
}

func inspect(ctx *cli.Context) (err error) {
	sp := spew.NewDefaultConfig()
	sp.DisablePointerAddresses = true
	sp.MaxDepth = 4
	for _, s := range ctx.Args().Slice() {
		var b []byte
		if b, err = read(s); err != nil {
			return
		}
		var f *File
		if f, err = Parse(b); err != nil {
			return errors.Wrap(err, s)
		}
		f.Payload = nil
		sp.Dump(f)
	}
	return
}

func bootDir(ctx *cli.Context) (err error) {
	cfg := config.Default()
	if p := ctx.String("config"); p != "" {
		if cfg, err = config.Load(p); err != nil {
			return
		}
	}
	if cfg.ReloadHook == "" {
		cfg.ReloadHook = "hostHomeButton"
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return
	}
	if ctx.Bool("debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	space := new(mem.Space)
	rt, err := boot.Boot(cfg, boot.Storage(cfg, os.DirFS(ctx.String("dir"))), hostExports(logger, space),
		boot.WithLogger(logger), boot.WithSpace(space))
	if err != nil {
		return
	}
	defer rt.Close()
	list(rt)
	if !ctx.Bool("reload") {
		return
	}
	if _, err = rt.CPU.Call(rt.Symbols.MustResolve("hostHomeButton")); err != nil {
		return
	}
	if rt.Poll() {
		log.Printf("unloaded, free %#x", rt.Modules.Stats().Free)
	}
	if err = rt.Repopulate(); err != nil {
		return
	}
	list(rt)
	return
}

func list(rt *boot.Runtime) {
	for s := range rt.Pool.List() {
		log.Printf("%s base %s size %#x prologue %s imports %d", s.Name, s.Base, s.Size, s.Prologue, s.Imports)
	}
}

// hostExports are the procedures of the demo host.
func hostExports(logger *slog.Logger, space *mem.Space) Exports {
	return Exports{
		{Name: "OSReport", Signature: "void(const char*)", Proc: func(args ...uint32) uint32 {
			s, err := space.CString(mem.Addr(cpu.Arg(args, 0)))
			if err != nil {
				logger.Warn("OSReport", "error", err)
				return 0
			}
			fmt.Fprint(os.Stdout, s)
			return 0
		}},
		{Name: "kxGeckoJitCompileCodes", Signature: "void(const void*, u32)", Proc: func(args ...uint32) uint32 {
			logger.Warn("gecko code compilation is not available", "codes", mem.Addr(cpu.Arg(args, 0)), "size", cpu.Arg(args, 1))
			return 0
		}},
		{Name: "kxConvertU32toF32", Signature: "f32(u32)", Proc: func(args ...uint32) uint32 {
			return math.Float32bits(float32(cpu.Arg(args, 0)))
		}},
		{Name: "hostHomeButton", Signature: "void()", Proc: func(...uint32) uint32 {
			return 0
		}},
	}
}
