// Package config loads the runtime configuration from HCL.
//
// Addresses and sizes are strings so they may be written in hex:
//
//	arena "system"  { base = "0x80001800" size = "0x8000" }
//	arena "modules" { base = "0x80432B00" size = "0xD8C38" backing = "mmap" }
//	modules { root = "Kuribo" extension = ".kxe" recursive = false }
//	reload_hook = "hostHomeButton"
//	log_level = "info"
//
// Environment variables are visible as env.NAME, e.g. root = env.KXLOAD_ROOT.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ZenLiuCN/kxload/mem"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
)

const (
	// System names the arena of the fallback heap.
	System = "system"
	// Modules names the arena of the module heap.
	Modules = "modules"
)

type (
	// Arena is one `arena "name" {}` block.
	Arena struct {
		Name    string `hcl:"name,label"`
		Base    string `hcl:"base"`
		Size    string `hcl:"size"`
		Backing string `hcl:"backing,optional"`
	}
	// Directory is the `modules {}` block.
	Directory struct {
		Root      string `hcl:"root"`
		Extension string `hcl:"extension,optional"`
		Recursive bool   `hcl:"recursive,optional"`
	}
	// Config is the whole file.
	Config struct {
		Arenas     []*Arena   `hcl:"arena,block"`
		Directory  *Directory `hcl:"modules,block"`
		ReloadHook string     `hcl:"reload_hook,optional"`
		LogLevel   string     `hcl:"log_level,optional"`
	}
)

// Default is the stock console layout: a small system arena for
// host procedure slots and fatal messages, and the module arena in the free
// memory after the host image.
func Default() *Config {
	return &Config{
		Arenas: []*Arena{
			{Name: System, Base: "0x80001800", Size: "0x8000", Backing: string(mem.BackingStatic)},
			{Name: Modules, Base: "0x80432B00", Size: "0xD8C38", Backing: string(mem.BackingMmap)},
		},
		Directory: &Directory{Root: "Kuribo", Extension: ".kxe"},
		LogLevel:  "info",
	}
}

// Load parses and validates an HCL config file.
func Load(path string) (*Config, error) {
	f, diags := hclparse.NewParser().ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "parse %s", path)
	}
	return decode(path, f)
}

// Parse parses and validates HCL source.
func Parse(src []byte, filename string) (*Config, error) {
	f, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "parse %s", filename)
	}
	return decode(filename, f)
}

func decode(name string, f *hcl.File) (*Config, error) {
	c := new(Config)
	if diags := gohcl.DecodeBody(f.Body, evalContext(), c); diags.HasErrors() {
		return nil, errors.Wrapf(diags, "decode %s", name)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, name)
	}
	return c, nil
}

func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && hclsyntax.ValidIdentifier(k) {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{"env": cty.ObjectVal(env)}}
}

// Validate checks every value parses and the required arenas exist.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, a := range c.Arenas {
		if seen[a.Name] {
			return errors.Errorf("arena %q declared twice", a.Name)
		}
		seen[a.Name] = true
		if _, _, err := a.Extent(); err != nil {
			return err
		}
		switch mem.Backing(a.Backing) {
		case "", mem.BackingStatic, mem.BackingMmap:
		default:
			return errors.Errorf("arena %q: unknown backing %q", a.Name, a.Backing)
		}
	}
	for _, n := range []string{System, Modules} {
		if !seen[n] {
			return errors.Errorf("arena %q is required", n)
		}
	}
	if c.Directory == nil || c.Directory.Root == "" {
		return errors.New("modules block with a root is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Arena finds a declared arena by name.
func (c *Config) Arena(name string) (*Arena, bool) {
	for _, a := range c.Arenas {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// Extent parses base and size.
func (a *Arena) Extent() (base mem.Addr, size uint32, err error) {
	b, err := ParseUint32(a.Base)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "arena %q base", a.Name)
	}
	if size, err = ParseUint32(a.Size); err != nil {
		return 0, 0, errors.Wrapf(err, "arena %q size", a.Name)
	}
	return mem.Addr(b), size, nil
}

// Hook returns the reload hook as an address, or ok false when it names a symbol.
func (c *Config) Hook() (addr mem.Addr, ok bool) {
	v, err := ParseUint32(c.ReloadHook)
	if err != nil {
		return 0, false
	}
	return mem.Addr(v), true
}

// ParseUint32 accepts decimal, 0x hex, 0o octal and 0b binary.
func ParseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// ParseLevel maps a log level name to a slog level; empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, errors.Wrapf(err, "log_level")
	}
	return l, nil
}
