// Package storage enumerates and reads module files. It is the stand-in for
// the removable media layer of the host.
package storage

import (
	"bytes"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

const (
	// DefaultExtension of module files.
	DefaultExtension = ".kxe"
	// Compressed files carry this suffix after the module extension.
	Compressed = ".zst"
)

// ErrNoDirectory occurs when the module root cannot be resolved.
var ErrNoDirectory = errors.New("module directory not found")

type (
	// Dir lists and reads module files.
	Dir interface {
		List() ([]string, error)
		ReadFile(name string) ([]byte, error)
	}
	// FS is a Dir over an fs.FS.
	//
	// Only the root directory is scanned unless Recursive is set. Names are
	// returned in lexical order, which is the discovery order.
	FS struct {
		FS        fs.FS
		Root      string
		Extension string
		Recursive bool
	}
)

// New creates a non-recursive Dir of files with the default extension.
func New(fsys fs.FS, root string) *FS {
	return &FS{FS: fsys, Root: root, Extension: DefaultExtension}
}

func (d *FS) ext() string {
	if d.Extension == "" {
		return DefaultExtension
	}
	return d.Extension
}

// Match reports whether a file name is a module file.
func (d *FS) Match(name string) bool {
	return strings.HasSuffix(name, d.ext()) || strings.HasSuffix(name, d.ext()+Compressed)
}

// List returns module file paths relative to the fs root.
func (d *FS) List() (files []string, err error) {
	root := d.Root
	if root == "" {
		root = "."
	}
	st, err := fs.Stat(d.FS, root)
	if err != nil || !st.IsDir() {
		return nil, errors.Wrapf(ErrNoDirectory, "%s", root)
	}
	if !d.Recursive {
		var entries []fs.DirEntry
		if entries, err = fs.ReadDir(d.FS, root); err != nil {
			return nil, errors.Wrapf(err, "list %s", root)
		}
		for _, e := range entries {
			if !e.IsDir() && d.Match(e.Name()) {
				files = append(files, path.Join(root, e.Name()))
			}
		}
		return
	}
	err = fs.WalkDir(d.FS, root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !e.IsDir() && d.Match(e.Name()) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", root)
	}
	return
}

// ReadFile reads one module file, decompressing it when compressed.
func (d *FS) ReadFile(name string) (b []byte, err error) {
	f, err := d.FS.Open(name)
	if err != nil {
		return nil, err
	}
	defer fn.IgnoreClose(f)
	if b, err = io.ReadAll(f); err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}
	return Decode(name, b)
}

// Decode returns raw as is, or decompressed when name ends in Compressed.
func Decode(name string, raw []byte) ([]byte, error) {
	if !strings.HasSuffix(name, Compressed) {
		return raw, nil
	}
	r, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "decompress %s", name)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "decompress %s", name)
	}
	return b, nil
}

// Encode compresses a module image.
func Encode(image []byte) ([]byte, error) {
	w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, err
	}
	defer fn.IgnoreClose(w)
	return w.EncodeAll(image, nil), nil
}
