package kxload

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Infos is a stringer slice of Info
type Infos []*Info

func (i Infos) String() string {
	s := strings.Builder{}
	for _, v := range i {
		s.WriteString(v.String())
	}
	return s.String()
}

// Info contains the imports of a module file
type Info struct {
	File    string
	Header  Header
	Relocs  int
	Imports map[string][]Kind // symbol name to the kinds of the sites using it
	order   []string
}

func (i Info) String() string {
	s := strings.Builder{}
	s.WriteString(fmt.Sprintf("%s: v%d payload %#x bss %#x prologue %#x relocs %d\n",
		i.File, i.Header.Version, i.Header.PayloadLen, i.Header.BSS, i.Header.Prologue, i.Relocs))
	for _, p := range i.order {
		s.WriteString(fmt.Sprintf("\t%s %v\n", p, i.Imports[p]))
	}
	return s.String()
}

// Inspect decodes an image's header and imports.
func Inspect(file string, image []byte) (*Info, error) {
	f, err := Parse(image)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}
	i := &Info{File: file, Header: f.Header, Relocs: len(f.Relocs), Imports: make(map[string][]Kind)}
	for _, r := range f.Relocs {
		if r.Symbol == "" {
			continue
		}
		if _, ok := i.Imports[r.Symbol]; !ok {
			i.order = append(i.order, r.Symbol)
		}
		i.Imports[r.Symbol] = append(i.Imports[r.Symbol], r.Kind)
	}
	return i, nil
}

// ImportsOf reads a module file and inspects it.
func ImportsOf(file string) (*Info, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return Inspect(file, b)
}

// MissingSymbols lists the imports of image that s cannot resolve.
func MissingSymbols(s *Symbols, image []byte) ([]string, error) {
	f, err := Parse(image)
	if err != nil {
		return nil, err
	}
	var o []string
	for _, name := range f.Imports() {
		if _, ok := s.Resolve(name); !ok {
			o = append(o, name)
		}
	}
	return o, nil
}
