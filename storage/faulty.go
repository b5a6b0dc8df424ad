package storage

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrInjected is the default error a Faulty read returns.
var ErrInjected = errors.New("injected read fault")

// Faulty is a Dir wrapper that fails reads of matching files.
type Faulty struct {
	Dir
	rules map[string]error // name substring to error
}

// NewFaulty wraps d.
func NewFaulty(d Dir) *Faulty {
	return &Faulty{Dir: d, rules: make(map[string]error)}
}

// FailOn makes reads of any file containing pattern fail with err, or ErrInjected when nil.
func (f *Faulty) FailOn(pattern string, err error) *Faulty {
	if err == nil {
		err = ErrInjected
	}
	f.rules[pattern] = err
	return f
}

func (f *Faulty) ReadFile(name string) ([]byte, error) {
	for p, err := range f.rules {
		if strings.Contains(name, p) {
			return nil, errors.Wrapf(err, "read %s", name)
		}
	}
	return f.Dir.ReadFile(name)
}
