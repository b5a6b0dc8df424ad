//go:build !unix

package mem

// No anonymous mappings here, the arena falls back to a Go slice.
func mapAnon(size int) ([]byte, func([]byte) error, error) {
	return make([]byte, size), nil, nil
}
