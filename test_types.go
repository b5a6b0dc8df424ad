package kxload

import (
	"github.com/ZenLiuCN/kxload/patch"
)

// StubModule is for testing purpose: a module whose prologue is a single branch
// relocated to target, followed by words of data referencing each extra import.
func StubModule(target string, imports ...string) []byte {
	b := new(Builder)
	b.Reloc(target, b.Word(0x48000000), Rel24, 0)
	for _, s := range imports {
		b.Reloc(s, b.Word(0), Addr32, 0)
	}
	b.BSS = 16
	return b.Bytes()
}

// BareModule is for testing purpose: no relocations, the prologue is a blr.
func BareModule() []byte {
	b := new(Builder)
	b.Word(patch.Blr)
	return b.Bytes()
}
