/*
Package kxload is a dynamic module loader and linker for a host without an operating system.

# Underwater

 1. Modules are KXE images: a fixed header, a relocation table, a string table and a payload (see [Parse]).
 2. [Linker.Link] copies the payload into a heap owned buffer, resolves every relocation through the
    process wide [Symbols] registry and locates the module prologue.
 3. All code shares one address space ([mem.Space]) and nothing is isolated. A module that
    corrupts memory corrupts the host.
 4. The host publishes its procedures with [Exports.Publish] before any module is linked. Resolution is by
    name only; a calling convention mismatch between a module and an export is not detected.

# Packages

  - mem: address space and arenas.
  - heap: first-fit allocator over one arena.
  - patch: branch encoding and the install-once hook writer.
  - cpu: the machine that follows branches into Go procedures.
  - pool: loaded module registry, directory loading, deferred reload.
  - storage: module files from a directory.
  - config: HCL runtime configuration.
  - boot: the bootstrap sequence.

# Notes

 1. Nothing here is goroutine safe. The runtime is single threaded by contract.
 2. Symbols must be initialized before use; misuse panics rather than returning defaults.
 3. Prologues are called as prologue(reason, base, size), see [Reason].

# Compile tool

The compiler tool packs HCL module descriptions into KXE images, inspects them and boots a
runtime over a module directory:

	go install github.com/ZenLiuCN/kxload/compiler@latest

For more details see the cli help:

	compiler -h
*/
package kxload
