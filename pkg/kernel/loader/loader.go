// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package loader implements the kernel module loader: an ELF
// relocation engine that resolves a relocatable i386 object against a
// global kernel symbol table and produces a loaded module buffer
// (spec's external loader contract). Every module must export
// ModuleName, ModuleInit and ModuleCleanup as global symbols; the
// loader records their addresses but does not execute them; running
// relocated machine code is outside what a hosted Go process can do
// safely, so the loader's job ends where the original's init/cleanup
// calls would begin.
package loader

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	kernelerrors "github.com/chaffkernel/chaff/pkg/errors"
	"github.com/go-logr/logr"
)

const (
	// maxModuleSize is the loader's allocation cap for a module's
	// combined allocated sections.
	maxModuleSize = 16 * 1024 * 1024

	// maxDependencies bounds how many distinct modules a single module
	// may record a dependency edge on.
	maxDependencies = 8

	// maxSections rejects section tables larger than a sane kernel
	// module would ever need, before any allocation is attempted.
	maxSections = 1024
)

// KernelSymbol is one entry in the kernel symbol table: a named
// address optionally owned by the module that exported it. Module is
// nil for symbols belonging to the kernel itself.
type KernelSymbol struct {
	Name   string
	Value  uint32
	Module *Module
}

// Module is a loaded kernel module (spec's LdrModule).
type Module struct {
	// Name is read from the module's own ModuleName symbol, not from
	// the name LoadModule was called with.
	Name string

	// Data is the module's allocated load buffer: every SHF_ALLOC
	// section's bytes at the offsets the loader computed, already
	// relocated.
	Data []byte

	// InitOffset and CleanupOffset are offsets into Data of the
	// addresses the module exported as ModuleInit and ModuleCleanup.
	InitOffset    uint32
	CleanupOffset uint32

	// Arg is the argument string LoadModule was called with, carried
	// here for a caller that runs ModuleInit through its own simulated
	// calling convention.
	Arg string

	deps        []*Module
	depRefCount int
	symbols     []*KernelSymbol
}

// KernelSymbolTable is the global registry of kernel and module
// symbols, and the set of currently loaded modules (spec's
// LdrKSymbolTable plus the module list LdrLoadModule/LdrUnloadModule
// maintain).
type KernelSymbolTable struct {
	logger logr.Logger

	mu      sync.Mutex
	symbols map[string]*KernelSymbol
	modules []*Module
}

// NewKernelSymbolTable returns an empty symbol table with no loaded
// modules.
func NewKernelSymbolTable(logger logr.Logger) *KernelSymbolTable {
	return &KernelSymbolTable{
		logger:  logger.WithName("loader"),
		symbols: make(map[string]*KernelSymbol),
	}
}

// Add registers a kernel symbol. It returns false without modifying
// the table if name is already defined.
func (t *KernelSymbolTable) Add(name string, value uint32, module *Module) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(name, value, module)
}

func (t *KernelSymbolTable) addLocked(name string, value uint32, module *Module) bool {
	if _, exists := t.symbols[name]; exists {
		return false
	}
	sym := &KernelSymbol{Name: name, Value: value, Module: module}
	t.symbols[name] = sym
	if module != nil {
		module.symbols = append(module.symbols, sym)
	}
	return true
}

// Lookup finds a kernel symbol by name.
func (t *KernelSymbolTable) Lookup(name string) (*KernelSymbol, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(name)
}

func (t *KernelSymbolTable) lookupLocked(name string) (*KernelSymbol, bool) {
	sym, ok := t.symbols[name]
	return sym, ok
}

// LookupModule finds the first loaded module with the given name
// (spec's LdrLookupModule; module names are not required to be
// unique, matching the original's unchecked linear list).
func (t *KernelSymbolTable) LookupModule(name string) (*Module, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.modules {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}

// removeModuleLocked unregisters every symbol owned by module. Safe to
// call on a module that owns no symbols yet.
func (t *KernelSymbolTable) removeModuleLocked(module *Module) {
	for _, sym := range module.symbols {
		delete(t.symbols, sym.Name)
	}
	module.symbols = nil
}

// AddDependency records that from depends on to, rejecting a dependency
// that would close a cycle. Use this for dependencies the loader does
// not infer automatically (an unused but required module, for
// example); LoadModule adds an edge itself for every undefined symbol
// it resolves into another module.
func (t *KernelSymbolTable) AddDependency(from, to *Module) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	stack := []*Module{to}
	seen := map[*Module]bool{}
	for len(stack) > 0 {
		m := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if m == from {
			return kernelerrors.ELOOP
		}
		if m == nil || seen[m] {
			continue
		}
		seen[m] = true
		stack = append(stack, m.deps...)
	}
	return addDependencyNoCheck(from, to)
}

// addDependencyNoCheck records the edge without a circular-dependency
// scan; to == nil (a symbol owned by the kernel itself) is a no-op.
// The original's version of this scan never advanced its loop index
// past the first slot, making it effectively hardwired to check (and
// overwrite) only index 0; the defect is not reproduced here.
func addDependencyNoCheck(from, to *Module) error {
	if to == nil {
		return nil
	}
	for _, d := range from.deps {
		if d == to {
			return kernelerrors.EEXIST
		}
	}
	if len(from.deps) >= maxDependencies {
		return kernelerrors.ENOSPC
	}
	from.deps = append(from.deps, to)
	to.depRefCount++
	return nil
}

// UnloadModule unloads module, failing with EBUSY while any other
// module still depends on it. Running the module's own ModuleCleanup
// is outside the loader's scope (see the package doc); the one
// invariant spec §6 names for unload — the dependency refcount gate —
// is still enforced.
func (t *KernelSymbolTable) UnloadModule(module *Module) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if module.depRefCount != 0 {
		return kernelerrors.EBUSY
	}

	for _, d := range module.deps {
		d.depRefCount--
	}
	t.removeModuleLocked(module)

	for i, m := range t.modules {
		if m == module {
			t.modules = append(t.modules[:i], t.modules[i+1:]...)
			break
		}
	}
	return nil
}

// LoadModule parses, allocates and relocates a relocatable i386 ELF
// object, resolving undefined symbols against the table and recording
// a dependency edge on whichever module owns each one it resolves.
// name is a diagnostic label only (the module's real Name comes from
// its own ModuleName symbol, as in the original).
func (t *KernelSymbolTable) LoadModule(r io.ReaderAt, name string, arg string) (*Module, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("loader: %s: not a valid ELF object: %w", name, kernelerrors.EINVAL)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.Type != elf.ET_REL || f.Machine != elf.EM_386 {
		return nil, fmt.Errorf("loader: %s: not a relocatable i386 object: %w", name, kernelerrors.EINVAL)
	}
	if len(f.Sections) > maxSections {
		return nil, fmt.Errorf("loader: %s: too many sections: %w", name, kernelerrors.ENOEXEC)
	}

	loadOff, allocBytes, err := layoutSections(f.Sections)
	if err != nil {
		return nil, fmt.Errorf("loader: %s: %w", name, err)
	}

	symbols, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("loader: %s: no symbol table: %w", name, kernelerrors.EINVAL)
	}

	data := make([]byte, allocBytes)
	for i, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Type == elf.SHT_NOBITS {
			continue
		}
		raw, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("loader: %s: section %d: %w", name, i, err)
		}
		copy(data[loadOff[i]:], raw)
	}

	module := &Module{}

	t.mu.Lock()
	defer t.mu.Unlock()

	var addedDeps []*Module
	rollback := func() {
		for _, d := range addedDeps {
			d.depRefCount--
		}
		t.removeModuleLocked(module)
	}

	for i, s := range f.Sections {
		if s.Type != elf.SHT_REL {
			continue
		}
		if int(s.Info) >= len(f.Sections) {
			rollback()
			return nil, fmt.Errorf("loader: %s: relocation section %d targets an invalid section: %w", name, i, kernelerrors.EINVAL)
		}
		remote := f.Sections[s.Info]
		if remote.Flags&elf.SHF_ALLOC == 0 {
			continue
		}

		raw, err := s.Data()
		if err != nil {
			rollback()
			return nil, fmt.Errorf("loader: %s: relocation section %d: %w", name, i, err)
		}
		if len(raw)%8 != 0 {
			rollback()
			return nil, fmt.Errorf("loader: %s: corrupt relocation table: %w", name, kernelerrors.EINVAL)
		}

		for off := 0; off < len(raw); off += 8 {
			relOffset := binary.LittleEndian.Uint32(raw[off:])
			relInfo := binary.LittleEndian.Uint32(raw[off+4:])
			relType := elf.R_386(relInfo & 0xff)
			symIdx := relInfo >> 8

			if relType == elf.R_386_NONE {
				continue
			}
			if uint64(relOffset)+4 > remote.Size {
				rollback()
				return nil, fmt.Errorf("loader: %s: corrupt relocation table: %w", name, kernelerrors.EINVAL)
			}

			symValue, dep, err := t.resolveRelocationSymbol(f, symbols, symIdx, loadOff)
			if err != nil {
				rollback()
				return nil, fmt.Errorf("loader: %s: %w", name, err)
			}
			if dep != nil {
				if derr := addDependencyNoCheck(module, dep); derr != nil && derr != kernelerrors.EEXIST {
					rollback()
					return nil, fmt.Errorf("loader: %s: too many module dependencies: %w", name, derr)
				} else if derr == nil {
					addedDeps = append(addedDeps, dep)
				}
			}

			dst := data[int(loadOff[s.Info])+int(relOffset):]
			cur := binary.LittleEndian.Uint32(dst)

			switch relType {
			case elf.R_386_32:
				binary.LittleEndian.PutUint32(dst, cur+symValue)
			case elf.R_386_PC32:
				binary.LittleEndian.PutUint32(dst, cur+symValue-(loadOff[s.Info]+relOffset))
			default:
				rollback()
				return nil, fmt.Errorf("loader: %s: unsupported relocation type %v: %w", name, relType, kernelerrors.EINVAL)
			}
		}
	}

	moduleName, err := t.scanSymbols(module, f, symbols, loadOff, data)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("loader: %s: %w", name, err)
	}
	module.Name = moduleName
	module.Data = data
	module.Arg = arg

	t.modules = append(t.modules, module)
	return module, nil
}

// layoutSections computes each allocated section's load offset within
// the module's buffer, respecting per-section alignment up to one
// page, and returns the total buffer size.
func layoutSections(sections []*elf.Section) ([]uint32, uint32, error) {
	loadOff := make([]uint32, len(sections))
	var allocBytes uint32

	for i, s := range sections {
		if s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}

		align := uint32(s.Addralign)
		switch {
		case align > 4096:
			align = 4096
		case align == 0:
			align = 1
		case align&(align-1) != 0:
			return nil, 0, fmt.Errorf("section %d has a non-power-of-2 alignment: %w", i, kernelerrors.EINVAL)
		}

		allocBytes = (allocBytes + align - 1) &^ (align - 1)
		loadOff[i] = allocBytes
		allocBytes += uint32(s.Size)
		if allocBytes > maxModuleSize {
			return nil, 0, fmt.Errorf("module exceeds the %d byte size cap: %w", maxModuleSize, kernelerrors.ENOEXEC)
		}
	}
	return loadOff, allocBytes, nil
}

// resolveRelocationSymbol returns the relocated value to add at a
// relocation site, and the module that owns it if resolving the
// symbol crossed into another module's exports (nil otherwise). Only
// called while t.mu is already held (from LoadModule).
func (t *KernelSymbolTable) resolveRelocationSymbol(f *elf.File, symbols []elf.Symbol, symIdx uint32, loadOff []uint32) (uint32, *Module, error) {
	if symIdx == 0 {
		// STN_UNDEF: the relocation carries no symbol at all.
		return 0, nil, nil
	}
	if symIdx > uint32(len(symbols)) {
		return 0, nil, fmt.Errorf("corrupt relocation table: %w", kernelerrors.EINVAL)
	}
	sym := symbols[symIdx-1]

	switch sym.Section {
	case elf.SHN_UNDEF:
		ksym, ok := t.lookupLocked(sym.Name)
		if !ok {
			return 0, nil, fmt.Errorf("undefined symbol %q: %w", sym.Name, kernelerrors.ENOEXEC)
		}
		return ksym.Value, ksym.Module, nil

	case elf.SHN_ABS:
		return uint32(sym.Value), nil, nil

	case elf.SHN_COMMON:
		return 0, nil, fmt.Errorf("modules cannot be loaded with COMMON symbols: %w", kernelerrors.ENOEXEC)

	default:
		if int(sym.Section) >= len(f.Sections) {
			return 0, nil, fmt.Errorf("corrupt symbol table: %w", kernelerrors.EINVAL)
		}
		return loadOff[sym.Section] + uint32(sym.Value), nil, nil
	}
}

// scanSymbols walks the module's global and weak symbols, registering
// ordinary exports in the kernel symbol table and picking out the
// three special ones every module must define. It returns the name
// read from ModuleName.
func (t *KernelSymbolTable) scanSymbols(module *Module, f *elf.File, symbols []elf.Symbol, loadOff []uint32, data []byte) (string, error) {
	var (
		moduleName string
		weakWarned bool
	)

	for _, sym := range symbols {
		typ := elf.ST_TYPE(sym.Info)
		if typ == elf.STT_SECTION || typ == elf.STT_FILE || sym.Section == elf.SHN_UNDEF {
			continue
		}
		if sym.Section == elf.SHN_COMMON {
			return "", fmt.Errorf("modules cannot be loaded with COMMON symbols: %w", kernelerrors.ENOEXEC)
		}

		bind := elf.ST_BIND(sym.Info)
		if bind != elf.STB_GLOBAL && bind != elf.STB_WEAK {
			continue
		}
		if bind == elf.STB_WEAK && !weakWarned {
			t.logger.Info("weak symbols are treated as globals")
			weakWarned = true
		}

		var value uint32
		switch sym.Section {
		case elf.SHN_ABS:
			value = uint32(sym.Value)
		default:
			if int(sym.Section) >= len(f.Sections) {
				return "", fmt.Errorf("corrupt symbol table: %w", kernelerrors.EINVAL)
			}
			value = loadOff[sym.Section] + uint32(sym.Value)
		}

		switch sym.Name {
		case "ModuleInit":
			module.InitOffset = value
		case "ModuleCleanup":
			module.CleanupOffset = value
		case "ModuleName":
			moduleName = readCString(data, value)
		default:
			if !t.addLocked(sym.Name, value, module) {
				return "", fmt.Errorf("exported symbol %q is already defined: %w", sym.Name, kernelerrors.EEXIST)
			}
		}
	}

	if moduleName == "" {
		return "", fmt.Errorf("modules must define a ModuleName symbol: %w", kernelerrors.ENOEXEC)
	}
	return moduleName, nil
}

// readCString reads a NUL-terminated string out of data starting at
// off, returning "" if off falls outside data.
func readCString(data []byte, off uint32) string {
	if int(off) >= len(data) {
		return ""
	}
	end := off
	for end < uint32(len(data)) && data[end] != 0 {
		end++
	}
	return string(data[off:end])
}
