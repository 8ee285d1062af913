// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package paging implements the page-table manager (spec §4.B): a
// two-level x86-style directory/table structure with per-table
// occupancy counters and the map_user/unmap_user/map_tmp/unmap_tmp
// primitive set. The original kernel reaches these primitives through a
// self-referential last directory entry; this implementation exposes
// the same four primitives (plus their kernel-range equivalents)
// without requiring that trick (Design Note "Self-referential page
// directory").
package paging

import (
	"fmt"
	"sync"

	"github.com/chaffkernel/chaff/pkg/kernel/mm/phys"
	"github.com/go-logr/logr"
)

const (
	entriesPerTable = 1024
	// PageShift/PageSize describe a 4 KiB page on a two-level 32-bit
	// directory (10 bits directory index, 10 bits table index, 12 bits
	// offset).
	PageShift = 12
	PageSize  = 1 << PageShift
)

// Flags are the access bits recorded on a page-table entry.
type Flags struct {
	Writable     bool
	User         bool
	CacheDisable bool
}

// PTE is one page-table entry.
type PTE struct {
	Present bool
	Frame   phys.Frame
	Flags   Flags
}

// Table is one page table: 1024 entries plus the occupancy counter the
// original kernel squeezes into OS-available PTE bits (spec's "15-bit
// counter distributed across the OS-available bits of the first five
// entries"). Here it is simply an int field — the bit-packing was an
// x86 space optimization, not an externally visible invariant.
type Table struct {
	Entries   [entriesPerTable]PTE
	Occupancy int
	Frame     phys.Frame // the physical frame backing this table itself
}

// Directory is a context's top-level page directory: 1024 entries each
// either absent or pointing at a Table.
type Directory struct {
	Entries [entriesPerTable]*Table
	Frame   phys.Frame // the physical frame backing this directory itself
}

func dirIndex(vaddr uintptr) int  { return int((vaddr >> 22) & 0x3FF) }
func tabIndex(vaddr uintptr) int  { return int((vaddr >> 12) & 0x3FF) }

// Manager operates on directories using a shared physical allocator to
// obtain page-table frames on demand.
type Manager struct {
	logger logr.Logger
	phys   *phys.Allocator

	mu      sync.Mutex
	tmp     map[uintptr]phys.Frame // bookkeeping for MapTmp/UnmapTmp
	invals  int                    // count of TLB invalidations issued (test hook)

	kernelDir   *Directory
	kernelUsers map[*Directory]struct{} // every directory sharing the kernel half, per RegisterKernelUser
}

// New returns a Manager allocating page-table frames from p.
func New(logger logr.Logger, p *phys.Allocator) *Manager {
	return &Manager{
		logger: logger.WithName("paging"),
		phys:   p,
		tmp:    make(map[uintptr]phys.Frame),
	}
}

// NewDirectory allocates and zeroes a fresh top-level directory frame.
func (m *Manager) NewDirectory() *Directory {
	f := m.phys.AllocContiguous(1, phys.ZoneKernel)
	clear(m.phys.FrameBytes(f))
	return &Directory{Frame: f}
}

// SetKernelDirectory records dir as the canonical kernel directory that
// MapKernel/UnmapKernel install mappings into and propagate from.
// Bring-up calls this exactly once, right after allocating the kernel
// directory and before any other context shares its kernel half.
func (m *Manager) SetKernelDirectory(dir *Directory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kernelDir = dir
}

// RegisterKernelUser adds dir to the set of directories that share the
// kernel half by entry-wise copy (spec §4.C create_blank/clone), so a
// later MapKernel/UnmapKernel against the canonical kernel directory is
// mirrored into dir even though dir copied the kernel-half entries
// before that call happened. Callers must UnregisterKernelUser when dir
// is torn down.
func (m *Manager) RegisterKernelUser(dir *Directory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kernelUsers == nil {
		m.kernelUsers = make(map[*Directory]struct{})
	}
	m.kernelUsers[dir] = struct{}{}
}

// UnregisterKernelUser removes dir from the kernel-half propagation set.
func (m *Manager) UnregisterKernelUser(dir *Directory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kernelUsers, dir)
}

func (m *Manager) invalidate(vaddr uintptr) {
	m.invals++
	m.logger.V(2).Info("tlb invalidate", "vaddr", fmt.Sprintf("%#x", vaddr))
}

// MapUser installs a mapping for vaddr in dir, allocating a new page
// table on demand if necessary (spec §4.B). Overwriting an existing
// mapping is permitted but logged; the occupancy counter is not
// double-counted.
func (m *Manager) MapUser(dir *Directory, vaddr uintptr, frame phys.Frame, flags Flags) {
	m.mu.Lock()
	defer m.mu.Unlock()

	di := dirIndex(vaddr)
	table := dir.Entries[di]
	if table == nil {
		tf := m.phys.AllocContiguous(1, phys.ZoneKernel)
		clear(m.phys.FrameBytes(tf))
		table = &Table{Frame: tf}
		dir.Entries[di] = table
	}

	ti := tabIndex(vaddr)
	pte := &table.Entries[ti]
	if pte.Present {
		m.logger.Info("MapUser: overwriting existing mapping", "vaddr", fmt.Sprintf("%#x", vaddr))
	} else {
		table.Occupancy++
	}

	pte.Present = true
	pte.Frame = frame
	pte.Flags = flags
	m.invalidate(vaddr)
}

// UnmapUser clears the mapping for vaddr in dir and returns the frame
// that was mapped there, or phys.InvalidFrame if nothing was mapped.
// When the owning table's occupancy reaches zero, its backing frame is
// freed and the directory entry cleared (spec §4.B, §8 invariant #3).
func (m *Manager) UnmapUser(dir *Directory, vaddr uintptr) phys.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	di := dirIndex(vaddr)
	table := dir.Entries[di]
	if table == nil {
		return phys.InvalidFrame
	}

	ti := tabIndex(vaddr)
	pte := &table.Entries[ti]
	if !pte.Present {
		return phys.InvalidFrame
	}

	frame := pte.Frame
	*pte = PTE{}
	table.Occupancy--
	m.invalidate(vaddr)

	if table.Occupancy == 0 {
		m.phys.Free(table.Frame, 1)
		dir.Entries[di] = nil
	}

	return frame
}

// MapKernel installs a mapping for vaddr in the canonical kernel
// directory set by SetKernelDirectory, allocating a new page table on
// demand exactly like MapUser. Unlike MapUser, a newly-allocated
// top-level entry is also mirrored into every directory registered via
// RegisterKernelUser, so a context created before this call still
// observes the mapping instead of keeping the stale nil entry it
// copied at share time (spec §4.B kernel-virtual-range equivalents).
func (m *Manager) MapKernel(vaddr uintptr, frame phys.Frame, flags Flags) {
	m.mu.Lock()
	defer m.mu.Unlock()

	di := dirIndex(vaddr)
	table := m.kernelDir.Entries[di]
	if table == nil {
		tf := m.phys.AllocContiguous(1, phys.ZoneKernel)
		clear(m.phys.FrameBytes(tf))
		table = &Table{Frame: tf}
		m.kernelDir.Entries[di] = table
		for dir := range m.kernelUsers {
			dir.Entries[di] = table
		}
	}

	ti := tabIndex(vaddr)
	pte := &table.Entries[ti]
	if pte.Present {
		m.logger.Info("MapKernel: overwriting existing mapping", "vaddr", fmt.Sprintf("%#x", vaddr))
	} else {
		table.Occupancy++
	}

	pte.Present = true
	pte.Frame = frame
	pte.Flags = flags
	m.invalidate(vaddr)
}

// UnmapKernel clears the mapping for vaddr in the canonical kernel
// directory and returns the frame that was mapped there, or
// phys.InvalidFrame if nothing was mapped. When the owning table's
// occupancy reaches zero, its frame is freed and the directory entry
// cleared both in the kernel directory and in every registered user.
func (m *Manager) UnmapKernel(vaddr uintptr) phys.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	di := dirIndex(vaddr)
	table := m.kernelDir.Entries[di]
	if table == nil {
		return phys.InvalidFrame
	}

	ti := tabIndex(vaddr)
	pte := &table.Entries[ti]
	if !pte.Present {
		return phys.InvalidFrame
	}

	frame := pte.Frame
	*pte = PTE{}
	table.Occupancy--
	m.invalidate(vaddr)

	if table.Occupancy == 0 {
		m.phys.Free(table.Frame, 1)
		m.kernelDir.Entries[di] = nil
		for dir := range m.kernelUsers {
			dir.Entries[di] = nil
		}
	}

	return frame
}

// Lookup returns the PTE mapped at vaddr in dir, if present.
func (m *Manager) Lookup(dir *Directory, vaddr uintptr) (PTE, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := dir.Entries[dirIndex(vaddr)]
	if table == nil {
		return PTE{}, false
	}
	pte := table.Entries[tabIndex(vaddr)]
	if !pte.Present {
		return PTE{}, false
	}
	return pte, true
}

// SetWritable flips the writable bit of the PTE mapped at vaddr, used
// by the page-fault handler's COW path. It is a no-op if the address is
// unmapped.
func (m *Manager) SetWritable(dir *Directory, vaddr uintptr, writable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := dir.Entries[dirIndex(vaddr)]
	if table == nil {
		return
	}
	pte := &table.Entries[tabIndex(vaddr)]
	if !pte.Present {
		return
	}
	pte.Flags.Writable = writable
	m.invalidate(vaddr)
}

// MapTmp/UnmapTmp bookkeep the self-referential scratch window the
// original kernel uses to address an arbitrary physical frame
// temporarily (e.g. during COW copy). Callers obtain the actual bytes
// via phys.Allocator.FrameBytes directly; these two only preserve the
// external contract's naming and guard against double-use of a window
// address.
func (m *Manager) MapTmp(vaddr uintptr, frame phys.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.tmp[vaddr]; busy {
		panic("paging: MapTmp: window already in use")
	}
	m.tmp[vaddr] = frame
}

func (m *Manager) UnmapTmp(vaddr uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tmp, vaddr)
}
