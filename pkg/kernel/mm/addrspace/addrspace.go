// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package addrspace implements the address-space manager (spec §4.C):
// per-context ordered region lists over a page directory, context
// cloning with copy-on-write semantics, and the switch/delete lifecycle.
package addrspace

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chaffkernel/chaff/pkg/errors"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/paging"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/phys"
	"github.com/go-logr/logr"
)

// UserHalfLimit is the first kernel-half virtual address; every region
// must fit strictly below it.
const UserHalfLimit uintptr = 0xC0000000

// Flags are the access bits a region grants to faulted-in pages.
type Flags struct {
	Readable     bool
	Writable     bool
	Executable   bool
	CacheDisable bool
}

func (f Flags) toPaging() paging.Flags {
	return paging.Flags{Writable: f.Writable, User: true, CacheDisable: f.CacheDisable}
}

// Region is a contiguous half-open page-aligned virtual range with
// uniform access flags, owned exclusively by one Context.
type Region struct {
	Start, Length uintptr
	Flags         Flags

	ctx *Context
}

func (r *Region) End() uintptr { return r.Start + r.Length }

// Context is an address-space context: an ordered-by-start region list,
// a top-level page directory, and a reference count. The zero value is
// not usable; obtain one from Manager.CreateBlank/CloneCurrent.
type Context struct {
	dir     *paging.Directory
	regions []*Region // kept sorted by Start
	refs    int32
	kernel  bool
}

// Manager operates on Contexts, given a shared physical allocator and
// page-table manager. kernelDir is the privileged sentinel directory
// whose kernel-half entries are shared (by entry-wise copy) into every
// other context's directory (spec §4.C).
type Manager struct {
	logger    logr.Logger
	phys      *phys.Allocator
	paging    *paging.Manager
	pageSize  uintptr
	kernelDir *paging.Directory

	mu      sync.Mutex
	current *Context
}

// New returns a Manager. kernelDir must already have its kernel-half
// entries installed by the caller (bring-up).
func New(logger logr.Logger, p *phys.Allocator, pg *paging.Manager, kernelDir *paging.Directory) *Manager {
	return &Manager{
		logger:    logger.WithName("addrspace"),
		phys:      p,
		paging:    pg,
		pageSize:  uintptr(p.PageSize()),
		kernelDir: kernelDir,
	}
}

// shareKernelHalf entry-wise copies the kernel-half directory entries
// from m.kernelDir into dir, per create_blank's "shares the kernel half
// by entry-wise copy from the kernel directory", and registers dir
// with the page-table manager so a kernel-half entry allocated later
// (paging.Manager.MapKernel) is mirrored into dir too, instead of
// leaving the nil pointer dir copied at this instant.
func (m *Manager) shareKernelHalf(dir *paging.Directory) {
	kernelStartEntry := int(UserHalfLimit >> 22)
	for i := kernelStartEntry; i < len(dir.Entries); i++ {
		dir.Entries[i] = m.kernelDir.Entries[i]
	}
	m.paging.RegisterKernelUser(dir)
}

// CreateBlank allocates a top-level directory, zeroes the user half, and
// shares the kernel half from the kernel context (spec §4.C).
func (m *Manager) CreateBlank() *Context {
	dir := m.paging.NewDirectory()
	m.shareKernelHalf(dir)
	return &Context{dir: dir, refs: 1}
}

// KernelContext wraps the privileged sentinel context. It is accepted
// only by SwitchTo, AddRef, and DeleteRef (spec §4.C).
func (m *Manager) KernelContext() *Context {
	return &Context{dir: m.kernelDir, refs: 1, kernel: true}
}

// CloneCurrent implements copy-on-write cloning of ctx: for every
// present user-level page table it allocates a fresh page-table frame,
// copies all entries, and clears the writable bit on every mapped page
// in both the parent and the child while bumping the referenced
// physical frame's refcount by one (spec §4.C). The region list is
// duplicated by deep copy.
func (m *Manager) CloneCurrent(ctx *Context) (*Context, error) {
	if ctx.kernel {
		return nil, fmt.Errorf("addrspace: CloneCurrent: %w: kernel context cannot be cloned", errors.EINVAL)
	}

	child := &Context{dir: m.paging.NewDirectory(), refs: 1}
	m.shareKernelHalf(child.dir)

	kernelStartEntry := int(UserHalfLimit >> 22)
	for di := 0; di < kernelStartEntry; di++ {
		parentTable := ctx.dir.Entries[di]
		if parentTable == nil {
			continue
		}

		childFrame := m.phys.AllocContiguous(1, phys.ZoneKernel)
		clear(m.phys.FrameBytes(childFrame))
		childTable := &paging.Table{Frame: childFrame}

		for ti := range parentTable.Entries {
			pte := &parentTable.Entries[ti]
			if !pte.Present {
				continue
			}

			pte.Flags.Writable = false
			childTable.Entries[ti] = *pte
			childTable.Entries[ti].Flags.Writable = false
			childTable.Occupancy++
			m.phys.AddRef(pte.Frame, 1)
		}

		child.dir.Entries[di] = childTable
	}

	child.regions = make([]*Region, len(ctx.regions))
	for i, r := range ctx.regions {
		clone := *r
		clone.ctx = child
		child.regions[i] = &clone
	}

	return child, nil
}

// SwitchTo rewrites the hardware page-directory-base register (modeled
// as recording ctx as the current context). Accepts the kernel context.
func (m *Manager) SwitchTo(ctx *Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = ctx
	m.logger.V(2).Info("switch_to", "kernel", ctx.kernel)
}

// Current returns the most recently switched-to context, or nil.
func (m *Manager) Current() *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// AddRef/DeleteRef are reference-counting operations on ctx. Accepts
// the kernel context (spec §4.C).
func (m *Manager) AddRef(ctx *Context) {
	atomic.AddInt32(&ctx.refs, 1)
}

// Delete tears a non-kernel context down once its reference count
// reaches zero: every mapped user page is unmapped and its frame
// refcount dropped, then the directory frame itself is freed.
func (m *Manager) Delete(ctx *Context) error {
	if ctx.kernel {
		return fmt.Errorf("addrspace: Delete: %w: kernel context cannot be deleted", errors.EINVAL)
	}
	if atomic.AddInt32(&ctx.refs, -1) > 0 {
		return nil
	}

	for _, r := range append([]*Region(nil), ctx.regions...) {
		m.RegionFreePages(r, r.Start, r.Length)
	}
	ctx.regions = nil

	kernelStartEntry := int(UserHalfLimit >> 22)
	for di := 0; di < kernelStartEntry; di++ {
		if ctx.dir.Entries[di] != nil {
			m.phys.Free(ctx.dir.Entries[di].Frame, 1)
			ctx.dir.Entries[di] = nil
		}
	}
	m.phys.Free(ctx.dir.Frame, 1)
	m.paging.UnregisterKernelUser(ctx.dir)
	return nil
}

func (m *Manager) DeleteRef(ctx *Context) error {
	if ctx.kernel {
		atomic.AddInt32(&ctx.refs, -1)
		return nil
	}
	return m.Delete(ctx)
}

func pageAlign(v uintptr, pageSize uintptr) bool { return v%pageSize == 0 }

// RegionCreate inserts a new region into ctx's ordered list (spec
// §4.C). start and length must be page-aligned and nonzero; the range
// must not wrap, must stay strictly below UserHalfLimit, and must not
// overlap an existing region.
func (m *Manager) RegionCreate(ctx *Context, start, length uintptr, flags Flags) (*Region, error) {
	if length == 0 || !pageAlign(start, m.pageSize) || !pageAlign(length, m.pageSize) {
		return nil, fmt.Errorf("addrspace: RegionCreate: %w: misaligned or zero-length region", errors.EINVAL)
	}
	end := start + length
	if end < start || end > UserHalfLimit {
		return nil, fmt.Errorf("addrspace: RegionCreate: %w: range wraps or crosses user/kernel boundary", errors.EINVAL)
	}

	idx := 0
	for idx < len(ctx.regions) && ctx.regions[idx].Start < start {
		idx++
	}
	if idx > 0 && ctx.regions[idx-1].End() > start {
		return nil, fmt.Errorf("addrspace: RegionCreate: %w: overlaps preceding region", errors.EINVAL)
	}
	if idx < len(ctx.regions) && ctx.regions[idx].Start < end {
		return nil, fmt.Errorf("addrspace: RegionCreate: %w: overlaps following region", errors.EINVAL)
	}

	r := &Region{Start: start, Length: length, Flags: flags, ctx: ctx}
	ctx.regions = append(ctx.regions, nil)
	copy(ctx.regions[idx+1:], ctx.regions[idx:])
	ctx.regions[idx] = r
	return r, nil
}

// RegionFind returns the region containing vaddr, or nil.
func (m *Manager) RegionFind(ctx *Context, vaddr uintptr) *Region {
	lo, hi := 0, len(ctx.regions)
	for lo < hi {
		mid := (lo + hi) / 2
		r := ctx.regions[mid]
		switch {
		case vaddr < r.Start:
			hi = mid
		case vaddr >= r.End():
			lo = mid + 1
		default:
			return r
		}
	}
	return nil
}

func (m *Manager) indexOf(r *Region) int {
	for i, x := range r.ctx.regions {
		if x == r {
			return i
		}
	}
	return -1
}

// RegionFreePages unmaps and refcount-decrements every page in
// [start, start+length) belonging to r's context.
func (m *Manager) RegionFreePages(r *Region, start, length uintptr) {
	for addr := start; addr < start+length; addr += m.pageSize {
		frame := m.paging.UnmapUser(r.ctx.dir, addr)
		if frame != phys.InvalidFrame {
			m.phys.DeleteRef(frame, 1)
		}
	}
}

// RegionResize changes r's length. Shrinking unmaps and
// refcount-decrements every page that falls outside the new bounds;
// growing checks only for overlap with the successor region (spec
// §4.C).
func (m *Manager) RegionResize(r *Region, newLength uintptr) error {
	if !pageAlign(newLength, m.pageSize) {
		return fmt.Errorf("addrspace: RegionResize: %w: misaligned length", errors.EINVAL)
	}

	if newLength < r.Length {
		m.RegionFreePages(r, r.Start+newLength, r.Length-newLength)
		r.Length = newLength
		return nil
	}

	if newLength == r.Length {
		return nil
	}

	newEnd := r.Start + newLength
	if newEnd < r.Start || newEnd > UserHalfLimit {
		return fmt.Errorf("addrspace: RegionResize: %w: grown range crosses user/kernel boundary", errors.EINVAL)
	}
	idx := m.indexOf(r)
	if idx+1 < len(r.ctx.regions) && r.ctx.regions[idx+1].Start < newEnd {
		return fmt.Errorf("addrspace: RegionResize: %w: grown range overlaps successor", errors.EINVAL)
	}

	r.Length = newLength
	return nil
}

// RegionDelete is resize-to-zero followed by list unlink (spec §4.C).
func (m *Manager) RegionDelete(r *Region) error {
	if err := m.RegionResize(r, 0); err != nil {
		return err
	}
	idx := m.indexOf(r)
	if idx < 0 {
		return nil
	}
	ctx := r.ctx
	ctx.regions = append(ctx.regions[:idx], ctx.regions[idx+1:]...)
	return nil
}

// Regions returns a snapshot of ctx's ordered region list, for tests
// and diagnostics.
func (ctx *Context) Regions() []*Region {
	return append([]*Region(nil), ctx.regions...)
}

// Directory exposes ctx's page directory for the page-fault handler.
func (ctx *Context) Directory() *paging.Directory { return ctx.dir }
