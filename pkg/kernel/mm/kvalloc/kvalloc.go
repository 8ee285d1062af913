// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package kvalloc implements the kernel virtual address allocator
// (spec §4.E): a contiguous arena of kernel virtual space managed as a
// linear per-page bitmap, with a "first page of run" marker so that
// unreserve/free can recover a run's length without a side table.
package kvalloc

import (
	"fmt"

	"github.com/chaffkernel/chaff/pkg/kernel/mm/paging"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/phys"
	"github.com/go-logr/logr"
)

// DefaultArenaSize is ~255 MiB, per spec.
const DefaultArenaSize = 255 << 20

type pageState uint8

const (
	pageFree pageState = iota
	pageReserved
	pageFirstOfRun
)

// Arena manages a single contiguous virtual range as a page bitmap.
// Free-but-unmapped pages are a legal intermediate state: reserve()
// claims virtual space without mapping, alloc() additionally backs
// each page with a fresh physical frame.
type Arena struct {
	logger   logr.Logger
	base     uintptr
	pageSize uintptr
	pages    []pageState
	phys     *phys.Allocator
	paging   *paging.Manager
}

// New builds an Arena covering [base, base+size) in pageSize-sized
// pages, using p for physical-frame backing and pg.MapKernel/UnmapKernel
// to install mappings for Alloc/Free against the canonical kernel
// directory (paging.Manager.SetKernelDirectory must already have been
// called by bring-up).
func New(logger logr.Logger, p *phys.Allocator, pg *paging.Manager, base uintptr, size int) *Arena {
	pageSize := uintptr(paging.PageSize)
	n := size / int(pageSize)
	return &Arena{
		logger:   logger.WithName("kvalloc"),
		base:     base,
		pageSize: pageSize,
		pages:    make([]pageState, n),
		phys:     p,
		paging:   pg,
	}
}

func (a *Arena) pagesFor(n int) int {
	return (n + int(a.pageSize) - 1) / int(a.pageSize)
}

// Reserve claims a first-fit run of nBytes worth of pages, rounded up,
// and returns its base virtual address. The pages are marked reserved
// but not mapped to any physical frame. Returns (0, false) if the
// arena has no run long enough.
func (a *Arena) Reserve(nBytes int) (uintptr, bool) {
	n := a.pagesFor(nBytes)
	if n <= 0 {
		return 0, false
	}

	start, ok := a.findRun(n)
	if !ok {
		a.logger.V(1).Info("reserve: no run large enough", "pages", n)
		return 0, false
	}

	a.pages[start] = pageFirstOfRun
	for i := start + 1; i < start+n; i++ {
		a.pages[i] = pageReserved
	}

	return a.base + uintptr(start)*a.pageSize, true
}

// Alloc reserves nBytes worth of pages and additionally maps every
// page to a freshly allocated physical frame (spec §4.E).
func (a *Arena) Alloc(nBytes int) (uintptr, bool) {
	vaddr, ok := a.Reserve(nBytes)
	if !ok {
		return 0, false
	}

	n := a.pagesFor(nBytes)
	for i := 0; i < n; i++ {
		frame := a.phys.AllocContiguous(1, phys.ZoneKernel)
		pageAddr := vaddr + uintptr(i)*a.pageSize
		a.paging.MapKernel(pageAddr, frame, paging.Flags{Writable: true, User: false})
	}

	return vaddr, true
}

func (a *Arena) findRun(n int) (int, bool) {
	run := 0
	runStart := 0
	for i, st := range a.pages {
		if st == pageFree {
			if run == 0 {
				runStart = i
			}
			run++
			if run == n {
				return runStart, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

func (a *Arena) indexOf(vaddr uintptr) (int, error) {
	if vaddr < a.base {
		return 0, fmt.Errorf("kvalloc: address %#x below arena base %#x", vaddr, a.base)
	}
	idx := int((vaddr - a.base) / a.pageSize)
	if idx >= len(a.pages) {
		return 0, fmt.Errorf("kvalloc: address %#x above arena end", vaddr)
	}
	return idx, nil
}

// runLength walks forward from idx (which must be a first-of-run
// marker) until the next marker or an unallocated slot, per spec
// §4.E's unreserve/free algorithm.
func (a *Arena) runLength(idx int) int {
	n := 1
	for i := idx + 1; i < len(a.pages); i++ {
		if a.pages[i] != pageReserved {
			break
		}
		n++
	}
	return n
}

// Unreserve releases the run starting at vaddr (which must be a
// value previously returned by Reserve or Alloc) without touching any
// physical mapping.
func (a *Arena) Unreserve(vaddr uintptr) error {
	idx, err := a.indexOf(vaddr)
	if err != nil {
		return err
	}
	if a.pages[idx] != pageFirstOfRun {
		return fmt.Errorf("kvalloc: %#x is not a run start", vaddr)
	}

	n := a.runLength(idx)
	for i := idx; i < idx+n; i++ {
		a.pages[i] = pageFree
	}
	return nil
}

// Free releases the run starting at vaddr, unmapping and dropping the
// reference on each page's backing frame before marking the run free.
func (a *Arena) Free(vaddr uintptr) error {
	idx, err := a.indexOf(vaddr)
	if err != nil {
		return err
	}
	if a.pages[idx] != pageFirstOfRun {
		return fmt.Errorf("kvalloc: %#x is not a run start", vaddr)
	}

	n := a.runLength(idx)
	for i := 0; i < n; i++ {
		pageAddr := vaddr + uintptr(i)*a.pageSize
		if frame := a.paging.UnmapKernel(pageAddr); frame != phys.InvalidFrame {
			a.phys.DeleteRef(frame, 1)
		}
		a.pages[idx+i] = pageFree
	}
	return nil
}
