// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package pagefault implements the page-fault handler (spec §4.D):
// demand allocation of non-present pages, copy-on-write duplication on
// a present+write fault, and the fatal-fault policy for everything
// else.
package pagefault

import (
	"fmt"

	"github.com/chaffkernel/chaff/pkg/kernel/mm/addrspace"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/paging"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/phys"
	"github.com/chaffkernel/chaff/pkg/kernel/proc"
	"github.com/chaffkernel/chaff/pkg/kernel/signal"
	"github.com/go-logr/logr"
)

// ErrorCode carries the faulting-address error-code bits (spec §4.D).
type ErrorCode struct {
	Present  bool
	Write    bool
	User     bool
	Reserved bool
}

// ScratchWindow is the virtual address the handler uses to copy a
// frame's contents during a COW fault, via paging.MapTmp/UnmapTmp.
const ScratchWindow uintptr = 0xFF000000

// Handler resolves page faults against an address-space manager, page
// table manager, and physical allocator.
type Handler struct {
	logger logr.Logger
	space  *addrspace.Manager
	paging *paging.Manager
	phys   *phys.Allocator
	sig    *signal.Subsystem
}

// New returns a Handler.
func New(logger logr.Logger, space *addrspace.Manager, pg *paging.Manager, p *phys.Allocator, sig *signal.Subsystem) *Handler {
	return &Handler{logger: logger.WithName("pagefault"), space: space, paging: pg, phys: p, sig: sig}
}

// Handle resolves a fault at addr in ctx for thread (the current
// thread, used only for the SIGSEGV/kill paths). Reserved-bit faults
// are unconditionally fatal (spec §4.D).
func (h *Handler) Handle(ctx *addrspace.Context, thread *proc.Thread, addr uintptr, err ErrorCode) error {
	if err.Reserved {
		panic(fmt.Sprintf("pagefault: reserved-bit fault at %#x", addr))
	}

	region := h.space.RegionFind(ctx, addr)
	if region == nil {
		return h.unhandled(thread, err)
	}

	pageAddr := addr &^ (uintptr(paging.PageSize) - 1)

	if !err.Present {
		return h.demandPage(ctx, region, pageAddr)
	}

	if err.Write && region.Flags.Writable {
		return h.handleWriteFault(ctx, region, pageAddr)
	}

	return h.unhandled(thread, err)
}

func (h *Handler) unhandled(thread *proc.Thread, err ErrorCode) error {
	if !err.User {
		panic("pagefault: unhandled fault in kernel mode")
	}
	if h.sig != nil && thread != nil {
		h.sig.SendOrCrash(thread, signal.SIGSEGV)
	}
	return fmt.Errorf("pagefault: unhandled user fault")
}

// demandPage allocates a fresh high-memory frame, maps it at the
// region's flags, and zero-fills it (spec §4.D non-present fault).
func (h *Handler) demandPage(ctx *addrspace.Context, region *addrspace.Region, pageAddr uintptr) error {
	frame := h.phys.AllocContiguous(1, phys.ZoneHigh)
	clear(h.phys.FrameBytes(frame))

	pgFlags := paging.Flags{
		Writable:     region.Flags.Writable,
		User:         true,
		CacheDisable: region.Flags.CacheDisable,
	}
	h.paging.MapUser(ctx.Directory(), pageAddr, frame, pgFlags)
	return nil
}

// handleWriteFault implements the present+write COW path (spec §4.D):
// if the region grants write but the PTE is read-only, this is a COW
// page. If the frame's refcount is greater than one, copy to a new
// frame via a scratch-mapped window, decrement the old refcount,
// install the new frame, mark writable. If refcount is one, simply
// mark writable.
func (h *Handler) handleWriteFault(ctx *addrspace.Context, region *addrspace.Region, pageAddr uintptr) error {
	if !region.Flags.Writable {
		return fmt.Errorf("pagefault: write fault on non-writable region")
	}

	pte, ok := h.paging.Lookup(ctx.Directory(), pageAddr)
	if !ok {
		return h.demandPage(ctx, region, pageAddr)
	}
	if pte.Flags.Writable {
		// Not actually a COW fault (e.g. stale TLB); nothing to do.
		return nil
	}

	if h.phys.RefCount(pte.Frame) > 1 {
		newFrame := h.phys.AllocContiguous(1, phys.ZoneHigh)

		h.paging.MapTmp(ScratchWindow, pte.Frame)
		copy(h.phys.FrameBytes(newFrame), h.phys.FrameBytes(pte.Frame))
		h.paging.UnmapTmp(ScratchWindow)

		h.phys.DeleteRef(pte.Frame, 1)
		h.paging.MapUser(ctx.Directory(), pageAddr, newFrame, paging.Flags{Writable: true, User: true, CacheDisable: pte.Flags.CacheDisable})
		return nil
	}

	h.paging.SetWritable(ctx.Directory(), pageAddr, true)
	return nil
}
