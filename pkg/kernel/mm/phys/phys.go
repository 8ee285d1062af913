// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package phys implements the reference-counted physical page-frame
// allocator (spec §4.A): frames are partitioned into DMA/Kernel/High
// zones, each with its own rover, and allocation of n contiguous frames
// falls through from the preferred zone down to DMA.
package phys

import (
	"fmt"

	"github.com/go-logr/logr"
)

// Zone identifies one of the three physical memory zones. Zones are
// ordered High > Kernel > DMA; a fallback search only ever moves to a
// lower-numbered zone, never higher (spec §4.A).
type Zone int

const (
	ZoneDMA Zone = iota
	ZoneKernel
	ZoneHigh

	zoneCount = 3
)

func (z Zone) String() string {
	switch z {
	case ZoneDMA:
		return "dma"
	case ZoneKernel:
		return "kernel"
	case ZoneHigh:
		return "high"
	default:
		return fmt.Sprintf("zone(%d)", int(z))
	}
}

// Frame is a physical page-frame index.
type Frame int

// InvalidFrame is returned on allocation failure paths that do not
// panic.
const InvalidFrame Frame = -1

// Config describes the zone boundaries, in frames, for Allocator.New.
// Defaults mirror original_source's MEM_ZONE_DMA (<16MiB) and
// MEM_KFIXED_MAX_PAGE (configured fixed-map limit).
type Config struct {
	PageSize int
	// DMAFrames is the number of frames in the DMA zone, starting at
	// frame 0 (spec: "< 16 MiB").
	DMAFrames int
	// KernelFrames is the number of frames in the Kernel zone,
	// immediately following the DMA zone.
	KernelFrames int
	// TotalFrames is the total number of frames backing RAM; frames
	// from KernelFrames+DMAFrames up to TotalFrames belong to the High
	// zone.
	TotalFrames int
}

const defaultPageSize = 4096

// DefaultConfig returns a Config sized for a 256 MiB machine: 16 MiB of
// DMA, 64 MiB of Kernel, the remainder High.
func DefaultConfig() Config {
	const pageSize = defaultPageSize
	return Config{
		PageSize:     pageSize,
		DMAFrames:    (16 << 20) / pageSize,
		KernelFrames: (64 << 20) / pageSize,
		TotalFrames:  (256 << 20) / pageSize,
	}
}

type zoneState struct {
	start, end Frame // half-open [start, end) over the global frame table
	rover      Frame
}

// Allocator is the global reference-counted frame table plus its three
// zones. The zero value is not usable; use New.
type Allocator struct {
	logger    logr.Logger
	pageSize  int
	refCounts []uint32
	zones     [zoneCount]zoneState
	freePages int
	mem       []byte
}

// New builds an Allocator over cfg.TotalFrames frames, all initially
// free.
func New(logger logr.Logger, cfg Config) *Allocator {
	if cfg.PageSize == 0 {
		cfg.PageSize = defaultPageSize
	}
	a := &Allocator{
		logger:    logger.WithName("phys"),
		pageSize:  cfg.PageSize,
		refCounts: make([]uint32, cfg.TotalFrames),
		freePages: cfg.TotalFrames,
	}

	dmaEnd := Frame(cfg.DMAFrames)
	if dmaEnd > Frame(cfg.TotalFrames) {
		dmaEnd = Frame(cfg.TotalFrames)
	}
	a.zones[ZoneDMA] = zoneState{start: 0, end: dmaEnd, rover: 0}

	kernelEnd := dmaEnd + Frame(cfg.KernelFrames)
	if kernelEnd > Frame(cfg.TotalFrames) {
		kernelEnd = Frame(cfg.TotalFrames)
	}
	a.zones[ZoneKernel] = zoneState{start: dmaEnd, end: kernelEnd, rover: dmaEnd}

	a.zones[ZoneHigh] = zoneState{start: kernelEnd, end: Frame(cfg.TotalFrames), rover: kernelEnd}

	return a
}

// Stats is a snapshot of allocator-wide counters, exported for
// pkg/kernel/metrics.
type Stats struct {
	FreePages  int
	TotalPages int
}

func (a *Allocator) Stats() Stats {
	return Stats{FreePages: a.freePages, TotalPages: len(a.refCounts)}
}

// AllocContiguous allocates n contiguous frames, searching preferred
// and falling through to lower zones (High -> Kernel -> DMA) if the
// preferred zone is exhausted. n must be positive. Panics if physical
// memory is fully exhausted (spec: "Complete exhaustion is fatal").
func (a *Allocator) AllocContiguous(n int, preferred Zone) Frame {
	if n <= 0 {
		a.logger.Error(fmt.Errorf("n=%d", n), "AllocContiguous: invalid request for 0 or fewer pages")
		return InvalidFrame
	}

	for z := preferred; z >= ZoneDMA; z-- {
		if f, ok := a.allocInZone(z, n); ok {
			return f
		}
	}

	panic("phys: AllocContiguous: out of memory")
}

func (a *Allocator) allocInZone(z Zone, n int) (Frame, bool) {
	zs := &a.zones[z]
	if zs.end <= zs.start {
		return InvalidFrame, false
	}

	head := zs.rover
	if head >= zs.end || head < zs.start {
		head = zs.start
	}
	start := head

	var firstFree Frame = -1
	var runLen int

	for {
		if a.refCounts[head] == 0 {
			if firstFree == -1 {
				firstFree = head
				runLen = 1
			} else {
				runLen++
			}
			if runLen == n {
				for p := firstFree; p < firstFree+Frame(n); p++ {
					a.refCounts[p] = 1
				}
				a.freePages -= n
				zs.rover = head + 1
				return firstFree, true
			}
		} else {
			firstFree = -1
		}

		head++
		if head >= zs.end {
			head = zs.start
			firstFree = -1
		}
		if head == start {
			break
		}
	}

	return InvalidFrame, false
}

// AddRef increments the reference count of n frames starting at frame.
func (a *Allocator) AddRef(frame Frame, n int) {
	for i := 0; i < n; i++ {
		a.refCounts[int(frame)+i]++
	}
}

// DeleteRef decrements the reference count of n frames starting at
// frame. A frame reaching zero bumps the free-pages statistic (spec
// §4.A).
func (a *Allocator) DeleteRef(frame Frame, n int) {
	for i := 0; i < n; i++ {
		idx := int(frame) + i
		if a.refCounts[idx] > 0 {
			a.refCounts[idx]--
			if a.refCounts[idx] == 0 {
				a.freePages++
			}
		}
	}
}

// Free unconditionally sets the reference count of n frames to zero
// and bumps the free-pages statistic for each (spec §4.A).
func (a *Allocator) Free(frame Frame, n int) {
	if n <= 0 {
		a.logger.Error(fmt.Errorf("n=%d", n), "Free: invalid request for 0 or fewer pages")
		return
	}
	for i := 0; i < n; i++ {
		a.refCounts[int(frame)+i] = 0
	}
	a.freePages += n
}

// RefCount returns the current reference count of frame.
func (a *Allocator) RefCount(frame Frame) uint32 {
	return a.refCounts[int(frame)]
}

// PageSize returns the configured page size in bytes.
func (a *Allocator) PageSize() int {
	return a.pageSize
}

// FrameBytes returns the backing storage for frame, sized PageSize().
// It stands in for the kernel's ability to address any physical frame
// directly (in real x86 chaff this requires a temporary virtual
// mapping through the self-referential directory; see
// pkg/kernel/mm/paging.MapTmp/UnmapTmp for the bookkeeping primitives
// that remain part of the external contract).
func (a *Allocator) FrameBytes(frame Frame) []byte {
	if a.mem == nil {
		a.mem = make([]byte, len(a.refCounts)*a.pageSize)
	}
	start := int(frame) * a.pageSize
	return a.mem[start : start+a.pageSize]
}
