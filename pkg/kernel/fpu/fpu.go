// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package fpu implements the lazy FPU/SSE state switch (spec §4.H):
// on task switch the "current FPU owner" either swaps immediately or
// is left stale behind a trap flag, and a per-thread switch counter
// promotes a thread from lazy to eager swap once a threshold is
// reached.
package fpu

import (
	"github.com/chaffkernel/chaff/pkg/kernel/proc"
	"github.com/chaffkernel/chaff/pkg/kernel/sched"
	"github.com/chaffkernel/chaff/pkg/kernel/signal"
	"github.com/go-logr/logr"
)

// SaveStrategy selects the save/restore instruction family. Real chaff
// probes CPUID.FXSR once at boot (original_source's CpuHasFxSave());
// that probe is out of scope per §1's CPU bring-up exclusion, so the
// strategy is a bring-up-time configuration value instead.
type SaveStrategy int

const (
	// Extended models FXSAVE/FXRSTOR: a fixed 512-byte state block
	// including an MXCSR register.
	Extended SaveStrategy = iota
	// Legacy models FNSAVE/FRSTOR: a smaller x87-only state block with
	// no MXCSR.
	Legacy
)

// Default initialization words, per original_source/kernel/src/cpu.c.
const (
	fpuInitControlWord = 0x37F
	mxcsrInit          = 0x1F80
)

// SwitchThreshold is the number of actual FPU register swaps a thread
// must have accumulated before the fpu component stops deferring and
// swaps its state eagerly on every switch to it (original_source's
// CPU_FPU_SWITCH_THRESHOLD).
const SwitchThreshold = 8

// State is the opaque per-thread FPU register save area, stood in for
// by named fields rather than a raw byte block (real chaff stores a
// MemSlab-allocated byte buffer matching the CPU's save-area layout).
type State struct {
	ControlWord uint16
	MXCSR       uint16
	Registers   [8][10]byte // ST0-ST7 / MM0-MM7, 80-bit extended precision
}

func newState(strategy SaveStrategy) *State {
	s := &State{ControlWord: fpuInitControlWord}
	if strategy == Extended {
		s.MXCSR = mxcsrInit
	}
	return s
}

// Subsystem tracks the current FPU owner and implements
// sched.Notifiee so the scheduler can notify it of every context
// switch (spec §4.F "notifies the FPU component").
type Subsystem struct {
	logger   logr.Logger
	strategy SaveStrategy
	sig      *signal.Subsystem

	current *proc.Thread // thread whose registers are actually loaded, or nil
	tsSet   bool         // CR0.TS stand-in: true means the next FPU op must trap
}

// New returns a Subsystem using strategy for state initialization. sig
// is stored on the Subsystem; no method uses it, and HandleTrap never
// delivers SIGFPE.
func New(logger logr.Logger, strategy SaveStrategy, sig *signal.Subsystem) *Subsystem {
	return &Subsystem{logger: logger.WithName("fpu"), strategy: strategy, sig: sig}
}

func ownerOf(t *sched.Thread) *proc.Thread {
	if t == nil {
		return nil
	}
	pt, _ := t.Owner.(*proc.Thread)
	return pt
}

// OnContextSwitch implements sched.Notifiee (spec §4.F / §4.H). It
// always clears the trap flag first. If the incoming thread's
// registers are already resident, nothing further happens. Otherwise:
// if the incoming thread has already had at least SwitchThreshold
// actual register swaps, the swap happens immediately;
// otherwise the trap flag is set so the first FPU instruction executed
// by the new thread faults into HandleTrap.
func (sub *Subsystem) OnContextSwitch(from, to *sched.Thread) {
	sub.tsSet = false

	incoming := ownerOf(to)
	if incoming == nil || incoming == sub.current {
		return
	}

	if incoming.FPUSwitches >= SwitchThreshold {
		sub.doSwitch(incoming)
	} else {
		sub.tsSet = true
	}
}

// HandleTrap is the "no math coprocessor" trap handler (spec §4.H): it
// performs the deferred swap. A trap in kernel mode is fatal, matching
// original_source's "the kernel cannot use FPU or SSE" panic.
func (sub *Subsystem) HandleTrap(thread *proc.Thread, kernelMode bool) {
	if kernelMode {
		panic("fpu: FPU trap in kernel mode")
	}
	sub.doSwitch(thread)
}

// doSwitch saves the current owner's registers (if any), lazily
// allocates the incoming thread's state buffer on first use, restores
// it, and records the new owner (original_source's DoFpuSwitch).
func (sub *Subsystem) doSwitch(incoming *proc.Thread) {
	if sub.current != nil {
		sub.save(sub.current)
	}

	if incoming.FPUState == nil {
		incoming.FPUState = newState(sub.strategy)
	}
	sub.restore(incoming)

	incoming.FPUSwitches++
	sub.current = incoming
	sub.tsSet = false
}

func (sub *Subsystem) save(t *proc.Thread) {
	// The actual register capture is machine-specific inline assembly,
	// out of scope per §1; this models the bookkeeping half of the
	// save/restore contract that the rest of the kernel depends on.
	sub.logger.V(2).Info("fpu save", "thread", t.ID)
}

func (sub *Subsystem) restore(t *proc.Thread) {
	sub.logger.V(2).Info("fpu restore", "thread", t.ID)
}

// FreeState releases a thread's FPU state at exit time
// (original_source's CpuFreeFpuState): if it owns the live registers,
// the ownership is cleared so the next switch can't mistake a reused
// thread ID for a still-resident state.
func (sub *Subsystem) FreeState(t *proc.Thread) {
	if sub.current == t {
		sub.current = nil
	}
	t.FPUState = nil
}

// TrapPending reports whether CR0.TS is currently set, i.e. the next
// FPU instruction on the CPU will fault into HandleTrap. Exported for
// tests.
func (sub *Subsystem) TrapPending() bool { return sub.tsSet }

// Current returns the thread whose registers are presently loaded, or
// nil if none.
func (sub *Subsystem) Current() *proc.Thread { return sub.current }
