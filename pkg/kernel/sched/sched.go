// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package sched implements the single-processor cooperative scheduler
// with timer-driven preemption (spec §4.F): a FIFO run queue of
// runnable threads, quantum-based preemption, and the
// yield/yield_block/wake/wake_signal primitive set.
package sched

import (
	"github.com/chaffkernel/chaff/pkg/kernel/collections"
	"github.com/go-logr/logr"
)

// State is a thread's scheduling state.
type State int

const (
	Runnable State = iota
	Running
	InterruptibleWait
	UninterruptibleWait
	Zombie
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case InterruptibleWait:
		return "interruptible-wait"
	case UninterruptibleWait:
		return "uninterruptible-wait"
	case Zombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// DefaultQuantum is the number of timer ticks a thread runs before
// being requeued at the tail (spec §4.F "remaining quantum" counter).
const DefaultQuantum = 10

// PendingSignalChecker is implemented by the signal subsystem so the
// scheduler can ask, without importing it directly, whether a thread
// has a deliverable signal pending (spec §4.F yield_block).
type PendingSignalChecker interface {
	HasPendingUnblocked() bool
}

// Thread is the scheduler's view of a schedulable entity. Higher layers
// (pkg/kernel/proc) embed *Thread to add process/signal/memory context.
type Thread struct {
	ID    uint64
	Name  string
	State State

	Quantum int // remaining timer ticks before requeue

	Signals PendingSignalChecker

	// Owner is an opaque handle back to the higher-layer thread record
	// (pkg/kernel/proc.Thread) that embeds this Thread, so Notifiee
	// implementations (pkg/kernel/fpu) can recover per-thread state
	// without sched importing proc.
	Owner any

	link *collections.Elem[*Thread]
}

// Notifiee receives context-switch notifications (spec §4.F: "notifies
// the FPU component that a task switch occurred" and "switches page
// directories if the owning process changes"). pkg/kernel/fpu and
// pkg/kernel/proc.Manager both register implementations at bring-up.
type Notifiee interface {
	OnContextSwitch(from, to *Thread)
}

// Scheduler owns the FIFO run queue and the currently running thread.
type Scheduler struct {
	logger    logr.Logger
	runQueue  *collections.List[*Thread]
	current   *Thread
	idle      *Thread
	notifiees []Notifiee
	quantum   int
}

// New returns a Scheduler. idle is the dedicated thread that runs when
// the run queue is empty (spec §4.F).
func New(logger logr.Logger, idle *Thread) *Scheduler {
	idle.State = Running
	return &Scheduler{
		logger:   logger.WithName("sched"),
		runQueue: collections.New[*Thread](),
		current:  idle,
		idle:     idle,
		quantum:  DefaultQuantum,
	}
}

// SetQuantum overrides the number of timer ticks Yield grants a thread.
// Bring-up code calls this with KernelConfig.QuantumTicks; tests and
// other callers that never call it keep DefaultQuantum.
func (s *Scheduler) SetQuantum(ticks int) {
	if ticks > 0 {
		s.quantum = ticks
	}
}

// AddNotifiee registers a context-switch observer.
func (s *Scheduler) AddNotifiee(n Notifiee) {
	s.notifiees = append(s.notifiees, n)
}

// Current returns the currently running thread.
func (s *Scheduler) Current() *Thread { return s.current }

func (s *Scheduler) enqueue(t *Thread) {
	t.State = Runnable
	t.link = s.runQueue.PushBack(t)
}

func (s *Scheduler) dequeueHead() *Thread {
	e := s.runQueue.Front()
	if e == nil {
		return nil
	}
	s.runQueue.Remove(e)
	t := e.Value
	t.link = nil
	return t
}

func (s *Scheduler) switchTo(next *Thread) {
	prev := s.current
	next.State = Running
	s.current = next
	for _, n := range s.notifiees {
		n.OnContextSwitch(prev, next)
	}
}

// Yield refreshes the current thread's quantum, enqueues it (unless
// the queue would otherwise be empty, in which case it simply
// returns), and picks the head of the run queue as the new runner. If
// the queue is empty the idle thread runs (spec §4.F).
func (s *Scheduler) Yield() {
	cur := s.current
	cur.Quantum = s.quantum

	if s.runQueue.Len() == 0 {
		return
	}

	if cur != s.idle {
		s.enqueue(cur)
	}

	next := s.dequeueHead()
	if next == nil {
		next = s.idle
	}
	if next != cur {
		s.switchTo(next)
	}
}

// YieldBlock checks for pending unblocked signals up front; if any
// exist and interruptible is true it returns immediately with
// wasInterrupted = true. Otherwise it sets the thread state to
// InterruptibleWait or UninterruptibleWait and does not re-enqueue the
// thread (spec §4.F). The caller (a wait queue, a blocking I/O path)
// must ensure some other party will wake it.
func (s *Scheduler) YieldBlock(interruptible bool) (wasInterrupted bool) {
	cur := s.current
	if interruptible && cur.Signals != nil && cur.Signals.HasPendingUnblocked() {
		return true
	}

	if interruptible {
		cur.State = InterruptibleWait
	} else {
		cur.State = UninterruptibleWait
	}

	next := s.dequeueHead()
	if next == nil {
		next = s.idle
	}
	s.switchTo(next)
	return false
}

// Wake transitions a waiting thread to Runnable and enqueues it at the
// tail of the run queue (spec §4.F).
func (s *Scheduler) Wake(t *Thread) {
	if t.State != InterruptibleWait && t.State != UninterruptibleWait {
		return
	}
	s.enqueue(t)
}

// WakeSignal is identical to Wake but only wakes threads currently in
// InterruptibleWait (a thread in UninterruptibleWait cannot be woken by
// a signal, per spec §4.F/§4.I).
func (s *Scheduler) WakeSignal(t *Thread) {
	if t.State != InterruptibleWait {
		return
	}
	s.enqueue(t)
}

// Tick decrements the running thread's quantum; when it reaches zero
// the running thread is requeued at the tail via Yield (spec §4.F).
func (s *Scheduler) Tick() {
	cur := s.current
	if cur == s.idle {
		return
	}
	cur.Quantum--
	if cur.Quantum <= 0 {
		s.Yield()
	}
}

// RunQueueLen reports the number of runnable threads waiting, exported
// for pkg/kernel/metrics.
func (s *Scheduler) RunQueueLen() int { return s.runQueue.Len() }

// Enqueue admits a newly created thread to the run queue directly
// (used by pkg/kernel/proc when creating or waking a thread for the
// first time).
func (s *Scheduler) Enqueue(t *Thread) {
	s.enqueue(t)
}
