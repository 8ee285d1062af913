// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package proc implements process and thread lifecycle management
// (spec §4.G): creation, fork, exit, zombie transitions, waiting, and
// reaping, layered over pkg/kernel/sched's run queue.
package proc

import (
	"context"
	"fmt"
	"sync"

	kernelerrors "github.com/chaffkernel/chaff/pkg/errors"
	"github.com/chaffkernel/chaff/pkg/kernel/collections"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/addrspace"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/kvalloc"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/paging"
	"github.com/chaffkernel/chaff/pkg/kernel/sched"
	"github.com/chaffkernel/chaff/pkg/kernel/waitqueue"
	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"
)

// WaitMode records what a thread is blocked waiting for, per spec §3's
// Thread data model.
type WaitMode int

const (
	WaitNone WaitMode = iota
	WaitingOnProcess
	WaitingOnThread
)

const KernelStackPages = 1

// Thread is the schedulable unit, embedding *sched.Thread for run-queue
// membership and adding process/signal/memory-context fields (spec §3
// "Thread").
type Thread struct {
	*sched.Thread

	Process *Process

	WaitMode    WaitMode
	Interrupted bool

	PendingSignals uint64
	BlockedSignals uint64

	KernelStackBase uintptr
	KernelStackTop  uintptr
	TLSDescriptor   uint32

	FPUState    any // opaque handle owned by pkg/kernel/fpu
	FPUSwitches int // number of times fpu has actually saved/restored this thread's state

	ExitCode int

	siblingLink *collections.Elem[*Thread]
}

// HasPendingUnblocked satisfies sched.PendingSignalChecker.
func (t *Thread) HasPendingUnblocked() bool {
	eligible := (t.PendingSignals | t.Process.PendingSignals) &^ t.BlockedSignals
	return eligible != 0
}

// Process holds the memory/IO/security contexts and thread/child
// bookkeeping described in spec §3 "Process".
type Process struct {
	ID     uint64
	Name   string
	Parent *Process

	Children []*Process
	Threads  *collections.List[*Thread]

	MemContext *addrspace.Context

	PendingSignals uint64
	Dispositions   [64]Disposition

	Zombie   bool
	ExitCode int

	waitQueue *waitqueue.Queue
}

// Disposition is the per-signal action a process has registered (spec
// §3, detailed in pkg/kernel/signal).
type Disposition struct {
	Action    int // interpreted by pkg/kernel/signal
	HandlerID uint64
	Mask      uint64
}

// Manager creates and tears down processes and threads, coordinating
// with the scheduler, the address-space manager, and a reaper queue
// for zombie threads (spec §4.G "Reaping").
type Manager struct {
	logger logr.Logger
	sched  *sched.Scheduler
	space  *addrspace.Manager
	kstack *kvalloc.Arena // nil until wired at bring-up; reserveKernelStack degrades to a placeholder

	mu        sync.Mutex
	nextPID   uint64
	nextTID   uint64
	byPID     map[uint64]*Process
	byTID     map[uint64]*Thread
	kernel    *Process
	reapQueue workqueue.TypedRateLimitingInterface[uint64]
}

// New returns a Manager. The kernel process (pid 0) is created
// eagerly, as create_process for ordinary processes always has a
// parent and the kernel process is the root of the tree. kstack may be
// nil in tests that don't exercise kernel-stack addresses; cmd/chaffd
// always supplies one at bring-up.
func New(logger logr.Logger, s *sched.Scheduler, space *addrspace.Manager, kstack *kvalloc.Arena) *Manager {
	m := &Manager{
		logger: logger.WithName("proc"),
		sched:  s,
		space:  space,
		kstack: kstack,
		byPID:  make(map[uint64]*Process),
		byTID:  make(map[uint64]*Thread),
		reapQueue: workqueue.NewTypedRateLimitingQueue[uint64](
			workqueue.DefaultTypedControllerRateLimiter[uint64](),
		),
	}
	m.kernel = &Process{
		ID:      0,
		Name:    "kernel",
		Threads: collections.New[*Thread](),
	}
	m.byPID[0] = m.kernel
	s.AddNotifiee(m)
	return m
}

// OnContextSwitch implements sched.Notifiee (spec §4.F "switches page
// directories if the owning process changes"): whenever the incoming
// thread belongs to a different address space than the one currently
// installed, it switches. Threads with no memory context of their own
// (kernel threads) run against the shared kernel context.
func (m *Manager) OnContextSwitch(from, to *sched.Thread) {
	owner := ownerOfThread(to)
	if owner == nil {
		return
	}

	target := owner.Process.MemContext
	if target == nil {
		target = m.space.KernelContext()
	}
	if m.space.Current() != target {
		m.space.SwitchTo(target)
	}
}

func ownerOfThread(t *sched.Thread) *Thread {
	if t == nil {
		return nil
	}
	pt, _ := t.Owner.(*Thread)
	return pt
}

// NewIdleThread builds the idle process/thread pair the scheduler falls
// back to when its run queue is empty (spec §4.F "If the queue is
// empty the dedicated idle thread runs"). It must be constructed
// before the Scheduler itself, since sched.New takes the idle thread
// as an argument; the idle process is therefore a singleton outside
// any Manager's id hash, with no parent and no children, matching
// original_source/kernel/src/process/process.c's processSetupIdle().
func NewIdleThread() *Thread {
	idleProc := &Process{
		ID:      0,
		Name:    "idle",
		Threads: collections.New[*Thread](),
	}
	t := &Thread{
		Thread: &sched.Thread{
			ID:    0,
			Name:  "idle",
			State: sched.Running,
		},
		Process: idleProc,
	}
	t.Signals = t
	t.Owner = t
	t.siblingLink = idleProc.Threads.PushBack(t)
	return t
}

// KernelProcess returns the privileged sentinel process.
func (m *Manager) KernelProcess() *Process { return m.kernel }

// ZombieCount reports how many processes are currently waiting to be
// reaped, exported for pkg/kernel/metrics to publish as a prometheus
// gauge.
func (m *Manager) ZombieCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, p := range m.byPID {
		if p.Zombie {
			n++
		}
	}
	return n
}

// CreateProcess allocates a zeroed process, assigns a never-before-used
// id, and links into parent's children list (spec §4.G).
func (m *Manager) CreateProcess(name string, parent *Process) *Process {
	m.mu.Lock()
	defer m.mu.Unlock()

	var id uint64
	for {
		m.nextPID++
		id = m.nextPID
		if _, taken := m.byPID[id]; !taken {
			break
		}
	}

	p := &Process{
		ID:      id,
		Name:    name,
		Parent:  parent,
		Threads: collections.New[*Thread](),
	}
	for i := range p.Dispositions {
		p.Dispositions[i] = Disposition{Action: dispositionDefault}
	}
	p.waitQueue = waitqueue.New(m.sched)

	parent.Children = append(parent.Children, p)
	m.byPID[id] = p
	return p
}

const dispositionDefault = 0

func (m *Manager) allocThread(name string, process *Process) *Thread {
	m.mu.Lock()
	m.nextTID++
	id := m.nextTID
	m.mu.Unlock()

	t := &Thread{
		Thread: &sched.Thread{
			ID:      id,
			Name:    name,
			State:   sched.Runnable,
			Quantum: sched.DefaultQuantum,
		},
		Process: process,
	}
	t.Signals = t
	t.Owner = t

	m.mu.Lock()
	m.byTID[id] = t
	m.mu.Unlock()

	t.siblingLink = process.Threads.PushBack(t)
	return t
}

// CreateUserThread allocates a thread, a one-page kernel stack, and
// enqueues it runnable (spec §4.G). entry and userStack are accepted
// but not stored: no saved-register frame is built, and the thread
// records no user-mode resume address.
func (m *Manager) CreateUserThread(name string, process *Process, entry, userStack uintptr) *Thread {
	t := m.allocThread(name, process)
	t.KernelStackBase, t.KernelStackTop = m.reserveKernelStack()
	m.sched.Enqueue(t.Thread)
	return t
}

// CreateKernelThread allocates a thread belonging to the kernel
// process, with a one-page kernel stack, and enqueues it runnable
// (spec §4.G). entry and arg are accepted but neither stored nor
// called, and nothing invokes ExitThread on the thread's behalf.
func (m *Manager) CreateKernelThread(name string, entry func(arg any), arg any) *Thread {
	t := m.allocThread(name, m.kernel)
	t.KernelStackBase, t.KernelStackTop = m.reserveKernelStack()
	m.sched.Enqueue(t.Thread)
	return t
}

// reserveKernelStack allocates a one-page kernel stack from the kernel
// virtual arena (spec §3 "Thread"). If no arena was supplied (unit
// tests that don't exercise kernel-stack addresses), it returns a
// placeholder identity range.
func (m *Manager) reserveKernelStack() (base, top uintptr) {
	if m.kstack == nil {
		return 0, 0
	}
	vaddr, ok := m.kstack.Alloc(KernelStackPages * paging.PageSize)
	if !ok {
		panic("proc: reserveKernelStack: kernel virtual arena exhausted")
	}
	return vaddr, vaddr + uintptr(KernelStackPages*paging.PageSize)
}

// Fork clones the caller thread's memory context (COW), duplicates
// signal dispositions, creates and enqueues a new thread in the child,
// and gives it the forking thread's blocked-signal mask and TLS
// descriptor (spec §4.G). Process carries no I/O context, so none is
// cloned, and entry and userStack are not stored on the new thread.
// Forbidden for the kernel process.
func (m *Manager) Fork(caller *Thread, entry, userStack uintptr) (*Process, error) {
	if caller.Process == m.kernel {
		return nil, fmt.Errorf("proc: Fork: %w: kernel process cannot fork", kernelerrors.EPERM)
	}

	child := m.CreateProcess(caller.Process.Name, caller.Process)
	child.Dispositions = caller.Process.Dispositions

	mem, err := m.space.CloneCurrent(caller.Process.MemContext)
	if err != nil {
		return nil, err
	}
	child.MemContext = mem

	childThread := m.allocThread(caller.Name, child)
	childThread.KernelStackBase, childThread.KernelStackTop = m.reserveKernelStack()
	childThread.BlockedSignals = caller.BlockedSignals
	childThread.TLSDescriptor = caller.TLSDescriptor

	m.sched.Enqueue(childThread.Thread)
	return child, nil
}

// ExitProcess implements spec §4.G exit_process, invoked by the
// currently-running thread caller. Never returns to the caller in a
// real kernel; here it returns once bookkeeping completes since there
// is no hardware thread to actually halt.
func (m *Manager) ExitProcess(caller *Thread, code int) {
	proc := caller.Process

	if proc.Threads.Len() > 1 {
		proc.Threads.Do(func(e *collections.Elem[*Thread]) {
			if e.Value != caller {
				m.sendKill(e.Value)
			}
		})
		m.ExitThread(caller, code)
		return
	}

	if proc.MemContext != nil {
		m.space.DeleteRef(proc.MemContext)
		proc.MemContext = nil
	}
	m.reparentChildren(proc)
	proc.Zombie = true
	proc.ExitCode = code
	caller.State = sched.Zombie
	caller.ExitCode = code

	if proc.Parent == m.kernel || proc.Parent == nil {
		m.reapQueue.Add(caller.ID)
	} else {
		proc.Parent.waitQueue.WakeAll()
		m.raiseSIGCHLD(proc.Parent)
	}
}

func (m *Manager) sendKill(t *Thread) {
	t.PendingSignals |= 1 << 8 // SIGKILL-1, numeric value owned by pkg/kernel/signal
}

func (m *Manager) raiseSIGCHLD(p *Process) {
	p.PendingSignals |= 1 << 16 // SIGCHLD-1, numeric value owned by pkg/kernel/signal
}

func (m *Manager) reparentChildren(proc *Process) {
	for _, c := range proc.Children {
		c.Parent = m.kernel
		m.kernel.Children = append(m.kernel.Children, c)
	}
	proc.Children = nil
}

// ExitThread implements spec §4.G exit_thread.
func (m *Manager) ExitThread(t *Thread, code int) {
	if t.Process.Threads.Len() == 1 {
		m.ExitProcess(t, code)
		return
	}

	t.ExitCode = code
	t.State = sched.Zombie
	t.Process.waitQueue.WakeAll()

	if t.Process == m.kernel {
		m.reapQueue.Add(t.ID)
	}
}

// WaitProcess implements spec §4.G wait_process. id == -1 selects any
// child; id > 0 selects a specific child; id == 0 or a negative value
// other than -1 is reserved.
func (m *Manager) WaitProcess(ctx context.Context, waiter *Process, id int64, noHang bool) (pid uint64, exitCode int, err error) {
	if waiter == m.kernel {
		return 0, 0, fmt.Errorf("proc: WaitProcess: %w: kernel process cannot wait", kernelerrors.EPERM)
	}
	if id == 0 || (id < 0 && id != -1) {
		return 0, 0, fmt.Errorf("proc: WaitProcess: %w", kernelerrors.ENOSYS)
	}

	for {
		if id > 0 {
			found := false
			for _, c := range waiter.Children {
				if int64(c.ID) == id {
					found = true
					if c.Zombie {
						return m.reapProcess(waiter, c)
					}
				}
			}
			if !found {
				return 0, 0, fmt.Errorf("proc: WaitProcess: %w", kernelerrors.ECHILD)
			}
		} else {
			for _, c := range waiter.Children {
				if c.Zombie {
					return m.reapProcess(waiter, c)
				}
			}
		}

		if noHang {
			return 0, 0, nil
		}

		interrupted := waiter.waitQueue.Wait(true)
		if interrupted {
			return 0, 0, fmt.Errorf("proc: WaitProcess: %w", kernelerrors.EINTR)
		}
	}
}

func (m *Manager) reapProcess(waiter *Process, child *Process) (uint64, int, error) {
	for i, c := range waiter.Children {
		if c == child {
			waiter.Children = append(waiter.Children[:i], waiter.Children[i+1:]...)
			break
		}
	}
	m.mu.Lock()
	delete(m.byPID, child.ID)
	m.mu.Unlock()
	return child.ID, child.ExitCode, nil
}

// WaitThread implements spec §4.G wait_thread: analogous to
// WaitProcess but restricted to sibling threads of the same process.
func (m *Manager) WaitThread(waiter *Thread, id int64, noHang bool) (tid uint64, exitCode int, err error) {
	for {
		var match *Thread
		waiter.Process.Threads.Do(func(e *collections.Elem[*Thread]) {
			th := e.Value
			if th == waiter {
				return
			}
			if id > 0 && int64(th.ID) != id {
				return
			}
			if th.State == sched.Zombie {
				match = th
			}
		})
		if match != nil {
			m.reapThreadRecord(match)
			return match.ID, match.ExitCode, nil
		}
		if id > 0 && !m.hasSibling(waiter, id) {
			return 0, 0, fmt.Errorf("proc: WaitThread: %w", kernelerrors.ECHILD)
		}

		if noHang {
			return 0, 0, nil
		}
		interrupted := waiter.Process.waitQueue.Wait(true)
		if interrupted {
			return 0, 0, fmt.Errorf("proc: WaitThread: %w", kernelerrors.EINTR)
		}
	}
}

func (m *Manager) hasSibling(waiter *Thread, id int64) bool {
	found := false
	waiter.Process.Threads.Do(func(e *collections.Elem[*Thread]) {
		if int64(e.Value.ID) == id {
			found = true
		}
	})
	return found
}

func (m *Manager) reapThreadRecord(t *Thread) {
	t.Process.Threads.Remove(t.siblingLink)
	m.mu.Lock()
	delete(m.byTID, t.ID)
	m.mu.Unlock()
}

// ReaperRunnable drains the zombie-thread queue as a controller-runtime
// Runnable (spec §4.G "Reaping"): frees the FPU state buffer, kernel
// stack frame, name string, removes the thread from the id hash and
// sibling list, and frees the thread record; if it was the last thread
// of a zombie process, re-parents the process's children and frees the
// process record.
func (m *Manager) ReaperRunnable() *Reaper {
	return &Reaper{m: m}
}

// Reaper is a manager.Runnable (sigs.k8s.io/controller-runtime) that
// drains m.reapQueue.
type Reaper struct {
	m *Manager
}

// Start implements controller-runtime's manager.Runnable.
func (r *Reaper) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.m.reapQueue.ShutDown()
	}()

	for {
		tid, shutdown := r.m.reapQueue.Get()
		if shutdown {
			return nil
		}
		r.m.reapOne(tid)
		r.m.reapQueue.Done(tid)
	}
}

func (m *Manager) reapOne(tid uint64) {
	m.mu.Lock()
	t, ok := m.byTID[tid]
	m.mu.Unlock()
	if !ok {
		return
	}

	t.FPUState = nil
	if m.kstack != nil && t.KernelStackBase != 0 {
		if err := m.kstack.Free(t.KernelStackBase); err != nil {
			m.logger.Error(err, "reap: free kernel stack", "tid", tid)
		}
	}
	proc := t.Process
	m.reapThreadRecord(t)

	if proc.Zombie && proc.Threads.Len() == 0 {
		m.reparentChildren(proc)
		if proc.Parent != nil {
			for i, c := range proc.Parent.Children {
				if c == proc {
					proc.Parent.Children = append(proc.Parent.Children[:i], proc.Parent.Children[i+1:]...)
					break
				}
			}
		}
		m.mu.Lock()
		delete(m.byPID, proc.ID)
		m.mu.Unlock()
	}
}
