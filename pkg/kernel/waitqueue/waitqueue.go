// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package waitqueue implements the doubly linked wait queue anchored at
// a waitable event (spec §4.J): wait/wake_one/wake_all over the
// scheduler's block/wake primitives.
package waitqueue

import (
	"sync"

	"github.com/chaffkernel/chaff/pkg/kernel/collections"
	"github.com/chaffkernel/chaff/pkg/kernel/sched"
)

// Queue is a wait queue. A thread is on at most one wait queue at a
// time (spec §4.J); all mutations are expected to occur under the
// scheduler's atomicity discipline (spec §5), modeled here with an
// internal mutex standing in for "preemption disabled".
type Queue struct {
	mu      sync.Mutex
	s       *sched.Scheduler
	waiters *collections.List[*sched.Thread]
	links   map[*sched.Thread]*collections.Elem[*sched.Thread]
}

// New returns an empty wait queue bound to scheduler s.
func New(s *sched.Scheduler) *Queue {
	return &Queue{
		s:       s,
		waiters: collections.New[*sched.Thread](),
		links:   make(map[*sched.Thread]*collections.Elem[*sched.Thread]),
	}
}

// Wait appends the current thread's wait-queue link, calls
// scheduler.YieldBlock, and on wake removes its link if still attached
// (spec §4.J). Returns whether the wait was interrupted by a signal.
func (q *Queue) Wait(interruptible bool) (wasInterrupted bool) {
	cur := q.s.Current()

	q.mu.Lock()
	e := q.waiters.PushBack(cur)
	q.links[cur] = e
	q.mu.Unlock()

	wasInterrupted = q.s.YieldBlock(interruptible)

	q.mu.Lock()
	if _, stillLinked := q.links[cur]; stillLinked {
		q.waiters.Remove(e)
		delete(q.links, cur)
	}
	q.mu.Unlock()
	return wasInterrupted
}

// WakeOne unlinks the head thread and wakes it (spec §4.J).
func (q *Queue) WakeOne() {
	q.mu.Lock()
	e := q.waiters.Front()
	if e == nil {
		q.mu.Unlock()
		return
	}
	t := e.Value
	q.waiters.Remove(e)
	delete(q.links, t)
	q.mu.Unlock()

	q.s.Wake(t)
}

// WakeAll drains the queue with a normal wake (spec §4.J).
func (q *Queue) WakeAll() {
	for {
		q.mu.Lock()
		e := q.waiters.Front()
		if e == nil {
			q.mu.Unlock()
			return
		}
		t := e.Value
		q.waiters.Remove(e)
		delete(q.links, t)
		q.mu.Unlock()

		q.s.Wake(t)
	}
}

// Len reports the number of threads currently waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters.Len()
}
