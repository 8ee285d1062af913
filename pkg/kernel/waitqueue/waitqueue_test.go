// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package waitqueue

import (
	"testing"

	"github.com/chaffkernel/chaff/pkg/kernel/sched"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seed links th into q's waiter list directly, standing in for a
// thread that previously called Wait and parked (white-box, since
// exercising Wait itself requires a second cooperating call stack; see
// TestWaitParksCurrentThread below for what Wait alone can show).
func seed(q *Queue, th *sched.Thread) {
	e := q.waiters.PushBack(th)
	q.links[th] = e
}

func TestWakeOneIsFIFO(t *testing.T) {
	idle := &sched.Thread{ID: 0, Name: "idle"}
	s := sched.New(logr.Discard(), idle)
	q := New(s)

	a := &sched.Thread{ID: 1, Name: "a", State: sched.UninterruptibleWait}
	b := &sched.Thread{ID: 2, Name: "b", State: sched.UninterruptibleWait}
	seed(q, a)
	seed(q, b)
	require.Equal(t, 2, q.Len())

	q.WakeOne()
	assert.Equal(t, sched.Runnable, a.State)
	assert.Equal(t, sched.UninterruptibleWait, b.State)
	assert.Equal(t, 1, q.Len())

	q.WakeOne()
	assert.Equal(t, sched.Runnable, b.State)
	assert.Equal(t, 0, q.Len())
}

func TestWakeAllDrainsQueue(t *testing.T) {
	idle := &sched.Thread{ID: 0, Name: "idle"}
	s := sched.New(logr.Discard(), idle)
	q := New(s)

	a := &sched.Thread{ID: 1, Name: "a", State: sched.UninterruptibleWait}
	b := &sched.Thread{ID: 2, Name: "b", State: sched.InterruptibleWait}
	seed(q, a)
	seed(q, b)

	q.WakeAll()
	assert.Equal(t, sched.Runnable, a.State)
	assert.Equal(t, sched.Runnable, b.State)
	assert.Equal(t, 0, q.Len())
}

func TestWaitParksCurrentThread(t *testing.T) {
	// This scheduler models a single processor: there is no second call
	// stack to resume a's execution after it blocks, so Wait's
	// YieldBlock->switchTo sequence runs to completion synchronously
	// and control returns to this frame immediately after the state
	// transition — exactly the transition a real wake would have to
	// undo. This test checks that transition, not true suspension.
	idle := &sched.Thread{ID: 0, Name: "idle"}
	s := sched.New(logr.Discard(), idle)
	q := New(s)

	a := &sched.Thread{ID: 1, Name: "a"}
	s.Enqueue(a)
	s.Yield()
	require.Equal(t, a, s.Current())

	q.Wait(false)
	assert.Equal(t, sched.UninterruptibleWait, a.State)
	assert.Equal(t, idle, s.Current())
}

func TestWakeOneRemovesLink(t *testing.T) {
	idle := &sched.Thread{ID: 0, Name: "idle"}
	s := sched.New(logr.Discard(), idle)
	q := New(s)

	a := &sched.Thread{ID: 1, Name: "a"}
	seed(q, a)
	q.WakeOne()
	_, stillLinked := q.links[a]
	assert.False(t, stillLinked)
}
