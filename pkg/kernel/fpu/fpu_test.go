// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package fpu_test

import (
	"testing"

	"github.com/chaffkernel/chaff/pkg/kernel/collections"
	"github.com/chaffkernel/chaff/pkg/kernel/fpu"
	"github.com/chaffkernel/chaff/pkg/kernel/proc"
	"github.com/chaffkernel/chaff/pkg/kernel/sched"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newThread(id uint64) *proc.Thread {
	p := &proc.Process{Threads: collections.New[*proc.Thread]()}
	t := &proc.Thread{Thread: &sched.Thread{ID: id, State: sched.Running}, Process: p}
	t.Owner = t
	p.Threads.PushBack(t)
	return t
}

func TestOnContextSwitchDefersBelowThreshold(t *testing.T) {
	sub := fpu.New(logr.Discard(), fpu.Extended, nil)
	from := newThread(1)
	to := newThread(2)

	sub.OnContextSwitch(from.Thread, to.Thread)
	assert.True(t, sub.TrapPending())
	assert.Nil(t, sub.Current())
	assert.Nil(t, to.FPUState)
}

func TestOnContextSwitchSwitchesImmediatelyAtThreshold(t *testing.T) {
	sub := fpu.New(logr.Discard(), fpu.Extended, nil)
	from := newThread(1)
	to := newThread(2)
	to.FPUSwitches = fpu.SwitchThreshold

	sub.OnContextSwitch(from.Thread, to.Thread)
	assert.False(t, sub.TrapPending())
	assert.Same(t, to, sub.Current())
	require.NotNil(t, to.FPUState)
}

func TestHandleTrapAllocatesStateWithVendorDefaults(t *testing.T) {
	sub := fpu.New(logr.Discard(), fpu.Extended, nil)
	th := newThread(1)

	sub.HandleTrap(th, false)
	state, ok := th.FPUState.(*fpu.State)
	require.True(t, ok)
	assert.EqualValues(t, 0x37F, state.ControlWord)
	assert.EqualValues(t, 0x1F80, state.MXCSR)
	assert.Same(t, th, sub.Current())
}

func TestHandleTrapInKernelModePanics(t *testing.T) {
	sub := fpu.New(logr.Discard(), fpu.Extended, nil)
	th := newThread(1)

	assert.Panics(t, func() { sub.HandleTrap(th, true) })
}

func TestFreeStateClearsOwnership(t *testing.T) {
	sub := fpu.New(logr.Discard(), fpu.Extended, nil)
	th := newThread(1)
	sub.HandleTrap(th, false)
	require.Same(t, th, sub.Current())

	sub.FreeState(th)
	assert.Nil(t, sub.Current())
	assert.Nil(t, th.FPUState)
}

func TestSwitchCounterIncrementsOnlyOnActualSwitch(t *testing.T) {
	sub := fpu.New(logr.Discard(), fpu.Extended, nil)
	from := newThread(1)
	to := newThread(2)

	sub.OnContextSwitch(from.Thread, to.Thread) // deferred, no swap
	assert.Equal(t, 0, to.FPUSwitches)

	sub.HandleTrap(to, false) // trap forces the actual swap
	assert.Equal(t, 1, to.FPUSwitches)
}
