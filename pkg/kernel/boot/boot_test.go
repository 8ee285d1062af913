// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package boot_test

import (
	"context"
	"testing"
	"time"

	"github.com/chaffkernel/chaff/pkg/kernel/boot"
	"github.com/chaffkernel/chaff/pkg/kernel/config"
	"github.com/chaffkernel/chaff/pkg/kernel/vfs"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rootSec() vfs.SecContext { return vfs.SecContext{EUID: 0} }

func TestNewSystemAppliesDefaultsAndWiresDevfs(t *testing.T) {
	sys, err := boot.NewSystem(logr.Discard(), config.KernelConfig{})
	require.NoError(t, err)
	defer sys.Close()

	assert.Equal(t, config.Default().Phys, sys.Config.Phys)

	ioctx := vfs.NewIOContext(sys.VFS.Root(), 0)
	null, _, err := sys.VFS.Lookup(rootSec(), ioctx, "/null")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), null.Number)

	zero, _, err := sys.VFS.Lookup(rootSec(), ioctx, "/zero")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), zero.Number)
}

func TestNewSystemAppliesQuantumToScheduler(t *testing.T) {
	sys, err := boot.NewSystem(logr.Discard(), config.KernelConfig{QuantumTicks: 3})
	require.NoError(t, err)
	defer sys.Close()

	idle := sys.Sched.Current()
	sys.Sched.Yield() // nothing else runnable, returns immediately but still refreshes quantum
	assert.Equal(t, 3, idle.Quantum)
}

func TestNewSystemRootCacheReadsThroughToBackingDevice(t *testing.T) {
	sys, err := boot.NewSystem(logr.Discard(), config.KernelConfig{})
	require.NoError(t, err)
	defer sys.Close()

	require.NoError(t, sys.RootCache.WriteBuffer(0, []byte("hello")))
	dst := make([]byte, 5)
	require.NoError(t, sys.RootCache.ReadBuffer(0, dst))
	assert.Equal(t, "hello", string(dst))
	assert.Equal(t, bool(true), sys.RootCache.Empty())
}

func TestReaperRunnableDrainsAndShutsDownCleanly(t *testing.T) {
	sys, err := boot.NewSystem(logr.Discard(), config.KernelConfig{})
	require.NoError(t, err)
	defer sys.Close()

	kt := sys.Proc.CreateKernelThread("worker", func(any) {}, nil)
	sys.Proc.ExitThread(kt, 0)

	reaper := sys.Proc.ReaperRunnable()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reaper.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not shut down")
	}
}
