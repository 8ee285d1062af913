// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package bcache_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chaffkernel/chaff/pkg/kernel/bcache"
	"github.com/chaffkernel/chaff/pkg/kernel/proc"
	"github.com/chaffkernel/chaff/pkg/kernel/sched"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDevice struct {
	data      map[uint64][]byte
	blockSize int
	reads     int
	writes    int
	failRead  bool
	failWrite bool
}

func newMemDevice(blockSize int) *memDevice {
	return &memDevice{data: make(map[uint64][]byte), blockSize: blockSize}
}

func (d *memDevice) ReadBlock(off uint64, buf []byte) error {
	d.reads++
	if d.failRead {
		return fmt.Errorf("simulated read failure")
	}
	if block, ok := d.data[off]; ok {
		copy(buf, block)
	}
	return nil
}

func (d *memDevice) WriteBlock(off uint64, buf []byte) error {
	d.writes++
	if d.failWrite {
		return fmt.Errorf("simulated write failure")
	}
	block := make([]byte, len(buf))
	copy(block, buf)
	d.data[off] = block
	return nil
}

func newCache(t *testing.T, blockSize int, dev bcache.Device) *bcache.Cache {
	t.Helper()
	idle := proc.NewIdleThread()
	s := sched.New(logr.Discard(), idle.Thread)
	c, err := bcache.New(logr.Discard(), s, dev, blockSize)
	require.NoError(t, err)
	return c
}

func TestNewRejectsNonPowerOfTwoBlockSize(t *testing.T) {
	idle := proc.NewIdleThread()
	s := sched.New(logr.Discard(), idle.Thread)
	_, err := bcache.New(logr.Discard(), s, newMemDevice(512), 500)
	assert.Error(t, err)
}

func TestReadMissThenHitDoesNotReissueIO(t *testing.T) {
	dev := newMemDevice(512)
	dev.data[0] = bytes.Repeat([]byte{0x42}, 512)
	c := newCache(t, 512, dev)

	e1, err := c.Read(0)
	require.NoError(t, err)
	assert.Equal(t, 1, dev.reads)
	c.Unlock(e1)

	e2, err := c.Read(10) // same block, unaligned offset
	require.NoError(t, err)
	assert.Equal(t, 1, dev.reads, "second read of the same block must not reissue I/O")
	c.Unlock(e2)
	assert.Same(t, e1, e2)
}

func TestStatsCountsHitsAndMisses(t *testing.T) {
	dev := newMemDevice(512)
	c := newCache(t, 512, dev)

	e1, err := c.Read(0)
	require.NoError(t, err)
	c.Unlock(e1)
	assert.Equal(t, bcache.Stats{Hits: 0, Misses: 1}, c.Stats())

	e2, err := c.Read(10) // same block, unaligned offset: a hit
	require.NoError(t, err)
	c.Unlock(e2)
	assert.Equal(t, bcache.Stats{Hits: 1, Misses: 1}, c.Stats())
}

func TestReadFailureMarksErrorAndRemovesFromCache(t *testing.T) {
	dev := newMemDevice(512)
	dev.failRead = true
	c := newCache(t, 512, dev)

	_, err := c.Read(0)
	assert.Error(t, err)

	dev.failRead = false
	dev.data[0] = bytes.Repeat([]byte{0x7}, 512)
	_, err = c.Read(0)
	assert.NoError(t, err, "a fresh read after the errored entry was evicted must succeed")
}

func TestReadBufferSpansMultipleBlocks(t *testing.T) {
	dev := newMemDevice(16)
	dev.data[0] = bytes.Repeat([]byte{1}, 16)
	dev.data[16] = bytes.Repeat([]byte{2}, 16)
	c := newCache(t, 16, dev)

	dst := make([]byte, 24)
	require.NoError(t, c.ReadBuffer(4, dst))
	assert.Equal(t, bytes.Repeat([]byte{1}, 12), dst[:12])
	assert.Equal(t, bytes.Repeat([]byte{2}, 12), dst[12:])
}

func TestWriteBufferIsWriteThrough(t *testing.T) {
	dev := newMemDevice(16)
	c := newCache(t, 16, dev)

	src := bytes.Repeat([]byte{9}, 16)
	require.NoError(t, c.WriteBuffer(0, src))
	assert.Equal(t, src, dev.data[0])

	dst := make([]byte, 16)
	require.NoError(t, c.ReadBuffer(0, dst))
	assert.Equal(t, src, dst)
}

func TestWriteBufferPartialBlockReadsFirst(t *testing.T) {
	dev := newMemDevice(16)
	dev.data[0] = bytes.Repeat([]byte{0xAA}, 16)
	c := newCache(t, 16, dev)

	require.NoError(t, c.WriteBuffer(4, []byte{1, 2, 3, 4}))
	want := bytes.Repeat([]byte{0xAA}, 16)
	copy(want[4:8], []byte{1, 2, 3, 4})
	assert.Equal(t, want, dev.data[0])
}

func TestWriteFailureMarksErrorAndReturnsEIO(t *testing.T) {
	dev := newMemDevice(16)
	dev.failWrite = true
	c := newCache(t, 16, dev)

	err := c.WriteBuffer(0, bytes.Repeat([]byte{1}, 16))
	assert.Error(t, err)
}

func TestEmptyFailsWhileEntriesAreLocked(t *testing.T) {
	dev := newMemDevice(16)
	dev.data[0] = make([]byte, 16)
	c := newCache(t, 16, dev)

	e, err := c.Read(0)
	require.NoError(t, err)

	assert.False(t, c.Empty(), "a locked entry must block Empty")
	c.Unlock(e)
	assert.True(t, c.Empty())
}

func TestEvictionRunnableSweepsOnEachTick(t *testing.T) {
	dev := newMemDevice(16)
	dev.data[0] = make([]byte, 16)
	c := newCache(t, 16, dev)

	e, err := c.Read(0)
	require.NoError(t, err)
	c.Unlock(e)

	sweeper := c.EvictionRunnable(5 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sweeper.Start(ctx) }()
	<-ctx.Done()
	require.NoError(t, <-done)

	assert.True(t, c.Empty(), "the sweeper must have freed the unlocked entry before the context expired")
}
