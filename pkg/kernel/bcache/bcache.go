// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package bcache implements the block cache (spec §4.L): per-device
// entries indexed by block-aligned offset, with single-flight reads,
// write-through writes, and reference-counted eviction.
package bcache

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kernelerrors "github.com/chaffkernel/chaff/pkg/errors"
	"github.com/chaffkernel/chaff/pkg/kernel/collections"
	"github.com/chaffkernel/chaff/pkg/kernel/sched"
	"github.com/chaffkernel/chaff/pkg/kernel/waitqueue"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
)

// Device is a block device's I/O operations. ReadBlock/WriteBlock
// transfer exactly len(buf) bytes at off, which is always a multiple
// of the cache's block size.
type Device interface {
	ReadBlock(off uint64, buf []byte) error
	WriteBlock(off uint64, buf []byte) error
}

// State is the state a cache entry is in (spec §4.L).
type State int

const (
	Ok State = iota
	Reading
	Writing
	Error
)

func (s State) String() string {
	switch s {
	case Ok:
		return "ok"
	case Reading:
		return "reading"
	case Writing:
		return "writing"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is one cached block (spec §3 "Block cache entry").
type Entry struct {
	Offset   uint64
	State    State
	RefCount int
	Data     []byte

	waiters *waitqueue.Queue
	link    *collections.Elem[*Entry]
}

// Cache is a block cache bound to a single Device (spec §4.L).
type Cache struct {
	logger    logr.Logger
	device    Device
	blockSize int
	sched     *sched.Scheduler

	mu      sync.Mutex
	entries *collections.HashTable[*Entry]
	all     *collections.List[*Entry]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Stats reports cumulative hit/miss counts, exported for
// pkg/kernel/metrics to publish as prometheus counters.
type Stats struct {
	Hits   uint64
	Misses uint64
}

func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// New returns a Cache reading/writing through device in blockSize-sized
// blocks. blockSize must be a power of two (spec §4.L).
func New(logger logr.Logger, s *sched.Scheduler, device Device, blockSize int) (*Cache, error) {
	if blockSize <= 0 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("bcache: block size %d is not a power of two", blockSize)
	}
	return &Cache{
		logger:    logger.WithName("bcache"),
		device:    device,
		blockSize: blockSize,
		sched:     s,
		entries:   collections.NewHashTable[*Entry](),
		all:       collections.New[*Entry](),
	}, nil
}

func keyFor(off uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], off)
	return b[:]
}

func (c *Cache) align(off uint64) uint64 {
	mask := uint64(c.blockSize) - 1
	return off &^ mask
}

func (c *Cache) newEntry(off uint64) *Entry {
	e := &Entry{
		Offset:   off,
		RefCount: 1,
		Data:     make([]byte, c.blockSize),
		waiters:  waitqueue.New(c.sched),
	}
	c.entries.Insert(keyFor(off), e)
	e.link = c.all.PushBack(e)
	return e
}

// removeLocked unlinks e from both the hash table and the all-entries
// list. Caller holds c.mu.
func (c *Cache) removeLocked(e *Entry) {
	c.entries.Remove(keyFor(e.Offset))
	c.all.Remove(e.link)
}

func (c *Cache) retryRead(off uint64, dst []byte) error {
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		if err := c.device.ReadBlock(off, dst); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithMaxTries(3))
	return err
}

func (c *Cache) retryWrite(off uint64, src []byte) error {
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		if err := c.device.WriteBlock(off, src); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithMaxTries(3))
	return err
}

// Read aligns off to the block size and returns the locked (refcount
// incremented) entry, reading through the device on a miss. Concurrent
// reads of the same block join the in-flight read rather than issuing
// a second I/O (spec §5 ordering guarantee).
func (c *Cache) Read(off uint64) (*Entry, error) {
	off = c.align(off)

	c.mu.Lock()
	e, ok := c.entries.Find(keyFor(off))
	if !ok {
		c.misses.Add(1)
		e = c.newEntry(off)
		e.State = Reading
		c.mu.Unlock()

		err := c.retryRead(off, e.Data)

		c.mu.Lock()
		e.waiters.WakeAll()
		if err != nil {
			e.State = Error
			c.entries.Remove(keyFor(off))
			c.mu.Unlock()
			c.Unlock(e)
			return nil, kernelerrors.EIO
		}
		e.State = Ok
		c.mu.Unlock()
		return e, nil
	}

	c.hits.Add(1)
	e.RefCount++
	reading := e.State == Reading
	c.mu.Unlock()

	if reading {
		e.waiters.Wait(false)
		c.mu.Lock()
		errored := e.State == Error
		c.mu.Unlock()
		if errored {
			c.Unlock(e)
			return nil, kernelerrors.EIO
		}
	}

	return e, nil
}

// Unlock decrements e's refcount. If the entry is in Error state and
// the refcount reaches zero it is unlinked and freed (spec §4.L).
func (c *Cache) Unlock(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.RefCount == 0 {
		c.logger.V(1).Info("unlock: entry already unlocked", "offset", e.Offset)
		return
	}
	e.RefCount--
	if e.State == Error && e.RefCount == 0 {
		c.removeLocked(e)
	}
}

// ReadBuffer reads length bytes starting at off into dst block-by-block
// (spec §4.L).
func (c *Cache) ReadBuffer(off uint64, dst []byte) error {
	length := len(dst)
	pos := 0
	for pos < length {
		e, err := c.Read(off + uint64(pos))
		if err != nil {
			return err
		}

		blockOff := int((off + uint64(pos)) & uint64(c.blockSize-1))
		n := c.blockSize - blockOff
		if remain := length - pos; n > remain {
			n = remain
		}

		copy(dst[pos:pos+n], e.Data[blockOff:blockOff+n])
		c.Unlock(e)
		pos += n
	}
	return nil
}

// WriteBuffer writes length bytes from src to off block-by-block,
// write-through (spec §4.L): a partial-block write reads the block
// first; a whole-block write finds or creates it directly.
func (c *Cache) WriteBuffer(off uint64, src []byte) error {
	length := len(src)
	pos := 0
	for pos < length {
		cur := off + uint64(pos)
		blockOff := int(cur & uint64(c.blockSize-1))
		n := c.blockSize - blockOff
		if remain := length - pos; n > remain {
			n = remain
		}

		var e *Entry
		var err error
		if blockOff != 0 || n != c.blockSize {
			e, err = c.Read(cur)
			if err != nil {
				return err
			}
		} else {
			aligned := c.align(cur)
			c.mu.Lock()
			found, ok := c.entries.Find(keyFor(aligned))
			if ok {
				found.RefCount++
				e = found
				c.mu.Unlock()
			} else {
				e = c.newEntry(aligned)
				e.State = Ok
				c.mu.Unlock()
			}
		}

		for {
			c.mu.Lock()
			st := e.State
			c.mu.Unlock()
			if st != Reading && st != Writing {
				break
			}
			e.waiters.Wait(false)
		}

		c.mu.Lock()
		if e.State == Error {
			c.mu.Unlock()
			c.Unlock(e)
			return kernelerrors.EIO
		}
		e.State = Writing
		copy(e.Data[blockOff:blockOff+n], src[pos:pos+n])
		c.mu.Unlock()

		writeErr := c.retryWrite(c.align(cur), e.Data)

		c.mu.Lock()
		if writeErr != nil {
			e.State = Error
			c.removeLocked(e)
			e.waiters.WakeAll()
			c.mu.Unlock()
			c.Unlock(e)
			return kernelerrors.EIO
		}
		e.State = Ok
		e.waiters.WakeAll()
		c.mu.Unlock()

		c.Unlock(e)
		pos += n
	}
	return nil
}

// Empty frees every entry with a zero refcount, returning true only if
// every entry in the cache was removed (spec §4.L).
func (c *Cache) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	allUnlocked := true
	for e := c.all.Front(); e != nil; {
		next := e.Next()
		entry := e.Value
		if entry.RefCount == 0 {
			c.removeLocked(entry)
		} else {
			allUnlocked = false
		}
		e = next
	}
	return allUnlocked
}

// EvictionRunnable returns a controller-runtime manager.Runnable that
// periodically frees unlocked entries, the way a real cache would
// reclaim memory under a free-running clock rather than only when a
// caller explicitly asks for the whole cache back.
func (c *Cache) EvictionRunnable(interval time.Duration) *Sweeper {
	return &Sweeper{cache: c, interval: interval}
}

// Sweeper is a manager.Runnable that calls Cache.Empty on a fixed
// interval.
type Sweeper struct {
	cache    *Cache
	interval time.Duration
}

// Start implements controller-runtime's manager.Runnable.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cache.Empty()
		case <-ctx.Done():
			return nil
		}
	}
}
