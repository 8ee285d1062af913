// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package config holds the single KernelConfig struct that pkg/kernel/boot
// threads through every subsystem's constructor at bring-up, the way
// pkg/performance's CollectionConfig is threaded through its collectors.
package config

import (
	"time"

	"github.com/chaffkernel/chaff/pkg/kernel/mm/phys"
)

// KernelConfig collects the sizing knobs every kernel-core subsystem
// needs at bring-up. The zero value is not meant to be used directly;
// call ApplyDefaults (or use Default) to fill in a runnable
// configuration.
type KernelConfig struct {
	// Phys carries the physical-frame zone boundaries (spec §4.A).
	Phys phys.Config

	// KVASize is the size, in bytes, of the kernel virtual address
	// arena kvalloc.Arena manages (spec §4.E).
	KVASize int

	// HashInitialBuckets is the configured hash-table starting bucket
	// count (spec §4.K). No constructor reads it:
	// collections.NewHashTable always starts with 256 buckets.
	HashInitialBuckets int

	// BlockCacheBlockSize is the block size, in bytes, the block cache
	// reads and writes through (spec §4.L). Must be a power of two.
	BlockCacheBlockSize int

	// QuantumTicks is the number of timer ticks a thread runs before
	// being requeued at the tail of its run queue (spec §4.F).
	QuantumTicks int

	// MetricsSampleInterval is how often pkg/kernel/metrics re-polls
	// the running kernel for its gauges and counters.
	MetricsSampleInterval time.Duration

	// EvictionInterval is how often the block cache's eviction
	// sweeper reclaims unlocked entries.
	EvictionInterval time.Duration

	// HealthBindAddress is the address pkg/kernel/boot's gRPC liveness
	// service listens on.
	HealthBindAddress string
}

// Default returns a KernelConfig sized for a 256 MiB machine, matching
// phys.DefaultConfig and kvalloc.DefaultArenaSize.
func Default() KernelConfig {
	return KernelConfig{
		Phys:                  phys.DefaultConfig(),
		KVASize:               255 << 20,
		HashInitialBuckets:    256,
		BlockCacheBlockSize:   4096,
		QuantumTicks:          10,
		MetricsSampleInterval: time.Second,
		EvictionInterval:      30 * time.Second,
		HealthBindAddress:     ":8090",
	}
}

// ApplyDefaults fills in zero-valued fields with Default's values,
// leaving any field the caller already set untouched.
func (c *KernelConfig) ApplyDefaults() {
	defaults := Default()

	if c.Phys == (phys.Config{}) {
		c.Phys = defaults.Phys
	}
	if c.KVASize == 0 {
		c.KVASize = defaults.KVASize
	}
	if c.HashInitialBuckets == 0 {
		c.HashInitialBuckets = defaults.HashInitialBuckets
	}
	if c.BlockCacheBlockSize == 0 {
		c.BlockCacheBlockSize = defaults.BlockCacheBlockSize
	}
	if c.QuantumTicks == 0 {
		c.QuantumTicks = defaults.QuantumTicks
	}
	if c.MetricsSampleInterval == 0 {
		c.MetricsSampleInterval = defaults.MetricsSampleInterval
	}
	if c.EvictionInterval == 0 {
		c.EvictionInterval = defaults.EvictionInterval
	}
	if c.HealthBindAddress == "" {
		c.HealthBindAddress = defaults.HealthBindAddress
	}
}
