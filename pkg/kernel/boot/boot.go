// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package boot constructs the kernel-core subsystems in the fixed
// bring-up order ("physical -> paging -> slabs -> scheduler -> reaper
// -> devfs") and hands the background-owning ones to a
// controller-runtime Manager as manager.Runnable, the way cmd/main.go
// registers the resource store and intake worker.
package boot

import (
	"fmt"

	"github.com/chaffkernel/chaff/pkg/kernel/bcache"
	"github.com/chaffkernel/chaff/pkg/kernel/bcache/devbadger"
	"github.com/chaffkernel/chaff/pkg/kernel/config"
	"github.com/chaffkernel/chaff/pkg/kernel/devfs"
	"github.com/chaffkernel/chaff/pkg/kernel/metrics"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/addrspace"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/kvalloc"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/pagefault"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/paging"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/phys"
	"github.com/chaffkernel/chaff/pkg/kernel/proc"
	"github.com/chaffkernel/chaff/pkg/kernel/sched"
	"github.com/chaffkernel/chaff/pkg/kernel/signal"
	"github.com/chaffkernel/chaff/pkg/kernel/vfs"
	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// KVABase is the virtual address the kernel-virtual arena starts at,
// matching original_source's fixed-mapping base above the 3.5 GiB
// line; the arena then runs for KernelConfig.KVASize bytes.
const KVABase = 0xE0000000

// System holds every kernel-core subsystem wired together by NewSystem.
// Each field is the same type a standalone test in that subsystem's
// package would construct by hand; boot's job is only to build them in
// dependency order and with one shared KernelConfig.
type System struct {
	Config config.KernelConfig

	Phys      *phys.Allocator
	Paging    *paging.Manager
	KernelDir *paging.Directory
	AddrSpace *addrspace.Manager
	KVA       *kvalloc.Arena

	Sched  *sched.Scheduler
	Proc   *proc.Manager
	Signal *signal.Subsystem

	PageFault *pagefault.Handler

	VFS        *vfs.Registry
	DevFS      *devfs.FS
	RootDevice *devbadger.Device
	RootCache  *bcache.Cache

	Metrics *metrics.Sampler
	Health  *HealthService
}

// NewSystem builds a System from cfg, applying defaults to any
// zero-valued field first. Construction order follows the bring-up
// order: physical allocator, paging, the address-space/kernel-virtual
// layer, the scheduler, process manager and signal subsystem, the
// devfs root filesystem (with its null/zero devices), the block cache
// and its backing simulated device, and finally the metrics sampler and
// the health service.
func NewSystem(logger logr.Logger, cfg config.KernelConfig) (*System, error) {
	cfg.ApplyDefaults()

	p := phys.New(logger, cfg.Phys)
	pg := paging.New(logger, p)
	kernelDir := pg.NewDirectory()
	pg.SetKernelDirectory(kernelDir)
	space := addrspace.New(logger, p, pg, kernelDir)
	kva := kvalloc.New(logger, p, pg, KVABase, cfg.KVASize)

	idle := proc.NewIdleThread()
	s := sched.New(logger, idle.Thread)
	s.SetQuantum(cfg.QuantumTicks)

	procMgr := proc.New(logger, s, space, kva)
	sig := signal.New(s)
	pf := pagefault.New(logger, space, pg, p, sig)

	vfsReg := vfs.NewRegistry(logger)
	dfs := devfs.New(logger)
	if err := vfsReg.RegisterType(dfs.Type()); err != nil {
		return nil, fmt.Errorf("boot: register devfs type: %w", err)
	}
	if _, err := vfsReg.MountRoot(dfs.Type(), nil, 0); err != nil {
		return nil, fmt.Errorf("boot: mount devfs root: %w", err)
	}
	if err := dfs.Register(devfs.NullDevice()); err != nil {
		return nil, fmt.Errorf("boot: register /null: %w", err)
	}
	if err := dfs.Register(devfs.ZeroDevice()); err != nil {
		return nil, fmt.Errorf("boot: register /zero: %w", err)
	}

	rootDev, err := devbadger.OpenInMemory(logger, "root")
	if err != nil {
		return nil, fmt.Errorf("boot: open root block device: %w", err)
	}
	cache, err := bcache.New(logger, s, rootDev, cfg.BlockCacheBlockSize)
	if err != nil {
		return nil, fmt.Errorf("boot: create root block cache: %w", err)
	}

	sampler := metrics.NewSampler(logger, metrics.Sources{
		Phys:    p,
		Sched:   s,
		Proc:    procMgr,
		Signal:  sig,
		BCaches: []metrics.NamedCache{{Device: "root", Cache: cache}},
	}, cfg.MetricsSampleInterval)

	health := NewHealthService(logger, cfg.HealthBindAddress)

	return &System{
		Config:     cfg,
		Phys:       p,
		Paging:     pg,
		KernelDir:  kernelDir,
		AddrSpace:  space,
		KVA:        kva,
		Sched:      s,
		Proc:       procMgr,
		Signal:     sig,
		PageFault:  pf,
		VFS:        vfsReg,
		DevFS:      dfs,
		RootDevice: rootDev,
		RootCache:  cache,
		Metrics:    sampler,
		Health:     health,
	}, nil
}

// AddToManager registers every subsystem that owns a background
// goroutine with mgr, in bring-up order: the zombie reaper, the devfs
// registration worker, the block-cache eviction sweeper, the metrics
// sampler, and finally the gRPC liveness service.
func (s *System) AddToManager(mgr manager.Manager) error {
	runnables := []struct {
		name string
		r    manager.Runnable
	}{
		{"reaper", s.Proc.ReaperRunnable()},
		{"devfs", s.DevFS.RegistryRunnable()},
		{"bcache-sweeper", s.RootCache.EvictionRunnable(s.Config.EvictionInterval)},
		{"metrics", s.Metrics},
		{"health", s.Health},
	}
	for _, rn := range runnables {
		if err := mgr.Add(rn.r); err != nil {
			return fmt.Errorf("boot: register %s: %w", rn.name, err)
		}
	}
	return nil
}

// Close releases resources NewSystem opened that a Manager shutdown
// doesn't reach, namely the embedded badger database backing the root
// device.
func (s *System) Close() error {
	return s.RootDevice.Close()
}
