// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package devfs implements the device filesystem (spec §4.N): a
// singleton filesystem type whose devices register by name into a
// string-keyed hash and receive a dense per-instance inode number.
// Inode 0 is always the root directory; reading it enumerates live
// devices in inode order, honoring the caller's directory offset.
package devfs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	kernelerrors "github.com/chaffkernel/chaff/pkg/errors"
	"github.com/chaffkernel/chaff/pkg/kernel/bcache"
	"github.com/chaffkernel/chaff/pkg/kernel/collections"
	"github.com/chaffkernel/chaff/pkg/kernel/vfs"
	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"
)

// DeviceOps is a device's operations table (spec's IoDeviceOps). A nil
// function takes its documented default: Open/Close are no-ops, Read/
// Write return ENOSYS, Ioctl returns ENOTTY.
type DeviceOps struct {
	Open  func(d *Device) error
	Close func(d *Device)
	Read  func(d *Device, off uint64, buf []byte) (int, error)
	Write func(d *Device, off uint64, buf []byte) (int, error)
	Ioctl func(d *Device, request int, data any) (int, error)
}

// Device is one registered devfs entry (spec's IoDevice). BlockCache is
// non-nil only for block devices wired to go through the block cache
// (spec §4.L); character devices always call DeviceOps directly.
type Device struct {
	Name string
	Mode vfs.Mode
	UID  uint32
	GID  uint32
	Ops  DeviceOps

	BlockCache *bcache.Cache

	inode uint32
}

// FS is a devfs instance: the device registry plus the vfs plumbing
// (FilesystemType, FilesystemOps, FileOps) that plugs it into a
// vfs.Registry.
type FS struct {
	logger logr.Logger

	mu        sync.Mutex
	byName    *collections.HashTable[*Device]
	byINode   map[uint32]*Device
	nextFree  uint32

	regQueue workqueue.TypedRateLimitingInterface[string]

	typ *vfs.FilesystemType
}

// New returns an empty devfs instance.
func New(logger logr.Logger) *FS {
	fs := &FS{
		logger:   logger.WithName("devfs"),
		byName:   collections.NewHashTable[*Device](),
		byINode:  make(map[uint32]*Device),
		nextFree: 1, // inode 0 is reserved for the root directory
		regQueue: workqueue.NewTypedRateLimitingQueue[string](
			workqueue.DefaultTypedControllerRateLimiter[string](),
		),
	}
	fs.typ = &vfs.FilesystemType{
		Name: "devfs",
		Mount: func(vfsFS *vfs.Filesystem) error {
			vfsFS.Ops = fs.filesystemOps()
			vfsFS.RootINode = 0
			return nil
		},
	}
	return fs
}

// Type returns the vfs.FilesystemType to hand to Registry.MountRoot or
// Registry.Mount.
func (fs *FS) Type() *vfs.FilesystemType { return fs.typ }

// Register adds device to the registry under its Name, assigning it
// the lowest free inode number (reused once a device is unregistered,
// as in the source kernel's devfs). Returns EEXIST if the name is
// already taken.
func (fs *FS) Register(d *Device) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.byName.Insert([]byte(d.Name), d) {
		return fmt.Errorf("devfs: register %q: %w", d.Name, kernelerrors.EEXIST)
	}

	inode := fs.nextFree
	for {
		if _, taken := fs.byINode[inode]; !taken {
			break
		}
		inode++
	}

	d.inode = inode
	fs.byINode[inode] = d
	fs.nextFree = inode + 1

	fs.regQueue.Add(d.Name)
	return nil
}

// Unregister removes a previously registered device.
func (fs *FS) Unregister(d *Device) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if cur, ok := fs.byINode[d.inode]; !ok || cur != d {
		return fmt.Errorf("devfs: unregister %q: %w", d.Name, kernelerrors.ENOENT)
	}

	fs.byName.Remove([]byte(d.Name))
	delete(fs.byINode, d.inode)
	if d.inode < fs.nextFree {
		fs.nextFree = d.inode
	}
	d.inode = 0
	return nil
}

func (fs *FS) device(inode uint32) (*Device, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, ok := fs.byINode[inode]
	if !ok {
		return nil, kernelerrors.ENXIO
	}
	return d, nil
}

// sortedINodes returns every live device inode number in ascending
// order, matching the source kernel's array-index enumeration.
func (fs *FS) sortedINodes() []uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	nodes := make([]uint32, 0, len(fs.byINode))
	for n := range fs.byINode {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

// RegistryRunnable drains the device-registration event queue as a
// controller-runtime manager.Runnable, logging each registration as it
// is processed (spec's ambient-stack "devfs registration event queue").
func (fs *FS) RegistryRunnable() *RegistryWorker {
	return &RegistryWorker{fs: fs}
}

// RegistryWorker is a manager.Runnable that drains FS.regQueue.
type RegistryWorker struct {
	fs *FS
}

// Start implements controller-runtime's manager.Runnable.
func (w *RegistryWorker) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		w.fs.regQueue.ShutDown()
	}()

	for {
		name, shutdown := w.fs.regQueue.Get()
		if shutdown {
			return nil
		}
		w.fs.logger.V(1).Info("device registered", "name", name)
		w.fs.regQueue.Done(name)
	}
}
