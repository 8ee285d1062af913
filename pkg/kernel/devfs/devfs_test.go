// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package devfs_test

import (
	"testing"

	kernelerrors "github.com/chaffkernel/chaff/pkg/errors"
	"github.com/chaffkernel/chaff/pkg/kernel/bcache"
	"github.com/chaffkernel/chaff/pkg/kernel/bcache/devbadger"
	"github.com/chaffkernel/chaff/pkg/kernel/devfs"
	"github.com/chaffkernel/chaff/pkg/kernel/proc"
	"github.com/chaffkernel/chaff/pkg/kernel/sched"
	"github.com/chaffkernel/chaff/pkg/kernel/vfs"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) (*vfs.Registry, *devfs.FS, *vfs.IOContext) {
	t.Helper()
	d := devfs.New(logr.Discard())

	r := vfs.NewRegistry(logr.Discard())
	root, err := r.MountRoot(d.Type(), nil, 0)
	require.NoError(t, err)

	return r, d, vfs.NewIOContext(root, 0)
}

func rootSec() vfs.SecContext { return vfs.SecContext{EUID: 0} }

func TestRegisterAssignsDenseINodesStartingAtOne(t *testing.T) {
	r, d, ioctx := newRegistry(t)
	require.NoError(t, d.Register(devfs.NullDevice()))
	require.NoError(t, d.Register(devfs.ZeroDevice()))

	null, _, err := r.Lookup(rootSec(), ioctx, "/null")
	require.NoError(t, err)
	zero, _, err := r.Lookup(rootSec(), ioctx, "/zero")
	require.NoError(t, err)

	assert.Equal(t, uint32(1), null.Number, "the root directory occupies inode 0")
	assert.Equal(t, uint32(2), zero.Number)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	d := devfs.New(logr.Discard())
	require.NoError(t, d.Register(devfs.NullDevice()))

	err := d.Register(devfs.NullDevice())
	assert.ErrorIs(t, err, kernelerrors.EEXIST)
}

func TestUnregisterFreesINodeForReuse(t *testing.T) {
	r, d, ioctx := newRegistry(t)
	null := devfs.NullDevice()
	zero := devfs.ZeroDevice()
	require.NoError(t, d.Register(null))
	require.NoError(t, d.Register(zero))
	require.NoError(t, d.Unregister(null))

	tty := &devfs.Device{Name: "tty0", Mode: vfs.OwnerRead | vfs.Mode(vfs.TypeCharDev)}
	require.NoError(t, d.Register(tty))

	node, _, err := r.Lookup(rootSec(), ioctx, "/tty0")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), node.Number, "the freed inode 1 must be reused before allocating a new one")
}

func TestLookupResolvesRegisteredDeviceByName(t *testing.T) {
	r, d, ioctx := newRegistry(t)
	require.NoError(t, d.Register(devfs.NullDevice()))

	node, _, err := r.Lookup(rootSec(), ioctx, "/null")
	require.NoError(t, err)
	assert.True(t, node.Mode.IsCharDevice())
}

func TestLookupMissingDeviceReturnsENOENT(t *testing.T) {
	r, _, ioctx := newRegistry(t)

	_, _, err := r.Lookup(rootSec(), ioctx, "/missing")
	assert.ErrorIs(t, err, kernelerrors.ENOENT)
}

func TestReaddirEnumeratesInRegistrationOrderHonoringOffset(t *testing.T) {
	r, d, ioctx := newRegistry(t)
	require.NoError(t, d.Register(devfs.NullDevice()))
	require.NoError(t, d.Register(devfs.ZeroDevice()))
	require.NoError(t, d.Register(&devfs.Device{Name: "tty0", Mode: vfs.OwnerRead | vfs.Mode(vfs.TypeCharDev)}))

	f, err := r.Open(rootSec(), ioctx, "/", vfs.ReadOnly|vfs.DirectoryOnly, 0, 3)
	require.NoError(t, err)

	var names []string
	err = f.Readdir(func(e vfs.DirEntry) error {
		names = append(names, e.Name)
		return nil
	}, 8)
	require.NoError(t, err)
	assert.Equal(t, []string{"null", "zero", "tty0"}, names)

	names = nil
	err = f.Readdir(func(e vfs.DirEntry) error {
		names = append(names, e.Name)
		return nil
	}, 8)
	require.NoError(t, err)
	assert.Empty(t, names, "a second readdir past the end yields nothing further")
}

func TestNullDeviceReadsEOFAndDiscardsWrites(t *testing.T) {
	r, d, ioctx := newRegistry(t)
	require.NoError(t, d.Register(devfs.NullDevice()))

	f, err := r.Open(rootSec(), ioctx, "/null", vfs.ReadOnly|vfs.WriteOnly, 0, 3)
	require.NoError(t, err)

	n, err := f.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestZeroDeviceReadsAllZeroBytes(t *testing.T) {
	r, d, ioctx := newRegistry(t)
	require.NoError(t, d.Register(devfs.ZeroDevice()))

	f, err := r.Open(rootSec(), ioctx, "/zero", vfs.ReadOnly, 0, 3)
	require.NoError(t, err)

	buf := []byte{1, 2, 3, 4}
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)
}

func TestRAMBlockDeviceRoutesThroughBlockCache(t *testing.T) {
	idle := proc.NewIdleThread()
	s := sched.New(logr.Discard(), idle.Thread)
	dev, err := devbadger.OpenInMemory(logr.Discard(), "ram0")
	require.NoError(t, err)
	cache, err := bcache.New(logr.Discard(), s, dev, 512)
	require.NoError(t, err)

	r, d, ioctx := newRegistry(t)
	require.NoError(t, d.Register(devfs.RAMBlockDevice("ram0", cache)))

	f, err := r.Open(rootSec(), ioctx, "/ram0", vfs.ReadOnly|vfs.WriteOnly, 0, 3)
	require.NoError(t, err)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := f.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, 512, n)

	f2, err := r.Open(rootSec(), ioctx, "/ram0", vfs.ReadOnly, 0, 4)
	require.NoError(t, err)
	readBack := make([]byte, 512)
	n, err = f2.Read(readBack)
	require.NoError(t, err)
	assert.Equal(t, 512, n)
	assert.Equal(t, payload, readBack)
}

func TestLookupAfterUnregisterReturnsENOENT(t *testing.T) {
	d := devfs.New(logr.Discard())
	null := devfs.NullDevice()
	require.NoError(t, d.Register(null))
	require.NoError(t, d.Unregister(null))

	r := vfs.NewRegistry(logr.Discard())
	root, err := r.MountRoot(d.Type(), nil, 0)
	require.NoError(t, err)
	ioctx := vfs.NewIOContext(root, 0)

	_, _, lerr := r.Lookup(rootSec(), ioctx, "/null")
	assert.ErrorIs(t, lerr, kernelerrors.ENOENT, "unregistering must also remove the name from the directory")
}
