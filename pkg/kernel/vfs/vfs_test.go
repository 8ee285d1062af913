// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package vfs_test

import (
	"testing"

	kernelerrors "github.com/chaffkernel/chaff/pkg/errors"
	"github.com/chaffkernel/chaff/pkg/kernel/vfs"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memNode and memfs are a minimal in-memory FilesystemOps backend used
// only to exercise Registry.Lookup/Open against a real directory tree.
type memNode struct {
	mode     vfs.Mode
	uid, gid uint32
	children map[string]uint32
	data     []byte
}

type memfs struct {
	nodes  map[uint32]*memNode
	nextID uint32
}

func newMemFS() *memfs {
	return &memfs{nodes: make(map[uint32]*memNode), nextID: 1}
}

// addDir adds a real directory entry, complete with the literal "."
// and ".." entries a disk filesystem would maintain — the kernel's
// own ".." handling relies on these to ascend past a mount point
// (see Registry.Lookup).
func (m *memfs) addDir(parent uint32, name string, mode vfs.Mode) uint32 {
	id := m.nextID
	m.nextID++
	m.nodes[id] = &memNode{mode: mode | vfs.Mode(vfs.TypeDirectory), children: make(map[string]uint32)}
	if parent != 0 {
		m.nodes[parent].children[name] = id
		m.nodes[id].children[".."] = parent
	} else {
		m.nodes[id].children[".."] = id
	}
	m.nodes[id].children["."] = id
	return id
}

func (m *memfs) addFile(parent uint32, name string, mode vfs.Mode) uint32 {
	id := m.nextID
	m.nextID++
	m.nodes[id] = &memNode{mode: mode | vfs.Mode(vfs.TypeRegular)}
	m.nodes[parent].children[name] = id
	return id
}

func (m *memfs) ops() vfs.FilesystemOps {
	return vfs.FilesystemOps{
		ReadINode: func(fs *vfs.Filesystem, node *vfs.INode) error {
			n, ok := m.nodes[node.Number]
			if !ok {
				return kernelerrors.ENOENT
			}
			node.Mode = n.mode
			node.UID = n.uid
			node.GID = n.gid
			node.Size = uint64(len(n.data))
			node.Ops = &vfs.FileOps{}
			return nil
		},
		FindInDirectory: func(fs *vfs.Filesystem, parent uint32, name string) (uint32, error) {
			n, ok := m.nodes[parent]
			if !ok {
				return 0, kernelerrors.ENOENT
			}
			child, ok := n.children[name]
			if !ok {
				return 0, kernelerrors.ENOENT
			}
			return child, nil
		},
		Create: func(fs *vfs.Filesystem, parent *vfs.INode, name string, mode vfs.Mode) (uint32, error) {
			return m.addFile(parent.Number, name, mode), nil
		},
	}
}

func mountMemFS(t *testing.T, name string) (*vfs.FilesystemType, *memfs, uint32) {
	t.Helper()
	m := newMemFS()
	root := m.addDir(0, "", vfs.WorldExec|vfs.WorldRead|vfs.OwnerRead|vfs.OwnerWrite|vfs.OwnerExec)
	typ := &vfs.FilesystemType{Name: name}
	typ.Mount = func(fs *vfs.Filesystem) error {
		fs.Ops = m.ops()
		fs.RootINode = root
		return nil
	}
	return typ, m, root
}

func newTestRegistry(t *testing.T) (*vfs.Registry, *memfs, *vfs.IOContext) {
	t.Helper()
	typ, m, root := mountMemFS(t, "memfs-root")

	r := vfs.NewRegistry(logr.Discard())
	_, err := r.MountRoot(typ, nil, 0)
	require.NoError(t, err)

	ioctx := vfs.NewIOContext(r.Root(), root)
	return r, m, ioctx
}

func rootSec() vfs.SecContext { return vfs.SecContext{EUID: 0, EGID: 0} }

func TestLookupResolvesNestedPath(t *testing.T) {
	r, m, ioctx := newTestRegistry(t)
	root := ioctx.CDirINode
	dir := m.addDir(root, "etc", vfs.WorldExec|vfs.WorldRead)
	m.addFile(dir, "passwd", vfs.WorldRead)

	node, _, err := r.Lookup(rootSec(), ioctx, "/etc/passwd")
	require.NoError(t, err)
	assert.True(t, node.Mode.IsRegular())
}

func TestLookupMissingFinalComponentReturnsFileStart(t *testing.T) {
	r, _, ioctx := newTestRegistry(t)

	node, fileStart, err := r.Lookup(rootSec(), ioctx, "/missing")
	assert.Nil(t, node)
	assert.Equal(t, "missing", fileStart)
	assert.ErrorIs(t, err, kernelerrors.ENOENT)
}

func TestLookupMissingIntermediateComponentHasNoFileStart(t *testing.T) {
	r, _, ioctx := newTestRegistry(t)

	_, fileStart, err := r.Lookup(rootSec(), ioctx, "/missing/child")
	assert.Equal(t, "", fileStart)
	assert.ErrorIs(t, err, kernelerrors.ENOENT)
}

func TestLookupTrailingSlashOnDirectoryReturnsEISDIR(t *testing.T) {
	r, m, ioctx := newTestRegistry(t)
	m.addDir(ioctx.CDirINode, "etc", vfs.WorldExec|vfs.WorldRead)

	_, _, err := r.Lookup(rootSec(), ioctx, "/etc/")
	assert.ErrorIs(t, err, kernelerrors.EISDIR)
}

func TestLookupTrailingSlashOnFileReturnsENOTDIR(t *testing.T) {
	r, m, ioctx := newTestRegistry(t)
	m.addFile(ioctx.CDirINode, "passwd", vfs.WorldRead)

	_, _, err := r.Lookup(rootSec(), ioctx, "/passwd/")
	assert.ErrorIs(t, err, kernelerrors.ENOTDIR)
}

func TestLookupDotDotAtGlobalRootIsNoOp(t *testing.T) {
	r, _, ioctx := newTestRegistry(t)

	node, _, err := r.Lookup(rootSec(), ioctx, "/..")
	require.NoError(t, err)
	assert.Equal(t, ioctx.CDirINode, node.Number)
}

func TestLookupCrossesMountPointAndDotDotReturnsToParent(t *testing.T) {
	r, m, ioctx := newTestRegistry(t)
	mntNode := m.addDir(ioctx.CDirINode, "mnt", vfs.WorldExec|vfs.WorldRead)

	onto, _, err := r.Lookup(rootSec(), ioctx, "/mnt")
	require.NoError(t, err)

	subTyp, subFS, subRoot := mountMemFS(t, "memfs-sub")
	subFS.addFile(subRoot, "foo", vfs.WorldRead)
	_, err = r.Mount(subTyp, "disk1", r.Root(), onto, 0)
	require.NoError(t, err)
	_ = mntNode

	node, _, err := r.Lookup(rootSec(), ioctx, "/mnt/foo")
	require.NoError(t, err, "lookup must cross into the mounted filesystem's root, not search /mnt in the root fs")
	assert.True(t, node.Mode.IsRegular())

	dotdot, _, err := r.Lookup(rootSec(), ioctx, "/mnt/..")
	require.NoError(t, err)
	assert.Equal(t, ioctx.CDirINode, dotdot.Number, "'..' at a mounted filesystem's root must cross back to the parent mount")
}

func TestLookupComponentExceedingNameMaxFails(t *testing.T) {
	r, _, ioctx := newTestRegistry(t)
	long := make([]byte, vfs.NameMax+1)
	for i := range long {
		long[i] = 'a'
	}
	_, _, err := r.Lookup(rootSec(), ioctx, "/"+string(long))
	assert.ErrorIs(t, err, kernelerrors.ENAMETOOLONG)
}

func TestOpenCreateMakesRegularFile(t *testing.T) {
	r, _, ioctx := newTestRegistry(t)

	f, err := r.Open(rootSec(), ioctx, "/new.txt", vfs.ReadOnly|vfs.WriteOnly|vfs.Create, vfs.OwnerRead|vfs.OwnerWrite, 3)
	require.NoError(t, err)
	assert.True(t, f.INode.Mode.IsRegular())
}

func TestOpenCreateInRootDirectorySucceeds(t *testing.T) {
	// parentPath("/top.txt") is "/", and looking up a bare directory
	// path always resolves through the trailing-slash branch, which
	// reports EISDIR alongside a valid node — Open must treat that as
	// success, not propagate it as a failure.
	r, _, ioctx := newTestRegistry(t)

	f, err := r.Open(rootSec(), ioctx, "/top.txt", vfs.WriteOnly|vfs.Create, vfs.OwnerWrite, 3)
	require.NoError(t, err)
	assert.True(t, f.INode.Mode.IsRegular())
}

func TestOpenExclusiveOnExistingFileFails(t *testing.T) {
	r, m, ioctx := newTestRegistry(t)
	m.addFile(ioctx.CDirINode, "exists.txt", vfs.WorldRead|vfs.WorldWrite)

	_, err := r.Open(rootSec(), ioctx, "/exists.txt", vfs.ReadOnly|vfs.Create|vfs.Exclusive, 0, 3)
	assert.ErrorIs(t, err, kernelerrors.EEXIST)
}

func TestOpenDirectoryForWriteFails(t *testing.T) {
	r, m, ioctx := newTestRegistry(t)
	m.addDir(ioctx.CDirINode, "adir", vfs.WorldExec|vfs.WorldRead|vfs.WorldWrite)

	_, err := r.Open(rootSec(), ioctx, "/adir", vfs.WriteOnly, 0, 3)
	assert.ErrorIs(t, err, kernelerrors.EISDIR)
}

func TestOpenRejectsAlreadyReservedDescriptor(t *testing.T) {
	r, m, ioctx := newTestRegistry(t)
	m.addFile(ioctx.CDirINode, "a.txt", vfs.WorldRead)
	m.addFile(ioctx.CDirINode, "b.txt", vfs.WorldRead)

	_, err := r.Open(rootSec(), ioctx, "/a.txt", vfs.ReadOnly, 0, 5)
	require.NoError(t, err)

	_, err = r.Open(rootSec(), ioctx, "/b.txt", vfs.ReadOnly, 0, 5)
	assert.ErrorIs(t, err, kernelerrors.EINVAL)
}

func TestOpenRejectsNeitherReadNorWrite(t *testing.T) {
	r, m, ioctx := newTestRegistry(t)
	m.addFile(ioctx.CDirINode, "a.txt", vfs.WorldRead)

	_, err := r.Open(rootSec(), ioctx, "/a.txt", 0, 0, 3)
	assert.ErrorIs(t, err, kernelerrors.EINVAL)
}

func TestUnmountFailsWhileSubMountExists(t *testing.T) {
	r, m, ioctx := newTestRegistry(t)
	onto := m.addDir(ioctx.CDirINode, "mnt", vfs.WorldExec|vfs.WorldRead)
	ontoNode, _, err := r.Lookup(rootSec(), ioctx, "/mnt")
	require.NoError(t, err)

	subTyp, _, _ := mountMemFS(t, "memfs-sub2")
	_, err = r.Mount(subTyp, "disk2", r.Root(), ontoNode, 0)
	require.NoError(t, err)
	_ = onto

	assert.ErrorIs(t, r.Unmount(r.Root()), kernelerrors.EBUSY)
}

func TestSameDeviceCannotBeMountedTwice(t *testing.T) {
	r, m, ioctx := newTestRegistry(t)
	mnt1 := m.addDir(ioctx.CDirINode, "mnt1", vfs.WorldExec|vfs.WorldRead)
	mnt2 := m.addDir(ioctx.CDirINode, "mnt2", vfs.WorldExec|vfs.WorldRead)
	onto1, _, _ := r.Lookup(rootSec(), ioctx, "/mnt1")
	onto2, _, _ := r.Lookup(rootSec(), ioctx, "/mnt2")

	subTyp, _, _ := mountMemFS(t, "memfs-sub3")
	_, err := r.Mount(subTyp, "shared-disk", r.Root(), onto1, 0)
	require.NoError(t, err)

	_, err = r.Mount(subTyp, "shared-disk", r.Root(), onto2, 0)
	assert.ErrorIs(t, err, kernelerrors.EBUSY)
	_, _ = mnt1, mnt2
}
