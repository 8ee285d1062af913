// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package devfs

import (
	kernelerrors "github.com/chaffkernel/chaff/pkg/errors"
	"github.com/chaffkernel/chaff/pkg/kernel/vfs"
)

// rootMode is the root directory's fixed permission bits: world-
// readable and world-traversable, owned by root (spec's devfs root
// inode, matching the source kernel's DevFsReadINode root case).
const rootMode = vfs.OwnerRead | vfs.OwnerExec | vfs.GroupRead | vfs.GroupExec | vfs.WorldRead | vfs.WorldExec

func (fs *FS) filesystemOps() vfs.FilesystemOps {
	return vfs.FilesystemOps{
		ReadINode: fs.readINode,
		FindInDirectory: func(_ *vfs.Filesystem, parent uint32, name string) (uint32, error) {
			return fs.findInDirectory(parent, name)
		},
	}
}

func (fs *FS) readINode(_ *vfs.Filesystem, node *vfs.INode) error {
	if node.Number == 0 {
		node.Mode = rootMode | vfs.Mode(vfs.TypeDirectory)
		node.Ops = fs.rootDirOps()
		node.UID = 0
		node.GID = 0
		node.Size = 0
		return nil
	}

	d, err := fs.device(node.Number)
	if err != nil {
		return err
	}
	node.Mode = d.Mode
	node.Ops = fs.deviceFileOps()
	node.UID = d.UID
	node.GID = d.GID
	node.Size = 0
	return nil
}

// findInDirectory looks up name among registered devices; devfs has no
// subdirectories, so only parent==0 (the root) ever resolves anything.
func (fs *FS) findInDirectory(parent uint32, name string) (uint32, error) {
	if parent != 0 {
		return 0, kernelerrors.ENOENT
	}

	fs.mu.Lock()
	d, ok := fs.byName.Find([]byte(name))
	fs.mu.Unlock()
	if !ok {
		return 0, kernelerrors.ENOENT
	}
	return d.inode, nil
}

func (fs *FS) rootDirOps() *vfs.FileOps {
	return &vfs.FileOps{
		Readdir: fs.readdir,
	}
}

// readdir enumerates registered devices in inode order starting at
// f.Offset, yielding up to count entries and advancing the offset by
// however many it sent (spec §8 "devfs enumeration" worked example).
func (fs *FS) readdir(f *vfs.File, filler vfs.DirectoryFiller, count int) error {
	if f.INode.Number != 0 {
		return kernelerrors.ENOTDIR
	}

	nodes := fs.sortedINodes()
	toSkip := int(f.Offset)
	sent := 0

	for _, inode := range nodes {
		if sent >= count {
			break
		}
		if toSkip > 0 {
			toSkip--
			continue
		}

		d, err := fs.device(inode)
		if err != nil {
			// Raced with an unregister; skip rather than fail the walk.
			continue
		}
		if err := filler(vfs.DirEntry{INode: inode, Name: d.Name}); err != nil {
			return err
		}
		sent++
	}

	f.Offset += uint64(sent)
	return nil
}

func (fs *FS) deviceFileOps() *vfs.FileOps {
	return &vfs.FileOps{
		Open: func(node *vfs.INode, f *vfs.File) error {
			d, err := fs.device(node.Number)
			if err != nil {
				return err
			}
			if d.Ops.Open == nil {
				return nil
			}
			return d.Ops.Open(d)
		},
		Close: func(f *vfs.File) error {
			d, err := fs.device(f.INode.Number)
			if err != nil {
				// The source kernel does not fail close on a device
				// that vanished underneath an open file.
				return nil
			}
			if d.Ops.Close != nil {
				d.Ops.Close(d)
			}
			return nil
		},
		Read: func(f *vfs.File, buf []byte) (int, error) {
			d, err := fs.device(f.INode.Number)
			if err != nil {
				return 0, err
			}
			if d.BlockCache != nil && d.Mode.IsBlockDevice() {
				if err := d.BlockCache.ReadBuffer(f.Offset, buf); err != nil {
					return 0, err
				}
				return len(buf), nil
			}
			if d.Ops.Read == nil {
				return 0, kernelerrors.ENOSYS
			}
			return d.Ops.Read(d, f.Offset, buf)
		},
		Write: func(f *vfs.File, buf []byte) (int, error) {
			d, err := fs.device(f.INode.Number)
			if err != nil {
				return 0, err
			}
			if d.BlockCache != nil && d.Mode.IsBlockDevice() {
				if err := d.BlockCache.WriteBuffer(f.Offset, buf); err != nil {
					return 0, err
				}
				return len(buf), nil
			}
			if d.Ops.Write == nil {
				return 0, kernelerrors.ENOSYS
			}
			return d.Ops.Write(d, f.Offset, buf)
		},
		Ioctl: func(f *vfs.File, request int, data any) (int, error) {
			d, err := fs.device(f.INode.Number)
			if err != nil {
				return 0, err
			}
			if d.Ops.Ioctl == nil {
				return 0, kernelerrors.ENOTTY
			}
			return d.Ops.Ioctl(d, request, data)
		},
	}
}
