// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package vfs implements filesystem-agnostic path resolution, the mount
// graph, and file-descriptor open (spec §4.M): a byte path is walked
// component by component against whichever IoFilesystemType-like
// backend owns the current inode, crossing mount points transparently.
package vfs

import (
	"fmt"
	"sync"

	kernelerrors "github.com/chaffkernel/chaff/pkg/errors"
	"github.com/go-logr/logr"
)

// NameMax is the maximum byte length of a single path component.
const NameMax = 255

// MaxOpenFiles bounds an IOContext's file-descriptor table.
const MaxOpenFiles = 1024

// INode is a filesystem node: a file, directory, or device.
type INode struct {
	Number uint32
	FS     *Filesystem
	Ops    *FileOps
	Mode   Mode
	UID    uint32
	GID    uint32
	Size   uint64
}

// DirEntry is one record yielded by FileOps.Readdir (spec §6 "Directory
// entry record").
type DirEntry struct {
	INode uint32
	Name  string
}

// DirectoryFiller receives one DirEntry at a time while a directory is
// read; returning an error aborts the scan and is propagated to the
// Readdir caller.
type DirectoryFiller func(entry DirEntry) error

// File is an open file description: refcount, offset, and the
// operations table resolved at open time.
type File struct {
	FS     *Filesystem
	INode  *INode
	Ops    *FileOps
	Flags  OpenFlag
	Offset uint64

	mu       sync.Mutex
	refCount int
}

// FileOps is the operations table attached to an inode (spec's
// IoFileOps). A nil function takes its documented default action.
type FileOps struct {
	Open     func(node *INode, f *File) error
	Close    func(f *File) error
	Read     func(f *File, buf []byte) (int, error)
	Write    func(f *File, buf []byte) (int, error)
	Truncate func(f *File, size uint64) error
	Ioctl    func(f *File, request int, data any) (int, error)
	Readdir  func(f *File, filler DirectoryFiller, count int) error
}

func (ops *FileOps) readAt(f *File, buf []byte) (int, error) {
	if ops == nil || ops.Read == nil {
		return 0, kernelerrors.ENOSYS
	}
	return ops.Read(f, buf)
}

func (ops *FileOps) writeAt(f *File, buf []byte) (int, error) {
	if ops == nil || ops.Write == nil {
		return 0, kernelerrors.ENOSYS
	}
	return ops.Write(f, buf)
}

func (ops *FileOps) truncate(f *File, size uint64) error {
	if ops == nil || ops.Truncate == nil {
		return kernelerrors.ENOSYS
	}
	return ops.Truncate(f, size)
}

func (ops *FileOps) readdir(f *File, filler DirectoryFiller, count int) error {
	if ops == nil || ops.Readdir == nil {
		return kernelerrors.ENOSYS
	}
	return ops.Readdir(f, filler, count)
}

// FilesystemOps is the per-filesystem-instance operations table (spec's
// IoFilesystemOps). ReadINode and FindInDirectory must always be set;
// Unmount and Create may be nil to take their documented defaults.
type FilesystemOps struct {
	Unmount         func(fs *Filesystem) error
	ReadINode       func(fs *Filesystem, node *INode) error
	FindInDirectory func(fs *Filesystem, parent uint32, name string) (uint32, error)
	Create          func(fs *Filesystem, parent *INode, name string, mode Mode) (uint32, error)
}

// FilesystemType is a registered kind of filesystem (e.g. devfs, a disk
// format); Mount constructs a Filesystem instance bound to a device.
type FilesystemType struct {
	Name  string
	Mount func(fs *Filesystem) error
}

// Filesystem is one mounted filesystem instance (spec's IoFilesystem):
// its root inode, its mount table mapping local inode numbers to
// filesystems mounted on them, and a back-pointer to where it is itself
// mounted.
type Filesystem struct {
	Type      *FilesystemType
	Device    any // concrete block/char device backing this fs, or nil
	Ops       FilesystemOps
	RootINode uint32
	Flags     int
	FSData    any

	ParentFS    *Filesystem
	ParentINode uint32

	mu          sync.Mutex
	refCount    int
	mountPoints map[uint32]*Filesystem
}

func newFilesystem(typ *FilesystemType) *Filesystem {
	return &Filesystem{Type: typ, mountPoints: make(map[uint32]*Filesystem)}
}

func (fs *Filesystem) addRef()    { fs.mu.Lock(); fs.refCount++; fs.mu.Unlock() }
func (fs *Filesystem) releaseRef() {
	fs.mu.Lock()
	fs.refCount--
	fs.mu.Unlock()
}

func (fs *Filesystem) readINode(number uint32) (*INode, error) {
	node := &INode{FS: fs, Number: number}
	if err := fs.Ops.ReadINode(fs, node); err != nil {
		return nil, err
	}
	return node, nil
}

func (fs *Filesystem) mountPointAt(inode uint32) (*Filesystem, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	mp, ok := fs.mountPoints[inode]
	return mp, ok
}

// IOContext is a process's filesystem view: its current-directory pair
// and its table of open file descriptors.
type IOContext struct {
	CDirFS    *Filesystem
	CDirINode uint32

	mu               sync.Mutex
	files            [MaxOpenFiles]*File
	descriptorFlags  [MaxOpenFiles]OpenFlag
}

// NewIOContext returns an IOContext rooted at cdirFS/cdirINode.
func NewIOContext(cdirFS *Filesystem, cdirINode uint32) *IOContext {
	return &IOContext{CDirFS: cdirFS, CDirINode: cdirINode}
}

const fdReserved OpenFlag = 0x100 // private bit, never returned to callers

// Registry owns the global root filesystem and the table of registered
// filesystem types (spec's IoFilesystemRoot + type list).
type Registry struct {
	logger logr.Logger

	mu             sync.Mutex
	types          map[string]*FilesystemType
	root           *Filesystem
	mountedDevices map[any]bool
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger logr.Logger) *Registry {
	return &Registry{
		logger:         logger.WithName("vfs"),
		types:          make(map[string]*FilesystemType),
		mountedDevices: make(map[any]bool),
	}
}

// RegisterType adds typ to the registry, failing if a type with the
// same name already exists.
func (r *Registry) RegisterType(typ *FilesystemType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[typ.Name]; exists {
		return fmt.Errorf("vfs: filesystem type %q already registered", typ.Name)
	}
	r.types[typ.Name] = typ
	return nil
}

// FindType looks up a registered filesystem type by name.
func (r *Registry) FindType(name string) (*FilesystemType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.types[name]
	return t, ok
}

// Root returns the mounted root filesystem, or nil if none is mounted.
func (r *Registry) Root() *Filesystem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// MountRoot mounts typ (backed by device, which may be nil for
// special/pseudo filesystems) as the global root.
func (r *Registry) MountRoot(typ *FilesystemType, device any, flags int) (*Filesystem, error) {
	r.mu.Lock()
	if r.root != nil {
		r.mu.Unlock()
		return nil, kernelerrors.EBUSY
	}
	if device != nil && r.mountedDevices[device] {
		r.mu.Unlock()
		return nil, kernelerrors.EBUSY
	}
	r.mu.Unlock()

	fs := newFilesystem(typ)
	fs.Device = device
	fs.Flags = flags
	if err := typ.Mount(fs); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.root = fs
	if device != nil {
		r.mountedDevices[device] = true
	}
	r.mu.Unlock()
	return fs, nil
}

// Mount mounts typ (backed by device) onto the directory identified by
// onto within ontoFS. Fails EBUSY if onto already hosts a mount or
// device is already mounted elsewhere, ENOTDIR if onto is not a
// directory.
func (r *Registry) Mount(typ *FilesystemType, device any, ontoFS *Filesystem, onto *INode, flags int) (*Filesystem, error) {
	if !onto.Mode.IsDirectory() {
		return nil, kernelerrors.ENOTDIR
	}

	r.mu.Lock()
	if device != nil && r.mountedDevices[device] {
		r.mu.Unlock()
		return nil, kernelerrors.EBUSY
	}
	r.mu.Unlock()

	ontoFS.mu.Lock()
	if _, exists := ontoFS.mountPoints[onto.Number]; exists {
		ontoFS.mu.Unlock()
		return nil, kernelerrors.EBUSY
	}
	ontoFS.mu.Unlock()

	fs := newFilesystem(typ)
	fs.Device = device
	fs.Flags = flags
	fs.ParentFS = ontoFS
	fs.ParentINode = onto.Number
	if err := typ.Mount(fs); err != nil {
		return nil, err
	}

	ontoFS.mu.Lock()
	ontoFS.mountPoints[onto.Number] = fs
	ontoFS.mu.Unlock()
	ontoFS.addRef()

	r.mu.Lock()
	if device != nil {
		r.mountedDevices[device] = true
	}
	r.mu.Unlock()
	return fs, nil
}

// Unmount unmounts fs, failing EBUSY if filesystems are mounted on it
// (spec's mount invariants). Open files are not counted: Open takes no
// reference on the filesystem, so files still open on fs do not stop
// the unmount.
func (r *Registry) Unmount(fs *Filesystem) error {
	fs.mu.Lock()
	if len(fs.mountPoints) > 0 || fs.refCount != 0 {
		fs.mu.Unlock()
		return kernelerrors.EBUSY
	}
	fs.mu.Unlock()

	if fs.Ops.Unmount != nil {
		if err := fs.Ops.Unmount(fs); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if fs.Device != nil {
		delete(r.mountedDevices, fs.Device)
	}
	if fs == r.root {
		r.root = nil
		return nil
	}
	if fs.ParentFS != nil {
		fs.ParentFS.mu.Lock()
		delete(fs.ParentFS.mountPoints, fs.ParentINode)
		fs.ParentFS.mu.Unlock()
		fs.ParentFS.releaseRef()
	}
	return nil
}

// splitComponent returns the next path component (possibly empty) and
// the remainder of path starting at the following '/' or at the end.
func splitComponent(path string) (component, rest string, tooLong bool) {
	i := 0
	for i < len(path) && path[i] != '/' {
		if i == NameMax {
			return "", "", true
		}
		i++
	}
	return path[:i], path[i:], false
}

// Lookup resolves path to an inode, starting from the root filesystem
// (absolute paths) or ioctx's current directory (relative paths), per
// spec §4.M. On ENOENT at the final component, fileStart names the
// missing component so a create-capable caller can recover.
func (r *Registry) Lookup(sec SecContext, ioctx *IOContext, path string) (node *INode, fileStart string, err error) {
	if path == "" {
		return nil, "", kernelerrors.ENOENT
	}

	var fs *Filesystem
	var inode uint32
	if path[0] == '/' {
		root := r.Root()
		if root == nil {
			return nil, "", kernelerrors.ENOENT
		}
		fs, inode = root, root.RootINode
		path = path[1:]
	} else {
		fs, inode = ioctx.CDirFS, ioctx.CDirINode
	}

	node, err = fs.readINode(inode)
	if err != nil {
		return nil, "", err
	}
	if !CanAccessINode(WorldExec, node.Mode, node.UID, node.GID, sec) {
		return nil, "", kernelerrors.EACCES
	}

	for {
		var comp string
		var tooLong bool
		comp, path, tooLong = splitComponent(path)
		if tooLong {
			return nil, "", kernelerrors.ENAMETOOLONG
		}

		if comp == "" {
			if path == "" {
				// Trailing slash: the resolved node must be a directory.
				if node.Mode.IsDirectory() {
					return node, "", kernelerrors.EISDIR
				}
				return nil, "", kernelerrors.ENOTDIR
			}
			// Collapse a run of slashes.
			path = path[1:]
			continue
		}

		if !node.Mode.IsDirectory() {
			return nil, "", kernelerrors.ENOTDIR
		}

		if comp == "." {
			if len(path) == 0 {
				return node, "", nil
			}
			path = path[1:]
			continue
		}

		if comp == ".." && inode == fs.RootINode {
			if fs.ParentFS == nil {
				// Global root: nowhere to go.
				if len(path) == 0 {
					return node, "", nil
				}
				path = path[1:]
				continue
			}
			// Cross to the underlying filesystem at the mount point,
			// then fall through to find_in_directory below so the
			// host filesystem's own ".." entry carries us the rest of
			// the way up (spec example: lookup("/mnt/..") == lookup("/")).
			inode = fs.ParentINode
			fs = fs.ParentFS
			node, err = fs.readINode(inode)
			if err != nil {
				return nil, "", err
			}
			if !CanAccessINode(WorldExec, node.Mode, node.UID, node.GID, sec) {
				return nil, "", kernelerrors.EACCES
			}
		}

		next, ferr := fs.Ops.FindInDirectory(fs, inode, comp)
		if ferr == kernelerrors.ENOENT {
			if len(path) == 0 {
				return nil, comp, kernelerrors.ENOENT
			}
			return nil, "", kernelerrors.ENOENT
		}
		if ferr != nil {
			// Any other find_in_directory error terminates the walk
			// with that error.
			return nil, "", ferr
		}
		inode = next

		if mp, ok := fs.mountPointAt(inode); ok {
			fs = mp
			inode = mp.RootINode
		}

		node, err = fs.readINode(inode)
		if err != nil {
			return nil, "", err
		}
		if node.Mode.IsDirectory() && !CanAccessINode(WorldExec, node.Mode, node.UID, node.GID, sec) {
			return nil, "", kernelerrors.EACCES
		}

		if len(path) == 0 {
			return node, "", nil
		}
		path = path[1:]
	}
}

// Open resolves path and returns a new File, reserving fd in ioctx
// (spec §4.M open()).
func (r *Registry) Open(sec SecContext, ioctx *IOContext, path string, flags OpenFlag, mode Mode, fd int) (*File, error) {
	if fd < 0 || fd >= MaxOpenFiles {
		return nil, kernelerrors.EINVAL
	}

	ioctx.mu.Lock()
	if ioctx.files[fd] != nil || ioctx.descriptorFlags[fd]&fdReserved != 0 {
		ioctx.mu.Unlock()
		return nil, kernelerrors.EINVAL
	}
	ioctx.descriptorFlags[fd] = fdReserved
	ioctx.mu.Unlock()

	release := func() {
		ioctx.mu.Lock()
		ioctx.descriptorFlags[fd] = 0
		ioctx.mu.Unlock()
	}

	flags &= AllFlags
	if flags&(ReadOnly|WriteOnly) == 0 {
		release()
		return nil, kernelerrors.EINVAL
	}
	if flags&WriteOnly == 0 {
		flags &^= Truncate
	}

	node, fileStart, err := r.Lookup(sec, ioctx, path)
	resolved := err == nil || err == kernelerrors.EISDIR

	switch err {
	case nil, kernelerrors.EISDIR:
		// DirectoryOnly can only be satisfied via the trailing-slash
		// (EISDIR) resolution, even when node already is a directory
		// without one — a detail the distilled open() description
		// leaves silent; followed from the original's literal case
		// split (see DESIGN.md).
		if err == nil && flags&DirectoryOnly != 0 {
			release()
			return nil, kernelerrors.ENOTDIR
		}
		if err == kernelerrors.EISDIR {
			flags |= DirectoryOnly
		}

	case kernelerrors.ENOENT:
		if fileStart == "" || flags&Create == 0 {
			release()
			return nil, kernelerrors.ENOENT
		}
		if flags&DirectoryOnly != 0 {
			release()
			return nil, kernelerrors.ENOTDIR
		}

		// parentPath of a top-level name (e.g. "/new.txt") is "/",
		// whose own lookup always resolves through the trailing-slash
		// branch and reports EISDIR alongside the valid node — that
		// is confirmation the parent is a directory, not a failure.
		parent, _, perr := r.Lookup(sec, ioctx, parentPath(path))
		if perr != nil && perr != kernelerrors.EISDIR {
			release()
			return nil, perr
		}
		if !CanAccessINode(WorldWrite, parent.Mode, parent.UID, parent.GID, sec) {
			release()
			return nil, kernelerrors.EACCES
		}
		if parent.FS.Flags&FSReadOnly != 0 {
			release()
			return nil, kernelerrors.EROFS
		}
		if parent.FS.Ops.Create == nil {
			release()
			return nil, kernelerrors.ENOSYS
		}

		newMode := (mode &^ Mode(typeMask)) | Mode(TypeRegular)
		newNumber, cerr := parent.FS.Ops.Create(parent.FS, parent, fileStart, newMode)
		if cerr != nil {
			release()
			return nil, cerr
		}
		node, err = parent.FS.readINode(newNumber)
		if err != nil {
			release()
			return nil, err
		}
		node.Mode |= OwnerRead | OwnerWrite | OwnerExec | GroupRead | GroupWrite | GroupExec | WorldRead | WorldWrite | WorldExec

	default:
		release()
		return nil, err
	}

	// Spec §4.M open(): "Success on a directory with open-for-write ->
	// EISDIR" — applies uniformly, not only to the trailing-slash case.
	if resolved && node.Mode.IsDirectory() && flags&WriteOnly != 0 {
		release()
		return nil, kernelerrors.EISDIR
	}
	// Spec §4.M open(): "Success with create+exclusive -> EEXIST."
	if resolved && flags&Create != 0 && flags&Exclusive != 0 {
		release()
		return nil, kernelerrors.EEXIST
	}

	if node.Mode.IsSymlink() || node.Mode.IsFIFO() || node.Mode.IsSocket() {
		release()
		return nil, kernelerrors.ENOSYS
	}
	if node.FS.Flags&FSReadOnly != 0 && flags&WriteOnly != 0 {
		release()
		return nil, kernelerrors.EROFS
	}

	want := Mode(0)
	if flags&ReadOnly != 0 {
		want |= WorldRead
	}
	if flags&WriteOnly != 0 {
		want |= WorldWrite
	}
	if !CanAccessINode(want, node.Mode, node.UID, node.GID, sec) {
		release()
		return nil, kernelerrors.EACCES
	}

	f := &File{FS: node.FS, INode: node, Ops: node.Ops, Flags: flags & PersistentFlags, refCount: 1}
	if node.Ops != nil && node.Ops.Open != nil {
		if oerr := node.Ops.Open(node, f); oerr != nil {
			release()
			return nil, oerr
		}
	}
	if flags&Truncate != 0 {
		if terr := f.Ops.truncate(f, 0); terr != nil {
			release()
			return nil, terr
		}
	}

	ioctx.mu.Lock()
	ioctx.files[fd] = f
	ioctx.descriptorFlags[fd] = flags & CloseOnExec
	ioctx.mu.Unlock()
	return f, nil
}

func parentPath(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i < 0 {
		return "."
	}
	if i == 0 {
		return "/"
	}
	return path[:i]
}

// Read reads up to len(buf) bytes from f, advancing its offset (spec's
// partial-I/O legality: the return count may be less than len(buf)).
func (f *File) Read(buf []byte) (int, error) {
	n, err := f.Ops.readAt(f, buf)
	f.Offset += uint64(n)
	return n, err
}

// Write writes buf to f, advancing its offset.
func (f *File) Write(buf []byte) (int, error) {
	n, err := f.Ops.writeAt(f, buf)
	f.Offset += uint64(n)
	return n, err
}

// Readdir yields up to count directory entries starting at f's current
// offset, advancing it by whatever the underlying filesystem consumed.
func (f *File) Readdir(filler DirectoryFiller, count int) error {
	return f.Ops.readdir(f, filler, count)
}

// Close releases one reference to f, invoking the underlying Close op
// only when the last reference is dropped.
func (f *File) Close() error {
	f.mu.Lock()
	f.refCount--
	last := f.refCount == 0
	f.mu.Unlock()
	if !last {
		return nil
	}
	if f.Ops != nil && f.Ops.Close != nil {
		return f.Ops.Close(f)
	}
	return nil
}

// Dup increments f's refcount, used for fork/dup (spec §6 dup options).
func (f *File) Dup() *File {
	f.mu.Lock()
	f.refCount++
	f.mu.Unlock()
	return f
}
