// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package vfs

// OpenFlag is the bitmask passed to Registry.Open (spec §6 "Open
// flags"), numbered after the original's IO_O_* bit assignment.
type OpenFlag int

const (
	ReadOnly      OpenFlag = 0x01
	WriteOnly     OpenFlag = 0x02
	Create        OpenFlag = 0x04
	Truncate      OpenFlag = 0x08
	Append        OpenFlag = 0x10
	Exclusive     OpenFlag = 0x20
	CloseOnExec   OpenFlag = 0x40
	DirectoryOnly OpenFlag = 0x80

	AllFlags OpenFlag = 0xFF

	// PersistentFlags is the subset of flags retained on the open File
	// description after Open returns; the one-shot Create/Truncate/
	// Exclusive bits are not (spec §4.M "flags masked to the persistent
	// subset"). CloseOnExec is deliberately excluded: it is a
	// per-descriptor property stored in IOContext.descriptorFlags, not
	// part of the shared File description (two dup'd descriptors may
	// disagree on close-on-exec).
	PersistentFlags = ReadOnly | WriteOnly | Append | DirectoryOnly
)

// FSReadOnly marks a Filesystem as mounted read-only (spec's
// IO_MOUNT_RDONLY).
const FSReadOnly = 1

// DupOption configures File-descriptor duplication (spec §6 "dup").
type DupOption int

const (
	// AtLeast requests the first free descriptor >= the requested new
	// fd, rather than exactly that fd.
	AtLeast DupOption = 1 << iota
	// IgnoreSame is a no-op if old == new.
	IgnoreSame
	// DupCloseOnExec sets the close-on-exec bit on the new descriptor.
	DupCloseOnExec
)
