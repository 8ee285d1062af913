// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package vfs

// Mode is a file mode: permission triples plus a type field, numerically
// compatible with the conventional octal layout (spec §6 "File mode
// bits").
type Mode uint16

const (
	OwnerRead Mode = 0000400
	OwnerWrite Mode = 0000200
	OwnerExec Mode = 0000100

	GroupRead  Mode = 0000040
	GroupWrite Mode = 0000020
	GroupExec  Mode = 0000010

	WorldRead  Mode = 0000004
	WorldWrite Mode = 0000002
	WorldExec  Mode = 0000001

	Sticky Mode = 0001000
	SetGID Mode = 0002000
	SetUID Mode = 0004000
)

// Type is the node-type field packed into the high bits of a Mode.
type Type Mode

const (
	TypeFIFO      Type = 0010000
	TypeCharDev   Type = 0020000
	TypeDirectory Type = 0040000
	TypeBlockDev  Type = 0060000
	TypeRegular   Type = 0100000
	TypeSymlink   Type = 0120000
	TypeSocket    Type = 0140000

	typeMask Mode = 0170000
)

func (m Mode) Type() Type { return Type(m & typeMask) }

func (m Mode) IsDirectory() bool { return m.Type() == TypeDirectory }
func (m Mode) IsRegular() bool   { return m.Type() == TypeRegular }
func (m Mode) IsCharDevice() bool { return m.Type() == TypeCharDev }
func (m Mode) IsBlockDevice() bool { return m.Type() == TypeBlockDev }
func (m Mode) IsFIFO() bool    { return m.Type() == TypeFIFO }
func (m Mode) IsSymlink() bool { return m.Type() == TypeSymlink }
func (m Mode) IsSocket() bool  { return m.Type() == TypeSocket }

// SecContext is a process's real/effective/saved user and group
// identifiers, used for permission checks (spec's security context).
type SecContext struct {
	RUID, EUID, SUID uint32
	RGID, EGID, SGID uint32
}

func (c SecContext) IsRoot() bool { return c.EUID == 0 }

// CanAccessINode reports whether sec has accessMode (one or more of the
// World* bits ORed together) permission on a node with the given mode,
// uid and gid.
func CanAccessINode(accessMode Mode, mode Mode, uid, gid uint32, sec SecContext) bool {
	if sec.IsRoot() {
		return true
	}

	var have Mode
	switch {
	case sec.EUID == uid:
		have = (mode >> 6) & 0007
	case sec.EGID == gid:
		have = (mode >> 3) & 0007
	default:
		have = mode & 0007
	}

	want := (accessMode & 0007)
	return have&want == want
}
