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

	"github.com/chaffkernel/chaff/pkg/kernel/vfs"
	"github.com/stretchr/testify/assert"
)

func TestRootBypassesAllPermissionChecks(t *testing.T) {
	sec := vfs.SecContext{EUID: 0}
	assert.True(t, vfs.CanAccessINode(vfs.WorldRead, 0, 99, 99, sec))
}

func TestOwnerCheckedAgainstOwnerBits(t *testing.T) {
	sec := vfs.SecContext{EUID: 5}
	mode := vfs.OwnerRead // owner may read, world may not
	assert.True(t, vfs.CanAccessINode(vfs.WorldRead, mode, 5, 5, sec))
}

func TestGroupCheckedAgainstGroupBitsWhenNotOwner(t *testing.T) {
	sec := vfs.SecContext{EUID: 9, EGID: 5}
	mode := vfs.GroupWrite
	assert.True(t, vfs.CanAccessINode(vfs.WorldWrite, mode, 1, 5, sec))
}

func TestStrangerCheckedAgainstWorldBitsOnly(t *testing.T) {
	sec := vfs.SecContext{EUID: 9, EGID: 9}
	mode := vfs.OwnerRead | vfs.GroupRead // no world bit set
	assert.False(t, vfs.CanAccessINode(vfs.WorldRead, mode, 1, 1, sec))
}

func TestModeTypeDiscriminators(t *testing.T) {
	assert.True(t, vfs.Mode(vfs.TypeDirectory).IsDirectory())
	assert.True(t, vfs.Mode(vfs.TypeRegular).IsRegular())
	assert.True(t, vfs.Mode(vfs.TypeCharDev).IsCharDevice())
	assert.True(t, vfs.Mode(vfs.TypeBlockDev).IsBlockDevice())
}
