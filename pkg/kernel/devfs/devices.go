// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package devfs

import (
	"github.com/chaffkernel/chaff/pkg/kernel/bcache"
	"github.com/chaffkernel/chaff/pkg/kernel/vfs"
)

// NullDevice discards every write and returns EOF (a zero-length read)
// for every read, mirroring the conventional /dev/null the source
// kernel's bring-up registers alongside devfs but which the
// distillation only references in passing.
func NullDevice() *Device {
	return &Device{
		Name: "null",
		Mode: vfs.OwnerRead | vfs.OwnerWrite | vfs.GroupRead | vfs.GroupWrite |
			vfs.WorldRead | vfs.WorldWrite | vfs.Mode(vfs.TypeCharDev),
		Ops: DeviceOps{
			Read: func(d *Device, off uint64, buf []byte) (int, error) {
				return 0, nil
			},
			Write: func(d *Device, off uint64, buf []byte) (int, error) {
				return len(buf), nil
			},
		},
	}
}

// ZeroDevice returns an infinite stream of zero bytes on read and
// discards every write, mirroring the conventional /dev/zero.
func ZeroDevice() *Device {
	return &Device{
		Name: "zero",
		Mode: vfs.OwnerRead | vfs.OwnerWrite | vfs.GroupRead | vfs.GroupWrite |
			vfs.WorldRead | vfs.WorldWrite | vfs.Mode(vfs.TypeCharDev),
		Ops: DeviceOps{
			Read: func(d *Device, off uint64, buf []byte) (int, error) {
				for i := range buf {
					buf[i] = 0
				}
				return len(buf), nil
			},
			Write: func(d *Device, off uint64, buf []byte) (int, error) {
				return len(buf), nil
			},
		},
	}
}

// RAMBlockDevice is a block device backed by an in-memory bcache.Cache
// (spec §4.N "block devices with an attached block cache route read/
// write through the cache"). The DeviceOps Read/Write fields are left
// nil: devfs routes all I/O through BlockCache for block-mode devices
// and never calls them.
func RAMBlockDevice(name string, cache *bcache.Cache) *Device {
	return &Device{
		Name: name,
		Mode: vfs.OwnerRead | vfs.OwnerWrite | vfs.GroupRead | vfs.WorldRead |
			vfs.Mode(vfs.TypeBlockDev),
		BlockCache: cache,
	}
}
