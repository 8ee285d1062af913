// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Command cow-fork drives the kernel core through a single page's
// worth of copy-on-write fork: a process maps a writable region,
// faults a page into it, forks, and each side writes its own byte
// through the resulting read-only-then-duplicated page-table entry.
package main

import (
	"fmt"
	"os"

	"github.com/chaffkernel/chaff/pkg/kernel/boot"
	"github.com/chaffkernel/chaff/pkg/kernel/config"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/addrspace"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/pagefault"
	"github.com/chaffkernel/chaff/pkg/kernel/proc"
	"github.com/go-logr/logr"
)

const (
	regionStart = 0x10000
	regionEnd   = 0x11000
)

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "cow-fork:", err)
	os.Exit(1)
}

func readByte(sys *boot.System, ctx *addrspace.Context, addr uintptr) byte {
	pte, ok := sys.Paging.Lookup(ctx.Directory(), addr&^0xFFF)
	if !ok {
		fatal(fmt.Errorf("no mapping at %#x", addr))
	}
	return sys.Phys.FrameBytes(pte.Frame)[addr&0xFFF]
}

func writeByte(sys *boot.System, ctx *addrspace.Context, thread *proc.Thread, addr uintptr, value byte) {
	pte, ok := sys.Paging.Lookup(ctx.Directory(), addr&^0xFFF)
	needsFault := !ok || !pte.Flags.Writable
	if needsFault {
		err := sys.PageFault.Handle(ctx, thread, addr, pagefault.ErrorCode{
			Present: ok,
			Write:   true,
			User:    true,
		})
		if err != nil {
			fatal(err)
		}
		pte, ok = sys.Paging.Lookup(ctx.Directory(), addr&^0xFFF)
		if !ok {
			fatal(fmt.Errorf("page fault handler left %#x unmapped", addr))
		}
	}
	sys.Phys.FrameBytes(pte.Frame)[addr&0xFFF] = value
}

func main() {
	sys, err := boot.NewSystem(logr.Discard(), config.KernelConfig{})
	if err != nil {
		fatal(err)
	}
	defer sys.Close()

	parent := sys.Proc.CreateProcess("cow-fork-parent", sys.Proc.KernelProcess())
	parent.MemContext = sys.AddrSpace.CreateBlank()

	if _, err := sys.AddrSpace.RegionCreate(parent.MemContext, regionStart, regionEnd-regionStart, addrspace.Flags{
		Readable: true,
		Writable: true,
	}); err != nil {
		fatal(err)
	}

	parentThread := sys.Proc.CreateUserThread("cow-fork-parent", parent, 0, 0)

	writeByte(sys, parent.MemContext, parentThread, regionStart, 0xAA)
	fmt.Printf("parent wrote 0xAA at %#x, refcount=%d\n", regionStart, framesRefCount(sys, parent.MemContext, regionStart))

	childProc, err := sys.Proc.Fork(parentThread, 0, 0)
	if err != nil {
		fatal(err)
	}
	childThreadElem := childProc.Threads.Front()
	if childThreadElem == nil {
		fatal(fmt.Errorf("fork produced no child thread"))
	}
	childThread := childThreadElem.Value

	fmt.Printf("forked child pid=%d, shared frame refcount=%d\n", childProc.ID, framesRefCount(sys, parent.MemContext, regionStart))

	writeByte(sys, childProc.MemContext, childThread, regionStart, 0xBB)

	parentByte := readByte(sys, parent.MemContext, regionStart)
	childByte := readByte(sys, childProc.MemContext, regionStart)
	fmt.Printf("after child write: parent reads %#x, child reads %#x\n", parentByte, childByte)

	if parentByte != 0xAA || childByte != 0xBB {
		fatal(fmt.Errorf("copy-on-write isolation violated: parent=%#x child=%#x", parentByte, childByte))
	}

	sys.Proc.ExitProcess(childThread, 0)
	fmt.Printf("child exited, pre-fork frame refcount=%d\n", framesRefCount(sys, parent.MemContext, regionStart))

	sys.Proc.ExitProcess(parentThread, 0)
	fmt.Println("parent exited; both memory contexts torn down")
}

func framesRefCount(sys *boot.System, ctx *addrspace.Context, addr uintptr) uint32 {
	pte, ok := sys.Paging.Lookup(ctx.Directory(), addr&^0xFFF)
	if !ok {
		return 0
	}
	return sys.Phys.RefCount(pte.Frame)
}
