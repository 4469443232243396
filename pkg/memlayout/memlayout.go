// Copyright 2024 The rvisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memlayout describes the physical and virtual memory layout of the
// modeled machine, which follows the qemu -machine virt board:
//
//	00001000 -- boot ROM
//	02000000 -- CLINT (core-local interruptor: timer registers)
//	0c000000 -- PLIC (platform-level interrupt controller)
//	10000000 -- UART0
//	10001000 -- virtio disk
//	80000000 -- kernel image, then RAM through PhysTop
//
// The kernel places the trampoline page at the very top of the virtual
// address space, with the per-process trapframe page just below it.
package memlayout

import (
	"fmt"

	"rvisor.dev/rvisor/pkg/riscv"
)

// Device registers and their interrupt numbers.
const (
	// UART0 is the base of the 16550 UART register window.
	UART0 = riscv.PhysAddr(0x10000000)

	// UART0IRQ is the UART's interrupt number at the PLIC.
	UART0IRQ = 10

	// Virtio0 is the base of the virtio MMIO disk window.
	Virtio0 = riscv.PhysAddr(0x10001000)

	// Virtio0IRQ is the disk's interrupt number at the PLIC.
	Virtio0IRQ = 1

	// CLINT is the base of the core-local interruptor, which holds the
	// machine-mode timer compare and time registers.
	CLINT = riscv.PhysAddr(0x02000000)

	// CLINTSize is the size of the mapped CLINT window.
	CLINTSize = 0x10000

	// PLIC is the base of the platform-level interrupt controller.
	PLIC = riscv.PhysAddr(0x0c000000)

	// PLICSize is the size of the mapped PLIC window.
	PLICSize = 0x400000
)

// Kernel physical layout.
const (
	// KernBase is where the kernel image starts; RAM spans from here to
	// PhysTop.
	KernBase = riscv.PhysAddr(0x80000000)

	// DefaultPhysTop is the default top of physical memory: 128 MB of RAM.
	DefaultPhysTop = KernBase + 128<<20
)

// Kernel virtual layout.
const (
	// Trampoline is the virtual address of the trap trampoline page,
	// mapped at the highest page in both user and kernel address spaces.
	Trampoline = riscv.MaxVA - riscv.PageSize

	// Trapframe is the virtual address of the per-process trapframe page,
	// mapped just below the trampoline in each user address space.
	Trapframe = Trampoline - riscv.PageSize
)

// MTimeCmp returns the physical address of the given hart's machine timer
// compare register within the CLINT.
func MTimeCmp(hart int) riscv.PhysAddr {
	return CLINT + 0x4000 + riscv.PhysAddr(8*hart)
}

// MTime is the physical address of the machine time register within the
// CLINT.
const MTime = CLINT + 0xbff8

// KernelStack returns the virtual address of the i'th kernel stack. Each
// stack is one page, placed below the trampoline with an unmapped guard page
// beneath it.
func KernelStack(i int) riscv.VirtAddr {
	return Trampoline - riscv.VirtAddr(i+1)*2*riscv.PageSize
}

// Image locates the pieces of the loaded kernel image in physical memory.
// The modeled kernel has no linker to provide these as symbols, so boot code
// fills them in when it lays out the arena.
type Image struct {
	// Etext is the end of kernel text, page-aligned. [KernBase, Etext) is
	// mapped read-execute; [Etext, PhysTop) read-write.
	Etext riscv.PhysAddr

	// End is the first byte after the kernel image. Frames from here up
	// to PhysTop belong to the frame allocator.
	End riscv.PhysAddr

	// PhysTop is the top of physical memory.
	PhysTop riscv.PhysAddr

	// TrampolinePhys is the physical frame holding the trampoline code,
	// inside kernel text.
	TrampolinePhys riscv.PhysAddr

	// KernelVec is the kernel-mode trap vector. It lives in kernel text,
	// which is direct-mapped, so its virtual and physical addresses
	// coincide.
	KernelVec riscv.VirtAddr

	// UserTrapService is the kernel-text address of the user trap
	// service routine. The trap return path records it in each
	// trapframe so the trampoline knows where to jump after switching
	// to the kernel page table.
	UserTrapService riscv.VirtAddr

	// UserVecOffset and UserRetOffset locate the user-mode trap entry and
	// exit code within the trampoline page.
	UserVecOffset uint64
	UserRetOffset uint64
}

// UserVec returns the virtual address of the user-mode trap entry point, as
// seen through the trampoline mapping.
func (img *Image) UserVec() riscv.VirtAddr {
	return Trampoline + riscv.VirtAddr(img.UserVecOffset)
}

// UserRet returns the virtual address of the user-mode return sequence, as
// seen through the trampoline mapping.
func (img *Image) UserRet() riscv.VirtAddr {
	return Trampoline + riscv.VirtAddr(img.UserRetOffset)
}

// Validate checks that the image lies inside RAM in the expected order.
func (img *Image) Validate() error {
	if !img.Etext.IsPageAligned() || !img.End.IsPageAligned() || !img.PhysTop.IsPageAligned() {
		return fmt.Errorf("image boundaries not page-aligned: etext=%#x end=%#x top=%#x", img.Etext, img.End, img.PhysTop)
	}
	if img.Etext < KernBase || img.End < img.Etext || img.PhysTop < img.End {
		return fmt.Errorf("image boundaries out of order: etext=%#x end=%#x top=%#x", img.Etext, img.End, img.PhysTop)
	}
	if img.TrampolinePhys < KernBase || img.TrampolinePhys >= img.Etext {
		return fmt.Errorf("trampoline %#x outside kernel text [%#x, %#x)", img.TrampolinePhys, KernBase, img.Etext)
	}
	if img.UserVecOffset >= riscv.PageSize || img.UserRetOffset >= riscv.PageSize {
		return fmt.Errorf("trampoline offsets out of range: uservec=%#x userret=%#x", img.UserVecOffset, img.UserRetOffset)
	}
	return nil
}
