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

package trap

import "rvisor.dev/rvisor/pkg/riscv"

// Trapframe holds a process's user register state while the process is in
// the kernel, plus the kernel-side values the trampoline needs to re-enter
// supervisor mode on the next trap. The trampoline page spills user
// registers here on entry and reloads them on return, so a process's
// registers can be read and modified from the kernel between the two.
//
// The first five fields belong to the kernel and are refreshed by
// UserTrapReturn on every return to user space.
type Trapframe struct {
	// KernelSATP is the satp value to install when the next trap switches
	// back to the kernel: the kernel page table, or the process's
	// kernel-shadow table when one is in use.
	KernelSATP uint64

	// KernelSP is the top of the process's kernel stack.
	KernelSP riscv.VirtAddr

	// KernelTrap is the kernel-text address of the user trap service
	// routine, where the trampoline jumps after the page-table switch.
	KernelTrap riscv.VirtAddr

	// EPC is the saved user program counter. Trap entry copies sepc
	// here; the return path copies it back.
	EPC riscv.VirtAddr

	// KernelHartID identifies the hart the process last ran on.
	KernelHartID uint64

	// User integer registers, in RISC-V ABI order.
	RA  uint64
	SP  uint64
	GP  uint64
	TP  uint64
	T0  uint64
	T1  uint64
	T2  uint64
	S0  uint64
	S1  uint64
	A0  uint64
	A1  uint64
	A2  uint64
	A3  uint64
	A4  uint64
	A5  uint64
	A6  uint64
	A7  uint64
	S2  uint64
	S3  uint64
	S4  uint64
	S5  uint64
	S6  uint64
	S7  uint64
	S8  uint64
	S9  uint64
	S10 uint64
	S11 uint64
	T3  uint64
	T4  uint64
	T5  uint64
	T6  uint64
}
