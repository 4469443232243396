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

package pagetables

import (
	"fmt"

	"rvisor.dev/rvisor/pkg/cleanup"
	"rvisor.dev/rvisor/pkg/kalloc"
	"rvisor.dev/rvisor/pkg/memlayout"
	"rvisor.dev/rvisor/pkg/physmem"
	"rvisor.dev/rvisor/pkg/riscv"
)

// deviceWindows are the MMIO ranges mapped into the kernel table and,
// individually, into every kernel-shadow table.
var deviceWindows = []struct {
	name string
	pa   riscv.PhysAddr
	size uint64
}{
	{"uart", memlayout.UART0, riscv.PageSize},
	{"virtio", memlayout.Virtio0, riscv.PageSize},
	{"clint", memlayout.CLINT, memlayout.CLINTSize},
	{"plic", memlayout.PLIC, memlayout.PLICSize},
}

// NewKernel builds the global kernel address space: a direct map of the
// device windows, kernel text read-execute, kernel data and the rest of RAM
// read-write, and the trampoline page at the top of the address space. It
// runs once at boot; a failure here is terminal for the caller.
func NewKernel(arena *physmem.Arena, allocator *kalloc.Allocator, img *memlayout.Image) (*PageTables, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	p, err := New(arena, allocator)
	if err != nil {
		return nil, err
	}
	p.kernel = true

	for _, w := range deviceWindows {
		if err := p.Map(riscv.VirtAddr(w.pa), w.size, w.pa, riscv.PTERead|riscv.PTEWrite); err != nil {
			return nil, fmt.Errorf("mapping %s window: %w", w.name, err)
		}
	}
	if err := p.Map(riscv.VirtAddr(memlayout.KernBase), uint64(img.Etext-memlayout.KernBase), memlayout.KernBase, riscv.PTERead|riscv.PTEExec); err != nil {
		return nil, fmt.Errorf("mapping kernel text: %w", err)
	}
	if err := p.Map(riscv.VirtAddr(img.Etext), uint64(img.PhysTop-img.Etext), img.Etext, riscv.PTERead|riscv.PTEWrite); err != nil {
		return nil, fmt.Errorf("mapping kernel data: %w", err)
	}
	if err := p.Map(memlayout.Trampoline, riscv.PageSize, img.TrampolinePhys, riscv.PTERead|riscv.PTEExec); err != nil {
		return nil, fmt.Errorf("mapping trampoline: %w", err)
	}
	return p, nil
}

// NewKernelShadow creates a per-process copy of this kernel table, enabling
// isolated kernel execution per process.
//
// User addresses never leave the lowest top-level slot (they are bounded by
// the PLIC), so the shadow shares the kernel's remaining subtrees by
// copying the root slots above it and rebuilds only the low subtree: the
// device windows are re-mapped individually, and the process's user range
// is inserted later through SyncUserRange.
func (p *PageTables) NewKernelShadow() (*PageTables, error) {
	if !p.kernel {
		panic("pagetables: kernel shadow of non-kernel table")
	}
	s, err := New(p.arena, p.allocator)
	if err != nil {
		return nil, err
	}
	s.shadow = true
	for slot := 1; slot < riscv.EntriesPerTable; slot++ {
		s.slotAt(s.root, slot).Store(p.slotAt(p.root, slot).Load())
	}

	cu := cleanup.Make(func() { s.Release() })
	defer cu.Clean()
	for _, w := range deviceWindows {
		if err := s.Map(riscv.VirtAddr(w.pa), w.size, w.pa, riscv.PTERead|riscv.PTEWrite); err != nil {
			return nil, fmt.Errorf("mapping %s window into shadow: %w", w.name, err)
		}
	}
	cu.Release()
	return s, nil
}

// SyncUserRange mirrors the change of user's size from oldsz to newsz into
// this kernel-shadow table, so kernel code running under the shadow can
// dereference user addresses directly. Mirrored entries alias the same
// frames with user access, write and execute stripped.
//
// A user size reaching the device windows would let process memory shadow
// kernel mappings and is fatal. The user table must be fully mapped in
// [oldsz, newsz); a hole is fatal. An allocation failure leaves the shadow
// synced only up to the failing page and is returned; the caller is
// expected to undo the growth that prompted the sync.
func (s *PageTables) SyncUserRange(user *PageTables, oldsz, newsz uint64) error {
	if !s.shadow {
		panic("pagetables: user-range sync into non-shadow table")
	}
	if newsz >= uint64(memlayout.PLIC) {
		panic(fmt.Sprintf("pagetables: user size %#x reaches the device windows at %#x", newsz, uint64(memlayout.PLIC)))
	}

	for a := riscv.PageRoundUp(oldsz); a < newsz; a += riscv.PageSize {
		va := riscv.VirtAddr(a)
		ue, err := user.Walk(va, false)
		if err != nil {
			panic(fmt.Sprintf("pagetables: sync of unmapped user page %#x", va))
		}
		pte := ue.Load()
		if !pte.Valid() {
			panic(fmt.Sprintf("pagetables: sync of user page %#x: not present", va))
		}
		ke, err := s.Walk(va, true)
		if err != nil {
			return fmt.Errorf("syncing user page %#x: %w", va, err)
		}
		ke.Store(pte &^ riscv.PTE(riscv.PTEUser|riscv.PTEWrite|riscv.PTEExec))
	}

	for a := riscv.PageRoundUp(newsz); a < oldsz; a += riscv.PageSize {
		va := riscv.VirtAddr(a)
		ke, err := s.Walk(va, false)
		if err != nil {
			continue
		}
		ke.Store(ke.Load() &^ riscv.PTE(riscv.PTEValid))
	}
	return nil
}

// Release frees a kernel-shadow table. Only what the shadow owns is
// released: its root and the node frames of the low subtree it built
// itself. Leaves in that subtree alias device windows and user frames
// owned elsewhere, and the shared kernel subtrees are reachable from other
// tables; neither is touched. The table must not be used afterwards.
func (p *PageTables) Release() {
	if !p.shadow {
		panic("pagetables: release of non-shadow table")
	}
	if pte := p.slotAt(p.root, 0).Load(); pte.Kind() == riscv.EntryNodePointer {
		p.releaseNodes(pte.PhysAddr(), riscv.Levels-2)
	}
	p.allocator.Free(p.root)
	p.root = 0
}

// releaseNodes frees the node frames of a shadow-owned subtree, children
// before parents. level is the tree level of node itself; entries of a
// level-0 node are leaves and never followed.
func (p *PageTables) releaseNodes(node riscv.PhysAddr, level int) {
	if level > 0 {
		for slot := 0; slot < riscv.EntriesPerTable; slot++ {
			if pte := p.slotAt(node, slot).Load(); pte.Kind() == riscv.EntryNodePointer {
				p.releaseNodes(pte.PhysAddr(), level-1)
			}
		}
	}
	p.allocator.Free(node)
}
