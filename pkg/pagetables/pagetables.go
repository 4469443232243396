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

// Package pagetables provides a three-level Sv39 page-table implementation.
//
// Tables are stored bit-exactly inside arena frames obtained from the frame
// allocator, so the in-memory representation is precisely what the modeled
// hardware would walk. Corruption of table structure is always fatal:
// recovery is not semantically possible once translation state is
// inconsistent.
package pagetables

import (
	"errors"
	"fmt"

	"rvisor.dev/rvisor/pkg/kalloc"
	"rvisor.dev/rvisor/pkg/physmem"
	"rvisor.dev/rvisor/pkg/riscv"
)

// ErrNotMapped indicates a walk that found no translation and was not
// allowed to create one.
var ErrNotMapped = errors.New("virtual address not mapped")

// PageTables is one Sv39 translation tree: the kernel's table, a process's
// user table, or a process's kernel-shadow table.
//
// A table is not internally synchronized. At most one execution context may
// mutate a given table at a time; the kernel's shared table is mutated only
// during boot.
type PageTables struct {
	arena     *physmem.Arena
	allocator *kalloc.Allocator

	// root is the frame holding the top-level node.
	root riscv.PhysAddr

	// kernel marks the global kernel table, which is created once at boot
	// and never freed.
	kernel bool

	// shadow marks a per-process kernel-shadow table. Its root slots
	// above zero borrow subtrees from the global kernel table, so only
	// the low subtree is freed on Release.
	shadow bool
}

// New creates an empty address space: a single zeroed top-level node.
func New(arena *physmem.Arena, allocator *kalloc.Allocator) (*PageTables, error) {
	root, err := allocator.Alloc()
	if err != nil {
		return nil, err
	}
	arena.ZeroPage(root)
	return &PageTables{
		arena:     arena,
		allocator: allocator,
		root:      root,
	}, nil
}

// Root returns the frame holding the top-level node, suitable for encoding
// into satp.
func (p *PageTables) Root() riscv.PhysAddr {
	return p.root
}

// Entry is a validated reference to one page-table slot, named by the frame
// holding the node and the slot index rather than by a raw pointer. Loads
// and stores through an Entry are bounds-checked against the arena.
type Entry struct {
	pt   *PageTables
	node riscv.PhysAddr
	slot int
}

func (p *PageTables) slotAt(node riscv.PhysAddr, slot int) Entry {
	return Entry{pt: p, node: node, slot: slot}
}

func (e Entry) addr() riscv.PhysAddr {
	if e.pt == nil || e.slot < 0 || e.slot >= riscv.EntriesPerTable {
		panic(fmt.Sprintf("pagetables: use of invalid entry reference (node %#x, slot %d)", e.node, e.slot))
	}
	return e.node + riscv.PhysAddr(8*e.slot)
}

// Load reads the slot's PTE.
func (e Entry) Load() riscv.PTE {
	pa := e.addr()
	return riscv.PTE(e.pt.arena.ReadWord(pa))
}

// Store writes the slot's PTE.
func (e Entry) Store(pte riscv.PTE) {
	pa := e.addr()
	e.pt.arena.WriteWord(pa, uint64(pte))
}

// Walk descends the table to the level-0 slot for va, returning a reference
// to it. If create is true, missing intermediate nodes are allocated and
// zeroed along the way; otherwise a missing node fails with ErrNotMapped.
// An allocation failure is returned as the allocator's error.
//
// A va at or beyond MaxVA is fatal, as is a leaf mapping found at a
// non-terminal level: both indicate corrupted kernel state.
func (p *PageTables) Walk(va riscv.VirtAddr, create bool) (Entry, error) {
	if va >= riscv.MaxVA {
		panic(fmt.Sprintf("pagetables: walk of virtual address %#x beyond MaxVA", va))
	}
	node := p.root
	for level := riscv.Levels - 1; level > 0; level-- {
		e := p.slotAt(node, va.Index(level))
		pte := e.Load()
		switch pte.Kind() {
		case riscv.EntryNodePointer:
			node = pte.PhysAddr()
		case riscv.EntryLeafMapping:
			panic(fmt.Sprintf("pagetables: leaf entry at level %d for %#x (pte %#x)", level, va, uint64(pte)))
		default:
			if !create {
				return Entry{}, ErrNotMapped
			}
			child, err := p.allocator.Alloc()
			if err != nil {
				return Entry{}, err
			}
			p.arena.ZeroPage(child)
			e.Store(riscv.MakePTE(child, riscv.PTEValid))
			node = child
		}
	}
	return p.slotAt(node, va.Index(0)), nil
}

// Map establishes leaf mappings for the range [va, va+size) onto physical
// addresses starting at pa, in page-size steps. va and size need not be
// page-aligned. flags need not include the valid bit.
//
// Mapping over an already-valid entry is fatal: mappings are never silently
// replaced. On an allocation failure the error is returned and pages
// already mapped stay mapped; the caller owns any cleanup.
func (p *PageTables) Map(va riscv.VirtAddr, size uint64, pa riscv.PhysAddr, flags riscv.PTEFlags) error {
	if size == 0 {
		return nil
	}
	a := va.RoundDown()
	last := (va + riscv.VirtAddr(size) - 1).RoundDown()
	for {
		e, err := p.Walk(a, true)
		if err != nil {
			return fmt.Errorf("mapping %#x: %w", a, err)
		}
		if pte := e.Load(); pte.Valid() {
			panic(fmt.Sprintf("pagetables: remap of %#x (existing pte %#x)", a, uint64(pte)))
		}
		e.Store(riscv.MakePTE(pa, flags|riscv.PTEValid))
		if a == last {
			break
		}
		a += riscv.PageSize
		pa += riscv.PageSize
	}
	return nil
}

// Unmap removes npages of leaf mappings starting at va, which must be
// page-aligned. Every page in the range must be validly mapped at a leaf;
// anything else is fatal. If freeBacking is true the mapped frames are
// returned to the allocator.
func (p *PageTables) Unmap(va riscv.VirtAddr, npages uint64, freeBacking bool) {
	if !va.IsPageAligned() {
		panic(fmt.Sprintf("pagetables: unmap of unaligned address %#x", va))
	}
	for i := uint64(0); i < npages; i++ {
		a := va + riscv.VirtAddr(i*riscv.PageSize)
		e, err := p.Walk(a, false)
		if err != nil {
			panic(fmt.Sprintf("pagetables: unmap of %#x: no page table", a))
		}
		pte := e.Load()
		switch pte.Kind() {
		case riscv.EntryInvalid:
			panic(fmt.Sprintf("pagetables: unmap of %#x: not mapped", a))
		case riscv.EntryNodePointer:
			panic(fmt.Sprintf("pagetables: unmap of %#x: not a leaf", a))
		}
		if freeBacking {
			p.allocator.Free(pte.PhysAddr())
		}
		e.Store(0)
	}
}

// Translate looks up va and returns the base of the mapped frame. It is
// restricted to user-accessible pages: an unmapped, invalid or
// supervisor-only translation returns ok == false. This is the gate the
// copy layer relies on.
func (p *PageTables) Translate(va riscv.VirtAddr) (riscv.PhysAddr, bool) {
	if va >= riscv.MaxVA {
		return 0, false
	}
	e, err := p.Walk(va, false)
	if err != nil {
		return 0, false
	}
	pte := e.Load()
	if !pte.Valid() || !pte.User() {
		return 0, false
	}
	return pte.PhysAddr(), true
}

// KernelTranslate translates a kernel virtual address, preserving the page
// offset. It is needed only for addresses on kernel stacks. An unmapped
// address is fatal.
func (p *PageTables) KernelTranslate(va riscv.VirtAddr) riscv.PhysAddr {
	e, err := p.Walk(va, false)
	if err != nil {
		panic(fmt.Sprintf("pagetables: kernel translate of %#x: no page table", va))
	}
	pte := e.Load()
	if !pte.Valid() {
		panic(fmt.Sprintf("pagetables: kernel translate of %#x: not mapped", va))
	}
	return pte.PhysAddr() + riscv.PhysAddr(va.PageOffset())
}

// Free releases the address space: backing frames for the mapped range
// [0, size) first, then every page-table node, children before parents.
// Any leaf still present outside [0, size) is fatal. The table must not be
// used afterwards.
func (p *PageTables) Free(size uint64) {
	if p.kernel || p.shadow {
		panic("pagetables: free of kernel table")
	}
	if size > 0 {
		p.Unmap(0, riscv.PageRoundUp(size)/riscv.PageSize, true)
	}
	p.freeWalk(p.root)
	p.root = 0
}

// freeWalk frees the subtree rooted at node. All leaf mappings must already
// have been removed.
func (p *PageTables) freeWalk(node riscv.PhysAddr) {
	for slot := 0; slot < riscv.EntriesPerTable; slot++ {
		e := p.slotAt(node, slot)
		pte := e.Load()
		switch pte.Kind() {
		case riscv.EntryNodePointer:
			p.freeWalk(pte.PhysAddr())
			e.Store(0)
		case riscv.EntryLeafMapping:
			panic(fmt.Sprintf("pagetables: free of table with live leaf in slot %d (pte %#x)", slot, uint64(pte)))
		}
	}
	p.allocator.Free(node)
}
