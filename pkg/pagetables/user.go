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

// userFlags are the permissions given to process memory.
const userFlags = riscv.PTEWrite | riscv.PTEExec | riscv.PTERead | riscv.PTEUser

// NewUser creates a process address space. Besides the empty user range it
// carries the two fixed high mappings every address space must share:
//
//   - the trampoline page, mapped read-execute at the same virtual address
//     as in the kernel table. The trampoline code keeps executing across
//     the address-space switch, so this address and its permissions must be
//     identical, bit for bit, in every address space ever created.
//   - the process's trapframe page just below it, supervisor read-write.
//
// Neither mapping is user-accessible.
func NewUser(arena *physmem.Arena, allocator *kalloc.Allocator, img *memlayout.Image, trapframe riscv.PhysAddr) (*PageTables, error) {
	p, err := New(arena, allocator)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { p.Free(0) })
	defer cu.Clean()

	if err := p.Map(memlayout.Trampoline, riscv.PageSize, img.TrampolinePhys, riscv.PTERead|riscv.PTEExec); err != nil {
		return nil, fmt.Errorf("mapping trampoline: %w", err)
	}
	cu.Add(func() { p.Unmap(memlayout.Trampoline, 1, false) })

	if err := p.Map(memlayout.Trapframe, riscv.PageSize, trapframe, riscv.PTERead|riscv.PTEWrite); err != nil {
		return nil, fmt.Errorf("mapping trapframe: %w", err)
	}

	cu.Release()
	return p, nil
}

// FreeUser tears down an address space made by NewUser. The trampoline and
// trapframe mappings are removed without freeing their frames: the
// trampoline is shared kernel text and the trapframe is owned by the
// process structure. User memory in [0, size) is freed along with the
// table.
func (p *PageTables) FreeUser(size uint64) {
	p.Unmap(memlayout.Trampoline, 1, false)
	p.Unmap(memlayout.Trapframe, 1, false)
	p.Free(size)
}

// LoadInit installs the first process's image at virtual address 0, for the
// very first process only. The image must fit in one page; the rest of the
// page is zero.
func (p *PageTables) LoadInit(data []byte) error {
	if len(data) >= riscv.PageSize {
		panic(fmt.Sprintf("pagetables: init image of %d bytes needs more than a page", len(data)))
	}
	pa, err := p.allocator.Alloc()
	if err != nil {
		return err
	}
	p.arena.ZeroPage(pa)
	if err := p.Map(0, riscv.PageSize, pa, userFlags); err != nil {
		p.allocator.Free(pa)
		return err
	}
	copy(p.arena.Page(pa), data)
	return nil
}

// ClearUser revokes user access to the page holding va. It is used for the
// guard page below a process stack. The page's level-0 slot must exist.
func (p *PageTables) ClearUser(va riscv.VirtAddr) {
	e, err := p.Walk(va, false)
	if err != nil {
		panic(fmt.Sprintf("pagetables: clearing user access at unmapped %#x", va))
	}
	e.Store(e.Load() &^ riscv.PTE(riscv.PTEUser))
}

// Grow extends the process's memory from oldsz to newsz bytes, allocating
// and mapping zeroed user pages. Neither size needs to be page-aligned. On
// success it returns newsz. On an allocation failure it undoes any partial
// growth and returns oldsz with the error.
func (p *PageTables) Grow(oldsz, newsz uint64) (uint64, error) {
	if newsz < oldsz {
		return oldsz, nil
	}
	base := riscv.PageRoundUp(oldsz)
	for a := base; a < newsz; a += riscv.PageSize {
		pa, err := p.allocator.Alloc()
		if err != nil {
			p.Shrink(a, base)
			return oldsz, fmt.Errorf("growing to %#x: %w", newsz, err)
		}
		p.arena.ZeroPage(pa)
		if err := p.Map(riscv.VirtAddr(a), riscv.PageSize, pa, userFlags); err != nil {
			p.allocator.Free(pa)
			p.Shrink(a, base)
			return oldsz, fmt.Errorf("growing to %#x: %w", newsz, err)
		}
	}
	return newsz, nil
}

// Shrink trims the process's memory from oldsz down to newsz bytes,
// unmapping and freeing the pages in between. newsz >= oldsz is a no-op
// returning oldsz. oldsz may be larger than the actual process size.
func (p *PageTables) Shrink(oldsz, newsz uint64) uint64 {
	if newsz >= oldsz {
		return oldsz
	}
	if riscv.PageRoundUp(newsz) < riscv.PageRoundUp(oldsz) {
		npages := (riscv.PageRoundUp(oldsz) - riscv.PageRoundUp(newsz)) / riscv.PageSize
		p.Unmap(riscv.VirtAddr(riscv.PageRoundUp(newsz)), npages, true)
	}
	return newsz
}

// CopyInto deep-copies the first size bytes of this address space into
// child, which must be empty in [0, size) and share this table's arena and
// allocator. Every page is copied into a freshly allocated frame with
// matching permissions: fork copies memory, it does not share it.
//
// The source must be fully mapped in [0, size); a hole is fatal. On an
// allocation failure everything already copied into child is unmapped and
// freed, the source is untouched, and the error is returned.
func (p *PageTables) CopyInto(child *PageTables, size uint64) error {
	var pages uint64
	for va := riscv.VirtAddr(0); uint64(va) < size; va += riscv.PageSize {
		e, err := p.Walk(va, false)
		if err != nil {
			panic(fmt.Sprintf("pagetables: copy of unmapped source page %#x", va))
		}
		pte := e.Load()
		if !pte.Valid() {
			panic(fmt.Sprintf("pagetables: copy of source page %#x: not present", va))
		}
		pa, err := p.allocator.Alloc()
		if err != nil {
			child.Unmap(0, pages, true)
			return fmt.Errorf("copying page %#x: %w", va, err)
		}
		copy(p.arena.Page(pa), p.arena.Page(pte.PhysAddr()))
		if err := child.Map(va, riscv.PageSize, pa, pte.Flags()); err != nil {
			p.allocator.Free(pa)
			child.Unmap(0, pages, true)
			return fmt.Errorf("copying page %#x: %w", va, err)
		}
		pages++
	}
	return nil
}

// Fork creates a new address space holding a deep copy of the first size
// bytes of this one. On failure nothing is leaked and the source is
// untouched.
func (p *PageTables) Fork(size uint64) (*PageTables, error) {
	child, err := New(p.arena, p.allocator)
	if err != nil {
		return nil, err
	}
	if err := p.CopyInto(child, size); err != nil {
		child.Free(0)
		return nil, err
	}
	return child, nil
}
