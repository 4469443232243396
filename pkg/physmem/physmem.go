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

// Package physmem implements the physical memory arena backing the modeled
// machine's RAM.
//
// An Arena is a contiguous byte store addressed by physical address in
// [Base, Top). Page tables, the frame allocator and kernel data all live
// inside it; every access is bounds-checked against the arena, and a
// violation is fatal, since an out-of-range physical address can only come
// from corrupted kernel state.
//
// Device register windows (UART, PLIC, ...) sit below RAM and are
// deliberately outside every arena: mappings may name them, but byte access
// through an arena never reaches them.
package physmem

import (
	"encoding/binary"
	"fmt"

	"rvisor.dev/rvisor/pkg/riscv"
)

// Arena is the modeled RAM.
type Arena struct {
	base riscv.PhysAddr
	mem  []byte

	// release returns the backing store to the host. nil when the store
	// is heap-allocated.
	release func([]byte) error
}

// New creates an arena spanning [base, base+size). Both base and size must
// be page-aligned.
func New(base riscv.PhysAddr, size uint64) (*Arena, error) {
	if !base.IsPageAligned() {
		return nil, fmt.Errorf("arena base %#x not page-aligned", base)
	}
	if size == 0 || size%riscv.PageSize != 0 {
		return nil, fmt.Errorf("arena size %#x not a positive page multiple", size)
	}
	if _, ok := (riscv.VirtAddr(base)).AddLength(size); !ok {
		return nil, fmt.Errorf("arena [%#x, +%#x) wraps the address space", base, size)
	}
	mem, release, err := allocate(int(size))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate arena backing store: %v", err)
	}
	return &Arena{
		base:    base,
		mem:     mem,
		release: release,
	}, nil
}

// Close releases the arena's backing store. Any later access through the
// arena is fatal.
func (a *Arena) Close() error {
	mem := a.mem
	a.mem = nil
	if a.release != nil {
		return a.release(mem)
	}
	return nil
}

// Base returns the lowest physical address in the arena.
func (a *Arena) Base() riscv.PhysAddr {
	return a.base
}

// Top returns one past the highest physical address in the arena.
func (a *Arena) Top() riscv.PhysAddr {
	return a.base + riscv.PhysAddr(len(a.mem))
}

// Contains returns true if pa lies inside the arena.
func (a *Arena) Contains(pa riscv.PhysAddr) bool {
	return pa >= a.base && pa < a.Top()
}

// Bytes returns the n bytes of storage at pa, aliasing the arena. The range
// must lie entirely inside the arena.
func (a *Arena) Bytes(pa riscv.PhysAddr, n uint64) []byte {
	if pa < a.base || n > uint64(len(a.mem)) || uint64(pa-a.base) > uint64(len(a.mem))-n {
		panic(fmt.Sprintf("physmem: access [%#x, +%#x) outside arena [%#x, %#x)", pa, n, a.base, a.Top()))
	}
	off := pa - a.base
	return a.mem[off : off+riscv.PhysAddr(n) : off+riscv.PhysAddr(n)]
}

// Page returns the page frame at pa, which must be page-aligned and inside
// the arena.
func (a *Arena) Page(pa riscv.PhysAddr) []byte {
	if !pa.IsPageAligned() {
		panic(fmt.Sprintf("physmem: page access at unaligned address %#x", pa))
	}
	return a.Bytes(pa, riscv.PageSize)
}

// FillPage overwrites the page frame at pa with the given byte.
func (a *Arena) FillPage(pa riscv.PhysAddr, b byte) {
	page := a.Page(pa)
	for i := range page {
		page[i] = b
	}
}

// ZeroPage overwrites the page frame at pa with zeroes.
func (a *Arena) ZeroPage(pa riscv.PhysAddr) {
	clear(a.Page(pa))
}

// ReadWord reads the 64-bit little-endian word at pa, which must be
// word-aligned.
func (a *Arena) ReadWord(pa riscv.PhysAddr) uint64 {
	if pa%8 != 0 {
		panic(fmt.Sprintf("physmem: word access at unaligned address %#x", pa))
	}
	return binary.LittleEndian.Uint64(a.Bytes(pa, 8))
}

// WriteWord writes the 64-bit little-endian word at pa, which must be
// word-aligned.
func (a *Arena) WriteWord(pa riscv.PhysAddr, v uint64) {
	if pa%8 != 0 {
		panic(fmt.Sprintf("physmem: word access at unaligned address %#x", pa))
	}
	binary.LittleEndian.PutUint64(a.Bytes(pa, 8), v)
}
