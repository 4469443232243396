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

// Package riscv defines the RISC-V Sv39 architectural contract: page and
// page-table geometry, the bit-exact page-table entry encoding, and the
// supervisor control and status registers of a modeled hart.
//
// Everything in this package is pure data manipulation; nothing here touches
// host memory or requires a particular host architecture.
package riscv

// Sv39 geometry. A virtual address is 39 bits, translated by a three-level
// radix tree of 512-entry tables, each entry covering a 9-bit slice of the
// address.
const (
	// PageSize is the size of a page frame and of a page-table node.
	PageSize = 4096

	// PageShift is log2(PageSize).
	PageShift = 12

	// IndexBits is the number of virtual-address bits consumed per level.
	IndexBits = 9

	// EntriesPerTable is the number of entries in one page-table node.
	EntriesPerTable = 1 << IndexBits

	// Levels is the depth of the translation tree. Level 2 is the root,
	// level 0 holds leaf mappings.
	Levels = 3

	// MaxVA is one beyond the highest usable virtual address. Sv39 spans
	// 39 bits; the top bit is avoided so that addresses need no sign
	// extension.
	MaxVA = VirtAddr(1) << (IndexBits*Levels + PageShift - 1)
)

// VirtAddr represents a virtual address in a modeled address space.
type VirtAddr uint64

// PhysAddr represents a physical address in the modeled machine.
type PhysAddr uint64

// AddLength adds the given length to the address and returns the result.
// ok is true iff adding the length did not overflow.
func (v VirtAddr) AddLength(length uint64) (end VirtAddr, ok bool) {
	end = v + VirtAddr(length)
	ok = end >= v
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v VirtAddr) RoundDown() VirtAddr {
	return v &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v VirtAddr) RoundUp() (addr VirtAddr, ok bool) {
	addr = (v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of the address into its page.
func (v VirtAddr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// IsPageAligned returns true if the address is page-aligned.
func (v VirtAddr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// Index returns the 9-bit page-table index for the address at the given
// level. Level 2 indexes the root table.
func (v VirtAddr) Index(level int) int {
	return int(v>>(PageShift+IndexBits*level)) & (EntriesPerTable - 1)
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary.
func (p PhysAddr) RoundUp() PhysAddr {
	return (p + PageSize - 1).RoundDown()
}

// PageOffset returns the offset of the address into its page.
func (p PhysAddr) PageOffset() uint64 {
	return uint64(p & (PageSize - 1))
}

// IsPageAligned returns true if the address is page-aligned.
func (p PhysAddr) IsPageAligned() bool {
	return p.PageOffset() == 0
}

// PageRoundUp rounds a byte count up to a whole number of pages.
func PageRoundUp(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// PageRoundDown rounds a byte count down to a whole number of pages.
func PageRoundDown(n uint64) uint64 {
	return n &^ (PageSize - 1)
}

// satpModeSv39 selects Sv39 translation in the satp mode field.
const satpModeSv39 = uint64(8) << 60

// MakeSATP encodes the satp register value selecting Sv39 translation rooted
// at the given page-table root frame.
func MakeSATP(root PhysAddr) uint64 {
	return satpModeSv39 | uint64(root)>>PageShift
}

// SATPRoot decodes the page-table root frame from a satp register value.
func SATPRoot(satp uint64) PhysAddr {
	return PhysAddr(satp<<20) >> 20 << PageShift
}
