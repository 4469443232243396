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

// Package kalloc implements the physical frame allocator.
//
// Free frames form a LIFO singly linked list threaded through the frames
// themselves: the first word of each free frame holds the physical address
// of the next. Allocation and free are O(1) under a single lock and never
// block.
package kalloc

import (
	"errors"
	"fmt"

	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/metric"
	"rvisor.dev/rvisor/pkg/physmem"
	"rvisor.dev/rvisor/pkg/riscv"
	"rvisor.dev/rvisor/pkg/sync"
)

// ErrOutOfMemory indicates that no free frames remain. Callers surface it as
// an allocation failure; they never block or retry inside the allocator.
var ErrOutOfMemory = errors.New("out of physical memory")

// Frames are poisoned on every ownership change so that stale pointers into
// them turn into visible garbage rather than silent reuse.
const (
	// AllocFill is written over a frame when it is handed out.
	AllocFill byte = 5

	// FreeFill is written over a frame when it is returned.
	FreeFill byte = 1
)

var (
	allocations = metric.MustCreateNewUint64Metric("/kalloc/allocations", "Number of frames handed out.")
	frees       = metric.MustCreateNewUint64Metric("/kalloc/frees", "Number of frames returned.")
	failures    = metric.MustCreateNewUint64Metric("/kalloc/failed_allocations", "Number of allocations that found the free list empty.")
)

// Allocator hands out page frames from the arena range above the kernel
// image. The zero value is not usable; call New.
type Allocator struct {
	arena *physmem.Arena

	// start is the first allocatable frame, top one past the last.
	// Immutable after New.
	start riscv.PhysAddr
	top   riscv.PhysAddr

	// mu protects the free list.
	mu sync.Mutex

	// head is the first free frame, or 0 when the list is empty.
	head riscv.PhysAddr

	// count is the current length of the free list.
	count uint64
}

// New creates an allocator owning every whole frame in
// [kernelEnd rounded up, arena top). It must be called exactly once per
// arena, before any frame is handed out.
func New(arena *physmem.Arena, kernelEnd riscv.PhysAddr) (*Allocator, error) {
	start := kernelEnd.RoundUp()
	if start < arena.Base() || start > arena.Top() {
		return nil, fmt.Errorf("kernel end %#x outside arena [%#x, %#x)", kernelEnd, arena.Base(), arena.Top())
	}
	a := &Allocator{
		arena: arena,
		start: start,
		top:   arena.Top(),
	}
	for pa := a.start; pa+riscv.PageSize <= a.top; pa += riscv.PageSize {
		a.Free(pa)
	}
	return a, nil
}

// Alloc removes and returns the most recently freed frame, poisoned with
// AllocFill. It returns ErrOutOfMemory if no frames remain.
func (a *Allocator) Alloc() (riscv.PhysAddr, error) {
	a.mu.Lock()
	pa := a.head
	if pa != 0 {
		a.head = riscv.PhysAddr(a.arena.ReadWord(pa))
		a.count--
	}
	a.mu.Unlock()

	if pa == 0 {
		failures.Increment()
		log.Debugf("kalloc: out of memory")
		return 0, ErrOutOfMemory
	}
	a.arena.FillPage(pa, AllocFill)
	allocations.Increment()
	return pa, nil
}

// Free returns the frame at pa to the free list, poisoned with FreeFill.
// A misaligned frame or one outside the allocatable range is fatal: such an
// address can only come from corrupted kernel state.
func (a *Allocator) Free(pa riscv.PhysAddr) {
	if !pa.IsPageAligned() || pa < a.start || pa+riscv.PageSize > a.top {
		panic(fmt.Sprintf("kalloc: free of invalid frame %#x (allocatable range [%#x, %#x))", pa, a.start, a.top))
	}
	a.arena.FillPage(pa, FreeFill)

	a.mu.Lock()
	a.arena.WriteWord(pa, uint64(a.head))
	a.head = pa
	a.count++
	a.mu.Unlock()
	frees.Increment()
}

// FreeCount returns the current length of the free list.
func (a *Allocator) FreeCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Start returns the first allocatable frame address.
func (a *Allocator) Start() riscv.PhysAddr {
	return a.start
}

// Top returns one past the last allocatable byte.
func (a *Allocator) Top() riscv.PhysAddr {
	return a.top
}
