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

package riscv

import (
	"fmt"
	"strings"
)

// PTEFlags holds the low flag bits of a page-table entry.
type PTEFlags uint64

// Architectural PTE flag bits.
const (
	// PTEValid marks the entry as present. A clear valid bit invalidates
	// every other bit in the entry.
	PTEValid PTEFlags = 1 << 0

	// PTERead permits loads through the mapping.
	PTERead PTEFlags = 1 << 1

	// PTEWrite permits stores through the mapping.
	PTEWrite PTEFlags = 1 << 2

	// PTEExec permits instruction fetch through the mapping.
	PTEExec PTEFlags = 1 << 3

	// PTEUser permits user-mode access through the mapping.
	PTEUser PTEFlags = 1 << 4

	// PTEGlobal marks the mapping as present in all address spaces.
	PTEGlobal PTEFlags = 1 << 5

	// PTEAccessed is set by hardware when the mapping is read.
	PTEAccessed PTEFlags = 1 << 6

	// PTEDirty is set by hardware when the mapping is written.
	PTEDirty PTEFlags = 1 << 7
)

// pteFlagsMask covers the flag and software-reserved bits below the physical
// page number.
const pteFlagsMask = PTEFlags(1)<<ppnShift - 1

// ppnShift is the bit position of the physical page number within a PTE.
const ppnShift = 10

// String implements fmt.Stringer. The result lists set flags in the
// conventional dirty-first order, with dashes for clear bits.
func (f PTEFlags) String() string {
	var s strings.Builder
	for _, bit := range []struct {
		flag PTEFlags
		c    byte
	}{
		{PTEDirty, 'd'},
		{PTEAccessed, 'a'},
		{PTEGlobal, 'g'},
		{PTEUser, 'u'},
		{PTEExec, 'x'},
		{PTEWrite, 'w'},
		{PTERead, 'r'},
		{PTEValid, 'v'},
	} {
		if f&bit.flag != 0 {
			s.WriteByte(bit.c)
		} else {
			s.WriteByte('-')
		}
	}
	return s.String()
}

// PTE is one Sv39 page-table entry: a physical page number in bits 53:10 and
// flags in bits 9:0. The same encoding serves both node pointers and leaf
// mappings; EntryKind tells them apart.
type PTE uint64

// MakePTE encodes a page-table entry naming the given physical page with the
// given flags. pa must be page-aligned; low bits are discarded.
func MakePTE(pa PhysAddr, flags PTEFlags) PTE {
	return PTE(pa>>PageShift)<<ppnShift | PTE(flags)
}

// Valid returns true if the entry's valid bit is set.
func (p PTE) Valid() bool {
	return PTEFlags(p)&PTEValid != 0
}

// Flags returns the entry's flag bits.
func (p PTE) Flags() PTEFlags {
	return PTEFlags(p) & pteFlagsMask
}

// PhysAddr returns the physical address named by the entry: the base of a
// child node for a node pointer, the mapped frame for a leaf.
func (p PTE) PhysAddr() PhysAddr {
	return PhysAddr(p) >> ppnShift << PageShift
}

// User returns true if the entry permits user-mode access.
func (p PTE) User() bool {
	return PTEFlags(p)&PTEUser != 0
}

// Writable returns true if the entry permits stores.
func (p PTE) Writable() bool {
	return PTEFlags(p)&PTEWrite != 0
}

// EntryKind is the decoded role of a page-table entry. The hardware encodes
// both roles in one integer; the permission bits are the tag.
type EntryKind int

const (
	// EntryInvalid is an entry with the valid bit clear. All other bits
	// are meaningless.
	EntryInvalid EntryKind = iota

	// EntryNodePointer is a valid entry whose physical address names a
	// child page-table node.
	EntryNodePointer

	// EntryLeafMapping is a valid entry that terminates translation,
	// naming a data frame and its access permissions.
	EntryLeafMapping
)

// String implements fmt.Stringer.
func (k EntryKind) String() string {
	switch k {
	case EntryInvalid:
		return "invalid"
	case EntryNodePointer:
		return "node"
	case EntryLeafMapping:
		return "leaf"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Kind classifies the entry. A valid entry with none of the read, write or
// execute permissions set points at a child node; a valid entry with any of
// them set is a leaf mapping.
func (p PTE) Kind() EntryKind {
	if !p.Valid() {
		return EntryInvalid
	}
	if PTEFlags(p)&(PTERead|PTEWrite|PTEExec) == 0 {
		return EntryNodePointer
	}
	return EntryLeafMapping
}
