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
	"testing"
)

func TestPTEEncoding(t *testing.T) {
	for _, test := range []struct {
		name  string
		pa    PhysAddr
		flags PTEFlags
		want  PTE
	}{
		{
			name:  "zero",
			pa:    0,
			flags: 0,
			want:  0,
		},
		{
			name:  "kernel text",
			pa:    0x80001000,
			flags: PTEValid | PTERead | PTEExec,
			want:  0x2000040b,
		},
		{
			name:  "user data",
			pa:    0x80400000,
			flags: PTEValid | PTERead | PTEWrite | PTEUser,
			want:  0x20100017,
		},
		{
			name:  "node pointer",
			pa:    0x87fff000,
			flags: PTEValid,
			want:  0x21fffc01,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			pte := MakePTE(test.pa, test.flags)
			if pte != test.want {
				t.Errorf("MakePTE(%#x, %v) got %#x want %#x", test.pa, test.flags, uint64(pte), uint64(test.want))
			}
			if got := pte.PhysAddr(); got != test.pa {
				t.Errorf("PhysAddr() got %#x want %#x", got, test.pa)
			}
			if got := pte.Flags(); got != test.flags {
				t.Errorf("Flags() got %v want %v", got, test.flags)
			}
		})
	}
}

// TestEntryKind pins down the decoding rule that separates node pointers
// from leaf mappings: a valid entry with no read, write or execute
// permission is a node pointer, anything else that is valid is a leaf.
func TestEntryKind(t *testing.T) {
	for _, test := range []struct {
		name  string
		flags PTEFlags
		want  EntryKind
	}{
		{"invalid zero", 0, EntryInvalid},
		{"invalid with perms", PTERead | PTEWrite, EntryInvalid},
		{"node pointer", PTEValid, EntryNodePointer},
		{"node pointer with user", PTEValid | PTEUser, EntryNodePointer},
		{"node pointer accessed", PTEValid | PTEAccessed | PTEDirty, EntryNodePointer},
		{"leaf read", PTEValid | PTERead, EntryLeafMapping},
		{"leaf write", PTEValid | PTEWrite, EntryLeafMapping},
		{"leaf exec", PTEValid | PTEExec, EntryLeafMapping},
		{"leaf full", PTEValid | PTERead | PTEWrite | PTEExec | PTEUser, EntryLeafMapping},
	} {
		t.Run(test.name, func(t *testing.T) {
			pte := MakePTE(0x80000000, test.flags)
			if got := pte.Kind(); got != test.want {
				t.Errorf("Kind() got %v want %v", got, test.want)
			}
		})
	}
}

func TestVirtAddrIndex(t *testing.T) {
	va := VirtAddr(5)<<30 | VirtAddr(6)<<21 | VirtAddr(7)<<12 | 0x123
	for _, test := range []struct {
		level int
		want  int
	}{
		{2, 5},
		{1, 6},
		{0, 7},
	} {
		if got := va.Index(test.level); got != test.want {
			t.Errorf("Index(%d) got %d want %d", test.level, got, test.want)
		}
	}
}

func TestVirtAddrRounding(t *testing.T) {
	for _, test := range []struct {
		va       VirtAddr
		wantDown VirtAddr
		wantUp   VirtAddr
	}{
		{0, 0, 0},
		{1, 0, PageSize},
		{PageSize - 1, 0, PageSize},
		{PageSize, PageSize, PageSize},
		{PageSize + 1, PageSize, 2 * PageSize},
	} {
		if got := test.va.RoundDown(); got != test.wantDown {
			t.Errorf("RoundDown(%#x) got %#x want %#x", test.va, got, test.wantDown)
		}
		got, ok := test.va.RoundUp()
		if !ok {
			t.Errorf("RoundUp(%#x) not ok", test.va)
		}
		if got != test.wantUp {
			t.Errorf("RoundUp(%#x) got %#x want %#x", test.va, got, test.wantUp)
		}
	}

	if _, ok := VirtAddr(1<<64 - 1).RoundUp(); ok {
		t.Errorf("RoundUp(max) got ok, want wraparound failure")
	}
}

func TestMakeSATP(t *testing.T) {
	root := PhysAddr(0x87fff000)
	satp := MakeSATP(root)
	if satp>>60 != 8 {
		t.Errorf("satp mode got %d want 8 (Sv39)", satp>>60)
	}
	if got := SATPRoot(satp); got != root {
		t.Errorf("SATPRoot(MakeSATP(%#x)) got %#x", root, got)
	}
}

func TestCause(t *testing.T) {
	for _, test := range []struct {
		cause     Cause
		interrupt bool
		code      uint64
	}{
		{CauseUserEcall, false, 8},
		{CauseSupervisorSoftware, true, 1},
		{CauseSupervisorExternal, true, 9},
		{CauseStorePageFault, false, 15},
	} {
		if got := test.cause.Interrupt(); got != test.interrupt {
			t.Errorf("%#x: Interrupt() got %t want %t", uint64(test.cause), got, test.interrupt)
		}
		if got := test.cause.Code(); got != test.code {
			t.Errorf("%#x: Code() got %d want %d", uint64(test.cause), got, test.code)
		}
	}
}
