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
	"io"
	"strings"

	"rvisor.dev/rvisor/pkg/riscv"
)

// Dump writes a human-readable listing of the table to w: one line per
// present entry, indented by tree depth, with the raw entry value and the
// physical address it refers to.
func (p *PageTables) Dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "page table %#x\n", uint64(p.root)); err != nil {
		return err
	}
	return p.dumpNode(w, p.root, 1)
}

func (p *PageTables) dumpNode(w io.Writer, node riscv.PhysAddr, depth int) error {
	indent := strings.Repeat(".. ", depth-1) + ".."
	for slot := 0; slot < riscv.EntriesPerTable; slot++ {
		pte := p.slotAt(node, slot).Load()
		if !pte.Valid() {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s%d: pte %#x pa %#x\n", indent, slot, uint64(pte), uint64(pte.PhysAddr())); err != nil {
			return err
		}
		if pte.Kind() == riscv.EntryNodePointer {
			if err := p.dumpNode(w, pte.PhysAddr(), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
