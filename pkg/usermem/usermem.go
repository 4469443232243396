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

// Package usermem moves bytes between kernel buffers and process virtual
// memory. It is the only sanctioned path for dereferencing a user pointer:
// every access is translated page by page through the process's table and
// fails closed on anything unmapped or not user-accessible.
package usermem

import (
	"bytes"
	"errors"
	"fmt"

	"rvisor.dev/rvisor/pkg/pagetables"
	"rvisor.dev/rvisor/pkg/physmem"
	"rvisor.dev/rvisor/pkg/riscv"
)

var (
	// ErrBadAddress indicates a user address that does not translate: out
	// of range, unmapped, or not user-accessible.
	ErrBadAddress = errors.New("bad user address")

	// ErrStringTooLong indicates a user string with no terminator within
	// the permitted length.
	ErrStringTooLong = errors.New("user string too long")
)

// IO copies to and from one process's address space.
type IO struct {
	arena  *physmem.Arena
	tables *pagetables.PageTables
}

// NewIO returns an IO over the given user table. The table's frames must
// live in arena.
func NewIO(arena *physmem.Arena, tables *pagetables.PageTables) IO {
	return IO{arena: arena, tables: tables}
}

// CopyOut writes src to the process's memory at va. The write is clipped to
// page boundaries and each page is translated separately; a translation
// failure returns ErrBadAddress with any preceding pages already written.
func (u IO) CopyOut(va riscv.VirtAddr, src []byte) error {
	for len(src) > 0 {
		va0 := va.RoundDown()
		pa0, ok := u.tables.Translate(va0)
		if !ok {
			return fmt.Errorf("copying out to %#x: %w", va0, ErrBadAddress)
		}
		off := int(va - va0)
		n := riscv.PageSize - off
		if n > len(src) {
			n = len(src)
		}
		copy(u.arena.Page(pa0)[off:], src[:n])
		src = src[n:]
		va = va0 + riscv.PageSize
	}
	return nil
}

// CopyIn fills dst from the process's memory at va, page by page. A
// translation failure returns ErrBadAddress with any preceding pages
// already read into dst.
func (u IO) CopyIn(va riscv.VirtAddr, dst []byte) error {
	for len(dst) > 0 {
		va0 := va.RoundDown()
		pa0, ok := u.tables.Translate(va0)
		if !ok {
			return fmt.Errorf("copying in from %#x: %w", va0, ErrBadAddress)
		}
		off := int(va - va0)
		n := riscv.PageSize - off
		if n > len(dst) {
			n = len(dst)
		}
		copy(dst[:n], u.arena.Page(pa0)[off:])
		dst = dst[n:]
		va = va0 + riscv.PageSize
	}
	return nil
}

// CopyInString reads a NUL-terminated string from the process's memory at
// va. The terminator must appear within max bytes; a string that fills max
// bytes without one returns ErrStringTooLong. The terminator is consumed
// but not returned.
func (u IO) CopyInString(va riscv.VirtAddr, max int) (string, error) {
	var buf []byte
	for remaining := max; remaining > 0; {
		va0 := va.RoundDown()
		pa0, ok := u.tables.Translate(va0)
		if !ok {
			return "", fmt.Errorf("copying string in from %#x: %w", va0, ErrBadAddress)
		}
		off := int(va - va0)
		n := riscv.PageSize - off
		if n > remaining {
			n = remaining
		}
		chunk := u.arena.Page(pa0)[off : off+n]
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(buf, chunk[:i]...)), nil
		}
		buf = append(buf, chunk...)
		remaining -= n
		va = va0 + riscv.PageSize
	}
	return "", ErrStringTooLong
}
