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

package trap

import (
	"rvisor.dev/rvisor/pkg/atomicbitops"
	"rvisor.dev/rvisor/pkg/pagetables"
	"rvisor.dev/rvisor/pkg/riscv"
)

// Process is the slice of process state the trap dispatcher works with.
// The scheduler owns the rest of the process and hands these out through
// its Current method.
type Process struct {
	// PID identifies the process in diagnostics.
	PID int

	// Killed is set when the process has been marked for termination.
	// The dispatcher checks it on every trap and never returns a killed
	// process to user space.
	Killed atomicbitops.Bool

	// Trapframe is the process's register save area.
	Trapframe *Trapframe

	// Tables is the process's user page table.
	Tables *pagetables.PageTables

	// KernelStack is the base of the process's kernel stack page.
	KernelStack riscv.VirtAddr

	// Alarm is the process's timer alarm.
	Alarm Alarm
}
