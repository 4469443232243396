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

import "fmt"

// sstatus register bits.
const (
	// SstatusSIE enables supervisor-mode interrupts.
	SstatusSIE = uint64(1) << 1

	// SstatusSPIE holds the interrupt-enable state prior to the last trap.
	SstatusSPIE = uint64(1) << 5

	// SstatusSPP holds the privilege mode prior to the last trap: set for
	// supervisor, clear for user.
	SstatusSPP = uint64(1) << 8
)

// sip and sie register bits, one per supervisor interrupt class.
const (
	// SipSSIP is the supervisor software interrupt pending/enable bit.
	SipSSIP = uint64(1) << 1

	// SipSTIP is the supervisor timer interrupt pending/enable bit.
	SipSTIP = uint64(1) << 5

	// SipSEIP is the supervisor external interrupt pending/enable bit.
	SipSEIP = uint64(1) << 9
)

// Cause is the value of the scause register: an exception code, with the top
// bit set when the trap was caused by an interrupt.
type Cause uint64

// causeInterrupt is the interrupt bit of scause.
const causeInterrupt = Cause(1) << 63

// Trap cause values this kernel dispatches on.
const (
	// CauseUserEcall is an environment call from user mode.
	CauseUserEcall = Cause(8)

	// CauseSupervisorSoftware is a supervisor software interrupt. The
	// machine-mode timer vector forwards timer interrupts to supervisor
	// mode as this cause.
	CauseSupervisorSoftware = causeInterrupt | 1

	// CauseSupervisorExternal is a supervisor external interrupt,
	// delivered through the platform interrupt controller.
	CauseSupervisorExternal = causeInterrupt | 9
)

// Exception codes that show up in diagnostics.
const (
	CauseIllegalInstruction   = Cause(2)
	CauseInstructionPageFault = Cause(12)
	CauseLoadPageFault        = Cause(13)
	CauseStorePageFault       = Cause(15)
)

// Interrupt returns true if the cause records an interrupt rather than an
// exception.
func (c Cause) Interrupt() bool {
	return c&causeInterrupt != 0
}

// Code returns the exception or interrupt code with the interrupt bit
// stripped.
func (c Cause) Code() uint64 {
	return uint64(c &^ causeInterrupt)
}

// String implements fmt.Stringer.
func (c Cause) String() string {
	if c.Interrupt() {
		switch c {
		case CauseSupervisorSoftware:
			return "supervisor software interrupt"
		case CauseSupervisorExternal:
			return "supervisor external interrupt"
		default:
			return fmt.Sprintf("interrupt %d", c.Code())
		}
	}
	switch c {
	case CauseUserEcall:
		return "environment call from U-mode"
	case CauseIllegalInstruction:
		return "illegal instruction"
	case CauseInstructionPageFault:
		return "instruction page fault"
	case CauseLoadPageFault:
		return "load page fault"
	case CauseStorePageFault:
		return "store page fault"
	default:
		return fmt.Sprintf("exception %d", c.Code())
	}
}

// CSRs is the supervisor-visible control and status register file of one
// modeled hart. Trap delivery writes Sepc, Scause and Stval and updates
// Sstatus exactly as the hardware would; the dispatcher reads and writes the
// rest.
type CSRs struct {
	// Sstatus holds the interrupt-enable and previous-mode bits.
	Sstatus uint64

	// Stvec is the trap vector: where the hart transfers control on a
	// supervisor trap.
	Stvec VirtAddr

	// Sepc is the program counter saved by trap delivery and consumed by
	// the return path.
	Sepc VirtAddr

	// Scause identifies the most recent trap.
	Scause Cause

	// Stval carries trap-specific information, typically a faulting
	// address.
	Stval uint64

	// Sip is the pending-interrupt register.
	Sip uint64

	// Sie is the interrupt-enable register.
	Sie uint64

	// Satp names the active translation mode and page-table root.
	Satp uint64
}

// InterruptsEnabled returns true if supervisor interrupts are enabled.
func (c *CSRs) InterruptsEnabled() bool {
	return c.Sstatus&SstatusSIE != 0
}

// EnableInterrupts enables supervisor interrupts.
func (c *CSRs) EnableInterrupts() {
	c.Sstatus |= SstatusSIE
}

// DisableInterrupts disables supervisor interrupts.
func (c *CSRs) DisableInterrupts() {
	c.Sstatus &^= SstatusSIE
}

// PreviousSupervisor returns true if the last trap was taken from supervisor
// mode.
func (c *CSRs) PreviousSupervisor() bool {
	return c.Sstatus&SstatusSPP != 0
}
