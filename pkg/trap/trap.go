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

// Package trap dispatches supervisor traps: system calls, exceptions and
// interrupts arriving from user mode, and interrupts arriving while the
// kernel itself runs.
//
// A trap from user mode enters through the trampoline page, which spills
// the user registers into the process trapframe and switches to the kernel
// page table before the dispatcher sees it; UserTrap picks up from there
// and UserTrapReturn stages the trip back. Traps from kernel mode arrive
// on the kernel vector with the address space already correct and are
// handled in place by KernelTrap.
//
// The dispatcher decides what happened; acting on it belongs to others.
// Scheduling, system call service and device service are reached through
// the Hooks interfaces supplied at construction.
package trap

import (
	"fmt"
	"time"

	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/memlayout"
	"rvisor.dev/rvisor/pkg/metric"
	"rvisor.dev/rvisor/pkg/riscv"
)

var (
	syscalls = metric.MustCreateNewUint64Metric("/trap/syscalls",
		"Number of system calls dispatched.")
	deviceIntrs = metric.MustCreateNewUint64Metric("/trap/device_interrupts",
		"Number of device interrupts dispatched.")
	timerIntrs = metric.MustCreateNewUint64Metric("/trap/timer_interrupts",
		"Number of timer interrupts dispatched.")
	userExceptions = metric.MustCreateNewUint64Metric("/trap/user_exceptions",
		"Number of user traps with no handler, fatal to the process.")
	alarmFirings = metric.MustCreateNewUint64Metric("/trap/alarm_firings",
		"Number of alarm handler deliveries.")
)

// unexpectedIntrLog rate-limits complaints about interrupts no driver
// claims, which a wedged device can raise in a storm.
var unexpectedIntrLog = log.BasicRateLimitedLogger(time.Second)

// Scheduler is what the dispatcher asks of the process subsystem.
type Scheduler interface {
	// Current returns the process running on the calling hart, or nil
	// from the scheduler's own context.
	Current() *Process

	// Yield gives up the calling hart until the scheduler next picks
	// this process. It returns with the same process current.
	Yield()

	// MarkKilled flags the process for termination. The dispatcher
	// notices the flag at the trap boundary.
	MarkKilled(p *Process)

	// Terminate ends the process with the given exit code. It does not
	// return the process to user space; the current trap is its last.
	// Terminating an already-terminated process does nothing, so a
	// syscall-layer exit and the dispatcher's killed-process sweep can
	// both report it.
	Terminate(p *Process, code int)
}

// SyscallHandler services system calls. The call number and arguments are
// in the process trapframe, and the return value is written back there.
type SyscallHandler interface {
	Syscall(p *Process)
}

// PLIC claims and retires external interrupts at the platform interrupt
// controller.
type PLIC interface {
	// Claim returns the highest-priority pending interrupt and true, or
	// false when another hart already took it.
	Claim() (irq int, ok bool)

	// Complete signals that a claimed interrupt has been serviced.
	Complete(irq int)
}

// Drivers services the devices this machine interrupts for.
type Drivers interface {
	UARTIntr()
	DiskIntr()
}

// Hooks bundles the interfaces a CPU dispatches into.
type Hooks struct {
	Scheduler Scheduler
	Syscalls  SyscallHandler
	PLIC      PLIC
	Drivers   Drivers
}

// IntrClass says what kind of interrupt a trap turned out to be.
type IntrClass int

const (
	// IntrNone means the trap was not a recognized interrupt.
	IntrNone IntrClass = iota

	// IntrDevice is an external interrupt from the PLIC.
	IntrDevice

	// IntrTimer is a timer interrupt.
	IntrTimer
)

// String implements fmt.Stringer.
func (c IntrClass) String() string {
	switch c {
	case IntrNone:
		return "none"
	case IntrDevice:
		return "device"
	case IntrTimer:
		return "timer"
	default:
		return fmt.Sprintf("intrclass(%d)", int(c))
	}
}

// Disposition says what a process should do after a user trap.
type Disposition int

const (
	// Resume returns the process to user space.
	Resume Disposition = iota

	// Exited means the process was terminated and must not run again.
	Exited
)

// String implements fmt.Stringer.
func (d Disposition) String() string {
	switch d {
	case Resume:
		return "resume"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// CPU is the trap dispatcher for one hart. It owns the hart's control and
// status registers and calls out through its hooks; it holds no process
// state of its own.
type CPU struct {
	// ID is the hart number. Hart 0 additionally maintains the clock.
	ID int

	// CSRs is the hart's supervisor register file. Trap delivery fills
	// in Sepc, Scause and Stval before the dispatcher runs.
	CSRs riscv.CSRs

	img     *memlayout.Image
	ticks   *Ticks
	sched   Scheduler
	syscall SyscallHandler
	plic    PLIC
	drivers Drivers
}

// NewCPU returns a dispatcher for hart id. All hooks must be non-nil.
func NewCPU(id int, img *memlayout.Image, ticks *Ticks, hooks Hooks) *CPU {
	return &CPU{
		ID:      id,
		img:     img,
		ticks:   ticks,
		sched:   hooks.Scheduler,
		syscall: hooks.Syscalls,
		plic:    hooks.PLIC,
		drivers: hooks.Drivers,
	}
}

// UserTrap handles a trap taken from user mode and reports whether the
// process survives it. On Resume the registers for the return trip have
// been staged and the process continues in user space; on Exited the
// process has been terminated and the hart belongs to the scheduler.
func (c *CPU) UserTrap(p *Process) Disposition {
	if c.CSRs.PreviousSupervisor() {
		panic("trap: user trap taken from supervisor mode")
	}

	// The trampoline switched to the kernel address space on the way in.
	// Traps from here on are kernel traps and take the kernel vector.
	c.CSRs.Satp = p.Trapframe.KernelSATP
	c.CSRs.Stvec = c.img.KernelVec

	tf := p.Trapframe
	tf.EPC = c.CSRs.Sepc

	var class IntrClass
	if c.CSRs.Scause == riscv.CauseUserEcall {
		if p.Killed.Load() {
			c.sched.Terminate(p, -1)
			return Exited
		}
		// Resume past the ecall instruction, not at it.
		tf.EPC += 4

		// sepc and scause are saved now, so an interrupt can no
		// longer clobber them.
		c.CSRs.EnableInterrupts()
		syscalls.Increment()
		c.syscall.Syscall(p)
	} else if class = c.handleIntr(); class == IntrNone {
		log.Warningf("unexpected user trap: %v pid=%d sepc=%#x stval=%#x",
			c.CSRs.Scause, p.PID, c.CSRs.Sepc, c.CSRs.Stval)
		userExceptions.Increment()
		c.sched.MarkKilled(p)
	}

	if p.Killed.Load() {
		c.sched.Terminate(p, -1)
		return Exited
	}

	if class == IntrTimer {
		if p.Alarm.tick(tf) {
			alarmFirings.Increment()
		}
		c.sched.Yield()
	}

	c.UserTrapReturn(p)
	return Resume
}

// UserTrapReturn stages a return to user space: it loads the trapframe's
// kernel half for the next trap, programs the registers the sret sequence
// consumes, and switches translation to the process's user table. It
// returns the trampoline address the hart jumps through to finish the
// trip.
func (c *CPU) UserTrapReturn(p *Process) riscv.VirtAddr {
	// Traps take the trampoline vector from here until the sret, and
	// that is only safe from user mode. Keep interrupts off for the
	// stretch.
	c.CSRs.DisableInterrupts()
	c.CSRs.Stvec = c.img.UserVec()

	tf := p.Trapframe
	tf.KernelSATP = c.CSRs.Satp
	tf.KernelSP = p.KernelStack + riscv.PageSize
	tf.KernelTrap = c.img.UserTrapService
	tf.KernelHartID = uint64(c.ID)

	// sret must land in user mode with interrupts back on.
	c.CSRs.Sstatus = (c.CSRs.Sstatus &^ riscv.SstatusSPP) | riscv.SstatusSPIE
	c.CSRs.Sepc = tf.EPC
	c.CSRs.Satp = riscv.MakeSATP(p.Tables.Root())
	return c.img.UserRet()
}

// KernelTrap handles an interrupt taken while the kernel runs. Anything
// that is not a recognized interrupt is a kernel bug and panics.
func (c *CPU) KernelTrap() {
	// Yielding below runs other code that traps in its own right; keep
	// the interrupted context's return state to restore afterwards.
	sepc := c.CSRs.Sepc
	sstatus := c.CSRs.Sstatus

	if !c.CSRs.PreviousSupervisor() {
		panic("trap: kernel trap taken from user mode")
	}
	if c.CSRs.InterruptsEnabled() {
		panic("trap: kernel trap taken with interrupts enabled")
	}

	class := c.handleIntr()
	if class == IntrNone {
		panic(fmt.Sprintf("trap: unexpected kernel trap: %v sepc=%#x stval=%#x",
			c.CSRs.Scause, sepc, c.CSRs.Stval))
	}

	if class == IntrTimer && c.sched.Current() != nil {
		c.sched.Yield()
	}

	c.CSRs.Sepc = sepc
	c.CSRs.Sstatus = sstatus
}

// handleIntr classifies the pending trap as an interrupt and services it,
// or returns IntrNone if it is not an interrupt this kernel expects.
func (c *CPU) handleIntr() IntrClass {
	switch c.CSRs.Scause {
	case riscv.CauseSupervisorExternal:
		irq, ok := c.plic.Claim()
		switch {
		case !ok:
			// Another hart beat us to it.
		case irq == memlayout.UART0IRQ:
			c.drivers.UARTIntr()
		case irq == memlayout.Virtio0IRQ:
			c.drivers.DiskIntr()
		default:
			unexpectedIntrLog.Warningf("unexpected interrupt irq=%d", irq)
		}
		if ok {
			c.plic.Complete(irq)
		}
		deviceIntrs.Increment()
		return IntrDevice

	case riscv.CauseSupervisorSoftware:
		// The machine-mode timer vector forwards its interrupt as a
		// supervisor software interrupt. One hart keeps the clock.
		if c.ID == 0 {
			c.ticks.Advance()
		}
		c.CSRs.Sip &^= riscv.SipSSIP
		timerIntrs.Increment()
		return IntrTimer

	default:
		return IntrNone
	}
}
