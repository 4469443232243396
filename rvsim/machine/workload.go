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

package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/memlayout"
	"rvisor.dev/rvisor/pkg/riscv"
	"rvisor.dev/rvisor/pkg/trap"
	"rvisor.dev/rvisor/pkg/usermem"
)

// User virtual addresses inside the init image. The program is two
// "ecall; j -4" stubs, one at the entry and one at the alarm handler, with
// the strings its writes point at behind them.
const (
	initEntryVA    = riscv.VirtAddr(0x00)
	alarmHandlerVA = riscv.VirtAddr(0x40)
	initMsgVA      = riscv.VirtAddr(0x80)
	childMsgVA     = riscv.VirtAddr(0xc0)
)

const (
	initMsg  = "hello from init"
	childMsg = "hello from the child"
)

// initcode is the image of the first user program. The modeled hart never
// fetches instructions, so the script in runInit plays the program's part
// against these addresses; the bytes are real riscv64 text all the same.
var initcode = buildInitcode()

func buildInitcode() []byte {
	// "loop: ecall; jal x0, loop": trap, come back, trap again.
	stub := []byte{
		0x73, 0x00, 0x00, 0x00, // ecall
		0x6f, 0xf0, 0xdf, 0xff, // jal x0, -4
	}
	img := make([]byte, 0x100)
	copy(img[initEntryVA:], stub)
	copy(img[alarmHandlerVA:], stub)
	copy(img[initMsgVA:], initMsg)
	copy(img[childMsgVA:], childMsg)
	return img
}

// latchTrap models the hardware latching a trap taken from user mode:
// scause set, the trapping pc captured in sepc, and supervisor mode
// entered with interrupts off.
func latchTrap(cpu *trap.CPU, cause riscv.Cause, pc riscv.VirtAddr) {
	cpu.CSRs.Scause = cause
	cpu.CSRs.Sepc = pc
	cpu.CSRs.Sstatus &^= riscv.SstatusSPP | riscv.SstatusSIE
}

// ecall models the process issuing a system call from the ecall stub at
// pc: arguments go into the trapframe, the trap is delivered, and the A0
// the process would observe comes back along with its fate.
func (m *Machine) ecall(cpu *trap.CPU, h *trap.Process, pc riscv.VirtAddr, num, a0, a1, a2 uint64) (uint64, trap.Disposition) {
	tf := h.Trapframe
	tf.A7, tf.A0, tf.A1, tf.A2 = num, a0, a1, a2
	latchTrap(cpu, riscv.CauseUserEcall, pc)
	d := cpu.UserTrap(h)
	return tf.A0, d
}

// timerTick models the timer interrupting the process, already forwarded
// by the machine-mode vector as a supervisor software interrupt.
func (m *Machine) timerTick(cpu *trap.CPU, h *trap.Process) trap.Disposition {
	cpu.CSRs.Sip |= riscv.SipSSIP
	latchTrap(cpu, riscv.CauseSupervisorSoftware, cpu.CSRs.Sepc)
	return cpu.UserTrap(h)
}

// deviceIntr models a device latching irq at the PLIC and the resulting
// external interrupt reaching the hart.
func (m *Machine) deviceIntr(cpu *trap.CPU, h *trap.Process, irq int) trap.Disposition {
	m.plic.Raise(irq)
	latchTrap(cpu, riscv.CauseSupervisorExternal, cpu.CSRs.Sepc)
	return cpu.UserTrap(h)
}

// fault models the process touching va in a way the MMU rejects.
func (m *Machine) fault(cpu *trap.CPU, h *trap.Process, cause riscv.Cause, va riscv.VirtAddr) trap.Disposition {
	cpu.CSRs.Stval = uint64(va)
	latchTrap(cpu, cause, cpu.CSRs.Sepc)
	return cpu.UserTrap(h)
}

// kernelTick models a timer interrupt landing while the hart runs kernel
// code, delivered on the kernel vector with interrupts off.
func kernelTick(cpu *trap.CPU) {
	cpu.CSRs.Sip |= riscv.SipSSIP
	cpu.CSRs.Scause = riscv.CauseSupervisorSoftware
	cpu.CSRs.Sstatus |= riscv.SstatusSPP
	cpu.CSRs.Sstatus &^= riscv.SstatusSIE
	cpu.KernelTrap()
}

// idleHart is the life of a hart with nothing scheduled: it sits in the
// kernel taking timer interrupts until it has seen its share or the run is
// called off.
func (m *Machine) idleHart(ctx context.Context, cpu *trap.CPU) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for i := 0; i < m.conf.Ticks; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			kernelTick(cpu)
		}
	}
	log.Debugf("hart %d: idled through %d ticks", cpu.ID, m.conf.Ticks)
	return nil
}

// runInit drives the first process through its life on cpu: system calls,
// heap growth, the alarm round trip, forks, device interrupts, a fatal
// fault, and exit. The hardware's part, trap delivery, is played here;
// everything it causes runs for real. An error means the machine's state
// stopped matching what the program just did.
func (m *Machine) runInit(cpu *trap.CPU) error {
	baseline := m.alloc.FreeCount()

	p, err := m.newProcess()
	if err != nil {
		return fmt.Errorf("creating init: %w", err)
	}
	init := &p.Process
	m.setRunning(cpu.ID, init)
	cpu.UserTrapReturn(init)
	log.Infof("pid %d entering user space at %#x", init.PID, init.Trapframe.EPC)

	// The program announces itself: write(1, initMsg).
	ret, d := m.ecall(cpu, init, initEntryVA, sysWrite, 1, uint64(initMsgVA), uint64(len(initMsg)))
	if d != trap.Resume || ret != uint64(len(initMsg)) {
		return fmt.Errorf("write returned %d (%v), want %d", ret, d, len(initMsg))
	}

	if ret, _ := m.ecall(cpu, init, initEntryVA, sysGetpid, 0, 0, 0); ret != uint64(init.PID) {
		return fmt.Errorf("getpid returned %d, want %d", ret, init.PID)
	}

	// Heap growth: the break moves up two pages and the new memory reads
	// back zero.
	oldsz := p.size
	ret, d = m.ecall(cpu, init, initEntryVA, sysSbrk, 2*riscv.PageSize, 0, 0)
	if d != trap.Resume || ret != oldsz {
		return fmt.Errorf("sbrk returned %#x (%v), want %#x", ret, d, oldsz)
	}
	uio := usermem.NewIO(m.arena, init.Tables)
	heap := riscv.VirtAddr(oldsz)
	buf := make([]byte, 32)
	if err := uio.CopyIn(heap, buf); err != nil {
		return fmt.Errorf("reading grown memory: %w", err)
	}
	if !bytes.Equal(buf, make([]byte, len(buf))) {
		return fmt.Errorf("grown memory not zeroed: % x", buf)
	}

	// The program stamps its heap; the stamp must survive the round trip
	// through the user mapping.
	stamp := []byte("init heap v1")
	if err := uio.CopyOut(heap, stamp); err != nil {
		return fmt.Errorf("writing heap: %w", err)
	}

	// sigalarm(interval, handler), then let the timer run the program.
	// One tick short of the interval nothing happens; the next lands in
	// the handler.
	interval := uint64(m.conf.AlarmInterval)
	if _, d := m.ecall(cpu, init, initEntryVA, sysSigalarm, interval, uint64(alarmHandlerVA), 0); d != trap.Resume {
		return fmt.Errorf("sigalarm: disposition %v", d)
	}
	for i := uint64(0); i < interval-1; i++ {
		if d := m.timerTick(cpu, init); d != trap.Resume {
			return fmt.Errorf("timer tick %d: disposition %v", i, d)
		}
		if init.Alarm.Pending() {
			return fmt.Errorf("alarm fired after %d ticks, want %d", i+1, interval)
		}
	}
	if d := m.timerTick(cpu, init); d != trap.Resume {
		return fmt.Errorf("alarm tick: disposition %v", d)
	}
	if !init.Alarm.Pending() || init.Trapframe.EPC != alarmHandlerVA {
		return fmt.Errorf("alarm did not divert: pending=%t epc=%#x",
			init.Alarm.Pending(), init.Trapframe.EPC)
	}

	// The handler takes its time; the ticks that pass meanwhile must not
	// re-deliver.
	for i := uint64(0); i < 2*interval; i++ {
		if d := m.timerTick(cpu, init); d != trap.Resume {
			return fmt.Errorf("timer tick in handler: disposition %v", d)
		}
	}
	if init.Trapframe.EPC != alarmHandlerVA {
		return fmt.Errorf("alarm re-delivered inside the handler: epc=%#x", init.Trapframe.EPC)
	}

	// sigreturn: back to the interrupted registers.
	if _, d := m.ecall(cpu, init, alarmHandlerVA, sysSigreturn, 0, 0, 0); d != trap.Resume {
		return fmt.Errorf("sigreturn: disposition %v", d)
	}
	if init.Alarm.Pending() {
		return fmt.Errorf("sigreturn left the alarm pending")
	}
	if init.Trapframe.EPC == alarmHandlerVA {
		return fmt.Errorf("sigreturn left the pc in the handler")
	}

	// The console and the disk interrupt, plus one line nobody drives.
	for _, irq := range []int{memlayout.UART0IRQ, memlayout.Virtio0IRQ, 9} {
		if d := m.deviceIntr(cpu, init, irq); d != trap.Resume {
			return fmt.Errorf("device interrupt irq=%d: disposition %v", irq, d)
		}
	}
	if uart, disk := m.devs.uart.Load(), m.devs.disk.Load(); uart != 1 || disk != 1 {
		return fmt.Errorf("device interrupts uart=%d disk=%d, want 1 each", uart, disk)
	}

	// fork: the child observes zero from the call and owns its own copy
	// of the heap.
	ret, d = m.ecall(cpu, init, initEntryVA, sysFork, 0, 0, 0)
	if d != trap.Resume || ret == sysError {
		return fmt.Errorf("fork returned %d (%v)", int64(ret), d)
	}
	cp := m.byPID(int(ret))
	if cp == nil {
		return fmt.Errorf("fork returned pid %d but no such process", int(ret))
	}
	child := &cp.Process
	if child.Trapframe.A0 != 0 {
		return fmt.Errorf("child A0 = %d, want 0", child.Trapframe.A0)
	}
	if err := uio.CopyOut(heap, []byte("parent after")); err != nil {
		return fmt.Errorf("restamping heap: %w", err)
	}
	got := make([]byte, len(stamp))
	if err := usermem.NewIO(m.arena, child.Tables).CopyIn(heap, got); err != nil {
		return fmt.Errorf("reading child heap: %w", err)
	}
	if !bytes.Equal(got, stamp) {
		return fmt.Errorf("child heap %q, want %q", got, stamp)
	}

	// The parent waits while the hart runs the child; the script stands
	// in for both the context switch and the wait.
	m.setRunning(cpu.ID, child)
	cpu.UserTrapReturn(child)
	if ret, d := m.ecall(cpu, child, initEntryVA, sysGetpid, 0, 0, 0); d != trap.Resume || ret != uint64(child.PID) {
		return fmt.Errorf("child getpid returned %d (%v), want %d", ret, d, child.PID)
	}
	if ret, d := m.ecall(cpu, child, initEntryVA, sysWrite, 1, uint64(childMsgVA), uint64(len(childMsg))); d != trap.Resume || ret != uint64(len(childMsg)) {
		return fmt.Errorf("child write returned %d (%v), want %d", ret, d, len(childMsg))
	}
	if _, d := m.ecall(cpu, child, initEntryVA, sysExit, 3, 0, 0); d != trap.Exited {
		return fmt.Errorf("child exit: disposition %v", d)
	}
	if code, exited := m.exitStatus(cp); !exited || code != 3 {
		return fmt.Errorf("child exit status %d,%t, want 3,true", code, exited)
	}
	m.destroy(cp)

	// A second fork; this one chases a stray pointer and is killed.
	m.setRunning(cpu.ID, init)
	cpu.UserTrapReturn(init)
	ret, d = m.ecall(cpu, init, initEntryVA, sysFork, 0, 0, 0)
	if d != trap.Resume || ret == sysError {
		return fmt.Errorf("second fork returned %d (%v)", int64(ret), d)
	}
	bp := m.byPID(int(ret))
	if bp == nil {
		return fmt.Errorf("second fork returned pid %d but no such process", int(ret))
	}
	bad := &bp.Process
	m.setRunning(cpu.ID, bad)
	cpu.UserTrapReturn(bad)
	if d := m.fault(cpu, bad, riscv.CauseStorePageFault, riscv.MaxVA-8); d != trap.Exited {
		return fmt.Errorf("faulting child survived: %v", d)
	}
	if code, exited := m.exitStatus(bp); !exited || code != -1 {
		return fmt.Errorf("faulting child exit status %d,%t, want -1,true", code, exited)
	}
	m.destroy(bp)

	// The program returns its heap, after which the address no longer
	// translates, and checks the clock moved.
	m.setRunning(cpu.ID, init)
	cpu.UserTrapReturn(init)
	dec := -2 * int64(riscv.PageSize)
	ret, d = m.ecall(cpu, init, initEntryVA, sysSbrk, uint64(dec), 0, 0)
	if d != trap.Resume || ret != oldsz+2*riscv.PageSize {
		return fmt.Errorf("sbrk shrink returned %#x (%v), want %#x", ret, d, oldsz+2*riscv.PageSize)
	}
	if err := uio.CopyIn(heap, buf); !errors.Is(err, usermem.ErrBadAddress) {
		return fmt.Errorf("read of released heap: %v, want bad address", err)
	}
	if ret, _ := m.ecall(cpu, init, initEntryVA, sysUptime, 0, 0, 0); ret == 0 {
		return fmt.Errorf("uptime still zero after the timer ran")
	}

	if _, d := m.ecall(cpu, init, initEntryVA, sysExit, 0, 0, 0); d != trap.Exited {
		return fmt.Errorf("exit: disposition %v", d)
	}
	if code, exited := m.exitStatus(p); !exited || code != 0 {
		return fmt.Errorf("init exit status %d,%t, want 0,true", code, exited)
	}
	m.destroy(p)

	// Everything the workload touched is back on the free list.
	if got := m.alloc.FreeCount(); got != baseline {
		return fmt.Errorf("frame leak: %d free frames, want %d", got, baseline)
	}
	log.Infof("workload complete, %d frames free", baseline)
	return nil
}
