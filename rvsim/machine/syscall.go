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
	"fmt"

	"rvisor.dev/rvisor/pkg/cleanup"
	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/memlayout"
	"rvisor.dev/rvisor/pkg/pagetables"
	"rvisor.dev/rvisor/pkg/riscv"
	"rvisor.dev/rvisor/pkg/trap"
	"rvisor.dev/rvisor/pkg/usermem"
)

// System call numbers, found in the trapframe's A7.
const (
	sysFork      = 1
	sysExit      = 2
	sysGetpid    = 11
	sysSbrk      = 12
	sysUptime    = 14
	sysWrite     = 16
	sysSigalarm  = 22
	sysSigreturn = 23
)

// sysError is the A0 value reporting system call failure.
const sysError = ^uint64(0)

// maxWriteLen bounds a single console write.
const maxWriteLen = 1024

// syscalls services system calls against the machine's state. Arguments
// arrive in A0 through A2 and the result is written back to A0.
type syscalls struct {
	m *Machine
}

// Syscall implements trap.SyscallHandler.Syscall.
func (s *syscalls) Syscall(h *trap.Process) {
	m := s.m
	p := m.lookup(h)
	if p == nil {
		panic(fmt.Sprintf("machine: system call from unknown pid %d", h.PID))
	}

	tf := h.Trapframe
	var ret uint64
	switch tf.A7 {
	case sysFork:
		child, err := m.forkProcess(p)
		if err != nil {
			log.Warningf("pid %d: fork: %v", h.PID, err)
			ret = sysError
		} else {
			ret = uint64(child.PID)
		}

	case sysExit:
		// Record the real code first; the dispatcher's killed-process
		// sweep then finishes the trap without returning to user space.
		m.terminate(h, int(int64(tf.A0)))
		h.Killed.Store(true)
		return

	case sysGetpid:
		ret = uint64(h.PID)

	case sysSbrk:
		ret = m.sbrk(p, int64(tf.A0))

	case sysUptime:
		ret = m.ticks.Now()

	case sysWrite:
		ret = m.write(p, riscv.VirtAddr(tf.A1), tf.A2)

	case sysSigalarm:
		h.Alarm.Configure(tf.A0, riscv.VirtAddr(tf.A1))
		ret = 0

	case sysSigreturn:
		// Acknowledge restores the whole trapframe; returning the
		// restored A0 keeps the restore from being clobbered below.
		h.Alarm.Acknowledge(tf)
		ret = tf.A0

	default:
		log.Warningf("pid %d: unknown system call %d", h.PID, tf.A7)
		ret = sysError
	}
	tf.A0 = ret
}

// write copies n bytes of user memory at va to the console, which for this
// machine is the log. It returns the count written, or failure when the
// buffer does not translate.
func (m *Machine) write(p *process, va riscv.VirtAddr, n uint64) uint64 {
	if n > maxWriteLen {
		n = maxWriteLen
	}
	buf := make([]byte, n)
	if err := usermem.NewIO(m.arena, p.Tables).CopyIn(va, buf); err != nil {
		log.Warningf("pid %d: write: %v", p.PID, err)
		return sysError
	}
	log.Infof("pid %d: console: %s", p.PID, buf)
	return n
}

// sbrk grows or shrinks the process image by n bytes and returns the old
// size, the same way the break would move on a real kernel. The kernel
// shadow is kept in step with the user table.
func (m *Machine) sbrk(p *process, n int64) uint64 {
	old := p.size
	switch {
	case n > 0:
		nsz, err := p.Tables.Grow(old, old+uint64(n))
		if err != nil {
			log.Warningf("pid %d: sbrk(%d): %v", p.PID, n, err)
			return sysError
		}
		if err := p.shadow.SyncUserRange(p.Tables, old, nsz); err != nil {
			log.Warningf("pid %d: sbrk(%d): %v", p.PID, n, err)
			p.Tables.Shrink(nsz, old)
			return sysError
		}
		p.size = nsz
	case n < 0:
		if uint64(-n) > old {
			return sysError
		}
		nsz := p.Tables.Shrink(old, old-uint64(-n))
		if err := p.shadow.SyncUserRange(p.Tables, old, nsz); err != nil {
			// The shrink direction only drops entries.
			panic(fmt.Sprintf("machine: shrinking shadow: %v", err))
		}
		p.size = nsz
	}
	return old
}

// forkProcess builds a copy of parent: the same image in fresh frames and
// the same registers, except that A0 is zeroed so the child observes a
// zero return from fork.
func (m *Machine) forkProcess(parent *process) (*process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextPID > m.conf.MaxProcs {
		return nil, fmt.Errorf("out of process slots (max %d)", m.conf.MaxProcs)
	}

	tfFrame, err := m.alloc.Alloc()
	if err != nil {
		return nil, fmt.Errorf("allocating trapframe: %w", err)
	}
	cu := cleanup.Make(func() { m.alloc.Free(tfFrame) })
	defer cu.Clean()

	tables, err := pagetables.NewUser(m.arena, m.alloc, m.img, tfFrame)
	if err != nil {
		return nil, fmt.Errorf("creating user table: %w", err)
	}
	size := uint64(0)
	cu.Add(func() { tables.FreeUser(size) })

	if err := parent.Tables.CopyInto(tables, parent.size); err != nil {
		return nil, fmt.Errorf("copying address space: %w", err)
	}
	size = parent.size

	shadow, err := m.kernel.NewKernelShadow()
	if err != nil {
		return nil, fmt.Errorf("creating kernel shadow: %w", err)
	}
	cu.Add(func() { shadow.Release() })

	if err := shadow.SyncUserRange(tables, 0, size); err != nil {
		return nil, fmt.Errorf("mirroring address space: %w", err)
	}

	pid := m.nextPID
	m.nextPID++
	p := &process{
		Process: trap.Process{
			PID:         pid,
			Trapframe:   &trap.Trapframe{},
			Tables:      tables,
			KernelStack: memlayout.KernelStack(pid - 1),
		},
		shadow:  shadow,
		size:    size,
		tfFrame: tfFrame,
	}
	// The child resumes where the parent trapped.
	*p.Trapframe = *parent.Trapframe
	p.Trapframe.A0 = 0

	cu.Release()
	m.procs[&p.Process] = p
	processStarts.Increment()
	log.Infof("pid %d forked pid %d", parent.PID, pid)
	return p, nil
}

// lookup returns the machine's process behind a dispatcher handle, or nil.
func (m *Machine) lookup(h *trap.Process) *process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[h]
}

// byPID returns the live process with the given pid, or nil.
func (m *Machine) byPID(pid int) *process {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.procs {
		if p.PID == pid {
			return p
		}
	}
	return nil
}
