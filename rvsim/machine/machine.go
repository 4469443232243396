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

// Package machine assembles a modeled RISC-V machine: an arena of physical
// memory with the kernel image at its base, a frame allocator over the
// rest, the kernel page table, and one trap dispatcher per hart. Booting
// it runs a scripted first process through its life while the remaining
// harts idle in the kernel, which exercises every path a real workload
// would: system calls, user copies, heap growth, timer and device
// interrupts, the alarm, and teardown.
//
// The scheduler, interrupt controller and drivers behind the dispatcher
// are deliberately minimal stand-ins; the machinery under them is not.
package machine

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"rvisor.dev/rvisor/pkg/cleanup"
	"rvisor.dev/rvisor/pkg/kalloc"
	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/memlayout"
	"rvisor.dev/rvisor/pkg/metric"
	"rvisor.dev/rvisor/pkg/pagetables"
	"rvisor.dev/rvisor/pkg/physmem"
	"rvisor.dev/rvisor/pkg/riscv"
	"rvisor.dev/rvisor/pkg/sync"
	"rvisor.dev/rvisor/pkg/trap"
	"rvisor.dev/rvisor/rvsim/config"
)

var (
	processStarts = metric.MustCreateNewUint64Metric("/machine/process_starts",
		"Number of processes created.")
	processExits = metric.MustCreateNewUint64Metric("/machine/process_exits",
		"Number of processes that exited.")
)

// The free-frame gauge reads through an atomic pointer so that building a
// second machine in one binary rebinds it instead of re-registering.
var (
	gaugeAlloc atomic.Pointer[kalloc.Allocator]
	gaugeOnce  sync.Once
)

func registerFreeFrames(a *kalloc.Allocator) {
	gaugeAlloc.Store(a)
	gaugeOnce.Do(func() {
		metric.MustRegisterCustomUint64Metric("/machine/free_frames",
			"Number of physical frames on the free list.", func() uint64 {
				if a := gaugeAlloc.Load(); a != nil {
					return a.FreeCount()
				}
				return 0
			})
	})
}

// Machine is one modeled machine.
type Machine struct {
	conf   *config.Config
	arena  *physmem.Arena
	alloc  *kalloc.Allocator
	img    *memlayout.Image
	kernel *pagetables.PageTables
	ticks  *trap.Ticks
	plic   *plic
	devs   *drivers
	cpus   []*trap.CPU

	mu      sync.Mutex
	running []*trap.Process
	procs   map[*trap.Process]*process
	nextPID int
}

// process is the machine's side of a process: the dispatcher's handle plus
// the resources the handle does not carry.
type process struct {
	trap.Process

	// shadow is the process's kernel-shadow page table.
	shadow *pagetables.PageTables

	// size is the extent of the user image in bytes.
	size uint64

	// tfFrame is the frame mapped at the trapframe address.
	tfFrame riscv.PhysAddr

	// exited and code record the process's end, under Machine.mu.
	exited bool
	code   int
}

// New builds a machine for the given configuration. The harts come up
// halted: nothing runs until Boot.
func New(conf *config.Config) (*Machine, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	arena, err := physmem.New(memlayout.KernBase, uint64(conf.MemoryMB)<<20)
	if err != nil {
		return nil, fmt.Errorf("reserving physical memory: %w", err)
	}
	cu := cleanup.Make(func() { arena.Close() })
	defer cu.Clean()

	img := layoutImage(arena)
	alloc, err := kalloc.New(arena, img.End)
	if err != nil {
		return nil, fmt.Errorf("initializing frame allocator: %w", err)
	}
	kernel, err := pagetables.NewKernel(arena, alloc, img)
	if err != nil {
		return nil, fmt.Errorf("building kernel page table: %w", err)
	}

	// One kernel stack per process slot, each its own frame, with the
	// unmapped guard pages the stack layout leaves between them.
	for i := 0; i < conf.MaxProcs; i++ {
		frame, err := alloc.Alloc()
		if err != nil {
			return nil, fmt.Errorf("allocating kernel stack %d: %w", i, err)
		}
		if err := kernel.Map(memlayout.KernelStack(i), riscv.PageSize, frame, riscv.PTERead|riscv.PTEWrite); err != nil {
			return nil, fmt.Errorf("mapping kernel stack %d: %w", i, err)
		}
	}

	m := &Machine{
		conf:    conf,
		arena:   arena,
		alloc:   alloc,
		img:     img,
		kernel:  kernel,
		ticks:   trap.NewTicks(),
		plic:    &plic{},
		devs:    &drivers{},
		running: make([]*trap.Process, conf.Harts),
		procs:   make(map[*trap.Process]*process),
		nextPID: 1,
	}
	for i := 0; i < conf.Harts; i++ {
		cpu := trap.NewCPU(i, img, m.ticks, trap.Hooks{
			Scheduler: &hartSched{m: m, hart: i},
			Syscalls:  &syscalls{m: m},
			PLIC:      m.plic,
			Drivers:   m.devs,
		})
		// Each hart boots on the kernel vector with the kernel table
		// active.
		cpu.CSRs.Stvec = img.KernelVec
		cpu.CSRs.Satp = riscv.MakeSATP(kernel.Root())
		m.cpus = append(m.cpus, cpu)
	}
	registerFreeFrames(alloc)

	cu.Release()
	return m, nil
}

// layoutImage stands in for the linker. rvsim has no compiled kernel, so
// the image is two pages at the bottom of RAM: one of executable text
// holding the trampoline and the trap vectors, one of data.
func layoutImage(arena *physmem.Arena) *memlayout.Image {
	base := arena.Base()
	return &memlayout.Image{
		Etext:           base + riscv.PageSize,
		End:             base + 2*riscv.PageSize,
		PhysTop:         arena.Top(),
		TrampolinePhys:  base,
		KernelVec:       riscv.VirtAddr(base) + 0x100,
		UserTrapService: riscv.VirtAddr(base) + 0x200,
		UserVecOffset:   0x00,
		UserRetOffset:   0x80,
	}
}

// Close releases the machine's memory. The machine must not be booted
// again afterwards.
func (m *Machine) Close() error {
	return m.arena.Close()
}

// Boot brings up the harts and runs the scripted workload to completion.
func (m *Machine) Boot(ctx context.Context) error {
	log.Infof("machine: %d hart(s), %d MB RAM, %d free frames",
		m.conf.Harts, m.conf.MemoryMB, m.alloc.FreeCount())

	g, ctx := errgroup.WithContext(ctx)
	for _, cpu := range m.cpus[1:] {
		cpu := cpu
		g.Go(func() error { return m.idleHart(ctx, cpu) })
	}
	g.Go(func() error { return m.runInit(m.cpus[0]) })
	return g.Wait()
}

// DumpLayout prints the machine's physical layout and the page table of a
// freshly built process image.
func (m *Machine) DumpLayout(w io.Writer) error {
	fmt.Fprintf(w, "physical memory  [%#x, %#x)\n", m.arena.Base(), m.arena.Top())
	fmt.Fprintf(w, "kernel text      [%#x, %#x)\n", m.arena.Base(), m.img.Etext)
	fmt.Fprintf(w, "kernel data      [%#x, %#x)\n", m.img.Etext, m.img.End)
	fmt.Fprintf(w, "free frames      %d\n", m.alloc.FreeCount())

	p, err := m.newProcess()
	if err != nil {
		return fmt.Errorf("building init image: %w", err)
	}
	defer m.destroy(p)
	fmt.Fprintf(w, "init process page table:\n")
	return p.Tables.Dump(w)
}

// newProcess builds a process: trapframe frame, user table with the init
// image loaded, and a kernel-shadow table mirroring it.
func (m *Machine) newProcess() (*process, error) {
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

	if err := tables.LoadInit(initcode); err != nil {
		return nil, fmt.Errorf("loading init image: %w", err)
	}
	size = riscv.PageSize

	shadow, err := m.kernel.NewKernelShadow()
	if err != nil {
		return nil, fmt.Errorf("creating kernel shadow: %w", err)
	}
	cu.Add(func() { shadow.Release() })

	if err := shadow.SyncUserRange(tables, 0, size); err != nil {
		return nil, fmt.Errorf("mirroring init image: %w", err)
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
	// The first return to user space starts at the top of the image with
	// the stack at the end of the page.
	p.Trapframe.EPC = 0
	p.Trapframe.SP = riscv.PageSize

	cu.Release()
	m.procs[&p.Process] = p
	processStarts.Increment()
	return p, nil
}

// destroy returns everything the process held to the free list. The
// process must no longer be running on any hart.
func (m *Machine) destroy(p *process) {
	h := &p.Process
	m.mu.Lock()
	delete(m.procs, h)
	m.mu.Unlock()

	p.shadow.Release()
	h.Tables.FreeUser(p.size)
	m.alloc.Free(p.tfFrame)
}

// terminate records a process's end and unschedules it everywhere. Later
// calls for the same process are ignored, so a syscall-layer exit and the
// dispatcher's killed-process sweep can both report it.
func (m *Machine) terminate(h *trap.Process, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.procs[h]
	if p == nil || p.exited {
		return
	}
	p.exited = true
	p.code = code
	for i, r := range m.running {
		if r == h {
			m.running[i] = nil
		}
	}
	processExits.Increment()
	log.Infof("pid %d exited with code %d", h.PID, code)
}

// exitStatus returns the recorded exit of p.
func (m *Machine) exitStatus(p *process) (code int, exited bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return p.code, p.exited
}

func (m *Machine) runningOn(hart int) *trap.Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[hart]
}

func (m *Machine) setRunning(hart int, h *trap.Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[hart] = h
}
