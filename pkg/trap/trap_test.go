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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"rvisor.dev/rvisor/pkg/kalloc"
	"rvisor.dev/rvisor/pkg/memlayout"
	"rvisor.dev/rvisor/pkg/pagetables"
	"rvisor.dev/rvisor/pkg/physmem"
	"rvisor.dev/rvisor/pkg/riscv"
)

// testKernelSATP stands in for the kernel page table in trapframes seeded
// by newTrapEnv.
var testKernelSATP = riscv.MakeSATP(memlayout.KernBase)

type fakeSched struct {
	current    *Process
	yields     int
	onYield    func()
	marks      int
	terminated *Process
	exitCode   int
}

func (s *fakeSched) Current() *Process { return s.current }

func (s *fakeSched) Yield() {
	s.yields++
	if s.onYield != nil {
		s.onYield()
	}
}

func (s *fakeSched) MarkKilled(p *Process) {
	s.marks++
	p.Killed.Store(true)
}

func (s *fakeSched) Terminate(p *Process, code int) {
	s.terminated = p
	s.exitCode = code
}

type fakeSyscalls struct {
	calls int
	fn    func(p *Process)
}

func (f *fakeSyscalls) Syscall(p *Process) {
	f.calls++
	if f.fn != nil {
		f.fn(p)
	}
}

// fakePLIC hands out pending interrupts in order, one per claim.
type fakePLIC struct {
	pending   []int
	completed []int
}

func (f *fakePLIC) Claim() (int, bool) {
	if len(f.pending) == 0 {
		return 0, false
	}
	irq := f.pending[0]
	f.pending = f.pending[1:]
	return irq, true
}

func (f *fakePLIC) Complete(irq int) {
	f.completed = append(f.completed, irq)
}

type fakeDrivers struct {
	uart int
	disk int
}

func (f *fakeDrivers) UARTIntr() { f.uart++ }
func (f *fakeDrivers) DiskIntr() { f.disk++ }

type trapEnv struct {
	cpu     *CPU
	img     *memlayout.Image
	ticks   *Ticks
	sched   *fakeSched
	sys     *fakeSyscalls
	plic    *fakePLIC
	drivers *fakeDrivers
	proc    *Process
}

func newTrapEnv(t *testing.T, hart int) *trapEnv {
	t.Helper()
	arena, err := physmem.New(memlayout.KernBase, 32*riscv.PageSize)
	if err != nil {
		t.Fatalf("physmem.New got err %v want nil", err)
	}
	t.Cleanup(func() { arena.Close() })
	alloc, err := kalloc.New(arena, memlayout.KernBase)
	if err != nil {
		t.Fatalf("kalloc.New got err %v want nil", err)
	}
	pt, err := pagetables.New(arena, alloc)
	if err != nil {
		t.Fatalf("pagetables.New got err %v want nil", err)
	}

	env := &trapEnv{
		img: &memlayout.Image{
			Etext:           memlayout.KernBase + riscv.PageSize,
			End:             memlayout.KernBase + riscv.PageSize,
			PhysTop:         memlayout.KernBase + 32*riscv.PageSize,
			TrampolinePhys:  memlayout.KernBase,
			KernelVec:       riscv.VirtAddr(memlayout.KernBase) + 0x40,
			UserTrapService: riscv.VirtAddr(memlayout.KernBase) + 0x80,
			UserVecOffset:   0,
			UserRetOffset:   0x100,
		},
		ticks:   NewTicks(),
		sched:   &fakeSched{},
		sys:     &fakeSyscalls{},
		plic:    &fakePLIC{},
		drivers: &fakeDrivers{},
	}
	env.proc = &Process{
		PID:         7,
		Trapframe:   &Trapframe{KernelSATP: testKernelSATP},
		Tables:      pt,
		KernelStack: memlayout.KernelStack(0),
	}
	env.sched.current = env.proc
	env.cpu = NewCPU(hart, env.img, env.ticks, Hooks{
		Scheduler: env.sched,
		Syscalls:  env.sys,
		PLIC:      env.plic,
		Drivers:   env.drivers,
	})
	return env
}

// deliver models hardware trap delivery from user mode: scause, sepc and
// stval are latched and the hart arrives in supervisor mode with
// interrupts off.
func (e *trapEnv) deliver(cause riscv.Cause, pc riscv.VirtAddr, stval uint64) {
	e.cpu.CSRs.Scause = cause
	e.cpu.CSRs.Sepc = pc
	e.cpu.CSRs.Stval = stval
	e.cpu.CSRs.Sstatus &^= riscv.SstatusSPP | riscv.SstatusSIE
}

// deliverKernel models trap delivery while the hart was already in
// supervisor mode.
func (e *trapEnv) deliverKernel(cause riscv.Cause, pc riscv.VirtAddr) {
	e.cpu.CSRs.Scause = cause
	e.cpu.CSRs.Sepc = pc
	e.cpu.CSRs.Sstatus |= riscv.SstatusSPP
	e.cpu.CSRs.Sstatus &^= riscv.SstatusSIE
}

// timerTrap delivers one timer interrupt from user code running at pc.
func (e *trapEnv) timerTrap(t *testing.T, pc riscv.VirtAddr) Disposition {
	t.Helper()
	e.cpu.CSRs.Sip |= riscv.SipSSIP
	e.deliver(riscv.CauseSupervisorSoftware, pc, 0)
	return e.cpu.UserTrap(e.proc)
}

func assertPanic(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("function did not panic")
		}
	}()
	f()
}

func TestUserTrapSyscall(t *testing.T) {
	env := newTrapEnv(t, 0)
	pc := riscv.VirtAddr(0x1000)

	var gotEPC riscv.VirtAddr
	var intrOn bool
	env.sys.fn = func(p *Process) {
		gotEPC = p.Trapframe.EPC
		intrOn = env.cpu.CSRs.InterruptsEnabled()
	}

	before := syscalls.Value()
	env.deliver(riscv.CauseUserEcall, pc, 0)
	if got := env.cpu.UserTrap(env.proc); got != Resume {
		t.Fatalf("UserTrap got %v want %v", got, Resume)
	}
	if env.sys.calls != 1 {
		t.Fatalf("syscall hook ran %d times want 1", env.sys.calls)
	}
	if want := pc + 4; gotEPC != want {
		t.Errorf("EPC during syscall got %#x want %#x", gotEPC, want)
	}
	if !intrOn {
		t.Errorf("interrupts off during syscall, want enabled")
	}
	if got, want := syscalls.Value(), before+1; got != want {
		t.Errorf("syscall metric got %d want %d", got, want)
	}

	// The return trip is staged: next trap through the trampoline, sret
	// to user mode past the ecall, user address space active.
	if got, want := env.cpu.CSRs.Stvec, env.img.UserVec(); got != want {
		t.Errorf("stvec got %#x want %#x", got, want)
	}
	if got, want := env.cpu.CSRs.Sepc, pc+4; got != want {
		t.Errorf("sepc got %#x want %#x", got, want)
	}
	if got, want := env.cpu.CSRs.Satp, riscv.MakeSATP(env.proc.Tables.Root()); got != want {
		t.Errorf("satp got %#x want %#x", got, want)
	}
	if env.cpu.CSRs.PreviousSupervisor() {
		t.Errorf("sstatus SPP set, sret would stay in supervisor mode")
	}
	if env.cpu.CSRs.Sstatus&riscv.SstatusSPIE == 0 {
		t.Errorf("sstatus SPIE clear, user code would run with interrupts off")
	}
	tf := env.proc.Trapframe
	if got, want := tf.KernelSATP, testKernelSATP; got != want {
		t.Errorf("trapframe kernel satp got %#x want %#x", got, want)
	}
	if got, want := tf.KernelSP, env.proc.KernelStack+riscv.PageSize; got != want {
		t.Errorf("trapframe kernel sp got %#x want %#x", got, want)
	}
	if got, want := tf.KernelTrap, env.img.UserTrapService; got != want {
		t.Errorf("trapframe kernel trap got %#x want %#x", got, want)
	}
	if tf.KernelHartID != 0 {
		t.Errorf("trapframe hartid got %d want 0", tf.KernelHartID)
	}
}

func TestUserTrapKilledBeforeSyscall(t *testing.T) {
	env := newTrapEnv(t, 0)
	env.proc.Killed.Store(true)

	env.deliver(riscv.CauseUserEcall, 0x1000, 0)
	if got := env.cpu.UserTrap(env.proc); got != Exited {
		t.Fatalf("UserTrap got %v want %v", got, Exited)
	}
	if env.sys.calls != 0 {
		t.Errorf("syscall hook ran %d times want 0", env.sys.calls)
	}
	if env.sched.terminated != env.proc || env.sched.exitCode != -1 {
		t.Errorf("Terminate got (%p, %d) want (%p, -1)", env.sched.terminated, env.sched.exitCode, env.proc)
	}
}

func TestUserTrapKilledDuringSyscall(t *testing.T) {
	env := newTrapEnv(t, 0)
	env.sys.fn = func(p *Process) { env.sched.MarkKilled(p) }

	env.deliver(riscv.CauseUserEcall, 0x1000, 0)
	if got := env.cpu.UserTrap(env.proc); got != Exited {
		t.Fatalf("UserTrap got %v want %v", got, Exited)
	}
	if env.sys.calls != 1 {
		t.Errorf("syscall hook ran %d times want 1", env.sys.calls)
	}
	if env.sched.terminated != env.proc || env.sched.exitCode != -1 {
		t.Errorf("Terminate got (%p, %d) want (%p, -1)", env.sched.terminated, env.sched.exitCode, env.proc)
	}
}

func TestUserTrapUnhandledException(t *testing.T) {
	env := newTrapEnv(t, 0)

	env.deliver(riscv.CauseStorePageFault, 0x1000, 0xdead)
	if got := env.cpu.UserTrap(env.proc); got != Exited {
		t.Fatalf("UserTrap got %v want %v", got, Exited)
	}
	if env.sched.marks != 1 {
		t.Errorf("MarkKilled ran %d times want 1", env.sched.marks)
	}
	if !env.proc.Killed.Load() {
		t.Errorf("process not marked killed after unhandled exception")
	}
	if env.sched.terminated != env.proc || env.sched.exitCode != -1 {
		t.Errorf("Terminate got (%p, %d) want (%p, -1)", env.sched.terminated, env.sched.exitCode, env.proc)
	}
}

func TestUserTrapDeviceInterrupt(t *testing.T) {
	tests := []struct {
		name     string
		pending  []int
		wantUART int
		wantDisk int
		wantDone []int
	}{
		{
			name:     "uart",
			pending:  []int{memlayout.UART0IRQ},
			wantUART: 1,
			wantDone: []int{memlayout.UART0IRQ},
		},
		{
			name:     "disk",
			pending:  []int{memlayout.Virtio0IRQ},
			wantDisk: 1,
			wantDone: []int{memlayout.Virtio0IRQ},
		},
		{
			name:     "unknown device",
			pending:  []int{7},
			wantDone: []int{7},
		},
		{
			name: "claimed by another hart",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env := newTrapEnv(t, 0)
			env.plic.pending = test.pending

			env.deliver(riscv.CauseSupervisorExternal, 0x1000, 0)
			if got := env.cpu.UserTrap(env.proc); got != Resume {
				t.Fatalf("UserTrap got %v want %v", got, Resume)
			}
			if env.drivers.uart != test.wantUART {
				t.Errorf("uart interrupts got %d want %d", env.drivers.uart, test.wantUART)
			}
			if env.drivers.disk != test.wantDisk {
				t.Errorf("disk interrupts got %d want %d", env.drivers.disk, test.wantDisk)
			}
			if diff := cmp.Diff(test.wantDone, env.plic.completed); diff != "" {
				t.Errorf("completed interrupts mismatch (-want +got):\n%s", diff)
			}
			if env.sched.yields != 0 {
				t.Errorf("device interrupt yielded %d times want 0", env.sched.yields)
			}
		})
	}
}

func TestUserTrapTimer(t *testing.T) {
	env := newTrapEnv(t, 0)

	if got := env.timerTrap(t, 0x1000); got != Resume {
		t.Fatalf("UserTrap got %v want %v", got, Resume)
	}
	if got := env.ticks.Now(); got != 1 {
		t.Errorf("clock after timer trap got %d want 1", got)
	}
	if env.sched.yields != 1 {
		t.Errorf("yields got %d want 1", env.sched.yields)
	}
	if env.cpu.CSRs.Sip&riscv.SipSSIP != 0 {
		t.Errorf("software interrupt still pending after handling")
	}
}

func TestUserTrapTimerSecondaryHart(t *testing.T) {
	env := newTrapEnv(t, 1)

	env.timerTrap(t, 0x1000)
	if got := env.ticks.Now(); got != 0 {
		t.Errorf("hart 1 advanced the clock to %d, only hart 0 keeps time", got)
	}
	if env.sched.yields != 1 {
		t.Errorf("yields got %d want 1", env.sched.yields)
	}
}

func TestUserTrapFromSupervisorPanics(t *testing.T) {
	env := newTrapEnv(t, 0)

	env.deliver(riscv.CauseUserEcall, 0x1000, 0)
	env.cpu.CSRs.Sstatus |= riscv.SstatusSPP
	assertPanic(t, func() { env.cpu.UserTrap(env.proc) })
}

func TestUserTrapReturn(t *testing.T) {
	env := newTrapEnv(t, 3)
	tf := env.proc.Trapframe
	tf.EPC = 0x2000
	env.cpu.CSRs.Satp = testKernelSATP
	env.cpu.CSRs.Sstatus |= riscv.SstatusSPP
	env.cpu.CSRs.EnableInterrupts()

	if got, want := env.cpu.UserTrapReturn(env.proc), env.img.UserRet(); got != want {
		t.Errorf("UserTrapReturn got %#x want %#x", got, want)
	}
	if got, want := env.cpu.CSRs.Stvec, env.img.UserVec(); got != want {
		t.Errorf("stvec got %#x want %#x", got, want)
	}
	if env.cpu.CSRs.InterruptsEnabled() {
		t.Errorf("interrupts enabled while stvec points at the trampoline")
	}
	if env.cpu.CSRs.PreviousSupervisor() {
		t.Errorf("sstatus SPP set, sret would stay in supervisor mode")
	}
	if env.cpu.CSRs.Sstatus&riscv.SstatusSPIE == 0 {
		t.Errorf("sstatus SPIE clear, user code would run with interrupts off")
	}
	if got, want := env.cpu.CSRs.Sepc, tf.EPC; got != want {
		t.Errorf("sepc got %#x want %#x", got, want)
	}
	if got, want := env.cpu.CSRs.Satp, riscv.MakeSATP(env.proc.Tables.Root()); got != want {
		t.Errorf("satp got %#x want %#x", got, want)
	}
	if got, want := tf.KernelSATP, testKernelSATP; got != want {
		t.Errorf("trapframe kernel satp got %#x want %#x", got, want)
	}
	if got, want := tf.KernelSP, env.proc.KernelStack+riscv.PageSize; got != want {
		t.Errorf("trapframe kernel sp got %#x want %#x", got, want)
	}
	if got, want := tf.KernelTrap, env.img.UserTrapService; got != want {
		t.Errorf("trapframe kernel trap got %#x want %#x", got, want)
	}
	if got := tf.KernelHartID; got != 3 {
		t.Errorf("trapframe hartid got %d want 3", got)
	}
}

func TestAlarmDelivery(t *testing.T) {
	env := newTrapEnv(t, 0)
	tf := env.proc.Trapframe
	const handler = riscv.VirtAddr(0x5000)
	const pc = riscv.VirtAddr(0x1000)
	env.proc.Alarm.Configure(5, handler)

	// Registers the handler must not lose.
	tf.A0 = 0xaa
	tf.S11 = 0xbb

	for i := 1; i <= 4; i++ {
		env.timerTrap(t, pc)
		if got := env.cpu.CSRs.Sepc; got != pc {
			t.Fatalf("tick %d: resume pc got %#x want %#x", i, got, pc)
		}
		if env.proc.Alarm.Pending() {
			t.Fatalf("tick %d: handler invoked before the interval elapsed", i)
		}
	}

	// The fifth tick completes the interval: the process resumes in the
	// handler with its interrupted registers saved.
	before := alarmFirings.Value()
	env.timerTrap(t, pc)
	if got := env.cpu.CSRs.Sepc; got != handler {
		t.Fatalf("tick 5: resume pc got %#x want handler %#x", got, handler)
	}
	if !env.proc.Alarm.Pending() {
		t.Fatal("tick 5: no invocation pending")
	}
	if got, want := alarmFirings.Value(), before+1; got != want {
		t.Errorf("alarm metric got %d want %d", got, want)
	}

	// Ticks while the handler runs neither re-deliver nor run down the
	// next interval.
	tf.A0 = 0x11
	tf.S11 = 0x22
	for i := 1; i <= 3; i++ {
		env.timerTrap(t, handler+8)
		if got := env.cpu.CSRs.Sepc; got != handler+8 {
			t.Fatalf("handler tick %d: resume pc got %#x want %#x", i, got, handler+8)
		}
	}

	// Acknowledging restores the interrupted registers exactly.
	env.proc.Alarm.Acknowledge(tf)
	if env.proc.Alarm.Pending() {
		t.Error("invocation still pending after acknowledge")
	}
	if got := tf.EPC; got != pc {
		t.Errorf("EPC after acknowledge got %#x want %#x", got, pc)
	}
	if tf.A0 != 0xaa || tf.S11 != 0xbb {
		t.Errorf("registers after acknowledge got a0=%#x s11=%#x want a0=0xaa s11=0xbb", tf.A0, tf.S11)
	}

	// A full interval separates this delivery from the next, not
	// counting the ticks the handler absorbed.
	for i := 1; i <= 4; i++ {
		env.timerTrap(t, pc)
		if env.proc.Alarm.Pending() {
			t.Fatalf("post-acknowledge tick %d: handler invoked early", i)
		}
	}
	env.timerTrap(t, pc)
	if !env.proc.Alarm.Pending() {
		t.Error("no invocation after a full post-acknowledge interval")
	}
}

func TestAlarmDisabled(t *testing.T) {
	env := newTrapEnv(t, 0)

	for i := 0; i < 10; i++ {
		env.timerTrap(t, 0x1000)
	}
	if env.proc.Alarm.Pending() {
		t.Error("unconfigured alarm delivered an invocation")
	}
	if got := env.cpu.CSRs.Sepc; got != 0x1000 {
		t.Errorf("resume pc got %#x want %#x", got, 0x1000)
	}
}

func TestAlarmReconfigure(t *testing.T) {
	env := newTrapEnv(t, 0)
	tf := env.proc.Trapframe
	env.proc.Alarm.Configure(2, 0x5000)

	env.timerTrap(t, 0x1000)
	env.timerTrap(t, 0x1000)
	if !env.proc.Alarm.Pending() {
		t.Fatal("no invocation after a full interval")
	}

	// Reconfiguring forgets the invocation in flight; the acknowledge
	// that would have ended it does nothing.
	env.proc.Alarm.Configure(3, 0x6000)
	if env.proc.Alarm.Pending() {
		t.Error("invocation survived reconfigure")
	}
	epc := tf.EPC
	env.proc.Alarm.Acknowledge(tf)
	if tf.EPC != epc {
		t.Errorf("stale acknowledge moved EPC from %#x to %#x", epc, tf.EPC)
	}

	env.timerTrap(t, 0x2000)
	env.timerTrap(t, 0x2000)
	if env.proc.Alarm.Pending() {
		t.Fatal("handler invoked before the new interval elapsed")
	}
	env.timerTrap(t, 0x2000)
	if got := env.cpu.CSRs.Sepc; got != 0x6000 {
		t.Errorf("resume pc got %#x want new handler %#x", got, 0x6000)
	}
}

func TestAlarmAcknowledgeIdle(t *testing.T) {
	var a Alarm
	tf := Trapframe{EPC: 0x42, A0: 7}

	a.Acknowledge(&tf)
	if tf.EPC != 0x42 || tf.A0 != 7 {
		t.Errorf("idle acknowledge changed trapframe: epc=%#x a0=%d", tf.EPC, tf.A0)
	}
}

func TestKernelTrapDevice(t *testing.T) {
	env := newTrapEnv(t, 0)
	env.plic.pending = []int{memlayout.UART0IRQ}

	env.deliverKernel(riscv.CauseSupervisorExternal, 0x8010)
	env.cpu.KernelTrap()
	if env.drivers.uart != 1 {
		t.Errorf("uart interrupts got %d want 1", env.drivers.uart)
	}
	if env.sched.yields != 0 {
		t.Errorf("device interrupt yielded %d times want 0", env.sched.yields)
	}
	if got := env.cpu.CSRs.Sepc; got != 0x8010 {
		t.Errorf("sepc got %#x want %#x", got, 0x8010)
	}
}

func TestKernelTrapTimer(t *testing.T) {
	env := newTrapEnv(t, 0)
	env.cpu.CSRs.Sip |= riscv.SipSSIP
	env.deliverKernel(riscv.CauseSupervisorSoftware, 0x8010)
	sstatus := env.cpu.CSRs.Sstatus

	// Whatever runs during the yield traps in its own right; the
	// interrupted context's return state must survive it.
	env.sched.onYield = func() {
		env.cpu.CSRs.Sepc = 0xbad
		env.cpu.CSRs.Sstatus = 0
	}
	env.cpu.KernelTrap()
	if env.sched.yields != 1 {
		t.Errorf("yields got %d want 1", env.sched.yields)
	}
	if got := env.ticks.Now(); got != 1 {
		t.Errorf("clock got %d want 1", got)
	}
	if got := env.cpu.CSRs.Sepc; got != 0x8010 {
		t.Errorf("sepc after yield got %#x want %#x", got, 0x8010)
	}
	if got := env.cpu.CSRs.Sstatus; got != sstatus {
		t.Errorf("sstatus after yield got %#x want %#x", got, sstatus)
	}
	if env.cpu.CSRs.Sip&riscv.SipSSIP != 0 {
		t.Errorf("software interrupt still pending after handling")
	}
}

func TestKernelTrapTimerIdleHart(t *testing.T) {
	env := newTrapEnv(t, 0)
	env.sched.current = nil

	env.deliverKernel(riscv.CauseSupervisorSoftware, 0x8010)
	env.cpu.KernelTrap()
	if env.sched.yields != 0 {
		t.Errorf("idle hart yielded %d times want 0", env.sched.yields)
	}
}

func TestKernelTrapPanics(t *testing.T) {
	tests := []struct {
		name string
		prep func(e *trapEnv)
	}{
		{
			name: "from user mode",
			prep: func(e *trapEnv) {
				e.deliverKernel(riscv.CauseSupervisorSoftware, 0x8010)
				e.cpu.CSRs.Sstatus &^= riscv.SstatusSPP
			},
		},
		{
			name: "interrupts enabled",
			prep: func(e *trapEnv) {
				e.deliverKernel(riscv.CauseSupervisorSoftware, 0x8010)
				e.cpu.CSRs.EnableInterrupts()
			},
		},
		{
			name: "unexpected cause",
			prep: func(e *trapEnv) {
				e.deliverKernel(riscv.CauseLoadPageFault, 0x8010)
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env := newTrapEnv(t, 0)
			test.prep(env)
			assertPanic(t, func() { env.cpu.KernelTrap() })
		})
	}
}

func TestTicksAdvance(t *testing.T) {
	ticks := NewTicks()
	if got := ticks.Now(); got != 0 {
		t.Fatalf("Now on a fresh clock got %d want 0", got)
	}
	for i := 0; i < 3; i++ {
		ticks.Advance()
	}
	if got := ticks.Now(); got != 3 {
		t.Errorf("Now got %d want 3", got)
	}
}

func TestTicksSleep(t *testing.T) {
	ticks := NewTicks()
	done := make(chan struct{})
	go func() {
		ticks.Sleep(3)
		close(done)
	}()

	// The sleeper measures from whenever it starts; keep advancing
	// until it wakes.
	timeout := time.After(10 * time.Second)
	for {
		select {
		case <-done:
			if got := ticks.Now(); got < 3 {
				t.Errorf("sleeper woke after %d ticks want at least 3", got)
			}
			return
		case <-timeout:
			t.Fatal("sleeper never woke")
		default:
			ticks.Advance()
			time.Sleep(time.Millisecond)
		}
	}
}

func TestTicksSleepZero(t *testing.T) {
	ticks := NewTicks()

	// A zero sleep must not block.
	ticks.Sleep(0)
	if got := ticks.Now(); got != 0 {
		t.Errorf("Now got %d want 0", got)
	}
}
