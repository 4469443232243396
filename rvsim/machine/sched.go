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
	"runtime"

	"rvisor.dev/rvisor/pkg/atomicbitops"
	"rvisor.dev/rvisor/pkg/sync"
	"rvisor.dev/rvisor/pkg/trap"
)

// hartSched adapts the machine's running table to the dispatcher's
// Scheduler interface for one hart. rvsim has no run queue: the scripted
// workload decides what runs where, so yielding only lets the other harts'
// goroutines in.
type hartSched struct {
	m    *Machine
	hart int
}

// Current implements trap.Scheduler.Current.
func (s *hartSched) Current() *trap.Process {
	return s.m.runningOn(s.hart)
}

// Yield implements trap.Scheduler.Yield.
func (s *hartSched) Yield() {
	runtime.Gosched()
}

// MarkKilled implements trap.Scheduler.MarkKilled.
func (s *hartSched) MarkKilled(p *trap.Process) {
	p.Killed.Store(true)
}

// Terminate implements trap.Scheduler.Terminate.
func (s *hartSched) Terminate(p *trap.Process, code int) {
	s.m.terminate(p, code)
}

// plic models the platform interrupt controller: devices latch interrupt
// lines, harts claim and complete them. Claims hand out latched lines
// oldest first.
type plic struct {
	mu      sync.Mutex
	pending []int
}

// Raise latches an interrupt from a device.
func (p *plic) Raise(irq int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, irq)
}

// Claim implements trap.PLIC.Claim.
func (p *plic) Claim() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return 0, false
	}
	irq := p.pending[0]
	p.pending = p.pending[1:]
	return irq, true
}

// Complete implements trap.PLIC.Complete. The model forgets a line as soon
// as it is claimed, so completion has nothing left to do.
func (p *plic) Complete(irq int) {
}

// drivers counts interrupts in place of real device service.
type drivers struct {
	uart atomicbitops.Uint64
	disk atomicbitops.Uint64
}

// UARTIntr implements trap.Drivers.UARTIntr.
func (d *drivers) UARTIntr() {
	d.uart.Add(1)
}

// DiskIntr implements trap.Drivers.DiskIntr.
func (d *drivers) DiskIntr() {
	d.disk.Add(1)
}
