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

import "rvisor.dev/rvisor/pkg/riscv"

// Alarm delivers a periodic upcall to a user-space handler. Every interval
// timer ticks, the dispatcher saves the process's registers and redirects
// the return path to the handler. The handler announces it is done through
// the acknowledge system call, which restores the interrupted registers.
//
// Alarm state is only touched from trap context on the hart running the
// process, so it needs no locking.
type Alarm struct {
	// interval is the period in ticks, zero when the alarm is off.
	interval uint64

	// handler is the user virtual address to divert to.
	handler riscv.VirtAddr

	// countdown is the number of ticks left before the next delivery.
	countdown uint64

	// processing is set while the handler runs and blocks re-delivery.
	processing bool

	// snapshot holds the registers the delivery displaced.
	snapshot Trapframe
}

// Configure arms the alarm to call handler every interval ticks, replacing
// any previous setting. An interval of zero disarms it. A handler
// invocation in flight is forgotten; the acknowledgement that would have
// ended it becomes a no-op.
func (a *Alarm) Configure(interval uint64, handler riscv.VirtAddr) {
	a.interval = interval
	a.handler = handler
	a.countdown = interval
	a.processing = false
}

// tick burns one timer tick. When the countdown reaches zero it diverts the
// trapframe to the handler, keeping a snapshot to restore later, and
// reports true. The countdown does not run while a previous invocation is
// still unacknowledged.
func (a *Alarm) tick(tf *Trapframe) bool {
	if a.interval == 0 || a.processing {
		return false
	}
	a.countdown--
	if a.countdown != 0 {
		return false
	}
	a.countdown = a.interval
	a.processing = true
	a.snapshot = *tf
	tf.EPC = a.handler
	return true
}

// Acknowledge ends a handler invocation, restoring the registers saved
// when it was delivered. Acknowledging with no invocation in flight does
// nothing.
func (a *Alarm) Acknowledge(tf *Trapframe) {
	if !a.processing {
		return
	}
	*tf = a.snapshot
	a.processing = false
}

// Pending returns true while a handler invocation is awaiting its
// acknowledgement.
func (a *Alarm) Pending() bool {
	return a.processing
}
