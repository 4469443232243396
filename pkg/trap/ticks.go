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

import "rvisor.dev/rvisor/pkg/sync"

// Ticks is the global kernel clock. Hart 0 advances it once per timer
// interrupt; anyone may read it or sleep against it.
type Ticks struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ticks uint64
}

// NewTicks returns a clock at tick zero.
func NewTicks() *Ticks {
	t := &Ticks{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Advance moves the clock forward one tick and wakes all sleepers.
func (t *Ticks) Advance() {
	t.mu.Lock()
	t.ticks++
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Now returns the current tick count.
func (t *Ticks) Now() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

// Sleep blocks until the clock has advanced n ticks past its value at the
// time of the call.
func (t *Ticks) Sleep(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := t.ticks
	for t.ticks-start < n {
		t.cond.Wait()
	}
}
