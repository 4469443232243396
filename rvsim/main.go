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

// Binary rvsim models a small RISC-V Sv39 kernel: physical frames, page
// tables, user memory access and trap dispatch, run against a scripted
// workload.
package main

import "rvisor.dev/rvisor/rvsim/cli"

func main() {
	cli.Main()
}
