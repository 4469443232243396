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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/google/subcommands"
	"rvisor.dev/rvisor/pkg/metric"
	"rvisor.dev/rvisor/rvsim/config"
	"rvisor.dev/rvisor/rvsim/machine"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "builds the modeled machine and runs the scripted workload"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags]`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.metrics, "metrics", true, "print the metric counters after the run.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := machine.New(conf)
	if err != nil {
		Fatalf("error building machine: %v", err)
	}
	defer m.Close()

	if err := m.Boot(ctx); err != nil {
		Fatalf("boot failed: %v", err)
	}

	if b.metrics {
		printMetrics()
	}
	return subcommands.ExitSuccess
}

func printMetrics() {
	values := metric.SnapshotAll()
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stdout, "%-32s %d\n", name, values[name])
	}
}
