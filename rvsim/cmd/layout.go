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
	"os"

	"github.com/google/subcommands"
	"rvisor.dev/rvisor/rvsim/config"
	"rvisor.dev/rvisor/rvsim/machine"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct{}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "prints the machine's memory layout and the init page table"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Layout) SetFlags(f *flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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

	if err := m.DumpLayout(os.Stdout); err != nil {
		Fatalf("error dumping layout: %v", err)
	}
	return subcommands.ExitSuccess
}
