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

// Package cli is the main entrypoint for rvsim.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/google/subcommands"
	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/rvsim/cmd"
	"rvisor.dev/rvisor/rvsim/config"
	"rvisor.dev/rvisor/rvsim/version"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// A TOML file loads first so its values become the flag defaults and
	// the command line wins any disagreement. That means finding the
	// -config flag before the flag set that defines it is built.
	conf := config.Default()
	if path := configPath(); path != "" {
		if err := conf.LoadFile(path); err != nil {
			cmd.Fatalf("%v", err)
		}
	}
	conf.RegisterFlags(flag.CommandLine)
	flag.String("config", "", "TOML file to load configuration from.")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Set up logging.
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	log.SetTarget(newEmitter(conf.LogFormat, os.Stderr))

	const delimString = `**************** rvsim ****************`
	log.Infof(delimString)
	log.Infof("Version %s, %s, %s, %d CPUs, %s, PID %d",
		version.Version(), runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode == subcommands.ExitSuccess {
		os.Exit(0)
	}
	// Return an error that is unlikely to be used by the application.
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(128)
}

// forEachCmd invokes the passed callback for each command supported by
// rvsim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Boot), "")
	cb(new(cmd.Layout), "")
	cb(new(cmd.Version), "")
}

// configPath scans the raw arguments for the -config flag. It runs before
// the flag set exists, so it cannot lean on package flag.
func configPath() string {
	args := os.Args[1:]
	for i, arg := range args {
		name, ok := strings.CutPrefix(arg, "-")
		if !ok {
			continue
		}
		name = strings.TrimPrefix(name, "-")
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
		if path, ok := strings.CutPrefix(name, "config="); ok {
			return path
		}
	}
	return ""
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
