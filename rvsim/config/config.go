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

// Package config holds the configuration of an rvsim run. Values come from
// an optional TOML file overlaid by command-line flags, flags winning.
package config

import (
	"flag"
	"fmt"

	"github.com/BurntSushi/toml"
	"rvisor.dev/rvisor/pkg/log"
)

// Config describes the machine rvsim models and how it runs.
type Config struct {
	// Harts is the number of harts to bring up. Hart 0 runs the init
	// process and keeps the clock; the rest idle in the kernel.
	Harts int `toml:"harts"`

	// MemoryMB is the size of physical memory in megabytes.
	MemoryMB int `toml:"memory_mb"`

	// MaxProcs is the number of process slots, each with a kernel stack
	// mapped at boot.
	MaxProcs int `toml:"max_procs"`

	// AlarmInterval is the alarm period, in ticks, that the init process
	// asks for.
	AlarmInterval int `toml:"alarm_interval"`

	// Ticks is how many timer ticks each hart sees before the run winds
	// down.
	Ticks int `toml:"ticks"`

	// Debug enables debug logging.
	Debug bool `toml:"debug"`

	// LogFormat selects the log line format: text or json.
	LogFormat string `toml:"log_format"`
}

// Default returns the configuration rvsim runs with when told nothing.
func Default() *Config {
	return &Config{
		Harts:         2,
		MemoryMB:      128,
		MaxProcs:      8,
		AlarmInterval: 5,
		Ticks:         16,
		LogFormat:     "text",
	}
}

// RegisterFlags registers one flag per Config field on the given flag set.
// The defaults are the current values of c, so a TOML file loaded first
// shows through for any flag the command line leaves alone.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&c.Harts, "harts", c.Harts, "number of harts to bring up.")
	f.IntVar(&c.MemoryMB, "memory-mb", c.MemoryMB, "physical memory size in megabytes.")
	f.IntVar(&c.MaxProcs, "max-procs", c.MaxProcs, "number of process slots with kernel stacks.")
	f.IntVar(&c.AlarmInterval, "alarm-interval", c.AlarmInterval, "alarm period in ticks for the init process.")
	f.IntVar(&c.Ticks, "ticks", c.Ticks, "timer ticks per hart before the run winds down.")
	f.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logging.")
	f.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text (default) or json.")
}

// LoadFile overlays c with the values set in the TOML file at path.
func (c *Config) LoadFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("decoding config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q has unknown keys: %v", path, undecoded)
	}
	return nil
}

// Validate checks that the configuration describes a machine the simulator
// can build.
func (c *Config) Validate() error {
	if c.Harts < 1 {
		return fmt.Errorf("harts must be at least 1, got %d", c.Harts)
	}
	if c.MemoryMB < 1 {
		return fmt.Errorf("memory-mb must be at least 1, got %d", c.MemoryMB)
	}
	if c.MaxProcs < 1 {
		return fmt.Errorf("max-procs must be at least 1, got %d", c.MaxProcs)
	}
	if c.AlarmInterval < 1 {
		return fmt.Errorf("alarm-interval must be at least 1, got %d", c.AlarmInterval)
	}
	if c.Ticks < 1 {
		return fmt.Errorf("ticks must be at least 1, got %d", c.Ticks)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log-format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Log logs the configuration at debug level.
func (c *Config) Log() {
	log.Debugf("config: harts=%d memory=%dMB max-procs=%d alarm-interval=%d ticks=%d log-format=%s debug=%t",
		c.Harts, c.MemoryMB, c.MaxProcs, c.AlarmInterval, c.Ticks, c.LogFormat, c.Debug)
}
