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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate(): %v", err)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "default",
			mutate: func(*Config) {},
		},
		{
			name:    "no harts",
			mutate:  func(c *Config) { c.Harts = 0 },
			wantErr: true,
		},
		{
			name:    "no memory",
			mutate:  func(c *Config) { c.MemoryMB = 0 },
			wantErr: true,
		},
		{
			name:    "no process slots",
			mutate:  func(c *Config) { c.MaxProcs = 0 },
			wantErr: true,
		},
		{
			name:    "zero alarm interval",
			mutate:  func(c *Config) { c.AlarmInterval = 0 },
			wantErr: true,
		},
		{
			name:    "zero ticks",
			mutate:  func(c *Config) { c.Ticks = 0 },
			wantErr: true,
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: true,
		},
		{
			name:   "json log format",
			mutate: func(c *Config) { c.LogFormat = "json" },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf := Default()
			tc.mutate(conf)
			err := conf.Validate()
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %t", err, tc.wantErr)
			}
		})
	}
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rvsim.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfigFile(t, `
harts = 4
memory_mb = 64
debug = true
log_format = "json"
`)
	conf := Default()
	if err := conf.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	want := Default()
	want.Harts = 4
	want.MemoryMB = 64
	want.Debug = true
	want.LogFormat = "json"
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Errorf("loaded config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileUnknownKey(t *testing.T) {
	path := writeConfigFile(t, `
harts = 4
hatrs = 8
`)
	conf := Default()
	if err := conf.LoadFile(path); err == nil {
		t.Errorf("LoadFile with unknown key succeeded, want error")
	}
}

func TestLoadFileMissing(t *testing.T) {
	conf := Default()
	if err := conf.LoadFile(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Errorf("LoadFile of missing file succeeded, want error")
	}
}

// TestFlagsOverrideFile checks the layering: file values become flag
// defaults, explicit flags win.
func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfigFile(t, `
harts = 4
memory_mb = 64
`)
	conf := Default()
	if err := conf.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	fs := flag.NewFlagSet("test", flag.PanicOnError)
	conf.RegisterFlags(fs)
	if err := fs.Parse([]string{"-harts", "8"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got, want := conf.Harts, 8; got != want {
		t.Errorf("Harts = %d, want %d (flag should win)", got, want)
	}
	if got, want := conf.MemoryMB, 64; got != want {
		t.Errorf("MemoryMB = %d, want %d (file should show through)", got, want)
	}
}
