// Copyright 2026 The gVisor Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for kmemsim. Each setting can be changed from the command line or from a
// TOML file named by --config. Command line flags win over the file.
package config

import (
	"fmt"

	"github.com/mohae/deepcopy"
	"jarjarvis.dev/kmem/pkg/bootmem"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/log"
	"jarjarvis.dev/kmem/pkg/machine"
)

// Config holds configuration that is not part of the command line arguments
// of individual subcommands.
//
// Fields with a flag tag are settable from the command line; the tag names
// the flag.
type Config struct {
	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the filename to log to, if not empty. Errors are
	// written there as JSON, one object per line.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// DebugLog is the path to the debug log. A trailing '/' names a
	// directory and %COMMAND% and %TIMESTAMP% are expanded.
	DebugLog string `flag:"debug-log" toml:"debug_log"`

	// AlsoLogToStderr also sends debug logs to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// MemoryMap is an optional bootmem file. Its non-usable regions are
	// added to the machine as holes.
	MemoryMap string `flag:"memory-map" toml:"memory_map"`

	// RequireNX refuses to boot if no-execute cannot be enabled.
	RequireNX bool `flag:"require-nx" toml:"require_nx"`

	// ZeroFrames zeroes every frame the allocator hands out.
	ZeroFrames bool `flag:"zero-frames" toml:"zero_frames"`

	// Machine describes the simulated machine. Its fields are set by the
	// flags in machineFlags.
	Machine machine.Config `toml:"machine"`
}

// Default returns the configuration used when neither flags nor a file
// change anything.
func Default() *Config {
	return &Config{
		LogFormat: "text",
		Machine:   machine.DefaultConfig(),
	}
}

// Clone returns a deep copy of the config. Parallel machines each get their
// own copy so none of them can observe another's holes slice.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// applyMemoryMap merges the regions in c.MemoryMap into the machine.
func (c *Config) applyMemoryMap() error {
	if c.MemoryMap == "" {
		return nil
	}
	regions, err := bootmem.LoadFile(c.MemoryMap)
	if err != nil {
		return err
	}
	for _, r := range regions {
		if !r.Usable() {
			c.Machine.Holes = append(c.Machine.Holes, r)
		}
	}
	// RAM must reach the last usable byte the map reports, in whole 2MB
	// pages.
	if end := uint64(regions.HighestUsableEnd()); end > c.Machine.RAMBytes {
		up := (end + hostarch.HugePageSize - 1) &^ (hostarch.HugePageSize - 1)
		if up < end {
			return fmt.Errorf("memory map %q ends at %#x, past the physical address space", c.MemoryMap, end)
		}
		c.Machine.RAMBytes = up
	}
	return nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if err := c.Machine.Validate(); err != nil {
		return fmt.Errorf("invalid machine: %w", err)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.MemoryMap: %q", c.MemoryMap)
	log.Infof("Config.RequireNX: %t", c.RequireNX)
	log.Infof("Config.ZeroFrames: %t", c.ZeroFrames)
	log.Infof("Config.Machine.RAMBytes: %#x", c.Machine.RAMBytes)
	log.Infof("Config.Machine.DirectMapOffset: %v", c.Machine.DirectMapOffset)
	log.Infof("Config.Machine.NoNX: %t", c.Machine.NoNX)
	log.Infof("Config.Machine.Kernel: %v+%#x at %v", c.Machine.KernelPhys, c.Machine.KernelBytes, c.Machine.KernelVirt)
	for _, h := range c.Machine.Holes {
		log.Infof("Config.Machine.Hole: %v", h)
	}
}
