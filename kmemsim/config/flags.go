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

package config

import (
	"flag"
	"fmt"
	"reflect"

	"github.com/BurntSushi/toml"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/machine"
)

// configFlag names the flag that points at a TOML configuration file.
const configFlag = "config"

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String(configFlag, "", "path to a TOML file with configuration. Flags given on the command line override it.")

	// Debugging flags.
	flagSet.String("log", "", "file path where errors are written as JSON, one object per line.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Flags that control the memory core.
	flagSet.String("memory-map", "", "path to a TOML memory map whose reserved regions are added to the machine.")
	flagSet.Bool("require-nx", false, "fail to boot if the no-execute feature cannot be enabled.")
	flagSet.Bool("zero-frames", false, "zero every frame the physical allocator hands out.")

	// Flags that describe the simulated machine.
	def := machine.DefaultConfig()
	flagSet.Uint64("ram", def.RAMBytes, "amount of simulated physical memory in bytes.")
	flagSet.Uint64("direct-map-offset", uint64(def.DirectMapOffset), "virtual address of the direct map of physical memory.")
	flagSet.Bool("no-nx", false, "hide the no-execute feature from CPUID.")
}

// machineFlags maps flag names to the machine.Config field they set.
var machineFlags = map[string]func(m *machine.Config, v any){
	"ram":               func(m *machine.Config, v any) { m.RAMBytes = v.(uint64) },
	"direct-map-offset": func(m *machine.Config, v any) { m.DirectMapOffset = hostarch.Addr(v.(uint64)) },
	"no-nx":             func(m *machine.Config, v any) { m.NoNX = v.(bool) },
}

// get returns the typed value of a registered flag.
func get(flagSet *flag.FlagSet, name string) any {
	fl := flagSet.Lookup(name)
	if fl == nil {
		panic(fmt.Sprintf("Flag %q not found", name))
	}
	return fl.Value.(flag.Getter).Get()
}

// NewFromFlags creates a new Config. Defaults are overridden first by the
// file named by --config, then by flags explicitly set on the command line.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if path := get(flagSet, configFlag).(string); path != "" {
		if _, err := toml.DecodeFile(path, conf); err != nil {
			return nil, fmt.Errorf("loading config %q: %w", path, err)
		}
	}

	fields := make(map[string]reflect.Value)
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			fields[name] = obj.Field(i)
		}
	}
	flagSet.Visit(func(fl *flag.Flag) {
		v := get(flagSet, fl.Name)
		if f, ok := fields[fl.Name]; ok {
			f.Set(reflect.ValueOf(v))
			return
		}
		if set, ok := machineFlags[fl.Name]; ok {
			set(&conf.Machine, v)
		}
	})

	if err := conf.applyMemoryMap(); err != nil {
		return nil, err
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
