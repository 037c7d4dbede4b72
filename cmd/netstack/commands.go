// Copyright 2025 The gVisor Authors.
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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"osbyte.dev/netstack/pkg/config"
)

// checkConfig implements subcommands.Command for the "check-config" command.
type checkConfig struct{}

// Name implements subcommands.Command.Name.
func (*checkConfig) Name() string {
	return "check-config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*checkConfig) Synopsis() string {
	return "validate a configuration file and print the effective configuration"
}

// Usage implements subcommands.Command.Usage.
func (*checkConfig) Usage() string {
	return `check-config [<path>] - validates <path>, or the file given with -config, and
prints it with defaults filled in.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*checkConfig) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*checkConfig) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	switch f.NArg() {
	case 0:
	case 1:
		var err error
		if conf, err = config.Load(f.Arg(0)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := conf.Write(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "writing configuration: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// versionCmd implements subcommands.Command for the "version" command.
type versionCmd struct{}

// Name implements subcommands.Command.Name.
func (*versionCmd) Name() string {
	return "version"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*versionCmd) Synopsis() string {
	return "print the version"
}

// Usage implements subcommands.Command.Usage.
func (*versionCmd) Usage() string {
	return "version\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*versionCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*versionCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	fmt.Printf("netstack version %s\n", version)
	fmt.Printf("go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return subcommands.ExitSuccess
}
