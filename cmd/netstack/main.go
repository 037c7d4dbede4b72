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

// Binary netstack runs the user-space network stack.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/google/subcommands"
	"osbyte.dev/netstack/pkg/config"
	"osbyte.dev/netstack/pkg/log"
)

// version is set at link time with -X main.version=...
var version = "dev"

var (
	configPath = flag.String("config", "", "path to a TOML configuration file. Defaults apply when empty.")
	debug      = flag.Bool("debug", false, "log at debug level, overriding the configuration.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(demo), "")
	subcommands.Register(new(checkConfig), "")
	subcommands.Register(new(versionCmd), "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := loadConfig(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	closer, err := setupLogging(conf, *debug)
	if err != nil {
		fatalf("setting up logging: %v", err)
	}
	log.Infof("netstack %s, %s, %s/%s, PID %d", version, runtime.Version(), runtime.GOOS, runtime.GOARCH, os.Getpid())
	log.Infof("Args: %v", os.Args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := subcommands.Execute(ctx, conf)
	stop()
	closer.Close()
	os.Exit(int(status))
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// setupLogging points the log package at the configured file, through logrus.
func setupLogging(conf *config.Config, debug bool) (io.Closer, error) {
	w, err := log.OpenFile(conf.LogFile())
	if err != nil {
		return nil, err
	}
	log.SetTarget(log.NewLogrusEmitter(w, conf.Log.Format == "json"))
	level := conf.LogLevel()
	if debug {
		level = log.Debug
	}
	log.SetLevel(level)
	return w, nil
}

// fatalf logs to stderr and the log, then exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf(format, args...)
	os.Exit(128)
}
