// Copyright 2024 The gVisor Authors.
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

// Binary kiwi boots a kiwi kernel on the host.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/term"
	"kiwi.dev/kiwi/cmd/kiwi/cmd"
	"kiwi.dev/kiwi/pkg/config"
	"kiwi.dev/kiwi/pkg/log"
)

var (
	configFile = flag.String("config", "", "TOML file to read the configuration from. Flags set on the command line override it.")
	logFile    = flag.String("log", "", "file to write logs to instead of stderr. %TIMESTAMP% and %COMMAND% are substituted.")
)

func main() {
	forEachCmd(subcommands.Register)
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	conf, err := config.Load(flag.CommandLine, *configFile)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	var out io.Writer = os.Stderr
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))
	if *logFile != "" {
		f, err := log.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.Substitutions{Command: flag.CommandLine.Arg(0)})
		if err != nil {
			cmd.Fatalf("opening log file: %v", err)
		}
		out = f
		isTerminal = false
	}
	log.SetTarget(newEmitter(conf.LogFormat, isTerminal, out))
	log.SetLevel(conf.Level())

	log.Infof("kiwi: %s, %s/%s, %d host CPUs, PID %d", runtime.Version(), runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Debugf("kiwi: configuration:\n%s", conf)

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// forEachCmd invokes cb for each command supported by kiwi.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(new(cmd.Boot), "")

	const debugGroup = "debug"
	cb(new(cmd.Tags), debugGroup)
	cb(new(cmd.Programs), debugGroup)

	const metricGroup = "metrics"
	cb(new(cmd.MetricExport), metricGroup)
}

func newEmitter(format config.LogFormat, isTerminal bool, w io.Writer) log.Emitter {
	if format == config.LogFormatAuto {
		format = config.LogFormatJSON
		if isTerminal {
			format = config.LogFormatText
		}
	}
	switch format {
	case config.LogFormatText:
		return log.TextEmitter{Emitter: &log.Writer{Next: w}}
	case config.LogFormatJSON:
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	}
	panic(fmt.Sprintf("invalid log format %q", format))
}
