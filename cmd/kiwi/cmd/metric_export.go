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

package cmd

import (
	"context"
	"flag"
	"time"

	"github.com/google/subcommands"
	"kiwi.dev/kiwi/pkg/config"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/metric"
)

// MetricExport implements subcommands.Command for the "metric-export"
// command.
type MetricExport struct {
	exporterPrefix string
	timeout        time.Duration
}

// Name implements subcommands.Command.Name.
func (*MetricExport) Name() string {
	return "metric-export"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MetricExport) Synopsis() string {
	return "boot a kernel, run init and export its metrics"
}

// Usage implements subcommands.Command.Usage.
func (*MetricExport) Usage() string {
	return `metric-export [-exporter-prefix=<kiwi>] - boots a kernel, waits for init to exit and prints the
kernel's metrics in Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *MetricExport) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.exporterPrefix, "exporter-prefix", metric.DefaultPrefix, "Prefix for all metric names, following Prometheus exporter convention")
	f.DurationVar(&m.timeout, "timeout", time.Minute, "time to wait for init to exit.")
}

// Execute implements subcommands.Command.Execute.
func (m *MetricExport) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	ctx = hostContext(ctx, "metric-export")
	k, err := bootKernel(ctx, conf)
	if err != nil {
		Fatalf("%v", err)
	}
	if code, err := waitInit(ctx, k, m.timeout); err != nil {
		log.Warningf("init did not exit, exporting metrics anyway: %v", err)
	} else if code != 0 {
		log.Warningf("init exited with status %d", code)
	}
	// Metrics are read while the kernel is still up.
	werr := k.Metrics.WritePrometheus(Output, m.exporterPrefix)
	if err := shutdown(ctx, k, m.timeout); err != nil {
		Fatalf("%v", err)
	}
	if werr != nil {
		Fatalf("writing metrics: %v", werr)
	}
	return subcommands.ExitSuccess
}
