// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3"

	"github.com/hsatrace/kernel-isolate/replay"
)

const defaultArgQueueSize = 128

// Help strings for command line arguments
var (
	timeoutHelp = "Bound on the dispatch completion wait. The replay fails " +
		"with a dispatch-timeout error when it expires."
	reserveOnlyHelp = "Strictly reserve every captured address and exit, " +
		"without mapping, restoring or dispatching."
	dryRunHelp = "Stop after the memory restore, skipping binary load and " +
		"dispatch. Lets a capture be validated on a host without the captured ISA."
	noSteeringHelp = "Skip the aperture-steering placeholder mappings. " +
		"The strict reservations are then at the mercy of the runtime's " +
		"aperture heuristic."
	queueSizeHelp = "Replay queue depth in packets."
	verboseHelp   = "Enable verbose logging."
)

func parseArgs() (*replay.Options, bool, error) {
	var opts replay.Options
	var verbose bool

	fs := flag.NewFlagSet("kernel-replay", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] <capture-dir>\n\n", fs.Name())
		fs.PrintDefaults()
	}

	fs.BoolVar(&opts.DryRun, "dry-run", false, dryRunHelp)
	fs.BoolVar(&opts.SkipSteering, "no-steering", false, noSteeringHelp)
	queueSize := fs.Uint("queue-size", defaultArgQueueSize, queueSizeHelp)
	fs.BoolVar(&opts.ReserveOnly, "reserve-only", false, reserveOnlyHelp)
	fs.DurationVar(&opts.Timeout, "timeout", replay.DefaultTimeout, timeoutHelp)
	fs.BoolVar(&verbose, "verbose", false, verboseHelp)
	fs.BoolVar(&verbose, "v", false, "Shorthand for -verbose.")

	err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("ISOLATE_REPLAY"),
	)
	if err != nil {
		return nil, false, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, false, fmt.Errorf("expected exactly one capture directory, got %d arguments",
			fs.NArg())
	}
	opts.Dir = fs.Arg(0)
	opts.QueueSize = uint32(*queueSize)
	return &opts, verbose, nil
}
