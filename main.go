// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// kernel-replay reconstructs a captured GPU dispatch from a capture
// directory and re-issues it on a compatible agent.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/hsatrace/kernel-isolate/hsa"
	"github.com/hsatrace/kernel-isolate/replay"
)

func main() {
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	opts, verbose, err := parseArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse args: %v\n", err)
		return 1
	}
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	rt, err := hsa.Open()
	if err != nil {
		logrus.Errorf("No usable runtime: %v", err)
		return 1
	}

	if err = replay.Run(rt, *opts); err != nil {
		logrus.Error(err)
		return replay.ExitCode(err)
	}
	return 0
}
