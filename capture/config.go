// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package capture // import "github.com/hsatrace/kernel-isolate/capture"

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Environment variables driving the capture session.
const (
	EnvKernel        = "ISOLATE_KERNEL"
	EnvDispatchIndex = "ISOLATE_DISPATCH_INDEX"
	EnvOutput        = "ISOLATE_OUTPUT"
	EnvCompress      = "ISOLATE_COMPRESS"
	EnvConfigFile    = "ISOLATE_CONFIG"
)

const defaultOutputDir = "isolate_capture"

// Config selects the dispatch to capture. A zero Config leaves the agent
// transparent: hooks observe but the matcher never fires.
type Config struct {
	// Pattern is matched (unanchored) against the demangled kernel name,
	// falling back to the mangled name.
	Pattern *regexp.Regexp
	// DispatchIndex is the zero-based occurrence of the matching kernel.
	DispatchIndex uint64
	// OutputDir is the capture artifact directory.
	OutputDir string
	// Compress enables zstd compression of large region payloads.
	Compress bool
	// Enabled is set only when both a pattern and an index were supplied
	// and the pattern compiled.
	Enabled bool
}

// fileConfig is the optional YAML file named by ISOLATE_CONFIG. Environment
// variables override its fields.
type fileConfig struct {
	Kernel        string  `yaml:"kernel"`
	DispatchIndex *uint64 `yaml:"dispatch_index"`
	OutputDir     string  `yaml:"output_dir"`
	Compress      bool    `yaml:"compress"`
}

// ConfigFromEnv assembles the session configuration from the environment
// and the optional config file. Configuration errors disable capture but
// never fail the load: the agent stays transparent.
func ConfigFromEnv() Config {
	cfg := Config{OutputDir: defaultOutputDir}

	var file fileConfig
	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := loadConfigFile(path, &file); err != nil {
			logrus.Errorf("Ignoring config file %s: %v", path, err)
			file = fileConfig{}
		}
	}
	if file.OutputDir != "" {
		cfg.OutputDir = file.OutputDir
	}
	cfg.Compress = file.Compress

	pattern := file.Kernel
	if v := os.Getenv(EnvKernel); v != "" {
		pattern = v
	}
	index := file.DispatchIndex
	if v := os.Getenv(EnvDispatchIndex); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			logrus.Errorf("Invalid %s=%q, capture disabled: %v", EnvDispatchIndex, v, err)
			return cfg
		}
		index = &n
	}
	if v := os.Getenv(EnvOutput); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv(EnvCompress); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			logrus.Errorf("Invalid %s=%q: %v", EnvCompress, v, err)
		} else {
			cfg.Compress = b
		}
	}

	if pattern == "" || index == nil {
		logrus.Debugf("%s/%s not set, capture disabled", EnvKernel, EnvDispatchIndex)
		return cfg
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logrus.Errorf("Invalid kernel pattern %q, capture disabled: %v", pattern, err)
		return cfg
	}
	cfg.Pattern = re
	cfg.DispatchIndex = *index
	cfg.Enabled = true
	return cfg
}

func loadConfigFile(path string, out *fileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err = yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}
