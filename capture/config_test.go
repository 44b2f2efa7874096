// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnvDisabledByDefault(t *testing.T) {
	t.Setenv(EnvKernel, "")
	t.Setenv(EnvDispatchIndex, "")
	cfg := ConfigFromEnv()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, defaultOutputDir, cfg.OutputDir)
}

func TestConfigFromEnvRequiresBothVariables(t *testing.T) {
	t.Setenv(EnvKernel, "saxpy")
	t.Setenv(EnvDispatchIndex, "")
	assert.False(t, ConfigFromEnv().Enabled)

	t.Setenv(EnvKernel, "")
	t.Setenv(EnvDispatchIndex, "0")
	assert.False(t, ConfigFromEnv().Enabled)
}

func TestConfigFromEnvEnabled(t *testing.T) {
	t.Setenv(EnvKernel, "saxpy.*")
	t.Setenv(EnvDispatchIndex, "3")
	t.Setenv(EnvOutput, "/tmp/somewhere")

	cfg := ConfigFromEnv()
	require.True(t, cfg.Enabled)
	assert.True(t, cfg.Pattern.MatchString("my_saxpy_kernel"))
	assert.Equal(t, uint64(3), cfg.DispatchIndex)
	assert.Equal(t, "/tmp/somewhere", cfg.OutputDir)
}

func TestConfigFromEnvInvalidRegexDisables(t *testing.T) {
	t.Setenv(EnvKernel, "saxpy[")
	t.Setenv(EnvDispatchIndex, "0")
	assert.False(t, ConfigFromEnv().Enabled)
}

func TestConfigFromEnvInvalidIndexDisables(t *testing.T) {
	t.Setenv(EnvKernel, "saxpy")
	t.Setenv(EnvDispatchIndex, "not-a-number")
	assert.False(t, ConfigFromEnv().Enabled)
}

func TestConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "isolate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"kernel: gemm\ndispatch_index: 7\noutput_dir: /captures/gemm\ncompress: true\n"),
		0o644))

	t.Setenv(EnvConfigFile, path)
	t.Setenv(EnvKernel, "")
	t.Setenv(EnvDispatchIndex, "")

	cfg := ConfigFromEnv()
	require.True(t, cfg.Enabled)
	assert.True(t, cfg.Pattern.MatchString("gemm_nn"))
	assert.Equal(t, uint64(7), cfg.DispatchIndex)
	assert.Equal(t, "/captures/gemm", cfg.OutputDir)
	assert.True(t, cfg.Compress)
}

func TestConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "isolate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"kernel: gemm\ndispatch_index: 7\n"), 0o644))

	t.Setenv(EnvConfigFile, path)
	t.Setenv(EnvKernel, "saxpy")
	t.Setenv(EnvDispatchIndex, "1")

	cfg := ConfigFromEnv()
	require.True(t, cfg.Enabled)
	assert.True(t, cfg.Pattern.MatchString("saxpy"))
	assert.False(t, cfg.Pattern.MatchString("gemm"))
	assert.Equal(t, uint64(1), cfg.DispatchIndex)
}

func TestConfigBadFileIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "isolate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("kernel: [unclosed"), 0o644))

	t.Setenv(EnvConfigFile, path)
	t.Setenv(EnvKernel, "saxpy")
	t.Setenv(EnvDispatchIndex, "0")

	cfg := ConfigFromEnv()
	assert.True(t, cfg.Enabled)
}
