// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package capture // import "github.com/hsatrace/kernel-isolate/capture"

import (
	"sync"

	"github.com/hsatrace/kernel-isolate/hsa"
)

// The loader contract: the embedding shim resolves OnLoad/OnUnload with
// default visibility and forwards the runtime's table, version and failed
// tool diagnostics here. One engine per process lifetime.
var (
	loaderMu sync.Mutex
	loaded   *Engine
)

// Load is the process-wide OnLoad entry. It builds an engine from the
// environment configuration and installs it into the table. Returns false
// when the engine cannot or will not install; the runtime then continues
// without it.
func Load(table *hsa.APITable, runtimeVersion uint64, failedToolNames []string) bool {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	if loaded != nil {
		return false
	}
	engine := NewEngine(ConfigFromEnv())
	if !engine.OnLoad(table, runtimeVersion, failedToolNames) {
		return false
	}
	loaded = engine
	return true
}

// Unload is the process-wide OnUnload entry.
func Unload() {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	if loaded == nil {
		return
	}
	loaded.OnUnload()
	loaded = nil
}
