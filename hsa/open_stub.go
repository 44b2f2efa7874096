// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !rocm

package hsa // import "github.com/hsatrace/kernel-isolate/hsa"

// Open returns the production runtime binding. Builds without the rocm tag
// carry no binding; the replay binary then reports the error and exits.
func Open() (Runtime, error) {
	return nil, ErrRuntimeUnavailable
}
