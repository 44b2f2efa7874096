// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package replay // import "github.com/hsatrace/kernel-isolate/replay"

import "errors"

var errUnsupported = errors.New("aperture steering requires linux")

func mapPlaceholder(addr, size uint64) error {
	return errUnsupported
}

func unmapPlaceholder(addr, size uint64) error {
	return errUnsupported
}
