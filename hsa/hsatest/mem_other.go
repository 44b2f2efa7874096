// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package hsatest // import "github.com/hsatrace/kernel-isolate/hsa/hsatest"

import "errors"

var errNotLinux = errors.New("hsatest: fake device memory requires linux")

func osMapNone(addr, size uint64) error { return errNotLinux }

func osMapAnywhere(size uint64) (uint64, error) { return 0, errNotLinux }

func osUnmap(addr, size uint64) error { return errNotLinux }

func osProtectRW(addr, size uint64) error { return errNotLinux }

func osProtectNone(addr, size uint64) error { return errNotLinux }
