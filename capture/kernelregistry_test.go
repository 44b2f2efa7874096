// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKernelRegistryInternFirstSightWins(t *testing.T) {
	kr := NewKernelRegistry()
	kr.Intern(0x10, "_Z5saxpyPfS_S_.kd", 24)
	kr.Intern(0x10, "other_name", 99)

	rec, ok := kr.Lookup(0x10)
	require.True(t, ok)
	assert.Equal(t, "_Z5saxpyPfS_S_.kd", rec.MangledName)
	assert.Equal(t, uint32(24), rec.KernargSize)
	assert.Equal(t, 1, kr.Len())
}

func TestKernelRegistryLookupMissing(t *testing.T) {
	kr := NewKernelRegistry()
	_, ok := kr.Lookup(0xdead)
	assert.False(t, ok)
}

func TestKernelRegistryDemangles(t *testing.T) {
	kr := NewKernelRegistry()
	kr.Intern(0x20, "_Z5saxpyPfS_S_.kd", 24)

	rec, ok := kr.Lookup(0x20)
	require.True(t, ok)
	assert.Equal(t, "saxpy(float*, float*, float*)", rec.DemangledName)
	assert.Equal(t, rec.DemangledName, rec.MatchName())
}

func TestKernelRegistryPlainNameFallsBack(t *testing.T) {
	kr := NewKernelRegistry()
	kr.Intern(0x30, "my_plain_kernel.kd", 8)

	rec, ok := kr.Lookup(0x30)
	require.True(t, ok)
	assert.Empty(t, rec.DemangledName)
	assert.Equal(t, "my_plain_kernel.kd", rec.MatchName())
}

func TestKernelRegistryDemangleCacheHit(t *testing.T) {
	kr := NewKernelRegistry()
	kr.Intern(0x40, "_Z3fooi.kd", 4)
	kr.Intern(0x41, "_Z3fooi.kd", 4)

	a, _ := kr.Lookup(0x40)
	b, _ := kr.Lookup(0x41)
	assert.Equal(t, "foo(int)", a.DemangledName)
	assert.Equal(t, a.DemangledName, b.DemangledName)
}
