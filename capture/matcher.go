// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package capture // import "github.com/hsatrace/kernel-isolate/capture"

import (
	"regexp"
	"sync"
)

// Matcher decides, once per session, which dispatch to capture. Per
// kernel-object occurrence counters advance on every inspected dispatch in
// the order the runtime presents packets; across kernel objects no ordering
// is assumed and the first qualifying packet to take the lock wins.
type Matcher struct {
	mu       sync.Mutex
	pattern  *regexp.Regexp
	target   uint64
	enabled  bool
	done     bool
	counters map[uint64]uint64
}

// NewMatcher returns a matcher for the session configuration. A disabled
// configuration still counts occurrences but never fires.
func NewMatcher(cfg *Config) *Matcher {
	return &Matcher{
		pattern:  cfg.Pattern,
		target:   cfg.DispatchIndex,
		enabled:  cfg.Enabled,
		counters: make(map[uint64]uint64),
	}
}

// Observe advances the occurrence counter for the kernel object and reports
// whether this dispatch is the one to capture, together with the occurrence
// index it was observed at. After the first hit the matcher is done for the
// session and never fires again.
func (m *Matcher) Observe(kernelObject uint64, name string) (fired bool, index uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	index = m.counters[kernelObject]
	m.counters[kernelObject] = index + 1

	if !m.enabled || m.done {
		return false, index
	}
	if index != m.target || !m.pattern.MatchString(name) {
		return false, index
	}
	m.done = true
	return true, index
}

// Done reports whether the session's capture already fired.
func (m *Matcher) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Count returns the current occurrence count for a kernel object.
func (m *Matcher) Count(kernelObject uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[kernelObject]
}
