// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package replay // import "github.com/hsatrace/kernel-isolate/replay"

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/hsatrace/kernel-isolate/artifact"
)

// alignedRegion is a captured region with its page-aligned reservation
// extent. The runtime's vmem API works in page granules; the capture
// records exact byte extents, so the restore targets aligned_base+offset.
type alignedRegion struct {
	artifact.Region
	AlignedBase uint64
	AlignedSize uint64
	Offset      uint64
}

// alignRegions computes the page-aligned reservation extents. This runs
// before runtime init so the aperture steering knows which ranges to
// defend.
func alignRegions(regions []artifact.Region) []alignedRegion {
	page := uint64(os.Getpagesize())
	out := make([]alignedRegion, 0, len(regions))
	for _, r := range regions {
		base := r.Base &^ (page - 1)
		offset := r.Base - base
		size := (offset + r.Size + page - 1) &^ (page - 1)
		out = append(out, alignedRegion{
			Region:      r,
			AlignedBase: base,
			AlignedSize: size,
			Offset:      offset,
		})
	}
	return out
}

// placeholder is one successful aperture-steering mapping.
type placeholder struct {
	base uint64
	size uint64
}

// steerApertures places an anonymous, no-access, fixed-non-replacing
// mapping over every captured VA range before the runtime initializes, so
// the runtime's SVM aperture heuristic picks elsewhere. Failures are
// ignored: a range that cannot be mapped is either already occupied (the
// strict reserve will fail loudly later) or outside the addressable range.
func steerApertures(regions []alignedRegion) []placeholder {
	placed := make([]placeholder, 0, len(regions))
	for _, r := range regions {
		if err := mapPlaceholder(r.AlignedBase, r.AlignedSize); err != nil {
			logrus.Debugf("Placeholder at 0x%x (%d bytes) not placed: %v",
				r.AlignedBase, r.AlignedSize, err)
			continue
		}
		placed = append(placed, placeholder{base: r.AlignedBase, size: r.AlignedSize})
	}
	logrus.Debugf("Placed %d/%d aperture placeholders", len(placed), len(regions))
	return placed
}

// releasePlaceholders unmaps the placeholders, freeing the captured ranges
// for the strict reservations that follow.
func releasePlaceholders(placed []placeholder) {
	for _, p := range placed {
		if err := unmapPlaceholder(p.base, p.size); err != nil {
			logrus.Warnf("Releasing placeholder at 0x%x: %v", p.base, err)
		}
	}
}
