// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package capture // import "github.com/hsatrace/kernel-isolate/capture"

import (
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/hsatrace/kernel-isolate/artifact"
	"github.com/hsatrace/kernel-isolate/hsa"
)

// captureDispatch runs once per session, on the submitting thread, after
// the matcher fired. The kernarg block is materialized first: it lives in
// device-coherent host memory owned by the runtime and must not be read
// after this callback returns.
func (e *Engine) captureDispatch(pkt *hsa.KernelDispatchPacket, rec *KernelRecord,
	index uint64, queue *hsa.Queue) {
	kernarg := make([]byte, rec.KernargSize)
	copy(kernarg, hsa.SliceAt(pkt.KernargAddress, int(rec.KernargSize)))

	agent, haveAgent := e.queues.agentFor(queue)
	if !haveAgent {
		logrus.Warnf("No agent recorded for queue %p, capture continues without agent identity", queue)
	}

	pktCopy := *pkt
	if err := e.writeSnapshot(&pktCopy, rec, kernarg, index, agent); err != nil {
		logrus.Errorf("Capture of %s failed: %v", rec.MatchName(), err)
		return
	}
	logrus.Infof("Captured dispatch %d of %s into %s", index, rec.MatchName(), e.cfg.OutputDir)
}

// writeSnapshot serializes the dispatch into the capture directory. The
// top-level artifacts failing is fatal to the session's capture;
// individual region copies may be skipped.
func (e *Engine) writeSnapshot(pkt *hsa.KernelDispatchPacket, rec *KernelRecord,
	kernarg []byte, index uint64, agent hsa.Agent) error {
	dir := e.cfg.OutputDir
	if err := os.MkdirAll(filepath.Join(dir, artifact.MemoryDir), 0o755); err != nil {
		return err
	}

	dispatch := artifact.Dispatch{
		SessionID:     e.sessionID,
		CapturedAt:    time.Now().UTC().Format(time.RFC3339),
		KernelName:    rec.MangledName,
		DemangledName: rec.DemangledName,
		AgentName:     e.agentName(agent),
		ISA:           e.agentISA(agent),
		WavefrontSize: e.agentWavefrontSize(agent),
		KernelObject:  pkt.KernelObject,
		GridSize: artifact.Dim3{
			X: pkt.GridSizeX, Y: pkt.GridSizeY, Z: pkt.GridSizeZ,
		},
		WorkgroupSize: artifact.Dim3{
			X: uint32(pkt.WorkgroupSizeX),
			Y: uint32(pkt.WorkgroupSizeY),
			Z: uint32(pkt.WorkgroupSizeZ),
		},
		GroupSegmentSize:   pkt.GroupSegmentSize,
		PrivateSegmentSize: pkt.PrivateSegmentSize,
		KernargSize:        rec.KernargSize,
		DispatchIndex:      index,
	}
	if err := artifact.WriteJSON(dir, artifact.DispatchFile, &dispatch); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, artifact.KernargFile), kernarg, 0o644); err != nil {
		return err
	}

	if blob := e.blobs.lookup(pkt.KernelObject); blob != nil {
		if err := os.WriteFile(filepath.Join(dir, artifact.BinaryFile), blob, 0o644); err != nil {
			return err
		}
	} else {
		logrus.Warnf("No code object attached to kernel object 0x%x, %s omitted",
			pkt.KernelObject, artifact.BinaryFile)
	}

	return e.snapshotMemory(dir)
}

// snapshotMemory copies out every tracked region. The region list is copied
// under the tracker's lock; the device-to-host copies and the file writes
// happen off it. A region whose copy fails is skipped, not fatal.
func (e *Engine) snapshotMemory(dir string) error {
	regions := e.regions.Snapshot()
	meta := artifact.Regions{Regions: make([]artifact.Region, 0, len(regions))}

	for _, r := range regions {
		buf := make([]byte, r.Size)
		if st := e.orig.memoryCopy(hsa.AddressOf(buf), r.Base, r.Size); !st.Succeeded() {
			logrus.Warnf("Copy of region 0x%x (%d bytes) failed with status 0x%x, skipped",
				r.Base, r.Size, int32(st))
			continue
		}
		compressed, err := artifact.WriteRegionPayload(dir, r.Base, buf, e.cfg.Compress)
		if err != nil {
			logrus.Warnf("Writing region 0x%x payload: %v, skipped", r.Base, err)
			continue
		}
		meta.Regions = append(meta.Regions, artifact.Region{
			Base:       r.Base,
			Size:       r.Size,
			IsPool:     r.Kind == RegionPool,
			IsVmem:     r.Kind == RegionVmem,
			Handle:     r.Handle,
			Access:     r.AccessMask,
			XXH3:       artifact.Checksum(buf),
			Compressed: compressed,
		})
	}

	if dropped := e.regions.Dropped(); dropped > 0 {
		logrus.Warnf("%d regions were dropped at capture time, snapshot is incomplete", dropped)
	}
	return artifact.WriteJSON(dir, artifact.RegionsFile, &meta)
}

func (e *Engine) agentName(agent hsa.Agent) string {
	var buf [64]byte
	if st := e.orig.agentGetInfo(agent, hsa.AgentInfoName,
		unsafe.Pointer(&buf[0])); !st.Succeeded() {
		return ""
	}
	return string(trimNul(buf[:]))
}

func (e *Engine) agentISA(agent hsa.Agent) string {
	var buf [128]byte
	if st := e.orig.agentGetInfo(agent, hsa.AgentInfoISA,
		unsafe.Pointer(&buf[0])); !st.Succeeded() {
		return ""
	}
	return string(trimNul(buf[:]))
}

func (e *Engine) agentWavefrontSize(agent hsa.Agent) uint32 {
	var v uint32
	if st := e.orig.agentGetInfo(agent, hsa.AgentInfoWavefrontSize,
		unsafe.Pointer(&v)); !st.Succeeded() {
		return 0
	}
	return v
}
