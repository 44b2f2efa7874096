// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package capture // import "github.com/hsatrace/kernel-isolate/capture"

import (
	"sync"

	"github.com/hsatrace/kernel-isolate/hsa"
)

// blobStore correlates code-object bytes across the three callbacks they
// travel through: reader-create-from-memory parks a copy keyed by reader
// handle, executable load moves it under the executable handle and fans it
// out to the executable's kernel symbols, and symbol-get-info attaches the
// last-loaded blob as a fallback for load paths the fan-out missed. The
// attach is last-writer-wins on the kernel-object key; both attach paths
// run under the store's lock.
type blobStore struct {
	mu         sync.Mutex
	pending    map[uint64][]byte // reader handle -> blob
	byExec     map[uint64][]byte // executable handle -> blob
	byKernel   map[uint64][]byte // kernel-object handle -> blob
	lastLoaded []byte
}

func newBlobStore() *blobStore {
	return &blobStore{
		pending:  make(map[uint64][]byte),
		byExec:   make(map[uint64][]byte),
		byKernel: make(map[uint64][]byte),
	}
}

// park copies and stores the caller's buffer under the reader handle. The
// copy is taken because the runtime does not require the caller to keep the
// buffer alive after the call returns.
func (bs *blobStore) park(reader hsa.CodeObjectReader, data []byte) {
	blob := make([]byte, len(data))
	copy(blob, data)
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.pending[reader.Handle] = blob
}

// promote moves a parked blob under the executable handle on load and
// marks it as the most recently loaded code object. It returns the blob so
// the caller can fan it out to the executable's kernel symbols.
func (bs *blobStore) promote(reader hsa.CodeObjectReader, exec hsa.Executable) []byte {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	blob, ok := bs.pending[reader.Handle]
	if !ok {
		return nil
	}
	delete(bs.pending, reader.Handle)
	bs.byExec[exec.Handle] = blob
	bs.lastLoaded = blob
	return blob
}

// attach binds a blob to a kernel-object handle, last writer wins.
func (bs *blobStore) attach(kernelObject uint64, blob []byte) {
	if blob == nil {
		return
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.byKernel[kernelObject] = blob
}

// attachLastLoaded binds the most recently loaded blob to a kernel-object
// handle. This is the fallback for symbols observed outside the load
// fan-out.
func (bs *blobStore) attachLastLoaded(kernelObject uint64) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.lastLoaded == nil {
		return
	}
	bs.byKernel[kernelObject] = bs.lastLoaded
}

// lookup returns the blob attached to a kernel-object handle, or nil.
func (bs *blobStore) lookup(kernelObject uint64) []byte {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.byKernel[kernelObject]
}
