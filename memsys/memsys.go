// Package memsys implements the engine's size-classed buffer pool
// (§4.2): an arena of aligned I/O buffers keyed by power-of-two /
// page-size alignment rules, used by transforms and gang headers.
// Mirrors cluster.T.PageMM().GetSlab(...) in xact/xs/tcb.go, itself a
// slab-class, sync.Pool-style design.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"sync"

	"github.com/NVIDIA/zpool/cmn/debug"
)

const (
	MinBlockSize = 512        // SPA_MINBLOCKSIZE
	MaxBlockSize = 128 * 1024 // SPA_MAXBLOCKSIZE
	PageSize     = 4096
)

// Slab is one size class: every buffer it hands out has exactly Bufsize
// bytes and Align-aligned capacity (capacity alignment is a bookkeeping
// property here, not a hardware-enforced one, since Go slices are not
// independently addressable below the runtime's own allocator alignment).
type Slab struct {
	Bufsize int64
	Align   int64
	pool    sync.Pool
}

func newSlab(bufsize, align int64) *Slab {
	s := &Slab{Bufsize: bufsize, Align: align}
	s.pool.New = func() any {
		b := make([]byte, bufsize)
		return &b
	}
	return s
}

// Alloc returns a zeroed-or-recycled buffer of exactly s.Bufsize bytes.
// Callers must never rely on residual contents across Alloc/Free cycles
// beyond what they themselves wrote.
func (s *Slab) Alloc() []byte {
	bp := s.pool.Get().(*[]byte)
	b := *bp
	for i := range b {
		b[i] = 0
	}
	return b
}

// Free returns buf to its size class. buf must have been obtained from
// this Slab (same Bufsize); passing a foreign-sized slice is a programmer
// error and trips an assertion, not a silent truncation.
func (s *Slab) Free(buf []byte) {
	debug.Assertf(int64(cap(buf)) == s.Bufsize, "slab free: size mismatch %d != %d", cap(buf), s.Bufsize)
	b := buf[:cap(buf)]
	s.pool.Put(&b)
}

// MemPool is the process-wide (or, here, per-Engine) collection of size
// classes, created once at pool-mount time per §9 ("encapsulate as an
// Engine handle").
type MemPool struct {
	mu      sync.Mutex
	classes map[int64]*Slab
}

func NewMemPool() *MemPool {
	return &MemPool{classes: make(map[int64]*Slab)}
}

// alignFor implements the §4.2 alignment rule: minimum block size for
// sizes <= 4x minblock, page size when size is a page multiple, otherwise
// the largest power-of-two divisor of size.
func alignFor(size int64) int64 {
	switch {
	case size <= 4*MinBlockSize:
		return MinBlockSize
	case size%PageSize == 0:
		return PageSize
	default:
		return size & -size
	}
}

// roundUp rounds size up to the nearest multiple of MinBlockSize.
func roundUp(size int64) int64 {
	if r := size % MinBlockSize; r != 0 {
		size += MinBlockSize - r
	}
	return size
}

// GetSlab returns (creating if necessary) the size class for size, rounded
// up per the §4.2 rule. Safe for concurrent use; class creation is the
// only point at which an out-of-memory condition may legitimately surface
// (steady-state Alloc calls recycle and never fail).
func (mp *MemPool) GetSlab(size int64) *Slab {
	size = roundUp(size)
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if s, ok := mp.classes[size]; ok {
		return s
	}
	s := newSlab(size, alignFor(size))
	mp.classes[size] = s
	return s
}

// Alloc is a convenience that resolves the slab and allocates in one call.
func (mp *MemPool) Alloc(size int64) []byte { return mp.GetSlab(size).Alloc() }

// Free returns buf to the size class matching its capacity.
func (mp *MemPool) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	mp.GetSlab(int64(cap(buf))).Free(buf)
}
