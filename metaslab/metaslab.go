// Package metaslab implements the Allocator contract consumed by zio
// (§4.4/§6): Alloc/Free/Claim against a per-top-level-vdev free-extent
// list, plus the deferred-free bplist named in §7/S6. Mirrors
// xact/xs/tcb.go's "the allocator is a dependency, not core logic" stance
// (it never implements storage itself, only calls into cluster.T) --
// here that contract is real, with a concrete allocator behind it.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package metaslab

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/zpool/cmn/debug"
	"github.com/NVIDIA/zpool/cmn/nlog"
	"github.com/NVIDIA/zpool/cmn/xerr"
	"github.com/NVIDIA/zpool/zio"
)

// extent is one free region [Off, Off+Size) on a single top-level vdev.
type extent struct {
	Off  uint64
	Size uint64
}

// vdevSpace is one top-level vdev's free-extent list plus its claimed set,
// keyed for Claim's EAGAIN/ESTALE disambiguation.
type vdevSpace struct {
	id     uint32
	ashift uint8
	free   []extent // kept sorted by Off
	// claimed tracks extents handed out by Alloc, keyed by offset, so
	// Claim/Free can tell "never allocated" (ESTALE) apart from
	// "allocated, not yet freed" (success) and "freed this txg" (EAGAIN).
	claimed map[uint64]claimedExtent
}

type claimedExtent struct {
	size    uint64
	freedAt uint64 // txg at which this extent was freed; 0 if still live
	live    bool
}

// Space is the concrete, in-memory Allocator adapter (§4.4 "(added)").
// Deliberately a simple first-fit allocator over a sorted free list rather
// than a faithful metaslab spacemap: callers consume this through
// zio.Allocator, not as this engine's own subject matter.
type Space struct {
	mu     sync.Mutex
	vdevs  map[uint32]*vdevSpace
	db     *buntdb.DB // deferred-free bplist, keyed by txg (S6)
	nextID uint32
}

// NewSpace opens (or creates) the deferred-free ledger at dbPath ("" for a
// purely in-memory store, the common case for tests) and returns an empty
// Space with no vdevs registered; call AddVdev for each top-level vdev.
func NewSpace(dbPath string) (*Space, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := buntdb.Open(dbPath)
	if err != nil {
		return nil, xerr.Wrap(err, "metaslab: open deferred-free ledger")
	}
	return &Space{vdevs: make(map[uint32]*vdevSpace), db: db}, nil
}

// AddVdev registers a top-level vdev of the given capacity and ashift,
// initially one single free extent spanning the whole device.
func (s *Space) AddVdev(id uint32, capacity uint64, ashift uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vdevs[id] = &vdevSpace{
		id:      id,
		ashift:  ashift,
		free:    []extent{{Off: 0, Size: capacity}},
		claimed: make(map[uint64]claimedExtent),
	}
}

// Close releases the deferred-free ledger's handle.
func (s *Space) Close() error { return s.db.Close() }

var _ zio.Allocator = (*Space)(nil)

// Alloc implements zio.Allocator (§4.4/§8 property 8: every DVA is
// ashift-aligned). canGang is accepted for interface symmetry with the
// original contract; this adapter does not itself decide to gang (that
// decision lives in zio.beginGang) -- it only ever returns a single extent
// or ErrNoSpace.
func (s *Space) Alloc(_ context.Context, psize uint64, txg uint64, _ bool) (zio.DVA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, vd := range s.sortedVdevIDs() {
		vs := s.vdevs[vd]
		asize := roundUp(psize, vs.ashift)
		for i, e := range vs.free {
			if e.Size < asize {
				continue
			}
			off := e.Off
			if e.Size == asize {
				vs.free = append(vs.free[:i], vs.free[i+1:]...)
			} else {
				vs.free[i] = extent{Off: off + asize, Size: e.Size - asize}
			}
			vs.claimed[off] = claimedExtent{size: asize, live: true}
			nlog.Infof("metaslab: alloc vdev=%d off=%d asize=%d txg=%d", vd, off, asize, txg)
			return zio.DVA{Vdev: vd, Off: off, Asize: asize}, nil
		}
	}
	return zio.DVA{}, fmt.Errorf("metaslab: %w", xerr.ErrNoSpace)
}

// Free implements zio.Allocator. Idempotent: freeing an extent that is not
// currently live is a no-op (§4.4 "idempotent free").
func (s *Space) Free(_ context.Context, dva zio.DVA, txg uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.vdevs[dva.Vdev]
	if !ok {
		return xerr.ErrNoDevice
	}
	ce, ok := vs.claimed[dva.Off]
	if !ok || !ce.live {
		return nil
	}
	ce.live = false
	ce.freedAt = txg
	vs.claimed[dva.Off] = ce
	vs.free = insertFree(vs.free, extent{Off: dva.Off, Size: dva.Asize})
	return nil
}

// DeferFree implements zio.deferredFreer (S6): appends dva to the
// txg-keyed deferred-free ledger instead of freeing it immediately. A
// later ApplyDeferred(txg) call (made by spa.Pool.EndTxgAndReplay)
// replays and frees everything recorded for that txg.
func (s *Space) DeferFree(dva *zio.DVA, txg uint64) {
	key := fmt.Sprintf("txg:%020d:%010d:%010d", txg, dva.Vdev, dva.Off)
	val := fmt.Sprintf("%d", dva.Asize)
	if err := s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, val, nil)
		return err
	}); err != nil {
		nlog.Errorf("metaslab: defer-free persist failed: %v", err)
	}
}

// ApplyDeferred replays and frees every DVA deferred under txg, then
// removes those ledger entries (spec S6 "a second invocation with
// sync_pass <= 1 calls metaslab_free directly").
func (s *Space) ApplyDeferred(ctx context.Context, txg uint64) error {
	prefix := fmt.Sprintf("txg:%020d:", txg)
	var keys []string
	if err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			keys = append(keys, key)
			var vdev, off, asize uint64
			fmt.Sscanf(key, "txg:%020d:%010d:%010d", &txg, &vdev, &off)
			fmt.Sscanf(value, "%d", &asize)
			_ = s.Free(ctx, zio.DVA{Vdev: uint32(vdev), Off: off, Asize: asize}, txg)
			return true
		})
	}); err != nil {
		return xerr.Wrap(err, "metaslab: replay deferred-free ledger")
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

// Claim implements zio.Allocator (intent-log replay). ENOENT/ESTALE for an
// extent never allocated, EAGAIN for one freed within the current txg.
func (s *Space) Claim(_ context.Context, dva zio.DVA, txg uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.vdevs[dva.Vdev]
	if !ok {
		return xerr.ErrNoDevice
	}
	ce, ok := vs.claimed[dva.Off]
	if !ok {
		return xerr.ErrStale
	}
	if !ce.live {
		return xerr.ErrAgain
	}
	debug.AssertFunc(func() bool { return ce.size == dva.Asize }, "metaslab: claim size mismatch")
	_ = txg
	return nil
}

func (s *Space) sortedVdevIDs() []uint32 {
	ids := make([]uint32, 0, len(s.vdevs))
	for id := range s.vdevs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func roundUp(size uint64, ashift uint8) uint64 {
	unit := uint64(1) << ashift
	if r := size % unit; r != 0 {
		size += unit - r
	}
	return size
}

// insertFree inserts e into free (sorted by Off), coalescing with an
// adjacent neighbor when contiguous.
func insertFree(free []extent, e extent) []extent {
	i := sort.Search(len(free), func(i int) bool { return free[i].Off >= e.Off })
	free = append(free, extent{})
	copy(free[i+1:], free[i:])
	free[i] = e
	// coalesce with predecessor
	if i > 0 && free[i-1].Off+free[i-1].Size == free[i].Off {
		free[i-1].Size += free[i].Size
		free = append(free[:i], free[i+1:]...)
		i--
	}
	// coalesce with successor
	if i+1 < len(free) && free[i].Off+free[i].Size == free[i+1].Off {
		free[i].Size += free[i+1].Size
		free = append(free[:i+1], free[i+2:]...)
	}
	return free
}
