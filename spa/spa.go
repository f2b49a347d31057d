// Package spa wires the allocator, vdev tree, task queues and txg/sync-pass
// state into a ready-to-use zio.Engine (§9 "Global mutable state...
// encapsulated in an Engine handle created at spa.Pool construction time").
// Out of scope per §1 (no property/admin semantics, no on-disk pool
// config) but its interfaces are what every §4 component is consumed
// through, so something has to build one. Follows a construction-time
// wiring idiom matching xact/xs/tcb.go's XactTCB/qcb split: a single
// long-lived handle threaded through every entry point, config held
// under a dedicated lock released in the same place the op completes.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package spa

import (
	"context"
	"sync"

	"github.com/teris-io/shortid"

	"github.com/NVIDIA/zpool/cmn/nlog"
	"github.com/NVIDIA/zpool/cmn/xerr"
	"github.com/NVIDIA/zpool/memsys"
	"github.com/NVIDIA/zpool/metaslab"
	"github.com/NVIDIA/zpool/taskq"
	"github.com/NVIDIA/zpool/zio"
)

// zpDeferFreePass and zpDontcompressPass mirror the sync-pass thresholds
// zio/pipeline_write.go's deferFreePass/dontCompressPass already hard-code;
// named here too since Pool, not zio, is the thing that actually advances
// sync pass (§2 "txg/sync-pass state").
const (
	zpDeferFreePass   = 1
	zpDontcompressPass = 4
)

// txgState is Pool's implementation of zio.TxgState: the currently-syncing
// txg and its sync pass, advanced by Pool.BeginTxg/Pool.NextSyncPass.
type txgState struct {
	mu       sync.Mutex
	txg      uint64
	syncPass int
}

func (t *txgState) Current() (uint64, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txg, t.syncPass
}

func (t *txgState) beginTxg(txg uint64) {
	t.mu.Lock()
	t.txg, t.syncPass = txg, 1
	t.mu.Unlock()
}

func (t *txgState) nextSyncPass() int {
	t.mu.Lock()
	t.syncPass++
	p := t.syncPass
	t.mu.Unlock()
	return p
}

// staticVdevTree resolves top-level vdev ids against a fixed map built at
// Pool construction time (spec does not ask for dynamic attach/detach).
type staticVdevTree struct {
	byID map[uint32]zio.Vdev
}

func (t *staticVdevTree) Resolve(id uint32) (zio.Vdev, error) {
	vd, ok := t.byID[id]
	if !ok {
		return nil, xerr.ErrNoDevice
	}
	return vd, nil
}

// Pool is the pool-context handle (§9 "Global mutable state"): it
// owns the config lock, the current txg/sync-pass, and the wired
// zio.Engine every public Submit-family call goes through. The config
// lock is read-held by AllocBlk/FreeBlk and write-held by WithConfigHeld;
// zios do not take it, so it is not held across a root zio's lifetime.
type Pool struct {
	Name string

	configMu sync.RWMutex // read: AllocBlk/FreeBlk; write: WithConfigHeld; zios never take it
	txg      txgState

	mem    *memsys.MemPool
	space  *metaslab.Space
	vdevs  *staticVdevTree
	tq     *taskq.Manager
	Engine *zio.Engine

	sidGen *shortid.Shortid
}

// New builds a Pool from a set of top-level vdevs and their capacities,
// wiring memsys/metaslab/taskq into one zio.Engine per §9.
func New(name string, dbPath string, tops []zio.Vdev, capacities map[uint32]uint64) (*Pool, error) {
	space, err := metaslab.NewSpace(dbPath)
	if err != nil {
		return nil, xerr.Wrap(err, "spa: open metaslab space")
	}
	byID := make(map[uint32]zio.Vdev, len(tops))
	for _, vd := range tops {
		byID[vd.ID()] = vd
		space.AddVdev(vd.ID(), capacities[vd.ID()], vd.Ashift())
	}

	p := &Pool{
		Name:  name,
		mem:   memsys.NewMemPool(),
		space: space,
		vdevs: &staticVdevTree{byID: byID},
		tq:    taskq.NewManager(taskq.DefaultConfig),
	}
	p.txg.beginTxg(1)
	sg, _ := shortid.New(2, shortid.DefaultABC, 0xC0FFEE)
	p.sidGen = sg
	p.Engine = zio.NewEngine(p.mem, p.space, p.vdevs, p.tq, &p.txg)
	return p, nil
}

// Close releases the deferred-free ledger and stops every task-queue
// worker pool.
func (p *Pool) Close() error {
	p.tq.Stop()
	return p.space.Close()
}

// BeginTxg starts syncing a new transaction group at sync pass 1. It
// does not replay deferred frees; EndTxgAndReplay does that.
func (p *Pool) BeginTxg(txg uint64) {
	p.txg.beginTxg(txg)
	nlog.Infof("spa %s: begin txg %d", p.Name, txg)
}

// SyncPass advances to the next sync pass within the current txg and
// returns it. It does not replay deferred frees; EndTxgAndReplay does
// that (S6).
func (p *Pool) SyncPass() int { return p.txg.nextSyncPass() }

// EndTxgAndReplay finishes txg by applying every DVA deferred under it,
// per S6 "a second invocation with sync_pass <= 1 calls metaslab_free
// directly" -- this is that second invocation, run once the sync loop
// converges.
func (p *Pool) EndTxgAndReplay(ctx context.Context, txg uint64) error {
	return p.space.ApplyDeferred(ctx, txg)
}

// AllocBlk implements §6 "intent-log allocation" (zio_alloc_blk):
// bypasses the pipeline entirely and calls the allocator directly under
// the config read lock, for ZIL-style pre-allocation use.
func (p *Pool) AllocBlk(ctx context.Context, psize uint64, txg uint64) (zio.DVA, error) {
	p.configMu.RLock()
	defer p.configMu.RUnlock()
	return p.space.Alloc(ctx, psize, txg, false)
}

// FreeBlk implements §6 "intent-log allocation" (zio_free_blk):
// bypasses the pipeline and frees dva directly under the config read lock.
func (p *Pool) FreeBlk(ctx context.Context, dva zio.DVA, txg uint64) error {
	p.configMu.RLock()
	defer p.configMu.RUnlock()
	return p.space.Free(ctx, dva, txg)
}

// WithConfigHeld runs fn with the pool's config lock held exclusively for
// the duration, releases it unconditionally once fn returns, and returns
// fn's error. Zios that fn issues do not take the lock themselves.
func (p *Pool) WithConfigHeld(fn func() error) error {
	p.configMu.Lock()
	defer p.configMu.Unlock()
	return fn()
}

// NewID returns a short correlation id for logging/debug snapshots,
// distinct from the per-zio ids zio.newID generates -- a log-correlation
// convenience only, never a protocol field.
func (p *Pool) NewID() string {
	if p.sidGen == nil {
		return ""
	}
	id, err := p.sidGen.Generate()
	if err != nil {
		return ""
	}
	return id
}
