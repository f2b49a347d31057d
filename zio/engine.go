package zio

import "context"

// Allocator is the consumer-side face of the metaslab allocator contract
// (§4.4/§6). metaslab.Space implements this; zio only ever sees the
// interface, so metaslab may import zio for DVA/Stage/IOType without a
// cycle back.
type Allocator interface {
	// Alloc reserves asize bytes on some top-level vdev for txg and
	// returns the DVA describing it. Returns ErrNoSpace (ENOSPC) when no
	// extent large enough is free.
	Alloc(ctx context.Context, psize uint64, txg uint64, canGang bool) (DVA, error)
	// Free releases the extent named by dva. Idempotent: freeing an
	// already-free extent is a no-op, not an error.
	Free(ctx context.Context, dva DVA, txg uint64) error
	// Claim marks dva allocated during intent-log replay. Returns
	// ErrAgain if dva was freed within the same txg, ErrStale if dva was
	// never allocated.
	Claim(ctx context.Context, dva DVA, txg uint64) error
}

// Vdev is one node of the vdev tree (§4.5/§6): a vdev.Mirror or a
// vdev.Leaf; there is no separate root node.
type Vdev interface {
	// ID is this vdev's stable top-level identifier (matches DVA.Vdev
	// for a top-level vdev; children share their top-level's id for
	// pending-list bookkeeping).
	ID() uint32
	// Ashift is log2 of this vdev's minimum allocation unit.
	Ashift() uint8
	// Submit hands off z for physical I/O; completion is asynchronous --
	// the driver calls back into the engine's Zio.VdevIOComplete entry point
	// from its own goroutine (§6 vdev driver contract).
	Submit(z *Zio)
	// Children returns this vdev's child vdevs (empty for a Leaf).
	Children() []Vdev
}

// VdevTree resolves a DVA to the concrete Vdev that owns it (§4.6
// DVA_TRANSLATE).
type VdevTree interface {
	Resolve(vdevID uint32) (Vdev, error)
}

// Dispatcher posts a zio's next stage onto the issue or intr task-queue
// family selected by the stage (§4.7); taskq.Manager implements this.
type Dispatcher interface {
	Dispatch(z *Zio, s Stage)
}

// memPool is the narrow slice of memsys.MemPool the engine actually calls;
// kept as an interface here (rather than importing memsys directly) so zio
// stays a leaf package with no dependency on the concrete buffer pool
// implementation, matching the same inversion used for Allocator/VdevTree.
type memPool interface {
	Alloc(size int64) []byte
	Free(buf []byte)
}

// Engine is the process-wide handle threaded through every public entry
// point (§9 "Global mutable state"): buffer pool, allocator, vdev
// tree, dispatcher and the current txg/sync-pass, all wired together by
// spa.Pool at construction time.
type Engine struct {
	mem   memPool
	alloc Allocator
	vdevs VdevTree
	tq    Dispatcher

	// TxgState reports the currently-syncing txg and its sync pass so
	// DVA_ALLOCATE/DVA_FREE/WRITE_COMPRESS can apply the convergence and
	// deferred-free rules of §4.6/§7/S6.
	Txg TxgState

	// GangBangThreshold is a test hook (§4.6 "Gang fragmentation"):
	// when non-zero, any allocation request at or above this size is
	// forced down the gang path regardless of available space.
	GangBangThreshold uint64
}

// TxgState answers the two questions the pipeline needs about the current
// transaction group (§7, S6 "Deferred free").
type TxgState interface {
	Current() (txg uint64, syncPass int)
}

// NewEngine wires the five collaborators into a ready-to-use Engine.
func NewEngine(mem memPool, alloc Allocator, vdevs VdevTree, tq Dispatcher, txg TxgState) *Engine {
	return &Engine{mem: mem, alloc: alloc, vdevs: vdevs, tq: tq, Txg: txg}
}
