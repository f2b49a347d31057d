package zio

import (
	"github.com/NVIDIA/zpool/cmn/debug"
	"github.com/NVIDIA/zpool/cmn/xerr"
)

// LabelStartSize reserves room for vdev labels at the start of every
// top-level vdev's addressable space (§3 "concrete sizes":
// VDEV_LABEL_START_SIZE = 4 * SPA_MINBLOCKSIZE). PHYSICAL zios bypass it
// and address the raw device directly (§6 flags table).
const LabelStartSize = 4 * MinBlockSize

// actDVATranslate is stage DVA_TRANSLATE: resolves the BP's primary DVA to
// a concrete Vdev and computes the label-adjusted device offset.
func actDVATranslate(z *Zio) stageResult {
	dva := z.BP.PrimaryDVA()
	vd, err := z.engine.vdevs.Resolve(dva.Vdev)
	if err != nil {
		z.Err = xerr.ErrNoDevice
		return resContinue
	}
	z.Vdev, z.VdevID = vd, dva.Vdev
	offset := dva.Off
	if !z.Flags.Has(FlagPhysical) {
		offset += LabelStartSize
	}
	z.Offset = offset
	return resContinue
}

// actVdevIOSetup is stage VDEV_IO_SETUP: the vdev's pending-list entry
// point. The concrete bookkeeping (enqueue, PHYSICAL/FAILFAST propagation)
// lives in the vdev package, which implements Vdev and tracks its own
// pending list; this stage only needs to pass the flags through, which the
// constructors/VdevChildIO already did.
func actVdevIOSetup(z *Zio) stageResult {
	if z.Err != nil {
		return resContinue
	}
	debug.Assert(z.Vdev != nil, "vdev-io-setup: nil vdev")
	return resContinue
}

// actVdevIOStart is stage VDEV_IO_START: hands off to the vdev driver.
// Completion is asynchronous -- the driver calls VdevIOComplete from its
// own goroutine once the physical operation finishes (§6 vdev driver
// contract: "vdev_io_start(zio) is non-blocking").
func actVdevIOStart(z *Zio) stageResult {
	if z.Err != nil {
		return resContinue
	}
	z.Vdev.Submit(z)
	return resStalled
}

// VdevIOComplete is the vdev driver's callback entry point (§6:
// "upon completion the driver calls the engine's VDEV_IO_DONE entry").
// err is nil on success. This resumes the stalled zio past VDEV_IO_START.
func (z *Zio) VdevIOComplete(err error) {
	z.mu.Lock()
	if err != nil && z.Err == nil {
		z.Err = err
	}
	z.mu.Unlock()
	z.advanceAndContinue()
}

// actVdevIODone is stage VDEV_IO_DONE: the first stage to run in
// completion/"intr" context (§4.7). It exists as a distinct ordinal so
// task-queue routing can split on it; no additional work happens here
// beyond what VdevIOComplete already recorded.
func actVdevIODone(z *Zio) stageResult {
	return resContinue
}

// actVdevIOAssess is stage VDEV_IO_ASSESS: the retry decision, then exit
// from the pending list (§4.6/§4.5).
func actVdevIOAssess(z *Zio) stageResult {
	if z.Err == nil {
		z.retries = 0
		return resContinue
	}
	if !shouldRetry(z) {
		return resContinue
	}
	z.retries++
	z.Err = nil
	// The first retry reissues inline; every retry after that is parked on
	// the vdev's reopen-delay queue instead of spinning VDEV_IO_START
	// immediately again (§8 property 9: "retried exactly once immediately,
	// then again after a reopen delay").
	if z.retries > 1 {
		if rp, ok := z.Vdev.(reopenRetrier); ok {
			z.stage = StageVdevIOStart
			z.dispatched = false
			rp.ParkRetry(z)
			return resStalled
		}
	}
	return actVdevIOReissue(z)
}

// reopenRetrier is an optional capability a Vdev may implement to park a
// zio for reopen-delay replay (§4.5 "reopen worker") rather than an
// immediate inline reissue; vdev.Leaf implements it. A Mirror's children
// are each resolved to their own Leaf, so this is reached per-child
// without Mirror needing to implement it itself.
type reopenRetrier interface {
	ParkRetry(z *Zio)
}

// shouldRetry implements the bounded retry policy of §4.5/§8 property
// 9-10: DONT_RETRY or FAILFAST suppresses retry outright; checksum errors
// retry at most once; everything else retries up to maxRetries times.
func shouldRetry(z *Zio) bool {
	if z.Flags.Has(FlagDontRetry) || z.Flags.Has(FlagFailFast) {
		return false
	}
	if xerr.Is(z.Err, xerr.ErrChecksum) {
		return z.retries < 1
	}
	return z.retries < maxRetries
}

// maxRetries bounds cumulative retries for a single leaf I/O (§8
// property 9: "cumulative retries never exceed 300").
const maxRetries = 300

// actVdevIOReissue re-enters VDEV_IO_START for a retry (§9
// "zio_reissue"/"zio_redone" rollback operations): walks the stage back
// rather than creating a new descriptor, preserving the zio's identity for
// S5's retry-counter observability.
func actVdevIOReissue(z *Zio) stageResult {
	z.stage = StageVdevIOStart
	z.dispatched = false
	return resContinue
}

// VdevIOBypass mutates stage back to ASSESS-1 (§9 Open Questions:
// "zio_vdev_io_bypass ... document the contract but do not invent repair
// semantics"). Callers outside this package (a future repair path) may
// call it before resubmitting; this engine does not itself invoke it.
func (z *Zio) VdevIOBypass() {
	z.Flags.Set(FlagIOBypass)
	z.stage = StageVdevIODone
}
