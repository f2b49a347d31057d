package zio

import (
	"github.com/NVIDIA/zpool/cmn/xerr"
)

// actWriteCompress is stage WRITE_COMPRESS (§4.6 "Compression path").
// A rewrite whose sync pass has advanced far enough for convergence skips
// compression entirely; otherwise it's attempted, and success narrows the
// zio to pure-rewrite, hole, or write-allocate.
func actWriteCompress(z *Zio) stageResult {
	isRewrite := z.BP.Birth == z.Txg && !z.BP.IsHole()
	_, syncPass := z.engine.Txg.Current()
	dontCompress := isRewrite && syncPass >= dontCompressPass

	if dontCompress || z.BP.Compress == CompressOff || z.BP.Compress == CompressInherit {
		if dontCompress {
			z.BP.Compress = CompressOff
		}
		z.BP.PSize = uint64(z.size)
		return resContinue
	}

	compressed, ok := compressData(z.BP.Compress, z.data[:z.size])
	if !ok {
		// No gain: fall back to storing the payload uncompressed.
		z.BP.Compress = CompressOff
		z.BP.PSize = uint64(z.size)
		return resContinue
	}

	if len(compressed) == 0 {
		// Compressed to nothing: this block becomes a hole.
		z.BP.Zero()
		return resContinue
	}

	// compressors (lz4, gzip) hand back a buffer sized to their own
	// internal bound, not to a memsys size class; pushing it as-is would
	// make clearTransformStack's later MemPool.Free trip the slab's
	// size-mismatch assertion. Copy into a properly classed buffer instead.
	physBuf := z.engine.mem.Alloc(int64(len(compressed)))
	copy(physBuf, compressed)

	switch {
	case isRewrite && uint64(len(compressed)) == z.BP.PSize:
		// Same physical size as before: pure rewrite, no new allocation.
		z.pushTransform(physBuf, int64(len(compressed)), int64(cap(physBuf)))
		z.pipeline = pipelineRewrite
	default:
		z.pushTransform(physBuf, int64(len(compressed)), int64(cap(physBuf)))
		z.pipeline |= Pipeline(StageDVAAllocate)
	}
	z.BP.PSize = uint64(len(compressed))
	return resContinue
}

// dontCompressPass is the sync pass at or beyond which a rewrite skips
// compression to guarantee convergence (§2 txg/sync-pass state; mirrors
// zio_compress_zeroed_cb / spa_sync_props thresholds: zp_dontcompress
// fires at pass 4).
const dontCompressPass = 4

// actChecksumGenerate is stage CHECKSUM_GENERATE: stamps the BP's checksum
// over the (possibly compressed) physical payload.
func actChecksumGenerate(z *Zio) stageResult {
	if z.BP.IsHole() {
		return resContinue
	}
	if z.BP.Checksum == ChecksumOff || z.BP.Checksum == ChecksumInherit {
		return resContinue
	}
	z.BP.Cksum = checksumCompute(z.BP.Checksum, z.data[:z.size])
	return resContinue
}

// actDVAAllocate is stage DVA_ALLOCATE: calls the allocator; ENOSPC (or the
// GangBangThreshold test hook) reroutes into the gang path instead of
// failing outright (§4.6 "Gang fragmentation").
func actDVAAllocate(z *Zio) stageResult {
	if z.BP.IsHole() {
		return resContinue
	}
	psize := z.BP.PSize
	forceGang := z.engine.GangBangThreshold != 0 && psize >= z.engine.GangBangThreshold
	if !forceGang {
		dva, err := z.engine.alloc.Alloc(z.ctx, psize, z.Txg, true)
		if err == nil {
			z.BP.DVAs[0] = dva
			z.BP.dvaIndexInUse = 1
			return resContinue
		}
		if !xerr.Is(err, xerr.ErrNoSpace) {
			z.Err = err
			return resContinue
		}
	}
	return beginGang(z)
}

// actDVAFree is stage DVA_FREE (§4.6, S6 deferred free): if the
// currently-syncing txg is past its first sync pass, the free is appended
// to the deferred-free ledger instead of calling the allocator directly.
func actDVAFree(z *Zio) stageResult {
	if z.BP.IsHole() {
		return resContinue
	}
	_, syncPass := z.engine.Txg.Current()
	if syncPass > deferFreePass {
		if df, ok := z.engine.alloc.(deferredFreer); ok {
			df.DeferFree(z.BP.PrimaryDVA(), z.Txg)
			z.BP.Zero()
			return resContinue
		}
	}
	if err := z.engine.alloc.Free(z.ctx, *z.BP.PrimaryDVA(), z.Txg); err != nil {
		z.Err = err
	}
	z.BP.Zero()
	return resContinue
}

// deferFreePass is the sync pass above which a free is deferred rather
// than applied immediately (mirrors zfs_sync_pass_deferred_free=1).
const deferFreePass = 1

// deferredFreer is an optional capability an Allocator may implement to
// support S6's deferred-free bplist; metaslab.Space implements it.
type deferredFreer interface {
	DeferFree(dva *DVA, txg uint64)
}

// actDVAClaim is stage DVA_CLAIM: replays an intent-log allocation.
func actDVAClaim(z *Zio) stageResult {
	if z.BP.IsHole() {
		return resContinue
	}
	if err := z.engine.alloc.Claim(z.ctx, *z.BP.PrimaryDVA(), z.Txg); err != nil {
		z.Err = err
	}
	return resContinue
}
