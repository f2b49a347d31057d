package zio

import (
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/zpool/cmn/xerr"
)

// actGangPipeline is stage GANG_PIPELINE: strips the gang-only stages from
// this zio's mask when its BP does not actually carry a gang DVA
// (§4.6 "strip gang stages if not a gang read").
//
// A gang *read* additionally strips its own DVA_TRANSLATE/VDEV_IO*/
// CHECKSUM_VERIFY: GET_GANG_HEADER already fetched and authenticated the
// header through its own synchronous child zio (fetchGangHeader), and
// READ_GANG_MEMBERS reassembles the logical payload directly into this
// zio's buffer, so a translate+vdev-io of the primary (gang) DVA here
// would just redundantly re-read the header's raw bytes into the
// caller's destination. A gang *write* still needs those stages: they
// are what physically places the encoded GBH that GANG_CHECKSUM_GENERATE
// just produced at the gang DVA.
func actGangPipeline(z *Zio) stageResult {
	if z.BP == nil || !z.BP.IsGang(0) {
		z.pipeline &^= Pipeline(StageGetGangHeader | StageReadGangMembers |
			StageRewriteGangMembers | StageFreeGangMembers | StageClaimGangMembers)
		return resContinue
	}
	if z.Type == TypeRead {
		z.pipeline &^= Pipeline(StageDVATranslate | StageVdevIOSetup | StageVdevIOStart |
			StageVdevIODone | StageVdevIOAssess | StageChecksumVerify)
	}
	return resContinue
}

// fetchGangHeader reads and decodes the gang-block header addressed by the
// BP's primary (gang) DVA. This is a synchronous child fetch: the calling
// goroutine blocks on the child's own Wait(), which is the zio-level
// equivalent of the barrier-reuse trick the original engine applies
// in-line (see Stage doc comment) -- simpler to reason about and
// sufficient since these gang-member stages are not in asyncDefaultMask.
func fetchGangHeader(z *Zio) (*GangHeader, error) {
	if z.gangHdr != nil {
		return z.gangHdr, nil
	}
	dva := z.BP.PrimaryDVA()
	vd, err := z.engine.vdevs.Resolve(dva.Vdev)
	if err != nil {
		return nil, xerr.ErrNoDevice
	}
	buf := z.engine.mem.Alloc(int64(GangBlockSize))
	child := ReadPhys(z.ctx, z.engine, vd, dva.Off+LabelStartSize, buf, z.Priority, z.Flags&GangInherit, nil)
	if err := child.Wait(); err != nil {
		z.engine.mem.Free(buf)
		return nil, err
	}
	gh := &GangHeader{}
	gh.Decode(buf)
	z.engine.mem.Free(buf)
	z.gangHdr = gh
	return gh, nil
}

// actGetGangHeader is stage GET_GANG_HEADER (read path): fetches and
// checksums the GBH before fanning out member reads.
func actGetGangHeader(z *Zio) stageResult {
	if !z.pipeline.has(StageGetGangHeader) {
		return resContinue
	}
	gh, err := fetchGangHeader(z)
	if err != nil {
		z.Err = err
		return resContinue
	}
	verifier := SetGangVerifier(*z.BP.PrimaryDVA(), z.BP.Birth)
	if !gh.Tail.Equal(verifier) {
		z.Err = xerr.ErrChecksum
	}
	return resContinue
}

// actReadGangMembers is stage READ_GANG_MEMBERS: fans out a read for each
// non-hole child BP and reassembles the logical payload.
func actReadGangMembers(z *Zio) stageResult {
	if !z.pipeline.has(StageReadGangMembers) || z.Err != nil {
		return resContinue
	}
	gh := z.gangHdr
	var g errgroup.Group
	off := int64(0)
	for i := range gh.BlkPtr {
		child := &gh.BlkPtr[i]
		if child.IsHole() {
			continue
		}
		size := int64(child.LSize)
		dst := z.data[off : off+size]
		g.Go(func() error {
			c := Read(z.ctx, z.engine, child, dst, size, z.Priority, z.Flags&GangInherit, nil)
			return c.Wait()
		})
		off += size
	}
	if err := g.Wait(); err != nil && z.Err == nil {
		z.Err = err
	}
	return resContinue
}

// actRewriteGangMembers is stage REWRITE_GANG_MEMBERS: rewrites each
// existing non-hole child of a gang parent in place.
func actRewriteGangMembers(z *Zio) stageResult {
	if !z.pipeline.has(StageRewriteGangMembers) || z.Err != nil {
		return resContinue
	}
	gh, err := fetchGangHeader(z)
	if err != nil {
		z.Err = err
		return resContinue
	}
	var g errgroup.Group
	off := int64(0)
	for i := range gh.BlkPtr {
		child := &gh.BlkPtr[i]
		if child.IsHole() {
			continue
		}
		size := int64(child.LSize)
		src := z.data[off : off+size]
		g.Go(func() error {
			c := Write(z.ctx, z.engine, child, src, size, z.Txg, child.Checksum, child.Compress, z.Priority, z.Flags&GangInherit, nil)
			if err := c.Wait(); err != nil {
				return err
			}
			// The rewrite may have recomputed PSize/Cksum (or reallocated a
			// new DVA, if compression changed this child's physical size);
			// the header must reflect what was actually written, or a
			// later read's CHECKSUM_VERIFY would compare against stale
			// metadata. Safe without a lock: each goroutine only ever
			// touches its own BlkPtr slot.
			*child = *c.BP
			return nil
		})
		off += size
	}
	if err := g.Wait(); err != nil && z.Err == nil {
		z.Err = err
	}
	return resContinue
}

// actFreeGangMembers is stage FREE_GANG_MEMBERS: frees every non-hole
// child of a gang BP, plus the header block itself.
func actFreeGangMembers(z *Zio) stageResult {
	if !z.pipeline.has(StageFreeGangMembers) {
		return resContinue
	}
	gh, err := fetchGangHeader(z)
	if err != nil {
		z.Err = err
		return resContinue
	}
	var g errgroup.Group
	for i := range gh.BlkPtr {
		child := &gh.BlkPtr[i]
		if child.IsHole() {
			continue
		}
		g.Go(func() error {
			c := Free(z.ctx, z.engine, child, z.Txg, z.Flags&GangInherit, nil)
			return c.Wait()
		})
	}
	if err := g.Wait(); err != nil && z.Err == nil {
		z.Err = err
	}
	dva := *z.BP.PrimaryDVA()
	dva.Gang = false
	if err := z.engine.alloc.Free(z.ctx, dva, z.Txg); err != nil && z.Err == nil {
		z.Err = err
	}
	return resContinue
}

// actClaimGangMembers is stage CLAIM_GANG_MEMBERS: replays allocation
// claims for every non-hole child during intent-log recovery.
func actClaimGangMembers(z *Zio) stageResult {
	if !z.pipeline.has(StageClaimGangMembers) {
		return resContinue
	}
	gh, err := fetchGangHeader(z)
	if err != nil {
		z.Err = err
		return resContinue
	}
	var g errgroup.Group
	for i := range gh.BlkPtr {
		child := &gh.BlkPtr[i]
		if child.IsHole() {
			continue
		}
		g.Go(func() error {
			c := Claim(z.ctx, z.engine, child, z.Txg, z.Flags&GangInherit, nil)
			return c.Wait()
		})
	}
	if err := g.Wait(); err != nil && z.Err == nil {
		z.Err = err
	}
	dva := *z.BP.PrimaryDVA()
	dva.Gang = false
	if err := z.engine.alloc.Claim(z.ctx, dva, z.Txg); err != nil && z.Err == nil {
		z.Err = err
	}
	return resContinue
}

// actGangChecksumGenerate is stage GANG_CHECKSUM_GENERATE: computes the
// synthetic verifier that authenticates a GBH (a containing BP can't hold
// the header's own checksum, since the header describes itself -- spec
// §4.1 "Gang verifier").
func actGangChecksumGenerate(z *Zio) stageResult {
	if z.gangHdr == nil {
		return resContinue
	}
	dva := z.BP.PrimaryDVA()
	z.gangHdr.Tail = SetGangVerifier(*dva, z.BP.Birth)
	encoded := z.gangHdr.Encode()
	z.pushTransform(encoded, int64(len(encoded)), int64(len(encoded)))
	z.BP.PSize = uint64(len(encoded))
	z.BP.Cksum = z.gangHdr.Tail
	return resContinue
}

// gangOutOfSpace handles the "pool truly full" case (§7 "Programmer
// error"/"truly-out-of-space gang allocation"): a CANFAIL zio gets a
// returned ENOSPC, anything else is the one case outside a programmer bug
// that still panics, since there is no smaller fallback left to try.
func gangOutOfSpace(z *Zio, msg string) stageResult {
	if z.Flags.Has(FlagCanFail) {
		z.Err = xerr.ErrNoSpace
		return resContinue
	}
	panic(xerr.NewPanic("%s", msg))
}

// beginGang implements §4.6 "Gang fragmentation": called from
// DVA_ALLOCATE on ENOSPC (or the GangBangThreshold test hook). Allocates a
// fixed-size gang header extent, then allocates each child with a shrinking
// maxalloc budget; a child write that can't even get the minimum block
// size is the "pool truly full" case and panics (§7 "Programmer
// error"/"truly-out-of-space gang allocation").
func beginGang(z *Zio) stageResult {
	hdrDVA, err := z.engine.alloc.Alloc(z.ctx, uint64(GangBlockSize), z.Txg, false)
	if err != nil {
		return gangOutOfSpace(z, "gang header allocation failed")
	}

	gh := &GangHeader{}
	payload := z.data[:z.size]
	remaining := int64(len(payload))
	slots := GBHNumBlkPtrs
	off := int64(0)
	totalChildAsize := uint64(0)
	ashift := z.Vdev0Ashift(hdrDVA.Vdev)

	for i := 0; i < slots && remaining > 0; i++ {
		slotsLeft := slots - i
		maxalloc := remaining / int64(slotsLeft)
		if maxalloc < MinBlockSize {
			maxalloc = MinBlockSize
		}
		if maxalloc > remaining {
			maxalloc = remaining
		}

		var childDVA DVA
		var allocErr error
		for {
			childDVA, allocErr = z.engine.alloc.Alloc(z.ctx, uint64(maxalloc), z.Txg, false)
			if allocErr == nil {
				break
			}
			maxalloc = int64(roundUpAshift(uint64(maxalloc)/2, ashift))
			if maxalloc < MinBlockSize {
				return gangOutOfSpace(z, "gang child allocation failed: really out of space")
			}
		}

		size := maxalloc
		if size > remaining {
			size = remaining
		}
		childBP := &gh.BlkPtr[i]
		childBP.DVAs[0] = childDVA
		childBP.dvaIndexInUse = 1
		childBP.LSize = uint64(size)
		childBP.PSize = uint64(size)
		childBP.Checksum = z.BP.Checksum
		childBP.Compress = CompressOff
		childBP.Birth = z.Txg
		childBP.Cksum = checksumCompute(childBP.Checksum, payload[off:off+size])
		totalChildAsize += childDVA.Asize

		remaining -= size
		off += size
	}

	z.gangHdr = gh
	z.BP.DVAs[0] = hdrDVA
	z.BP.DVAs[0].Gang = true
	z.BP.DVAs[0].Asize = hdrDVA.Asize + totalChildAsize
	z.BP.dvaIndexInUse = 1
	z.BP.Fill = uint64(slots)
	z.pipeline |= Pipeline(StageGangChecksumGenerate)

	// Dispatch gang-member writes now; the parent's own WAIT_CHILDREN_DONE
	// (already part of commonSpine, ordinal 19) will hold for them.
	for i := range gh.BlkPtr {
		childBP := &gh.BlkPtr[i]
		if childBP.IsHole() {
			continue
		}
		size := int64(childBP.LSize)
		src := payload[:size]
		payload = payload[size:]
		memberBP := *childBP
		c := newZio(z.ctx, z.engine, TypeWrite, z.Priority, z.Flags&GangInherit, pipelineRewrite, nil)
		c.bindBP(&memberBP)
		c.BP.DVAs[0] = childBP.DVAs[0]
		c.BP.dvaIndexInUse = 1
		c.data, c.size, c.bufsize = src, size, size
		c.Txg = z.Txg
		c.linkChild(z)
		c.Nowait()
	}
	return resContinue
}

// Vdev0Ashift resolves vdevID's ashift, defaulting to SPA_MINBLOCKSHIFT if
// resolution fails (should not happen for a DVA this engine itself just
// allocated).
func (z *Zio) Vdev0Ashift(vdevID uint32) uint8 {
	if vd, err := z.engine.vdevs.Resolve(vdevID); err == nil {
		return vd.Ashift()
	}
	return MinBlockShift
}

