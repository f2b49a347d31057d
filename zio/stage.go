package zio

// Stage is one ordinal in the fixed 23-stage pipeline table (§4.6).
// WAIT_CHILDREN_READY and WAIT_CHILDREN_DONE are not strictly-ordered steps
// a zio walks through in turn -- they are barrier *functions*, reusable
// from any stage action, that happen to occupy ordinals 1 and 19 purely so
// notifyParent has a stable tag to match against: in
// usr/src/uts/common/fs/zfs/zio.c, zio_wait_for_children is called
// directly from zio_ready and zio_execute, not only reached by falling
// through the table in order.
type Stage uint32

const (
	StageWaitChildrenReady Stage = 1 << iota
	StageWriteCompress
	StageChecksumGenerate
	StageGangPipeline
	StageGetGangHeader
	StageRewriteGangMembers
	StageFreeGangMembers
	StageClaimGangMembers
	StageDVAAllocate
	StageDVAFree
	StageDVAClaim
	StageGangChecksumGenerate
	StageReady
	StageDVATranslate
	StageVdevIOSetup
	StageVdevIOStart
	StageVdevIODone
	StageVdevIOAssess
	StageWaitChildrenDone
	StageChecksumVerify
	StageReadGangMembers
	StageReadDecompress
	StageDone
)

// NumStages is the count of ordinals in the table above.
const NumStages = 23

// stageOrder lists every stage in ascending execution order, used by
// nextStage/nextStageAsync to walk a pipeline mask.
var stageOrder = [NumStages]Stage{
	StageWaitChildrenReady, StageWriteCompress, StageChecksumGenerate,
	StageGangPipeline, StageGetGangHeader, StageRewriteGangMembers,
	StageFreeGangMembers, StageClaimGangMembers, StageDVAAllocate,
	StageDVAFree, StageDVAClaim, StageGangChecksumGenerate, StageReady,
	StageDVATranslate, StageVdevIOSetup, StageVdevIOStart, StageVdevIODone,
	StageVdevIOAssess, StageWaitChildrenDone, StageChecksumVerify,
	StageReadGangMembers, StageReadDecompress, StageDone,
}

func (s Stage) String() string {
	switch s {
	case StageWaitChildrenReady:
		return "wait-children-ready"
	case StageWriteCompress:
		return "write-compress"
	case StageChecksumGenerate:
		return "checksum-generate"
	case StageGangPipeline:
		return "gang-pipeline"
	case StageGetGangHeader:
		return "get-gang-header"
	case StageRewriteGangMembers:
		return "rewrite-gang-members"
	case StageFreeGangMembers:
		return "free-gang-members"
	case StageClaimGangMembers:
		return "claim-gang-members"
	case StageDVAAllocate:
		return "dva-allocate"
	case StageDVAFree:
		return "dva-free"
	case StageDVAClaim:
		return "dva-claim"
	case StageGangChecksumGenerate:
		return "gang-checksum-generate"
	case StageReady:
		return "ready"
	case StageDVATranslate:
		return "dva-translate"
	case StageVdevIOSetup:
		return "vdev-io-setup"
	case StageVdevIOStart:
		return "vdev-io-start"
	case StageVdevIODone:
		return "vdev-io-done"
	case StageVdevIOAssess:
		return "vdev-io-assess"
	case StageWaitChildrenDone:
		return "wait-children-done"
	case StageChecksumVerify:
		return "checksum-verify"
	case StageReadGangMembers:
		return "read-gang-members"
	case StageReadDecompress:
		return "read-decompress"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// Pipeline is a bitmask over Stage naming the stages one zio will execute.
type Pipeline uint32

func (p Pipeline) has(s Stage) bool { return Pipeline(s)&p != 0 }

// commonSpine is included in every pipeline mask: every zio, regardless of
// type, passes through READY, WAIT_CHILDREN_DONE and DONE, and begins at
// WAIT_CHILDREN_READY (a no-op barrier for a zio with no children yet).
const commonSpine = Pipeline(StageWaitChildrenReady | StageReady | StageWaitChildrenDone | StageDone)

// Per-constructor pipeline masks (§4.6 "pipeline masks" paragraph).
const (
	pipelineReadPhys = commonSpine | Pipeline(StageVdevIOSetup|StageVdevIOStart|
		StageVdevIODone|StageVdevIOAssess|StageChecksumVerify)

	pipelineWrite = commonSpine | Pipeline(StageWriteCompress|StageChecksumGenerate|
		StageGangPipeline|StageRewriteGangMembers|StageDVAAllocate|StageGangChecksumGenerate|
		StageDVATranslate|StageVdevIOSetup|StageVdevIOStart|StageVdevIODone|StageVdevIOAssess)

	pipelineRewrite = pipelineWrite &^ Pipeline(StageDVAAllocate)

	pipelineRead = commonSpine | Pipeline(StageGangPipeline|StageGetGangHeader|
		StageReadGangMembers|StageDVATranslate|StageVdevIOSetup|StageVdevIOStart|
		StageVdevIODone|StageVdevIOAssess|StageChecksumVerify|StageReadDecompress)

	pipelineFree = commonSpine | Pipeline(StageGangPipeline|StageFreeGangMembers|StageDVAFree)

	pipelineClaim = commonSpine | Pipeline(StageGangPipeline|StageClaimGangMembers|StageDVAClaim)

	pipelineIoctl = commonSpine

	// PipelineVdevChild is the mask for a bare physical fan-out child (	// §4.6 "vdev driver contract"): setup/start/done/assess plus the common
	// spine, nothing else -- the parent already did translation/checksum
	// work, so a mirror/raidz fan-out child just needs to move bytes.
	PipelineVdevChild = commonSpine | Pipeline(StageVdevIOSetup|StageVdevIOStart|
		StageVdevIODone|StageVdevIOAssess)

	// pipelineErrorMask narrows execution once a zio carries a non-nil
	// error: only READY, WAIT_CHILDREN_DONE, DONE, plus the vdev stages
	// (so a retry can re-enter VDEV_IO_START) remain runnable.
	pipelineErrorMask = Pipeline(StageReady | StageWaitChildrenDone | StageDone |
		StageVdevIOSetup | StageVdevIOStart | StageVdevIODone | StageVdevIOAssess)

	// asyncDefaultMask is every stage from VDEV_IO_SETUP onward (	// §4.6 "all stages from SETUP onward are async by default").
	asyncDefaultMask = Pipeline(StageVdevIOSetup | StageVdevIOStart | StageVdevIODone |
		StageVdevIOAssess | StageWaitChildrenDone | StageChecksumVerify |
		StageReadGangMembers | StageReadDecompress | StageDone)
)

// nextStage walks forward from cur through mask (narrowed to the error
// pipeline when errSet is true) and returns the next stage to run, or 0 if
// none remain (cur is DONE's successor).
func nextStage(cur Stage, mask Pipeline, errSet bool) Stage {
	effective := mask
	if errSet {
		effective &= pipelineErrorMask
	}
	passed := false
	for _, s := range stageOrder {
		if !passed {
			if s == cur {
				passed = true
			}
			continue
		}
		if effective.has(s) {
			return s
		}
	}
	return 0
}

// IsVdevStage reports whether s is one of the four vdev-I/O stages, which
// stay runnable even under the narrowed error pipeline (§4.6).
func IsVdevStage(s Stage) bool {
	switch s {
	case StageVdevIOSetup, StageVdevIOStart, StageVdevIODone, StageVdevIOAssess:
		return true
	default:
		return false
	}
}

// IsIssueStage reports whether s belongs to the issue task-queue family
// (< VDEV_IO_DONE) as opposed to the intr family (§4.7); taskq.Manager
// uses this to route a Dispatch call to the right family.
func IsIssueStage(s Stage) bool {
	for _, o := range stageOrder {
		if o == StageVdevIODone {
			return false
		}
		if o == s {
			return true
		}
	}
	return false
}
