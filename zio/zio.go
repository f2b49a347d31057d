package zio

import (
	"context"
	"sync"

	"github.com/teris-io/shortid"

	"github.com/NVIDIA/zpool/cmn/debug"
	"github.com/NVIDIA/zpool/cmn/nlog"
)

var sidGen *shortid.Shortid

func init() {
	sidGen, _ = shortid.New(1, shortid.DefaultABC, 0xBEEF)
}

func newID() string {
	if sidGen == nil {
		return ""
	}
	id, err := sidGen.Generate()
	if err != nil {
		return ""
	}
	return id
}

// DoneFunc is invoked at DONE (§4.6 "Completion"), synchronously on
// whichever goroutine runs the DONE stage.
type DoneFunc func(z *Zio)

// Zio is one pipeline descriptor (§3/§9). The parent/child tree is a
// plain direct-pointer tree -- one parent pointer, an intrusive singly
// linked sibling list headed by the parent's child field -- rather than an
// index arena: Go has no borrow checker forcing the arena-of-slots
// representation a language-agnostic description would otherwise need.
type Zio struct {
	mu sync.Mutex

	ID string // short correlation id, log/debug only -- never a protocol field

	engine *Engine
	ctx    context.Context

	Type     IOType
	Priority Priority
	Flags    Flag

	stage       Stage
	pipeline    Pipeline
	asyncStages Pipeline
	dispatched  bool // true once advance() has handed this zio to a task queue

	Err error

	// BP is rebound to &bpCopy immediately after construction so the
	// caller may free/reuse its own BP once submission returns (§5
	// "Resource policy" -- bp_copy).
	BP         *BlockPointer
	bpCopy     BlockPointer
	bpOriginal *BlockPointer

	data       []byte
	size       int64
	bufsize    int64
	transforms []transformFrame

	Vdev   Vdev
	VdevID uint32
	Offset uint64
	Txg    uint64

	Parent  *Zio
	child   *Zio // head of the child list
	sibling *Zio // next sibling under the same parent

	childrenNotReady int
	childrenNotDone  int
	stalled          Stage // nonzero iff this zio is blocked on a barrier

	gangHdr          *GangHeader
	gangChildren     []*Zio
	checksumVerified bool

	retries int

	doneCB DoneFunc
	waitCh chan struct{}
}

func newZio(ctx context.Context, eng *Engine, typ IOType, prio Priority, flags Flag, pipeline Pipeline, done DoneFunc) *Zio {
	z := &Zio{
		ID:       newID(),
		engine:   eng,
		ctx:      ctx,
		Type:     typ,
		Priority: prio,
		Flags:    flags,
		stage:    StageWaitChildrenReady,
		pipeline: pipeline,
		doneCB:   done,
		waitCh:   make(chan struct{}),
	}
	// async_stages: every stage from VDEV_IO_SETUP onward is async by
	// default (§4.6); WRITE_COMPRESS is added by the Write
	// constructor when compression is actually enabled for this zio.
	z.asyncStages = pipeline & asyncDefaultMask
	return z
}

// Data returns the zio's current transform-stack top buffer (the live
// data/size pair a vdev driver or stage action reads/writes).
func (z *Zio) Data() []byte { return z.data[:z.size] }

// Size returns the length of Data().
func (z *Zio) Size() int64 { return z.size }

func (z *Zio) bindBP(bp *BlockPointer) {
	z.bpOriginal = bp
	if bp != nil {
		z.bpCopy = *bp
	}
	z.BP = &z.bpCopy
}

// Null creates a zio with no work of its own, used as a barrier/grouping
// parent for fan-out child zios. (Gang members link to the gang write
// zio itself, not to a Null parent.)
func Null(ctx context.Context, eng *Engine, flags Flag, done DoneFunc) *Zio {
	return newZio(ctx, eng, TypeNull, PrioritySyncWrite, flags, pipelineIoctl, done)
}

// Read constructs a logical read: data/size is the caller's destination
// buffer, bp describes the block to fetch. When bp declares compression,
// a physical buffer sized bp.PSize is pushed onto the transform stack
// immediately (§4.3 "push compressed buffer ... pop and free after
// decompression writes into the outer buffer"): DVA_TRANSLATE/VDEV_IO (or,
// for a gang block, READ_GANG_MEMBERS) then fill that physical buffer, and
// READ_DECOMPRESS pops it to restore data/size to this caller buffer
// while inflating into it.
func Read(ctx context.Context, eng *Engine, bp *BlockPointer, data []byte, size int64, prio Priority, flags Flag, done DoneFunc) *Zio {
	z := newZio(ctx, eng, TypeRead, prio, flags, pipelineRead, done)
	z.bindBP(bp)
	z.data, z.size, z.bufsize = data, size, int64(cap(data))
	if bp != nil && !bp.IsHole() && bp.Compress != CompressOff && bp.Compress != CompressInherit {
		physSize := int64(bp.PSize)
		buf := eng.mem.Alloc(physSize)
		z.pushTransform(buf, physSize, int64(cap(buf)))
	}
	return z
}

// Write constructs a logical write. checksum/compress select the BP's
// algorithms (§4.1/§4.6); txg is the transaction group this write
// belongs to.
func Write(ctx context.Context, eng *Engine, bp *BlockPointer, data []byte, size int64, txg uint64,
	checksum ChecksumID, compress CompressID, prio Priority, flags Flag, done DoneFunc) *Zio {
	rewrite := bp != nil && bp.Birth == txg && !bp.IsHole()
	pipeline := pipelineWrite
	if rewrite {
		pipeline = pipelineRewrite
	}
	z := newZio(ctx, eng, TypeWrite, prio, flags, pipeline, done)
	z.bindBP(bp)
	z.BP.Checksum, z.BP.Compress = checksum, compress
	z.BP.LSize, z.BP.Birth = uint64(size), txg
	z.Txg = txg
	z.data, z.size, z.bufsize = data, size, int64(cap(data))
	if compress != CompressOff && compress != CompressInherit {
		z.asyncStages |= Pipeline(StageWriteCompress)
	}
	return z
}

// Free constructs a block free (§4.6 DVA_FREE / S6 deferred free).
func Free(ctx context.Context, eng *Engine, bp *BlockPointer, txg uint64, flags Flag, done DoneFunc) *Zio {
	z := newZio(ctx, eng, TypeFree, PriorityFree, flags, pipelineFree, done)
	z.bindBP(bp)
	z.Txg = txg
	return z
}

// Claim constructs an intent-log replay claim (§4.6 DVA_CLAIM).
func Claim(ctx context.Context, eng *Engine, bp *BlockPointer, txg uint64, flags Flag, done DoneFunc) *Zio {
	z := newZio(ctx, eng, TypeClaim, PrioritySyncWrite, flags, pipelineClaim, done)
	z.bindBP(bp)
	z.Txg = txg
	return z
}

// Ioctl constructs a control zio addressed directly at a vdev (flush,
// trim); it carries no BP.
func Ioctl(ctx context.Context, eng *Engine, vd Vdev, flags Flag, done DoneFunc) *Zio {
	z := newZio(ctx, eng, TypeIoctl, PrioritySyncWrite, flags, pipelineIoctl, done)
	z.Vdev = vd
	return z
}

// ReadPhys / WritePhys bypass DVA translation and the BP entirely: data is
// addressed directly at (vdev, offset), used for gang-header and label I/O.
func ReadPhys(ctx context.Context, eng *Engine, vd Vdev, offset uint64, data []byte, prio Priority, flags Flag, done DoneFunc) *Zio {
	z := newZio(ctx, eng, TypeRead, prio, flags|FlagPhysical, pipelineReadPhys, done)
	z.Vdev, z.Offset = vd, offset
	z.data, z.size, z.bufsize = data, int64(len(data)), int64(cap(data))
	return z
}

func WritePhys(ctx context.Context, eng *Engine, vd Vdev, offset uint64, data []byte, prio Priority, flags Flag, done DoneFunc) *Zio {
	pipeline := commonSpine | Pipeline(StageVdevIOSetup|StageVdevIOStart|StageVdevIODone|StageVdevIOAssess)
	z := newZio(ctx, eng, TypeWrite, prio, flags|FlagPhysical, pipeline, done)
	z.Vdev, z.Offset = vd, offset
	z.data, z.size, z.bufsize = data, int64(len(data)), int64(cap(data))
	return z
}

// VdevChildIO creates a physical child of parent addressed at a specific
// vdev/offset, linking the barrier counters per §4.6 "Parent/child
// barriers".
func VdevChildIO(parent *Zio, vd Vdev, offset uint64, data []byte, size int64, typ IOType, prio Priority, pipeline Pipeline) *Zio {
	flags := parent.Flags & VdevInherit
	z := newZio(parent.ctx, parent.engine, typ, prio, flags, pipeline, nil)
	z.Vdev, z.Offset = vd, offset
	z.data, z.size, z.bufsize = data, size, int64(cap(data))
	z.linkChild(parent)
	return z
}

// linkChild attaches z under parent, bumping children_notready (only if the
// parent hasn't passed READY yet) and always bumping children_notdone
// (§4.6).
func (z *Zio) linkChild(parent *Zio) {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	z.Parent = parent
	z.sibling = parent.child
	parent.child = z
	if parent.stage < StageReady {
		parent.childrenNotReady++
	}
	parent.childrenNotDone++
}

// Wait submits z and blocks until it reaches DONE, returning the
// accumulated error (§7 "wait returns the accumulated error code").
func (z *Zio) Wait() error {
	z.run()
	<-z.waitCh
	return z.Err
}

// Nowait submits z asynchronously; any error is delivered only to the
// done-callback (§7).
func (z *Zio) Nowait() {
	z.run()
}

// waitChildrenReady is the WAIT_CHILDREN_READY barrier (ordinal 1): blocks
// until children_notready reaches zero. Reusable from any stage action,
// not only the pipeline's nominal stage-1 slot (see Stage doc comment).
func (z *Zio) waitChildrenReady() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.childrenNotReady == 0 {
		return true
	}
	z.stalled = StageWaitChildrenReady
	return false
}

// waitChildrenDone is the WAIT_CHILDREN_DONE barrier (ordinal 19): blocks
// until children_notdone reaches zero.
func (z *Zio) waitChildrenDone() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.childrenNotDone == 0 {
		return true
	}
	z.stalled = StageWaitChildrenDone
	return false
}

// notifyParent is called when a child reaches READY or DONE; it decrements
// the matching counter and, if it hit zero and the parent was stalled on
// that exact barrier, resumes the parent (§4.6).
func (z *Zio) notifyParent(barrier Stage, childErr error) {
	p := z.Parent
	if p == nil {
		return
	}
	p.mu.Lock()
	var hitZero bool
	switch barrier {
	case StageWaitChildrenReady:
		p.childrenNotReady--
		hitZero = p.childrenNotReady == 0
	case StageWaitChildrenDone:
		p.childrenNotDone--
		hitZero = p.childrenNotDone == 0
		if childErr != nil && p.Err == nil && !p.Flags.Has(FlagDontPropagate) {
			p.Err = childErr
		}
	}
	resume := hitZero && p.stalled == barrier
	if resume {
		p.stalled = 0
	}
	p.mu.Unlock()
	if resume {
		p.advanceAndContinue()
	}
}

// unlinkFromParent removes z from its parent's child list (§4.6
// "Completion": "unlinks the I/O from its parent's child list").
func (z *Zio) unlinkFromParent() {
	p := z.Parent
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.child == z {
		p.child = z.sibling
		return
	}
	for c := p.child; c != nil; c = c.sibling {
		if c.sibling == z {
			c.sibling = z.sibling
			return
		}
	}
}

type stageResult int

const (
	resContinue stageResult = iota
	resStalled
	resTerminal
)

// stageTable is a static function-pointer array (§9 "Dynamic dispatch"):
// each stage maps to a plain function of *Zio, not a virtual method.
var stageTable = map[Stage]func(*Zio) stageResult{
	StageWaitChildrenReady:    actWaitChildrenReady,
	StageWriteCompress:        actWriteCompress,
	StageChecksumGenerate:     actChecksumGenerate,
	StageGangPipeline:         actGangPipeline,
	StageGetGangHeader:        actGetGangHeader,
	StageRewriteGangMembers:   actRewriteGangMembers,
	StageFreeGangMembers:      actFreeGangMembers,
	StageClaimGangMembers:     actClaimGangMembers,
	StageDVAAllocate:          actDVAAllocate,
	StageDVAFree:              actDVAFree,
	StageDVAClaim:             actDVAClaim,
	StageGangChecksumGenerate: actGangChecksumGenerate,
	StageReady:                actReady,
	StageDVATranslate:         actDVATranslate,
	StageVdevIOSetup:          actVdevIOSetup,
	StageVdevIOStart:          actVdevIOStart,
	StageVdevIODone:           actVdevIODone,
	StageVdevIOAssess:         actVdevIOAssess,
	StageWaitChildrenDone:     actWaitChildrenDone,
	StageChecksumVerify:       actChecksumVerify,
	StageReadGangMembers:      actReadGangMembers,
	StageReadDecompress:       actReadDecompress,
	StageDone:                 actDone,
}

func actWaitChildrenReady(z *Zio) stageResult {
	if z.waitChildrenReady() {
		return resContinue
	}
	return resStalled
}

func actWaitChildrenDone(z *Zio) stageResult {
	if z.waitChildrenDone() {
		return resContinue
	}
	return resStalled
}

// run drives z's stage machine until it stalls, dispatches asynchronously,
// or completes.
func (z *Zio) run() {
	for {
		cur := z.stage
		fn, ok := stageTable[cur]
		debug.Assertf(ok, "zio: no action for stage %v", cur)
		res := fn(z)
		switch res {
		case resStalled, resTerminal:
			return
		}
		// A stage action (actVdevIOReissue, VdevIOBypass) may have already
		// pointed z.stage at an earlier stage to re-run it; only compute
		// the forward transition when nothing did that, or advance() would
		// immediately walk past the stage the reissue just rewound to.
		if z.stage == cur {
			z.advance()
		}
		if z.stage == 0 || z.dispatched {
			return
		}
	}
}

// advance computes and commits z's next stage, dispatching through the
// engine's task-queue Dispatcher when that stage is marked asynchronous
// (§4.6 "next_stage_async ... but only when the stage bit is set in
// async_stages").
func (z *Zio) advance() {
	next := nextStage(z.stage, z.pipeline, z.Err != nil)
	if next == 0 {
		z.stage = 0
		return
	}
	z.stage = next
	if z.asyncStages.has(next) && z.engine != nil && z.engine.tq != nil {
		z.dispatched = true
		z.engine.tq.Dispatch(z, next)
		return
	}
	z.dispatched = false
}

// advanceAndContinue is used by barrier/vdev-completion resumption paths:
// the zio is already sitting at the stage that just became satisfied, so
// skip re-running that stage's action and advance straight past it.
func (z *Zio) advanceAndContinue() {
	z.advance()
	if z.stage != 0 && !z.dispatched {
		z.run()
	}
}

// Run is the taskq.Dispatcher's re-entry point: called from a worker
// goroutine once a deferred stage has been popped off its queue.
func (z *Zio) Run() { z.run() }

func actReady(z *Zio) stageResult {
	if z.BP != nil {
		z.mu.Lock()
		z.bpCopy = *z.BP
		z.mu.Unlock()
	}
	z.notifyParent(StageWaitChildrenReady, nil)
	return resContinue
}

// actDone is stage DONE (§4.6 "Completion"/§7 "User-visible
// behavior"). Every caller observes a terminal error through Wait()'s
// return value or the done-callback regardless of CANFAIL; CANFAIL's
// distinct contribution is at the call sites that would otherwise panic
// on a truly-unrecoverable condition (gang allocation exhausting even the
// minimum block size -- see beginGang), which check the flag themselves
// before choosing to panic instead of setting z.Err.
func actDone(z *Zio) stageResult {
	if z.Err != nil {
		nlog.Warningf("zio %s: completed with error: %v", z.ID, z.Err)
	}
	z.clearTransformStack()
	if z.doneCB != nil {
		z.doneCB(z)
	}
	z.notifyParent(StageWaitChildrenDone, z.Err)
	z.unlinkFromParent()
	close(z.waitCh)
	return resTerminal
}
