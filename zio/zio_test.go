package zio

import (
	"bytes"
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/zpool/cmn/xerr"
)

var _ = Describe("write/read roundtrip", func() {
	DescribeTable("representative checksum x compression combinations survive a roundtrip",
		func(cksum ChecksumID, compress CompressID) {
			eng, _ := newTestEngine(1 << 20)
			payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 64)

			bp := &BlockPointer{}
			w := Write(context.Background(), eng, bp, payload, int64(len(payload)), 1, cksum, compress, PrioritySyncWrite, 0, nil)
			Expect(w.Wait()).To(Succeed())
			Expect(w.BP.IsHole()).To(BeFalse())

			out := make([]byte, len(payload))
			r := Read(context.Background(), eng, w.BP, out, int64(len(out)), PrioritySyncRead, 0, nil)
			Expect(r.Wait()).To(Succeed())
			Expect(out).To(Equal(payload))
		},
		Entry("off/off", ChecksumOff, CompressOff),
		Entry("fletcher4/off", ChecksumFletcher4, CompressOff),
		Entry("xxhash64/lzjb", ChecksumXXHash64, CompressLZJB),
		Entry("sha256/gzip6", ChecksumSHA256, CompressGzip6),
		Entry("metro/gzip1", ChecksumMetro, CompressGzip1),
	)

	It("detects a corrupted physical payload at CHECKSUM_VERIFY", func() {
		eng, vd := newTestEngine(1 << 20)
		payload := []byte("corrupt me please")
		bp := &BlockPointer{}
		w := Write(context.Background(), eng, bp, payload, int64(len(payload)), 1, ChecksumFletcher4, CompressOff, PrioritySyncWrite, 0, nil)
		Expect(w.Wait()).To(Succeed())

		dva := w.BP.PrimaryDVA()
		vd.store[dva.Off+LabelStartSize] ^= 0xFF

		out := make([]byte, len(payload))
		r := Read(context.Background(), eng, w.BP, out, int64(len(out)), PrioritySyncRead, FlagDontRetry, nil)
		err := r.Wait()
		Expect(err).To(HaveOccurred())
		Expect(xerr.Is(err, xerr.ErrChecksum)).To(BeTrue())
	})

	It("freeing a written block zeroes its BP into a hole", func() {
		eng, _ := newTestEngine(1 << 20)
		bp := &BlockPointer{}
		// An empty payload compresses to "nothing" under any real codec
		// only incidentally; exercise the hole path directly via Free
		// instead, which is the actual spec-named producer of holes.
		payload := []byte("short")
		w := Write(context.Background(), eng, bp, payload, int64(len(payload)), 1, ChecksumOff, CompressOff, PrioritySyncWrite, 0, nil)
		Expect(w.Wait()).To(Succeed())

		f := Free(context.Background(), eng, w.BP, 1, 0, nil)
		Expect(f.Wait()).To(Succeed())
		Expect(f.BP.IsHole()).To(BeTrue())
	})
})

var _ = Describe("free and claim", func() {
	It("claim succeeds for an allocated DVA and fails with ESTALE otherwise", func() {
		eng, _ := newTestEngine(1 << 20)
		payload := []byte("claim me")
		w := Write(context.Background(), eng, &BlockPointer{}, payload, int64(len(payload)), 1, ChecksumOff, CompressOff, PrioritySyncWrite, 0, nil)
		Expect(w.Wait()).To(Succeed())

		c := Claim(context.Background(), eng, w.BP, 1, 0, nil)
		Expect(c.Wait()).To(Succeed())

		bogus := &BlockPointer{}
		bogus.DVAs[0] = DVA{Vdev: 1, Off: 999999, Asize: MinBlockSize}
		bogus.Birth = 1
		c2 := Claim(context.Background(), eng, bogus, 1, 0, nil)
		err := c2.Wait()
		Expect(err).To(HaveOccurred())
		Expect(xerr.Is(err, xerr.ErrStale)).To(BeTrue())
	})

	It("defers a free when sync pass is beyond the deferred-free threshold", func() {
		eng, _ := newTestEngine(1 << 20)
		payload := []byte("deferred")
		w := Write(context.Background(), eng, &BlockPointer{}, payload, int64(len(payload)), 1, ChecksumOff, CompressOff, PrioritySyncWrite, 0, nil)
		Expect(w.Wait()).To(Succeed())

		eng.Txg.(*fakeTxg).set(1, 2) // sync pass > deferFreePass
		alloc := eng.alloc.(*fakeAlloc)

		dva := *w.BP.PrimaryDVA()
		f := Free(context.Background(), eng, w.BP, 1, 0, nil)
		Expect(f.Wait()).To(Succeed())
		Expect(alloc.deferred).To(ContainElement(dva))
	})
})

var _ = Describe("retry policy", func() {
	It("retries a transient device error and eventually succeeds", func() {
		eng, vd := newTestEngine(1 << 20)
		payload := []byte("retry payload")
		w := Write(context.Background(), eng, &BlockPointer{}, payload, int64(len(payload)), 1, ChecksumOff, CompressOff, PrioritySyncWrite, 0, nil)
		Expect(w.Wait()).To(Succeed())

		vd.mu.Lock()
		vd.failNext = 2
		vd.mu.Unlock()

		out := make([]byte, len(payload))
		r := Read(context.Background(), eng, w.BP, out, int64(len(out)), PrioritySyncRead, 0, nil)
		Expect(r.Wait()).To(Succeed())
		Expect(out).To(Equal(payload))
	})

	It("FlagDontRetry suppresses retry outright", func() {
		eng, vd := newTestEngine(1 << 20)
		payload := []byte("no retry")
		w := Write(context.Background(), eng, &BlockPointer{}, payload, int64(len(payload)), 1, ChecksumOff, CompressOff, PrioritySyncWrite, 0, nil)
		Expect(w.Wait()).To(Succeed())

		vd.mu.Lock()
		vd.failNext = 1
		vd.mu.Unlock()

		out := make([]byte, len(payload))
		r := Read(context.Background(), eng, w.BP, out, int64(len(out)), PrioritySyncRead, FlagDontRetry, nil)
		Expect(r.Wait()).To(HaveOccurred())
	})
})

var _ = Describe("gang fragmentation", func() {
	It("splits a write into gang members once forced over GangBangThreshold", func() {
		eng, _ := newTestEngine(4 << 20)
		eng.GangBangThreshold = 1024

		payload := bytes.Repeat([]byte("gang-member-payload-"), 200) // > 1024 bytes
		w := Write(context.Background(), eng, &BlockPointer{}, payload, int64(len(payload)), 1, ChecksumFletcher4, CompressOff, PrioritySyncWrite, 0, nil)
		Expect(w.Wait()).To(Succeed())
		Expect(w.BP.IsGang(0)).To(BeTrue())

		out := make([]byte, len(payload))
		r := Read(context.Background(), eng, w.BP, out, int64(len(out)), PrioritySyncRead, 0, nil)
		Expect(r.Wait()).To(Succeed())
		Expect(out).To(Equal(payload))
	})

	It("rewriting an already-gang BP goes through REWRITE_GANG_MEMBERS", func() {
		eng, _ := newTestEngine(4 << 20)
		eng.GangBangThreshold = 1024
		payload := bytes.Repeat([]byte("x"), 2000)
		w := Write(context.Background(), eng, &BlockPointer{}, payload, int64(len(payload)), 1, ChecksumOff, CompressOff, PrioritySyncWrite, 0, nil)
		Expect(w.Wait()).To(Succeed())
		Expect(w.BP.IsGang(0)).To(BeTrue())

		newPayload := bytes.Repeat([]byte("y"), 2000)
		rw := Write(context.Background(), eng, w.BP, newPayload, int64(len(newPayload)), 1, ChecksumOff, CompressOff, PrioritySyncWrite, 0, nil)
		Expect(rw.pipeline.has(StageRewriteGangMembers)).To(BeTrue())
		Expect(rw.Wait()).To(Succeed())

		out := make([]byte, len(newPayload))
		r := Read(context.Background(), eng, rw.BP, out, int64(len(out)), PrioritySyncRead, 0, nil)
		Expect(r.Wait()).To(Succeed())
		Expect(out).To(Equal(newPayload))
	})
})

var _ = Describe("parent/child error propagation", func() {
	It("a failing child's error propagates to a Null parent at WAIT_CHILDREN_DONE", func() {
		eng, vd := newTestEngine(1 << 20)
		vd.mu.Lock()
		vd.failNext = 1
		vd.mu.Unlock()

		parent := Null(context.Background(), eng, FlagDontRetry, nil)
		buf := make([]byte, MinBlockSize)
		child := VdevChildIO(parent, vd, 0, buf, int64(len(buf)), TypeRead, PrioritySyncRead, PipelineVdevChild)
		child.Nowait()
		Expect(parent.Wait()).To(HaveOccurred())
	})
})
