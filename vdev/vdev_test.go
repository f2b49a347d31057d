package vdev

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/zpool/memsys"
	"github.com/NVIDIA/zpool/zio"
)

// goDispatcher posts every stage to a fresh goroutine, a minimal stand-in
// for taskq.Manager sufficient to drive the async VDEV_IO_* stages.
type goDispatcher struct{}

func (goDispatcher) Dispatch(z *zio.Zio, _ zio.Stage) { go z.Run() }

type fixedTxg struct{ txg uint64 }

func (t fixedTxg) Current() (uint64, int) { return t.txg, 1 }

func newTestEngine() *zio.Engine {
	return zio.NewEngine(memsys.NewMemPool(), nil, nil, goDispatcher{}, fixedTxg{txg: 1})
}

var _ = Describe("Leaf", func() {
	It("writes then reads back the same bytes", func() {
		eng := newTestEngine()
		l := NewLeaf(1, zio.MinBlockShift, 1<<20)

		payload := []byte("leaf payload roundtrip")
		w := zio.WritePhys(context.Background(), eng, l, 4096, payload, zio.PrioritySyncWrite, 0, nil)
		Expect(w.Wait()).To(Succeed())

		out := make([]byte, len(payload))
		r := zio.ReadPhys(context.Background(), eng, l, 4096, out, zio.PrioritySyncRead, 0, nil)
		Expect(r.Wait()).To(Succeed())
		Expect(out).To(Equal(payload))
	})

	It("fails an out-of-range offset with ErrOverflow", func() {
		eng := newTestEngine()
		l := NewLeaf(1, zio.MinBlockShift, 512)
		buf := make([]byte, 64)
		r := zio.ReadPhys(context.Background(), eng, l, 1000, buf, zio.PrioritySyncRead, zio.FlagDontRetry, nil)
		Expect(r.Wait()).To(HaveOccurred())
	})

	It("tracks pending-list depth across a submission's lifetime", func() {
		eng := newTestEngine()
		l := NewLeaf(1, zio.MinBlockShift, 1<<20)
		buf := make([]byte, 64)
		w := zio.WritePhys(context.Background(), eng, l, 0, buf, zio.PrioritySyncWrite, 0, nil)
		Expect(w.Wait()).To(Succeed())
		Expect(l.PendingLen()).To(Equal(0))
	})

	It("parks submissions on the retry list while removed, and replays them once present again", func() {
		eng := newTestEngine()
		l := NewLeaf(1, zio.MinBlockShift, 1<<20)
		l.SetRemoved(true)
		Expect(l.Removed()).To(BeTrue())

		payload := []byte("queued-while-removed")
		w := zio.WritePhys(context.Background(), eng, l, 0, payload, zio.PrioritySyncWrite, 0, nil)
		w.Nowait()

		Consistently(func() int { return l.PendingLen() }, 50*time.Millisecond).Should(Equal(0))

		stop := l.StartRetryWorker(10 * time.Millisecond)
		defer stop()
		l.SetRemoved(false)

		out := make([]byte, len(payload))
		Eventually(func() error {
			r := zio.ReadPhys(context.Background(), eng, l, 0, out, zio.PrioritySyncRead, 0, nil)
			return r.Wait()
		}, time.Second, 10*time.Millisecond).Should(Succeed())
		Expect(out).To(Equal(payload))
	})

	It("escalates a second retry to the reopen-delay queue instead of spinning inline", func() {
		eng := newTestEngine()
		l := NewLeaf(1, zio.MinBlockShift, 1<<20)
		l.FailNext = 2 // fails the first inline attempt and its first inline retry

		stop := l.StartRetryWorker(10 * time.Millisecond)
		defer stop()

		payload := []byte("retried-then-parked")
		w := zio.WritePhys(context.Background(), eng, l, 0, payload, zio.PrioritySyncWrite, 0, nil)
		done := make(chan error, 1)
		go func() { done <- w.Wait() }()
		// The leaf parks each failed attempt on its retry list, so the
		// write succeeds only after the reopen worker has replayed the
		// parked attempts past FailNext=2.
		Eventually(done, time.Second, 10*time.Millisecond).Should(Receive(BeNil()))
	})
})

var _ = Describe("Mirror", func() {
	It("a write fans out to every child", func() {
		eng := newTestEngine()
		a, b := NewLeaf(1, zio.MinBlockShift, 1<<20), NewLeaf(1, zio.MinBlockShift, 1<<20)
		m := NewMirror(1, a, b)

		payload := []byte("mirrored payload")
		w := zio.WritePhys(context.Background(), eng, m, 0, payload, zio.PrioritySyncWrite, 0, nil)
		Expect(w.Wait()).To(Succeed())

		outA := make([]byte, len(payload))
		ra := zio.ReadPhys(context.Background(), eng, a, 0, outA, zio.PrioritySyncRead, 0, nil)
		Expect(ra.Wait()).To(Succeed())
		Expect(outA).To(Equal(payload))

		outB := make([]byte, len(payload))
		rb := zio.ReadPhys(context.Background(), eng, b, 0, outB, zio.PrioritySyncRead, 0, nil)
		Expect(rb.Wait()).To(Succeed())
		Expect(outB).To(Equal(payload))
	})

	It("a read succeeds from a healthy child even when another child is broken", func() {
		eng := newTestEngine()
		good := NewLeaf(1, zio.MinBlockShift, 1<<20)
		bad := NewLeaf(1, zio.MinBlockShift, 1<<20)
		bad.FailNext = 1000 // every submission to bad fails

		payload := []byte("survives one bad mirror leg")
		wGood := zio.WritePhys(context.Background(), eng, good, 0, payload, zio.PrioritySyncWrite, 0, nil)
		Expect(wGood.Wait()).To(Succeed())

		m := NewMirror(1, bad, good)
		out := make([]byte, len(payload))
		r := zio.ReadPhys(context.Background(), eng, m, 0, out, zio.PrioritySyncRead, zio.FlagDontRetry, nil)
		Expect(r.Wait()).To(Succeed())
		Expect(out).To(Equal(payload))
	})

	It("a write fails once any child fails", func() {
		eng := newTestEngine()
		good := NewLeaf(1, zio.MinBlockShift, 1<<20)
		bad := NewLeaf(1, zio.MinBlockShift, 1<<20)
		bad.FailNext = 1000

		m := NewMirror(1, good, bad)
		payload := []byte("one bad leg fails the write")
		w := zio.WritePhys(context.Background(), eng, m, 0, payload, zio.PrioritySyncWrite, zio.FlagDontRetry, nil)
		Expect(w.Wait()).To(HaveOccurred())
	})
})
