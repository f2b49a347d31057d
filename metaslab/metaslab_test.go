package metaslab

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/zpool/cmn/xerr"
	"github.com/NVIDIA/zpool/zio"
)

var _ = Describe("Space", func() {
	var sp *Space

	BeforeEach(func() {
		var err error
		sp, err = NewSpace("")
		Expect(err).NotTo(HaveOccurred())
		sp.AddVdev(1, 4096, zio.MinBlockShift)
	})

	AfterEach(func() {
		Expect(sp.Close()).To(Succeed())
	})

	It("allocates ashift-aligned extents from a fresh vdev", func() {
		dva, err := sp.Alloc(context.Background(), 100, 1, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(dva.Vdev).To(Equal(uint32(1)))
		Expect(dva.Asize % (1 << zio.MinBlockShift)).To(BeZero())
		Expect(dva.Asize).To(BeNumerically(">=", 100))
	})

	It("returns ErrNoSpace once the vdev is exhausted", func() {
		for i := 0; i < 8; i++ {
			_, err := sp.Alloc(context.Background(), 512, 1, false)
			Expect(err).NotTo(HaveOccurred())
		}
		_, err := sp.Alloc(context.Background(), 512, 1, false)
		Expect(xerr.Is(err, xerr.ErrNoSpace)).To(BeTrue())
	})

	It("free is idempotent: freeing twice is not an error", func() {
		dva, err := sp.Alloc(context.Background(), 512, 1, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(sp.Free(context.Background(), dva, 1)).To(Succeed())
		Expect(sp.Free(context.Background(), dva, 1)).To(Succeed())
	})

	It("freed space becomes available to a later allocation", func() {
		dva, err := sp.Alloc(context.Background(), 4096, 1, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(sp.Free(context.Background(), dva, 1)).To(Succeed())
		_, err = sp.Alloc(context.Background(), 4096, 1, false)
		Expect(err).NotTo(HaveOccurred())
	})

	It("claim fails with ErrStale for an extent never allocated", func() {
		err := sp.Claim(context.Background(), zio.DVA{Vdev: 1, Off: 99999, Asize: 512}, 1)
		Expect(xerr.Is(err, xerr.ErrStale)).To(BeTrue())
	})

	It("claim fails with ErrAgain for an extent freed within the current txg bookkeeping", func() {
		dva, err := sp.Alloc(context.Background(), 512, 1, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(sp.Free(context.Background(), dva, 1)).To(Succeed())
		err = sp.Claim(context.Background(), dva, 1)
		Expect(xerr.Is(err, xerr.ErrAgain)).To(BeTrue())
	})

	It("claim succeeds for a live allocation", func() {
		dva, err := sp.Alloc(context.Background(), 512, 1, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(sp.Claim(context.Background(), dva, 1)).To(Succeed())
	})

	It("Free on an unknown vdev returns ErrNoDevice", func() {
		err := sp.Free(context.Background(), zio.DVA{Vdev: 77, Off: 0, Asize: 1}, 1)
		Expect(xerr.Is(err, xerr.ErrNoDevice)).To(BeTrue())
	})

	It("defers a free and replays it on ApplyDeferred", func() {
		dva, err := sp.Alloc(context.Background(), 512, 1, false)
		Expect(err).NotTo(HaveOccurred())

		sp.DeferFree(&dva, 5)
		// Not yet freed: claim still sees it live.
		Expect(sp.Claim(context.Background(), dva, 5)).To(Succeed())

		Expect(sp.ApplyDeferred(context.Background(), 5)).To(Succeed())
		err = sp.Claim(context.Background(), dva, 5)
		Expect(xerr.Is(err, xerr.ErrAgain)).To(BeTrue())
	})
})
