package zio

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("BlockPointer", func() {
	It("round-trips through Encode/Decode byte-for-byte", func() {
		bp := &BlockPointer{
			LSize: 4096, PSize: 2048,
			Compress: CompressGzip3, Checksum: ChecksumSHA256,
			Level: 2, Type: 7, Fill: 3, Birth: 42,
			Cksum: Checksum{1, 2, 3, 4},
		}
		bp.DVAs[0] = DVA{Vdev: 1, Off: 1024, Asize: 2048}
		bp.DVAs[1] = DVA{Vdev: 2, Off: 4096, Asize: 2048, Gang: true}

		buf := bp.Encode()
		got := &BlockPointer{}
		got.Decode(buf)

		Expect(got.DVAs).To(Equal(bp.DVAs))
		Expect(got.LSize).To(Equal(bp.LSize))
		Expect(got.PSize).To(Equal(bp.PSize))
		Expect(got.Compress).To(Equal(bp.Compress))
		Expect(got.Checksum).To(Equal(bp.Checksum))
		Expect(got.Level).To(Equal(bp.Level))
		Expect(got.Type).To(Equal(bp.Type))
		Expect(got.Fill).To(Equal(bp.Fill))
		Expect(got.Birth).To(Equal(bp.Birth))
		Expect(got.Cksum).To(Equal(bp.Cksum))
	})

	It("preserves the gang bit through a DVA round trip even at the high asize bound", func() {
		d := DVA{Vdev: 9, Off: 123456, Asize: 1 << 40, Gang: true}
		buf := make([]byte, dvaEncodedSize)
		encodeDVA(buf, d)
		got := decodeDVA(buf)
		Expect(got).To(Equal(d))
	})

	It("an all-zero BP is a hole; a nonzero birth makes it not one", func() {
		bp := &BlockPointer{}
		Expect(bp.IsHole()).To(BeTrue())
		bp.Birth = 1
		Expect(bp.IsHole()).To(BeFalse())
	})

	It("IsGang reflects the addressed DVA's own gang bit", func() {
		bp := &BlockPointer{}
		bp.DVAs[0] = DVA{Gang: true}
		Expect(bp.IsGang(0)).To(BeTrue())
		Expect(bp.IsGang(1)).To(BeFalse())
	})

	It("ShouldByteswap compares the stored byte order against the host's", func() {
		bp := &BlockPointer{ByteOrderBE: true}
		Expect(bp.ShouldByteswap(true)).To(BeFalse())
		Expect(bp.ShouldByteswap(false)).To(BeTrue())
	})
})

var _ = Describe("GangHeader", func() {
	It("round-trips three child BPs and a tail checksum", func() {
		gh := &GangHeader{Tail: Checksum{9, 8, 7, 6}}
		gh.BlkPtr[0] = BlockPointer{LSize: 100, PSize: 100, Birth: 1}
		gh.BlkPtr[0].DVAs[0] = DVA{Vdev: 1, Off: 10, Asize: 100}
		gh.BlkPtr[1] = BlockPointer{LSize: 200, PSize: 200, Birth: 1}
		gh.BlkPtr[1].DVAs[0] = DVA{Vdev: 1, Off: 110, Asize: 200}
		// BlkPtr[2] left as a hole.

		buf := gh.Encode()
		Expect(buf).To(HaveLen(GangBlockSize))

		got := &GangHeader{}
		got.Decode(buf)
		Expect(got.Tail).To(Equal(gh.Tail))
		Expect(got.BlkPtr[0].LSize).To(Equal(uint64(100)))
		Expect(got.BlkPtr[1].LSize).To(Equal(uint64(200)))
		Expect(got.BlkPtr[2].IsHole()).To(BeTrue())
	})

	It("PSizeSum totals only non-hole children", func() {
		gh := &GangHeader{}
		gh.BlkPtr[0] = BlockPointer{PSize: 50, Birth: 1}
		gh.BlkPtr[0].DVAs[0] = DVA{Vdev: 1, Asize: 50}
		gh.BlkPtr[1] = BlockPointer{PSize: 75, Birth: 1}
		gh.BlkPtr[1].DVAs[0] = DVA{Vdev: 1, Off: 50, Asize: 75}
		Expect(gh.PSizeSum()).To(Equal(uint64(125)))
	})
})

var _ = Describe("SetGangVerifier", func() {
	It("is deterministic given the same DVA and birth txg", func() {
		dva := DVA{Vdev: 3, Off: 900}
		Expect(SetGangVerifier(dva, 7)).To(Equal(SetGangVerifier(dva, 7)))
	})

	It("differs when birth txg differs", func() {
		dva := DVA{Vdev: 3, Off: 900}
		Expect(SetGangVerifier(dva, 7)).NotTo(Equal(SetGangVerifier(dva, 8)))
	})
})
