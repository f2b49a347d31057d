package zio

import (
	"bytes"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

var _ = Describe("compress/decompress dispatch", func() {
	payload := bytes.Repeat([]byte("repeat me for a compressible payload, repeat me for a compressible payload. "), 32)

	DescribeTable("each sampled codec round-trips a highly compressible payload",
		func(id CompressID) {
			dst, ok := compressData(id, payload)
			Expect(ok).To(BeTrue())
			Expect(len(dst)).To(BeNumerically("<", len(payload)))

			got, err := decompressData(id, dst, len(payload))
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(payload))
		},
		Entry("lzjb", CompressLZJB),
		Entry("gzip1", CompressGzip1),
		Entry("gzip6", CompressGzip6),
		Entry("gzip9", CompressGzip9),
	)

	It("reports ok=false for an unregistered id", func() {
		_, ok := compressData(CompressOff, payload)
		Expect(ok).To(BeFalse())
	})

	It("decompressData returns an error for an unregistered id", func() {
		_, err := decompressData(CompressOff, []byte("x"), 1)
		Expect(err).To(HaveOccurred())
	})

	It("declines to compress incompressible data that would not shrink", func() {
		tiny := []byte{0x01}
		_, ok := compressData(CompressLZJB, tiny)
		Expect(ok).To(BeFalse())
	})
})
