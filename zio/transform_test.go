package zio

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("transform stack", func() {
	It("push/pop restores the exact previous (data, size, bufsize) triple", func() {
		z := &Zio{data: []byte("outer"), size: 5, bufsize: 5}
		inner := []byte("innerbuf")
		z.pushTransform(inner, 8, 16)

		Expect(z.data).To(Equal(inner))
		Expect(z.size).To(Equal(int64(8)))
		Expect(z.bufsize).To(Equal(int64(16)))

		data, size, bufsize := z.popTransform()
		Expect(data).To(Equal(inner))
		Expect(size).To(Equal(int64(8)))
		Expect(bufsize).To(Equal(int64(16)))
		Expect(z.data).To(Equal([]byte("outer")))
		Expect(z.size).To(Equal(int64(5)))
		Expect(z.bufsize).To(Equal(int64(5)))
	})

	It("supports nested pushes in strict LIFO order", func() {
		z := &Zio{data: []byte("a"), size: 1, bufsize: 1}
		z.pushTransform([]byte("b"), 1, 1)
		z.pushTransform([]byte("c"), 1, 1)

		d1, _, _ := z.popTransform()
		Expect(d1).To(Equal([]byte("c")))
		d2, _, _ := z.popTransform()
		Expect(d2).To(Equal([]byte("b")))
		Expect(z.data).To(Equal([]byte("a")))
	})

	It("clearTransformStack frees every outstanding frame through the engine's mem pool", func() {
		eng := &Engine{mem: fakeMem{}}
		z := &Zio{engine: eng, data: []byte("a"), size: 1, bufsize: 1}
		z.pushTransform([]byte("b"), 1, 1)
		z.pushTransform([]byte("c"), 1, 1)
		z.clearTransformStack()
		Expect(z.transforms).To(BeEmpty())
		Expect(z.data).To(Equal([]byte("a")))
	})
})
