package zio

// transformFrame is one LIFO entry pushed when compression or gang
// indirection wraps the data (§4.3).
type transformFrame struct {
	data    []byte
	size    int64
	bufsize int64
}

// pushTransform rebinds z.data/z.size to (data, size) and remembers the
// previous (data, size, bufsize) triple so popTransform can restore it.
func (z *Zio) pushTransform(data []byte, size, bufsize int64) {
	z.transforms = append(z.transforms, transformFrame{
		data:    z.data,
		size:    z.size,
		bufsize: z.bufsize,
	})
	z.data = data
	z.size = size
	z.bufsize = bufsize
}

// popTransform restores the previous top of the transform stack and
// returns the frame that was popped (the caller frees its buffer once
// done with it, per spec's symmetric push/pop contract).
func (z *Zio) popTransform() (data []byte, size, bufsize int64) {
	data, size, bufsize = z.data, z.size, z.bufsize
	n := len(z.transforms)
	prev := z.transforms[n-1]
	z.transforms = z.transforms[:n-1]
	z.data, z.size, z.bufsize = prev.data, prev.size, prev.bufsize
	return
}

// clearTransformStack frees every outstanding transform buffer; called
// from Done per §5 resource policy ("freed in DONE via an explicit
// unwind").
func (z *Zio) clearTransformStack() {
	for len(z.transforms) > 0 {
		data, _, bufsize := z.popTransform()
		if z.engine != nil && data != nil {
			z.engine.mem.Free(data[:bufsize])
		}
	}
}
