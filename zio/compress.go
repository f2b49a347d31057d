package zio

import (
	"bytes"
	stderrors "errors"
	"io"

	kcompress "github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v3"
)

var errUnsupportedCompress = stderrors.New("zio: unsupported compress id")

// compressFunc compresses src into a freshly allocated buffer; ok is false
// when the compressed form would not be smaller (caller falls back to
// CompressOff, per §4.6 "on success the compressed buffer is pushed").
type compressFunc func(src []byte) (dst []byte, ok bool)
type decompressFunc func(src []byte, dstLen int) ([]byte, error)

var compressFuncs = map[CompressID]compressFunc{
	CompressLZJB: lzjbCompress,
}

var decompressFuncs = map[CompressID]decompressFunc{
	CompressLZJB: lzjbDecompress,
}

func init() {
	for lvl := CompressGzip1; lvl <= CompressGzip9; lvl++ {
		level := int(lvl-CompressGzip1) + 1
		compressFuncs[lvl] = gzipCompressor(level)
		decompressFuncs[lvl] = gzipDecompress
	}
}

// lzjbCompress stands in for ZFS's LZJB using pierrec/lz4/v3 -- both
// occupy the "cheap, very fast, modest ratio" niche in their respective
// systems (see DESIGN.md).
func lzjbCompress(src []byte) ([]byte, bool) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(src, dst, ht[:])
	if err != nil || n == 0 || n >= len(src) {
		return nil, false
	}
	return dst[:n], true
}

func lzjbDecompress(src []byte, dstLen int) ([]byte, error) {
	dst := make([]byte, dstLen)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// gzipCompressor returns a compressFunc bound to a specific gzip level,
// backed by klauspost/compress/gzip (a faster drop-in for compress/gzip;
// already an indirect dependency pulled in by the S3/HDFS backends --
// given a direct, first-class home here instead).
func gzipCompressor(level int) compressFunc {
	return func(src []byte) ([]byte, bool) {
		var buf bytes.Buffer
		w, err := kcompress.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, false
		}
		if _, err := w.Write(src); err != nil {
			return nil, false
		}
		if err := w.Close(); err != nil {
			return nil, false
		}
		if buf.Len() >= len(src) {
			return nil, false
		}
		return buf.Bytes(), true
	}
}

func gzipDecompress(src []byte, dstLen int) ([]byte, error) {
	r, err := kcompress.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	dst := make([]byte, dstLen)
	if _, err := io.ReadFull(r, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// compressData attempts to compress src under id; it returns ok=false if
// id is CompressOff/Inherit or the compressor declined (no gain).
func compressData(id CompressID, src []byte) (dst []byte, ok bool) {
	fn, has := compressFuncs[id]
	if !has {
		return nil, false
	}
	return fn(src)
}

// decompressData inflates src (which was compressed under id) into a
// buffer of exactly dstLen bytes.
func decompressData(id CompressID, src []byte, dstLen int) ([]byte, error) {
	fn, has := decompressFuncs[id]
	if !has {
		return nil, errUnsupportedCompress
	}
	return fn(src, dstLen)
}
