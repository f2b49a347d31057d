package zio

import "github.com/NVIDIA/zpool/cmn/xerr"

// actChecksumVerify is stage CHECKSUM_VERIFY (§4.6/§7 "Checksum
// stages"): recomputes the payload checksum and compares against the BP.
// checksumVerified lets a redundancy layer above short-circuit this (left
// false here since this engine's minimal vdev tree has no raid-z stripe
// layer to set it).
func actChecksumVerify(z *Zio) stageResult {
	if z.Err != nil || z.checksumVerified || z.BP == nil || z.BP.Checksum == ChecksumOff {
		return resContinue
	}
	got := checksumCompute(z.BP.Checksum, z.data[:z.size])
	if !got.Equal(z.BP.Cksum) {
		z.Err = xerr.ErrChecksum
	}
	return resContinue
}

// actReadDecompress is stage READ_DECOMPRESS (§4.6 "Decompression
// path"): pops the compressed physical buffer and inflates it into the
// caller's original destination buffer.
func actReadDecompress(z *Zio) stageResult {
	if z.Err != nil || z.BP == nil || z.BP.Compress == CompressOff || z.BP.Compress == CompressInherit {
		return resContinue
	}
	compressed, _, bufsize := z.popTransform()
	dst, err := decompressData(z.BP.Compress, compressed, int(z.BP.LSize))
	if z.engine != nil && compressed != nil {
		z.engine.mem.Free(compressed[:bufsize])
	}
	if err != nil {
		z.Err = xerr.ErrIO
		return resContinue
	}
	copy(z.data[:z.size], dst)
	return resContinue
}
