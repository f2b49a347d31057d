package zio

import "encoding/binary"

// Block/device geometry constants (§3 "concrete sizes"). These are
// the engine's own internal constants; the "persistent-format evolution"
// non-goal means we owe no on-disk compatibility with any external format.
const (
	MinBlockShift = 9  // SPA_MINBLOCKSHIFT: 512B
	MinBlockSize  = 1 << MinBlockShift
	MaxBlockShift = 17 // SPA_MAXBLOCKSHIFT: 128KiB
	MaxBlockSize  = 1 << MaxBlockShift

	// GBHNumBlkPtrs is the number of child BPs a gang-block header can
	// hold (SPA_GBH_NBLKPTRS).
	GBHNumBlkPtrs = 3
	// dvaEncodedSize, checksumEncodedSize, bpEncodedSize, gbhEncodedSize
	// give the on-the-wire (in our case, in-memory "physical device")
	// layout sizes used by the bit-exact encoder below.
	dvaEncodedSize      = 24 // vdev(4,pad4) + offset(8) + asize(8) with gang bit stolen from asize's top bit
	checksumEncodedSize = 32 // 4 x uint64
	bpEncodedSize       = 3*dvaEncodedSize + 64 + checksumEncodedSize
	gbhTailSize         = checksumEncodedSize
	// GangBlockSize is the fixed size of a gang-block header's own
	// allocation: room for GBHNumBlkPtrs child BPs plus a checksum tail,
	// rounded up to the minimum block size.
	GangBlockSize = ((GBHNumBlkPtrs*bpEncodedSize + gbhTailSize + MinBlockSize - 1) / MinBlockSize) * MinBlockSize
)

// CompressID selects a compression algorithm (§4.6 table).
type CompressID uint8

const (
	CompressOff CompressID = iota
	CompressInherit
	CompressLZJB // backed by pierrec/lz4 -- see compress.go
	CompressGzip1
	CompressGzip2
	CompressGzip3
	CompressGzip4
	CompressGzip5
	CompressGzip6
	CompressGzip7
	CompressGzip8
	CompressGzip9
)

// ChecksumID selects a checksum algorithm (§4.1/§4.6 table).
type ChecksumID uint8

const (
	ChecksumOff ChecksumID = iota
	ChecksumInherit
	ChecksumFletcher2
	ChecksumFletcher4
	ChecksumXXHash64
	ChecksumXXHash32
	ChecksumMetro
	ChecksumSHA256
	checksumGangHeader // internal-only: synthetic gang verifier, never user-selectable
)

// Checksum is the 256-bit checksum tuple (§4.1): four 64-bit words.
type Checksum [4]uint64

func (c Checksum) Equal(o Checksum) bool { return c == o }

// DVA is a (vdev, offset, asize, gang-bit) tuple (§3).
type DVA struct {
	Vdev  uint32
	Gang  bool
	Asize uint64 // allocated size on disk, bytes
	Off   uint64 // byte offset within the vdev's addressable space
}

func (d DVA) IsEmpty() bool { return d.Vdev == 0 && d.Asize == 0 && d.Off == 0 && !d.Gang }

// BlockPointer is the fixed-size record described in §3: up to three
// DVAs plus metadata.
type BlockPointer struct {
	DVAs          [3]DVA
	LSize         uint64 // logical size
	PSize         uint64 // physical size after compression
	Compress      CompressID
	Checksum      ChecksumID
	ByteOrderBE   bool // true = big-endian-encoded, matching ShouldByteswap's negation
	Level         uint8
	Type          uint8
	Fill          uint64
	Birth         uint64 // birth txg
	Cksum         Checksum
	dvaIndexInUse int // number of valid DVAs; spec's dva_index is always 0 (ditto deferred, see DESIGN.md)
}

// Zero clears a BlockPointer to the canonical "hole" value.
func (bp *BlockPointer) Zero() {
	*bp = BlockPointer{}
}

// IsHole reports whether bp is the all-zero BP: birth==0 and all DVAs zero.
func (bp *BlockPointer) IsHole() bool {
	if bp.Birth != 0 {
		return false
	}
	for _, d := range bp.DVAs {
		if !d.IsEmpty() {
			return false
		}
	}
	return true
}

// IsGang reports whether the DVA at the given index has its gang bit set.
func (bp *BlockPointer) IsGang(dvaIndex int) bool { return bp.DVAs[dvaIndex].Gang }

// ShouldByteswap reports whether a reader must byteswap this BP's payload
// before use (§4.1).
func (bp *BlockPointer) ShouldByteswap(hostIsBigEndian bool) bool {
	return bp.ByteOrderBE != hostIsBigEndian
}

// PrimaryDVA returns the DVA used by single-copy operations (index 0).
func (bp *BlockPointer) PrimaryDVA() *DVA { return &bp.DVAs[0] }

// Encode serializes bp into its bit-exact fixed-width layout. This is the
// one place the engine reaches for encoding/binary directly rather than a
// third-party codec: see DESIGN.md for why (an internal, deterministic,
// fixed-bit-position record, not a format any third-party serializer
// targets).
func (bp *BlockPointer) Encode() []byte {
	buf := make([]byte, bpEncodedSize)
	off := 0
	for _, d := range bp.DVAs {
		encodeDVA(buf[off:off+dvaEncodedSize], d)
		off += dvaEncodedSize
	}
	binary.BigEndian.PutUint64(buf[off:], bp.LSize)
	binary.BigEndian.PutUint64(buf[off+8:], bp.PSize)
	buf[off+16] = byte(bp.Compress)
	buf[off+17] = byte(bp.Checksum)
	if bp.ByteOrderBE {
		buf[off+18] = 1
	}
	buf[off+19] = bp.Level
	buf[off+20] = bp.Type
	binary.BigEndian.PutUint64(buf[off+24:], bp.Fill)
	binary.BigEndian.PutUint64(buf[off+32:], bp.Birth)
	off += 64
	for i, w := range bp.Cksum {
		binary.BigEndian.PutUint64(buf[off+i*8:], w)
	}
	return buf
}

func encodeDVA(buf []byte, d DVA) {
	binary.BigEndian.PutUint32(buf, d.Vdev)
	asize := d.Asize
	if d.Gang {
		asize |= 1 << 63
	}
	binary.BigEndian.PutUint64(buf[8:], d.Off)
	binary.BigEndian.PutUint64(buf[16:], asize)
}

func decodeDVA(buf []byte) DVA {
	vdev := binary.BigEndian.Uint32(buf)
	off := binary.BigEndian.Uint64(buf[8:])
	asize := binary.BigEndian.Uint64(buf[16:])
	gang := asize&(1<<63) != 0
	asize &^= 1 << 63
	return DVA{Vdev: vdev, Off: off, Asize: asize, Gang: gang}
}

// Decode parses buf (as produced by Encode) into bp.
func (bp *BlockPointer) Decode(buf []byte) {
	off := 0
	for i := range bp.DVAs {
		bp.DVAs[i] = decodeDVA(buf[off : off+dvaEncodedSize])
		off += dvaEncodedSize
	}
	bp.LSize = binary.BigEndian.Uint64(buf[off:])
	bp.PSize = binary.BigEndian.Uint64(buf[off+8:])
	bp.Compress = CompressID(buf[off+16])
	bp.Checksum = ChecksumID(buf[off+17])
	bp.ByteOrderBE = buf[off+18] != 0
	bp.Level = buf[off+19]
	bp.Type = buf[off+20]
	bp.Fill = binary.BigEndian.Uint64(buf[off+24:])
	bp.Birth = binary.BigEndian.Uint64(buf[off+32:])
	off += 64
	for i := range bp.Cksum {
		bp.Cksum[i] = binary.BigEndian.Uint64(buf[off+i*8:])
	}
}

// GangHeader is the fixed-size, buffer-aligned record described in §3:
// up to GBHNumBlkPtrs child BPs plus a checksum tail.
type GangHeader struct {
	BlkPtr [GBHNumBlkPtrs]BlockPointer
	Tail   Checksum // duplicated checksum word (ZBT-style embedded tail)
}

// Encode serializes the gang header into a GangBlockSize buffer.
func (g *GangHeader) Encode() []byte {
	buf := make([]byte, GangBlockSize)
	off := 0
	for i := range g.BlkPtr {
		copy(buf[off:], g.BlkPtr[i].Encode())
		off += bpEncodedSize
	}
	for i, w := range g.Tail {
		binary.BigEndian.PutUint64(buf[off+i*8:], w)
	}
	return buf
}

// Decode parses buf (as produced by Encode) into g.
func (g *GangHeader) Decode(buf []byte) {
	off := 0
	for i := range g.BlkPtr {
		g.BlkPtr[i].Decode(buf[off : off+bpEncodedSize])
		off += bpEncodedSize
	}
	for i := range g.Tail {
		g.Tail[i] = binary.BigEndian.Uint64(buf[off+i*8:])
	}
}

// PSizeSum returns the sum of non-hole child PSizes, used to cross-check
// against the parent's LSize (§3 invariant).
func (g *GangHeader) PSizeSum() uint64 {
	var sum uint64
	for i := range g.BlkPtr {
		if !g.BlkPtr[i].IsHole() {
			sum += g.BlkPtr[i].PSize
		}
	}
	return sum
}

// SetGangVerifier computes the synthetic 4-word checksum used to
// authenticate a GBH whose true checksum cannot live in a containing BP
// (§4.1 "Gang verifier"): derived from (vdev, offset, birth, 0).
func SetGangVerifier(dva DVA, birth uint64) Checksum {
	return Checksum{uint64(dva.Vdev), dva.Off, birth, 0}
}

// roundUpAshift rounds size up to a multiple of 1<<ashift.
func roundUpAshift(size uint64, ashift uint8) uint64 {
	unit := uint64(1) << ashift
	if r := size % unit; r != 0 {
		size += unit - r
	}
	return size
}
