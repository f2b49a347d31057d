package zio

// Flag is the I/O flag set of §6. Bit positions are only ABI-relevant
// to debug tooling, not to any on-disk format.
type Flag uint32

const (
	FlagCanFail Flag = 1 << iota
	FlagSpeculative
	FlagScrub
	FlagPhysical
	FlagFailFast
	FlagConfigHeld
	FlagIORepair
	FlagDontCache
	FlagDontPropagate
	FlagDontRetry
	// FlagIOBypass records that zio_vdev_io_bypass mutated this zio's
	// stage backward; carried for debug-tool visibility only (§9
	// Open Questions: "document the contract but do not invent repair
	// semantics").
	FlagIOBypass
)

// VdevInherit is the mask of flags a vdev-level child inherits from its
// parent (§6).
const VdevInherit = FlagIORepair | FlagScrub | FlagFailFast | FlagSpeculative | FlagDontCache | FlagDontRetry | FlagCanFail

// GangInherit is the mask of flags a gang-child inherits from its parent (§6).
const GangInherit = VdevInherit | FlagConfigHeld

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }
func (f *Flag) Set(bit Flag)     { *f |= bit }
func (f *Flag) Clear(bit Flag)   { *f &^= bit }
