// Package zio implements the block-level I/O pipeline engine: the Block
// Address Model (BP/DVA/GBH), the transform stack, the 23-stage pipeline
// state machine, gang-block fragmentation, and the compression/checksum
// adapter tables. Follows usr/src/uts/common/fs/zfs/zio.c for exact
// stage semantics, and xact/xs/tcb.go for surrounding idiom
// (constructor/factory split, nlog/debug usage, String()/Name()
// diagnostics).
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package zio

// IOType is one of the six intents a ZIO may carry (§3).
type IOType uint8

const (
	TypeNull IOType = iota
	TypeRead
	TypeWrite
	TypeFree
	TypeClaim
	TypeIoctl
	numIOTypes
)

func (t IOType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeRead:
		return "read"
	case TypeWrite:
		return "write"
	case TypeFree:
		return "free"
	case TypeClaim:
		return "claim"
	case TypeIoctl:
		return "ioctl"
	default:
		return "unknown"
	}
}

// NumIOTypes is the size of any [IOType]-indexed array (e.g. per-type task
// queue families).
const NumIOTypes = int(numIOTypes)

// Priority mirrors zio_priority_table's classes; only relative ordering
// matters to this engine (it's opaque to everything
// but the task-queue scheduler, which this module does not implement a
// scheduler policy for -- see taskq).
type Priority uint8

const (
	PrioritySyncRead Priority = iota
	PrioritySyncWrite
	PriorityAsyncRead
	PriorityAsyncWrite
	PriorityFree
	PriorityResilver
	PriorityScrub
)
