// Package atomic provides small typed wrappers over sync/atomic, matching
// the shape of fields like XactTCB.refc/rxlast.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package atomic

import "sync/atomic"

type Int32 struct{ v int32 }

func (a *Int32) Load() int32        { return atomic.LoadInt32(&a.v) }
func (a *Int32) Store(val int32)    { atomic.StoreInt32(&a.v, val) }
func (a *Int32) Inc() int32         { return atomic.AddInt32(&a.v, 1) }
func (a *Int32) Dec() int32         { return atomic.AddInt32(&a.v, -1) }
func (a *Int32) Add(delta int32) int32 {
	return atomic.AddInt32(&a.v, delta)
}
func (a *Int32) CAS(old, newV int32) bool { return atomic.CompareAndSwapInt32(&a.v, old, newV) }

type Int64 struct{ v int64 }

func (a *Int64) Load() int64     { return atomic.LoadInt64(&a.v) }
func (a *Int64) Store(val int64) { atomic.StoreInt64(&a.v, val) }
func (a *Int64) Inc() int64      { return atomic.AddInt64(&a.v, 1) }
func (a *Int64) Dec() int64      { return atomic.AddInt64(&a.v, -1) }
func (a *Int64) Add(delta int64) int64 {
	return atomic.AddInt64(&a.v, delta)
}
func (a *Int64) CAS(old, newV int64) bool { return atomic.CompareAndSwapInt64(&a.v, old, newV) }

type Bool struct{ v int32 }

func (a *Bool) Load() bool {
	return atomic.LoadInt32(&a.v) != 0
}
func (a *Bool) Store(val bool) {
	var i int32
	if val {
		i = 1
	}
	atomic.StoreInt32(&a.v, i)
}

// CAS performs a compare-and-swap from old to newV, returning whether it succeeded.
func (a *Bool) CAS(old, newV bool) bool {
	var oldI, newI int32
	if old {
		oldI = 1
	}
	if newV {
		newI = 1
	}
	return atomic.CompareAndSwapInt32(&a.v, oldI, newI)
}
