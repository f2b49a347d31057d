package zio

import (
	"context"
	"sync"

	"github.com/NVIDIA/zpool/cmn/xerr"
)

// fakeMem is a no-frills memPool: every Alloc is a fresh slice, Free is a
// no-op. Good enough for exercising the transform stack without pulling in
// memsys (which would be an import cycle from an internal test anyway).
type fakeMem struct{}

func (fakeMem) Alloc(size int64) []byte { return make([]byte, size) }
func (fakeMem) Free([]byte)             {}

// fakeAlloc is a trivial first-fit Allocator over one address space per
// vdev id, enough to drive DVA_ALLOCATE/DVA_FREE/DVA_CLAIM.
type fakeAlloc struct {
	mu       sync.Mutex
	next     map[uint32]uint64
	limit    map[uint32]uint64
	claimed  map[uint64]bool
	deferred []DVA
}

func newFakeAlloc(limits map[uint32]uint64) *fakeAlloc {
	return &fakeAlloc{next: map[uint32]uint64{}, limit: limits, claimed: map[uint64]bool{}}
}

func (a *fakeAlloc) Alloc(_ context.Context, psize uint64, _ uint64, _ bool) (DVA, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for vd, limit := range a.limit {
		off := a.next[vd]
		if off+psize <= limit {
			a.next[vd] = off + psize
			a.claimed[key(vd, off)] = true
			return DVA{Vdev: vd, Off: off, Asize: psize}, nil
		}
	}
	return DVA{}, xerr.ErrNoSpace
}

func (a *fakeAlloc) Free(_ context.Context, dva DVA, _ uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.claimed, key(dva.Vdev, dva.Off))
	return nil
}

func (a *fakeAlloc) Claim(_ context.Context, dva DVA, _ uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.claimed[key(dva.Vdev, dva.Off)] {
		return xerr.ErrStale
	}
	return nil
}

func (a *fakeAlloc) DeferFree(dva *DVA, _ uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deferred = append(a.deferred, *dva)
	delete(a.claimed, key(dva.Vdev, dva.Off))
}

func key(vdev uint32, off uint64) uint64 { return uint64(vdev)<<48 | off }

// fakeVdev is an in-memory byte-addressable store satisfying Vdev, with
// hooks to force the next N submissions to fail (retry-path coverage).
type fakeVdev struct {
	id       uint32
	ashift   uint8
	store    []byte
	mu       sync.Mutex
	failNext int
	subCount int
}

func newFakeVdev(id uint32, ashift uint8, size int) *fakeVdev {
	return &fakeVdev{id: id, ashift: ashift, store: make([]byte, size)}
}

func (v *fakeVdev) ID() uint32       { return v.id }
func (v *fakeVdev) Ashift() uint8    { return v.ashift }
func (v *fakeVdev) Children() []Vdev { return nil }

func (v *fakeVdev) Submit(z *Zio) {
	v.mu.Lock()
	v.subCount++
	fail := false
	if v.failNext > 0 {
		v.failNext--
		fail = true
	}
	v.mu.Unlock()

	go func() {
		if fail {
			z.VdevIOComplete(xerr.ErrIO)
			return
		}
		off := z.Offset
		buf := z.Data()
		if off+uint64(len(buf)) > uint64(len(v.store)) {
			z.VdevIOComplete(xerr.ErrOverflow)
			return
		}
		if z.Type == TypeRead {
			copy(buf, v.store[off:off+uint64(len(buf))])
		} else {
			copy(v.store[off:off+uint64(len(buf))], buf)
		}
		z.VdevIOComplete(nil)
	}()
}

// fakeVdevTree resolves a fixed id->Vdev map.
type fakeVdevTree struct{ byID map[uint32]Vdev }

func (t *fakeVdevTree) Resolve(id uint32) (Vdev, error) {
	vd, ok := t.byID[id]
	if !ok {
		return nil, xerr.ErrNoDevice
	}
	return vd, nil
}

// goDispatcher posts every stage onto a fresh goroutine -- a minimal stand-in
// for taskq.Manager, sufficient to exercise the async/dispatched path.
type goDispatcher struct{}

func (goDispatcher) Dispatch(z *Zio, _ Stage) { go z.Run() }

// fakeTxg is a mutable TxgState test double.
type fakeTxg struct {
	mu       sync.Mutex
	txg      uint64
	syncPass int
}

func (t *fakeTxg) Current() (uint64, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txg, t.syncPass
}

func (t *fakeTxg) set(txg uint64, pass int) {
	t.mu.Lock()
	t.txg, t.syncPass = txg, pass
	t.mu.Unlock()
}

// newTestEngine wires a single leaf vdev id=1 with plenty of space behind a
// fakeAlloc/fakeVdevTree/goDispatcher/fakeMem combination.
func newTestEngine(vdevSize int) (*Engine, *fakeVdev) {
	vd := newFakeVdev(1, MinBlockShift, vdevSize)
	eng := NewEngine(fakeMem{}, newFakeAlloc(map[uint32]uint64{1: uint64(vdevSize)}),
		&fakeVdevTree{byID: map[uint32]Vdev{1: vd}}, goDispatcher{}, &fakeTxg{txg: 1, syncPass: 1})
	return eng, vd
}
