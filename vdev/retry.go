package vdev

import (
	"time"

	"github.com/NVIDIA/zpool/cmn/nlog"
	"github.com/NVIDIA/zpool/zio"
)

// ParkRetry implements zio's reopenRetrier capability: a leaf I/O's
// second and later retries land here instead of an inline reissue, and
// wait for the reopen worker's next tick to replay them -- whether or
// not the leaf was ever marked removed. This is what actually gives §8
// property 9's "then again after a reopen delay" its delay.
func (l *Leaf) ParkRetry(z *zio.Zio) {
	l.mu.Lock()
	l.retry = append(l.retry, z)
	l.mu.Unlock()
}

// SetRemoved marks l as present/absent (a test hook and the entry point a
// pool-level "device pulled" event would call): a removed leaf parks every
// new Submit on its retry list instead of touching the store, matching
// vdev_queue.c's behavior of queuing I/Os against a vdev that is open
// but not yet reopened.
func (l *Leaf) SetRemoved(removed bool) {
	l.mu.Lock()
	l.removed = removed
	l.mu.Unlock()
}

// Removed reports whether l is currently marked absent.
func (l *Leaf) Removed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removed
}

// StartRetryWorker launches a background loop that, every interval, checks
// whether l has been marked present again and, if so, replays every I/O
// parked on the retry list in FIFO order. Call the returned func to stop it.
// Uses a ticker plus a stop channel rather than a condition variable,
// matching the idiom of xact/xs/tcb.go's own background loop.
func (l *Leaf) StartRetryWorker(interval time.Duration) (stop func()) {
	l.mu.Lock()
	if l.stopCh != nil {
		close(l.stopCh)
	}
	l.stopCh = make(chan struct{})
	stopCh := l.stopCh
	l.mu.Unlock()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				l.drainRetry()
			}
		}
	}()
	return func() { close(stopCh) }
}

// drainRetry replays every zio parked on the retry list, oldest first, once
// the leaf is no longer marked removed.
func (l *Leaf) drainRetry() {
	l.mu.Lock()
	if l.removed || len(l.retry) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.retry
	l.retry = nil
	l.mu.Unlock()

	nlog.Infof("vdev %d: reopen replaying %d queued I/Os", l.id, len(batch))
	for _, z := range batch {
		retryCounter.WithLabelValues(labelFor(l.id)).Inc()
		l.mu.Lock()
		l.pending = append(l.pending, z)
		pendingGauge.WithLabelValues(labelFor(l.id)).Inc()
		l.mu.Unlock()
		go l.run(z)
	}
}
