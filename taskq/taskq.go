// Package taskq implements the issue/intr task-queue families of spec
// §4.7: one bounded worker pool per (I/O type, family) pair, each a
// channel-fed goroutine group draining into zio.Zio.Run. Grounded on the
// teacher's xact/xs/tcobjs.go work-channel idiom (a buffered chan plus a
// fixed goroutine count draining it) generalized from one queue to the
// issue/intr x IOType matrix §4.7 calls for.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package taskq

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/NVIDIA/zpool/cmn/debug"
	"github.com/NVIDIA/zpool/cmn/nlog"
	"github.com/NVIDIA/zpool/zio"
)

var (
	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zpool_taskq_depth",
		Help: "Queued-but-not-yet-run zios per task-queue family.",
	}, []string{"type", "family"})
	taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zpool_taskq_task_duration_seconds",
		Help:    "Time a zio spends running once popped off its queue.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type", "family"})
)

func init() {
	prometheus.MustRegister(queueDepth, taskDuration)
}

// family names the two task-queue families of §4.7.
type family int

const (
	familyIssue family = iota
	familyIntr
	numFamilies
)

func (f family) String() string {
	if f == familyIssue {
		return "issue"
	}
	return "intr"
}

// queue is one bounded worker pool: a buffered channel of *zio.Zio plus a
// fixed-size goroutine group draining it via Zio.Run.
type queue struct {
	typ     zio.IOType
	fam     family
	workCh  chan *zio.Zio
	stopped chan struct{}
	wg      sync.WaitGroup
}

func newQueue(typ zio.IOType, fam family, depth, workers int) *queue {
	q := &queue{typ: typ, fam: fam, workCh: make(chan *zio.Zio, depth), stopped: make(chan struct{})}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

func (q *queue) worker() {
	defer q.wg.Done()
	typLabel, famLabel := q.typ.String(), q.fam.String()
	for {
		select {
		case <-q.stopped:
			return
		case z, ok := <-q.workCh:
			if !ok {
				return
			}
			queueDepth.WithLabelValues(typLabel, famLabel).Dec()
			start := time.Now()
			z.Run()
			taskDuration.WithLabelValues(typLabel, famLabel).Observe(time.Since(start).Seconds())
		}
	}
}

func (q *queue) submit(z *zio.Zio) {
	queueDepth.WithLabelValues(q.typ.String(), q.fam.String()).Inc()
	q.workCh <- z
}

func (q *queue) stop() {
	close(q.stopped)
	q.wg.Wait()
}

// Manager implements zio.Dispatcher: a fixed matrix of queues, one per
// (IOType, family) pair, each with its own worker pool (§4.7 "Issue
// and intr task-queue families per I/O type").
type Manager struct {
	queues [zio.NumIOTypes][numFamilies]*queue
}

// Config sizes one family's worker pool and channel depth.
type Config struct {
	QueueDepth int
	Workers    int
}

// DefaultConfig is a modest fixed-size pool, adequate for the in-memory
// Leaf/Mirror drivers this module ships (spec does not mandate a sizing
// policy beyond "bounded").
var DefaultConfig = Config{QueueDepth: 64, Workers: 4}

// NewManager builds the full issue/intr x IOType queue matrix. cfg is
// applied uniformly; callers needing per-type sizing can construct
// multiple Managers keyed by their own dispatch logic instead.
func NewManager(cfg Config) *Manager {
	m := &Manager{}
	for t := 0; t < zio.NumIOTypes; t++ {
		for f := family(0); f < numFamilies; f++ {
			m.queues[t][f] = newQueue(zio.IOType(t), f, cfg.QueueDepth, cfg.Workers)
		}
	}
	return m
}

var _ zio.Dispatcher = (*Manager)(nil)

// Dispatch implements zio.Dispatcher (§4.7): routes z onto the
// issue or intr family selected by s, per zio.IsIssueStage.
func (m *Manager) Dispatch(z *zio.Zio, s zio.Stage) {
	fam := familyIntr
	if zio.IsIssueStage(s) {
		fam = familyIssue
	}
	debug.Assert(int(z.Type) < zio.NumIOTypes, "taskq: IOType out of range")
	m.queues[z.Type][fam].submit(z)
}

// Stop drains every worker pool, blocking until in-flight tasks finish.
// Queued-but-not-started tasks are abandoned (their zios simply never
// advance); callers should only Stop after quiescing the pool.
func (m *Manager) Stop() {
	for t := range m.queues {
		for f := range m.queues[t] {
			m.queues[t][f].stop()
		}
	}
	nlog.Infoln("taskq: all queues stopped")
}
