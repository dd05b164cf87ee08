package tpc

import (
	"sync"
	"time"

	"github.com/dynamic-entropy/xrdtpc/internal/metrics"
	"github.com/dynamic-entropy/xrdtpc/pkg/logger"
)

// tpcWorker is a single thread bound to exactly one Queue. wake is a
// buffered (capacity 1) channel standing in for the per-worker condition
// variable described in spec.md §3/§4.2 — a buffered channel retains a
// wakeup even if sent before the worker starts waiting, so Produce never
// loses a signal to a worker that is mid-transition into its idle wait.
type tpcWorker struct {
	wake chan struct{}

	// idle is guarded by the owning Queue's mu, same as the original's
	// single mutex covering both m_ops and each worker's idle flag.
	idle bool

	// current is the Request this worker is presently driving through
	// runTransfer, guarded by the owning Queue's mu. It lets cancelAll
	// reach a Request that has already been popped off pending and is
	// mid-transfer, not just the ones still waiting in line.
	current *Request

	// sem is the semaphore slot (if any) this worker acquired at spawn
	// time; it is released against this exact reference when the worker
	// exits, so a concurrent SetMaxGlobalThreads call can't cause a
	// release against a semaphore the worker never acquired from.
	sem globalSlot
}

func newTPCWorker(sem globalSlot) *tpcWorker {
	return &tpcWorker{wake: make(chan struct{}, 1), sem: sem}
}

// Queue is the per-label FIFO of pending Requests plus the dynamic set of
// Workers serving that label, exactly spec.md §3/§4.2.
type Queue struct {
	label   string
	manager *Manager

	mu      sync.Mutex
	pending []*Request
	workers []*tpcWorker
	closed  bool // latched true on the first worker exit (spec §4.2 "done")
}

func newQueue(label string, manager *Manager) *Queue {
	return &Queue{label: label, manager: manager}
}

// Produce enqueues req, honoring the per-label pending-depth cap. It wakes
// the oldest idle Worker if one exists, else spawns a new Worker if below
// both the per-label and global caps, else leaves req queued for a future
// Worker wake-up. It returns false only on backpressure (queue full).
func (q *Queue) Produce(req *Request) bool {
	q.mu.Lock()

	maxPending := q.manager.getMaxPendingOps()
	if len(q.pending) >= maxPending {
		q.mu.Unlock()
		logger.Warn("tpc: queue for label=%s is full (max_pending_ops=%d); rejecting request", q.label, maxPending)
		metrics.TPCRequestsRejected.Inc()
		return false
	}

	q.pending = append(q.pending, req)
	metrics.TPCQueueDepth.WithLabelValues(q.label).Set(float64(len(q.pending)))

	for _, w := range q.workers {
		if w.idle {
			select {
			case w.wake <- struct{}{}:
			default:
			}
			q.mu.Unlock()
			return true
		}
	}

	maxWorkers := q.manager.getMaxWorkers()
	if len(q.workers) < maxWorkers {
		if sem, ok := q.manager.acquireGlobalSlot(); ok {
			w := newTPCWorker(sem)
			q.workers = append(q.workers, w)
			q.mu.Unlock()

			metrics.TPCActiveWorkers.Inc()
			logger.Info("tpc: spawning worker %d for label=%s", len(q.workers), q.label)
			go q.runWorker(w)
			return true
		}
	}

	q.mu.Unlock()
	return true
}

// TryConsume pops the head of pending if non-empty, recording it as w's
// in-flight Request so a racing cancelAll can still reach it. It never
// blocks.
func (q *Queue) TryConsume(w *tpcWorker) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.popLocked()
	if ok {
		w.current = req
	}
	return req, ok
}

// ConsumeUntil marks worker idle, waits up to d for pending work (re-
// checking on every wakeup, spurious or not), then pops the head if any
// arrived before the deadline.
func (q *Queue) ConsumeUntil(d time.Duration, w *tpcWorker) (*Request, bool) {
	deadline := time.Now().Add(d)

	q.mu.Lock()
	w.idle = true
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if req, ok := q.popLocked(); ok {
			w.idle = false
			w.current = req
			q.mu.Unlock()
			return req, true
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 || q.manager.draining.Load() {
			q.mu.Lock()
			w.idle = false
			q.mu.Unlock()
			return nil, false
		}

		timer := time.NewTimer(remaining)
		select {
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// wakeAll nudges every idle Worker so it re-checks pending work (and,
// during a Manager.Shutdown, the draining flag) without waiting out its
// full idle timeout.
func (q *Queue) wakeAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.workers {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// finishCurrent clears w's in-flight Request once runTransfer returns,
// whether it completed, failed, or was cancelled.
func (q *Queue) finishCurrent(w *tpcWorker) {
	q.mu.Lock()
	w.current = nil
	q.mu.Unlock()
}

// popLocked pops the pending head. Caller must hold q.mu.
func (q *Queue) popLocked() (*Request, bool) {
	if len(q.pending) == 0 {
		return nil, false
	}
	req := q.pending[0]
	q.pending = q.pending[1:]
	metrics.TPCQueueDepth.WithLabelValues(q.label).Set(float64(len(q.pending)))
	return req, true
}

// Done is invoked by a Worker that has decided to exit. It latches closed
// so a racing Produce can't enqueue into a Queue about to vanish (the
// Manager admission loop retries in that case — see manager.go), removes
// worker from the worker set, and — if that was the last worker — tells
// the Manager this Queue is empty and can be dropped from its registry.
func (q *Queue) Done(worker *tpcWorker) {
	q.mu.Lock()
	q.closed = true
	for i, w := range q.workers {
		if w == worker {
			q.workers = append(q.workers[:i], q.workers[i+1:]...)
			break
		}
	}
	empty := len(q.workers) == 0
	q.mu.Unlock()

	metrics.TPCActiveWorkers.Dec()

	if empty {
		q.manager.queueDone(q.label)
	}
}

// IsDone reports whether this Queue has latched closed (see Done).
func (q *Queue) IsDone() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// PendingDepth returns the current count of queued-but-undispatched
// Requests, for metrics/stats exposure.
func (q *Queue) PendingDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// WorkerCount returns the current number of live Workers for this label.
func (q *Queue) WorkerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

// cancelAll cancels every pending and in-flight Request known to this
// Queue, used by Manager.Shutdown to drain outstanding work.
func (q *Queue) cancelAll() {
	q.mu.Lock()
	reqs := make([]*Request, len(q.pending))
	copy(reqs, q.pending)
	for _, w := range q.workers {
		if w.current != nil {
			reqs = append(reqs, w.current)
		}
	}
	q.mu.Unlock()

	for _, r := range reqs {
		r.Cancel()
	}
}
