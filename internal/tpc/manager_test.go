package tpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dynamic-entropy/xrdtpc/internal/transfer"
)

func waitForCondition(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

// Scenario 1: no limit, single request.
func TestManager_NoLimitSingleRequest(t *testing.T) {
	mgr := NewManager(transfer.NewFakeEngine(), Config{MaxGlobalThreads: 0})

	req := NewRequest("A", 0, &transfer.FakeHandle{ResultCode: 0})
	if !mgr.Produce(req) {
		t.Fatal("expected Produce to accept the request")
	}

	if !waitForCondition(t, 50*time.Millisecond, func() bool { return mgr.GetGlobalThreadCount() >= 1 }) {
		t.Error("expected global worker count >= 1 within 50ms")
	}

	status := req.WaitFor(time.Second)
	if status != 0 {
		t.Errorf("expected terminal status 0, got %d", status)
	}
}

// Scenario 2: global cap enforced across labels.
func TestManager_GlobalCapEnforced(t *testing.T) {
	mgr := NewManager(transfer.NewFakeEngine(), Config{MaxGlobalThreads: 2, MaxWorkers: 10})

	labels := []string{"A", "B", "C"}
	reqs := make([]*Request, 0, 3)
	for _, label := range labels {
		req := NewRequest(label, 0, &transfer.FakeHandle{ResultCode: 0, Delay: 50 * time.Millisecond})
		if !mgr.Produce(req) {
			t.Fatalf("expected Produce(%s) to accept", label)
		}
		reqs = append(reqs, req)
	}

	time.Sleep(100 * time.Millisecond)
	if got := mgr.GetGlobalThreadCount(); got > 2 {
		t.Errorf("expected global worker count <= 2, got %d", got)
	}

	for _, req := range reqs {
		if status := req.WaitFor(2 * time.Second); status < 0 {
			t.Errorf("expected request for label=%s to complete or cancel, still pending", req.Label())
		}
	}
}

// Scenario 3: backpressure rejects once the per-label queue is full.
func TestManager_Backpressure(t *testing.T) {
	mgr := NewManager(transfer.NewFakeEngine(), Config{MaxPendingOps: 1, MaxWorkers: 1})

	held := &transfer.FakeHandle{ResultCode: 0, Delay: time.Hour}
	first := NewRequest("A", 0, held)
	if !mgr.Produce(first) {
		t.Fatal("expected first Produce to accept")
	}

	// Give the lone worker a moment to pick up `first` and start blocking on
	// its long Delay, so the next two requests land in/at the pending queue.
	time.Sleep(20 * time.Millisecond)

	second := NewRequest("A", 0, &transfer.FakeHandle{ResultCode: 0})
	if !mgr.Produce(second) {
		t.Fatal("expected second Produce to be queued, not rejected")
	}

	third := NewRequest("A", 0, &transfer.FakeHandle{ResultCode: 0})
	if mgr.Produce(third) {
		t.Error("expected third Produce to be rejected (queue full)")
	}
}

// Scenario 4: idle exit drops both the worker and the label's Queue.
func TestManager_IdleExit(t *testing.T) {
	mgr := NewManager(transfer.NewFakeEngine(), Config{IdleTimeout: 100 * time.Millisecond})

	req := NewRequest("A", 0, &transfer.FakeHandle{ResultCode: 0})
	req.Cancel()
	if !mgr.Produce(req) {
		t.Fatal("expected Produce to accept")
	}
	req.WaitFor(time.Second)

	if !waitForCondition(t, 300*time.Millisecond, func() bool { return mgr.GetGlobalThreadCount() == 0 }) {
		t.Errorf("expected global worker count to reach 0, got %d", mgr.GetGlobalThreadCount())
	}

	mgr.poolMu.RLock()
	_, present := mgr.poolMap["A"]
	mgr.poolMu.RUnlock()
	if present {
		t.Error("expected label A's queue to be removed from poolMap after idle exit")
	}
}

// Scenario 5: per-label FIFO ordering is preserved across a single worker.
func TestManager_PerLabelFIFO(t *testing.T) {
	mgr := NewManager(transfer.NewFakeEngine(), Config{MaxWorkers: 1, MaxPendingOps: 2})

	var mu sync.Mutex
	var order []string

	r1 := NewRequest("A", 0, &transfer.FakeHandle{ResultCode: 0, Delay: 30 * time.Millisecond})
	r2 := NewRequest("A", 0, &transfer.FakeHandle{ResultCode: 0})

	if !mgr.Produce(r1) {
		t.Fatal("expected Produce(r1) to accept")
	}
	if !mgr.Produce(r2) {
		t.Fatal("expected Produce(r2) to accept")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r1.WaitFor(2 * time.Second)
		mu.Lock()
		order = append(order, "r1")
		mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		r2.WaitFor(2 * time.Second)
		mu.Lock()
		order = append(order, "r2")
		mu.Unlock()
	}()
	wg.Wait()

	if len(order) != 2 || order[0] != "r1" || order[1] != "r2" {
		t.Errorf("expected r1 to complete before r2, got %v", order)
	}
}

// Scenario 6: concurrent admission across labels, global cap respected.
func TestManager_ConcurrentAdmission(t *testing.T) {
	mgr := NewManager(transfer.NewFakeEngine(), Config{MaxGlobalThreads: 3, MaxWorkers: 10})

	const total = 10
	labels := []string{"A", "B", "C"}

	reqs := make([]*Request, total)
	accepted := make([]bool, total)

	// Requests for the same label are staggered a few milliseconds apart:
	// each additional arrival for a label gives the scheduler another
	// chance to spawn a Worker once the global cap has spare capacity,
	// same as the original design's "retry on next Produce" behavior
	// (see manager.go's findOrCreateQueue and Queue.Produce step 4).
	var wg sync.WaitGroup
	wg.Add(total)
	for i := 0; i < total; i++ {
		i := i
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i/len(labels)) * 5 * time.Millisecond)
			label := labels[i%len(labels)]
			req := NewRequest(label, 0, &transfer.FakeHandle{ResultCode: 0, Delay: 10 * time.Millisecond})
			reqs[i] = req
			accepted[i] = mgr.Produce(req)
		}()
	}
	wg.Wait()

	for i, ok := range accepted {
		if !ok {
			t.Errorf("expected Produce #%d to return true", i)
		}
	}

	peak := mgr.GetGlobalThreadCount()
	if peak > 3 {
		t.Errorf("expected global worker count <= 3, observed %d", peak)
	}

	for i, req := range reqs {
		if status := req.WaitFor(2 * time.Second); status < 0 {
			t.Errorf("expected request #%d to terminate, still pending", i)
		}
	}
}

func TestManager_SetMaxGlobalThreads_RoundTrip(t *testing.T) {
	mgr := NewManager(transfer.NewFakeEngine(), Config{})
	mgr.SetMaxGlobalThreads(7)
	if got := mgr.GetMaxGlobalThreads(); got != 7 {
		t.Errorf("expected GetMaxGlobalThreads to return 7, got %d", got)
	}
}

func TestManager_Shutdown_CancelsOutstandingAndJoins(t *testing.T) {
	mgr := NewManager(transfer.NewFakeEngine(), Config{})

	req := NewRequest("A", 0, &transfer.FakeHandle{ResultCode: 0, Delay: time.Hour})
	if !mgr.Produce(req) {
		t.Fatal("expected Produce to accept")
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		t.Errorf("expected Shutdown to complete without error, got %v", err)
	}

	if status := req.GetStatus(); status != 499 {
		t.Errorf("expected outstanding request to be cancelled with status 499, got %d", status)
	}
}

func TestManager_DrainingRejectsNewRequests(t *testing.T) {
	mgr := NewManager(transfer.NewFakeEngine(), Config{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	req := NewRequest("A", 0, &transfer.FakeHandle{ResultCode: 0})
	if mgr.Produce(req) {
		t.Error("expected Produce to reject once the manager is draining")
	}
}
