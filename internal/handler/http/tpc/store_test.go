package tpc

import (
	"testing"
	"time"

	"github.com/dynamic-entropy/xrdtpc/internal/tpc"
	"github.com/dynamic-entropy/xrdtpc/internal/transfer"
)

func TestRequestStore_PutAndGet_RoundTrip(t *testing.T) {
	s := newRequestStore()
	req := tpc.NewRequest("A", 0, &transfer.FakeHandle{})

	id := s.put(req)

	got, ok := s.get(id)
	if !ok {
		t.Fatal("expected the stored request to be found by its id")
	}
	if got != req {
		t.Error("expected get to return the exact request that was put")
	}
}

func TestRequestStore_Get_UnknownID_ReturnsFalse(t *testing.T) {
	s := newRequestStore()
	if _, ok := s.get("does-not-exist"); ok {
		t.Error("expected an unknown id to miss")
	}
}

// TestRequestStore_Sweep_EvictsStaleTerminalEntries backdates a completed
// entry past requestRetention and confirms the next put sweeps it out, so
// a long-running admin surface doesn't accumulate one entry per submission
// forever.
func TestRequestStore_Sweep_EvictsStaleTerminalEntries(t *testing.T) {
	s := newRequestStore()

	stale := tpc.NewRequest("A", 0, &transfer.FakeHandle{})
	stale.SetDone(0, "Transfer complete")
	staleID := s.put(stale)

	s.mu.Lock()
	entry := s.byID[staleID]
	entry.createdAt = time.Now().Add(-2 * requestRetention)
	s.byID[staleID] = entry
	s.mu.Unlock()

	fresh := tpc.NewRequest("B", 0, &transfer.FakeHandle{})
	s.put(fresh)

	if _, ok := s.get(staleID); ok {
		t.Error("expected the stale terminal entry to be swept on the next put")
	}
}

// TestRequestStore_Sweep_KeepsStalePendingEntries confirms the sweep only
// evicts terminal Requests — a still-pending Request older than
// requestRetention must not disappear out from under an in-flight
// transfer.
func TestRequestStore_Sweep_KeepsStalePendingEntries(t *testing.T) {
	s := newRequestStore()

	pending := tpc.NewRequest("A", 0, &transfer.FakeHandle{})
	pendingID := s.put(pending)

	s.mu.Lock()
	entry := s.byID[pendingID]
	entry.createdAt = time.Now().Add(-2 * requestRetention)
	s.byID[pendingID] = entry
	s.mu.Unlock()

	s.put(tpc.NewRequest("B", 0, &transfer.FakeHandle{}))

	if _, ok := s.get(pendingID); !ok {
		t.Error("expected a still-pending entry to survive the sweep regardless of age")
	}
}
