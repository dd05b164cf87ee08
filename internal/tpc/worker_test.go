package tpc

import (
	"errors"
	"testing"
	"time"

	"github.com/dynamic-entropy/xrdtpc/internal/transfer"
)

func newTestMulti(t *testing.T) transfer.Multi {
	t.Helper()
	multi, err := transfer.NewFakeEngine().NewMulti()
	if err != nil {
		t.Fatalf("NewMulti failed: %v", err)
	}
	return multi
}

func TestRunTransfer_SuccessfulCompletion(t *testing.T) {
	multi := newTestMulti(t)
	defer multi.Free()

	req := NewRequest("A", 0, &transfer.FakeHandle{ResultCode: 0})
	if fatal := runTransfer(multi, req); fatal {
		t.Error("expected a clean completion to not be fatal")
	}

	if status := req.GetStatus(); status != 0 {
		t.Errorf("expected status 0, got %d", status)
	}
	if msg := req.GetMessage(); msg != "Transfer complete" {
		t.Errorf("expected message %q, got %q", "Transfer complete", msg)
	}
}

func TestRunTransfer_EngineResultCode_IsSurfacedVerbatim(t *testing.T) {
	multi := newTestMulti(t)
	defer multi.Free()

	req := NewRequest("A", 0, &transfer.FakeHandle{ResultCode: 77})
	runTransfer(multi, req)

	if status := req.GetStatus(); status != 77 {
		t.Errorf("expected the engine's result code 77 to be surfaced, got %d", status)
	}
}

func TestRunTransfer_AddFailure_IsNonFatal(t *testing.T) {
	multi := newTestMulti(t)
	defer multi.Free()

	req := NewRequest("A", 0, &transfer.FakeHandle{AddErr: errors.New("boom")})
	fatal := runTransfer(multi, req)

	if fatal {
		t.Error("expected an Add failure to be non-fatal (per spec §7)")
	}
	if status := req.GetStatus(); status != 500 {
		t.Errorf("expected status 500, got %d", status)
	}
}

func TestRunTransfer_OrdinaryPerformFailure_IsNonFatal(t *testing.T) {
	multi := newTestMulti(t)
	defer multi.Free()

	req := NewRequest("A", 0, &transfer.FakeHandle{PerformErr: errors.New("transient engine hiccup")})
	fatal := runTransfer(multi, req)

	if fatal {
		t.Error("expected an ordinary (non-corrupted) perform error to be non-fatal")
	}
	if status := req.GetStatus(); status != 500 {
		t.Errorf("expected status 500, got %d", status)
	}
}

func TestRunTransfer_MultiCorruption_IsFatal(t *testing.T) {
	multi := newTestMulti(t)
	defer multi.Free()

	req := NewRequest("A", 0, &transfer.FakeHandle{
		PerformErr: fatalPerformErr(),
	})
	fatal := runTransfer(multi, req)

	if !fatal {
		t.Error("expected a multi-handle corruption to be worker-fatal")
	}
	if status := req.GetStatus(); status != 500 {
		t.Errorf("expected status 500, got %d", status)
	}
}

func fatalPerformErr() error {
	return errWrap("multi-handle is wedged", transfer.ErrMultiCorrupted)
}

func errWrap(msg string, target error) error {
	return &wrappedErr{msg: msg, target: target}
}

type wrappedErr struct {
	msg    string
	target error
}

func (e *wrappedErr) Error() string { return e.msg + ": " + e.target.Error() }
func (e *wrappedErr) Unwrap() error { return e.target }

func TestRunTransfer_StalledTransfer_EndedByCancel(t *testing.T) {
	multi := newTestMulti(t)
	defer multi.Free()

	req := NewRequest("A", 0, &transfer.FakeHandle{NoResult: true})

	done := make(chan struct{})
	go func() {
		runTransfer(multi, req)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected runTransfer to still be polling a handle that never completes")
	case <-time.After(50 * time.Millisecond):
	}

	req.Cancel()
	<-done

	if status := req.GetStatus(); status != 499 {
		t.Errorf("expected cancellation to short-circuit the stuck transfer with status 499, got %d", status)
	}
}

func TestRunTransfer_Cancellation_SkipsDrivingBytes(t *testing.T) {
	multi := newTestMulti(t)
	defer multi.Free()

	req := NewRequest("A", 0, &transfer.FakeHandle{ResultCode: 0, Delay: time.Hour})
	req.Cancel()

	fatal := runTransfer(multi, req)
	if fatal {
		t.Error("expected cancellation to be non-fatal")
	}
	if status := req.GetStatus(); status != 499 {
		t.Errorf("expected status 499, got %d", status)
	}
	if msg := req.GetMessage(); msg != "cancelled" {
		t.Errorf("expected message %q, got %q", "cancelled", msg)
	}
}
