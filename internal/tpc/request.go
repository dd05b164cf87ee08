package tpc

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/dynamic-entropy/xrdtpc/internal/transfer"
)

// StatusPending is the sentinel status of a Request that has not yet
// reached a terminal state. Any status >= 0 is terminal.
const StatusPending = -1

// Request represents one third-party-copy transfer: a caller identifier
// (label), an opaque transfer-engine handle, completion state, and
// synchronization letting a producer await completion or poll progress.
//
// Once Status becomes terminal it is immutable; ProgressOffset never
// decreases; Active, once true, stays true for the Request's lifetime.
type Request struct {
	label  string
	scitag int
	handle transfer.Handle

	progressOffset atomic.Int64
	active         atomic.Bool
	cancelFlag     atomic.Bool

	mu      sync.Mutex
	doneCh  chan struct{} // closed exactly once, by SetDone
	status  int
	message string
	closed  bool
}

// NewRequest constructs a Request for the given label, carrying an
// opaque scitag and transfer-engine handle through to the Worker. The
// Request starts in the pending state.
func NewRequest(label string, scitag int, handle transfer.Handle) *Request {
	return &Request{
		label:  label,
		scitag: scitag,
		handle: handle,
		status: StatusPending,
		doneCh: make(chan struct{}),
	}
}

// Label returns the caller-supplied label this Request was produced with.
func (r *Request) Label() string { return r.label }

// Scitag returns the opaque integer tag forwarded to the transfer engine.
func (r *Request) Scitag() int { return r.scitag }

// Handle returns the opaque transfer-engine handle.
func (r *Request) Handle() transfer.Handle { return r.handle }

// WaitFor blocks up to d for a terminal status and returns the status
// observed when it returns — which may still be StatusPending if d
// elapsed first. doneCh is closed exactly once by SetDone, so unlike a
// condition variable paired with a timer, there is no window in which a
// completion racing the deadline can be missed: closing a channel is a
// durable broadcast, not a transient wakeup.
func (r *Request) WaitFor(d time.Duration) int {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-r.doneCh:
	case <-timer.C:
	}
	return r.GetStatus()
}

// SetProgress records the number of bytes transferred so far. It is called
// only by the owning Worker and is idempotent for equal offsets. Passing
// offset 0 marks the Request active.
func (r *Request) SetProgress(offset int64) {
	if offset == 0 {
		r.active.Store(true)
	}
	r.progressOffset.Store(offset)
}

// GetProgress returns the most recently recorded progress offset.
func (r *Request) GetProgress() int64 { return r.progressOffset.Load() }

// IsActive reports whether SetProgress(0) has marked the Request active.
func (r *Request) IsActive() bool { return r.active.Load() }

// SetDone transitions the Request from pending to a terminal status and
// wakes every WaitFor caller. It must be called at most once; a second
// call is ignored.
func (r *Request) SetDone(status int, message string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.status = status
	r.message = message
	r.mu.Unlock()
	close(r.doneCh)
}

// GetStatus returns the current status: StatusPending until terminal, then
// the terminal value forever after.
func (r *Request) GetStatus() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// IsTerminal reports whether this Request has reached a terminal status.
func (r *Request) IsTerminal() bool {
	return r.GetStatus() != StatusPending
}

// GetMessage returns the human-readable completion description, empty
// until the Request reaches a terminal status.
func (r *Request) GetMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.message
}

// Cancel requests cooperative cancellation. It does not itself make the
// Request terminal — the owning Worker observes CancelRequested between
// transfer-engine poll ticks and finishes the Request with status 499.
func (r *Request) Cancel() {
	r.cancelFlag.Store(true)
}

// CancelRequested reports whether Cancel has been called.
func (r *Request) CancelRequested() bool {
	return r.cancelFlag.Load()
}
