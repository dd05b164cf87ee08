// Package transfer defines the contract the TPC scheduler uses to drive a
// third-party copy through an external transfer engine. The byte-level copy
// itself is out of scope (see spec.md §1); this package only describes the
// multi-handle protocol spoken against it, translating the
// multi_new/multi_add/multi_perform/multi_info_read/multi_remove/multi_wait/
// multi_free operations from XrdTpcPool.cc's libcurl usage into a Go
// interface so the scheduler can be tested without linking a real engine.
package transfer

import (
	"context"
	"errors"
)

// ErrMultiCorrupted is returned by Multi.Perform to signal that the
// multi-handle itself is in an unrecoverable state (distinct from an
// ordinary per-transfer failure). The scheduler treats it as worker-fatal:
// the in-flight Request is finished with status 500 and the Worker exits
// instead of continuing to serve its Queue. Ordinary engine errors from
// Perform should NOT wrap this sentinel — only genuine multi-handle-level
// corruption should.
var ErrMultiCorrupted = errors.New("transfer: engine multi-handle corrupted")

// Handle is an opaque transfer-engine handle. The core never interprets its
// bytes; it is only ever passed back to the Multi that produced it.
type Handle interface{}

// Multi is one engine-side coordinator capable of driving one or more
// transfers through a single poll loop. Implementations are assumed
// thread-safe per Multi but not across Multis — the scheduler gives each
// Worker exactly one.
type Multi interface {
	// Add registers handle with the multi-handle so it participates in
	// future Perform/InfoRead calls.
	Add(handle Handle) error

	// Perform drives one non-blocking step of every handle registered with
	// this Multi. It returns the number of handles still running.
	Perform() (running int, err error)

	// InfoRead drains one completion message. ok is false once there are no
	// more pending messages. When ok is true and the message reports
	// completion, code carries the engine's result code for handle.
	InfoRead() (handle Handle, code int, done bool, ok bool)

	// Remove detaches handle from the multi-handle; it is a no-op if handle
	// was never added or was already removed.
	Remove(handle Handle)

	// Wait blocks until the Multi has I/O to report or ctx's deadline
	// elapses, whichever comes first.
	Wait(ctx context.Context) error

	// Free releases any engine-side resources held by the Multi. Must be
	// called exactly once, after the last use of the Multi.
	Free()
}

// Engine constructs Multi coordinators and the Handles they drive. One
// Engine is shared across the whole process; one Multi is constructed per
// Worker.
type Engine interface {
	NewMulti() (Multi, error)

	// NewHandle builds the Handle this Engine's Multis expect for one
	// source/destination transfer. Callers outside this package (the HTTP
	// submission handler) must go through this instead of constructing a
	// concrete Handle type directly, or they risk building a handle the
	// injected Engine's Multi doesn't recognize.
	NewHandle(sourceURL, destURL, headerFile string) Handle
}
