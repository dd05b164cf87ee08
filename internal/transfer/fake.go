package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeHandle is a Handle used by tests to script a transfer's outcome.
type FakeHandle struct {
	ID string

	// SourceURL, DestURL and HeaderFile are recorded for observability only;
	// the fake engine never dereferences them.
	SourceURL  string
	DestURL    string
	HeaderFile string

	// AddErr, if set, makes Multi.Add fail for this handle.
	AddErr error

	// PerformErr, if set, makes the first Perform call after this handle is
	// added fail for the whole Multi.
	PerformErr error

	// Delay is how long the fake engine keeps the handle "running" before
	// surfacing a completion message.
	Delay time.Duration

	// ResultCode is the completion code delivered once Delay elapses.
	ResultCode int

	// NoResult, if true, never produces a completion message and keeps
	// the handle reported as running (used to exercise a transfer that
	// stalls until the caller cancels it).
	NoResult bool
}

// FakeEngine is a deterministic Engine implementation for tests. It never
// touches the network; handles resolve after FakeHandle.Delay according to
// their scripted outcome.
type FakeEngine struct{}

// NewFakeEngine returns an Engine whose Multis are driven entirely by the
// FakeHandle values added to them.
func NewFakeEngine() *FakeEngine { return &FakeEngine{} }

func (e *FakeEngine) NewMulti() (Multi, error) {
	return &fakeMulti{}, nil
}

// NewHandle returns a FakeHandle scripted to complete successfully on the
// first Perform tick (ResultCode 0, no Delay) — the default outcome for a
// transfer nothing has deliberately scripted to fail or stall.
func (e *FakeEngine) NewHandle(sourceURL, destURL, headerFile string) Handle {
	return &FakeHandle{SourceURL: sourceURL, DestURL: destURL, HeaderFile: headerFile}
}

type fakeMulti struct {
	mu       sync.Mutex
	handles  map[*FakeHandle]*fakeState
	msgs     []fakeMsg
	freed    bool
	addErr   error // perform error returned (once) by the next Perform
}

type fakeState struct {
	addedAt time.Time
	removed bool
}

type fakeMsg struct {
	handle Handle
	code   int
	done   bool
}

func (m *fakeMulti) Add(h Handle) error {
	fh, ok := h.(*FakeHandle)
	if !ok {
		return fmt.Errorf("transfer: fake engine received unknown handle type %T", h)
	}
	if fh.AddErr != nil {
		return fh.AddErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handles == nil {
		m.handles = make(map[*FakeHandle]*fakeState)
	}
	m.handles[fh] = &fakeState{addedAt: time.Now()}
	if fh.PerformErr != nil {
		m.addErr = fh.PerformErr
	}
	return nil
}

func (m *fakeMulti) Perform() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.addErr != nil {
		err := m.addErr
		m.addErr = nil
		return 0, err
	}

	running := 0
	for fh, st := range m.handles {
		if st.removed {
			continue
		}
		if fh.NoResult {
			running++
			continue
		}
		if time.Since(st.addedAt) < fh.Delay {
			running++
			continue
		}
		m.msgs = append(m.msgs, fakeMsg{handle: fh, code: fh.ResultCode, done: true})
	}
	return running, nil
}

func (m *fakeMulti) InfoRead() (Handle, int, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.msgs) == 0 {
		return nil, 0, false, false
	}
	msg := m.msgs[0]
	m.msgs = m.msgs[1:]
	return msg.handle, msg.code, msg.done, true
}

func (m *fakeMulti) Remove(h Handle) {
	fh, ok := h.(*FakeHandle)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.handles[fh]; ok {
		st.removed = true
	}
}

func (m *fakeMulti) Wait(ctx context.Context) error {
	timer := time.NewTimer(10 * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *fakeMulti) Free() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freed = true
}
