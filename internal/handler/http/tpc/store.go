package tpc

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/dynamic-entropy/xrdtpc/internal/tpc"
)

// requestRetention is the age, counted from submission, after which a
// terminal Request's entry may be swept, so a long-running admin surface
// doesn't accumulate one entry per submission forever.
const requestRetention = 10 * time.Minute

type storedRequest struct {
	req       *tpc.Request
	createdAt time.Time
}

// requestStore maps caller-facing request IDs to the in-flight tpc.Request
// they were submitted as. The scheduler itself has no notion of an ID —
// it is purely an HTTP-layer concern for routing GET/DELETE calls back to
// the right Request. Entries for terminal Requests submitted more than
// requestRetention ago are swept out lazily, on the next put.
type requestStore struct {
	mu   sync.RWMutex
	byID map[string]storedRequest
}

func newRequestStore() *requestStore {
	return &requestStore{byID: make(map[string]storedRequest)}
}

func (s *requestStore) put(req *tpc.Request) string {
	id := newRequestID()

	s.mu.Lock()
	s.sweepLocked()
	s.byID[id] = storedRequest{req: req, createdAt: time.Now()}
	s.mu.Unlock()

	return id
}

func (s *requestStore) get(id string) (*tpc.Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.byID[id]
	return stored.req, ok
}

// sweepLocked evicts terminal Requests older than requestRetention.
// Caller must hold s.mu for writing.
func (s *requestStore) sweepLocked() {
	cutoff := time.Now().Add(-requestRetention)
	for id, stored := range s.byID {
		if stored.createdAt.Before(cutoff) && stored.req.IsTerminal() {
			delete(s.byID, id)
		}
	}
}

func newRequestID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
