// Package kb holds the peer state store: the one piece of mutable state a
// unit shares between its beacon receiver and its negotiation loop.
package kb

import (
	"sync"
	"time"

	"github.com/signalsfoundry/obu-negotiator/core"
	"github.com/signalsfoundry/obu-negotiator/model"
)

// PeerSnapshot is a consistent copy of the latest peer state.
type PeerSnapshot struct {
	Position   model.Fix
	Originator string
	History    []model.Coordinate // oldest first
	UpdatedAt  time.Time
	Seq        uint64 // number of accepted updates
}

// PeerStore keeps the most recent position reported by the other unit,
// plus a bounded history of its reports. Updates are written by the beacon
// receiver and read by the negotiation engine concurrently.
type PeerStore struct {
	mu sync.RWMutex

	selfID string
	now    func() time.Time

	latest     model.Fix
	originator string
	history    *core.Track
	updatedAt  time.Time
	seq        uint64

	subs    map[int]func(PeerSnapshot)
	nextSub int
}

// Option customises PeerStore construction.
type Option func(*PeerStore)

// WithHistory sets the capacity of the bounded peer history.
func WithHistory(capacity int) Option {
	return func(s *PeerStore) {
		s.history = core.NewTrack(capacity)
	}
}

// WithTimeSource overrides the clock used to stamp updates.
func WithTimeSource(now func() time.Time) Option {
	return func(s *PeerStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewPeerStore constructs an empty store for the unit identified by selfID.
// Without WithHistory no history is retained.
func NewPeerStore(selfID string, opts ...Option) *PeerStore {
	s := &PeerStore{
		selfID:  selfID,
		now:     time.Now,
		history: core.NewTrack(0),
		subs:    make(map[int]func(PeerSnapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update records a peer position. Reports whose originator equals the
// local unit's identifier are echoes of our own beacons and are dropped;
// Update returns false for them.
func (s *PeerStore) Update(pos model.Coordinate, originatorID string) bool {
	if originatorID != "" && originatorID == s.selfID {
		return false
	}

	s.mu.Lock()
	s.latest = model.KnownFix(pos)
	s.originator = originatorID
	s.history.Append(pos)
	s.updatedAt = s.now()
	s.seq++
	snap := s.snapshotLocked()
	subs := make([]func(PeerSnapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub(snap)
	}
	return true
}

// Snapshot returns the latest peer state. The history slice is a copy.
func (s *PeerStore) Snapshot() PeerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *PeerStore) snapshotLocked() PeerSnapshot {
	return PeerSnapshot{
		Position:   s.latest,
		Originator: s.originator,
		History:    s.history.Points(),
		UpdatedAt:  s.updatedAt,
		Seq:        s.seq,
	}
}

// Subscribe registers a callback invoked after every accepted update. It
// returns an unsubscribe function.
func (s *PeerStore) Subscribe(fn func(PeerSnapshot)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}
