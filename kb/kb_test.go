package kb

import (
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/obu-negotiator/model"
)

func TestPeerStore_InitialSnapshotUnknown(t *testing.T) {
	store := NewPeerStore("1")
	snap := store.Snapshot()
	if snap.Position.Known {
		t.Fatalf("initial Position.Known = true, want false")
	}
	if snap.Seq != 0 || len(snap.History) != 0 {
		t.Fatalf("initial snapshot = %+v, want empty", snap)
	}
}

func TestPeerStore_SelfEchoSuppressed(t *testing.T) {
	store := NewPeerStore("1", WithHistory(4))
	first := model.Coordinate{Lat: 40.0001, Lon: -8.0001}
	if !store.Update(first, "2") {
		t.Fatalf("Update from peer rejected")
	}

	if store.Update(model.Coordinate{Lat: 41, Lon: -9}, "1") {
		t.Fatalf("Update with own id accepted")
	}
	snap := store.Snapshot()
	if snap.Position.Coordinate != first {
		t.Fatalf("Position = %v after self echo, want %v", snap.Position.Coordinate, first)
	}
	if snap.Seq != 1 || len(snap.History) != 1 {
		t.Fatalf("self echo touched history: seq=%d history=%d", snap.Seq, len(snap.History))
	}

	second := model.Coordinate{Lat: 40.0002, Lon: -8.0002}
	if !store.Update(second, "2") {
		t.Fatalf("second Update from peer rejected")
	}
	if got := store.Snapshot().Position.Coordinate; got != second {
		t.Fatalf("Position = %v, want %v", got, second)
	}
}

func TestPeerStore_AnonymousUpdateAccepted(t *testing.T) {
	store := NewPeerStore("1")
	if !store.Update(model.Coordinate{Lat: 1, Lon: 2}, "") {
		t.Fatalf("Update without originator rejected")
	}
}

func TestPeerStore_HistoryBounded(t *testing.T) {
	stamp := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	store := NewPeerStore("1", WithHistory(3), WithTimeSource(func() time.Time { return stamp }))
	for i := 0; i < 5; i++ {
		store.Update(model.Coordinate{Lat: float64(i)}, "2")
	}
	snap := store.Snapshot()
	if len(snap.History) != 3 {
		t.Fatalf("History len = %d, want 3", len(snap.History))
	}
	if snap.History[0].Lat != 2 || snap.History[2].Lat != 4 {
		t.Fatalf("History = %v, want oldest 2 newest 4", snap.History)
	}
	if !snap.UpdatedAt.Equal(stamp) {
		t.Fatalf("UpdatedAt = %v, want %v", snap.UpdatedAt, stamp)
	}
}

func TestPeerStore_Subscribe(t *testing.T) {
	store := NewPeerStore("1")
	var got []PeerSnapshot
	unsub := store.Subscribe(func(s PeerSnapshot) { got = append(got, s) })

	store.Update(model.Coordinate{Lat: 1}, "2")
	store.Update(model.Coordinate{Lat: 2}, "1")
	unsub()
	store.Update(model.Coordinate{Lat: 3}, "2")

	if len(got) != 1 || got[0].Position.Lat != 1 {
		t.Fatalf("subscriber saw %v, want exactly the first accepted update", got)
	}
}

// TestPeerStore_ConcurrentUpdateSnapshot checks snapshots are never torn:
// every update writes Lat == Lon, so a snapshot mixing two writes would
// show them differing.
func TestPeerStore_ConcurrentUpdateSnapshot(t *testing.T) {
	store := NewPeerStore("1", WithHistory(8))

	var wg sync.WaitGroup
	const writers = 4
	const updates = 500
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < updates; i++ {
				v := float64(w*updates + i)
				store.Update(model.Coordinate{Lat: v, Lon: v}, "2")
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		snap := store.Snapshot()
		if snap.Position.Known && snap.Position.Lat != snap.Position.Lon {
			t.Fatalf("torn snapshot: %+v", snap.Position)
		}
		for _, h := range snap.History {
			if h.Lat != h.Lon {
				t.Fatalf("torn history entry: %+v", h)
			}
		}
		select {
		case <-done:
			if got := store.Snapshot().Seq; got != writers*updates {
				t.Fatalf("Seq = %d, want %d", got, writers*updates)
			}
			return
		default:
		}
	}
}
