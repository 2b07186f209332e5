package beacon

import (
	"testing"

	"github.com/signalsfoundry/obu-negotiator/kb"
	"github.com/signalsfoundry/obu-negotiator/model"
)

type countingRecorder map[string]int

func (c countingRecorder) BeaconReceived(result string) { c[result]++ }

func TestReceiverUpdatesStore(t *testing.T) {
	store := kb.NewPeerStore("1")
	rec := countingRecorder{}
	r := NewReceiver(store, WithMetrics(rec))

	r.Handle("vanetza/out/cam", []byte(`{"latitude": 40.0001, "longitude": -8.0001, "obu_id": "2"}`))

	snap := store.Snapshot()
	want := model.Coordinate{Lat: 40.0001, Lon: -8.0001}
	if !snap.Position.Known || snap.Position.Coordinate != want {
		t.Fatalf("store position = %+v, want %v", snap.Position, want)
	}
	if snap.Originator != "2" {
		t.Fatalf("Originator = %q, want 2", snap.Originator)
	}
	if rec[ResultAccepted] != 1 {
		t.Fatalf("accepted count = %d, want 1", rec[ResultAccepted])
	}
}

// An inbound beacon carrying our own obu_id leaves the store untouched.
func TestReceiverIgnoresSelfEcho(t *testing.T) {
	store := kb.NewPeerStore("1")
	rec := countingRecorder{}
	r := NewReceiver(store, WithMetrics(rec))

	r.Handle("vanetza/out/cam", []byte(`{"latitude": 40.0001, "longitude": -8.0001, "obu_id": "2"}`))
	before := store.Snapshot()

	r.Handle("vanetza/out/cam", []byte(`{"latitude": 41, "longitude": -9, "obu_id": "1"}`))
	r.Handle("vanetza/out/cam", []byte(`{"latitude": 41, "longitude": -9, "obu_id": 1}`))

	after := store.Snapshot()
	if after.Position != before.Position || after.Seq != before.Seq {
		t.Fatalf("self echo changed store: before %+v after %+v", before, after)
	}
	if rec[ResultSelf] != 2 {
		t.Fatalf("self count = %d, want 2", rec[ResultSelf])
	}
}

// Without obu_id the stationID identifies the sender, so our own CAM
// relayed back by the stack is still recognised.
func TestReceiverIgnoresSelfEchoByStationID(t *testing.T) {
	store := kb.NewPeerStore("1")
	rec := countingRecorder{}
	r := NewReceiver(store, WithMetrics(rec))

	r.Handle("vanetza/out/cam", []byte(`{"stationID":1,"latitude":40.0001,"longitude":-8.0}`))

	if snap := store.Snapshot(); snap.Position.Known || snap.Seq != 0 {
		t.Fatalf("self echo stored as peer: %+v", snap)
	}
	if rec[ResultSelf] != 1 {
		t.Fatalf("self count = %d, want 1", rec[ResultSelf])
	}

	r.Handle("vanetza/out/cam", []byte(`{"stationID":2,"latitude":40.0001,"longitude":-8.0}`))
	if snap := store.Snapshot(); !snap.Position.Known || snap.Originator != "2" {
		t.Fatalf("peer beacon not stored: %+v", snap)
	}
}

func TestReceiverDropsBadPayloads(t *testing.T) {
	store := kb.NewPeerStore("1")
	rec := countingRecorder{}
	r := NewReceiver(store, WithMetrics(rec), WithLogger(nil))

	r.Handle("t", []byte{0xff, 0x00, 0x01})
	r.Handle("t", []byte(`{"speed": 10}`))

	if store.Snapshot().Position.Known {
		t.Fatalf("bad payload produced a peer position")
	}
	if rec[ResultMalformed] != 1 || rec[ResultNoPosition] != 1 {
		t.Fatalf("counts = %v", rec)
	}
}
