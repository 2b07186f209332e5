package driver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/obu-negotiator/core"
	"github.com/signalsfoundry/obu-negotiator/internal/beacon"
	"github.com/signalsfoundry/obu-negotiator/internal/negotiation"
	"github.com/signalsfoundry/obu-negotiator/internal/observability"
	"github.com/signalsfoundry/obu-negotiator/internal/transport"
	"github.com/signalsfoundry/obu-negotiator/model"
	"github.com/signalsfoundry/obu-negotiator/timectrl"
)

var origin = model.Coordinate{Lat: 40.0, Lon: -8.0}

type gateCall struct {
	own     model.Fix
	heading float64
	track   []model.Coordinate
}

// fakeGate yields at the waypoint indices in yieldAt.
type fakeGate struct {
	yieldAt map[int]bool
	err     error
	calls   []gateCall
}

func (g *fakeGate) Gate(_ context.Context, own model.Fix, heading float64, track []model.Coordinate) (negotiation.GateResult, error) {
	idx := len(g.calls)
	g.calls = append(g.calls, gateCall{own: own, heading: heading, track: track})
	if g.err != nil {
		return negotiation.GateResult{}, g.err
	}
	if g.yieldAt[idx] {
		return negotiation.GateResult{Yielded: true, Polls: 2}, nil
	}
	return negotiation.GateResult{}, nil
}

type capture struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *capture) handle(_ string, p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, append([]byte(nil), p...))
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) error {
	return transport.ErrClosed
}

func eastward(n int) []model.Coordinate {
	wps := make([]model.Coordinate, n)
	for i := range wps {
		wps[i] = core.Offset(origin, float64(i)*5, 0)
	}
	return wps
}

func newClock() *timectrl.TimeController {
	return timectrl.NewTimeController(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), timectrl.Accelerated)
}

func TestRun_EmptySequencePublishesNothing(t *testing.T) {
	bus := transport.NewMemoryBus()
	var got capture
	bus.Subscribe(transport.TopicOutbound, got.handle)

	gate := &fakeGate{}
	d := New(Config{UnitID: "1", Tick: time.Second}, nil, gate, nil, bus, WithClock(newClock()))
	sum, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum != (Summary{}) {
		t.Fatalf("Summary = %+v, want zero", sum)
	}
	if len(got.payloads) != 0 || len(gate.calls) != 0 {
		t.Fatalf("published %d beacons, gated %d times; want none", len(got.payloads), len(gate.calls))
	}
}

func TestRun_PublishesEveryWaypointInOrder(t *testing.T) {
	bus := transport.NewMemoryBus()
	var got capture
	bus.Subscribe(transport.TopicOutbound, got.handle)

	tmpl, err := beacon.ParseTemplate([]byte(`{"messageType": "cam", "stationType": 5}`))
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	wps := eastward(4)
	gate := &fakeGate{yieldAt: map[int]bool{2: true}}
	clock := newClock()
	start := clock.Now()

	reg := prometheus.NewRegistry()
	collector, err := observability.NewUnitCollector(reg)
	if err != nil {
		t.Fatalf("NewUnitCollector: %v", err)
	}

	d := New(Config{UnitID: "7", Tick: time.Second, HistorySize: 3}, wps, gate, tmpl, bus,
		WithClock(clock), WithMetrics(collector.ForUnit("7")))
	sum, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sum.Published != 4 || sum.Yields != 1 || sum.Escapes != 0 {
		t.Fatalf("Summary = %+v, want 4 published and 1 yield", sum)
	}
	if len(got.payloads) != 4 {
		t.Fatalf("published %d beacons, want 4", len(got.payloads))
	}
	for i, p := range got.payloads {
		b, err := beacon.Decode(p)
		if err != nil {
			t.Fatalf("Decode(beacon %d): %v", i, err)
		}
		if b.Position != wps[i] {
			t.Fatalf("beacon %d position = %+v, want %+v", i, b.Position, wps[i])
		}
		if b.OriginatorID != "7" || !b.HasStationID || b.StationID != 7 {
			t.Fatalf("beacon %d identity = %+v", i, b)
		}
	}
	if elapsed := clock.Now().Sub(start); elapsed != 4*time.Second {
		t.Fatalf("elapsed = %v, want one tick per waypoint", elapsed)
	}
	if v := testutil.ToFloat64(collector.BeaconsPublished.WithLabelValues("7")); v != 4 {
		t.Fatalf("obu_beacons_published_total = %v, want 4", v)
	}
}

func TestRun_GateSeesTrackAndHeading(t *testing.T) {
	wps := eastward(5)
	gate := &fakeGate{}
	d := New(Config{UnitID: "1", HistorySize: 3}, wps, gate, nil, transport.NewMemoryBus(), WithClock(newClock()))
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(gate.calls) != 5 {
		t.Fatalf("gate calls = %d, want 5", len(gate.calls))
	}
	for i, c := range gate.calls {
		if !c.own.Known || c.own.Coordinate != wps[i] {
			t.Fatalf("call %d own = %+v, want %+v", i, c.own, wps[i])
		}
		wantLen := i + 1
		if wantLen > 3 {
			wantLen = 3
		}
		if len(c.track) != wantLen || c.track[len(c.track)-1] != wps[i] {
			t.Fatalf("call %d track = %v", i, c.track)
		}
	}
	if h := gate.calls[0].heading; h < 89 || h > 91 {
		t.Fatalf("heading at first waypoint = %v, want ~90", h)
	}
	if h := gate.calls[4].heading; h != 0 {
		t.Fatalf("heading at final waypoint = %v, want 0", h)
	}
}

func TestRun_PublishFailureStops(t *testing.T) {
	gate := &fakeGate{}
	d := New(Config{UnitID: "1"}, eastward(3), gate, nil, failingPublisher{}, WithClock(newClock()))
	sum, err := d.Run(context.Background())
	if !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Run() error = %v, want ErrClosed", err)
	}
	if sum.Published != 0 || len(gate.calls) != 1 {
		t.Fatalf("Summary = %+v after %d gate calls", sum, len(gate.calls))
	}
}

func TestRun_GateErrorStops(t *testing.T) {
	gate := &fakeGate{err: context.Canceled}
	d := New(Config{UnitID: "1"}, eastward(3), gate, nil, transport.NewMemoryBus(), WithClock(newClock()))
	if _, err := d.Run(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRun_CancelledBetweenTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := newClock()
	clock.AddListener(func(time.Time) { cancel() })

	d := New(Config{UnitID: "1", Tick: time.Second}, eastward(3), &fakeGate{}, nil, transport.NewMemoryBus(), WithClock(clock))
	sum, err := d.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if sum.Published != 1 {
		t.Fatalf("Published = %d, want 1", sum.Published)
	}
}
