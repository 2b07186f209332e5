package negotiation

import (
	"math"
	"testing"

	"github.com/signalsfoundry/obu-negotiator/core"
	"github.com/signalsfoundry/obu-negotiator/model"
)

var zoneCenter = model.Coordinate{Lat: 40.000, Lon: -8.000}

func testZone(t *testing.T, proximity float64) *core.Zone {
	t.Helper()
	z, err := core.NewZone([]model.Coordinate{zoneCenter, core.Offset(zoneCenter, 11, 0)}, 15, proximity)
	if err != nil {
		t.Fatalf("NewZone: %v", err)
	}
	return z
}

func at(east, north float64) model.Fix {
	return model.KnownFix(core.Offset(zoneCenter, east, north))
}

func arc(radius float64, fromDeg, toDeg float64, n int) []model.Coordinate {
	pts := make([]model.Coordinate, 0, n)
	for i := 0; i < n; i++ {
		theta := (fromDeg + (toDeg-fromDeg)*float64(i)/float64(n-1)) * math.Pi / 180
		pts = append(pts, core.Offset(zoneCenter, radius*math.Cos(theta), radius*math.Sin(theta)))
	}
	return pts
}

func line(fromEast, fromNorth, toEast, toNorth float64, n int) []model.Coordinate {
	pts := make([]model.Coordinate, 0, n)
	for i := 0; i < n; i++ {
		f := float64(i) / float64(n-1)
		pts = append(pts, core.Offset(zoneCenter, fromEast+(toEast-fromEast)*f, fromNorth+(toNorth-fromNorth)*f))
	}
	return pts
}

func TestBearingCone(t *testing.T) {
	zone := testZone(t, 35)
	cone := NewBearingCone(zone)

	// Unit 20 m south of the center heading east; the peer at the center
	// sits at a relative bearing of 270°.
	own := at(0, -20)
	tests := []struct {
		name    string
		heading float64
		peer    model.Fix
		want    bool
	}{
		{"peer inside rear-left", 90, at(0, 0), true},
		{"peer inside ahead", 0, at(0, 0), false},
		{"peer inside right", 270, at(0, 0), false},
		{"peer near not inside", 90, at(-15, -15), false},
		{"peer unknown", 90, model.Fix{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cone.IsThreat(Situation{Own: own, Heading: tt.heading, Peer: tt.peer})
			if got != tt.want {
				t.Fatalf("IsThreat() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBearingCone_ConeEdgesInclusive(t *testing.T) {
	zone := testZone(t, 35)
	cone := NewBearingCone(zone)
	own := at(0, -20)
	peer := at(0, 0)
	toPeer := core.Bearing(own.Coordinate, peer.Coordinate)

	for _, rel := range []float64{210, 350} {
		heading := math.Mod(toPeer-rel+360, 360)
		if !cone.IsThreat(Situation{Own: own, Heading: heading, Peer: peer}) {
			t.Fatalf("relative bearing %v should be inside the cone", rel)
		}
	}
	for _, rel := range []float64{209, 351} {
		heading := math.Mod(toPeer-rel+360, 360)
		if cone.IsThreat(Situation{Own: own, Heading: heading, Peer: peer}) {
			t.Fatalf("relative bearing %v should be outside the cone", rel)
		}
	}
}

func TestBearingCone_Proximity(t *testing.T) {
	zone := testZone(t, 10)
	cone := NewBearingCone(zone)
	if cone.IsThreat(Situation{Own: at(0, -20), Heading: 90, Peer: at(0, 0)}) {
		t.Fatalf("peer 20 m away should be beyond a 10 m proximity threshold")
	}
}

func TestCircleFitQuadrant(t *testing.T) {
	zone := testZone(t, 35)

	// Own unit 18 m west of the center heading north; the peer has just
	// circulated to the west point of the roundabout, 7 m to our right.
	own := at(-18, 0)
	heading := 0.0
	approach := line(-18, -15, -18, 0, 4)
	circulating := arc(11, 90, 180, 4)
	peer := model.KnownFix(circulating[len(circulating)-1])

	tests := []struct {
		name      string
		ownTrack  []model.Coordinate
		peerTrack []model.Coordinate
		heading   float64
		want      bool
	}{
		{"peer circulating, own approaching", approach, circulating, heading, true},
		{"both circulating", arc(11, 200, 260, 4), circulating, heading, false},
		{"peer straight", approach, line(-30, 0, -11, 0, 4), heading, false},
		{"peer track too short", approach, circulating[2:], heading, false},
		{"outside quadrant", approach, circulating, 180, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCircleFitQuadrant(zone, 5, 0.5)
			got := c.IsThreat(Situation{
				Own:       own,
				Heading:   tt.heading,
				OwnTrack:  tt.ownTrack,
				Peer:      peer,
				PeerTrack: tt.peerTrack,
			})
			if got != tt.want {
				t.Fatalf("IsThreat() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircleFitQuadrant_CirculatingMatchesZone(t *testing.T) {
	zone := testZone(t, 35)
	c := NewCircleFitQuadrant(zone, 5, 0.5)
	if !c.Circulating(arc(11, 0, 90, 5)) {
		t.Fatalf("arc on the roundabout should count as circulating")
	}
	if c.Circulating(arc(40, 0, 90, 5)) {
		t.Fatalf("arc of a much wider circle should not count as circulating")
	}
	if c.Circulating(line(0, -30, 0, -15, 3)) {
		t.Fatalf("collinear track should not count as circulating")
	}
}

func TestNewClassifier(t *testing.T) {
	zone := testZone(t, 35)

	c, err := NewClassifier(zone, ClassifierConfig{})
	if err != nil || c.Name() != StrategyBearingCone {
		t.Fatalf("default classifier = %v, %v", c, err)
	}

	c, err = NewClassifier(zone, ClassifierConfig{Strategy: StrategyBearingCone, ConeMinDeg: 200, ConeMaxDeg: 300})
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	if b := c.(*BearingCone); b.MinDeg != 200 || b.MaxDeg != 300 {
		t.Fatalf("cone bounds = %v..%v, want 200..300", b.MinDeg, b.MaxDeg)
	}

	c, err = NewClassifier(zone, ClassifierConfig{Strategy: StrategyCircleFitQuadrant, CircleTolerance: 4, SmoothingAlpha: 0.3})
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	if q := c.(*CircleFitQuadrant); q.MinDeg != 45 || q.MaxDeg != 135 || q.Tolerance != 4 {
		t.Fatalf("quadrant classifier = %+v", q)
	}

	if _, err := NewClassifier(zone, ClassifierConfig{Strategy: "telepathy"}); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
}
