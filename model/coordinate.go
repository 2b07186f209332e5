package model

import "github.com/paulmach/orb"

// Coordinate is a geographic position in signed decimal degrees.
type Coordinate struct {
	Lat float64
	Lon float64
}

// Point converts the coordinate into an orb.Point (lon, lat order).
func (c Coordinate) Point() orb.Point {
	return orb.Point{c.Lon, c.Lat}
}

// FromPoint converts an orb.Point (lon, lat order) into a Coordinate.
func FromPoint(p orb.Point) Coordinate {
	return Coordinate{Lat: p.Lat(), Lon: p.Lon()}
}

// Fix is a position that may not be known yet. The zero value is an unknown
// fix; geometry predicates treat it as outside every zone.
type Fix struct {
	Coordinate
	Known bool
}

// KnownFix wraps a coordinate as a known fix.
func KnownFix(c Coordinate) Fix {
	return Fix{Coordinate: c, Known: true}
}

// NegotiationState is the per-unit right-of-way state.
type NegotiationState int

const (
	// Proceeding is the initial state: the unit keeps sending along its path.
	Proceeding NegotiationState = iota
	// Yielding means the unit is holding its current waypoint.
	Yielding
)

func (s NegotiationState) String() string {
	switch s {
	case Proceeding:
		return "PROCEEDING"
	case Yielding:
		return "YIELDING"
	default:
		return "UNKNOWN"
	}
}
