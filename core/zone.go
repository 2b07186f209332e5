package core

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/obu-negotiator/model"
)

// ErrInsufficientGeometry indicates a zone definition with fewer than the
// two points (center, boundary) needed to build it.
var ErrInsufficientGeometry = errors.New("insufficient geometry")

// ZoneClass is the position of a fix relative to a conflict zone.
type ZoneClass int

const (
	Outside ZoneClass = iota
	Near
	Inside
)

func (c ZoneClass) String() string {
	switch c {
	case Inside:
		return "INSIDE"
	case Near:
		return "NEAR"
	default:
		return "OUTSIDE"
	}
}

// Zone is a circular conflict zone (a roundabout) with a "near" annulus of
// width Margin around it and a proximity threshold used to gate
// interactions between units. It is immutable after construction.
type Zone struct {
	Center             model.Coordinate
	Radius             float64 // metres
	Margin             float64 // metres beyond Radius that count as Near
	ProximityThreshold float64 // metres
}

// NewZone builds a zone from an ordered point list: the first point is the
// center and the second any point on the boundary. Extra points are
// ignored.
func NewZone(points []model.Coordinate, margin, proximity float64) (*Zone, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("zone needs center and boundary point, got %d: %w", len(points), ErrInsufficientGeometry)
	}
	return &Zone{
		Center:             points[0],
		Radius:             Distance(points[0], points[1]),
		Margin:             margin,
		ProximityThreshold: proximity,
	}, nil
}

// Classify reports whether fix lies inside the zone, in the near annulus,
// or outside. An unknown fix is always Outside.
func (z *Zone) Classify(fix model.Fix) ZoneClass {
	if !fix.Known {
		return Outside
	}
	d := Distance(fix.Coordinate, z.Center)
	switch {
	case d <= z.Radius:
		return Inside
	case d < z.Radius+z.Margin:
		return Near
	default:
		return Outside
	}
}

// Approaching reports whether fix is Near or Inside.
func (z *Zone) Approaching(fix model.Fix) bool {
	c := z.Classify(fix)
	return c == Near || c == Inside
}

// WithinProximity reports whether two known fixes are within the zone's
// proximity threshold of each other.
func (z *Zone) WithinProximity(a, b model.Fix) bool {
	if !a.Known || !b.Known {
		return false
	}
	return Distance(a.Coordinate, b.Coordinate) <= z.ProximityThreshold
}
