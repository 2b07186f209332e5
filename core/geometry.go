package core

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/signalsfoundry/obu-negotiator/model"
)

// EarthRadiusM is the mean Earth radius used for all geodesic calculations
// and for the local tangent-plane projection (metres).
const EarthRadiusM = orb.EarthRadius

// Distance returns the great-circle distance between two coordinates in
// metres. It is symmetric and zero only for identical coordinates.
func Distance(a, b model.Coordinate) float64 {
	if a == b {
		return 0
	}
	return geo.DistanceHaversine(a.Point(), b.Point())
}

// Bearing returns the initial great-circle bearing from one coordinate to
// another in degrees, normalised into [0, 360). The bearing between two
// identical coordinates is undefined and reported as 0.
func Bearing(from, to model.Coordinate) float64 {
	if from == to {
		return 0
	}
	return normalizeDegrees(geo.Bearing(from.Point(), to.Point()))
}

// RelativeBearing returns the bearing of a target as seen from a unit with
// the given heading, in degrees within [0, 360).
func RelativeBearing(bearingToTarget, ownHeading float64) float64 {
	return normalizeDegrees(bearingToTarget - ownHeading + 360)
}

// Offset returns the coordinate reached by moving east and north (metres)
// from origin on the local tangent plane.
func Offset(origin model.Coordinate, eastM, northM float64) model.Coordinate {
	return fromLocal(origin, eastM, northM)
}

func normalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	// math.Mod can round a tiny negative input up to exactly 360.
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// toLocal projects c onto an equirectangular plane tangent at origin,
// returning (east, north) in metres. Accurate over the few hundred metres
// a conflict zone spans.
func toLocal(origin, c model.Coordinate) (float64, float64) {
	cosLat := math.Cos(deg2rad(origin.Lat))
	east := deg2rad(c.Lon-origin.Lon) * cosLat * EarthRadiusM
	north := deg2rad(c.Lat-origin.Lat) * EarthRadiusM
	return east, north
}

func fromLocal(origin model.Coordinate, east, north float64) model.Coordinate {
	cosLat := math.Cos(deg2rad(origin.Lat))
	lat := origin.Lat + rad2deg(north/EarthRadiusM)
	lon := origin.Lon
	if cosLat != 0 {
		lon += rad2deg(east / (EarthRadiusM * cosLat))
	}
	return model.Coordinate{Lat: lat, Lon: lon}
}

func deg2rad(d float64) float64 { return d * math.Pi / 180.0 }
func rad2deg(r float64) float64 { return r * 180.0 / math.Pi }
