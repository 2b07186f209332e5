package core

import (
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/obu-negotiator/model"
)

// ErrDegenerateGeometry is returned by FitCircle when the points do not
// determine a circle (fewer than three, or collinear).
var ErrDegenerateGeometry = errors.New("degenerate geometry")

// singularTolerance scales the determinant check by the squared spread of
// the points so the test is independent of the window size.
const singularTolerance = 1e-9

// FitCircle estimates the circle that best matches points using the Kåsa
// algebraic least-squares fit. Points are projected onto a plane tangent at
// their centroid, so the fit is valid for windows spanning up to a few
// hundred metres.
func FitCircle(points []model.Coordinate) (model.Coordinate, float64, error) {
	n := len(points)
	if n < 3 {
		return model.Coordinate{}, 0, fmt.Errorf("fit circle over %d points: %w", n, ErrDegenerateGeometry)
	}

	var origin model.Coordinate
	for _, p := range points {
		origin.Lat += p.Lat
		origin.Lon += p.Lon
	}
	origin.Lat /= float64(n)
	origin.Lon /= float64(n)

	xs := make([]float64, n)
	ys := make([]float64, n)
	var meanX, meanY float64
	for i, p := range points {
		xs[i], ys[i] = toLocal(origin, p)
		meanX += xs[i]
		meanY += ys[i]
	}
	meanX /= float64(n)
	meanY /= float64(n)

	// Moments of the centred coordinates.
	var suu, svv, suv, suuu, svvv, suvv, svuu float64
	for i := range xs {
		u := xs[i] - meanX
		v := ys[i] - meanY
		suu += u * u
		svv += v * v
		suv += u * v
		suuu += u * u * u
		svvv += v * v * v
		suvv += u * v * v
		svuu += v * u * u
	}

	det := suu*svv - suv*suv
	spread := suu + svv
	if spread == 0 || math.Abs(det) <= singularTolerance*spread*spread {
		return model.Coordinate{}, 0, fmt.Errorf("fit circle: singular moment matrix: %w", ErrDegenerateGeometry)
	}

	// [suu suv; suv svv] [uc; vc] = 0.5 [suuu+suvv; svvv+svuu]
	b1 := 0.5 * (suuu + suvv)
	b2 := 0.5 * (svvv + svuu)
	uc := (b1*svv - b2*suv) / det
	vc := (suu*b2 - suv*b1) / det

	radius := math.Sqrt(uc*uc + vc*vc + spread/float64(n))
	center := fromLocal(origin, uc+meanX, vc+meanY)
	return center, radius, nil
}

// SmoothedRadius blends a freshly fitted radius into the previous estimate
// with an exponential moving average. alpha outside (0, 1] is clamped to 1.
// When hasPrevious is false the current radius is returned unchanged.
func SmoothedRadius(previous float64, hasPrevious bool, current, alpha float64) float64 {
	if !hasPrevious {
		return current
	}
	if alpha <= 0 || alpha > 1 {
		alpha = 1
	}
	return alpha*current + (1-alpha)*previous
}

// RadiusSmoother keeps the running EMA for one tracked unit. It is not
// safe for concurrent use.
type RadiusSmoother struct {
	Alpha float64

	value float64
	has   bool
}

// Observe folds a new radius sample in and returns the smoothed value.
func (s *RadiusSmoother) Observe(radius float64) float64 {
	s.value = SmoothedRadius(s.value, s.has, radius, s.Alpha)
	s.has = true
	return s.value
}

// Value returns the current estimate and whether any sample was observed.
func (s *RadiusSmoother) Value() (float64, bool) {
	return s.value, s.has
}

// Reset forgets the running estimate.
func (s *RadiusSmoother) Reset() {
	s.value = 0
	s.has = false
}
